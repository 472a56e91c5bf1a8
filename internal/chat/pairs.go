// Package chat drives one send of a conversation: it assembles history,
// compacts older turns into a summary, streams the model's answer, runs the
// tool loop, persists the result and names new threads.
package chat

import (
	"strings"

	"github.com/samsaffron/llmchat/internal/llm"
	"github.com/samsaffron/llmchat/internal/reasoning"
	"github.com/samsaffron/llmchat/internal/session"
)

// Pair is one user question and the assistant answer that closed it, if any.
type Pair struct {
	Question session.Message
	Answer   *session.Message
}

// EligibleMessages drops failed turns and the message being continued.
func EligibleMessages(msgs []session.Message, continueID string) []session.Message {
	out := make([]session.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Metadata.Error != "" {
			continue
		}
		if continueID != "" && m.ID == continueID {
			continue
		}
		out = append(out, m)
	}
	return out
}

// BuildPairs groups messages into question/answer pairs in one scan. A new
// question flushes an unanswered one; assistant messages close the pending
// question only when they are final and have visible text. Everything else
// is ignored.
func BuildPairs(msgs []session.Message) []Pair {
	var pairs []Pair
	var pending *session.Message
	for i := range msgs {
		m := msgs[i]
		switch m.Role {
		case llm.RoleUser:
			if pending != nil {
				pairs = append(pairs, Pair{Question: *pending})
			}
			pending = &m
		case llm.RoleAssistant:
			if pending == nil || !answers(m) {
				continue
			}
			answer := m
			pairs = append(pairs, Pair{Question: *pending, Answer: &answer})
			pending = nil
		}
	}
	if pending != nil {
		pairs = append(pairs, Pair{Question: *pending})
	}
	return pairs
}

func answers(m session.Message) bool {
	if !m.IsFinal() {
		return false
	}
	return strings.TrimSpace(reasoning.RemoveContent(m.Text())) != ""
}

// FlattenPairs lists each question followed by its answer.
func FlattenPairs(pairs []Pair) []session.Message {
	out := make([]session.Message, 0, len(pairs)*2)
	for _, p := range pairs {
		out = append(out, p.Question)
		if p.Answer != nil {
			out = append(out, *p.Answer)
		}
	}
	return out
}
