package chat

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/samsaffron/llmchat/internal/config"
	"github.com/samsaffron/llmchat/internal/llm"
	"github.com/samsaffron/llmchat/internal/reasoning"
	"github.com/samsaffron/llmchat/internal/session"
)

const (
	summaryMaxTokens = 512
	summaryHeading   = "Context summary of earlier conversation:\n"
)

const summaryInstruction = `Summarize the conversation below as a numbered list of question and answer pairs, so the assistant can continue without the earlier messages.

Rules:
- Each item is one pair: a user question and the assistant's answer.
- Keep the user question verbatim.
- Summarize the answer in at most 100 characters. If the answer is already 100 characters or shorter, keep it unchanged.
- If a question has no answer yet, leave the answer empty.
- Write in the main language of the conversation.

Output format:
1) Question: ...
   Answer: ...

Return only the list.`

// SummaryTargetCount returns how many leading pairs to fold into the
// summary: whole units of limit pairs, always leaving at least one pair
// live. Zero means no summary is needed.
func SummaryTargetCount(eligible, limit int) int {
	limit = max(limit, 1)
	if eligible <= limit {
		return 0
	}
	return (eligible - 1) / limit * limit
}

// SummaryEntry is the cached summary of a thread's first SummarizedCount
// pairs.
type SummaryEntry struct {
	SummarizedCount int
	SummaryText     string
}

// SummaryCache holds per-thread summaries in memory. Entries only grow; the
// whole cache is dropped when the summary settings change.
type SummaryCache struct {
	mu         sync.Mutex
	entries    map[string]SummaryEntry
	configured bool
	enabled    bool
	limit      int
}

// NewSummaryCache returns an empty cache.
func NewSummaryCache() *SummaryCache {
	return &SummaryCache{entries: make(map[string]SummaryEntry)}
}

func (c *SummaryCache) Get(threadID string) (SummaryEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[threadID]
	return e, ok
}

// Set stores e unless the thread already has a summary covering more pairs.
func (c *SummaryCache) Set(threadID string, e SummaryEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.entries[threadID]; ok && cur.SummarizedCount > e.SummarizedCount {
		return
	}
	c.entries[threadID] = e
}

// Reset forgets one thread's summary.
func (c *SummaryCache) Reset(threadID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, threadID)
}

func (c *SummaryCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.entries)
}

// Reconfigure records the summary settings and clears the cache when they
// differ from the previous ones. It reports whether the cache was cleared.
func (c *SummaryCache) Reconfigure(cfg config.ContextSummaryConfig) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	changed := c.configured && (c.enabled != cfg.Enabled || c.limit != cfg.Limit())
	if changed {
		clear(c.entries)
	}
	c.configured = true
	c.enabled = cfg.Enabled
	c.limit = cfg.Limit()
	return changed
}

// Summarizer condenses older conversation pairs with one model call.
type Summarizer struct {
	Logger *slog.Logger
}

// Summarize returns a summary of msgs.
func (s *Summarizer) Summarize(ctx context.Context, ref ModelRef, msgs []session.Message) (string, error) {
	if len(msgs) == 0 {
		return "", ErrNoSummaryMessages
	}
	if !ref.valid() {
		return "", ErrNoSummaryModel
	}
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}

	start := time.Now()
	req := auxiliaryRequest(ref, summaryInstruction, FormatTranscript(msgs), summaryMaxTokens)
	text, err := llm.CompleteText(ctx, ref.Client, req)
	if err != nil {
		return "", fmt.Errorf("summarize conversation: %w", err)
	}
	text = strings.TrimSpace(reasoning.RemoveContent(text))
	if text == "" {
		return "", ErrEmptySummary
	}
	logger.Debug("context summary generated",
		"model", ref.String(),
		"messages", len(msgs),
		"elapsed_ms", time.Since(start).Milliseconds(),
		"summary", text)
	return text, nil
}

// FormatTranscript renders messages as "Role:\ncontent" blocks.
func FormatTranscript(msgs []session.Message) string {
	blocks := make([]string, 0, len(msgs))
	for _, m := range msgs {
		blocks = append(blocks, roleLabel(m.Role)+":\n"+transcriptContent(m))
	}
	return strings.Join(blocks, "\n\n")
}

func roleLabel(r llm.Role) string {
	switch r {
	case llm.RoleUser:
		return "User"
	case llm.RoleAssistant:
		return "Assistant"
	case llm.RoleSystem:
		return "System"
	case llm.RoleTool:
		return "Tool"
	}
	return string(r)
}

func transcriptContent(m session.Message) string {
	var parts []string
	for _, p := range m.Parts {
		switch p.Type {
		case llm.PartText:
			text := p.Text
			if m.Role == llm.RoleAssistant {
				text = reasoning.RemoveContent(text)
			}
			if strings.TrimSpace(text) != "" {
				parts = append(parts, text)
			}
		case llm.PartImage:
			parts = append(parts, "[image: "+imageRef(p.ImageURL)+"]")
		case llm.PartToolResult:
			if p.ToolResult != nil {
				parts = append(parts, "Result: "+p.ToolResult.Content)
			}
		}
	}
	for _, f := range m.Metadata.InlineFiles {
		parts = append(parts, inlineFileText(f))
	}
	for _, tc := range m.Metadata.ToolCalls {
		call := "Tool call: " + tc.Name + "(" + string(tc.Arguments) + ")"
		if tc.Response != "" {
			call += "\nResult: " + tc.Response
		}
		parts = append(parts, call)
	}
	content := strings.Join(parts, "\n\n")
	if strings.TrimSpace(content) == "" {
		return "."
	}
	return content
}

// imageRef shortens inline data URLs, which would otherwise dominate the
// transcript.
func imageRef(url string) string {
	if mediaType, _, ok := strings.Cut(strings.TrimPrefix(url, "data:"), ";"); ok && strings.HasPrefix(url, "data:") {
		return "inline " + mediaType
	}
	return url
}

func inlineFileText(f session.InlineFile) string {
	name := f.Name
	if name == "" {
		name = "attachment"
	}
	return "File: " + name + "\n" + f.Content
}

// withSummary appends the summary block to the system instruction.
func withSummary(system, summary string) string {
	block := summaryHeading + summary
	if strings.TrimSpace(system) == "" {
		return block
	}
	return system + "\n\n" + block
}
