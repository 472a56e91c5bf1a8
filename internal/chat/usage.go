package chat

import (
	"github.com/samsaffron/llmchat/internal/llm"
	"github.com/samsaffron/llmchat/internal/session"
)

// ThreadUsageTotal sums the token usage recorded on assistant messages. ok
// is false when no answer carries usage.
func ThreadUsageTotal(msgs []session.Message) (total int, ok bool) {
	for _, m := range msgs {
		if m.Role != llm.RoleAssistant || m.Metadata.Usage == nil {
			continue
		}
		total += m.Metadata.Usage.Total()
		ok = true
	}
	return total, ok
}
