package tools

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gobwas/glob"

	"github.com/samsaffron/llmchat/internal/llm"
)

// Decision is the outcome of an approval request.
type Decision int

const (
	DecisionDeny Decision = iota
	DecisionApprove
	// DecisionAllowAll approves this call and every later call in the session.
	DecisionAllowAll
)

func (d Decision) String() string {
	switch d {
	case DecisionApprove:
		return "approve"
	case DecisionAllowAll:
		return "allow_all"
	default:
		return "deny"
	}
}

// Approved reports whether the call may run.
func (d Decision) Approved() bool {
	return d == DecisionApprove || d == DecisionAllowAll
}

// Approver gates tool calls.
type Approver interface {
	Approve(ctx context.Context, call llm.ToolCall) (Decision, error)
}

// PromptFunc asks the user about one call.
type PromptFunc func(ctx context.Context, call llm.ToolCall) (Decision, error)

// ApprovalManager decides tool calls from the allow-all flag, auto-approve
// patterns and, failing those, an interactive prompt.
type ApprovalManager struct {
	mu       sync.Mutex
	allowAll bool
	patterns []glob.Glob

	// promptMu serializes prompts when tools of one turn run in parallel.
	promptMu sync.Mutex
	prompt   PromptFunc
}

// NewApprovalManager compiles the auto-approve patterns (glob syntax over
// tool names, e.g. "search_*" or "fs__*"). A nil prompt denies every call
// that is not otherwise approved.
func NewApprovalManager(allowAll bool, autoApprove []string, prompt PromptFunc) (*ApprovalManager, error) {
	m := &ApprovalManager{allowAll: allowAll, prompt: prompt}
	for _, p := range autoApprove {
		g, err := glob.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid auto_approve pattern %q: %w", p, err)
		}
		m.patterns = append(m.patterns, g)
	}
	return m, nil
}

// AllowAll reports whether every call is currently approved.
func (m *ApprovalManager) AllowAll() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.allowAll
}

func (m *ApprovalManager) preapproved(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.allowAll {
		return true
	}
	for _, g := range m.patterns {
		if g.Match(name) {
			return true
		}
	}
	return false
}

func (m *ApprovalManager) Approve(ctx context.Context, call llm.ToolCall) (Decision, error) {
	if m.preapproved(call.Name) {
		return DecisionApprove, nil
	}
	if m.prompt == nil {
		slog.Debug("tool call denied without prompt", "tool", call.Name)
		return DecisionDeny, nil
	}

	m.promptMu.Lock()
	defer m.promptMu.Unlock()

	// An earlier prompt may have switched to allow-all while we waited.
	if m.preapproved(call.Name) {
		return DecisionApprove, nil
	}
	if err := ctx.Err(); err != nil {
		return DecisionDeny, err
	}
	d, err := m.prompt(ctx, call)
	if err != nil {
		return DecisionDeny, err
	}
	if d == DecisionAllowAll {
		m.mu.Lock()
		m.allowAll = true
		m.mu.Unlock()
	}
	return d, nil
}
