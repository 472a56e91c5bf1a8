package chat

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/samsaffron/llmchat/internal/llm"
	"github.com/samsaffron/llmchat/internal/session"
	"github.com/samsaffron/llmchat/internal/tools"
)

const deniedToolResult = "The user denied this tool call."

// toolOutcome is the result of one tool call as reported to the model.
type toolOutcome struct {
	content  string
	isError  bool
	executed bool
}

// runTools executes one turn's tool calls concurrently. Records and result
// messages keep the order of calls. Records of calls that did not run stay
// pending.
func (s *send) runTools(ctx context.Context, toolset *tools.Registry, calls []llm.ToolCall) ([]session.ToolCallRecord, []llm.Message, error) {
	records := make([]session.ToolCallRecord, len(calls))
	results := make([]llm.Message, len(calls))
	for i, call := range calls {
		records[i] = session.ToolCallRecord{
			ID:        call.ID,
			Name:      call.Name,
			Arguments: call.Arguments,
			State:     session.ToolCallPending,
		}
		if t, ok := lookupTool(toolset, call.Name); ok {
			records[i].Description = t.Spec().Description
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	for i, call := range calls {
		g.Go(func() error {
			out, err := s.runTool(gctx, toolset, call)
			if err != nil {
				return err
			}
			if out.isError {
				results[i] = llm.ToolErrorMessage(call.ID, call.Name, out.content)
			} else {
				results[i] = llm.ToolResultMessage(call.ID, call.Name, out.content)
			}
			if out.executed {
				records[i].State = session.ToolCallExecuted
				records[i].Response = out.content
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return records, nil, err
	}
	return records, results, nil
}

// runTool gates one call on approval and runs it. Tool failures become
// error results for the model; only approval failures and cancellation are
// returned as errors.
func (s *send) runTool(ctx context.Context, toolset *tools.Registry, call llm.ToolCall) (toolOutcome, error) {
	if _, ok := lookupTool(toolset, call.Name); !ok {
		return toolOutcome{content: fmt.Sprintf("unknown tool: %s", call.Name), isError: true}, nil
	}

	decision := tools.DecisionDeny
	if s.o.approver != nil {
		var err error
		decision, err = s.o.approver.Approve(ctx, call)
		if err != nil {
			return toolOutcome{}, fmt.Errorf("approve %s: %w", call.Name, err)
		}
	}
	if !decision.Approved() {
		s.logger.Info("tool call denied", "tool", call.Name)
		return toolOutcome{content: deniedToolResult, isError: true}, nil
	}

	start := time.Now()
	content, err := toolset.Execute(ctx, call)
	if ctx.Err() != nil {
		return toolOutcome{}, ctx.Err()
	}
	s.logger.Debug("tool executed", "tool", call.Name, "elapsed_ms", time.Since(start).Milliseconds(), "err", err)
	if err != nil {
		return toolOutcome{content: err.Error(), isError: true, executed: true}, nil
	}
	return toolOutcome{content: content, executed: true}, nil
}

func lookupTool(toolset *tools.Registry, name string) (tools.Tool, bool) {
	if toolset == nil {
		return nil, false
	}
	return toolset.Get(name)
}
