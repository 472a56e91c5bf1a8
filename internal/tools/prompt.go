package tools

import (
	"context"
	"errors"
	"fmt"

	"github.com/charmbracelet/huh"

	"github.com/samsaffron/llmchat/internal/llm"
)

const maxPromptArgs = 200

// HuhPrompt asks on the terminal whether a tool call may run.
func HuhPrompt(ctx context.Context, call llm.ToolCall) (Decision, error) {
	choice := DecisionDeny
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[Decision]().
				Title(fmt.Sprintf("Allow tool %s?", call.Name)).
				Description(PromptDescription(call)).
				Options(
					huh.NewOption("Yes", DecisionApprove),
					huh.NewOption("Yes, allow all tools for this session", DecisionAllowAll),
					huh.NewOption("No", DecisionDeny),
				).
				Value(&choice),
		),
	).WithShowHelp(false)

	if err := form.RunWithContext(ctx); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			return DecisionDeny, nil
		}
		return DecisionDeny, err
	}
	return choice, nil
}

// PromptDescription renders a call's arguments for display.
func PromptDescription(call llm.ToolCall) string {
	args := string(call.Arguments)
	if args == "" || args == "null" {
		return "(no arguments)"
	}
	if r := []rune(args); len(r) > maxPromptArgs {
		return string(r[:maxPromptArgs]) + "…"
	}
	return args
}
