package ui

import (
	"context"
	"errors"
	"fmt"

	"github.com/charmbracelet/huh"

	"github.com/samsaffron/llmchat/internal/chat"
)

// ChooseRemedy asks how to recover from a context window overflow. Aborting
// the form declines.
func ChooseRemedy(ctx context.Context, cause error) (chat.Remedy, error) {
	choice := chat.RemedyDecline
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[chat.Remedy]().
				Title("The conversation no longer fits the model's context").
				Description(cause.Error()).
				Options(
					huh.NewOption("Double the context length and retry", chat.RemedyIncreaseContext),
					huh.NewOption("Let the server drop the oldest tokens and retry", chat.RemedyContextShift),
					huh.NewOption("Stop", chat.RemedyDecline),
				).
				Value(&choice),
		),
	).WithShowHelp(false)

	if err := form.RunWithContext(ctx); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			return chat.RemedyDecline, nil
		}
		return chat.RemedyDecline, err
	}
	return choice, nil
}

// ConfirmDelete asks before a thread is deleted.
func ConfirmDelete(ctx context.Context, title string) (bool, error) {
	ok := false
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewConfirm().
				Title(fmt.Sprintf("Delete thread %q?", title)).
				Description("Its messages and documents are removed too.").
				Affirmative("Delete").
				Negative("Cancel").
				Value(&ok),
		),
	).WithShowHelp(false)

	if err := form.RunWithContext(ctx); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			return false, nil
		}
		return false, err
	}
	return ok, nil
}
