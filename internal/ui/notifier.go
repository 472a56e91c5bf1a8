package ui

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/samsaffron/llmchat/internal/chat"
)

// RemedyFunc asks the user how to recover from a context overflow.
type RemedyFunc func(ctx context.Context, cause error) (chat.Remedy, error)

// ProgramNotifier forwards send progress to a running StreamModel.
type ProgramNotifier struct {
	program *tea.Program
	remedy  RemedyFunc
}

// NewProgramNotifier creates a notifier for p. remedy runs with the terminal
// released; nil declines every remedy.
func NewProgramNotifier(p *tea.Program, remedy RemedyFunc) *ProgramNotifier {
	return &ProgramNotifier{program: p, remedy: remedy}
}

func (n *ProgramNotifier) Phase(_ string, phase chat.Phase) { n.program.Send(phaseMsg(phase)) }
func (n *ProgramNotifier) Update(u chat.Update)            { n.program.Send(updateMsg(u)) }
func (n *ProgramNotifier) Progress(p chat.PromptProgress)  { n.program.Send(progressMsg(p)) }
func (n *ProgramNotifier) Toast(t chat.Toast)              { n.program.Send(toastMsg(t)) }

func (n *ProgramNotifier) ChooseRemedy(ctx context.Context, _ string, cause error) (chat.Remedy, error) {
	if n.remedy == nil {
		return chat.RemedyDecline, nil
	}
	choice := chat.RemedyDecline
	err := n.Suspend(ctx, func() error {
		var err error
		choice, err = n.remedy(ctx, cause)
		return err
	})
	return choice, err
}

// Suspend hands the terminal to fn, such as a huh form, and gives it back
// to the program afterwards.
func (n *ProgramNotifier) Suspend(ctx context.Context, fn func() error) error {
	done := make(chan struct{})
	n.program.Send(pauseMsg{done: done})
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := n.program.ReleaseTerminal(); err != nil {
		return err
	}
	defer func() {
		_ = n.program.RestoreTerminal()
		n.program.Send(resumeMsg{})
	}()
	return fn()
}

// PlainNotifier writes the answer as it streams, for pipes and dumb
// terminals. Notices go to errOut.
type PlainNotifier struct {
	out    io.Writer
	errOut io.Writer
	remedy RemedyFunc

	mu      sync.Mutex
	printed string
}

// NewPlainNotifier creates a notifier writing to out. remedy is nil when
// no one can answer a prompt.
func NewPlainNotifier(out, errOut io.Writer, remedy RemedyFunc) *PlainNotifier {
	return &PlainNotifier{out: out, errOut: errOut, remedy: remedy}
}

func (n *PlainNotifier) Phase(_ string, phase chat.Phase) {
	n.mu.Lock()
	defer n.mu.Unlock()
	switch phase {
	case chat.PhaseStreaming, chat.PhaseNonStreaming:
		n.printed = ""
	case chat.PhaseToolExecution:
		if n.printed != "" {
			fmt.Fprintln(n.out)
		}
		n.printed = ""
	}
}

func (n *PlainNotifier) Update(u chat.Update) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.write(u.Content)
}

// write prints the part of content not yet printed. Content that does not
// extend what was printed is skipped.
func (n *PlainNotifier) write(content string) {
	if !strings.HasPrefix(content, n.printed) {
		return
	}
	if delta := content[len(n.printed):]; delta != "" {
		io.WriteString(n.out, delta)
		n.printed = content
	}
}

func (n *PlainNotifier) Progress(chat.PromptProgress) {}

func (n *PlainNotifier) Toast(t chat.Toast) {
	if t.Dismiss {
		return
	}
	icon := InfoIcon
	switch t.Level {
	case chat.ToastWarning:
		icon = WarnIcon
	case chat.ToastError:
		icon = FailIcon
	}
	text := t.Title
	if t.Description != "" {
		text += ": " + t.Description
	}
	fmt.Fprintf(n.errOut, "%s %s\n", icon, text)
}

func (n *PlainNotifier) ChooseRemedy(ctx context.Context, _ string, cause error) (chat.Remedy, error) {
	if n.remedy == nil {
		return chat.RemedyDecline, nil
	}
	return n.remedy(ctx, cause)
}

// Finish prints the rest of the final answer. Updates still pending when
// the send ended are never delivered.
func (n *PlainNotifier) Finish(final string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if final != "" {
		n.write(final)
	}
	if n.printed != "" {
		fmt.Fprintln(n.out)
	}
	n.printed = ""
}
