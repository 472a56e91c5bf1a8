package ui

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/samsaffron/llmchat/internal/chat"
)

func TestPlainNotifierWritesDeltas(t *testing.T) {
	var out, errOut bytes.Buffer
	n := NewPlainNotifier(&out, &errOut, nil)

	n.Phase("t1", chat.PhaseStreaming)
	n.Update(chat.Update{Content: "Hel"})
	n.Update(chat.Update{Content: "Hello"})
	n.Update(chat.Update{Content: "Hello"})
	n.Finish("Hello, world")

	if got := out.String(); got != "Hello, world\n" {
		t.Fatalf("out = %q", got)
	}
	if errOut.Len() != 0 {
		t.Errorf("errOut = %q", errOut.String())
	}
}

func TestPlainNotifierToolTurns(t *testing.T) {
	var out bytes.Buffer
	n := NewPlainNotifier(&out, &bytes.Buffer{}, nil)

	n.Phase("t1", chat.PhaseStreaming)
	n.Update(chat.Update{Content: "Let me check."})
	n.Phase("t1", chat.PhaseToolExecution)
	n.Phase("t1", chat.PhaseStreaming)
	n.Update(chat.Update{Content: "Found it"})
	n.Finish("Found it.")

	if got := out.String(); got != "Let me check.\nFound it.\n" {
		t.Fatalf("out = %q", got)
	}
}

func TestPlainNotifierFinishWithoutUpdates(t *testing.T) {
	var out bytes.Buffer
	n := NewPlainNotifier(&out, &bytes.Buffer{}, nil)
	n.Phase("t1", chat.PhaseNonStreaming)
	n.Finish("Done.")
	if got := out.String(); got != "Done.\n" {
		t.Fatalf("out = %q", got)
	}

	out.Reset()
	n.Finish("")
	if out.Len() != 0 {
		t.Errorf("empty finish wrote %q", out.String())
	}
}

func TestPlainNotifierToasts(t *testing.T) {
	var errOut bytes.Buffer
	n := NewPlainNotifier(&bytes.Buffer{}, &errOut, nil)

	n.Toast(chat.Toast{ID: "s", Level: chat.ToastLoading, Title: "Summarizing earlier messages"})
	n.Toast(chat.Toast{ID: "s", Dismiss: true})
	n.Toast(chat.Toast{Level: chat.ToastError, Title: "Context summary failed", Description: "boom"})

	want := InfoIcon + " Summarizing earlier messages\n" + FailIcon + " Context summary failed: boom\n"
	if got := errOut.String(); got != want {
		t.Fatalf("errOut = %q, want %q", got, want)
	}
}

func TestPlainNotifierRemedy(t *testing.T) {
	ctx := context.Background()
	cause := errors.New("context exceeded")

	n := NewPlainNotifier(&bytes.Buffer{}, &bytes.Buffer{}, nil)
	if r, err := n.ChooseRemedy(ctx, "t1", cause); err != nil || r != chat.RemedyDecline {
		t.Fatalf("non-interactive remedy = %v, %v", r, err)
	}

	var seen error
	n = NewPlainNotifier(&bytes.Buffer{}, &bytes.Buffer{}, func(_ context.Context, err error) (chat.Remedy, error) {
		seen = err
		return chat.RemedyContextShift, nil
	})
	if r, err := n.ChooseRemedy(ctx, "t1", cause); err != nil || r != chat.RemedyContextShift {
		t.Fatalf("remedy = %v, %v", r, err)
	}
	if seen != cause {
		t.Errorf("prompt saw %v", seen)
	}
}
