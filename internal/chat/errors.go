package chat

import "errors"

var (
	// ErrThreadBusy is returned when a thread already has a send in flight.
	ErrThreadBusy = errors.New("thread already has a send in progress")
	// ErrThreadNotFound is returned when the requested thread does not exist.
	ErrThreadNotFound = errors.New("thread not found")
	// ErrNoModel is returned when no chat model is selected.
	ErrNoModel     = errors.New("no chat model selected")
	ErrModelStart  = errors.New("model failed to start")
	ErrNoResponse  = errors.New("no response received from the model")
	ErrBadContinue = errors.New("message cannot be continued")
	// ErrToolStepBudget ends a tool loop that keeps requesting tools.
	ErrToolStepBudget = errors.New("tool step budget exhausted")

	ErrNoSummaryModel    = errors.New("no model available for context summary")
	ErrNoSummaryMessages = errors.New("no messages to summarize")
	ErrEmptySummary      = errors.New("context summary is empty")

	ErrNoTitleModel = errors.New("no model available for thread title")
	ErrEmptyTitle   = errors.New("generated thread title is empty")
)
