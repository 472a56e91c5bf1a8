package llm

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorType classifies provider failures.
type ErrorType int

const (
	ErrTypeUnknown ErrorType = iota
	ErrTypeContextExceeded
	ErrTypeRateLimited
	ErrTypeConnection
	ErrTypeInvalidResponse
)

func (t ErrorType) String() string {
	switch t {
	case ErrTypeContextExceeded:
		return "context_exceeded"
	case ErrTypeRateLimited:
		return "rate_limited"
	case ErrTypeConnection:
		return "connection"
	case ErrTypeInvalidResponse:
		return "invalid_response"
	default:
		return "unknown"
	}
}

// ProviderError is a classified error returned by a provider.
type ProviderError struct {
	Type     ErrorType
	Provider string
	Message  string
	Cause    error
}

func (e *ProviderError) Error() string {
	msg := e.Message
	if e.Provider != "" {
		msg = e.Provider + ": " + msg
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

func (e *ProviderError) Unwrap() error {
	return e.Cause
}

// Is lets errors.Is(err, ErrContextExceeded) match any context-exceeded error.
func (e *ProviderError) Is(target error) bool {
	t, ok := target.(*ProviderError)
	if !ok {
		return false
	}
	return t.Type == e.Type && t.Provider == "" && t.Cause == nil
}

// ErrContextExceeded matches any provider error caused by the prompt not
// fitting the model's context window.
var ErrContextExceeded = &ProviderError{Type: ErrTypeContextExceeded, Message: "context window exceeded"}

// contextExceededSignatures are lowercase fragments of the overflow messages
// emitted by llama.cpp, OpenAI, Anthropic and Gemini.
var contextExceededSignatures = []string{
	"the request exceeds the available context size",
	"exceed_context_size_error",
	"context_length_exceeded",
	"maximum context length",
	"context window exceeded",
	"prompt is too long",
	"input token count",
	"exceeds the context",
}

// IsContextExceeded reports whether err signals a context-length overflow.
func IsContextExceeded(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrContextExceeded) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, sig := range contextExceededSignatures {
		if strings.Contains(msg, sig) {
			return true
		}
	}
	return false
}

// classifyError wraps a raw SDK error into a ProviderError when it matches a
// known signature, leaving other errors untouched.
func classifyError(provider string, err error) error {
	if err == nil {
		return nil
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return err
	}
	if IsContextExceeded(err) {
		return &ProviderError{Type: ErrTypeContextExceeded, Provider: provider, Message: "context window exceeded", Cause: err}
	}
	return fmt.Errorf("%s: %w", provider, err)
}
