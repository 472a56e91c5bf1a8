package llm

import (
	"context"
	"errors"
	"testing"
	"time"
)

func fastRetry() RetryConfig {
	return RetryConfig{MaxAttempts: 3, BaseBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond}
}

func TestRetryProvider_RetriesTransientErrors(t *testing.T) {
	mock := NewMockProvider("mock")
	mock.AddError(errors.New("429 too many requests"))
	mock.AddTextResponse("ok")

	p := WrapWithRetry(mock, fastRetry())
	s, err := p.Stream(context.Background(), Request{})
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	resp, err := Collect(s)
	if err != nil {
		t.Fatalf("Collect() error = %v", err)
	}
	if resp.Text != "ok" {
		t.Fatalf("text = %q, want %q", resp.Text, "ok")
	}
	if mock.Calls() != 2 {
		t.Fatalf("calls = %d, want 2", mock.Calls())
	}
}

func TestRetryProvider_DoesNotRetryContextExceeded(t *testing.T) {
	mock := NewMockProvider("mock")
	mock.AddError(errors.New("the request exceeds the available context size"))
	mock.AddTextResponse("unreachable")

	p := WrapWithRetry(mock, fastRetry())
	s, err := p.Stream(context.Background(), Request{})
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	if _, err := Collect(s); !IsContextExceeded(err) {
		t.Fatalf("err = %v, want context exceeded", err)
	}
	if mock.Calls() != 1 {
		t.Fatalf("calls = %d, want 1", mock.Calls())
	}
}

func TestRetryProvider_NoRetryAfterOutput(t *testing.T) {
	mock := NewMockProvider("mock")
	mock.AddTurn(MockTurn{Chunks: []string{"half"}, StreamErr: errors.New("503 service unavailable")})
	mock.AddTextResponse("again")

	p := WrapWithRetry(mock, fastRetry())
	s, err := p.Stream(context.Background(), Request{})
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	if _, err := Collect(s); err == nil {
		t.Fatal("expected error after partial output")
	}
	if mock.Calls() != 1 {
		t.Fatalf("calls = %d, want 1", mock.Calls())
	}
}

func TestIsRetryable(t *testing.T) {
	if isRetryable(context.Canceled) {
		t.Error("context.Canceled should not be retryable")
	}
	if !isRetryable(errors.New("server overloaded")) {
		t.Error("overloaded should be retryable")
	}
	if isRetryable(errors.New("invalid api key")) {
		t.Error("auth errors should not be retryable")
	}
}
