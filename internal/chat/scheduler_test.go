package chat

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/samsaffron/llmchat/internal/llm"
)

type flushRecorder struct {
	mu       sync.Mutex
	contents []string
}

func (r *flushRecorder) record(s string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.contents = append(r.contents, s)
}

func (r *flushRecorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.contents...)
}

func TestSchedulerCoalescesRapidDeltas(t *testing.T) {
	state := NewStreamState("")
	rec := &flushRecorder{}
	s := NewScheduler(context.Background(), 50*time.Millisecond, func() {
		rec.record(state.Snapshot().Content)
	})

	var want strings.Builder
	for i := 0; i < 100; i++ {
		state.AppendText("x")
		want.WriteString("x")
		s.RequestFlush()
	}

	time.Sleep(200 * time.Millisecond)
	s.Cancel()

	got := rec.snapshot()
	if len(got) != 1 {
		t.Fatalf("flushes = %d, want 1", len(got))
	}
	if got[0] != want.String() {
		t.Errorf("flushed content = %q, want %q", got[0], want.String())
	}
}

func TestSchedulerCancelSuppressesPendingFlush(t *testing.T) {
	rec := &flushRecorder{}
	s := NewScheduler(context.Background(), 30*time.Millisecond, func() { rec.record("flush") })
	s.RequestFlush()
	s.Cancel()
	s.RequestFlush()

	time.Sleep(100 * time.Millisecond)
	if got := rec.snapshot(); len(got) != 0 {
		t.Fatalf("flushes after cancel = %d, want 0", len(got))
	}
}

func TestSchedulerSkipsAfterContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	rec := &flushRecorder{}
	s := NewScheduler(ctx, 30*time.Millisecond, func() { rec.record("flush") })
	s.RequestFlush()
	cancel()

	time.Sleep(100 * time.Millisecond)
	if got := rec.snapshot(); len(got) != 0 {
		t.Fatalf("flushes after context cancel = %d, want 0", len(got))
	}
}

func TestSchedulerFlushesAgainAfterFire(t *testing.T) {
	rec := &flushRecorder{}
	s := NewScheduler(context.Background(), 10*time.Millisecond, func() { rec.record("flush") })
	defer s.Cancel()

	s.RequestFlush()
	time.Sleep(60 * time.Millisecond)
	s.RequestFlush()
	time.Sleep(60 * time.Millisecond)

	if got := rec.snapshot(); len(got) != 2 {
		t.Fatalf("flushes = %d, want 2", len(got))
	}
}

func TestStreamStateTokenSpeed(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	now := start
	state := NewStreamState("seed ")
	state.now = func() time.Time { return now }

	if snap := state.Snapshot(); snap.TokenSpeed != 0 || snap.Content != "seed " {
		t.Fatalf("empty snapshot = %+v", snap)
	}

	for i := 0; i < 10; i++ {
		state.AppendText("a")
	}
	now = start.Add(500 * time.Millisecond)
	if got := state.Snapshot().TokenSpeed; got != 10 {
		t.Errorf("speed under one second = %v, want 10", got)
	}

	now = start.Add(4 * time.Second)
	if got := state.Snapshot().TokenSpeed; got != 2.5 {
		t.Errorf("delta speed = %v, want 2.5", got)
	}

	state.SetUsage(&llm.Usage{OutputTokens: 40})
	snap := state.Snapshot()
	if snap.TokenSpeed != 10 || snap.Tokens != 40 {
		t.Errorf("usage speed = %v tokens = %d, want 10 and 40", snap.TokenSpeed, snap.Tokens)
	}
	if snap.Content != "seed aaaaaaaaaa" {
		t.Errorf("content = %q", snap.Content)
	}
}
