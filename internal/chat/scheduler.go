package chat

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/samsaffron/llmchat/internal/llm"
)

// DefaultFrameInterval paces UI updates to roughly one per display frame.
const DefaultFrameInterval = 16 * time.Millisecond

// StreamState accumulates a streamed answer. The scheduler's timer goroutine
// reads it while the send loop writes it.
type StreamState struct {
	mu      sync.Mutex
	content strings.Builder
	deltas  int
	first   time.Time
	usage   *llm.Usage
	now     func() time.Time
}

// Snapshot is the state of a stream at one point in time.
type Snapshot struct {
	Content    string
	TokenSpeed float64 // Tokens per second since the first delta
	Tokens     int
}

// NewStreamState starts a stream whose content begins with seed, the text
// of a message being continued.
func NewStreamState(seed string) *StreamState {
	s := &StreamState{now: time.Now}
	s.content.WriteString(seed)
	return s
}

// AppendText adds visible text and counts one delta.
func (s *StreamState) AppendText(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tick()
	s.content.WriteString(text)
}

// CountDelta counts a delta that adds no visible text, such as reasoning.
func (s *StreamState) CountDelta() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tick()
}

func (s *StreamState) tick() {
	if s.first.IsZero() {
		s.first = s.now()
	}
	s.deltas++
}

// SetUsage records provider-reported usage.
func (s *StreamState) SetUsage(u *llm.Usage) {
	if u == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *u
	s.usage = &cp
}

// Usage returns the provider-reported usage, or nil.
func (s *StreamState) Usage() *llm.Usage {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.usage == nil {
		return nil
	}
	cp := *s.usage
	return &cp
}

// Content returns the accumulated text.
func (s *StreamState) Content() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.content.String()
}

// Snapshot returns the content and token speed. Speed uses the provider's
// completion token count when known and the delta count otherwise, over at
// least one second.
func (s *StreamState) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{Content: s.content.String(), Tokens: s.deltas}
	if s.usage != nil && s.usage.OutputTokens > 0 {
		snap.Tokens = s.usage.OutputTokens
	}
	if snap.Tokens == 0 || s.first.IsZero() {
		return snap
	}
	elapsed := s.now().Sub(s.first).Seconds()
	if elapsed < 1 {
		elapsed = 1
	}
	snap.TokenSpeed = float64(snap.Tokens) / elapsed
	return snap
}

// Scheduler coalesces flush requests into at most one flush per interval.
type Scheduler struct {
	ctx      context.Context
	interval time.Duration
	flush    func()

	mu      sync.Mutex
	timer   *time.Timer
	pending bool
	stopped bool

	// flushMu is held while flush runs.
	flushMu sync.Mutex
}

// NewScheduler creates a scheduler. Requests made after ctx is cancelled
// are dropped.
func NewScheduler(ctx context.Context, interval time.Duration, flush func()) *Scheduler {
	if interval <= 0 {
		interval = DefaultFrameInterval
	}
	return &Scheduler{ctx: ctx, interval: interval, flush: flush}
}

// RequestFlush schedules a flush unless one is already pending.
func (s *Scheduler) RequestFlush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped || s.pending || s.ctx.Err() != nil {
		return
	}
	s.pending = true
	s.timer = time.AfterFunc(s.interval, s.fire)
}

func (s *Scheduler) fire() {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	s.mu.Lock()
	if s.stopped || s.ctx.Err() != nil {
		s.mu.Unlock()
		return
	}
	s.pending = false
	s.mu.Unlock()

	s.flush()
}

// Cancel drops any pending flush. When it returns no flush is running and
// none will run.
func (s *Scheduler) Cancel() {
	s.mu.Lock()
	s.stopped = true
	s.pending = false
	if s.timer != nil {
		s.timer.Stop()
	}
	s.mu.Unlock()

	// Wait for an in-flight flush.
	s.flushMu.Lock()
	defer s.flushMu.Unlock()
}
