package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
)

// MockTurn scripts one provider response.
type MockTurn struct {
	Chunks    []string
	Reasoning []string
	ToolCalls []ToolCall
	Usage     *Usage
	// Err fails the request before any output.
	Err error
	// StreamErr fails the stream after the scripted chunks were delivered.
	StreamErr error
	// Hold keeps the stream open after the scripted chunks until the request
	// context is cancelled. OnHold runs once when the consumer first waits.
	Hold   bool
	OnHold func()
	// OnEvent runs right before the i-th event is handed out.
	OnEvent func(i int)
}

// MockProvider is a scripted provider for tests. Each Stream or Complete call
// consumes the next turn; requests are recorded for inspection.
type MockProvider struct {
	mu       sync.Mutex
	name     string
	caps     Capabilities
	turns    []MockTurn
	Requests []Request
}

// NewMockProvider creates an empty mock provider.
func NewMockProvider(name string) *MockProvider {
	return &MockProvider{name: name, caps: Capabilities{ToolCalls: true}}
}

// WithCapabilities overrides the reported capabilities.
func (m *MockProvider) WithCapabilities(c Capabilities) *MockProvider {
	m.caps = c
	return m
}

// AddTurn appends a scripted turn.
func (m *MockProvider) AddTurn(t MockTurn) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.turns = append(m.turns, t)
	return m
}

// AddTextResponse appends a turn answering with text in a single chunk.
func (m *MockProvider) AddTextResponse(text string) *MockProvider {
	return m.AddTurn(MockTurn{Chunks: []string{text}})
}

// AddChunks appends a turn streaming the given chunks.
func (m *MockProvider) AddChunks(chunks ...string) *MockProvider {
	return m.AddTurn(MockTurn{Chunks: chunks})
}

// AddToolCall appends a turn requesting a single tool call.
func (m *MockProvider) AddToolCall(id, name string, args any) *MockProvider {
	raw, _ := json.Marshal(args)
	return m.AddTurn(MockTurn{ToolCalls: []ToolCall{{ID: id, Name: name, Arguments: raw}}})
}

// AddError appends a turn failing with err.
func (m *MockProvider) AddError(err error) *MockProvider {
	return m.AddTurn(MockTurn{Err: err})
}

// Calls returns the number of requests served.
func (m *MockProvider) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Requests)
}

// LastRequest returns the most recent request.
func (m *MockProvider) LastRequest() Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Requests) == 0 {
		return Request{}
	}
	return m.Requests[len(m.Requests)-1]
}

func (m *MockProvider) Name() string {
	return m.name
}

func (m *MockProvider) Capabilities() Capabilities {
	return m.caps
}

func (m *MockProvider) next(req Request) (MockTurn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Requests = append(m.Requests, req)
	if len(m.turns) == 0 {
		return MockTurn{}, fmt.Errorf("mock provider %s: no scripted turn left", m.name)
	}
	t := m.turns[0]
	m.turns = m.turns[1:]
	return t, nil
}

func (m *MockProvider) Stream(ctx context.Context, req Request) (Stream, error) {
	turn, err := m.next(req)
	if err != nil {
		return nil, err
	}
	if turn.Err != nil {
		return nil, turn.Err
	}

	var events []Event
	for _, r := range turn.Reasoning {
		events = append(events, Event{Type: EventReasoningDelta, Text: r})
	}
	for _, c := range turn.Chunks {
		events = append(events, Event{Type: EventTextDelta, Text: c})
	}
	for i := range turn.ToolCalls {
		call := turn.ToolCalls[i]
		events = append(events, Event{Type: EventToolCall, Tool: &call})
	}
	if turn.Usage != nil {
		events = append(events, Event{Type: EventUsage, Use: turn.Usage})
	}
	return &mockStream{ctx: ctx, events: events, turn: turn}, nil
}

// Complete answers in one shot from the next scripted turn.
func (m *MockProvider) Complete(ctx context.Context, req Request) (*Response, error) {
	turn, err := m.next(req)
	if err != nil {
		return nil, err
	}
	if turn.Err != nil {
		return nil, turn.Err
	}
	if turn.StreamErr != nil {
		return nil, turn.StreamErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &Response{
		Text:      strings.Join(turn.Chunks, ""),
		Reasoning: strings.Join(turn.Reasoning, ""),
		ToolCalls: turn.ToolCalls,
		Usage:     turn.Usage,
	}, nil
}

// mockStream hands out events synchronously so tests control ordering.
type mockStream struct {
	ctx    context.Context
	events []Event
	turn   MockTurn
	idx    int
	held   bool
}

func (s *mockStream) Recv() (Event, error) {
	if err := s.ctx.Err(); err != nil {
		return Event{}, err
	}
	if s.idx < len(s.events) {
		if s.turn.OnEvent != nil {
			s.turn.OnEvent(s.idx)
		}
		ev := s.events[s.idx]
		s.idx++
		return ev, nil
	}
	if s.turn.StreamErr != nil {
		return Event{}, s.turn.StreamErr
	}
	if s.turn.Hold {
		if !s.held {
			s.held = true
			if s.turn.OnHold != nil {
				s.turn.OnHold()
			}
		}
		<-s.ctx.Done()
		return Event{}, s.ctx.Err()
	}
	return Event{}, io.EOF
}

func (s *mockStream) Close() error {
	return nil
}
