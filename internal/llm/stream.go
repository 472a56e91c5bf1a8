package llm

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
)

// eventStream adapts a producer goroutine to the pull-based Stream contract.
type eventStream struct {
	events chan Event
	cancel context.CancelFunc

	mu   sync.Mutex
	err  error
	done chan struct{}
}

// newEventStream runs produce in a goroutine. The producer pushes events into
// the channel; its return value becomes the stream's terminal error.
// Recv blocks until the consumer asks, so a slow consumer throttles the producer.
func newEventStream(ctx context.Context, produce func(ctx context.Context, events chan<- Event) error) Stream {
	ctx, cancel := context.WithCancel(ctx)
	s := &eventStream{
		events: make(chan Event),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go func() {
		defer close(s.done)
		defer close(s.events)
		out := make(chan Event)
		finished := make(chan error, 1)
		go func() {
			finished <- produce(ctx, out)
			close(out)
		}()
		for ev := range out {
			select {
			case s.events <- ev:
			case <-ctx.Done():
				// Drain so the producer can observe cancellation and exit.
				for range out {
				}
			}
		}
		err := <-finished
		if err == nil && ctx.Err() != nil {
			err = ctx.Err()
		}
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
	}()
	return s
}

func (s *eventStream) Recv() (Event, error) {
	ev, ok := <-s.events
	if ok {
		return ev, nil
	}
	<-s.done
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return Event{}, s.err
	}
	return Event{}, io.EOF
}

func (s *eventStream) Close() error {
	s.cancel()
	return nil
}

// Collect drains a stream into a Response. EventError events end the drain
// with their error.
func Collect(stream Stream) (*Response, error) {
	defer stream.Close()
	var text, reasoning strings.Builder
	resp := &Response{}
	for {
		ev, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		switch ev.Type {
		case EventTextDelta:
			text.WriteString(ev.Text)
		case EventReasoningDelta:
			reasoning.WriteString(ev.Text)
		case EventToolCall:
			if ev.Tool != nil {
				resp.ToolCalls = append(resp.ToolCalls, *ev.Tool)
			}
		case EventUsage:
			resp.Usage = ev.Use
		case EventError:
			if ev.Err != nil {
				return nil, ev.Err
			}
		}
	}
	resp.Text = text.String()
	resp.Reasoning = reasoning.String()
	return resp, nil
}
