package llm

import (
	"context"
	"fmt"
)

// CompletionKind discriminates the shape of a completion result.
type CompletionKind int

const (
	CompletionStreamed CompletionKind = iota
	CompletionComplete
)

func (k CompletionKind) String() string {
	if k == CompletionComplete {
		return "complete"
	}
	return "streamed"
}

// Completion is either a live Stream or a finished Response, decided once by
// SendCompletion. Exactly one of Stream and Response is set, matching Kind.
type Completion struct {
	Kind     CompletionKind
	Stream   Stream
	Response *Response
}

// SendCompletion issues req against p. When stream is false the provider's
// single-shot path is used if it has one; otherwise its stream is drained
// before returning.
func SendCompletion(ctx context.Context, p Provider, req Request, stream bool) (Completion, error) {
	if stream {
		s, err := p.Stream(ctx, req)
		if err != nil {
			return Completion{}, err
		}
		return Completion{Kind: CompletionStreamed, Stream: s}, nil
	}

	if c, ok := p.(Completer); ok {
		resp, err := c.Complete(ctx, req)
		if err != nil {
			return Completion{}, err
		}
		return Completion{Kind: CompletionComplete, Response: resp}, nil
	}

	s, err := p.Stream(ctx, req)
	if err != nil {
		return Completion{}, err
	}
	resp, err := Collect(s)
	if err != nil {
		return Completion{}, err
	}
	return Completion{Kind: CompletionComplete, Response: resp}, nil
}

// CompleteText runs a single non-streaming request and returns its text.
// Used for auxiliary prompts such as titles and summaries.
func CompleteText(ctx context.Context, p Provider, req Request) (string, error) {
	c, err := SendCompletion(ctx, p, req, false)
	if err != nil {
		return "", err
	}
	if c.Response == nil {
		return "", fmt.Errorf("%s returned no response", p.Name())
	}
	return c.Response.Text, nil
}
