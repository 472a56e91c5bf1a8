// Package reasoning separates inline "thinking" segments from visible answer
// text in streamed model output.
package reasoning

import (
	"regexp"
	"strings"
)

const (
	OpenTag  = "<think>"
	CloseTag = "</think>"
)

// Processor splits one streaming response into visible text and reasoning.
// It is not safe for concurrent use; create one per response.
type Processor struct {
	inBlock bool
	// pending holds a trailing fragment that may be the start of a tag.
	pending   string
	current   strings.Builder
	reasoning strings.Builder
}

// NewProcessor returns an empty processor.
func NewProcessor() *Processor {
	return &Processor{}
}

// ProcessChunk consumes a raw delta and returns the text that should be shown
// to the user right away. Text inside <think> blocks is withheld.
func (p *Processor) ProcessChunk(delta string) string {
	buf := p.pending + delta
	p.pending = ""

	var visible strings.Builder
	for buf != "" {
		tag := OpenTag
		if p.inBlock {
			tag = CloseTag
		}

		if idx := strings.Index(buf, tag); idx >= 0 {
			p.emit(&visible, buf[:idx])
			buf = buf[idx+len(tag):]
			if p.inBlock {
				p.closeBlock()
			} else {
				p.inBlock = true
			}
			continue
		}

		keep := partialSuffix(buf, tag)
		p.emit(&visible, buf[:len(buf)-keep])
		p.pending = buf[len(buf)-keep:]
		break
	}
	return visible.String()
}

// ProcessReasoning records a structured reasoning delta, as sent by providers
// that stream reasoning on a separate channel.
func (p *Processor) ProcessReasoning(delta string) {
	p.reasoning.WriteString(delta)
}

// Finalize ends the response. It returns "" when no block is open; otherwise
// it returns the buffered block wrapped in open and close tags so the caller
// can keep a well-formed record of an interrupted block. A held partial tag
// outside a block is returned as plain text.
func (p *Processor) Finalize() string {
	if !p.inBlock {
		rest := p.pending
		p.pending = ""
		return rest
	}
	p.current.WriteString(p.pending)
	p.pending = ""
	content := p.current.String()
	p.closeBlock()
	return OpenTag + content + CloseTag
}

// Reasoning returns all reasoning collected so far, excluding an open block.
func (p *Processor) Reasoning() string {
	return p.reasoning.String()
}

// InBlock reports whether the stream is currently inside a reasoning block.
func (p *Processor) InBlock() bool {
	return p.inBlock
}

func (p *Processor) emit(visible *strings.Builder, s string) {
	if p.inBlock {
		p.current.WriteString(s)
		return
	}
	visible.WriteString(s)
}

func (p *Processor) closeBlock() {
	if p.reasoning.Len() > 0 && p.current.Len() > 0 {
		p.reasoning.WriteString("\n")
	}
	p.reasoning.WriteString(p.current.String())
	p.current.Reset()
	p.inBlock = false
}

// partialSuffix returns the length of the longest suffix of s that is a
// proper prefix of tag.
func partialSuffix(s, tag string) int {
	n := min(len(s), len(tag)-1)
	for ; n > 0; n-- {
		if strings.HasSuffix(s, tag[:n]) {
			return n
		}
	}
	return 0
}

var (
	closedBlock = regexp.MustCompile(`(?s)<think>.*?</think>`)
	openBlock   = regexp.MustCompile(`(?s)<think>.*$`)
)

// RemoveContent strips complete and unterminated reasoning blocks from text.
func RemoveContent(text string) string {
	text = closedBlock.ReplaceAllString(text, "")
	text = openBlock.ReplaceAllString(text, "")
	return strings.TrimSpace(text)
}
