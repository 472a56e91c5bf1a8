package attachment

import (
	"context"
	"log/slog"
	"strings"

	"github.com/samsaffron/llmchat/internal/session"
)

const (
	// DefaultChunkSize is the number of characters per embedded chunk.
	DefaultChunkSize = 2000
	// FallbackInlineBytes bounds inlined documents when no context size or
	// token count is available.
	FallbackInlineBytes = 512 * 1024
)

// CountFunc counts the tokens of text with the target model's tokenizer.
type CountFunc func(ctx context.Context, text string) (int, error)

// Processor decides for each document whether it fits into the prompt.
type Processor struct {
	Count     CountFunc
	ChunkSize int
	Logger    *slog.Logger
}

// Result is the outcome of processing one message's attachments.
type Result struct {
	Images    []File
	Inline    []File
	Embedded  []File
	Documents []session.Document
}

// HasEmbedded reports whether any document went to the document store.
func (r Result) HasEmbedded() bool {
	return len(r.Embedded) > 0
}

// Process sorts files into images, inlined documents and embedded
// documents. threshold is the token budget for inlined text; documents are
// inlined in order while their combined count stays within it. A threshold
// of zero or less means the context size is unknown and FallbackInlineBytes
// applies per document.
func (p *Processor) Process(ctx context.Context, files []File, threshold int) (Result, error) {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	var res Result
	used := 0
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		if f.Kind == KindImage {
			res.Images = append(res.Images, f)
			continue
		}

		inline := f.Size <= FallbackInlineBytes
		if threshold > 0 && p.Count != nil {
			n, err := p.Count(ctx, f.Content)
			if err != nil || n <= 0 {
				logger.Debug("attachment token count unavailable", "file", f.Name, "err", err)
			} else {
				inline = used+n <= threshold
				if inline {
					used += n
				}
			}
		}

		if inline {
			res.Inline = append(res.Inline, f)
			continue
		}
		res.Embedded = append(res.Embedded, f)
		for i, c := range Chunk(f.Content, p.chunkSize()) {
			res.Documents = append(res.Documents, session.Document{Name: f.Name, Chunk: i, Content: c})
		}
		logger.Debug("attachment embedded", "file", f.Name, "size", f.Size)
	}
	return res, nil
}

func (p *Processor) chunkSize() int {
	if p.ChunkSize > 0 {
		return p.ChunkSize
	}
	return DefaultChunkSize
}

// Chunk splits text into pieces of at most size characters, breaking on
// paragraph boundaries where possible.
func Chunk(text string, size int) []string {
	if size <= 0 {
		size = DefaultChunkSize
	}
	var chunks []string
	var cur strings.Builder
	curLen := 0

	flush := func() {
		if s := strings.TrimSpace(cur.String()); s != "" {
			chunks = append(chunks, s)
		}
		cur.Reset()
		curLen = 0
	}

	for _, para := range strings.Split(text, "\n\n") {
		r := []rune(para)
		for len(r) > size {
			flush()
			chunks = append(chunks, string(r[:size]))
			r = r[size:]
		}
		if len(r) == 0 {
			continue
		}
		if curLen > 0 && curLen+2+len(r) > size {
			flush()
		}
		if curLen > 0 {
			cur.WriteString("\n\n")
			curLen += 2
		}
		cur.WriteString(string(r))
		curLen += len(r)
	}
	flush()
	return chunks
}
