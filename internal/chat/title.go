package chat

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mattn/go-runewidth"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/text"

	"github.com/samsaffron/llmchat/internal/llm"
	"github.com/samsaffron/llmchat/internal/reasoning"
)

const (
	titleMaxTokens = 32
	maxTitleWidth  = 50
)

const titleInstruction = `Write a short, specific title for the conversation below.
Use the main language of the conversation.
Reply with the title only, without quotes or a trailing period.`

// titleMarkdown parses model output so markup can be dropped from titles.
var titleMarkdown = goldmark.New(goldmark.WithExtensions(extension.Strikethrough))

// TitleInput is what a title is generated from: the full conversation text
// when available, otherwise the first question and its answer.
type TitleInput struct {
	Conversation string
	User         string
	Assistant    string
}

func (in TitleInput) content() string {
	if strings.TrimSpace(in.Conversation) != "" {
		return in.Conversation
	}
	return "User: " + in.User + "\nAssistant: " + reasoning.RemoveContent(in.Assistant)
}

// TitleGenerator names threads with one short model call.
type TitleGenerator struct {
	Logger *slog.Logger
}

// Generate returns a cleaned, single-line title.
func (g *TitleGenerator) Generate(ctx context.Context, ref ModelRef, in TitleInput) (string, error) {
	if !ref.valid() {
		return "", ErrNoTitleModel
	}
	req := auxiliaryRequest(ref, titleInstruction, in.content(), titleMaxTokens)
	raw, err := llm.CompleteText(ctx, ref.Client, req)
	if err != nil {
		return "", fmt.Errorf("generate title: %w", err)
	}
	title := cleanTitle(raw)
	if title == "" {
		return "", ErrEmptyTitle
	}
	if g.Logger != nil {
		g.Logger.Debug("thread title generated", "model", ref.String(), "title", title)
	}
	return title, nil
}

// cleanTitle strips reasoning and markdown, keeps the first line, trims
// quotes and truncates to maxTitleWidth display cells.
func cleanTitle(raw string) string {
	s := plainText(reasoning.RemoveContent(raw))
	line := ""
	for _, l := range strings.Split(s, "\n") {
		if l = strings.TrimSpace(l); l != "" {
			line = l
			break
		}
	}
	if head, rest, ok := strings.Cut(line, ":"); ok && strings.EqualFold(strings.TrimSpace(head), "title") {
		line = strings.TrimSpace(rest)
	}
	line = strings.Trim(line, "\"'`“”‘’«» ")
	line = strings.TrimSpace(strings.TrimSuffix(line, "."))
	return runewidth.Truncate(line, maxTitleWidth, "…")
}

// plainText renders markdown as its text content, one block per line.
func plainText(md string) string {
	src := []byte(md)
	doc := titleMarkdown.Parser().Parse(text.NewReader(src))

	var b strings.Builder
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			if n.Type() == ast.TypeBlock && b.Len() > 0 {
				b.WriteByte('\n')
			}
			return ast.WalkContinue, nil
		}
		switch node := n.(type) {
		case *ast.Text:
			b.Write(node.Segment.Value(src))
			if node.SoftLineBreak() || node.HardLineBreak() {
				b.WriteByte('\n')
			}
		case *ast.String:
			b.Write(node.Value)
		case *ast.AutoLink:
			b.Write(node.Label(src))
		case *ast.FencedCodeBlock, *ast.CodeBlock:
			lines := node.Lines()
			for i := 0; i < lines.Len(); i++ {
				seg := lines.At(i)
				b.Write(seg.Value(src))
			}
			return ast.WalkSkipChildren, nil
		}
		return ast.WalkContinue, nil
	})
	return b.String()
}
