package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/samsaffron/llmchat/internal/llm"
	"github.com/samsaffron/llmchat/internal/session"
)

// SearchDocumentsToolName is the name of the document search tool.
const SearchDocumentsToolName = "search_documents"

const defaultSearchLimit = 5

// SearchDocumentsTool searches the chunks of files embedded into a thread.
type SearchDocumentsTool struct {
	store    session.Store
	threadID string
}

// NewSearchDocumentsTool creates a search tool scoped to one thread.
func NewSearchDocumentsTool(store session.Store, threadID string) *SearchDocumentsTool {
	return &SearchDocumentsTool{store: store, threadID: threadID}
}

type searchArgs struct {
	Query string `json:"query"`
	Limit int    `json:"limit,omitempty"`
}

func (t *SearchDocumentsTool) Spec() llm.ToolSpec {
	return llm.ToolSpec{
		Name:        SearchDocumentsToolName,
		Description: "Search the documents attached to this conversation. Returns the most relevant excerpts.",
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{
					"type":        "string",
					"description": "Keywords to search for",
				},
				"limit": map[string]any{
					"type":        "integer",
					"description": "Maximum number of excerpts (default 5)",
				},
			},
			"required": []string{"query"},
		},
	}
}

func (t *SearchDocumentsTool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	var a searchArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return "", fmt.Errorf("invalid arguments: %w", err)
	}
	if strings.TrimSpace(a.Query) == "" {
		return "", fmt.Errorf("query is required")
	}
	if a.Limit <= 0 {
		a.Limit = defaultSearchLimit
	}

	docs, err := t.store.SearchDocuments(ctx, t.threadID, a.Query, a.Limit)
	if err != nil {
		return "", err
	}
	if len(docs) == 0 {
		return "No matching documents found.", nil
	}

	var b strings.Builder
	for i, d := range docs {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "[%s #%d]\n%s", d.Name, d.Chunk, d.Content)
	}
	return b.String(), nil
}
