package llm

import (
	"testing"

	"google.golang.org/genai"
)

func TestBuildGeminiContents(t *testing.T) {
	system, contents := buildGeminiContents([]Message{
		SystemText("Be brief."),
		UserText("Run echo"),
		AssistantToolCalls("Working", []ToolCall{{ID: "call-1", Name: "echo", Arguments: []byte(`{"text":"hi"}`)}}),
		ToolResultMessage("call-1", "echo", "echo: hi"),
	})

	if system != "Be brief." {
		t.Errorf("system = %q", system)
	}
	if len(contents) != 3 {
		t.Fatalf("expected 3 contents, got %d", len(contents))
	}

	assistant := contents[1]
	if assistant.Role != "model" || len(assistant.Parts) != 2 {
		t.Fatalf("assistant = %#v", assistant)
	}
	call := assistant.Parts[1].FunctionCall
	if call == nil || call.Name != "echo" || call.Args["text"] != "hi" {
		t.Fatalf("function call = %#v", call)
	}

	result := contents[2]
	if result.Role != "user" || result.Parts[0].FunctionResponse == nil {
		t.Fatalf("tool result = %#v", result)
	}
	if got := result.Parts[0].FunctionResponse.Response["output"]; got != "echo: hi" {
		t.Errorf("output = %v", got)
	}
}

func TestBuildGeminiTools(t *testing.T) {
	tools := buildGeminiTools([]ToolSpec{{
		Name:        "search_documents",
		Description: "Search the thread's attached documents",
		Schema: map[string]any{
			"$schema": "https://json-schema.org/draft/2020-12/schema",
			"type":    "object",
			"properties": map[string]any{
				"query": map[string]any{"type": "string", "minLength": 1, "description": "Search terms"},
				"limit": map[string]any{"type": []any{"integer", "null"}, "maximum": 20},
				"scope": map[string]any{"type": "string", "enum": []any{"thread", "all"}},
				"tags":  map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			},
			"required": []any{"query"},
		},
	}})

	if len(tools) != 1 || len(tools[0].FunctionDeclarations) != 1 {
		t.Fatalf("tools = %#v", tools)
	}
	decl := tools[0].FunctionDeclarations[0]
	if decl.Name != "search_documents" || decl.Parameters == nil {
		t.Fatalf("declaration = %#v", decl)
	}
	params := decl.Parameters
	if params.Type != genai.TypeObject || len(params.Required) != 1 || params.Required[0] != "query" {
		t.Errorf("parameters = %#v", params)
	}
	if q := params.Properties["query"]; q == nil || q.Type != genai.TypeString || q.Description != "Search terms" {
		t.Errorf("query = %#v", q)
	}
	limit := params.Properties["limit"]
	if limit == nil || limit.Type != genai.TypeInteger || limit.Nullable == nil || !*limit.Nullable {
		t.Errorf("limit = %#v", limit)
	}
	if scope := params.Properties["scope"]; scope == nil || len(scope.Enum) != 2 {
		t.Errorf("scope = %#v", scope)
	}
	if tags := params.Properties["tags"]; tags == nil || tags.Items == nil || tags.Items.Type != genai.TypeString {
		t.Errorf("tags = %#v", tags)
	}
}

func TestBuildGeminiToolsWithoutSchema(t *testing.T) {
	if buildGeminiTools(nil) != nil {
		t.Error("expected no tools")
	}
	tools := buildGeminiTools([]ToolSpec{{Name: "mcp__clock__now"}})
	params := tools[0].FunctionDeclarations[0].Parameters
	if params.Type != genai.TypeObject || len(params.Properties) != 0 {
		t.Errorf("parameters = %#v", params)
	}
}
