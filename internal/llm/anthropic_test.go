package llm

import (
	"encoding/json"
	"testing"

	"github.com/anthropics/anthropic-sdk-go"
)

func TestToolCallAccumulatorJoinsPartialInput(t *testing.T) {
	acc := newToolCallAccumulator()
	acc.Start(0, ToolCall{ID: "toolu_1", Name: "search_documents"})
	acc.Append(0, `{"query":"quarterly`)
	acc.Append(0, ` revenue","limit":3}`)

	call, ok := acc.Finish(0)
	if !ok {
		t.Fatal("expected a tool call")
	}
	var args struct {
		Query string `json:"query"`
		Limit int    `json:"limit"`
	}
	if err := json.Unmarshal(call.Arguments, &args); err != nil {
		t.Fatalf("arguments %s: %v", call.Arguments, err)
	}
	if args.Query != "quarterly revenue" || args.Limit != 3 {
		t.Errorf("args = %+v", args)
	}
}

func TestToolCallAccumulatorKeepsStartInput(t *testing.T) {
	acc := newToolCallAccumulator()
	acc.Start(1, ToolCall{ID: "toolu_2", Name: "mcp__clock__now", Arguments: json.RawMessage(`{"zone":"UTC"}`)})

	call, ok := acc.Finish(1)
	if !ok {
		t.Fatal("expected a tool call")
	}
	if string(call.Arguments) != `{"zone":"UTC"}` {
		t.Errorf("arguments = %s", call.Arguments)
	}
	if _, ok := acc.Finish(2); ok {
		t.Error("unknown index should not finish")
	}
}

func TestBuildAnthropicMessages(t *testing.T) {
	system, msgs := buildAnthropicMessages([]Message{
		SystemText("Be brief."),
		UserText("What did we earn?"),
		AssistantToolCalls("Searching", []ToolCall{{ID: "toolu_1", Name: "search_documents", Arguments: json.RawMessage(`{"query":"revenue"}`)}}),
		ToolResultMessage("toolu_1", "search_documents", "Revenue was 4M."),
	})

	if system != "Be brief." {
		t.Errorf("system = %q", system)
	}
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	if msgs[1].Role != anthropic.MessageParamRoleAssistant || len(msgs[1].Content) != 2 {
		t.Fatalf("assistant = %#v", msgs[1])
	}
	use := msgs[1].Content[1].OfToolUse
	if use == nil || use.ID != "toolu_1" || use.Name != "search_documents" {
		t.Fatalf("tool use = %#v", use)
	}
	result := msgs[2]
	if result.Role != anthropic.MessageParamRoleUser || result.Content[0].OfToolResult == nil {
		t.Fatalf("tool result = %#v", result)
	}
	if got := result.Content[0].OfToolResult.ToolUseID; got != "toolu_1" {
		t.Errorf("tool_use_id = %q", got)
	}
}

func TestBuildAnthropicTools(t *testing.T) {
	tools := buildAnthropicTools([]ToolSpec{{
		Name:        "search_documents",
		Description: "Search attached documents",
		Schema: map[string]any{
			"type":       "object",
			"properties": map[string]any{"query": map[string]any{"type": "string"}},
			"required":   []any{"query"},
		},
	}})
	if len(tools) != 1 || tools[0].OfTool == nil {
		t.Fatalf("tools = %#v", tools)
	}
	tool := tools[0].OfTool
	if tool.Name != "search_documents" || len(tool.InputSchema.Required) != 1 || tool.InputSchema.Required[0] != "query" {
		t.Errorf("tool = %#v", tool)
	}
}

func TestSplitDataURL(t *testing.T) {
	mediaType, data, ok := splitDataURL("data:image/png;base64,iVBORw0KGgo=")
	if !ok || mediaType != "image/png" || data != "iVBORw0KGgo=" {
		t.Errorf("got %q %q %v", mediaType, data, ok)
	}
	for _, u := range []string{"https://example.com/a.png", "data:image/png,raw", "data:image/png;base64"} {
		if _, _, ok := splitDataURL(u); ok {
			t.Errorf("splitDataURL(%q) should fail", u)
		}
	}
}
