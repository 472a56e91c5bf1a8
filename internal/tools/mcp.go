package tools

import (
	"context"
	"encoding/json"

	"github.com/samsaffron/llmchat/internal/llm"
	"github.com/samsaffron/llmchat/internal/mcp"
)

// MCPCaller routes calls to MCP servers.
type MCPCaller interface {
	AllTools() []mcp.ToolSpec
	CallTool(ctx context.Context, fullName string, args json.RawMessage) (string, error)
}

// MCPTool exposes one MCP server tool.
type MCPTool struct {
	caller MCPCaller
	spec   mcp.ToolSpec
}

func (t *MCPTool) Spec() llm.ToolSpec {
	return llm.ToolSpec{Name: t.spec.Name, Description: t.spec.Description, Schema: t.spec.Schema}
}

func (t *MCPTool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	return t.caller.CallTool(ctx, t.spec.Name, args)
}

// MCPTools wraps every tool of the running MCP servers.
func MCPTools(caller MCPCaller) []Tool {
	specs := caller.AllTools()
	out := make([]Tool, 0, len(specs))
	for _, s := range specs {
		out = append(out, &MCPTool{caller: caller, spec: s})
	}
	return out
}
