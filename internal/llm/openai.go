package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
)

// OpenAIConfig configures an OpenAI-compatible chat completions backend.
type OpenAIConfig struct {
	Name    string // Provider key shown in logs, e.g. "openai" or "llamacpp"
	APIKey  string
	BaseURL string // Empty for api.openai.com
	Model   string
	// Compat enables the non-standard request fields understood by local
	// servers (reasoning toggle, prompt progress).
	Compat bool
}

// OpenAIProvider implements Provider using the Chat Completions API. It serves
// OpenAI itself and any server speaking the same protocol (llama.cpp,
// OpenRouter, LM Studio).
type OpenAIProvider struct {
	client *openai.Client
	cfg    OpenAIConfig
}

// NewOpenAIProvider creates a new OpenAI-compatible provider.
func NewOpenAIProvider(cfg OpenAIConfig) *OpenAIProvider {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.APIKey == "" {
		// Local servers accept any bearer token; the SDK insists on one.
		opts[0] = option.WithAPIKey("none")
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	client := openai.NewClient(opts...)
	if cfg.Name == "" {
		cfg.Name = "openai"
	}
	return &OpenAIProvider{client: &client, cfg: cfg}
}

func (p *OpenAIProvider) Name() string {
	return fmt.Sprintf("%s (%s)", p.cfg.Name, p.cfg.Model)
}

func (p *OpenAIProvider) Capabilities() Capabilities {
	return Capabilities{ToolCalls: true, Reasoning: p.cfg.Compat}
}

func (p *OpenAIProvider) Stream(ctx context.Context, req Request) (Stream, error) {
	params := p.buildParams(req)
	params.StreamOptions = openai.ChatCompletionStreamOptionsParam{IncludeUsage: openai.Bool(true)}
	opts := p.requestOptions(req, true)

	return newEventStream(ctx, func(ctx context.Context, events chan<- Event) error {
		if req.Debug {
			slog.Debug("openai stream request", "provider", p.cfg.Name, "model", params.Model,
				"messages", len(params.Messages), "tools", len(params.Tools))
		}

		stream := p.client.Chat.Completions.NewStreaming(ctx, params, opts...)
		defer stream.Close()

		acc := openai.ChatCompletionAccumulator{}
		var lastUsage *Usage
		for stream.Next() {
			chunk := stream.Current()
			acc.AddChunk(chunk)

			if progress, ok := promptProgress(chunk.JSON.ExtraFields); ok {
				events <- Event{Type: EventProgress, Progress: progress}
			}
			if len(chunk.Choices) > 0 {
				delta := chunk.Choices[0].Delta
				if r := extraString(delta.JSON.ExtraFields, "reasoning_content"); r != "" {
					events <- Event{Type: EventReasoningDelta, Text: r}
				}
				if delta.Content != "" {
					events <- Event{Type: EventTextDelta, Text: delta.Content}
				}
			}
			if chunk.Usage.TotalTokens > 0 {
				lastUsage = &Usage{
					InputTokens:  int(chunk.Usage.PromptTokens),
					OutputTokens: int(chunk.Usage.CompletionTokens),
					TotalTokens:  int(chunk.Usage.TotalTokens),
				}
			}
		}
		if err := stream.Err(); err != nil {
			return classifyError(p.cfg.Name, err)
		}

		if len(acc.Choices) > 0 {
			for _, tc := range acc.Choices[0].Message.ToolCalls {
				events <- Event{Type: EventToolCall, Tool: &ToolCall{
					ID:        tc.ID,
					Name:      tc.Function.Name,
					Arguments: json.RawMessage(tc.Function.Arguments),
				}}
			}
		}
		if lastUsage != nil {
			events <- Event{Type: EventUsage, Use: lastUsage}
		}
		events <- Event{Type: EventDone}
		return nil
	}), nil
}

// Complete performs a single non-streaming chat completion.
func (p *OpenAIProvider) Complete(ctx context.Context, req Request) (*Response, error) {
	params := p.buildParams(req)
	resp, err := p.client.Chat.Completions.New(ctx, params, p.requestOptions(req, false)...)
	if err != nil {
		return nil, classifyError(p.cfg.Name, err)
	}
	if len(resp.Choices) == 0 {
		return nil, &ProviderError{Type: ErrTypeInvalidResponse, Provider: p.cfg.Name, Message: "response has no choices"}
	}

	msg := resp.Choices[0].Message
	out := &Response{
		Text:      msg.Content,
		Reasoning: extraString(msg.JSON.ExtraFields, "reasoning_content"),
	}
	for _, tc := range msg.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: json.RawMessage(tc.Function.Arguments),
		})
	}
	if resp.Usage.TotalTokens > 0 {
		out.Usage = &Usage{
			InputTokens:  int(resp.Usage.PromptTokens),
			OutputTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:  int(resp.Usage.TotalTokens),
		}
	}
	return out, nil
}

func (p *OpenAIProvider) buildParams(req Request) openai.ChatCompletionNewParams {
	params := openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(chooseModel(req.Model, p.cfg.Model)),
		Messages: buildOpenAIMessages(req.Messages),
	}
	if req.MaxOutputTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxOutputTokens))
	}
	if req.Temperature != nil {
		params.Temperature = openai.Float(*req.Temperature)
	}
	if len(req.Tools) > 0 {
		params.Tools = buildOpenAITools(req.Tools)
	}
	return params
}

// requestOptions adds the pass-through model params and the compat-only
// fields as raw JSON on top of the typed request.
func (p *OpenAIProvider) requestOptions(req Request, streaming bool) []option.RequestOption {
	var opts []option.RequestOption
	for k, v := range req.Params {
		opts = append(opts, option.WithJSONSet(k, v))
	}
	if !p.cfg.Compat {
		return opts
	}
	if req.Reasoning != nil {
		opts = append(opts,
			option.WithJSONSet("reasoning", map[string]any{"enabled": *req.Reasoning}),
			option.WithJSONSet("chat_template_kwargs", map[string]any{"enable_thinking": *req.Reasoning}),
		)
	}
	if streaming {
		opts = append(opts, option.WithJSONSet("return_progress", true))
	}
	return opts
}

func buildOpenAIMessages(messages []Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case RoleSystem:
			if text := CollectText(msg.Parts); text != "" {
				out = append(out, openai.SystemMessage(text))
			}
		case RoleUser:
			out = append(out, buildOpenAIUserMessage(msg.Parts))
		case RoleAssistant:
			asst := openai.ChatCompletionAssistantMessageParam{}
			if text := CollectText(msg.Parts); text != "" {
				asst.Content.OfString = openai.String(text)
			}
			for _, part := range msg.Parts {
				if part.Type != PartToolCall || part.ToolCall == nil {
					continue
				}
				args := string(part.ToolCall.Arguments)
				if args == "" {
					args = "{}"
				}
				asst.ToolCalls = append(asst.ToolCalls, openai.ChatCompletionMessageToolCallParam{
					ID: part.ToolCall.ID,
					Function: openai.ChatCompletionMessageToolCallFunctionParam{
						Name:      part.ToolCall.Name,
						Arguments: args,
					},
				})
			}
			out = append(out, openai.ChatCompletionMessageParamUnion{OfAssistant: &asst})
		case RoleTool:
			for _, part := range msg.Parts {
				if part.Type == PartToolResult && part.ToolResult != nil {
					out = append(out, openai.ToolMessage(part.ToolResult.Content, part.ToolResult.ID))
				}
			}
		}
	}
	return out
}

func buildOpenAIUserMessage(parts []Part) openai.ChatCompletionMessageParamUnion {
	hasImage := false
	for _, part := range parts {
		if part.Type == PartImage {
			hasImage = true
			break
		}
	}
	if !hasImage {
		return openai.UserMessage(CollectText(parts))
	}

	content := make([]openai.ChatCompletionContentPartUnionParam, 0, len(parts))
	for _, part := range parts {
		switch part.Type {
		case PartText:
			if part.Text != "" {
				content = append(content, openai.TextContentPart(part.Text))
			}
		case PartImage:
			content = append(content, openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{
				URL: part.ImageURL,
			}))
		}
	}
	return openai.UserMessage(content)
}

func buildOpenAITools(specs []ToolSpec) []openai.ChatCompletionToolParam {
	tools := make([]openai.ChatCompletionToolParam, 0, len(specs))
	for _, spec := range specs {
		fn := shared.FunctionDefinitionParam{
			Name:       spec.Name,
			Parameters: shared.FunctionParameters(normalizeSchema(spec.Schema)),
		}
		if spec.Description != "" {
			fn.Description = openai.String(spec.Description)
		}
		tools = append(tools, openai.ChatCompletionToolParam{Function: fn})
	}
	return tools
}

// rawField is the subset of the SDK's response field metadata we rely on.
type rawField interface {
	Raw() string
}

func extraString[F rawField](fields map[string]F, key string) string {
	f, ok := fields[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal([]byte(f.Raw()), &s); err != nil {
		return ""
	}
	return s
}

// promptProgress reads llama.cpp's prompt_progress extension from a chunk.
func promptProgress[F rawField](fields map[string]F) (float64, bool) {
	f, ok := fields["prompt_progress"]
	if !ok {
		return 0, false
	}
	var pp struct {
		Total     float64 `json:"total"`
		Processed float64 `json:"processed"`
	}
	if err := json.Unmarshal([]byte(f.Raw()), &pp); err != nil || pp.Total <= 0 {
		return 0, false
	}
	return pp.Processed / pp.Total, true
}

// normalizeSchema guarantees an object schema with a properties map.
func normalizeSchema(schema map[string]any) map[string]any {
	if schema == nil {
		return map[string]any{"type": "object", "properties": map[string]any{}}
	}
	out := make(map[string]any, len(schema)+1)
	for k, v := range schema {
		out[k] = v
	}
	if _, ok := out["type"]; !ok {
		out["type"] = "object"
	}
	if _, ok := out["properties"]; !ok {
		out["properties"] = map[string]any{}
	}
	return out
}

func chooseModel(requested, fallback string) string {
	if strings.TrimSpace(requested) != "" {
		return requested
	}
	return fallback
}
