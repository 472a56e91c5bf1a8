package llm

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"google.golang.org/genai"
)

// GeminiProvider implements Provider using the Gemini API.
type GeminiProvider struct {
	apiKey string
	model  string
}

func NewGeminiProvider(apiKey, model string) *GeminiProvider {
	return &GeminiProvider{apiKey: apiKey, model: model}
}

func (p *GeminiProvider) Name() string {
	return fmt.Sprintf("gemini (%s)", p.model)
}

func (p *GeminiProvider) Capabilities() Capabilities {
	return Capabilities{ToolCalls: true, Reasoning: true}
}

func (p *GeminiProvider) newClient(ctx context.Context) (*genai.Client, error) {
	return genai.NewClient(ctx, &genai.ClientConfig{APIKey: p.apiKey, Backend: genai.BackendGeminiAPI})
}

// Complete issues one GenerateContent call.
func (p *GeminiProvider) Complete(ctx context.Context, req Request) (*Response, error) {
	client, err := p.newClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}
	contents, config, err := buildGeminiRequest(req)
	if err != nil {
		return nil, err
	}
	resp, err := client.Models.GenerateContent(ctx, chooseModel(req.Model, p.model), contents, config)
	if err != nil {
		return nil, classifyError("gemini", err)
	}

	out := &Response{Usage: geminiUsage(resp)}
	var text, reasoning strings.Builder
	if len(resp.Candidates) > 0 && resp.Candidates[0].Content != nil {
		for _, part := range resp.Candidates[0].Content.Parts {
			switch {
			case part.Thought:
				reasoning.WriteString(part.Text)
			case part.FunctionCall != nil:
				args, _ := json.Marshal(part.FunctionCall.Args)
				out.ToolCalls = append(out.ToolCalls, ToolCall{
					ID:        part.FunctionCall.ID,
					Name:      part.FunctionCall.Name,
					Arguments: args,
				})
			default:
				text.WriteString(part.Text)
			}
		}
	}
	out.Text = text.String()
	out.Reasoning = reasoning.String()
	return out, nil
}

func (p *GeminiProvider) Stream(ctx context.Context, req Request) (Stream, error) {
	return newEventStream(ctx, func(ctx context.Context, events chan<- Event) error {
		client, err := p.newClient(ctx)
		if err != nil {
			return fmt.Errorf("failed to create gemini client: %w", err)
		}
		contents, config, err := buildGeminiRequest(req)
		if err != nil {
			return err
		}

		if req.Debug {
			slog.Debug("gemini stream request", "model", chooseModel(req.Model, p.model),
				"contents", len(contents), "tools", len(req.Tools))
		}

		var lastResp *genai.GenerateContentResponse
		for resp, err := range client.Models.GenerateContentStream(ctx, chooseModel(req.Model, p.model), contents, config) {
			if err != nil {
				return classifyError("gemini", err)
			}
			lastResp = resp
			if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
				continue
			}
			for _, part := range resp.Candidates[0].Content.Parts {
				switch {
				case part.Thought && part.Text != "":
					events <- Event{Type: EventReasoningDelta, Text: part.Text}
				case part.FunctionCall != nil:
					args, _ := json.Marshal(part.FunctionCall.Args)
					events <- Event{Type: EventToolCall, Tool: &ToolCall{
						ID:        part.FunctionCall.ID,
						Name:      part.FunctionCall.Name,
						Arguments: args,
					}}
				case part.Text != "":
					events <- Event{Type: EventTextDelta, Text: part.Text}
				}
			}
		}

		if use := geminiUsage(lastResp); use != nil {
			events <- Event{Type: EventUsage, Use: use}
		}
		events <- Event{Type: EventDone}
		return nil
	}), nil
}

func buildGeminiRequest(req Request) ([]*genai.Content, *genai.GenerateContentConfig, error) {
	system, contents := buildGeminiContents(req.Messages)
	if len(contents) == 0 {
		return nil, nil, fmt.Errorf("no user content provided")
	}

	config := &genai.GenerateContentConfig{}
	if system != "" {
		config.SystemInstruction = genai.NewContentFromText(system, genai.RoleUser)
	}
	if req.MaxOutputTokens > 0 {
		config.MaxOutputTokens = int32(req.MaxOutputTokens)
	}
	if req.Temperature != nil {
		t := float32(*req.Temperature)
		config.Temperature = &t
	}
	if req.Reasoning != nil {
		config.ThinkingConfig = &genai.ThinkingConfig{IncludeThoughts: *req.Reasoning}
		if !*req.Reasoning {
			zero := int32(0)
			config.ThinkingConfig.ThinkingBudget = &zero
		}
	}
	config.Tools = buildGeminiTools(req.Tools)
	return contents, config, nil
}

func geminiUsage(resp *genai.GenerateContentResponse) *Usage {
	if resp == nil || resp.UsageMetadata == nil || resp.UsageMetadata.TotalTokenCount == 0 {
		return nil
	}
	return &Usage{
		InputTokens:  int(resp.UsageMetadata.PromptTokenCount),
		OutputTokens: int(resp.UsageMetadata.CandidatesTokenCount),
		TotalTokens:  int(resp.UsageMetadata.TotalTokenCount),
	}
}

func buildGeminiContents(messages []Message) (string, []*genai.Content) {
	var systemParts []string
	contents := make([]*genai.Content, 0, len(messages))

	for _, msg := range messages {
		var content *genai.Content
		switch msg.Role {
		case RoleSystem:
			if text := CollectText(msg.Parts); text != "" {
				systemParts = append(systemParts, text)
			}
		case RoleUser, RoleTool:
			content = buildGeminiContent(genai.RoleUser, msg.Parts)
		case RoleAssistant:
			content = buildGeminiContent(genai.RoleModel, msg.Parts)
		}
		if content != nil {
			contents = append(contents, content)
		}
	}

	return strings.Join(systemParts, "\n\n"), contents
}

func buildGeminiContent(role string, parts []Part) *genai.Content {
	content := &genai.Content{Role: role}
	for _, part := range parts {
		switch part.Type {
		case PartText:
			if part.Text != "" {
				content.Parts = append(content.Parts, &genai.Part{Text: part.Text})
			}
		case PartImage:
			if mediaType, data, ok := splitDataURL(part.ImageURL); ok {
				if raw, err := base64.StdEncoding.DecodeString(data); err == nil {
					content.Parts = append(content.Parts, &genai.Part{InlineData: &genai.Blob{MIMEType: mediaType, Data: raw}})
				}
			}
		case PartToolCall:
			if part.ToolCall == nil {
				continue
			}
			content.Parts = append(content.Parts, &genai.Part{
				FunctionCall: &genai.FunctionCall{
					ID:   part.ToolCall.ID,
					Name: part.ToolCall.Name,
					Args: toolArgsToMap(part.ToolCall.Arguments),
				},
			})
		case PartToolResult:
			if part.ToolResult == nil {
				continue
			}
			content.Parts = append(content.Parts, &genai.Part{
				FunctionResponse: &genai.FunctionResponse{
					ID:       part.ToolResult.ID,
					Name:     part.ToolResult.Name,
					Response: map[string]any{"output": part.ToolResult.Content},
				},
			})
		}
	}
	if len(content.Parts) == 0 {
		return nil
	}
	return content
}

func toolArgsToMap(raw json.RawMessage) map[string]any {
	if len(raw) == 0 {
		return nil
	}
	var args map[string]any
	if err := json.Unmarshal(raw, &args); err == nil {
		return args
	}
	return map[string]any{"_raw": string(raw)}
}
