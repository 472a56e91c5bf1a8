package chat

import (
	"slices"
	"strings"

	"github.com/samsaffron/llmchat/internal/config"
	"github.com/samsaffron/llmchat/internal/llm"
	"github.com/samsaffron/llmchat/internal/provider"
)

// auxTemperature keeps titles and summaries close to deterministic.
const auxTemperature = 0.2

// ModelRef is a resolved model together with a client for it.
type ModelRef struct {
	Provider provider.Provider
	Model    provider.Model
	Client   llm.Provider
}

func (r ModelRef) valid() bool {
	return r.Client != nil && r.Model.ID != ""
}

func (r ModelRef) String() string {
	return r.Provider.Name + ":" + r.Model.ID
}

// partialPersistence reports whether a stopped answer is kept. Local models
// are slow enough that discarding their partial output loses real work.
func (r ModelRef) partialPersistence() bool {
	return r.Provider.Type == provider.LlamaCpp
}

// resolveAuxiliary returns the configured auxiliary model, or fallback when
// the target is unset or cannot be used.
func resolveAuxiliary(reg *provider.Registry, target *config.ModelTarget, fallback ModelRef) ModelRef {
	if reg == nil {
		return fallback
	}
	opt, ok := reg.ResolveAuxiliary(target)
	if !ok {
		return fallback
	}
	client, err := reg.Client(opt.Provider.Name, opt.Model.ID)
	if err != nil {
		return fallback
	}
	return ModelRef{Provider: opt.Provider, Model: opt.Model, Client: client}
}

// Settings that configure the server or this client rather than the request.
var localSettings = map[string]bool{
	"ctx_len": true,
	"ngl":     true,
	"stream":  true,
}

// modelParams returns the model settings forwarded with each request.
func modelParams(m provider.Model, exclude ...string) map[string]any {
	var out map[string]any
	for k, v := range m.Settings {
		if localSettings[k] || v == nil {
			continue
		}
		if s, ok := v.(string); ok && s == "" {
			continue
		}
		if slices.Contains(exclude, k) {
			continue
		}
		if out == nil {
			out = make(map[string]any)
		}
		out[k] = v
	}
	return out
}

// auxiliaryRequest builds a one-shot request for titles and summaries.
func auxiliaryRequest(ref ModelRef, instruction, content string, maxTokens int) llm.Request {
	req := llm.Request{
		Model: ref.Model.ID,
		Messages: []llm.Message{
			llm.SystemText(instruction),
			llm.UserText(content),
		},
		MaxOutputTokens: maxTokens,
		Temperature:     llm.Float(auxTemperature),
		Params:          modelParams(ref.Model, "temperature", "max_tokens"),
	}
	if ref.Model.Has(provider.CapReasoning) {
		req.Reasoning = llm.Bool(false)
	}
	return req
}

// settingDisabled reports whether a setting is explicitly false.
func settingDisabled(settings map[string]any, key string) bool {
	switch v := settings[key].(type) {
	case bool:
		return !v
	case string:
		return strings.EqualFold(strings.TrimSpace(v), "false")
	}
	return false
}
