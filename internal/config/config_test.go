package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func writeConfig(t *testing.T, dir, content string) {
	t.Helper()
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(content), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := load(viper.New(), t.TempDir())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !cfg.Chat.Stream {
		t.Errorf("chat.stream default = false, want true")
	}
	if cfg.Chat.MaxToolSteps != 20 {
		t.Errorf("max_tool_steps=%d, want 20", cfg.Chat.MaxToolSteps)
	}
	if cfg.Chat.FrameInterval != 16*time.Millisecond {
		t.Errorf("frame_interval=%v, want 16ms", cfg.Chat.FrameInterval)
	}
	if cfg.Chat.ContextSummary.MessageLimit != 15 {
		t.Errorf("message_limit=%d, want 15", cfg.Chat.ContextSummary.MessageLimit)
	}
	if cfg.Attachments.AutoInlineContextRatio != 0.75 {
		t.Errorf("auto_inline_context_ratio=%v, want 0.75", cfg.Attachments.AutoInlineContextRatio)
	}
}

func TestLoadProvidersAndCredentials(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("OPENAI_API_KEY", "sk-env")
	t.Setenv("MY_ROUTER_KEY", "sk-router")
	writeConfig(t, dir, `
provider: llamacpp
model: qwen3-8b
chat:
  frame_interval: 32ms
  auxiliary_models:
    thread_title:
      id: gpt-4o-mini
      provider: openai
providers:
  openai:
    models:
      - id: gpt-4o-mini
        capabilities: [tools]
  router:
    base_url: https://openrouter.ai/api/v1
    api_key: ${MY_ROUTER_KEY}
    active: false
  llamacpp:
    server:
      port: 8091
    models:
      - id: qwen3-8b
        path: /models/qwen3-8b.gguf
        reasoning: true
        settings:
          ctx_len: 8192
`)

	cfg, err := load(viper.New(), dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Provider != "llamacpp" || cfg.Model != "qwen3-8b" {
		t.Fatalf("provider=%q model=%q", cfg.Provider, cfg.Model)
	}
	if cfg.Chat.FrameInterval != 32*time.Millisecond {
		t.Errorf("frame_interval=%v, want 32ms", cfg.Chat.FrameInterval)
	}
	if tgt := cfg.Chat.AuxiliaryModels.ThreadTitle; tgt == nil || tgt.ID != "gpt-4o-mini" || tgt.Provider != "openai" {
		t.Errorf("thread_title target = %+v", tgt)
	}
	if cfg.Chat.AuxiliaryModels.ContextSummary != nil {
		t.Errorf("context_summary target should be unset")
	}

	if got := cfg.Providers["openai"].APIKey; got != "sk-env" {
		t.Errorf("openai api key=%q, want env fallback", got)
	}
	router := cfg.Providers["router"]
	if router.APIKey != "sk-router" {
		t.Errorf("router api key=%q, want expanded value", router.APIKey)
	}
	if router.IsActive() {
		t.Errorf("router should be inactive")
	}
	if ProviderType("router", router) != "openai-compat" {
		t.Errorf("router type=%q", ProviderType("router", router))
	}

	llama := cfg.Providers["llamacpp"]
	if !llama.IsActive() || llama.Server.Port != 8091 {
		t.Errorf("llamacpp = %+v", llama)
	}
	if len(llama.Models) != 1 || llama.Models[0].Reasoning == nil || !*llama.Models[0].Reasoning {
		t.Fatalf("llamacpp models = %+v", llama.Models)
	}
}

func TestSaveProviderPreservesOtherKeys(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, `
provider: llamacpp
providers:
  llamacpp:
    api_key: ${LLAMA_KEY}
    models:
      - id: qwen3-8b
        settings:
          ctx_len: 8192
`)
	v := viper.New()
	cfg, err := load(v, dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	p := cfg.Providers["llamacpp"]
	p.Models[0].Settings["ctx_len"] = 16384
	p.Settings = map[string]any{"ctx_shift": true}
	path := filepath.Join(dir, "config.yaml")
	if err := saveProvider(v, path, "llamacpp", p); err != nil {
		t.Fatalf("saveProvider: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(data), "${LLAMA_KEY}") {
		t.Errorf("api key reference lost:\n%s", data)
	}

	reloaded, err := load(viper.New(), dir)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.Provider != "llamacpp" {
		t.Errorf("provider=%q, want llamacpp", reloaded.Provider)
	}
	got := reloaded.Providers["llamacpp"]
	if got.Settings["ctx_shift"] != true {
		t.Errorf("ctx_shift = %v", got.Settings["ctx_shift"])
	}
	if got.Models[0].Settings["ctx_len"] != 16384 {
		t.Errorf("ctx_len = %v (%T)", got.Models[0].Settings["ctx_len"], got.Models[0].Settings["ctx_len"])
	}
}

func TestApplyOverrides(t *testing.T) {
	cfg := &Config{Provider: "openai", Model: "gpt-4o-mini"}

	cfg.ApplyOverrides("", "anthropic:claude-sonnet-4-5")
	if cfg.Provider != "anthropic" || cfg.Model != "claude-sonnet-4-5" {
		t.Fatalf("provider=%q model=%q", cfg.Provider, cfg.Model)
	}

	cfg.ApplyOverrides("llamacpp", "")
	if cfg.Provider != "llamacpp" {
		t.Fatalf("provider=%q, want %q", cfg.Provider, "llamacpp")
	}
	if cfg.Model != "claude-sonnet-4-5" {
		t.Fatalf("model changed unexpectedly: %q", cfg.Model)
	}
}

func TestContextSummaryLimitClamp(t *testing.T) {
	if got := (ContextSummaryConfig{MessageLimit: 0}).Limit(); got != 1 {
		t.Errorf("Limit() = %d, want 1", got)
	}
	if got := (ContextSummaryConfig{MessageLimit: 15}).Limit(); got != 15 {
		t.Errorf("Limit() = %d, want 15", got)
	}
}

func TestRenderMasksKeys(t *testing.T) {
	cfg := &Config{Providers: map[string]ProviderConfig{"openai": {APIKey: "sk-secret"}}}
	out, err := Render(cfg)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if strings.Contains(out, "sk-secret") {
		t.Fatalf("secret leaked:\n%s", out)
	}
	if cfg.Providers["openai"].APIKey != "sk-secret" {
		t.Fatalf("Render mutated the config")
	}
}
