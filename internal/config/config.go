package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/samsaffron/llmchat/internal/session"
)

type Config struct {
	Provider    string                     `mapstructure:"provider" yaml:"provider,omitempty"` // Default chat provider
	Model       string                     `mapstructure:"model" yaml:"model,omitempty"`    // Default chat model
	Log         LogConfig                  `mapstructure:"log" yaml:"log,omitempty"`
	Storage     session.Config             `mapstructure:"storage" yaml:"storage,omitempty"`
	Chat        ChatConfig                 `mapstructure:"chat" yaml:"chat,omitempty"`
	Reasoning   ReasoningConfig            `mapstructure:"reasoning" yaml:"reasoning,omitempty"`
	Attachments AttachmentConfig           `mapstructure:"attachments" yaml:"attachments,omitempty"`
	Tools       ToolsConfig                `mapstructure:"tools" yaml:"tools,omitempty"`
	MCP         map[string]MCPServerConfig `mapstructure:"mcp" yaml:"mcp,omitempty"`
	Providers   map[string]ProviderConfig  `mapstructure:"providers" yaml:"providers,omitempty"`
}

// LogConfig configures the slog handler installed by the CLI.
type LogConfig struct {
	Level string `mapstructure:"level" yaml:"level,omitempty"` // debug, info, warn, error
	File  string `mapstructure:"file" yaml:"file,omitempty"`  // Empty logs to stderr
}

// ChatConfig configures the send pipeline.
type ChatConfig struct {
	Stream          bool                 `mapstructure:"stream" yaml:"stream,omitempty"`
	Assistant       string               `mapstructure:"assistant" yaml:"assistant,omitempty"` // Name recorded on answers
	SystemPrompt    string               `mapstructure:"system_prompt" yaml:"system_prompt,omitempty"`
	MaxToolSteps    int                  `mapstructure:"max_tool_steps" yaml:"max_tool_steps,omitempty"`
	FrameInterval   time.Duration        `mapstructure:"frame_interval" yaml:"frame_interval,omitempty"`
	ContextSummary  ContextSummaryConfig `mapstructure:"context_summary" yaml:"context_summary,omitempty"`
	AuxiliaryModels AuxiliaryModels      `mapstructure:"auxiliary_models" yaml:"auxiliary_models,omitempty"`
}

// ContextSummaryConfig controls compaction of older conversation pairs.
type ContextSummaryConfig struct {
	Enabled      bool `mapstructure:"enabled" yaml:"enabled,omitempty"`
	MessageLimit int  `mapstructure:"message_limit" yaml:"message_limit,omitempty"` // Pairs per compaction unit
}

// AuxiliaryModels designates models for secondary tasks. Nil means "use the
// thread's chat model".
type AuxiliaryModels struct {
	ThreadTitle    *ModelTarget `mapstructure:"thread_title" yaml:"thread_title,omitempty"`
	ContextSummary *ModelTarget `mapstructure:"context_summary" yaml:"context_summary,omitempty"`
}

// ModelTarget points at a model of a configured provider.
type ModelTarget struct {
	ID       string `mapstructure:"id" yaml:"id"`
	Provider string `mapstructure:"provider" yaml:"provider"`
}

type ReasoningConfig struct {
	Default bool `mapstructure:"default" yaml:"default,omitempty"` // Used when a model has no reasoning setting
}

type AttachmentConfig struct {
	AutoInlineContextRatio float64 `mapstructure:"auto_inline_context_ratio" yaml:"auto_inline_context_ratio,omitempty"`
	ChunkSize              int     `mapstructure:"chunk_size" yaml:"chunk_size,omitempty"` // Characters per embedded chunk
}

type ToolsConfig struct {
	AllowAll    bool     `mapstructure:"allow_all" yaml:"allow_all,omitempty"`    // Skip the approval prompt
	AutoApprove []string `mapstructure:"auto_approve" yaml:"auto_approve,omitempty"` // Glob patterns of tool names
}

// MCPServerConfig describes a stdio MCP server whose tools are offered to models.
type MCPServerConfig struct {
	Command string            `mapstructure:"command" yaml:"command"`
	Args    []string          `mapstructure:"args" yaml:"args,omitempty"`
	Env     map[string]string `mapstructure:"env" yaml:"env,omitempty"`
}

// ProviderConfig describes one model provider.
type ProviderConfig struct {
	// Type selects the client: openai, anthropic, gemini, llamacpp or
	// openai-compat. Empty infers it from the provider name.
	Type     string         `mapstructure:"type" yaml:"type,omitempty"`
	Active   *bool          `mapstructure:"active" yaml:"active,omitempty"`
	APIKey   string         `mapstructure:"api_key" yaml:"api_key,omitempty"`
	BaseURL  string         `mapstructure:"base_url" yaml:"base_url,omitempty"`
	Settings map[string]any `mapstructure:"settings" yaml:"settings,omitempty"`
	Models   []ModelConfig  `mapstructure:"models" yaml:"models,omitempty"`
	Server   ServerConfig   `mapstructure:"server" yaml:"server,omitempty"`
}

// IsActive reports whether the provider is enabled; unset means enabled.
func (p ProviderConfig) IsActive() bool {
	return p.Active == nil || *p.Active
}

// ModelConfig is one model offered by a provider.
type ModelConfig struct {
	ID           string         `mapstructure:"id" yaml:"id"`
	Name         string         `mapstructure:"name" yaml:"name,omitempty"`
	Path         string         `mapstructure:"path" yaml:"path,omitempty"` // Model file for local servers
	Capabilities []string       `mapstructure:"capabilities" yaml:"capabilities,omitempty"`
	Reasoning    *bool          `mapstructure:"reasoning" yaml:"reasoning,omitempty"`
	Settings     map[string]any `mapstructure:"settings" yaml:"settings,omitempty"`
}

// ServerConfig configures the local inference server a provider manages.
type ServerConfig struct {
	Binary string   `mapstructure:"binary" yaml:"binary,omitempty"` // llama-server path (empty = look up in PATH)
	Host   string   `mapstructure:"host" yaml:"host,omitempty"`
	Port   int      `mapstructure:"port" yaml:"port,omitempty"`
	Args   []string `mapstructure:"args" yaml:"args,omitempty"` // Extra flags
}

// Load reads the config file from the config directory.
func Load() (*Config, error) {
	configPath, err := GetConfigDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get config dir: %w", err)
	}
	return load(viper.GetViper(), configPath)
}

func load(v *viper.Viper, configPath string) (*Config, error) {
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configPath)
	setDefaults(v)

	// Read config file (optional - won't error if missing)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}
	return decode(v)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("provider", "openai")
	v.SetDefault("model", "gpt-4o-mini")
	v.SetDefault("log.level", "warn")
	v.SetDefault("storage.enabled", true)
	v.SetDefault("chat.stream", true)
	v.SetDefault("chat.assistant", "Assistant")
	v.SetDefault("chat.max_tool_steps", 20)
	v.SetDefault("chat.frame_interval", 16*time.Millisecond)
	v.SetDefault("chat.context_summary.enabled", false)
	v.SetDefault("chat.context_summary.message_limit", 15)
	v.SetDefault("reasoning.default", false)
	v.SetDefault("attachments.auto_inline_context_ratio", 0.75)
	v.SetDefault("attachments.chunk_size", 2000)
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.resolveCredentials()
	return &cfg, nil
}

// envKeys lists the environment fallbacks for provider API keys.
var envKeys = map[string]string{
	"openai":     "OPENAI_API_KEY",
	"anthropic":  "ANTHROPIC_API_KEY",
	"gemini":     "GEMINI_API_KEY",
	"openrouter": "OPENROUTER_API_KEY",
}

// resolveCredentials expands ${VAR} references and applies env fallbacks.
func (c *Config) resolveCredentials() {
	for name, p := range c.Providers {
		p.APIKey = expandEnv(p.APIKey)
		if p.APIKey == "" {
			if env, ok := envKeys[ProviderType(name, p)]; ok {
				p.APIKey = os.Getenv(env)
			}
		}
		p.BaseURL = expandEnv(p.BaseURL)
		c.Providers[name] = p
	}
	for name, m := range c.MCP {
		for k, val := range m.Env {
			m.Env[k] = expandEnv(val)
		}
		c.MCP[name] = m
	}
}

// ProviderType returns the configured client type, inferring it from the
// provider name when unset.
func ProviderType(name string, p ProviderConfig) string {
	if p.Type != "" {
		return p.Type
	}
	switch name {
	case "openai", "anthropic", "gemini", "llamacpp":
		return name
	}
	return "openai-compat"
}

// ApplyOverrides applies provider and model overrides from command flags.
// A model given as "provider:model" sets both.
func (c *Config) ApplyOverrides(provider, model string) {
	if p, m, ok := strings.Cut(model, ":"); ok && provider == "" {
		provider, model = p, m
	}
	if provider != "" {
		c.Provider = provider
	}
	if model != "" {
		c.Model = model
	}
}

// Limit returns the summary unit size clamped to at least 1.
func (c ContextSummaryConfig) Limit() int {
	return max(c.MessageLimit, 1)
}

// expandEnv expands ${VAR} or $VAR in a string
func expandEnv(s string) string {
	if strings.HasPrefix(s, "${") && strings.HasSuffix(s, "}") {
		return os.Getenv(s[2 : len(s)-1])
	}
	if strings.HasPrefix(s, "$") {
		return os.Getenv(s[1:])
	}
	return s
}

// GetConfigDir returns the XDG config directory for llmchat.
// Uses $XDG_CONFIG_HOME if set, otherwise ~/.config
func GetConfigDir() (string, error) {
	if xdgHome := os.Getenv("XDG_CONFIG_HOME"); xdgHome != "" {
		return filepath.Join(xdgHome, "llmchat"), nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, ".config", "llmchat"), nil
}

// GetConfigPath returns the path where the config file should be located
func GetConfigPath() (string, error) {
	configDir, err := GetConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, "config.yaml"), nil
}

// Exists returns true if a config file exists
func Exists() bool {
	path, err := GetConfigPath()
	if err != nil {
		return false
	}
	_, err = os.Stat(path)
	return err == nil
}
