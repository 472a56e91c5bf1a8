// Package provider keeps the live view of configured model providers and
// manages the lifecycle of locally served models.
package provider

import (
	"fmt"
	"maps"
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/sahilm/fuzzy"

	"github.com/samsaffron/llmchat/internal/config"
	"github.com/samsaffron/llmchat/internal/llm"
)

// Model capabilities.
const (
	CapTools     = "tools"
	CapReasoning = "reasoning"
	CapVision    = "vision"
)

// LlamaCpp is the provider served by a local llama-server process.
const LlamaCpp = "llamacpp"

// Provider is a snapshot of one configured provider.
type Provider struct {
	Name     string
	Type     string
	Active   bool
	APIKey   string
	BaseURL  string
	Settings map[string]any
	Models   []Model
	Server   config.ServerConfig
}

// Model is a snapshot of one model of a provider.
type Model struct {
	ID           string
	Name         string
	Path         string
	Capabilities []string
	Reasoning    *bool
	Settings     map[string]any
}

// Has reports whether the model advertises capability c.
func (m Model) Has(c string) bool {
	return slices.Contains(m.Capabilities, c)
}

// Model looks up a model by id.
func (p Provider) Model(id string) (Model, bool) {
	for _, m := range p.Models {
		if m.ID == id {
			return m, true
		}
	}
	return Model{}, false
}

// ModelOption pairs a model with its provider.
type ModelOption struct {
	Provider Provider
	Model    Model
}

func (o ModelOption) String() string {
	return o.Provider.Name + ":" + o.Model.ID
}

// ClientFactory builds an llm client for a provider's model.
type ClientFactory func(p Provider, m Model) (llm.Provider, error)

// Registry is the concurrency-safe provider catalog.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]*Provider
	newClient ClientFactory
	persist   func(name string, p config.ProviderConfig) error
}

// Option customizes a Registry.
type Option func(*Registry)

// WithClientFactory replaces the default SDK-backed client factory.
func WithClientFactory(f ClientFactory) Option {
	return func(r *Registry) { r.newClient = f }
}

// WithPersist writes setting updates back to durable config.
func WithPersist(fn func(name string, p config.ProviderConfig) error) Option {
	return func(r *Registry) { r.persist = fn }
}

// NewRegistry builds a registry from the configured providers.
func NewRegistry(cfg *config.Config, opts ...Option) *Registry {
	r := &Registry{newClient: NewClient}
	for _, opt := range opts {
		opt(r)
	}
	r.Reload(cfg)
	return r
}

// Reload replaces the catalog with the providers in cfg.
func (r *Registry) Reload(cfg *config.Config) {
	providers := make(map[string]*Provider, len(cfg.Providers))
	for name, pc := range cfg.Providers {
		p := fromConfig(name, pc)
		providers[name] = &p
	}
	r.mu.Lock()
	r.providers = providers
	r.mu.Unlock()
}

// Provider returns a copy of the named provider.
func (r *Registry) Provider(name string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	if !ok {
		return Provider{}, false
	}
	return clone(*p), true
}

// Providers returns all providers sorted by name.
func (r *Registry) Providers() []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Provider, 0, len(r.providers))
	for _, p := range r.providers {
		out = append(out, clone(*p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Model looks up a model of a provider.
func (r *Registry) Model(provider, id string) (Model, bool) {
	p, ok := r.Provider(provider)
	if !ok {
		return Model{}, false
	}
	return p.Model(id)
}

// SelectableModels lists every model that can serve a request right now:
// models of active providers that have an API key when one is required.
func (r *Registry) SelectableModels() []ModelOption {
	var out []ModelOption
	for _, p := range r.Providers() {
		if !usable(p) {
			continue
		}
		for _, m := range p.Models {
			out = append(out, ModelOption{Provider: p, Model: m})
		}
	}
	return out
}

// ResolveAuxiliary resolves a configured auxiliary model target. It fails
// closed: a missing, inactive or keyless provider, or a missing model, yields
// false so the caller falls back to the chat model.
func (r *Registry) ResolveAuxiliary(target *config.ModelTarget) (ModelOption, bool) {
	if target == nil || target.ID == "" {
		return ModelOption{}, false
	}
	p, ok := r.Provider(target.Provider)
	if !ok || !usable(p) {
		return ModelOption{}, false
	}
	m, ok := p.Model(target.ID)
	if !ok {
		return ModelOption{}, false
	}
	return ModelOption{Provider: p, Model: m}, true
}

// FindModel fuzzy-matches query against "provider:model" names of the
// selectable models, best match first.
func (r *Registry) FindModel(query string) []ModelOption {
	options := r.SelectableModels()
	names := make([]string, len(options))
	for i, o := range options {
		names[i] = o.String()
	}
	matches := fuzzy.Find(query, names)
	out := make([]ModelOption, 0, len(matches))
	for _, match := range matches {
		out = append(out, options[match.Index])
	}
	return out
}

// UpdateModelSetting sets one model setting and persists the provider. A
// model the provider does not list yet is added with that setting.
func (r *Registry) UpdateModelSetting(provider, modelID, key string, value any) (Provider, error) {
	return r.update(provider, func(p *Provider) error {
		for i := range p.Models {
			if p.Models[i].ID == modelID {
				if p.Models[i].Settings == nil {
					p.Models[i].Settings = make(map[string]any)
				}
				p.Models[i].Settings[key] = value
				return nil
			}
		}
		p.Models = append(p.Models, Model{ID: modelID, Settings: map[string]any{key: value}})
		return nil
	})
}

// UpdateProviderSetting sets one provider-level setting and persists it.
func (r *Registry) UpdateProviderSetting(provider, key string, value any) (Provider, error) {
	return r.update(provider, func(p *Provider) error {
		if p.Settings == nil {
			p.Settings = make(map[string]any)
		}
		p.Settings[key] = value
		return nil
	})
}

func (r *Registry) update(name string, fn func(*Provider) error) (Provider, error) {
	r.mu.Lock()
	stored, ok := r.providers[name]
	if !ok {
		r.mu.Unlock()
		return Provider{}, fmt.Errorf("provider %s not found", name)
	}
	updated := clone(*stored)
	if err := fn(&updated); err != nil {
		r.mu.Unlock()
		return Provider{}, err
	}
	*stored = updated
	persist := r.persist
	r.mu.Unlock()

	if persist != nil {
		if err := persist(name, toConfig(updated)); err != nil {
			return updated, fmt.Errorf("save provider %s: %w", name, err)
		}
	}
	return clone(updated), nil
}

// Client returns an llm client for a provider's model.
func (r *Registry) Client(provider, modelID string) (llm.Provider, error) {
	p, ok := r.Provider(provider)
	if !ok {
		return nil, fmt.Errorf("provider %s not found", provider)
	}
	if !p.Active {
		return nil, fmt.Errorf("provider %s is not active", provider)
	}
	if RequiresAPIKey(p) && p.APIKey == "" {
		return nil, fmt.Errorf("provider %s has no api key", provider)
	}
	m, ok := p.Model(modelID)
	if !ok {
		// Remote catalogs are larger than what users list; allow unlisted ids.
		m = Model{ID: modelID}
	}
	return r.newClient(p, m)
}

// RequiresAPIKey reports whether p is a hosted provider that rejects
// unauthenticated requests. Local servers do not.
func RequiresAPIKey(p Provider) bool {
	switch p.Type {
	case "openai", "anthropic", "gemini":
		return true
	}
	return p.Name == "openrouter"
}

func usable(p Provider) bool {
	if !p.Active {
		return false
	}
	return !RequiresAPIKey(p) || p.APIKey != ""
}

// ContextLength returns the model's ctx_len setting, or 0 when unset or
// unparsable. Settings loaded from YAML or JSON may carry it as a number or a
// string.
func ContextLength(m Model) int {
	return intSetting(m.Settings, "ctx_len")
}

func intSetting(settings map[string]any, key string) int {
	switch v := settings[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case uint64:
		return int(v)
	case float64:
		return int(v)
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return 0
		}
		return n
	}
	return 0
}

func boolSetting(settings map[string]any, key string) bool {
	switch v := settings[key].(type) {
	case bool:
		return v
	case string:
		b, _ := strconv.ParseBool(v)
		return b
	}
	return false
}

func fromConfig(name string, pc config.ProviderConfig) Provider {
	p := Provider{
		Name:     name,
		Type:     config.ProviderType(name, pc),
		Active:   pc.IsActive(),
		APIKey:   pc.APIKey,
		BaseURL:  pc.BaseURL,
		Settings: maps.Clone(pc.Settings),
		Server:   pc.Server,
	}
	for _, mc := range pc.Models {
		p.Models = append(p.Models, Model{
			ID:           mc.ID,
			Name:         mc.Name,
			Path:         mc.Path,
			Capabilities: slices.Clone(mc.Capabilities),
			Reasoning:    mc.Reasoning,
			Settings:     maps.Clone(mc.Settings),
		})
	}
	return p
}

func toConfig(p Provider) config.ProviderConfig {
	active := p.Active
	pc := config.ProviderConfig{
		Type:     p.Type,
		Active:   &active,
		APIKey:   p.APIKey,
		BaseURL:  p.BaseURL,
		Settings: maps.Clone(p.Settings),
		Server:   p.Server,
	}
	for _, m := range p.Models {
		pc.Models = append(pc.Models, config.ModelConfig{
			ID:           m.ID,
			Name:         m.Name,
			Path:         m.Path,
			Capabilities: slices.Clone(m.Capabilities),
			Reasoning:    m.Reasoning,
			Settings:     maps.Clone(m.Settings),
		})
	}
	return pc
}

func clone(p Provider) Provider {
	p.Settings = maps.Clone(p.Settings)
	models := make([]Model, len(p.Models))
	for i, m := range p.Models {
		m.Capabilities = slices.Clone(m.Capabilities)
		m.Settings = maps.Clone(m.Settings)
		models[i] = m
	}
	p.Models = models
	return p
}
