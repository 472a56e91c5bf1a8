package provider

import (
	"context"
	"log/slog"
	"slices"
	"sync"

	"github.com/samsaffron/llmchat/internal/llm"
)

// Lifecycle starts and stops models and reports which are loaded.
type Lifecycle interface {
	StartModel(ctx context.Context, p Provider, modelID string) error
	StopModel(ctx context.Context, modelID, providerName string) error
	StopAllModels(ctx context.Context) error
	ActiveModels(ctx context.Context) ([]string, error)
	TokenCount(ctx context.Context, modelID string, messages []llm.Message) (int, error)
}

// Manager dispatches lifecycle calls: llamacpp models run in a local
// llama-server, every other provider is hosted and only tracked.
type Manager struct {
	llama *LlamaServer

	mu     sync.Mutex
	remote map[string]string // model id -> provider name
}

// NewManager creates a lifecycle manager around a llama-server controller.
func NewManager(llama *LlamaServer) *Manager {
	return &Manager{llama: llama, remote: make(map[string]string)}
}

func (m *Manager) StartModel(ctx context.Context, p Provider, modelID string) error {
	if p.Type == LlamaCpp {
		return m.llama.Start(ctx, p, modelID)
	}
	m.mu.Lock()
	m.remote[modelID] = p.Name
	m.mu.Unlock()
	slog.Debug("remote model marked active", "provider", p.Name, "model", modelID)
	return nil
}

// StopModel unloads a model. Models not tracked as remote are assumed to be
// served by llama-server.
func (m *Manager) StopModel(ctx context.Context, modelID, providerName string) error {
	m.mu.Lock()
	_, remote := m.remote[modelID]
	delete(m.remote, modelID)
	m.mu.Unlock()
	if remote {
		slog.Debug("remote model marked inactive", "provider", providerName, "model", modelID)
		return nil
	}
	return m.llama.Stop(ctx)
}

func (m *Manager) StopAllModels(ctx context.Context) error {
	m.mu.Lock()
	clear(m.remote)
	m.mu.Unlock()
	return m.llama.Stop(ctx)
}

func (m *Manager) ActiveModels(ctx context.Context) ([]string, error) {
	var out []string
	if id := m.llama.Running(); id != "" {
		out = append(out, id)
	}
	m.mu.Lock()
	for id := range m.remote {
		out = append(out, id)
	}
	m.mu.Unlock()
	slices.Sort(out)
	return out, nil
}

// TokenCount asks llama-server to tokenize when the model is loaded there and
// falls back to an estimate otherwise.
func (m *Manager) TokenCount(ctx context.Context, modelID string, messages []llm.Message) (int, error) {
	if m.llama.Running() == modelID {
		n, err := m.llama.Tokenize(ctx, messagesText(messages))
		if err == nil {
			return n, nil
		}
		slog.Debug("tokenize failed, estimating", "model", modelID, "err", err)
	}
	return EstimateTokens(messagesText(messages)), nil
}

// EstimateTokens approximates a token count at four bytes per token.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}

func messagesText(messages []llm.Message) string {
	var text string
	for _, msg := range messages {
		text += llm.CollectText(msg.Parts) + "\n"
	}
	return text
}
