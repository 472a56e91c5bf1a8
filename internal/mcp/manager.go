package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/samsaffron/llmchat/internal/config"
)

// Manager owns the configured MCP servers.
type Manager struct {
	mu      sync.RWMutex
	clients map[string]*Client
	logger  *slog.Logger
}

// NewManager creates an empty manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{clients: make(map[string]*Client), logger: logger}
}

// StartAll starts every configured server. Servers that fail to start are
// logged and skipped so one broken server does not disable the rest.
func (m *Manager) StartAll(ctx context.Context, servers map[string]config.MCPServerConfig) {
	for name, cfg := range servers {
		if strings.Contains(name, "__") {
			m.logger.Warn("mcp server name must not contain \"__\"", "server", name)
			continue
		}
		c := NewClient(name, cfg)
		if err := c.Start(ctx); err != nil {
			m.logger.Warn("mcp server failed to start", "server", name, "err", err)
			continue
		}
		m.mu.Lock()
		m.clients[name] = c
		m.mu.Unlock()
		m.logger.Debug("mcp server ready", "server", name, "tools", len(c.Tools()))
	}
}

// StopAll stops all running servers.
func (m *Manager) StopAll() {
	m.mu.Lock()
	clients := m.clients
	m.clients = make(map[string]*Client)
	m.mu.Unlock()
	for _, c := range clients {
		_ = c.Stop()
	}
}

// AllTools returns the tools of all running servers, named
// "server__tool" to avoid collisions.
func (m *Manager) AllTools() []ToolSpec {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []ToolSpec
	for name, c := range m.clients {
		for _, t := range c.Tools() {
			out = append(out, ToolSpec{
				Name:        name + "__" + t.Name,
				Description: fmt.Sprintf("[%s] %s", name, t.Description),
				Schema:      t.Schema,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// CallTool routes a prefixed tool name to its server.
func (m *Manager) CallTool(ctx context.Context, fullName string, args json.RawMessage) (string, error) {
	server, tool, ok := strings.Cut(fullName, "__")
	if !ok {
		return "", fmt.Errorf("invalid mcp tool name: %s (expected server__tool)", fullName)
	}
	m.mu.RLock()
	c, ok := m.clients[server]
	m.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("mcp server %s is not running", server)
	}
	return c.CallTool(ctx, tool, args)
}
