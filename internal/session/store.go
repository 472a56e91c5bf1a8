package session

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// Store persists threads, messages and embedded documents.
// Getters return nil, nil when the record does not exist.
type Store interface {
	// Threads
	CreateThread(ctx context.Context, t *Thread) error
	GetThread(ctx context.Context, id string) (*Thread, error)
	UpdateThread(ctx context.Context, t *Thread) error
	RenameThread(ctx context.Context, id, title string) error
	ArchiveThread(ctx context.Context, id string, archived bool) error
	TouchThread(ctx context.Context, id string) error
	DeleteThread(ctx context.Context, id string) error
	ListThreads(ctx context.Context, opts ListOptions) ([]Thread, error)

	// Messages, in sequence order
	AddMessage(ctx context.Context, msg *Message) error
	UpdateMessage(ctx context.Context, msg *Message) error
	GetMessage(ctx context.Context, id string) (*Message, error)
	ListMessages(ctx context.Context, threadID string) ([]Message, error)

	// Documents
	AddDocuments(ctx context.Context, threadID string, docs []Document) error
	SearchDocuments(ctx context.Context, threadID, query string, limit int) ([]Document, error)

	Close() error
}

// Config holds storage configuration.
type Config struct {
	Enabled    bool   `mapstructure:"enabled" yaml:"enabled,omitempty"`      // false keeps everything in memory
	Path       string `mapstructure:"path" yaml:"path,omitempty"`         // Database path (empty = data dir default)
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days,omitempty"` // Auto-delete threads after N days (0=never)
	MaxCount   int    `mapstructure:"max_count" yaml:"max_count,omitempty"`    // Keep at most N threads (0=unlimited)
}

// DefaultConfig returns the default storage configuration.
func DefaultConfig() Config {
	return Config{Enabled: true}
}

// GetDataDir returns the XDG data directory for llmchat.
// Uses $XDG_DATA_HOME if set, otherwise ~/.local/share
func GetDataDir() (string, error) {
	if xdgData := os.Getenv("XDG_DATA_HOME"); xdgData != "" {
		return filepath.Join(xdgData, "llmchat"), nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "llmchat"), nil
}

// GetDBPath returns the database path for cfg.
func GetDBPath(cfg Config) (string, error) {
	if cfg.Path != "" {
		return cfg.Path, nil
	}
	dataDir, err := GetDataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dataDir, "threads.db"), nil
}

// NewStore creates a Store for cfg. Disabled persistence yields a memory store.
func NewStore(cfg Config) (Store, error) {
	if !cfg.Enabled {
		return NewMemoryStore(), nil
	}
	return NewSQLiteStore(cfg)
}
