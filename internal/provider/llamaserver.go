package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/samsaffron/llmchat/internal/config"
)

const (
	defaultServerHost = "127.0.0.1"
	defaultServerPort = 8080
)

// ServerURL returns the base URL of the llama-server described by cfg.
func ServerURL(cfg config.ServerConfig) string {
	host := cfg.Host
	if host == "" {
		host = defaultServerHost
	}
	port := cfg.Port
	if port == 0 {
		port = defaultServerPort
	}
	return fmt.Sprintf("http://%s:%d", host, port)
}

// LlamaServer runs one llama-server process at a time. Starting a model stops
// the one currently loaded.
type LlamaServer struct {
	// ReadyTimeout bounds how long Start waits for /health.
	ReadyTimeout time.Duration

	mu      sync.Mutex
	cmd     *exec.Cmd
	exited  chan struct{}
	modelID string
	baseURL string
	client  *http.Client
}

// NewLlamaServer creates an idle controller.
func NewLlamaServer() *LlamaServer {
	return &LlamaServer{
		ReadyTimeout: 2 * time.Minute,
		client:       &http.Client{Timeout: 10 * time.Second},
	}
}

// Running returns the id of the loaded model, or "".
func (s *LlamaServer) Running() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.modelID
}

// Start launches llama-server for modelID and waits until it is healthy.
func (s *LlamaServer) Start(ctx context.Context, p Provider, modelID string) error {
	m, ok := p.Model(modelID)
	if !ok {
		return fmt.Errorf("model %s not found in provider %s", modelID, p.Name)
	}
	if m.Path == "" {
		return fmt.Errorf("model %s has no model file path", modelID)
	}
	if s.Running() == modelID {
		return nil
	}
	if err := s.Stop(ctx); err != nil {
		return err
	}

	binary, err := findLlamaServer(p.Server.Binary)
	if err != nil {
		return err
	}
	args := serverArgs(p, m)
	cmd := exec.Command(binary, args...)
	cmd.Env = os.Environ()

	started := time.Now()
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start llama-server (path: %s): %w", binary, err)
	}
	exited := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(exited)
	}()

	baseURL := ServerURL(p.Server)
	s.mu.Lock()
	s.cmd, s.exited, s.modelID, s.baseURL = cmd, exited, modelID, baseURL
	s.mu.Unlock()

	slog.Info("llama-server starting", "model", modelID, "args", args)
	if err := s.waitReady(ctx, baseURL, exited); err != nil {
		_ = s.Stop(context.Background())
		return err
	}
	slog.Info("llama-server ready", "model", modelID, "elapsed_ms", time.Since(started).Milliseconds())
	return nil
}

func (s *LlamaServer) waitReady(ctx context.Context, baseURL string, exited <-chan struct{}) error {
	deadline := time.Now().Add(s.ReadyTimeout)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	var lastErr error
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-exited:
			return errors.New("llama-server exited during startup")
		case <-ticker.C:
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/health", nil)
		if err != nil {
			return err
		}
		resp, err := s.client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			return nil
		}
		lastErr = fmt.Errorf("health status %d", resp.StatusCode)
	}
	return fmt.Errorf("llama-server not ready after %s: %w", s.ReadyTimeout, lastErr)
}

// Stop terminates the running server, if any.
func (s *LlamaServer) Stop(ctx context.Context) error {
	s.mu.Lock()
	cmd, exited, modelID := s.cmd, s.exited, s.modelID
	s.cmd, s.exited, s.modelID, s.baseURL = nil, nil, "", ""
	s.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return nil
	}
	_ = cmd.Process.Signal(os.Interrupt)
	select {
	case <-exited:
	case <-time.After(5 * time.Second):
		_ = cmd.Process.Kill()
		<-exited
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		return ctx.Err()
	}
	slog.Info("llama-server stopped", "model", modelID)
	return nil
}

// Tokenize counts tokens of text with the loaded model's tokenizer.
func (s *LlamaServer) Tokenize(ctx context.Context, text string) (int, error) {
	s.mu.Lock()
	baseURL := s.baseURL
	s.mu.Unlock()
	if baseURL == "" {
		return 0, errors.New("llama-server is not running")
	}

	body, err := json.Marshal(map[string]any{"content": text})
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/tokenize", bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("tokenize: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("tokenize: status %d", resp.StatusCode)
	}
	var out struct {
		Tokens []int `json:"tokens"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("decode tokenize response: %w", err)
	}
	return len(out.Tokens), nil
}

// serverArgs maps model and provider settings onto llama-server flags.
func serverArgs(p Provider, m Model) []string {
	host := p.Server.Host
	if host == "" {
		host = defaultServerHost
	}
	port := p.Server.Port
	if port == 0 {
		port = defaultServerPort
	}
	args := []string{
		"--model", m.Path,
		"--alias", m.ID,
		"--host", host,
		"--port", strconv.Itoa(port),
	}
	if n := ContextLength(m); n > 0 {
		args = append(args, "--ctx-size", strconv.Itoa(n))
	}
	if _, ok := m.Settings["ngl"]; ok {
		args = append(args, "--n-gpu-layers", strconv.Itoa(intSetting(m.Settings, "ngl")))
	}
	if boolSetting(p.Settings, "ctx_shift") {
		args = append(args, "--context-shift")
	}
	if m.Has(CapReasoning) {
		args = append(args, "--jinja")
	}
	return append(args, p.Server.Args...)
}

// findLlamaServer resolves the llama-server binary from config, PATH or the
// usual install locations.
func findLlamaServer(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	if path, err := exec.LookPath("llama-server"); err == nil {
		return path, nil
	}
	candidates := []string{"/usr/local/bin/llama-server", "/opt/homebrew/bin/llama-server"}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".local", "bin", "llama-server"))
	}
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c, nil
		}
	}
	return "", errors.New("llama-server not found in PATH or common installation directories")
}
