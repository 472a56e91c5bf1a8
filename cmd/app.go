package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"golang.org/x/term"

	"github.com/samsaffron/llmchat/internal/chat"
	"github.com/samsaffron/llmchat/internal/config"
	"github.com/samsaffron/llmchat/internal/llm"
	"github.com/samsaffron/llmchat/internal/mcp"
	"github.com/samsaffron/llmchat/internal/provider"
	"github.com/samsaffron/llmchat/internal/session"
	"github.com/samsaffron/llmchat/internal/tools"
	"github.com/samsaffron/llmchat/internal/ui"
)

// app holds the services one command invocation works with.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    session.Store
	registry *provider.Registry
	models   *provider.Manager
	mcp      *mcp.Manager
	relay    *relay
	orch     *chat.Orchestrator
}

type appOptions struct {
	allowAllTools bool
	interactive   bool // A user can answer prompts
	withTools     bool
}

func newApp(ctx context.Context, cfg *config.Config, opts appOptions) (*app, error) {
	store, err := session.NewStore(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	a := &app{
		cfg:      cfg,
		logger:   slog.Default(),
		store:    store,
		registry: provider.NewRegistry(cfg, provider.WithPersist(config.SaveProvider)),
		models:   provider.NewManager(provider.NewLlamaServer()),
		relay:    &relay{},
	}

	var toolList []tools.Tool
	if opts.withTools && len(cfg.MCP) > 0 {
		a.mcp = mcp.NewManager(a.logger)
		a.mcp.StartAll(ctx, cfg.MCP)
		toolList = tools.MCPTools(a.mcp)
	}

	var prompt tools.PromptFunc
	if opts.interactive {
		prompt = func(ctx context.Context, call llm.ToolCall) (tools.Decision, error) {
			decision := tools.DecisionDeny
			err := a.relay.suspend(ctx, func() error {
				var err error
				decision, err = tools.HuhPrompt(ctx, call)
				return err
			})
			return decision, err
		}
	}
	approver, err := tools.NewApprovalManager(cfg.Tools.AllowAll || opts.allowAllTools, cfg.Tools.AutoApprove, prompt)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.orch = chat.New(chat.Options{
		Store:     store,
		Registry:  a.registry,
		Lifecycle: a.models,
		Approver:  approver,
		Tools:     toolList,
		Notifier:  a.relay,
		Logger:    a.logger,
		Config:    cfg,
	})
	return a, nil
}

// watchConfig applies config file edits to the running services.
func (a *app) watchConfig() {
	config.Watch(func(cfg *config.Config) {
		a.registry.Reload(cfg)
		a.orch.Reconfigure(cfg)
	})
}

// Close stops local models and MCP servers and closes the store.
func (a *app) Close() {
	if err := a.models.StopAllModels(context.Background()); err != nil {
		a.logger.Warn("stop models", "err", err)
	}
	if a.mcp != nil {
		a.mcp.StopAll()
	}
	if err := a.store.Close(); err != nil {
		a.logger.Warn("close store", "err", err)
	}
}

// openStore opens the thread store for commands that need nothing else.
func openStore() (session.Store, error) {
	store, err := session.NewStore(loadedConfig.Storage)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return store, nil
}

// relay forwards notifications to whichever notifier the current send uses.
type relay struct {
	mu     sync.Mutex
	target chat.Notifier
}

func (r *relay) set(n chat.Notifier) {
	r.mu.Lock()
	r.target = n
	r.mu.Unlock()
}

func (r *relay) current() chat.Notifier {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.target == nil {
		return chat.NopNotifier{}
	}
	return r.target
}

func (r *relay) Phase(threadID string, p chat.Phase) { r.current().Phase(threadID, p) }
func (r *relay) Update(u chat.Update)               { r.current().Update(u) }
func (r *relay) Progress(p chat.PromptProgress)     { r.current().Progress(p) }
func (r *relay) Toast(t chat.Toast)                 { r.current().Toast(t) }

func (r *relay) ChooseRemedy(ctx context.Context, threadID string, cause error) (chat.Remedy, error) {
	return r.current().ChooseRemedy(ctx, threadID, cause)
}

// suspend runs fn with the terminal released when a stream view is active.
func (r *relay) suspend(ctx context.Context, fn func() error) error {
	if pn, ok := r.current().(*ui.ProgramNotifier); ok {
		return pn.Suspend(ctx, fn)
	}
	return fn()
}

func isTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

func terminalWidth() int {
	width, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || width <= 0 {
		return 80
	}
	return width
}
