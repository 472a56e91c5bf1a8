package chat

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/samsaffron/llmchat/internal/attachment"
	"github.com/samsaffron/llmchat/internal/config"
	"github.com/samsaffron/llmchat/internal/provider"
	"github.com/samsaffron/llmchat/internal/session"
	"github.com/samsaffron/llmchat/internal/tools"
)

const (
	defaultMaxToolSteps = 20
	// promptProgressDelay gives the UI time to render each progress report.
	promptProgressDelay = 100 * time.Millisecond
)

// Options configures an Orchestrator. Store and Registry are required.
type Options struct {
	Store     session.Store
	Registry  *provider.Registry
	Lifecycle provider.Lifecycle
	Approver  tools.Approver // Nil denies every tool call
	Tools     []tools.Tool   // Offered to models with the tools capability
	Notifier  Notifier
	Logger    *slog.Logger
	Config    *config.Config
}

// SendRequest is one user turn, or the continuation of a stopped answer
// when ContinueFromID is set.
type SendRequest struct {
	ThreadID       string // Empty starts a new thread
	Provider       string // Overrides the thread's provider
	Model          string // Overrides the thread's model
	Text           string
	Attachments    []attachment.File
	ContinueFromID string
}

// Result describes a finished send.
type Result struct {
	Thread  *session.Thread
	Message *session.Message // Final assistant message; nil when stopped without output
	Stopped bool
	Title   string // Set when a title was generated
	Turns   int    // Model round trips
}

// Orchestrator runs sends against threads. It is safe for concurrent use;
// overlapping sends on one thread are rejected.
type Orchestrator struct {
	store     session.Store
	registry  *provider.Registry
	lifecycle provider.Lifecycle
	approver  tools.Approver
	tools     []tools.Tool
	notifier  Notifier
	logger    *slog.Logger

	summarizer    *Summarizer
	titles        *TitleGenerator
	summaries     *SummaryCache
	progressDelay time.Duration

	mu     sync.Mutex
	cfg    *config.Config
	active map[string]context.CancelFunc
}

// New creates an orchestrator.
func New(opts Options) *Orchestrator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	notifier := opts.Notifier
	if notifier == nil {
		notifier = NopNotifier{}
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = &config.Config{}
	}
	o := &Orchestrator{
		store:         opts.Store,
		registry:      opts.Registry,
		lifecycle:     opts.Lifecycle,
		approver:      opts.Approver,
		tools:         opts.Tools,
		notifier:      notifier,
		logger:        logger,
		summarizer:    &Summarizer{Logger: logger},
		titles:        &TitleGenerator{Logger: logger},
		summaries:     NewSummaryCache(),
		progressDelay: promptProgressDelay,
		cfg:           cfg,
		active:        make(map[string]context.CancelFunc),
	}
	o.summaries.Reconfigure(cfg.Chat.ContextSummary)
	return o
}

// Reconfigure swaps in a reloaded configuration. Cached summaries are
// dropped when the summary settings changed.
func (o *Orchestrator) Reconfigure(cfg *config.Config) {
	o.mu.Lock()
	o.cfg = cfg
	o.mu.Unlock()
	if o.summaries.Reconfigure(cfg.Chat.ContextSummary) {
		o.logger.Info("context summary settings changed, cached summaries cleared")
	}
}

func (o *Orchestrator) config() *config.Config {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cfg
}

// Cancel stops the active send on a thread. It reports whether one was
// running.
func (o *Orchestrator) Cancel(threadID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	cancel, ok := o.active[threadID]
	if ok {
		cancel()
	}
	return ok
}

// Busy reports whether a thread has a send in flight.
func (o *Orchestrator) Busy(threadID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.active[threadID]
	return ok
}

func (o *Orchestrator) acquire(ctx context.Context, threadID string) (context.Context, func(), error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.active[threadID]; ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrThreadBusy, threadID)
	}
	ctx, cancel := context.WithCancel(ctx)
	o.active[threadID] = cancel
	release := func() {
		o.mu.Lock()
		delete(o.active, threadID)
		o.mu.Unlock()
		cancel()
	}
	return ctx, release, nil
}

// Send runs one turn of a conversation to completion, through any tool
// calls. Cancelling ctx or calling Cancel stops it; a stopped send is not an
// error and is reported through Result.Stopped.
func (o *Orchestrator) Send(ctx context.Context, req SendRequest) (*Result, error) {
	thread, err := o.openThread(ctx, req.ThreadID)
	if err != nil {
		return nil, err
	}
	ctx, release, err := o.acquire(ctx, thread.ID)
	if err != nil {
		return nil, err
	}
	defer release()
	defer o.notifier.Phase(thread.ID, PhaseIdle)

	s := &send{
		o:      o,
		cfg:    o.config(),
		req:    req,
		thread: thread,
		logger: o.logger.With("thread", thread.ID),
		start:  time.Now(),
	}
	return s.run(ctx)
}

func (o *Orchestrator) openThread(ctx context.Context, id string) (*session.Thread, error) {
	if id == "" {
		t := &session.Thread{ID: session.NewID(), Title: session.DefaultThreadTitle}
		if err := o.store.CreateThread(ctx, t); err != nil {
			return nil, fmt.Errorf("create thread: %w", err)
		}
		o.logger.Debug("thread created", "thread", t.ID)
		return t, nil
	}
	t, err := o.store.GetThread(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load thread: %w", err)
	}
	if t == nil {
		return nil, fmt.Errorf("%w: %s", ErrThreadNotFound, id)
	}
	return t, nil
}

// chatModel resolves the model answering a send: the request override, then
// the thread's model, then the configured default.
func (o *Orchestrator) chatModel(cfg *config.Config, thread *session.Thread, req SendRequest) (ModelRef, error) {
	name, modelID := cfg.Provider, cfg.Model
	switch {
	case req.Model != "":
		name, modelID = firstNonEmpty(req.Provider, thread.Provider, cfg.Provider), req.Model
	case thread.Model != "":
		name, modelID = firstNonEmpty(req.Provider, thread.Provider), thread.Model
	}
	if name == "" || modelID == "" || o.registry == nil {
		return ModelRef{}, ErrNoModel
	}
	p, ok := o.registry.Provider(name)
	if !ok {
		return ModelRef{}, fmt.Errorf("provider %s not found", name)
	}
	m, ok := p.Model(modelID)
	if !ok {
		m = provider.Model{ID: modelID}
	}
	client, err := o.registry.Client(name, modelID)
	if err != nil {
		return ModelRef{}, err
	}
	return ModelRef{Provider: p, Model: m, Client: client}, nil
}

// ensureModel starts the model unless the lifecycle service reports it
// loaded.
func (o *Orchestrator) ensureModel(ctx context.Context, ref ModelRef) error {
	if o.lifecycle == nil {
		return nil
	}
	active, err := o.lifecycle.ActiveModels(ctx)
	if err == nil && slices.Contains(active, ref.Model.ID) {
		return nil
	}
	start := time.Now()
	if err := o.lifecycle.StartModel(ctx, ref.Provider, ref.Model.ID); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrModelStart, ref, err)
	}
	if _, err := o.lifecycle.ActiveModels(ctx); err != nil {
		o.logger.Debug("refresh active models failed", "err", err)
	}
	o.logger.Info("model started", "model", ref.String(), "elapsed_ms", time.Since(start).Milliseconds())
	return nil
}

// RetitleThread names a thread from its whole conversation.
func (o *Orchestrator) RetitleThread(ctx context.Context, threadID string) (string, error) {
	thread, err := o.openThread(ctx, threadID)
	if err != nil {
		return "", err
	}
	ctx, release, err := o.acquire(ctx, thread.ID)
	if err != nil {
		return "", err
	}
	defer release()

	cfg := o.config()
	chat, err := o.chatModel(cfg, thread, SendRequest{})
	if err != nil {
		return "", err
	}
	msgs, err := o.store.ListMessages(ctx, thread.ID)
	if err != nil {
		return "", fmt.Errorf("load messages: %w", err)
	}
	pairs := BuildPairs(EligibleMessages(msgs, ""))
	if len(pairs) == 0 {
		return "", fmt.Errorf("thread %s has no messages", thread.ID)
	}
	conversation := FormatTranscript(FlattenPairs(pairs))
	ref := resolveAuxiliary(o.registry, cfg.Chat.AuxiliaryModels.ThreadTitle, chat)
	title, err := o.titles.Generate(ctx, ref, TitleInput{Conversation: conversation})
	if err != nil {
		return "", err
	}
	if err := o.store.RenameThread(ctx, thread.ID, title); err != nil {
		return "", fmt.Errorf("rename thread: %w", err)
	}
	return title, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
