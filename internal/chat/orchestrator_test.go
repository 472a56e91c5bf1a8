package chat

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/samsaffron/llmchat/internal/attachment"
	"github.com/samsaffron/llmchat/internal/config"
	"github.com/samsaffron/llmchat/internal/llm"
	"github.com/samsaffron/llmchat/internal/provider"
	"github.com/samsaffron/llmchat/internal/session"
	"github.com/samsaffron/llmchat/internal/testutil"
	"github.com/samsaffron/llmchat/internal/tools"
)

type fakeLifecycle struct {
	mu      sync.Mutex
	active  []string
	started []string
	stopped []string
	stopAll int
	// lists counts ActiveModels calls; listsAtStop is its value at the last StopModel.
	lists       int
	listsAtStop int
}

func (f *fakeLifecycle) StartModel(ctx context.Context, p provider.Provider, modelID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, modelID)
	if !slices.Contains(f.active, modelID) {
		f.active = append(f.active, modelID)
	}
	return nil
}

func (f *fakeLifecycle) StopModel(ctx context.Context, modelID, providerName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, modelID)
	f.listsAtStop = f.lists
	f.active = slices.DeleteFunc(f.active, func(id string) bool { return id == modelID })
	return nil
}

func (f *fakeLifecycle) StopAllModels(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopAll++
	f.active = nil
	return nil
}

func (f *fakeLifecycle) ActiveModels(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lists++
	return slices.Clone(f.active), nil
}

func (f *fakeLifecycle) TokenCount(ctx context.Context, modelID string, messages []llm.Message) (int, error) {
	var text string
	for _, m := range messages {
		text += llm.CollectText(m.Parts)
	}
	return provider.EstimateTokens(text), nil
}

type recordingNotifier struct {
	mu       sync.Mutex
	phases   []Phase
	updates  []Update
	progress []PromptProgress
	toasts   []Toast
	remedy   Remedy
	asked    int
}

func (n *recordingNotifier) Phase(threadID string, p Phase) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.phases = append(n.phases, p)
}

func (n *recordingNotifier) Update(u Update) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.updates = append(n.updates, u)
}

func (n *recordingNotifier) Progress(p PromptProgress) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.progress = append(n.progress, p)
}

func (n *recordingNotifier) Toast(t Toast) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.toasts = append(n.toasts, t)
}

func (n *recordingNotifier) ChooseRemedy(ctx context.Context, threadID string, cause error) (Remedy, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.asked++
	return n.remedy, nil
}

func (n *recordingNotifier) hasPhase(p Phase) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return slices.Contains(n.phases, p)
}

func (n *recordingNotifier) toastLevels() []ToastLevel {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []ToastLevel
	for _, t := range n.toasts {
		if !t.Dismiss {
			out = append(out, t.Level)
		}
	}
	return out
}

// newEchoTool returns a tool that echoes its text argument.
func newEchoTool() *testutil.MockTool {
	schema := map[string]any{
		"type":       "object",
		"properties": map[string]any{"text": map[string]any{"type": "string"}},
	}
	return testutil.NewMockToolWithSchema("echo", "Echo the text argument", schema, func(ctx context.Context, args json.RawMessage) (string, error) {
		var a struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal(args, &a); err != nil {
			return "", err
		}
		return "echo: " + a.Text, nil
	})
}

type allowAll struct{}

func (allowAll) Approve(context.Context, llm.ToolCall) (tools.Decision, error) {
	return tools.DecisionApprove, nil
}

type harness struct {
	o         *Orchestrator
	store     *session.MemoryStore
	mock      *llm.MockProvider
	registry  *provider.Registry
	lifecycle *fakeLifecycle
	notifier  *recordingNotifier
	cfg       *config.Config
}

func newHarness(t *testing.T, providerType string, mutate func(*config.Config, *Options)) *harness {
	t.Helper()
	cfg := &config.Config{
		Provider: "local",
		Model:    "qwen",
		Chat: config.ChatConfig{
			Stream:        true,
			Assistant:     "Assistant",
			FrameInterval: time.Millisecond,
		},
		Providers: map[string]config.ProviderConfig{
			"local": {
				Type: providerType,
				Models: []config.ModelConfig{{
					ID:           "qwen",
					Capabilities: []string{provider.CapTools},
					Settings:     map[string]any{"ctx_len": 8192, "temperature": 0.7},
				}},
			},
		},
	}
	h := &harness{
		store:     session.NewMemoryStore(),
		mock:      llm.NewMockProvider("local"),
		lifecycle: &fakeLifecycle{},
		notifier:  &recordingNotifier{},
		cfg:       cfg,
	}
	opts := Options{
		Store:     h.store,
		Lifecycle: h.lifecycle,
		Notifier:  h.notifier,
		Config:    cfg,
	}
	if mutate != nil {
		mutate(cfg, &opts)
	}
	h.registry = provider.NewRegistry(cfg, provider.WithClientFactory(func(p provider.Provider, m provider.Model) (llm.Provider, error) {
		return h.mock, nil
	}))
	opts.Registry = h.registry
	h.o = New(opts)
	h.o.progressDelay = 0
	return h
}

func (h *harness) messages(t *testing.T, threadID string) []session.Message {
	t.Helper()
	msgs, err := h.store.ListMessages(context.Background(), threadID)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	return msgs
}

func (h *harness) seedPair(t *testing.T, threadID, question, answer string) {
	t.Helper()
	ctx := context.Background()
	if err := h.store.AddMessage(ctx, session.NewMessage(threadID, llm.UserText(question))); err != nil {
		t.Fatalf("AddMessage: %v", err)
	}
	if err := h.store.AddMessage(ctx, session.NewMessage(threadID, llm.AssistantText(answer))); err != nil {
		t.Fatalf("AddMessage: %v", err)
	}
}

func (h *harness) newThread(t *testing.T) string {
	t.Helper()
	th := &session.Thread{}
	if err := h.store.CreateThread(context.Background(), th); err != nil {
		t.Fatalf("CreateThread: %v", err)
	}
	return th.ID
}

func TestSendStreamsAndNamesThread(t *testing.T) {
	h := newHarness(t, "openai-compat", nil)
	h.mock.AddTurn(llm.MockTurn{Chunks: []string{"Hi", " there"}, Usage: &llm.Usage{InputTokens: 5, OutputTokens: 2}})
	h.mock.AddTextResponse("Friendly greeting")

	res, err := h.o.Send(context.Background(), SendRequest{Text: "Hello"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if res.Stopped || res.Message == nil {
		t.Fatalf("result = %+v", res)
	}
	if got := res.Message.Text(); got != "Hi there" {
		t.Errorf("answer = %q, want %q", got, "Hi there")
	}
	if res.Title != "Friendly greeting" {
		t.Errorf("title = %q", res.Title)
	}

	thread, _ := h.store.GetThread(context.Background(), res.Thread.ID)
	if thread.Title != "Friendly greeting" {
		t.Errorf("stored title = %q", thread.Title)
	}
	if thread.Provider != "local" || thread.Model != "qwen" {
		t.Errorf("thread model = %s:%s", thread.Provider, thread.Model)
	}

	msgs := h.messages(t, res.Thread.ID)
	if len(msgs) != 2 || msgs[0].Role != llm.RoleUser || msgs[1].Role != llm.RoleAssistant {
		t.Fatalf("stored messages = %+v", msgs)
	}
	meta := msgs[1].Metadata
	if meta.Assistant != "Assistant" || meta.ModelID != "qwen" || meta.Provider != "local" {
		t.Errorf("metadata = %+v", meta)
	}
	if meta.Usage == nil || meta.Usage.OutputTokens != 2 {
		t.Errorf("usage = %+v", meta.Usage)
	}

	if h.mock.Calls() != 2 {
		t.Fatalf("model calls = %d, want 2", h.mock.Calls())
	}
	if h.mock.Requests[1].MaxOutputTokens != titleMaxTokens {
		t.Errorf("title request max tokens = %d", h.mock.Requests[1].MaxOutputTokens)
	}
	if got := h.mock.Requests[0].Params["temperature"]; got != 0.7 {
		t.Errorf("chat temperature = %v, want 0.7", got)
	}
	if _, ok := h.mock.Requests[0].Params["ctx_len"]; ok {
		t.Error("ctx_len forwarded to the model")
	}
	if !slices.Equal(h.lifecycle.started, []string{"qwen"}) {
		t.Errorf("started = %v", h.lifecycle.started)
	}
	if !h.notifier.hasPhase(PhaseStreaming) || !h.notifier.hasPhase(PhaseFinalizing) {
		t.Errorf("phases = %v", h.notifier.phases)
	}

	// A second send neither restarts the model nor renames the thread.
	h.mock.AddTextResponse("Still here")
	res2, err := h.o.Send(context.Background(), SendRequest{ThreadID: res.Thread.ID, Text: "Are you there?"})
	if err != nil {
		t.Fatalf("second Send: %v", err)
	}
	if res2.Title != "" || h.mock.Calls() != 3 {
		t.Errorf("second send title = %q, calls = %d", res2.Title, h.mock.Calls())
	}
	if len(h.lifecycle.started) != 1 {
		t.Errorf("model restarted: %v", h.lifecycle.started)
	}
	req := h.mock.LastRequest()
	if len(req.Messages) != 3 || llm.CollectText(req.Messages[1].Parts) != "Hi there" {
		t.Errorf("history = %+v", req.Messages)
	}
}

func TestSendWithoutStreamingKeepsReasoning(t *testing.T) {
	h := newHarness(t, "openai-compat", func(cfg *config.Config, _ *Options) {
		cfg.Chat.Stream = false
	})
	h.mock.AddTurn(llm.MockTurn{Reasoning: []string{"structured\n", "plan"}, Chunks: []string{"Answer"}})
	h.mock.AddTextResponse("Plans")

	res, err := h.o.Send(context.Background(), SendRequest{Text: "Plan it"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got := res.Message.Text(); got != "Answer" {
		t.Errorf("answer = %q", got)
	}
	if got := res.Message.Parts[0].ReasoningContent; got != "structured\nplan" {
		t.Errorf("reasoning = %q", got)
	}
	if !h.notifier.hasPhase(PhaseNonStreaming) || h.notifier.hasPhase(PhaseStreaming) {
		t.Errorf("phases = %v", h.notifier.phases)
	}
}

func TestSendStripsInlineReasoning(t *testing.T) {
	h := newHarness(t, "openai-compat", nil)
	h.mock.AddChunks("<thi", "nk>weighing options</th", "ink>", "Go with ", "tea.")
	h.mock.AddTextResponse("Drinks")

	res, err := h.o.Send(context.Background(), SendRequest{Text: "Coffee or tea?"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got := res.Message.Text(); got != "Go with tea." {
		t.Errorf("answer = %q", got)
	}
	if got := res.Message.Parts[0].ReasoningContent; got != "weighing options" {
		t.Errorf("reasoning = %q", got)
	}
	for _, u := range h.notifier.updates {
		if strings.Contains(u.Content, "weighing") || strings.Contains(u.Content, "<") {
			t.Errorf("update leaked reasoning: %q", u.Content)
		}
	}
}

func TestCancelKeepsPartialAnswerOfLocalModel(t *testing.T) {
	h := newHarness(t, provider.LlamaCpp, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.mock.AddTurn(llm.MockTurn{Chunks: []string{"Hel", "lo"}, Hold: true, OnHold: cancel})

	res, err := h.o.Send(ctx, SendRequest{Text: "Say hello"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if !res.Stopped || res.Message == nil {
		t.Fatalf("result = %+v", res)
	}
	msgs := h.messages(t, res.Thread.ID)
	if len(msgs) != 2 {
		t.Fatalf("stored %d messages, want 2", len(msgs))
	}
	if msgs[1].Status != session.StatusStopped || msgs[1].Text() != "Hello" {
		t.Errorf("partial answer = %q (%s)", msgs[1].Text(), msgs[1].Status)
	}
	if h.mock.Calls() != 1 {
		t.Errorf("calls = %d, a stopped send must not generate a title", h.mock.Calls())
	}
	if !h.notifier.hasPhase(PhaseAborted) {
		t.Errorf("phases = %v", h.notifier.phases)
	}
	if h.o.Busy(res.Thread.ID) {
		t.Error("thread still busy after stop")
	}
}

func TestCancelDropsChunkReceivedAfterStop(t *testing.T) {
	h := newHarness(t, provider.LlamaCpp, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.mock.AddTurn(llm.MockTurn{
		Chunks: []string{"Hello", " LATE"},
		OnEvent: func(i int) {
			if i == 1 {
				cancel()
			}
		},
	})

	res, err := h.o.Send(ctx, SendRequest{Text: "Say hello"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if !res.Stopped || res.Message == nil {
		t.Fatalf("result = %+v", res)
	}
	msgs := h.messages(t, res.Thread.ID)
	if len(msgs) != 2 {
		t.Fatalf("stored %d messages, want 2", len(msgs))
	}
	if msgs[1].Status != session.StatusStopped || msgs[1].Text() != "Hello" {
		t.Errorf("partial answer = %q (%s)", msgs[1].Text(), msgs[1].Status)
	}
}

func TestCancelDiscardsPartialAnswerOfHostedModel(t *testing.T) {
	h := newHarness(t, "openai-compat", nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.mock.AddTurn(llm.MockTurn{Chunks: []string{"Hel", "lo"}, Hold: true, OnHold: cancel})

	res, err := h.o.Send(ctx, SendRequest{Text: "Say hello"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if !res.Stopped || res.Message != nil {
		t.Fatalf("result = %+v", res)
	}
	msgs := h.messages(t, res.Thread.ID)
	if len(msgs) != 1 || msgs[0].Role != llm.RoleUser {
		t.Fatalf("stored messages = %+v", msgs)
	}
}

func TestEmptyLocalAnswerStopsModel(t *testing.T) {
	h := newHarness(t, provider.LlamaCpp, nil)
	h.mock.AddTextResponse("<think>nothing to say</think>")

	_, err := h.o.Send(context.Background(), SendRequest{Text: "Hello"})
	if !errors.Is(err, ErrNoResponse) {
		t.Fatalf("err = %v, want ErrNoResponse", err)
	}
	if !slices.Equal(h.lifecycle.stopped, []string{"qwen"}) {
		t.Errorf("stopped = %v", h.lifecycle.stopped)
	}
	if h.lifecycle.lists <= h.lifecycle.listsAtStop {
		t.Errorf("active models not refreshed after stop (lists=%d, at stop=%d)", h.lifecycle.lists, h.lifecycle.listsAtStop)
	}

	threads, _ := h.store.ListThreads(context.Background(), session.ListOptions{})
	if len(threads) != 1 {
		t.Fatalf("threads = %d", len(threads))
	}
	msgs := h.messages(t, threads[0].ID)
	if len(msgs) != 2 || msgs[1].Status != session.StatusError || msgs[1].Metadata.Error == "" {
		t.Fatalf("stored messages = %+v", msgs)
	}
	if !h.notifier.hasPhase(PhaseError) {
		t.Errorf("phases = %v", h.notifier.phases)
	}
}

func TestContextOverflowIncreasesContext(t *testing.T) {
	h := newHarness(t, provider.LlamaCpp, nil)
	h.notifier.remedy = RemedyIncreaseContext
	h.mock.AddError(&llm.ProviderError{Type: llm.ErrTypeContextExceeded, Provider: "local", Message: "the request exceeds the available context size"})
	h.mock.AddTextResponse("Fits now")
	h.mock.AddTextResponse("Overflow")

	res, err := h.o.Send(context.Background(), SendRequest{Text: "A long question"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got := res.Message.Text(); got != "Fits now" {
		t.Errorf("answer = %q", got)
	}
	m, ok := h.registry.Model("local", "qwen")
	if !ok || provider.ContextLength(m) != 32768 {
		t.Errorf("ctx_len = %v", m.Settings["ctx_len"])
	}
	if h.notifier.asked != 1 || h.lifecycle.stopAll != 1 || len(h.lifecycle.started) != 2 {
		t.Errorf("asked = %d, stopAll = %d, started = %v", h.notifier.asked, h.lifecycle.stopAll, h.lifecycle.started)
	}
}

func TestContextOverflowIncreasesContextOfUnlistedModel(t *testing.T) {
	h := newHarness(t, provider.LlamaCpp, nil)
	h.notifier.remedy = RemedyIncreaseContext
	h.mock.AddError(&llm.ProviderError{Type: llm.ErrTypeContextExceeded, Provider: "local", Message: "the request exceeds the available context size"})
	h.mock.AddTextResponse("Fits now")
	h.mock.AddTextResponse("Overflow")

	res, err := h.o.Send(context.Background(), SendRequest{Model: "mistral", Text: "A long question"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got := res.Message.Text(); got != "Fits now" {
		t.Errorf("answer = %q", got)
	}
	m, ok := h.registry.Model("local", "mistral")
	if !ok || provider.ContextLength(m) != DoubledContextLength(0) {
		t.Errorf("model = %+v ok=%v", m, ok)
	}
}

func TestContextOverflowEnablesContextShift(t *testing.T) {
	h := newHarness(t, provider.LlamaCpp, nil)
	h.notifier.remedy = RemedyContextShift
	h.mock.AddError(llm.ErrContextExceeded)
	h.mock.AddTextResponse("Shifted")
	h.mock.AddTextResponse("Shift")

	if _, err := h.o.Send(context.Background(), SendRequest{Text: "A long question"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	p, _ := h.registry.Provider("local")
	if p.Settings["ctx_shift"] != true {
		t.Errorf("provider settings = %v", p.Settings)
	}
}

func TestContextOverflowDeclined(t *testing.T) {
	h := newHarness(t, provider.LlamaCpp, nil)
	h.mock.AddError(llm.ErrContextExceeded)

	_, err := h.o.Send(context.Background(), SendRequest{Text: "A long question"})
	if !errors.Is(err, llm.ErrContextExceeded) {
		t.Fatalf("err = %v, want context exceeded", err)
	}
	if h.notifier.asked != 1 || h.lifecycle.stopAll != 0 {
		t.Errorf("asked = %d, stopAll = %d", h.notifier.asked, h.lifecycle.stopAll)
	}
}

func TestToolLoop(t *testing.T) {
	echo := newEchoTool()
	h := newHarness(t, "openai-compat", func(_ *config.Config, opts *Options) {
		opts.Tools = []tools.Tool{echo}
		opts.Approver = allowAll{}
	})
	h.mock.AddToolCall("call_1", "echo", map[string]string{"text": "ping"})
	h.mock.AddTextResponse("The tool said ping.")
	h.mock.AddTextResponse("Echo test")

	res, err := h.o.Send(context.Background(), SendRequest{Text: "Use the tool"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if res.Turns != 2 || echo.InvocationCount() != 1 {
		t.Fatalf("turns = %d, tool calls = %d", res.Turns, echo.InvocationCount())
	}
	if got := res.Message.Text(); got != "The tool said ping." {
		t.Errorf("answer = %q", got)
	}

	first := h.mock.Requests[0]
	if len(first.Tools) != 1 || first.Tools[0].Name != "echo" {
		t.Errorf("offered tools = %+v", first.Tools)
	}
	second := h.mock.Requests[1]
	last := second.Messages[len(second.Messages)-1]
	if last.Role != llm.RoleTool || last.Parts[0].ToolResult.Content != "echo: ping" {
		t.Errorf("tool result = %+v", last)
	}

	msgs := h.messages(t, res.Thread.ID)
	if len(msgs) != 3 {
		t.Fatalf("stored %d messages, want 3", len(msgs))
	}
	records := msgs[1].Metadata.ToolCalls
	if len(records) != 1 || records[0].State != session.ToolCallExecuted || records[0].Response != "echo: ping" {
		t.Errorf("tool records = %+v", records)
	}
	if records[0].Description != "Echo the text argument" {
		t.Errorf("description = %q", records[0].Description)
	}
}

func TestToolCallDeniedWithoutApprover(t *testing.T) {
	echo := newEchoTool()
	h := newHarness(t, "openai-compat", func(_ *config.Config, opts *Options) {
		opts.Tools = []tools.Tool{echo}
	})
	h.mock.AddToolCall("call_1", "echo", map[string]string{"text": "ping"})
	h.mock.AddTextResponse("I was not allowed to run it.")
	h.mock.AddTextResponse("Denied tool")

	res, err := h.o.Send(context.Background(), SendRequest{Text: "Use the tool"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if echo.InvocationCount() != 0 {
		t.Fatalf("denied tool ran %d times", echo.InvocationCount())
	}
	last := h.mock.Requests[1].Messages[len(h.mock.Requests[1].Messages)-1]
	if !last.Parts[0].ToolResult.IsError || last.Parts[0].ToolResult.Content != deniedToolResult {
		t.Errorf("tool result = %+v", last.Parts[0].ToolResult)
	}
	msgs := h.messages(t, res.Thread.ID)
	if msgs[1].Metadata.ToolCalls[0].State != session.ToolCallPending {
		t.Errorf("denied call state = %s", msgs[1].Metadata.ToolCalls[0].State)
	}
}

func TestToolsOnlyOfferedToCapableModels(t *testing.T) {
	h := newHarness(t, "openai-compat", func(cfg *config.Config, opts *Options) {
		pc := cfg.Providers["local"]
		pc.Models[0].Capabilities = nil
		opts.Tools = []tools.Tool{newEchoTool()}
	})
	h.mock.AddTextResponse("No tools here")
	h.mock.AddTextResponse("Title")

	if _, err := h.o.Send(context.Background(), SendRequest{Text: "Hi"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if n := len(h.mock.Requests[0].Tools); n != 0 {
		t.Errorf("offered %d tools to a model without the tools capability", n)
	}
}

func TestToolStepBudget(t *testing.T) {
	h := newHarness(t, "openai-compat", func(cfg *config.Config, opts *Options) {
		cfg.Chat.MaxToolSteps = 1
		opts.Tools = []tools.Tool{newEchoTool()}
		opts.Approver = allowAll{}
	})
	h.mock.AddToolCall("call_1", "echo", map[string]string{"text": "one"})
	h.mock.AddToolCall("call_2", "echo", map[string]string{"text": "two"})

	_, err := h.o.Send(context.Background(), SendRequest{Text: "Loop forever"})
	if !errors.Is(err, ErrToolStepBudget) {
		t.Fatalf("err = %v, want ErrToolStepBudget", err)
	}
	if h.mock.Calls() != 2 {
		t.Errorf("calls = %d, want 2", h.mock.Calls())
	}
}

func TestConcurrentSendOnThreadIsRejected(t *testing.T) {
	h := newHarness(t, "openai-compat", nil)
	threadID := h.newThread(t)
	held := make(chan struct{})
	h.mock.AddTurn(llm.MockTurn{Chunks: []string{"Working"}, Hold: true, OnHold: func() { close(held) }})

	done := make(chan *Result, 1)
	go func() {
		res, err := h.o.Send(context.Background(), SendRequest{ThreadID: threadID, Text: "First"})
		if err != nil {
			t.Errorf("first Send: %v", err)
		}
		done <- res
	}()
	<-held

	if !h.o.Busy(threadID) {
		t.Fatal("thread not busy during send")
	}
	if _, err := h.o.Send(context.Background(), SendRequest{ThreadID: threadID, Text: "Second"}); !errors.Is(err, ErrThreadBusy) {
		t.Fatalf("second Send err = %v, want ErrThreadBusy", err)
	}
	if !h.o.Cancel(threadID) {
		t.Fatal("Cancel found no active send")
	}

	select {
	case res := <-done:
		if res == nil || !res.Stopped {
			t.Errorf("first result = %+v", res)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("cancelled send did not return")
	}
	if h.o.Cancel(threadID) {
		t.Error("Cancel reported an active send after it finished")
	}
}

func TestSendToUnknownThread(t *testing.T) {
	h := newHarness(t, "openai-compat", nil)
	if _, err := h.o.Send(context.Background(), SendRequest{ThreadID: "missing", Text: "Hi"}); !errors.Is(err, ErrThreadNotFound) {
		t.Fatalf("err = %v, want ErrThreadNotFound", err)
	}
}

func TestContextSummaryIsReused(t *testing.T) {
	h := newHarness(t, "openai-compat", func(cfg *config.Config, _ *Options) {
		cfg.Chat.ContextSummary = config.ContextSummaryConfig{Enabled: true, MessageLimit: 2}
	})
	threadID := h.newThread(t)
	h.seedPair(t, threadID, "Q1", "A1")
	h.seedPair(t, threadID, "Q2", "A2")
	h.seedPair(t, threadID, "Q3", "A3")

	h.mock.AddTextResponse("1) Question: Q1\n   Answer: A1\n2) Question: Q2\n   Answer: A2")
	h.mock.AddTextResponse("A4")
	h.mock.AddTextResponse("A5")

	if _, err := h.o.Send(context.Background(), SendRequest{ThreadID: threadID, Text: "Q4"}); err != nil {
		t.Fatalf("first Send: %v", err)
	}
	summaryReq := h.mock.Requests[0]
	if body := llm.CollectText(summaryReq.Messages[1].Parts); body != "User:\nQ1\n\nAssistant:\nA1\n\nUser:\nQ2\n\nAssistant:\nA2" {
		t.Errorf("summarized transcript = %q", body)
	}
	chatReq := h.mock.Requests[1]
	if len(chatReq.Messages) != 4 {
		t.Fatalf("first chat request has %d messages, want 4", len(chatReq.Messages))
	}
	system := llm.CollectText(chatReq.Messages[0].Parts)
	if chatReq.Messages[0].Role != llm.RoleSystem || !strings.Contains(system, "Context summary of earlier conversation:") {
		t.Errorf("system message = %q", system)
	}

	if _, err := h.o.Send(context.Background(), SendRequest{ThreadID: threadID, Text: "Q5"}); err != nil {
		t.Fatalf("second Send: %v", err)
	}
	if h.mock.Calls() != 3 {
		t.Fatalf("calls = %d, want 3 (summary reused)", h.mock.Calls())
	}
	last := h.mock.LastRequest()
	if len(last.Messages) != 6 {
		t.Errorf("second chat request has %d messages, want 6", len(last.Messages))
	}
	if got := llm.CollectText(last.Messages[1].Parts); got != "Q3" {
		t.Errorf("first live message = %q, want Q3", got)
	}

	levels := h.notifier.toastLevels()
	if len(levels) != 1 || levels[0] != ToastLoading {
		t.Errorf("toasts = %v", levels)
	}
}

func TestContextSummaryFailureFailsSend(t *testing.T) {
	h := newHarness(t, "openai-compat", func(cfg *config.Config, _ *Options) {
		cfg.Chat.ContextSummary = config.ContextSummaryConfig{Enabled: true, MessageLimit: 1}
	})
	threadID := h.newThread(t)
	h.seedPair(t, threadID, "Q1", "A1")
	h.seedPair(t, threadID, "Q2", "A2")
	h.mock.AddTextResponse("   ")

	_, err := h.o.Send(context.Background(), SendRequest{ThreadID: threadID, Text: "Q3"})
	if !errors.Is(err, ErrEmptySummary) {
		t.Fatalf("err = %v, want ErrEmptySummary", err)
	}
	levels := h.notifier.toastLevels()
	if !slices.Contains(levels, ToastError) {
		t.Errorf("toasts = %v", levels)
	}
}

func TestContinueStoppedAnswer(t *testing.T) {
	h := newHarness(t, provider.LlamaCpp, nil)
	threadID := h.newThread(t)
	ctx := context.Background()
	if err := h.store.AddMessage(ctx, session.NewMessage(threadID, llm.UserText("Tell me"))); err != nil {
		t.Fatal(err)
	}
	partial := session.NewMessage(threadID, llm.AssistantText("Partial"))
	partial.Status = session.StatusStopped
	if err := h.store.AddMessage(ctx, partial); err != nil {
		t.Fatal(err)
	}
	h.mock.AddChunks(" rest")

	res, err := h.o.Send(ctx, SendRequest{ThreadID: threadID, ContinueFromID: partial.ID})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if res.Message.ID != partial.ID {
		t.Errorf("continuation created message %s, want %s", res.Message.ID, partial.ID)
	}
	msgs := h.messages(t, threadID)
	if len(msgs) != 2 {
		t.Fatalf("stored %d messages, want 2", len(msgs))
	}
	if msgs[1].Text() != "Partial rest" || msgs[1].Status != session.StatusReady {
		t.Errorf("continued answer = %q (%s)", msgs[1].Text(), msgs[1].Status)
	}
	req := h.mock.LastRequest()
	tail := req.Messages[len(req.Messages)-1]
	if tail.Role != llm.RoleAssistant || llm.CollectText(tail.Parts) != "Partial" {
		t.Errorf("request tail = %+v", tail)
	}
	if h.mock.Calls() != 1 {
		t.Errorf("calls = %d, continuation must not generate a title", h.mock.Calls())
	}
}

func TestContinueRejectsUserMessage(t *testing.T) {
	h := newHarness(t, "openai-compat", nil)
	threadID := h.newThread(t)
	user := session.NewMessage(threadID, llm.UserText("Hi"))
	if err := h.store.AddMessage(context.Background(), user); err != nil {
		t.Fatal(err)
	}
	if _, err := h.o.Send(context.Background(), SendRequest{ThreadID: threadID, ContinueFromID: user.ID}); !errors.Is(err, ErrBadContinue) {
		t.Fatalf("err = %v, want ErrBadContinue", err)
	}
}

func TestAttachmentsInlineAndEmbed(t *testing.T) {
	h := newHarness(t, "openai-compat", nil)
	h.mock.AddTextResponse("Read both")
	h.mock.AddTextResponse("Files")

	// 8192 * 0.75 = 6144 tokens; the manual needs about 7500.
	manual := strings.Repeat("The pump must be primed before use.\n\n", 800)
	files := []attachment.File{
		{Name: "notes.txt", Kind: attachment.KindDocument, Content: "remember milk", Size: 13},
		{Name: "manual.txt", Kind: attachment.KindDocument, Content: manual, Size: len(manual)},
		{Name: "photo.png", Kind: attachment.KindImage, DataURL: "data:image/png;base64,AAAA", Size: 4},
	}

	res, err := h.o.Send(context.Background(), SendRequest{Text: "Summarize these", Attachments: files})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	msgs := h.messages(t, res.Thread.ID)
	user := msgs[0]
	if len(user.Metadata.InlineFiles) != 1 || user.Metadata.InlineFiles[0].Name != "notes.txt" {
		t.Errorf("inline files = %+v", user.Metadata.InlineFiles)
	}
	if len(user.Parts) != 2 || user.Parts[1].Type != llm.PartImage {
		t.Errorf("user parts = %+v", user.Parts)
	}

	thread, _ := h.store.GetThread(context.Background(), res.Thread.ID)
	if !thread.Metadata.HasDocuments {
		t.Error("thread not marked as having documents")
	}
	docs, err := h.store.SearchDocuments(context.Background(), res.Thread.ID, "pump", 5)
	if err != nil || len(docs) == 0 {
		t.Fatalf("SearchDocuments = %d docs, %v", len(docs), err)
	}

	req := h.mock.Requests[0]
	if len(req.Tools) != 1 || req.Tools[0].Name != tools.SearchDocumentsToolName {
		t.Errorf("offered tools = %+v", req.Tools)
	}
	userText := llm.CollectText(req.Messages[len(req.Messages)-1].Parts)
	if !strings.Contains(userText, "File: notes.txt\nremember milk") || strings.Contains(userText, "pump") {
		t.Errorf("user prompt = %q", userText)
	}
}

func TestRetitleThread(t *testing.T) {
	h := newHarness(t, "openai-compat", nil)
	threadID := h.newThread(t)
	h.seedPair(t, threadID, "How do I boil eggs?", "Put them in boiling water for 9 minutes.")
	h.seedPair(t, threadID, "And soft ones?", "Six minutes.")
	h.mock.AddTextResponse("**Boiling eggs**")

	title, err := h.o.RetitleThread(context.Background(), threadID)
	if err != nil {
		t.Fatalf("RetitleThread: %v", err)
	}
	if title != "Boiling eggs" {
		t.Errorf("title = %q", title)
	}
	body := llm.CollectText(h.mock.LastRequest().Messages[1].Parts)
	if !strings.Contains(body, "And soft ones?") || !strings.HasPrefix(body, "User:\nHow do I boil eggs?") {
		t.Errorf("title prompt = %q", body)
	}

	empty := h.newThread(t)
	if _, err := h.o.RetitleThread(context.Background(), empty); err == nil {
		t.Error("retitling an empty thread succeeded")
	}
}

func TestReconfigureClearsSummaries(t *testing.T) {
	h := newHarness(t, "openai-compat", func(cfg *config.Config, _ *Options) {
		cfg.Chat.ContextSummary = config.ContextSummaryConfig{Enabled: true, MessageLimit: 2}
	})
	h.o.summaries.Set("t1", SummaryEntry{SummarizedCount: 2, SummaryText: "s"})

	next := *h.cfg
	next.Chat.ContextSummary.MessageLimit = 4
	h.o.Reconfigure(&next)
	if _, ok := h.o.summaries.Get("t1"); ok {
		t.Error("summary survived a limit change")
	}
	if h.o.config().Chat.ContextSummary.MessageLimit != 4 {
		t.Error("configuration not swapped")
	}
}

func TestDoubledContextLength(t *testing.T) {
	for _, tt := range []struct{ in, want int }{{0, 32768}, {8192, 32768}, {16384, 32768}, {65536, 131072}} {
		if got := DoubledContextLength(tt.in); got != tt.want {
			t.Errorf("DoubledContextLength(%d) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestThreadUsageTotal(t *testing.T) {
	a := msg("a1", llm.RoleAssistant, "x")
	a.Metadata.Usage = &llm.Usage{InputTokens: 10, OutputTokens: 5}
	b := msg("a2", llm.RoleAssistant, "y")
	u := msg("u1", llm.RoleUser, "q")
	u.Metadata.Usage = &llm.Usage{InputTokens: 100}

	if got, ok := ThreadUsageTotal([]session.Message{u, a, b}); got != 15 || !ok {
		t.Errorf("ThreadUsageTotal = %d, %v, want 15, true", got, ok)
	}
	if _, ok := ThreadUsageTotal([]session.Message{u, b}); ok {
		t.Error("usage reported for a thread without any")
	}
}
