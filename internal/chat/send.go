package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/samsaffron/llmchat/internal/attachment"
	"github.com/samsaffron/llmchat/internal/config"
	"github.com/samsaffron/llmchat/internal/llm"
	"github.com/samsaffron/llmchat/internal/provider"
	"github.com/samsaffron/llmchat/internal/reasoning"
	"github.com/samsaffron/llmchat/internal/session"
	"github.com/samsaffron/llmchat/internal/tools"
)

const defaultInlineRatio = 0.75

// send is the state of one Send call.
type send struct {
	o      *Orchestrator
	cfg    *config.Config
	req    SendRequest
	thread *session.Thread
	ref    ModelRef
	logger *slog.Logger
	start  time.Time

	cont   *session.Message // Message being continued
	stored bool             // A message of this send reached the store
	turns  int
}

// turnOutput is what one model round trip produced.
type turnOutput struct {
	Text       string
	Reasoning  string
	ToolCalls  []llm.ToolCall
	Usage      *llm.Usage
	TokenSpeed float64
}

func (s *send) phase(p Phase) {
	s.o.notifier.Phase(s.thread.ID, p)
}

func (s *send) run(ctx context.Context) (*Result, error) {
	s.phase(PhasePreparing)
	ref, err := s.o.chatModel(s.cfg, s.thread, s.req)
	if err != nil {
		return nil, s.fail(ctx, err)
	}
	s.ref = ref
	s.logger = s.logger.With("model", ref.String())
	s.rememberModel(ctx)

	if s.req.ContinueFromID != "" {
		if s.cont, err = s.continuation(ctx); err != nil {
			return nil, s.fail(ctx, err)
		}
	}

	s.phase(PhaseAwaitingModel)
	if err := s.o.ensureModel(ctx, ref); err != nil {
		if ctx.Err() != nil {
			return s.stop(ctx, turnOutput{}, nil, true)
		}
		return nil, s.fail(ctx, err)
	}
	s.phase(PhasePreparing)

	stored, err := s.o.store.ListMessages(ctx, s.thread.ID)
	if err != nil {
		return nil, s.fail(ctx, fmt.Errorf("load messages: %w", err))
	}
	history := EligibleMessages(stored, s.req.ContinueFromID)
	fresh := len(history) == 0

	var tail llm.Message
	if s.cont != nil {
		tail = llm.AssistantText(reasoning.RemoveContent(s.cont.Text()))
	} else {
		user, err := s.userMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return s.stop(ctx, turnOutput{}, nil, true)
			}
			return nil, s.fail(ctx, err)
		}
		if err := s.o.store.AddMessage(ctx, user); err != nil {
			return nil, s.fail(ctx, fmt.Errorf("save message: %w", err))
		}
		s.stored = true
		tail = modelMessage(*user)
	}

	system, pairs, err := s.compact(ctx, BuildPairs(history))
	if err != nil {
		if ctx.Err() != nil {
			return s.stop(ctx, turnOutput{}, nil, true)
		}
		return nil, s.fail(ctx, err)
	}

	res, err := s.loop(ctx, buildMessages(system, FlattenPairs(pairs), tail))
	if err != nil {
		return nil, s.fail(ctx, err)
	}
	if !res.Stopped && s.cont == nil && fresh {
		res.Title = s.generateTitle(ctx, res.Message)
	}
	s.logger.Info("send finished",
		"turns", res.Turns,
		"stopped", res.Stopped,
		"elapsed_ms", time.Since(s.start).Milliseconds())
	return res, nil
}

// loop issues model turns until one ends without tool calls.
func (s *send) loop(ctx context.Context, messages []llm.Message) (*Result, error) {
	toolset := s.toolset()
	maxSteps := s.cfg.Chat.MaxToolSteps
	if maxSteps <= 0 {
		maxSteps = defaultMaxToolSteps
	}

	rounds := 0
	for {
		first := s.turns == 0
		var cont *session.Message
		seed := ""
		if first && s.cont != nil {
			cont = s.cont
			seed = s.cont.Text()
		}

		out, err := s.turn(ctx, messages, toolset, seed, cont)
		s.turns++
		if ctx.Err() != nil {
			return s.stop(ctx, out, nil, first)
		}
		if err != nil {
			return nil, err
		}

		if len(out.ToolCalls) == 0 {
			if reasoning.RemoveContent(out.Text) == "" && s.ref.partialPersistence() {
				s.stopModel(ctx)
				return nil, ErrNoResponse
			}
			s.phase(PhaseFinalizing)
			msg, err := s.finish(ctx, out, nil, first, session.StatusReady)
			if err != nil {
				return nil, err
			}
			s.o.notifier.Progress(PromptProgress{ThreadID: s.thread.ID, Done: true})
			s.touch(ctx)
			return &Result{Thread: s.thread, Message: msg, Turns: s.turns}, nil
		}

		if rounds >= maxSteps {
			return nil, fmt.Errorf("%w after %d rounds", ErrToolStepBudget, rounds)
		}
		rounds++

		s.phase(PhaseToolExecution)
		records, results, err := s.runTools(ctx, toolset, out.ToolCalls)
		if ctx.Err() != nil {
			return s.stop(ctx, out, records, first)
		}
		if err != nil {
			return nil, err
		}
		if _, err := s.finish(ctx, out, records, first, session.StatusReady); err != nil {
			return nil, err
		}
		visible := reasoning.RemoveContent(strings.TrimPrefix(out.Text, seed))
		messages = append(messages, llm.AssistantToolCalls(visible, out.ToolCalls))
		messages = append(messages, results...)
	}
}

// turn runs one model round trip, retrying after a context overflow when
// the user picks a remedy.
func (s *send) turn(ctx context.Context, messages []llm.Message, toolset *tools.Registry, seed string, cont *session.Message) (turnOutput, error) {
	for {
		state := NewStreamState(seed)
		out, err := s.complete(ctx, s.request(messages, toolset), state, cont)
		if err == nil || ctx.Err() != nil || !llm.IsContextExceeded(err) {
			return out, err
		}
		s.logger.Warn("context window exceeded", "err", err)
		if rerr := s.remediate(ctx, err); rerr != nil {
			return out, rerr
		}
	}
}

// complete sends req and accumulates the answer into state. On error the
// output gathered so far is returned with it.
func (s *send) complete(ctx context.Context, req llm.Request, state *StreamState, cont *session.Message) (turnOutput, error) {
	proc := reasoning.NewProcessor()
	var calls []llm.ToolCall
	output := func() turnOutput {
		// An unterminated block is already part of the reasoning.
		if rest := proc.Finalize(); rest != "" && !strings.HasPrefix(rest, reasoning.OpenTag) {
			state.AppendText(rest)
		}
		snap := state.Snapshot()
		return turnOutput{
			Text:       snap.Content,
			Reasoning:  proc.Reasoning(),
			ToolCalls:  calls,
			Usage:      state.Usage(),
			TokenSpeed: snap.TokenSpeed,
		}
	}

	stream := s.streaming()
	if stream {
		s.phase(PhaseStreaming)
	} else {
		s.phase(PhaseNonStreaming)
	}
	c, err := llm.SendCompletion(ctx, s.ref.Client, req, stream)
	if err != nil {
		return output(), err
	}

	if c.Kind == llm.CompletionComplete {
		resp := c.Response
		proc.ProcessReasoning(resp.Reasoning)
		state.AppendText(proc.ProcessChunk(resp.Text))
		state.SetUsage(resp.Usage)
		calls = resp.ToolCalls
		return output(), nil
	}

	defer c.Stream.Close()
	sched := NewScheduler(ctx, s.cfg.Chat.FrameInterval, s.flusher(ctx, state, cont))
	defer sched.Cancel()

	for {
		if err := ctx.Err(); err != nil {
			return output(), err
		}
		ev, err := c.Stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return output(), err
		}
		// Nothing received after a stop belongs to the answer.
		if err := ctx.Err(); err != nil {
			return output(), err
		}
		switch ev.Type {
		case llm.EventTextDelta:
			if visible := proc.ProcessChunk(ev.Text); visible != "" {
				state.AppendText(visible)
				sched.RequestFlush()
			} else {
				state.CountDelta()
			}
		case llm.EventReasoningDelta:
			proc.ProcessReasoning(ev.Text)
			state.CountDelta()
		case llm.EventToolCall:
			if ev.Tool != nil {
				calls = append(calls, *ev.Tool)
			}
		case llm.EventUsage:
			state.SetUsage(ev.Use)
		case llm.EventProgress:
			s.o.notifier.Progress(PromptProgress{ThreadID: s.thread.ID, Fraction: ev.Progress, Done: ev.Progress >= 1})
			if err := sleep(ctx, s.o.progressDelay); err != nil {
				return output(), err
			}
		case llm.EventRetry:
			s.logger.Info("provider retry", "attempt", ev.RetryAttempt, "max_attempts", ev.RetryMaxAttempts, "wait_s", ev.RetryWaitSecs)
			s.o.notifier.Toast(Toast{
				ID:    "retry-" + s.thread.ID,
				Level: ToastWarning,
				Title: fmt.Sprintf("Retrying request (%d/%d)", ev.RetryAttempt, ev.RetryMaxAttempts),
			})
		case llm.EventError:
			if ev.Err != nil {
				return output(), ev.Err
			}
		}
	}
	return output(), nil
}

// flusher pushes the streamed content to the notifier. While continuing a
// message the stored copy is kept current too.
func (s *send) flusher(ctx context.Context, state *StreamState, cont *session.Message) func() {
	return func() {
		snap := state.Snapshot()
		u := Update{ThreadID: s.thread.ID, Content: snap.Content, TokenSpeed: snap.TokenSpeed, Tokens: snap.Tokens}
		if cont != nil {
			m := *cont
			m.SetText(snap.Content)
			m.Status = session.StatusStopped
			if err := s.o.store.UpdateMessage(ctx, &m); err != nil {
				s.logger.Debug("update continued message failed", "err", err)
			}
			u.MessageID = cont.ID
		}
		s.o.notifier.Update(u)
	}
}

// finish persists a turn's answer. The first turn of a continuation updates
// the continued message instead of adding one.
func (s *send) finish(ctx context.Context, out turnOutput, records []session.ToolCallRecord, first bool, status session.MessageStatus) (*session.Message, error) {
	meta := session.MessageMetadata{
		Usage:      out.Usage,
		TokenSpeed: out.TokenSpeed,
		Assistant:  s.cfg.Chat.Assistant,
		ModelID:    s.ref.Model.ID,
		Provider:   s.ref.Provider.Name,
		ToolCalls:  records,
	}

	if first && s.cont != nil {
		m := *s.cont
		prior := messageReasoning(s.cont)
		m.SetText(out.Text)
		m.Parts[0].ReasoningContent = joinNonEmpty("\n", prior, out.Reasoning)
		m.Status = status
		m.Metadata = meta
		if err := s.o.store.UpdateMessage(ctx, &m); err != nil {
			return nil, fmt.Errorf("update message: %w", err)
		}
		return &m, nil
	}

	m := session.NewMessage(s.thread.ID, llm.Message{
		Role:  llm.RoleAssistant,
		Parts: []llm.Part{{Type: llm.PartText, Text: out.Text, ReasoningContent: out.Reasoning}},
	})
	m.Status = status
	m.Metadata = meta
	if err := s.o.store.AddMessage(ctx, m); err != nil {
		return nil, fmt.Errorf("save message: %w", err)
	}
	s.stored = true
	return m, nil
}

// stop ends a cancelled send. Providers with partial persistence keep the
// text produced so far as a stopped message.
func (s *send) stop(ctx context.Context, out turnOutput, records []session.ToolCallRecord, first bool) (*Result, error) {
	s.phase(PhaseAborted)
	ctx = context.WithoutCancel(ctx)
	res := &Result{Thread: s.thread, Stopped: true, Turns: s.turns}
	if s.ref.partialPersistence() && strings.TrimSpace(out.Text) != "" {
		msg, err := s.finish(ctx, out, records, first, session.StatusStopped)
		if err != nil {
			s.logger.Warn("save partial answer failed", "err", err)
		} else {
			res.Message = msg
		}
	}
	s.o.notifier.Progress(PromptProgress{ThreadID: s.thread.ID, Done: true})
	s.touch(ctx)
	s.logger.Info("send stopped", "turns", s.turns, "saved", res.Message != nil)
	return res, nil
}

// fail records err on the thread once the send has left a trace there.
func (s *send) fail(ctx context.Context, err error) error {
	s.phase(PhaseError)
	s.o.notifier.Progress(PromptProgress{ThreadID: s.thread.ID, Done: true})
	s.logger.Error("send failed", "err", err)
	if !s.stored && s.cont == nil {
		return err
	}

	ctx = context.WithoutCancel(ctx)
	m := session.NewMessage(s.thread.ID, llm.Message{Role: llm.RoleAssistant})
	m.Status = session.StatusError
	m.Metadata = session.MessageMetadata{
		Error:     err.Error(),
		Assistant: s.cfg.Chat.Assistant,
		ModelID:   s.ref.Model.ID,
		Provider:  s.ref.Provider.Name,
	}
	if aerr := s.o.store.AddMessage(ctx, m); aerr != nil {
		s.logger.Warn("save error message failed", "err", aerr)
	}
	s.touch(ctx)
	return err
}

func (s *send) touch(ctx context.Context) {
	if err := s.o.store.TouchThread(ctx, s.thread.ID); err != nil {
		s.logger.Debug("touch thread failed", "err", err)
	}
}

func (s *send) stopModel(ctx context.Context) {
	if s.o.lifecycle == nil {
		return
	}
	if err := s.o.lifecycle.StopModel(ctx, s.ref.Model.ID, s.ref.Provider.Name); err != nil {
		s.logger.Warn("stop model failed", "err", err)
	}
	if _, err := s.o.lifecycle.ActiveModels(ctx); err != nil {
		s.logger.Debug("refresh active models failed", "err", err)
	}
}

// rememberModel records the answering model on the thread.
func (s *send) rememberModel(ctx context.Context) {
	if s.thread.Provider == s.ref.Provider.Name && s.thread.Model == s.ref.Model.ID {
		return
	}
	s.thread.Provider = s.ref.Provider.Name
	s.thread.Model = s.ref.Model.ID
	if err := s.o.store.UpdateThread(ctx, s.thread); err != nil {
		s.logger.Warn("update thread model failed", "err", err)
	}
}

func (s *send) continuation(ctx context.Context) (*session.Message, error) {
	m, err := s.o.store.GetMessage(ctx, s.req.ContinueFromID)
	if err != nil {
		return nil, fmt.Errorf("load message %s: %w", s.req.ContinueFromID, err)
	}
	if m == nil || m.ThreadID != s.thread.ID || m.Role != llm.RoleAssistant {
		return nil, fmt.Errorf("%w: %s", ErrBadContinue, s.req.ContinueFromID)
	}
	return m, nil
}

// userMessage builds the new user message, sorting attachments into images,
// inlined files and documents for the search tool.
func (s *send) userMessage(ctx context.Context) (*session.Message, error) {
	m := session.NewMessage(s.thread.ID, llm.UserText(s.req.Text))
	if len(s.req.Attachments) == 0 {
		return m, nil
	}

	ratio := s.cfg.Attachments.AutoInlineContextRatio
	if ratio <= 0 {
		ratio = defaultInlineRatio
	}
	threshold := int(math.Floor(float64(provider.ContextLength(s.ref.Model)) * ratio))
	proc := attachment.Processor{Count: s.countTokens, ChunkSize: s.cfg.Attachments.ChunkSize, Logger: s.logger}
	res, err := proc.Process(ctx, s.req.Attachments, threshold)
	if err != nil {
		return nil, fmt.Errorf("process attachments: %w", err)
	}

	for _, img := range res.Images {
		m.Parts = append(m.Parts, llm.Part{Type: llm.PartImage, ImageURL: img.DataURL})
	}
	for _, f := range res.Inline {
		m.Metadata.InlineFiles = append(m.Metadata.InlineFiles, session.InlineFile{Name: f.Name, Content: f.Content})
	}
	if len(res.Documents) > 0 {
		if err := s.o.store.AddDocuments(ctx, s.thread.ID, res.Documents); err != nil {
			return nil, fmt.Errorf("store documents: %w", err)
		}
		if !s.thread.Metadata.HasDocuments {
			s.thread.Metadata.HasDocuments = true
			if err := s.o.store.UpdateThread(ctx, s.thread); err != nil {
				return nil, fmt.Errorf("update thread: %w", err)
			}
		}
		s.logger.Info("attachments embedded", "files", len(res.Embedded), "chunks", len(res.Documents))
	}
	return m, nil
}

func (s *send) countTokens(ctx context.Context, text string) (int, error) {
	if s.o.lifecycle == nil {
		return provider.EstimateTokens(text), nil
	}
	return s.o.lifecycle.TokenCount(ctx, s.ref.Model.ID, []llm.Message{llm.UserText(text)})
}

// compact folds older pairs into a summary when summaries are enabled.
func (s *send) compact(ctx context.Context, pairs []Pair) (string, []Pair, error) {
	system := s.cfg.Chat.SystemPrompt
	sc := s.cfg.Chat.ContextSummary
	if !sc.Enabled {
		return system, pairs, nil
	}
	target := SummaryTargetCount(len(pairs), sc.Limit())
	if target == 0 {
		return system, pairs, nil
	}

	entry, _ := s.o.summaries.Get(s.thread.ID)
	if entry.SummarizedCount < target {
		ref := resolveAuxiliary(s.o.registry, s.cfg.Chat.AuxiliaryModels.ContextSummary, s.ref)
		toastID := "context-summary-" + s.thread.ID
		s.o.notifier.Toast(Toast{ID: toastID, Level: ToastLoading, Title: "Summarizing earlier messages"})
		text, err := s.o.summarizer.Summarize(ctx, ref, FlattenPairs(pairs[:target]))
		s.o.notifier.Toast(Toast{ID: toastID, Dismiss: true})
		if err != nil {
			s.o.notifier.Toast(Toast{ID: toastID, Level: ToastError, Title: "Context summary failed", Description: err.Error()})
			return "", nil, err
		}
		entry = SummaryEntry{SummarizedCount: target, SummaryText: text}
		s.o.summaries.Set(s.thread.ID, entry)
		s.logger.Info("conversation summarized", "pairs", target, "summary_model", ref.String())
	}
	if entry.SummaryText == "" {
		return system, pairs, nil
	}
	return withSummary(system, entry.SummaryText), pairs[target:], nil
}

func (s *send) generateTitle(ctx context.Context, answer *session.Message) string {
	ref := resolveAuxiliary(s.o.registry, s.cfg.Chat.AuxiliaryModels.ThreadTitle, s.ref)
	title, err := s.o.titles.Generate(ctx, ref, TitleInput{User: s.req.Text, Assistant: answer.Text()})
	if err == nil {
		err = s.o.store.RenameThread(ctx, s.thread.ID, title)
	}
	if err != nil {
		s.logger.Warn("thread title not generated", "err", err)
		s.o.notifier.Toast(Toast{
			ID:          "thread-title-" + s.thread.ID,
			Level:       ToastWarning,
			Title:       "Could not name thread",
			Description: err.Error(),
		})
		return ""
	}
	s.thread.Title = title
	return title
}

func (s *send) toolset() *tools.Registry {
	if !s.ref.Model.Has(provider.CapTools) {
		return nil
	}
	reg := tools.NewRegistry(s.o.tools...)
	if s.thread.Metadata.HasDocuments {
		reg.Register(tools.NewSearchDocumentsTool(s.o.store, s.thread.ID))
	}
	return reg
}

func (s *send) request(messages []llm.Message, toolset *tools.Registry) llm.Request {
	req := llm.Request{
		Model:     s.ref.Model.ID,
		Messages:  messages,
		Reasoning: s.reasoningFlag(),
		Params:    modelParams(s.ref.Model),
		Debug:     s.logger.Enabled(context.Background(), slog.LevelDebug),
	}
	if toolset != nil && toolset.Len() > 0 {
		req.Tools = toolset.Specs()
	}
	return req
}

// reasoningFlag returns the model's reasoning setting, falling back to the
// configured default for models that can reason.
func (s *send) reasoningFlag() *bool {
	if s.ref.Model.Reasoning != nil {
		return llm.Bool(*s.ref.Model.Reasoning)
	}
	if s.ref.Model.Has(provider.CapReasoning) {
		return llm.Bool(s.cfg.Reasoning.Default)
	}
	return nil
}

func (s *send) streaming() bool {
	return s.cfg.Chat.Stream && !settingDisabled(s.ref.Model.Settings, "stream")
}

// buildMessages orders a request: system instruction, history, then the new
// message.
func buildMessages(system string, history []session.Message, tail llm.Message) []llm.Message {
	out := make([]llm.Message, 0, len(history)+2)
	if strings.TrimSpace(system) != "" {
		out = append(out, llm.SystemText(system))
	}
	for _, m := range history {
		out = append(out, modelMessage(m))
	}
	return append(out, tail)
}

// modelMessage converts a stored message for the model. Inline files join
// the user text; assistant answers are sent as text without reasoning.
func modelMessage(m session.Message) llm.Message {
	switch m.Role {
	case llm.RoleUser:
		parts := slices.Clone(m.Parts)
		for _, f := range m.Metadata.InlineFiles {
			parts = append(parts, llm.Part{Type: llm.PartText, Text: inlineFileText(f)})
		}
		return llm.Message{Role: llm.RoleUser, Parts: parts}
	case llm.RoleAssistant:
		return llm.AssistantText(reasoning.RemoveContent(m.Text()))
	}
	return m.ToLLMMessage()
}

func messageReasoning(m *session.Message) string {
	var parts []string
	for _, p := range m.Parts {
		if p.ReasoningContent != "" {
			parts = append(parts, p.ReasoningContent)
		}
	}
	return strings.Join(parts, "\n")
}

func joinNonEmpty(sep string, values ...string) string {
	var out []string
	for _, v := range values {
		if v != "" {
			out = append(out, v)
		}
	}
	return strings.Join(out, sep)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
