package chat

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/samsaffron/llmchat/internal/provider"
)

// Remedy is the user's choice after a context window overflow.
type Remedy int

const (
	RemedyDecline Remedy = iota
	// RemedyIncreaseContext doubles the model's context length.
	RemedyIncreaseContext
	// RemedyContextShift lets the server drop the oldest tokens.
	RemedyContextShift
)

func (r Remedy) String() string {
	switch r {
	case RemedyIncreaseContext:
		return "increase context"
	case RemedyContextShift:
		return "enable context shift"
	}
	return "decline"
}

// MinContextLength is the context length assumed when none is configured.
const MinContextLength = 16384

// DoubledContextLength returns the context length to use after an overflow.
func DoubledContextLength(current int) int {
	return max(current, MinContextLength) * 2
}

// remediate asks for a remedy and applies it to s.ref. It returns cause when
// the user declines.
func (s *send) remediate(ctx context.Context, cause error) error {
	remedy, err := s.o.notifier.ChooseRemedy(ctx, s.thread.ID, cause)
	if err != nil {
		return err
	}
	if s.o.registry == nil {
		return cause
	}

	name, modelID := s.ref.Provider.Name, s.ref.Model.ID
	var updated provider.Provider
	switch remedy {
	case RemedyIncreaseContext:
		length := DoubledContextLength(provider.ContextLength(s.ref.Model))
		updated, err = s.o.registry.UpdateModelSetting(name, modelID, "ctx_len", length)
		s.logger.Info("increasing context length", "model", modelID, "ctx_len", length)
	case RemedyContextShift:
		updated, err = s.o.registry.UpdateProviderSetting(name, "ctx_shift", true)
		s.logger.Info("enabling context shift", "provider", name)
	default:
		return cause
	}
	if err != nil {
		if updated.Name == "" {
			return fmt.Errorf("apply %s: %w", remedy, err)
		}
		s.logger.Warn("setting applied but not saved", "provider", name, "err", err)
	}

	s.ref.Provider = updated
	if m, ok := updated.Model(modelID); ok {
		s.ref.Model = m
	}
	s.o.restartModel(ctx, s.ref, s.logger)

	client, err := s.o.registry.Client(name, modelID)
	if err != nil {
		return fmt.Errorf("reconnect %s: %w", s.ref, err)
	}
	s.ref.Client = client
	return nil
}

// restartModel reloads a model with its current settings. Failures are
// logged; the retried request surfaces any lasting problem.
func (o *Orchestrator) restartModel(ctx context.Context, ref ModelRef, logger *slog.Logger) {
	if o.lifecycle == nil {
		return
	}
	if err := o.lifecycle.StopAllModels(ctx); err != nil {
		logger.Warn("stop models failed", "err", err)
	}
	if err := o.lifecycle.StartModel(ctx, ref.Provider, ref.Model.ID); err != nil {
		logger.Warn("restart model failed", "model", ref.Model.ID, "err", err)
	}
	if _, err := o.lifecycle.ActiveModels(ctx); err != nil {
		logger.Warn("refresh active models failed", "err", err)
	}
}
