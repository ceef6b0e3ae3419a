package compliance

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"chatgate/internal/metrics"
)

type Checker interface {
	Check(ctx context.Context, content string) (Verdict, error)
}

type Store interface {
	SetCompliance(ctx context.Context, messageID int64, status string, detail string) (bool, error)
}

// Evaluator is what dispatchers run for each message.
type Evaluator interface {
	Evaluate(ctx context.Context, messageID int64, content string) error
}

type HookConfig struct {
	Checker Checker
	Store   Store
	Logger  zerolog.Logger
	Metrics *metrics.Metrics
}

// Hook classifies one message and records the verdict. Failures leave the
// message UNCHECKED; they are logged and counted here and never retried.
type Hook struct {
	checker Checker
	store   Store
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

func NewHook(cfg HookConfig) *Hook {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	return &Hook{checker: cfg.Checker, store: cfg.Store, logger: cfg.Logger, metrics: m}
}

func (h *Hook) Evaluate(ctx context.Context, messageID int64, content string) error {
	log := h.logger.With().Int64("message_id", messageID).Logger()

	v, err := h.checker.Check(ctx, content)
	if err != nil {
		if !errors.Is(err, ErrUnavailable) {
			err = fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		h.metrics.ComplianceResults.WithLabelValues("unavailable").Inc()
		log.Warn().Err(err).Msg("compliance check failed, message stays unchecked")
		return err
	}

	applied, err := h.store.SetCompliance(ctx, messageID, v.Result, string(v.Raw))
	if err != nil {
		h.metrics.ComplianceResults.WithLabelValues("store_error").Inc()
		log.Warn().Err(err).Msg("failed to store compliance verdict")
		return fmt.Errorf("store compliance verdict: %w", err)
	}
	if !applied {
		h.metrics.ComplianceResults.WithLabelValues("stale").Inc()
		log.Debug().Msg("message already evaluated or gone")
		return nil
	}

	h.metrics.ComplianceResults.WithLabelValues(v.Result).Inc()
	log.Debug().Str("result", v.Result).Str("risk_level", v.RiskLevel).Msg("compliance verdict stored")
	return nil
}
