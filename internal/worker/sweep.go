package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"chatgate/internal/compliance"
	"chatgate/internal/metrics"
	"chatgate/internal/storage"
)

type UncheckedSource interface {
	UncheckedMessages(ctx context.Context, f storage.UncheckedFilter) ([]storage.Message, error)
}

type SweeperConfig struct {
	Store       UncheckedSource
	Hook        compliance.Evaluator
	Interval    time.Duration
	MinAge      time.Duration
	BatchSize   int
	EvalTimeout time.Duration
	Logger      zerolog.Logger
	Metrics     *metrics.Metrics
	Now         func() time.Time
}

// Sweeper re-evaluates messages left UNCHECKED by a failed or dropped
// compliance check.
type Sweeper struct {
	store       UncheckedSource
	hook        compliance.Evaluator
	interval    time.Duration
	minAge      time.Duration
	batch       int
	evalTimeout time.Duration
	logger      zerolog.Logger
	metrics     *metrics.Metrics
	now         func() time.Time
}

// SweepResult summarizes one pass.
type SweepResult struct {
	Scanned   int  `json:"scanned"`
	Evaluated int  `json:"evaluated"`
	Failed    int  `json:"failed"`
	Aborted   bool `json:"aborted"`
}

func NewSweeper(cfg SweeperConfig) *Sweeper {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.EvalTimeout <= 0 {
		cfg.EvalTimeout = 30 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Sweeper{
		store:       cfg.Store,
		hook:        cfg.Hook,
		interval:    cfg.Interval,
		minAge:      cfg.MinAge,
		batch:       cfg.BatchSize,
		evalTimeout: cfg.EvalTimeout,
		logger:      cfg.Logger,
		metrics:     m,
		now:         cfg.Now,
	}
}

// Run sweeps every Interval until ctx is done. A zero Interval disables it.
func (s *Sweeper) Run(ctx context.Context) {
	if s.interval <= 0 {
		return
	}
	s.logger.Info().Dur("interval", s.interval).Dur("min_age", s.minAge).Msg("compliance sweeper started")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		res, err := s.Sweep(ctx, 0)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Error().Err(err).Msg("compliance sweep failed")
			continue
		}
		if res.Scanned > 0 {
			s.logger.Info().Int("scanned", res.Scanned).Int("evaluated", res.Evaluated).Int("failed", res.Failed).Bool("aborted", res.Aborted).Msg("compliance sweep finished")
		}
	}
}

// Sweep evaluates UNCHECKED messages older than MinAge, for one user or for
// everyone when userID is 0. The pass stops early once the classifier is
// unreachable; the remaining messages wait for the next pass.
func (s *Sweeper) Sweep(ctx context.Context, userID int64) (SweepResult, error) {
	var res SweepResult
	before := s.now().Add(-s.minAge)
	var after int64
	for {
		page, err := s.store.UncheckedMessages(ctx, storage.UncheckedFilter{
			UserID:        userID,
			AfterID:       after,
			CreatedBefore: before,
			Limit:         s.batch,
		})
		if err != nil {
			return res, fmt.Errorf("load unchecked messages: %w", err)
		}
		for _, m := range page {
			if err := ctx.Err(); err != nil {
				return res, err
			}
			res.Scanned++
			after = m.ID
			if err := s.evaluate(ctx, m); err != nil {
				res.Failed++
				if errors.Is(err, compliance.ErrUnavailable) {
					res.Aborted = true
					return res, nil
				}
				continue
			}
			res.Evaluated++
		}
		if len(page) < s.batch {
			return res, nil
		}
	}
}

func (s *Sweeper) evaluate(ctx context.Context, m storage.Message) error {
	evalCtx, cancel := context.WithTimeout(ctx, s.evalTimeout)
	defer cancel()
	err := s.hook.Evaluate(evalCtx, m.ID, m.Content)
	s.metrics.SweptMessages.Inc()
	return err
}
