package worker

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"chatgate/internal/compliance"
	"chatgate/internal/metrics"
	"chatgate/internal/queue"
)

// Worker consumes compliance jobs from the redis stream. Every job is acked
// once evaluated, successful or not; evaluation is best-effort.
type Worker struct {
	queue       *queue.StreamQueue
	hook        compliance.Evaluator
	evalTimeout time.Duration
	logger      zerolog.Logger
	metrics     *metrics.Metrics
}

type Config struct {
	Queue       *queue.StreamQueue
	Hook        compliance.Evaluator
	EvalTimeout time.Duration
	Logger      zerolog.Logger
	Metrics     *metrics.Metrics
}

func New(cfg Config) *Worker {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	if cfg.EvalTimeout <= 0 {
		cfg.EvalTimeout = 30 * time.Second
	}
	return &Worker{
		queue:       cfg.Queue,
		hook:        cfg.Hook,
		evalTimeout: cfg.EvalTimeout,
		logger:      cfg.Logger,
		metrics:     m,
	}
}

func (w *Worker) Start(ctx context.Context, concurrency int) error {
	if err := w.queue.EnsureGroup(ctx); err != nil {
		return err
	}
	if concurrency < 1 {
		concurrency = 1
	}

	w.logger.Info().Str("consumer", w.queue.Consumer()).Int("concurrency", concurrency).Msg("compliance worker started")

	wg := sync.WaitGroup{}
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			w.consumeLoop(ctx, slot)
		}(i)
	}

	<-ctx.Done()
	wg.Wait()
	return nil
}

func (w *Worker) consumeLoop(ctx context.Context, slot int) {
	log := w.logger.With().Int("slot", slot).Logger()
	for {
		if err := ctx.Err(); err != nil {
			return
		}

		messages, err := w.queue.Read(ctx, 1)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error().Err(err).Msg("failed to read queue")
			time.Sleep(1 * time.Second)
			continue
		}

		for _, msg := range messages {
			w.process(ctx, msg.Job)
			w.metrics.ProcessedJobs.Inc()
			if ackErr := w.queue.Ack(context.WithoutCancel(ctx), msg.ID); ackErr != nil {
				log.Error().Err(ackErr).Str("msg_id", msg.ID).Msg("failed to ack message")
			}
		}
	}
}

func (w *Worker) process(ctx context.Context, job queue.ComplianceJob) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error().Str("job_id", job.JobID).Interface("panic", r).Msg("compliance job panicked")
		}
	}()

	evalCtx, cancel := context.WithTimeout(ctx, w.evalTimeout)
	defer cancel()
	// the hook logs and counts its own failures
	_ = w.hook.Evaluate(evalCtx, job.MessageID, job.Content)
}
