package compliance

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"chatgate/internal/metrics"
	"chatgate/internal/queue"
)

// Dispatcher schedules an evaluation without waiting for it.
type Dispatcher interface {
	Dispatch(ctx context.Context, messageID int64, content string)
	Close(ctx context.Context) error
}

type GoDispatcherConfig struct {
	Hook        Evaluator
	Timeout     time.Duration
	MaxInFlight int
	Logger      zerolog.Logger
	Metrics     *metrics.Metrics
}

// GoDispatcher runs each evaluation on its own goroutine with a context that
// is detached from the caller's request.
type GoDispatcher struct {
	hook    Evaluator
	timeout time.Duration
	sem     chan struct{}
	logger  zerolog.Logger
	metrics *metrics.Metrics

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func NewGoDispatcher(cfg GoDispatcherConfig) *GoDispatcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = 64
	}
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	return &GoDispatcher{
		hook:    cfg.Hook,
		timeout: cfg.Timeout,
		sem:     make(chan struct{}, cfg.MaxInFlight),
		logger:  cfg.Logger,
		metrics: m,
	}
}

func (d *GoDispatcher) Dispatch(_ context.Context, messageID int64, content string) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		d.drop(messageID, "dispatcher closed")
		return
	}
	select {
	case d.sem <- struct{}{}:
	default:
		d.mu.Unlock()
		d.drop(messageID, "too many evaluations in flight")
		return
	}
	d.wg.Add(1)
	d.mu.Unlock()

	go func() {
		defer d.wg.Done()
		defer func() { <-d.sem }()
		defer func() {
			if r := recover(); r != nil {
				d.logger.Error().Int64("message_id", messageID).Interface("panic", r).Msg("compliance evaluation panicked")
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		defer cancel()
		_ = d.hook.Evaluate(ctx, messageID, content)
	}()
}

// Close stops accepting work and waits for running evaluations or ctx.
func (d *GoDispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	return waitCtx(ctx, &d.wg, "compliance evaluations")
}

func (d *GoDispatcher) drop(messageID int64, reason string) {
	d.metrics.ComplianceDropped.Inc()
	d.logger.Warn().Int64("message_id", messageID).Str("reason", reason).Msg("compliance evaluation dropped")
}

type StreamDispatcherConfig struct {
	Queue   *queue.StreamQueue
	Timeout time.Duration
	Logger  zerolog.Logger
	Metrics *metrics.Metrics
}

// StreamDispatcher hands evaluations to the worker process through a redis
// stream. The XADD runs off the request path, bounded by Timeout.
type StreamDispatcher struct {
	queue   *queue.StreamQueue
	timeout time.Duration
	logger  zerolog.Logger
	metrics *metrics.Metrics

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func NewStreamDispatcher(cfg StreamDispatcherConfig) *StreamDispatcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	return &StreamDispatcher{queue: cfg.Queue, timeout: cfg.Timeout, logger: cfg.Logger, metrics: m}
}

func (d *StreamDispatcher) Dispatch(_ context.Context, messageID int64, content string) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		d.metrics.ComplianceDropped.Inc()
		d.logger.Warn().Int64("message_id", messageID).Msg("compliance job dropped: dispatcher closed")
		return
	}
	d.wg.Add(1)
	d.mu.Unlock()

	go func() {
		defer d.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		defer cancel()

		if _, err := d.queue.Enqueue(ctx, queue.ComplianceJob{MessageID: messageID, Content: content}); err != nil {
			d.metrics.ComplianceDropped.Inc()
			d.logger.Warn().Err(err).Int64("message_id", messageID).Msg("failed to enqueue compliance job")
			return
		}
		d.metrics.EnqueuedJobs.Inc()
	}()
}

// Close stops accepting jobs and waits for pending enqueues or ctx.
func (d *StreamDispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	return waitCtx(ctx, &d.wg, "compliance enqueues")
}

func waitCtx(ctx context.Context, wg *sync.WaitGroup, what string) error {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for %s: %w", what, ctx.Err())
	}
}
