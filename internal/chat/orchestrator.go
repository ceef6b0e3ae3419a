package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"chatgate/internal/compliance"
	"chatgate/internal/metrics"
	"chatgate/internal/providers"
	"chatgate/internal/quota"
	"chatgate/internal/secrets"
	"chatgate/internal/storage"
	"chatgate/internal/tokencount"
)

const defaultHistoryWindow = 10

type ProviderClient interface {
	Chat(ctx context.Context, pc providers.Config, messages []providers.Message) (string, error)
}

type Config struct {
	Store      *storage.Store
	Quota      *quota.Manager
	Providers  ProviderClient
	Sealer     *secrets.Sealer
	Dispatcher compliance.Dispatcher
	Tokens     *tokencount.Counter
	// HistoryWindow is the number of prior messages sent as context.
	HistoryWindow int
	Logger        zerolog.Logger
	Metrics       *metrics.Metrics
	Now           func() time.Time
}

type Orchestrator struct {
	store      *storage.Store
	quota      *quota.Manager
	providers  ProviderClient
	sealer     *secrets.Sealer
	dispatcher compliance.Dispatcher
	tokens     *tokencount.Counter
	window     int
	logger     zerolog.Logger
	metrics    *metrics.Metrics
	now        func() time.Time
	locks      *keyedMutex
}

type SendRequest struct {
	UserID           int64
	ProviderConfigID int64
	SessionID        *int64
	Content          string
	SessionTitle     string
	SystemPrompt     string
}

type SendResult struct {
	SessionID      int64  `json:"session_id"`
	MessageID      int64  `json:"message_id"`
	Content        string `json:"content"`
	ResponseTimeMs int64  `json:"response_time_ms"`
	QuotaUsed      int    `json:"quota_used"`
	QuotaLimit     int    `json:"quota_limit"`
}

func New(cfg Config) *Orchestrator {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	if cfg.HistoryWindow <= 0 {
		cfg.HistoryWindow = defaultHistoryWindow
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Orchestrator{
		store:      cfg.Store,
		quota:      cfg.Quota,
		providers:  cfg.Providers,
		sealer:     cfg.Sealer,
		dispatcher: cfg.Dispatcher,
		tokens:     cfg.Tokens,
		window:     cfg.HistoryWindow,
		logger:     cfg.Logger,
		metrics:    m,
		now:        cfg.Now,
		locks:      newKeyedMutex(),
	}
}

// SendMessage runs one conversational exchange. Validation, quota and session
// errors are returned before anything is written. Provider failures are
// returned after the failed attempt has been recorded, and do not count
// against the quota.
func (o *Orchestrator) SendMessage(ctx context.Context, req SendRequest) (SendResult, error) {
	res, outcome, err := o.sendMessage(ctx, req)
	o.metrics.ChatRequests.WithLabelValues(outcome).Inc()
	return res, err
}

func (o *Orchestrator) sendMessage(ctx context.Context, req SendRequest) (SendResult, string, error) {
	if strings.TrimSpace(req.Content) == "" {
		return SendResult{}, "invalid", ErrEmptyContent
	}

	pc, err := o.resolveProvider(ctx, req.ProviderConfigID)
	if err != nil {
		if errors.Is(err, ErrInvalidProvider) {
			return SendResult{}, "invalid", err
		}
		return SendResult{}, "error", err
	}

	reservation, err := o.quota.CheckAndConsume(ctx, req.UserID)
	if err != nil {
		if errors.Is(err, quota.ErrExceeded) {
			o.metrics.QuotaRejected.Inc()
			return SendResult{}, "quota_exceeded", err
		}
		return SendResult{}, "error", fmt.Errorf("check quota: %w", err)
	}
	charged := false
	defer func() {
		if charged {
			return
		}
		if err := o.quota.Refund(context.WithoutCancel(ctx), reservation); err != nil {
			o.logger.Error().Err(err).Int64("user_id", req.UserID).Msg("failed to refund quota")
		}
	}()

	sess, err := o.resolveSession(ctx, req)
	if err != nil {
		if errors.Is(err, ErrSessionForbidden) {
			return SendResult{}, "forbidden", err
		}
		return SendResult{}, "error", err
	}

	unlock := o.locks.Lock(sess.ID)
	defer unlock()

	// a delete queued on the same lock may have removed the session
	sess, err = o.ownedSession(ctx, req.UserID, sess.ID)
	if err != nil {
		if errors.Is(err, ErrSessionForbidden) {
			return SendResult{}, "forbidden", err
		}
		return SendResult{}, "error", err
	}

	log := o.logger.With().Int64("session_id", sess.ID).Int64("user_id", req.UserID).Str("family", string(pc.Family)).Logger()

	userMsg, err := o.store.InsertMessage(ctx, storage.Message{
		SessionID:        sess.ID,
		UserID:           req.UserID,
		ProviderConfigID: req.ProviderConfigID,
		Role:             providers.RoleUser,
		Content:          req.Content,
		TokenCount:       o.tokens.Count(req.Content),
		CreatedAt:        o.now(),
	})
	if err != nil {
		return SendResult{}, "error", fmt.Errorf("persist user message: %w", err)
	}
	o.dispatch(ctx, userMsg)

	history, err := o.buildHistory(ctx, sess, userMsg)
	if err != nil {
		return SendResult{}, "error", err
	}

	start := time.Now()
	reply, callErr := o.providers.Chat(ctx, pc, history)
	elapsed := time.Since(start)
	elapsedMs := elapsed.Milliseconds()
	o.metrics.ProviderLatency.WithLabelValues(string(pc.Family)).Observe(elapsed.Seconds())

	if callErr != nil {
		o.metrics.ProviderErrors.WithLabelValues(string(pc.Family)).Inc()
		log.Warn().Err(callErr).Int64("response_time_ms", elapsedMs).Msg("provider call failed")

		errText := callErr.Error()
		// the caller may already be gone; the failed attempt is still recorded
		if _, err := o.store.InsertMessage(context.WithoutCancel(ctx), storage.Message{
			SessionID:        sess.ID,
			UserID:           req.UserID,
			ProviderConfigID: req.ProviderConfigID,
			Role:             providers.RoleAssistant,
			Content:          ApologyText,
			ResponseTimeMs:   &elapsedMs,
			ErrorText:        &errText,
			CreatedAt:        o.now(),
		}); err != nil {
			log.Error().Err(err).Msg("failed to persist failed assistant message")
		}
		return SendResult{}, "provider_error", fmt.Errorf("call provider: %w", callErr)
	}

	asst, err := o.store.InsertMessage(ctx, storage.Message{
		SessionID:        sess.ID,
		UserID:           req.UserID,
		ProviderConfigID: req.ProviderConfigID,
		Role:             providers.RoleAssistant,
		Content:          reply,
		TokenCount:       o.tokens.Count(reply),
		ResponseTimeMs:   &elapsedMs,
		CreatedAt:        o.now(),
	})
	if err != nil {
		return SendResult{}, "error", fmt.Errorf("persist assistant message: %w", err)
	}

	if err := o.store.TouchSession(ctx, sess.ID, 2, o.now()); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return SendResult{}, "forbidden", ErrSessionForbidden
		}
		log.Error().Err(err).Msg("failed to update session counters")
	}
	charged = true
	o.dispatch(ctx, asst)

	log.Info().Int64("message_id", asst.ID).Int64("response_time_ms", elapsedMs).Msg("chat exchange completed")

	return SendResult{
		SessionID:      sess.ID,
		MessageID:      asst.ID,
		Content:        reply,
		ResponseTimeMs: elapsedMs,
		QuotaUsed:      reservation.Used,
		QuotaLimit:     reservation.Limit,
	}, "success", nil
}

func (o *Orchestrator) resolveProvider(ctx context.Context, id int64) (providers.Config, error) {
	p, err := o.store.GetProviderConfig(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return providers.Config{}, fmt.Errorf("%w: id %d", ErrInvalidProvider, id)
		}
		return providers.Config{}, fmt.Errorf("load provider config: %w", err)
	}
	if !p.Enabled {
		return providers.Config{}, fmt.Errorf("%w: %s is disabled", ErrInvalidProvider, p.Name)
	}

	apiKey, err := o.sealer.OpenOptional(p.EncAPIKey)
	if err != nil {
		return providers.Config{}, fmt.Errorf("open provider credential: %w", err)
	}

	return providers.Config{
		Family:      providers.ParseFamily(p.Family),
		Endpoint:    p.Endpoint,
		Model:       p.Model,
		APIKey:      apiKey,
		MaxTokens:   p.MaxTokens,
		Temperature: p.Temperature,
		Timeout:     time.Duration(p.TimeoutSeconds) * time.Second,
	}, nil
}

func (o *Orchestrator) resolveSession(ctx context.Context, req SendRequest) (storage.Session, error) {
	if req.SessionID != nil {
		return o.ownedSession(ctx, req.UserID, *req.SessionID)
	}

	now := o.now()
	title := strings.TrimSpace(req.SessionTitle)
	if title == "" {
		title = "Session - " + now.Format("2006-01-02 15:04:05")
	}
	var systemPrompt *string
	if sp := strings.TrimSpace(req.SystemPrompt); sp != "" {
		systemPrompt = &sp
	}

	sess, err := o.store.CreateSession(ctx, storage.Session{
		UserID:           req.UserID,
		ProviderConfigID: req.ProviderConfigID,
		Title:            title,
		SystemPrompt:     systemPrompt,
		CreatedAt:        now,
	})
	if err != nil {
		return storage.Session{}, fmt.Errorf("create session: %w", err)
	}
	return sess, nil
}

func (o *Orchestrator) ownedSession(ctx context.Context, userID, sessionID int64) (storage.Session, error) {
	sess, err := o.store.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return storage.Session{}, ErrSessionForbidden
		}
		return storage.Session{}, fmt.Errorf("load session: %w", err)
	}
	if sess.UserID != userID {
		return storage.Session{}, ErrSessionForbidden
	}
	return sess, nil
}

// buildHistory returns the context for the provider: the session instruction,
// the latest error-free messages before userMsg in order, then userMsg.
func (o *Orchestrator) buildHistory(ctx context.Context, sess storage.Session, userMsg storage.Message) ([]providers.Message, error) {
	prior, err := o.store.RecentMessages(ctx, sess.ID, userMsg.ID, o.window)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}

	out := make([]providers.Message, 0, len(prior)+2)
	if sess.SystemPrompt != nil && strings.TrimSpace(*sess.SystemPrompt) != "" {
		out = append(out, providers.Message{Role: providers.RoleSystem, Content: *sess.SystemPrompt})
	}
	for _, m := range prior {
		out = append(out, providers.Message{Role: m.Role, Content: m.Content})
	}
	out = append(out, providers.Message{Role: providers.RoleUser, Content: userMsg.Content})
	return out, nil
}

func (o *Orchestrator) dispatch(ctx context.Context, m storage.Message) {
	if o.dispatcher == nil {
		return
	}
	o.dispatcher.Dispatch(ctx, m.ID, m.Content)
}
