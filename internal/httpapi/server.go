package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/rs/zerolog"

	"chatgate/internal/attachments"
	"chatgate/internal/chat"
	"chatgate/internal/metrics"
	"chatgate/internal/providers"
	"chatgate/internal/quota"
	"chatgate/internal/storage"
	"chatgate/internal/worker"
)

// Chat is the orchestrator surface served over HTTP.
type Chat interface {
	SendMessage(ctx context.Context, req chat.SendRequest) (chat.SendResult, error)
	GetSessionHistory(ctx context.Context, userID, sessionID int64) (chat.History, error)
	ListSessions(ctx context.Context, userID int64) ([]storage.Session, error)
	DeleteSession(ctx context.Context, userID, sessionID int64) (bool, error)
	ArchiveSession(ctx context.Context, userID, sessionID int64) error
	Usage(ctx context.Context, userID int64) (quota.Usage, error)
}

// Rechecker re-evaluates UNCHECKED messages of one user, or all users for 0.
type Rechecker interface {
	Sweep(ctx context.Context, userID int64) (worker.SweepResult, error)
}

type Config struct {
	Chat        Chat
	Recheck     Rechecker
	JWTSecret   string
	RateLimiter RateLimiter
	Logger      zerolog.Logger
	Metrics     *metrics.Metrics
}

type Server struct {
	chat    Chat
	recheck Rechecker
	secret  string
	limiter RateLimiter
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

func New(cfg Config) *Server {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	return &Server{chat: cfg.Chat, recheck: cfg.Recheck, secret: cfg.JWTSecret, limiter: cfg.RateLimiter, logger: cfg.Logger, metrics: m}
}

// Register wires the chat routes onto mux behind auth, capability and rate checks.
func (s *Server) Register(mux *http.ServeMux) {
	protect := func(h http.HandlerFunc, caps ...string) http.Handler {
		return chain(h,
			Authenticate(s.secret),
			RequireCapabilities(caps...),
			RateLimit(s.limiter, s.logger, s.metrics),
		)
	}

	mux.Handle("POST /chat/send", protect(s.send, CapAPIUse))
	mux.Handle("GET /chat/sessions", protect(s.listSessions, CapAPIUse))
	mux.Handle("GET /chat/session/{id}", protect(s.sessionHistory, CapAPIUse))
	mux.Handle("DELETE /chat/session/{id}", protect(s.deleteSession, CapAPIUse))
	mux.Handle("POST /chat/session/{id}/archive", protect(s.archiveSession, CapAPIUse))
	mux.Handle("GET /quota/usage", protect(s.usage, CapAPIUse))
	mux.Handle("POST /chat/upload-files", protect(s.uploadFiles, CapAPIUse))
	if s.recheck != nil {
		mux.Handle("POST /compliance/recheck", protect(s.recheckCompliance, CapAdmin))
	}
}

// Handler wraps h with request ids and access logging.
func Handler(h http.Handler, logger zerolog.Logger) http.Handler {
	return chain(h, RequestID, AccessLog(logger))
}

type sendPayload struct {
	ProviderConfigID int64  `json:"provider_config_id"`
	SessionID        *int64 `json:"session_id"`
	Message          string `json:"message"`
	SessionTitle     string `json:"session_title"`
	SystemPrompt     string `json:"system_prompt"`
}

func (s *Server) send(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFrom(r.Context())

	var payload sendPayload
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeErrorString(w, r, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if payload.ProviderConfigID <= 0 {
		writeErrorString(w, r, http.StatusBadRequest, "provider_config_id is required")
		return
	}

	res, err := s.chat.SendMessage(r.Context(), chat.SendRequest{
		UserID:           p.UserID,
		ProviderConfigID: payload.ProviderConfigID,
		SessionID:        payload.SessionID,
		Content:          payload.Message,
		SessionTitle:     payload.SessionTitle,
		SystemPrompt:     payload.SystemPrompt,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFrom(r.Context())
	sessions, err := s.chat.ListSessions(r.Context(), p.UserID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (s *Server) sessionHistory(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFrom(r.Context())
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	hist, err := s.chat.GetSessionHistory(r.Context(), p.UserID, id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, hist)
}

func (s *Server) deleteSession(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFrom(r.Context())
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	deleted, err := s.chat.DeleteSession(r.Context(), p.UserID, id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": deleted})
}

func (s *Server) archiveSession(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFrom(r.Context())
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := s.chat.ArchiveSession(r.Context(), p.UserID, id); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) usage(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFrom(r.Context())
	u, err := s.chat.Usage(r.Context(), p.UserID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

// uploadFiles extracts the text of up to attachments.MaxFiles uploads. Files
// are not stored; clients paste the content into a message.
func (s *Server) uploadFiles(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFrom(r.Context())

	r.Body = http.MaxBytesReader(w, r.Body, attachments.MaxFiles*attachments.MaxFileSize+1<<20)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeErrorString(w, r, http.StatusBadRequest, "invalid multipart body: "+err.Error())
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	files := r.MultipartForm.File["files"]
	switch {
	case len(files) == 0:
		writeErrorString(w, r, http.StatusBadRequest, "no files uploaded")
		return
	case len(files) > attachments.MaxFiles:
		writeErrorString(w, r, http.StatusBadRequest, fmt.Sprintf("at most %d files per upload", attachments.MaxFiles))
		return
	}

	results := make([]attachments.Result, 0, len(files))
	failed := 0
	for _, fh := range files {
		res := attachments.Process(fh)
		if !res.Success {
			failed++
		}
		results = append(results, res)
	}
	s.logger.Info().Int64("user_id", p.UserID).Int("files", len(files)).Int("failed", failed).Msg("files extracted")
	writeJSON(w, http.StatusOK, map[string]any{"files": results})
}

type recheckPayload struct {
	UserID int64 `json:"user_id"`
}

func (s *Server) recheckCompliance(w http.ResponseWriter, r *http.Request) {
	var payload recheckPayload
	if r.ContentLength != 0 {
		if err := decodeJSON(r.Body, &payload); err != nil {
			writeErrorString(w, r, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
	}
	if payload.UserID < 0 {
		writeErrorString(w, r, http.StatusBadRequest, "user_id must not be negative")
		return
	}
	res, err := s.recheck.Sweep(r.Context(), payload.UserID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeErrorString(w, r, http.StatusBadRequest, "invalid session id")
		return 0, false
	}
	return id, true
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var pe *providers.ProviderError
	var parseErr *providers.ParseError
	switch {
	case errors.Is(err, chat.ErrEmptyContent), errors.Is(err, chat.ErrInvalidProvider):
		writeErrorString(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, quota.ErrExceeded):
		writeErrorString(w, r, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, chat.ErrSessionForbidden), errors.Is(err, storage.ErrNotFound):
		writeErrorString(w, r, http.StatusNotFound, chat.ErrSessionForbidden.Error())
	case errors.As(err, &pe), errors.As(err, &parseErr):
		writeErrorString(w, r, http.StatusBadGateway, err.Error())
	default:
		s.logger.Error().Err(err).Str("request_id", requestIDFrom(r.Context())).Msg("request failed")
		writeErrorString(w, r, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeErrorString(w http.ResponseWriter, r *http.Request, status int, msg string) {
	body := map[string]string{"error": msg}
	if id := requestIDFrom(r.Context()); id != "" {
		body["request_id"] = id
	}
	writeJSON(w, status, body)
}

func decodeJSON(body io.ReadCloser, dest any) error {
	defer body.Close()
	dec := json.NewDecoder(io.LimitReader(body, 1<<20))
	dec.DisallowUnknownFields()
	return dec.Decode(dest)
}
