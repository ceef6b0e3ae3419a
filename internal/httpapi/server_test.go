package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/golang-jwt/jwt/v4"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"chatgate/internal/attachments"
	"chatgate/internal/chat"
	"chatgate/internal/providers"
	"chatgate/internal/queue"
	"chatgate/internal/quota"
	"chatgate/internal/storage"
	"chatgate/internal/worker"
)

const testSecret = "test-secret"

type fakeChat struct {
	sendErr error
	lastReq chat.SendRequest
}

func (f *fakeChat) SendMessage(_ context.Context, req chat.SendRequest) (chat.SendResult, error) {
	f.lastReq = req
	if f.sendErr != nil {
		return chat.SendResult{}, f.sendErr
	}
	return chat.SendResult{SessionID: 1, MessageID: 2, Content: "pong", QuotaUsed: 1, QuotaLimit: 10}, nil
}

func (f *fakeChat) GetSessionHistory(_ context.Context, userID, sessionID int64) (chat.History, error) {
	if sessionID != 1 {
		return chat.History{}, chat.ErrSessionForbidden
	}
	return chat.History{Session: storage.Session{ID: 1, UserID: userID}}, nil
}

func (f *fakeChat) ListSessions(_ context.Context, userID int64) ([]storage.Session, error) {
	return []storage.Session{{ID: 1, UserID: userID}}, nil
}

func (f *fakeChat) DeleteSession(_ context.Context, _, sessionID int64) (bool, error) {
	return sessionID == 1, nil
}

func (f *fakeChat) ArchiveSession(_ context.Context, _, _ int64) error { return nil }

func (f *fakeChat) Usage(_ context.Context, _ int64) (quota.Usage, error) {
	return quota.Usage{Limit: 10, Used: 1, Remaining: 9, Percent: 10}, nil
}

func token(t *testing.T, uid int64, perms ...string) string {
	t.Helper()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
		UserID:           uid,
		Perms:            perms,
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return s
}

func newTestHandler(fc *fakeChat, rl RateLimiter) http.Handler {
	s := New(Config{Chat: fc, JWTSecret: testSecret, RateLimiter: rl, Logger: zerolog.Nop()})
	mux := http.NewServeMux()
	s.Register(mux)
	return Handler(mux, zerolog.Nop())
}

func do(h http.Handler, method, path, tok, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestSendMessageHandler(t *testing.T) {
	fc := &fakeChat{}
	h := newTestHandler(fc, nil)

	rec := do(h, http.MethodPost, "/chat/send", token(t, 7, "api_use"), `{"provider_config_id":3,"message":"ping","session_title":"t"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var res chat.SendResult
	if err := json.NewDecoder(rec.Body).Decode(&res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.Content != "pong" || fc.lastReq.UserID != 7 || fc.lastReq.ProviderConfigID != 3 || fc.lastReq.SessionTitle != "t" {
		t.Fatalf("unexpected result %+v request %+v", res, fc.lastReq)
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Fatalf("expected a request id header")
	}
}

func TestAuthAndCapabilities(t *testing.T) {
	h := newTestHandler(&fakeChat{}, nil)

	if rec := do(h, http.MethodGet, "/chat/sessions", "", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing token: expected 401, got %d", rec.Code)
	}
	if rec := do(h, http.MethodGet, "/chat/sessions", "garbage", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad token: expected 401, got %d", rec.Code)
	}
	if rec := do(h, http.MethodGet, "/chat/sessions", token(t, 7, "EXPORT"), ""); rec.Code != http.StatusForbidden {
		t.Fatalf("missing capability: expected 403, got %d", rec.Code)
	}
	if rec := do(h, http.MethodGet, "/chat/sessions", token(t, 7, CapAdmin), ""); rec.Code != http.StatusOK {
		t.Fatalf("admin should pass every check, got %d", rec.Code)
	}

	wrongKey, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{UserID: 7, Perms: []string{CapAPIUse}}).SignedString([]byte("other"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if rec := do(h, http.MethodGet, "/chat/sessions", wrongKey, ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong signature: expected 401, got %d", rec.Code)
	}
}

func TestErrorMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{chat.ErrEmptyContent, http.StatusBadRequest},
		{fmt.Errorf("resolve: %w", chat.ErrInvalidProvider), http.StatusBadRequest},
		{fmt.Errorf("%w: used 100 of 100", quota.ErrExceeded), http.StatusTooManyRequests},
		{chat.ErrSessionForbidden, http.StatusNotFound},
		{fmt.Errorf("call provider: %w", &providers.ProviderError{StatusCode: 500, Message: "down"}), http.StatusBadGateway},
		{fmt.Errorf("call provider: %w", &providers.ParseError{Reason: "no choices"}), http.StatusBadGateway},
		{fmt.Errorf("database is locked"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		h := newTestHandler(&fakeChat{sendErr: tc.err}, nil)
		rec := do(h, http.MethodPost, "/chat/send", token(t, 1, CapAPIUse), `{"provider_config_id":1,"message":"x"}`)
		if rec.Code != tc.want {
			t.Fatalf("%v: expected %d, got %d", tc.err, tc.want, rec.Code)
		}
	}
}

func TestSessionRoutes(t *testing.T) {
	h := newTestHandler(&fakeChat{}, nil)
	tok := token(t, 7, CapAPIUse)

	if rec := do(h, http.MethodGet, "/chat/session/1", tok, ""); rec.Code != http.StatusOK {
		t.Fatalf("history: expected 200, got %d", rec.Code)
	}
	if rec := do(h, http.MethodGet, "/chat/session/2", tok, ""); rec.Code != http.StatusNotFound {
		t.Fatalf("foreign history: expected 404, got %d", rec.Code)
	}
	if rec := do(h, http.MethodGet, "/chat/session/abc", tok, ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad id: expected 400, got %d", rec.Code)
	}
	rec := do(h, http.MethodDelete, "/chat/session/1", tok, "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"deleted":true`) {
		t.Fatalf("delete: got %d %s", rec.Code, rec.Body.String())
	}
	if rec := do(h, http.MethodPost, "/chat/session/1/archive", tok, ""); rec.Code != http.StatusNoContent {
		t.Fatalf("archive: expected 204, got %d", rec.Code)
	}
	if rec := do(h, http.MethodGet, "/quota/usage", tok, ""); rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"remaining":9`) {
		t.Fatalf("usage: got %d %s", rec.Code, rec.Body.String())
	}
	if rec := do(h, http.MethodPost, "/chat/send", tok, `{"message":"no provider"}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("missing provider id: expected 400, got %d", rec.Code)
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	defer mr.Close()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	h := newTestHandler(&fakeChat{}, queue.NewRateLimiter(rdb, 2))
	tok := token(t, 7, CapAPIUse)

	for i := 0; i < 2; i++ {
		if rec := do(h, http.MethodGet, "/quota/usage", tok, ""); rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i+1, rec.Code)
		}
	}
	rec := do(h, http.MethodGet, "/quota/usage", tok, "")
	if rec.Code != http.StatusTooManyRequests || rec.Header().Get("Retry-After") == "" {
		t.Fatalf("expected 429 with Retry-After, got %d", rec.Code)
	}
	if rec := do(h, http.MethodGet, "/quota/usage", token(t, 8, CapAPIUse), ""); rec.Code != http.StatusOK {
		t.Fatalf("other users are limited separately, got %d", rec.Code)
	}
}

type fakeRechecker struct {
	users []int64
}

func (f *fakeRechecker) Sweep(_ context.Context, userID int64) (worker.SweepResult, error) {
	f.users = append(f.users, userID)
	return worker.SweepResult{Scanned: 3, Evaluated: 2, Failed: 1}, nil
}

func TestComplianceRecheckRoute(t *testing.T) {
	rc := &fakeRechecker{}
	s := New(Config{Chat: &fakeChat{}, Recheck: rc, JWTSecret: testSecret, Logger: zerolog.Nop()})
	mux := http.NewServeMux()
	s.Register(mux)
	h := Handler(mux, zerolog.Nop())

	if rec := do(h, http.MethodPost, "/compliance/recheck", token(t, 7, CapAPIUse), ""); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 without admin capability, got %d", rec.Code)
	}

	rec := do(h, http.MethodPost, "/compliance/recheck", token(t, 1, CapAdmin), `{"user_id":7}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var res worker.SweepResult
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil || res.Scanned != 3 || res.Failed != 1 {
		t.Fatalf("unexpected body %s err=%v", rec.Body.String(), err)
	}

	if rec := do(h, http.MethodPost, "/compliance/recheck", token(t, 1, CapAdmin), ""); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for a full sweep, got %d", rec.Code)
	}
	if rec := do(h, http.MethodPost, "/compliance/recheck", token(t, 1, CapAdmin), `{"user_id":-1}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for a negative user, got %d", rec.Code)
	}
	if len(rc.users) != 2 || rc.users[0] != 7 || rc.users[1] != 0 {
		t.Fatalf("unexpected sweeps %v", rc.users)
	}

	plain := http.NewServeMux()
	New(Config{Chat: &fakeChat{}, JWTSecret: testSecret, Logger: zerolog.Nop()}).Register(plain)
	if rec := do(Handler(plain, zerolog.Nop()), http.MethodPost, "/compliance/recheck", token(t, 1, CapAdmin), ""); rec.Code != http.StatusNotFound {
		t.Fatalf("route should be absent without a rechecker, got %d", rec.Code)
	}
}

func TestUploadFilesRoute(t *testing.T) {
	h := newTestHandler(&fakeChat{}, nil)
	tok := token(t, 7, CapAPIUse)

	upload := func(files map[string]string) *httptest.ResponseRecorder {
		var buf bytes.Buffer
		mw := multipart.NewWriter(&buf)
		for name, body := range files {
			fw, err := mw.CreateFormFile("files", name)
			if err != nil {
				t.Fatalf("create form file: %v", err)
			}
			_, _ = fw.Write([]byte(body))
		}
		_ = mw.Close()
		req := httptest.NewRequest(http.MethodPost, "/chat/upload-files", &buf)
		req.Header.Set("Content-Type", mw.FormDataContentType())
		req.Header.Set("Authorization", "Bearer "+tok)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	rec := upload(map[string]string{"notes.md": "# title", "scan.pdf": "%PDF"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var body struct {
		Files []attachments.Result `json:"files"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil || len(body.Files) != 2 {
		t.Fatalf("unexpected body %s err=%v", rec.Body.String(), err)
	}
	for _, f := range body.Files {
		switch f.FileName {
		case "notes.md":
			if !f.Success || f.Content != "# title" {
				t.Fatalf("unexpected markdown result %+v", f)
			}
		case "scan.pdf":
			if f.Success || f.Error == "" {
				t.Fatalf("unexpected pdf result %+v", f)
			}
		}
	}

	if rec := upload(map[string]string{}); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without files, got %d", rec.Code)
	}
	many := map[string]string{}
	for i := 0; i <= attachments.MaxFiles; i++ {
		many[fmt.Sprintf("f%d.txt", i)] = "x"
	}
	if rec := upload(many); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for too many files, got %d", rec.Code)
	}
}
