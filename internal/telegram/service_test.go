package telegram

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"chatgate/internal/chat"
	"chatgate/internal/providers"
	"chatgate/internal/quota"
	"chatgate/internal/storage"
)

type fakeChat struct {
	reqs     []chat.SendRequest
	sessions map[int64]int64 // session id -> owner
	nextID   int64
	err      error
	reply    string
}

func (f *fakeChat) SendMessage(_ context.Context, req chat.SendRequest) (chat.SendResult, error) {
	f.reqs = append(f.reqs, req)
	if f.err != nil {
		return chat.SendResult{}, f.err
	}
	id := int64(0)
	if req.SessionID != nil {
		owner, ok := f.sessions[*req.SessionID]
		if !ok || owner != req.UserID {
			return chat.SendResult{}, chat.ErrSessionForbidden
		}
		id = *req.SessionID
	} else {
		f.nextID++
		id = f.nextID
		f.sessions[id] = req.UserID
	}
	return chat.SendResult{SessionID: id, Content: f.reply}, nil
}

func (f *fakeChat) ListSessions(context.Context, int64) ([]storage.Session, error) { return nil, nil }

func (f *fakeChat) Usage(context.Context, int64) (quota.Usage, error) { return quota.Usage{}, nil }

type fakeDirectory struct {
	users  map[int64]storage.User
	nextID int64
}

func (d *fakeDirectory) GetUserByTelegramID(_ context.Context, telegramID int64) (storage.User, error) {
	u, ok := d.users[telegramID]
	if !ok {
		return storage.User{}, storage.ErrNotFound
	}
	return u, nil
}

func (d *fakeDirectory) CreateUser(_ context.Context, u storage.User) (int64, error) {
	d.nextID++
	u.ID = d.nextID
	d.users[*u.TelegramID] = u
	return u.ID, nil
}

func (d *fakeDirectory) ListProviderConfigs(context.Context, bool) ([]storage.ProviderConfig, error) {
	return []storage.ProviderConfig{{ID: 3, Name: "main", Family: "openai", Model: "gpt"}}, nil
}

type fixture struct {
	svc  *Service
	chat *fakeChat
	dir  *fakeDirectory
	mr   *miniredis.Miniredis
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	fc := &fakeChat{sessions: map[int64]int64{}, reply: "hello there"}
	dir := &fakeDirectory{users: map[int64]storage.User{}}
	cfg.Chat = fc
	cfg.Directory = dir
	cfg.Redis = rdb
	cfg.Logger = zerolog.Nop()
	return &fixture{svc: NewService(cfg), chat: fc, dir: dir, mr: mr}
}

func TestConverseAutoRegistersAndKeepsSession(t *testing.T) {
	f := newFixture(t, Config{AutoRegister: true, DefaultQuota: 7, DefaultProviderID: 3})
	ctx := context.Background()

	if got := f.svc.converse(ctx, 555, "hi"); got != "hello there" {
		t.Fatalf("unexpected reply %q", got)
	}
	u, ok := f.dir.users[555]
	if !ok || u.Username != "tg_555" || u.QuotaLimit != 7 {
		t.Fatalf("expected auto registered user, got %+v", u)
	}

	f.svc.converse(ctx, 555, "again")
	if len(f.chat.reqs) != 2 {
		t.Fatalf("expected 2 sends, got %d", len(f.chat.reqs))
	}
	first, second := f.chat.reqs[0], f.chat.reqs[1]
	if first.SessionID != nil || first.ProviderConfigID != 3 || first.UserID != u.ID {
		t.Fatalf("unexpected first request %+v", first)
	}
	if second.SessionID == nil || *second.SessionID != 1 {
		t.Fatalf("expected second message to continue session 1, got %+v", second.SessionID)
	}
}

func TestConverseRejectsUnlinkedAccount(t *testing.T) {
	f := newFixture(t, Config{DefaultProviderID: 3})
	got := f.svc.converse(context.Background(), 9, "hi")
	if !strings.Contains(got, "not linked") {
		t.Fatalf("unexpected reply %q", got)
	}
	if len(f.chat.reqs) != 0 || len(f.dir.users) != 0 {
		t.Fatalf("nothing should be sent or created")
	}
}

func TestConverseNeedsProvider(t *testing.T) {
	f := newFixture(t, Config{AutoRegister: true})
	got := f.svc.converse(context.Background(), 9, "hi")
	if !strings.Contains(got, "/provider") {
		t.Fatalf("unexpected reply %q", got)
	}

	if err := f.svc.state.Set(context.Background(), 9, chatState{ProviderConfigID: 3}); err != nil {
		t.Fatalf("set state: %v", err)
	}
	if got := f.svc.converse(context.Background(), 9, "hi"); got != "hello there" {
		t.Fatalf("unexpected reply %q", got)
	}
	if f.chat.reqs[0].ProviderConfigID != 3 {
		t.Fatalf("expected selected provider, got %d", f.chat.reqs[0].ProviderConfigID)
	}
}

func TestConverseRecoversFromForeignSession(t *testing.T) {
	f := newFixture(t, Config{AutoRegister: true, DefaultProviderID: 3})
	ctx := context.Background()
	f.chat.sessions[42] = 999

	if err := f.svc.state.Set(ctx, 1, chatState{SessionID: 42, PendingTitle: "notes"}); err != nil {
		t.Fatalf("set state: %v", err)
	}
	if got := f.svc.converse(ctx, 1, "hi"); got != "hello there" {
		t.Fatalf("unexpected reply %q", got)
	}
	if len(f.chat.reqs) != 2 || f.chat.reqs[1].SessionID != nil || f.chat.reqs[1].SessionTitle != "notes" {
		t.Fatalf("expected a retry without the session, got %+v", f.chat.reqs)
	}

	st, err := f.svc.state.Get(ctx, 1)
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	if st.SessionID != 1 || st.PendingTitle != "" {
		t.Fatalf("unexpected state %+v", st)
	}
}

func TestConverseErrorTexts(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{fmt.Errorf("%w: used 5 of 5", quota.ErrExceeded), "quota"},
		{fmt.Errorf("x: %w", chat.ErrInvalidProvider), "provider is unavailable"},
		{fmt.Errorf("call provider: %w", &providers.ProviderError{StatusCode: 500}), chat.ApologyText},
		{fmt.Errorf("call provider: %w", &providers.ParseError{Reason: "empty"}), chat.ApologyText},
		{fmt.Errorf("disk full"), "Something went wrong"},
	}
	for _, tc := range cases {
		f := newFixture(t, Config{AutoRegister: true, DefaultProviderID: 3})
		f.chat.err = tc.err
		if got := f.svc.converse(context.Background(), 1, "hi"); !strings.Contains(got, tc.want) {
			t.Fatalf("%v: expected %q in %q", tc.err, tc.want, got)
		}
	}
}

func TestConverseTruncatesLongReplies(t *testing.T) {
	f := newFixture(t, Config{AutoRegister: true, DefaultProviderID: 3})
	f.chat.reply = strings.Repeat("ж", maxReplyRunes+10)

	got := f.svc.converse(context.Background(), 1, "hi")
	if n := len([]rune(got)); n != maxReplyRunes {
		t.Fatalf("expected %d runes, got %d", maxReplyRunes, n)
	}
}

func TestStateStoreExpires(t *testing.T) {
	f := newFixture(t, Config{StateTTL: time.Minute})
	ctx := context.Background()

	if err := f.svc.state.Set(ctx, 5, chatState{SessionID: 8, ProviderConfigID: 2}); err != nil {
		t.Fatalf("set: %v", err)
	}
	st, err := f.svc.state.Get(ctx, 5)
	if err != nil || st.SessionID != 8 || st.ProviderConfigID != 2 {
		t.Fatalf("unexpected state %+v err %v", st, err)
	}

	f.mr.FastForward(2 * time.Minute)
	st, err = f.svc.state.Get(ctx, 5)
	if err != nil || st != (chatState{}) {
		t.Fatalf("expected zero state after expiry, got %+v err %v", st, err)
	}
}

func TestFormatters(t *testing.T) {
	sessions := formatSessions([]storage.Session{
		{ID: 1, Title: "a", MessageCount: 4, Status: storage.SessionActive},
		{ID: 2, Title: "b", Status: storage.SessionArchived},
	})
	if !strings.Contains(sessions, "1. a (4 messages)") || !strings.Contains(sessions, "[archived]") {
		t.Fatalf("unexpected sessions text %q", sessions)
	}
	if formatProviders(nil) != "No providers configured." {
		t.Fatalf("unexpected empty providers text")
	}
	if commandRemainder("/ask  what is go") != " what is go" {
		t.Fatalf("unexpected remainder %q", commandRemainder("/ask  what is go"))
	}
}
