package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"chatgate/internal/secrets"
	"chatgate/internal/storage"
)

func newSealer(t *testing.T, current string, ids ...string) *secrets.Sealer {
	t.Helper()
	keys := map[string][]byte{}
	for i, id := range ids {
		keys[id] = []byte(strings.Repeat(string(rune('a'+i)), 32))
	}
	s, err := secrets.NewSealer(current, keys)
	if err != nil {
		t.Fatalf("new sealer: %v", err)
	}
	return s
}

func openStore(t *testing.T) *storage.Store {
	t.Helper()
	store, err := storage.Open(context.Background(), "sqlite", filepath.Join(t.TempDir(), "seed.db"), true)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSeedFromFile(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	sealer := newSealer(t, "v1", "v1")

	t.Setenv("SEED_TEST_KEY", "sk-from-env")
	path := filepath.Join(t.TempDir(), "seed.json")
	body := `{
		"providers": [
			{"name": "gpt", "family": "openai", "endpoint": "https://api.example.com/v1/chat/completions", "model": "gpt-x", "api_key_env": "SEED_TEST_KEY", "max_tokens": 512, "temperature": 0.3, "timeout_seconds": 30},
			{"name": "local", "family": "local", "endpoint": "http://localhost:11434/api/{model}", "model": "llama", "disabled": true}
		],
		"users": [{"username": "alice", "quota_limit": 5}, {"username": "bob"}]
	}`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write seed: %v", err)
	}

	if err := seedFromFile(ctx, store, sealer, path, 50, zerolog.Nop()); err != nil {
		t.Fatalf("seed: %v", err)
	}
	// a second run updates providers in place and keeps existing users
	if err := seedFromFile(ctx, store, sealer, path, 50, zerolog.Nop()); err != nil {
		t.Fatalf("reseed: %v", err)
	}

	items, err := store.ListProviderConfigs(ctx, false)
	if err != nil {
		t.Fatalf("list providers: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 providers, got %d", len(items))
	}
	gpt := items[0]
	if gpt.Family != "OPENAI" || !gpt.Enabled || gpt.EncAPIKey == nil {
		t.Fatalf("unexpected provider %+v", gpt)
	}
	if key, err := sealer.Open(*gpt.EncAPIKey); err != nil || key != "sk-from-env" {
		t.Fatalf("unexpected credential %q err=%v", key, err)
	}
	if items[1].Enabled || items[1].EncAPIKey != nil {
		t.Fatalf("unexpected local provider %+v", items[1])
	}

	bob, err := store.GetUser(ctx, 2)
	if err != nil || bob.Username != "bob" || bob.QuotaLimit != 50 {
		t.Fatalf("unexpected user %+v err=%v", bob, err)
	}
}

func TestSeedRejectsIncompleteProvider(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seed.json")
	if err := os.WriteFile(path, []byte(`{"providers":[{"name":"x","family":"openai"}]}`), 0o600); err != nil {
		t.Fatalf("write seed: %v", err)
	}
	err := seedFromFile(context.Background(), openStore(t), newSealer(t, "v1", "v1"), path, 10, zerolog.Nop())
	if err == nil || !strings.Contains(err.Error(), "required") {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestResealCredentials(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)

	old := newSealer(t, "v1", "v1", "v2")
	sealed, err := old.Seal("sk-rotate")
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if _, err := store.UpsertProviderConfig(ctx, storage.ProviderConfig{
		Name: "gpt", Family: "OPENAI", Endpoint: "https://x", Model: "m", EncAPIKey: &sealed, Enabled: true,
	}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if _, err := store.UpsertProviderConfig(ctx, storage.ProviderConfig{
		Name: "nokey", Family: "LOCAL", Endpoint: "http://y", Model: "m", Enabled: true,
	}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	rotated := newSealer(t, "v2", "v1", "v2")
	n, err := resealCredentials(ctx, store, rotated, zerolog.Nop())
	if err != nil || n != 1 {
		t.Fatalf("expected 1 resealed, got %d err=%v", n, err)
	}
	n, err = resealCredentials(ctx, store, rotated, zerolog.Nop())
	if err != nil || n != 0 {
		t.Fatalf("second pass should be a no-op, got %d err=%v", n, err)
	}

	p, err := store.GetProviderConfig(ctx, 1)
	if err != nil {
		t.Fatalf("get provider: %v", err)
	}
	v2Only := newSealer(t, "v2", "v1", "v2")
	if key, err := v2Only.Open(*p.EncAPIKey); err != nil || key != "sk-rotate" {
		t.Fatalf("unexpected credential %q err=%v", key, err)
	}
	if !strings.Contains(*p.EncAPIKey, `"key_id":"v2"`) {
		t.Fatalf("expected envelope under v2, got %s", *p.EncAPIKey)
	}
}

func TestSanitizeTelegramErr(t *testing.T) {
	token := "123456:ABCDEF"
	msg := sanitizeTelegramErr(os.ErrDeadlineExceeded, token)
	if msg == "" {
		t.Fatalf("expected message")
	}
	got := sanitizeTelegramErr(&os.PathError{Op: "post", Path: "https://api.telegram.org/bot123456:ABCDEF/getMe", Err: os.ErrClosed}, token)
	if strings.Contains(got, "ABCDEF") {
		t.Fatalf("token leaked: %s", got)
	}
}
