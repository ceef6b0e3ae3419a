package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"

	"chatgate/internal/providers"
	"chatgate/internal/secrets"
	"chatgate/internal/storage"
)

// seedFile is the SEED_PROVIDERS_FILE layout. API keys are given in plain
// text and sealed before they are stored.
type seedFile struct {
	Providers []seedProvider `json:"providers"`
	Users     []seedUser     `json:"users"`
}

type seedProvider struct {
	Name           string  `json:"name"`
	Family         string  `json:"family"`
	Endpoint       string  `json:"endpoint"`
	Model          string  `json:"model"`
	APIKey         string  `json:"api_key"`
	APIKeyEnv      string  `json:"api_key_env"`
	MaxTokens      int     `json:"max_tokens"`
	Temperature    float64 `json:"temperature"`
	TimeoutSeconds int     `json:"timeout_seconds"`
	Disabled       bool    `json:"disabled"`
}

type seedUser struct {
	Username   string `json:"username"`
	TelegramID *int64 `json:"telegram_id"`
	QuotaLimit int    `json:"quota_limit"`
}

type seedStore interface {
	UpsertProviderConfig(ctx context.Context, p storage.ProviderConfig) (int64, error)
	CreateUser(ctx context.Context, u storage.User) (int64, error)
}

func seedFromFile(ctx context.Context, store seedStore, sealer *secrets.Sealer, path string, defaultQuota int, logger zerolog.Logger) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read seed file: %w", err)
	}
	var sf seedFile
	if err := json.Unmarshal(raw, &sf); err != nil {
		return fmt.Errorf("parse seed file: %w", err)
	}

	for _, sp := range sf.Providers {
		pc, err := sp.toConfig(sealer)
		if err != nil {
			return err
		}
		id, err := store.UpsertProviderConfig(ctx, pc)
		if err != nil {
			return fmt.Errorf("seed provider %q: %w", sp.Name, err)
		}
		logger.Info().Int64("provider_config_id", id).Str("name", pc.Name).Str("family", pc.Family).Msg("provider config seeded")
	}

	for _, su := range sf.Users {
		limit := su.QuotaLimit
		if limit <= 0 {
			limit = defaultQuota
		}
		id, err := store.CreateUser(ctx, storage.User{Username: su.Username, TelegramID: su.TelegramID, QuotaLimit: limit})
		if err != nil {
			// users are only created once; later runs keep existing rows
			logger.Warn().Err(err).Str("username", su.Username).Msg("seed user skipped")
			continue
		}
		logger.Info().Int64("user_id", id).Str("username", su.Username).Msg("user seeded")
	}
	return nil
}

func (sp seedProvider) toConfig(sealer *secrets.Sealer) (storage.ProviderConfig, error) {
	name := strings.TrimSpace(sp.Name)
	if name == "" || strings.TrimSpace(sp.Endpoint) == "" || strings.TrimSpace(sp.Model) == "" {
		return storage.ProviderConfig{}, fmt.Errorf("seed provider %q: name, endpoint and model are required", sp.Name)
	}

	key := sp.APIKey
	if sp.APIKeyEnv != "" {
		key = os.Getenv(sp.APIKeyEnv)
	}
	var enc *string
	if strings.TrimSpace(key) != "" {
		sealed, err := sealer.Seal(key)
		if err != nil {
			return storage.ProviderConfig{}, fmt.Errorf("seal key for %q: %w", name, err)
		}
		enc = &sealed
	}

	return storage.ProviderConfig{
		Name:           name,
		Family:         string(providers.ParseFamily(sp.Family)),
		Endpoint:       sp.Endpoint,
		Model:          sp.Model,
		EncAPIKey:      enc,
		MaxTokens:      sp.MaxTokens,
		Temperature:    sp.Temperature,
		TimeoutSeconds: sp.TimeoutSeconds,
		Enabled:        !sp.Disabled,
	}, nil
}

type resealStore interface {
	ListProviderConfigs(ctx context.Context, enabledOnly bool) ([]storage.ProviderConfig, error)
	UpdateProviderKey(ctx context.Context, id int64, prev, next string) (bool, error)
}

// resealCredentials moves every stored credential onto the current key.
func resealCredentials(ctx context.Context, store resealStore, sealer *secrets.Sealer, logger zerolog.Logger) (int, error) {
	items, err := store.ListProviderConfigs(ctx, false)
	if err != nil {
		return 0, err
	}
	n := 0
	var errs []error
	for _, p := range items {
		if p.EncAPIKey == nil {
			continue
		}
		next, err := sealer.Reseal(*p.EncAPIKey)
		if err != nil {
			errs = append(errs, fmt.Errorf("reseal %q: %w", p.Name, err))
			continue
		}
		if next == *p.EncAPIKey {
			continue
		}
		ok, err := store.UpdateProviderKey(ctx, p.ID, *p.EncAPIKey, next)
		if err != nil {
			errs = append(errs, fmt.Errorf("store resealed key for %q: %w", p.Name, err))
			continue
		}
		if ok {
			n++
			logger.Info().Int64("provider_config_id", p.ID).Msg("credential resealed")
		}
	}
	return n, errors.Join(errs...)
}
