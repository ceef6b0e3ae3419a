package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
)

var ErrNotFound = errors.New("not found")

type rowScanner interface {
	Scan(dest ...any) error
}

var userColumns = []string{"id", "username", "telegram_id", "quota_limit", "quota_used", "quota_reset_at", "created_at"}

func (s *Store) CreateUser(ctx context.Context, u User) (int64, error) {
	var resetAt any
	if u.QuotaResetAt != nil {
		resetAt = dbTime(*u.QuotaResetAt)
	}
	q := s.sql.Insert("users").
		Columns("username", "telegram_id", "quota_limit", "quota_used", "quota_reset_at").
		Values(u.Username, u.TelegramID, u.QuotaLimit, u.QuotaUsed, resetAt).
		Suffix("RETURNING id")

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build create user query: %w", err)
	}
	var id int64
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&id); err != nil {
		return 0, fmt.Errorf("create user: %w", err)
	}
	return id, nil
}

func (s *Store) GetUser(ctx context.Context, userID int64) (User, error) {
	return s.getUser(ctx, sq.Eq{"id": userID})
}

func (s *Store) GetUserByTelegramID(ctx context.Context, telegramID int64) (User, error) {
	return s.getUser(ctx, sq.Eq{"telegram_id": telegramID})
}

func (s *Store) getUser(ctx context.Context, where sq.Sqlizer) (User, error) {
	q := s.sql.Select(userColumns...).From("users").Where(where)
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return User{}, fmt.Errorf("build get user query: %w", err)
	}

	var u User
	var telegramID sql.NullInt64
	var resetAt sql.NullTime
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(
		&u.ID,
		&u.Username,
		&telegramID,
		&u.QuotaLimit,
		&u.QuotaUsed,
		&resetAt,
		&u.CreatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, ErrNotFound
		}
		return User{}, fmt.Errorf("get user: %w", err)
	}
	if telegramID.Valid {
		u.TelegramID = &telegramID.Int64
	}
	if resetAt.Valid {
		t := resetAt.Time.UTC()
		u.QuotaResetAt = &t
	}
	return u, nil
}

// ResetQuotaIfDue zeroes usage and moves the reset boundary to next when the
// stored boundary is missing or earlier than now. It reports whether a reset happened.
func (s *Store) ResetQuotaIfDue(ctx context.Context, userID int64, now, next time.Time) (bool, error) {
	q := s.sql.Update("users").
		Set("quota_used", 0).
		Set("quota_reset_at", dbTime(next)).
		Where(sq.Eq{"id": userID}).
		Where(sq.Or{sq.Eq{"quota_reset_at": nil}, sq.Lt{"quota_reset_at": dbTime(now)}})
	return s.execAffected(ctx, q, "reset quota")
}

// ConsumeQuota increments usage only while it is below the limit, in a single
// statement. It reports false when the quota is exhausted.
func (s *Store) ConsumeQuota(ctx context.Context, userID int64) (bool, error) {
	q := s.sql.Update("users").
		Set("quota_used", sq.Expr("quota_used + 1")).
		Where(sq.Eq{"id": userID}).
		Where(sq.Expr("quota_used < quota_limit"))
	return s.execAffected(ctx, q, "consume quota")
}

// RefundQuota gives back one unit consumed in the window that ends at windowEnd.
// Nothing happens if the window has rolled over in between.
func (s *Store) RefundQuota(ctx context.Context, userID int64, windowEnd time.Time) (bool, error) {
	q := s.sql.Update("users").
		Set("quota_used", sq.Expr("quota_used - 1")).
		Where(sq.Eq{"id": userID, "quota_reset_at": dbTime(windowEnd)}).
		Where(sq.Gt{"quota_used": 0})
	return s.execAffected(ctx, q, "refund quota")
}

var providerConfigColumns = []string{"id", "name", "family", "endpoint", "model", "enc_api_key", "max_tokens", "temperature", "timeout_seconds", "enabled", "created_at"}

func (s *Store) UpsertProviderConfig(ctx context.Context, p ProviderConfig) (int64, error) {
	q := s.sql.Insert("provider_configs").
		Columns("name", "family", "endpoint", "model", "enc_api_key", "max_tokens", "temperature", "timeout_seconds", "enabled").
		Values(p.Name, p.Family, p.Endpoint, p.Model, p.EncAPIKey, p.MaxTokens, p.Temperature, p.TimeoutSeconds, p.Enabled).
		Suffix("ON CONFLICT(name) DO UPDATE SET family=excluded.family, endpoint=excluded.endpoint, model=excluded.model, enc_api_key=excluded.enc_api_key, max_tokens=excluded.max_tokens, temperature=excluded.temperature, timeout_seconds=excluded.timeout_seconds, enabled=excluded.enabled RETURNING id")

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build provider config upsert query: %w", err)
	}
	var id int64
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&id); err != nil {
		return 0, fmt.Errorf("upsert provider config: %w", err)
	}
	return id, nil
}

func (s *Store) GetProviderConfig(ctx context.Context, id int64) (ProviderConfig, error) {
	q := s.sql.Select(providerConfigColumns...).From("provider_configs").Where(sq.Eq{"id": id})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return ProviderConfig{}, fmt.Errorf("build provider config query: %w", err)
	}
	p, err := scanProviderConfig(s.db.QueryRowContext(ctx, sqlStr, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ProviderConfig{}, ErrNotFound
		}
		return ProviderConfig{}, fmt.Errorf("get provider config: %w", err)
	}
	return p, nil
}

func (s *Store) ListProviderConfigs(ctx context.Context, enabledOnly bool) ([]ProviderConfig, error) {
	q := s.sql.Select(providerConfigColumns...).From("provider_configs").OrderBy("id ASC")
	if enabledOnly {
		q = q.Where(sq.Eq{"enabled": true})
	}
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list provider configs query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list provider configs: %w", err)
	}
	defer rows.Close()

	out := make([]ProviderConfig, 0)
	for rows.Next() {
		p, err := scanProviderConfig(rows)
		if err != nil {
			return nil, fmt.Errorf("scan provider config row: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate provider config rows: %w", err)
	}
	return out, nil
}

// UpdateProviderKey replaces the sealed credential only if it still equals prev.
func (s *Store) UpdateProviderKey(ctx context.Context, id int64, prev, next string) (bool, error) {
	q := s.sql.Update("provider_configs").
		Set("enc_api_key", next).
		Where(sq.Eq{"id": id, "enc_api_key": prev})
	return s.execAffected(ctx, q, "update provider key")
}

func scanProviderConfig(row rowScanner) (ProviderConfig, error) {
	var p ProviderConfig
	var encAPIKey sql.NullString
	if err := row.Scan(
		&p.ID,
		&p.Name,
		&p.Family,
		&p.Endpoint,
		&p.Model,
		&encAPIKey,
		&p.MaxTokens,
		&p.Temperature,
		&p.TimeoutSeconds,
		&p.Enabled,
		&p.CreatedAt,
	); err != nil {
		return ProviderConfig{}, err
	}
	if encAPIKey.Valid {
		p.EncAPIKey = &encAPIKey.String
	}
	return p, nil
}

func (s *Store) LogAction(ctx context.Context, e AuditEntry) error {
	if strings.TrimSpace(e.MetaJSON) == "" {
		e.MetaJSON = "{}"
	}
	if !json.Valid([]byte(e.MetaJSON)) {
		e.MetaJSON = "{}"
	}

	q := s.sql.Insert("audit_log").
		Columns("user_id", "action", "meta_json").
		Values(e.UserID, e.Action, e.MetaJSON)
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build audit insert query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

func (s *Store) execAffected(ctx context.Context, q sq.Sqlizer, what string) (bool, error) {
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return false, fmt.Errorf("build %s query: %w", what, err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return false, fmt.Errorf("%s: %w", what, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%s rows affected: %w", what, err)
	}
	return n > 0, nil
}
