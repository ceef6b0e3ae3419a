package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"chatgate/internal/storage"
)

var ErrExceeded = errors.New("quota exceeded")

type Store interface {
	GetUser(ctx context.Context, userID int64) (storage.User, error)
	ResetQuotaIfDue(ctx context.Context, userID int64, now, next time.Time) (bool, error)
	ConsumeQuota(ctx context.Context, userID int64) (bool, error)
	RefundQuota(ctx context.Context, userID int64, windowEnd time.Time) (bool, error)
}

type Config struct {
	Store    Store
	Location *time.Location
	Now      func() time.Time
}

type Manager struct {
	store Store
	loc   *time.Location
	now   func() time.Time
}

// Reservation is one unit of quota taken for a request that has not finished yet.
type Reservation struct {
	UserID    int64
	WindowEnd time.Time
	Used      int
	Limit     int
}

type Usage struct {
	Limit     int       `json:"limit"`
	Used      int       `json:"used"`
	Remaining int       `json:"remaining"`
	Percent   float64   `json:"percent"`
	ResetAt   time.Time `json:"reset_at"`
}

func New(cfg Config) *Manager {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Manager{store: cfg.Store, loc: cfg.Location, now: cfg.Now}
}

// NextReset returns the first midnight in loc strictly after now.
func NextReset(now time.Time, loc *time.Location) time.Time {
	local := now.In(loc)
	y, m, d := local.Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, loc)
}

// CheckAndConsume resets an expired window and takes one unit of quota in a
// single conditional update. Callers must Refund the reservation if the
// request does not complete successfully.
func (m *Manager) CheckAndConsume(ctx context.Context, userID int64) (Reservation, error) {
	now := m.now()
	if _, err := m.store.ResetQuotaIfDue(ctx, userID, now, NextReset(now, m.loc)); err != nil {
		return Reservation{}, fmt.Errorf("reset quota: %w", err)
	}

	ok, err := m.store.ConsumeQuota(ctx, userID)
	if err != nil {
		return Reservation{}, fmt.Errorf("consume quota: %w", err)
	}

	u, err := m.store.GetUser(ctx, userID)
	if err != nil {
		return Reservation{}, fmt.Errorf("load user quota: %w", err)
	}
	if !ok {
		return Reservation{}, fmt.Errorf("%w: used %d of %d", ErrExceeded, u.QuotaUsed, u.QuotaLimit)
	}

	r := Reservation{UserID: userID, Used: u.QuotaUsed, Limit: u.QuotaLimit}
	if u.QuotaResetAt != nil {
		r.WindowEnd = *u.QuotaResetAt
	}
	return r, nil
}

// Refund returns a reserved unit. It is a no-op once the window has rolled over.
func (m *Manager) Refund(ctx context.Context, r Reservation) error {
	if r.UserID == 0 || r.WindowEnd.IsZero() {
		return nil
	}
	if _, err := m.store.RefundQuota(ctx, r.UserID, r.WindowEnd); err != nil {
		return fmt.Errorf("refund quota: %w", err)
	}
	return nil
}

// Usage reports the current window without writing. A window that is due for
// reset is reported as empty.
func (m *Manager) Usage(ctx context.Context, userID int64) (Usage, error) {
	u, err := m.store.GetUser(ctx, userID)
	if err != nil {
		return Usage{}, fmt.Errorf("load user quota: %w", err)
	}
	now := m.now()
	used := u.QuotaUsed
	var resetAt time.Time
	if u.QuotaResetAt == nil || now.After(*u.QuotaResetAt) {
		used = 0
		resetAt = NextReset(now, m.loc)
	} else {
		resetAt = u.QuotaResetAt.In(m.loc)
	}

	out := Usage{Limit: u.QuotaLimit, Used: used, ResetAt: resetAt}
	out.Remaining = u.QuotaLimit - used
	if out.Remaining < 0 {
		out.Remaining = 0
	}
	if u.QuotaLimit > 0 {
		out.Percent = float64(used) * 100 / float64(u.QuotaLimit)
	} else if used > 0 {
		out.Percent = 100
	}
	return out, nil
}
