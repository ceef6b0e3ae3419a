package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"chatgate/internal/quota"
	"chatgate/internal/storage"
)

type History struct {
	Session  storage.Session   `json:"session"`
	Messages []storage.Message `json:"messages"`
}

func (o *Orchestrator) GetSessionHistory(ctx context.Context, userID, sessionID int64) (History, error) {
	sess, err := o.ownedSession(ctx, userID, sessionID)
	if err != nil {
		return History{}, err
	}
	msgs, err := o.store.ListMessages(ctx, sess.ID)
	if err != nil {
		return History{}, fmt.Errorf("load messages: %w", err)
	}
	return History{Session: sess, Messages: msgs}, nil
}

// ListSessions returns the user's sessions, most recently updated first.
func (o *Orchestrator) ListSessions(ctx context.Context, userID int64) ([]storage.Session, error) {
	sessions, err := o.store.ListSessions(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return sessions, nil
}

// DeleteSession removes a session together with its messages.
func (o *Orchestrator) DeleteSession(ctx context.Context, userID, sessionID int64) (bool, error) {
	if _, err := o.ownedSession(ctx, userID, sessionID); err != nil {
		return false, err
	}

	unlock := o.locks.Lock(sessionID)
	defer unlock()

	deleted, err := o.store.DeleteSession(ctx, userID, sessionID)
	if err != nil {
		return false, fmt.Errorf("delete session: %w", err)
	}
	if deleted {
		o.audit(ctx, userID, "session.delete", sessionID)
	}
	return deleted, nil
}

func (o *Orchestrator) ArchiveSession(ctx context.Context, userID, sessionID int64) error {
	if _, err := o.ownedSession(ctx, userID, sessionID); err != nil {
		return err
	}

	unlock := o.locks.Lock(sessionID)
	defer unlock()

	if err := o.store.SetSessionStatus(ctx, userID, sessionID, storage.SessionArchived, o.now()); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrSessionForbidden
		}
		return fmt.Errorf("archive session: %w", err)
	}
	o.audit(ctx, userID, "session.archive", sessionID)
	return nil
}

func (o *Orchestrator) Usage(ctx context.Context, userID int64) (quota.Usage, error) {
	return o.quota.Usage(ctx, userID)
}

func (o *Orchestrator) audit(ctx context.Context, userID int64, action string, sessionID int64) {
	meta, _ := json.Marshal(map[string]int64{"session_id": sessionID})
	if err := o.store.LogAction(ctx, storage.AuditEntry{UserID: userID, Action: action, MetaJSON: string(meta)}); err != nil {
		o.logger.Warn().Err(err).Str("action", action).Int64("session_id", sessionID).Msg("failed to write audit entry")
	}
}
