package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
)

var sessionColumns = []string{"id", "user_id", "provider_config_id", "title", "status", "message_count", "system_prompt", "created_at", "updated_at"}

var messageColumns = []string{"id", "session_id", "user_id", "provider_config_id", "role", "content", "token_count", "response_time_ms", "error_text", "compliance_status", "compliance_detail", "created_at"}

func (s *Store) CreateSession(ctx context.Context, sess Session) (Session, error) {
	if sess.Status == "" {
		sess.Status = SessionActive
	}
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = time.Now()
	}
	sess.CreatedAt = dbTime(sess.CreatedAt)
	sess.UpdatedAt = sess.CreatedAt

	q := s.sql.Insert("chat_sessions").
		Columns("user_id", "provider_config_id", "title", "status", "message_count", "system_prompt", "created_at", "updated_at").
		Values(sess.UserID, sess.ProviderConfigID, sess.Title, sess.Status, sess.MessageCount, sess.SystemPrompt, sess.CreatedAt, sess.UpdatedAt).
		Suffix("RETURNING id")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return Session{}, fmt.Errorf("build create session query: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&sess.ID); err != nil {
		return Session{}, fmt.Errorf("create session: %w", err)
	}
	return sess, nil
}

func (s *Store) GetSession(ctx context.Context, sessionID int64) (Session, error) {
	q := s.sql.Select(sessionColumns...).From("chat_sessions").Where(sq.Eq{"id": sessionID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return Session{}, fmt.Errorf("build get session query: %w", err)
	}
	sess, err := scanSession(s.db.QueryRowContext(ctx, sqlStr, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, ErrNotFound
		}
		return Session{}, fmt.Errorf("get session: %w", err)
	}
	return sess, nil
}

// ListSessions returns the user's sessions, most recently updated first.
func (s *Store) ListSessions(ctx context.Context, userID int64) ([]Session, error) {
	q := s.sql.Select(sessionColumns...).
		From("chat_sessions").
		Where(sq.Eq{"user_id": userID}).
		OrderBy("updated_at DESC", "id DESC")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list sessions query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	out := make([]Session, 0)
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate session rows: %w", err)
	}
	return out, nil
}

// TouchSession bumps the message counter by delta and stamps updated_at.
func (s *Store) TouchSession(ctx context.Context, sessionID int64, delta int, now time.Time) error {
	q := s.sql.Update("chat_sessions").
		Set("message_count", sq.Expr("message_count + ?", delta)).
		Set("updated_at", dbTime(now)).
		Where(sq.Eq{"id": sessionID})
	ok, err := s.execAffected(ctx, q, "touch session")
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	return nil
}

func (s *Store) SetSessionStatus(ctx context.Context, userID, sessionID int64, status string, now time.Time) error {
	q := s.sql.Update("chat_sessions").
		Set("status", status).
		Set("updated_at", dbTime(now)).
		Where(sq.Eq{"id": sessionID, "user_id": userID})
	ok, err := s.execAffected(ctx, q, "set session status")
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	return nil
}

// DeleteSession removes the session and all of its messages in one transaction.
func (s *Store) DeleteSession(ctx context.Context, userID, sessionID int64) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin delete session tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	msgSQL, msgArgs, err := s.sql.Delete("chat_messages").Where(sq.Eq{"session_id": sessionID}).ToSql()
	if err != nil {
		return false, fmt.Errorf("build delete messages query: %w", err)
	}
	if _, err := tx.ExecContext(ctx, msgSQL, msgArgs...); err != nil {
		return false, fmt.Errorf("delete session messages: %w", err)
	}

	sessSQL, sessArgs, err := s.sql.Delete("chat_sessions").Where(sq.Eq{"id": sessionID, "user_id": userID}).ToSql()
	if err != nil {
		return false, fmt.Errorf("build delete session query: %w", err)
	}
	res, err := tx.ExecContext(ctx, sessSQL, sessArgs...)
	if err != nil {
		return false, fmt.Errorf("delete session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete session rows affected: %w", err)
	}
	if n == 0 {
		return false, nil
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit delete session: %w", err)
	}
	return true, nil
}

func (s *Store) InsertMessage(ctx context.Context, m Message) (Message, error) {
	if m.ComplianceStatus == "" {
		m.ComplianceStatus = ComplianceUnchecked
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	m.CreatedAt = dbTime(m.CreatedAt)

	q := s.sql.Insert("chat_messages").
		Columns("session_id", "user_id", "provider_config_id", "role", "content", "token_count", "response_time_ms", "error_text", "compliance_status", "compliance_detail", "created_at").
		Values(m.SessionID, m.UserID, m.ProviderConfigID, m.Role, m.Content, m.TokenCount, m.ResponseTimeMs, m.ErrorText, m.ComplianceStatus, m.ComplianceDetail, m.CreatedAt).
		Suffix("RETURNING id")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return Message{}, fmt.Errorf("build insert message query: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&m.ID); err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}
	return m, nil
}

// UncheckedFilter selects messages still waiting for a compliance verdict.
// UserID 0 matches every user.
type UncheckedFilter struct {
	UserID        int64
	AfterID       int64
	CreatedBefore time.Time
	Limit         int
}

// UncheckedMessages returns UNCHECKED messages with id > AfterID in id order,
// so callers can page by passing the last id back.
func (s *Store) UncheckedMessages(ctx context.Context, f UncheckedFilter) ([]Message, error) {
	if f.Limit <= 0 {
		f.Limit = 100
	}
	q := s.sql.Select(messageColumns...).
		From("chat_messages").
		Where(sq.Eq{"compliance_status": ComplianceUnchecked}).
		Where(sq.Gt{"id": f.AfterID}).
		OrderBy("id ASC").
		Limit(uint64(f.Limit))
	if f.UserID > 0 {
		q = q.Where(sq.Eq{"user_id": f.UserID})
	}
	if !f.CreatedBefore.IsZero() {
		q = q.Where(sq.Lt{"created_at": dbTime(f.CreatedBefore)})
	}
	return s.queryMessages(ctx, q)
}

// ListMessages returns every message of the session in creation order.
func (s *Store) ListMessages(ctx context.Context, sessionID int64) ([]Message, error) {
	q := s.sql.Select(messageColumns...).
		From("chat_messages").
		Where(sq.Eq{"session_id": sessionID}).
		OrderBy("id ASC")
	return s.queryMessages(ctx, q)
}

// RecentMessages returns up to limit of the latest error-free messages older
// than beforeID, oldest first. beforeID <= 0 means no upper bound.
func (s *Store) RecentMessages(ctx context.Context, sessionID, beforeID int64, limit int) ([]Message, error) {
	q := s.sql.Select(messageColumns...).
		From("chat_messages").
		Where(sq.Eq{"session_id": sessionID, "error_text": nil}).
		OrderBy("id DESC").
		Limit(uint64(limit))
	if beforeID > 0 {
		q = q.Where(sq.Lt{"id": beforeID})
	}
	out, err := s.queryMessages(ctx, q)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// SetCompliance records a verdict on a message that has not been evaluated yet.
// It reports false when the message was already evaluated or does not exist.
func (s *Store) SetCompliance(ctx context.Context, messageID int64, status string, detail string) (bool, error) {
	if status != CompliancePass && status != ComplianceFail {
		return false, fmt.Errorf("invalid compliance status %q", status)
	}
	q := s.sql.Update("chat_messages").
		Set("compliance_status", status).
		Set("compliance_detail", detail).
		Where(sq.Eq{"id": messageID, "compliance_status": ComplianceUnchecked})
	return s.execAffected(ctx, q, "set compliance")
}

func (s *Store) queryMessages(ctx context.Context, q sq.SelectBuilder) ([]Message, error) {
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list messages query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	out := make([]Message, 0)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message rows: %w", err)
	}
	return out, nil
}

func scanSession(row rowScanner) (Session, error) {
	var sess Session
	var systemPrompt sql.NullString
	if err := row.Scan(
		&sess.ID,
		&sess.UserID,
		&sess.ProviderConfigID,
		&sess.Title,
		&sess.Status,
		&sess.MessageCount,
		&systemPrompt,
		&sess.CreatedAt,
		&sess.UpdatedAt,
	); err != nil {
		return Session{}, err
	}
	if systemPrompt.Valid {
		sess.SystemPrompt = &systemPrompt.String
	}
	return sess, nil
}

func scanMessage(row rowScanner) (Message, error) {
	var m Message
	var tokenCount, responseTime sql.NullInt64
	var errorText, detail sql.NullString
	if err := row.Scan(
		&m.ID,
		&m.SessionID,
		&m.UserID,
		&m.ProviderConfigID,
		&m.Role,
		&m.Content,
		&tokenCount,
		&responseTime,
		&errorText,
		&m.ComplianceStatus,
		&detail,
		&m.CreatedAt,
	); err != nil {
		return Message{}, err
	}
	if tokenCount.Valid {
		n := int(tokenCount.Int64)
		m.TokenCount = &n
	}
	if responseTime.Valid {
		m.ResponseTimeMs = &responseTime.Int64
	}
	if errorText.Valid {
		m.ErrorText = &errorText.String
	}
	if detail.Valid {
		m.ComplianceDetail = &detail.String
	}
	return m, nil
}
