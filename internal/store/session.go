package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/gryphonracing/rosterlink/internal/model"
)

// SessionStore persists pending verification sessions. One row per email.
type SessionStore struct {
	db *sql.DB
}

func NewSessionStore(db *sql.DB) *SessionStore {
	return &SessionStore{db: db}
}

const sessionCols = `email, account_id, code, issued_at`

func scanSession(scanner interface{ Scan(...any) error }) (*model.VerificationSession, error) {
	var s model.VerificationSession
	var accountID, code, issuedAt int64

	if err := scanner.Scan(&s.Email, &accountID, &code, &issuedAt); err != nil {
		return nil, err
	}

	s.AccountID = uint64(accountID)
	s.Code = uint64(code)
	s.IssuedAt = time.UnixMilli(issuedAt).UTC()
	return &s, nil
}

// GetByEmail returns the session for email, or nil.
func (s *SessionStore) GetByEmail(ctx context.Context, email string) (*model.VerificationSession, error) {
	row := conn(ctx, s.db).QueryRowContext(ctx,
		`SELECT `+sessionCols+` FROM verification_sessions WHERE email = ?`,
		model.NormalizeEmail(email),
	)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("get session", err)
	}
	return sess, nil
}

// GetByAccount returns the most recently issued session for accountID, or nil.
func (s *SessionStore) GetByAccount(ctx context.Context, accountID uint64) (*model.VerificationSession, error) {
	row := conn(ctx, s.db).QueryRowContext(ctx,
		`SELECT `+sessionCols+` FROM verification_sessions WHERE account_id = ? ORDER BY issued_at DESC, email LIMIT 1`,
		int64(accountID),
	)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("get session by account", err)
	}
	return sess, nil
}

// Upsert creates the session for its email or replaces the existing one.
func (s *SessionStore) Upsert(ctx context.Context, sess model.VerificationSession) error {
	_, err := conn(ctx, s.db).ExecContext(ctx,
		`INSERT INTO verification_sessions (email, account_id, code, issued_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(email) DO UPDATE SET
			account_id = excluded.account_id,
			code = excluded.code,
			issued_at = excluded.issued_at`,
		model.NormalizeEmail(sess.Email), int64(sess.AccountID), int64(sess.Code), sess.IssuedAt.UTC().UnixMilli(),
	)
	if err != nil {
		return unavailable("upsert session", err)
	}
	return nil
}

// Delete removes the session for email.
func (s *SessionStore) Delete(ctx context.Context, email string) (int64, error) {
	return s.exec(ctx, "delete session",
		`DELETE FROM verification_sessions WHERE email = ?`, model.NormalizeEmail(email))
}

// DeleteByAccount removes every session held by accountID.
func (s *SessionStore) DeleteByAccount(ctx context.Context, accountID uint64) (int64, error) {
	return s.exec(ctx, "delete sessions by account",
		`DELETE FROM verification_sessions WHERE account_id = ?`, int64(accountID))
}

// DeleteMatching consumes the session only if email, account and code all
// still match. A second concurrent consume sees 0 rows.
func (s *SessionStore) DeleteMatching(ctx context.Context, email string, accountID, code uint64) (int64, error) {
	return s.exec(ctx, "consume session",
		`DELETE FROM verification_sessions WHERE email = ? AND account_id = ? AND code = ?`,
		model.NormalizeEmail(email), int64(accountID), int64(code))
}

// DeleteExpired removes sessions issued before cutoff.
func (s *SessionStore) DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	return s.exec(ctx, "delete expired sessions",
		`DELETE FROM verification_sessions WHERE issued_at < ?`, cutoff.UTC().UnixMilli())
}

// Count returns the number of pending sessions.
func (s *SessionStore) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := conn(ctx, s.db).QueryRowContext(ctx, `SELECT COUNT(*) FROM verification_sessions`).Scan(&n); err != nil {
		return 0, unavailable("count sessions", err)
	}
	return n, nil
}

func (s *SessionStore) exec(ctx context.Context, op, query string, args ...any) (int64, error) {
	result, err := conn(ctx, s.db).ExecContext(ctx, query, args...)
	if err != nil {
		return 0, unavailable(op, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, unavailable(op, err)
	}
	return n, nil
}
