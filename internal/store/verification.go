package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/gryphonracing/rosterlink/internal/model"
)

// VerificationStore gives typed access to the verifications table.
type VerificationStore struct {
	db *sql.DB
}

func NewVerificationStore(db *sql.DB) *VerificationStore {
	return &VerificationStore{db: db}
}

const verificationCols = `email, name, in_roster, has_paid, account_id`

func scanVerification(scanner interface{ Scan(...any) error }) (*model.VerificationRecord, error) {
	var r model.VerificationRecord
	var name sql.NullString
	var inRoster, hasPaid sql.NullBool
	var accountID sql.NullInt64

	if err := scanner.Scan(&r.Email, &name, &inRoster, &hasPaid, &accountID); err != nil {
		return nil, err
	}

	if name.Valid {
		r.Name = &name.String
	}
	if inRoster.Valid {
		r.InRoster = &inRoster.Bool
	}
	if hasPaid.Valid {
		r.HasPaid = &hasPaid.Bool
	}
	if accountID.Valid {
		id := uint64(accountID.Int64)
		r.AccountID = &id
	}
	return &r, nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullBool(b *bool) sql.NullBool {
	if b == nil {
		return sql.NullBool{}
	}
	return sql.NullBool{Bool: *b, Valid: true}
}

func nullAccount(id *uint64) sql.NullInt64 {
	if id == nil || *id == 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*id), Valid: true}
}

// Get returns the record for email, or nil if there is none.
func (s *VerificationStore) Get(ctx context.Context, email string) (*model.VerificationRecord, error) {
	row := conn(ctx, s.db).QueryRowContext(ctx,
		`SELECT `+verificationCols+` FROM verifications WHERE email = ?`,
		model.NormalizeEmail(email),
	)
	r, err := scanVerification(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("get verification", err)
	}
	return r, nil
}

// GetByAccount returns the record linked to accountID, or nil. If a stale
// duplicate link exists the record with the smallest email is returned.
func (s *VerificationStore) GetByAccount(ctx context.Context, accountID uint64) (*model.VerificationRecord, error) {
	if accountID == 0 {
		return nil, nil
	}
	row := conn(ctx, s.db).QueryRowContext(ctx,
		`SELECT `+verificationCols+` FROM verifications WHERE account_id = ? ORDER BY email LIMIT 1`,
		int64(accountID),
	)
	r, err := scanVerification(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("get verification by account", err)
	}
	return r, nil
}

// SetAccountLink sets or clears (nil or 0) the account linked to email and
// returns the number of rows updated.
func (s *VerificationStore) SetAccountLink(ctx context.Context, email string, accountID *uint64) (int64, error) {
	result, err := conn(ctx, s.db).ExecContext(ctx,
		`UPDATE verifications SET account_id = ? WHERE email = ?`,
		nullAccount(accountID), model.NormalizeEmail(email),
	)
	if err != nil {
		return 0, unavailable("set account link", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, unavailable("rows affected", err)
	}
	return n, nil
}

// ClearAccountLink unlinks accountID from every record that carries it.
func (s *VerificationStore) ClearAccountLink(ctx context.Context, accountID uint64) (int64, error) {
	result, err := conn(ctx, s.db).ExecContext(ctx,
		`UPDATE verifications SET account_id = NULL WHERE account_id = ?`,
		int64(accountID),
	)
	if err != nil {
		return 0, unavailable("clear account link", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, unavailable("rows affected", err)
	}
	return n, nil
}

// UpsertRoster inserts the record or overwrites its roster-derived fields.
// account_id is never touched. Returns 0 when the stored row already matched.
func (s *VerificationStore) UpsertRoster(ctx context.Context, r model.VerificationRecord) (int64, error) {
	result, err := conn(ctx, s.db).ExecContext(ctx,
		`INSERT INTO verifications (email, name, in_roster, has_paid) VALUES (?, ?, ?, ?)
		 ON CONFLICT(email) DO UPDATE SET
			name = excluded.name,
			in_roster = excluded.in_roster,
			has_paid = excluded.has_paid
		 WHERE verifications.name IS NOT excluded.name
			OR verifications.in_roster IS NOT excluded.in_roster
			OR verifications.has_paid IS NOT excluded.has_paid`,
		model.NormalizeEmail(r.Email), nullString(r.Name), nullBool(r.InRoster), nullBool(r.HasPaid),
	)
	if err != nil {
		return 0, unavailable("upsert verification", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, unavailable("rows affected", err)
	}
	return n, nil
}

// Delete removes the record for email.
func (s *VerificationStore) Delete(ctx context.Context, email string) (int64, error) {
	result, err := conn(ctx, s.db).ExecContext(ctx,
		`DELETE FROM verifications WHERE email = ?`,
		model.NormalizeEmail(email),
	)
	if err != nil {
		return 0, unavailable("delete verification", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, unavailable("rows affected", err)
	}
	return n, nil
}

// ListEmails returns every stored email.
func (s *VerificationStore) ListEmails(ctx context.Context) ([]string, error) {
	rows, err := conn(ctx, s.db).QueryContext(ctx, `SELECT email FROM verifications ORDER BY email`)
	if err != nil {
		return nil, unavailable("list verification emails", err)
	}
	defer rows.Close()

	var emails []string
	for rows.Next() {
		var email string
		if err := rows.Scan(&email); err != nil {
			return nil, unavailable("scan email", err)
		}
		emails = append(emails, email)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list verification emails", err)
	}
	return emails, nil
}

// List returns every record ordered by email.
func (s *VerificationStore) List(ctx context.Context) ([]model.VerificationRecord, error) {
	rows, err := conn(ctx, s.db).QueryContext(ctx, `SELECT `+verificationCols+` FROM verifications ORDER BY email`)
	if err != nil {
		return nil, unavailable("list verifications", err)
	}
	defer rows.Close()

	var records []model.VerificationRecord
	for rows.Next() {
		r, err := scanVerification(rows)
		if err != nil {
			return nil, unavailable("scan verification", err)
		}
		records = append(records, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list verifications", err)
	}
	return records, nil
}

// Count returns the number of stored records and how many are linked.
func (s *VerificationStore) Count(ctx context.Context) (total, linked int64, err error) {
	err = conn(ctx, s.db).QueryRowContext(ctx,
		`SELECT COUNT(*), COUNT(NULLIF(account_id, 0)) FROM verifications`,
	).Scan(&total, &linked)
	if err != nil {
		return 0, 0, unavailable("count verifications", err)
	}
	return total, linked, nil
}
