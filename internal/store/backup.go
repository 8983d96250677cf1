package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/gryphonracing/rosterlink/internal/model"
)

// BackupStore records the history of database snapshots.
type BackupStore struct {
	db *sql.DB
}

func NewBackupStore(db *sql.DB) *BackupStore {
	return &BackupStore{db: db}
}

const backupCols = `id, s3_key, size_bytes, status, error_message, started_at, completed_at`

func scanBackup(scanner interface{ Scan(...any) error }) (*model.Backup, error) {
	var b model.Backup
	var errMsg sql.NullString
	var startedAt int64
	var completedAt sql.NullInt64

	if err := scanner.Scan(&b.ID, &b.S3Key, &b.SizeBytes, &b.Status, &errMsg, &startedAt, &completedAt); err != nil {
		return nil, err
	}

	b.ErrorMessage = errMsg.String
	b.StartedAt = time.UnixMilli(startedAt).UTC()
	if completedAt.Valid {
		t := time.UnixMilli(completedAt.Int64).UTC()
		b.CompletedAt = &t
	}
	return &b, nil
}

// Create inserts a pending backup for s3Key.
func (s *BackupStore) Create(ctx context.Context, s3Key string, startedAt time.Time) (*model.Backup, error) {
	res, err := conn(ctx, s.db).ExecContext(ctx,
		`INSERT INTO backups (s3_key, status, started_at) VALUES (?, ?, ?)`,
		s3Key, model.BackupStatusPending, startedAt.UnixMilli(),
	)
	if err != nil {
		return nil, unavailable("create backup", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, unavailable("create backup", err)
	}
	return &model.Backup{
		ID:        id,
		S3Key:     s3Key,
		Status:    model.BackupStatusPending,
		StartedAt: time.UnixMilli(startedAt.UnixMilli()).UTC(),
	}, nil
}

// Get returns the backup with id, or nil.
func (s *BackupStore) Get(ctx context.Context, id int64) (*model.Backup, error) {
	row := conn(ctx, s.db).QueryRowContext(ctx, `SELECT `+backupCols+` FROM backups WHERE id = ?`, id)
	b, err := scanBackup(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable(fmt.Sprintf("get backup %d", id), err)
	}
	return b, nil
}

// List returns the newest backups first.
func (s *BackupStore) List(ctx context.Context, limit int) ([]model.Backup, error) {
	rows, err := conn(ctx, s.db).QueryContext(ctx,
		`SELECT `+backupCols+` FROM backups ORDER BY started_at DESC, id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, unavailable("list backups", err)
	}
	defer rows.Close()

	var backups []model.Backup
	for rows.Next() {
		b, err := scanBackup(rows)
		if err != nil {
			return nil, unavailable("scan backup", err)
		}
		backups = append(backups, *b)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list backups", err)
	}
	return backups, nil
}

func (s *BackupStore) MarkCompleted(ctx context.Context, id, sizeBytes int64, at time.Time) error {
	_, err := conn(ctx, s.db).ExecContext(ctx,
		`UPDATE backups SET status = ?, size_bytes = ?, completed_at = ?, error_message = NULL WHERE id = ?`,
		model.BackupStatusCompleted, sizeBytes, at.UnixMilli(), id,
	)
	if err != nil {
		return unavailable("complete backup", err)
	}
	return nil
}

func (s *BackupStore) MarkFailed(ctx context.Context, id int64, errorMsg string) error {
	_, err := conn(ctx, s.db).ExecContext(ctx,
		`UPDATE backups SET status = ?, error_message = ? WHERE id = ?`,
		model.BackupStatusFailed, errorMsg, id,
	)
	if err != nil {
		return unavailable("fail backup", err)
	}
	return nil
}

// DeleteOlderThan deletes backups started before the cutoff and returns the
// object keys they referenced.
func (s *BackupStore) DeleteOlderThan(ctx context.Context, before time.Time) ([]string, error) {
	var keys []string
	err := RunInTx(ctx, s.db, func(ctx context.Context) error {
		q := conn(ctx, s.db)
		rows, err := q.QueryContext(ctx, `SELECT s3_key FROM backups WHERE started_at < ?`, before.UnixMilli())
		if err != nil {
			return unavailable("select old backups", err)
		}
		defer rows.Close()

		for rows.Next() {
			var key string
			if err := rows.Scan(&key); err != nil {
				return unavailable("scan backup key", err)
			}
			keys = append(keys, key)
		}
		if err := rows.Err(); err != nil {
			return unavailable("select old backups", err)
		}

		if _, err := q.ExecContext(ctx, `DELETE FROM backups WHERE started_at < ?`, before.UnixMilli()); err != nil {
			return unavailable("delete old backups", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}

// LatestCompleted returns the most recent successful backup, or nil.
func (s *BackupStore) LatestCompleted(ctx context.Context) (*model.Backup, error) {
	row := conn(ctx, s.db).QueryRowContext(ctx,
		`SELECT `+backupCols+` FROM backups WHERE status = ? ORDER BY completed_at DESC LIMIT 1`,
		model.BackupStatusCompleted,
	)
	b, err := scanBackup(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("latest completed backup", err)
	}
	return b, nil
}
