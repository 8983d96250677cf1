// Package backup pushes encrypted snapshots of the database to S3-compatible
// storage and restores them for inspection.
package backup

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	_ "modernc.org/sqlite"

	"github.com/gryphonracing/rosterlink/internal/metrics"
	"github.com/gryphonracing/rosterlink/internal/model"
	"github.com/gryphonracing/rosterlink/internal/objstore"
	"github.com/gryphonracing/rosterlink/internal/sentinel"
	"github.com/gryphonracing/rosterlink/internal/store"
)

// s3Client is an interface for testability.
type s3Client interface {
	PutObject(ctx context.Context, input *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, input *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, input *s3.DeleteObjectInput, opts ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// Config holds backup manager configuration. An empty Bucket disables backups.
type Config struct {
	S3            objstore.Config
	Bucket        string
	Prefix        string
	Passphrase    string
	RetentionDays int
}

// State represents the backup manager state.
type State string

const (
	StateIdle     State = "idle"
	StateRunning  State = "running"
	StateDisabled State = "disabled"
	StateError    State = "error"
)

// Status holds the current backup manager status.
type Status struct {
	State      State      `json:"state"`
	LastBackup *time.Time `json:"last_backup,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// StatusCallback is called whenever the backup state changes.
type StatusCallback func(Status)

var (
	ErrDisabled   = errors.New("backups are not configured")
	ErrInProgress = errors.New("a backup is already running")
)

// Manager takes encrypted snapshots of the database.
type Manager struct {
	cfg      Config
	db       *sql.DB
	backups  *store.BackupStore
	client   s3Client
	metrics  *metrics.Metrics
	callback StatusCallback
	logger   *slog.Logger
	now      func() time.Time

	running sync.Mutex

	mu     sync.RWMutex
	status Status
}

func NewManager(cfg Config, db *sql.DB, backups *store.BackupStore, m *metrics.Metrics, callback StatusCallback, logger *slog.Logger) *Manager {
	mgr := &Manager{
		cfg:      cfg,
		db:       db,
		backups:  backups,
		metrics:  m,
		callback: callback,
		logger:   logger.With("component", "backup"),
		now:      time.Now,
		status:   Status{State: StateDisabled},
	}
	if cfg.Bucket != "" {
		mgr.client = objstore.NewClient(cfg.S3)
		mgr.status.State = StateIdle
	}
	return mgr
}

func (m *Manager) Enabled() bool {
	return m.client != nil
}

// Status returns the current backup status.
func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

func (m *Manager) setStatus(s Status) {
	m.mu.Lock()
	if s.LastBackup == nil {
		s.LastBackup = m.status.LastBackup
	}
	m.status = s
	m.mu.Unlock()
	if m.callback != nil {
		m.callback(s)
	}
}

// RunNow snapshots the database, seals it and uploads it. Only one backup
// runs at a time.
func (m *Manager) RunNow(ctx context.Context) (*model.Backup, error) {
	if !m.Enabled() {
		return nil, ErrDisabled
	}
	if !m.running.TryLock() {
		return nil, ErrInProgress
	}
	defer m.running.Unlock()

	b, err := m.run(ctx)
	m.metrics.ObserveBackup(err)
	if err != nil {
		m.setStatus(Status{State: StateError, Error: err.Error()})
		return b, err
	}
	at := *b.CompletedAt
	m.setStatus(Status{State: StateIdle, LastBackup: &at})
	m.logger.Info("backup uploaded", "id", b.ID, "key", b.S3Key, "size_bytes", b.SizeBytes)
	return b, nil
}

func (m *Manager) run(ctx context.Context) (*model.Backup, error) {
	started := m.now().UTC()
	key := m.cfg.Prefix + "rosterlink-" + started.Format("2006-01-02T150405Z") + ".db.enc"

	b, err := m.backups.Create(ctx, key, started)
	if err != nil {
		return nil, fmt.Errorf("create backup record: %w", err)
	}
	m.setStatus(Status{State: StateRunning})

	fail := func(err error) (*model.Backup, error) {
		// Use a fresh context so a cancelled run is still recorded.
		if markErr := m.backups.MarkFailed(context.WithoutCancel(ctx), b.ID, err.Error()); markErr != nil {
			m.logger.Error("record backup failure", "id", b.ID, "error", markErr)
		}
		b.Status = model.BackupStatusFailed
		b.ErrorMessage = err.Error()
		return b, err
	}

	plain, err := m.snapshot(ctx)
	if err != nil {
		return fail(err)
	}
	sealed, err := seal(plain, m.cfg.Passphrase)
	if err != nil {
		return fail(fmt.Errorf("seal snapshot: %w", err))
	}

	_, err = m.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(m.cfg.Bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(sealed),
		ContentLength: aws.Int64(int64(len(sealed))),
	})
	if err != nil {
		return fail(fmt.Errorf("upload to s3: %w: %w", sentinel.ErrExternalAPI, err))
	}

	done := m.now().UTC()
	if err := m.backups.MarkCompleted(ctx, b.ID, int64(len(sealed)), done); err != nil {
		return fail(err)
	}
	b.Status = model.BackupStatusCompleted
	b.SizeBytes = int64(len(sealed))
	b.CompletedAt = &done
	return b, nil
}

// snapshot writes a consistent copy of the live database with VACUUM INTO
// and returns its bytes.
func (m *Manager) snapshot(ctx context.Context) ([]byte, error) {
	dir, err := os.MkdirTemp("", "rosterlink-backup-")
	if err != nil {
		return nil, fmt.Errorf("create temp dir: %w", err)
	}
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, "snapshot.db")
	if _, err := m.db.ExecContext(ctx, `VACUUM INTO '`+strings.ReplaceAll(path, "'", "''")+`'`); err != nil {
		return nil, fmt.Errorf("vacuum into: %w: %w", sentinel.ErrStorageUnavailable, err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	return data, nil
}

// Cleanup deletes backups older than the retention period from both the
// history table and the bucket.
func (m *Manager) Cleanup(ctx context.Context) error {
	if !m.Enabled() || m.cfg.RetentionDays <= 0 {
		return nil
	}

	before := m.now().UTC().AddDate(0, 0, -m.cfg.RetentionDays)
	keys, err := m.backups.DeleteOlderThan(ctx, before)
	if err != nil {
		return fmt.Errorf("delete old backups: %w", err)
	}

	for _, key := range keys {
		if _, err := m.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(m.cfg.Bucket),
			Key:    aws.String(key),
		}); err != nil {
			m.logger.Warn("delete backup object", "key", key, "error", err)
		}
	}
	if len(keys) > 0 {
		m.logger.Info("old backups removed", "count", len(keys))
	}
	return nil
}

// RunAndCleanup is the scheduled job: back up, then apply retention.
func (m *Manager) RunAndCleanup(ctx context.Context) error {
	if _, err := m.RunNow(ctx); err != nil {
		return err
	}
	return m.Cleanup(ctx)
}

// Restore downloads backup id, decrypts it and writes it to dst after an
// integrity check. The live database is never touched.
func (m *Manager) Restore(ctx context.Context, id int64, dst string) error {
	if !m.Enabled() {
		return ErrDisabled
	}
	b, err := m.backups.Get(ctx, id)
	if err != nil {
		return err
	}
	if b == nil || b.Status != model.BackupStatusCompleted {
		return fmt.Errorf("backup %d: %w", id, sentinel.ErrNotFound)
	}

	out, err := m.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(m.cfg.Bucket),
		Key:    aws.String(b.S3Key),
	})
	if err != nil {
		return fmt.Errorf("download from s3: %w: %w", sentinel.ErrExternalAPI, err)
	}
	defer out.Body.Close()

	sealed, err := io.ReadAll(out.Body)
	if err != nil {
		return fmt.Errorf("read backup object: %w", err)
	}
	plain, err := unseal(sealed, m.cfg.Passphrase)
	if err != nil {
		return fmt.Errorf("unseal backup %d: %w", id, err)
	}

	tmp := dst + ".partial"
	if err := os.WriteFile(tmp, plain, 0o600); err != nil {
		return fmt.Errorf("write restored db: %w", err)
	}
	defer os.Remove(tmp)

	if err := checkIntegrity(ctx, tmp); err != nil {
		return err
	}
	if err := os.Rename(tmp, dst); err != nil {
		return fmt.Errorf("move restored db: %w", err)
	}
	m.logger.Info("backup restored", "id", id, "path", dst)
	return nil
}

func checkIntegrity(ctx context.Context, path string) error {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return fmt.Errorf("open restored db: %w", err)
	}
	defer db.Close()

	var result string
	if err := db.QueryRowContext(ctx, "PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("integrity check: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("integrity check failed: %s", result)
	}
	return nil
}
