package backup

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/gryphonracing/rosterlink/internal/database"
	"github.com/gryphonracing/rosterlink/internal/model"
	"github.com/gryphonracing/rosterlink/internal/objstore"
	"github.com/gryphonracing/rosterlink/internal/sentinel"
	"github.com/gryphonracing/rosterlink/internal/store"
)

// mockS3Client implements s3Client for testing.
type mockS3Client struct {
	mu      sync.Mutex
	objects map[string][]byte
	putErr  error
	getErr  error
	delErr  error
}

func newMockS3() *mockS3Client {
	return &mockS3Client{objects: make(map[string][]byte)}
}

func (m *mockS3Client) PutObject(_ context.Context, input *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if m.putErr != nil {
		return nil, m.putErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	data, _ := io.ReadAll(input.Body)
	m.objects[*input.Key] = data
	return &s3.PutObjectOutput{}, nil
}

func (m *mockS3Client) GetObject(_ context.Context, input *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	if m.getErr != nil {
		return nil, m.getErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[*input.Key]
	if !ok {
		return nil, errors.New("NoSuchKey")
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (m *mockS3Client) DeleteObject(_ context.Context, input *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	if m.delErr != nil {
		return nil, m.delErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, *input.Key)
	return &s3.DeleteObjectOutput{}, nil
}

type fixture struct {
	db       *sql.DB
	mgr      *Manager
	s3       *mockS3Client
	backups  *store.BackupStore
	statuses []Status
}

func setup(t *testing.T) *fixture {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	f := &fixture{db: db, s3: newMockS3(), backups: store.NewBackupStore(db)}
	cfg := Config{
		S3:            objstore.Config{Region: "us-east-1"},
		Bucket:        "club-backups",
		Prefix:        "rosterlink/",
		Passphrase:    "correct horse battery",
		RetentionDays: 30,
	}
	f.mgr = NewManager(cfg, db, f.backups, nil, func(s Status) { f.statuses = append(f.statuses, s) }, slog.New(slog.NewTextHandler(io.Discard, nil)))
	f.mgr.client = f.s3
	return f
}

func TestManagerDisabledWithoutBucket(t *testing.T) {
	m := NewManager(Config{}, nil, nil, nil, nil, slog.Default())
	if m.Status().State != StateDisabled {
		t.Errorf("state = %q, want %q", m.Status().State, StateDisabled)
	}
	if _, err := m.RunNow(context.Background()); !errors.Is(err, ErrDisabled) {
		t.Errorf("RunNow = %v, want ErrDisabled", err)
	}
	if err := m.Cleanup(context.Background()); err != nil {
		t.Errorf("Cleanup on disabled manager = %v", err)
	}
}

func TestRunNowUploadsSealedSnapshot(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	name := "Ada"
	store.NewVerificationStore(f.db).UpsertRoster(ctx, model.VerificationRecord{Email: "ada@uoguelph.ca", Name: &name})

	b, err := f.mgr.RunNow(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if b.Status != model.BackupStatusCompleted || b.SizeBytes == 0 {
		t.Errorf("backup = %+v", b)
	}
	if !strings.HasPrefix(b.S3Key, "rosterlink/rosterlink-") || !strings.HasSuffix(b.S3Key, ".db.enc") {
		t.Errorf("key = %q", b.S3Key)
	}

	sealed := f.s3.objects[b.S3Key]
	if bytes.Contains(sealed, []byte("ada@uoguelph.ca")) {
		t.Error("uploaded object contains plaintext rows")
	}
	plain, err := unseal(sealed, "correct horse battery")
	if err != nil {
		t.Fatalf("unseal: %v", err)
	}
	if !bytes.HasPrefix(plain, []byte("SQLite format 3")) {
		t.Error("snapshot is not a sqlite database")
	}

	if len(f.statuses) != 2 || f.statuses[0].State != StateRunning || f.statuses[1].State != StateIdle {
		t.Errorf("statuses = %+v", f.statuses)
	}
	if f.mgr.Status().LastBackup == nil {
		t.Error("last backup time not recorded")
	}
}

func TestRunNowUploadFailure(t *testing.T) {
	f := setup(t)
	f.s3.putErr = errors.New("connection refused")

	b, err := f.mgr.RunNow(context.Background())
	if !errors.Is(err, sentinel.ErrExternalAPI) {
		t.Fatalf("err = %v, want ErrExternalAPI", err)
	}

	got, _ := f.backups.Get(context.Background(), b.ID)
	if got.Status != model.BackupStatusFailed || !strings.Contains(got.ErrorMessage, "connection refused") {
		t.Errorf("stored backup = %+v", got)
	}
	if f.mgr.Status().State != StateError {
		t.Errorf("state = %q, want %q", f.mgr.Status().State, StateError)
	}
}

func TestRunNowRejectsConcurrentRun(t *testing.T) {
	f := setup(t)
	f.mgr.running.Lock()
	defer f.mgr.running.Unlock()

	if _, err := f.mgr.RunNow(context.Background()); !errors.Is(err, ErrInProgress) {
		t.Errorf("err = %v, want ErrInProgress", err)
	}
}

func TestRestoreWritesVerifiedCopy(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	name := "Ada"
	store.NewVerificationStore(f.db).UpsertRoster(ctx, model.VerificationRecord{Email: "ada@uoguelph.ca", Name: &name})

	b, err := f.mgr.RunNow(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	dst := filepath.Join(t.TempDir(), "restored.db")
	if err := f.mgr.Restore(ctx, b.ID, dst); err != nil {
		t.Fatalf("restore: %v", err)
	}

	restored, err := sql.Open("sqlite", dst)
	if err != nil {
		t.Fatalf("open restored: %v", err)
	}
	defer restored.Close()
	var email string
	if err := restored.QueryRow(`SELECT email FROM verifications`).Scan(&email); err != nil {
		t.Fatalf("query restored: %v", err)
	}
	if email != "ada@uoguelph.ca" {
		t.Errorf("email = %q", email)
	}
}

func TestRestoreUnknownBackup(t *testing.T) {
	f := setup(t)

	err := f.mgr.Restore(context.Background(), 42, filepath.Join(t.TempDir(), "x.db"))
	if !errors.Is(err, sentinel.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestRestoreWrongPassphrase(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	b, err := f.mgr.RunNow(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	f.mgr.cfg.Passphrase = "something else"
	if err := f.mgr.Restore(ctx, b.ID, filepath.Join(t.TempDir(), "x.db")); err == nil {
		t.Error("expected error with wrong passphrase")
	}
}

func TestCleanupRemovesExpired(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	f.mgr.now = func() time.Time { return time.Now().AddDate(0, 0, -45) }
	old, err := f.mgr.RunNow(ctx)
	if err != nil {
		t.Fatalf("old run: %v", err)
	}
	f.mgr.now = time.Now
	recent, err := f.mgr.RunNow(ctx)
	if err != nil {
		t.Fatalf("recent run: %v", err)
	}

	if err := f.mgr.Cleanup(ctx); err != nil {
		t.Fatalf("cleanup: %v", err)
	}

	if _, ok := f.s3.objects[old.S3Key]; ok {
		t.Error("expired object still in bucket")
	}
	if _, ok := f.s3.objects[recent.S3Key]; !ok {
		t.Error("recent object was removed")
	}
	list, _ := f.backups.List(ctx, 10)
	if len(list) != 1 || list[0].ID != recent.ID {
		t.Errorf("remaining history = %+v", list)
	}
}
