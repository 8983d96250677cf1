package store

import (
	"context"
	"testing"
	"time"

	"github.com/gryphonracing/rosterlink/internal/model"
)

func TestBackupCreate(t *testing.T) {
	bs := NewBackupStore(openTestDB(t))
	ctx := context.Background()
	started := time.Date(2026, 3, 1, 3, 30, 0, 0, time.UTC)

	b, err := bs.Create(ctx, "rosterlink/2026-03-01T033000Z.db.enc", started)
	if err != nil {
		t.Fatalf("create backup: %v", err)
	}
	if b.ID == 0 {
		t.Error("expected non-zero ID")
	}
	if b.Status != model.BackupStatusPending {
		t.Errorf("status = %q, want %q", b.Status, model.BackupStatusPending)
	}

	got, err := bs.Get(ctx, b.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.StartedAt.Equal(started) {
		t.Errorf("started_at = %v, want %v", got.StartedAt, started)
	}
	if got.CompletedAt != nil {
		t.Error("pending backup should have no completed_at")
	}
}

func TestBackupGetMissing(t *testing.T) {
	bs := NewBackupStore(openTestDB(t))

	got, err := bs.Get(context.Background(), 99)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != nil {
		t.Errorf("got %+v, want nil", got)
	}
}

func TestBackupStatusTransitions(t *testing.T) {
	bs := NewBackupStore(openTestDB(t))
	ctx := context.Background()
	now := time.Now().UTC()

	ok, _ := bs.Create(ctx, "a.db.enc", now.Add(-time.Minute))
	bad, _ := bs.Create(ctx, "b.db.enc", now)

	if err := bs.MarkCompleted(ctx, ok.ID, 4096, now); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if err := bs.MarkFailed(ctx, bad.ID, "upload failed"); err != nil {
		t.Fatalf("fail: %v", err)
	}

	got, _ := bs.Get(ctx, ok.ID)
	if got.Status != model.BackupStatusCompleted || got.SizeBytes != 4096 || got.CompletedAt == nil {
		t.Errorf("completed backup = %+v", got)
	}
	got, _ = bs.Get(ctx, bad.ID)
	if got.Status != model.BackupStatusFailed || got.ErrorMessage != "upload failed" {
		t.Errorf("failed backup = %+v", got)
	}

	latest, err := bs.LatestCompleted(ctx)
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if latest == nil || latest.ID != ok.ID {
		t.Errorf("latest completed = %+v, want id %d", latest, ok.ID)
	}
}

func TestBackupListNewestFirst(t *testing.T) {
	bs := NewBackupStore(openTestDB(t))
	ctx := context.Background()
	base := time.Now().UTC()

	for i := 0; i < 3; i++ {
		bs.Create(ctx, "k"+string(rune('a'+i)), base.Add(time.Duration(i)*time.Hour))
	}

	list, err := bs.List(ctx, 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("len = %d, want 2", len(list))
	}
	if list[0].S3Key != "kc" || list[1].S3Key != "kb" {
		t.Errorf("order = %s, %s", list[0].S3Key, list[1].S3Key)
	}
}

func TestBackupDeleteOlderThan(t *testing.T) {
	bs := NewBackupStore(openTestDB(t))
	ctx := context.Background()
	now := time.Now().UTC()

	bs.Create(ctx, "old.db.enc", now.AddDate(0, 0, -40))
	bs.Create(ctx, "new.db.enc", now.AddDate(0, 0, -1))

	keys, err := bs.DeleteOlderThan(ctx, now.AddDate(0, 0, -30))
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if len(keys) != 1 || keys[0] != "old.db.enc" {
		t.Errorf("deleted keys = %v", keys)
	}

	list, _ := bs.List(ctx, 10)
	if len(list) != 1 || list[0].S3Key != "new.db.enc" {
		t.Errorf("remaining = %+v", list)
	}
}
