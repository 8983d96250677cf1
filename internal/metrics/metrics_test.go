package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.SessionEvent("issued")
	m.DMDropped()
	m.ObserveReconcile("all", time.Now(), 1, 1, 1, 1, nil)
	m.ObserveImport(1, 1, 1, 1, nil)
	m.APIRetry()
	m.ObserveBackup(nil)
	m.SetSubscribers(2)
}

func TestObserveBackup(t *testing.T) {
	m := New()
	m.ObserveBackup(nil)
	m.ObserveBackup(errors.New("upload failed"))

	if got := testutil.ToFloat64(m.BackupRuns.WithLabelValues("ok")); got != 1 {
		t.Errorf("ok backups = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.BackupRuns.WithLabelValues("error")); got != 1 {
		t.Errorf("failed backups = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.LastBackup); got == 0 {
		t.Error("last backup timestamp not set")
	}
}

func TestObserveImport(t *testing.T) {
	m := New()
	m.ObserveImport(3, 2, 1, 4, nil)
	m.ObserveImport(0, 0, 0, 0, errors.New("boom"))

	if got := testutil.ToFloat64(m.RosterRows.WithLabelValues("inserted")); got != 3 {
		t.Errorf("inserted = %v, want 3", got)
	}
	if got := testutil.ToFloat64(m.RosterImports.WithLabelValues("error")); got != 1 {
		t.Errorf("error imports = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.LastRosterImport); got == 0 {
		t.Error("last import timestamp not set")
	}
}

func TestObserveReconcile(t *testing.T) {
	m := New()
	m.ObserveReconcile("subset", time.Now(), 2, 1, 0, 0, nil)

	if got := testutil.ToFloat64(m.ReconcileRuns.WithLabelValues("subset", "ok")); got != 1 {
		t.Errorf("runs = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.ReconcileAccounts.WithLabelValues("added")); got != 2 {
		t.Errorf("added = %v, want 2", got)
	}
}

func TestNewUsesIsolatedRegistry(t *testing.T) {
	// Two instances must not collide on registration.
	New()
	New()
}
