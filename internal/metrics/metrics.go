package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the collectors for verification, reconciliation and roster
// imports. A nil *Metrics is valid and records nothing.
type Metrics struct {
	Registry *prometheus.Registry

	SessionEvents      *prometheus.CounterVec
	DMsDropped         prometheus.Counter
	ReconcileRuns      *prometheus.CounterVec
	ReconcileAccounts  *prometheus.CounterVec
	ReconcileDuration  prometheus.Histogram
	RosterImports      *prometheus.CounterVec
	RosterRows         *prometheus.CounterVec
	LastRosterImport   prometheus.Gauge
	PlatformAPIRetries prometheus.Counter
	BackupRuns         *prometheus.CounterVec
	LastBackup         prometheus.Gauge
	EventSubscribers   prometheus.Gauge
	GatewayDropped     *prometheus.CounterVec
}

// New creates the collectors and registers them on a fresh registry along
// with the Go and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		SessionEvents: f.NewCounterVec(prometheus.CounterOpts{
			Name: "rosterlink_session_events_total",
			Help: "Verification session transitions by outcome",
		}, []string{"event"}),
		DMsDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "rosterlink_dms_rate_limited_total",
			Help: "Direct messages dropped by the per-account rate limit",
		}),
		ReconcileRuns: f.NewCounterVec(prometheus.CounterOpts{
			Name: "rosterlink_reconcile_runs_total",
			Help: "Reconciliation runs by scope and result",
		}, []string{"scope", "result"}),
		ReconcileAccounts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "rosterlink_reconcile_accounts_total",
			Help: "Accounts processed by reconciliation by outcome",
		}, []string{"outcome"}),
		ReconcileDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "rosterlink_reconcile_duration_seconds",
			Help:    "Duration of reconciliation runs",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
		}),
		RosterImports: f.NewCounterVec(prometheus.CounterOpts{
			Name: "rosterlink_roster_imports_total",
			Help: "Roster snapshot imports by result",
		}, []string{"result"}),
		RosterRows: f.NewCounterVec(prometheus.CounterOpts{
			Name: "rosterlink_roster_rows_total",
			Help: "Roster rows applied by outcome",
		}, []string{"outcome"}),
		LastRosterImport: f.NewGauge(prometheus.GaugeOpts{
			Name: "rosterlink_roster_last_import_timestamp_seconds",
			Help: "Unix time of the last successful roster import",
		}),
		PlatformAPIRetries: f.NewCounter(prometheus.CounterOpts{
			Name: "rosterlink_platform_api_retries_total",
			Help: "Platform API requests retried after a rate limit or server error",
		}),
		BackupRuns: f.NewCounterVec(prometheus.CounterOpts{
			Name: "rosterlink_backup_runs_total",
			Help: "Database backups by result",
		}, []string{"result"}),
		LastBackup: f.NewGauge(prometheus.GaugeOpts{
			Name: "rosterlink_backup_last_success_timestamp_seconds",
			Help: "Unix time of the last successful database backup",
		}),
		EventSubscribers: f.NewGauge(prometheus.GaugeOpts{
			Name: "rosterlink_event_subscribers",
			Help: "Operator event stream connections",
		}),
		GatewayDropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "rosterlink_gateway_events_dropped_total",
			Help: "Gateway events dropped because the handler queue was full",
		}, []string{"event"}),
	}
}

// SessionEvent counts a state machine transition such as "issued" or "confirmed".
func (m *Metrics) SessionEvent(event string) {
	if m == nil {
		return
	}
	m.SessionEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) DMDropped() {
	if m == nil {
		return
	}
	m.DMsDropped.Inc()
}

// ObserveReconcile records one run. scope is "all" or "subset".
func (m *Metrics) ObserveReconcile(scope string, start time.Time, added, removed, skipped, failed int, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.ReconcileRuns.WithLabelValues(scope, result).Inc()
	m.ReconcileDuration.Observe(time.Since(start).Seconds())
	m.ReconcileAccounts.WithLabelValues("added").Add(float64(added))
	m.ReconcileAccounts.WithLabelValues("removed").Add(float64(removed))
	m.ReconcileAccounts.WithLabelValues("policy_skipped").Add(float64(skipped))
	m.ReconcileAccounts.WithLabelValues("failed").Add(float64(failed))
}

// ObserveImport records one roster import.
func (m *Metrics) ObserveImport(inserted, updated, deleted, skipped int, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.RosterImports.WithLabelValues("error").Inc()
		return
	}
	m.RosterImports.WithLabelValues("ok").Inc()
	m.RosterRows.WithLabelValues("inserted").Add(float64(inserted))
	m.RosterRows.WithLabelValues("updated").Add(float64(updated))
	m.RosterRows.WithLabelValues("deleted").Add(float64(deleted))
	m.RosterRows.WithLabelValues("skipped").Add(float64(skipped))
	m.LastRosterImport.SetToCurrentTime()
}

func (m *Metrics) APIRetry() {
	if m == nil {
		return
	}
	m.PlatformAPIRetries.Inc()
}

// ObserveBackup records one backup attempt.
func (m *Metrics) ObserveBackup(err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.BackupRuns.WithLabelValues("error").Inc()
		return
	}
	m.BackupRuns.WithLabelValues("ok").Inc()
	m.LastBackup.SetToCurrentTime()
}

func (m *Metrics) SetSubscribers(n int) {
	if m == nil {
		return
	}
	m.EventSubscribers.Set(float64(n))
}

// GatewayEventDropped counts an event discarded by a saturated handler queue.
func (m *Metrics) GatewayEventDropped(event string) {
	if m == nil {
		return
	}
	m.GatewayDropped.WithLabelValues(event).Inc()
}
