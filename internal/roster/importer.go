package roster

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gryphonracing/rosterlink/internal/metrics"
	"github.com/gryphonracing/rosterlink/internal/store"
)

// ErrEmptySnapshot is returned instead of wiping the table when a snapshot
// holds no usable rows.
var ErrEmptySnapshot = errors.New("roster snapshot has no valid rows")

// Result counts what one import changed.
type Result struct {
	Inserted  int `json:"inserted"`
	Updated   int `json:"updated"`
	Unchanged int `json:"unchanged"`
	Deleted   int `json:"deleted"`
	Skipped   int `json:"skipped"`
}

// Importer replaces the stored roster with a source snapshot.
type Importer struct {
	db      *sql.DB
	records *store.VerificationStore
	source  Source
	metrics *metrics.Metrics
	logger  *slog.Logger
}

func NewImporter(db *sql.DB, records *store.VerificationStore, source Source, m *metrics.Metrics, logger *slog.Logger) *Importer {
	return &Importer{
		db:      db,
		records: records,
		source:  source,
		metrics: m,
		logger:  logger.With("component", "roster"),
	}
}

// Import loads the snapshot and applies it in a single transaction. Roster
// fields are overwritten, account links are kept, and records missing from
// the snapshot are deleted. Any failure leaves the table untouched.
func (im *Importer) Import(ctx context.Context) (Result, error) {
	start := time.Now()
	res, err := im.importSnapshot(ctx)
	im.metrics.ObserveImport(res.Inserted, res.Updated, res.Deleted, res.Skipped, err)
	if err != nil {
		return Result{}, err
	}

	im.logger.Info("roster imported",
		"source", im.source.String(),
		"inserted", res.Inserted,
		"updated", res.Updated,
		"unchanged", res.Unchanged,
		"deleted", res.Deleted,
		"skipped", res.Skipped,
		"duration", time.Since(start),
	)
	return res, nil
}

func (im *Importer) importSnapshot(ctx context.Context) (Result, error) {
	snap, err := im.source.Load(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("load %s: %w", im.source, err)
	}
	if len(snap.Records) == 0 {
		return Result{}, fmt.Errorf("%s: %w", im.source, ErrEmptySnapshot)
	}

	res := Result{Skipped: snap.Skipped}
	err = store.RunInTx(ctx, im.db, func(ctx context.Context) error {
		existing, err := im.records.ListEmails(ctx)
		if err != nil {
			return err
		}
		stale := make(map[string]bool, len(existing))
		for _, email := range existing {
			stale[email] = true
		}

		for _, rec := range snap.Records {
			n, err := im.records.UpsertRoster(ctx, rec)
			if err != nil {
				return err
			}
			switch {
			case !stale[rec.Email]:
				res.Inserted++
			case n > 0:
				res.Updated++
			default:
				res.Unchanged++
			}
			delete(stale, rec.Email)
		}

		for email := range stale {
			if _, err := im.records.Delete(ctx, email); err != nil {
				return err
			}
			res.Deleted++
		}
		return nil
	})
	if err != nil {
		return Result{}, fmt.Errorf("apply roster: %w", err)
	}
	return res, nil
}
