package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/gryphonracing/rosterlink/internal/model"
	"github.com/gryphonracing/rosterlink/internal/sentinel"
)

// FlagStore reads and writes feature_flags rows as tagged values.
type FlagStore struct {
	db *sql.DB
}

func NewFlagStore(db *sql.DB) *FlagStore {
	return &FlagStore{db: db}
}

const flagCols = `name, flag_type, value, updated_at`

func scanFlag(scanner interface{ Scan(...any) error }) (*model.Flag, error) {
	var f model.Flag
	var kind, value string

	if err := scanner.Scan(&f.Name, &kind, &value, &f.UpdatedAt); err != nil {
		return nil, err
	}

	v, err := model.DecodeFlag(kind, value)
	if err != nil {
		return nil, fmt.Errorf("flag %q: %w", f.Name, err)
	}
	f.Value = v
	return &f, nil
}

// Get returns the flag value, or nil if the flag is not stored.
func (s *FlagStore) Get(ctx context.Context, name string) (*model.FlagValue, error) {
	row := conn(ctx, s.db).QueryRowContext(ctx,
		`SELECT `+flagCols+` FROM feature_flags WHERE name = ?`, name)
	f, err := scanFlag(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("get flag", err)
	}
	return &f.Value, nil
}

// Set stores the flag, replacing both its value and its kind.
func (s *FlagStore) Set(ctx context.Context, name string, v model.FlagValue) error {
	encoded, err := v.Encode()
	if err != nil {
		return fmt.Errorf("set flag %q: %w: %w", name, sentinel.ErrValidation, err)
	}
	_, err = conn(ctx, s.db).ExecContext(ctx,
		`INSERT INTO feature_flags (name, flag_type, value, updated_at) VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(name) DO UPDATE SET
			flag_type = excluded.flag_type,
			value = excluded.value,
			updated_at = CURRENT_TIMESTAMP`,
		name, string(v.Kind), encoded,
	)
	if err != nil {
		return unavailable("set flag", err)
	}
	return nil
}

// List returns every stored flag ordered by name.
func (s *FlagStore) List(ctx context.Context) ([]model.Flag, error) {
	rows, err := conn(ctx, s.db).QueryContext(ctx, `SELECT `+flagCols+` FROM feature_flags ORDER BY name`)
	if err != nil {
		return nil, unavailable("list flags", err)
	}
	defer rows.Close()

	var flags []model.Flag
	for rows.Next() {
		f, err := scanFlag(rows)
		if err != nil {
			return nil, unavailable("scan flag", err)
		}
		flags = append(flags, *f)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list flags", err)
	}
	return flags, nil
}

// Bool reads a bool flag, returning def when the flag is not stored. A flag
// stored with another kind yields sentinel.ErrWrongFlagType.
func (s *FlagStore) Bool(ctx context.Context, name string, def bool) (bool, error) {
	v, err := s.Get(ctx, name)
	if err != nil {
		return false, err
	}
	if v == nil {
		return def, nil
	}
	if v.Kind != model.FlagBool {
		return false, fmt.Errorf("flag %q is %s: %w", name, v.Kind, sentinel.ErrWrongFlagType)
	}
	return v.Bool, nil
}
