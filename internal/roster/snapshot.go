package roster

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/gryphonracing/rosterlink/internal/model"
	"github.com/gryphonracing/rosterlink/internal/validate"
)

// Column positions in a snapshot. The first row is a header.
const (
	colEmail = iota
	colName
	colHasPaid
	colInRoster
)

// ErrUnknownFormat is returned for a snapshot name without a .csv or .xlsx
// extension.
var ErrUnknownFormat = errors.New("unknown roster format")

// Snapshot is the parsed, deduplicated content of one roster file.
type Snapshot struct {
	Records []model.VerificationRecord
	// Skipped counts rows dropped for a blank or invalid email.
	Skipped int
}

// ReadCSV parses a comma separated roster.
func ReadCSV(r io.Reader) (Snapshot, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	rows, err := cr.ReadAll()
	if err != nil {
		return Snapshot{}, fmt.Errorf("read csv: %w", err)
	}
	return fromRows(rows), nil
}

// ReadXLSX parses the first sheet of a workbook.
func ReadXLSX(r io.Reader) (Snapshot, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return Snapshot{}, fmt.Errorf("open xlsx: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return Snapshot{}, errors.New("xlsx has no sheets")
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return Snapshot{}, fmt.Errorf("read sheet %q: %w", sheets[0], err)
	}
	return fromRows(rows), nil
}

// Read picks a parser from the extension of name.
func Read(name string, r io.Reader) (Snapshot, error) {
	switch {
	case strings.HasSuffix(strings.ToLower(name), ".csv"):
		return ReadCSV(r)
	case strings.HasSuffix(strings.ToLower(name), ".xlsx"):
		return ReadXLSX(r)
	default:
		return Snapshot{}, fmt.Errorf("%w: %s", ErrUnknownFormat, name)
	}
}

func fromRows(rows [][]string) Snapshot {
	var snap Snapshot
	if len(rows) == 0 {
		return snap
	}

	index := make(map[string]int)
	for _, row := range rows[1:] {
		if blankRow(row) {
			continue
		}
		email := model.NormalizeEmail(cell(row, colEmail))
		if !validate.Email(email) {
			snap.Skipped++
			continue
		}
		rec := model.VerificationRecord{
			Email:    email,
			Name:     parseName(cell(row, colName)),
			HasPaid:  ParseBool(cell(row, colHasPaid)),
			InRoster: ParseBool(cell(row, colInRoster)),
		}
		// Last row wins for a repeated email.
		if i, ok := index[email]; ok {
			snap.Records[i] = rec
			continue
		}
		index[email] = len(snap.Records)
		snap.Records = append(snap.Records, rec)
	}
	return snap
}

func cell(row []string, i int) string {
	if i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}

func blankRow(row []string) bool {
	for _, c := range row {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}

func parseName(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// ParseBool maps spreadsheet truthy and falsy spellings to a bool. Blank or
// unrecognised text is nil.
func ParseBool(s string) *bool {
	var v bool
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "yes", "y", "1", "paid", "x":
		v = true
	case "false", "no", "n", "0", "unpaid":
		v = false
	default:
		return nil
	}
	return &v
}
