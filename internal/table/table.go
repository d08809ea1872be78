// Package table reads an uploaded feedback CSV, keeps every column, and writes
// it back out with result columns appended.
package table

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
)

var (
	ErrMissingColumn = errors.New("missing required column")
	ErrNoHeader      = errors.New("csv has no header row")
	ErrExtraCells    = errors.New("csv row has more cells than the header")
)

type Table struct {
	Header []string
	Rows   [][]string
}

// Read decodes a CSV with a header row. Short rows are padded to the header
// width; a row with more cells than the header is rejected.
func Read(r io.Reader) (*Table, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, ErrNoHeader
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read csv header: %w", err)
	}
	if len(header) > 0 {
		header[0] = strings.TrimPrefix(header[0], "\ufeff")
	}

	t := &Table{Header: header}
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read csv row %d: %w", len(t.Rows)+1, err)
		}
		if len(record) > len(header) {
			return nil, fmt.Errorf("%w: row %d has %d cells for %d columns",
				ErrExtraCells, len(t.Rows)+1, len(record), len(header))
		}
		t.Rows = append(t.Rows, pad(record, len(header)))
	}

	return t, nil
}

func pad(record []string, width int) []string {
	if len(record) == width {
		return record
	}
	out := make([]string, width)
	copy(out, record)
	return out
}

func (t *Table) Len() int {
	return len(t.Rows)
}

// ColumnIndex returns the position of name, or -1.
func (t *Table) ColumnIndex(name string) int {
	for i, h := range t.Header {
		if h == name {
			return i
		}
	}
	return -1
}

// Validate checks that the text column exists before any row is processed.
func (t *Table) Validate(column string) error {
	if t.ColumnIndex(column) < 0 {
		return fmt.Errorf("%w: csv must have a %q column", ErrMissingColumn, column)
	}
	return nil
}

// Column returns a copy of the named column's values in row order.
func (t *Table) Column(name string) ([]string, error) {
	if err := t.Validate(name); err != nil {
		return nil, err
	}
	idx := t.ColumnIndex(name)
	values := make([]string, len(t.Rows))
	for i, row := range t.Rows {
		values[i] = row[idx]
	}
	return values, nil
}

// Augment returns a new table with columns added. A column that already
// exists is overwritten in place; other columns are appended in order.
// values[i] holds row i's cells in the same order as columns.
func (t *Table) Augment(columns []string, values [][]string) (*Table, error) {
	if len(values) != len(t.Rows) {
		return nil, fmt.Errorf("got %d value rows for %d table rows", len(values), len(t.Rows))
	}

	header := append([]string(nil), t.Header...)
	targets := make([]int, len(columns))
	for i, col := range columns {
		idx := -1
		for j, h := range header {
			if h == col {
				idx = j
				break
			}
		}
		if idx < 0 {
			header = append(header, col)
			idx = len(header) - 1
		}
		targets[i] = idx
	}

	rows := make([][]string, len(t.Rows))
	for i, src := range t.Rows {
		if len(values[i]) != len(columns) {
			return nil, fmt.Errorf("row %d: got %d values for %d columns", i, len(values[i]), len(columns))
		}
		row := make([]string, len(header))
		copy(row, src)
		for j, idx := range targets {
			row[idx] = values[i][j]
		}
		rows[i] = row
	}

	return &Table{Header: header, Rows: rows}, nil
}

func (t *Table) Write(w io.Writer) error {
	writer := csv.NewWriter(w)
	if err := writer.Write(t.Header); err != nil {
		return fmt.Errorf("failed to write csv header: %w", err)
	}
	if err := writer.WriteAll(t.Rows); err != nil {
		return fmt.Errorf("failed to write csv rows: %w", err)
	}
	return nil
}
