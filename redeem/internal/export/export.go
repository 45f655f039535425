// CLAUDE:SUMMARY Job result exports: CSV and single-sheet XLSX with code, status, source, reason, attempts, checked_at.
// Package export renders a job's rows as downloadable files.
package export

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/hazyhaar/redeemcheck/redeem/internal/store"
)

// Sheet is the XLSX sheet holding the results.
const Sheet = "Results"

// Header lists the exported columns in order.
var Header = []string{"code", "status", "source", "reason", "attempts", "checked_at"}

// Source calls fn for every row to export, in order.
type Source func(fn func(*store.Row) error) error

func record(r *store.Row) []string {
	return []string{
		r.Code,
		string(r.Status),
		string(r.Source),
		r.Reason,
		strconv.Itoa(r.Attempts),
		checkedAt(r.CheckedAt),
	}
}

// checkedAt renders a millisecond timestamp as RFC 3339 UTC, empty when unset.
func checkedAt(ms int64) string {
	if ms == 0 {
		return ""
	}
	return time.UnixMilli(ms).UTC().Format(time.RFC3339)
}

// WriteCSV writes the header and one record per row.
func WriteCSV(w io.Writer, src Source) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(Header); err != nil {
		return fmt.Errorf("export: csv header: %w", err)
	}
	err := src(func(r *store.Row) error {
		return cw.Write(record(r))
	})
	if err != nil {
		return fmt.Errorf("export: csv rows: %w", err)
	}
	cw.Flush()
	return cw.Error()
}

// WriteXLSX writes a workbook with the header and rows on Sheet.
func WriteXLSX(w io.Writer, src Source) error {
	f := excelize.NewFile()
	defer f.Close()
	if err := f.SetSheetName(f.GetSheetName(0), Sheet); err != nil {
		return fmt.Errorf("export: rename sheet: %w", err)
	}

	sw, err := f.NewStreamWriter(Sheet)
	if err != nil {
		return fmt.Errorf("export: stream writer: %w", err)
	}
	_ = sw.SetColWidth(1, 1, 28) // code
	_ = sw.SetColWidth(4, 4, 48) // reason
	_ = sw.SetColWidth(6, 6, 22) // checked_at

	line := 1
	writeRow := func(vals []any) error {
		cell, err := excelize.CoordinatesToCellName(1, line)
		if err != nil {
			return err
		}
		line++
		return sw.SetRow(cell, vals)
	}

	head := make([]any, len(Header))
	for i, h := range Header {
		head[i] = h
	}
	if err := writeRow(head); err != nil {
		return fmt.Errorf("export: xlsx header: %w", err)
	}
	err = src(func(r *store.Row) error {
		rec := record(r)
		return writeRow([]any{rec[0], rec[1], rec[2], rec[3], r.Attempts, rec[5]})
	})
	if err != nil {
		return fmt.Errorf("export: xlsx rows: %w", err)
	}
	if err := sw.Flush(); err != nil {
		return fmt.Errorf("export: xlsx flush: %w", err)
	}
	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("export: xlsx write: %w", err)
	}
	return nil
}
