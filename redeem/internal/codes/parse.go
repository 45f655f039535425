// CLAUDE:SUMMARY Extracts code tokens from pasted text, CSV and XLSX uploads.
package codes

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/xuri/excelize/v2"
)

var splitPattern = regexp.MustCompile(`[\s,;|]+`)

func cleanToken(s string) string {
	s = strings.TrimSpace(s)
	s = strings.Trim(s, `"`)
	return strings.Trim(s, `'`)
}

// ParseText splits free text on whitespace, commas, semicolons and pipes.
// Surrounding quotes are stripped from each token.
func ParseText(text string) []string {
	var out []string
	for _, tok := range splitPattern.Split(text, -1) {
		if tok = cleanToken(tok); tok != "" {
			out = append(out, tok)
		}
	}
	return out
}

// ParseCSV returns every non-empty cell of a CSV document, row by row.
func ParseCSV(r io.Reader) ([]string, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	var out []string
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("codes: csv: %w", err)
		}
		for _, cell := range rec {
			if cell = cleanToken(cell); cell != "" {
				out = append(out, cell)
			}
		}
	}
}

// ParseXLSX returns every non-empty cell of every sheet of a workbook.
func ParseXLSX(r io.Reader) ([]string, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("codes: xlsx: %w", err)
	}
	defer f.Close()

	var out []string
	for _, sheet := range f.GetSheetList() {
		rows, err := f.GetRows(sheet)
		if err != nil {
			return nil, fmt.Errorf("codes: xlsx sheet %s: %w", sheet, err)
		}
		for _, row := range rows {
			for _, cell := range row {
				if cell = cleanToken(cell); cell != "" {
					out = append(out, cell)
				}
			}
		}
	}
	return out, nil
}

// ParseFile dispatches on the file extension. Unknown extensions are read
// as free text.
func ParseFile(name string, data []byte) ([]string, error) {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".csv":
		return ParseCSV(bytes.NewReader(data))
	case ".xlsx":
		return ParseXLSX(bytes.NewReader(data))
	}
	return ParseText(strings.ToValidUTF8(string(data), "")), nil
}
