// Package tables reads delimited text and XLSX reference tables from local files.
package tables

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
)

// InputDataError reports a malformed or incomplete source file. It is fatal
// for the source it names.
type InputDataError struct {
	Source string
	Column string
	Line   int
	Err    error
}

func (e *InputDataError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "input data: %s", e.Source)
	if e.Line > 0 {
		fmt.Fprintf(&b, " line %d", e.Line)
	}
	if e.Column != "" {
		fmt.Fprintf(&b, " column %q", e.Column)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %s", e.Err.Error())
	}
	return b.String()
}

func (e *InputDataError) Unwrap() error {
	return e.Err
}

// Header maps lower-cased column names to their position.
type Header struct {
	source string
	idx    map[string]int
}

// NewHeader indexes a header row. Names are trimmed and matched case-insensitively.
func NewHeader(source string, cols []string) Header {
	idx := make(map[string]int, len(cols))
	for i, c := range cols {
		name := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(c, "\ufeff")))
		if _, dup := idx[name]; !dup {
			idx[name] = i
		}
	}
	return Header{source: source, idx: idx}
}

// Index returns the position of the first alias present in the header.
func (h Header) Index(aliases ...string) (int, bool) {
	for _, a := range aliases {
		if i, ok := h.idx[strings.ToLower(a)]; ok {
			return i, true
		}
	}
	return -1, false
}

// Require is Index but returns an InputDataError naming the first alias when
// none is present.
func (h Header) Require(aliases ...string) (int, error) {
	if i, ok := h.Index(aliases...); ok {
		return i, nil
	}
	col := ""
	if len(aliases) > 0 {
		col = aliases[0]
	}
	return -1, &InputDataError{Source: h.source, Column: col, Err: eris.New("required column missing")}
}

// RequireAll checks that every alias group has a column in the header.
func (h Header) RequireAll(groups [][]string) error {
	for _, g := range groups {
		if _, err := h.Require(g...); err != nil {
			return err
		}
	}
	return nil
}

// Field returns the trimmed value at idx, or "" when the row is short or idx < 0.
func Field(row []string, idx int) string {
	if idx < 0 || idx >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[idx])
}

// Options controls how a table file is read.
type Options struct {
	// Delimiter overrides the extension-derived delimiter.
	Delimiter rune
	// SheetIndex selects the worksheet of an XLSX file.
	SheetIndex int
	// Require lists alias groups that must each match a header column. It is
	// checked before any data row, so a header-only file still fails.
	Require [][]string
}

// RowFunc receives each data row with its 1-based line number (header is line 1).
type RowFunc func(h Header, line int, row []string) error

// Read streams every data row of the table at path through fn. The first row
// is the header. Format is chosen by extension: .xlsx is a workbook, .txt and
// .tsv are tab-delimited, anything else is comma-delimited.
func Read(ctx context.Context, path string, opts Options, fn RowFunc) error {
	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".xlsx" {
		rows, err := ReadXLSX(path, XLSXOptions{SheetIndex: opts.SheetIndex})
		if err != nil {
			return &InputDataError{Source: path, Err: err}
		}
		return walkRows(ctx, path, rows, opts.Require, fn)
	}

	f, err := os.Open(path)
	if err != nil {
		return &InputDataError{Source: path, Err: eris.Wrap(err, "tables: open")}
	}
	defer f.Close() //nolint:errcheck

	delim := opts.Delimiter
	if delim == 0 {
		delim = delimiterFor(ext)
	}

	rowCh, errCh := StreamCSV(ctx, f, CSVOptions{Delimiter: delim, LazyQuotes: true})

	var header Header
	line := 0
	for row := range rowCh {
		line++
		if line == 1 {
			header = NewHeader(path, row)
			if err := header.RequireAll(opts.Require); err != nil {
				for range rowCh { //nolint:revive
				}
				return err
			}
			continue
		}
		if err := fn(header, line, row); err != nil {
			// Drain so the producer goroutine exits.
			for range rowCh { //nolint:revive
			}
			return err
		}
	}
	if err := <-errCh; err != nil {
		return &InputDataError{Source: path, Line: line + 1, Err: err}
	}
	if line == 0 {
		return &InputDataError{Source: path, Err: eris.New("empty file")}
	}
	return nil
}

func walkRows(ctx context.Context, path string, rows [][]string, required [][]string, fn RowFunc) error {
	if len(rows) == 0 {
		return &InputDataError{Source: path, Err: eris.New("empty worksheet")}
	}
	header := NewHeader(path, rows[0])
	if err := header.RequireAll(required); err != nil {
		return err
	}
	for i, row := range rows[1:] {
		if ctx.Err() != nil {
			return eris.Wrap(ctx.Err(), "tables: context cancelled")
		}
		if err := fn(header, i+2, row); err != nil {
			return err
		}
	}
	return nil
}

func delimiterFor(ext string) rune {
	switch ext {
	case ".txt", ".tsv":
		return '\t'
	default:
		return ','
	}
}
