// Package csv reads CSV input into a dataset.Table and writes tables and
// mappings back out as CSV.
package csv

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"unicode"

	"keyindex/internal/config"
	"keyindex/internal/dataset"
)

// ReadTable reads all of src into a table.
//
// Options:
//   - has_header (true): first record names the columns; otherwise columns
//     are named column_1..column_n after the first record's width
//   - comma (','), lazy_quotes (false), fields_per_record (0 = variable)
//   - trim_space (true): trim surrounding whitespace from values
//   - header_map: rename source headers
//   - normalize_headers (false): lowercase headers and turn spaces into '_'
//
// Empty values become nil. Records that fail to parse are reported to onErr
// and skipped; short records are padded with nil.
func ReadTable(ctx context.Context, src io.Reader, opt config.Options, onErr func(line int, err error)) (*dataset.Table, error) {
	hasHeader := opt.Bool("has_header", true)
	trim := opt.Bool("trim_space", true)
	hm := opt.StringMap("header_map")
	normHeaders := opt.Bool("normalize_headers", false)

	cr := csv.NewReader(src)
	cr.Comma = opt.Rune("comma", ',')
	cr.LazyQuotes = opt.Bool("lazy_quotes", false)
	cr.FieldsPerRecord = opt.Int("fields_per_record", 0)
	if cr.FieldsPerRecord == 0 {
		cr.FieldsPerRecord = -1
	}

	var line int
	readRec := func() ([]string, error) {
		line++
		return cr.Read()
	}

	var columns []string
	var rows [][]any

	if hasHeader {
		hdr, err := readRec()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, fmt.Errorf("csv: empty input, header expected")
			}
			return nil, fmt.Errorf("csv: read header: %w", err)
		}
		columns = make([]string, len(hdr))
		for i, h := range hdr {
			if i == 0 {
				h = strings.TrimPrefix(h, "\uFEFF")
			}
			h = strings.TrimSpace(h)
			if mapped, ok := hm[h]; ok {
				h = mapped
			} else if normHeaders {
				h = strings.ReplaceAll(strings.ToLower(h), " ", "_")
			}
			columns[i] = h
		}
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		rec, err := readRec()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if onErr != nil {
				onErr(line, fmt.Errorf("csv read: %w", err))
			}
			continue
		}

		if columns == nil {
			columns = make([]string, len(rec))
			for i := range rec {
				columns[i] = fmt.Sprintf("column_%d", i+1)
			}
		}
		if len(rec) > len(columns) {
			if onErr != nil {
				onErr(line, fmt.Errorf("csv read: record has %d fields, header has %d", len(rec), len(columns)))
			}
			continue
		}

		row := make([]any, len(columns))
		for i, v := range rec {
			if trim && hasEdgeSpace(v) {
				v = strings.TrimSpace(v)
			}
			if v != "" {
				row[i] = v
			}
		}
		rows = append(rows, row)
	}

	if columns == nil {
		return nil, fmt.Errorf("csv: empty input")
	}
	t, err := dataset.New(columns, rows)
	if err != nil {
		return nil, fmt.Errorf("csv: %w", err)
	}
	return t, nil
}

// ReadFile opens path and calls ReadTable.
func ReadFile(ctx context.Context, path string, opt config.Options, onErr func(line int, err error)) (*dataset.Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("csv: open input: %w", err)
	}
	defer f.Close()
	return ReadTable(ctx, f, opt, onErr)
}

func hasEdgeSpace(s string) bool {
	if s == "" {
		return false
	}
	return unicode.IsSpace(rune(s[0])) || unicode.IsSpace(rune(s[len(s)-1]))
}
