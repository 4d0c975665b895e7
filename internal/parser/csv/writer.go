package csv

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"keyindex/internal/config"
	"keyindex/internal/dataset"
	"keyindex/internal/index"
	"keyindex/internal/storage"
)

// WriteTable writes t to dst with a header row.
//
// Options: comma (','), null_value ("") for nil cells, use_crlf (false).
func WriteTable(ctx context.Context, dst io.Writer, t *dataset.Table, opt config.Options) error {
	cw := csv.NewWriter(dst)
	cw.Comma = opt.Rune("comma", ',')
	cw.UseCRLF = opt.Bool("use_crlf", false)
	null := opt.String("null_value", "")

	if err := cw.Write(t.Columns()); err != nil {
		return fmt.Errorf("csv: write header: %w", err)
	}

	rec := make([]string, len(t.Columns()))
	for i := 0; i < t.Len(); i++ {
		if i%4096 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		for j, v := range t.Row(i) {
			rec[j] = formatValue(v, null)
		}
		if err := cw.Write(rec); err != nil {
			return fmt.Errorf("csv: write row %d: %w", i+1, err)
		}
	}

	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("csv: flush: %w", err)
	}
	return nil
}

// WriteFile creates path (and its directory) and calls WriteTable.
func WriteFile(ctx context.Context, path string, t *dataset.Table, opt config.Options) (err error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("csv: create output dir: %w", err)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("csv: create output: %w", err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("csv: close output: %w", cerr)
		}
	}()
	return WriteTable(ctx, f, t, opt)
}

// MappingTable renders m as a two-column table laid out like the durable
// mapping table of kind: index, <kind>.
func MappingTable(kind string, m index.Mapping) *dataset.Table {
	pairs := m.Pairs()
	rows := make([][]any, len(pairs))
	for i, p := range pairs {
		rows[i] = []any{p.Index, p.Key}
	}
	return dataset.MustNew([]string{storage.IndexColumn, kind}, rows)
}

// WriteMappingFile writes m to dir/<kind>.csv.
func WriteMappingFile(ctx context.Context, dir, kind string, m index.Mapping, opt config.Options) error {
	return WriteFile(ctx, filepath.Join(dir, kind+".csv"), MappingTable(kind, m), opt)
}

func formatValue(v any, null string) string {
	switch x := v.(type) {
	case nil:
		return null
	case string:
		return x
	case int64:
		return strconv.FormatInt(x, 10)
	case int:
		return strconv.Itoa(x)
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	default:
		return fmt.Sprint(x)
	}
}
