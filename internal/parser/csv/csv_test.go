package csv

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"keyindex/internal/config"
	"keyindex/internal/dataset"
	"keyindex/internal/index"
)

type lineErr struct {
	line int
	err  error
}

func collectErrs(dst *[]lineErr) func(int, error) {
	return func(line int, err error) { *dst = append(*dst, lineErr{line, err}) }
}

func TestReadTable_HeaderTrimAndNulls(t *testing.T) {
	t.Parallel()

	in := "\uFEFF FK__customer ,amount,note\n  acme ,10,\nNOVA,20, x \n"
	tbl, err := ReadTable(context.Background(), strings.NewReader(in), nil, nil)
	if err != nil {
		t.Fatalf("ReadTable: %v", err)
	}

	if got, want := tbl.Columns(), []string{"FK__customer", "amount", "note"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("columns=%v, want %v", got, want)
	}
	if tbl.Len() != 2 {
		t.Fatalf("rows=%d, want 2", tbl.Len())
	}
	if got := tbl.Row(0); !reflect.DeepEqual(got, []any{"acme", "10", nil}) {
		t.Fatalf("row0=%#v", got)
	}
	if v, _ := tbl.Value(1, "note"); v != "x" {
		t.Fatalf("note=%#v, want trimmed x", v)
	}
}

func TestReadTable_Options(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		in       string
		opt      config.Options
		wantCols []string
		wantRows [][]any
	}{
		{
			name:     "semicolon_and_header_map",
			in:       "Kunde;Werk\nA;1\n",
			opt:      config.Options{"comma": ";", "header_map": map[string]any{"Kunde": "FK__customer"}},
			wantCols: []string{"FK__customer", "Werk"},
			wantRows: [][]any{{"A", "1"}},
		},
		{
			name:     "normalize_headers",
			in:       "Plant Code,Source System\n1,SAP\n",
			opt:      config.Options{"normalize_headers": true},
			wantCols: []string{"plant_code", "source_system"},
			wantRows: [][]any{{"1", "SAP"}},
		},
		{
			name:     "no_header",
			in:       "a,b\nc\n",
			opt:      config.Options{"has_header": false},
			wantCols: []string{"column_1", "column_2"},
			wantRows: [][]any{{"a", "b"}, {"c", nil}},
		},
		{
			name:     "keep_space",
			in:       "k\n x \n",
			opt:      config.Options{"trim_space": false},
			wantCols: []string{"k"},
			wantRows: [][]any{{" x "}},
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			tbl, err := ReadTable(context.Background(), strings.NewReader(tc.in), tc.opt, nil)
			if err != nil {
				t.Fatalf("ReadTable: %v", err)
			}
			if !reflect.DeepEqual(tbl.Columns(), tc.wantCols) {
				t.Fatalf("columns=%v, want %v", tbl.Columns(), tc.wantCols)
			}
			for i, want := range tc.wantRows {
				if got := tbl.Row(i); !reflect.DeepEqual(got, want) {
					t.Fatalf("row%d=%#v, want %#v", i, got, want)
				}
			}
		})
	}
}

func TestReadTable_BadRecordsAreReportedAndSkipped(t *testing.T) {
	t.Parallel()

	in := "k,v\na,1\nb,2,extra\n\"c,3\nd,4\n"
	var errs []lineErr
	tbl, err := ReadTable(context.Background(), strings.NewReader(in), nil, collectErrs(&errs))
	if err != nil {
		t.Fatalf("ReadTable: %v", err)
	}
	if len(errs) == 0 {
		t.Fatalf("expected reported errors")
	}
	if errs[0].line != 3 {
		t.Fatalf("first error line=%d, want 3", errs[0].line)
	}
	if v, _ := tbl.Value(0, "k"); v != "a" {
		t.Fatalf("first row k=%v", v)
	}
}

func TestReadTable_EmptyAndCanceled(t *testing.T) {
	t.Parallel()

	if _, err := ReadTable(context.Background(), strings.NewReader(""), nil, nil); err == nil {
		t.Fatalf("expected error for empty input")
	}
	if _, err := ReadTable(context.Background(), strings.NewReader("a,a\n"), nil, nil); err == nil {
		t.Fatalf("expected duplicate column error")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := ReadTable(ctx, strings.NewReader("k\n1\n"), nil, nil); err == nil {
		t.Fatalf("expected context error")
	}
}

func TestWriteTable(t *testing.T) {
	t.Parallel()

	tbl := dataset.MustNew(
		[]string{"name", "Index__customer", "ratio"},
		[][]any{
			{"acme, inc", int64(1), 0.5},
			{"nova", nil, true},
		},
	)

	var buf bytes.Buffer
	if err := WriteTable(context.Background(), &buf, tbl, config.Options{"null_value": "NULL"}); err != nil {
		t.Fatalf("WriteTable: %v", err)
	}
	want := "name,Index__customer,ratio\n\"acme, inc\",1,0.5\nnova,NULL,true\n"
	if buf.String() != want {
		t.Fatalf("output=%q, want %q", buf.String(), want)
	}
}

func TestWriteFileAndRoundTrip(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "out.csv")
	tbl := dataset.MustNew([]string{"k", "v"}, [][]any{{"a", "1"}, {"b", nil}})

	if err := WriteFile(context.Background(), path, tbl, nil); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	back, err := ReadFile(context.Background(), path, nil, nil)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !reflect.DeepEqual(back.Row(1), []any{"b", nil}) {
		t.Fatalf("row1=%#v", back.Row(1))
	}

	if _, err := ReadFile(context.Background(), filepath.Join(dir, "missing.csv"), nil, nil); err == nil {
		t.Fatalf("expected open error")
	}
}

func TestWriteMappingFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	m := index.MustMapping(index.Pair{Key: "NOVA", Index: 2}, index.Pair{Key: "ACME", Index: 1})
	if err := WriteMappingFile(context.Background(), dir, "customer", m, nil); err != nil {
		t.Fatalf("WriteMappingFile: %v", err)
	}
	raw, err := os.ReadFile(filepath.Join(dir, "customer.csv"))
	if err != nil {
		t.Fatal(err)
	}
	if got, want := string(raw), "index,customer\n1,ACME\n2,NOVA\n"; got != want {
		t.Fatalf("mapping file=%q, want %q", got, want)
	}
}
