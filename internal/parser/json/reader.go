// Package json reads JSON record input into a dataset.Table.
package json

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"keyindex/internal/config"
	"keyindex/internal/dataset"
)

// ReadTable decodes records from r.
//
// Accepted layouts:
//   - a root array of objects
//   - a root object whose first array field holds the records (envelope)
//   - a single root object, which is one record
//   - any of the above followed by newline-delimited objects
//
// columns fixes the column order. When empty, the columns are the sorted
// union of all record fields after header_map renaming.
//
// Options:
//   - header_map: rename source fields
//   - array_join_separator (","): arrays of strings are joined into one value
//
// Numbers keep their literal text. Nested objects and mixed arrays become
// compact JSON text. Empty strings and nulls become nil.
func ReadTable(ctx context.Context, r io.Reader, columns []string, opt config.Options, onErr func(record int, err error)) (*dataset.Table, error) {
	rd := &reader{
		ctx:    ctx,
		dec:    json.NewDecoder(r),
		rename: opt.StringMap("header_map"),
		sep:    opt.String("array_join_separator", ","),
		onErr:  onErr,
	}
	rd.dec.UseNumber()

	if err := rd.document(); err != nil {
		return nil, err
	}

	if len(columns) == 0 {
		columns = rd.fieldUnion()
	}
	if len(columns) == 0 {
		return nil, fmt.Errorf("json: no records")
	}

	rows := make([][]any, len(rd.records))
	for i, rec := range rd.records {
		row := make([]any, len(columns))
		for c, name := range columns {
			row[c] = rec[name]
		}
		rows[i] = row
	}
	t, err := dataset.New(columns, rows)
	if err != nil {
		return nil, fmt.Errorf("json: %w", err)
	}
	return t, nil
}

// ReadFile opens path and calls ReadTable.
func ReadFile(ctx context.Context, path string, columns []string, opt config.Options, onErr func(record int, err error)) (*dataset.Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("json: open input: %w", err)
	}
	defer f.Close()
	return ReadTable(ctx, f, columns, opt, onErr)
}

type reader struct {
	ctx     context.Context
	dec     *json.Decoder
	rename  map[string]string
	sep     string
	onErr   func(record int, err error)
	records []map[string]any
}

func (rd *reader) report(err error) {
	if rd.onErr != nil {
		rd.onErr(len(rd.records)+1, err)
	}
}

func (rd *reader) add(obj map[string]any) error {
	if err := rd.ctx.Err(); err != nil {
		return err
	}
	rec := make(map[string]any, len(obj))
	for k, v := range obj {
		if to, ok := rd.rename[k]; ok && to != "" {
			k = to
		}
		rec[k] = rd.scalar(v)
	}
	rd.records = append(rd.records, rec)
	return nil
}

func (rd *reader) document() error {
	tok, err := rd.dec.Token()
	if errors.Is(err, io.EOF) {
		return nil
	}
	if err != nil {
		rd.report(err)
		return fmt.Errorf("json: read first token: %w", err)
	}

	switch tok {
	case json.Delim('['):
		if err := rd.array(); err != nil {
			return err
		}
		if err := rd.expect(json.Delim(']')); err != nil {
			return err
		}
	case json.Delim('{'):
		single, err := rd.envelope()
		if err != nil {
			return err
		}
		if err := rd.expect(json.Delim('}')); err != nil {
			return err
		}
		if len(single) > 0 {
			if err := rd.add(single); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("json: unsupported root token %v (want object or array)", tok)
	}
	return rd.trailing()
}

// trailing reads newline-delimited objects after the root value.
func (rd *reader) trailing() error {
	for {
		var obj map[string]any
		err := rd.dec.Decode(&obj)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			rd.report(err)
			return fmt.Errorf("json: decode trailing object: %w", err)
		}
		if err := rd.add(obj); err != nil {
			return err
		}
	}
}

// array reads the elements of an array whose '[' is consumed. null elements
// are skipped; anything else that is not an object is an error.
func (rd *reader) array() error {
	for rd.dec.More() {
		var raw any
		if err := rd.dec.Decode(&raw); err != nil {
			rd.report(err)
			return fmt.Errorf("json: decode array element: %w", err)
		}
		if raw == nil {
			continue
		}
		obj, ok := raw.(map[string]any)
		if !ok {
			err := fmt.Errorf("json: array element is %T, not an object", raw)
			rd.report(err)
			return err
		}
		if err := rd.add(obj); err != nil {
			return err
		}
	}
	return nil
}

// envelope walks a root object whose '{' is consumed. The first array field
// is read as the record list and the remaining fields are skipped. Without an
// array field the object itself is returned as a single record.
func (rd *reader) envelope() (map[string]any, error) {
	single := map[string]any{}
	for rd.dec.More() {
		keyTok, err := rd.dec.Token()
		if err != nil {
			rd.report(err)
			return nil, fmt.Errorf("json: read object key: %w", err)
		}
		key, _ := keyTok.(string)

		valTok, err := rd.dec.Token()
		if err != nil {
			rd.report(err)
			return nil, fmt.Errorf("json: read value of %q: %w", key, err)
		}
		if valTok == json.Delim('[') {
			if err := rd.array(); err != nil {
				return nil, err
			}
			if err := rd.expect(json.Delim(']')); err != nil {
				return nil, err
			}
			for rd.dec.More() {
				if _, err := rd.dec.Token(); err != nil {
					return nil, fmt.Errorf("json: skip envelope key: %w", err)
				}
				if _, err := rd.nextValue(); err != nil {
					return nil, err
				}
			}
			return nil, nil
		}

		v, err := rd.value(valTok)
		if err != nil {
			rd.report(err)
			return nil, err
		}
		single[key] = v
	}
	return single, nil
}

func (rd *reader) nextValue() (any, error) {
	tok, err := rd.dec.Token()
	if err != nil {
		return nil, fmt.Errorf("json: read value: %w", err)
	}
	return rd.value(tok)
}

// value decodes the value whose first token has been read.
func (rd *reader) value(first json.Token) (any, error) {
	d, ok := first.(json.Delim)
	if !ok {
		return first, nil
	}

	switch d {
	case '{':
		m := map[string]any{}
		for rd.dec.More() {
			kt, err := rd.dec.Token()
			if err != nil {
				return nil, fmt.Errorf("json: read nested key: %w", err)
			}
			v, err := rd.nextValue()
			if err != nil {
				return nil, err
			}
			k, _ := kt.(string)
			m[k] = v
		}
		return m, rd.expect(json.Delim('}'))
	case '[':
		var arr []any
		for rd.dec.More() {
			v, err := rd.nextValue()
			if err != nil {
				return nil, err
			}
			arr = append(arr, v)
		}
		return arr, rd.expect(json.Delim(']'))
	default:
		return nil, fmt.Errorf("json: unexpected delimiter %q", d)
	}
}

func (rd *reader) expect(want json.Delim) error {
	tok, err := rd.dec.Token()
	if err != nil {
		return fmt.Errorf("json: expected %q: %w", want, err)
	}
	if tok != want {
		return fmt.Errorf("json: expected %q, got %v", want, tok)
	}
	return nil
}

// scalar flattens a decoded value into a table cell.
func (rd *reader) scalar(v any) any {
	switch x := v.(type) {
	case nil:
		return nil
	case string:
		if x == "" {
			return nil
		}
		return x
	case json.Number:
		return x.String()
	case bool:
		return x
	case []any:
		parts := make([]string, 0, len(x))
		for _, it := range x {
			if it == nil {
				continue
			}
			s, ok := it.(string)
			if !ok {
				return compact(v)
			}
			parts = append(parts, s)
		}
		if len(parts) == 0 {
			return nil
		}
		return strings.Join(parts, rd.sep)
	default:
		return compact(v)
	}
}

func compact(v any) any {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(raw)
}

func (rd *reader) fieldUnion() []string {
	seen := map[string]struct{}{}
	for _, rec := range rd.records {
		for k := range rec {
			seen[k] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
