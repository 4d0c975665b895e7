package config

import (
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"
)

// Options is a free-form parser/writer option bag. Accessors fall back to the
// given default when a key is missing or has the wrong shape.
type Options map[string]any

// Any returns the raw value for key.
func (o Options) Any(key string) any {
	if o == nil {
		return nil
	}
	return o[key]
}

// String returns key as a string.
func (o Options) String(key, def string) string {
	switch v := o.Any(key).(type) {
	case string:
		return v
	case nil:
		return def
	default:
		return fmt.Sprint(v)
	}
}

// Bool returns key as a bool. Strings are parsed with strconv.ParseBool.
func (o Options) Bool(key string, def bool) bool {
	switch v := o.Any(key).(type) {
	case bool:
		return v
	case string:
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			return b
		}
	}
	return def
}

// Int returns key as an int. JSON numbers arrive as float64.
func (o Options) Int(key string, def int) int {
	switch v := o.Any(key).(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n
		}
	}
	return def
}

// Rune returns the single rune in key. "\t" and "tab" both mean tab.
func (o Options) Rune(key string, def rune) rune {
	s, ok := o.Any(key).(string)
	if !ok || s == "" {
		return def
	}
	if s == `\t` || strings.EqualFold(s, "tab") {
		return '\t'
	}
	if utf8.RuneCountInString(s) != 1 {
		return def
	}
	r, _ := utf8.DecodeRuneInString(s)
	return r
}

// StringMap returns key as map[string]string. Non-string values are skipped.
func (o Options) StringMap(key string) map[string]string {
	out := map[string]string{}
	switch m := o.Any(key).(type) {
	case map[string]string:
		for k, v := range m {
			out[k] = v
		}
	case map[string]any:
		for k, v := range m {
			if s, ok := v.(string); ok {
				out[k] = s
			}
		}
	}
	return out
}
