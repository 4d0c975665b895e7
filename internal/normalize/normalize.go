// Package normalize canonicalizes raw entity identifiers into comparable keys.
//
// Rules, applied in order to every field:
//   - cast to text (common primitive types avoid fmt.Sprint)
//   - Unicode NFC, so composed and decomposed spellings compare equal
//   - trim leading/trailing whitespace
//   - drop the composite Delimiter rune
//   - uppercase
//   - strip a run of leading '0'; a value made only of zeros becomes "0"
//
// An empty result means "no identity": such values are never allocated an
// index and always join to a null index.
package normalize

import (
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"
)

// Delimiter joins the fields of a composite key. Key removes it from field
// values, so it can never appear inside a normalized field.
const Delimiter = "\x1f"

// Key normalizes a single raw field value.
func Key(v any) string {
	return normalizeText(text(v))
}

// Composite normalizes each field and joins them with Delimiter, in the order
// given. Callers must pass fields in the entity's uniqueness hierarchy
// (e.g. source system before local code).
//
// If any field normalizes to "" the whole key is "": an incomplete identity
// is not an identity.
func Composite(vals ...any) string {
	switch len(vals) {
	case 0:
		return ""
	case 1:
		return Key(vals[0])
	}

	parts := make([]string, len(vals))
	for i, v := range vals {
		k := Key(v)
		if k == "" {
			return ""
		}
		parts[i] = k
	}
	return strings.Join(parts, Delimiter)
}

// KeyFunc returns a row key function reading the given positional columns.
// A single column uses Key, several use Composite.
func KeyFunc(columns []int) func(row []any) string {
	cols := append([]int(nil), columns...)
	if len(cols) == 1 {
		c := cols[0]
		return func(row []any) string {
			if c < 0 || c >= len(row) {
				return ""
			}
			return Key(row[c])
		}
	}
	return func(row []any) string {
		vals := make([]any, len(cols))
		for i, c := range cols {
			if c < 0 || c >= len(row) {
				return ""
			}
			vals[i] = row[c]
		}
		return Composite(vals...)
	}
}

// text casts common source value types to their textual form.
func text(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []byte:
		return string(t)
	case bool:
		if t {
			return "true"
		}
		return "false"

	case int:
		return strconv.Itoa(t)
	case int8:
		return strconv.FormatInt(int64(t), 10)
	case int16:
		return strconv.FormatInt(int64(t), 10)
	case int32:
		return strconv.FormatInt(int64(t), 10)
	case int64:
		return strconv.FormatInt(t, 10)

	case uint:
		return strconv.FormatUint(uint64(t), 10)
	case uint8:
		return strconv.FormatUint(uint64(t), 10)
	case uint16:
		return strconv.FormatUint(uint64(t), 10)
	case uint32:
		return strconv.FormatUint(uint64(t), 10)
	case uint64:
		return strconv.FormatUint(t, 10)

	case float32:
		return strconv.FormatFloat(float64(t), 'g', -1, 32)
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64)

	case fmt.Stringer:
		return t.String()
	default:
		return fmt.Sprint(v)
	}
}

func normalizeText(s string) string {
	if s == "" {
		return ""
	}

	ascii := isASCII(s)
	if !ascii {
		s = norm.NFC.String(s)
	}

	s = strings.TrimSpace(s)
	if strings.Contains(s, Delimiter) {
		s = strings.TrimSpace(strings.ReplaceAll(s, Delimiter, ""))
	}
	if s == "" {
		return ""
	}

	if ascii {
		s = strings.ToUpper(s)
	} else {
		// Casers carry state; one per call keeps Key safe for concurrent use.
		s = cases.Upper(language.Und).String(s)
	}

	return stripLeadingZeros(s)
}

func stripLeadingZeros(s string) string {
	i := 0
	for i < len(s) && s[i] == '0' {
		i++
	}
	switch {
	case i == 0:
		return s
	case i == len(s):
		return "0"
	default:
		return s[i:]
	}
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= utf8.RuneSelf {
			return false
		}
	}
	return true
}
