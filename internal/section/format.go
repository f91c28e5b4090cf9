package section

import (
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

// NullMarker is the COPY text representation of SQL NULL
const NullMarker = `\N`

// TimestampLayout is the layout used for timestamp columns (UTC, no zone)
const TimestampLayout = "2006-01-02 15:04:05.000000"

// Null is staged as SQL NULL
var Null = null{}

type null struct{}

// Field is a single parsed column value
type Field struct {
	Value string
	Null  bool
}

func (f Field) String() string {
	if f.Null {
		return NullMarker
	}
	return f.Value
}

// Escape encodes s for the PostgreSQL COPY text format. Backslash, tab,
// newline and carriage return are always escaped, as are the remaining
// ASCII control characters, so a row can always be split back on tabs.
// PostgreSQL rejects NUL and invalid UTF-8 in text columns, FormatValue
// refuses those before they reach Escape.
func Escape(s string) string {
	if !needsEscape(s) {
		return s
	}

	var b strings.Builder
	b.Grow(len(s) + 8)
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch c {
		case '\\':
			b.WriteString(`\\`)
		case '\t':
			b.WriteString(`\t`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\b':
			b.WriteString(`\b`)
		case '\f':
			b.WriteString(`\f`)
		case '\v':
			b.WriteString(`\v`)
		default:
			if c < 0x20 || c == 0x7f {
				fmt.Fprintf(&b, `\x%02x`, c)
			} else {
				b.WriteByte(c)
			}
		}
	}
	return b.String()
}

func needsEscape(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' || s[i] < 0x20 || s[i] == 0x7f {
			return true
		}
	}
	return false
}

// Unescape reverses Escape
func Unescape(s string) (string, error) {
	if strings.IndexByte(s, '\\') < 0 {
		return s, nil
	}

	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '\\' {
			b.WriteByte(c)
			continue
		}
		i++
		if i >= len(s) {
			return "", fmt.Errorf("dangling escape at end of field %q", s)
		}
		switch s[i] {
		case '\\':
			b.WriteByte('\\')
		case 't':
			b.WriteByte('\t')
		case 'n':
			b.WriteByte('\n')
		case 'r':
			b.WriteByte('\r')
		case 'b':
			b.WriteByte('\b')
		case 'f':
			b.WriteByte('\f')
		case 'v':
			b.WriteByte('\v')
		case 'x':
			if i+3 > len(s) {
				return "", fmt.Errorf("truncated hex escape in field %q", s)
			}
			v, err := strconv.ParseUint(s[i+1:i+3], 16, 8)
			if err != nil {
				return "", fmt.Errorf("invalid hex escape in field %q: %w", s, err)
			}
			b.WriteByte(byte(v))
			i += 2
		default:
			return "", fmt.Errorf("unknown escape \\%c in field %q", s[i], s)
		}
	}
	return b.String(), nil
}

// FormatValue renders a single column value in COPY text format
func FormatValue(v any) (string, error) {
	switch x := v.(type) {
	case nil, null:
		return NullMarker, nil
	case string:
		if strings.IndexByte(x, 0) >= 0 {
			return "", fmt.Errorf("text value %q contains a NUL byte", x)
		}
		if !utf8.ValidString(x) {
			return "", fmt.Errorf("text value %q is not valid UTF-8", x)
		}
		return Escape(x), nil
	case int64:
		return strconv.FormatInt(x, 10), nil
	case int:
		return strconv.Itoa(x), nil
	case int32:
		return strconv.FormatInt(int64(x), 10), nil
	case uint32:
		return strconv.FormatUint(uint64(x), 10), nil
	case bool:
		if x {
			return "t", nil
		}
		return "f", nil
	case time.Time:
		return x.UTC().Format(TimestampLayout), nil
	default:
		return "", fmt.Errorf("unsupported column value type %T", v)
	}
}

// FormatRow renders a full row, without the trailing newline
func FormatRow(values ...any) (string, error) {
	var b strings.Builder
	for i, v := range values {
		if i > 0 {
			b.WriteByte('\t')
		}
		s, err := FormatValue(v)
		if err != nil {
			return "", fmt.Errorf("column %d: %w", i, err)
		}
		b.WriteString(s)
	}
	return b.String(), nil
}

// ParseRow splits a staged line (without newline) back into its fields
func ParseRow(line string) ([]Field, error) {
	parts := strings.Split(line, "\t")
	fields := make([]Field, len(parts))
	for i, p := range parts {
		if p == NullMarker {
			fields[i] = Field{Null: true}
			continue
		}
		v, err := Unescape(p)
		if err != nil {
			return nil, fmt.Errorf("column %d: %w", i, err)
		}
		fields[i] = Field{Value: v}
	}
	return fields, nil
}
