package record

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

const (
	StatusKey = "Status"
	ErrorsKey = "ErrorsCount"
)

// Row maps a field name to the raw cell value (string or number).
type Row map[string]any

// String renders the trimmed textual value of field, "" when absent.
func (r Row) String(field string) string {
	return strings.TrimSpace(Stringify(r[field]))
}

func (r Row) Has(field string) bool {
	return r.String(field) != ""
}

// Blank reports whether every cell is empty.
func (r Row) Blank() bool {
	for k := range r {
		if r.String(k) != "" {
			return false
		}
	}
	return true
}

// Without returns a copy of r minus the given fields.
func (r Row) Without(fields ...string) Row {
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	for _, f := range fields {
		delete(out, f)
	}
	return out
}

func Stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32)
	case int:
		return strconv.Itoa(t)
	case int32:
		return strconv.FormatInt(int64(t), 10)
	case int64:
		return strconv.FormatInt(t, 10)
	case json.Number:
		return t.String()
	case bool:
		return strconv.FormatBool(t)
	default:
		return fmt.Sprint(t)
	}
}

// Headers pairs the display header row with the field-key row; both have the
// same length and column order.
type Headers struct {
	Display []string `json:"display" validate:"required"`
	Keys    []string `json:"keys" validate:"required"`
}

func (h Headers) Index(key string) int {
	for i, k := range h.Keys {
		if k == key {
			return i
		}
	}
	return -1
}

func (h Headers) Equal(o Headers) bool {
	if len(h.Display) != len(o.Display) || len(h.Keys) != len(o.Keys) {
		return false
	}
	for i := range h.Display {
		if h.Display[i] != o.Display[i] {
			return false
		}
	}
	for i := range h.Keys {
		if h.Keys[i] != o.Keys[i] {
			return false
		}
	}
	return true
}

// Table is one parsed upload: headers in original order plus rows keyed by
// Headers.Keys.
type Table struct {
	Headers Headers
	Rows    []Row
}
