package grouping

import (
	"strings"

	"github.com/iota-uz/iota-ingest/modules/ingest/domain/record"
)

const KeySeparator = "|||"

// Key builds a composite key: values are trimmed, upper-cased and joined
// with KeySeparator. Separator occurrences inside values are removed.
func Key(values ...string) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = strings.ReplaceAll(strings.ToUpper(strings.TrimSpace(v)), KeySeparator, "")
	}
	return strings.Join(parts, KeySeparator)
}

// RowKey returns the composite key of fields in row. ok is false when any
// field is blank.
func RowKey(row record.Row, fields ...string) (key string, ok bool) {
	values := make([]string, len(fields))
	for i, f := range fields {
		v := row.String(f)
		if v == "" {
			return "", false
		}
		values[i] = v
	}
	return Key(values...), true
}

// DedupResult holds the first-seen item per key in input order.
type DedupResult[T any] struct {
	Items      []T
	Duplicates int
	Skipped    int
}

// Dedup keeps the first item for every key. keyOf returns ok=false for items
// lacking a key; those are counted as skipped.
func Dedup[T any](items []T, keyOf func(T) (string, bool)) DedupResult[T] {
	seen := make(map[string]struct{}, len(items))
	var res DedupResult[T]
	for _, it := range items {
		k, ok := keyOf(it)
		if !ok {
			res.Skipped++
			continue
		}
		if _, dup := seen[k]; dup {
			res.Duplicates++
			continue
		}
		seen[k] = struct{}{}
		res.Items = append(res.Items, it)
	}
	return res
}

// DedupRows is Dedup over rows keyed by fields.
func DedupRows(rows []record.Row, fields ...string) DedupResult[record.Row] {
	return Dedup(rows, func(r record.Row) (string, bool) {
		return RowKey(r, fields...)
	})
}
