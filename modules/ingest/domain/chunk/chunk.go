// Package chunk splits a group's validated rows into bounded, positioned
// slices that can be written to the sink independently.
package chunk

import (
	"github.com/go-faster/errors"

	"github.com/iota-uz/iota-ingest/modules/ingest/domain/record"
	"github.com/iota-uz/iota-ingest/modules/ingest/domain/validation"
)

const (
	DefaultSize = 20
	// HeaderRows is the number of header rows above the first data row.
	HeaderRows = 2
)

var ErrMalformed = errors.New("malformed chunk")

// Chunk is one bounded slice of a section. Rows are rendered in Headers.Keys
// order; Errors holds the ErrorsCount of each row.
type Chunk struct {
	SinkID  string         `json:"sinkId" validate:"required"`
	Section string         `json:"section" validate:"required"`
	Index   int            `json:"index" validate:"gte=0"`
	Size    int            `json:"size" validate:"gt=0"`
	IsFirst bool           `json:"isFirst"`
	IsLast  bool           `json:"isLast"`
	Headers record.Headers `json:"headers" validate:"required"`
	Rows    [][]any        `json:"rows"`
	Errors  []int          `json:"errors"`
}

// Split cuts rows into chunks of at most size (DefaultSize when size <= 0).
// headers are the sink headers including the Status and ErrorsCount columns.
func Split(sinkID, section string, headers record.Headers, rows []validation.Validated, size int) []Chunk {
	if size <= 0 {
		size = DefaultSize
	}
	if len(rows) == 0 {
		return nil
	}
	n := (len(rows) + size - 1) / size
	out := make([]Chunk, 0, n)
	for i := 0; i < n; i++ {
		lo := i * size
		hi := min(lo+size, len(rows))
		c := Chunk{
			SinkID:  sinkID,
			Section: section,
			Index:   i,
			Size:    size,
			IsFirst: i == 0,
			IsLast:  i == n-1,
			Headers: headers,
			Rows:    make([][]any, 0, hi-lo),
			Errors:  make([]int, 0, hi-lo),
		}
		for _, v := range rows[lo:hi] {
			c.Rows = append(c.Rows, v.Cells(headers.Keys))
			c.Errors = append(c.Errors, v.ErrorsCount)
		}
		out = append(out, c)
	}
	return out
}

// StartRow is the 1-based sink row of the chunk's first data row.
func (c Chunk) StartRow() int {
	return HeaderRows + c.Index*c.Size + 1
}

// EndRow is the 1-based sink row of the chunk's last data row.
func (c Chunk) EndRow() int {
	return c.StartRow() + len(c.Rows) - 1
}

// ErrorsTotal sums the per-row error counts.
func (c Chunk) ErrorsTotal() int {
	total := 0
	for _, e := range c.Errors {
		total += e
	}
	return total
}

// Validate reports structural faults as ErrMalformed.
func (c Chunk) Validate() error {
	switch {
	case c.Size <= 0:
		return errors.Wrapf(ErrMalformed, "size %d", c.Size)
	case c.Index < 0:
		return errors.Wrapf(ErrMalformed, "index %d", c.Index)
	case c.IsFirst != (c.Index == 0):
		return errors.Wrapf(ErrMalformed, "first flag %v at index %d", c.IsFirst, c.Index)
	case len(c.Headers.Keys) == 0 || len(c.Headers.Display) != len(c.Headers.Keys):
		return errors.Wrapf(ErrMalformed, "header rows differ in width (%d display, %d keys)",
			len(c.Headers.Display), len(c.Headers.Keys))
	case len(c.Rows) == 0:
		return errors.Wrap(ErrMalformed, "no rows")
	case len(c.Rows) > c.Size:
		return errors.Wrapf(ErrMalformed, "%d rows exceed size %d", len(c.Rows), c.Size)
	case !c.IsLast && len(c.Rows) != c.Size:
		return errors.Wrapf(ErrMalformed, "non-final chunk has %d of %d rows", len(c.Rows), c.Size)
	case len(c.Errors) != len(c.Rows):
		return errors.Wrapf(ErrMalformed, "%d error counts for %d rows", len(c.Errors), len(c.Rows))
	}
	for i, r := range c.Rows {
		if len(r) != len(c.Headers.Keys) {
			return errors.Wrapf(ErrMalformed, "row %d has %d cells, want %d", i, len(r), len(c.Headers.Keys))
		}
	}
	return nil
}
