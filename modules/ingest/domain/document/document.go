// Package document declares the ports of the external ordered sink.
package document

import (
	"context"

	"github.com/go-faster/errors"

	"github.com/iota-uz/iota-ingest/modules/ingest/domain/record"
)

// SummaryLabel is written in the Status column of the trailing summary row.
const SummaryLabel = "Total Errors"

var ErrNotFound = errors.New("document not found")

// Handle identifies a sink document.
type Handle struct {
	ID  string `json:"id" validate:"required"`
	URL string `json:"url"`
}

// Formatting describes the styling applied once a section is complete.
// Rows are 1-based and inclusive.
type Formatting struct {
	Keys         []string
	FirstDataRow int
	LastDataRow  int
	SummaryRow   int
}

// Sink is the write side of a document. AppendRows writes at an absolute
// row, so rewriting the same range leaves the document unchanged.
type Sink interface {
	InitializeDocument(ctx context.Context, h Handle, titles []string) error
	AppendRows(ctx context.Context, h Handle, section string, startRow int, rows [][]any) error
	ApplyFormatting(ctx context.Context, h Handle, section string, f Formatting) error
}

type Factory interface {
	CreateDocument(ctx context.Context, title string) (Handle, error)
}

// Reader reads a section back as a table: row 1 display headers, row 2 keys.
type Reader interface {
	ListSections(ctx context.Context, h Handle) ([]string, error)
	ReadSection(ctx context.Context, h Handle, section string) (record.Table, error)
}

// Backend is what an adapter usually provides in full.
type Backend interface {
	Sink
	Factory
	Reader
}

// TableFromValues turns the raw cells of a section into a table. The first
// two rows are headers; blank rows and the summary row are dropped.
func TableFromValues(values [][]string) (record.Table, error) {
	if len(values) < 2 {
		return record.Table{}, errors.Errorf("expected two header rows, got %d", len(values))
	}
	keys := values[1]
	display := make([]string, len(keys))
	for i := range keys {
		if i < len(values[0]) {
			display[i] = values[0][i]
		}
	}
	t := record.Table{Headers: record.Headers{Display: display, Keys: append([]string(nil), keys...)}}
	for _, cells := range values[2:] {
		row := make(record.Row, len(keys))
		for i, k := range keys {
			if k == "" {
				continue
			}
			if i < len(cells) {
				row[k] = cells[i]
			} else {
				row[k] = ""
			}
		}
		if row.Blank() || row.String(record.StatusKey) == SummaryLabel {
			continue
		}
		t.Rows = append(t.Rows, row)
	}
	return t, nil
}

// SummaryRow builds the trailing row for a section with the given width.
func SummaryRow(keys []string, totalErrors int) []any {
	out := make([]any, len(keys))
	for i, k := range keys {
		switch k {
		case record.StatusKey:
			out[i] = SummaryLabel
		case record.ErrorsKey:
			out[i] = totalErrors
		default:
			out[i] = ""
		}
	}
	return out
}
