// Package tabular reads uploaded spreadsheets (CSV or XLSX) into tables.
package tabular

import (
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-faster/errors"

	"github.com/iota-uz/iota-ingest/modules/ingest/domain/record"
)

var (
	ErrMissingHeader   = errors.New("missing header")
	ErrHeaderEncoding  = errors.New("invalid header encoding")
	ErrUnsupportedType = errors.New("unsupported file type")
)

type Options struct {
	// HeaderRows is 1 (a single key row) or 2 (display row then key row).
	HeaderRows int
	// Sheet selects an XLSX sheet; the first sheet when empty.
	Sheet string
}

const xlsxMIME = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// ReadFile sniffs the content type and falls back to the file extension when
// the content is ambiguous.
func ReadFile(path string, opts Options) (record.Table, error) {
	mt, err := mimetype.DetectFile(path)
	if err != nil {
		return record.Table{}, errors.Wrap(err, "detect upload type")
	}
	f, err := os.Open(path)
	if err != nil {
		return record.Table{}, errors.Wrap(err, "open upload")
	}
	defer f.Close()

	switch {
	case mt.Is(xlsxMIME):
		return ReadXLSX(f, opts)
	case mt.Is("text/csv"):
		return ReadCSV(f, opts)
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".xlsx", ".xlsm":
		return ReadXLSX(f, opts)
	case ".csv", ".txt", "":
		if mt.Is("text/plain") {
			return ReadCSV(f, opts)
		}
		return record.Table{}, errors.Wrapf(ErrUnsupportedType, "%s content in %q", mt.String(), filepath.Base(path))
	default:
		return record.Table{}, errors.Wrapf(ErrUnsupportedType, "%s (%s)", ext, mt.String())
	}
}

// fromRecords turns raw records into a table. Header cells are trimmed;
// data cells are kept as read, padded with "" to the header width.
func fromRecords(records [][]string, opts Options) (record.Table, error) {
	n := opts.HeaderRows
	if n != 2 {
		n = 1
	}
	if len(records) < n {
		return record.Table{}, ErrMissingHeader
	}
	keys := trimHeader(records[n-1])
	display := keys
	if n == 2 {
		display = trimHeader(records[0])
	}
	for _, h := range append(append([]string(nil), keys...), display...) {
		if !utf8.ValidString(h) {
			return record.Table{}, ErrHeaderEncoding
		}
	}
	if allBlank(keys) {
		return record.Table{}, ErrMissingHeader
	}

	width := len(keys)
	disp := make([]string, width)
	for i := range disp {
		if i < len(display) && display[i] != "" {
			disp[i] = display[i]
		} else {
			disp[i] = keys[i]
		}
	}

	t := record.Table{Headers: record.Headers{Display: disp, Keys: keys}}
	for _, rec := range records[n:] {
		row := make(record.Row, width)
		for i, k := range keys {
			if k == "" {
				continue
			}
			if i < len(rec) {
				row[k] = rec[i]
			} else {
				row[k] = ""
			}
		}
		t.Rows = append(t.Rows, row)
	}
	return t, nil
}

func trimHeader(h []string) []string {
	out := make([]string, len(h))
	for i := range h {
		out[i] = strings.TrimSpace(h[i])
	}
	return out
}

func allBlank(h []string) bool {
	for _, v := range h {
		if v != "" {
			return false
		}
	}
	return true
}
