package tabular

import (
	"encoding/csv"
	"io"

	"github.com/go-faster/errors"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"github.com/iota-uz/iota-ingest/modules/ingest/domain/record"
)

// ReadCSV reads a delimited upload. A UTF-8 or UTF-16 byte order mark
// selects the encoding; without one the input is taken as UTF-8.
func ReadCSV(r io.Reader, opts Options) (record.Table, error) {
	decoded := transform.NewReader(r, unicode.BOMOverride(unicode.UTF8.NewDecoder()))
	cr := csv.NewReader(decoded)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = false
	cr.LazyQuotes = true

	records, err := cr.ReadAll()
	if err != nil {
		return record.Table{}, errors.Wrap(err, "read csv")
	}
	return fromRecords(records, opts)
}
