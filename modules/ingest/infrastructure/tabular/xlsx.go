package tabular

import (
	"io"

	"github.com/go-faster/errors"
	"github.com/xuri/excelize/v2"

	"github.com/iota-uz/iota-ingest/modules/ingest/domain/record"
)

// ReadXLSX reads one sheet of a workbook.
func ReadXLSX(r io.Reader, opts Options) (record.Table, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return record.Table{}, errors.Wrap(err, "open workbook")
	}
	defer f.Close()

	sheet := opts.Sheet
	if sheet == "" {
		sheets := f.GetSheetList()
		if len(sheets) == 0 {
			return record.Table{}, ErrMissingHeader
		}
		sheet = sheets[0]
	}
	rows, err := f.GetRows(sheet)
	if err != nil {
		return record.Table{}, errors.Wrapf(err, "read sheet %q", sheet)
	}
	return fromRecords(rows, opts)
}
