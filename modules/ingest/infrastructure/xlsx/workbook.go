// Package xlsx is a document backend that keeps each sink document as a
// workbook on local disk. Sections are sheets.
package xlsx

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/xuri/excelize/v2"

	"github.com/iota-uz/iota-ingest/modules/ingest/domain/document"
	"github.com/iota-uz/iota-ingest/modules/ingest/domain/record"
	"github.com/iota-uz/iota-ingest/pkg/logging"
	"github.com/iota-uz/iota-ingest/pkg/queue"
)

const (
	maxSheetName = 31
	defaultSheet = "Sheet1"
	errorFill    = "FB7C7C"
	columnWidth  = 18
)

var ErrSheetNameCollision = errors.New("section titles collide after sheet name sanitizing")

type Store struct {
	dir    string
	logger *logrus.Entry

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

var _ document.Backend = (*Store)(nil)

func NewStore(dir string, logger *logrus.Entry) (*Store, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("xlsx: directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "xlsx: create directory")
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Store{
		dir:    dir,
		logger: logger.WithField("component", "xlsx_sink"),
		locks:  map[string]*sync.Mutex{},
	}, nil
}

func (s *Store) CreateDocument(ctx context.Context, title string) (document.Handle, error) {
	if err := ctx.Err(); err != nil {
		return document.Handle{}, err
	}
	id := uuid.NewString()
	f := excelize.NewFile()
	defer f.Close()
	if err := f.SetDocProps(&excelize.DocProperties{Title: title, Creator: "ingest"}); err != nil {
		return document.Handle{}, errors.Wrap(err, "set document properties")
	}

	unlock := s.lock(id)
	defer unlock()
	if err := s.save(f, id); err != nil {
		return document.Handle{}, err
	}
	s.logger.WithFields(logrus.Fields{"document_id": id, "title": title}).Info("workbook created")
	return document.Handle{ID: id, URL: "file://" + s.path(id)}, nil
}

// InitializeDocument adds one sheet per title with two frozen header rows
// and drops the default sheet. Existing sheets are left alone.
func (s *Store) InitializeDocument(ctx context.Context, h document.Handle, titles []string) error {
	names := make([]string, 0, len(titles))
	seen := make(map[string]string, len(titles))
	for _, t := range titles {
		n := SheetName(t)
		if prev, ok := seen[n]; ok && prev != t {
			return queue.Permanent(errors.Wrapf(ErrSheetNameCollision, "%q and %q", prev, t))
		}
		seen[n] = t
		names = append(names, n)
	}

	return s.update(ctx, h, func(f *excelize.File) error {
		for _, n := range names {
			idx, err := f.GetSheetIndex(n)
			if err != nil {
				return errors.Wrapf(err, "lookup sheet %q", n)
			}
			if idx >= 0 {
				continue
			}
			if _, err := f.NewSheet(n); err != nil {
				return errors.Wrapf(err, "add sheet %q", n)
			}
			err = f.SetPanes(n, &excelize.Panes{
				Freeze:      true,
				YSplit:      2,
				TopLeftCell: "A3",
				ActivePane:  "bottomLeft",
			})
			if err != nil {
				return errors.Wrapf(err, "freeze header rows of %q", n)
			}
		}
		if _, keep := seen[defaultSheet]; !keep && len(names) > 0 {
			if idx, _ := f.GetSheetIndex(defaultSheet); idx >= 0 {
				if err := f.DeleteSheet(defaultSheet); err != nil {
					return errors.Wrap(err, "delete default sheet")
				}
			}
		}
		return nil
	})
}

// AppendRows writes rows starting at the absolute 1-based startRow.
func (s *Store) AppendRows(ctx context.Context, h document.Handle, section string, startRow int, rows [][]any) error {
	if startRow < 1 {
		return queue.Permanent(errors.Errorf("invalid start row %d", startRow))
	}
	sheet := SheetName(section)
	return s.update(ctx, h, func(f *excelize.File) error {
		if err := requireSheet(f, sheet); err != nil {
			return err
		}
		for i := range rows {
			cell, err := excelize.CoordinatesToCellName(1, startRow+i)
			if err != nil {
				return queue.Permanent(err)
			}
			row := rows[i]
			if err := f.SetSheetRow(sheet, cell, &row); err != nil {
				return errors.Wrapf(err, "write row %d", startRow+i)
			}
		}
		return nil
	})
}

// ApplyFormatting styles the header and summary rows, highlights data rows
// with errors and restricts NAME/EMAIL/PHONE cells by length. Existing rules
// on the same ranges are replaced.
func (s *Store) ApplyFormatting(ctx context.Context, h document.Handle, section string, ft document.Formatting) error {
	if len(ft.Keys) == 0 {
		return nil
	}
	sheet := SheetName(section)
	return s.update(ctx, h, func(f *excelize.File) error {
		if err := requireSheet(f, sheet); err != nil {
			return err
		}
		lastCol, err := excelize.ColumnNumberToName(len(ft.Keys))
		if err != nil {
			return queue.Permanent(err)
		}

		bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
		if err != nil {
			return errors.Wrap(err, "create header style")
		}
		if err := f.SetCellStyle(sheet, "A1", fmt.Sprintf("%s%d", lastCol, 2), bold); err != nil {
			return errors.Wrap(err, "style header rows")
		}
		if ft.SummaryRow > 0 {
			from, to := fmt.Sprintf("A%d", ft.SummaryRow), fmt.Sprintf("%s%d", lastCol, ft.SummaryRow)
			if err := f.SetCellStyle(sheet, from, to, bold); err != nil {
				return errors.Wrap(err, "style summary row")
			}
		}
		if err := f.SetColWidth(sheet, "A", lastCol, columnWidth); err != nil {
			return errors.Wrap(err, "set column width")
		}
		if ft.LastDataRow < ft.FirstDataRow {
			return nil
		}

		dataRange := fmt.Sprintf("A%d:%s%d", ft.FirstDataRow, lastCol, ft.LastDataRow)
		if idx := indexOf(ft.Keys, record.ErrorsKey); idx >= 0 {
			if err := highlightErrors(f, sheet, dataRange, idx, ft.FirstDataRow); err != nil {
				return err
			}
		}
		return addLengthRules(f, sheet, ft)
	})
}

func highlightErrors(f *excelize.File, sheet, dataRange string, errorsIdx, firstRow int) error {
	col, err := excelize.ColumnNumberToName(errorsIdx + 1)
	if err != nil {
		return queue.Permanent(err)
	}
	fill, err := f.NewConditionalStyle(&excelize.Style{
		Fill: excelize.Fill{Type: "pattern", Pattern: 1, Color: []string{errorFill}},
	})
	if err != nil {
		return errors.Wrap(err, "create error fill")
	}
	if err := f.UnsetConditionalFormat(sheet, dataRange); err != nil {
		return errors.Wrap(err, "clear conditional format")
	}
	err = f.SetConditionalFormat(sheet, dataRange, []excelize.ConditionalFormatOptions{{
		Type:     "formula",
		Criteria: fmt.Sprintf("$%s%d>0", col, firstRow),
		Format:   &fill,
	}})
	return errors.Wrap(err, "set conditional format")
}

type lengthRule struct {
	key      string
	min, max int
	message  string
}

var lengthChecks = []lengthRule{
	{key: record.FieldName, min: 1, max: 100, message: "Name must be 1-100 characters"},
	{key: record.FieldEmail, min: 5, max: 254, message: "Enter a valid email address"},
	{key: record.FieldPhone, min: 10, max: 16, message: "Enter a valid phone number"},
}

func addLengthRules(f *excelize.File, sheet string, ft document.Formatting) error {
	for _, r := range lengthChecks {
		idx := indexOf(ft.Keys, r.key)
		if idx < 0 {
			continue
		}
		col, err := excelize.ColumnNumberToName(idx + 1)
		if err != nil {
			return queue.Permanent(err)
		}
		sqref := fmt.Sprintf("%s%d:%s%d", col, ft.FirstDataRow, col, ft.LastDataRow)
		if err := f.DeleteDataValidation(sheet, sqref); err != nil {
			return errors.Wrapf(err, "clear validation on %s", sqref)
		}
		dv := excelize.NewDataValidation(true)
		dv.Sqref = sqref
		if err := dv.SetRange(r.min, r.max, excelize.DataValidationTypeTextLength, excelize.DataValidationOperatorBetween); err != nil {
			return errors.Wrapf(err, "validation range for %s", r.key)
		}
		dv.SetError(excelize.DataValidationErrorStyleWarning, "Invalid "+strings.ToLower(r.key), r.message)
		if err := f.AddDataValidation(sheet, dv); err != nil {
			return errors.Wrapf(err, "add validation on %s", sqref)
		}
	}
	return nil
}

func (s *Store) ListSections(ctx context.Context, h document.Handle) ([]string, error) {
	var out []string
	err := s.view(ctx, h, func(f *excelize.File) error {
		out = f.GetSheetList()
		return nil
	})
	return out, err
}

func (s *Store) ReadSection(ctx context.Context, h document.Handle, section string) (record.Table, error) {
	var t record.Table
	sheet := SheetName(section)
	err := s.view(ctx, h, func(f *excelize.File) error {
		if err := requireSheet(f, sheet); err != nil {
			return err
		}
		rows, err := f.GetRows(sheet)
		if err != nil {
			return errors.Wrapf(err, "read sheet %q", sheet)
		}
		t, err = document.TableFromValues(rows)
		return err
	})
	return t, err
}

// SheetName maps a section title onto a legal sheet name.
func SheetName(title string) string {
	name := strings.Map(func(r rune) rune {
		switch r {
		case ':', '\\', '/', '?', '*', '[', ']':
			return '_'
		}
		return r
	}, strings.TrimSpace(title))
	name = strings.Trim(name, "'")
	if name == "" {
		return defaultSheet
	}
	if utf8.RuneCountInString(name) > maxSheetName {
		name = string([]rune(name)[:maxSheetName])
	}
	return name
}

func (s *Store) path(id string) string {
	return filepath.Join(s.dir, id+".xlsx")
}

func (s *Store) lock(id string) func() {
	s.mu.Lock()
	m, ok := s.locks[id]
	if !ok {
		m = &sync.Mutex{}
		s.locks[id] = m
	}
	s.mu.Unlock()
	m.Lock()
	return m.Unlock
}

func (s *Store) open(h document.Handle) (*excelize.File, error) {
	if _, err := uuid.Parse(h.ID); err != nil {
		return nil, queue.Permanent(errors.Wrapf(document.ErrNotFound, "invalid id %q", h.ID))
	}
	f, err := excelize.OpenFile(s.path(h.ID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, queue.Permanent(errors.Wrapf(document.ErrNotFound, "workbook %s", h.ID))
		}
		return nil, errors.Wrapf(err, "open workbook %s", h.ID)
	}
	return f, nil
}

// save writes to a temporary file and renames it over the workbook.
func (s *Store) save(f *excelize.File, id string) error {
	tmp := filepath.Join(s.dir, id+".tmp.xlsx")
	if err := f.SaveAs(tmp); err != nil {
		return errors.Wrapf(err, "save workbook %s", id)
	}
	if err := os.Rename(tmp, s.path(id)); err != nil {
		return errors.Wrapf(err, "replace workbook %s", id)
	}
	return nil
}

func (s *Store) update(ctx context.Context, h document.Handle, fn func(*excelize.File) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	unlock := s.lock(h.ID)
	defer unlock()

	f, err := s.open(h)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := fn(f); err != nil {
		return err
	}
	return s.save(f, h.ID)
}

func (s *Store) view(ctx context.Context, h document.Handle, fn func(*excelize.File) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	unlock := s.lock(h.ID)
	defer unlock()

	f, err := s.open(h)
	if err != nil {
		return err
	}
	defer f.Close()
	return fn(f)
}

func requireSheet(f *excelize.File, sheet string) error {
	idx, err := f.GetSheetIndex(sheet)
	if err != nil {
		return errors.Wrapf(err, "lookup sheet %q", sheet)
	}
	if idx < 0 {
		return queue.Permanent(errors.Wrapf(document.ErrNotFound, "sheet %q", sheet))
	}
	return nil
}

func indexOf(keys []string, key string) int {
	for i, k := range keys {
		if k == key {
			return i
		}
	}
	return -1
}
