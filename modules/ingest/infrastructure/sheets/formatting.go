package sheets

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/sirupsen/logrus"
	gsheets "google.golang.org/api/sheets/v4"

	"github.com/iota-uz/iota-ingest/modules/ingest/domain/document"
	"github.com/iota-uz/iota-ingest/modules/ingest/domain/record"
)

var errorFill = &gsheets.Color{Red: 0.984, Green: 0.486, Blue: 0.486}

type columnRule struct {
	key     string
	formula string
	message string
	strict  bool
}

var columnRules = []columnRule{
	{
		key:     record.FieldName,
		formula: `=NOT(ISBLANK(INDIRECT("R[0]C[0]", FALSE)))`,
		message: "Name field cannot be empty.",
		strict:  true,
	},
	{
		key:     record.FieldPhone,
		formula: `=REGEXMATCH(TO_TEXT(INDIRECT(ADDRESS(ROW(), COLUMN()))), "^((\+91[-\s]?)?[6-9][0-9]{9})$")`,
		message: "Enter a valid 10-digit phone number.",
	},
	{
		key:     record.FieldEmail,
		formula: `=REGEXMATCH(INDIRECT("R[0]C[0]", FALSE), "^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$")`,
		message: "Must be a valid email (e.g., user@domain.com)",
	},
}

// ApplyFormatting replaces the tab's conditional formats with a single
// highlight on rows whose ErrorsCount is positive, sets column validation,
// bolds the summary row and resizes the columns. All in one batch.
func (c *Client) ApplyFormatting(ctx context.Context, h document.Handle, section string, ft document.Formatting) error {
	if len(ft.Keys) == 0 {
		return nil
	}
	tab, err := c.tabID(ctx, h.ID, section)
	if err != nil {
		return err
	}
	existing, err := c.conditionalFormatCount(ctx, h.ID, tab)
	if err != nil {
		return err
	}

	width := int64(len(ft.Keys))
	requests := make([]*gsheets.Request, 0, existing+len(columnRules)+3)
	for i := existing - 1; i >= 0; i-- {
		requests = append(requests, &gsheets.Request{DeleteConditionalFormatRule: &gsheets.DeleteConditionalFormatRuleRequest{
			SheetId:         tab,
			Index:           int64(i),
			ForceSendFields: []string{"SheetId", "Index"},
		}})
	}

	hasData := ft.LastDataRow >= ft.FirstDataRow
	if col := indexOf(ft.Keys, record.ErrorsKey); col >= 0 && hasData {
		requests = append(requests, &gsheets.Request{AddConditionalFormatRule: &gsheets.AddConditionalFormatRuleRequest{
			Index: 0,
			Rule: &gsheets.ConditionalFormatRule{
				Ranges: []*gsheets.GridRange{rowRange(tab, ft.FirstDataRow, ft.LastDataRow, 0, width)},
				BooleanRule: &gsheets.BooleanRule{
					Condition: &gsheets.BooleanCondition{
						Type:   "CUSTOM_FORMULA",
						Values: []*gsheets.ConditionValue{{UserEnteredValue: fmt.Sprintf("=INDIRECT(ADDRESS(ROW(), %d))>0", col+1)}},
					},
					Format: &gsheets.CellFormat{BackgroundColor: errorFill},
				},
			},
			ForceSendFields: []string{"Index"},
		}})
	}

	if hasData {
		for _, r := range columnRules {
			col := indexOf(ft.Keys, r.key)
			if col < 0 {
				continue
			}
			requests = append(requests, &gsheets.Request{SetDataValidation: &gsheets.SetDataValidationRequest{
				Range: rowRange(tab, ft.FirstDataRow, ft.LastDataRow, int64(col), int64(col)+1),
				Rule: &gsheets.DataValidationRule{
					Condition: &gsheets.BooleanCondition{
						Type:   "CUSTOM_FORMULA",
						Values: []*gsheets.ConditionValue{{UserEnteredValue: r.formula}},
					},
					InputMessage: r.message,
					Strict:       r.strict,
					ShowCustomUi: true,
				},
			}})
		}
	}

	if ft.SummaryRow > 0 {
		requests = append(requests, &gsheets.Request{RepeatCell: &gsheets.RepeatCellRequest{
			Range:  rowRange(tab, ft.SummaryRow, ft.SummaryRow, 0, width),
			Cell:   &gsheets.CellData{UserEnteredFormat: &gsheets.CellFormat{TextFormat: &gsheets.TextFormat{Bold: true}}},
			Fields: "userEnteredFormat.textFormat.bold",
		}})
	}
	requests = append(requests, &gsheets.Request{AutoResizeDimensions: &gsheets.AutoResizeDimensionsRequest{
		Dimensions: &gsheets.DimensionRange{
			SheetId:         tab,
			Dimension:       "COLUMNS",
			StartIndex:      0,
			EndIndex:        width,
			ForceSendFields: []string{"SheetId", "StartIndex"},
		},
	}})

	if err := c.throttle(ctx, h.ID); err != nil {
		return err
	}
	_, err = c.sheets.Spreadsheets.BatchUpdate(h.ID, &gsheets.BatchUpdateSpreadsheetRequest{Requests: requests}).
		Context(ctx).Do()
	if err != nil {
		return classify(errors.Wrapf(err, "format %s", section))
	}
	c.logger.WithFields(logrus.Fields{
		"document_id": h.ID,
		"section":     section,
		"last_row":    ft.LastDataRow,
	}).Debug("formatting applied")
	return nil
}

func (c *Client) conditionalFormatCount(ctx context.Context, id string, tab int64) (int, error) {
	ss, err := c.sheets.Spreadsheets.Get(id).
		Fields("sheets(properties(sheetId,title),conditionalFormats)").Context(ctx).Do()
	if err != nil {
		return 0, classify(errors.Wrap(err, "load conditional formats"))
	}
	for _, s := range ss.Sheets {
		if s.Properties != nil && s.Properties.SheetId == tab {
			return len(s.ConditionalFormats), nil
		}
	}
	return 0, nil
}

// rowRange covers 1-based inclusive rows first..last and the half-open
// column span [fromCol, toCol).
func rowRange(tab int64, first, last int, fromCol, toCol int64) *gsheets.GridRange {
	return &gsheets.GridRange{
		SheetId:          tab,
		StartRowIndex:    int64(first - 1),
		EndRowIndex:      int64(last),
		StartColumnIndex: fromCol,
		EndColumnIndex:   toCol,
		ForceSendFields:  []string{"SheetId", "StartColumnIndex"},
	}
}

func indexOf(keys []string, key string) int {
	for i, k := range keys {
		if k == key {
			return i
		}
	}
	return -1
}
