// Package sheets is the Google Sheets document backend. One spreadsheet is
// one sink document; each section is a tab.
package sheets

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/go-faster/errors"
	"github.com/sirupsen/logrus"
	"github.com/ulule/limiter/v3"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/option"
	gsheets "google.golang.org/api/sheets/v4"

	"github.com/iota-uz/iota-ingest/modules/ingest/domain/document"
	"github.com/iota-uz/iota-ingest/modules/ingest/domain/record"
	"github.com/iota-uz/iota-ingest/pkg/logging"
)

const urlPrefix = "https://docs.google.com/spreadsheets/d/"

// Placeholder tabs left by a fresh spreadsheet or the template copy.
var placeholderTabs = []string{"Sheet1", "TempSheet"}

type Options struct {
	// TemplateID is copied for every new document when set.
	TemplateID      string
	FolderID        string
	ShareWithAnyone bool
	// WriteLimiter throttles writes per spreadsheet; nil means unlimited.
	WriteLimiter *limiter.Limiter
	Logger       *logrus.Entry
}

type Client struct {
	sheets *gsheets.Service
	drive  *drive.Service
	opts   Options
	logger *logrus.Entry

	mu sync.Mutex
	// tab ids per spreadsheet, keyed by upper-cased title
	tabs map[string]map[string]int64
}

var _ document.Backend = (*Client)(nil)

func New(sheetsSvc *gsheets.Service, driveSvc *drive.Service, opts Options) (*Client, error) {
	if sheetsSvc == nil || driveSvc == nil {
		return nil, errors.New("sheets: both sheets and drive services are required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	return &Client{
		sheets: sheetsSvc,
		drive:  driveSvc,
		opts:   opts,
		logger: logger.WithField("component", "sheets_sink"),
		tabs:   map[string]map[string]int64{},
	}, nil
}

// Connect authenticates with a service-account key file, or with application
// default credentials when credentialsFile is empty.
func Connect(ctx context.Context, credentialsFile string, opts Options, extra ...option.ClientOption) (*Client, error) {
	scopes := []string{gsheets.SpreadsheetsScope, drive.DriveScope}
	var creds *google.Credentials
	if credentialsFile != "" {
		data, err := os.ReadFile(credentialsFile)
		if err != nil {
			return nil, errors.Wrap(err, "read google credentials")
		}
		creds, err = google.CredentialsFromJSON(ctx, data, scopes...)
		if err != nil {
			return nil, errors.Wrap(err, "parse google credentials")
		}
	} else {
		var err error
		creds, err = google.FindDefaultCredentials(ctx, scopes...)
		if err != nil {
			return nil, errors.Wrap(err, "find default google credentials")
		}
	}

	clientOpts := append([]option.ClientOption{option.WithCredentials(creds)}, extra...)
	sheetsSvc, err := gsheets.NewService(ctx, clientOpts...)
	if err != nil {
		return nil, errors.Wrap(err, "create sheets service")
	}
	driveSvc, err := drive.NewService(ctx, clientOpts...)
	if err != nil {
		return nil, errors.Wrap(err, "create drive service")
	}
	return New(sheetsSvc, driveSvc, opts)
}

func (c *Client) CreateDocument(ctx context.Context, title string) (document.Handle, error) {
	var id string
	if c.opts.TemplateID != "" {
		file := &drive.File{Name: title}
		if c.opts.FolderID != "" {
			file.Parents = []string{c.opts.FolderID}
		}
		copied, err := c.drive.Files.Copy(c.opts.TemplateID, file).
			SupportsAllDrives(true).Fields("id").Context(ctx).Do()
		if err != nil {
			return document.Handle{}, classify(errors.Wrap(err, "copy template"))
		}
		id = copied.Id
	} else {
		created, err := c.sheets.Spreadsheets.Create(&gsheets.Spreadsheet{
			Properties: &gsheets.SpreadsheetProperties{Title: title},
		}).Fields("spreadsheetId").Context(ctx).Do()
		if err != nil {
			return document.Handle{}, classify(errors.Wrap(err, "create spreadsheet"))
		}
		id = created.SpreadsheetId
		if c.opts.FolderID != "" {
			_, err := c.drive.Files.Update(id, &drive.File{}).AddParents(c.opts.FolderID).
				SupportsAllDrives(true).Fields("id").Context(ctx).Do()
			if err != nil {
				return document.Handle{}, classify(errors.Wrap(err, "move spreadsheet to folder"))
			}
		}
	}

	if c.opts.ShareWithAnyone {
		_, err := c.drive.Permissions.Create(id, &drive.Permission{Type: "anyone", Role: "writer"}).
			SupportsAllDrives(true).Context(ctx).Do()
		if err != nil {
			return document.Handle{}, classify(errors.Wrap(err, "share spreadsheet"))
		}
	}

	c.logger.WithFields(logrus.Fields{"document_id": id, "title": title}).Info("spreadsheet created")
	return document.Handle{ID: id, URL: urlPrefix + id}, nil
}

// InitializeDocument adds the missing tabs with two frozen rows and removes
// placeholder tabs that are not among titles. Titles match case-insensitively.
func (c *Client) InitializeDocument(ctx context.Context, h document.Handle, titles []string) error {
	tabs, err := c.loadTabs(ctx, h.ID)
	if err != nil {
		return err
	}

	wanted := make(map[string]struct{}, len(titles))
	var requests []*gsheets.Request
	for _, t := range titles {
		key := strings.ToUpper(t)
		if _, dup := wanted[key]; dup {
			continue
		}
		wanted[key] = struct{}{}
		if _, ok := tabs[key]; ok {
			continue
		}
		requests = append(requests, &gsheets.Request{AddSheet: &gsheets.AddSheetRequest{
			Properties: &gsheets.SheetProperties{
				Title:          t,
				GridProperties: &gsheets.GridProperties{FrozenRowCount: 2},
			},
		}})
	}
	for _, p := range placeholderTabs {
		key := strings.ToUpper(p)
		id, exists := tabs[key]
		_, keep := wanted[key]
		if exists && !keep && len(wanted) > 0 {
			requests = append(requests, &gsheets.Request{DeleteSheet: &gsheets.DeleteSheetRequest{
				SheetId:         id,
				ForceSendFields: []string{"SheetId"},
			}})
		}
	}
	if len(requests) == 0 {
		return nil
	}
	if err := c.throttle(ctx, h.ID); err != nil {
		return err
	}

	_, err = c.sheets.Spreadsheets.BatchUpdate(h.ID, &gsheets.BatchUpdateSpreadsheetRequest{Requests: requests}).
		Context(ctx).Do()
	c.forget(h.ID)
	if err != nil {
		return classify(errors.Wrap(err, "initialize tabs"))
	}
	c.logger.WithFields(logrus.Fields{"document_id": h.ID, "requests": len(requests)}).Info("tabs initialized")
	return nil
}

// AppendRows overwrites the range that starts at column A of startRow.
func (c *Client) AppendRows(ctx context.Context, h document.Handle, section string, startRow int, rows [][]any) error {
	if len(rows) == 0 {
		return nil
	}
	if err := c.throttle(ctx, h.ID); err != nil {
		return err
	}
	rng := fmt.Sprintf("%s!A%d", quoteTitle(section), startRow)
	_, err := c.sheets.Spreadsheets.Values.Update(h.ID, rng, &gsheets.ValueRange{Values: rows}).
		ValueInputOption("RAW").Context(ctx).Do()
	if err != nil {
		return classify(errors.Wrapf(err, "update %s", rng))
	}
	return nil
}

func (c *Client) ListSections(ctx context.Context, h document.Handle) ([]string, error) {
	ss, err := c.sheets.Spreadsheets.Get(h.ID).Fields("sheets.properties(sheetId,title)").Context(ctx).Do()
	if err != nil {
		return nil, classify(errors.Wrap(err, "list tabs"))
	}
	out := make([]string, 0, len(ss.Sheets))
	for _, s := range ss.Sheets {
		if s.Properties != nil {
			out = append(out, s.Properties.Title)
		}
	}
	return out, nil
}

func (c *Client) ReadSection(ctx context.Context, h document.Handle, section string) (record.Table, error) {
	vr, err := c.sheets.Spreadsheets.Values.Get(h.ID, quoteTitle(section)).
		ValueRenderOption("FORMATTED_VALUE").Context(ctx).Do()
	if err != nil {
		return record.Table{}, classify(errors.Wrapf(err, "read %s", section))
	}
	values := make([][]string, len(vr.Values))
	for i, row := range vr.Values {
		values[i] = make([]string, len(row))
		for j, v := range row {
			values[i][j] = fmt.Sprint(v)
		}
	}
	return document.TableFromValues(values)
}

func (c *Client) loadTabs(ctx context.Context, id string) (map[string]int64, error) {
	c.mu.Lock()
	cached, ok := c.tabs[id]
	c.mu.Unlock()
	if ok {
		return cached, nil
	}

	ss, err := c.sheets.Spreadsheets.Get(id).Fields("sheets.properties(sheetId,title)").Context(ctx).Do()
	if err != nil {
		return nil, classify(errors.Wrap(err, "load tabs"))
	}
	tabs := make(map[string]int64, len(ss.Sheets))
	for _, s := range ss.Sheets {
		if s.Properties != nil {
			tabs[strings.ToUpper(s.Properties.Title)] = s.Properties.SheetId
		}
	}
	c.mu.Lock()
	c.tabs[id] = tabs
	c.mu.Unlock()
	return tabs, nil
}

func (c *Client) tabID(ctx context.Context, id, section string) (int64, error) {
	tabs, err := c.loadTabs(ctx, id)
	if err != nil {
		return 0, err
	}
	if tab, ok := tabs[strings.ToUpper(section)]; ok {
		return tab, nil
	}
	c.forget(id)
	if tabs, err = c.loadTabs(ctx, id); err != nil {
		return 0, err
	}
	if tab, ok := tabs[strings.ToUpper(section)]; ok {
		return tab, nil
	}
	return 0, permanent(errors.Wrapf(document.ErrNotFound, "tab %q", section))
}

func (c *Client) forget(id string) {
	c.mu.Lock()
	delete(c.tabs, id)
	c.mu.Unlock()
}

// quoteTitle renders a tab title for A1 notation.
func quoteTitle(title string) string {
	return "'" + strings.ReplaceAll(title, "'", "''") + "'"
}
