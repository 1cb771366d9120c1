package sheets

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	gsheets "google.golang.org/api/sheets/v4"

	"github.com/iota-uz/iota-ingest/modules/ingest/domain/document"
	"github.com/iota-uz/iota-ingest/pkg/queue"
)

type call struct {
	method string
	path   string
	query  map[string][]string
	body   map[string]any
}

type fakeAPI struct {
	mu        sync.Mutex
	calls     []call
	responses map[string]string
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	raw, _ := io.ReadAll(r.Body)
	c := call{method: r.Method, path: r.URL.Path, query: r.URL.Query()}
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &c.body)
	}
	f.mu.Lock()
	f.calls = append(f.calls, c)
	resp, ok := f.responses[r.Method+" "+r.URL.Path]
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, `{"error":{"code":404,"message":"not found"}}`)
		return
	}
	_, _ = io.WriteString(w, resp)
}

func (f *fakeAPI) find(method, path string) (call, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.calls {
		if c.method == method && c.path == path {
			return c, true
		}
	}
	return call{}, false
}

func newTestClient(t *testing.T, responses map[string]string, opts Options) (*Client, *fakeAPI) {
	t.Helper()
	api := &fakeAPI{responses: responses}
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)

	ctx := context.Background()
	sheetsSvc, err := gsheets.NewService(ctx, option.WithEndpoint(srv.URL+"/"), option.WithHTTPClient(srv.Client()))
	require.NoError(t, err)
	driveSvc, err := drive.NewService(ctx, option.WithEndpoint(srv.URL+"/drive/v3/"), option.WithHTTPClient(srv.Client()))
	require.NoError(t, err)
	c, err := New(sheetsSvc, driveSvc, opts)
	require.NoError(t, err)
	return c, api
}

func requestsOf(t *testing.T, c call) []map[string]any {
	t.Helper()
	list, ok := c.body["requests"].([]any)
	require.True(t, ok, "batch body has no requests")
	out := make([]map[string]any, 0, len(list))
	for _, r := range list {
		out = append(out, r.(map[string]any))
	}
	return out
}

func TestCreateDocument_FromTemplate(t *testing.T) {
	t.Parallel()

	c, api := newTestClient(t, map[string]string{
		"POST /drive/v3/files/tmpl/copy":        `{"id":"doc1"}`,
		"POST /drive/v3/files/doc1/permissions": `{"id":"anyoneWithLink"}`,
	}, Options{TemplateID: "tmpl", FolderID: "folder", ShareWithAnyone: true})

	h, err := c.CreateDocument(context.Background(), "Upload 1")
	require.NoError(t, err)
	assert.Equal(t, document.Handle{ID: "doc1", URL: urlPrefix + "doc1"}, h)

	cp, ok := api.find(http.MethodPost, "/drive/v3/files/tmpl/copy")
	require.True(t, ok)
	assert.Equal(t, "Upload 1", cp.body["name"])
	assert.Equal(t, []any{"folder"}, cp.body["parents"])

	perm, ok := api.find(http.MethodPost, "/drive/v3/files/doc1/permissions")
	require.True(t, ok)
	assert.Equal(t, "anyone", perm.body["type"])
	assert.Equal(t, "writer", perm.body["role"])
}

func TestCreateDocument_New(t *testing.T) {
	t.Parallel()

	c, api := newTestClient(t, map[string]string{
		"POST /v4/spreadsheets": `{"spreadsheetId":"doc2"}`,
	}, Options{})

	h, err := c.CreateDocument(context.Background(), "Upload 2")
	require.NoError(t, err)
	assert.Equal(t, "doc2", h.ID)

	_, shared := api.find(http.MethodPost, "/drive/v3/files/doc2/permissions")
	assert.False(t, shared)
}

func TestInitializeDocument(t *testing.T) {
	t.Parallel()

	c, api := newTestClient(t, map[string]string{
		"GET /v4/spreadsheets/doc1": `{"sheets":[
			{"properties":{"sheetId":0,"title":"TempSheet"}},
			{"properties":{"sheetId":5,"title":"alpha"}}]}`,
		"POST /v4/spreadsheets/doc1:batchUpdate": `{"spreadsheetId":"doc1"}`,
	}, Options{})

	err := c.InitializeDocument(context.Background(), document.Handle{ID: "doc1"}, []string{"Alpha", "Beta"})
	require.NoError(t, err)

	batch, ok := api.find(http.MethodPost, "/v4/spreadsheets/doc1:batchUpdate")
	require.True(t, ok)
	reqs := requestsOf(t, batch)
	require.Len(t, reqs, 2)

	add := reqs[0]["addSheet"].(map[string]any)["properties"].(map[string]any)
	assert.Equal(t, "Beta", add["title"])
	assert.EqualValues(t, 2, add["gridProperties"].(map[string]any)["frozenRowCount"])

	del := reqs[1]["deleteSheet"].(map[string]any)
	assert.EqualValues(t, 0, del["sheetId"])
}

func TestAppendRows(t *testing.T) {
	t.Parallel()

	c, api := newTestClient(t, map[string]string{
		"PUT /v4/spreadsheets/doc1/values/'O''Neil School'!A3": `{"updatedRows":1}`,
	}, Options{})

	err := c.AppendRows(context.Background(), document.Handle{ID: "doc1"}, "O'Neil School", 3, [][]any{{"Valid", 0, "Ann"}})
	require.NoError(t, err)

	put, ok := api.find(http.MethodPut, "/v4/spreadsheets/doc1/values/'O''Neil School'!A3")
	require.True(t, ok)
	assert.Equal(t, []string{"RAW"}, put.query["valueInputOption"])
	assert.Equal(t, []any{[]any{"Valid", float64(0), "Ann"}}, put.body["values"])
}

func TestApplyFormatting(t *testing.T) {
	t.Parallel()

	c, api := newTestClient(t, map[string]string{
		"GET /v4/spreadsheets/doc1": `{"sheets":[{"properties":{"sheetId":7,"title":"Alpha"},
			"conditionalFormats":[{},{}]}]}`,
		"POST /v4/spreadsheets/doc1:batchUpdate": `{"spreadsheetId":"doc1"}`,
	}, Options{})

	ft := document.Formatting{
		Keys:         []string{"Status", "ErrorsCount", "NAME", "EMAIL", "PHONE"},
		FirstDataRow: 3,
		LastDataRow:  47,
		SummaryRow:   48,
	}
	require.NoError(t, c.ApplyFormatting(context.Background(), document.Handle{ID: "doc1"}, "Alpha", ft))

	batch, ok := api.find(http.MethodPost, "/v4/spreadsheets/doc1:batchUpdate")
	require.True(t, ok)
	reqs := requestsOf(t, batch)

	var deletes, validations int
	var rule map[string]any
	for _, r := range reqs {
		switch {
		case r["deleteConditionalFormatRule"] != nil:
			deletes++
		case r["setDataValidation"] != nil:
			validations++
		case r["addConditionalFormatRule"] != nil:
			rule = r["addConditionalFormatRule"].(map[string]any)["rule"].(map[string]any)
		}
	}
	assert.Equal(t, 2, deletes)
	assert.Equal(t, 3, validations)
	require.NotNil(t, rule)

	rng := rule["ranges"].([]any)[0].(map[string]any)
	assert.EqualValues(t, 7, rng["sheetId"])
	assert.EqualValues(t, 2, rng["startRowIndex"])
	assert.EqualValues(t, 47, rng["endRowIndex"])
	assert.EqualValues(t, 5, rng["endColumnIndex"])
	cond := rule["booleanRule"].(map[string]any)["condition"].(map[string]any)
	assert.Equal(t, "=INDIRECT(ADDRESS(ROW(), 2))>0",
		cond["values"].([]any)[0].(map[string]any)["userEnteredValue"])
}

func TestApplyFormatting_UnknownTab(t *testing.T) {
	t.Parallel()

	c, _ := newTestClient(t, map[string]string{
		"GET /v4/spreadsheets/doc1": `{"sheets":[{"properties":{"sheetId":7,"title":"Alpha"}}]}`,
	}, Options{})

	err := c.ApplyFormatting(context.Background(), document.Handle{ID: "doc1"}, "Gamma",
		document.Formatting{Keys: []string{"Status"}, FirstDataRow: 3, LastDataRow: 3, SummaryRow: 4})
	require.ErrorIs(t, err, document.ErrNotFound)
	assert.True(t, queue.IsPermanent(err))
}

func TestReadSection(t *testing.T) {
	t.Parallel()

	c, _ := newTestClient(t, map[string]string{
		"GET /v4/spreadsheets/doc1/values/'Alpha'": `{"values":[
			[" "," ","Name"],
			["Status","ErrorsCount","NAME"],
			["Valid","0","Ann"],
			[],
			["Total Errors","0"]]}`,
	}, Options{})

	tbl, err := c.ReadSection(context.Background(), document.Handle{ID: "doc1"}, "Alpha")
	require.NoError(t, err)
	assert.Equal(t, []string{"Status", "ErrorsCount", "NAME"}, tbl.Headers.Keys)
	require.Len(t, tbl.Rows, 1)
	assert.Equal(t, "Ann", tbl.Rows[0]["NAME"])
}

func TestMissingDocumentIsPermanent(t *testing.T) {
	t.Parallel()

	c, _ := newTestClient(t, map[string]string{}, Options{})
	_, err := c.ListSections(context.Background(), document.Handle{ID: "gone"})
	require.Error(t, err)
	assert.True(t, queue.IsPermanent(err))
}

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		err       error
		permanent bool
	}{
		{"bad request", &googleapi.Error{Code: 400}, true},
		{"not found", &googleapi.Error{Code: 404}, true},
		{"forbidden", &googleapi.Error{Code: 403}, true},
		{"rate limited 403", &googleapi.Error{Code: 403, Errors: []googleapi.ErrorItem{{Reason: "userRateLimitExceeded"}}}, false},
		{"too many requests", &googleapi.Error{Code: 429}, false},
		{"server error", &googleapi.Error{Code: 503}, false},
		{"network", errors.New("connection reset"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := classify(errors.Wrap(tt.err, "call"))
			assert.Equal(t, tt.permanent, queue.IsPermanent(err))
		})
	}
}

func TestQuoteTitle(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "'Alpha'", quoteTitle("Alpha"))
	assert.Equal(t, "'St. Mary''s'", quoteTitle("St. Mary's"))
}

func TestAppendRows_Throttled(t *testing.T) {
	t.Parallel()

	lim := limiter.New(memory.NewStore(), limiter.Rate{Period: time.Hour, Limit: 1})
	c, api := newTestClient(t, map[string]string{
		"PUT /v4/spreadsheets/doc1/values/'A'!A1": `{}`,
	}, Options{WriteLimiter: lim})

	h := document.Handle{ID: "doc1"}
	require.NoError(t, c.AppendRows(context.Background(), h, "A", 1, [][]any{{"x"}}))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := c.AppendRows(ctx, h, "A", 1, [][]any{{"x"}})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, queue.IsPermanent(err))

	api.mu.Lock()
	defer api.mu.Unlock()
	assert.Len(t, api.calls, 1)
}

func TestNewWriteLimiter(t *testing.T) {
	t.Parallel()

	lim, err := NewWriteLimiter("")
	require.NoError(t, err)
	assert.Nil(t, lim)

	lim, err = NewWriteLimiter("60-M")
	require.NoError(t, err)
	assert.EqualValues(t, 60, lim.Rate.Limit)

	_, err = NewWriteLimiter("lots")
	require.Error(t, err)
}
