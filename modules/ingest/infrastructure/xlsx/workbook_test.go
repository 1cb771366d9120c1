package xlsx_test

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/iota-uz/iota-ingest/modules/ingest/domain/document"
	"github.com/iota-uz/iota-ingest/modules/ingest/infrastructure/xlsx"
	"github.com/iota-uz/iota-ingest/pkg/queue"
)

func newStore(t *testing.T) (*xlsx.Store, string) {
	t.Helper()
	dir := t.TempDir()
	s, err := xlsx.NewStore(dir, nil)
	require.NoError(t, err)
	return s, dir
}

func TestStore_RoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, dir := newStore(t)

	h, err := s.CreateDocument(ctx, "Upload")
	require.NoError(t, err)
	require.NotEmpty(t, h.ID)
	assert.Equal(t, "file://"+filepath.Join(dir, h.ID+".xlsx"), h.URL)

	require.NoError(t, s.InitializeDocument(ctx, h, []string{"Alpha School", "Beta"}))
	sections, err := s.ListSections(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, []string{"Alpha School", "Beta"}, sections)

	keys := []string{"Status", "ErrorsCount", "NAME", "EMAIL"}
	header := [][]any{{" ", " ", "Name", "Email"}, {"Status", "ErrorsCount", "NAME", "EMAIL"}}
	require.NoError(t, s.AppendRows(ctx, h, "Alpha School", 1, header))
	require.NoError(t, s.AppendRows(ctx, h, "Alpha School", 4, [][]any{{"bad email", 1, "Bob", "nope"}}))
	require.NoError(t, s.AppendRows(ctx, h, "Alpha School", 3, [][]any{{"Valid", 0, "Ann", "ann@example.com"}}))
	require.NoError(t, s.AppendRows(ctx, h, "Alpha School", 5, [][]any{document.SummaryRow(keys, 1)}))

	ft := document.Formatting{Keys: keys, FirstDataRow: 3, LastDataRow: 4, SummaryRow: 5}
	require.NoError(t, s.ApplyFormatting(ctx, h, "Alpha School", ft))
	require.NoError(t, s.ApplyFormatting(ctx, h, "Alpha School", ft))

	tbl, err := s.ReadSection(ctx, h, "Alpha School")
	require.NoError(t, err)
	assert.Equal(t, keys, tbl.Headers.Keys)
	require.Len(t, tbl.Rows, 2)
	assert.Equal(t, "Ann", tbl.Rows[0]["NAME"])
	assert.Equal(t, "1", tbl.Rows[1]["ErrorsCount"])

	f, err := excelize.OpenFile(filepath.Join(dir, h.ID+".xlsx"))
	require.NoError(t, err)
	defer f.Close()
	formats, err := f.GetConditionalFormats("Alpha School")
	require.NoError(t, err)
	assert.Len(t, formats, 1)
	summary, err := f.GetCellValue("Alpha School", "A5")
	require.NoError(t, err)
	assert.Equal(t, document.SummaryLabel, summary)
}

func TestStore_RewriteIsIdempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, _ := newStore(t)

	h, err := s.CreateDocument(ctx, "Upload")
	require.NoError(t, err)
	require.NoError(t, s.InitializeDocument(ctx, h, []string{"A"}))
	rows := [][]any{{" "}, {"Status"}, {"Valid"}}
	require.NoError(t, s.AppendRows(ctx, h, "A", 1, rows))
	require.NoError(t, s.AppendRows(ctx, h, "A", 1, rows))
	require.NoError(t, s.InitializeDocument(ctx, h, []string{"A"}))

	tbl, err := s.ReadSection(ctx, h, "A")
	require.NoError(t, err)
	assert.Len(t, tbl.Rows, 1)
}

func TestStore_MissingTargets(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, _ := newStore(t)

	err := s.AppendRows(ctx, document.Handle{ID: "../etc/passwd"}, "A", 1, nil)
	require.ErrorIs(t, err, document.ErrNotFound)
	assert.True(t, queue.IsPermanent(err))

	h, err := s.CreateDocument(ctx, "Upload")
	require.NoError(t, err)
	err = s.AppendRows(ctx, h, "Nope", 1, [][]any{{"x"}})
	require.ErrorIs(t, err, document.ErrNotFound)
	assert.True(t, queue.IsPermanent(err))
}

func TestStore_SheetNameCollision(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, _ := newStore(t)

	h, err := s.CreateDocument(ctx, "Upload")
	require.NoError(t, err)
	long := strings.Repeat("x", 40)
	err = s.InitializeDocument(ctx, h, []string{long + "1", long + "2"})
	require.ErrorIs(t, err, xlsx.ErrSheetNameCollision)
}

func TestSheetName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in, want string
	}{
		{"Alpha", "Alpha"},
		{"a/b:c", "a_b_c"},
		{"  ", "Sheet1"},
		{"'quoted'", "quoted"},
		{strings.Repeat("я", 40), strings.Repeat("я", 31)},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, xlsx.SheetName(tt.in), tt.in)
	}
}
