package services_test

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iota-uz/iota-ingest/modules/ingest/domain/chunk"
	"github.com/iota-uz/iota-ingest/modules/ingest/domain/document"
	"github.com/iota-uz/iota-ingest/modules/ingest/domain/record"
	"github.com/iota-uz/iota-ingest/modules/ingest/domain/validation"
	"github.com/iota-uz/iota-ingest/modules/ingest/infrastructure/persistence"
	"github.com/iota-uz/iota-ingest/modules/ingest/services"
	"github.com/iota-uz/iota-ingest/pkg/queue"
)

var sinkHeaders = validation.SinkHeaders(record.Headers{
	Display: []string{"Name", "Org Pin"},
	Keys:    []string{"NAME", "ORG_PIN"},
})

func sinkJobs(t *testing.T, n int) []services.SinkJob {
	t.Helper()
	rows := make([]validation.Validated, n)
	for i := range rows {
		rows[i] = validation.Validated{
			Row:         record.Row{"NAME": fmt.Sprintf("student %02d", i), "ORG_PIN": "560001"},
			Status:      validation.StatusValid,
			ErrorsCount: i % 3,
		}
	}
	chunks := chunk.Split("doc", "Alpha", sinkHeaders, rows, 20)
	jobs := make([]services.SinkJob, len(chunks))
	for i, c := range chunks {
		jobs[i] = services.SinkJob{SinkID: "doc", Section: "Alpha", Chunk: c}
	}
	return jobs
}

func newWriter(t *testing.T) (*services.SinkWriter, *gridSink, *persistence.MemoryLedger) {
	t.Helper()
	sink := newGridSink()
	ledger := persistence.NewMemoryLedger()
	w, err := services.NewSinkWriter(sink, ledger, services.SinkWriterOptions{})
	require.NoError(t, err)
	return w, sink, ledger
}

func TestSinkWriter_WritesInOrderWithSummary(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	w, sink, ledger := newWriter(t)
	for _, j := range sinkJobs(t, 45) {
		require.NoError(t, w.Write(ctx, j))
	}

	grid := sink.snapshot("Alpha")
	require.Len(t, grid, 48)
	assert.Equal(t, []any{" ", " ", "Name", "Org Pin"}, grid[0])
	assert.Equal(t, []any{"Status", "ErrorsCount", "NAME", "ORG_PIN"}, grid[1])
	assert.Equal(t, "student 00", grid[2][2])
	assert.Equal(t, "student 44", grid[46][2])

	wantErrors := 0
	for i := 0; i < 45; i++ {
		wantErrors += i % 3
	}
	assert.Equal(t, []any{"Total Errors", wantErrors, "", ""}, grid[47])
	assert.Equal(t, document.Formatting{
		Keys: sinkHeaders.Keys, FirstDataRow: 3, LastDataRow: 47, SummaryRow: 48,
	}, sink.formats["Alpha"])

	st, err := ledger.Get(ctx, services.SectionKey{SinkID: "doc", Section: "Alpha"})
	require.NoError(t, err)
	assert.Equal(t, services.PhaseFinalized, st.Phase)
}

func TestSinkWriter_RedeliveryIsIdempotent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	w, sink, _ := newWriter(t)
	jobs := sinkJobs(t, 45)
	for _, j := range jobs {
		require.NoError(t, w.Write(ctx, j))
	}
	once := sink.snapshot("Alpha")

	require.NoError(t, w.Write(ctx, jobs[1]))
	require.NoError(t, w.Write(ctx, jobs[2]))
	require.NoError(t, w.Write(ctx, jobs[0]))

	assert.Equal(t, once, sink.snapshot("Alpha"))
}

func TestSinkWriter_OutOfOrderConverges(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	inOrder, sinkA, _ := newWriter(t)
	shuffled, sinkB, ledgerB := newWriter(t)
	jobs := sinkJobs(t, 45)

	for _, j := range jobs {
		require.NoError(t, inOrder.Write(ctx, j))
	}
	for _, i := range []int{2, 0, 1} {
		require.NoError(t, shuffled.Write(ctx, jobs[i]))
	}

	assert.Equal(t, sinkA.snapshot("Alpha"), sinkB.snapshot("Alpha"))
	st, err := ledgerB.Get(ctx, services.SectionKey{SinkID: "doc", Section: "Alpha"})
	require.NoError(t, err)
	assert.True(t, st.Complete())
}

func TestSinkWriter_HeaderMismatchIsPermanent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	w, _, _ := newWriter(t)
	jobs := sinkJobs(t, 45)
	require.NoError(t, w.Write(ctx, jobs[0]))

	bad := jobs[1]
	bad.Chunk.Headers = record.Headers{
		Display: []string{" ", " ", "Other", "Org Pin"},
		Keys:    []string{"Status", "ErrorsCount", "OTHER", "ORG_PIN"},
	}
	err := w.Write(ctx, bad)

	require.Error(t, err)
	assert.True(t, queue.IsPermanent(err))
	assert.True(t, errors.Is(err, services.ErrHeaderMismatch))
}

func submissionJobs(session int64, headers record.Headers, rows []validation.Validated) []services.SinkJob {
	chunks := chunk.Split("doc", "Alpha", headers, rows, 20)
	jobs := make([]services.SinkJob, len(chunks))
	for i, c := range chunks {
		jobs[i] = services.SinkJob{SinkID: "doc", Section: "Alpha", Session: session, Chunk: c}
	}
	return jobs
}

func failingRows(n int) []validation.Validated {
	rows := make([]validation.Validated, n)
	for i := range rows {
		rows[i] = validation.Validated{
			Row:         record.Row{"NAME": fmt.Sprintf("retake %d", i), "ORG_PIN": "56"},
			Status:      "ORG_PIN should be a 6-digit numeric value",
			ErrorsCount: 1,
		}
	}
	return rows
}

func assertBlankFrom(t *testing.T, grid [][]any, from int) {
	t.Helper()
	for i := from; i < len(grid); i++ {
		for _, cell := range grid[i] {
			assert.Equal(t, "", cell, "row %d", i+1)
		}
	}
}

func TestSinkWriter_ResubmissionReplacesSection(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	w, sink, ledger := newWriter(t)
	for _, j := range sinkJobs(t, 45) {
		j.Session = 1
		require.NoError(t, w.Write(ctx, j))
	}
	for _, j := range submissionJobs(2, sinkHeaders, failingRows(5)) {
		require.NoError(t, w.Write(ctx, j))
	}

	grid := sink.snapshot("Alpha")
	require.Len(t, grid, 48)
	assert.Equal(t, "retake 0", grid[2][2])
	assert.Equal(t, "retake 4", grid[6][2])
	assert.Equal(t, []any{"Total Errors", 5, "", ""}, grid[7])
	assertBlankFrom(t, grid, 8)

	st, err := ledger.Get(ctx, services.SectionKey{SinkID: "doc", Section: "Alpha"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), st.Session)
	assert.Equal(t, 5, st.ErrorsTotal())
	assert.Zero(t, st.StaleRows)
	assert.Equal(t, services.PhaseFinalized, st.Phase)

	table, err := sink.ReadSection(ctx, document.Handle{ID: "doc"}, "Alpha")
	require.NoError(t, err)
	assert.Len(t, table.Rows, 5)
}

func TestSinkWriter_ResubmissionWithNarrowerLayout(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	w, sink, _ := newWriter(t)
	for _, j := range submissionJobs(1, sinkHeaders, failingRows(5)) {
		require.NoError(t, w.Write(ctx, j))
	}

	narrow := validation.SinkHeaders(record.Headers{Display: []string{"Name"}, Keys: []string{"NAME"}})
	rows := []validation.Validated{
		{Row: record.Row{"NAME": "a"}, Status: validation.StatusValid},
		{Row: record.Row{"NAME": "b"}, Status: validation.StatusValid},
	}
	for _, j := range submissionJobs(2, narrow, rows) {
		require.NoError(t, w.Write(ctx, j))
	}

	grid := sink.snapshot("Alpha")
	require.Len(t, grid, 8)
	assert.Equal(t, []any{"Status", "ErrorsCount", "NAME", ""}, grid[1])
	assert.Equal(t, "", grid[2][3])
	assert.Equal(t, []any{"Total Errors", 0, "", ""}, grid[4])
	assertBlankFrom(t, grid, 5)
}

func TestSinkWriter_SupersededChunkIsSkipped(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	w, sink, _ := newWriter(t)
	old := submissionJobs(1, sinkHeaders, failingRows(25))
	require.NoError(t, w.Write(ctx, old[0]))
	for _, j := range submissionJobs(2, sinkHeaders, failingRows(3)) {
		require.NoError(t, w.Write(ctx, j))
	}
	want := sink.snapshot("Alpha")

	require.NoError(t, w.Write(ctx, old[1]))
	assert.Equal(t, want, sink.snapshot("Alpha"))
}

func TestSinkWriter_Dispatch(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("undecodable payload is permanent", func(t *testing.T) {
		t.Parallel()
		w, _, _ := newWriter(t)
		err := w.Dispatch(ctx, queue.DispatchedMessage{Payload: json.RawMessage(`{"sinkId":1}`)})
		assert.True(t, queue.IsPermanent(err))
	})

	t.Run("missing section is permanent", func(t *testing.T) {
		t.Parallel()
		w, _, _ := newWriter(t)
		job := sinkJobs(t, 3)[0]
		job.Section = ""
		raw, err := json.Marshal(job)
		require.NoError(t, err)
		assert.True(t, queue.IsPermanent(w.Dispatch(ctx, queue.DispatchedMessage{Payload: raw})))
	})

	t.Run("malformed chunk is permanent", func(t *testing.T) {
		t.Parallel()
		w, _, _ := newWriter(t)
		job := sinkJobs(t, 3)[0]
		job.Chunk.Errors = nil
		raw, err := json.Marshal(job)
		require.NoError(t, err)
		err = w.Dispatch(ctx, queue.DispatchedMessage{Payload: raw})
		assert.True(t, queue.IsPermanent(err))
		assert.True(t, errors.Is(err, chunk.ErrMalformed))
	})

	t.Run("sink failure is retryable", func(t *testing.T) {
		t.Parallel()
		w, sink, _ := newWriter(t)
		sink.appendErr = errors.New("503 backend error")
		raw, err := json.Marshal(sinkJobs(t, 3)[0])
		require.NoError(t, err)
		err = w.Dispatch(ctx, queue.DispatchedMessage{Payload: raw})
		require.Error(t, err)
		assert.False(t, queue.IsPermanent(err))
	})
}
