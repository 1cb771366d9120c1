package services

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/sirupsen/logrus"

	"github.com/iota-uz/iota-ingest/modules/ingest/domain/chunk"
	"github.com/iota-uz/iota-ingest/modules/ingest/domain/document"
	"github.com/iota-uz/iota-ingest/pkg/logging"
	"github.com/iota-uz/iota-ingest/pkg/queue"
)

var (
	ErrHeaderMismatch = errors.New("chunk headers differ from section headers")

	errSuperseded = errors.New("section belongs to a newer submission")
)

type SinkWriterOptions struct {
	Logger *logrus.Entry
	Now    func() time.Time
}

// SinkWriter renders sink jobs into the document sink. Every chunk is
// written at the absolute row implied by its index, so redelivered and
// reordered chunks converge on the same document.
type SinkWriter struct {
	sink   document.Sink
	ledger Ledger
	logger *logrus.Entry
	now    func() time.Time
}

func NewSinkWriter(sink document.Sink, ledger Ledger, opts SinkWriterOptions) (*SinkWriter, error) {
	if sink == nil {
		return nil, errors.New("sink writer: sink is required")
	}
	if ledger == nil {
		return nil, errors.New("sink writer: ledger is required")
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &SinkWriter{
		sink:   sink,
		ledger: ledger,
		logger: opts.Logger.WithField("component", "sink_writer"),
		now:    opts.Now,
	}, nil
}

var _ queue.Dispatcher = (*SinkWriter)(nil)

func (w *SinkWriter) Dispatch(ctx context.Context, msg queue.DispatchedMessage) error {
	var job SinkJob
	if err := decodePayload(msg, &job); err != nil {
		return err
	}
	return w.Write(ctx, job)
}

// Write applies one chunk. Structural faults are permanent; sink errors are
// returned as-is for the queue to retry unless the adapter marked them.
func (w *SinkWriter) Write(ctx context.Context, job SinkJob) error {
	c := job.Chunk
	logger := logging.FromContext(ctx, w.logger).WithFields(logrus.Fields{
		"component": "sink_writer",
		"sink_id":   job.SinkID,
		"section":   job.Section,
		"chunk":     c.Index,
	})
	if c.SinkID != job.SinkID || c.Section != job.Section {
		return queue.Permanent(errors.Wrapf(chunk.ErrMalformed, "chunk addressed to %s/%s", c.SinkID, c.Section))
	}
	if err := c.Validate(); err != nil {
		return queue.Permanent(err)
	}

	key := SectionKey{SinkID: job.SinkID, Section: job.Section}
	fp := Fingerprint(c.Headers)
	state, err := w.ledger.Update(ctx, key, func(s *SectionState) error {
		switch {
		case job.Session < s.Session:
			return errSuperseded
		case job.Session > s.Session:
			s.Restart(job.Session)
		}
		if err := checkLayout(*s, fp, c.Size); err != nil {
			return queue.Permanent(err)
		}
		return nil
	})
	if errors.Is(err, errSuperseded) {
		logger.WithField("session", job.Session).Warn("chunk from a superseded submission skipped")
		return nil
	}
	if err != nil {
		return errors.Wrapf(err, "load section %s", key)
	}

	h := document.Handle{ID: job.SinkID, URL: job.SinkURL}
	width := max(len(c.Headers.Keys), state.StaleCols)
	if c.IsFirst || state.Phase == PhaseUninitialized {
		header := [][]any{
			pad(toCells(c.Headers.Display), width),
			pad(toCells(c.Headers.Keys), width),
		}
		if err := w.sink.AppendRows(ctx, h, job.Section, 1, header); err != nil {
			return errors.Wrap(err, "write headers")
		}
	}
	rows := c.Rows
	if width > len(c.Headers.Keys) {
		rows = make([][]any, len(c.Rows))
		for i, r := range c.Rows {
			rows[i] = pad(r, width)
		}
	}
	if err := w.sink.AppendRows(ctx, h, job.Section, c.StartRow(), rows); err != nil {
		return errors.Wrapf(err, "write rows at %d", c.StartRow())
	}

	state, err = w.ledger.Update(ctx, key, func(s *SectionState) error {
		if s.Session != job.Session {
			return errSuperseded
		}
		if err := checkLayout(*s, fp, c.Size); err != nil {
			return queue.Permanent(err)
		}
		s.Fingerprint, s.ChunkSize, s.Width = fp, c.Size, len(c.Headers.Keys)
		if s.Chunks == nil {
			s.Chunks = map[int]ChunkRecord{}
		}
		s.Chunks[c.Index] = ChunkRecord{Rows: len(c.Rows), Errors: c.ErrorsTotal()}
		if c.IsLast {
			s.LastIndex, s.HasLast = c.Index, true
		}
		switch {
		case s.Complete():
			s.Phase = PhaseFinalized
		case c.IsFirst && s.Phase == PhaseUninitialized && len(s.Chunks) == 1:
			s.Phase = PhaseHeaderWritten
		default:
			s.Phase = PhaseAppending
		}
		s.UpdatedAt = w.now()
		return nil
	})
	if errors.Is(err, errSuperseded) {
		logger.WithField("session", job.Session).Warn("section taken over while chunk was written")
		return nil
	}
	if err != nil {
		return errors.Wrapf(err, "record chunk %d", c.Index)
	}

	if state.HasLast {
		if err := w.finalize(ctx, h, key, c.Headers.Keys, state); err != nil {
			return err
		}
	}

	logger.WithFields(logrus.Fields{
		"start_row": c.StartRow(),
		"rows":      len(c.Rows),
		"phase":     state.Phase,
	}).Info("sink chunk written")
	return nil
}

// finalize (re)writes the summary row below the last data row and applies
// formatting. It runs whenever the last chunk is known so that a late
// earlier chunk still updates the total. Rows below the summary that an
// earlier submission left behind are blanked.
func (w *SinkWriter) finalize(ctx context.Context, h document.Handle, key SectionKey, keys []string, s SectionState) error {
	lastRow := s.LastDataRow()
	summaryRow := lastRow + 1
	width := max(len(keys), s.StaleCols)
	summary := [][]any{pad(document.SummaryRow(keys, s.ErrorsTotal()), width)}
	if err := w.sink.AppendRows(ctx, h, key.Section, summaryRow, summary); err != nil {
		return errors.Wrap(err, "write summary row")
	}
	if s.StaleRows > summaryRow {
		blank := make([][]any, s.StaleRows-summaryRow)
		for i := range blank {
			blank[i] = pad(nil, width)
		}
		if err := w.sink.AppendRows(ctx, h, key.Section, summaryRow+1, blank); err != nil {
			return errors.Wrap(err, "clear stale rows")
		}
	}
	err := w.sink.ApplyFormatting(ctx, h, key.Section, document.Formatting{
		Keys:         keys,
		FirstDataRow: chunk.HeaderRows + 1,
		LastDataRow:  lastRow,
		SummaryRow:   summaryRow,
	})
	if err != nil {
		return errors.Wrap(err, "apply formatting")
	}

	if s.Complete() && (s.StaleRows > 0 || s.StaleCols > 0) {
		_, err := w.ledger.Update(ctx, key, func(cur *SectionState) error {
			if cur.Session == s.Session {
				cur.StaleRows, cur.StaleCols = 0, 0
			}
			return nil
		})
		if err != nil {
			return errors.Wrapf(err, "settle section %s", key)
		}
	}
	return nil
}

func checkLayout(s SectionState, fingerprint string, size int) error {
	if s.Fingerprint != "" && s.Fingerprint != fingerprint {
		return ErrHeaderMismatch
	}
	if s.ChunkSize != 0 && s.ChunkSize != size {
		return errors.Wrapf(chunk.ErrMalformed, "chunk size %d, section uses %d", size, s.ChunkSize)
	}
	return nil
}

func toCells(values []string) []any {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}

// pad extends cells with blanks up to width.
func pad(cells []any, width int) []any {
	if len(cells) >= width {
		return cells
	}
	out := make([]any, width)
	copy(out, cells)
	for i := len(cells); i < width; i++ {
		out[i] = ""
	}
	return out
}
