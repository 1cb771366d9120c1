package services

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/sirupsen/logrus"

	"github.com/iota-uz/iota-ingest/modules/ingest/domain/chunk"
	"github.com/iota-uz/iota-ingest/modules/ingest/domain/document"
	"github.com/iota-uz/iota-ingest/modules/ingest/domain/grouping"
	"github.com/iota-uz/iota-ingest/modules/ingest/domain/record"
	"github.com/iota-uz/iota-ingest/modules/ingest/domain/validation"
	"github.com/iota-uz/iota-ingest/pkg/logging"
	"github.com/iota-uz/iota-ingest/pkg/queue"
)

var (
	ErrNoRows          = errors.New("upload has no data rows")
	ErrNoFactory       = errors.New("no document factory configured")
	ErrNoReader        = errors.New("no document reader configured")
	ErrNoOrganizations = errors.New("no organizations found in data")
)

type IngestOptions struct {
	SinkQueue   string
	UpsertQueue string
	ChunkSize   int
	Retry       queue.EnqueueOptions
	Rules       *validation.RuleSet
	Resolver    *record.Resolver
	Logger      *logrus.Entry
	Now         func() time.Time
}

func (o *IngestOptions) setDefaults() {
	if o.SinkQueue == "" {
		o.SinkQueue = "sheet_queue"
	}
	if o.UpsertQueue == "" {
		o.UpsertQueue = "mongo_queue"
	}
	if o.ChunkSize <= 0 {
		o.ChunkSize = chunk.DefaultSize
	}
	if o.Retry.MaxAttempts <= 0 {
		o.Retry.MaxAttempts = 3
	}
	if o.Retry.Backoff.Type == "" {
		o.Retry.Backoff = queue.Backoff{Type: queue.BackoffExponential, Delay: time.Second}
	}
	if o.Rules == nil {
		rules := validation.DefaultRules()
		o.Rules = &rules
	}
	if o.Resolver == nil {
		o.Resolver = record.NewResolver(record.DefaultAliases, o.Rules.Fields()...)
	}
	if o.Logger == nil {
		o.Logger = logging.Nop()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// IngestService is the submission side of the pipeline: it validates and
// groups uploads and enqueues sink and upsert jobs. Completion is observed
// through the queues, never returned.
type IngestService struct {
	enqueuer queue.Enqueuer
	sink     document.Sink
	factory  document.Factory
	reader   document.Reader
	opts     IngestOptions
	logger   *logrus.Entry
}

// NewIngestService wires the service. factory and reader may be nil when
// the caller always supplies a handle or never reads documents back.
func NewIngestService(enqueuer queue.Enqueuer, sink document.Sink, factory document.Factory, reader document.Reader, opts IngestOptions) (*IngestService, error) {
	if enqueuer == nil {
		return nil, errors.New("ingest: enqueuer is required")
	}
	if sink == nil {
		return nil, errors.New("ingest: sink is required")
	}
	opts.setDefaults()
	return &IngestService{
		enqueuer: enqueuer,
		sink:     sink,
		factory:  factory,
		reader:   reader,
		opts:     opts,
		logger:   opts.Logger.WithField("component", "ingest_service"),
	}, nil
}

type Upload struct {
	Title  string
	Table  record.Table
	Handle *document.Handle
}

type SectionSummary struct {
	Title  string `json:"title"`
	Rows   int    `json:"rows"`
	Errors int    `json:"errors"`
	Chunks int    `json:"chunks"`
}

type SubmitResult struct {
	Handle   document.Handle  `json:"handle"`
	JobIDs   []string         `json:"jobIds"`
	Sections []SectionSummary `json:"sections"`
	Unknown  []string         `json:"unknownHeaders,omitempty"`
}

// SubmitBatch validates the upload, groups it by organization, prepares one
// section per group and enqueues one sink job per chunk.
func (s *IngestService) SubmitBatch(ctx context.Context, up Upload) (*SubmitResult, error) {
	logger := logging.FromContext(ctx, s.logger)

	table, unknown := s.opts.Resolver.Canonicalize(up.Table)
	for _, h := range unknown {
		entry := logger.WithField("header", h)
		if hint := s.opts.Resolver.Suggest(h); hint != "" {
			entry = entry.WithField("did_you_mean", hint)
		}
		entry.Warn("unrecognized header")
	}

	validated := s.opts.Rules.ValidateAll(table.Rows)
	if len(validated) == 0 {
		return nil, ErrNoRows
	}
	groups := grouping.ByOrganization(validated)
	headers := validation.SinkHeaders(table.Headers)

	var h document.Handle
	if up.Handle != nil {
		h = *up.Handle
	} else {
		if s.factory == nil {
			return nil, ErrNoFactory
		}
		var err error
		h, err = s.factory.CreateDocument(ctx, up.Title)
		if err != nil {
			return nil, errors.Wrap(err, "create document")
		}
	}

	titles := SectionTitles(groups)
	if err := s.sink.InitializeDocument(ctx, h, titles); err != nil {
		return nil, errors.Wrapf(err, "initialize document %s", h.ID)
	}

	session := s.opts.Now()
	res := &SubmitResult{Handle: h, Unknown: unknown}
	for i, g := range groups {
		chunks := chunk.Split(h.ID, titles[i], headers, g.Rows, s.opts.ChunkSize)
		sum := SectionSummary{Title: titles[i], Rows: len(g.Rows), Chunks: len(chunks)}
		for _, c := range chunks {
			sum.Errors += c.ErrorsTotal()
			id := SinkJobID(h.ID, c.Section, c.Index, session)
			if err := s.enqueue(ctx, s.opts.SinkQueue, id, SinkJob{SinkID: h.ID, SinkURL: h.URL, Section: c.Section, Session: session.UnixMilli(), Chunk: c}); err != nil {
				return res, err
			}
			res.JobIDs = append(res.JobIDs, id)
		}
		res.Sections = append(res.Sections, sum)
	}

	logger.WithFields(logrus.Fields{
		"sink_id":  h.ID,
		"sections": len(res.Sections),
		"rows":     len(validated),
		"jobs":     len(res.JobIDs),
	}).Info("batch submitted")
	return res, nil
}

type UpsertSubmitResult struct {
	JobIDs     []string `json:"jobIds"`
	Unassigned int      `json:"unassigned"`
}

// SubmitForUpsert enqueues one upsert job per organization group. Rows in
// the unknown bucket cannot be attributed and are only counted.
func (s *IngestService) SubmitForUpsert(ctx context.Context, sinkID string, groups []grouping.Group) (*UpsertSubmitResult, error) {
	logger := logging.FromContext(ctx, s.logger).WithField("sink_id", sinkID)
	session := s.opts.Now()
	res := &UpsertSubmitResult{}
	seq := 0
	for _, g := range groups {
		if g.Unknown() {
			res.Unassigned += len(g.Rows)
			continue
		}
		if len(g.Rows) == 0 {
			continue
		}
		id := UpsertJobID(sinkID, g.DisplayName, seq, session)
		seq++
		if err := s.enqueue(ctx, s.opts.UpsertQueue, id, g.Batch(sinkID)); err != nil {
			return res, err
		}
		res.JobIDs = append(res.JobIDs, id)
	}
	if res.Unassigned > 0 {
		logger.WithField("rows", res.Unassigned).Warn("rows without organization were not submitted")
	}
	if len(res.JobIDs) == 0 {
		return res, ErrNoOrganizations
	}
	logger.WithField("jobs", len(res.JobIDs)).Info("upsert submitted")
	return res, nil
}

// SubmitTableForUpsert canonicalizes a table (typically read back from a
// sink), groups it and hands it to SubmitForUpsert. Rows are not validated.
func (s *IngestService) SubmitTableForUpsert(ctx context.Context, sinkID string, table record.Table) (*UpsertSubmitResult, error) {
	table, _ = s.opts.Resolver.Canonicalize(table)
	var rows []validation.Validated
	for _, r := range table.Rows {
		if r.Blank() || isEchoedHeader(r) {
			continue
		}
		rows = append(rows, validation.Validated{Row: r.Without(record.StatusKey, record.ErrorsKey)})
	}
	return s.SubmitForUpsert(ctx, sinkID, grouping.ByOrganization(rows))
}

// SubmitDocumentForUpsert reads sections back from the sink document, so
// corrections made there are what gets stored. Empty sections means every
// section the reader reports.
func (s *IngestService) SubmitDocumentForUpsert(ctx context.Context, h document.Handle, sections []string) (*UpsertSubmitResult, error) {
	if s.reader == nil {
		return nil, ErrNoReader
	}
	if len(sections) == 0 {
		var err error
		if sections, err = s.reader.ListSections(ctx, h); err != nil {
			return nil, errors.Wrapf(err, "list sections of %s", h.ID)
		}
	}
	var table record.Table
	for _, title := range sections {
		t, err := s.reader.ReadSection(ctx, h, title)
		if err != nil {
			return nil, errors.Wrapf(err, "read section %q", title)
		}
		if len(table.Headers.Keys) == 0 {
			table.Headers = t.Headers
		}
		table.Rows = append(table.Rows, t.Rows...)
	}
	return s.SubmitTableForUpsert(ctx, h.ID, table)
}

func (s *IngestService) enqueue(ctx context.Context, queueName, jobID string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrapf(err, "encode job %s", jobID)
	}
	_, err = s.enqueuer.Enqueue(ctx, queue.Message{
		JobID:   jobID,
		Queue:   queueName,
		Payload: raw,
		Options: s.opts.Retry,
	})
	if err != nil {
		return errors.Wrapf(err, "enqueue %s", jobID)
	}
	return nil
}

// SectionTitles returns unique section titles for groups in order.
// Titles are truncated to 100 characters; collisions get a numeric suffix.
func SectionTitles(groups []grouping.Group) []string {
	used := map[string]int{}
	out := make([]string, len(groups))
	for i, g := range groups {
		title := strings.TrimSpace(g.DisplayName)
		if title == "" {
			title = grouping.UnknownName
		}
		if r := []rune(title); len(r) > 100 {
			title = string(r[:100])
		}
		base := strings.ToLower(title)
		if n := used[base]; n > 0 {
			title = title + " (" + strconv.Itoa(n+1) + ")"
		}
		used[base]++
		out[i] = title
	}
	return out
}

func isEchoedHeader(r record.Row) bool {
	name := r.String(record.FieldOrgName)
	if name == "" {
		return false
	}
	return record.Normalize(name) == record.FieldOrgName || strings.EqualFold(name, "ORGNAME")
}
