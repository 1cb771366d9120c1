package services

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/sirupsen/logrus"

	"github.com/iota-uz/iota-ingest/modules/ingest/domain/grouping"
	"github.com/iota-uz/iota-ingest/modules/ingest/domain/hierarchy"
	"github.com/iota-uz/iota-ingest/modules/ingest/domain/record"
	"github.com/iota-uz/iota-ingest/pkg/logging"
	"github.com/iota-uz/iota-ingest/pkg/queue"
)

// HierarchyTx is the write surface available inside one batch transaction.
type HierarchyTx interface {
	UpsertOrganization(ctx context.Context, org hierarchy.Organization) error
	UpsertCourses(ctx context.Context, courses []hierarchy.Course) error
	UpsertDepartments(ctx context.Context, depts []hierarchy.Department) error
	UpsertSemesters(ctx context.Context, sems []hierarchy.Semester) error
	InsertStudents(ctx context.Context, students []hierarchy.Student) error
}

// HierarchyStore runs fn in a transaction: it commits when fn returns nil
// and aborts otherwise. LogError must not join any transaction.
type HierarchyStore interface {
	WithTransaction(ctx context.Context, fn func(ctx context.Context, tx HierarchyTx) error) error
	LogError(ctx context.Context, rec ErrorRecord) error
}

// ErrorRecord is written to the error log when a batch fails.
type ErrorRecord struct {
	OrgName   string    `bson:"orgName" json:"orgName"`
	OrgCode   string    `bson:"orgCode,omitempty" json:"orgCode,omitempty"`
	SinkID    string    `bson:"sheetId" json:"sinkId"`
	JobID     string    `bson:"jobId,omitempty" json:"jobId,omitempty"`
	Attempt   int       `bson:"attempt" json:"attempt"`
	Permanent bool      `bson:"permanent" json:"permanent"`
	Message   string    `bson:"error" json:"error"`
	Stack     string    `bson:"stack,omitempty" json:"stack,omitempty"`
	Timestamp time.Time `bson:"timestamp" json:"timestamp"`
}

type UpsertWorkerOptions struct {
	Logger *logrus.Entry
	Now    func() time.Time
}

// UpsertWorker writes one organization batch per job inside a single
// transaction.
type UpsertWorker struct {
	store  HierarchyStore
	logger *logrus.Entry
	now    func() time.Time
}

func NewUpsertWorker(store HierarchyStore, opts UpsertWorkerOptions) (*UpsertWorker, error) {
	if store == nil {
		return nil, errors.New("upsert worker: store is required")
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &UpsertWorker{
		store:  store,
		logger: opts.Logger.WithField("component", "upsert_worker"),
		now:    opts.Now,
	}, nil
}

var _ queue.Dispatcher = (*UpsertWorker)(nil)

func (w *UpsertWorker) Dispatch(ctx context.Context, msg queue.DispatchedMessage) error {
	var batch UpsertJob
	if err := decodePayload(msg, &batch); err != nil {
		w.logFailure(ctx, batch, msg.Meta, err)
		return err
	}
	if _, err := w.Upsert(ctx, batch); err != nil {
		w.logFailure(ctx, batch, msg.Meta, err)
		return err
	}
	return nil
}

// UpsertResult summarizes one committed batch.
type UpsertResult struct {
	OrgCode           int
	Courses           int
	Departments       int
	Semesters         int
	Students          int
	DuplicateStudents int
	Skipped           map[string]int
}

// Upsert plans and commits batch. Planning failures (missing or
// non-numeric org code, bad org name) are permanent.
func (w *UpsertWorker) Upsert(ctx context.Context, batch grouping.OrganizationBatch) (*UpsertResult, error) {
	logger := logging.FromContext(ctx, w.logger).WithFields(logrus.Fields{
		"component": "upsert_worker",
		"org_name":  batch.OrgName,
		"sink_id":   batch.SinkID,
	})

	plan, err := hierarchy.Build(batch)
	if err != nil {
		return nil, queue.Permanent(err)
	}
	logger = logger.WithField("org_code", plan.Organization.OrgCode)
	for level, n := range plan.Skipped {
		if n > 0 {
			logger.WithField("level", level).WithField("skipped", n).Warn("rows skipped for missing or empty keys")
		}
	}
	for _, k := range plan.DuplicateStudents {
		logger.WithField("student_key", k).Warn("duplicate student detected")
	}
	stamp(plan, w.now().UTC())

	err = w.store.WithTransaction(ctx, func(ctx context.Context, tx HierarchyTx) error {
		if err := tx.UpsertOrganization(ctx, plan.Organization); err != nil {
			return errors.Wrap(err, "upsert organization")
		}
		if len(plan.Courses) > 0 {
			if err := tx.UpsertCourses(ctx, plan.Courses); err != nil {
				return errors.Wrap(err, "upsert courses")
			}
		}
		if len(plan.Departments) > 0 {
			if err := tx.UpsertDepartments(ctx, plan.Departments); err != nil {
				return errors.Wrap(err, "upsert departments")
			}
		}
		if len(plan.Semesters) > 0 {
			if err := tx.UpsertSemesters(ctx, plan.Semesters); err != nil {
				return errors.Wrap(err, "upsert semesters")
			}
		}
		if len(plan.Students) > 0 {
			if err := tx.InsertStudents(ctx, plan.Students); err != nil {
				return errors.Wrap(err, "insert students")
			}
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "organization %q", batch.OrgName)
	}

	res := &UpsertResult{
		OrgCode:           plan.Organization.OrgCode,
		Courses:           len(plan.Courses),
		Departments:       len(plan.Departments),
		Semesters:         len(plan.Semesters),
		Students:          len(plan.Students),
		DuplicateStudents: len(plan.DuplicateStudents),
		Skipped:           plan.Skipped,
	}
	logger.WithFields(logrus.Fields{
		"courses":     res.Courses,
		"departments": res.Departments,
		"semesters":   res.Semesters,
		"students":    res.Students,
	}).Info("organization batch committed")
	return res, nil
}

func (w *UpsertWorker) logFailure(ctx context.Context, batch grouping.OrganizationBatch, meta queue.Meta, cause error) {
	rec := ErrorRecord{
		OrgName:   batch.OrgName,
		SinkID:    batch.SinkID,
		JobID:     meta.JobID,
		Attempt:   meta.Attempts,
		Permanent: queue.IsPermanent(cause),
		Message:   cause.Error(),
		Stack:     fmt.Sprintf("%+v", cause),
		Timestamp: w.now().UTC(),
	}
	if len(batch.Rows) > 0 {
		rec.OrgCode = batch.Rows[0].String(record.FieldOrgCode)
	}
	logger := logging.FromContext(ctx, w.logger).WithFields(logrus.Fields{
		"component": "upsert_worker",
		"org_name":  batch.OrgName,
		"sink_id":   batch.SinkID,
	})
	logger.WithError(cause).Error("organization batch failed")
	// outside the aborted transaction and past the dispatch deadline
	logCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := w.store.LogError(logCtx, rec); err != nil {
		logger.WithError(err).Error("failed to write error log")
	}
}

func stamp(p *hierarchy.Plan, now time.Time) {
	p.Organization.CreatedAt, p.Organization.UpdatedAt = now, now
	for i := range p.Courses {
		p.Courses[i].CreatedAt, p.Courses[i].UpdatedAt = now, now
	}
	for i := range p.Departments {
		p.Departments[i].CreatedAt, p.Departments[i].UpdatedAt = now, now
	}
	for i := range p.Semesters {
		p.Semesters[i].CreatedAt, p.Semesters[i].UpdatedAt = now, now
	}
	for i := range p.Students {
		p.Students[i].CreatedAt, p.Students[i].UpdatedAt = now, now
	}
}
