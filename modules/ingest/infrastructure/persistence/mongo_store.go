package persistence

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/iota-uz/iota-ingest/modules/ingest/domain/hierarchy"
	"github.com/iota-uz/iota-ingest/modules/ingest/services"
)

const (
	CollectionOrganizations = "organizations"
	CollectionCourses       = "courses"
	CollectionDepartments   = "departments"
	CollectionSemesters     = "semesters"
	CollectionStudents      = "students"
	CollectionErrorLogs     = "error_logs"
)

// MongoStore persists the hierarchy in one collection per level. Every
// batch runs in a session transaction, so the deployment must be a replica
// set or a sharded cluster.
type MongoStore struct {
	client    *mongo.Client
	db        *mongo.Database
	errorLogs string
}

func NewMongoStore(client *mongo.Client, database, errorLogs string) (*MongoStore, error) {
	if client == nil {
		return nil, errors.New("mongo store: client is required")
	}
	if database == "" {
		return nil, errors.New("mongo store: database is required")
	}
	if errorLogs == "" {
		errorLogs = CollectionErrorLogs
	}
	return &MongoStore{client: client, db: client.Database(database), errorLogs: errorLogs}, nil
}

// Connect dials uri and pings the primary.
func Connect(ctx context.Context, uri string, timeout time.Duration) (*mongo.Client, error) {
	opts := options.Client().ApplyURI(uri)
	if timeout > 0 {
		opts.SetConnectTimeout(timeout).SetServerSelectionTimeout(timeout)
	}
	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, errors.Wrap(err, "mongo connect")
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, errors.Wrap(err, "mongo ping")
	}
	return client, nil
}

// EnsureIndexes creates the uniqueness indexes of every level.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	unique := options.Index().SetUnique(true)
	indexes := map[string][]mongo.IndexModel{
		CollectionOrganizations: {{Keys: bson.D{{Key: "orgCode", Value: 1}}, Options: unique}},
		CollectionCourses:       {{Keys: bson.D{{Key: "courseCode", Value: 1}, {Key: "orgName", Value: 1}}, Options: unique}},
		CollectionDepartments: {{Keys: bson.D{
			{Key: "deptCode", Value: 1}, {Key: "courseCode", Value: 1}, {Key: "orgCode", Value: 1},
		}, Options: unique}},
		CollectionSemesters: {{Keys: bson.D{
			{Key: "semCode", Value: 1}, {Key: "deptCode", Value: 1}, {Key: "courseCode", Value: 1}, {Key: "orgCode", Value: 1},
		}, Options: unique}},
		CollectionStudents: {{Keys: bson.D{
			{Key: "orgCode", Value: 1}, {Key: "courseCode", Value: 1}, {Key: "deptCode", Value: 1},
			{Key: "semCode", Value: 1}, {Key: "name", Value: 1},
		}}},
		s.errorLogs: {{Keys: bson.D{{Key: "timestamp", Value: -1}}}},
	}
	for coll, models := range indexes {
		if _, err := s.db.Collection(coll).Indexes().CreateMany(ctx, models); err != nil {
			return errors.Wrapf(err, "create indexes on %s", coll)
		}
	}
	return nil
}

func (s *MongoStore) WithTransaction(ctx context.Context, fn func(ctx context.Context, tx services.HierarchyTx) error) error {
	session, err := s.client.StartSession()
	if err != nil {
		return errors.Wrap(err, "start session")
	}
	defer session.EndSession(context.WithoutCancel(ctx))

	_, err = session.WithTransaction(ctx, func(sc mongo.SessionContext) (any, error) {
		return nil, fn(sc, &mongoTx{db: s.db})
	})
	return err
}

// LogError inserts rec without any session.
func (s *MongoStore) LogError(ctx context.Context, rec services.ErrorRecord) error {
	if _, err := s.db.Collection(s.errorLogs).InsertOne(ctx, rec); err != nil {
		return errors.Wrap(err, "insert error log")
	}
	return nil
}

type mongoTx struct {
	db *mongo.Database
}

func (t *mongoTx) UpsertOrganization(ctx context.Context, org hierarchy.Organization) error {
	_, err := t.db.Collection(CollectionOrganizations).UpdateOne(ctx,
		bson.D{{Key: "orgCode", Value: org.OrgCode}},
		bson.D{
			{Key: "$set", Value: bson.D{{Key: "orgName", Value: org.OrgName}, {Key: "updatedAt", Value: org.UpdatedAt}}},
			{Key: "$setOnInsert", Value: bson.D{{Key: "createdAt", Value: org.CreatedAt}}},
		},
		options.Update().SetUpsert(true),
	)
	return err
}

func (t *mongoTx) UpsertCourses(ctx context.Context, courses []hierarchy.Course) error {
	models := make([]mongo.WriteModel, 0, len(courses))
	for _, c := range courses {
		models = append(models, upsertModel(
			bson.D{{Key: "courseCode", Value: c.CourseCode}, {Key: "orgName", Value: c.OrgName}},
			bson.D{{Key: "courseName", Value: c.CourseName}, {Key: "updatedAt", Value: c.UpdatedAt}},
			c.CreatedAt,
		))
	}
	return t.bulk(ctx, CollectionCourses, models)
}

func (t *mongoTx) UpsertDepartments(ctx context.Context, depts []hierarchy.Department) error {
	models := make([]mongo.WriteModel, 0, len(depts))
	for _, d := range depts {
		models = append(models, upsertModel(
			bson.D{{Key: "deptCode", Value: d.DeptCode}, {Key: "courseCode", Value: d.CourseCode}, {Key: "orgCode", Value: d.OrgCode}},
			bson.D{{Key: "deptName", Value: d.DeptName}, {Key: "orgName", Value: d.OrgName}, {Key: "updatedAt", Value: d.UpdatedAt}},
			d.CreatedAt,
		))
	}
	return t.bulk(ctx, CollectionDepartments, models)
}

func (t *mongoTx) UpsertSemesters(ctx context.Context, sems []hierarchy.Semester) error {
	models := make([]mongo.WriteModel, 0, len(sems))
	for _, s := range sems {
		models = append(models, upsertModel(
			bson.D{
				{Key: "semCode", Value: s.SemCode}, {Key: "deptCode", Value: s.DeptCode},
				{Key: "courseCode", Value: s.CourseCode}, {Key: "orgCode", Value: s.OrgCode},
			},
			bson.D{{Key: "semName", Value: s.SemName}, {Key: "orgName", Value: s.OrgName}, {Key: "updatedAt", Value: s.UpdatedAt}},
			s.CreatedAt,
		))
	}
	return t.bulk(ctx, CollectionSemesters, models)
}

func (t *mongoTx) InsertStudents(ctx context.Context, students []hierarchy.Student) error {
	docs := make([]any, len(students))
	for i := range students {
		docs[i] = students[i]
	}
	_, err := t.db.Collection(CollectionStudents).InsertMany(ctx, docs)
	return err
}

func (t *mongoTx) bulk(ctx context.Context, coll string, models []mongo.WriteModel) error {
	if len(models) == 0 {
		return nil
	}
	_, err := t.db.Collection(coll).BulkWrite(ctx, models, options.BulkWrite().SetOrdered(true))
	return err
}

func upsertModel(filter, set bson.D, createdAt time.Time) mongo.WriteModel {
	return mongo.NewUpdateOneModel().
		SetFilter(filter).
		SetUpdate(bson.D{
			{Key: "$set", Value: set},
			{Key: "$setOnInsert", Value: bson.D{{Key: "createdAt", Value: createdAt}}},
		}).
		SetUpsert(true)
}
