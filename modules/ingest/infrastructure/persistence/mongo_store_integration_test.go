//go:build integration

package persistence_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/iota-uz/iota-ingest/modules/ingest/domain/hierarchy"
	"github.com/iota-uz/iota-ingest/modules/ingest/infrastructure/persistence"
	"github.com/iota-uz/iota-ingest/modules/ingest/services"
)

func TestMongoStore_Integration(t *testing.T) {
	uri := os.Getenv("INGEST_TEST_MONGO_URI")
	if uri == "" {
		t.Skip("INGEST_TEST_MONGO_URI is not set")
	}

	ctx := context.Background()
	client, err := persistence.Connect(ctx, uri, 10*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Disconnect(context.Background()) })

	dbName := "ingest_it_" + uuid.NewString()[:8]
	t.Cleanup(func() { _ = client.Database(dbName).Drop(context.Background()) })

	store, err := persistence.NewMongoStore(client, dbName, "")
	require.NoError(t, err)
	require.NoError(t, store.EnsureIndexes(ctx))

	now := time.Now().UTC().Truncate(time.Millisecond)
	require.NoError(t, store.WithTransaction(ctx, func(ctx context.Context, tx services.HierarchyTx) error {
		if err := tx.UpsertOrganization(ctx, hierarchy.Organization{OrgCode: 1, OrgName: "A", CreatedAt: now, UpdatedAt: now}); err != nil {
			return err
		}
		if err := tx.UpsertDepartments(ctx, []hierarchy.Department{
			{DeptCode: "PHY", CourseCode: "BSC", OrgCode: 1, DeptName: "Physics", OrgName: "A", CreatedAt: now, UpdatedAt: now},
		}); err != nil {
			return err
		}
		return tx.InsertStudents(ctx, []hierarchy.Student{
			{Name: "Asha", OrgCode: 1, CourseCode: "BSC", DeptCode: "PHY", SemCode: 1, ExtraFields: map[string]any{"phone": "9876543210"}},
			{Name: "Asha", OrgCode: 1, CourseCode: "BSC", DeptCode: "PHY", SemCode: 1},
		})
	}))

	boom := errors.New("boom")
	err = store.WithTransaction(ctx, func(ctx context.Context, tx services.HierarchyTx) error {
		if err := tx.UpsertOrganization(ctx, hierarchy.Organization{OrgCode: 2, OrgName: "B"}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)
	require.NoError(t, store.LogError(ctx, services.ErrorRecord{OrgName: "B", Message: "boom", Timestamp: now}))

	db := client.Database(dbName)
	orgs, err := db.Collection(persistence.CollectionOrganizations).CountDocuments(ctx, bson.D{})
	require.NoError(t, err)
	assert.EqualValues(t, 1, orgs)

	students, err := db.Collection(persistence.CollectionStudents).CountDocuments(ctx, bson.D{})
	require.NoError(t, err)
	assert.EqualValues(t, 2, students)

	logs, err := db.Collection(persistence.CollectionErrorLogs).CountDocuments(ctx, bson.D{{Key: "orgName", Value: "B"}})
	require.NoError(t, err)
	assert.EqualValues(t, 1, logs)
}
