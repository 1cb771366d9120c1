//go:build integration

package queue

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
)

func TestPostgresStore_Integration_Conformance(t *testing.T) {
	dsn := os.Getenv("INGEST_TEST_PG_DSN")
	if dsn == "" {
		t.Skip("INGEST_TEST_PG_DSN is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	defer pool.Close()

	table, err := ParseIdentifier("public.ingest_jobs_it_" + uuid.NewString()[:8])
	require.NoError(t, err)
	store, err := NewPostgresStore(pool, table)
	require.NoError(t, err)
	require.NoError(t, store.EnsureSchema(ctx))
	require.NoError(t, store.EnsureSchema(ctx), "schema bootstrap must be re-runnable")
	t.Cleanup(func() {
		_, _ = pool.Exec(context.Background(), fmt.Sprintf("DROP TABLE IF EXISTS %s", table.Sanitize()))
	})

	runStoreConformance(t, store, "mongo_queue")
}
