package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore keeps all queues in one table; rows are claimed with
// FOR UPDATE SKIP LOCKED so several workers can share a queue.
type PostgresStore struct {
	pool  *pgxpool.Pool
	table pgx.Identifier
}

func NewPostgresStore(pool *pgxpool.Pool, table pgx.Identifier) (*PostgresStore, error) {
	if pool == nil {
		return nil, invalidConfig("pool is required")
	}
	if len(table) == 0 {
		return nil, invalidConfig("table is required")
	}
	return &PostgresStore{pool: pool, table: table}, nil
}

func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	name := s.table[len(s.table)-1]
	tableName := s.table.Sanitize()
	stmts := []string{
		fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
  sequence         BIGSERIAL   NOT NULL,
  queue            TEXT        NOT NULL,
  job_id           TEXT        NOT NULL,
  payload          JSONB       NOT NULL,
  attempts         INT         NOT NULL DEFAULT 0,
  max_attempts     INT         NOT NULL,
  backoff_type     TEXT        NOT NULL,
  backoff_delay_ms BIGINT      NOT NULL,
  created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
  available_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
  locked_until     TIMESTAMPTZ NULL,
  completed_at     TIMESTAMPTZ NULL,
  dead_at          TIMESTAMPTZ NULL,
  updated_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
  last_error       TEXT        NULL,
  CONSTRAINT %s PRIMARY KEY (sequence),
  CONSTRAINT %s CHECK (attempts >= 0)
)`, tableName, pgx.Identifier{name + "_pkey"}.Sanitize(), pgx.Identifier{name + "_attempts_nonnegative"}.Sanitize()),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (queue, available_at, sequence) WHERE completed_at IS NULL AND dead_at IS NULL`,
			pgx.Identifier{name + "_ready_idx"}.Sanitize(), tableName),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (queue, job_id)`,
			pgx.Identifier{name + "_job_id_idx"}.Sanitize(), tableName),
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return errors.Wrap(err, "queue ensure schema")
		}
	}
	return nil
}

func (s *PostgresStore) Enqueue(ctx context.Context, msg Message, now time.Time) (int64, error) {
	q := fmt.Sprintf(
		`INSERT INTO %s (queue, job_id, payload, max_attempts, backoff_type, backoff_delay_ms, created_at, available_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $7, $7)
		 RETURNING sequence`,
		s.table.Sanitize(),
	)
	var seq int64
	err := s.pool.QueryRow(ctx, q,
		msg.Queue, msg.JobID, []byte(msg.Payload), msg.Options.MaxAttempts,
		string(msg.Options.Backoff.Type), msg.Options.Backoff.Delay.Milliseconds(), now,
	).Scan(&seq)
	if err != nil {
		return 0, errors.Wrap(err, "queue enqueue")
	}
	return seq, nil
}

func (s *PostgresStore) Claim(ctx context.Context, queue string, now time.Time, lockTTL time.Duration, limit int) ([]Claimed, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tableName := s.table.Sanitize()

	expire := fmt.Sprintf(
		`UPDATE %s
		    SET locked_until = NULL,
		        dead_at = $2,
		        updated_at = $2,
		        last_error = 'lock expired after final attempt'
		  WHERE queue = $1
		    AND completed_at IS NULL
		    AND dead_at IS NULL
		    AND locked_until < $2
		    AND attempts >= max_attempts`,
		tableName,
	)
	if _, err := tx.Exec(ctx, expire, queue, now); err != nil {
		return nil, errors.Wrap(err, "queue claim expire")
	}

	q := fmt.Sprintf(
		`SELECT sequence, job_id, payload, attempts, max_attempts, backoff_type, backoff_delay_ms, created_at
		   FROM %s
		  WHERE queue = $1
		    AND completed_at IS NULL
		    AND dead_at IS NULL
		    AND available_at <= $2
		    AND (locked_until IS NULL OR locked_until < $2)
		  ORDER BY available_at, sequence
		  LIMIT $3
		  FOR UPDATE SKIP LOCKED`,
		tableName,
	)
	rows, err := tx.Query(ctx, q, queue, now, limit)
	if err != nil {
		return nil, errors.Wrap(err, "queue claim select")
	}
	defer rows.Close()

	var items []Claimed
	var seqs []int64
	for rows.Next() {
		var (
			c         Claimed
			backoffTy string
			delayMS   int64
		)
		if err := rows.Scan(&c.Sequence, &c.JobID, &c.Payload, &c.Attempts, &c.MaxAttempts, &backoffTy, &delayMS, &c.EnqueuedAt); err != nil {
			return nil, errors.Wrap(err, "queue claim scan")
		}
		c.Attempts++
		c.Backoff = Backoff{Type: BackoffType(backoffTy), Delay: time.Duration(delayMS) * time.Millisecond}
		items = append(items, c)
		seqs = append(seqs, c.Sequence)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "queue claim rows")
	}
	if len(seqs) > 0 {
		update := fmt.Sprintf(
			`UPDATE %s SET locked_until = $1, attempts = attempts + 1, updated_at = $2 WHERE sequence = ANY($3)`,
			tableName,
		)
		if _, err := tx.Exec(ctx, update, now.Add(lockTTL), now, seqs); err != nil {
			return nil, errors.Wrap(err, "queue claim update")
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return items, nil
}

func (s *PostgresStore) Ack(ctx context.Context, queue string, sequence int64, now time.Time) error {
	q := fmt.Sprintf(
		`UPDATE %s
		    SET completed_at = $3,
		        updated_at = $3,
		        locked_until = NULL,
		        last_error = NULL
		  WHERE queue = $1 AND sequence = $2 AND completed_at IS NULL`,
		s.table.Sanitize(),
	)
	_, err := s.pool.Exec(ctx, q, queue, sequence, now)
	return errors.Wrap(err, "queue ack")
}

func (s *PostgresStore) Nack(ctx context.Context, queue string, sequence int64, lastError string, next time.Time) error {
	q := fmt.Sprintf(
		`UPDATE %s
		    SET locked_until = NULL,
		        last_error = $3,
		        available_at = $4,
		        updated_at = now()
		  WHERE queue = $1 AND sequence = $2 AND completed_at IS NULL AND dead_at IS NULL`,
		s.table.Sanitize(),
	)
	_, err := s.pool.Exec(ctx, q, queue, sequence, lastError, next)
	return errors.Wrap(err, "queue nack")
}

func (s *PostgresStore) Dead(ctx context.Context, queue string, sequence int64, lastError string, now time.Time) error {
	q := fmt.Sprintf(
		`UPDATE %s
		    SET locked_until = NULL,
		        last_error = $3,
		        dead_at = $4,
		        updated_at = $4
		  WHERE queue = $1 AND sequence = $2 AND completed_at IS NULL AND dead_at IS NULL`,
		s.table.Sanitize(),
	)
	_, err := s.pool.Exec(ctx, q, queue, sequence, lastError, now)
	return errors.Wrap(err, "queue dead")
}

func (s *PostgresStore) Depth(ctx context.Context, queue string, now time.Time) (Depth, error) {
	q := fmt.Sprintf(
		`SELECT
		   count(*) FILTER (WHERE completed_at IS NULL AND dead_at IS NULL AND locked_until IS NULL AND available_at <= $2),
		   count(*) FILTER (WHERE completed_at IS NULL AND dead_at IS NULL AND locked_until IS NULL AND available_at > $2),
		   count(*) FILTER (WHERE completed_at IS NULL AND dead_at IS NULL AND locked_until IS NOT NULL),
		   count(*) FILTER (WHERE completed_at IS NOT NULL),
		   count(*) FILTER (WHERE dead_at IS NOT NULL)
		   FROM %s
		  WHERE queue = $1`,
		s.table.Sanitize(),
	)
	var d Depth
	if err := s.pool.QueryRow(ctx, q, queue, now).Scan(&d.Waiting, &d.Delayed, &d.Active, &d.Completed, &d.Dead); err != nil {
		return Depth{}, errors.Wrap(err, "queue depth")
	}
	return d, nil
}

const statusColumns = `sequence, job_id, attempts, max_attempts, COALESCE(last_error, ''), created_at, available_at, updated_at,
	CASE
	  WHEN completed_at IS NOT NULL THEN 'completed'
	  WHEN dead_at IS NOT NULL THEN 'dead'
	  WHEN locked_until IS NOT NULL THEN 'active'
	  WHEN available_at > now() THEN 'delayed'
	  ELSE 'waiting'
	END`

func (s *PostgresStore) ListDead(ctx context.Context, queue string, limit int) ([]JobStatus, error) {
	if limit <= 0 {
		limit = 100
	}
	q := fmt.Sprintf(
		`SELECT %s FROM %s WHERE queue = $1 AND dead_at IS NOT NULL ORDER BY dead_at DESC, sequence DESC LIMIT $2`,
		statusColumns, s.table.Sanitize(),
	)
	return s.queryStatuses(ctx, queue, q, queue, limit)
}

func (s *PostgresStore) Lookup(ctx context.Context, queue, jobID string) ([]JobStatus, error) {
	q := fmt.Sprintf(
		`SELECT %s FROM %s WHERE queue = $1 AND job_id = $2 ORDER BY sequence`,
		statusColumns, s.table.Sanitize(),
	)
	return s.queryStatuses(ctx, queue, q, queue, jobID)
}

func (s *PostgresStore) queryStatuses(ctx context.Context, queue, q string, args ...any) ([]JobStatus, error) {
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, errors.Wrap(err, "queue status query")
	}
	defer rows.Close()

	var out []JobStatus
	for rows.Next() {
		st := JobStatus{Queue: queue}
		var state string
		if err := rows.Scan(&st.Sequence, &st.JobID, &st.Attempts, &st.MaxAttempts, &st.LastError,
			&st.EnqueuedAt, &st.AvailableAt, &st.UpdatedAt, &state); err != nil {
			return nil, errors.Wrap(err, "queue status scan")
		}
		st.State = State(state)
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Purge(ctx context.Context, queue string, completedBefore, deadBefore time.Time) (int64, error) {
	tableName := s.table.Sanitize()
	tag, err := s.pool.Exec(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE queue = $1 AND completed_at IS NOT NULL AND completed_at < $2`, tableName),
		queue, completedBefore,
	)
	if err != nil {
		return 0, errors.Wrap(err, "queue purge completed")
	}
	n := tag.RowsAffected()
	if deadBefore.IsZero() {
		return n, nil
	}
	tag, err = s.pool.Exec(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE queue = $1 AND dead_at IS NOT NULL AND dead_at < $2`, tableName),
		queue, deadBefore,
	)
	if err != nil {
		return n, errors.Wrap(err, "queue purge dead")
	}
	return n + tag.RowsAffected(), nil
}
