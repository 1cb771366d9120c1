package queue

import (
	"context"
	"time"
)

type Dispatcher interface {
	Dispatch(ctx context.Context, msg DispatchedMessage) error
}

type DispatcherFunc func(ctx context.Context, msg DispatchedMessage) error

func (f DispatcherFunc) Dispatch(ctx context.Context, msg DispatchedMessage) error {
	return f(ctx, msg)
}

type Enqueuer interface {
	Enqueue(ctx context.Context, msg Message) (sequence int64, err error)
}

// Inspector is the read side used by ops tooling.
type Inspector interface {
	Depth(ctx context.Context, queue string, now time.Time) (Depth, error)
	ListDead(ctx context.Context, queue string, limit int) ([]JobStatus, error)
	Lookup(ctx context.Context, queue, jobID string) ([]JobStatus, error)
}

// Store persists jobs. Claim must hand each available job to at most one
// caller until its lock expires; an expired lock makes the job claimable again.
type Store interface {
	Inspector

	Enqueue(ctx context.Context, msg Message, now time.Time) (int64, error)
	Claim(ctx context.Context, queue string, now time.Time, lockTTL time.Duration, limit int) ([]Claimed, error)
	Ack(ctx context.Context, queue string, sequence int64, now time.Time) error
	Nack(ctx context.Context, queue string, sequence int64, lastError string, next time.Time) error
	Dead(ctx context.Context, queue string, sequence int64, lastError string, now time.Time) error
	// Purge deletes completed jobs older than completedBefore and, when
	// deadBefore is non-zero, dead jobs older than deadBefore.
	Purge(ctx context.Context, queue string, completedBefore, deadBefore time.Time) (int64, error)
}
