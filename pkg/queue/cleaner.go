package queue

import (
	"context"
	"time"

	"github.com/go-faster/errors"
)

// Cleaner purges finished jobs past their retention.
type Cleaner struct {
	store  Store
	queues []string
	opts   CleanerOptions
	m      *metrics
}

func NewCleaner(store Store, queues []string, opts CleanerOptions) (*Cleaner, error) {
	if store == nil {
		return nil, invalidConfig("store is required")
	}
	if len(queues) == 0 {
		return nil, invalidConfig("at least one queue is required")
	}
	opts.setDefaults()
	return &Cleaner{store: store, queues: queues, opts: opts, m: getMetrics()}, nil
}

func (c *Cleaner) Run(ctx context.Context) error {
	if ctx == nil {
		return invalidConfig("ctx is required")
	}
	if !c.opts.Enabled {
		return nil
	}

	ticker := time.NewTicker(c.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		if err := c.CleanOnce(ctx); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			c.opts.Logger.WithError(err).Warn("queue: cleaner tick failed")
		}
	}
}

func (c *Cleaner) CleanOnce(ctx context.Context) error {
	now := c.opts.Now()
	completedBefore := now.Add(-c.opts.Retention)
	var deadBefore time.Time
	if c.opts.DeadRetention > 0 {
		deadBefore = now.Add(-c.opts.DeadRetention)
	}

	for _, q := range c.queues {
		n, err := c.store.Purge(ctx, q, completedBefore, deadBefore)
		if err != nil {
			return errors.Wrapf(err, "purge %s", q)
		}
		if n > 0 {
			c.m.purgedTotal.WithLabelValues(q).Add(float64(n))
			c.opts.Logger.WithField("queue", q).WithField("purged", n).Debug("queue: cleaner purged jobs")
		}
	}
	return nil
}
