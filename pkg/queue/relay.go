package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"golang.org/x/sync/errgroup"

	"github.com/iota-uz/iota-ingest/pkg/logging"
)

// Relay polls one queue and hands claimed jobs to a Dispatcher.
type Relay struct {
	store      Store
	queue      string
	dispatcher Dispatcher
	opts       RelayOptions

	m   *metrics
	rng *lockedRand

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan error
}

func NewRelay(store Store, queue string, dispatcher Dispatcher, opts RelayOptions) (*Relay, error) {
	if store == nil {
		return nil, invalidConfig("store is required")
	}
	if queue == "" {
		return nil, invalidConfig("queue is required")
	}
	if dispatcher == nil {
		return nil, invalidConfig("dispatcher is required")
	}
	if opts.Concurrency < 0 {
		return nil, invalidConfig("concurrency must be positive, got %d", opts.Concurrency)
	}

	opts.setDefaults()
	opts.Logger = opts.Logger.WithField("queue", queue)

	return &Relay{
		store:      store,
		queue:      queue,
		dispatcher: dispatcher,
		opts:       opts,
		m:          getMetrics(),
		rng:        newLockedRand(opts.Rand),
	}, nil
}

func (r *Relay) Queue() string {
	return r.queue
}

// Start runs the relay in the background until Stop is called or ctx ends.
func (r *Relay) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan error, 1)
	go func(done chan<- error) {
		done <- r.Run(runCtx)
	}(r.done)
}

// Stop cancels a started relay and waits for in-flight jobs to finish.
func (r *Relay) Stop() error {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel, r.done = nil, nil
	r.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	err := <-done
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (r *Relay) Run(ctx context.Context) error {
	if ctx == nil {
		return invalidConfig("ctx is required")
	}

	ticker := time.NewTicker(r.opts.PollInterval)
	defer ticker.Stop()

	r.opts.Logger.WithField("concurrency", r.opts.Concurrency).Info("queue: relay started")
	nextDepthAt := r.opts.Now()

	for {
		select {
		case <-ctx.Done():
			r.opts.Logger.Info("queue: relay stopped")
			return ctx.Err()
		case <-ticker.C:
		}

		if now := r.opts.Now(); now.After(nextDepthAt) {
			if err := r.observeQueueDepth(ctx, now); err != nil {
				r.opts.Logger.WithError(err).Debug("queue: observe depth failed")
			}
			nextDepthAt = now.Add(r.opts.ObserveQueueDepthEvery)
		}

		if _, err := r.ProcessOnce(ctx); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			r.opts.Logger.WithError(err).Warn("queue: process tick failed")
		}
	}
}

// ProcessOnce claims one batch and dispatches it. It returns the number of
// jobs claimed.
func (r *Relay) ProcessOnce(ctx context.Context) (int, error) {
	claimed, err := r.store.Claim(ctx, r.queue, r.opts.Now(), r.opts.LockTTL, r.opts.BatchSize)
	if err != nil {
		return 0, errors.Wrap(err, "claim")
	}
	r.m.claimBatch.WithLabelValues(r.queue).Observe(float64(len(claimed)))
	if len(claimed) == 0 {
		return 0, nil
	}

	var g errgroup.Group
	g.SetLimit(r.opts.Concurrency)
	for _, c := range claimed {
		g.Go(func() error {
			r.handle(ctx, c)
			return nil
		})
	}
	_ = g.Wait()
	return len(claimed), nil
}

func (r *Relay) handle(ctx context.Context, c Claimed) {
	dispatchCtx := ctx
	var cancel context.CancelFunc
	if r.opts.DispatchTimeout > 0 {
		dispatchCtx, cancel = context.WithTimeout(ctx, r.opts.DispatchTimeout)
	}

	logger := r.opts.Logger.WithFields(logFields(c))
	start := time.Now()
	err := r.dispatch(logging.WithLogger(dispatchCtx, logger), c)
	if cancel != nil {
		cancel()
	}
	latency := time.Since(start)

	if err == nil {
		r.recordDispatch("success", latency)
		if ackErr := r.store.Ack(ctx, r.queue, c.Sequence, r.opts.Now()); ackErr != nil {
			logger.WithError(ackErr).Warn("queue: ack failed")
		}
		return
	}

	r.recordDispatch("failure", latency)
	lastErr := truncateError(err, r.opts.LastErrorMaxLen)

	permanent := IsPermanent(err)
	if permanent || c.Attempts >= c.MaxAttempts {
		reason := "exhausted"
		if permanent {
			reason = "permanent"
		}
		r.m.deadTotal.WithLabelValues(r.queue, reason).Inc()
		logger.WithError(err).
			WithField("reason", reason).
			WithField("trace", fmt.Sprintf("%+v", err)).
			Error("queue: job moved to dead state")
		if deadErr := r.store.Dead(ctx, r.queue, c.Sequence, lastErr, r.opts.Now()); deadErr != nil {
			logger.WithError(deadErr).Warn("queue: dead update failed")
		}
		return
	}

	delay := backoff(c.Backoff, c.Attempts, r.opts.MaxBackoff) + jitter(r.rng, r.opts.JitterMax)
	r.m.retryTotal.WithLabelValues(r.queue).Inc()
	logger.WithError(err).WithField("retry_in", delay.String()).Warn("queue: dispatch failed, retrying")
	if nackErr := r.store.Nack(ctx, r.queue, c.Sequence, lastErr, r.opts.Now().Add(delay)); nackErr != nil {
		logger.WithError(nackErr).Warn("queue: nack failed")
	}
}

func (r *Relay) dispatch(ctx context.Context, c Claimed) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = errors.Errorf("dispatcher panic: %v", p)
		}
	}()
	return r.dispatcher.Dispatch(ctx, DispatchedMessage{
		Meta: Meta{
			Queue:       r.queue,
			JobID:       c.JobID,
			Sequence:    c.Sequence,
			Attempts:    c.Attempts,
			MaxAttempts: c.MaxAttempts,
			EnqueuedAt:  c.EnqueuedAt,
		},
		Payload: c.Payload,
	})
}

func (r *Relay) observeQueueDepth(ctx context.Context, now time.Time) error {
	d, err := r.store.Depth(ctx, r.queue, now)
	if err != nil {
		return err
	}
	r.m.depth.WithLabelValues(r.queue, string(StateWaiting)).Set(float64(d.Waiting))
	r.m.depth.WithLabelValues(r.queue, string(StateDelayed)).Set(float64(d.Delayed))
	r.m.depth.WithLabelValues(r.queue, string(StateActive)).Set(float64(d.Active))
	r.m.depth.WithLabelValues(r.queue, string(StateDead)).Set(float64(d.Dead))
	return nil
}

func (r *Relay) recordDispatch(result string, latency time.Duration) {
	r.m.dispatchTotal.WithLabelValues(r.queue, result).Inc()
	r.m.dispatchLatency.WithLabelValues(r.queue, result).Observe(latency.Seconds())
}

func logFields(c Claimed) map[string]any {
	return map[string]any{
		"job_id":       c.JobID,
		"sequence":     c.Sequence,
		"attempts":     c.Attempts,
		"max_attempts": c.MaxAttempts,
	}
}
