package queue

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/go-faster/errors"
)

// Publisher fills in the default retry policy and writes jobs to a Store.
type Publisher struct {
	store    Store
	defaults EnqueueOptions
	now      func() time.Time
	m        *metrics
}

func NewPublisher(store Store, defaults EnqueueOptions) (*Publisher, error) {
	if store == nil {
		return nil, invalidConfig("store is required")
	}
	if defaults.MaxAttempts <= 0 {
		defaults.MaxAttempts = 3
	}
	if defaults.Backoff.Type == "" {
		defaults.Backoff.Type = BackoffExponential
	}
	if defaults.Backoff.Delay <= 0 {
		defaults.Backoff.Delay = time.Second
	}
	return &Publisher{store: store, defaults: defaults, now: time.Now, m: getMetrics()}, nil
}

func (p *Publisher) Enqueue(ctx context.Context, msg Message) (int64, error) {
	msg.JobID = strings.TrimSpace(msg.JobID)
	msg.Queue = strings.TrimSpace(msg.Queue)
	if msg.JobID == "" {
		return 0, invalidConfig("job id is required")
	}
	if msg.Queue == "" {
		return 0, invalidConfig("queue is required")
	}
	if !json.Valid(msg.Payload) {
		return 0, invalidConfig("payload of job %q is not valid JSON", msg.JobID)
	}
	if msg.Options.MaxAttempts <= 0 {
		msg.Options.MaxAttempts = p.defaults.MaxAttempts
	}
	if msg.Options.Backoff.Type == "" {
		msg.Options.Backoff.Type = p.defaults.Backoff.Type
	}
	if msg.Options.Backoff.Delay <= 0 {
		msg.Options.Backoff.Delay = p.defaults.Backoff.Delay
	}

	seq, err := p.store.Enqueue(ctx, msg, p.now())
	if err != nil {
		return 0, errors.Wrapf(err, "enqueue %s", msg.JobID)
	}
	p.m.enqueueTotal.WithLabelValues(msg.Queue).Inc()
	return seq, nil
}
