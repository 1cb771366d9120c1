package persistence

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/redis/go-redis/v9"

	"github.com/iota-uz/iota-ingest/modules/ingest/services"
)

// MemoryLedger keeps section state in process.
type MemoryLedger struct {
	mu       sync.Mutex
	sections map[services.SectionKey]services.SectionState
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{sections: map[services.SectionKey]services.SectionState{}}
}

func (l *MemoryLedger) Get(_ context.Context, key services.SectionKey) (services.SectionState, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return cloneState(l.sections[key]), nil
}

func (l *MemoryLedger) Update(_ context.Context, key services.SectionKey, fn func(*services.SectionState) error) (services.SectionState, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	st := cloneState(l.sections[key])
	if err := fn(&st); err != nil {
		return services.SectionState{}, err
	}
	l.sections[key] = st
	return cloneState(st), nil
}

func cloneState(s services.SectionState) services.SectionState {
	if s.Chunks != nil {
		chunks := make(map[int]services.ChunkRecord, len(s.Chunks))
		for k, v := range s.Chunks {
			chunks[k] = v
		}
		s.Chunks = chunks
	}
	return s
}

const ledgerMaxRetries = 10

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

// RedisLedger stores each section as a JSON value and updates it with
// WATCH/MULTI, retrying when another writer got there first.
type RedisLedger struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

func NewRedisLedger(client redis.UniversalClient, prefix string, ttl time.Duration) (*RedisLedger, error) {
	if client == nil {
		return nil, errors.New("redis ledger: client is required")
	}
	if prefix == "" {
		prefix = "ingest"
	}
	return &RedisLedger{client: client, prefix: prefix, ttl: ttl}, nil
}

func (l *RedisLedger) key(k services.SectionKey) string {
	return l.prefix + ":ledger:" + k.SinkID + ":" + k.Section
}

func (l *RedisLedger) Get(ctx context.Context, key services.SectionKey) (services.SectionState, error) {
	return l.read(ctx, l.client, l.key(key))
}

func (l *RedisLedger) Update(ctx context.Context, key services.SectionKey, fn func(*services.SectionState) error) (services.SectionState, error) {
	k := l.key(key)
	var out services.SectionState
	txf := func(tx *redis.Tx) error {
		st, err := l.read(ctx, tx, k)
		if err != nil {
			return err
		}
		if err := fn(&st); err != nil {
			return err
		}
		raw, err := json.Marshal(st)
		if err != nil {
			return errors.Wrap(err, "encode section state")
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, k, raw, l.ttl)
			return nil
		})
		if err == nil {
			out = st
		}
		return err
	}

	for i := 0; i < ledgerMaxRetries; i++ {
		err := l.client.Watch(ctx, txf, k)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return services.SectionState{}, err
		}
		return out, nil
	}
	return services.SectionState{}, errors.Errorf("ledger update of %s kept conflicting", key)
}

func (l *RedisLedger) read(ctx context.Context, c getter, key string) (services.SectionState, error) {
	var st services.SectionState
	raw, err := c.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return st, nil
	}
	if err != nil {
		return st, errors.Wrap(err, "redis get section state")
	}
	if err := json.Unmarshal(raw, &st); err != nil {
		return st, errors.Wrap(err, "decode section state")
	}
	return st, nil
}
