package queue

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-faster/errors"
	"github.com/redis/go-redis/v9"
)

// claimScript requeues jobs whose lock expired (or dead-letters them when no
// attempts remain) and then moves up to ARGV[3] ready jobs to the active set.
//
// KEYS: waiting, active, dead
// ARGV: now(ms), lockUntil(ms), limit, job key prefix
var claimScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local expired = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', now)
for _, m in ipairs(expired) do
  redis.call('ZREM', KEYS[2], m)
  local k = ARGV[4] .. m
  local attempts = tonumber(redis.call('HGET', k, 'attempts') or '0')
  local maxAttempts = tonumber(redis.call('HGET', k, 'max_attempts') or '1')
  if attempts >= maxAttempts then
    redis.call('ZADD', KEYS[3], now, m)
    redis.call('HSET', k, 'state', 'dead', 'last_error', 'lock expired after final attempt', 'updated_at', now)
  else
    redis.call('ZADD', KEYS[1], now, m)
    redis.call('HSET', k, 'state', 'waiting', 'updated_at', now)
  end
end
local members = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', now, 'LIMIT', 0, tonumber(ARGV[3]))
for _, m in ipairs(members) do
  local k = ARGV[4] .. m
  redis.call('ZREM', KEYS[1], m)
  redis.call('ZADD', KEYS[2], tonumber(ARGV[2]), m)
  redis.call('HINCRBY', k, 'attempts', 1)
  redis.call('HSET', k, 'state', 'active', 'updated_at', now)
end
return members
`)

// RedisStore keeps each queue in sorted sets keyed by availability and lock
// expiry, with one hash per job. Every key of a queue carries the queue name
// as a {hash tag}, so on Redis Cluster a queue lives in one slot; the claim
// script derives job hash keys from that shared prefix.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisStore(client redis.UniversalClient, prefix string) (*RedisStore, error) {
	if client == nil {
		return nil, invalidConfig("redis client is required")
	}
	if prefix == "" {
		prefix = "ingest"
	}
	return &RedisStore{client: client, prefix: prefix}, nil
}

func (s *RedisStore) key(queue, part string) string {
	return fmt.Sprintf("%s:queue:{%s}:%s", s.prefix, queue, part)
}

func (s *RedisStore) jobPrefix(queue string) string {
	return s.key(queue, "job:")
}

func (s *RedisStore) jobKey(queue, member string) string {
	return s.jobPrefix(queue) + member
}

func (s *RedisStore) idsKey(queue, jobID string) string {
	return s.key(queue, "ids:"+jobID)
}

// member zero-pads the sequence so that equal scores keep numeric order.
func member(sequence int64) string {
	return fmt.Sprintf("%020d", sequence)
}

func ms(t time.Time) int64 {
	return t.UnixMilli()
}

func (s *RedisStore) Enqueue(ctx context.Context, msg Message, now time.Time) (int64, error) {
	seq, err := s.client.Incr(ctx, s.key(msg.Queue, "seq")).Result()
	if err != nil {
		return 0, errors.Wrap(err, "redis incr sequence")
	}
	m := member(seq)
	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, s.jobKey(msg.Queue, m), map[string]any{
			"job_id":           msg.JobID,
			"payload":          string(msg.Payload),
			"attempts":         0,
			"max_attempts":     msg.Options.MaxAttempts,
			"backoff_type":     string(msg.Options.Backoff.Type),
			"backoff_delay_ms": msg.Options.Backoff.Delay.Milliseconds(),
			"state":            string(StateWaiting),
			"created_at":       ms(now),
			"available_at":     ms(now),
			"updated_at":       ms(now),
		})
		p.ZAdd(ctx, s.key(msg.Queue, "waiting"), redis.Z{Score: float64(ms(now)), Member: m})
		p.RPush(ctx, s.idsKey(msg.Queue, msg.JobID), m)
		return nil
	})
	if err != nil {
		return 0, errors.Wrap(err, "redis enqueue")
	}
	return seq, nil
}

func (s *RedisStore) Claim(ctx context.Context, queue string, now time.Time, lockTTL time.Duration, limit int) ([]Claimed, error) {
	members, err := claimScript.Run(ctx, s.client,
		[]string{s.key(queue, "waiting"), s.key(queue, "active"), s.key(queue, "dead")},
		ms(now), ms(now.Add(lockTTL)), limit, s.jobPrefix(queue),
	).StringSlice()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "redis claim")
	}
	if len(members) == 0 {
		return nil, nil
	}

	hashes, err := s.loadJobs(ctx, queue, members)
	if err != nil {
		return nil, err
	}
	out := make([]Claimed, 0, len(hashes))
	for i, h := range hashes {
		if len(h) == 0 {
			continue
		}
		seq, _ := strconv.ParseInt(members[i], 10, 64)
		out = append(out, Claimed{
			Sequence:    seq,
			JobID:       h["job_id"],
			Payload:     []byte(h["payload"]),
			Attempts:    atoi(h["attempts"]),
			MaxAttempts: atoi(h["max_attempts"]),
			Backoff: Backoff{
				Type:  BackoffType(h["backoff_type"]),
				Delay: time.Duration(atoi64(h["backoff_delay_ms"])) * time.Millisecond,
			},
			EnqueuedAt: time.UnixMilli(atoi64(h["created_at"])),
		})
	}
	return out, nil
}

func (s *RedisStore) loadJobs(ctx context.Context, queue string, members []string) ([]map[string]string, error) {
	cmds := make([]*redis.MapStringStringCmd, len(members))
	_, err := s.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, m := range members {
			cmds[i] = p.HGetAll(ctx, s.jobKey(queue, m))
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "redis load jobs")
	}
	out := make([]map[string]string, len(cmds))
	for i, cmd := range cmds {
		out[i] = cmd.Val()
	}
	return out, nil
}

func (s *RedisStore) Ack(ctx context.Context, queue string, sequence int64, now time.Time) error {
	m := member(sequence)
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRem(ctx, s.key(queue, "active"), m)
		p.ZRem(ctx, s.key(queue, "waiting"), m)
		p.ZAdd(ctx, s.key(queue, "completed"), redis.Z{Score: float64(ms(now)), Member: m})
		p.HSet(ctx, s.jobKey(queue, m), "state", string(StateCompleted), "updated_at", ms(now))
		p.HDel(ctx, s.jobKey(queue, m), "last_error")
		return nil
	})
	return errors.Wrap(err, "redis ack")
}

func (s *RedisStore) Nack(ctx context.Context, queue string, sequence int64, lastError string, next time.Time) error {
	m := member(sequence)
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRem(ctx, s.key(queue, "active"), m)
		p.ZAdd(ctx, s.key(queue, "waiting"), redis.Z{Score: float64(ms(next)), Member: m})
		p.HSet(ctx, s.jobKey(queue, m),
			"state", string(StateDelayed),
			"last_error", lastError,
			"available_at", ms(next),
			"updated_at", ms(time.Now()),
		)
		return nil
	})
	return errors.Wrap(err, "redis nack")
}

func (s *RedisStore) Dead(ctx context.Context, queue string, sequence int64, lastError string, now time.Time) error {
	m := member(sequence)
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRem(ctx, s.key(queue, "active"), m)
		p.ZRem(ctx, s.key(queue, "waiting"), m)
		p.ZAdd(ctx, s.key(queue, "dead"), redis.Z{Score: float64(ms(now)), Member: m})
		p.HSet(ctx, s.jobKey(queue, m), "state", string(StateDead), "last_error", lastError, "updated_at", ms(now))
		return nil
	})
	return errors.Wrap(err, "redis dead")
}

func (s *RedisStore) Depth(ctx context.Context, queue string, now time.Time) (Depth, error) {
	nowScore := strconv.FormatInt(ms(now), 10)
	var waiting, delayed, active, completed, dead *redis.IntCmd
	_, err := s.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		waiting = p.ZCount(ctx, s.key(queue, "waiting"), "-inf", nowScore)
		delayed = p.ZCount(ctx, s.key(queue, "waiting"), "("+nowScore, "+inf")
		active = p.ZCard(ctx, s.key(queue, "active"))
		completed = p.ZCard(ctx, s.key(queue, "completed"))
		dead = p.ZCard(ctx, s.key(queue, "dead"))
		return nil
	})
	if err != nil {
		return Depth{}, errors.Wrap(err, "redis depth")
	}
	return Depth{
		Waiting:   waiting.Val(),
		Delayed:   delayed.Val(),
		Active:    active.Val(),
		Completed: completed.Val(),
		Dead:      dead.Val(),
	}, nil
}

func (s *RedisStore) ListDead(ctx context.Context, queue string, limit int) ([]JobStatus, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	members, err := s.client.ZRevRange(ctx, s.key(queue, "dead"), 0, stop).Result()
	if err != nil {
		return nil, errors.Wrap(err, "redis list dead")
	}
	return s.statuses(ctx, queue, members)
}

func (s *RedisStore) Lookup(ctx context.Context, queue, jobID string) ([]JobStatus, error) {
	members, err := s.client.LRange(ctx, s.idsKey(queue, jobID), 0, -1).Result()
	if err != nil {
		return nil, errors.Wrap(err, "redis lookup")
	}
	return s.statuses(ctx, queue, members)
}

func (s *RedisStore) statuses(ctx context.Context, queue string, members []string) ([]JobStatus, error) {
	if len(members) == 0 {
		return nil, nil
	}
	hashes, err := s.loadJobs(ctx, queue, members)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	out := make([]JobStatus, 0, len(hashes))
	for i, h := range hashes {
		if len(h) == 0 {
			continue
		}
		seq, _ := strconv.ParseInt(members[i], 10, 64)
		st := JobStatus{
			Queue:       queue,
			Sequence:    seq,
			JobID:       h["job_id"],
			State:       State(h["state"]),
			Attempts:    atoi(h["attempts"]),
			MaxAttempts: atoi(h["max_attempts"]),
			LastError:   h["last_error"],
			EnqueuedAt:  time.UnixMilli(atoi64(h["created_at"])),
			AvailableAt: time.UnixMilli(atoi64(h["available_at"])),
			UpdatedAt:   time.UnixMilli(atoi64(h["updated_at"])),
		}
		if (st.State == StateWaiting || st.State == StateDelayed) && st.AvailableAt.After(now) {
			st.State = StateDelayed
		} else if st.State == StateDelayed {
			st.State = StateWaiting
		}
		out = append(out, st)
	}
	return out, nil
}

func (s *RedisStore) Purge(ctx context.Context, queue string, completedBefore, deadBefore time.Time) (int64, error) {
	n, err := s.purgeSet(ctx, queue, "completed", completedBefore)
	if err != nil {
		return n, err
	}
	if deadBefore.IsZero() {
		return n, nil
	}
	d, err := s.purgeSet(ctx, queue, "dead", deadBefore)
	return n + d, err
}

func (s *RedisStore) purgeSet(ctx context.Context, queue, set string, before time.Time) (int64, error) {
	setKey := s.key(queue, set)
	members, err := s.client.ZRangeByScore(ctx, setKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(ms(before), 10),
	}).Result()
	if err != nil {
		return 0, errors.Wrapf(err, "redis purge %s", set)
	}
	if len(members) == 0 {
		return 0, nil
	}

	jobIDs := make([]*redis.StringCmd, len(members))
	_, err = s.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, m := range members {
			jobIDs[i] = p.HGet(ctx, s.jobKey(queue, m), "job_id")
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return 0, errors.Wrapf(err, "redis purge %s", set)
	}

	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		for i, m := range members {
			if id := jobIDs[i].Val(); id != "" {
				p.LRem(ctx, s.idsKey(queue, id), 0, m)
			}
			p.Del(ctx, s.jobKey(queue, m))
			p.ZRem(ctx, setKey, m)
		}
		return nil
	})
	if err != nil {
		return 0, errors.Wrapf(err, "redis purge %s", set)
	}
	return int64(len(members)), nil
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func atoi64(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}
