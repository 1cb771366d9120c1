package queue

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestRelay(t *testing.T, store Store, queue string, d Dispatcher, clock *fakeClock, concurrency int) *Relay {
	t.Helper()
	r, err := NewRelay(store, queue, d, RelayOptions{
		PollInterval: 5 * time.Millisecond,
		BatchSize:    10,
		LockTTL:      time.Minute,
		Concurrency:  concurrency,
		MaxBackoff:   time.Minute,
		JitterMax:    -1,
		Rand:         rand.New(rand.NewSource(1)),
		Now:          clock.Now,
	})
	require.NoError(t, err)
	return r
}

func enqueue(t *testing.T, p *Publisher, queue, id string, opts EnqueueOptions) int64 {
	t.Helper()
	seq, err := p.Enqueue(context.Background(), Message{JobID: id, Queue: queue, Payload: []byte(`{"id":"` + id + `"}`), Options: opts})
	require.NoError(t, err)
	return seq
}

func TestNewRelay_Validation(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	d := DispatcherFunc(func(context.Context, DispatchedMessage) error { return nil })

	_, err := NewRelay(nil, "q", d, RelayOptions{})
	require.ErrorIs(t, err, ErrInvalidConfig)
	_, err = NewRelay(store, "", d, RelayOptions{})
	require.ErrorIs(t, err, ErrInvalidConfig)
	_, err = NewRelay(store, "q", nil, RelayOptions{})
	require.ErrorIs(t, err, ErrInvalidConfig)
	_, err = NewRelay(store, "q", d, RelayOptions{Concurrency: -1})
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestRelay_SerialDispatchKeepsEnqueueOrder(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	store := NewMemoryStore()
	p, err := NewPublisher(store, EnqueueOptions{})
	require.NoError(t, err)
	p.now = clock.Now

	for i := 0; i < 12; i++ {
		enqueue(t, p, "sheet", fmt.Sprintf("job-%02d", i), EnqueueOptions{})
	}

	var seen []string
	r := newTestRelay(t, store, "sheet", DispatcherFunc(func(_ context.Context, msg DispatchedMessage) error {
		seen = append(seen, msg.Meta.JobID)
		return nil
	}), clock, 1)

	n, err := r.ProcessOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 10, n)
	n, err = r.ProcessOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	want := make([]string, 12)
	for i := range want {
		want[i] = fmt.Sprintf("job-%02d", i)
	}
	assert.Equal(t, want, seen)

	d, err := store.Depth(context.Background(), "sheet", clock.Now())
	require.NoError(t, err)
	assert.Equal(t, Depth{Completed: 12}, d)
}

func TestRelay_RetriesWithBackoffThenDead(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	store := NewMemoryStore()
	p, err := NewPublisher(store, EnqueueOptions{MaxAttempts: 3, Backoff: Backoff{Type: BackoffExponential, Delay: time.Second}})
	require.NoError(t, err)
	p.now = clock.Now

	enqueue(t, p, "mongo", "poison", EnqueueOptions{})

	var attempts []int
	r := newTestRelay(t, store, "mongo", DispatcherFunc(func(_ context.Context, msg DispatchedMessage) error {
		attempts = append(attempts, msg.Meta.Attempts)
		return errors.New("store unavailable")
	}), clock, 3)
	ctx := context.Background()

	_, err = r.ProcessOnce(ctx)
	require.NoError(t, err)
	st, err := store.Lookup(ctx, "mongo", "poison")
	require.NoError(t, err)
	require.Len(t, st, 1)
	assert.Equal(t, "store unavailable", st[0].LastError)
	assert.Equal(t, clock.Now().Add(time.Second), st[0].AvailableAt)

	// not yet due
	n, err := r.ProcessOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	clock.Advance(time.Second)
	_, err = r.ProcessOnce(ctx)
	require.NoError(t, err)
	st, err = store.Lookup(ctx, "mongo", "poison")
	require.NoError(t, err)
	assert.Equal(t, clock.Now().Add(2*time.Second), st[0].AvailableAt)

	clock.Advance(2 * time.Second)
	_, err = r.ProcessOnce(ctx)
	require.NoError(t, err)

	assert.Equal(t, []int{1, 2, 3}, attempts)
	dead, err := store.ListDead(ctx, "mongo", 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, "poison", dead[0].JobID)
	assert.Equal(t, "store unavailable", dead[0].LastError)

	clock.Advance(time.Hour)
	n, err = r.ProcessOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "dead jobs are never retried automatically")
}

func TestRelay_PermanentErrorSkipsRetries(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	store := NewMemoryStore()
	p, err := NewPublisher(store, EnqueueOptions{MaxAttempts: 3})
	require.NoError(t, err)
	p.now = clock.Now
	enqueue(t, p, "sheet", "malformed", EnqueueOptions{})

	calls := 0
	r := newTestRelay(t, store, "sheet", DispatcherFunc(func(context.Context, DispatchedMessage) error {
		calls++
		return Permanent(errors.New("header mismatch"))
	}), clock, 1)

	_, err = r.ProcessOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, calls)

	st, err := store.Lookup(context.Background(), "sheet", "malformed")
	require.NoError(t, err)
	require.Len(t, st, 1)
	assert.Equal(t, StateDead, st[0].State)
	assert.Equal(t, 1, st[0].Attempts)
}

func TestRelay_PanicBecomesFailure(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	store := NewMemoryStore()
	p, err := NewPublisher(store, EnqueueOptions{MaxAttempts: 1})
	require.NoError(t, err)
	p.now = clock.Now
	enqueue(t, p, "sheet", "boom", EnqueueOptions{})

	r := newTestRelay(t, store, "sheet", DispatcherFunc(func(context.Context, DispatchedMessage) error {
		panic("nil map")
	}), clock, 1)

	_, err = r.ProcessOnce(context.Background())
	require.NoError(t, err)

	dead, err := store.ListDead(context.Background(), "sheet", 0)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Contains(t, dead[0].LastError, "dispatcher panic")
}

func TestRelay_BoundedConcurrency(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	store := NewMemoryStore()
	p, err := NewPublisher(store, EnqueueOptions{})
	require.NoError(t, err)
	p.now = clock.Now
	for i := 0; i < 9; i++ {
		enqueue(t, p, "mongo", fmt.Sprintf("org-%d", i), EnqueueOptions{})
	}

	var inFlight, peak atomic.Int32
	r := newTestRelay(t, store, "mongo", DispatcherFunc(func(context.Context, DispatchedMessage) error {
		cur := inFlight.Add(1)
		for {
			old := peak.Load()
			if cur <= old || peak.CompareAndSwap(old, cur) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		inFlight.Add(-1)
		return nil
	}), clock, 3)

	_, err = r.ProcessOnce(context.Background())
	require.NoError(t, err)
	assert.LessOrEqual(t, peak.Load(), int32(3))
	assert.Greater(t, peak.Load(), int32(1))
}

func TestRelay_ConcurrentFailuresShareJitterSource(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	store := NewMemoryStore()
	p, err := NewPublisher(store, EnqueueOptions{MaxAttempts: 3, Backoff: Backoff{Type: BackoffExponential, Delay: time.Second}})
	require.NoError(t, err)
	p.now = clock.Now
	for i := 0; i < 50; i++ {
		enqueue(t, p, "mongo", fmt.Sprintf("org-%02d", i), EnqueueOptions{})
	}

	jitterMax := time.Millisecond
	r, err := NewRelay(store, "mongo", DispatcherFunc(func(context.Context, DispatchedMessage) error {
		return errors.New("transaction aborted")
	}), RelayOptions{
		BatchSize:   50,
		LockTTL:     time.Minute,
		Concurrency: 3,
		MaxBackoff:  time.Minute,
		JitterMax:   jitterMax,
		Rand:        rand.New(rand.NewSource(1)),
		Now:         clock.Now,
	})
	require.NoError(t, err)

	ctx := context.Background()
	n, err := r.ProcessOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 50, n)

	d, err := store.Depth(ctx, "mongo", clock.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(50), d.Delayed)

	for i := 0; i < 50; i++ {
		st, err := store.Lookup(ctx, "mongo", fmt.Sprintf("org-%02d", i))
		require.NoError(t, err)
		require.Len(t, st, 1)
		due := st[0].AvailableAt.Sub(clock.Now())
		assert.GreaterOrEqual(t, due, time.Second)
		assert.LessOrEqual(t, due, time.Second+jitterMax)
	}
}

func TestRelay_ExpiredLockIsRedelivered(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	store := NewMemoryStore()
	p, err := NewPublisher(store, EnqueueOptions{MaxAttempts: 3})
	require.NoError(t, err)
	p.now = clock.Now
	enqueue(t, p, "sheet", "crashed", EnqueueOptions{})
	ctx := context.Background()

	// a worker claims and dies without ack
	claimed, err := store.Claim(ctx, "sheet", clock.Now(), time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	again, err := store.Claim(ctx, "sheet", clock.Now(), time.Minute, 10)
	require.NoError(t, err)
	assert.Empty(t, again)

	clock.Advance(2 * time.Minute)
	again, err = store.Claim(ctx, "sheet", clock.Now(), time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.Equal(t, 2, again[0].Attempts)
}

func TestRelay_StartStop(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	p, err := NewPublisher(store, EnqueueOptions{})
	require.NoError(t, err)

	done := make(chan struct{})
	r, err := NewRelay(store, "sheet", DispatcherFunc(func(context.Context, DispatchedMessage) error {
		close(done)
		return nil
	}), RelayOptions{PollInterval: 5 * time.Millisecond})
	require.NoError(t, err)

	r.Start(context.Background())
	enqueue(t, p, "sheet", "one", EnqueueOptions{})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("job was not dispatched")
	}
	require.NoError(t, r.Stop())
	require.NoError(t, r.Stop())
}

func TestPublisher_DuplicateIDsAreDistinctDeliveries(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	p, err := NewPublisher(store, EnqueueOptions{})
	require.NoError(t, err)

	s1 := enqueue(t, p, "mongo", "mongo_submit_x_A_1", EnqueueOptions{})
	s2 := enqueue(t, p, "mongo", "mongo_submit_x_A_1", EnqueueOptions{})
	assert.NotEqual(t, s1, s2)

	st, err := store.Lookup(context.Background(), "mongo", "mongo_submit_x_A_1")
	require.NoError(t, err)
	assert.Len(t, st, 2)
	assert.Equal(t, 3, st[0].MaxAttempts)

	_, err = p.Enqueue(context.Background(), Message{JobID: "", Queue: "q", Payload: []byte(`{}`)})
	require.ErrorIs(t, err, ErrInvalidConfig)
	_, err = p.Enqueue(context.Background(), Message{JobID: "x", Queue: "q", Payload: []byte(`{`)})
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestCleaner_PurgesFinishedJobs(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	store := NewMemoryStore()
	p, err := NewPublisher(store, EnqueueOptions{MaxAttempts: 1})
	require.NoError(t, err)
	p.now = clock.Now
	enqueue(t, p, "q", "ok", EnqueueOptions{})
	enqueue(t, p, "q", "bad", EnqueueOptions{})
	enqueue(t, p, "q", "pending", EnqueueOptions{})
	ctx := context.Background()

	claimed, err := store.Claim(ctx, "q", clock.Now(), time.Minute, 2)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	require.NoError(t, store.Ack(ctx, "q", claimed[0].Sequence, clock.Now()))
	require.NoError(t, store.Dead(ctx, "q", claimed[1].Sequence, "x", clock.Now()))

	clock.Advance(48 * time.Hour)
	c, err := NewCleaner(store, []string{"q"}, CleanerOptions{Enabled: true, Retention: 24 * time.Hour, Now: clock.Now})
	require.NoError(t, err)
	require.NoError(t, c.CleanOnce(ctx))

	d, err := store.Depth(ctx, "q", clock.Now())
	require.NoError(t, err)
	assert.Equal(t, Depth{Waiting: 1, Dead: 1}, d, "dead jobs are kept without a dead retention")
}
