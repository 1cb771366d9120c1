package queue

import (
	"context"
	"sort"
	"sync"
	"time"
)

type memJob struct {
	queue       string
	sequence    int64
	jobID       string
	payload     []byte
	attempts    int
	maxAttempts int
	backoff     Backoff
	createdAt   time.Time
	availableAt time.Time
	lockedUntil time.Time
	completedAt time.Time
	deadAt      time.Time
	updatedAt   time.Time
	lastError   string
}

func (j *memJob) finished() bool {
	return !j.completedAt.IsZero() || !j.deadAt.IsZero()
}

func (j *memJob) status(now time.Time) JobStatus {
	st := JobStatus{
		Queue:       j.queue,
		Sequence:    j.sequence,
		JobID:       j.jobID,
		Attempts:    j.attempts,
		MaxAttempts: j.maxAttempts,
		LastError:   j.lastError,
		EnqueuedAt:  j.createdAt,
		AvailableAt: j.availableAt,
		UpdatedAt:   j.updatedAt,
	}
	switch {
	case !j.completedAt.IsZero():
		st.State = StateCompleted
	case !j.deadAt.IsZero():
		st.State = StateDead
	case !j.lockedUntil.IsZero():
		st.State = StateActive
	case j.availableAt.After(now):
		st.State = StateDelayed
	default:
		st.State = StateWaiting
	}
	return st
}

// MemoryStore keeps jobs in process memory. It serves tests and
// single-process runs; nothing survives a restart.
type MemoryStore struct {
	mu   sync.Mutex
	seq  int64
	jobs map[string][]*memJob
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: map[string][]*memJob{}}
}

func (s *MemoryStore) Enqueue(_ context.Context, msg Message, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	payload := make([]byte, len(msg.Payload))
	copy(payload, msg.Payload)
	s.jobs[msg.Queue] = append(s.jobs[msg.Queue], &memJob{
		queue:       msg.Queue,
		sequence:    s.seq,
		jobID:       msg.JobID,
		payload:     payload,
		maxAttempts: msg.Options.MaxAttempts,
		backoff:     msg.Options.Backoff,
		createdAt:   now,
		availableAt: now,
		updatedAt:   now,
	})
	return s.seq, nil
}

func (s *MemoryStore) Claim(_ context.Context, queue string, now time.Time, lockTTL time.Duration, limit int) ([]Claimed, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ready []*memJob
	for _, j := range s.jobs[queue] {
		if j.finished() {
			continue
		}
		if !j.lockedUntil.IsZero() {
			if j.lockedUntil.After(now) {
				continue
			}
			j.lockedUntil = time.Time{}
			if j.attempts >= j.maxAttempts {
				j.deadAt = now
				j.updatedAt = now
				j.lastError = "lock expired after final attempt"
				continue
			}
		}
		if j.availableAt.After(now) {
			continue
		}
		ready = append(ready, j)
	}
	sort.SliceStable(ready, func(a, b int) bool {
		if !ready[a].availableAt.Equal(ready[b].availableAt) {
			return ready[a].availableAt.Before(ready[b].availableAt)
		}
		return ready[a].sequence < ready[b].sequence
	})
	if limit > 0 && len(ready) > limit {
		ready = ready[:limit]
	}

	out := make([]Claimed, 0, len(ready))
	for _, j := range ready {
		j.attempts++
		j.lockedUntil = now.Add(lockTTL)
		j.updatedAt = now
		out = append(out, Claimed{
			Sequence:    j.sequence,
			JobID:       j.jobID,
			Payload:     j.payload,
			Attempts:    j.attempts,
			MaxAttempts: j.maxAttempts,
			Backoff:     j.backoff,
			EnqueuedAt:  j.createdAt,
		})
	}
	return out, nil
}

func (s *MemoryStore) Ack(_ context.Context, queue string, sequence int64, now time.Time) error {
	return s.update(queue, sequence, func(j *memJob) {
		j.lockedUntil = time.Time{}
		j.completedAt = now
		j.updatedAt = now
		j.lastError = ""
	})
}

func (s *MemoryStore) Nack(_ context.Context, queue string, sequence int64, lastError string, next time.Time) error {
	return s.update(queue, sequence, func(j *memJob) {
		j.lockedUntil = time.Time{}
		j.availableAt = next
		j.lastError = lastError
		j.updatedAt = time.Now()
	})
}

func (s *MemoryStore) Dead(_ context.Context, queue string, sequence int64, lastError string, now time.Time) error {
	return s.update(queue, sequence, func(j *memJob) {
		j.lockedUntil = time.Time{}
		j.deadAt = now
		j.lastError = lastError
		j.updatedAt = now
	})
}

func (s *MemoryStore) update(queue string, sequence int64, fn func(j *memJob)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs[queue] {
		if j.sequence == sequence && !j.finished() {
			fn(j)
			return nil
		}
	}
	return nil
}

func (s *MemoryStore) Depth(_ context.Context, queue string, now time.Time) (Depth, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var d Depth
	for _, j := range s.jobs[queue] {
		switch j.status(now).State {
		case StateWaiting:
			d.Waiting++
		case StateDelayed:
			d.Delayed++
		case StateActive:
			d.Active++
		case StateCompleted:
			d.Completed++
		case StateDead:
			d.Dead++
		}
	}
	return d, nil
}

func (s *MemoryStore) ListDead(_ context.Context, queue string, limit int) ([]JobStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	var out []JobStatus
	for i := len(s.jobs[queue]) - 1; i >= 0; i-- {
		j := s.jobs[queue][i]
		if j.deadAt.IsZero() {
			continue
		}
		out = append(out, j.status(now))
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) Lookup(_ context.Context, queue, jobID string) ([]JobStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	var out []JobStatus
	for _, j := range s.jobs[queue] {
		if j.jobID == jobID {
			out = append(out, j.status(now))
		}
	}
	return out, nil
}

func (s *MemoryStore) Purge(_ context.Context, queue string, completedBefore, deadBefore time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.jobs[queue][:0]
	var purged int64
	for _, j := range s.jobs[queue] {
		drop := (!j.completedAt.IsZero() && j.completedAt.Before(completedBefore)) ||
			(!deadBefore.IsZero() && !j.deadAt.IsZero() && j.deadAt.Before(deadBefore))
		if drop {
			purged++
			continue
		}
		kept = append(kept, j)
	}
	s.jobs[queue] = kept
	return purged, nil
}
