package queue

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

func backoff(policy Backoff, attempts int, maxBackoff time.Duration) time.Duration {
	if attempts <= 0 {
		return 0
	}
	base := policy.Delay
	if base <= 0 {
		base = time.Second
	}

	var d float64
	switch policy.Type {
	case BackoffFixed:
		d = float64(base)
	default:
		// base * 2^(attempts-1)
		d = math.Pow(2, float64(attempts-1)) * float64(base)
	}
	if maxBackoff > 0 && d > float64(maxBackoff) {
		return maxBackoff
	}
	if d > float64(math.MaxInt64) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// lockedRand serializes access to a *rand.Rand, which is not safe for
// concurrent use.
type lockedRand struct {
	mu sync.Mutex
	r  *rand.Rand
}

func newLockedRand(r *rand.Rand) *lockedRand {
	if r == nil {
		return nil
	}
	return &lockedRand{r: r}
}

func (l *lockedRand) Int63n(n int64) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.r.Int63n(n)
}

func jitter(r *lockedRand, maxJitter time.Duration) time.Duration {
	if maxJitter <= 0 || r == nil {
		return 0
	}
	// [0, maxJitter]
	return time.Duration(r.Int63n(int64(maxJitter) + 1)) //nolint:gosec
}
