package queue

import (
	"math/rand"
	"testing"
	"time"
)

func TestBackoff(t *testing.T) {
	t.Parallel()

	maxBackoff := 60 * time.Second
	exp := Backoff{Type: BackoffExponential, Delay: time.Second}
	cases := []struct {
		name     string
		policy   Backoff
		attempts int
		want     time.Duration
	}{
		{name: "no attempts", policy: exp, attempts: 0, want: 0},
		{name: "first retry", policy: exp, attempts: 1, want: 1 * time.Second},
		{name: "second retry", policy: exp, attempts: 2, want: 2 * time.Second},
		{name: "third retry", policy: exp, attempts: 3, want: 4 * time.Second},
		{name: "cap", policy: exp, attempts: 7, want: 60 * time.Second},
		{name: "huge attempts capped", policy: exp, attempts: 500, want: 60 * time.Second},
		{name: "custom base", policy: Backoff{Type: BackoffExponential, Delay: 500 * time.Millisecond}, attempts: 3, want: 2 * time.Second},
		{name: "fixed", policy: Backoff{Type: BackoffFixed, Delay: 3 * time.Second}, attempts: 5, want: 3 * time.Second},
		{name: "zero delay defaults to 1s", policy: Backoff{}, attempts: 2, want: 2 * time.Second},
	}

	for _, tc := range cases {
		if got := backoff(tc.policy, tc.attempts, maxBackoff); got != tc.want {
			t.Fatalf("%s: want %s got %s", tc.name, tc.want, got)
		}
	}
}

func TestJitterDeterministic(t *testing.T) {
	t.Parallel()

	r := newLockedRand(rand.New(rand.NewSource(1)))
	maxJitter := 200 * time.Millisecond

	got := jitter(r, maxJitter)
	if got < 0 || got > maxJitter {
		t.Fatalf("jitter out of range: %s", got)
	}

	r2 := newLockedRand(rand.New(rand.NewSource(1)))
	if got2 := jitter(r2, maxJitter); got2 != got {
		t.Fatalf("expected deterministic jitter; got %s and %s", got, got2)
	}
	if got := jitter(nil, maxJitter); got != 0 {
		t.Fatalf("nil rand must not jitter, got %s", got)
	}
}
