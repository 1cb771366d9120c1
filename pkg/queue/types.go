package queue

import (
	"encoding/json"
	"time"
)

type BackoffType string

const (
	BackoffExponential BackoffType = "exponential"
	BackoffFixed       BackoffType = "fixed"
)

type Backoff struct {
	Type  BackoffType   `json:"type"`
	Delay time.Duration `json:"delay"`
}

// EnqueueOptions carries the retry policy stored with each job.
type EnqueueOptions struct {
	MaxAttempts int
	Backoff     Backoff
}

// Message is the unit handed to Publisher.Enqueue. JobID is caller-chosen and
// not unique: enqueueing the same ID twice yields two deliveries.
type Message struct {
	JobID   string
	Queue   string
	Payload json.RawMessage
	Options EnqueueOptions
}

// Meta is the stable dispatch metadata.
type Meta struct {
	Queue       string
	JobID       string
	Sequence    int64
	Attempts    int
	MaxAttempts int
	EnqueuedAt  time.Time
}

// DispatchedMessage is the unit delivered by Relay to Dispatcher.
type DispatchedMessage struct {
	Meta    Meta
	Payload json.RawMessage
}

type State string

const (
	StateWaiting   State = "waiting"
	StateDelayed   State = "delayed"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateDead      State = "dead"
)

type Claimed struct {
	Sequence    int64
	JobID       string
	Payload     []byte
	Attempts    int
	MaxAttempts int
	Backoff     Backoff
	EnqueuedAt  time.Time
}

type JobStatus struct {
	Queue       string    `json:"queue"`
	Sequence    int64     `json:"sequence"`
	JobID       string    `json:"jobId"`
	State       State     `json:"state"`
	Attempts    int       `json:"attempts"`
	MaxAttempts int       `json:"maxAttempts"`
	LastError   string    `json:"lastError,omitempty"`
	EnqueuedAt  time.Time `json:"enqueuedAt"`
	AvailableAt time.Time `json:"availableAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

type Depth struct {
	Waiting   int64 `json:"waiting"`
	Delayed   int64 `json:"delayed"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Dead      int64 `json:"dead"`
}
