package model

import (
	"encoding/json"
	"time"
)

// State tracks one submission through the grading pipeline.
type State string

const (
	// StateQueued means the submission is admitted and waiting for a slot.
	StateQueued State = "queued"
	// StateRunning means the submission is being analyzed in a sandbox.
	StateRunning State = "running"
	// StateCompleted means the analysis produced a result.
	StateCompleted State = "completed"
	// StateFailed means the submission terminally failed, either because the
	// analysis reported a definitive error or because infrastructure retries
	// were exhausted.
	StateFailed State = "failed"
)

// IsTerminal reports whether the state admits no further transitions.
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed
}

// FailureKind distinguishes why a submission failed.
type FailureKind string

const (
	// FailureAnalysis means the analysis itself reported a definitive error.
	// The submitter should suspect their own packet.
	FailureAnalysis FailureKind = "analysis"
	// FailureInfrastructure means sandbox timeouts or crashes exhausted the
	// attempt budget. The packet may be fine.
	FailureInfrastructure FailureKind = "infrastructure"
)

// Failure describes a terminal failure.
type Failure struct {
	Kind    FailureKind `json:"kind"`
	Message string      `json:"message"`
}

// QueueEntry references a queued submission. Ordering key is the enqueue
// timestamp, with the hash as a deterministic tie-break.
type QueueEntry struct {
	Hash       string
	EnqueuedAt time.Time
}

// Less orders entries by enqueue time, then hash.
func (e QueueEntry) Less(other QueueEntry) bool {
	if !e.EnqueuedAt.Equal(other.EnqueuedAt) {
		return e.EnqueuedAt.Before(other.EnqueuedAt)
	}
	return e.Hash < other.Hash
}

// Record is the lifecycle record for one distinct packet hash.
type Record struct {
	Hash       string          `json:"hash"`
	State      State           `json:"state"`
	CreatedAt  time.Time       `json:"created_at"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	Attempts   int             `json:"attempts"`
	Result     json.RawMessage `json:"result,omitempty"`
	Failure    *Failure        `json:"failure,omitempty"`
}

// Clone returns a deep copy so callers never hold a mutable alias into the
// store.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	clone := *r
	if r.Result != nil {
		clone.Result = append(json.RawMessage(nil), r.Result...)
	}
	if r.Failure != nil {
		failure := *r.Failure
		clone.Failure = &failure
	}
	return &clone
}

// Marshal serializes the record for the journal.
func (r *Record) Marshal() (string, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// UnmarshalRecord deserializes a journal entry.
func UnmarshalRecord(data string) (*Record, error) {
	var record Record
	if err := json.Unmarshal([]byte(data), &record); err != nil {
		return nil, err
	}
	return &record, nil
}
