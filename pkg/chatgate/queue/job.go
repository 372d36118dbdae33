// Package queue is a priority job queue. Jobs wait in one of four ready
// lanes or in a delayed set ordered by due time. A fixed pool of workers
// drains the lanes strictly in priority order, gated by a per-destination
// sliding-window rate limit; failed jobs are retried with exponential
// backoff and end up in a dead-letter lane once retries are exhausted.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Lane is one priority bucket.
type Lane string

const (
	LaneHigh   Lane = "high"
	LaneMedium Lane = "medium"
	LaneLow    Lane = "low"
	LaneBulk   Lane = "bulk"
)

// Lanes lists the ready lanes in the order workers scan them.
var Lanes = []Lane{LaneHigh, LaneMedium, LaneLow, LaneBulk}

// Valid reports whether l is a known lane.
func (l Lane) Valid() bool {
	switch l {
	case LaneHigh, LaneMedium, LaneLow, LaneBulk:
		return true
	}
	return false
}

// Job is a unit of background work.
type Job struct {
	ID      string          `json:"id"`
	Kind    string          `json:"kind"`
	Lane    Lane            `json:"lane"`
	Payload json.RawMessage `json:"payload,omitempty"`

	// Destination keys the per-destination rate limit. Empty disables it.
	Destination string `json:"destination,omitempty"`

	Retries    int `json:"retries"`
	MaxRetries int `json:"max_retries"`

	// ScheduledAt keeps the job in the delayed set until due.
	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`

	// LastError and FailedAt are filled when the job is dead-lettered.
	LastError string     `json:"last_error,omitempty"`
	FailedAt  *time.Time `json:"failed_at,omitempty"`
}

// Decode unmarshals the job payload into v.
func (j *Job) Decode(v any) error {
	if len(j.Payload) == 0 {
		return fmt.Errorf("job %s: empty payload", j.ID)
	}
	return json.Unmarshal(j.Payload, v)
}

// NewJob builds a job with a JSON payload.
func NewJob(kind string, lane Lane, payload any) (*Job, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding %s payload: %w", kind, err)
	}
	return &Job{Kind: kind, Lane: lane, Payload: raw}, nil
}

// Handler processes one job kind.
type Handler func(ctx context.Context, job *Job) error

var (
	// ErrRateLimited from a handler requeues the job with a short delay
	// without counting a retry.
	ErrRateLimited = errors.New("rate limited")

	// ErrPermanentJobFailure from a handler dead-letters the job at once.
	ErrPermanentJobFailure = errors.New("permanent job failure")

	ErrJobNotFound = errors.New("job not found")
	ErrInvalidLane = errors.New("invalid lane")
	ErrStopped     = errors.New("queue stopped")
)

// Stats is a snapshot of queue depths.
type Stats struct {
	Lanes      map[Lane]int64 `json:"lanes"`
	Delayed    int64          `json:"delayed"`
	DeadLetter int64          `json:"dead_letter"`
}
