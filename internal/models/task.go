package models

import (
	"context"
	"errors"
	"time"
)

// TaskStatus represents the lifecycle state of a task record.
type TaskStatus string

// Task lifecycle status constants
const (
	StatusPending   TaskStatus = "pending"   // Queued, waiting for a concurrency slot
	StatusRunning   TaskStatus = "running"   // Executing on the backend
	StatusCompleted TaskStatus = "completed" // Finished successfully
	StatusError     TaskStatus = "error"     // Finished with a failure
	StatusCancelled TaskStatus = "cancelled" // Explicitly cancelled before completion
)

// IsTerminal returns true if the status is one of the terminal states.
func (s TaskStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusError || s == StatusCancelled
}

// ActivitySource returns a monotonically non-decreasing progress counter for a
// running task. It is injected by the planning/execution layer so completion
// detection stays decoupled from any particular backend protocol.
type ActivitySource func(ctx context.Context) (int64, error)

// TaskSpec is the inbound task specification supplied by the external planner.
type TaskSpec struct {
	ID             string         // Unique task identifier
	ParentScope    string         // Parent scope for batched notifications
	ResourceKey    string         // Concurrency accounting dimension (e.g. "model:heavy")
	ActivitySource ActivitySource // Progress counter probe for the running task
	Payload        string         // Opaque work description handed to the executor
	Predecessors   []string       // Task IDs that must reach a terminal status first
}

// Validate checks that the spec carries the fields the engine requires.
func (s *TaskSpec) Validate() error {
	if s.ID == "" {
		return errors.New("task id is required")
	}
	if s.ResourceKey == "" {
		return errors.New("task resource key is required")
	}
	return nil
}

// TaskRecord is the authoritative execution record for one task. It is owned
// exclusively by the lifecycle manager and mutated only through its guarded
// transition operations.
type TaskRecord struct {
	ID           string     // Task identifier (unique)
	ParentScope  string     // Parent scope identifier
	ResourceKey  string     // Concurrency accounting key
	Wave         int        // Wave assigned by the scheduler (0 if unscheduled)
	Attempt      int        // Attempt number, starting at 1
	Status       TaskStatus // Current lifecycle status
	QueuedAt     time.Time  // When the record was created
	StartedAt    *time.Time // When execution started (nil until running)
	CompletedAt  *time.Time // When a terminal status was reached (nil until then)
	Activity     int64      // Latest activity counter sample
	LastActivity int64      // Previous activity counter sample
	StablePolls  int        // Consecutive polls with an unchanged counter
	Result       string     // Result payload on completion
	ErrorDetail  string     // Failure detail on error
}

// Elapsed returns how long the task has been running, or zero if it never started.
func (r *TaskRecord) Elapsed(now time.Time) time.Duration {
	if r.StartedAt == nil {
		return 0
	}
	return now.Sub(*r.StartedAt)
}
