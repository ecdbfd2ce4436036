package models

import "time"

// FailureKind classifies why a task attempt failed.
type FailureKind string

// Failure kind constants
const (
	FailureLaunch       FailureKind = "launch"       // Execution could not start
	FailureVerification FailureKind = "verification" // Externally supplied check failed
	FailureTimeout      FailureKind = "timeout"      // Task TTL exceeded
	FailureCancellation FailureKind = "cancellation" // Explicit cancel, never retried
)

// FailureRecord is one entry in a task's ordered failure history.
type FailureRecord struct {
	Timestamp time.Time   // When the failure was recorded
	Kind      FailureKind // Failure classification
	Summary   string      // Human-readable description of what went wrong
	Remedy    string      // Suggested remedy for the next attempt (optional)
}

// Outcome is the terminal result of one task attempt, as reported to the
// notification batcher and the retry coordinator.
type Outcome struct {
	TaskID      string     // Task identifier
	ParentScope string     // Parent scope for batching
	Status      TaskStatus // Terminal status (completed, error or cancelled)
	Result      string     // Result payload when completed
	ErrorDetail string     // Failure detail when errored
	Source      string     // What detected the terminal state (e.g. "stability", "ttl")
	Duration    time.Duration
}

// Summary is the per-task line carried inside a batch notification.
type Summary struct {
	TaskID      string
	Status      TaskStatus
	ErrorDetail string
}

// BatchCounts aggregates terminal statuses across one flushed batch.
type BatchCounts struct {
	Completed int
	Failed    int
	Cancelled int
}

// Total returns the number of tasks covered by the counts.
func (c BatchCounts) Total() int {
	return c.Completed + c.Failed + c.Cancelled
}
