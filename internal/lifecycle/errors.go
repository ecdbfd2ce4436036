package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// LaunchError reports that execution of a task could not start. Launch
// failures release the concurrency slot immediately and are routed to the
// retry coordinator for redispatch.
type LaunchError struct {
	TaskID    string
	Message   string
	Err       error
	Timestamp time.Time
}

// NewLaunchError creates a LaunchError with the current timestamp.
func NewLaunchError(taskID, msg string, err error) *LaunchError {
	return &LaunchError{TaskID: taskID, Message: msg, Err: err, Timestamp: time.Now()}
}

// Error implements the error interface.
func (e *LaunchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("task %s: launch failed: %s: %v", e.TaskID, e.Message, e.Err)
	}
	return fmt.Sprintf("task %s: launch failed: %s", e.TaskID, e.Message)
}

// Unwrap returns the underlying error.
func (e *LaunchError) Unwrap() error { return e.Err }

// VerificationError reports that an externally supplied completion check
// failed. It carries feedback for the next attempt.
type VerificationError struct {
	TaskID    string
	Feedback  string
	Timestamp time.Time
}

// NewVerificationError creates a VerificationError with the current timestamp.
func NewVerificationError(taskID, feedback string) *VerificationError {
	return &VerificationError{TaskID: taskID, Feedback: feedback, Timestamp: time.Now()}
}

// Error implements the error interface.
func (e *VerificationError) Error() string {
	return fmt.Sprintf("task %s: verification failed: %s", e.TaskID, e.Feedback)
}

// TimeoutError reports that a task exceeded its TTL while running.
type TimeoutError struct {
	TaskID    string
	TTL       time.Duration
	Timestamp time.Time
}

// NewTimeoutError creates a TimeoutError with the current timestamp.
func NewTimeoutError(taskID string, ttl time.Duration) *TimeoutError {
	return &TimeoutError{TaskID: taskID, TTL: ttl, Timestamp: time.Now()}
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("task %s: timeout after %v", e.TaskID, e.TTL)
}

// Unwrap returns context.DeadlineExceeded to support errors.Is checks.
func (e *TimeoutError) Unwrap() error { return context.DeadlineExceeded }

// CancellationError reports an explicit cancel. Cancelled tasks are terminal
// and never retried.
type CancellationError struct {
	TaskID    string
	Timestamp time.Time
}

// NewCancellationError creates a CancellationError with the current timestamp.
func NewCancellationError(taskID string) *CancellationError {
	return &CancellationError{TaskID: taskID, Timestamp: time.Now()}
}

// Error implements the error interface.
func (e *CancellationError) Error() string {
	return fmt.Sprintf("task %s: cancelled", e.TaskID)
}

// Unwrap returns context.Canceled to support errors.Is checks.
func (e *CancellationError) Unwrap() error { return context.Canceled }

// IsLaunchError checks if the error is or wraps a LaunchError.
func IsLaunchError(err error) bool {
	var le *LaunchError
	return errors.As(err, &le)
}

// IsTimeoutError checks if the error is or wraps a TimeoutError or
// context.DeadlineExceeded.
func IsTimeoutError(err error) bool {
	var te *TimeoutError
	if errors.As(err, &te) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// IsCancellationError checks if the error is or wraps a CancellationError.
func IsCancellationError(err error) bool {
	var ce *CancellationError
	return errors.As(err, &ce)
}
