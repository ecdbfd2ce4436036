package engine

import (
	"errors"
	"fmt"
	"strings"
)

// EscalationPendingError reports that one or more tasks exhausted their retry
// budget and await human resolution. Dependent waves stay blocked until each
// listed task is resolved.
type EscalationPendingError struct {
	TaskIDs []string
}

// Error implements the error interface.
func (e *EscalationPendingError) Error() string {
	return fmt.Sprintf("escalation pending for tasks: %s (resolve with retry, skip or abort)",
		strings.Join(e.TaskIDs, ", "))
}

// IsEscalationPending checks if the error is or wraps an EscalationPendingError.
func IsEscalationPending(err error) bool {
	var epe *EscalationPendingError
	return errors.As(err, &epe)
}
