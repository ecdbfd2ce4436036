// Package retry decides, per failed task, between automatic redispatch with
// accumulated feedback and escalation to a human once the attempt budget is
// exhausted. Escalations resolve only through an explicit external decision.
package retry

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/harrison/maestro/internal/models"
)

// DefaultMaxAttempts is the attempt budget before escalation.
const DefaultMaxAttempts = 3

// State is the retry status for one task identity.
type State string

// Retry state constants
const (
	StatePending   State = "pending"   // Created on first failure, decision not yet taken
	StateRetrying  State = "retrying"  // Awaiting redispatch under the same identity
	StateEscalated State = "escalated" // Attempt budget exhausted, human decision required
	StateResolved  State = "resolved"  // Closed by an external resolution
)

// Resolution is an explicit human decision on an escalated task.
type Resolution string

// Escalation resolution constants. Skip and abort are materially different:
// skip leaves dependents merely warned, abort cascades cancellation. Neither
// is ever inferred from the other.
const (
	ResolutionRetry Resolution = "retry" // Reset the budget and start fresh attempts
	ResolutionSkip  Resolution = "skip"  // Resolve permanently; dependents flagged at-risk
	ResolutionAbort Resolution = "abort" // Halt all not-yet-started waves
)

// TaskState tracks attempts and the ordered failure history for one task.
// It exists only while the task has unresolved failures.
type TaskState struct {
	TaskID      string
	ParentScope string
	Attempts    int
	Status      State
	History     []models.FailureRecord
	EscalatedAt *time.Time
}

// Decision is the coordinator's verdict on one failure.
type Decision struct {
	Escalated bool   // True when the task moved to escalated
	Attempt   int    // Attempt count after this failure
	Feedback  string // Accumulated feedback for the next attempt (when retrying)
}

// AbortFunc propagates a cancellation request to halt not-yet-started waves.
type AbortFunc func(taskID string)

// WarnDependentsFunc flags the dependents of a skipped task as at-risk.
type WarnDependentsFunc func(taskID string)

// Logger is the minimal logging surface the coordinator needs.
type Logger interface {
	LogWarn(message string)
	LogInfo(message string)
}

// Coordinator owns retry state per task identity. All state is instance-owned.
type Coordinator struct {
	mu          sync.Mutex
	maxAttempts int
	pub         models.Publisher
	logger      Logger
	abort       AbortFunc
	warn        WarnDependentsFunc
	states      map[string]*TaskState
}

// NewCoordinator constructs a Coordinator. pub, logger, abort and warn are
// optional and may be nil.
func NewCoordinator(maxAttempts int, pub models.Publisher, logger Logger) *Coordinator {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Coordinator{
		maxAttempts: maxAttempts,
		pub:         pub,
		logger:      logger,
		states:      make(map[string]*TaskState),
	}
}

// SetAbortFunc installs the cancellation cascade used by the abort resolution.
func (c *Coordinator) SetAbortFunc(fn AbortFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.abort = fn
}

// SetWarnDependentsFunc installs the at-risk warning used by the skip resolution.
func (c *Coordinator) SetWarnDependentsFunc(fn WarnDependentsFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.warn = fn
}

// OnFailure records a failure for the task, increments its attempt count and
// decides retry versus escalate. Once the budget is exhausted the task
// escalates and the full ordered history is emitted for human review; no
// further automatic redispatch occurs.
func (c *Coordinator) OnFailure(taskID, parentScope string, failure models.FailureRecord) Decision {
	c.mu.Lock()
	state, ok := c.states[taskID]
	if !ok {
		state = &TaskState{TaskID: taskID, ParentScope: parentScope, Status: StatePending}
		c.states[taskID] = state
	}
	if state.Status == StateEscalated || state.Status == StateResolved {
		// Budget already exhausted or closed; never redispatch automatically.
		decision := Decision{Escalated: state.Status == StateEscalated, Attempt: state.Attempts}
		c.mu.Unlock()
		return decision
	}

	state.History = append(state.History, failure)
	state.Attempts++

	if state.Attempts >= c.maxAttempts {
		now := time.Now()
		state.Status = StateEscalated
		state.EscalatedAt = &now
		history := make([]models.FailureRecord, len(state.History))
		copy(history, state.History)
		attempts := state.Attempts
		c.mu.Unlock()

		if c.pub != nil {
			if event, err := models.NewTaskEscalatedEvent(taskID, parentScope, attempts, history); err == nil {
				c.pub.Publish(event)
			}
		}
		c.warnf("task %s escalated after %d attempts", taskID, attempts)
		return Decision{Escalated: true, Attempt: attempts}
	}

	state.Status = StateRetrying
	feedback := feedbackContext(state.History)
	attempt := state.Attempts
	c.mu.Unlock()

	c.infof("task %s retrying (attempt %d of %d)", taskID, attempt+1, c.maxAttempts)
	return Decision{Attempt: attempt, Feedback: feedback}
}

// OnSuccess clears all retry state for the task identity.
func (c *Coordinator) OnSuccess(taskID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.states, taskID)
}

// Resolve applies an explicit human decision to an escalated task. It returns
// an error if the task is not escalated or the resolution is unknown.
func (c *Coordinator) Resolve(taskID string, resolution Resolution) error {
	c.mu.Lock()
	state, ok := c.states[taskID]
	if !ok || state.Status != StateEscalated {
		c.mu.Unlock()
		return fmt.Errorf("task %s: no escalation to resolve", taskID)
	}

	switch resolution {
	case ResolutionRetry:
		// Fresh attempts: budget reset, history cleared.
		state.Status = StateRetrying
		state.Attempts = 0
		state.History = nil
		state.EscalatedAt = nil
		c.mu.Unlock()
		c.infof("task %s escalation resolved: retry with reset budget", taskID)
		return nil

	case ResolutionSkip:
		state.Status = StateResolved
		warn := c.warn
		c.mu.Unlock()
		if warn != nil {
			warn(taskID)
		}
		c.warnf("task %s escalation resolved: skipped, dependents at risk", taskID)
		return nil

	case ResolutionAbort:
		state.Status = StateResolved
		abort := c.abort
		c.mu.Unlock()
		if abort != nil {
			abort(taskID)
		}
		c.warnf("task %s escalation resolved: abort, halting remaining waves", taskID)
		return nil

	default:
		c.mu.Unlock()
		return fmt.Errorf("task %s: unknown resolution %q", taskID, resolution)
	}
}

// State returns a copy of the retry state for a task, if any.
func (c *Coordinator) State(taskID string) (TaskState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	state, ok := c.states[taskID]
	if !ok {
		return TaskState{}, false
	}
	stateCopy := *state
	stateCopy.History = make([]models.FailureRecord, len(state.History))
	copy(stateCopy.History, state.History)
	return stateCopy, true
}

// Escalated lists the task IDs currently awaiting human resolution.
func (c *Coordinator) Escalated() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var ids []string
	for id, state := range c.states {
		if state.Status == StateEscalated {
			ids = append(ids, id)
		}
	}
	return ids
}

// Feedback returns the accumulated feedback context for a task's next attempt.
func (c *Coordinator) Feedback(taskID string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	state, ok := c.states[taskID]
	if !ok {
		return ""
	}
	return feedbackContext(state.History)
}

// feedbackContext concatenates prior failure summaries and suggested remedies
// into the context supplied to the next execution attempt.
func feedbackContext(history []models.FailureRecord) string {
	if len(history) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("Previous attempts failed:\n")
	for i, failure := range history {
		sb.WriteString(fmt.Sprintf("%d. [%s] %s", i+1, failure.Kind, failure.Summary))
		if failure.Remedy != "" {
			sb.WriteString(fmt.Sprintf(" (suggested: %s)", failure.Remedy))
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

func (c *Coordinator) infof(format string, args ...any) {
	if c.logger != nil {
		c.logger.LogInfo(fmt.Sprintf(format, args...))
	}
}

func (c *Coordinator) warnf(format string, args ...any) {
	if c.logger != nil {
		c.logger.LogWarn(fmt.Sprintf(format, args...))
	}
}
