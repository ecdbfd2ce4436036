package retry

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harrison/maestro/internal/models"
)

type capturingPublisher struct {
	mu     sync.Mutex
	events []models.Event
}

func (p *capturingPublisher) Publish(event models.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
}

func (p *capturingPublisher) escalations() []models.TaskEscalatedEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []models.TaskEscalatedEvent
	for _, e := range p.events {
		if esc, ok := e.(models.TaskEscalatedEvent); ok {
			out = append(out, esc)
		}
	}
	return out
}

func failure(summary, remedy string) models.FailureRecord {
	return models.FailureRecord{Kind: models.FailureVerification, Summary: summary, Remedy: remedy}
}

func TestFirstFailureRetriesWithFeedback(t *testing.T) {
	c := NewCoordinator(3, nil, nil)

	decision := c.OnFailure("t1", "scope", failure("tests failed", "fix the assertion"))

	assert.False(t, decision.Escalated)
	assert.Equal(t, 1, decision.Attempt)
	assert.Contains(t, decision.Feedback, "Previous attempts failed:")
	assert.Contains(t, decision.Feedback, "1. [verification] tests failed (suggested: fix the assertion)")

	state, ok := c.State("t1")
	require.True(t, ok)
	assert.Equal(t, StateRetrying, state.Status)
	assert.Equal(t, 1, state.Attempts)
}

func TestFeedbackAccumulatesAcrossAttempts(t *testing.T) {
	c := NewCoordinator(5, nil, nil)

	c.OnFailure("t1", "scope", failure("first breakage", ""))
	decision := c.OnFailure("t1", "scope", failure("second breakage", "try harder"))

	assert.Equal(t, 2, decision.Attempt)
	assert.Contains(t, decision.Feedback, "1. [verification] first breakage")
	assert.Contains(t, decision.Feedback, "2. [verification] second breakage (suggested: try harder)")
	assert.Equal(t, decision.Feedback, c.Feedback("t1"))
}

func TestEscalatesWhenBudgetExhausted(t *testing.T) {
	pub := &capturingPublisher{}
	c := NewCoordinator(3, pub, nil)

	assert.False(t, c.OnFailure("t1", "scope", failure("one", "")).Escalated)
	assert.False(t, c.OnFailure("t1", "scope", failure("two", "")).Escalated)
	decision := c.OnFailure("t1", "scope", failure("three", ""))

	assert.True(t, decision.Escalated, "third failure with budget 3 must escalate")
	assert.Equal(t, 3, decision.Attempt)

	state, ok := c.State("t1")
	require.True(t, ok)
	assert.Equal(t, StateEscalated, state.Status)
	require.NotNil(t, state.EscalatedAt)
	assert.Len(t, state.History, 3, "escalation carries the full ordered history")
	assert.Equal(t, "one", state.History[0].Summary)
	assert.Equal(t, "three", state.History[2].Summary)

	events := pub.escalations()
	require.Len(t, events, 1)
	assert.Equal(t, "t1", events[0].TaskID)
	assert.Equal(t, 3, events[0].Attempts)
	assert.Equal(t, []string{"retry", "skip", "abort"}, events[0].Resolutions)

	assert.Equal(t, []string{"t1"}, c.Escalated())
}

func TestFailureAfterEscalationDoesNotRedispatch(t *testing.T) {
	c := NewCoordinator(1, nil, nil)

	require.True(t, c.OnFailure("t1", "scope", failure("boom", "")).Escalated)

	// A straggling failure report must not grow the budget or retry.
	decision := c.OnFailure("t1", "scope", failure("late report", ""))
	assert.True(t, decision.Escalated)
	assert.Equal(t, 1, decision.Attempt)

	state, _ := c.State("t1")
	assert.Len(t, state.History, 1)
}

func TestOnSuccessClearsState(t *testing.T) {
	c := NewCoordinator(3, nil, nil)

	c.OnFailure("t1", "scope", failure("flake", ""))
	c.OnSuccess("t1")

	_, ok := c.State("t1")
	assert.False(t, ok)
	assert.Empty(t, c.Feedback("t1"))

	// A later failure starts from a fresh budget.
	decision := c.OnFailure("t1", "scope", failure("new problem", ""))
	assert.Equal(t, 1, decision.Attempt)
	assert.NotContains(t, decision.Feedback, "flake")
}

func TestResolveRetryResetsBudgetAndHistory(t *testing.T) {
	c := NewCoordinator(1, nil, nil)
	c.OnFailure("t1", "scope", failure("boom", ""))

	require.NoError(t, c.Resolve("t1", ResolutionRetry))

	state, ok := c.State("t1")
	require.True(t, ok)
	assert.Equal(t, StateRetrying, state.Status)
	assert.Equal(t, 0, state.Attempts)
	assert.Empty(t, state.History)
	assert.Nil(t, state.EscalatedAt)
	assert.Empty(t, c.Escalated())
}

func TestResolveSkipWarnsDependents(t *testing.T) {
	c := NewCoordinator(1, nil, nil)
	var warned []string
	c.SetWarnDependentsFunc(func(taskID string) { warned = append(warned, taskID) })
	var aborted []string
	c.SetAbortFunc(func(taskID string) { aborted = append(aborted, taskID) })

	c.OnFailure("t1", "scope", failure("boom", ""))
	require.NoError(t, c.Resolve("t1", ResolutionSkip))

	assert.Equal(t, []string{"t1"}, warned)
	assert.Empty(t, aborted, "skip never cascades to abort")

	state, _ := c.State("t1")
	assert.Equal(t, StateResolved, state.Status)
}

func TestResolveAbortCascades(t *testing.T) {
	c := NewCoordinator(1, nil, nil)
	var warned []string
	c.SetWarnDependentsFunc(func(taskID string) { warned = append(warned, taskID) })
	var aborted []string
	c.SetAbortFunc(func(taskID string) { aborted = append(aborted, taskID) })

	c.OnFailure("t1", "scope", failure("boom", ""))
	require.NoError(t, c.Resolve("t1", ResolutionAbort))

	assert.Equal(t, []string{"t1"}, aborted)
	assert.Empty(t, warned, "abort never downgrades to a skip warning")
}

func TestResolveErrors(t *testing.T) {
	c := NewCoordinator(1, nil, nil)
	c.OnFailure("t1", "scope", failure("boom", ""))

	tests := []struct {
		name       string
		taskID     string
		resolution Resolution
	}{
		{"unknown task", "ghost", ResolutionRetry},
		{"unknown resolution", "t1", Resolution("shrug")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, c.Resolve(tt.taskID, tt.resolution))
		})
	}

	// Not escalated yet: nothing to resolve.
	c2 := NewCoordinator(3, nil, nil)
	c2.OnFailure("t2", "scope", failure("boom", ""))
	assert.Error(t, c2.Resolve("t2", ResolutionRetry))
}

func TestTasksTrackedIndependently(t *testing.T) {
	c := NewCoordinator(2, nil, nil)

	c.OnFailure("a", "scope", failure("a1", ""))
	c.OnFailure("b", "scope", failure("b1", ""))
	c.OnFailure("a", "scope", failure("a2", ""))

	aState, _ := c.State("a")
	bState, _ := c.State("b")
	assert.Equal(t, StateEscalated, aState.Status)
	assert.Equal(t, StateRetrying, bState.Status)
	assert.Equal(t, []string{"a"}, c.Escalated())
}
