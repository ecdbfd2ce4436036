package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskStatusIsTerminal(t *testing.T) {
	tests := []struct {
		status TaskStatus
		want   bool
	}{
		{StatusPending, false},
		{StatusRunning, false},
		{StatusCompleted, true},
		{StatusError, true},
		{StatusCancelled, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.status.IsTerminal())
		})
	}
}

func TestTaskSpecValidate(t *testing.T) {
	tests := []struct {
		name    string
		spec    TaskSpec
		wantErr bool
	}{
		{"valid", TaskSpec{ID: "t1", ResourceKey: "agent"}, false},
		{"missing id", TaskSpec{ResourceKey: "agent"}, true},
		{"missing resource key", TaskSpec{ID: "t1"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.spec.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestTaskRecordElapsed(t *testing.T) {
	now := time.Now()

	rec := &TaskRecord{}
	assert.Zero(t, rec.Elapsed(now), "never-started task has no elapsed time")

	started := now.Add(-90 * time.Second)
	rec.StartedAt = &started
	assert.Equal(t, 90*time.Second, rec.Elapsed(now))
}

func TestBatchCountsTotal(t *testing.T) {
	counts := BatchCounts{Completed: 3, Failed: 2, Cancelled: 1}
	assert.Equal(t, 6, counts.Total())
	assert.Zero(t, BatchCounts{}.Total())
}

func TestEventConstructors(t *testing.T) {
	launched, err := NewTaskLaunchedEvent("t1", "scope", "agent", 2)
	require.NoError(t, err)
	assert.Equal(t, EventTaskLaunched, launched.Kind())
	assert.NotEmpty(t, launched.EventID())
	assert.Equal(t, 2, launched.Attempt)

	_, err = NewTaskLaunchedEvent("", "scope", "agent", 1)
	assert.Error(t, err)

	completed, err := NewTaskCompletedEvent(Outcome{TaskID: "t1", Status: StatusCompleted})
	require.NoError(t, err)
	assert.Equal(t, EventTaskCompleted, completed.Kind())

	_, err = NewTaskCompletedEvent(Outcome{TaskID: "t1", Status: StatusRunning})
	assert.Error(t, err, "a non-terminal outcome is not a completion")

	batch, err := NewBatchNotificationEvent("scope", []Summary{{TaskID: "t1", Status: StatusCompleted}}, BatchCounts{Completed: 1}, true)
	require.NoError(t, err)
	assert.Equal(t, EventBatchNotification, batch.Kind())
	assert.True(t, batch.AllComplete)

	_, err = NewBatchNotificationEvent("scope", nil, BatchCounts{}, true)
	assert.Error(t, err, "empty batches are never emitted")

	escalated, err := NewTaskEscalatedEvent("t1", "scope", 3, []FailureRecord{{Kind: FailureTimeout, Summary: "ttl"}})
	require.NoError(t, err)
	assert.Equal(t, EventTaskEscalated, escalated.Kind())
	assert.Equal(t, []string{"retry", "skip", "abort"}, escalated.Resolutions)

	_, err = NewTaskEscalatedEvent("t1", "scope", 3, nil)
	assert.Error(t, err, "escalations always carry a failure history")
}

func TestEventIDsAreUnique(t *testing.T) {
	a, err := NewTaskLaunchedEvent("t1", "s", "k", 1)
	require.NoError(t, err)
	b, err := NewTaskLaunchedEvent("t1", "s", "k", 1)
	require.NoError(t, err)
	assert.NotEqual(t, a.EventID(), b.EventID())
}
