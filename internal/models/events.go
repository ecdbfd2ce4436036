package models

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// EventKind discriminates the closed set of engine events.
type EventKind string

// Event kind constants
const (
	EventTaskLaunched      EventKind = "task.launched"
	EventTaskCompleted     EventKind = "task.completed"
	EventBatchNotification EventKind = "batch.notification"
	EventTaskEscalated     EventKind = "task.escalated"
)

// Event is implemented by every engine event variant. The set of variants is
// closed: consumers switch on Kind() and type-assert to the matching struct.
type Event interface {
	Kind() EventKind
	EventID() string
}

// Publisher delivers events to interested observers. The transport is
// consumer-defined; implementations must not block the caller.
type Publisher interface {
	Publish(event Event)
}

type eventMeta struct {
	ID        string
	Timestamp time.Time
}

func (m eventMeta) EventID() string { return m.ID }

func newEventMeta() eventMeta {
	return eventMeta{ID: uuid.NewString(), Timestamp: time.Now()}
}

// TaskLaunchedEvent is emitted when a task record transitions to running.
type TaskLaunchedEvent struct {
	eventMeta
	TaskID      string
	ParentScope string
	ResourceKey string
	Attempt     int
}

// Kind implements Event.
func (TaskLaunchedEvent) Kind() EventKind { return EventTaskLaunched }

// NewTaskLaunchedEvent constructs a validated launch event.
func NewTaskLaunchedEvent(taskID, parentScope, resourceKey string, attempt int) (TaskLaunchedEvent, error) {
	if taskID == "" {
		return TaskLaunchedEvent{}, errors.New("task launched event requires a task id")
	}
	return TaskLaunchedEvent{
		eventMeta:   newEventMeta(),
		TaskID:      taskID,
		ParentScope: parentScope,
		ResourceKey: resourceKey,
		Attempt:     attempt,
	}, nil
}

// TaskCompletedEvent is the immediate single-item event emitted for every
// terminal outcome, ahead of any batch aggregation.
type TaskCompletedEvent struct {
	eventMeta
	Outcome Outcome
}

// Kind implements Event.
func (TaskCompletedEvent) Kind() EventKind { return EventTaskCompleted }

// NewTaskCompletedEvent constructs a validated completion event.
func NewTaskCompletedEvent(outcome Outcome) (TaskCompletedEvent, error) {
	if outcome.TaskID == "" {
		return TaskCompletedEvent{}, errors.New("task completed event requires a task id")
	}
	if !outcome.Status.IsTerminal() {
		return TaskCompletedEvent{}, errors.New("task completed event requires a terminal status")
	}
	return TaskCompletedEvent{eventMeta: newEventMeta(), Outcome: outcome}, nil
}

// BatchNotificationEvent carries one flushed batch for a parent scope.
type BatchNotificationEvent struct {
	eventMeta
	ParentScope string
	Items       []Summary
	Counts      BatchCounts
	AllComplete bool
}

// Kind implements Event.
func (BatchNotificationEvent) Kind() EventKind { return EventBatchNotification }

// NewBatchNotificationEvent constructs a validated batch event.
func NewBatchNotificationEvent(scope string, items []Summary, counts BatchCounts, allComplete bool) (BatchNotificationEvent, error) {
	if len(items) == 0 {
		return BatchNotificationEvent{}, errors.New("batch notification event requires at least one item")
	}
	return BatchNotificationEvent{
		eventMeta:   newEventMeta(),
		ParentScope: scope,
		Items:       items,
		Counts:      counts,
		AllComplete: allComplete,
	}, nil
}

// TaskEscalatedEvent surfaces an exhausted retry budget for human resolution.
// It always carries the full ordered failure history.
type TaskEscalatedEvent struct {
	eventMeta
	TaskID      string
	ParentScope string
	Attempts    int
	History     []FailureRecord
	Resolutions []string // Available resolution options
}

// Kind implements Event.
func (TaskEscalatedEvent) Kind() EventKind { return EventTaskEscalated }

// NewTaskEscalatedEvent constructs a validated escalation event.
func NewTaskEscalatedEvent(taskID, parentScope string, attempts int, history []FailureRecord) (TaskEscalatedEvent, error) {
	if taskID == "" {
		return TaskEscalatedEvent{}, errors.New("task escalated event requires a task id")
	}
	if len(history) == 0 {
		return TaskEscalatedEvent{}, errors.New("task escalated event requires a failure history")
	}
	return TaskEscalatedEvent{
		eventMeta:   newEventMeta(),
		TaskID:      taskID,
		ParentScope: parentScope,
		Attempts:    attempts,
		History:     history,
		Resolutions: []string{"retry", "skip", "abort"},
	}, nil
}
