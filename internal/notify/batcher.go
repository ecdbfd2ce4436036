// Package notify aggregates per-parent-scope completion outcomes into batched
// notification events. Every outcome is also emitted immediately as a
// single-item event for low-latency observers; the batch view follows once the
// scope reaches the size threshold or its accumulation window elapses.
package notify

import (
	"sync"
	"time"

	"github.com/harrison/maestro/internal/models"
)

// Default batching parameters
const (
	DefaultMaxBatchSize = 5
	DefaultBatchWindow  = 1000 * time.Millisecond
)

// Config holds the batching thresholds.
type Config struct {
	MaxBatchSize int           // Synchronous flush threshold per scope
	BatchWindow  time.Duration // Timer-driven flush window per scope
}

// DefaultConfig returns the default batching thresholds.
func DefaultConfig() Config {
	return Config{MaxBatchSize: DefaultMaxBatchSize, BatchWindow: DefaultBatchWindow}
}

// RemainingFunc reports how many tasks are still pending or running for a
// parent scope. When configured, it drives the allComplete flag on batch
// events; without it the flag is true (the pending list is cleared atomically
// with every flush).
type RemainingFunc func(scope string) int

// Batcher accumulates outcome summaries per parent scope and flushes them as
// batch notification events. A pending list is cleared atomically with its
// flush and is never observed partially flushed.
type Batcher struct {
	mu        sync.Mutex
	cfg       Config
	publisher models.Publisher
	remaining RemainingFunc
	pending   map[string][]models.Summary
	timers    map[string]*time.Timer
}

// NewBatcher constructs a Batcher publishing through the given publisher.
// remaining is optional and may be nil.
func NewBatcher(cfg Config, publisher models.Publisher, remaining RemainingFunc) *Batcher {
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = DefaultMaxBatchSize
	}
	if cfg.BatchWindow <= 0 {
		cfg.BatchWindow = DefaultBatchWindow
	}
	return &Batcher{
		cfg:       cfg,
		publisher: publisher,
		remaining: remaining,
		pending:   make(map[string][]models.Summary),
		timers:    make(map[string]*time.Timer),
	}
}

// Notify records a terminal outcome. It emits the immediate single-item event,
// appends the outcome to its scope's pending list, flushes synchronously at
// MaxBatchSize, and otherwise arms the scope's flush timer if none is running.
func (b *Batcher) Notify(outcome models.Outcome) {
	if event, err := models.NewTaskCompletedEvent(outcome); err == nil && b.publisher != nil {
		b.publisher.Publish(event)
	}

	scope := outcome.ParentScope

	b.mu.Lock()
	b.pending[scope] = append(b.pending[scope], models.Summary{
		TaskID:      outcome.TaskID,
		Status:      outcome.Status,
		ErrorDetail: outcome.ErrorDetail,
	})

	if len(b.pending[scope]) >= b.cfg.MaxBatchSize {
		event, ok := b.flushLocked(scope)
		b.mu.Unlock()
		if ok {
			b.publish(event)
		}
		return
	}

	if _, armed := b.timers[scope]; !armed {
		b.timers[scope] = time.AfterFunc(b.cfg.BatchWindow, func() {
			b.FlushParent(scope)
		})
	}
	b.mu.Unlock()
}

// FlushParent flushes the pending list for one parent scope. Flushing a scope
// with nothing pending is a no-op.
func (b *Batcher) FlushParent(scope string) {
	b.mu.Lock()
	event, ok := b.flushLocked(scope)
	b.mu.Unlock()
	if ok {
		b.publish(event)
	}
}

// FlushAll flushes every scope with pending outcomes. Used at shutdown.
func (b *Batcher) FlushAll() {
	b.mu.Lock()
	var events []models.BatchNotificationEvent
	for scope := range b.pending {
		if event, ok := b.flushLocked(scope); ok {
			events = append(events, event)
		}
	}
	b.mu.Unlock()

	for _, event := range events {
		b.publish(event)
	}
}

// Clear drops all pending outcomes and timers without emitting anything.
// Intended for tests and teardown.
func (b *Batcher) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for scope, timer := range b.timers {
		timer.Stop()
		delete(b.timers, scope)
	}
	b.pending = make(map[string][]models.Summary)
}

// Pending reports the number of unflushed outcomes for a scope.
func (b *Batcher) Pending(scope string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending[scope])
}

// flushLocked builds the batch event for scope and clears its pending list and
// timer atomically. Caller must hold b.mu. The returned event is published
// outside the lock to keep Publish implementations from re-entering.
func (b *Batcher) flushLocked(scope string) (models.BatchNotificationEvent, bool) {
	if timer, armed := b.timers[scope]; armed {
		timer.Stop()
		delete(b.timers, scope)
	}

	items := b.pending[scope]
	if len(items) == 0 {
		return models.BatchNotificationEvent{}, false
	}
	delete(b.pending, scope)

	var counts models.BatchCounts
	for _, item := range items {
		switch item.Status {
		case models.StatusCompleted:
			counts.Completed++
		case models.StatusError:
			counts.Failed++
		case models.StatusCancelled:
			counts.Cancelled++
		}
	}

	allComplete := true
	if b.remaining != nil {
		allComplete = b.remaining(scope) == 0
	}

	event, err := models.NewBatchNotificationEvent(scope, items, counts, allComplete)
	if err != nil {
		return models.BatchNotificationEvent{}, false
	}
	return event, true
}

func (b *Batcher) publish(event models.BatchNotificationEvent) {
	if b.publisher != nil {
		b.publisher.Publish(event)
	}
}
