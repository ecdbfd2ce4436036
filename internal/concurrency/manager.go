// Package concurrency provides bounded admission control per resource key.
// Each key has a limit, an in-use counter and a FIFO queue of waiters; slots
// transfer directly from a releasing holder to the head waiter so the in-use
// count never dips below the demand.
package concurrency

import (
	"context"
	"errors"
	"strings"
	"sync"
)

// DefaultLimit is the global fallback when neither an exact key override nor a
// class default applies.
const DefaultLimit = 5

// ErrWaiterCancelled is returned from Acquire when a queued waiter is rejected
// by CancelWaiters (typically during shutdown).
var ErrWaiterCancelled = errors.New("concurrency waiter cancelled")

// Limits configures slot limits with three levels of precedence:
// exact key override, then class default, then the global fallback.
// The class of a key is its prefix before the first ':' (or the whole key).
type Limits struct {
	Overrides map[string]int // Exact resource key -> limit
	Classes   map[string]int // Resource class -> limit
	Default   int            // Global fallback (DefaultLimit if <= 0)
}

// waiter is a settleable, exactly-once-resolvable handle for a queued Acquire.
// The settled flag makes a race between cancellation and grant resolve once.
type waiter struct {
	grant   chan error // buffered; receives nil on grant or a rejection error
	settled bool       // guarded by Manager.mu
}

// slot tracks admission state for one resource key. Created lazily, lives for
// the process lifetime.
type slot struct {
	limit   int
	inUse   int
	waiters []*waiter
}

// Manager is the bounded admission controller. All state is instance-owned;
// multiple independent managers can coexist in one process.
type Manager struct {
	mu     sync.Mutex
	limits Limits
	slots  map[string]*slot
}

// NewManager constructs a Manager with the provided limits.
func NewManager(limits Limits) *Manager {
	if limits.Default <= 0 {
		limits.Default = DefaultLimit
	}
	return &Manager{
		limits: limits,
		slots:  make(map[string]*slot),
	}
}

// classOf extracts the resource class from a key ("model:heavy" -> "model").
func classOf(key string) string {
	if idx := strings.Index(key, ":"); idx >= 0 {
		return key[:idx]
	}
	return key
}

// Limit resolves the effective limit for a resource key.
func (m *Manager) Limit(key string) int {
	if limit, ok := m.limits.Overrides[key]; ok && limit > 0 {
		return limit
	}
	if limit, ok := m.limits.Classes[classOf(key)]; ok && limit > 0 {
		return limit
	}
	return m.limits.Default
}

// slotFor returns the slot for key, creating it lazily.
// Caller must hold m.mu.
func (m *Manager) slotFor(key string) *slot {
	s, ok := m.slots[key]
	if !ok {
		s = &slot{limit: m.Limit(key)}
		m.slots[key] = s
	}
	return s
}

// Acquire obtains a slot for key, suspending the caller FIFO behind earlier
// waiters when the limit is reached. It returns nil once granted,
// ErrWaiterCancelled if rejected, or the context error on cancellation.
func (m *Manager) Acquire(ctx context.Context, key string) error {
	m.mu.Lock()
	s := m.slotFor(key)
	if s.inUse < s.limit {
		s.inUse++
		m.mu.Unlock()
		return nil
	}

	w := &waiter{grant: make(chan error, 1)}
	s.waiters = append(s.waiters, w)
	m.mu.Unlock()

	select {
	case err := <-w.grant:
		return err
	case <-ctx.Done():
		m.mu.Lock()
		if !w.settled {
			w.settled = true
			m.removeWaiter(s, w)
			m.mu.Unlock()
			return ctx.Err()
		}
		m.mu.Unlock()
		// Settled concurrently with cancellation: the resolution is already
		// in the channel. A grant won the race, so keep the slot and proceed.
		if err := <-w.grant; err != nil {
			return err
		}
		return nil
	}
}

// removeWaiter drops w from the slot's queue. Caller must hold m.mu.
func (m *Manager) removeWaiter(s *slot, w *waiter) {
	for i, queued := range s.waiters {
		if queued == w {
			s.waiters = append(s.waiters[:i], s.waiters[i+1:]...)
			return
		}
	}
}

// Release returns a slot for key. If waiters are queued the slot transfers
// directly to the head waiter (inUse unchanged); otherwise the in-use counter
// decrements. Callers must release exactly once per successful Acquire, and
// must do so before any notification step that can itself fail.
func (m *Manager) Release(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.slots[key]
	if !ok || s.inUse == 0 {
		// Release without a matching acquire; nothing to hand over.
		return
	}

	if len(s.waiters) > 0 {
		w := s.waiters[0]
		s.waiters = s.waiters[1:]
		w.settled = true
		w.grant <- nil
		return
	}

	s.inUse--
}

// CancelWaiters rejects every queued waiter for key with ErrWaiterCancelled.
// Active holders are unaffected.
func (m *Manager) CancelWaiters(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.slots[key]
	if !ok {
		return
	}
	m.rejectAll(s)
}

// CancelAll rejects every queued waiter across all keys. Used at shutdown.
func (m *Manager) CancelAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, s := range m.slots {
		m.rejectAll(s)
	}
}

// rejectAll settles and rejects all queued waiters on a slot.
// Caller must hold m.mu.
func (m *Manager) rejectAll(s *slot) {
	for _, w := range s.waiters {
		w.settled = true
		w.grant <- ErrWaiterCancelled
	}
	s.waiters = nil
}

// InUse reports the number of currently granted slots for key.
func (m *Manager) InUse(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.slots[key]; ok {
		return s.inUse
	}
	return 0
}

// Queued reports the number of suspended waiters for key.
func (m *Manager) Queued(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.slots[key]; ok {
		return len(s.waiters)
	}
	return 0
}
