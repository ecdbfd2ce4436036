package concurrency

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitQueued(t *testing.T, m *Manager, key string, want int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return m.Queued(key) == want
	}, 2*time.Second, time.Millisecond, "expected %d queued waiters for %s", want, key)
}

func TestLimitPrecedence(t *testing.T) {
	m := NewManager(Limits{
		Overrides: map[string]int{"model:heavy": 2},
		Classes:   map[string]int{"model": 3},
		Default:   7,
	})

	tests := []struct {
		name string
		key  string
		want int
	}{
		{"exact override wins", "model:heavy", 2},
		{"class default applies", "model:light", 3},
		{"bare key is its own class", "model", 3},
		{"global fallback", "disk:scratch", 7},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, m.Limit(tt.key))
		})
	}
}

func TestNewManagerDefaultsGlobalLimit(t *testing.T) {
	m := NewManager(Limits{})
	assert.Equal(t, DefaultLimit, m.Limit("anything"))
}

func TestAcquireBelowLimitIsImmediate(t *testing.T) {
	m := NewManager(Limits{Default: 2})
	ctx := context.Background()

	require.NoError(t, m.Acquire(ctx, "k"))
	require.NoError(t, m.Acquire(ctx, "k"))
	assert.Equal(t, 2, m.InUse("k"))
	assert.Equal(t, 0, m.Queued("k"))
}

func TestAcquireSuspendsAtLimit(t *testing.T) {
	m := NewManager(Limits{Default: 1})
	ctx := context.Background()

	require.NoError(t, m.Acquire(ctx, "k"))

	done := make(chan error, 1)
	go func() { done <- m.Acquire(ctx, "k") }()

	waitQueued(t, m, "k", 1)
	select {
	case <-done:
		t.Fatal("second acquire should suspend at the limit")
	case <-time.After(20 * time.Millisecond):
	}

	m.Release("k")
	require.NoError(t, <-done)
	assert.Equal(t, 1, m.InUse("k"))
}

func TestReleaseTransfersSlotInFIFOOrder(t *testing.T) {
	m := NewManager(Limits{Default: 1})
	ctx := context.Background()

	require.NoError(t, m.Acquire(ctx, "k"))

	const waiters = 4
	var mu sync.Mutex
	var granted []int

	for i := 0; i < waiters; i++ {
		i := i
		go func() {
			if err := m.Acquire(ctx, "k"); err == nil {
				mu.Lock()
				granted = append(granted, i)
				mu.Unlock()
			}
		}()
		// Each waiter must be enqueued before the next starts so queue
		// order matches spawn order.
		waitQueued(t, m, "k", i+1)
	}

	for i := 0; i < waiters; i++ {
		m.Release("k")
		require.Eventually(t, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return len(granted) == i+1
		}, 2*time.Second, time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{0, 1, 2, 3}, granted)
}

func TestReleaseWithWaitersKeepsInUseSteady(t *testing.T) {
	m := NewManager(Limits{Default: 1})
	ctx := context.Background()

	require.NoError(t, m.Acquire(ctx, "k"))
	go func() { _ = m.Acquire(ctx, "k") }()
	waitQueued(t, m, "k", 1)

	// The slot transfers to the waiter: in-use never dips to zero.
	m.Release("k")
	assert.Equal(t, 1, m.InUse("k"))
	assert.Equal(t, 0, m.Queued("k"))
}

func TestReleaseWithoutAcquireIsNoOp(t *testing.T) {
	m := NewManager(Limits{Default: 1})
	m.Release("never-acquired")
	assert.Equal(t, 0, m.InUse("never-acquired"))
}

func TestAcquireContextCancelled(t *testing.T) {
	m := NewManager(Limits{Default: 1})
	require.NoError(t, m.Acquire(context.Background(), "k"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Acquire(ctx, "k") }()
	waitQueued(t, m, "k", 1)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.Equal(t, 0, m.Queued("k"), "cancelled waiter must leave the queue")

	// The held slot is unaffected; a release frees it normally.
	m.Release("k")
	assert.Equal(t, 0, m.InUse("k"))
}

func TestCancelWaitersRejectsQueuedOnly(t *testing.T) {
	m := NewManager(Limits{Default: 1})
	ctx := context.Background()

	require.NoError(t, m.Acquire(ctx, "k"))

	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() { results <- m.Acquire(ctx, "k") }()
		waitQueued(t, m, "k", i+1)
	}

	m.CancelWaiters("k")
	assert.ErrorIs(t, <-results, ErrWaiterCancelled)
	assert.ErrorIs(t, <-results, ErrWaiterCancelled)
	assert.Equal(t, 1, m.InUse("k"), "active holder is unaffected")
}

func TestCancelAll(t *testing.T) {
	m := NewManager(Limits{Default: 1})
	ctx := context.Background()

	require.NoError(t, m.Acquire(ctx, "a"))
	require.NoError(t, m.Acquire(ctx, "b"))

	results := make(chan error, 2)
	go func() { results <- m.Acquire(ctx, "a") }()
	waitQueued(t, m, "a", 1)
	go func() { results <- m.Acquire(ctx, "b") }()
	waitQueued(t, m, "b", 1)

	m.CancelAll()
	assert.ErrorIs(t, <-results, ErrWaiterCancelled)
	assert.ErrorIs(t, <-results, ErrWaiterCancelled)
}

func TestIndependentKeysDoNotInterfere(t *testing.T) {
	m := NewManager(Limits{Default: 1})
	ctx := context.Background()

	require.NoError(t, m.Acquire(ctx, "a"))
	// A saturated "a" must not block "b".
	require.NoError(t, m.Acquire(ctx, "b"))
}

// TestConcurrentAcquireNeverExceedsLimit hammers one key from many goroutines
// and checks the peak concurrent holder count against the limit.
func TestConcurrentAcquireNeverExceedsLimit(t *testing.T) {
	const limit = 3
	const goroutines = 24

	m := NewManager(Limits{Default: limit})
	ctx := context.Background()

	var active atomic.Int64
	var peak atomic.Int64
	var wg sync.WaitGroup

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			for j := 0; j < 10; j++ {
				require.NoError(t, m.Acquire(ctx, "shared"))
				now := active.Add(1)
				for {
					old := peak.Load()
					if now <= old || peak.CompareAndSwap(old, now) {
						break
					}
				}
				time.Sleep(time.Duration(rng.Intn(200)) * time.Microsecond)
				active.Add(-1)
				m.Release("shared")
			}
		}(int64(i))
	}

	wg.Wait()
	assert.LessOrEqual(t, peak.Load(), int64(limit))
	assert.Equal(t, 0, m.InUse("shared"))
	assert.Equal(t, 0, m.Queued("shared"))
}
