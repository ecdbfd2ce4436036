// Package lifecycle owns task records and drives them through the
// pending -> running -> terminal state machine. Completion is inferred by
// stability polling: a running task whose externally reported activity counter
// holds still long enough is considered done, absent an explicit signal.
package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/harrison/maestro/internal/concurrency"
	"github.com/harrison/maestro/internal/models"
)

// Default lifecycle tuning values
const (
	DefaultStabilityThreshold    = 3
	DefaultMinStabilityTime      = 10 * time.Second
	DefaultTaskTTL               = 30 * time.Minute
	DefaultMinRuntimeBeforeStale = 5 * time.Second
	DefaultPollInterval          = 2 * time.Second
)

// Config holds the lifecycle tuning knobs. All values are supplied at
// construction; none are hardcoded.
type Config struct {
	StabilityThreshold    int           // Consecutive stable polls before completion
	MinStabilityTime      time.Duration // Minimum running time before stability completes
	TaskTTL               time.Duration // Forced timeout for running tasks
	MinRuntimeBeforeStale time.Duration // Running time before stability sampling applies
	PollInterval          time.Duration // Tick interval for Run
}

// DefaultConfig returns the default lifecycle tuning.
func DefaultConfig() Config {
	return Config{
		StabilityThreshold:    DefaultStabilityThreshold,
		MinStabilityTime:      DefaultMinStabilityTime,
		TaskTTL:               DefaultTaskTTL,
		MinRuntimeBeforeStale: DefaultMinRuntimeBeforeStale,
		PollInterval:          DefaultPollInterval,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.StabilityThreshold <= 0 {
		c.StabilityThreshold = d.StabilityThreshold
	}
	if c.MinStabilityTime <= 0 {
		c.MinStabilityTime = d.MinStabilityTime
	}
	if c.TaskTTL <= 0 {
		c.TaskTTL = d.TaskTTL
	}
	if c.MinRuntimeBeforeStale < 0 {
		c.MinRuntimeBeforeStale = d.MinRuntimeBeforeStale
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	return c
}

// ExecuteFunc starts backend execution for a task once a concurrency slot is
// granted. It must return promptly after starting the work; completion is
// detected afterwards by stability polling. A non-nil error means execution
// never started and is treated as a launch failure.
type ExecuteFunc func(ctx context.Context, record models.TaskRecord, payload string) error

// Notifier receives every terminal outcome exactly once.
type Notifier interface {
	Notify(outcome models.Outcome)
}

// RetrySink consumes terminal outcomes for retry bookkeeping. Cancellations
// are never routed here.
type RetrySink interface {
	OnFailure(taskID string, failure models.FailureRecord)
	OnSuccess(taskID string)
}

// Logger is the minimal leveled logging surface the manager needs.
type Logger interface {
	LogDebug(message string)
	LogInfo(message string)
	LogWarn(message string)
	LogError(message string)
}

// managed pairs the authoritative record with its spec and the cancel handle
// for its execution context.
type managed struct {
	rec        *models.TaskRecord
	spec       models.TaskSpec
	cancelExec context.CancelFunc
}

// Manager owns all task records. Records have exactly one logical writer: the
// guarded transition methods below. Racing call sites (poll tick, explicit
// cancel, executor callback) follow the first-to-observe-required-state-wins
// rule; the losers are no-ops.
type Manager struct {
	mu       sync.Mutex
	cfg      Config
	slots    *concurrency.Manager
	exec     ExecuteFunc
	notifier Notifier
	retries  RetrySink
	logger   Logger
	pub      models.Publisher

	records  map[string]*managed
	archive  map[string]*models.TaskRecord
	queues   map[string][]string // resource key -> pending task IDs, FIFO
	draining map[string]bool     // resource key -> drain loop active

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager constructs a lifecycle manager. notifier, retries, logger and pub
// are optional and may be nil.
func NewManager(cfg Config, slots *concurrency.Manager, exec ExecuteFunc, notifier Notifier, retries RetrySink, logger Logger, pub models.Publisher) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:      cfg.withDefaults(),
		slots:    slots,
		exec:     exec,
		notifier: notifier,
		retries:  retries,
		logger:   logger,
		pub:      pub,
		records:  make(map[string]*managed),
		archive:  make(map[string]*models.TaskRecord),
		queues:   make(map[string][]string),
		draining: make(map[string]bool),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Launch creates a pending record for a first attempt and enqueues it under
// its resource key. It returns the record immediately without blocking.
func (m *Manager) Launch(spec models.TaskSpec) (*models.TaskRecord, error) {
	return m.LaunchAttempt(spec, 1, 0)
}

// LaunchAttempt creates a pending record for the given attempt number and wave
// and triggers queue draining for its resource key. Re-launching under the
// same identity replaces an archived record; a live record is an error.
func (m *Manager) LaunchAttempt(spec models.TaskSpec, attempt, wave int) (*models.TaskRecord, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	if attempt < 1 {
		attempt = 1
	}

	m.mu.Lock()
	if existing, ok := m.records[spec.ID]; ok && !existing.rec.Status.IsTerminal() {
		m.mu.Unlock()
		return nil, fmt.Errorf("task %s: already active with status %s", spec.ID, existing.rec.Status)
	}

	rec := &models.TaskRecord{
		ID:          spec.ID,
		ParentScope: spec.ParentScope,
		ResourceKey: spec.ResourceKey,
		Wave:        wave,
		Attempt:     attempt,
		Status:      models.StatusPending,
		QueuedAt:    time.Now(),
	}
	delete(m.archive, spec.ID)
	m.records[spec.ID] = &managed{rec: rec, spec: spec}
	m.queues[spec.ResourceKey] = append(m.queues[spec.ResourceKey], spec.ID)

	key := spec.ResourceKey
	if !m.draining[key] {
		m.draining[key] = true
		m.wg.Add(1)
		go m.drain(key)
	}
	m.mu.Unlock()

	m.debugf("task %s queued under %s (attempt %d)", spec.ID, spec.ResourceKey, attempt)
	return rec, nil
}

// drain is the single consumer loop for one resource key. It pops pending
// tasks FIFO, acquires a slot for each, and starts execution. The loop exits
// when the queue empties and restarts on the next enqueue.
func (m *Manager) drain(key string) {
	defer m.wg.Done()

	for {
		m.mu.Lock()
		id, ok := m.popPendingLocked(key)
		if !ok {
			m.draining[key] = false
			m.mu.Unlock()
			return
		}
		m.mu.Unlock()

		if err := m.slots.Acquire(m.ctx, key); err != nil {
			// Shutdown or waiter rejection while queued: the task never held
			// a slot, so it cancels without a release.
			m.finishWithoutSlot(id, models.StatusCancelled, err.Error())
			continue
		}

		m.startGranted(id, key)
	}
}

// popPendingLocked removes the next pending task ID from a key's queue,
// skipping entries whose records were cancelled while queued.
// Caller must hold m.mu.
func (m *Manager) popPendingLocked(key string) (string, bool) {
	queue := m.queues[key]
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		m.queues[key] = queue

		entry, ok := m.records[id]
		if !ok || entry.rec.Status != models.StatusPending {
			continue
		}
		return id, true
	}
	return "", false
}

// startGranted transitions a task to running under an already-granted slot and
// invokes the execution callback. A callback error releases the slot
// immediately and routes the failure to the retry coordinator.
func (m *Manager) startGranted(id, key string) {
	m.mu.Lock()
	entry, ok := m.records[id]
	if !ok || entry.rec.Status != models.StatusPending {
		// Cancelled between pop and grant; hand the slot back.
		m.mu.Unlock()
		m.slots.Release(key)
		return
	}

	now := time.Now()
	entry.rec.Status = models.StatusRunning
	entry.rec.StartedAt = &now
	entry.rec.StablePolls = 0

	execCtx, cancelExec := context.WithCancel(m.ctx)
	entry.cancelExec = cancelExec
	recCopy := *entry.rec
	spec := entry.spec
	m.mu.Unlock()

	// Prime the activity sample so the first poll compares against the
	// counter as it stood at start, not against zero.
	if spec.ActivitySource != nil {
		if initial, err := spec.ActivitySource(execCtx); err == nil {
			m.mu.Lock()
			if entry.rec.Status == models.StatusRunning {
				entry.rec.Activity = initial
				entry.rec.LastActivity = initial
			}
			m.mu.Unlock()
		}
	}

	if m.pub != nil {
		if event, err := models.NewTaskLaunchedEvent(recCopy.ID, recCopy.ParentScope, recCopy.ResourceKey, recCopy.Attempt); err == nil {
			m.pub.Publish(event)
		}
	}
	m.infof("task %s running on %s (attempt %d)", recCopy.ID, key, recCopy.Attempt)

	if m.exec == nil {
		return
	}
	if err := m.exec(execCtx, recCopy, spec.Payload); err != nil {
		launchErr := NewLaunchError(recCopy.ID, "execution callback failed", err)
		m.FailTask(id, models.FailureLaunch, launchErr.Error(), "")
	}
}

// Poll performs one tick over all running records: TTL enforcement first, then
// stability sampling. Per-record probe errors are logged and never abort the
// tick.
func (m *Manager) Poll(ctx context.Context) {
	m.mu.Lock()
	running := make([]*managed, 0, len(m.records))
	for _, entry := range m.records {
		if entry.rec.Status == models.StatusRunning {
			running = append(running, entry)
		}
	}
	m.mu.Unlock()

	now := time.Now()
	for _, entry := range running {
		m.pollOne(ctx, entry, now)
	}
}

func (m *Manager) pollOne(ctx context.Context, entry *managed, now time.Time) {
	m.mu.Lock()
	if entry.rec.Status != models.StatusRunning {
		m.mu.Unlock()
		return
	}
	id := entry.rec.ID
	elapsed := entry.rec.Elapsed(now)
	m.mu.Unlock()

	if elapsed > m.cfg.TaskTTL {
		timeoutErr := NewTimeoutError(id, m.cfg.TaskTTL)
		m.FailTask(id, models.FailureTimeout, timeoutErr.Error(), "")
		return
	}

	if entry.spec.ActivitySource == nil || elapsed < m.cfg.MinRuntimeBeforeStale {
		return
	}

	counter, err := entry.spec.ActivitySource(ctx)
	if err != nil {
		m.warnf("task %s: activity probe failed: %v", id, err)
		return
	}

	m.mu.Lock()
	if entry.rec.Status != models.StatusRunning {
		m.mu.Unlock()
		return
	}
	if counter == entry.rec.Activity {
		entry.rec.StablePolls++
	} else {
		entry.rec.LastActivity = entry.rec.Activity
		entry.rec.Activity = counter
		entry.rec.StablePolls = 0
	}
	stable := entry.rec.StablePolls >= m.cfg.StabilityThreshold && elapsed >= m.cfg.MinStabilityTime
	m.mu.Unlock()

	if stable {
		m.TryComplete(id, "stability")
	}
}

// Run ticks Poll at the configured interval until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.Poll(ctx)
		}
	}
}

// TryComplete attempts the running -> completed transition. It proceeds only
// if the record is currently running; duplicate attempts are silent no-ops.
// The concurrency slot is released before the notification step, which can
// itself fail, so a notification problem can never leak a slot.
func (m *Manager) TryComplete(id, source string) bool {
	m.mu.Lock()
	entry, ok := m.records[id]
	if !ok || entry.rec.Status != models.StatusRunning {
		m.mu.Unlock()
		return false
	}

	now := time.Now()
	entry.rec.Status = models.StatusCompleted
	entry.rec.CompletedAt = &now
	outcome := m.outcomeLocked(entry, source, now)
	key := entry.rec.ResourceKey
	m.mu.Unlock()

	m.slots.Release(key)
	m.deliver(outcome)
	if m.retries != nil {
		m.retries.OnSuccess(id)
	}
	m.archiveTask(id)
	m.infof("task %s completed (%s)", id, source)
	return true
}

// FailTask attempts the running -> error transition with the given failure
// classification. The slot is released before notification; non-cancellation
// failures are routed to the retry coordinator after the notification step.
func (m *Manager) FailTask(id string, kind models.FailureKind, summary, remedy string) bool {
	m.mu.Lock()
	entry, ok := m.records[id]
	if !ok || entry.rec.Status != models.StatusRunning {
		m.mu.Unlock()
		return false
	}

	now := time.Now()
	entry.rec.Status = models.StatusError
	entry.rec.CompletedAt = &now
	entry.rec.ErrorDetail = summary
	outcome := m.outcomeLocked(entry, string(kind), now)
	key := entry.rec.ResourceKey
	if entry.cancelExec != nil {
		entry.cancelExec()
	}
	m.mu.Unlock()

	m.slots.Release(key)
	m.deliver(outcome)
	if m.retries != nil && kind != models.FailureCancellation {
		m.retries.OnFailure(id, models.FailureRecord{
			Timestamp: now,
			Kind:      kind,
			Summary:   summary,
			Remedy:    remedy,
		})
	}
	m.archiveTask(id)
	m.warnf("task %s failed (%s): %s", id, kind, summary)
	return true
}

// Cancel cancels a task. Pending tasks are removed from their queue without
// ever acquiring a slot; running tasks release their slot and rely on the
// execution callback observing the cancelled context. Terminal records are
// untouched.
func (m *Manager) Cancel(id string) bool {
	m.mu.Lock()
	entry, ok := m.records[id]
	if !ok || entry.rec.Status.IsTerminal() {
		m.mu.Unlock()
		return false
	}

	now := time.Now()
	wasRunning := entry.rec.Status == models.StatusRunning
	entry.rec.Status = models.StatusCancelled
	entry.rec.CompletedAt = &now
	outcome := m.outcomeLocked(entry, "cancel", now)
	key := entry.rec.ResourceKey
	if entry.cancelExec != nil {
		entry.cancelExec()
	}
	m.mu.Unlock()

	if wasRunning {
		m.slots.Release(key)
	}
	m.deliver(outcome)
	m.archiveTask(id)
	m.infof("task %s cancelled", id)
	return true
}

// finishWithoutSlot records a terminal status for a task that never held a
// slot (queued at shutdown, or rejected by CancelWaiters).
func (m *Manager) finishWithoutSlot(id string, status models.TaskStatus, detail string) {
	m.mu.Lock()
	entry, ok := m.records[id]
	if !ok || entry.rec.Status.IsTerminal() {
		m.mu.Unlock()
		return
	}

	now := time.Now()
	entry.rec.Status = status
	entry.rec.CompletedAt = &now
	entry.rec.ErrorDetail = detail
	outcome := m.outcomeLocked(entry, "queue", now)
	m.mu.Unlock()

	m.deliver(outcome)
	m.archiveTask(id)
}

// outcomeLocked builds the Outcome for a record that just went terminal.
// Caller must hold m.mu.
func (m *Manager) outcomeLocked(entry *managed, source string, now time.Time) models.Outcome {
	return models.Outcome{
		TaskID:      entry.rec.ID,
		ParentScope: entry.rec.ParentScope,
		Status:      entry.rec.Status,
		Result:      entry.rec.Result,
		ErrorDetail: entry.rec.ErrorDetail,
		Source:      source,
		Duration:    entry.rec.Elapsed(now),
	}
}

// deliver forwards a terminal outcome to the notifier. Notification problems
// are bookkeeping, not task failures; the slot was already released.
func (m *Manager) deliver(outcome models.Outcome) {
	if m.notifier != nil {
		m.notifier.Notify(outcome)
	}
}

// archiveTask moves a notified terminal record out of the live table.
func (m *Manager) archiveTask(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.records[id]
	if !ok || !entry.rec.Status.IsTerminal() {
		return
	}
	m.archive[id] = entry.rec
	delete(m.records, id)
}

// Record returns the record for id, live or archived, and whether it exists.
func (m *Manager) Record(id string) (*models.TaskRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if entry, ok := m.records[id]; ok {
		recCopy := *entry.rec
		return &recCopy, true
	}
	if rec, ok := m.archive[id]; ok {
		recCopy := *rec
		return &recCopy, true
	}
	return nil, false
}

// SetResult stores the result payload for a running task. The executor calls
// this before completion is detected.
func (m *Manager) SetResult(id, result string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if entry, ok := m.records[id]; ok && entry.rec.Status == models.StatusRunning {
		entry.rec.Result = result
	}
}

// Remaining reports how many tasks in a parent scope are still pending or
// running. The notification batcher uses this for its allComplete flag.
func (m *Manager) Remaining(scope string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, entry := range m.records {
		if entry.rec.ParentScope == scope && !entry.rec.Status.IsTerminal() {
			count++
		}
	}
	return count
}

// Records returns copies of every record, live and archived. Used for
// checkpoint snapshots.
func (m *Manager) Records() []*models.TaskRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.TaskRecord, 0, len(m.records)+len(m.archive))
	for _, entry := range m.records {
		recCopy := *entry.rec
		out = append(out, &recCopy)
	}
	for _, rec := range m.archive {
		recCopy := *rec
		out = append(out, &recCopy)
	}
	return out
}

// Active reports how many records are live (non-archived) in total.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

// Close shuts the manager down: queued waiters are rejected, drain loops
// unblock, and in-flight execution contexts are cancelled.
func (m *Manager) Close() {
	m.cancel()
	m.slots.CancelAll()
	m.wg.Wait()
}

func (m *Manager) debugf(format string, args ...any) {
	if m.logger != nil {
		m.logger.LogDebug(fmt.Sprintf(format, args...))
	}
}

func (m *Manager) infof(format string, args ...any) {
	if m.logger != nil {
		m.logger.LogInfo(fmt.Sprintf(format, args...))
	}
}

func (m *Manager) warnf(format string, args ...any) {
	if m.logger != nil {
		m.logger.LogWarn(fmt.Sprintf(format, args...))
	}
}
