// Package engine wires the scheduler, concurrency manager, lifecycle manager,
// notification batcher and retry coordinator into one orchestrator instance.
// All state is owned by the instance and supplied at construction; multiple
// independent engines can run in one process.
package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/harrison/maestro/internal/checkpoint"
	"github.com/harrison/maestro/internal/concurrency"
	"github.com/harrison/maestro/internal/config"
	"github.com/harrison/maestro/internal/history"
	"github.com/harrison/maestro/internal/lifecycle"
	"github.com/harrison/maestro/internal/models"
	"github.com/harrison/maestro/internal/notify"
	"github.com/harrison/maestro/internal/retry"
	"github.com/harrison/maestro/internal/scheduler"
)

// settleCheckInterval is how often the wave barrier re-checks task states.
const settleCheckInterval = 20 * time.Millisecond

// Logger is the logging surface the engine needs.
type Logger interface {
	LogDebug(message string)
	LogInfo(message string)
	LogWarn(message string)
	LogError(message string)
}

// Options carries the optional collaborators for an Engine.
type Options struct {
	Logger     Logger
	Publisher  models.Publisher
	Checkpoint *checkpoint.Store
	History    *history.Store
}

// Result summarizes one run.
type Result struct {
	RunID      string
	TotalTasks int
	Counts     models.BatchCounts
	Escalated  []string
	Duration   time.Duration
}

// Engine orchestrates wave-ordered task execution.
type Engine struct {
	cfg     *config.Config
	slots   *concurrency.Manager
	tasks   *lifecycle.Manager
	batcher *notify.Batcher
	retries *retry.Coordinator
	ckpt    *checkpoint.Store
	hist    *history.Store
	logger  Logger
	pub     models.Publisher
	runID   string

	mu         sync.Mutex
	specs      map[string]models.TaskSpec
	waves      map[string]int
	unlaunched map[string]int // parent scope -> tasks not yet launched
	aborted    bool
}

// New constructs an Engine from configuration and an execution callback.
func New(cfg *config.Config, exec lifecycle.ExecuteFunc, opts Options) *Engine {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}

	e := &Engine{
		cfg:        cfg,
		ckpt:       opts.Checkpoint,
		hist:       opts.History,
		logger:     opts.Logger,
		pub:        opts.Publisher,
		runID:      uuid.NewString(),
		specs:      make(map[string]models.TaskSpec),
		waves:      make(map[string]int),
		unlaunched: make(map[string]int),
	}

	e.slots = concurrency.NewManager(concurrency.Limits{
		Overrides: cfg.Concurrency.Limits,
		Classes:   cfg.Concurrency.Classes,
		Default:   cfg.Concurrency.DefaultLimit,
	})

	e.batcher = notify.NewBatcher(notify.Config{
		MaxBatchSize: cfg.Notifications.MaxBatchSize,
		BatchWindow:  cfg.Notifications.BatchWindow,
	}, opts.Publisher, e.remaining)

	e.retries = retry.NewCoordinator(cfg.Retry.MaxAttempts, opts.Publisher, asRetryLogger(opts.Logger))
	e.retries.SetAbortFunc(e.abortRemainingWaves)
	e.retries.SetWarnDependentsFunc(e.warnDependents)

	e.tasks = lifecycle.NewManager(lifecycle.Config{
		StabilityThreshold:    cfg.Lifecycle.StabilityThreshold,
		MinStabilityTime:      cfg.Lifecycle.MinStabilityTime,
		TaskTTL:               cfg.Lifecycle.TaskTTL,
		MinRuntimeBeforeStale: cfg.Lifecycle.MinRuntimeBeforeStale,
		PollInterval:          cfg.Lifecycle.PollInterval,
	}, e.slots, exec, (*engineNotifier)(e), (*engineRetrySink)(e), opts.Logger, opts.Publisher)

	return e
}

// RunID returns the identifier for this engine instance's run.
func (e *Engine) RunID() string { return e.runID }

// Lifecycle exposes the task lifecycle manager (cancellation, inspection).
func (e *Engine) Lifecycle() *lifecycle.Manager { return e.tasks }

// Retries exposes the retry coordinator (escalation state inspection).
func (e *Engine) Retries() *retry.Coordinator { return e.retries }

// Run executes the task set wave by wave. A wave starts only after every task
// in earlier waves has reached a terminal status and holds no pending retry.
// Unresolved escalations stop the run before dependent waves start and
// surface an EscalationPendingError.
func (e *Engine) Run(ctx context.Context, taskSet []models.TaskSpec) (*Result, error) {
	start := time.Now()

	waves, err := scheduler.BuildWaves(taskSet)
	if err != nil {
		return nil, err
	}
	groups := scheduler.WaveGroups(taskSet, waves)

	e.mu.Lock()
	for _, spec := range taskSet {
		e.specs[spec.ID] = spec
		e.unlaunched[spec.ParentScope]++
	}
	for id, wave := range waves {
		e.waves[id] = wave
	}
	e.mu.Unlock()

	pollCtx, stopPolling := context.WithCancel(ctx)
	defer stopPolling()
	go e.tasks.Run(pollCtx)

	var runErr error
	for i, group := range groups {
		waveNum := i + 1
		if e.isAborted() {
			e.infof("run aborted; skipping wave %d onward", waveNum)
			break
		}

		e.infof("starting wave %d: %d tasks", waveNum, len(group))
		waveStart := time.Now()

		for _, spec := range group {
			if _, err := e.tasks.LaunchAttempt(spec, 1, waveNum); err != nil {
				e.errorf("task %s: launch rejected: %v", spec.ID, err)
				continue
			}
			e.mu.Lock()
			e.unlaunched[spec.ParentScope]--
			e.mu.Unlock()
		}

		if err := e.waitForWave(ctx, group); err != nil {
			runErr = err
			break
		}

		e.saveCheckpoint()
		e.infof("wave %d complete in %s", waveNum, time.Since(waveStart).Round(time.Millisecond))

		if escalated := e.retries.Escalated(); len(escalated) > 0 {
			sort.Strings(escalated)
			runErr = &EscalationPendingError{TaskIDs: escalated}
			break
		}
	}

	e.batcher.FlushAll()
	e.saveCheckpoint()

	result := e.buildResult(taskSet, time.Since(start))
	return result, runErr
}

// waitForWave blocks until every task in the group is settled: terminal and
// with no retry redispatch outstanding.
func (e *Engine) waitForWave(ctx context.Context, group []models.TaskSpec) error {
	ticker := time.NewTicker(settleCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			for _, spec := range group {
				e.tasks.Cancel(spec.ID)
			}
			return ctx.Err()
		case <-ticker.C:
			settled := true
			for _, spec := range group {
				if !e.settled(spec.ID) {
					settled = false
					break
				}
			}
			if settled {
				return nil
			}
		}
	}
}

// settled reports whether a task is terminal with no automatic redispatch
// outstanding. Escalated tasks count as settled; the wave loop surfaces them
// separately.
func (e *Engine) settled(id string) bool {
	rec, ok := e.tasks.Record(id)
	if !ok || !rec.Status.IsTerminal() {
		return false
	}
	state, stateOK := e.retries.State(id)
	if rec.Status == models.StatusError && !stateOK {
		// Failure observed but the retry decision is still in flight.
		return false
	}
	if !stateOK {
		return true
	}
	return state.Status == retry.StateEscalated || state.Status == retry.StateResolved
}

// Resolve applies a human decision to an escalated task. The retry resolution
// relaunches the task fresh under its original identity.
func (e *Engine) Resolve(taskID string, resolution retry.Resolution) error {
	if err := e.retries.Resolve(taskID, resolution); err != nil {
		return err
	}

	if resolution == retry.ResolutionRetry {
		e.mu.Lock()
		spec, ok := e.specs[taskID]
		wave := e.waves[taskID]
		e.mu.Unlock()
		if !ok {
			return fmt.Errorf("task %s: spec not found for relaunch", taskID)
		}
		if _, err := e.tasks.LaunchAttempt(spec, 1, wave); err != nil {
			return fmt.Errorf("task %s: relaunch after resolution: %w", taskID, err)
		}
	}
	return nil
}

// Close shuts the engine down: waiters rejected, batches flushed, stores closed.
func (e *Engine) Close() {
	e.tasks.Close()
	e.batcher.FlushAll()
	if e.hist != nil {
		if err := e.hist.Close(); err != nil {
			e.errorf("close history store: %v", err)
		}
	}
}

// remaining reports pending work for a parent scope: live records plus tasks
// not yet launched. Drives the allComplete flag on batch notifications.
func (e *Engine) remaining(scope string) int {
	e.mu.Lock()
	unlaunched := e.unlaunched[scope]
	e.mu.Unlock()
	if unlaunched < 0 {
		unlaunched = 0
	}
	return e.tasks.Remaining(scope) + unlaunched
}

// abortRemainingWaves is the abort resolution: not-yet-started waves are
// halted. Tasks already running in the current wave finish on their own.
func (e *Engine) abortRemainingWaves(taskID string) {
	e.mu.Lock()
	e.aborted = true
	e.mu.Unlock()
	e.warnf("abort requested via %s: remaining waves halted", taskID)
}

// warnDependents is the skip resolution: direct dependents are flagged
// at-risk but not blocked.
func (e *Engine) warnDependents(taskID string) {
	e.mu.Lock()
	var dependents []string
	for id, spec := range e.specs {
		for _, pred := range spec.Predecessors {
			if pred == taskID {
				dependents = append(dependents, id)
				break
			}
		}
	}
	e.mu.Unlock()

	if len(dependents) == 0 {
		return
	}
	sort.Strings(dependents)
	e.warnf("task %s skipped; dependents at risk: %s", taskID, strings.Join(dependents, ", "))
}

func (e *Engine) isAborted() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.aborted
}

// saveCheckpoint snapshots the task table. Checkpoint problems are logged,
// never fatal.
func (e *Engine) saveCheckpoint() {
	if e.ckpt == nil {
		return
	}
	snapshot := checkpoint.Snapshot{Tasks: make(map[string]checkpoint.TaskCheckpoint)}
	for _, rec := range e.tasks.Records() {
		snapshot.Tasks[rec.ID] = checkpoint.FromRecord(rec)
	}
	if err := e.ckpt.Save(snapshot); err != nil {
		e.errorf("save checkpoint: %v", err)
	}
}

func (e *Engine) buildResult(taskSet []models.TaskSpec, duration time.Duration) *Result {
	result := &Result{
		RunID:      e.runID,
		TotalTasks: len(taskSet),
		Duration:   duration,
		Escalated:  e.retries.Escalated(),
	}
	sort.Strings(result.Escalated)

	for _, spec := range taskSet {
		rec, ok := e.tasks.Record(spec.ID)
		if !ok {
			continue
		}
		switch rec.Status {
		case models.StatusCompleted:
			result.Counts.Completed++
		case models.StatusError:
			result.Counts.Failed++
		case models.StatusCancelled:
			result.Counts.Cancelled++
		}
	}
	return result
}

// engineNotifier adapts the engine for the lifecycle Notifier interface:
// outcomes are archived to history before batching.
type engineNotifier Engine

// Notify implements lifecycle.Notifier.
func (n *engineNotifier) Notify(outcome models.Outcome) {
	e := (*Engine)(n)
	if e.hist != nil {
		attempt, wave, key := 1, 0, ""
		if rec, ok := e.tasks.Record(outcome.TaskID); ok {
			attempt, wave, key = rec.Attempt, rec.Wave, rec.ResourceKey
		}
		if err := e.hist.RecordOutcome(outcome, attempt, wave, key); err != nil {
			e.errorf("archive outcome for %s: %v", outcome.TaskID, err)
		}
	}
	e.batcher.Notify(outcome)
}

// engineRetrySink adapts the engine for the lifecycle RetrySink interface:
// failures consult the retry coordinator and redispatch under the same
// identity with accumulated feedback.
type engineRetrySink Engine

// OnFailure implements lifecycle.RetrySink.
func (s *engineRetrySink) OnFailure(taskID string, failure models.FailureRecord) {
	e := (*Engine)(s)

	e.mu.Lock()
	spec, ok := e.specs[taskID]
	wave := e.waves[taskID]
	e.mu.Unlock()
	if !ok {
		e.warnf("task %s: failure for unknown spec", taskID)
		return
	}

	var attempt int
	if rec, recOK := e.tasks.Record(taskID); recOK {
		attempt = rec.Attempt
	}

	if e.hist != nil {
		if err := e.hist.RecordFailure(taskID, attempt, failure); err != nil {
			e.errorf("archive failure for %s: %v", taskID, err)
		}
	}

	decision := e.retries.OnFailure(taskID, spec.ParentScope, failure)
	if decision.Escalated {
		return
	}

	// Redispatch under the same identity with feedback appended so the next
	// attempt sees what went wrong before.
	relaunch := spec
	if decision.Feedback != "" {
		relaunch.Payload = spec.Payload + "\n\n" + decision.Feedback
	}
	if _, err := e.tasks.LaunchAttempt(relaunch, attempt+1, wave); err != nil {
		e.errorf("task %s: redispatch failed: %v", taskID, err)
	}
}

// OnSuccess implements lifecycle.RetrySink.
func (s *engineRetrySink) OnSuccess(taskID string) {
	(*Engine)(s).retries.OnSuccess(taskID)
}

// asRetryLogger narrows an engine Logger to the retry package's surface.
func asRetryLogger(l Logger) retry.Logger {
	if l == nil {
		return nil
	}
	return l
}

func (e *Engine) infof(format string, args ...any) {
	if e.logger != nil {
		e.logger.LogInfo(fmt.Sprintf(format, args...))
	}
}

func (e *Engine) warnf(format string, args ...any) {
	if e.logger != nil {
		e.logger.LogWarn(fmt.Sprintf(format, args...))
	}
}

func (e *Engine) errorf(format string, args ...any) {
	if e.logger != nil {
		e.logger.LogError(fmt.Sprintf(format, args...))
	}
}
