// Package shellexec is a minimal execution backend that runs task payloads as
// shell commands. Progress is observable as the count of output lines the
// command has produced, which feeds the engine's stability detection.
package shellexec

import (
	"bufio"
	"context"
	"os/exec"
	"sync"
	"sync/atomic"

	"github.com/harrison/maestro/internal/models"
)

// taskState tracks one running command.
type taskState struct {
	lines  atomic.Int64
	done   atomic.Bool
	failed atomic.Bool
}

// Runner starts shell commands for tasks and exposes per-task activity
// counters. Safe for concurrent use.
type Runner struct {
	mu    sync.Mutex
	state map[string]*taskState
}

// NewRunner constructs a Runner.
func NewRunner() *Runner {
	return &Runner{state: make(map[string]*taskState)}
}

// Execute starts the payload as a shell command and returns once the process
// has launched. Output consumption and process exit are handled in the
// background; completion is detected by the engine's polling.
func (r *Runner) Execute(ctx context.Context, record models.TaskRecord, payload string) error {
	cmd := exec.CommandContext(ctx, "sh", "-c", payload)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return err
	}

	st := r.stateFor(record.ID)
	st.done.Store(false)

	go func() {
		scanner := bufio.NewScanner(stdout)
		for scanner.Scan() {
			st.lines.Add(1)
		}
		if err := cmd.Wait(); err != nil {
			st.failed.Store(true)
		}
		st.done.Store(true)
	}()

	return nil
}

// ActivitySource returns the progress probe for one task: the number of
// output lines observed so far. The counter stops moving when the process
// exits, which is exactly the stillness the engine's poller looks for.
func (r *Runner) ActivitySource(taskID string) models.ActivitySource {
	st := r.stateFor(taskID)
	return func(ctx context.Context) (int64, error) {
		return st.lines.Load(), nil
	}
}

// Finished reports whether the task's process has exited and whether it failed.
func (r *Runner) Finished(taskID string) (done, failed bool) {
	st := r.stateFor(taskID)
	return st.done.Load(), st.failed.Load()
}

func (r *Runner) stateFor(taskID string) *taskState {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.state[taskID]
	if !ok {
		st = &taskState{}
		r.state[taskID] = st
	}
	return st
}
