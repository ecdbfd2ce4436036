// Package scheduler computes execution waves and blocking sets from declared
// task predecessors. Waves are a coarse ordering barrier: a task in wave N is
// blocked by every task in waves 1..N-1, trading parallelism for correctness.
package scheduler

import (
	"fmt"
	"sort"

	"github.com/harrison/maestro/internal/models"
)

// CyclicDependencyError reports that the task set contains a dependency cycle.
type CyclicDependencyError struct {
	Remaining []string // Task IDs that never converged to a wave
}

// Error implements the error interface.
func (e *CyclicDependencyError) Error() string {
	return fmt.Sprintf("circular dependency detected among tasks %v", e.Remaining)
}

// UnknownPredecessorError reports a task declaring a predecessor that is not
// part of the task set.
type UnknownPredecessorError struct {
	TaskID      string
	Predecessor string
}

// Error implements the error interface.
func (e *UnknownPredecessorError) Error() string {
	return fmt.Sprintf("task %s: depends on unknown task %s", e.TaskID, e.Predecessor)
}

// ValidateTasks checks identifiers and predecessor references before scheduling.
func ValidateTasks(tasks []models.TaskSpec) error {
	seen := make(map[string]bool, len(tasks))
	for _, task := range tasks {
		if task.ID == "" {
			return fmt.Errorf("task has empty identifier")
		}
		if seen[task.ID] {
			return fmt.Errorf("task %s: duplicate identifier", task.ID)
		}
		seen[task.ID] = true
	}

	for _, task := range tasks {
		for _, pred := range task.Predecessors {
			if !seen[pred] {
				return &UnknownPredecessorError{TaskID: task.ID, Predecessor: pred}
			}
		}
	}

	return nil
}

// BuildWaves assigns a wave number to every task: wave(t) = 1 + max(wave(p))
// over its predecessors, or 1 with no predecessors. Computed as an iterative
// fixpoint capped at the task count; tasks left unassigned at the cap form a
// cycle and produce a CyclicDependencyError.
func BuildWaves(tasks []models.TaskSpec) (map[string]int, error) {
	if err := ValidateTasks(tasks); err != nil {
		return nil, err
	}

	waves := make(map[string]int, len(tasks))
	if len(tasks) == 0 {
		return waves, nil
	}

	// Self-references can never converge; reject them up front.
	for _, task := range tasks {
		for _, pred := range task.Predecessors {
			if pred == task.ID {
				return nil, &CyclicDependencyError{Remaining: []string{task.ID}}
			}
		}
	}

	for iteration := 0; iteration < len(tasks); iteration++ {
		progressed := false

		for _, task := range tasks {
			if _, assigned := waves[task.ID]; assigned {
				continue
			}

			wave := 1
			ready := true
			for _, pred := range task.Predecessors {
				predWave, ok := waves[pred]
				if !ok {
					ready = false
					break
				}
				if predWave+1 > wave {
					wave = predWave + 1
				}
			}

			if ready {
				waves[task.ID] = wave
				progressed = true
			}
		}

		if len(waves) == len(tasks) {
			return waves, nil
		}
		if !progressed {
			break
		}
	}

	var remaining []string
	for _, task := range tasks {
		if _, assigned := waves[task.ID]; !assigned {
			remaining = append(remaining, task.ID)
		}
	}
	sort.Strings(remaining)
	return nil, &CyclicDependencyError{Remaining: remaining}
}

// ComputeBlockedBy returns, for each task, the set of all task IDs whose wave
// is strictly smaller. This is deliberately coarser than the declared edges: a
// task waits for every earlier wave, not just its own predecessors.
func ComputeBlockedBy(tasks []models.TaskSpec, waves map[string]int) map[string][]string {
	blocked := make(map[string][]string, len(tasks))
	for _, task := range tasks {
		wave := waves[task.ID]
		var blockers []string
		for _, other := range tasks {
			if other.ID != task.ID && waves[other.ID] < wave {
				blockers = append(blockers, other.ID)
			}
		}
		sort.Strings(blockers)
		blocked[task.ID] = blockers
	}
	return blocked
}

// ExecutionOrder returns the tasks sorted by (wave ascending, identifier
// ascending). Ties break lexicographically, never by insertion order, so the
// schedule is reproducible across runs.
func ExecutionOrder(tasks []models.TaskSpec, waves map[string]int) []models.TaskSpec {
	ordered := make([]models.TaskSpec, len(tasks))
	copy(ordered, tasks)
	sort.SliceStable(ordered, func(i, j int) bool {
		wi, wj := waves[ordered[i].ID], waves[ordered[j].ID]
		if wi != wj {
			return wi < wj
		}
		return ordered[i].ID < ordered[j].ID
	})
	return ordered
}

// WaveGroups partitions the tasks into ordered waves, each wave sorted by
// identifier. The engine executes groups sequentially.
func WaveGroups(tasks []models.TaskSpec, waves map[string]int) [][]models.TaskSpec {
	if len(tasks) == 0 {
		return nil
	}

	maxWave := 0
	for _, wave := range waves {
		if wave > maxWave {
			maxWave = wave
		}
	}

	groups := make([][]models.TaskSpec, maxWave)
	for _, task := range ExecutionOrder(tasks, waves) {
		wave := waves[task.ID]
		groups[wave-1] = append(groups[wave-1], task)
	}
	return groups
}
