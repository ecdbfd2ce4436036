// Package checkpoint persists a restart-recovery snapshot of the task and
// retry tables. The snapshot is a flat JSON mapping of task identifier to its
// durable fields, written atomically (temp file then rename) under a file
// lock so concurrent orchestrator processes cannot interleave writes.
package checkpoint

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/harrison/maestro/internal/filelock"
	"github.com/harrison/maestro/internal/models"
)

// TaskCheckpoint is the durable view of one task.
type TaskCheckpoint struct {
	Status      models.TaskStatus `json:"status"`
	Attempt     int               `json:"attempt"`
	Wave        int               `json:"wave"`
	ResourceKey string            `json:"resource_key"`
	QueuedAt    time.Time         `json:"queued_at"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
}

// Snapshot maps task identifiers to their durable state.
type Snapshot struct {
	SavedAt time.Time                 `json:"saved_at"`
	Tasks   map[string]TaskCheckpoint `json:"tasks"`
}

// Store reads and writes snapshots at a fixed path.
type Store struct {
	path string
}

// NewStore creates a checkpoint store for the given path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Path returns the snapshot location.
func (s *Store) Path() string { return s.path }

// FromRecord builds the durable view of a task record.
func FromRecord(rec *models.TaskRecord) TaskCheckpoint {
	return TaskCheckpoint{
		Status:      rec.Status,
		Attempt:     rec.Attempt,
		Wave:        rec.Wave,
		ResourceKey: rec.ResourceKey,
		QueuedAt:    rec.QueuedAt,
		StartedAt:   rec.StartedAt,
		CompletedAt: rec.CompletedAt,
	}
}

// Save writes the snapshot atomically under the store's file lock.
func (s *Store) Save(snapshot Snapshot) error {
	snapshot.SavedAt = time.Now()
	if snapshot.Tasks == nil {
		snapshot.Tasks = map[string]TaskCheckpoint{}
	}

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	if err := filelock.LockAndWrite(s.path, data); err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}
	return nil
}

// Load reads the snapshot. A missing file returns an empty snapshot without
// error so a fresh start and a recovery start look the same to the caller.
func (s *Store) Load() (Snapshot, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return Snapshot{Tasks: map[string]TaskCheckpoint{}}, nil
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("read checkpoint: %w", err)
	}

	var snapshot Snapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return Snapshot{}, fmt.Errorf("parse checkpoint: %w", err)
	}
	if snapshot.Tasks == nil {
		snapshot.Tasks = map[string]TaskCheckpoint{}
	}
	return snapshot, nil
}
