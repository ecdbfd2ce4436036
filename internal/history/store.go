// Package history archives terminal outcomes and failure records in SQLite so
// escalation reviews and post-run analysis can query past attempts.
package history

import (
	"database/sql"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/harrison/maestro/internal/models"
)

//go:embed schema.sql
var schemaSQL string

// OutcomeRow is one archived terminal outcome.
type OutcomeRow struct {
	ID          int64
	TaskID      string
	ParentScope string
	Status      models.TaskStatus
	Attempt     int
	Wave        int
	ResourceKey string
	ErrorDetail string
	Source      string
	Duration    time.Duration
	RecordedAt  time.Time
}

// FailureRow is one archived failure history entry.
type FailureRow struct {
	ID         int64
	TaskID     string
	Attempt    int
	Kind       models.FailureKind
	Summary    string
	Remedy     string
	RecordedAt time.Time
}

// Store manages the SQLite outcome archive.
type Store struct {
	db     *sql.DB
	dbPath string
}

// NewStore opens (creating if needed) the archive at dbPath. ":memory:" is
// supported for tests.
func NewStore(dbPath string) (*Store, error) {
	if dbPath != ":memory:" {
		dir := filepath.Dir(dbPath)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// busy_timeout first so the later pragmas wait on locks instead of
	// failing when another process is initializing the same file.
	pragmas := []string{
		"PRAGMA busy_timeout=5000",
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
	}
	for _, pragma := range pragmas {
		if err := execWithRetry(db, pragma, 5, 10*time.Millisecond); err != nil {
			db.Close()
			return nil, fmt.Errorf("set %s: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	return &Store{db: db, dbPath: dbPath}, nil
}

// execWithRetry retries a statement with linear backoff on lock errors.
func execWithRetry(db *sql.DB, stmt string, maxRetries int, baseDelay time.Duration) error {
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if _, err := db.Exec(stmt); err == nil {
			return nil
		} else if strings.Contains(err.Error(), "database is locked") {
			lastErr = err
			time.Sleep(baseDelay * time.Duration(attempt+1))
			continue
		} else {
			return err
		}
	}
	return lastErr
}

// RecordOutcome archives one terminal outcome.
func (s *Store) RecordOutcome(outcome models.Outcome, attempt, wave int, resourceKey string) error {
	_, err := s.db.Exec(`
		INSERT INTO outcomes (task_id, parent_scope, status, attempt, wave, resource_key, error_detail, source, duration_secs)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		outcome.TaskID, outcome.ParentScope, string(outcome.Status), attempt, wave,
		resourceKey, outcome.ErrorDetail, outcome.Source, outcome.Duration.Seconds())
	if err != nil {
		return fmt.Errorf("record outcome for %s: %w", outcome.TaskID, err)
	}
	return nil
}

// RecordFailure archives one failure history entry.
func (s *Store) RecordFailure(taskID string, attempt int, failure models.FailureRecord) error {
	_, err := s.db.Exec(`
		INSERT INTO failures (task_id, attempt, kind, summary, remedy)
		VALUES (?, ?, ?, ?, ?)`,
		taskID, attempt, string(failure.Kind), failure.Summary, failure.Remedy)
	if err != nil {
		return fmt.Errorf("record failure for %s: %w", taskID, err)
	}
	return nil
}

// TaskOutcomes returns the archived outcomes for one task, oldest first.
func (s *Store) TaskOutcomes(taskID string) ([]OutcomeRow, error) {
	rows, err := s.db.Query(`
		SELECT id, task_id, parent_scope, status, attempt, wave, resource_key, error_detail, source, duration_secs, recorded_at
		FROM outcomes WHERE task_id = ? ORDER BY id`, taskID)
	if err != nil {
		return nil, fmt.Errorf("query outcomes for %s: %w", taskID, err)
	}
	defer rows.Close()

	var result []OutcomeRow
	for rows.Next() {
		var row OutcomeRow
		var status string
		var durationSecs float64
		if err := rows.Scan(&row.ID, &row.TaskID, &row.ParentScope, &status, &row.Attempt,
			&row.Wave, &row.ResourceKey, &row.ErrorDetail, &row.Source, &durationSecs, &row.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan outcome row: %w", err)
		}
		row.Status = models.TaskStatus(status)
		row.Duration = time.Duration(durationSecs * float64(time.Second))
		result = append(result, row)
	}
	return result, rows.Err()
}

// TaskFailures returns the ordered failure history for one task.
func (s *Store) TaskFailures(taskID string) ([]FailureRow, error) {
	rows, err := s.db.Query(`
		SELECT id, task_id, attempt, kind, summary, remedy, recorded_at
		FROM failures WHERE task_id = ? ORDER BY id`, taskID)
	if err != nil {
		return nil, fmt.Errorf("query failures for %s: %w", taskID, err)
	}
	defer rows.Close()

	var result []FailureRow
	for rows.Next() {
		var row FailureRow
		var kind string
		if err := rows.Scan(&row.ID, &row.TaskID, &row.Attempt, &kind, &row.Summary, &row.Remedy, &row.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan failure row: %w", err)
		}
		row.Kind = models.FailureKind(kind)
		result = append(result, row)
	}
	return result, rows.Err()
}

// ScopeCounts returns terminal status counts for one parent scope.
func (s *Store) ScopeCounts(scope string) (models.BatchCounts, error) {
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM outcomes WHERE parent_scope = ? GROUP BY status`, scope)
	if err != nil {
		return models.BatchCounts{}, fmt.Errorf("query scope counts: %w", err)
	}
	defer rows.Close()

	var counts models.BatchCounts
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return models.BatchCounts{}, fmt.Errorf("scan scope counts: %w", err)
		}
		switch models.TaskStatus(status) {
		case models.StatusCompleted:
			counts.Completed += n
		case models.StatusError:
			counts.Failed += n
		case models.StatusCancelled:
			counts.Cancelled += n
		}
	}
	return counts, rows.Err()
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
