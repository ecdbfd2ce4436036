package shellexec

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harrison/maestro/internal/models"
)

func record(id string) models.TaskRecord {
	return models.TaskRecord{ID: id, Status: models.StatusRunning}
}

func TestExecuteCountsOutputLines(t *testing.T) {
	r := NewRunner()
	probe := r.ActivitySource("t1")

	err := r.Execute(context.Background(), record("t1"), "printf 'one\\ntwo\\nthree\\n'")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		done, _ := r.Finished("t1")
		return done
	}, 5*time.Second, 10*time.Millisecond)

	lines, err := probe(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), lines)

	done, failed := r.Finished("t1")
	assert.True(t, done)
	assert.False(t, failed)
}

func TestExecuteReportsFailure(t *testing.T) {
	r := NewRunner()

	err := r.Execute(context.Background(), record("t1"), "exit 3")
	require.NoError(t, err, "a failing command still launches")

	require.Eventually(t, func() bool {
		done, _ := r.Finished("t1")
		return done
	}, 5*time.Second, 10*time.Millisecond)

	_, failed := r.Finished("t1")
	assert.True(t, failed)
}

func TestActivityCounterGoesStillAfterExit(t *testing.T) {
	r := NewRunner()
	probe := r.ActivitySource("t1")

	require.NoError(t, r.Execute(context.Background(), record("t1"), "echo done"))

	require.Eventually(t, func() bool {
		done, _ := r.Finished("t1")
		return done
	}, 5*time.Second, 10*time.Millisecond)

	first, err := probe(context.Background())
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	second, err := probe(context.Background())
	require.NoError(t, err)
	assert.Equal(t, first, second, "counter must hold still once the process exits")
}

func TestContextCancellationKillsProcess(t *testing.T) {
	r := NewRunner()
	ctx, cancel := context.WithCancel(context.Background())

	require.NoError(t, r.Execute(ctx, record("t1"), "sleep 60"))
	cancel()

	require.Eventually(t, func() bool {
		done, _ := r.Finished("t1")
		return done
	}, 5*time.Second, 10*time.Millisecond)
}

func TestTasksTrackedIndependently(t *testing.T) {
	r := NewRunner()

	require.NoError(t, r.Execute(context.Background(), record("a"), "printf 'x\\n'"))
	require.NoError(t, r.Execute(context.Background(), record("b"), "printf 'x\\ny\\n'"))

	require.Eventually(t, func() bool {
		doneA, _ := r.Finished("a")
		doneB, _ := r.Finished("b")
		return doneA && doneB
	}, 5*time.Second, 10*time.Millisecond)

	linesA, _ := r.ActivitySource("a")(context.Background())
	linesB, _ := r.ActivitySource("b")(context.Background())
	assert.Equal(t, int64(1), linesA)
	assert.Equal(t, int64(2), linesB)
}
