package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	aberrors "github.com/SpillwaveSolutions/agent-brain/internal/errors"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// waitStatus polls until the job reaches a terminal state.
func waitStatus(t *testing.T, q *Queue, id string, want Status) *Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job, err := q.Get(id)
		require.NoError(t, err)
		if job.Status == want {
			return job
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %s never reached %s", id, want)
	return nil
}

func TestQueue_RunsJobsInOrder(t *testing.T) {
	var mu sync.Mutex
	var order []string

	runner := func(ctx context.Context, job *Job, report func(Progress)) error {
		mu.Lock()
		order = append(order, job.FolderID)
		mu.Unlock()
		return nil
	}

	q, err := Open(t.TempDir(), runner, testLogger())
	require.NoError(t, err)
	defer q.Close()

	j1, _, err := q.Enqueue(TypeIndex, "folder-a", "/a")
	require.NoError(t, err)
	j2, _, err := q.Enqueue(TypeIndex, "folder-b", "/b")
	require.NoError(t, err)
	j3, _, err := q.Enqueue(TypeReindex, "folder-c", "/c")
	require.NoError(t, err)

	waitStatus(t, q, j1.ID, StatusSucceeded)
	waitStatus(t, q, j2.ID, StatusSucceeded)
	waitStatus(t, q, j3.ID, StatusSucceeded)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"folder-a", "folder-b", "folder-c"}, order)
}

func TestQueue_AtMostOneRunning(t *testing.T) {
	release := make(chan struct{})
	var mu sync.Mutex
	running := 0
	maxRunning := 0

	runner := func(ctx context.Context, job *Job, report func(Progress)) error {
		mu.Lock()
		running++
		if running > maxRunning {
			maxRunning = running
		}
		mu.Unlock()
		<-release
		mu.Lock()
		running--
		mu.Unlock()
		return nil
	}

	q, err := Open(t.TempDir(), runner, testLogger())
	require.NoError(t, err)
	defer q.Close()

	var jobs []*Job
	for i := 0; i < 3; i++ {
		j, _, err := q.Enqueue(TypeIndex, "f", "/f")
		require.NoError(t, err)
		jobs = append(jobs, j)
	}

	waitStatus(t, q, jobs[0].ID, StatusRunning)

	cur := q.Running()
	require.NotNil(t, cur)
	assert.Equal(t, jobs[0].ID, cur.ID)
	assert.Equal(t, 2, q.Depth())

	close(release)
	for _, j := range jobs {
		waitStatus(t, q, j.ID, StatusSucceeded)
	}

	assert.Nil(t, q.Running())
	assert.Zero(t, q.Depth())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, maxRunning)
}

func TestQueue_EnqueueReportsPosition(t *testing.T) {
	release := make(chan struct{})
	runner := func(ctx context.Context, job *Job, report func(Progress)) error {
		<-release
		return nil
	}

	q, err := Open(t.TempDir(), runner, testLogger())
	require.NoError(t, err)
	defer q.Close()

	// Positions count pending jobs; the worker may have already pulled
	// the first job off the queue, so only later positions are exact.
	blocker, _, err := q.Enqueue(TypeIndex, "a", "/a")
	require.NoError(t, err)
	waitStatus(t, q, blocker.ID, StatusRunning)

	_, pos, err := q.Enqueue(TypeIndex, "b", "/b")
	require.NoError(t, err)
	assert.Equal(t, 1, pos)

	_, pos, err = q.Enqueue(TypeIndex, "c", "/c")
	require.NoError(t, err)
	assert.Equal(t, 2, pos)

	close(release)
}

func TestQueue_FailedJobRecordsError(t *testing.T) {
	runner := func(ctx context.Context, job *Job, report func(Progress)) error {
		return errors.New("embedder unreachable")
	}

	q, err := Open(t.TempDir(), runner, testLogger())
	require.NoError(t, err)
	defer q.Close()

	j, _, err := q.Enqueue(TypeIndex, "f", "/f")
	require.NoError(t, err)

	done := waitStatus(t, q, j.ID, StatusFailed)
	assert.Equal(t, "embedder unreachable", done.Error)
	require.NotNil(t, done.FinishedAt)
}

func TestQueue_CancelPending(t *testing.T) {
	release := make(chan struct{})
	runner := func(ctx context.Context, job *Job, report func(Progress)) error {
		<-release
		return nil
	}

	q, err := Open(t.TempDir(), runner, testLogger())
	require.NoError(t, err)
	defer q.Close()

	blocker, _, err := q.Enqueue(TypeIndex, "a", "/a")
	require.NoError(t, err)
	waitStatus(t, q, blocker.ID, StatusRunning)

	victim, _, err := q.Enqueue(TypeIndex, "b", "/b")
	require.NoError(t, err)
	require.NoError(t, q.Cancel(victim.ID))

	cancelled, err := q.Get(victim.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, cancelled.Status)

	close(release)
	waitStatus(t, q, blocker.ID, StatusSucceeded)

	// Cancelling a finished job is a conflict.
	err = q.Cancel(victim.ID)
	assert.True(t, aberrors.IsKind(err, aberrors.KindConflict))
}

func TestQueue_CancelRunning(t *testing.T) {
	started := make(chan struct{})
	runner := func(ctx context.Context, job *Job, report func(Progress)) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}

	q, err := Open(t.TempDir(), runner, testLogger())
	require.NoError(t, err)
	defer q.Close()

	j, _, err := q.Enqueue(TypeIndex, "f", "/f")
	require.NoError(t, err)
	<-started

	require.NoError(t, q.Cancel(j.ID))
	done := waitStatus(t, q, j.ID, StatusCancelled)
	require.NotNil(t, done.FinishedAt)
}

func TestQueue_ProgressIsPersisted(t *testing.T) {
	dir := t.TempDir()
	runner := func(ctx context.Context, job *Job, report func(Progress)) error {
		report(Progress{Stage: "embedding", FilesScanned: 12, ChunksIndexed: 40})
		return nil
	}

	q, err := Open(dir, runner, testLogger())
	require.NoError(t, err)
	defer q.Close()

	j, _, err := q.Enqueue(TypeIndex, "f", "/f")
	require.NoError(t, err)
	done := waitStatus(t, q, j.ID, StatusSucceeded)
	assert.Equal(t, 40, done.Progress.ChunksIndexed)

	data, err := os.ReadFile(filepath.Join(dir, j.ID+".json"))
	require.NoError(t, err)
	var onDisk Job
	require.NoError(t, json.Unmarshal(data, &onDisk))
	assert.Equal(t, StatusSucceeded, onDisk.Status)
	assert.Equal(t, 12, onDisk.Progress.FilesScanned)
}

func TestQueue_RecoversInterruptedJobs(t *testing.T) {
	dir := t.TempDir()

	// Simulate a crash by writing a running job file directly.
	stale := newJob(TypeIndex, "f", "/f")
	stale.Status = StatusRunning
	data, err := json.Marshal(stale)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, stale.ID+".json"), data, 0o644))

	runner := func(ctx context.Context, job *Job, report func(Progress)) error { return nil }
	q, err := Open(dir, runner, testLogger())
	require.NoError(t, err)
	defer q.Close()

	recovered, err := q.Get(stale.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, recovered.Status)
	assert.Equal(t, "interrupted by restart", recovered.Error)
}

func TestQueue_RetentionSweep(t *testing.T) {
	dir := t.TempDir()
	runner := func(ctx context.Context, job *Job, report func(Progress)) error { return nil }

	q, err := Open(dir, runner, testLogger(), WithRetention(3))
	require.NoError(t, err)
	defer q.Close()

	var last *Job
	for i := 0; i < 8; i++ {
		j, _, err := q.Enqueue(TypeIndex, "f", "/f")
		require.NoError(t, err)
		waitStatus(t, q, j.ID, StatusSucceeded)
		last = j
	}

	jobs := q.List()
	assert.LessOrEqual(t, len(jobs), 3)

	// The newest job always survives the sweep.
	_, err = q.Get(last.ID)
	assert.NoError(t, err)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(entries), 3)
}

func TestQueue_ListNewestFirst(t *testing.T) {
	runner := func(ctx context.Context, job *Job, report func(Progress)) error { return nil }
	q, err := Open(t.TempDir(), runner, testLogger())
	require.NoError(t, err)
	defer q.Close()

	var ids []string
	for i := 0; i < 3; i++ {
		j, _, err := q.Enqueue(TypeIndex, "f", "/f")
		require.NoError(t, err)
		ids = append(ids, j.ID)
		waitStatus(t, q, j.ID, StatusSucceeded)
		time.Sleep(2 * time.Millisecond)
	}

	jobs := q.List()
	require.Len(t, jobs, 3)
	assert.Equal(t, ids[2], jobs[0].ID)
	assert.Equal(t, ids[0], jobs[2].ID)
}

func TestQueue_GetUnknownJob(t *testing.T) {
	runner := func(ctx context.Context, job *Job, report func(Progress)) error { return nil }
	q, err := Open(t.TempDir(), runner, testLogger())
	require.NoError(t, err)
	defer q.Close()

	_, err = q.Get("no-such-job")
	assert.True(t, aberrors.IsKind(err, aberrors.KindNotFound))
}

func TestQueue_EnqueueAfterClose(t *testing.T) {
	runner := func(ctx context.Context, job *Job, report func(Progress)) error { return nil }
	q, err := Open(t.TempDir(), runner, testLogger())
	require.NoError(t, err)
	require.NoError(t, q.Close())

	_, _, err = q.Enqueue(TypeIndex, "f", "/f")
	assert.True(t, aberrors.IsKind(err, aberrors.KindConflict))
}
