package jobs

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	aberrors "github.com/SpillwaveSolutions/agent-brain/internal/errors"
)

// Runner executes one job. The report callback publishes progress
// counters; the queue persists them so status survives a crash.
type Runner func(ctx context.Context, job *Job, report func(Progress)) error

// DefaultRetention is how many finished jobs survive the sweep.
const DefaultRetention = 100

// Queue is a persistent single-worker FIFO job queue. Jobs run one at
// a time in enqueue order, and each job is stored as one JSON file in
// the queue directory.
type Queue struct {
	dir       string
	runner    Runner
	logger    *slog.Logger
	retention int

	mu            sync.Mutex
	jobs          map[string]*Job
	pending       []string
	runningID     string
	cancelRunning context.CancelFunc

	wake   chan struct{}
	stopCh chan struct{}
	doneCh chan struct{}
}

// Option tunes queue behavior.
type Option func(*Queue)

// WithRetention overrides how many finished jobs are kept on disk.
func WithRetention(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.retention = n
		}
	}
}

// Open loads the queue directory and recovers prior state. Jobs left
// pending or running by a previous process are marked failed; work is
// never resumed implicitly because the folder may have changed since.
func Open(dir string, runner Runner, logger *slog.Logger, opts ...Option) (*Queue, error) {
	if runner == nil {
		return nil, aberrors.New(aberrors.KindInternal, "jobs: runner is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, aberrors.Wrapf(aberrors.KindStorage, err, "create jobs directory %s", dir)
	}

	q := &Queue{
		dir:       dir,
		runner:    runner,
		logger:    logger,
		retention: DefaultRetention,
		jobs:      make(map[string]*Job),
		wake:      make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}

	if err := q.load(); err != nil {
		return nil, err
	}
	go q.work()
	return q, nil
}

// load reads every job file and fails over interrupted jobs.
func (q *Queue) load() error {
	entries, err := os.ReadDir(q.dir)
	if err != nil {
		return aberrors.Wrap(aberrors.KindStorage, err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(q.dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return aberrors.Wrapf(aberrors.KindStorage, err, "read job file %s", entry.Name())
		}
		var job Job
		if err := json.Unmarshal(data, &job); err != nil {
			q.logger.Warn("skipping unreadable job file", "file", entry.Name(), "error", err)
			continue
		}
		if !job.Status.Terminal() {
			now := time.Now().UTC()
			job.Status = StatusFailed
			job.Error = "interrupted by restart"
			job.FinishedAt = &now
			if err := q.persist(&job); err != nil {
				return err
			}
			q.logger.Info("failed over interrupted job", "job_id", job.ID, "type", job.Type)
		}
		q.jobs[job.ID] = &job
	}
	return nil
}

// Enqueue adds a job to the back of the queue and returns its
// 1-indexed position among pending jobs.
func (q *Queue) Enqueue(jobType Type, folderID, folderPath string) (*Job, int, error) {
	job := newJob(jobType, folderID, folderPath)

	q.mu.Lock()
	defer q.mu.Unlock()
	select {
	case <-q.stopCh:
		return nil, 0, aberrors.New(aberrors.KindConflict, "job queue is shut down")
	default:
	}
	if err := q.persist(job); err != nil {
		return nil, 0, err
	}
	q.jobs[job.ID] = job
	q.pending = append(q.pending, job.ID)
	position := len(q.pending)
	q.signal()

	q.logger.Info("job enqueued",
		"job_id", job.ID, "type", jobType, "folder_id", folderID, "position", position)
	return job.clone(), position, nil
}

// Get returns a snapshot of one job.
func (q *Queue) Get(id string) (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[id]
	if !ok {
		return nil, aberrors.Newf(aberrors.KindNotFound, "job %s not found", id)
	}
	return job.clone(), nil
}

// List returns all known jobs, newest first.
func (q *Queue) List() []*Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*Job, 0, len(q.jobs))
	for _, job := range q.jobs {
		out = append(out, job.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].EnqueuedAt.Equal(out[j].EnqueuedAt) {
			return out[i].EnqueuedAt.After(out[j].EnqueuedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Running returns the currently running job, or nil.
func (q *Queue) Running() *Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.runningID == "" {
		return nil
	}
	if job := q.jobs[q.runningID]; job != nil {
		return job.clone()
	}
	return nil
}

// Depth returns the number of pending jobs.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Active returns the running job and any pending jobs for a folder.
// The service uses this to refuse folder removal mid-index.
func (q *Queue) Active(folderID string) []*Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []*Job
	if q.runningID != "" {
		if job := q.jobs[q.runningID]; job != nil && job.FolderID == folderID {
			out = append(out, job.clone())
		}
	}
	for _, id := range q.pending {
		if job := q.jobs[id]; job != nil && job.FolderID == folderID {
			out = append(out, job.clone())
		}
	}
	return out
}

// Cancel stops a job. A pending job flips straight to cancelled; a
// running job has its context cancelled and finishes asynchronously.
func (q *Queue) Cancel(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[id]
	if !ok {
		return aberrors.Newf(aberrors.KindNotFound, "job %s not found", id)
	}
	switch {
	case job.Status == StatusPending:
		for i, pid := range q.pending {
			if pid == id {
				q.pending = append(q.pending[:i], q.pending[i+1:]...)
				break
			}
		}
		now := time.Now().UTC()
		job.Status = StatusCancelled
		job.FinishedAt = &now
		if err := q.persist(job); err != nil {
			return err
		}
		q.logger.Info("job cancelled", "job_id", id)
		return nil
	case job.Status == StatusRunning && q.runningID == id:
		if q.cancelRunning != nil {
			q.cancelRunning()
		}
		return nil
	default:
		return aberrors.Newf(aberrors.KindConflict, "job %s already %s", id, job.Status)
	}
}

// Close stops the worker. The running job, if any, is cancelled and
// awaited so no write to the storage backend is cut off mid-flight.
func (q *Queue) Close() error {
	q.mu.Lock()
	select {
	case <-q.stopCh:
		q.mu.Unlock()
		return nil
	default:
	}
	close(q.stopCh)
	if q.cancelRunning != nil {
		q.cancelRunning()
	}
	q.mu.Unlock()

	<-q.doneCh
	return nil
}

// signal wakes the worker without blocking. Callers hold q.mu.
func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// work is the single worker loop.
func (q *Queue) work() {
	defer close(q.doneCh)
	for {
		select {
		case <-q.stopCh:
			return
		case <-q.wake:
		}
		for {
			job, ctx, ok := q.next()
			if !ok {
				break
			}
			q.run(ctx, job)
		}
	}
}

// next pops the head of the queue and marks it running.
func (q *Queue) next() (*Job, context.Context, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	select {
	case <-q.stopCh:
		return nil, nil, false
	default:
	}
	if len(q.pending) == 0 {
		return nil, nil, false
	}
	id := q.pending[0]
	q.pending = q.pending[1:]
	job := q.jobs[id]
	if job == nil {
		return nil, nil, false
	}

	now := time.Now().UTC()
	job.Status = StatusRunning
	job.StartedAt = &now
	if err := q.persist(job); err != nil {
		q.logger.Error("persist running job", "job_id", job.ID, "error", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	q.runningID = job.ID
	q.cancelRunning = cancel
	return job, ctx, true
}

// run executes one job and records the outcome.
func (q *Queue) run(ctx context.Context, job *Job) {
	q.logger.Info("job started", "job_id", job.ID, "type", job.Type, "folder_id", job.FolderID)

	report := func(p Progress) {
		q.mu.Lock()
		job.Progress = p
		if err := q.persist(job); err != nil {
			q.logger.Warn("persist job progress", "job_id", job.ID, "error", err)
		}
		q.mu.Unlock()
	}

	err := q.runner(ctx, job.clone(), report)

	q.mu.Lock()
	defer q.mu.Unlock()
	now := time.Now().UTC()
	job.FinishedAt = &now
	switch {
	case err == nil:
		job.Status = StatusSucceeded
	case ctx.Err() != nil:
		job.Status = StatusCancelled
	default:
		job.Status = StatusFailed
		job.Error = err.Error()
	}
	q.runningID = ""
	if q.cancelRunning != nil {
		q.cancelRunning()
		q.cancelRunning = nil
	}
	if perr := q.persist(job); perr != nil {
		q.logger.Error("persist finished job", "job_id", job.ID, "error", perr)
	}
	q.sweepLocked()

	elapsed := time.Duration(0)
	if job.StartedAt != nil {
		elapsed = now.Sub(*job.StartedAt)
	}
	q.logger.Info("job finished",
		"job_id", job.ID,
		"status", job.Status,
		"elapsed", elapsed.Round(time.Millisecond),
	)
}

// persist writes the job file atomically. Callers hold q.mu or own
// the job exclusively.
func (q *Queue) persist(job *Job) error {
	data, err := json.MarshalIndent(job, "", "  ")
	if err != nil {
		return aberrors.Wrap(aberrors.KindInternal, err)
	}
	final := filepath.Join(q.dir, job.ID+".json")
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return aberrors.Wrapf(aberrors.KindStorage, err, "write job file")
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return aberrors.Wrapf(aberrors.KindStorage, err, "commit job file")
	}
	return nil
}

// sweepLocked drops the oldest finished jobs beyond the retention
// limit. Callers hold q.mu.
func (q *Queue) sweepLocked() {
	var finished []*Job
	for _, job := range q.jobs {
		if job.Status.Terminal() {
			finished = append(finished, job)
		}
	}
	if len(finished) <= q.retention {
		return
	}
	sort.Slice(finished, func(i, j int) bool {
		ti, tj := finished[i].EnqueuedAt, finished[j].EnqueuedAt
		if finished[i].FinishedAt != nil {
			ti = *finished[i].FinishedAt
		}
		if finished[j].FinishedAt != nil {
			tj = *finished[j].FinishedAt
		}
		return ti.After(tj)
	})
	for _, job := range finished[q.retention:] {
		delete(q.jobs, job.ID)
		if err := os.Remove(filepath.Join(q.dir, job.ID+".json")); err != nil && !os.IsNotExist(err) {
			q.logger.Warn("remove swept job file", "job_id", job.ID, "error", err)
		}
	}
}
