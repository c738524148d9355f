// Package service assembles the pieces into one running Agent Brain
// instance: configuration, providers, the storage backend, the folder
// manifest, the job queue, the indexing pipeline, and the query
// engine. A file lock in the state directory keeps concurrent
// instances off the same store.
package service

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	"github.com/SpillwaveSolutions/agent-brain/internal/config"
	aberrors "github.com/SpillwaveSolutions/agent-brain/internal/errors"
	"github.com/SpillwaveSolutions/agent-brain/internal/jobs"
	"github.com/SpillwaveSolutions/agent-brain/internal/manifest"
	"github.com/SpillwaveSolutions/agent-brain/internal/pipeline"
	"github.com/SpillwaveSolutions/agent-brain/internal/preset"
	"github.com/SpillwaveSolutions/agent-brain/internal/provider"
	"github.com/SpillwaveSolutions/agent-brain/internal/query"
	"github.com/SpillwaveSolutions/agent-brain/internal/store"
)

// lockFileName lives in the state directory; holding it marks the
// directory as owned by a live instance.
const lockFileName = "agent-brain.lock"

// Service is one running instance.
type Service struct {
	cfg    *config.Config
	logger *slog.Logger
	lock   *flock.Flock

	embedder   provider.Embedder
	summarizer provider.Summarizer
	reranker   provider.Reranker

	backend  store.Backend
	folders  *manifest.Manifest
	pipeline *pipeline.Pipeline
	queue    *jobs.Queue
	engine   *query.Engine

	startedAt time.Time
}

// New boots a service from validated configuration. Construction
// order matters: the lock first so a second instance fails fast, then
// providers, then storage, then the queue, which may immediately run
// recovered work.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(cfg.StateDir, 0o755); err != nil {
		return nil, aberrors.Wrapf(aberrors.KindStartup, err, "create state directory %s", cfg.StateDir)
	}

	lock := flock.New(filepath.Join(cfg.StateDir, lockFileName))
	held, err := lock.TryLock()
	if err != nil {
		return nil, aberrors.Wrapf(aberrors.KindStartup, err, "acquire state lock")
	}
	if !held {
		return nil, aberrors.Newf(aberrors.KindConflict,
			"state directory %s is in use by another instance", cfg.StateDir).
			WithHint("stop the other agent-brain process or point state_dir elsewhere")
	}

	svc := &Service{cfg: cfg, logger: logger, lock: lock, startedAt: time.Now()}
	if err := svc.boot(ctx); err != nil {
		svc.Close()
		return nil, err
	}
	return svc, nil
}

func (s *Service) boot(ctx context.Context) error {
	var err error
	if s.embedder, err = provider.NewEmbedder(ctx, s.cfg.Embedding); err != nil {
		return err
	}
	s.embedder = provider.NewCachedEmbedder(s.embedder, 0)
	if s.summarizer, err = provider.NewSummarizer(s.cfg.Summarizer); err != nil {
		return err
	}
	if s.reranker, err = provider.NewReranker(s.cfg.Reranker); err != nil {
		return err
	}

	s.backend, err = store.New(s.cfg, s.embedder.Dimensions(), s.logger)
	if err != nil {
		return err
	}
	if err = s.backend.Initialize(ctx); err != nil {
		return err
	}
	if err = s.checkEmbeddingCompatibility(ctx); err != nil {
		return err
	}

	if s.folders, err = manifest.Open(s.cfg.ManifestPath()); err != nil {
		return err
	}
	s.pipeline = pipeline.New(s.backend, s.embedder, s.summarizer, s.folders, s.cfg, s.logger)

	if s.engine, err = query.New(s.backend, s.embedder, s.reranker, s.cfg, s.logger); err != nil {
		return err
	}

	s.queue, err = jobs.Open(s.cfg.JobsDir(), s.runJob, s.logger,
		jobs.WithRetention(s.cfg.Indexing.JobRetention))
	if err != nil {
		return err
	}

	s.logger.Info("service started",
		"backend", s.cfg.Storage.Backend,
		"embedder", s.cfg.Embedding.Provider,
		"dimensions", s.embedder.Dimensions(),
		"folders", len(s.folders.List()),
	)
	return nil
}

// checkEmbeddingCompatibility refuses to serve a store written by a
// differently-sized embedding model.
func (s *Service) checkEmbeddingCompatibility(ctx context.Context) error {
	meta, err := s.backend.EmbeddingMetadata(ctx)
	if err != nil {
		return err
	}
	if meta == nil {
		return nil
	}
	if meta.Dimensions != s.embedder.Dimensions() {
		return aberrors.Newf(aberrors.KindDimensionMismatch,
			"store holds %d-dimensional vectors from %s but embedder %s produces %d",
			meta.Dimensions, meta.Model, s.embedder.ModelName(), s.embedder.Dimensions()).
			WithHint("reset the store or restore the original embedding model")
	}
	return nil
}

// runJob dispatches queued work to the pipeline. It is the queue's
// single worker, so jobs never overlap.
func (s *Service) runJob(ctx context.Context, job *jobs.Job, report func(jobs.Progress)) error {
	defer s.engine.Invalidate()

	progress := func(p pipeline.Progress) {
		report(jobs.Progress{
			Stage:         p.Stage,
			FilesScanned:  p.FilesScanned,
			FilesChanged:  p.FilesChanged,
			ChunksIndexed: p.ChunksIndexed,
			ChunksEvicted: p.ChunksEvicted,
		})
	}

	switch job.Type {
	case jobs.TypeIndex:
		_, err := s.pipeline.IndexFolder(ctx, job.FolderID, false, progress)
		return err
	case jobs.TypeReindex:
		_, err := s.pipeline.IndexFolder(ctx, job.FolderID, true, progress)
		return err
	default:
		return aberrors.Newf(aberrors.KindInternal, "unknown job type %q", job.Type)
	}
}

// AddFolder registers a folder and enqueues its first index run,
// returning the record, the job, and the job's queue position.
// Re-adding an existing folder updates its presets, globs, and
// recursion setting and enqueues an incremental pass.
func (s *Service) AddFolder(path string, presets, includeGlobs, excludeGlobs []string, recursive bool) (*manifest.FolderRecord, *jobs.Job, int, error) {
	canonical, err := manifest.CanonicalPath(path)
	if err != nil {
		return nil, nil, 0, err
	}
	if _, err := preset.Resolve(presets); err != nil {
		return nil, nil, 0, err
	}

	rec, err := s.folders.Add(manifest.FolderRecord{
		Path:         canonical,
		Presets:      presets,
		IncludeGlobs: includeGlobs,
		ExcludeGlobs: excludeGlobs,
		Recursive:    recursive,
	})
	if err != nil {
		return nil, nil, 0, err
	}

	job, position, err := s.queue.Enqueue(jobs.TypeIndex, rec.ID, rec.Path)
	if err != nil {
		return nil, nil, 0, err
	}
	return rec, job, position, nil
}

// RemoveFolder deletes a folder's documents synchronously and returns
// how many chunks were removed. Removal is refused while an index job
// for the folder is pending or running.
func (s *Service) RemoveFolder(ctx context.Context, idOrPath string) (int, error) {
	rec, err := s.resolveFolder(idOrPath)
	if err != nil {
		return 0, err
	}
	if active := s.queue.Active(rec.ID); len(active) > 0 {
		return 0, aberrors.Newf(aberrors.KindConflict,
			"folder %s has an active job %s", rec.ID, active[0].ID).
			WithHint("cancel the job first or wait for it to finish")
	}
	res, err := s.pipeline.RemoveFolder(ctx, rec.ID)
	if err != nil {
		return 0, err
	}
	s.engine.Invalidate()
	return res.ChunksEvicted, nil
}

// ReindexFolder enqueues an index run and returns the job and its
// queue position. With full set the folder's documents are rebuilt
// from scratch.
func (s *Service) ReindexFolder(idOrPath string, full bool) (*jobs.Job, int, error) {
	rec, err := s.resolveFolder(idOrPath)
	if err != nil {
		return nil, 0, err
	}
	jobType := jobs.TypeIndex
	if full {
		jobType = jobs.TypeReindex
	}
	return s.queue.Enqueue(jobType, rec.ID, rec.Path)
}

// resolveFolder accepts either a folder ID or a path.
func (s *Service) resolveFolder(idOrPath string) (*manifest.FolderRecord, error) {
	if rec := s.folders.Get(idOrPath); rec != nil {
		return rec, nil
	}
	canonical, err := manifest.CanonicalPath(idOrPath)
	if err == nil {
		if rec := s.folders.GetByPath(canonical); rec != nil {
			return rec, nil
		}
	}
	return nil, aberrors.Newf(aberrors.KindNotFound, "folder %s is not registered", idOrPath)
}

// Folders lists registered folders.
func (s *Service) Folders() []manifest.FolderRecord {
	return s.folders.List()
}

// Query answers one retrieval request.
func (s *Service) Query(ctx context.Context, req query.Request) (*query.Response, error) {
	return s.engine.Search(ctx, req)
}

// Job returns one job by ID.
func (s *Service) Job(id string) (*jobs.Job, error) {
	return s.queue.Get(id)
}

// Jobs lists all known jobs, newest first.
func (s *Service) Jobs() []*jobs.Job {
	return s.queue.List()
}

// CancelJob cancels a pending or running job.
func (s *Service) CancelJob(id string) error {
	return s.queue.Cancel(id)
}

// Reset wipes the store and drops every folder registration. Refused
// while any job is pending or running.
func (s *Service) Reset(ctx context.Context) error {
	for _, job := range s.queue.List() {
		if !job.Status.Terminal() {
			return aberrors.Newf(aberrors.KindConflict, "job %s is still %s", job.ID, job.Status).
				WithHint("cancel it or wait for it to finish before resetting")
		}
	}
	if err := s.backend.Reset(ctx); err != nil {
		return err
	}
	for _, rec := range s.folders.List() {
		if err := s.folders.Remove(rec.ID); err != nil {
			return err
		}
	}
	s.engine.Invalidate()
	s.logger.Info("store reset")
	return nil
}

// Health is a point-in-time snapshot of the instance.
type Health struct {
	Backend           string                   `json:"backend"`
	BackendReady      bool                     `json:"backend_ready"`
	Documents         int                      `json:"documents"`
	Folders           int                      `json:"folders"`
	EmbedderAvailable bool                     `json:"embedder_available"`
	EmbeddingMetadata *store.EmbeddingMetadata `json:"embedding_metadata,omitempty"`
	QueueDepth        int                      `json:"queue_depth"`
	RunningJob        *jobs.Job                `json:"running_job,omitempty"`
	UptimeSeconds     int64                    `json:"uptime_seconds"`
}

// Health reports instance status.
func (s *Service) Health(ctx context.Context) (*Health, error) {
	count, err := s.backend.Count(ctx)
	if err != nil {
		return nil, err
	}
	meta, err := s.backend.EmbeddingMetadata(ctx)
	if err != nil {
		return nil, err
	}
	return &Health{
		Backend:           s.cfg.Storage.Backend,
		BackendReady:      s.backend.IsInitialized(ctx),
		Documents:         count,
		Folders:           len(s.folders.List()),
		EmbedderAvailable: s.embedder.Available(ctx),
		EmbeddingMetadata: meta,
		QueueDepth:        s.queue.Depth(),
		RunningJob:        s.queue.Running(),
		UptimeSeconds:     int64(time.Since(s.startedAt).Seconds()),
	}, nil
}

// Close shuts down in reverse construction order: the queue first so
// no job writes to a closing backend.
func (s *Service) Close() error {
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if s.queue != nil {
		keep(s.queue.Close())
	}
	if s.backend != nil {
		keep(s.backend.Close())
	}
	if s.reranker != nil {
		keep(s.reranker.Close())
	}
	if s.summarizer != nil {
		keep(s.summarizer.Close())
	}
	if s.embedder != nil {
		keep(s.embedder.Close())
	}
	if s.lock != nil {
		keep(s.lock.Unlock())
	}
	return firstErr
}
