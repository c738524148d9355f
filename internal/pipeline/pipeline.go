// Package pipeline turns a folder on disk into documents in the
// storage backend. An index run walks eight stages: preset
// resolution, scanning, change detection, chunking, enrichment,
// embedding, the store write, and the manifest commit. Only files
// whose content hash changed are re-processed; everything else is
// carried forward from the previous run.
package pipeline

import (
	"context"
	"log/slog"
	"os"
	"path"
	"strconv"
	"time"

	"github.com/SpillwaveSolutions/agent-brain/internal/chunk"
	"github.com/SpillwaveSolutions/agent-brain/internal/config"
	aberrors "github.com/SpillwaveSolutions/agent-brain/internal/errors"
	"github.com/SpillwaveSolutions/agent-brain/internal/manifest"
	"github.com/SpillwaveSolutions/agent-brain/internal/preset"
	"github.com/SpillwaveSolutions/agent-brain/internal/provider"
	"github.com/SpillwaveSolutions/agent-brain/internal/scanner"
	"github.com/SpillwaveSolutions/agent-brain/internal/store"
)

// Stage names reported during an index run.
const (
	StageScanning  = "scanning"
	StageChunking  = "chunking"
	StageEnriching = "enriching"
	StageEmbedding = "embedding"
	StageWriting   = "writing"
	StageCommit    = "committing"
)

// Progress is a snapshot of a running index job.
type Progress struct {
	Stage         string
	FilesScanned  int
	FilesChanged  int
	ChunksIndexed int
	ChunksEvicted int
}

// ProgressFunc receives progress snapshots. May be nil.
type ProgressFunc func(Progress)

// Result summarizes a completed run.
type Result struct {
	FilesScanned  int
	FilesChanged  int
	FilesRemoved  int
	ChunksIndexed int
	ChunksEvicted int
}

// Pipeline executes index and remove runs against one backend.
type Pipeline struct {
	backend    store.Backend
	embedder   provider.Embedder
	summarizer provider.Summarizer // nil disables enrichment
	folders    *manifest.Manifest
	scan       *scanner.Scanner
	logger     *slog.Logger

	chunkOpts     chunk.Options
	embedderName  string
	batchSize     int
	embedTimeout  time.Duration
	enrichTimeout time.Duration
	maxFileSize   int64
}

// New wires a pipeline. The summarizer may be nil.
func New(
	backend store.Backend,
	embedder provider.Embedder,
	summarizer provider.Summarizer,
	folders *manifest.Manifest,
	cfg *config.Config,
	logger *slog.Logger,
) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	batch := cfg.Indexing.EmbedBatchSize
	if batch <= 0 {
		batch = provider.DefaultBatchSize
	}
	embedTimeout := time.Duration(cfg.Indexing.EmbedTimeout)
	if embedTimeout <= 0 {
		embedTimeout = provider.DefaultEmbedTimeout
	}
	enrichTimeout := time.Duration(cfg.Indexing.EnrichTimeout)
	if enrichTimeout <= 0 {
		enrichTimeout = provider.DefaultCallTimeout
	}
	maxFileSize := int64(cfg.Indexing.MaxFileSizeMB) * 1024 * 1024
	if maxFileSize <= 0 {
		maxFileSize = scanner.DefaultMaxFileSize
	}

	return &Pipeline{
		backend:    backend,
		embedder:   embedder,
		summarizer: summarizer,
		folders:    folders,
		scan:       scanner.New(logger),
		logger:     logger,
		chunkOpts: chunk.Options{
			ChunkTokens:   cfg.Chunking.ChunkTokens,
			OverlapTokens: cfg.Chunking.OverlapTokens,
		},
		embedderName:  cfg.Embedding.Provider,
		batchSize:     batch,
		embedTimeout:  embedTimeout,
		enrichTimeout: enrichTimeout,
		maxFileSize:   maxFileSize,
	}
}

// IndexFolder runs an incremental index of a registered folder. When
// full is true the previous inventory is ignored and every document
// for the folder is evicted and rebuilt.
func (p *Pipeline) IndexFolder(ctx context.Context, folderID string, full bool, report ProgressFunc) (*Result, error) {
	rec := p.folders.Get(folderID)
	if rec == nil {
		return nil, aberrors.Newf(aberrors.KindNotFound, "folder %s is not registered", folderID)
	}
	if report == nil {
		report = func(Progress) {}
	}

	includes, err := preset.Resolve(rec.Presets)
	if err != nil {
		return nil, err
	}
	includes = append(includes, rec.IncludeGlobs...)

	result := &Result{}
	progress := Progress{Stage: StageScanning}
	report(progress)

	files, err := p.scanFolder(ctx, rec, includes, func(n int) {
		progress.FilesScanned = n
		if n%50 == 0 {
			report(progress)
		}
	})
	if err != nil {
		return nil, err
	}
	result.FilesScanned = len(files)
	progress.FilesScanned = len(files)
	report(progress)

	changed, carried, evictIDs, removed := diffInventory(rec, files, full)
	result.FilesChanged = len(changed)
	result.FilesRemoved = removed
	progress.FilesChanged = len(changed)
	if err := ctx.Err(); err != nil {
		return nil, aberrors.Wrap(aberrors.KindCancelled, err)
	}

	progress.Stage = StageChunking
	report(progress)
	chunks, inventory, err := p.chunkFiles(ctx, rec, changed)
	if err != nil {
		return nil, err
	}
	for path, fr := range carried {
		inventory[path] = fr
	}

	summaries := map[string]string{}
	if p.summarizer != nil && len(chunks) > 0 {
		progress.Stage = StageEnriching
		report(progress)
		summaries = p.enrich(ctx, chunks)
	}
	if err := ctx.Err(); err != nil {
		return nil, aberrors.Wrap(aberrors.KindCancelled, err)
	}

	progress.Stage = StageEmbedding
	report(progress)
	vectors, err := p.embed(ctx, chunks)
	if err != nil {
		return nil, err
	}

	progress.Stage = StageWriting
	report(progress)
	evicted, err := p.write(ctx, rec, chunks, vectors, summaries, evictIDs, full, func(indexed int) {
		progress.ChunksIndexed = indexed
		report(progress)
	})
	if err != nil {
		return nil, err
	}
	result.ChunksIndexed = len(chunks)
	result.ChunksEvicted = evicted
	progress.ChunksIndexed = len(chunks)
	progress.ChunksEvicted = evicted

	progress.Stage = StageCommit
	report(progress)
	if err := p.folders.UpdateFiles(rec.ID, inventory); err != nil {
		return nil, err
	}

	p.logger.Info("folder indexed",
		"folder_id", rec.ID,
		"path", rec.Path,
		"files_scanned", result.FilesScanned,
		"files_changed", result.FilesChanged,
		"files_removed", result.FilesRemoved,
		"chunks_indexed", result.ChunksIndexed,
		"chunks_evicted", result.ChunksEvicted,
	)
	return result, nil
}

// RemoveFolder deletes every document belonging to a folder and drops
// it from the manifest.
func (p *Pipeline) RemoveFolder(ctx context.Context, folderID string) (*Result, error) {
	rec := p.folders.Get(folderID)
	if rec == nil {
		return nil, aberrors.Newf(aberrors.KindNotFound, "folder %s is not registered", folderID)
	}

	count, err := p.backend.DeleteByMetadata(ctx, map[string]string{store.MetaFolderID: folderID})
	if err != nil {
		return nil, err
	}
	if err := p.folders.Remove(folderID); err != nil {
		return nil, err
	}

	p.logger.Info("folder removed", "folder_id", folderID, "path", rec.Path, "chunks_evicted", count)
	return &Result{ChunksEvicted: count}, nil
}

// scanFolder streams the walk so progress updates before the full
// file list exists.
func (p *Pipeline) scanFolder(ctx context.Context, rec *manifest.FolderRecord, includes []string, onFile func(int)) ([]*scanner.FileInfo, error) {
	results, err := p.scan.Scan(ctx, rec.Path, scanner.Options{
		IncludeGlobs: includes,
		ExcludeGlobs: rec.ExcludeGlobs,
		MaxFileSize:  p.maxFileSize,
		Recursive:    rec.Recursive,
	})
	if err != nil {
		return nil, err
	}

	var files []*scanner.FileInfo
	for res := range results {
		if res.Err != nil {
			return nil, res.Err
		}
		files = append(files, res.File)
		onFile(len(files))
	}
	if err := ctx.Err(); err != nil {
		return nil, aberrors.Wrap(aberrors.KindCancelled, err)
	}
	return files, nil
}

// diffInventory splits the scan into changed files, carried-forward
// records, and the chunk IDs to evict. A full run marks everything
// changed and carries nothing.
func diffInventory(rec *manifest.FolderRecord, files []*scanner.FileInfo, full bool) (
	changed []*scanner.FileInfo,
	carried map[string]manifest.FileRecord,
	evictIDs []string,
	removed int,
) {
	carried = map[string]manifest.FileRecord{}
	seen := map[string]bool{}

	for _, f := range files {
		seen[f.Path] = true
		prior, ok := rec.Files[f.Path]
		if full || !ok || prior.Hash != f.Hash {
			changed = append(changed, f)
			if ok && !full {
				evictIDs = append(evictIDs, prior.ChunkIDs...)
			}
			continue
		}
		carried[f.Path] = prior
	}
	for path, prior := range rec.Files {
		if !seen[path] {
			removed++
			if !full {
				evictIDs = append(evictIDs, prior.ChunkIDs...)
			}
		}
	}
	return changed, carried, evictIDs, removed
}

// fileChunks pairs one changed file with its chunks.
type fileChunks struct {
	file   *scanner.FileInfo
	chunks []chunk.Chunk
}

// chunkFiles reads and splits every changed file. Unreadable files are
// skipped with a warning so one bad file never sinks the run.
func (p *Pipeline) chunkFiles(ctx context.Context, rec *manifest.FolderRecord, changed []*scanner.FileInfo) ([]fileChunks, map[string]manifest.FileRecord, error) {
	code := chunk.NewCodeSplitter(p.chunkOpts)
	text := chunk.NewRecursiveSplitter(p.chunkOpts)

	var out []fileChunks
	inventory := map[string]manifest.FileRecord{}

	for _, f := range changed {
		if err := ctx.Err(); err != nil {
			return nil, nil, aberrors.Wrap(aberrors.KindCancelled, err)
		}
		data, err := os.ReadFile(f.AbsPath)
		if err != nil {
			p.logger.Warn("skipping unreadable file", "path", f.Path, "error", err)
			continue
		}

		// Chunk identity includes the folder ID so the same file indexed
		// under two folders never shares document IDs.
		source := rec.ID + "/" + f.Path
		var chunks []chunk.Chunk
		if f.Kind == scanner.KindCode && f.Language != "" {
			chunks = code.Split(ctx, source, f.Language, string(data))
		} else {
			chunks = text.Split(source, string(data))
		}

		ids := make([]string, len(chunks))
		for i, c := range chunks {
			ids[i] = c.ID
		}
		inventory[f.Path] = manifest.FileRecord{Hash: f.Hash, Size: f.Size, ChunkIDs: ids}
		if len(chunks) > 0 {
			out = append(out, fileChunks{file: f, chunks: chunks})
		}
	}
	return out, inventory, nil
}

// enrich asks the summarizer for a one-line summary per chunk. Any
// failure is logged and the chunk proceeds without a summary.
func (p *Pipeline) enrich(ctx context.Context, files []fileChunks) map[string]string {
	summaries := map[string]string{}
	for _, fc := range files {
		for _, c := range fc.chunks {
			if ctx.Err() != nil {
				return summaries
			}
			callCtx, cancel := context.WithTimeout(ctx, p.enrichTimeout)
			summary, err := p.summarizer.Summarize(callCtx, c.Text)
			cancel()
			if err != nil {
				p.logger.Debug("summary skipped", "chunk_id", c.ID, "error", err)
				continue
			}
			if summary != "" {
				summaries[c.ID] = summary
			}
		}
	}
	return summaries
}

// embed produces vectors for every chunk, in batches, with retry on
// transient provider failures.
func (p *Pipeline) embed(ctx context.Context, files []fileChunks) (map[string][]float32, error) {
	var ids []string
	var texts []string
	for _, fc := range files {
		for _, c := range fc.chunks {
			ids = append(ids, c.ID)
			texts = append(texts, c.Text)
		}
	}

	vectors := make(map[string][]float32, len(ids))
	for start := 0; start < len(texts); start += p.batchSize {
		end := start + p.batchSize
		if end > len(texts) {
			end = len(texts)
		}
		batch := texts[start:end]

		var embedded [][]float32
		err := aberrors.Retry(ctx, aberrors.DefaultRetryConfig(), func() error {
			callCtx, cancel := context.WithTimeout(ctx, p.embedTimeout)
			defer cancel()
			var batchErr error
			embedded, batchErr = p.embedder.EmbedBatch(callCtx, batch)
			return batchErr
		})
		if err != nil {
			return nil, aberrors.Wrapf(aberrors.KindProvider, err,
				"embed batch %d-%d", start, end)
		}
		if len(embedded) != len(batch) {
			return nil, aberrors.Newf(aberrors.KindProvider,
				"embedder returned %d vectors for %d texts", len(embedded), len(batch))
		}
		for i, vec := range embedded {
			vectors[ids[start+i]] = vec
		}
	}
	return vectors, nil
}

// write evicts stale documents and upserts the new ones, then records
// the embedder identity on first write.
func (p *Pipeline) write(
	ctx context.Context,
	rec *manifest.FolderRecord,
	files []fileChunks,
	vectors map[string][]float32,
	summaries map[string]string,
	evictIDs []string,
	full bool,
	onIndexed func(int),
) (evicted int, err error) {
	if full {
		count, err := p.backend.DeleteByMetadata(ctx, map[string]string{store.MetaFolderID: rec.ID})
		if err != nil {
			return 0, err
		}
		evicted = count
	} else if len(evictIDs) > 0 {
		count, err := p.backend.DeleteByIDs(ctx, evictIDs)
		if err != nil {
			return 0, err
		}
		evicted = count
	}

	var docs []store.Document
	for _, fc := range files {
		for _, c := range fc.chunks {
			vec, ok := vectors[c.ID]
			if !ok {
				return evicted, aberrors.Newf(aberrors.KindInternal, "missing vector for chunk %s", c.ID)
			}
			meta := map[string]string{
				store.MetaFolderID:   rec.ID,
				store.MetaSource:     fc.file.AbsPath,
				store.MetaSourcePath: fc.file.Path,
				store.MetaFileName:   path.Base(fc.file.Path),
				store.MetaSourceType: string(fc.file.Kind),
				store.MetaFileHash:   fc.file.Hash,
				store.MetaChunkIndex: strconv.Itoa(c.Index),
			}
			if c.Language != "" {
				meta[store.MetaLanguage] = c.Language
			}
			if summary := summaries[c.ID]; summary != "" {
				meta[store.MetaSummary] = summary
			}
			docs = append(docs, store.Document{
				ID:       c.ID,
				Text:     c.Text,
				Vector:   vec,
				Metadata: meta,
			})
		}
	}

	for start := 0; start < len(docs); start += p.batchSize {
		end := start + p.batchSize
		if end > len(docs) {
			end = len(docs)
		}
		if err := p.backend.Upsert(ctx, docs[start:end]); err != nil {
			return evicted, err
		}
		onIndexed(end)
	}

	if len(docs) > 0 {
		if err := p.stampEmbedder(ctx); err != nil {
			return evicted, err
		}
	}
	return evicted, nil
}

// stampEmbedder records the embedder identity on first write and
// refuses to mix vectors from different models.
func (p *Pipeline) stampEmbedder(ctx context.Context) error {
	meta, err := p.backend.EmbeddingMetadata(ctx)
	if err != nil {
		return err
	}
	current := store.EmbeddingMetadata{
		Provider:   p.embedderName,
		Model:      p.embedder.ModelName(),
		Dimensions: p.embedder.Dimensions(),
	}
	if meta == nil {
		return p.backend.SetEmbeddingMetadata(ctx, current)
	}
	if meta.Dimensions != current.Dimensions {
		return aberrors.Newf(aberrors.KindDimensionMismatch,
			"store holds %d-dimensional vectors from %s but the embedder produces %d",
			meta.Dimensions, meta.Model, current.Dimensions).
			WithHint("reset the store or restore the original embedding model")
	}
	return nil
}
