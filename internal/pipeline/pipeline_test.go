package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SpillwaveSolutions/agent-brain/internal/config"
	aberrors "github.com/SpillwaveSolutions/agent-brain/internal/errors"
	"github.com/SpillwaveSolutions/agent-brain/internal/manifest"
	"github.com/SpillwaveSolutions/agent-brain/internal/provider"
	"github.com/SpillwaveSolutions/agent-brain/internal/store"
)

type testEnv struct {
	pipeline *Pipeline
	folders  *manifest.Manifest
	backend  store.Backend
	root     string
}

func newTestEnv(t *testing.T, summarizer provider.Summarizer) *testEnv {
	t.Helper()
	state := t.TempDir()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	backend := store.NewEmbeddedStore(store.EmbeddedConfig{
		Path:       filepath.Join(state, "store"),
		Dimensions: provider.StaticDimensions,
	}, logger)
	require.NoError(t, backend.Initialize(context.Background()))
	t.Cleanup(func() { backend.Close() })

	folders, err := manifest.Open(filepath.Join(state, "folders.jsonl"))
	require.NoError(t, err)

	cfg := config.Default()
	cfg.StateDir = state

	return &testEnv{
		pipeline: New(backend, provider.NewStaticEmbedder(), summarizer, folders, &cfg, logger),
		folders:  folders,
		backend:  backend,
		root:     t.TempDir(),
	}
}

func (e *testEnv) writeFile(t *testing.T, rel, content string) {
	t.Helper()
	path := filepath.Join(e.root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func (e *testEnv) addFolder(t *testing.T) *manifest.FolderRecord {
	t.Helper()
	rec, err := e.folders.Add(manifest.FolderRecord{Path: e.root, Recursive: true})
	require.NoError(t, err)
	return rec
}

const sampleGo = `package web

// HandleLogin authenticates a user session.
func HandleLogin(user, password string) error {
	return checkCredentials(user, password)
}
`

const sampleDoc = `# Deployment guide

The service deploys behind a reverse proxy. Database credentials come
from the environment, never from the config file.
`

func TestIndexFolder_FullRun(t *testing.T) {
	env := newTestEnv(t, nil)
	env.writeFile(t, "auth/login.go", sampleGo)
	env.writeFile(t, "docs/deploy.md", sampleDoc)
	rec := env.addFolder(t)

	var stages []string
	result, err := env.pipeline.IndexFolder(context.Background(), rec.ID, false, func(p Progress) {
		if len(stages) == 0 || stages[len(stages)-1] != p.Stage {
			stages = append(stages, p.Stage)
		}
	})
	require.NoError(t, err)

	assert.Equal(t, 2, result.FilesScanned)
	assert.Equal(t, 2, result.FilesChanged)
	assert.Greater(t, result.ChunksIndexed, 0)
	assert.Zero(t, result.ChunksEvicted)
	assert.Contains(t, stages, StageScanning)
	assert.Contains(t, stages, StageEmbedding)
	assert.Contains(t, stages, StageCommit)

	count, err := env.backend.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, result.ChunksIndexed, count)

	hits, err := env.backend.KeywordSearch(context.Background(), "HandleLogin", 5)
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, rec.ID, hits[0].Metadata[store.MetaFolderID])
	assert.Equal(t, "auth/login.go", hits[0].Metadata[store.MetaSourcePath])
	assert.Equal(t, filepath.Join(env.root, "auth", "login.go"), hits[0].Metadata[store.MetaSource])
	assert.Equal(t, "login.go", hits[0].Metadata[store.MetaFileName])
	assert.Equal(t, "code", hits[0].Metadata[store.MetaSourceType])

	// The manifest carries the new inventory.
	updated := env.folders.Get(rec.ID)
	require.NotNil(t, updated)
	assert.Len(t, updated.Files, 2)
	assert.False(t, updated.LastIndexedAt.IsZero())
}

func TestIndexFolder_NonRecursiveSkipsSubdirectories(t *testing.T) {
	env := newTestEnv(t, nil)
	env.writeFile(t, "top.md", "top level document")
	env.writeFile(t, "nested/below.md", "nested document")
	rec, err := env.folders.Add(manifest.FolderRecord{Path: env.root})
	require.NoError(t, err)

	result, err := env.pipeline.IndexFolder(context.Background(), rec.ID, false, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, result.FilesScanned)

	updated := env.folders.Get(rec.ID)
	assert.Contains(t, updated.Files, "top.md")
	assert.NotContains(t, updated.Files, "nested/below.md")
}

func TestIndexFolder_SecondRunIsIncremental(t *testing.T) {
	env := newTestEnv(t, nil)
	env.writeFile(t, "main.go", sampleGo)
	rec := env.addFolder(t)

	first, err := env.pipeline.IndexFolder(context.Background(), rec.ID, false, nil)
	require.NoError(t, err)
	require.Greater(t, first.ChunksIndexed, 0)

	second, err := env.pipeline.IndexFolder(context.Background(), rec.ID, false, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, second.FilesScanned)
	assert.Zero(t, second.FilesChanged)
	assert.Zero(t, second.ChunksIndexed)
	assert.Zero(t, second.ChunksEvicted)

	count, err := env.backend.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, first.ChunksIndexed, count)
}

func TestIndexFolder_ModifiedFileReindexed(t *testing.T) {
	env := newTestEnv(t, nil)
	env.writeFile(t, "notes.md", "original content about caching")
	rec := env.addFolder(t)

	_, err := env.pipeline.IndexFolder(context.Background(), rec.ID, false, nil)
	require.NoError(t, err)

	env.writeFile(t, "notes.md", "rewritten content about sharding strategy")
	result, err := env.pipeline.IndexFolder(context.Background(), rec.ID, false, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, result.FilesChanged)
	assert.Greater(t, result.ChunksEvicted, 0)

	hits, err := env.backend.KeywordSearch(context.Background(), "sharding", 5)
	require.NoError(t, err)
	require.NotEmpty(t, hits)

	stale, err := env.backend.KeywordSearch(context.Background(), "caching", 5)
	require.NoError(t, err)
	assert.Empty(t, stale)
}

func TestIndexFolder_DeletedFileEvicted(t *testing.T) {
	env := newTestEnv(t, nil)
	env.writeFile(t, "keep.md", "this document stays in the index")
	env.writeFile(t, "drop.md", "this document will be deleted")
	rec := env.addFolder(t)

	_, err := env.pipeline.IndexFolder(context.Background(), rec.ID, false, nil)
	require.NoError(t, err)

	require.NoError(t, os.Remove(filepath.Join(env.root, "drop.md")))
	result, err := env.pipeline.IndexFolder(context.Background(), rec.ID, false, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, result.FilesRemoved)
	assert.Greater(t, result.ChunksEvicted, 0)

	hits, err := env.backend.KeywordSearch(context.Background(), "deleted", 5)
	require.NoError(t, err)
	assert.Empty(t, hits)

	updated := env.folders.Get(rec.ID)
	assert.NotContains(t, updated.Files, "drop.md")
}

func TestIndexFolder_FullReindexRebuildsEverything(t *testing.T) {
	env := newTestEnv(t, nil)
	env.writeFile(t, "main.go", sampleGo)
	rec := env.addFolder(t)

	first, err := env.pipeline.IndexFolder(context.Background(), rec.ID, false, nil)
	require.NoError(t, err)

	result, err := env.pipeline.IndexFolder(context.Background(), rec.ID, true, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, result.FilesChanged, "full reindex treats unchanged files as changed")
	assert.Equal(t, first.ChunksIndexed, result.ChunksEvicted)

	count, err := env.backend.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, result.ChunksIndexed, count)
}

func TestIndexFolder_UnknownFolder(t *testing.T) {
	env := newTestEnv(t, nil)
	_, err := env.pipeline.IndexFolder(context.Background(), "no-such-id", false, nil)
	assert.True(t, aberrors.IsKind(err, aberrors.KindNotFound))
}

func TestRemoveFolder(t *testing.T) {
	env := newTestEnv(t, nil)
	env.writeFile(t, "main.go", sampleGo)
	rec := env.addFolder(t)

	indexed, err := env.pipeline.IndexFolder(context.Background(), rec.ID, false, nil)
	require.NoError(t, err)

	result, err := env.pipeline.RemoveFolder(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, indexed.ChunksIndexed, result.ChunksEvicted)

	count, err := env.backend.Count(context.Background())
	require.NoError(t, err)
	assert.Zero(t, count)
	assert.Nil(t, env.folders.Get(rec.ID))
}

// failingSummarizer always errors; indexing must proceed without
// summaries.
type failingSummarizer struct{}

func (failingSummarizer) Summarize(ctx context.Context, text string) (string, error) {
	return "", errors.New("model offline")
}
func (failingSummarizer) Available(ctx context.Context) bool { return false }
func (failingSummarizer) Close() error                       { return nil }

type fixedSummarizer struct{ summary string }

func (s fixedSummarizer) Summarize(ctx context.Context, text string) (string, error) {
	return s.summary, nil
}
func (s fixedSummarizer) Available(ctx context.Context) bool { return true }
func (s fixedSummarizer) Close() error                       { return nil }

func TestIndexFolder_SummarizerFailureIsFailOpen(t *testing.T) {
	env := newTestEnv(t, failingSummarizer{})
	env.writeFile(t, "main.go", sampleGo)
	rec := env.addFolder(t)

	result, err := env.pipeline.IndexFolder(context.Background(), rec.ID, false, nil)
	require.NoError(t, err)
	assert.Greater(t, result.ChunksIndexed, 0)
}

func TestIndexFolder_SummariesLandInMetadata(t *testing.T) {
	env := newTestEnv(t, fixedSummarizer{summary: "login handler overview"})
	env.writeFile(t, "main.go", sampleGo)
	rec := env.addFolder(t)

	_, err := env.pipeline.IndexFolder(context.Background(), rec.ID, false, nil)
	require.NoError(t, err)

	hits, err := env.backend.KeywordSearch(context.Background(), "HandleLogin", 5)
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, "login handler overview", hits[0].Metadata[store.MetaSummary])
}

func TestIndexFolder_Cancellation(t *testing.T) {
	env := newTestEnv(t, nil)
	env.writeFile(t, "main.go", sampleGo)
	rec := env.addFolder(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := env.pipeline.IndexFolder(ctx, rec.ID, false, nil)
	require.Error(t, err)
}
