package query

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SpillwaveSolutions/agent-brain/internal/config"
	aberrors "github.com/SpillwaveSolutions/agent-brain/internal/errors"
	"github.com/SpillwaveSolutions/agent-brain/internal/provider"
	"github.com/SpillwaveSolutions/agent-brain/internal/store"
)

// fakeBackend returns canned results per signal and can fail any of
// them.
type fakeBackend struct {
	keyword []store.SearchResult
	vector  []store.SearchResult
	hybrid  []store.SearchResult

	keywordErr error
	vectorErr  error
	hybridErr  error

	keywordCalls int
}

func (f *fakeBackend) Initialize(ctx context.Context) error   { return nil }
func (f *fakeBackend) IsInitialized(ctx context.Context) bool { return true }
func (f *fakeBackend) Upsert(ctx context.Context, docs []store.Document) error { return nil }
func (f *fakeBackend) DeleteByIDs(ctx context.Context, ids []string) (int, error) { return 0, nil }
func (f *fakeBackend) DeleteByMetadata(ctx context.Context, filter map[string]string) (int, error) {
	return 0, nil
}
func (f *fakeBackend) VectorSearch(ctx context.Context, vector []float32, topK int) ([]store.SearchResult, error) {
	return truncate(f.vector, topK), f.vectorErr
}
func (f *fakeBackend) KeywordSearch(ctx context.Context, query string, topK int) ([]store.SearchResult, error) {
	f.keywordCalls++
	return truncate(f.keyword, topK), f.keywordErr
}
func (f *fakeBackend) HybridSearch(ctx context.Context, query string, vector []float32, topK int, weights store.HybridWeights) ([]store.SearchResult, error) {
	return truncate(f.hybrid, topK), f.hybridErr
}
func (f *fakeBackend) Count(ctx context.Context) (int, error) { return 0, nil }
func (f *fakeBackend) Reset(ctx context.Context) error        { return nil }
func (f *fakeBackend) EmbeddingMetadata(ctx context.Context) (*store.EmbeddingMetadata, error) {
	return nil, nil
}
func (f *fakeBackend) SetEmbeddingMetadata(ctx context.Context, meta store.EmbeddingMetadata) error {
	return nil
}
func (f *fakeBackend) Close() error { return nil }

func truncate(results []store.SearchResult, topK int) []store.SearchResult {
	if len(results) > topK {
		return results[:topK]
	}
	return results
}

func hits(ids ...string) []store.SearchResult {
	out := make([]store.SearchResult, len(ids))
	for i, id := range ids {
		out[i] = store.SearchResult{
			ID:    id,
			Text:  "text for " + id,
			Score: 1.0 - float64(i)*0.1,
		}
	}
	return out
}

// reverseReranker returns documents in reverse order with descending
// scores.
type reverseReranker struct{ err error }

func (r reverseReranker) Rerank(ctx context.Context, query string, documents []string, topK int) ([]provider.RerankResult, error) {
	if r.err != nil {
		return nil, r.err
	}
	out := make([]provider.RerankResult, 0, len(documents))
	for i := len(documents) - 1; i >= 0; i-- {
		out = append(out, provider.RerankResult{
			Index:    i,
			Score:    float64(len(documents)-len(out)) / float64(len(documents)+1),
			Document: documents[i],
		})
	}
	if topK > 0 && len(out) > topK {
		out = out[:topK]
	}
	return out, nil
}
func (r reverseReranker) Available(ctx context.Context) bool { return true }
func (r reverseReranker) Close() error                       { return nil }

func newTestEngine(t *testing.T, backend store.Backend, reranker provider.Reranker, mutate func(*config.Config)) *Engine {
	t.Helper()
	cfg := config.Default()
	if mutate != nil {
		mutate(&cfg)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	engine, err := New(backend, provider.NewStaticEmbedder(), reranker, &cfg, logger)
	require.NoError(t, err)
	return engine
}

func TestSearch_EmptyQuery(t *testing.T) {
	engine := newTestEngine(t, &fakeBackend{}, nil, nil)
	_, err := engine.Search(context.Background(), Request{})
	assert.True(t, aberrors.IsKind(err, aberrors.KindInvalidInput))
}

func TestSearch_DefaultsToHybrid(t *testing.T) {
	backend := &fakeBackend{hybrid: hits("h1", "h2")}
	engine := newTestEngine(t, backend, nil, nil)

	resp, err := engine.Search(context.Background(), Request{Query: "auth flow"})
	require.NoError(t, err)
	assert.Equal(t, ModeHybrid, resp.Mode)
	require.Len(t, resp.Results, 2)
	assert.Equal(t, "h1", resp.Results[0].ID)
}

func TestSearch_AssignsOriginalRank(t *testing.T) {
	backend := &fakeBackend{keyword: hits("a", "b", "c")}
	engine := newTestEngine(t, backend, nil, nil)

	resp, err := engine.Search(context.Background(), Request{Query: "q", Mode: ModeKeyword})
	require.NoError(t, err)
	require.Len(t, resp.Results, 3)
	for i, r := range resp.Results {
		assert.Equal(t, i+1, r.OriginalRank)
	}
}

func TestSearch_GraphModeUnsupported(t *testing.T) {
	engine := newTestEngine(t, &fakeBackend{}, nil, nil)
	_, err := engine.Search(context.Background(), Request{Query: "q", Mode: ModeGraph})
	assert.True(t, aberrors.IsKind(err, aberrors.KindInvalidInput))
}

func TestSearch_UnknownMode(t *testing.T) {
	engine := newTestEngine(t, &fakeBackend{}, nil, nil)
	_, err := engine.Search(context.Background(), Request{Query: "q", Mode: Mode("semantic")})
	assert.True(t, aberrors.IsKind(err, aberrors.KindInvalidInput))
}

func TestSearch_MultiFusesSignals(t *testing.T) {
	backend := &fakeBackend{
		keyword: hits("shared", "kw-only"),
		vector:  hits("shared", "vec-only"),
		hybrid:  hits("shared"),
	}
	engine := newTestEngine(t, backend, nil, nil)

	resp, err := engine.Search(context.Background(), Request{Query: "q", Mode: ModeMulti, TopK: 5})
	require.NoError(t, err)
	assert.Empty(t, resp.OmittedSignals)
	require.NotEmpty(t, resp.Results)

	// The document present in every signal fuses to the top.
	assert.Equal(t, "shared", resp.Results[0].ID)
	assert.InDelta(t, 1.0, resp.Results[0].Score, 1e-9)
}

func TestSearch_MultiOmitsFailedSignal(t *testing.T) {
	backend := &fakeBackend{
		keyword:   hits("a", "b"),
		hybrid:    hits("a"),
		vectorErr: errors.New("vector index unavailable"),
	}
	engine := newTestEngine(t, backend, nil, nil)

	resp, err := engine.Search(context.Background(), Request{Query: "q", Mode: ModeMulti})
	require.NoError(t, err)
	assert.Equal(t, []string{"vector"}, resp.OmittedSignals)
	assert.NotEmpty(t, resp.Results)
}

func TestSearch_MultiAllSignalsFailed(t *testing.T) {
	boom := errors.New("backend down")
	backend := &fakeBackend{keywordErr: boom, vectorErr: boom, hybridErr: boom}
	engine := newTestEngine(t, backend, nil, nil)

	_, err := engine.Search(context.Background(), Request{Query: "q", Mode: ModeMulti})
	require.Error(t, err)
	assert.True(t, aberrors.IsKind(err, aberrors.KindStorage))
}

func TestSearch_RerankReorders(t *testing.T) {
	backend := &fakeBackend{keyword: hits("first", "second", "third")}
	engine := newTestEngine(t, backend, reverseReranker{}, func(cfg *config.Config) {
		cfg.Reranking.Enabled = true
	})

	resp, err := engine.Search(context.Background(), Request{Query: "q", Mode: ModeKeyword, TopK: 3})
	require.NoError(t, err)
	assert.True(t, resp.Reranked)
	require.Len(t, resp.Results, 3)
	assert.Equal(t, "third", resp.Results[0].ID)
	assert.Greater(t, resp.Results[0].RerankScore, 0.0)
	// Score is replaced by the rerank score, so the result order and
	// the reported scores agree.
	for _, r := range resp.Results {
		assert.Equal(t, r.RerankScore, r.Score)
	}
	assert.Greater(t, resp.Results[0].Score, resp.Results[1].Score)
	// The pre-rerank position survives in OriginalRank.
	assert.Equal(t, 3, resp.Results[0].OriginalRank)
}

func TestSearch_RerankFailureFallsBack(t *testing.T) {
	backend := &fakeBackend{keyword: hits("first", "second")}
	engine := newTestEngine(t, backend, reverseReranker{err: errors.New("model offline")}, func(cfg *config.Config) {
		cfg.Reranking.Enabled = true
	})

	resp, err := engine.Search(context.Background(), Request{Query: "q", Mode: ModeKeyword})
	require.NoError(t, err)
	assert.False(t, resp.Reranked)
	assert.Equal(t, "first", resp.Results[0].ID)
}

func TestSearch_CacheHitAndInvalidate(t *testing.T) {
	backend := &fakeBackend{keyword: hits("a")}
	engine := newTestEngine(t, backend, nil, nil)

	req := Request{Query: "cached query", Mode: ModeKeyword}
	first, err := engine.Search(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, first.Cached)

	second, err := engine.Search(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, 1, backend.keywordCalls)

	engine.Invalidate()
	third, err := engine.Search(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, third.Cached)
	assert.Equal(t, 2, backend.keywordCalls)
}

func TestSearch_VectorThresholdFiltersLowScores(t *testing.T) {
	backend := &fakeBackend{vector: hits("a", "b", "c", "d")}
	engine := newTestEngine(t, backend, nil, nil)

	// hits() scores descend from 1.0 in steps of 0.1, so 0.85 keeps
	// the first two.
	resp, err := engine.Search(context.Background(), Request{
		Query: "q", Mode: ModeVector, Threshold: 0.85,
	})
	require.NoError(t, err)
	require.Len(t, resp.Results, 2)
	assert.Equal(t, "a", resp.Results[0].ID)
	assert.Equal(t, "b", resp.Results[1].ID)
}

func TestSearch_TopKTruncation(t *testing.T) {
	backend := &fakeBackend{keyword: hits("a", "b", "c", "d", "e")}
	engine := newTestEngine(t, backend, nil, nil)

	resp, err := engine.Search(context.Background(), Request{Query: "q", Mode: ModeKeyword, TopK: 2})
	require.NoError(t, err)
	assert.Len(t, resp.Results, 2)
}
