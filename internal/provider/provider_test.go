package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SpillwaveSolutions/agent-brain/internal/config"
	aberrors "github.com/SpillwaveSolutions/agent-brain/internal/errors"
)

func TestStaticEmbedder_Deterministic(t *testing.T) {
	e := NewStaticEmbedder()
	defer e.Close()

	a, err := e.Embed(context.Background(), "espresso brewing guide")
	require.NoError(t, err)
	b, err := e.Embed(context.Background(), "espresso brewing guide")
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, a, StaticDimensions)
}

func TestStaticEmbedder_UnitLength(t *testing.T) {
	e := NewStaticEmbedder()
	defer e.Close()

	vec, err := e.Embed(context.Background(), "normalize me please")
	require.NoError(t, err)

	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	assert.InDelta(t, 1.0, sum, 1e-4)
}

func TestStaticEmbedder_EmptyInputZeroVector(t *testing.T) {
	e := NewStaticEmbedder()
	defer e.Close()

	vec, err := e.Embed(context.Background(), "   ")
	require.NoError(t, err)
	for _, v := range vec {
		assert.Zero(t, v)
	}
}

func TestStaticEmbedder_DistinctTextsDiffer(t *testing.T) {
	e := NewStaticEmbedder()
	defer e.Close()

	a, _ := e.Embed(context.Background(), "binary search tree")
	b, _ := e.Embed(context.Background(), "HTTP connection pooling")
	assert.NotEqual(t, a, b)
}

func TestStaticEmbedder_Batch(t *testing.T) {
	e := NewStaticEmbedder()
	defer e.Close()

	vecs, err := e.EmbedBatch(context.Background(), []string{"one", "two", "three"})
	require.NoError(t, err)
	require.Len(t, vecs, 3)
	single, _ := e.Embed(context.Background(), "two")
	assert.Equal(t, single, vecs[1])
}

func TestSplitIdentifier(t *testing.T) {
	assert.Equal(t, []string{"parse", "Config"}, splitIdentifier("parseConfig"))
	assert.Equal(t, []string{"v", "2"}, splitIdentifier("v2"))
	assert.Equal(t, []string{"plain"}, splitIdentifier("plain"))
}

func TestCachedEmbedder_HitsCache(t *testing.T) {
	counter := &countingEmbedder{inner: NewStaticEmbedder()}
	cached := NewCachedEmbedder(counter, 16)
	defer cached.Close()

	_, err := cached.Embed(context.Background(), "repeated query")
	require.NoError(t, err)
	_, err = cached.Embed(context.Background(), "repeated query")
	require.NoError(t, err)
	assert.Equal(t, 1, counter.embeds)
}

type countingEmbedder struct {
	inner  Embedder
	embeds int
}

func (c *countingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	c.embeds++
	return c.inner.Embed(ctx, text)
}
func (c *countingEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return c.inner.EmbedBatch(ctx, texts)
}
func (c *countingEmbedder) Dimensions() int                    { return c.inner.Dimensions() }
func (c *countingEmbedder) ModelName() string                  { return c.inner.ModelName() }
func (c *countingEmbedder) Available(ctx context.Context) bool { return true }
func (c *countingEmbedder) Close() error                       { return c.inner.Close() }

func TestOllamaEmbedder_Batch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/embed", r.URL.Path)
		var req ollamaEmbedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		resp := ollamaEmbedResponse{Embeddings: make([][]float32, len(req.Input))}
		for i := range req.Input {
			resp.Embeddings[i] = []float32{1, 2, 3}
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	e, err := NewOllamaEmbedder(context.Background(), OllamaConfig{
		Host: server.URL, Model: "test-model", SkipHealthCheck: true,
	})
	require.NoError(t, err)
	defer e.Close()

	vecs, err := e.EmbedBatch(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	require.Len(t, vecs, 2)
	assert.Equal(t, []float32{1, 2, 3}, vecs[0])
}

func TestOllamaEmbedder_ServerErrorIsProviderKind(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer server.Close()

	e, err := NewOllamaEmbedder(context.Background(), OllamaConfig{
		Host: server.URL, SkipHealthCheck: true,
	})
	require.NoError(t, err)
	defer e.Close()

	_, err = e.EmbedBatch(context.Background(), []string{"a"})
	require.Error(t, err)
	assert.True(t, aberrors.IsKind(err, aberrors.KindProvider))
	assert.False(t, aberrors.IsRetryable(err))
}

func TestOllamaEmbedder_TransientErrorsAreRetryable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model loading", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	e, err := NewOllamaEmbedder(context.Background(), OllamaConfig{
		Host: server.URL, SkipHealthCheck: true,
	})
	require.NoError(t, err)
	defer e.Close()

	// A 5xx response may clear on a later attempt.
	_, err = e.EmbedBatch(context.Background(), []string{"a"})
	require.Error(t, err)
	assert.True(t, aberrors.IsRetryable(err))

	// So may a refused connection.
	server.Close()
	_, err = e.EmbedBatch(context.Background(), []string{"a"})
	require.Error(t, err)
	assert.True(t, aberrors.IsRetryable(err))
}

func TestHTTPReranker_SortsByScore(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/rerank", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"results": []map[string]any{
				{"index": 0, "relevance_score": 0.2},
				{"index": 1, "relevance_score": 0.9},
				{"index": 2, "relevance_score": 0.5},
			},
		})
	}))
	defer server.Close()

	r := NewHTTPReranker(HTTPRerankerConfig{Endpoint: server.URL})
	defer r.Close()

	results, err := r.Rerank(context.Background(), "q", []string{"a", "b", "c"}, 2)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, 1, results[0].Index)
	assert.Equal(t, 2, results[1].Index)
}

func TestHTTPReranker_OutOfRangeIndexFails(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"results": []map[string]any{{"index": 7, "relevance_score": 0.9}},
		})
	}))
	defer server.Close()

	r := NewHTTPReranker(HTTPRerankerConfig{Endpoint: server.URL})
	defer r.Close()

	_, err := r.Rerank(context.Background(), "q", []string{"only"}, 0)
	require.Error(t, err)
	assert.True(t, aberrors.IsKind(err, aberrors.KindProvider))
}

func TestNoopReranker_PreservesOrder(t *testing.T) {
	r := &NoopReranker{}
	results, err := r.Rerank(context.Background(), "q", []string{"a", "b", "c"}, 0)
	require.NoError(t, err)
	require.Len(t, results, 3)
	for i, res := range results {
		assert.Equal(t, i, res.Index)
	}
	assert.Greater(t, results[0].Score, results[1].Score)
}

func TestNewEmbedder_UnknownProvider(t *testing.T) {
	_, err := NewEmbedder(context.Background(), config.ProviderConfig{Provider: "quantum"})
	require.Error(t, err)
	assert.True(t, aberrors.IsKind(err, aberrors.KindConfiguration))
}

func TestNewSummarizer_NoneDisables(t *testing.T) {
	s, err := NewSummarizer(config.ProviderConfig{Provider: "none"})
	require.NoError(t, err)
	assert.Nil(t, s)
}

func TestNewReranker_Noop(t *testing.T) {
	r, err := NewReranker(config.ProviderConfig{Provider: "noop"})
	require.NoError(t, err)
	require.NotNil(t, r)
	assert.True(t, r.Available(context.Background()))
}

func TestNewReranker_HTTPRequiresBaseURL(t *testing.T) {
	_, err := NewReranker(config.ProviderConfig{Provider: "http"})
	require.Error(t, err)
	assert.True(t, aberrors.IsKind(err, aberrors.KindConfiguration))
}
