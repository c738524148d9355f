// Package query answers retrieval requests against the storage
// backend. It supports keyword, vector, hybrid, and multi-signal
// modes, optional two-stage reranking, and a small result cache that
// is invalidated whenever an index job writes.
package query

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/errgroup"

	"github.com/SpillwaveSolutions/agent-brain/internal/config"
	aberrors "github.com/SpillwaveSolutions/agent-brain/internal/errors"
	"github.com/SpillwaveSolutions/agent-brain/internal/provider"
	"github.com/SpillwaveSolutions/agent-brain/internal/store"
)

// Mode selects the retrieval strategy.
type Mode string

const (
	ModeKeyword Mode = "keyword"
	ModeVector  Mode = "vector"
	ModeHybrid  Mode = "hybrid"
	ModeMulti   Mode = "multi"
	ModeGraph   Mode = "graph"
)

// DefaultTopK is used when a request leaves TopK unset.
const DefaultTopK = 10

// cacheSize bounds the query cache. Entries are small result slices.
const cacheSize = 128

// Request is one retrieval request.
type Request struct {
	Query string
	Mode  Mode
	TopK  int

	// Threshold drops vector-mode results scoring below it. Zero keeps
	// everything. Other modes ignore it; their fused scores are relative
	// to the batch, not to an absolute similarity.
	Threshold float64
}

// Response carries results plus diagnostics about how they were
// produced.
type Response struct {
	Results []store.SearchResult
	Mode    Mode

	// OmittedSignals lists multi-mode signals that failed and were
	// silently dropped from fusion.
	OmittedSignals []string

	// Reranked reports whether the second reranking stage ran.
	Reranked bool

	// Cached reports whether the response came from the cache.
	Cached bool

	Elapsed time.Duration
}

// Engine executes queries.
type Engine struct {
	backend  store.Backend
	embedder provider.Embedder
	reranker provider.Reranker // nil disables reranking

	queryCfg  config.QueryConfig
	rerankCfg config.RerankingConfig
	cache     *lru.Cache[string, []store.SearchResult]
	logger    *slog.Logger
}

// New builds an engine. The reranker may be nil.
func New(
	backend store.Backend,
	embedder provider.Embedder,
	reranker provider.Reranker,
	cfg *config.Config,
	logger *slog.Logger,
) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cache, err := lru.New[string, []store.SearchResult](cacheSize)
	if err != nil {
		return nil, aberrors.Wrap(aberrors.KindInternal, err)
	}
	return &Engine{
		backend:   backend,
		embedder:  embedder,
		reranker:  reranker,
		queryCfg:  cfg.Query,
		rerankCfg: cfg.Reranking,
		cache:     cache,
		logger:    logger,
	}, nil
}

// Invalidate clears the cache. The service calls this after every
// index or remove job so queries never serve evicted documents.
func (e *Engine) Invalidate() {
	e.cache.Purge()
}

// Search runs one query.
func (e *Engine) Search(ctx context.Context, req Request) (*Response, error) {
	if req.Query == "" {
		return nil, aberrors.New(aberrors.KindInvalidInput, "query text is required")
	}
	if req.Mode == "" {
		req.Mode = ModeHybrid
	}
	if req.TopK <= 0 {
		req.TopK = DefaultTopK
	}
	if req.Mode == ModeGraph {
		return nil, aberrors.New(aberrors.KindInvalidInput,
			"graph mode is not supported by the configured backend").
			WithHint("use keyword, vector, hybrid, or multi")
	}

	start := time.Now()
	key := cacheKey(req)
	if cached, ok := e.cache.Get(key); ok {
		return &Response{
			Results: cloneResults(cached),
			Mode:    req.Mode,
			Cached:  true,
			Elapsed: time.Since(start),
		}, nil
	}

	// With reranking enabled the first stage over-fetches candidates.
	fetchK := req.TopK
	rerank := e.rerankCfg.Enabled && e.reranker != nil
	if rerank {
		fetchK = req.TopK * e.rerankCfg.Multiplier
		if fetchK > e.rerankCfg.MaxCandidates {
			fetchK = e.rerankCfg.MaxCandidates
		}
		if fetchK < req.TopK {
			fetchK = req.TopK
		}
	}

	resp := &Response{Mode: req.Mode}
	var results []store.SearchResult
	var err error
	switch req.Mode {
	case ModeKeyword:
		results, err = e.backend.KeywordSearch(ctx, req.Query, fetchK)
	case ModeVector:
		results, err = e.vectorSearch(ctx, req.Query, fetchK)
		if err == nil && req.Threshold > 0 {
			results = aboveThreshold(results, req.Threshold)
		}
	case ModeHybrid:
		results, err = e.hybridSearch(ctx, req.Query, fetchK)
	case ModeMulti:
		results, resp.OmittedSignals, err = e.multiSearch(ctx, req.Query, fetchK)
	default:
		return nil, aberrors.Newf(aberrors.KindInvalidInput, "unknown query mode %q", req.Mode)
	}
	if err != nil {
		return nil, err
	}

	for i := range results {
		results[i].OriginalRank = i + 1
	}
	if rerank && len(results) > 0 {
		results, resp.Reranked = e.rerank(ctx, req.Query, results, req.TopK)
	}
	if len(results) > req.TopK {
		results = results[:req.TopK]
	}

	resp.Results = results
	resp.Elapsed = time.Since(start)
	e.cache.Add(key, cloneResults(results))
	return resp, nil
}

func (e *Engine) vectorSearch(ctx context.Context, query string, topK int) ([]store.SearchResult, error) {
	vec, err := e.embedder.Embed(ctx, query)
	if err != nil {
		return nil, aberrors.Wrap(aberrors.KindProvider, err)
	}
	return e.backend.VectorSearch(ctx, vec, topK)
}

func (e *Engine) hybridSearch(ctx context.Context, query string, topK int) ([]store.SearchResult, error) {
	vec, err := e.embedder.Embed(ctx, query)
	if err != nil {
		return nil, aberrors.Wrap(aberrors.KindProvider, err)
	}
	return e.backend.HybridSearch(ctx, query, vec, topK, store.HybridWeights{
		Keyword: e.queryCfg.KeywordWeight,
		Vector:  e.queryCfg.VectorWeight,
	})
}

// multiSearch fans out to the keyword, vector, and hybrid signals in
// parallel and fuses whatever came back. A failed signal is dropped
// and reported, not fatal; only all three failing is an error.
func (e *Engine) multiSearch(ctx context.Context, query string, topK int) ([]store.SearchResult, []string, error) {
	factor := e.queryCfg.MultiFetchFactor
	if factor <= 0 {
		factor = 3
	}
	fetchK := topK * factor

	weights := e.queryCfg.MultiSignalWeights
	signals := []struct {
		name     string
		weight   float64
		tieBreak bool
		run      func(context.Context) ([]store.SearchResult, error)
	}{
		{"keyword", weights.Keyword, false, func(ctx context.Context) ([]store.SearchResult, error) {
			return e.backend.KeywordSearch(ctx, query, fetchK)
		}},
		{"vector", weights.Vector, true, func(ctx context.Context) ([]store.SearchResult, error) {
			return e.vectorSearch(ctx, query, fetchK)
		}},
		{"hybrid", weights.Hybrid, false, func(ctx context.Context) ([]store.SearchResult, error) {
			return e.hybridSearch(ctx, query, fetchK)
		}},
	}

	lists := make([]store.RankedList, len(signals))
	errs := make([]error, len(signals))
	g, gctx := errgroup.WithContext(ctx)
	for i, sig := range signals {
		g.Go(func() error {
			results, err := sig.run(gctx)
			if err != nil {
				errs[i] = err
				return nil
			}
			lists[i] = store.RankedList{Results: results, Weight: sig.weight, TieBreak: sig.tieBreak}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	var live []store.RankedList
	var omitted []string
	for i, sig := range signals {
		if errs[i] != nil {
			e.logger.Warn("query signal failed", "signal", sig.name, "error", errs[i])
			omitted = append(omitted, sig.name)
			continue
		}
		live = append(live, lists[i])
	}
	if len(live) == 0 {
		return nil, omitted, aberrors.Wrapf(aberrors.KindStorage, errs[0], "all query signals failed")
	}
	return store.FuseRanked(live, fetchK), omitted, nil
}

// rerank runs the second stage. Provider failure falls back to the
// original order.
func (e *Engine) rerank(ctx context.Context, query string, results []store.SearchResult, topK int) ([]store.SearchResult, bool) {
	docs := make([]string, len(results))
	for i, r := range results {
		docs[i] = r.Text
	}

	ranked, err := e.reranker.Rerank(ctx, query, docs, topK)
	if err != nil {
		e.logger.Warn("reranking failed, keeping original order", "error", err)
		return results, false
	}

	out := make([]store.SearchResult, 0, len(ranked))
	for _, r := range ranked {
		if r.Index < 0 || r.Index >= len(results) {
			e.logger.Warn("reranker returned out-of-range index, keeping original order", "index", r.Index)
			return results, false
		}
		hit := results[r.Index]
		hit.Score = r.Score
		hit.RerankScore = r.Score
		out = append(out, hit)
	}
	return out, true
}

func aboveThreshold(results []store.SearchResult, threshold float64) []store.SearchResult {
	out := make([]store.SearchResult, 0, len(results))
	for _, r := range results {
		if r.Score >= threshold {
			out = append(out, r)
		}
	}
	return out
}

func cacheKey(req Request) string {
	return fmt.Sprintf("%s\x00%d\x00%g\x00%s", req.Mode, req.TopK, req.Threshold, req.Query)
}

// cloneResults guards cached slices from caller mutation.
func cloneResults(in []store.SearchResult) []store.SearchResult {
	out := make([]store.SearchResult, len(in))
	copy(out, in)
	return out
}
