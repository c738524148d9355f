package store

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	aberrors "github.com/SpillwaveSolutions/agent-brain/internal/errors"
)

// File names inside the embedded store directory.
const (
	vectorGraphFile = "vectors.hnsw"
	lexicalIndexDir = "lexical.bleve"
	catalogFile     = "catalog.db"
)

// EmbeddedConfig configures the embedded backend.
type EmbeddedConfig struct {
	// Path is the directory holding all three stores.
	Path string

	// Dimensions is the embedding dimensionality; it must match the
	// configured embedder.
	Dimensions int

	// Metric is "cos" or "l2". Default cosine.
	Metric string

	// M and EfConstruction tune the HNSW graph.
	M              int
	EfConstruction int
}

// EmbeddedStore is the local backend: an HNSW graph for vectors, a
// bleve index for keywords, and a sqlite catalog as the source of
// truth for text and metadata. All three are pure Go with no external
// services.
type EmbeddedStore struct {
	config  EmbeddedConfig
	logger  *slog.Logger
	vectors *VectorIndex
	lexical *LexicalIndex
	docs    *catalog

	mu     sync.Mutex
	dirty  bool
	closed bool
}

var _ Backend = (*EmbeddedStore)(nil)

// NewEmbeddedStore creates the backend. Initialize must be called
// before any other operation.
func NewEmbeddedStore(cfg EmbeddedConfig, logger *slog.Logger) *EmbeddedStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &EmbeddedStore{config: cfg, logger: logger}
}

// Initialize opens the three stores, loading a persisted vector graph
// when one exists. A dimension mismatch with a persisted graph is a
// hard error; the caller decides whether to reset.
func (s *EmbeddedStore) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return aberrors.New(aberrors.KindConflict, "store is closed")
	}
	if s.vectors != nil {
		return nil
	}

	if err := os.MkdirAll(s.config.Path, 0o755); err != nil {
		return aberrors.Wrapf(aberrors.KindStorage, err, "create store directory %s", s.config.Path)
	}

	graphPath := filepath.Join(s.config.Path, vectorGraphFile)
	saved, err := SavedDimensions(graphPath)
	if err != nil {
		return aberrors.Wrap(aberrors.KindStorage, err)
	}
	if saved != 0 && saved != s.config.Dimensions {
		return aberrors.Newf(aberrors.KindDimensionMismatch,
			"store holds %d-dimensional vectors, embedder produces %d", saved, s.config.Dimensions).
			WithHint("reset the store or restore the original embedding model")
	}

	vectors, err := NewVectorIndex(VectorIndexConfig{
		Dimensions:     s.config.Dimensions,
		Metric:         s.config.Metric,
		M:              s.config.M,
		EfConstruction: s.config.EfConstruction,
	})
	if err != nil {
		return err
	}
	if saved != 0 {
		if err := vectors.Load(graphPath); err != nil {
			return aberrors.Wrapf(aberrors.KindStorage, err, "load vector graph")
		}
	}

	lexical, err := NewLexicalIndex(filepath.Join(s.config.Path, lexicalIndexDir))
	if err != nil {
		vectors.Close()
		return aberrors.Wrap(aberrors.KindStorage, err)
	}

	docs, err := openCatalog(filepath.Join(s.config.Path, catalogFile))
	if err != nil {
		lexical.Close()
		vectors.Close()
		return aberrors.Wrap(aberrors.KindStorage, err)
	}

	s.vectors = vectors
	s.lexical = lexical
	s.docs = docs
	s.logger.Info("embedded store opened",
		slog.String("path", s.config.Path),
		slog.Int("dimensions", s.config.Dimensions),
		slog.Int("vectors", vectors.Count()))
	return nil
}

// Upsert writes documents to all three stores: catalog first as the
// source of truth, then the lexical index, then the vector graph.
func (s *EmbeddedStore) Upsert(ctx context.Context, docs []Document) error {
	if len(docs) == 0 {
		return nil
	}
	if err := s.ready(); err != nil {
		return err
	}

	ids := make([]string, len(docs))
	vectors := make([][]float32, len(docs))
	for i, doc := range docs {
		if doc.ID == "" {
			return aberrors.New(aberrors.KindInvalidInput, "document with empty ID")
		}
		if len(doc.Vector) != s.config.Dimensions {
			return aberrors.Newf(aberrors.KindDimensionMismatch,
				"document %s has %d-dimensional vector, store expects %d",
				doc.ID, len(doc.Vector), s.config.Dimensions)
		}
		ids[i] = doc.ID
		vectors[i] = doc.Vector
	}

	if err := s.docs.upsert(ctx, docs); err != nil {
		return aberrors.Wrap(aberrors.KindStorage, err)
	}
	if err := s.lexical.Index(ctx, docs); err != nil {
		return aberrors.Wrap(aberrors.KindStorage, err)
	}
	if err := s.vectors.Add(ids, vectors); err != nil {
		return err
	}

	s.mu.Lock()
	s.dirty = true
	s.mu.Unlock()
	return nil
}

// DeleteByIDs removes documents from all three stores and returns the
// number the catalog actually held. An empty slice is a guarded no-op.
func (s *EmbeddedStore) DeleteByIDs(ctx context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	if err := s.ready(); err != nil {
		return 0, err
	}

	deleted, err := s.docs.deleteByIDs(ctx, ids)
	if err != nil {
		return 0, aberrors.Wrap(aberrors.KindStorage, err)
	}
	if err := s.lexical.Delete(ctx, ids); err != nil {
		return deleted, aberrors.Wrap(aberrors.KindStorage, err)
	}
	s.vectors.Delete(ids)

	s.mu.Lock()
	s.dirty = true
	s.mu.Unlock()
	return deleted, nil
}

// DeleteByMetadata removes every document matching all filter pairs.
func (s *EmbeddedStore) DeleteByMetadata(ctx context.Context, filter map[string]string) (int, error) {
	if err := s.ready(); err != nil {
		return 0, err
	}
	ids, err := s.docs.idsByMetadata(ctx, filter)
	if err != nil {
		return 0, aberrors.Wrap(aberrors.KindStorage, err)
	}
	if len(ids) == 0 {
		return 0, nil
	}
	return s.DeleteByIDs(ctx, ids)
}

// VectorSearch returns nearest neighbors hydrated from the catalog.
func (s *EmbeddedStore) VectorSearch(ctx context.Context, vector []float32, topK int) ([]SearchResult, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	if topK <= 0 {
		return []SearchResult{}, nil
	}

	hits, err := s.vectors.Search(vector, topK)
	if err != nil {
		return nil, err
	}
	results := make([]SearchResult, 0, len(hits))
	for _, hit := range hits {
		results = append(results, SearchResult{ID: hit.ID, Score: hit.Score})
	}
	if err := s.hydrate(ctx, results); err != nil {
		return nil, err
	}
	return results, nil
}

// KeywordSearch returns BM25 matches normalized so the best hit
// scores 1.0, hydrated from the catalog.
func (s *EmbeddedStore) KeywordSearch(ctx context.Context, query string, topK int) ([]SearchResult, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	if topK <= 0 {
		return []SearchResult{}, nil
	}

	hits, err := s.lexical.Search(ctx, query, topK)
	if err != nil {
		return nil, aberrors.Wrap(aberrors.KindStorage, err)
	}
	results := make([]SearchResult, 0, len(hits))
	for _, hit := range hits {
		results = append(results, SearchResult{
			ID:           hit.ID,
			Score:        hit.Score,
			MatchedTerms: hit.MatchedTerms,
		})
	}
	normalizeByMax(results)
	if err := s.hydrate(ctx, results); err != nil {
		return nil, err
	}
	return results, nil
}

// HybridSearch fuses both signals with reciprocal rank fusion.
func (s *EmbeddedStore) HybridSearch(ctx context.Context, query string, vector []float32, topK int, weights HybridWeights) ([]SearchResult, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	if topK <= 0 {
		return []SearchResult{}, nil
	}
	if weights.Keyword == 0 && weights.Vector == 0 {
		weights = DefaultHybridWeights()
	}

	// Over-fetch per signal so fusion sees documents that rank just
	// outside topK in one list but high in the other.
	fetchK := topK * 2
	keyword, err := s.KeywordSearch(ctx, query, fetchK)
	if err != nil {
		return nil, err
	}
	vec, err := s.VectorSearch(ctx, vector, fetchK)
	if err != nil {
		return nil, err
	}

	fused := FuseRanked([]RankedList{
		{Results: keyword, Weight: weights.Keyword},
		{Results: vec, Weight: weights.Vector, TieBreak: true},
	}, topK)
	if err := s.hydrate(ctx, fused); err != nil {
		return nil, err
	}
	return fused, nil
}

// IsInitialized reports whether the store is open and usable.
func (s *EmbeddedStore) IsInitialized(ctx context.Context) bool {
	return s.ready() == nil
}

// Count returns the catalog document count.
func (s *EmbeddedStore) Count(ctx context.Context) (int, error) {
	if err := s.ready(); err != nil {
		return 0, err
	}
	n, err := s.docs.count(ctx)
	if err != nil {
		return 0, aberrors.Wrap(aberrors.KindStorage, err)
	}
	return n, nil
}

// Reset drops all documents, the lexical index, and the vector graph.
func (s *EmbeddedStore) Reset(ctx context.Context) error {
	if err := s.ready(); err != nil {
		return err
	}

	if err := s.docs.reset(ctx); err != nil {
		return aberrors.Wrap(aberrors.KindStorage, err)
	}

	// Rebuild the in-memory indexes from scratch rather than deleting
	// node by node.
	if err := s.lexical.Close(); err != nil {
		return aberrors.Wrap(aberrors.KindStorage, err)
	}
	lexPath := filepath.Join(s.config.Path, lexicalIndexDir)
	if err := os.RemoveAll(lexPath); err != nil {
		return aberrors.Wrapf(aberrors.KindStorage, err, "remove lexical index")
	}
	lexical, err := NewLexicalIndex(lexPath)
	if err != nil {
		return aberrors.Wrap(aberrors.KindStorage, err)
	}
	s.lexical = lexical

	s.vectors.Close()
	graphPath := filepath.Join(s.config.Path, vectorGraphFile)
	_ = os.Remove(graphPath)
	_ = os.Remove(graphPath + ".ids")
	vectors, err := NewVectorIndex(VectorIndexConfig{
		Dimensions:     s.config.Dimensions,
		Metric:         s.config.Metric,
		M:              s.config.M,
		EfConstruction: s.config.EfConstruction,
	})
	if err != nil {
		return err
	}
	s.vectors = vectors

	s.mu.Lock()
	s.dirty = false
	s.mu.Unlock()
	s.logger.Info("embedded store reset", slog.String("path", s.config.Path))
	return nil
}

// EmbeddingMetadata returns the recorded embedder identity.
func (s *EmbeddedStore) EmbeddingMetadata(ctx context.Context) (*EmbeddingMetadata, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	meta, err := s.docs.embeddingMetadata(ctx)
	if err != nil {
		return nil, aberrors.Wrap(aberrors.KindStorage, err)
	}
	return meta, nil
}

// SetEmbeddingMetadata records the embedder identity.
func (s *EmbeddedStore) SetEmbeddingMetadata(ctx context.Context, meta EmbeddingMetadata) error {
	if err := s.ready(); err != nil {
		return err
	}
	if err := s.guardMetadataRewrite(ctx, meta); err != nil {
		return err
	}
	if err := s.docs.setEmbeddingMetadata(ctx, meta); err != nil {
		return aberrors.Wrap(aberrors.KindStorage, err)
	}
	return nil
}

// guardMetadataRewrite rejects a dimension change once documents exist.
// Re-recording the identical dimensions stays idempotent.
func (s *EmbeddedStore) guardMetadataRewrite(ctx context.Context, meta EmbeddingMetadata) error {
	existing, err := s.EmbeddingMetadata(ctx)
	if err != nil {
		return err
	}
	if existing == nil || existing.Dimensions == meta.Dimensions {
		return nil
	}
	count, err := s.Count(ctx)
	if err != nil {
		return err
	}
	if count > 0 {
		return aberrors.Newf(aberrors.KindDimensionMismatch,
			"cannot change embedding dimensions from %d to %d while %d documents exist",
			existing.Dimensions, meta.Dimensions, count).
			WithHint("reset the store before switching embedding models")
	}
	return nil
}

// Flush persists the vector graph when it changed since the last
// flush. The catalog and lexical index persist on their own.
func (s *EmbeddedStore) Flush() error {
	if err := s.ready(); err != nil {
		return err
	}
	s.mu.Lock()
	dirty := s.dirty
	s.mu.Unlock()
	if !dirty {
		return nil
	}
	if err := s.vectors.Save(filepath.Join(s.config.Path, vectorGraphFile)); err != nil {
		return aberrors.Wrapf(aberrors.KindStorage, err, "persist vector graph")
	}
	s.mu.Lock()
	s.dirty = false
	s.mu.Unlock()
	return nil
}

// Close flushes and closes all three stores.
func (s *EmbeddedStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	dirty := s.dirty
	s.mu.Unlock()

	if s.vectors == nil {
		return nil
	}

	var firstErr error
	if dirty {
		if err := s.vectors.Save(filepath.Join(s.config.Path, vectorGraphFile)); err != nil {
			firstErr = err
			s.logger.Error("persist vector graph on close", slog.String("error", err.Error()))
		}
	}
	if err := s.vectors.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := s.lexical.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := s.docs.close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// ready reports whether Initialize has run and the store is open.
func (s *EmbeddedStore) ready() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return aberrors.New(aberrors.KindConflict, "store is closed")
	}
	if s.vectors == nil {
		return aberrors.New(aberrors.KindStartup, "store not initialized")
	}
	return nil
}

// hydrate fills Text and Metadata from the catalog for results that
// only carry an ID and score.
func (s *EmbeddedStore) hydrate(ctx context.Context, results []SearchResult) error {
	var missing []string
	for _, r := range results {
		if r.Text == "" {
			missing = append(missing, r.ID)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	docs, err := s.docs.get(ctx, missing)
	if err != nil {
		return aberrors.Wrap(aberrors.KindStorage, err)
	}
	for i := range results {
		if doc, ok := docs[results[i].ID]; ok && results[i].Text == "" {
			results[i].Text = doc.Text
			results[i].Metadata = doc.Metadata
		}
	}
	return nil
}
