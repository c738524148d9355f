// Package store defines the storage backend contract and its two
// implementations: an embedded local store and a relational store.
// Both speak the same interface so the pipeline and query engine never
// know which one is underneath.
package store

import (
	"context"
)

// Document is the unit of storage: one chunk of indexed content with
// its embedding and flat string metadata.
type Document struct {
	ID       string
	Text     string
	Vector   []float32
	Metadata map[string]string
}

// Common metadata keys written by the indexing pipeline. Backends treat
// metadata as opaque; these names matter only to filters.
const (
	MetaFolderID   = "folder_id"
	MetaSource     = "source"
	MetaSourcePath = "source_path"
	MetaFileName   = "file_name"
	MetaSourceType = "source_type"
	MetaFileHash   = "file_hash"
	MetaLanguage   = "language"
	MetaChunkIndex = "chunk_index"
	MetaSummary    = "summary"
)

// SearchResult is a scored hit from any search operation. Score is
// always in [0, 1] regardless of backend or search mode.
type SearchResult struct {
	ID       string
	Text     string
	Metadata map[string]string

	// Score is the primary relevance score in [0, 1].
	Score float64

	// OriginalRank is the 1-indexed position before reranking.
	// Zero until the query engine assigns it.
	OriginalRank int

	// RerankScore is set by the query engine when two-stage reranking
	// ran; zero otherwise.
	RerankScore float64

	// MatchedTerms lists keyword terms that matched, when the backend
	// can report them.
	MatchedTerms []string
}

// EmbeddingMetadata records which embedder produced the stored vectors.
// The service refuses to open a store whose recorded dimensions differ
// from the configured embedder.
type EmbeddingMetadata struct {
	Provider   string `json:"provider"`
	Model      string `json:"model"`
	Dimensions int    `json:"dimensions"`
}

// HybridWeights are the per-signal weights for reciprocal rank fusion.
type HybridWeights struct {
	Keyword float64
	Vector  float64
}

// DefaultHybridWeights weighs both signals equally.
func DefaultHybridWeights() HybridWeights {
	return HybridWeights{Keyword: 0.5, Vector: 0.5}
}

// Backend is the storage contract both implementations satisfy.
//
// DeleteByIDs with an empty slice is a guarded no-op: callers that
// computed an empty eviction set must never wipe the store by accident.
type Backend interface {
	// Initialize prepares storage: creates directories, tables, and
	// indexes as needed. Idempotent.
	Initialize(ctx context.Context) error

	// IsInitialized reports whether Initialize has succeeded and the
	// store is usable.
	IsInitialized(ctx context.Context) bool

	// Upsert inserts or replaces documents by ID.
	Upsert(ctx context.Context, docs []Document) error

	// DeleteByIDs removes the named documents and returns how many were
	// actually deleted. An empty slice does nothing.
	DeleteByIDs(ctx context.Context, ids []string) (int, error)

	// DeleteByMetadata removes every document whose metadata matches
	// all key/value pairs in filter. Returns the number removed.
	DeleteByMetadata(ctx context.Context, filter map[string]string) (int, error)

	// VectorSearch returns the topK nearest documents by embedding
	// similarity, scores in [0, 1].
	VectorSearch(ctx context.Context, vector []float32, topK int) ([]SearchResult, error)

	// KeywordSearch returns the topK best lexical matches, scores
	// normalized to [0, 1] by the batch maximum.
	KeywordSearch(ctx context.Context, query string, topK int) ([]SearchResult, error)

	// HybridSearch runs both signals and fuses them with reciprocal
	// rank fusion.
	HybridSearch(ctx context.Context, query string, vector []float32, topK int, weights HybridWeights) ([]SearchResult, error)

	// Count returns the number of stored documents.
	Count(ctx context.Context) (int, error)

	// Reset removes all documents and embedding metadata.
	Reset(ctx context.Context) error

	// EmbeddingMetadata returns the recorded embedder identity, or nil
	// when the store has never been written.
	EmbeddingMetadata(ctx context.Context) (*EmbeddingMetadata, error)

	// SetEmbeddingMetadata records the embedder identity.
	SetEmbeddingMetadata(ctx context.Context, meta EmbeddingMetadata) error

	// Close flushes and releases resources.
	Close() error
}

// clampScore keeps a score inside [0, 1].
func clampScore(s float64) float64 {
	if s < 0 {
		return 0
	}
	if s > 1 {
		return 1
	}
	return s
}

// normalizeByMax scales scores so the best hit becomes 1.0. Results
// must be ordered best-first. A zero max leaves scores untouched.
func normalizeByMax(results []SearchResult) {
	if len(results) == 0 {
		return
	}
	max := results[0].Score
	if max <= 0 {
		return
	}
	for i := range results {
		results[i].Score = clampScore(results[i].Score / max)
	}
}
