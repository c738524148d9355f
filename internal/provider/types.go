// Package provider defines the three capability contracts Agent Brain
// consumes from remote or local model providers: embedding, summarization,
// and reranking. Concrete providers are registered by name in a closed
// factory; callers depend only on the capability interfaces.
package provider

import (
	"context"
	"time"
)

// Defaults shared by provider implementations.
const (
	// DefaultEmbedTimeout is the per-batch embedding timeout.
	DefaultEmbedTimeout = 30 * time.Second

	// DefaultCallTimeout is the per-call timeout for summarize and rerank.
	DefaultCallTimeout = 10 * time.Second

	// DefaultMaxRetries is the retry budget for embedding batches.
	DefaultMaxRetries = 3

	// DefaultBatchSize is the default embedding batch size.
	DefaultBatchSize = 100
)

// Embedder generates vector embeddings for text.
type Embedder interface {
	// Embed generates an embedding for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts, preserving order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the embedding dimension.
	Dimensions() int

	// ModelName returns the model identifier.
	ModelName() string

	// Available checks if the embedder is ready.
	Available(ctx context.Context) bool

	// Close releases resources.
	Close() error
}

// Summarizer produces a short summary used to enrich chunks. Failures are
// fail-open at the pipeline level: the unenriched chunk proceeds.
type Summarizer interface {
	// Summarize returns a short summary of the text.
	Summarize(ctx context.Context, text string) (string, error)

	// Available checks if the summarizer is ready.
	Available(ctx context.Context) bool

	// Close releases resources.
	Close() error
}

// RerankResult is a single reranked document.
type RerankResult struct {
	// Index is the original position in the input documents slice.
	Index int
	// Score is the relevance score in [0, 1].
	Score float64
	// Document is the original document content.
	Document string
}

// Reranker reorders candidate documents by relevance to a query.
type Reranker interface {
	// Rerank scores documents against the query and returns them sorted
	// by score descending. topK limits results (0 = all).
	Rerank(ctx context.Context, query string, documents []string, topK int) ([]RerankResult, error)

	// Available checks if the reranker is ready.
	Available(ctx context.Context) bool

	// Close releases resources.
	Close() error
}
