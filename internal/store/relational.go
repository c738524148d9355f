package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	aberrors "github.com/SpillwaveSolutions/agent-brain/internal/errors"
)

// RelationalConfig configures the PostgreSQL backend.
type RelationalConfig struct {
	// ConnString is a postgres:// connection URL.
	ConnString string

	// Dimensions is the embedding dimensionality.
	Dimensions int

	// Language is the text search configuration (validated upstream
	// against a fixed set, so it is safe to splice into DDL).
	Language string

	// PoolSize is the steady-state pool size; MaxOverflow is extra
	// headroom for bursts. The pool caps at PoolSize + MaxOverflow.
	PoolSize    int
	MaxOverflow int

	// HNSWM and HNSWEfConstruction tune the pgvector HNSW index.
	HNSWM              int
	HNSWEfConstruction int
}

// RelationalStore is the PostgreSQL backend: pgvector for similarity,
// weighted tsvector for keyword search, one documents table for both.
type RelationalStore struct {
	config RelationalConfig
	logger *slog.Logger

	mu     sync.Mutex
	pool   *pgxpool.Pool
	closed bool
}

var _ Backend = (*RelationalStore)(nil)

// NewRelationalStore creates the backend. Initialize connects and
// migrates.
func NewRelationalStore(cfg RelationalConfig, logger *slog.Logger) *RelationalStore {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Language == "" {
		cfg.Language = "english"
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 10
	}
	if cfg.MaxOverflow < 0 {
		cfg.MaxOverflow = 0
	}
	if cfg.HNSWM <= 0 {
		cfg.HNSWM = 16
	}
	if cfg.HNSWEfConstruction <= 0 {
		cfg.HNSWEfConstruction = 64
	}
	return &RelationalStore{config: cfg, logger: logger}
}

// Initialize connects with startup retries, verifies the pgvector
// extension, and creates the schema. Idempotent.
func (s *RelationalStore) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return aberrors.New(aberrors.KindConflict, "store is closed")
	}
	if s.pool != nil {
		return nil
	}

	poolCfg, err := pgxpool.ParseConfig(s.config.ConnString)
	if err != nil {
		return aberrors.Wrapf(aberrors.KindConfiguration, err, "parse connection string")
	}
	poolCfg.MaxConns = int32(s.config.PoolSize + s.config.MaxOverflow)
	poolCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	var pool *pgxpool.Pool
	err = aberrors.Retry(ctx, aberrors.StartupRetryConfig(), func() error {
		p, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return aberrors.Wrap(aberrors.KindStartup, err)
		}
		if err := p.Ping(ctx); err != nil {
			p.Close()
			return aberrors.Wrapf(aberrors.KindStartup, err, "ping database")
		}
		pool = p
		return nil
	})
	if err != nil {
		return err
	}

	if err := s.migrate(ctx, pool); err != nil {
		pool.Close()
		return err
	}

	s.pool = pool
	s.logger.Info("relational store opened",
		slog.Int("dimensions", s.config.Dimensions),
		slog.String("language", s.config.Language))
	return nil
}

// migrate creates the extension, tables, and indexes. The tsv column
// weights the source path highest, then summaries, then body text.
func (s *RelationalStore) migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		return aberrors.Wrapf(aberrors.KindStartup, err, "enable pgvector extension").
			WithHint("install pgvector on the server or use the embedded backend")
	}

	lang := s.config.Language
	schema := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS documents (
	id        TEXT PRIMARY KEY,
	body      TEXT NOT NULL,
	metadata  JSONB NOT NULL DEFAULT '{}',
	embedding vector(%d),
	tsv       tsvector GENERATED ALWAYS AS (
		setweight(to_tsvector('%s', coalesce(metadata->>'source_path', '')), 'A') ||
		setweight(to_tsvector('%s', coalesce(metadata->>'summary', '')), 'B') ||
		setweight(to_tsvector('%s', body), 'C')
	) STORED,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_documents_tsv ON documents USING gin (tsv);
CREATE INDEX IF NOT EXISTS idx_documents_metadata ON documents USING gin (metadata);
CREATE TABLE IF NOT EXISTS embedding_metadata (
	pk         INTEGER PRIMARY KEY CHECK (pk = 1),
	provider   TEXT NOT NULL,
	model      TEXT NOT NULL,
	dimensions INTEGER NOT NULL
);`, s.config.Dimensions, lang, lang, lang)

	if _, err := pool.Exec(ctx, schema); err != nil {
		return aberrors.Wrapf(aberrors.KindStartup, err, "create schema")
	}

	// Separate statement: HNSW index creation fails on dimension
	// mismatch with an existing column, which deserves its own error.
	hnswIndex := fmt.Sprintf(
		`CREATE INDEX IF NOT EXISTS idx_documents_embedding ON documents
			USING hnsw (embedding vector_cosine_ops)
			WITH (m = %d, ef_construction = %d)`,
		s.config.HNSWM, s.config.HNSWEfConstruction)
	if _, err := pool.Exec(ctx, hnswIndex); err != nil {
		return aberrors.Wrapf(aberrors.KindStartup, err, "create vector index")
	}
	return nil
}

// IsInitialized reports whether the pool is connected and the schema
// is in place.
func (s *RelationalStore) IsInitialized(ctx context.Context) bool {
	_, err := s.ready()
	return err == nil
}

// Upsert writes documents in one transaction with ON CONFLICT.
func (s *RelationalStore) Upsert(ctx context.Context, docs []Document) error {
	if len(docs) == 0 {
		return nil
	}
	pool, err := s.ready()
	if err != nil {
		return err
	}
	for _, doc := range docs {
		if doc.ID == "" {
			return aberrors.New(aberrors.KindInvalidInput, "document with empty ID")
		}
		if len(doc.Vector) != s.config.Dimensions {
			return aberrors.Newf(aberrors.KindDimensionMismatch,
				"document %s has %d-dimensional vector, store expects %d",
				doc.ID, len(doc.Vector), s.config.Dimensions)
		}
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return aberrors.Wrap(aberrors.KindStorage, err)
	}
	defer tx.Rollback(ctx)

	for _, doc := range docs {
		meta, err := json.Marshal(doc.Metadata)
		if err != nil {
			return fmt.Errorf("encode metadata for %s: %w", doc.ID, err)
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO documents (id, body, metadata, embedding)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (id) DO UPDATE SET
				body = EXCLUDED.body,
				metadata = EXCLUDED.metadata,
				embedding = EXCLUDED.embedding,
				updated_at = now()`,
			doc.ID, doc.Text, meta, pgvector.NewVector(doc.Vector))
		if err != nil {
			return aberrors.Wrapf(aberrors.KindStorage, err, "upsert document %s", doc.ID)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return aberrors.Wrap(aberrors.KindStorage, err)
	}
	return nil
}

// DeleteByIDs removes documents and returns the number of rows deleted.
// An empty slice is a guarded no-op.
func (s *RelationalStore) DeleteByIDs(ctx context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	pool, err := s.ready()
	if err != nil {
		return 0, err
	}
	tag, err := pool.Exec(ctx, "DELETE FROM documents WHERE id = ANY($1)", ids)
	if err != nil {
		return 0, aberrors.Wrap(aberrors.KindStorage, err)
	}
	return int(tag.RowsAffected()), nil
}

// DeleteByMetadata removes documents matching all filter pairs via a
// JSONB containment query.
func (s *RelationalStore) DeleteByMetadata(ctx context.Context, filter map[string]string) (int, error) {
	pool, err := s.ready()
	if err != nil {
		return 0, err
	}
	if len(filter) == 0 {
		return 0, nil
	}
	probe, err := json.Marshal(filter)
	if err != nil {
		return 0, fmt.Errorf("encode filter: %w", err)
	}
	tag, err := pool.Exec(ctx, "DELETE FROM documents WHERE metadata @> $1", probe)
	if err != nil {
		return 0, aberrors.Wrap(aberrors.KindStorage, err)
	}
	return int(tag.RowsAffected()), nil
}

// VectorSearch returns nearest neighbors by cosine distance; the
// score maps distance d to 1-d.
func (s *RelationalStore) VectorSearch(ctx context.Context, vector []float32, topK int) ([]SearchResult, error) {
	pool, err := s.ready()
	if err != nil {
		return nil, err
	}
	if topK <= 0 {
		return []SearchResult{}, nil
	}
	if len(vector) != s.config.Dimensions {
		return nil, aberrors.Newf(aberrors.KindDimensionMismatch,
			"query has %d dimensions, store expects %d", len(vector), s.config.Dimensions)
	}

	rows, err := pool.Query(ctx, `
		SELECT id, body, metadata, 1 - (embedding <=> $1) AS score
		FROM documents
		WHERE embedding IS NOT NULL
		ORDER BY embedding <=> $1
		LIMIT $2`,
		pgvector.NewVector(vector), topK)
	if err != nil {
		return nil, aberrors.Wrap(aberrors.KindStorage, err)
	}
	defer rows.Close()

	results, err := scanResults(rows)
	if err != nil {
		return nil, err
	}
	for i := range results {
		results[i].Score = clampScore(results[i].Score)
	}
	return results, nil
}

// KeywordSearch runs a websearch-syntax full text query ranked by
// ts_rank, normalized so the best hit scores 1.0.
func (s *RelationalStore) KeywordSearch(ctx context.Context, query string, topK int) ([]SearchResult, error) {
	pool, err := s.ready()
	if err != nil {
		return nil, err
	}
	if topK <= 0 || strings.TrimSpace(query) == "" {
		return []SearchResult{}, nil
	}

	rows, err := pool.Query(ctx, fmt.Sprintf(`
		SELECT id, body, metadata, ts_rank(tsv, q) AS score
		FROM documents, websearch_to_tsquery('%s', $1) q
		WHERE tsv @@ q
		ORDER BY score DESC
		LIMIT $2`, s.config.Language),
		query, topK)
	if err != nil {
		return nil, aberrors.Wrap(aberrors.KindStorage, err)
	}
	defer rows.Close()

	results, err := scanResults(rows)
	if err != nil {
		return nil, err
	}
	normalizeByMax(results)
	return results, nil
}

// HybridSearch fuses both signals with reciprocal rank fusion.
func (s *RelationalStore) HybridSearch(ctx context.Context, query string, vector []float32, topK int, weights HybridWeights) ([]SearchResult, error) {
	if _, err := s.ready(); err != nil {
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
	return FuseRanked([]RankedList{
		{Results: keyword, Weight: weights.Keyword},
		{Results: vec, Weight: weights.Vector, TieBreak: true},
	}, topK), nil
}

// Count returns the document count.
func (s *RelationalStore) Count(ctx context.Context) (int, error) {
	pool, err := s.ready()
	if err != nil {
		return 0, err
	}
	var n int
	if err := pool.QueryRow(ctx, "SELECT COUNT(*) FROM documents").Scan(&n); err != nil {
		return 0, aberrors.Wrap(aberrors.KindStorage, err)
	}
	return n, nil
}

// Reset truncates documents and the embedding record.
func (s *RelationalStore) Reset(ctx context.Context) error {
	pool, err := s.ready()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, "TRUNCATE documents"); err != nil {
		return aberrors.Wrap(aberrors.KindStorage, err)
	}
	if _, err := pool.Exec(ctx, "DELETE FROM embedding_metadata"); err != nil {
		return aberrors.Wrap(aberrors.KindStorage, err)
	}
	s.logger.Info("relational store reset")
	return nil
}

// EmbeddingMetadata returns the recorded embedder identity, or nil.
func (s *RelationalStore) EmbeddingMetadata(ctx context.Context) (*EmbeddingMetadata, error) {
	pool, err := s.ready()
	if err != nil {
		return nil, err
	}
	var meta EmbeddingMetadata
	err = pool.QueryRow(ctx,
		"SELECT provider, model, dimensions FROM embedding_metadata WHERE pk = 1").
		Scan(&meta.Provider, &meta.Model, &meta.Dimensions)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, aberrors.Wrap(aberrors.KindStorage, err)
	}
	return &meta, nil
}

// SetEmbeddingMetadata records the embedder identity. Changing the
// recorded dimensions while documents exist is refused; identical
// rewrites stay idempotent.
func (s *RelationalStore) SetEmbeddingMetadata(ctx context.Context, meta EmbeddingMetadata) error {
	pool, err := s.ready()
	if err != nil {
		return err
	}
	existing, err := s.EmbeddingMetadata(ctx)
	if err != nil {
		return err
	}
	if existing != nil && existing.Dimensions != meta.Dimensions {
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
	}
	_, err = pool.Exec(ctx, `
		INSERT INTO embedding_metadata (pk, provider, model, dimensions)
		VALUES (1, $1, $2, $3)
		ON CONFLICT (pk) DO UPDATE SET
			provider = EXCLUDED.provider,
			model = EXCLUDED.model,
			dimensions = EXCLUDED.dimensions`,
		meta.Provider, meta.Model, meta.Dimensions)
	if err != nil {
		return aberrors.Wrap(aberrors.KindStorage, err)
	}
	return nil
}

// Close closes the pool.
func (s *RelationalStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.pool != nil {
		s.pool.Close()
		s.pool = nil
	}
	return nil
}

func (s *RelationalStore) ready() (*pgxpool.Pool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, aberrors.New(aberrors.KindConflict, "store is closed")
	}
	if s.pool == nil {
		return nil, aberrors.New(aberrors.KindStartup, "store not initialized")
	}
	return s.pool, nil
}

func scanResults(rows pgx.Rows) ([]SearchResult, error) {
	var results []SearchResult
	for rows.Next() {
		var r SearchResult
		var meta []byte
		if err := rows.Scan(&r.ID, &r.Text, &meta, &r.Score); err != nil {
			return nil, aberrors.Wrap(aberrors.KindStorage, err)
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &r.Metadata); err != nil {
				return nil, fmt.Errorf("decode metadata for %s: %w", r.ID, err)
			}
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, aberrors.Wrap(aberrors.KindStorage, err)
	}
	if results == nil {
		results = []SearchResult{}
	}
	return results, nil
}
