package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	_ "modernc.org/sqlite" // pure Go driver, no CGO
)

// catalog is the sqlite source of truth for document text and
// metadata in the embedded backend. The vector graph and lexical
// index only carry IDs and derived data; everything hydrates from
// here.
type catalog struct {
	mu     sync.RWMutex
	db     *sql.DB
	closed bool
}

const catalogSchema = `
CREATE TABLE IF NOT EXISTS documents (
	id       TEXT PRIMARY KEY,
	body     TEXT NOT NULL,
	metadata TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_documents_folder
	ON documents (json_extract(metadata, '$.folder_id'));

CREATE TABLE IF NOT EXISTS embedding_metadata (
	pk         INTEGER PRIMARY KEY CHECK (pk = 1),
	provider   TEXT NOT NULL,
	model      TEXT NOT NULL,
	dimensions INTEGER NOT NULL
);
`

// openCatalog opens or creates the catalog database at path.
func openCatalog(path string) (*catalog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create catalog directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}

	// modernc.org/sqlite ignores some DSN params; set pragmas directly.
	// WAL is required for concurrent reader access during indexing.
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA cache_size = -65536",
		"PRAGMA temp_store = MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply %q: %w", pragma, err)
		}
	}

	if _, err := db.Exec(catalogSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create catalog schema: %w", err)
	}
	return &catalog{db: db}, nil
}

// upsert writes documents in one transaction.
func (c *catalog) upsert(ctx context.Context, docs []Document) error {
	if len(docs) == 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("catalog is closed")
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin upsert: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO documents (id, body, metadata) VALUES (?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET body = excluded.body, metadata = excluded.metadata`)
	if err != nil {
		return fmt.Errorf("prepare upsert: %w", err)
	}
	defer stmt.Close()

	for _, doc := range docs {
		meta, err := json.Marshal(doc.Metadata)
		if err != nil {
			return fmt.Errorf("encode metadata for %s: %w", doc.ID, err)
		}
		if _, err := stmt.ExecContext(ctx, doc.ID, doc.Text, string(meta)); err != nil {
			return fmt.Errorf("upsert document %s: %w", doc.ID, err)
		}
	}
	return tx.Commit()
}

// get hydrates documents by ID. Missing IDs are silently absent from
// the result map.
func (c *catalog) get(ctx context.Context, ids []string) (map[string]Document, error) {
	if len(ids) == 0 {
		return map[string]Document{}, nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil, fmt.Errorf("catalog is closed")
	}

	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	rows, err := c.db.QueryContext(ctx,
		"SELECT id, body, metadata FROM documents WHERE id IN ("+placeholders+")", args...)
	if err != nil {
		return nil, fmt.Errorf("select documents: %w", err)
	}
	defer rows.Close()

	out := make(map[string]Document, len(ids))
	for rows.Next() {
		var doc Document
		var meta string
		if err := rows.Scan(&doc.ID, &doc.Text, &meta); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		if err := json.Unmarshal([]byte(meta), &doc.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata for %s: %w", doc.ID, err)
		}
		out[doc.ID] = doc
	}
	return out, rows.Err()
}

// deleteByIDs removes the named documents and returns how many rows
// were actually deleted.
func (c *catalog) deleteByIDs(ctx context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, fmt.Errorf("catalog is closed")
	}

	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	res, err := c.db.ExecContext(ctx,
		"DELETE FROM documents WHERE id IN ("+placeholders+")", args...)
	if err != nil {
		return 0, fmt.Errorf("delete documents: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("count deleted documents: %w", err)
	}
	return int(n), nil
}

// idsByMetadata returns IDs of documents whose metadata matches every
// key/value pair in filter.
func (c *catalog) idsByMetadata(ctx context.Context, filter map[string]string) ([]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil, fmt.Errorf("catalog is closed")
	}
	if len(filter) == 0 {
		return []string{}, nil
	}

	var clauses []string
	var args []any
	for key, value := range filter {
		clauses = append(clauses, "json_extract(metadata, '$.' || ?) = ?")
		args = append(args, key, value)
	}

	rows, err := c.db.QueryContext(ctx,
		"SELECT id FROM documents WHERE "+strings.Join(clauses, " AND "), args...)
	if err != nil {
		return nil, fmt.Errorf("select by metadata: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// count returns the number of stored documents.
func (c *catalog) count(ctx context.Context) (int, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return 0, fmt.Errorf("catalog is closed")
	}
	var n int
	err := c.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM documents").Scan(&n)
	return n, err
}

// reset clears documents and the embedding record.
func (c *catalog) reset(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("catalog is closed")
	}
	if _, err := c.db.ExecContext(ctx, "DELETE FROM documents"); err != nil {
		return fmt.Errorf("clear documents: %w", err)
	}
	if _, err := c.db.ExecContext(ctx, "DELETE FROM embedding_metadata"); err != nil {
		return fmt.Errorf("clear embedding metadata: %w", err)
	}
	return nil
}

// embeddingMetadata returns the recorded embedder identity, or nil if
// nothing has been recorded.
func (c *catalog) embeddingMetadata(ctx context.Context) (*EmbeddingMetadata, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil, fmt.Errorf("catalog is closed")
	}
	var meta EmbeddingMetadata
	err := c.db.QueryRowContext(ctx,
		"SELECT provider, model, dimensions FROM embedding_metadata WHERE pk = 1").
		Scan(&meta.Provider, &meta.Model, &meta.Dimensions)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select embedding metadata: %w", err)
	}
	return &meta, nil
}

// setEmbeddingMetadata records the embedder identity.
func (c *catalog) setEmbeddingMetadata(ctx context.Context, meta EmbeddingMetadata) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("catalog is closed")
	}
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO embedding_metadata (pk, provider, model, dimensions) VALUES (1, ?, ?, ?)
		ON CONFLICT (pk) DO UPDATE SET
			provider = excluded.provider,
			model = excluded.model,
			dimensions = excluded.dimensions`,
		meta.Provider, meta.Model, meta.Dimensions)
	if err != nil {
		return fmt.Errorf("record embedding metadata: %w", err)
	}
	return nil
}

// close checkpoints the WAL and closes the database.
func (c *catalog) close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	_, _ = c.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return c.db.Close()
}
