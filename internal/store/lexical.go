package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/custom"
	"github.com/blevesearch/bleve/v2/analysis/token/lowercase"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/registry"
	"github.com/blevesearch/bleve/v2/search"
)

// Registered bleve component names for the identifier-aware analyzer.
const (
	identifierTokenizerName = "identifier_tokenizer"
	identifierStopName      = "identifier_stop"
	identifierAnalyzerName  = "identifier_analyzer"
)

// Field boosts mirror the relational backend's weighted text search:
// the source path ranks highest, then summaries, then body text.
const (
	boostPath    = 3.0
	boostSummary = 2.0
	boostBody    = 1.0
)

func init() {
	_ = registry.RegisterTokenizer(identifierTokenizerName, identifierTokenizerConstructor)
	_ = registry.RegisterTokenFilter(identifierStopName, identifierStopConstructor)
}

// LexicalIndex wraps bleve for BM25 keyword search over chunk text.
type LexicalIndex struct {
	mu     sync.RWMutex
	index  bleve.Index
	path   string
	closed bool
}

// lexicalDocument is the shape bleve indexes.
type lexicalDocument struct {
	Body    string `json:"body"`
	Path    string `json:"path"`
	Summary string `json:"summary"`
}

// NewLexicalIndex opens or creates an index at path. An empty path
// yields an in-memory index for tests. A corrupted on-disk index is
// cleared and recreated so a damaged state directory never blocks
// startup; the caller must reindex afterwards.
func NewLexicalIndex(path string) (*LexicalIndex, error) {
	indexMapping, err := lexicalMapping()
	if err != nil {
		return nil, fmt.Errorf("build index mapping: %w", err)
	}

	var idx bleve.Index
	if path == "" {
		idx, err = bleve.NewMemOnly(indexMapping)
	} else {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create index directory: %w", err)
		}
		if damage := checkIndexDamage(path); damage != nil {
			slog.Warn("lexical index damaged, clearing",
				slog.String("path", path),
				slog.String("error", damage.Error()))
			if rmErr := os.RemoveAll(path); rmErr != nil {
				return nil, fmt.Errorf("clear damaged index: %w", rmErr)
			}
		}
		idx, err = bleve.Open(path)
		if err == bleve.ErrorIndexPathDoesNotExist {
			idx, err = bleve.New(path, indexMapping)
		} else if err != nil && isDamageError(err) {
			slog.Warn("lexical index open failed, recreating",
				slog.String("path", path),
				slog.String("error", err.Error()))
			if rmErr := os.RemoveAll(path); rmErr != nil {
				return nil, fmt.Errorf("clear damaged index: %w", rmErr)
			}
			idx, err = bleve.New(path, indexMapping)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("open lexical index: %w", err)
	}
	return &LexicalIndex{index: idx, path: path}, nil
}

func lexicalMapping() (*mapping.IndexMappingImpl, error) {
	m := bleve.NewIndexMapping()
	err := m.AddCustomAnalyzer(identifierAnalyzerName, map[string]interface{}{
		"type":      custom.Name,
		"tokenizer": identifierTokenizerName,
		"token_filters": []string{
			lowercase.Name,
			identifierStopName,
		},
	})
	if err != nil {
		return nil, err
	}
	m.DefaultAnalyzer = identifierAnalyzerName
	return m, nil
}

// checkIndexDamage looks for a missing or unparseable index_meta.json
// before opening. Nil means the index is absent or looks healthy.
func checkIndexDamage(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	metaPath := filepath.Join(path, "index_meta.json")
	info, err := os.Stat(metaPath)
	if os.IsNotExist(err) {
		return fmt.Errorf("index_meta.json missing")
	}
	if err != nil {
		return fmt.Errorf("stat index_meta.json: %w", err)
	}
	if info.Size() == 0 {
		return fmt.Errorf("index_meta.json is empty")
	}
	data, err := os.ReadFile(metaPath)
	if err != nil {
		return fmt.Errorf("read index_meta.json: %w", err)
	}
	var meta map[string]interface{}
	if err := json.Unmarshal(data, &meta); err != nil {
		return fmt.Errorf("index_meta.json unparseable: %w", err)
	}
	return nil
}

func isDamageError(err error) bool {
	if err == nil {
		return false
	}
	if err == bleve.ErrorIndexMetaCorrupt {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "unexpected end of JSON") ||
		strings.Contains(msg, "error parsing mapping JSON") ||
		strings.Contains(msg, "failed to load segment") ||
		strings.Contains(msg, "error opening bolt")
}

// Index upserts documents in one batch.
func (l *LexicalIndex) Index(ctx context.Context, docs []Document) error {
	if len(docs) == 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return fmt.Errorf("lexical index is closed")
	}

	batch := l.index.NewBatch()
	for _, doc := range docs {
		entry := lexicalDocument{
			Body:    doc.Text,
			Path:    doc.Metadata[MetaSourcePath],
			Summary: doc.Metadata[MetaSummary],
		}
		if err := batch.Index(doc.ID, entry); err != nil {
			return fmt.Errorf("index document %s: %w", doc.ID, err)
		}
	}
	if err := l.index.Batch(batch); err != nil {
		return fmt.Errorf("execute index batch: %w", err)
	}
	return nil
}

// lexicalHit is a raw BM25 hit before normalization.
type lexicalHit struct {
	ID           string
	Score        float64
	MatchedTerms []string
}

// Search runs a boosted match query across body, path, and summary.
// Scores are raw BM25; the caller normalizes per batch.
func (l *LexicalIndex) Search(ctx context.Context, queryStr string, limit int) ([]lexicalHit, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return nil, fmt.Errorf("lexical index is closed")
	}
	if strings.TrimSpace(queryStr) == "" {
		return []lexicalHit{}, nil
	}

	bodyQuery := bleve.NewMatchQuery(queryStr)
	bodyQuery.SetField("body")
	bodyQuery.SetBoost(boostBody)

	pathQuery := bleve.NewMatchQuery(queryStr)
	pathQuery.SetField("path")
	pathQuery.SetBoost(boostPath)

	summaryQuery := bleve.NewMatchQuery(queryStr)
	summaryQuery.SetField("summary")
	summaryQuery.SetBoost(boostSummary)

	req := bleve.NewSearchRequest(bleve.NewDisjunctionQuery(bodyQuery, pathQuery, summaryQuery))
	req.Size = limit
	req.IncludeLocations = true

	result, err := l.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("lexical search: %w", err)
	}

	hits := make([]lexicalHit, 0, len(result.Hits))
	for _, hit := range result.Hits {
		hits = append(hits, lexicalHit{
			ID:           hit.ID,
			Score:        hit.Score,
			MatchedTerms: matchedTerms(hit),
		})
	}
	return hits, nil
}

// Delete removes documents in one batch.
func (l *LexicalIndex) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return fmt.Errorf("lexical index is closed")
	}

	batch := l.index.NewBatch()
	for _, id := range ids {
		batch.Delete(id)
	}
	if err := l.index.Batch(batch); err != nil {
		return fmt.Errorf("execute delete batch: %w", err)
	}
	return nil
}

// Count returns the number of indexed documents.
func (l *LexicalIndex) Count() (int, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return 0, fmt.Errorf("lexical index is closed")
	}
	n, err := l.index.DocCount()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// Close closes the underlying index.
func (l *LexicalIndex) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	if l.index != nil {
		return l.index.Close()
	}
	return nil
}

func matchedTerms(hit *search.DocumentMatch) []string {
	set := make(map[string]struct{})
	for _, locations := range hit.Locations {
		for term := range locations {
			set[term] = struct{}{}
		}
	}
	terms := make([]string, 0, len(set))
	for term := range set {
		terms = append(terms, term)
	}
	return terms
}

func identifierTokenizerConstructor(_ map[string]interface{}, _ *registry.Cache) (analysis.Tokenizer, error) {
	return &identifierTokenizer{}, nil
}

// identifierTokenizer feeds TokenizeIdentifiers output to bleve with
// best-effort byte offsets.
type identifierTokenizer struct{}

func (t *identifierTokenizer) Tokenize(input []byte) analysis.TokenStream {
	text := string(input)
	tokens := TokenizeIdentifiers(text)

	stream := make(analysis.TokenStream, 0, len(tokens))
	pos := 1
	offset := 0
	for _, token := range tokens {
		start := strings.Index(strings.ToLower(text[offset:]), token)
		if start == -1 {
			start = offset
		} else {
			start += offset
		}
		end := start + len(token)
		stream = append(stream, &analysis.Token{
			Term:     []byte(token),
			Start:    start,
			End:      end,
			Position: pos,
			Type:     analysis.AlphaNumeric,
		})
		pos++
		if end <= len(text) {
			offset = end
		}
	}
	return stream
}

func identifierStopConstructor(_ map[string]interface{}, _ *registry.Cache) (analysis.TokenFilter, error) {
	return &identifierStopFilter{stopWords: stopWordSet(defaultLexicalStopWords)}, nil
}

type identifierStopFilter struct {
	stopWords map[string]struct{}
}

func (f *identifierStopFilter) Filter(input analysis.TokenStream) analysis.TokenStream {
	out := make(analysis.TokenStream, 0, len(input))
	for _, token := range input {
		if _, stop := f.stopWords[strings.ToLower(string(token.Term))]; !stop {
			out = append(out, token)
		}
	}
	return out
}
