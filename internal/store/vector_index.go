package store

import (
	"bufio"
	"encoding/gob"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"

	"github.com/coder/hnsw"

	aberrors "github.com/SpillwaveSolutions/agent-brain/internal/errors"
)

// Distance metrics for the vector index.
const (
	MetricCosine = "cos"
	MetricL2     = "l2"
)

// VectorIndexConfig configures the approximate nearest neighbor graph.
type VectorIndexConfig struct {
	Dimensions     int
	Metric         string
	M              int
	EfConstruction int
}

// VectorIndex is an in-memory HNSW graph with string document IDs and
// a gob sidecar for persistence. Pure Go, no CGO.
type VectorIndex struct {
	mu     sync.RWMutex
	graph  *hnsw.Graph[uint64]
	config VectorIndexConfig

	// String IDs map to internal uint64 keys. Deletion is lazy: the
	// node stays in the graph but loses its mapping, because removing
	// the last graph node corrupts coder/hnsw's entry point.
	idToKey map[string]uint64
	keyToID map[uint64]string
	nextKey uint64

	closed bool
}

// vectorSidecar is the gob-persisted companion to the graph file.
type vectorSidecar struct {
	IDToKey map[string]uint64
	NextKey uint64
	Config  VectorIndexConfig
}

// NewVectorIndex creates an empty index.
func NewVectorIndex(cfg VectorIndexConfig) (*VectorIndex, error) {
	if cfg.Dimensions <= 0 {
		return nil, aberrors.New(aberrors.KindConfiguration, "vector index requires positive dimensions")
	}
	if cfg.Metric == "" {
		cfg.Metric = MetricCosine
	}
	if cfg.M == 0 {
		cfg.M = 16
	}
	if cfg.EfConstruction == 0 {
		cfg.EfConstruction = 64
	}

	graph := hnsw.NewGraph[uint64]()
	switch cfg.Metric {
	case MetricL2:
		graph.Distance = hnsw.EuclideanDistance
	default:
		graph.Distance = hnsw.CosineDistance
	}
	graph.M = cfg.M
	graph.EfSearch = cfg.EfConstruction
	graph.Ml = 0.25

	return &VectorIndex{
		graph:   graph,
		config:  cfg,
		idToKey: make(map[string]uint64),
		keyToID: make(map[uint64]string),
	}, nil
}

// Add inserts vectors, replacing any existing entry with the same ID.
func (v *VectorIndex) Add(ids []string, vectors [][]float32) error {
	if len(ids) == 0 {
		return nil
	}
	if len(ids) != len(vectors) {
		return aberrors.Newf(aberrors.KindInvalidInput,
			"ids and vectors length mismatch: %d vs %d", len(ids), len(vectors))
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return fmt.Errorf("vector index is closed")
	}

	for _, vec := range vectors {
		if len(vec) != v.config.Dimensions {
			return aberrors.Newf(aberrors.KindDimensionMismatch,
				"vector has %d dimensions, index expects %d", len(vec), v.config.Dimensions)
		}
	}

	for i, id := range ids {
		if oldKey, exists := v.idToKey[id]; exists {
			delete(v.keyToID, oldKey)
			delete(v.idToKey, id)
		}
		key := v.nextKey
		v.nextKey++

		vec := make([]float32, len(vectors[i]))
		copy(vec, vectors[i])
		if v.config.Metric == MetricCosine {
			unitScale(vec)
		}
		v.graph.Add(hnsw.MakeNode(key, vec))
		v.idToKey[id] = key
		v.keyToID[key] = id
	}
	return nil
}

// vectorHit pairs a document ID with its similarity score.
type vectorHit struct {
	ID    string
	Score float64
}

// Search returns up to k nearest live neighbors, best-first. Lazily
// deleted nodes are filtered out, so it over-fetches to compensate.
func (v *VectorIndex) Search(query []float32, k int) ([]vectorHit, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.closed {
		return nil, fmt.Errorf("vector index is closed")
	}
	if len(query) != v.config.Dimensions {
		return nil, aberrors.Newf(aberrors.KindDimensionMismatch,
			"query has %d dimensions, index expects %d", len(query), v.config.Dimensions)
	}
	if v.graph.Len() == 0 {
		return []vectorHit{}, nil
	}

	q := make([]float32, len(query))
	copy(q, query)
	if v.config.Metric == MetricCosine {
		unitScale(q)
	}

	orphans := v.graph.Len() - len(v.idToKey)
	nodes := v.graph.Search(q, k+orphans)

	hits := make([]vectorHit, 0, k)
	for _, node := range nodes {
		id, live := v.keyToID[node.Key]
		if !live {
			continue
		}
		distance := v.graph.Distance(q, node.Value)
		hits = append(hits, vectorHit{ID: id, Score: distanceToScore(distance, v.config.Metric)})
		if len(hits) == k {
			break
		}
	}
	return hits, nil
}

// Delete removes IDs from the mapping; graph nodes stay as orphans.
func (v *VectorIndex) Delete(ids []string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return
	}
	for _, id := range ids {
		if key, exists := v.idToKey[id]; exists {
			delete(v.keyToID, key)
			delete(v.idToKey, id)
		}
	}
}

// Count returns the number of live vectors.
func (v *VectorIndex) Count() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.idToKey)
}

// Dimensions returns the configured dimensionality.
func (v *VectorIndex) Dimensions() int { return v.config.Dimensions }

// Save writes the graph and its ID sidecar atomically (temp + rename).
func (v *VectorIndex) Save(path string) error {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.closed {
		return fmt.Errorf("vector index is closed")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create index directory: %w", err)
	}

	tmp := path + ".tmp"
	file, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create graph file: %w", err)
	}
	if err := v.graph.Export(file); err != nil {
		file.Close()
		os.Remove(tmp)
		return fmt.Errorf("export graph: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close graph file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename graph file: %w", err)
	}
	return v.saveSidecar(path + ".ids")
}

func (v *VectorIndex) saveSidecar(path string) error {
	tmp := path + ".tmp"
	file, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create sidecar: %w", err)
	}
	sidecar := vectorSidecar{IDToKey: v.idToKey, NextKey: v.nextKey, Config: v.config}
	if err := gob.NewEncoder(file).Encode(sidecar); err != nil {
		file.Close()
		os.Remove(tmp)
		return fmt.Errorf("encode sidecar: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close sidecar: %w", err)
	}
	return os.Rename(tmp, path)
}

// Load restores the graph and ID mapping from disk.
func (v *VectorIndex) Load(path string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return fmt.Errorf("vector index is closed")
	}

	if err := v.loadSidecar(path + ".ids"); err != nil {
		return err
	}

	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open graph file: %w", err)
	}
	defer file.Close()

	// Import requires an io.ByteReader.
	if err := v.graph.Import(bufio.NewReader(file)); err != nil {
		return fmt.Errorf("import graph: %w", err)
	}
	return nil
}

func (v *VectorIndex) loadSidecar(path string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open sidecar: %w", err)
	}
	defer file.Close()

	var sidecar vectorSidecar
	if err := gob.NewDecoder(file).Decode(&sidecar); err != nil {
		return fmt.Errorf("decode sidecar: %w", err)
	}
	v.idToKey = sidecar.IDToKey
	v.nextKey = sidecar.NextKey
	v.config = sidecar.Config
	v.keyToID = make(map[uint64]string, len(v.idToKey))
	for id, key := range v.idToKey {
		v.keyToID[key] = id
	}
	return nil
}

// SavedDimensions reads the dimensionality recorded in an existing
// index sidecar; 0 means no index exists yet.
func SavedDimensions(graphPath string) (int, error) {
	file, err := os.Open(graphPath + ".ids")
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("open sidecar: %w", err)
	}
	defer file.Close()

	var sidecar vectorSidecar
	if err := gob.NewDecoder(file).Decode(&sidecar); err != nil {
		return 0, fmt.Errorf("decode sidecar: %w", err)
	}
	return sidecar.Config.Dimensions, nil
}

// Close releases the graph.
func (v *VectorIndex) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return nil
	}
	v.closed = true
	v.graph = nil
	return nil
}

func unitScale(v []float32) {
	var sumSquares float64
	for _, val := range v {
		sumSquares += float64(val) * float64(val)
	}
	if sumSquares == 0 {
		return
	}
	inv := float32(1.0 / math.Sqrt(sumSquares))
	for i := range v {
		v[i] *= inv
	}
}

// distanceToScore maps a distance to a similarity in [0, 1].
// Cosine distance d maps to 1-d; L2 distance maps to 1/(1+d).
func distanceToScore(distance float32, metric string) float64 {
	switch metric {
	case MetricL2:
		return clampScore(1.0 / (1.0 + float64(distance)))
	default:
		return clampScore(1.0 - float64(distance))
	}
}
