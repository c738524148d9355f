// Package config defines the Agent Brain configuration schema, file
// discovery, and validation. Configuration is expressed as typed option
// structs with enumerated recognized keys; unknown keys produce a warning
// in normal mode and a fatal error under strict_mode.
package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	aberrors "github.com/SpillwaveSolutions/agent-brain/internal/errors"
)

// Backend names recognized by storage.backend.
const (
	BackendEmbedded   = "embedded"
	BackendRelational = "relational"
)

// EnvConnectionURLOverride, when set, overrides the relational host /
// port / database / user / password settings. Pool sizing is unaffected.
const EnvConnectionURLOverride = "AGENT_BRAIN_DATABASE_URL"

// Config is the complete Agent Brain configuration.
type Config struct {
	StateDir   string           `yaml:"state_dir"`
	StrictMode bool             `yaml:"strict_mode"`
	Storage    StorageConfig    `yaml:"storage"`
	Embedding  ProviderConfig   `yaml:"embedding"`
	Summarizer ProviderConfig   `yaml:"summarization"`
	Reranker   ProviderConfig   `yaml:"reranker"`
	Reranking  RerankingConfig  `yaml:"reranking"`
	Chunking   ChunkingConfig   `yaml:"chunking"`
	Indexing   IndexingConfig   `yaml:"indexing"`
	Query      QueryConfig      `yaml:"query"`
	Logging    LogSection       `yaml:"logging"`
}

// StorageConfig selects and configures the storage backend.
type StorageConfig struct {
	// Backend selects the implementation: "embedded" or "relational".
	Backend    string           `yaml:"backend"`
	Embedded   EmbeddedConfig   `yaml:"embedded"`
	Relational RelationalConfig `yaml:"relational"`
}

// EmbeddedConfig configures the embedded vector store.
type EmbeddedConfig struct {
	// Path is the directory holding the vector graph, keyword index, and
	// document catalog. Defaults to <state_dir>/store.
	Path string `yaml:"path"`
	// Metric is the distance metric: "cos" or "l2" (default: "cos").
	Metric string `yaml:"metric"`
	// M is the HNSW max connections per layer (default: 16).
	M int `yaml:"m"`
	// EfConstruction is the HNSW build-time search width (default: 64).
	EfConstruction int `yaml:"ef_construction"`
}

// RelationalConfig configures the relational backend.
type RelationalConfig struct {
	Host            string `yaml:"host"`
	Port            int    `yaml:"port"`
	Database        string `yaml:"database"`
	User            string `yaml:"user"`
	Password        string `yaml:"password"`
	PoolSize        int    `yaml:"pool_size"`
	PoolMaxOverflow int    `yaml:"pool_max_overflow"`
	// Language selects the text-search configuration for the tsv column.
	Language          string `yaml:"language"`
	HNSWM             int    `yaml:"hnsw_m"`
	HNSWEfConstruction int   `yaml:"hnsw_ef_construction"`
}

// textSearchLanguages is the fixed set accepted for relational.language.
var textSearchLanguages = map[string]bool{
	"english": true, "spanish": true, "french": true, "german": true,
	"italian": true, "portuguese": true, "russian": true, "simple": true,
}

// ProviderConfig declares a provider (embedder, summarizer, or reranker).
type ProviderConfig struct {
	Provider  string            `yaml:"provider"`
	Model     string            `yaml:"model"`
	BaseURL   string            `yaml:"base_url"`
	APIKeyEnv string            `yaml:"api_key_env"`
	Params    map[string]string `yaml:"params"`
}

// RerankingConfig controls optional two-stage reranking.
type RerankingConfig struct {
	Enabled       bool `yaml:"enabled"`
	Multiplier    int  `yaml:"multiplier"`
	MaxCandidates int  `yaml:"max_candidates"`
}

// ChunkingConfig controls the document and code splitters.
type ChunkingConfig struct {
	ChunkTokens   int `yaml:"chunk_tokens"`
	OverlapTokens int `yaml:"overlap_tokens"`
}

// Duration is a time.Duration that decodes YAML strings like "30s".
// Bare integers are taken as seconds.
type Duration time.Duration

// MarshalYAML renders the duration in "30s" form.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// UnmarshalYAML accepts "30s" style strings or integer seconds.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err == nil {
		parsed, perr := time.ParseDuration(raw)
		if perr != nil {
			return perr
		}
		*d = Duration(parsed)
		return nil
	}
	var seconds int64
	if err := value.Decode(&seconds); err != nil {
		return err
	}
	*d = Duration(time.Duration(seconds) * time.Second)
	return nil
}

// IndexingConfig controls the indexing pipeline.
type IndexingConfig struct {
	EmbedBatchSize int      `yaml:"embed_batch_size"`
	EmbedTimeout   Duration `yaml:"embed_timeout"`
	EnrichTimeout  Duration `yaml:"enrich_timeout"`
	// MaxFileSizeMB caps individual files considered for indexing.
	MaxFileSizeMB int `yaml:"max_file_size_mb"`
	// JobRetention is the number of terminal job records kept on disk.
	JobRetention int `yaml:"job_retention"`
}

// QueryConfig controls the query engine.
type QueryConfig struct {
	// VectorWeight and KeywordWeight are the default hybrid RRF weights.
	VectorWeight  float64 `yaml:"vector_weight"`
	KeywordWeight float64 `yaml:"keyword_weight"`
	// MultiSignalWeights are per-signal weights for multi-mode fusion.
	MultiSignalWeights MultiWeights `yaml:"multi_signal_weights"`
	// MultiFetchFactor is how many times top_k each signal fetches (default: 3).
	MultiFetchFactor int `yaml:"multi_fetch_factor"`
}

// MultiWeights are the per-signal weights used by multi-mode fusion.
type MultiWeights struct {
	Keyword float64 `yaml:"keyword"`
	Vector  float64 `yaml:"vector"`
	Hybrid  float64 `yaml:"hybrid"`
}

// LogSection mirrors logging.Config in the YAML schema.
type LogSection struct {
	Level         string `yaml:"level"`
	File          string `yaml:"file"`
	MaxSizeMB     int    `yaml:"max_size_mb"`
	MaxFiles      int    `yaml:"max_files"`
	WriteToStderr *bool  `yaml:"write_to_stderr"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		StateDir: DefaultStateDir(),
		Storage: StorageConfig{
			Backend: BackendEmbedded,
			Embedded: EmbeddedConfig{
				Metric:         "cos",
				M:              16,
				EfConstruction: 64,
			},
			Relational: RelationalConfig{
				Host:               "localhost",
				Port:               5432,
				Database:           "agentbrain",
				User:               "agentbrain",
				PoolSize:           10,
				PoolMaxOverflow:    10,
				Language:           "english",
				HNSWM:              16,
				HNSWEfConstruction: 64,
			},
		},
		Embedding: ProviderConfig{
			Provider: "static",
			Model:    "static-768",
		},
		Reranking: RerankingConfig{
			Enabled:       false,
			Multiplier:    10,
			MaxCandidates: 100,
		},
		Chunking: ChunkingConfig{
			ChunkTokens:   512,
			OverlapTokens: 50,
		},
		Indexing: IndexingConfig{
			EmbedBatchSize: 100,
			EmbedTimeout:   Duration(30 * time.Second),
			EnrichTimeout:  Duration(10 * time.Second),
			MaxFileSizeMB:  10,
			JobRetention:   100,
		},
		Query: QueryConfig{
			VectorWeight:  0.5,
			KeywordWeight: 0.5,
			MultiSignalWeights: MultiWeights{
				Keyword: 1.0,
				Vector:  1.0,
				Hybrid:  1.0,
			},
			MultiFetchFactor: 3,
		},
		Logging: LogSection{
			Level:     "info",
			MaxSizeMB: 10,
			MaxFiles:  5,
		},
	}
}

// DefaultStateDir returns the per-user state directory.
func DefaultStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".agent-brain")
	}
	return filepath.Join(home, ".agent-brain")
}

// Warning is a non-fatal configuration issue surfaced at load time.
// Under strict_mode warnings abort boot.
type Warning struct {
	Path    string // config file that produced the warning
	Message string
}

func (w Warning) String() string {
	if w.Path == "" {
		return w.Message
	}
	return fmt.Sprintf("%s: %s", w.Path, w.Message)
}

// Parse decodes YAML into cfg. Unknown keys are collected as warnings
// rather than silently dropped.
func Parse(data []byte, path string, cfg *Config) ([]Warning, error) {
	var warnings []Warning

	// First pass: strict decode to detect unrecognized keys.
	strict := *cfg
	if err := decodeYAML(data, &strict, true); err != nil {
		// Re-decode leniently; the strict error becomes a warning.
		lenient := *cfg
		if lerr := decodeYAML(data, &lenient, false); lerr != nil {
			return nil, aberrors.Wrapf(aberrors.KindConfiguration, lerr, "parse %s", path)
		}
		warnings = append(warnings, Warning{Path: path, Message: err.Error()})
		*cfg = lenient
		return warnings, nil
	}
	*cfg = strict
	return warnings, nil
}

func decodeYAML(data []byte, cfg *Config, known bool) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(known)
	if err := dec.Decode(cfg); err != nil && err != io.EOF {
		return err
	}
	return nil
}

// Validate checks cross-field constraints. Violations are fatal regardless
// of strict_mode.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case BackendEmbedded, BackendRelational:
	default:
		return aberrors.Newf(aberrors.KindConfiguration,
			"unknown storage backend %q (valid: embedded, relational)", c.Storage.Backend)
	}

	if c.Storage.Backend == BackendRelational {
		if !textSearchLanguages[c.Storage.Relational.Language] {
			return aberrors.Newf(aberrors.KindConfiguration,
				"unknown text-search language %q", c.Storage.Relational.Language).
				WithHint("valid: english, spanish, french, german, italian, portuguese, russian, simple")
		}
	}

	if c.Embedding.Provider == "" {
		return aberrors.New(aberrors.KindConfiguration, "embedding.provider is required")
	}
	if c.Embedding.APIKeyEnv != "" && os.Getenv(c.Embedding.APIKeyEnv) == "" {
		return aberrors.Newf(aberrors.KindConfiguration,
			"embedding API key environment variable %s is not set", c.Embedding.APIKeyEnv)
	}

	if c.Reranking.Multiplier <= 0 {
		return aberrors.New(aberrors.KindConfiguration, "reranking.multiplier must be positive")
	}
	if c.Reranking.MaxCandidates <= 0 {
		return aberrors.New(aberrors.KindConfiguration, "reranking.max_candidates must be positive")
	}
	if c.Chunking.ChunkTokens <= 0 || c.Chunking.OverlapTokens < 0 ||
		c.Chunking.OverlapTokens >= c.Chunking.ChunkTokens {
		return aberrors.New(aberrors.KindConfiguration,
			"chunking overlap_tokens must be non-negative and smaller than chunk_tokens")
	}
	if c.Query.VectorWeight < 0 || c.Query.KeywordWeight < 0 ||
		c.Query.VectorWeight+c.Query.KeywordWeight == 0 {
		return aberrors.New(aberrors.KindConfiguration, "query weights must be non-negative and not both zero")
	}
	return nil
}

// EmbeddedStorePath resolves the embedded store directory.
func (c *Config) EmbeddedStorePath() string {
	if c.Storage.Embedded.Path != "" {
		return c.Storage.Embedded.Path
	}
	return filepath.Join(c.StateDir, "store")
}

// JobsDir resolves the jobs directory.
func (c *Config) JobsDir() string {
	return filepath.Join(c.StateDir, "jobs")
}

// ManifestPath resolves the folder manifest file.
func (c *Config) ManifestPath() string {
	return filepath.Join(c.StateDir, "indexed_folders.jsonl")
}

// ConnectionString builds the relational DSN, honoring the environment
// override when present.
func (c *Config) ConnectionString() string {
	if url := os.Getenv(EnvConnectionURLOverride); url != "" {
		return url
	}
	r := c.Storage.Relational
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s", r.User, r.Password, r.Host, r.Port, r.Database)
}
