package provider

import (
	"context"
	"os"
	"strconv"
	"strings"

	"github.com/SpillwaveSolutions/agent-brain/internal/config"
	aberrors "github.com/SpillwaveSolutions/agent-brain/internal/errors"
)

// Provider names recognized by the closed registry.
const (
	NameStatic = "static"
	NameOllama = "ollama"
	NameHTTP   = "http"
	NameNoop   = "noop"
	NameNone   = "none"
)

// NewEmbedder builds an embedder from declarative configuration.
func NewEmbedder(ctx context.Context, cfg config.ProviderConfig) (Embedder, error) {
	switch strings.ToLower(cfg.Provider) {
	case NameStatic, "":
		return NewStaticEmbedder(), nil
	case NameOllama:
		return NewOllamaEmbedder(ctx, OllamaConfig{
			Host:       cfg.BaseURL,
			Model:      cfg.Model,
			Dimensions: paramInt(cfg.Params, "dimensions", 0),
			Timeout:    0,
		})
	default:
		return nil, aberrors.Newf(aberrors.KindConfiguration,
			"unknown embedding provider %q (valid: static, ollama)", cfg.Provider)
	}
}

// NewSummarizer builds a summarizer from configuration. A "none" or empty
// provider disables enrichment and returns nil.
func NewSummarizer(cfg config.ProviderConfig) (Summarizer, error) {
	switch strings.ToLower(cfg.Provider) {
	case NameNone, "":
		return nil, nil
	case NameOllama:
		return NewOllamaSummarizer(OllamaConfig{
			Host:  cfg.BaseURL,
			Model: cfg.Model,
		}), nil
	default:
		return nil, aberrors.Newf(aberrors.KindConfiguration,
			"unknown summarization provider %q (valid: none, ollama)", cfg.Provider)
	}
}

// NewReranker builds a reranker from configuration. A "none" or empty
// provider returns nil; the query engine then treats reranking as
// unavailable.
func NewReranker(cfg config.ProviderConfig) (Reranker, error) {
	switch strings.ToLower(cfg.Provider) {
	case NameNone, "":
		return nil, nil
	case NameNoop:
		return &NoopReranker{}, nil
	case NameHTTP:
		if cfg.BaseURL == "" {
			return nil, aberrors.New(aberrors.KindConfiguration,
				"reranker.base_url is required for the http provider")
		}
		return NewHTTPReranker(HTTPRerankerConfig{
			Endpoint: cfg.BaseURL,
			Model:    cfg.Model,
			APIKey:   apiKeyFromEnv(cfg.APIKeyEnv),
		}), nil
	default:
		return nil, aberrors.Newf(aberrors.KindConfiguration,
			"unknown reranker provider %q (valid: none, noop, http)", cfg.Provider)
	}
}

func apiKeyFromEnv(envName string) string {
	if envName == "" {
		return ""
	}
	return os.Getenv(envName)
}

func paramInt(params map[string]string, key string, fallback int) int {
	raw, ok := params[key]
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}
