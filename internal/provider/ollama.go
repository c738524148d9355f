package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	aberrors "github.com/SpillwaveSolutions/agent-brain/internal/errors"
)

// Ollama defaults.
const (
	DefaultOllamaHost       = "http://localhost:11434"
	DefaultOllamaEmbedModel = "nomic-embed-text"
	DefaultOllamaChatModel  = "llama3.2"
	ollamaConnectTimeout    = 5 * time.Second
	ollamaPoolSize          = 4
)

// OllamaConfig configures the Ollama-backed providers.
type OllamaConfig struct {
	Host       string
	Model      string
	Dimensions int // 0 = auto-detect from first embedding
	Timeout    time.Duration

	// SkipHealthCheck skips connectivity probing during creation (tests).
	SkipHealthCheck bool
}

// OllamaEmbedder generates embeddings via Ollama's /api/embed endpoint.
type OllamaEmbedder struct {
	client *http.Client
	config OllamaConfig

	mu     sync.RWMutex
	dims   int
	closed bool
}

var _ Embedder = (*OllamaEmbedder)(nil)

// NewOllamaEmbedder creates an Ollama embedder, probing the server and
// auto-detecting dimensions unless configured.
func NewOllamaEmbedder(ctx context.Context, cfg OllamaConfig) (*OllamaEmbedder, error) {
	if cfg.Host == "" {
		cfg.Host = DefaultOllamaHost
	}
	if cfg.Model == "" {
		cfg.Model = DefaultOllamaEmbedModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultEmbedTimeout
	}

	// Per-request context timeouts; no static client timeout so callers
	// control deadlines.
	client := &http.Client{
		Transport: &http.Transport{
			MaxIdleConns:        ollamaPoolSize,
			MaxIdleConnsPerHost: ollamaPoolSize,
			IdleConnTimeout:     30 * time.Second,
		},
	}

	e := &OllamaEmbedder{client: client, config: cfg, dims: cfg.Dimensions}

	if !cfg.SkipHealthCheck {
		probeCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
		vec, err := e.embedOne(probeCtx, "dimension probe")
		if err != nil {
			return nil, aberrors.Wrapf(aberrors.KindProvider, err,
				"connect to Ollama at %s", cfg.Host)
		}
		if e.dims == 0 {
			e.dims = len(vec)
		} else if e.dims != len(vec) {
			return nil, aberrors.Newf(aberrors.KindProvider,
				"model %s produces %d dimensions, configured %d", cfg.Model, len(vec), e.dims)
		}
	}
	return e, nil
}

type ollamaEmbedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type ollamaEmbedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// Embed generates an embedding for a single text.
func (e *OllamaEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return e.embedOne(ctx, text)
}

func (e *OllamaEmbedder) embedOne(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vecs) != 1 {
		return nil, aberrors.Newf(aberrors.KindProvider, "expected 1 embedding, got %d", len(vecs))
	}
	return vecs[0], nil
}

// EmbedBatch generates embeddings for multiple texts in one request.
func (e *OllamaEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	e.mu.RLock()
	if e.closed {
		e.mu.RUnlock()
		return nil, fmt.Errorf("embedder is closed")
	}
	e.mu.RUnlock()

	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	body, err := json.Marshal(ollamaEmbedRequest{Model: e.config.Model, Input: texts})
	if err != nil {
		return nil, err
	}

	var parsed ollamaEmbedResponse
	if err := e.post(ctx, "/api/embed", body, &parsed); err != nil {
		return nil, err
	}
	if len(parsed.Embeddings) != len(texts) {
		return nil, aberrors.Newf(aberrors.KindProvider,
			"embedding count mismatch: sent %d texts, got %d vectors", len(texts), len(parsed.Embeddings))
	}
	return parsed.Embeddings, nil
}

func (e *OllamaEmbedder) post(ctx context.Context, path string, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(e.config.Host, "/")+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		// Connection failures and timeouts are transient; the embed
		// batch retry loop may succeed on a later attempt.
		return aberrors.Wrap(aberrors.KindProvider, err).AsRetryable()
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return aberrors.Wrap(aberrors.KindProvider, err).AsRetryable()
	}
	if resp.StatusCode != http.StatusOK {
		perr := aberrors.Newf(aberrors.KindProvider,
			"ollama %s returned %d: %s", path, resp.StatusCode, truncate(string(data), 200))
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return perr.AsRetryable()
		}
		return perr
	}
	return json.Unmarshal(data, out)
}

// Dimensions returns the embedding dimension.
func (e *OllamaEmbedder) Dimensions() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.dims
}

// ModelName returns the model identifier.
func (e *OllamaEmbedder) ModelName() string { return e.config.Model }

// Available probes the Ollama server.
func (e *OllamaEmbedder) Available(ctx context.Context) bool {
	e.mu.RLock()
	if e.closed {
		e.mu.RUnlock()
		return false
	}
	e.mu.RUnlock()

	probeCtx, cancel := context.WithTimeout(ctx, ollamaConnectTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet,
		strings.TrimRight(e.config.Host, "/")+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// Close releases HTTP resources.
func (e *OllamaEmbedder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	e.client.CloseIdleConnections()
	return nil
}

// OllamaSummarizer produces short chunk summaries via /api/generate.
type OllamaSummarizer struct {
	client *http.Client
	config OllamaConfig

	mu     sync.RWMutex
	closed bool
}

var _ Summarizer = (*OllamaSummarizer)(nil)

const summaryPrompt = "Summarize the following content in one or two sentences. " +
	"Answer with the summary only, no preamble.\n\n"

// NewOllamaSummarizer creates an Ollama summarizer.
func NewOllamaSummarizer(cfg OllamaConfig) *OllamaSummarizer {
	if cfg.Host == "" {
		cfg.Host = DefaultOllamaHost
	}
	if cfg.Model == "" {
		cfg.Model = DefaultOllamaChatModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultCallTimeout
	}
	return &OllamaSummarizer{
		client: &http.Client{Transport: &http.Transport{
			MaxIdleConns:        ollamaPoolSize,
			MaxIdleConnsPerHost: ollamaPoolSize,
			IdleConnTimeout:     30 * time.Second,
		}},
		config: cfg,
	}
}

type ollamaGenerateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

type ollamaGenerateResponse struct {
	Response string `json:"response"`
}

// Summarize returns a short summary of the text.
func (s *OllamaSummarizer) Summarize(ctx context.Context, text string) (string, error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return "", fmt.Errorf("summarizer is closed")
	}
	s.mu.RUnlock()

	callCtx, cancel := context.WithTimeout(ctx, s.config.Timeout)
	defer cancel()

	body, err := json.Marshal(ollamaGenerateRequest{
		Model:  s.config.Model,
		Prompt: summaryPrompt + truncate(text, 4000),
		Stream: false,
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost,
		strings.TrimRight(s.config.Host, "/")+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", aberrors.Wrap(aberrors.KindProvider, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", aberrors.Wrap(aberrors.KindProvider, err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", aberrors.Newf(aberrors.KindProvider,
			"ollama /api/generate returned %d: %s", resp.StatusCode, truncate(string(data), 200))
	}

	var parsed ollamaGenerateResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return "", aberrors.Wrap(aberrors.KindProvider, err)
	}
	return strings.TrimSpace(parsed.Response), nil
}

// Available probes the Ollama server.
func (s *OllamaSummarizer) Available(ctx context.Context) bool {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return false
	}
	s.mu.RUnlock()

	probeCtx, cancel := context.WithTimeout(ctx, ollamaConnectTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet,
		strings.TrimRight(s.config.Host, "/")+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// Close releases HTTP resources.
func (s *OllamaSummarizer) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.client.CloseIdleConnections()
	return nil
}

// truncate limits s to n bytes for logging and prompting.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
