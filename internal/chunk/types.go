// Package chunk splits file content into retrievable units. Code goes
// through a syntax-aware splitter that respects declaration
// boundaries; prose and config go through a recursive text splitter.
package chunk

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Defaults for the token-based splitters.
const (
	DefaultChunkTokens   = 512
	DefaultOverlapTokens = 50
	// minChunkTokens stops the splitters from emitting fragments that
	// carry no retrieval signal.
	minChunkTokens = 24
)

// Chunk is one retrievable unit of a file.
type Chunk struct {
	// ID is deterministic: the same source, index, and text always
	// produce the same ID, so re-indexing unchanged content is an
	// idempotent upsert.
	ID string

	// Source is the file path relative to the folder root.
	Source string

	// Index is the 0-based position of the chunk within its file.
	Index int

	// Text is the chunk content.
	Text string

	// Language is the detected source language, empty for plain text.
	Language string

	// StartLine and EndLine are 1-indexed and inclusive.
	StartLine int
	EndLine   int

	// TokenCount is the token length used for splitting decisions.
	TokenCount int
}

// ID derives the deterministic chunk identity.
func ID(source string, index int, text string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s\x00%d\x00%s", source, index, text)))
	return hex.EncodeToString(sum[:16])
}

// Options configures the splitters.
type Options struct {
	// ChunkTokens is the target chunk size (default 512).
	ChunkTokens int

	// OverlapTokens is the overlap between consecutive text chunks
	// (default 50).
	OverlapTokens int
}

func (o Options) withDefaults() Options {
	if o.ChunkTokens <= 0 {
		o.ChunkTokens = DefaultChunkTokens
	}
	if o.OverlapTokens < 0 || o.OverlapTokens >= o.ChunkTokens {
		o.OverlapTokens = DefaultOverlapTokens
	}
	return o
}
