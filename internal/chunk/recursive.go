package chunk

import (
	"strings"
)

// separators are tried in order: paragraph breaks first, then lines,
// then sentences, then words. The last resort is a hard character
// split.
var separators = []string{"\n\n", "\n", ". ", " "}

// RecursiveSplitter splits prose and config files into token-bounded
// chunks with overlap between neighbors.
type RecursiveSplitter struct {
	opts Options
}

// NewRecursiveSplitter creates a splitter.
func NewRecursiveSplitter(opts Options) *RecursiveSplitter {
	return &RecursiveSplitter{opts: opts.withDefaults()}
}

// Split chunks text from the named source file.
func (s *RecursiveSplitter) Split(source, text string) []Chunk {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return []Chunk{}
	}

	pieces := s.split(trimmed, 0)
	merged := s.mergeWithOverlap(pieces)

	chunks := make([]Chunk, 0, len(merged))
	offset := 0
	for i, piece := range merged {
		start := strings.Index(text[offset:], firstLineOf(piece))
		if start >= 0 {
			start += offset
		} else {
			start = offset
		}
		startLine := 1 + strings.Count(text[:start], "\n")
		endLine := startLine + strings.Count(piece, "\n")
		if start > offset {
			offset = start
		}

		chunks = append(chunks, Chunk{
			ID:         ID(source, i, piece),
			Source:     source,
			Index:      i,
			Text:       piece,
			StartLine:  startLine,
			EndLine:    endLine,
			TokenCount: CountTokens(piece),
		})
	}
	return chunks
}

// split recursively divides text until every piece fits the token
// budget.
func (s *RecursiveSplitter) split(text string, depth int) []string {
	if CountTokens(text) <= s.opts.ChunkTokens {
		return []string{text}
	}
	if depth >= len(separators) {
		return s.hardSplit(text)
	}

	sep := separators[depth]
	parts := strings.Split(text, sep)
	if len(parts) == 1 {
		return s.split(text, depth+1)
	}

	var out []string
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, s.split(part, depth+1)...)
	}
	return out
}

// hardSplit cuts by characters when no separator helps, such as
// minified content.
func (s *RecursiveSplitter) hardSplit(text string) []string {
	// Budget in bytes via the chars/4 heuristic.
	budget := s.opts.ChunkTokens * 4
	var out []string
	for len(text) > budget {
		out = append(out, text[:budget])
		text = text[budget:]
	}
	if text != "" {
		out = append(out, text)
	}
	return out
}

// mergeWithOverlap packs pieces back up to the token budget and
// prepends the tail of each chunk to the next one.
func (s *RecursiveSplitter) mergeWithOverlap(pieces []string) []string {
	var merged []string
	var current strings.Builder
	currentTokens := 0

	flush := func() {
		if current.Len() == 0 {
			return
		}
		merged = append(merged, current.String())
		current.Reset()
		currentTokens = 0
	}

	for _, piece := range pieces {
		tokens := CountTokens(piece)
		if currentTokens > 0 && currentTokens+tokens > s.opts.ChunkTokens {
			flush()
		}
		if current.Len() > 0 {
			current.WriteString("\n\n")
		}
		current.WriteString(piece)
		currentTokens += tokens
	}
	flush()

	// Drop trailing fragments into the previous chunk instead of
	// emitting a tiny chunk.
	if len(merged) > 1 {
		last := merged[len(merged)-1]
		if CountTokens(last) < minChunkTokens {
			merged[len(merged)-2] += "\n\n" + last
			merged = merged[:len(merged)-1]
		}
	}

	if s.opts.OverlapTokens == 0 || len(merged) < 2 {
		return merged
	}
	out := make([]string, len(merged))
	out[0] = merged[0]
	for i := 1; i < len(merged); i++ {
		out[i] = tailTokens(merged[i-1], s.opts.OverlapTokens) + merged[i]
	}
	return out
}

// tailTokens returns roughly the last n tokens of text, cut at a word
// boundary, with a trailing newline separator.
func tailTokens(text string, n int) string {
	budget := n * 4
	if len(text) <= budget {
		return text + "\n"
	}
	tail := text[len(text)-budget:]
	if idx := strings.IndexAny(tail, " \n"); idx >= 0 && idx+1 < len(tail) {
		tail = tail[idx+1:]
	}
	return tail + "\n"
}

func firstLineOf(text string) string {
	if idx := strings.IndexByte(text, '\n'); idx >= 0 {
		return text[:idx]
	}
	return text
}
