package chunk

import (
	"context"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
)

// CodeSplitter chunks source files along declaration boundaries so a
// function or type never straddles two chunks unless it alone exceeds
// the token budget. Unsupported languages and unparseable files fall
// back to the recursive splitter.
type CodeSplitter struct {
	opts     Options
	fallback *RecursiveSplitter
}

// NewCodeSplitter creates a splitter.
func NewCodeSplitter(opts Options) *CodeSplitter {
	opts = opts.withDefaults()
	return &CodeSplitter{
		opts:     opts,
		fallback: NewRecursiveSplitter(opts),
	}
}

// Split chunks source code in the given language.
func (s *CodeSplitter) Split(ctx context.Context, source, language, text string) []Chunk {
	g, ok := grammars[language]
	if !ok {
		return s.fallback.Split(source, text)
	}
	if strings.TrimSpace(text) == "" {
		return []Chunk{}
	}

	parser := sitter.NewParser()
	defer parser.Close()
	parser.SetLanguage(g.language)

	tree, err := parser.ParseCtx(ctx, nil, []byte(text))
	if err != nil || tree == nil {
		return s.fallback.Split(source, text)
	}
	defer tree.Close()

	spans := s.declarationSpans(tree.RootNode(), g, []byte(text))
	if len(spans) == 0 {
		return s.fallback.Split(source, text)
	}

	pieces := s.packSpans(spans, text)
	chunks := make([]Chunk, 0, len(pieces))
	for i, piece := range pieces {
		chunks = append(chunks, Chunk{
			ID:         ID(source, i, piece.text),
			Source:     source,
			Index:      i,
			Text:       piece.text,
			Language:   language,
			StartLine:  piece.startLine,
			EndLine:    piece.endLine,
			TokenCount: CountTokens(piece.text),
		})
	}
	return chunks
}

// span is one top-level declaration with its position.
type span struct {
	text      string
	tokens    int
	startLine int
	endLine   int
}

type piece struct {
	text      string
	startLine int
	endLine   int
}

// declarationSpans walks direct children of the root and captures
// every declaration-type node. Unrecognized top-level nodes (stray
// comments, shebangs) attach to the following declaration.
func (s *CodeSplitter) declarationSpans(root *sitter.Node, g *grammar, src []byte) []span {
	var spans []span
	var pendingStart uint32
	pending := false

	for i := 0; i < int(root.ChildCount()); i++ {
		node := root.Child(i)
		if node == nil {
			continue
		}
		if !g.declarationTypes[node.Type()] {
			if !pending {
				pendingStart = node.StartByte()
				pending = true
			}
			continue
		}
		start := node.StartByte()
		if pending {
			start = pendingStart
			pending = false
		}
		end := node.EndByte()
		if int(end) > len(src) {
			end = uint32(len(src))
		}
		text := strings.TrimSpace(string(src[start:end]))
		if text == "" {
			continue
		}
		startLine := 1 + strings.Count(string(src[:start]), "\n")
		spans = append(spans, span{
			text:      text,
			tokens:    CountTokens(text),
			startLine: startLine,
			endLine:   startLine + strings.Count(text, "\n"),
		})
	}
	return spans
}

// packSpans merges consecutive declarations up to the token budget.
// A single oversized declaration is split by the recursive splitter
// but keeps its line attribution.
func (s *CodeSplitter) packSpans(spans []span, _ string) []piece {
	var out []piece
	var group []span
	groupTokens := 0

	flush := func() {
		if len(group) == 0 {
			return
		}
		texts := make([]string, len(group))
		for i, sp := range group {
			texts[i] = sp.text
		}
		out = append(out, piece{
			text:      strings.Join(texts, "\n\n"),
			startLine: group[0].startLine,
			endLine:   group[len(group)-1].endLine,
		})
		group = nil
		groupTokens = 0
	}

	for _, sp := range spans {
		if sp.tokens > s.opts.ChunkTokens {
			flush()
			for _, sub := range s.fallback.split(sp.text, 0) {
				out = append(out, piece{
					text:      sub,
					startLine: sp.startLine,
					endLine:   sp.endLine,
				})
			}
			continue
		}
		if groupTokens > 0 && groupTokens+sp.tokens > s.opts.ChunkTokens {
			flush()
		}
		group = append(group, sp)
		groupTokens += sp.tokens
	}
	flush()
	return out
}
