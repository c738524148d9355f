package chunk

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestID_Deterministic(t *testing.T) {
	a := ID("src/main.go", 0, "package main")
	b := ID("src/main.go", 0, "package main")
	assert.Equal(t, a, b)
	assert.Len(t, a, 32)

	assert.NotEqual(t, a, ID("src/main.go", 1, "package main"))
	assert.NotEqual(t, a, ID("src/other.go", 0, "package main"))
	assert.NotEqual(t, a, ID("src/main.go", 0, "package other"))
}

func TestRecursiveSplitter_SmallTextSingleChunk(t *testing.T) {
	s := NewRecursiveSplitter(Options{})
	chunks := s.Split("notes.md", "a short note")
	require.Len(t, chunks, 1)
	assert.Equal(t, "a short note", chunks[0].Text)
	assert.Equal(t, 0, chunks[0].Index)
	assert.Equal(t, 1, chunks[0].StartLine)
}

func TestRecursiveSplitter_EmptyText(t *testing.T) {
	s := NewRecursiveSplitter(Options{})
	assert.Empty(t, s.Split("empty.md", "   \n  "))
}

func TestRecursiveSplitter_SplitsLongText(t *testing.T) {
	paragraphs := make([]string, 40)
	for i := range paragraphs {
		paragraphs[i] = strings.Repeat("the quick brown fox jumps over the lazy dog ", 10)
	}
	text := strings.Join(paragraphs, "\n\n")

	s := NewRecursiveSplitter(Options{ChunkTokens: 128, OverlapTokens: 16})
	chunks := s.Split("long.md", text)
	require.Greater(t, len(chunks), 1)

	for i, c := range chunks {
		assert.Equal(t, i, c.Index)
		assert.NotEmpty(t, c.Text)
		// Packed chunks stay near the budget; overlap and merge slack
		// allow some overshoot but nothing pathological.
		assert.Less(t, c.TokenCount, 128*2, "chunk %d is oversized", i)
	}
}

func TestRecursiveSplitter_OverlapCarriesContext(t *testing.T) {
	paragraphs := make([]string, 10)
	for i := range paragraphs {
		paragraphs[i] = strings.Repeat("alpha beta gamma delta ", 20)
	}
	text := strings.Join(paragraphs, "\n\n")

	s := NewRecursiveSplitter(Options{ChunkTokens: 64, OverlapTokens: 16})
	chunks := s.Split("doc.md", text)
	require.Greater(t, len(chunks), 1)

	// Each chunk after the first starts with a tail of the previous.
	tail := chunks[0].Text[len(chunks[0].Text)-20:]
	assert.Contains(t, chunks[1].Text, strings.TrimSpace(tail)[:5])
}

func TestRecursiveSplitter_HardSplitNoSeparators(t *testing.T) {
	blob := strings.Repeat("x", 20000)
	s := NewRecursiveSplitter(Options{ChunkTokens: 256, OverlapTokens: 0})
	chunks := s.Split("minified.js", blob)
	require.Greater(t, len(chunks), 1)
	total := 0
	for _, c := range chunks {
		total += len(strings.ReplaceAll(c.Text, "\n", ""))
	}
	assert.GreaterOrEqual(t, total, 20000)
}

const goSource = `package demo

import "fmt"

// Greet says hello.
func Greet(name string) string {
	return "hello " + name
}

type Config struct {
	Depth int
}

func (c Config) Describe() string {
	return fmt.Sprintf("depth=%d", c.Depth)
}
`

func TestCodeSplitter_GoDeclarations(t *testing.T) {
	s := NewCodeSplitter(Options{})
	chunks := s.Split(context.Background(), "demo.go", "go", goSource)
	require.NotEmpty(t, chunks)

	joined := ""
	for _, c := range chunks {
		assert.Equal(t, "go", c.Language)
		assert.Equal(t, "demo.go", c.Source)
		assert.Greater(t, c.EndLine, 0)
		joined += c.Text + "\n"
	}
	assert.Contains(t, joined, "func Greet")
	assert.Contains(t, joined, "type Config struct")
	assert.Contains(t, joined, "func (c Config) Describe")
}

func TestCodeSplitter_KeepsSmallFileTogether(t *testing.T) {
	s := NewCodeSplitter(Options{ChunkTokens: 512})
	chunks := s.Split(context.Background(), "demo.go", "go", goSource)
	// The whole file fits well under 512 tokens.
	assert.Len(t, chunks, 1)
}

func TestCodeSplitter_SplitsLargeFunctions(t *testing.T) {
	var b strings.Builder
	b.WriteString("package big\n\n")
	for i := 0; i < 30; i++ {
		b.WriteString("func Handler")
		b.WriteByte(byte('A' + i%26))
		b.WriteString("() {\n")
		b.WriteString(strings.Repeat("\tdoWork(\"some longer argument string here\")\n", 20))
		b.WriteString("}\n\n")
	}

	s := NewCodeSplitter(Options{ChunkTokens: 256})
	chunks := s.Split(context.Background(), "big.go", "go", b.String())
	require.Greater(t, len(chunks), 1)
	for i, c := range chunks {
		assert.Equal(t, i, c.Index)
	}
}

func TestCodeSplitter_UnsupportedLanguageFallsBack(t *testing.T) {
	s := NewCodeSplitter(Options{})
	chunks := s.Split(context.Background(), "main.rs", "rust", "fn main() { println!(\"hi\"); }")
	require.Len(t, chunks, 1)
	assert.Empty(t, chunks[0].Language, "fallback chunks carry no language")
}

func TestCodeSplitter_PythonClasses(t *testing.T) {
	src := `import os

class Greeter:
    def greet(self, name):
        return f"hello {name}"

def main():
    print(Greeter().greet("world"))
`
	s := NewCodeSplitter(Options{})
	chunks := s.Split(context.Background(), "app.py", "python", src)
	require.NotEmpty(t, chunks)
	joined := ""
	for _, c := range chunks {
		joined += c.Text
	}
	assert.Contains(t, joined, "class Greeter")
	assert.Contains(t, joined, "def main")
}

func TestCountTokens_Positive(t *testing.T) {
	assert.Greater(t, CountTokens("hello world, this is a sentence"), 0)
	assert.Zero(t, CountTokens(""))
}
