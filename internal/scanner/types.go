// Package scanner discovers indexable files under a folder, applying
// include and exclude globs, skipping binaries and oversized files,
// and hashing content for change detection.
package scanner

import "path/filepath"

// Kind classifies a discovered file for the chunking stage.
type Kind string

const (
	// KindCode goes through the syntax-aware splitter.
	KindCode Kind = "code"
	// KindDoc goes through the recursive text splitter.
	KindDoc Kind = "doc"
)

// FileInfo describes one discovered file.
type FileInfo struct {
	// Path is relative to the scanned root, slash-separated.
	Path string
	// AbsPath is the absolute filesystem path.
	AbsPath string
	// Size in bytes.
	Size int64
	// Hash is the hex SHA-256 of the content.
	Hash string
	// Language is the detected language ("go", "python", ...), empty
	// when unknown.
	Language string
	// Kind is code or doc.
	Kind Kind
}

// Options configures a scan.
type Options struct {
	// IncludeGlobs keeps only matching files when non-empty.
	IncludeGlobs []string
	// ExcludeGlobs drops matching files and directories.
	ExcludeGlobs []string
	// MaxFileSize drops larger files (default 10MiB).
	MaxFileSize int64
	// Recursive descends into subdirectories. When false only files
	// directly under the root are scanned.
	Recursive bool
}

// Result streams from the scanner channel; Err is set for files that
// could not be read.
type Result struct {
	File *FileInfo
	Err  error
}

// DefaultMaxFileSize caps indexable files at 10MiB.
const DefaultMaxFileSize = 10 * 1024 * 1024

// defaultExcludedDirs are never descended into.
var defaultExcludedDirs = map[string]bool{
	".git": true, ".hg": true, ".svn": true,
	"node_modules": true, "vendor": true, "__pycache__": true,
	".venv": true, "venv": true, ".tox": true,
	"dist": true, "build": true, "target": true,
	".idea": true, ".vscode": true, ".cache": true,
}

var extensionLanguages = map[string]string{
	".go":    "go",
	".py":    "python",
	".pyi":   "python",
	".js":    "javascript",
	".jsx":   "javascript",
	".mjs":   "javascript",
	".ts":    "typescript",
	".tsx":   "typescript",
	".rs":    "rust",
	".java":  "java",
	".kt":    "kotlin",
	".c":     "c",
	".h":     "c",
	".cpp":   "cpp",
	".cc":    "cpp",
	".hpp":   "cpp",
	".cs":    "csharp",
	".rb":    "ruby",
	".php":   "php",
	".swift": "swift",
	".scala": "scala",
	".sh":    "shell",
	".bash":  "shell",
	".sql":   "sql",
	".html":  "html",
	".css":   "css",
	".scss":  "scss",
	".vue":   "vue",
	".proto": "protobuf",
	".md":    "markdown",
	".mdx":   "markdown",
	".rst":   "rst",
	".txt":   "text",
	".json":  "json",
	".yaml":  "yaml",
	".yml":   "yaml",
	".toml":  "toml",
	".xml":   "xml",
	".ini":   "ini",
	".pdf":   "pdf",
}

// docLanguages are chunked as prose rather than code.
var docLanguages = map[string]bool{
	"markdown": true, "rst": true, "text": true, "pdf": true,
	"json": true, "yaml": true, "toml": true, "xml": true, "ini": true,
}

// DetectLanguage maps a file path to a language name, or "".
func DetectLanguage(path string) string {
	base := filepath.Base(path)
	switch base {
	case "Dockerfile":
		return "dockerfile"
	case "Makefile", "makefile", "GNUmakefile":
		return "makefile"
	}
	return extensionLanguages[filepath.Ext(base)]
}

// ClassifyKind maps a language to the chunking strategy.
func ClassifyKind(language string) Kind {
	if language == "" || docLanguages[language] {
		return KindDoc
	}
	return KindCode
}
