package scanner

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// hashBlockSize is the streaming read size when hashing file content.
const hashBlockSize = 64 * 1024

// Scanner walks folders and emits indexable files.
type Scanner struct {
	logger *slog.Logger
}

// New creates a Scanner.
func New(logger *slog.Logger) *Scanner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scanner{logger: logger}
}

// Scan walks root and streams discovered files on the returned
// channel. The channel closes when the walk finishes or ctx is
// cancelled. Unreadable files are reported as Result.Err and the walk
// continues.
func (s *Scanner) Scan(ctx context.Context, root string, opts Options) (<-chan Result, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("stat scan root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("scan root %s is not a directory", root)
	}
	if opts.MaxFileSize <= 0 {
		opts.MaxFileSize = DefaultMaxFileSize
	}

	results := make(chan Result, 64)
	go func() {
		defer close(results)
		s.walk(ctx, root, opts, results)
	}()
	return results, nil
}

// ScanAll collects the full stream, failing on the first error.
func (s *Scanner) ScanAll(ctx context.Context, root string, opts Options) ([]*FileInfo, error) {
	stream, err := s.Scan(ctx, root, opts)
	if err != nil {
		return nil, err
	}
	var files []*FileInfo
	for res := range stream {
		if res.Err != nil {
			return nil, res.Err
		}
		files = append(files, res.File)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return files, nil
}

func (s *Scanner) walk(ctx context.Context, root string, opts Options, results chan<- Result) {
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err != nil {
			// Unreadable directories are skipped, not fatal.
			s.logger.Debug("scan skip", slog.String("path", path), slog.String("error", err.Error()))
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return relErr
		}
		rel = filepath.ToSlash(rel)

		if d.IsDir() {
			if rel == "." {
				return nil
			}
			if !opts.Recursive {
				return filepath.SkipDir
			}
			if defaultExcludedDirs[d.Name()] || strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			if matchesAny(rel, opts.ExcludeGlobs) {
				return filepath.SkipDir
			}
			return nil
		}

		if !d.Type().IsRegular() {
			return nil
		}
		if matchesAny(rel, opts.ExcludeGlobs) {
			return nil
		}
		if len(opts.IncludeGlobs) > 0 && !matchesAny(rel, opts.IncludeGlobs) {
			return nil
		}

		info, statErr := d.Info()
		if statErr != nil {
			results <- Result{Err: fmt.Errorf("stat %s: %w", rel, statErr)}
			return nil
		}
		if info.Size() > opts.MaxFileSize {
			s.logger.Debug("scan skip oversized",
				slog.String("path", rel), slog.Int64("size", info.Size()))
			return nil
		}
		if isBinary(path) {
			return nil
		}

		hash, hashErr := HashFile(path)
		if hashErr != nil {
			results <- Result{Err: fmt.Errorf("hash %s: %w", rel, hashErr)}
			return nil
		}

		language := DetectLanguage(rel)
		results <- Result{File: &FileInfo{
			Path:     rel,
			AbsPath:  path,
			Size:     info.Size(),
			Hash:     hash,
			Language: language,
			Kind:     ClassifyKind(language),
		}}
		return nil
	})
	if err != nil && err != context.Canceled && ctx.Err() == nil {
		results <- Result{Err: err}
	}
}

// HashFile computes the hex SHA-256 of a file, reading in 64KiB
// blocks so large files never load fully into memory.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	buf := make([]byte, hashBlockSize)
	if _, err := io.CopyBuffer(h, f, buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// isBinary sniffs the first 512 bytes for a null byte.
func isBinary(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()

	buf := make([]byte, 512)
	n, err := f.Read(buf)
	if err != nil && err != io.EOF {
		return false
	}
	return bytes.IndexByte(buf[:n], 0) >= 0
}

// matchesAny reports whether rel matches any glob. Supported shapes
// cover what presets emit: "**/*.ext", "dir/**", "**/name/**", plain
// globs against the base name, and literal paths.
func matchesAny(rel string, patterns []string) bool {
	base := filepath.Base(rel)
	for _, pattern := range patterns {
		if matchGlob(base, rel, pattern) {
			return true
		}
	}
	return false
}

func matchGlob(base, rel, pattern string) bool {
	switch {
	case strings.HasPrefix(pattern, "**/") && strings.HasSuffix(pattern, "/**"):
		// Any path segment equals the middle component.
		middle := strings.TrimSuffix(strings.TrimPrefix(pattern, "**/"), "/**")
		for _, part := range strings.Split(rel, "/") {
			if part == middle {
				return true
			}
		}
		return false
	case strings.HasPrefix(pattern, "**/"):
		// Match the tail pattern against the base name.
		tail := strings.TrimPrefix(pattern, "**/")
		ok, err := filepath.Match(tail, base)
		return err == nil && ok
	case strings.HasSuffix(pattern, "/**"):
		prefix := strings.TrimSuffix(pattern, "/**")
		return rel == prefix || strings.HasPrefix(rel, prefix+"/")
	case strings.Contains(pattern, "/"):
		ok, err := filepath.Match(pattern, rel)
		return err == nil && ok
	default:
		ok, err := filepath.Match(pattern, base)
		return err == nil && ok
	}
}
