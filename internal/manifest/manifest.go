// Package manifest tracks which folders are indexed and what state
// each of their files was in at the last successful pass. The
// manifest is the source of truth for change detection: the pipeline
// diffs a fresh scan against it to decide what to re-embed and what
// to evict.
package manifest

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	aberrors "github.com/SpillwaveSolutions/agent-brain/internal/errors"
)

// FileRecord is the indexed state of one file.
type FileRecord struct {
	// Hash is the hex SHA-256 of the file content.
	Hash string `json:"hash"`

	// Size in bytes at index time.
	Size int64 `json:"size"`

	// ChunkIDs are the document IDs produced from this file.
	ChunkIDs []string `json:"chunk_ids"`
}

// FolderRecord is one indexed folder and its file inventory.
type FolderRecord struct {
	// ID is derived from the canonical path, so re-adding the same
	// folder yields the same identity.
	ID string `json:"id"`

	// Path is the canonical absolute folder path.
	Path string `json:"path"`

	// Presets are the resolved preset names the folder was added with.
	Presets []string `json:"presets,omitempty"`

	// IncludeGlobs and ExcludeGlobs are extra patterns beyond presets.
	IncludeGlobs []string `json:"include_globs,omitempty"`
	ExcludeGlobs []string `json:"exclude_globs,omitempty"`

	// Recursive controls whether indexing descends into
	// subdirectories.
	Recursive bool `json:"recursive"`

	AddedAt       time.Time `json:"added_at"`
	LastIndexedAt time.Time `json:"last_indexed_at,omitempty"`

	// Files maps relative paths to their indexed state.
	Files map[string]FileRecord `json:"files,omitempty"`
}

// FolderID derives the stable folder identity from a canonical path.
func FolderID(canonicalPath string) string {
	sum := sha256.Sum256([]byte(canonicalPath))
	return hex.EncodeToString(sum[:6])
}

// CanonicalPath resolves a folder path to an absolute, symlink-free
// form. On case-insensitive filesystems the result is case-folded so
// the same folder spelled with different casing maps to one identity.
// The path must exist and be a directory.
func CanonicalPath(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", aberrors.Wrapf(aberrors.KindInvalidInput, err, "resolve %s", path)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return "", aberrors.Newf(aberrors.KindNotFound, "folder %s does not exist", path)
		}
		return "", aberrors.Wrapf(aberrors.KindInvalidInput, err, "resolve symlinks for %s", path)
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return "", aberrors.Wrapf(aberrors.KindInvalidInput, err, "stat %s", resolved)
	}
	if !info.IsDir() {
		return "", aberrors.Newf(aberrors.KindInvalidInput, "%s is not a directory", resolved)
	}
	return foldCase(resolved), nil
}

// foldCase lower-cases paths on platforms whose default filesystems
// are case-insensitive.
func foldCase(path string) string {
	if runtime.GOOS == "darwin" || runtime.GOOS == "windows" {
		return strings.ToLower(path)
	}
	return path
}

// Manifest is the persistent folder registry. Records live in a JSONL
// file, one folder per line; every mutation rewrites the whole file
// through a temp file and rename so readers never see a torn write.
type Manifest struct {
	path string

	mu      sync.RWMutex
	folders map[string]*FolderRecord // keyed by ID
}

// Open loads the manifest at path, creating an empty one when the
// file does not exist yet.
func Open(path string) (*Manifest, error) {
	m := &Manifest{path: path, folders: make(map[string]*FolderRecord)}

	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return m, nil
		}
		return nil, aberrors.Wrapf(aberrors.KindStorage, err, "open manifest %s", path)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	// Folder records with large file inventories exceed the default
	// 64KiB line limit.
	scanner.Buffer(make([]byte, 0, 64*1024), 64*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var rec FolderRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, aberrors.Wrapf(aberrors.KindStorage, err,
				"parse manifest %s line %d", path, line)
		}
		m.folders[rec.ID] = &rec
	}
	if err := scanner.Err(); err != nil {
		return nil, aberrors.Wrapf(aberrors.KindStorage, err, "read manifest %s", path)
	}
	return m, nil
}

// Add registers a folder. Re-adding an existing path updates its
// presets and globs but keeps the indexed file inventory so the next
// pass is incremental.
func (m *Manifest) Add(record FolderRecord) (*FolderRecord, error) {
	if record.Path == "" {
		return nil, aberrors.New(aberrors.KindInvalidInput, "folder path is required")
	}
	if record.ID == "" {
		record.ID = FolderID(record.Path)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.folders[record.ID]; ok {
		existing.Presets = record.Presets
		existing.IncludeGlobs = record.IncludeGlobs
		existing.ExcludeGlobs = record.ExcludeGlobs
		existing.Recursive = record.Recursive
		if err := m.commitLocked(); err != nil {
			return nil, err
		}
		copied := *existing
		return &copied, nil
	}

	if record.AddedAt.IsZero() {
		record.AddedAt = time.Now().UTC()
	}
	if record.Files == nil {
		record.Files = make(map[string]FileRecord)
	}
	m.folders[record.ID] = &record
	if err := m.commitLocked(); err != nil {
		delete(m.folders, record.ID)
		return nil, err
	}
	copied := record
	return &copied, nil
}

// Get returns a folder by ID, or nil when unknown.
func (m *Manifest) Get(id string) *FolderRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.folders[id]
	if !ok {
		return nil
	}
	copied := *rec
	return &copied
}

// GetByPath returns a folder by canonical path, or nil.
func (m *Manifest) GetByPath(canonicalPath string) *FolderRecord {
	return m.Get(FolderID(canonicalPath))
}

// List returns all folders ordered by path.
func (m *Manifest) List() []FolderRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]FolderRecord, 0, len(m.folders))
	for _, rec := range m.folders {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// Remove deletes a folder record. Unknown IDs are a KindNotFound
// error so callers can distinguish them from commit failures.
func (m *Manifest) Remove(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.folders[id]
	if !ok {
		return aberrors.Newf(aberrors.KindNotFound, "folder %s is not indexed", id)
	}
	delete(m.folders, id)
	if err := m.commitLocked(); err != nil {
		m.folders[id] = rec
		return err
	}
	return nil
}

// UpdateFiles replaces a folder's file inventory and stamps the index
// time. Called once per successful pipeline pass, after storage
// writes succeeded.
func (m *Manifest) UpdateFiles(id string, files map[string]FileRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.folders[id]
	if !ok {
		return aberrors.Newf(aberrors.KindNotFound, "folder %s is not indexed", id)
	}
	previous := rec.Files
	previousStamp := rec.LastIndexedAt
	rec.Files = files
	rec.LastIndexedAt = time.Now().UTC()
	if err := m.commitLocked(); err != nil {
		rec.Files = previous
		rec.LastIndexedAt = previousStamp
		return err
	}
	return nil
}

// ChunkIDs returns every chunk ID recorded for a folder.
func (m *Manifest) ChunkIDs(id string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.folders[id]
	if !ok {
		return nil
	}
	var ids []string
	for _, file := range rec.Files {
		ids = append(ids, file.ChunkIDs...)
	}
	return ids
}

// commitLocked writes all records to a temp file and renames it over
// the manifest. Caller holds the write lock.
func (m *Manifest) commitLocked() error {
	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return aberrors.Wrapf(aberrors.KindStorage, err, "create manifest directory")
	}

	tmp := m.path + ".tmp"
	file, err := os.Create(tmp)
	if err != nil {
		return aberrors.Wrapf(aberrors.KindStorage, err, "create manifest temp file")
	}

	// Stable order keeps the file diffable.
	ids := make([]string, 0, len(m.folders))
	for id := range m.folders {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	writer := bufio.NewWriter(file)
	for _, id := range ids {
		line, err := json.Marshal(m.folders[id])
		if err != nil {
			file.Close()
			os.Remove(tmp)
			return fmt.Errorf("encode folder %s: %w", id, err)
		}
		if _, err := writer.Write(append(line, '\n')); err != nil {
			file.Close()
			os.Remove(tmp)
			return aberrors.Wrapf(aberrors.KindStorage, err, "write manifest")
		}
	}
	if err := writer.Flush(); err != nil {
		file.Close()
		os.Remove(tmp)
		return aberrors.Wrapf(aberrors.KindStorage, err, "flush manifest")
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tmp)
		return aberrors.Wrapf(aberrors.KindStorage, err, "sync manifest")
	}
	if err := file.Close(); err != nil {
		os.Remove(tmp)
		return aberrors.Wrapf(aberrors.KindStorage, err, "close manifest")
	}
	if err := os.Rename(tmp, m.path); err != nil {
		os.Remove(tmp)
		return aberrors.Wrapf(aberrors.KindStorage, err, "commit manifest")
	}
	return nil
}
