package cache

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// FileStore persists entries as one JSON file per key under
// <dir>/<namespace>/<hex>.json. Growth is bounded: once MaxEntries is
// exceeded the oldest files (by modification time) are pruned.
type FileStore struct {
	dir        string
	maxEntries int

	mu sync.Mutex
}

// DefaultMaxEntries bounds the on-disk cache when no limit is configured.
const DefaultMaxEntries = 1024

// NewFileStore opens (creating if necessary) a file-backed store rooted at
// dir. maxEntries <= 0 selects DefaultMaxEntries.
func NewFileStore(dir string, maxEntries int) (*FileStore, error) {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	root := filepath.Join(dir, Namespace)
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, &Error{Op: "open", Err: err}
	}
	return &FileStore{dir: root, maxEntries: maxEntries}, nil
}

// Dir returns the directory holding the namespaced entries.
func (s *FileStore) Dir() string { return s.dir }

func (s *FileStore) path(key ContentKey) string {
	return filepath.Join(s.dir, string(key)+".json")
}

// Get loads the entry for key. Missing files and entries written by an
// unknown schema version are reported as absent, not as errors.
func (s *FileStore) Get(key ContentKey) (Entry, bool, error) {
	data, err := os.ReadFile(s.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, &Error{Op: "get", Err: err}
	}
	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return Entry{}, false, &Error{Op: "get", Err: err}
	}
	if entry.Version != schemaVersion {
		return Entry{}, false, nil
	}
	return entry, true, nil
}

// Put writes the entry for key atomically (temp file + rename) and prunes
// the store back under its capacity.
func (s *FileStore) Put(key ContentKey, entry Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry.Version = schemaVersion
	entry.Key = key
	data, err := json.Marshal(entry)
	if err != nil {
		return &Error{Op: "put", Err: err}
	}

	tmp, err := os.CreateTemp(s.dir, "put-*")
	if err != nil {
		return &Error{Op: "put", Err: err}
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return &Error{Op: "put", Err: err}
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return &Error{Op: "put", Err: err}
	}
	if err := os.Rename(tmpName, s.path(key)); err != nil {
		_ = os.Remove(tmpName)
		return &Error{Op: "put", Err: err}
	}

	return s.pruneLocked()
}

// Len counts stored entries.
func (s *FileStore) Len() (int, error) {
	names, err := s.entryNames()
	if err != nil {
		return 0, err
	}
	return len(names), nil
}

// Clear removes every stored entry.
func (s *FileStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	names, err := s.entryNames()
	if err != nil {
		return err
	}
	for _, name := range names {
		if err := os.Remove(filepath.Join(s.dir, name)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return &Error{Op: "clear", Err: err}
		}
	}
	return nil
}

func (s *FileStore) entryNames() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, &Error{Op: "list", Err: err}
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".json" {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

// pruneLocked drops the oldest entries until the store fits its capacity.
// Callers must hold s.mu.
func (s *FileStore) pruneLocked() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return &Error{Op: "prune", Err: err}
	}

	type aged struct {
		name string
		mod  int64
	}
	files := make([]aged, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, aged{name: e.Name(), mod: info.ModTime().UnixNano()})
	}
	if len(files) <= s.maxEntries {
		return nil
	}

	sort.Slice(files, func(i, j int) bool { return files[i].mod < files[j].mod })
	for _, f := range files[:len(files)-s.maxEntries] {
		if err := os.Remove(filepath.Join(s.dir, f.name)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return &Error{Op: "prune", Err: err}
		}
	}
	return nil
}
