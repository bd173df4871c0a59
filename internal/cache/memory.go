package cache

import (
	lru "github.com/hashicorp/golang-lru"
)

// MemoryStore is the in-process fallback used when the persistent store
// cannot be opened. Entries are lost on restart, which is acceptable
// degradation. Bounded by an LRU so a long-lived process cannot grow it
// without limit.
type MemoryStore struct {
	entries *lru.Cache
}

// NewMemoryStore creates a bounded in-memory store. maxEntries <= 0 selects
// DefaultMaxEntries.
func NewMemoryStore(maxEntries int) (*MemoryStore, error) {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	c, err := lru.New(maxEntries)
	if err != nil {
		return nil, &Error{Op: "open", Err: err}
	}
	return &MemoryStore{entries: c}, nil
}

// Get returns the entry for key if present.
func (s *MemoryStore) Get(key ContentKey) (Entry, bool, error) {
	v, ok := s.entries.Get(key)
	if !ok {
		return Entry{}, false, nil
	}
	entry, ok := v.(Entry)
	if !ok {
		return Entry{}, false, nil
	}
	return entry, true, nil
}

// Put stores the entry under key.
func (s *MemoryStore) Put(key ContentKey, entry Entry) error {
	entry.Version = schemaVersion
	entry.Key = key
	s.entries.Add(key, entry)
	return nil
}

// Len returns the number of cached entries.
func (s *MemoryStore) Len() (int, error) { return s.entries.Len(), nil }

// Clear removes all entries.
func (s *MemoryStore) Clear() error {
	s.entries.Purge()
	return nil
}

// Open returns a file-backed store rooted at dir, falling back transparently
// to an in-memory store when the directory cannot be used.
func Open(dir string, maxEntries int) (Store, error) {
	if dir != "" {
		if fs, err := NewFileStore(dir, maxEntries); err == nil {
			return fs, nil
		}
	}
	return NewMemoryStore(maxEntries)
}
