package cache

import (
	"fmt"
	"time"
)

// schemaVersion is written into every persisted entry. Readers treat entries
// with an unknown version as a miss rather than an error.
const schemaVersion = 1

// Entry is a recognized-text result stored under a content key. Entries are
// written once per distinct key and read-only afterwards; a repeated Put for
// the same key is last-write-wins, which is idempotent in value because the
// same bytes produce the same text.
type Entry struct {
	Version   int       `json:"v"`
	Key       ContentKey `json:"key"`
	Text      string    `json:"text"`
	SourceURL string    `json:"source_url,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Store is the result cache consulted before recognition. Implementations
// must be safe for concurrent use.
type Store interface {
	// Get returns the entry for key and whether it was present.
	Get(key ContentKey) (Entry, bool, error)
	// Put stores the entry under key.
	Put(key ContentKey, entry Entry) error
	// Len returns the number of stored entries.
	Len() (int, error)
	// Clear removes all entries.
	Clear() error
}

// Error wraps a persistence failure. The scheduler treats any cache error as
// a miss so storage trouble never blocks recognition.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("cache %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }
