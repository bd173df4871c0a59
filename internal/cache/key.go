package cache

import (
	"crypto/sha256"
	"encoding/hex"
)

// Namespace prefixes every persisted cache key.
const Namespace = "ocr"

// ContentKey addresses a cache entry by the digest of the raw source bytes.
// Hashing happens before preprocessing on purpose: the cache reflects the
// identity of the bytes a surface handed us, not what the preprocessor made
// of them, so byte-different sources always get distinct entries.
type ContentKey string

// Key computes the content key for raw image bytes (SHA-256, hex encoded).
// Identical bytes always produce identical keys.
func Key(data []byte) ContentKey {
	sum := sha256.Sum256(data)
	return ContentKey(hex.EncodeToString(sum[:]))
}

// Storage returns the namespaced form used in the persisted key space,
// e.g. "ocr:3f5a...".
func (k ContentKey) Storage() string {
	return Namespace + ":" + string(k)
}

// Valid reports whether the key looks like a SHA-256 hex digest.
func (k ContentKey) Valid() bool {
	if len(k) != sha256.Size*2 {
		return false
	}
	_, err := hex.DecodeString(string(k))
	return err == nil
}
