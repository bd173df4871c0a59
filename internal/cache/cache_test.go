package cache

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKey(t *testing.T) {
	tests := []struct {
		name string
		a    []byte
		b    []byte
		same bool
	}{
		{name: "identical bytes identical key", a: []byte("image-bytes"), b: []byte("image-bytes"), same: true},
		{name: "different bytes different key", a: []byte("image-bytes"), b: []byte("image-bytez"), same: false},
		{name: "empty input still hashes", a: nil, b: []byte{}, same: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ka := Key(tt.a)
			kb := Key(tt.b)
			assert.True(t, ka.Valid())
			if tt.same {
				assert.Equal(t, ka, kb)
			} else {
				assert.NotEqual(t, ka, kb)
			}
		})
	}
}

func TestContentKey_Storage(t *testing.T) {
	k := Key([]byte("abc"))
	assert.Equal(t, "ocr:"+string(k), k.Storage())
	assert.Len(t, string(k), 64)
}

func TestFileStore_RoundTrip(t *testing.T) {
	store, err := NewFileStore(t.TempDir(), 10)
	require.NoError(t, err)

	key := Key([]byte("some image"))

	_, ok, err := store.Get(key)
	require.NoError(t, err)
	assert.False(t, ok)

	entry := Entry{
		Text:      "recognized text",
		SourceURL: "https://x/img.png",
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, store.Put(key, entry))

	got, ok, err := store.Get(key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "recognized text", got.Text)
	assert.Equal(t, "https://x/img.png", got.SourceURL)
	assert.Equal(t, key, got.Key)

	n, err := store.Len()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestFileStore_UnknownSchemaVersionIsMiss(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir, 10)
	require.NoError(t, err)

	key := Key([]byte("future entry"))
	payload := []byte(`{"v":99,"key":"` + string(key) + `","text":"nope"}`)
	require.NoError(t, os.WriteFile(filepath.Join(store.Dir(), string(key)+".json"), payload, 0o644))

	_, ok, err := store.Get(key)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFileStore_CorruptEntryIsError(t *testing.T) {
	store, err := NewFileStore(t.TempDir(), 10)
	require.NoError(t, err)

	key := Key([]byte("corrupt"))
	require.NoError(t, os.WriteFile(filepath.Join(store.Dir(), string(key)+".json"), []byte("{not json"), 0o644))

	_, _, err = store.Get(key)
	var cacheErr *Error
	require.ErrorAs(t, err, &cacheErr)
	assert.Equal(t, "get", cacheErr.Op)
}

func TestFileStore_PruneBoundsGrowth(t *testing.T) {
	store, err := NewFileStore(t.TempDir(), 3)
	require.NoError(t, err)

	keys := make([]ContentKey, 0, 5)
	for _, payload := range []string{"a", "b", "c", "d", "e"} {
		key := Key([]byte(payload))
		keys = append(keys, key)
		require.NoError(t, store.Put(key, Entry{Text: payload, CreatedAt: time.Now()}))
		// Distinct mtimes so prune order is deterministic.
		now := time.Now()
		require.NoError(t, os.Chtimes(filepath.Join(store.Dir(), string(key)+".json"), now, now))
		time.Sleep(5 * time.Millisecond)
	}

	n, err := store.Len()
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	// The most recent keys survive.
	for _, key := range keys[2:] {
		_, ok, err := store.Get(key)
		require.NoError(t, err)
		assert.True(t, ok, "expected %s to survive pruning", key)
	}
}

func TestFileStore_Clear(t *testing.T) {
	store, err := NewFileStore(t.TempDir(), 10)
	require.NoError(t, err)

	require.NoError(t, store.Put(Key([]byte("one")), Entry{Text: "one"}))
	require.NoError(t, store.Put(Key([]byte("two")), Entry{Text: "two"}))
	require.NoError(t, store.Clear())

	n, err := store.Len()
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestMemoryStore(t *testing.T) {
	store, err := NewMemoryStore(2)
	require.NoError(t, err)

	k1 := Key([]byte("one"))
	k2 := Key([]byte("two"))
	k3 := Key([]byte("three"))

	require.NoError(t, store.Put(k1, Entry{Text: "one"}))
	require.NoError(t, store.Put(k2, Entry{Text: "two"}))
	require.NoError(t, store.Put(k3, Entry{Text: "three"}))

	// LRU capacity 2: the oldest entry was evicted.
	_, ok, err := store.Get(k1)
	require.NoError(t, err)
	assert.False(t, ok)

	got, ok, err := store.Get(k3)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "three", got.Text)
}

func TestOpen_FallsBackToMemory(t *testing.T) {
	// A file path (not a directory) cannot host the store.
	file := filepath.Join(t.TempDir(), "occupied")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))

	store, err := Open(filepath.Join(file, "nested"), 10)
	require.NoError(t, err)
	_, isMemory := store.(*MemoryStore)
	assert.True(t, isMemory)
}

func TestOpen_PrefersFileStore(t *testing.T) {
	store, err := Open(t.TempDir(), 10)
	require.NoError(t, err)
	_, isFile := store.(*FileStore)
	assert.True(t, isFile)
}
