package cas

import (
	"io"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hurrycache/hurry/pkg/errors"
	"github.com/hurrycache/hurry/pkg/hash"
)

// TestCASIdentity is spec.md §8's "CAS identity" property: store(b) = key;
// get(key) = b bytewise for any byte string.
func TestCASIdentity(t *testing.T) {
	store, err := New(t.TempDir())
	require.NoError(t, err)

	content := []byte("hello, hurry cache")
	key := hash.Sum(content)

	written, err := store.Write(key, content)
	require.NoError(t, err)
	assert.True(t, written)

	rc, err := store.Read(key)
	require.NoError(t, err)
	require.NotNil(t, rc)
	defer rc.Close()

	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestCASReadMissingKeyIsNilNotError(t *testing.T) {
	store, err := New(t.TempDir())
	require.NoError(t, err)

	unknown := hash.Sum([]byte("never written"))
	rc, err := store.Read(unknown)
	require.NoError(t, err)
	assert.Nil(t, rc)

	exists, err := store.Exists(unknown)
	require.NoError(t, err)
	assert.False(t, exists)
}

// TestCASWriteRejectsMismatchedKey asserts a caller cannot store bytes
// under a key that isn't their own hash — the IntegrityError case from
// spec.md §7.
func TestCASWriteRejectsMismatchedKey(t *testing.T) {
	store, err := New(t.TempDir())
	require.NoError(t, err)

	wrongKey := hash.Sum([]byte("some other content"))
	_, err = store.Write(wrongKey, []byte("hello"))
	require.Error(t, err)
	var cerr *errors.CacheError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, errors.ErrCodeIntegrityHashMismatch, cerr.Code)
}

// TestCASAtMostOnceWrite is spec.md §8 scenario 2: 100 concurrent writers
// of the same key and payload; exactly one observes written=true, on-disk
// content is the 1-blob payload, and a subsequent read returns the
// original bytes untouched.
func TestCASAtMostOnceWrite(t *testing.T) {
	store, err := New(t.TempDir())
	require.NoError(t, err)

	content := make([]byte, 64*1024)
	for i := range content {
		content[i] = byte(i)
	}
	key := hash.Sum(content)

	const writers = 100
	results := make([]bool, writers)
	var wg sync.WaitGroup
	wg.Add(writers)
	for i := 0; i < writers; i++ {
		go func(i int) {
			defer wg.Done()
			w, werr := store.Write(key, content)
			require.NoError(t, werr)
			results[i] = w
		}(i)
	}
	wg.Wait()

	writtenCount := 0
	for _, w := range results {
		if w {
			writtenCount++
		}
	}
	assert.Equal(t, 1, writtenCount, "exactly one writer should observe written=true")

	rc, err := store.Read(key)
	require.NoError(t, err)
	require.NotNil(t, rc)
	defer rc.Close()
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestCASStatsTracksHitsAndMisses(t *testing.T) {
	store, err := New(t.TempDir())
	require.NoError(t, err)

	content := []byte("tracked")
	key := hash.Sum(content)
	_, err = store.Write(key, content)
	require.NoError(t, err)

	rc, err := store.Read(key)
	require.NoError(t, err)
	require.NotNil(t, rc)
	rc.Close()

	_, err = store.Read(hash.Sum([]byte("absent")))
	require.NoError(t, err)

	stats := store.Stats()
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
	assert.InDelta(t, 0.5, stats.HitRate, 0.001)
}
