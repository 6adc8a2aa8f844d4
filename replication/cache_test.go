package replication

import (
	"encoding/binary"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// testBaggage is a minimal Baggage implementation carrying the original
// write-back key, the way a caller would wire a replication cache in
// front of persistent storage.
type testBaggage struct {
	key uint64
}

func (b testBaggage) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, b.key)
	return buf, nil
}

func decodeTestBaggage(buf []byte) (testBaggage, error) {
	return testBaggage{key: binary.LittleEndian.Uint64(buf)}, nil
}

func openTestCache(t *testing.T, bytes uint64, nodeCapacity uint32) *Cache[testBaggage] {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cache.bin")
	c, err := Open(Config[testBaggage]{Path: path, Bytes: bytes, NodeCapacity: nodeCapacity, Decode: decodeTestBaggage})
	require.NoError(t, err)
	return c
}

func noopWriteBack(testBaggage, []byte) error { return nil }

func TestCacheGetMissOnEmpty(t *testing.T) {
	c := openTestCache(t, 4096, 16)
	_, ok, err := c.Get([]byte("missing"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCacheInsertThenGet(t *testing.T) {
	c := openTestCache(t, 4096, 16)
	err := c.PrepareInsert([]byte("k1"), []byte("hello world"), testBaggage{key: 1}).Insert(noopWriteBack)
	require.NoError(t, err)

	got, ok, err := c.Get([]byte("k1"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("hello world"), got)
	require.Equal(t, 1, c.Len())
}

func TestCacheInsertEvictsLRUUnderByteBudget(t *testing.T) {
	c := openTestCache(t, 32, 16)
	val := make([]byte, 20)

	require.NoError(t, c.PrepareInsert([]byte("a"), val, testBaggage{key: 1}).Insert(noopWriteBack))
	require.NoError(t, c.PrepareInsert([]byte("b"), val, testBaggage{key: 2}).Insert(noopWriteBack))

	// The arena only holds 32 bytes; the second 20-byte insert must evict
	// the first before it fits.
	_, ok, err := c.Get([]byte("a"))
	require.NoError(t, err)
	require.False(t, ok)

	got, ok, err := c.Get([]byte("b"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, val, got)
}

func TestCacheInsertCallsWriteBackForEvictedEntries(t *testing.T) {
	c := openTestCache(t, 32, 16)
	val := make([]byte, 20)

	require.NoError(t, c.PrepareInsert([]byte("a"), val, testBaggage{key: 1}).Insert(noopWriteBack))

	var sawKey uint64
	var sawData []byte
	writeBack := func(b testBaggage, data []byte) error {
		sawKey = b.key
		sawData = append([]byte(nil), data...)
		return nil
	}
	require.NoError(t, c.PrepareInsert([]byte("b"), val, testBaggage{key: 2}).Insert(writeBack))

	require.Equal(t, uint64(1), sawKey)
	require.Equal(t, val, sawData)
}

func TestCacheInsertAllOrNothingOnWriteBackFailure(t *testing.T) {
	c := openTestCache(t, 32, 16)
	val := make([]byte, 20)

	require.NoError(t, c.PrepareInsert([]byte("a"), val, testBaggage{key: 1}).Insert(noopWriteBack))

	failing := func(testBaggage, []byte) error { return require.AnError }
	err := c.PrepareInsert([]byte("b"), val, testBaggage{key: 2}).Insert(failing)
	require.Error(t, err)

	// Nothing changed: "a" is still present, "b" was never admitted, and
	// the occupancy counters reflect only the original entry.
	got, ok, err := c.Get([]byte("a"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, val, got)

	_, ok, err = c.Get([]byte("b"))
	require.NoError(t, err)
	require.False(t, ok)

	require.Equal(t, 1, c.Len())
	require.Equal(t, uint64(20), c.UsedBytes())
}

func TestCacheInsertTooLargeForArena(t *testing.T) {
	c := openTestCache(t, 16, 16)
	err := c.PrepareInsert([]byte("a"), make([]byte, 32), testBaggage{key: 1}).Insert(noopWriteBack)
	require.ErrorIs(t, err, ErrCacheFull)
}

func TestCacheRemove(t *testing.T) {
	c := openTestCache(t, 4096, 16)
	require.NoError(t, c.PrepareInsert([]byte("a"), []byte("data"), testBaggage{key: 1}).Insert(noopWriteBack))
	require.NoError(t, c.Remove([]byte("a")))

	_, ok, err := c.Get([]byte("a"))
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, 0, c.Len())
}

func TestCacheOverwriteSameKeyFreesOldEntry(t *testing.T) {
	c := openTestCache(t, 4096, 16)
	require.NoError(t, c.PrepareInsert([]byte("a"), []byte("first"), testBaggage{key: 1}).Insert(noopWriteBack))
	require.NoError(t, c.PrepareInsert([]byte("a"), []byte("second value"), testBaggage{key: 2}).Insert(noopWriteBack))

	got, ok, err := c.Get([]byte("a"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("second value"), got)
	require.Equal(t, 1, c.Len())
}

// Reproduces the reopen-after-crash scenario: insert several entries,
// close (flushing), reopen, and confirm ordering and content survive.
func TestCacheSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.bin")
	cfg := Config[testBaggage]{Path: path, Bytes: 4096, NodeCapacity: 16, Decode: decodeTestBaggage}

	c, err := Open(cfg)
	require.NoError(t, err)
	require.NoError(t, c.PrepareInsert([]byte("a"), []byte("aaa"), testBaggage{key: 1}).Insert(noopWriteBack))
	require.NoError(t, c.PrepareInsert([]byte("b"), []byte("bbbbb"), testBaggage{key: 2}).Insert(noopWriteBack))
	require.NoError(t, c.PrepareInsert([]byte("c"), []byte("ccccccc"), testBaggage{key: 3}).Insert(noopWriteBack))
	// Touch "a" so it becomes MRU again before closing.
	_, ok, err := c.Get([]byte("a"))
	require.NoError(t, err)
	require.True(t, ok)

	wantHead, _ := c.HeadHash()
	wantTail, _ := c.TailHash()
	wantLen := c.Len()
	wantUsed := c.UsedBytes()
	require.NoError(t, c.Close())

	reopened, err := Open(cfg)
	require.NoError(t, err)

	gotHead, ok := reopened.HeadHash()
	require.True(t, ok)
	require.Equal(t, wantHead, gotHead)

	gotTail, ok := reopened.TailHash()
	require.True(t, ok)
	require.Equal(t, wantTail, gotTail)

	require.Equal(t, wantLen, reopened.Len())
	require.Equal(t, wantUsed, reopened.UsedBytes())

	got, ok, err := reopened.Get([]byte("b"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("bbbbb"), got)

	// The arena's free space must also have been correctly reclaimed: a
	// fresh insert that needs the reclaimed room must still succeed.
	require.NoError(t, reopened.PrepareInsert([]byte("d"), []byte("dddddddd"), testBaggage{key: 4}).Insert(noopWriteBack))
}
