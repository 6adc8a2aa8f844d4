package tree

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/strataeng/strata/dml"
	"github.com/strataeng/strata/node"
	"github.com/strataeng/strata/storagepool"
)

func newTestTree(t *testing.T) *Tree {
	t.Helper()
	pool := storagepool.NewMemPool(1 << 20)
	d, err := dml.New(dml.Config{Pool: pool, CacheCapacity: 1 << 30})
	require.NoError(t, err)
	return New(d, ReplaceAction{})
}

func TestInsertGet(t *testing.T) {
	tr := newTestTree(t)
	require.NoError(t, tr.Insert([]byte("a"), node.DefaultKeyInfo(), []byte("1")))
	require.NoError(t, tr.Insert([]byte("b"), node.DefaultKeyInfo(), []byte("2")))

	v, ok, err := tr.Get([]byte("a"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("1"), v)

	v, ok, err = tr.Get([]byte("b"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("2"), v)

	_, ok, err = tr.Get([]byte("missing"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestInsertOverwrite(t *testing.T) {
	tr := newTestTree(t)
	require.NoError(t, tr.Insert([]byte("a"), node.DefaultKeyInfo(), []byte("1")))
	require.NoError(t, tr.Insert([]byte("a"), node.DefaultKeyInfo(), []byte("2")))

	v, ok, err := tr.Get([]byte("a"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("2"), v)
}

func TestInsertEmptyKeyRejected(t *testing.T) {
	tr := newTestTree(t)
	err := tr.Insert(nil, node.DefaultKeyInfo(), []byte("1"))
	require.ErrorIs(t, err, ErrEmptyKey)
}

func TestInsertMessageTooBig(t *testing.T) {
	tr := newTestTree(t)
	big := make([]byte, MaxMessageSize+1)
	err := tr.Insert([]byte("a"), node.DefaultKeyInfo(), big)
	require.ErrorIs(t, err, ErrMessageTooBig)
}

// TestManyInsertsTriggerSplit drives enough inserts to force leaf
// splits, then spot-checks that every 137th key is still reachable
// (spec.md §4.4 step 2/3).
func TestManyInsertsTriggerSplit(t *testing.T) {
	tr := newTestTree(t)
	const n = 4000
	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("key-%06d", i))
		val := make([]byte, 2048)
		require.NoError(t, tr.Insert(key, node.DefaultKeyInfo(), val))
	}

	// The root must have become an internal node by now; verify a sample
	// of keys (every 137th) is still reachable after the splits.
	for i := 0; i < n; i += 137 {
		key := []byte(fmt.Sprintf("key-%06d", i))
		v, ok, err := tr.Get(key)
		require.NoError(t, err)
		require.True(t, ok, "key %s missing after splits", key)
		require.Len(t, v, 2048)
	}
}

func TestDelete(t *testing.T) {
	tr := newTestTree(t)
	require.NoError(t, tr.Insert([]byte("a"), node.DefaultKeyInfo(), []byte("1")))
	require.NoError(t, tr.Insert([]byte("a"), node.DefaultKeyInfo(), nil))

	_, ok, err := tr.Get([]byte("a"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRange(t *testing.T) {
	tr := newTestTree(t)
	keys := []string{"a", "b", "c", "d", "e"}
	for _, k := range keys {
		require.NoError(t, tr.Insert([]byte(k), node.DefaultKeyInfo(), []byte(k+k)))
	}

	cur, err := tr.Range([]byte("b"), []byte("d"))
	require.NoError(t, err)

	var got []string
	for {
		e, ok := cur.Next()
		if !ok {
			break
		}
		got = append(got, string(e.Key))
		require.Equal(t, string(e.Key)+string(e.Key), string(e.Value))
	}
	require.Equal(t, []string{"b", "c", "d"}, got)
}

func TestRangeUnboundedSides(t *testing.T) {
	tr := newTestTree(t)
	for _, k := range []string{"a", "b", "c"} {
		require.NoError(t, tr.Insert([]byte(k), node.DefaultKeyInfo(), []byte(k)))
	}

	cur, err := tr.Range(nil, []byte("b"))
	require.NoError(t, err)
	require.Equal(t, 2, cur.Len())

	cur, err = tr.Range([]byte("b"), nil)
	require.NoError(t, err)
	require.Equal(t, 2, cur.Len())
}

func TestRangeInvalid(t *testing.T) {
	tr := newTestTree(t)
	_, err := tr.Range([]byte("z"), []byte("a"))
	require.ErrorIs(t, err, ErrInvalidRange)
}

func TestApplyWithInfo(t *testing.T) {
	tr := newTestTree(t)
	pref := storagepool.NewStoragePreference(0)
	require.NoError(t, tr.Insert([]byte("a"), node.DefaultKeyInfo(), []byte("1")))

	err := tr.ApplyWithInfo([]byte("a"), pref)
	require.NoError(t, err)

	// Value is unchanged; ApplyWithInfo never touches it.
	v, ok, err := tr.Get([]byte("a"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("1"), v)
}

func TestApplyWithInfoUnknownKeyIsNoop(t *testing.T) {
	tr := newTestTree(t)
	pref := storagepool.NewStoragePreference(0)
	require.NoError(t, tr.ApplyWithInfo([]byte("nope"), pref))
}

func TestReplaceActionEmptyMessageDeletes(t *testing.T) {
	var a ReplaceAction
	require.Nil(t, a.Apply([]byte("k"), nil, []byte("old")))
	require.Equal(t, []byte("new"), a.Apply([]byte("k"), []byte("new"), []byte("old")))
}
