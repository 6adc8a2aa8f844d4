package strata

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/strataeng/strata/config"
	"github.com/strataeng/strata/migration"
	"github.com/strataeng/strata/objectptr"
	"github.com/strataeng/strata/storagepool"
	"github.com/strataeng/strata/tree"
)

func TestOpenCreateTreeGetAndClose(t *testing.T) {
	pool := storagepool.NewMemPool(1 << 20)
	db, err := Open(pool, config.Default())
	require.NoError(t, err)
	defer db.Close()

	tr, err := db.CreateTree("default", tree.ReplaceAction{})
	require.NoError(t, err)
	require.NoError(t, tr.ApplyWithInfo([]byte("k1"), storagepool.NoPreference))

	_, ok := db.Tree("default")
	require.True(t, ok)

	_, err = db.CreateTree("default", tree.ReplaceAction{})
	require.Error(t, err)
}

func TestOpenStartsMigrationController(t *testing.T) {
	pool := storagepool.NewMemPool(1 << 20)
	cfg := config.Default()
	cfg.Migration = migration.LfuSpec(migration.DefaultLfuConfig())

	db, err := Open(pool, cfg)
	require.NoError(t, err)
	require.NoError(t, db.Close())
}

func TestReplicationDisabledByDefault(t *testing.T) {
	pool := storagepool.NewMemPool(1 << 20)
	db, err := Open(pool, config.Default())
	require.NoError(t, err)
	defer db.Close()

	_, ok, err := db.ReplicationGet([]byte("k"))
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, db.ReplicationPut([]byte("k"), []byte("v"), objectptr.Pointer{}))
}

func TestReplicationPutGetAndWriteBackOnEviction(t *testing.T) {
	pool := storagepool.NewMemPool(1 << 20)
	cfg := config.Default()
	cfg.Replication = config.Replication{
		Path:         filepath.Join(t.TempDir(), "repl.bin"),
		Bytes:        64,
		NodeCapacity: 8,
	}

	db, err := Open(pool, cfg)
	require.NoError(t, err)
	defer db.Close()

	off, err := pool.Allocate(0, 1)
	require.NoError(t, err)
	ptr := objectptr.Pointer{Offset: off, Size: 1}

	val := make([]byte, 32)
	for i := range val {
		val[i] = byte(i)
	}
	require.NoError(t, db.ReplicationPut([]byte("k1"), val, ptr))

	got, ok, err := db.ReplicationGet([]byte("k1"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, val, got)

	// A second large value evicts the first; the evicted bytes must have
	// been written back to the pool at ptr's offset.
	require.NoError(t, db.ReplicationPut([]byte("k2"), make([]byte, 40), ptr))

	back, err := pool.Read(off, 1)
	require.NoError(t, err)
	require.Equal(t, val, back[:len(val)])
}
