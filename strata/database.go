// Package strata is the root facade: it wires a storage pool, the DML,
// the background migration controller and (optionally) a persistent
// replication cache into a single handle opening and closing together,
// the way the teacher's triedb/pathdb wires a disk key-value store, a
// freezer/ancient store and a dirty-node buffer behind one disk layer.
package strata

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/strataeng/strata/checksum"
	"github.com/strataeng/strata/compression"
	"github.com/strataeng/strata/config"
	"github.com/strataeng/strata/dml"
	"github.com/strataeng/strata/migration"
	"github.com/strataeng/strata/objectptr"
	"github.com/strataeng/strata/objref"
	"github.com/strataeng/strata/replication"
	"github.com/strataeng/strata/storagepool"
	"github.com/strataeng/strata/tree"
)

// pointerBaggage lets the persistent replication cache write an evicted
// entry's bytes straight back to the pool location they were cached
// from (spec.md §4.5's write_back_fn(&baggage, &data)).
type pointerBaggage struct {
	ptr objectptr.Pointer
}

func (b pointerBaggage) MarshalBinary() ([]byte, error) { return b.ptr.Encode(), nil }

func decodePointerBaggage(buf []byte) (pointerBaggage, error) {
	ptr, err := objectptr.Decode(buf)
	return pointerBaggage{ptr: ptr}, err
}

// Database is a storage pool plus everything the core subsystems need
// layered on top of it: the DML (cache + copy-on-write bookkeeping), any
// number of named trees sharing that DML and pool, the migration
// controller, and an optional persistent replication cache.
type Database struct {
	mu    sync.RWMutex
	cfg   config.Database
	pool  storagepool.Pool
	dml   *dml.Dml
	ctrl  *migration.Controller
	repl  *replication.Cache[pointerBaggage]
	trees map[string]*tree.Tree
}

// Open builds a Database over pool. cfg is sanitized before use, so a
// zero-valued config.Database is accepted and defaulted.
func Open(pool storagepool.Pool, cfg config.Database) (*Database, error) {
	cfg = cfg.Sanitize()

	d, err := dml.New(dml.Config{
		Pool:            pool,
		CacheCapacity:   cfg.CacheCapacity,
		Compression:     compression.ByTag(cfg.CompressionTag),
		Checksum:        checksum.ByTag(cfg.ChecksumTag),
		Dataset:         cfg.Dataset,
		PrefetchWorkers: cfg.PrefetchWorkers,
	})
	if err != nil {
		return nil, errors.Wrap(err, "strata: build dml")
	}

	ctrl := migration.New(cfg.Migration, d, pool)
	ctrl.Start()

	db := &Database{cfg: cfg, pool: pool, dml: d, ctrl: ctrl, trees: make(map[string]*tree.Tree)}

	if cfg.Replication.Enabled() {
		repl, err := replication.Open(replication.Config[pointerBaggage]{
			Path:         cfg.Replication.Path,
			Bytes:        cfg.Replication.Bytes,
			NodeCapacity: cfg.Replication.NodeCapacity,
			Decode:       decodePointerBaggage,
		})
		if err != nil {
			ctrl.Stop()
			return nil, errors.Wrap(err, "strata: open replication cache")
		}
		db.repl = repl
	}

	return db, nil
}

// Dml exposes the Database's shared Data Management Layer, for callers
// building their own tree or issuing raw Get/Insert calls.
func (db *Database) Dml() *dml.Dml { return db.dml }

// Pool exposes the Database's shared storage pool.
func (db *Database) Pool() storagepool.Pool { return db.pool }

// CreateTree creates a fresh, empty tree named name (spec.md §5: "the
// cache is process-wide and must be shared by all trees of a database",
// satisfied here by every tree sharing db.dml). Returns an error if a
// tree by that name is already open.
func (db *Database) CreateTree(name string, action tree.MessageAction) (*tree.Tree, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if _, exists := db.trees[name]; exists {
		return nil, errors.Errorf("strata: tree %q already open", name)
	}
	t := tree.New(db.dml, action)
	db.trees[name] = t
	return t, nil
}

// OpenTree resumes a tree whose root was previously persisted by the
// caller (e.g. decoded from a dataset superblock).
func (db *Database) OpenTree(name string, root *objref.Ref, action tree.MessageAction) (*tree.Tree, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if _, exists := db.trees[name]; exists {
		return nil, errors.Errorf("strata: tree %q already open", name)
	}
	t := tree.Open(db.dml, root, action)
	db.trees[name] = t
	return t, nil
}

// Tree returns a previously opened tree by name.
func (db *Database) Tree(name string) (*tree.Tree, bool) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	t, ok := db.trees[name]
	return t, ok
}

// CloseTree drops name from the Database's registry without touching its
// on-disk state; the caller is responsible for persisting its root
// first via (*tree.Tree).Root.
func (db *Database) CloseTree(name string) {
	db.mu.Lock()
	defer db.mu.Unlock()
	delete(db.trees, name)
}

// ReplicationGet reads a previously cached value from the persistent
// replication cache. Always (nil, false, nil) when replication is
// disabled.
func (db *Database) ReplicationGet(key []byte) ([]byte, bool, error) {
	if db.repl == nil {
		return nil, false, nil
	}
	return db.repl.Get(key)
}

// ReplicationPut stages value under key in the persistent replication
// cache, with ptr recording where value durably lives so that an evicted
// copy can be written back there (spec.md §4.5). A no-op when
// replication is disabled.
func (db *Database) ReplicationPut(key, value []byte, ptr objectptr.Pointer) error {
	if db.repl == nil {
		return nil
	}
	return db.repl.PrepareInsert(key, value, pointerBaggage{ptr: ptr}).Insert(db.writeEvictedBack)
}

func (db *Database) writeEvictedBack(b pointerBaggage, data []byte) error {
	return db.pool.Write(b.ptr.Offset, data)
}

// Close stops the migration controller and, if open, flushes and closes
// the persistent replication cache. The storage pool is owned by the
// caller and is not closed here.
func (db *Database) Close() error {
	db.ctrl.Stop()
	if db.repl != nil {
		return db.repl.Close()
	}
	return nil
}
