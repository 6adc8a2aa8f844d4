// Package dml implements the Data Management Layer (spec.md §4.3): the
// authoritative owner of every live Node, sitting between the tree and
// the storage pool. It couples the cache, copy-on-write bookkeeping of
// disk extents, on-disk serialization, and the object lifecycle state
// machine (objref.Ref).
//
// Grounded on the teacher's triedb/pathdb package: a disk layer backed
// by a dirty-node buffer in front of a persistent KV store, flushed on a
// size threshold, generalized here from Ethereum state tries to the
// spec's Node/ObjectPointer/tiered storage pool.
package dml

import (
	"sync"
	"sync/atomic"

	"github.com/panjf2000/ants/v2"
	"github.com/pkg/errors"
	"github.com/strataeng/strata/cache"
	"github.com/strataeng/strata/checksum"
	"github.com/strataeng/strata/compression"
	"github.com/strataeng/strata/log"
	"github.com/strataeng/strata/metrics"
	"github.com/strataeng/strata/node"
	"github.com/strataeng/strata/objectptr"
	"github.com/strataeng/strata/objref"
	"github.com/strataeng/strata/storagepool"
	"github.com/strataeng/strata/vdev"
)

// Reason names why an extent is being freed (spec.md §4.3: "The reason
// (Remove vs Steal) is emitted to the reporting channel").
type Reason uint8

const (
	ReasonRemove Reason = iota
	ReasonSteal
)

func (r Reason) String() string {
	if r == ReasonSteal {
		return "steal"
	}
	return "remove"
}

// Outcome is the allocation handler's verdict on a freed extent
// (spec.md §4.3 CopyOnWriteEvent::Removed / Preserved).
type Outcome uint8

const (
	OutcomeRemoved Outcome = iota
	OutcomePreserved
)

// Msg is one copy-on-write event, delivered to whoever drains Events()
// — in practice the migration controller (spec.md §4.3, §4.6).
type Msg struct {
	Reason  Reason
	Outcome Outcome
	Offset  storagepool.DiskOffset
	Size    vdev.Block[uint32]
}

// AllocationHandler decides whether a superseded extent is actually
// freed or preserved for a live snapshot (spec.md §4.3). Snapshots are
// out of this module's scope, so the only handler shipped always frees.
type AllocationHandler interface {
	Decide(ptr objectptr.Pointer, reason Reason) Outcome
}

type alwaysRemove struct{}

func (alwaysRemove) Decide(objectptr.Pointer, Reason) Outcome { return OutcomeRemoved }

// AlwaysRemove is the default AllocationHandler: every superseded extent
// is freed immediately, since this module does not implement snapshots.
var AlwaysRemove AllocationHandler = alwaysRemove{}

// Dml is the Data Management Layer.
type Dml struct {
	pool        storagepool.Pool
	cache       *cache.Cache
	compression compression.Transform
	checksum    checksum.Builder
	alloc       AllocationHandler
	dataset     objectptr.DatasetID

	events chan Msg

	hintsMu sync.Mutex
	hints   map[storagepool.DiskOffset]storagepool.StoragePreference

	// pendingFree tracks the on-disk extent a Modified reference
	// superseded, keyed by the cache entry's CacheKey. It is only
	// released once the object is next durably written back (spec.md
	// §4.3: "the old extent is released ... when the object is next
	// written back"), or immediately if the object is removed outright
	// before ever completing a write-back.
	pendingFreeMu sync.Mutex
	pendingFree   map[objref.CacheKey]objectptr.Pointer

	generation uint64

	prefetchPool *ants.Pool
	sessionsMu   sync.Mutex
	sessions     map[PrefetchSession]*prefetchState
	nextSession  uint64

	hitMeter  *metrics.Meter
	missMeter *metrics.Meter
}

// Config bundles the Dml's construction-time dependencies.
type Config struct {
	Pool            storagepool.Pool
	CacheCapacity   uint64
	Compression     compression.Transform
	Checksum        checksum.Builder
	AllocationHandler AllocationHandler
	Dataset         objectptr.DatasetID
	PrefetchWorkers int
	Events          chan Msg
}

// New builds a Dml over pool with a byte-budgeted cache whose dirty
// write-back hook is the Dml's flushDirty.
func New(cfg Config) (*Dml, error) {
	if cfg.Compression == nil {
		cfg.Compression = compression.ByTag(compression.TagNone)
	}
	if cfg.Checksum == nil {
		cfg.Checksum = checksum.ByTag(checksum.TagXxHash64)
	}
	if cfg.AllocationHandler == nil {
		cfg.AllocationHandler = AlwaysRemove
	}
	if cfg.PrefetchWorkers <= 0 {
		cfg.PrefetchWorkers = 32
	}
	if cfg.Events == nil {
		cfg.Events = make(chan Msg, 256)
	}

	pool, err := ants.NewPool(cfg.PrefetchWorkers)
	if err != nil {
		return nil, errors.Wrap(err, "dml: create prefetch pool")
	}

	d := &Dml{
		pool:        cfg.Pool,
		compression: cfg.Compression,
		checksum:    cfg.Checksum,
		alloc:       cfg.AllocationHandler,
		dataset:     cfg.Dataset,
		events:      cfg.Events,
		hints:       make(map[storagepool.DiskOffset]storagepool.StoragePreference),
		pendingFree: make(map[objref.CacheKey]objectptr.Pointer),
		prefetchPool: pool,
		sessions:    make(map[PrefetchSession]*prefetchState),
		hitMeter:    metrics.GetOrRegisterMeter("dml/cache/hits"),
		missMeter:   metrics.GetOrRegisterMeter("dml/cache/misses"),
	}
	d.cache = cache.New(cfg.CacheCapacity, d.flushDirty)
	return d, nil
}

// Events returns the channel copy-on-write events are published on.
func (d *Dml) Events() <-chan Msg { return d.events }

func (d *Dml) emit(m Msg) {
	select {
	case d.events <- m:
	default:
		log.Warn("dml: event channel full, dropping copy-on-write event", "reason", m.Reason)
	}
}

// SetHint records a migration-driven storage preference for a given
// extent, consulted the next time that object is written back (spec.md
// §4.3 "Preference propagation").
func (d *Dml) SetHint(off storagepool.DiskOffset, pref storagepool.StoragePreference) {
	d.hintsMu.Lock()
	defer d.hintsMu.Unlock()
	d.hints[off] = pref
}

func (d *Dml) hintFor(off storagepool.DiskOffset) (storagepool.StoragePreference, bool) {
	d.hintsMu.Lock()
	defer d.hintsMu.Unlock()
	p, ok := d.hints[off]
	return p, ok
}

func preferenceOf(n node.Node) storagepool.StoragePreference {
	if hp, ok := n.(node.HasStoragePreference); ok {
		return node.CorrectPreference(hp)
	}
	return storagepool.NoPreference
}

func (d *Dml) freeExtent(ptr objectptr.Pointer, reason Reason) {
	outcome := d.alloc.Decide(ptr, reason)
	if outcome == OutcomeRemoved {
		if err := d.pool.Free(ptr.Offset, ptr.Size); err != nil {
			log.Error("dml: free extent failed", "offset", ptr.Offset, "err", err)
		}
	}
	d.emit(Msg{Reason: reason, Outcome: outcome, Offset: ptr.Offset, Size: ptr.Size})
}

// Get materializes a read-only view of ref, blocking on storage I/O on
// a cache miss (spec.md §4.3).
func (d *Dml) Get(ref *objref.Ref) (*cache.Ref, error) {
	if key, ok := ref.CacheKey(); ok {
		r, ok := d.cache.Get(key)
		if !ok {
			return nil, errors.New("dml: modified reference missing its cache entry")
		}
		d.hitMeter.Mark(1)
		return r, nil
	}

	ptr, ok := ref.Pointer()
	if !ok {
		return nil, ErrObjectNotFound
	}
	d.missMeter.Mark(1)
	n, err := d.fetch(ptr)
	if err != nil {
		return nil, err
	}
	key := objref.NewCacheKey()
	d.cache.InsertClean(key, n)
	r, _ := d.cache.Get(key)
	return r, nil
}

func (d *Dml) fetch(ptr objectptr.Pointer) (node.Node, error) {
	raw, err := d.pool.Read(ptr.Offset, ptr.Size)
	if err != nil {
		raw, err = d.pool.Read(ptr.Offset, ptr.Size)
	}
	if err != nil {
		return nil, errors.Wrap(ErrIO, err.Error())
	}
	n, err := decodeObject(raw)
	if err != nil {
		return nil, err
	}
	return n, nil
}

// TryGet is a non-blocking cache probe (spec.md §4.3); it never falls
// through to storage.
func (d *Dml) TryGet(ref *objref.Ref) (*cache.Ref, bool) {
	key, ok := ref.CacheKey()
	if !ok {
		return nil, false
	}
	return d.cache.TryGet(key)
}

// GetMut materializes ref and transitions it to Modified, copy-on-
// writing away from any prior Unmodified extent (spec.md §4.3). The
// KeyInfo parameter matches the DML contract's signature but carries no
// node-level effect here: per-key preference merging happens where the
// caller actually writes the key (Node.Set), not at materialization.
func (d *Dml) GetMut(ref *objref.Ref, _ node.KeyInfo) (*cache.Ref, error) {
	if key, ok := ref.CacheKey(); ok {
		if ref.IsWriteback() {
			abandoned, err := ref.Steal(key)
			if err != nil {
				return nil, errors.Wrap(err, "dml: steal")
			}
			d.freeExtent(abandoned, ReasonSteal)
		}
		return d.cache.GetMut(key)
	}

	ptr, ok := ref.Pointer()
	if !ok {
		return nil, ErrObjectNotFound
	}
	n, err := d.fetch(ptr)
	if err != nil {
		return nil, err
	}
	newKey := objref.NewCacheKey()
	old, err := ref.MarkModified(newKey)
	if err != nil {
		return nil, errors.Wrap(err, "dml: mark modified")
	}
	d.cache.Insert(newKey, n)
	d.pendingFreeMu.Lock()
	d.pendingFree[newKey] = old
	d.pendingFreeMu.Unlock()
	return d.cache.GetMut(newKey)
}

// TryGetMut succeeds only if ref is already Modified (spec.md §4.3).
func (d *Dml) TryGetMut(ref *objref.Ref) (*cache.Ref, bool) {
	key, ok := ref.CacheKey()
	if !ok || ref.State() != objref.Modified {
		return nil, false
	}
	r, err := d.cache.GetMut(key)
	if err != nil {
		return nil, false
	}
	return r, true
}

// Insert installs a freshly built node as Modified, allocating a new
// CacheKey and never touching disk (spec.md §4.3).
func (d *Dml) Insert(n node.Node) *objref.Ref {
	key := objref.NewCacheKey()
	d.cache.Insert(key, n)
	return objref.FromCacheKey(key)
}

// Remove drops ref's cache entry and, if it was Unmodified or had a
// pending superseded extent, frees the backing storage (spec.md §4.3).
func (d *Dml) Remove(ref *objref.Ref) error {
	if key, ok := ref.CacheKey(); ok {
		if _, err := d.cache.Remove(key); err != nil {
			return err
		}
		d.pendingFreeMu.Lock()
		old, hadPending := d.pendingFree[key]
		delete(d.pendingFree, key)
		d.pendingFreeMu.Unlock()
		if hadPending {
			d.freeExtent(old, ReasonRemove)
		}
		return nil
	}
	if ptr, ok := ref.Pointer(); ok {
		d.freeExtent(ptr, ReasonRemove)
	}
	return nil
}

// GetAndRemove materializes ref's node and removes it in one step,
// recovered from original_source/betree's data_management/mod.rs.
func (d *Dml) GetAndRemove(ref *objref.Ref) (node.Node, error) {
	r, err := d.Get(ref)
	if err != nil {
		return nil, err
	}
	n := r.Node
	r.Release()
	if err := d.Remove(ref); err != nil {
		return nil, err
	}
	return n, nil
}

// WriteBack persists the subtree rooted at ref via a post-order
// traversal, returning its durable pointer (spec.md §4.3). It is
// idempotent: calling it on an already-Unmodified reference is a no-op.
func (d *Dml) WriteBack(ref *objref.Ref) (objectptr.Pointer, error) {
	if ptr, ok := ref.Pointer(); ok {
		return ptr, nil
	}
	key, ok := ref.CacheKey()
	if !ok {
		return objectptr.Pointer{}, errors.New("dml: reference has neither pointer nor cache key")
	}
	return d.writeBackKey(ref, key)
}

func (d *Dml) writeBackKey(ref *objref.Ref, key objref.CacheKey) (objectptr.Pointer, error) {
	r, ok := d.cache.Get(key)
	if !ok {
		return objectptr.Pointer{}, ErrObjectNotFound
	}
	defer r.Release()
	n := r.Node

	if internal, ok := n.(*node.InternalNode); ok {
		err := internal.ForEachChild(func(child *objref.Ref) error {
			_, err := d.WriteBack(child)
			return err
		})
		if err != nil {
			return objectptr.Pointer{}, err
		}
	}

	raw, err := encodeObject(n, d.compression, d.checksum)
	if err != nil {
		return objectptr.Pointer{}, err
	}
	size := vdev.BlocksForBytes[uint32](uint64(len(raw)))

	pref := preferenceOf(n)
	preferredClass, ok := pref.Class()
	if !ok {
		preferredClass = d.pool.DefaultStorageClass()
	}
	off, _, err := storagepool.AllocateWithFallback(d.pool, preferredClass, size)
	if err != nil {
		if errors.Is(err, storagepool.ErrOutOfSpace) {
			return objectptr.Pointer{}, ErrOutOfSpace
		}
		return objectptr.Pointer{}, errors.Wrap(ErrIO, err.Error())
	}
	if hint, ok := d.hintFor(off); ok {
		pref = pref.Merge(hint)
	}

	newPtr := objectptr.Pointer{
		DecompressionTag: d.compression.Tag(),
		ChecksumTag:      d.checksum.Tag(),
		Checksum:         d.checksum.Sum(raw),
		Offset:           off,
		Size:             size,
		Dataset:          d.dataset,
		Generation:       objectptr.Generation(atomic.AddUint64(&d.generation, 1)),
	}

	if err := d.cache.MarkWriteback(key); err != nil {
		d.pool.Free(off, size)
		return objectptr.Pointer{}, err
	}
	if err := ref.BeginWriteback(newPtr); err != nil {
		d.pool.Free(off, size)
		return objectptr.Pointer{}, errors.Wrap(err, "dml: begin writeback")
	}

	err = d.pool.Write(off, raw)
	if err != nil {
		err = d.pool.Write(off, raw)
	}
	if err != nil {
		abandoned, stealErr := ref.Steal(key)
		if stealErr == nil {
			d.pool.Free(abandoned.Offset, abandoned.Size)
			d.cache.Steal(key)
		}
		return objectptr.Pointer{}, errors.Wrap(ErrIO, err.Error())
	}

	durable, err := ref.CompleteWriteback()
	if err != nil {
		// A concurrent mutation stole the reference while the write was
		// in flight; the stealer already freed our extent, and this
		// write-back attempt must be retried by the caller.
		d.cache.Steal(key)
		return objectptr.Pointer{}, ErrNotModified
	}
	if err := d.cache.CompleteWriteback(key); err != nil {
		return objectptr.Pointer{}, err
	}

	d.pendingFreeMu.Lock()
	old, hadPending := d.pendingFree[key]
	delete(d.pendingFree, key)
	d.pendingFreeMu.Unlock()
	if hadPending {
		d.freeExtent(old, ReasonRemove)
	}

	return durable, nil
}

// DropCache evicts every unpinned clean entry, forcing subsequent reads
// through the storage pool. Recovered from original_source/betree's
// data_management/mod.rs drop_cache self-check hook.
func (d *Dml) DropCache() { d.cache.DropClean() }

// VerifyCache checks the testable property of spec.md §8 — every
// resident node's tracked Size equals its ActualSize — returning the
// first mismatch found, or nil. Recovered from original_source/betree's
// data_management/mod.rs verify_cache.
func (d *Dml) VerifyCache() error {
	var mismatch error
	d.cache.Range(func(key objref.CacheKey, n node.Node, _ cache.State) {
		if mismatch != nil {
			return
		}
		if n.Size() != n.ActualSize() {
			mismatch = errors.Errorf("dml: cache key %d size=%d actual=%d", key, n.Size(), n.ActualSize())
		}
	})
	return mismatch
}

// Evict runs an opportunistic cache trim, writing back dirty entries if
// necessary to make room (spec.md §4.3).
func (d *Dml) Evict() { d.cache.Evict() }

// Resize notifies the cache that ref's node grew or shrank in place (an
// internal node's message buffer gaining an entry, a leaf's owned slice
// growing), so the byte budget stays accurate without a full re-insert.
func (d *Dml) Resize(ref *objref.Ref) {
	if key, ok := ref.CacheKey(); ok {
		d.cache.Resize(key)
	}
}

// flushDirty is the cache's write-back hook, invoked when eviction must
// free a dirty entry. It has no ObjectRef to hand WriteBack (the cache
// only knows the CacheKey), so it persists the node directly and
// transitions the cache entry in place.
func (d *Dml) flushDirty(key objref.CacheKey, n node.Node) error {
	raw, err := encodeObject(n, d.compression, d.checksum)
	if err != nil {
		return err
	}
	size := vdev.BlocksForBytes[uint32](uint64(len(raw)))
	pref := preferenceOf(n)
	class, ok := pref.Class()
	if !ok {
		class = d.pool.DefaultStorageClass()
	}
	off, _, err := storagepool.AllocateWithFallback(d.pool, class, size)
	if err != nil {
		return err
	}
	err = d.pool.Write(off, raw)
	if err != nil {
		err = d.pool.Write(off, raw)
	}
	if err != nil {
		d.pool.Free(off, size)
		return err
	}
	if err := d.cache.MarkWriteback(key); err != nil {
		d.pool.Free(off, size)
		return err
	}
	return d.cache.CompleteWriteback(key)
}
