// Package cache implements the DML's bounded in-memory object cache
// (spec.md §4.2): a byte-budgeted map from CacheKey to Node, with
// approximate-LRU eviction restricted to clean entries and a write-back
// escape hatch for when the budget is pinned down by dirty data.
package cache

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/strataeng/strata/node"
	"github.com/strataeng/strata/objref"
	"github.com/tidwall/tinylru"
)

// State names an entry's dirtiness, independent of (but correlated
// with) the owning ObjectRef's own state tag (spec.md §4.1 "Cache
// entry"). A Clean entry backs an Unmodified ObjectRef; Modified and
// InWriteback entries are always pinned and never evicted.
type State uint8

const (
	Clean State = iota
	Modified
	InWriteback
)

var (
	// ErrNotResident is returned when an operation needs the key to
	// already have a cache entry.
	ErrNotResident = errors.New("cache: key not resident")
	// ErrPinned is returned by Remove on a pinned entry (spec.md §4.2:
	// "remove(key): removes unconditionally; fails if pinned").
	ErrPinned = errors.New("cache: entry is pinned")
)

type entry struct {
	node     node.Node
	size     uint32
	state    State
	pinCount int32
}

// WriteBackFunc persists one dirty node so its bytes can be freed from
// the cache; Evict calls it on one dirty entry when clean eviction alone
// cannot make room (spec.md §4.2). Which dirty entry is chosen does not
// depend on its age (see oldestDirtyLocked).
type WriteBackFunc func(key objref.CacheKey, n node.Node) error

// Cache is the bounded, byte-budgeted object cache. A single mutex
// guards the map; spec.md §4.2 allows per-shard mutual exclusion as an
// equivalent-behavior alternative, which this implementation does not
// need at the scale it is exercised at.
type Cache struct {
	mu sync.Mutex

	entries map[objref.CacheKey]*entry
	clean   tinylru.LRU // CacheKey -> struct{}, recency order over Clean entries only

	capacity uint64
	used     uint64

	writeBack WriteBackFunc
}

// New builds an empty cache with the given byte capacity. writeBack is
// invoked (without the cache lock held) whenever eviction must flush a
// dirty entry to make room.
func New(capacity uint64, writeBack WriteBackFunc) *Cache {
	return &Cache{
		entries:   make(map[objref.CacheKey]*entry),
		capacity:  capacity,
		writeBack: writeBack,
	}
}

// Ref is a stable, pinned handle on a resident node (spec.md §4.2:
// "returns a stable reference that keeps the entry resident until
// dropped"). Callers must call Release when done.
type Ref struct {
	c    *Cache
	key  objref.CacheKey
	Node node.Node
}

// Release unpins the entry, making it eligible for eviction again (if
// Clean).
func (r *Ref) Release() {
	if r == nil {
		return
	}
	r.c.unpin(r.key)
}

// Get returns a pinned reference to key's node if resident, touching
// recency. It never blocks on I/O: a cache miss is the DML's job to
// resolve, not the cache's (spec.md §4.2, §4.3 try_get doc: "Non-
// blocking cache probe").
func (c *Cache) Get(key objref.CacheKey) (*Ref, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	e.pinCount++
	if e.state == Clean {
		c.clean.Set(key, struct{}{})
	}
	return &Ref{c: c, key: key, Node: e.node}, true
}

// TryGet is identical to Get: this cache layer never blocks, so the
// distinction spec.md draws between get and try_get only matters one
// layer up, at the DML, which decides whether to fall through to disk.
func (c *Cache) TryGet(key objref.CacheKey) (*Ref, bool) { return c.Get(key) }

// GetMut returns a pinned reference and marks the entry dirty on first
// acquisition, transitioning Clean -> Modified (spec.md §4.2). It fails
// if the key is not resident; the DML must Insert or fetch first.
func (c *Cache) GetMut(key objref.CacheKey) (*Ref, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return nil, ErrNotResident
	}
	if e.state == Clean {
		c.clean.Delete(key)
		e.state = Modified
	}
	e.pinCount++
	return &Ref{c: c, key: key, Node: e.node}, nil
}

func (c *Cache) unpin(key objref.CacheKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || e.pinCount == 0 {
		return
	}
	e.pinCount--
	if e.pinCount == 0 && e.state == Clean {
		c.clean.Set(key, struct{}{})
	}
}

// Insert installs a freshly built node as Modified and pinned (spec.md
// §4.3 "insert(node, info) -> ObjectRef": "Install fresh Modified node
// ... never touches disk"). Callers that want a Clean entry (e.g. after
// decoding bytes fetched from the pool) should use InsertClean.
func (c *Cache) Insert(key objref.CacheKey, n node.Node) {
	c.insert(key, n, Modified, true)
}

// InsertClean installs a node decoded from disk as Clean and unpinned,
// immediately eligible for eviction.
func (c *Cache) InsertClean(key objref.CacheKey, n node.Node) {
	c.insert(key, n, Clean, false)
}

func (c *Cache) insert(key objref.CacheKey, n node.Node, state State, pinned bool) {
	c.mu.Lock()
	size := n.Size()
	e := &entry{node: n, size: size, state: state}
	if pinned {
		e.pinCount = 1
	}
	c.entries[key] = e
	c.used += uint64(size)
	if state == Clean {
		c.clean.Set(key, struct{}{})
	}
	c.mu.Unlock()

	c.Evict()
}

// ChangeKey atomically rekeys an entry, used when a Modified reference
// completes write-back and is assigned its durable pointer's identity
// no longer applies here but the cache key itself may still need to
// move (e.g. after a steal reassigns the backing CacheKey; spec.md
// §4.2 "change_key(old, new)").
func (c *Cache) ChangeKey(old, new objref.CacheKey) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[old]
	if !ok {
		return ErrNotResident
	}
	delete(c.entries, old)
	c.entries[new] = e
	if e.state == Clean {
		c.clean.Delete(old)
		c.clean.Set(new, struct{}{})
	}
	return nil
}

// MarkWriteback transitions a Modified entry to InWriteback; it stays
// pinned and ineligible for eviction throughout.
func (c *Cache) MarkWriteback(key objref.CacheKey) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return ErrNotResident
	}
	e.state = InWriteback
	return nil
}

// CompleteWriteback transitions an InWriteback entry to Clean, dropping
// the pin write-back itself held and making it evictable again.
func (c *Cache) CompleteWriteback(key objref.CacheKey) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return ErrNotResident
	}
	e.state = Clean
	if e.pinCount > 0 {
		e.pinCount--
	}
	if e.pinCount == 0 {
		c.clean.Set(key, struct{}{})
	}
	return nil
}

// Steal reverts an InWriteback entry back to Modified, as when a
// concurrent mutation intercepts an in-flight write (spec.md §4.3
// "steal").
func (c *Cache) Steal(key objref.CacheKey) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return ErrNotResident
	}
	e.state = Modified
	return nil
}

// Remove drops key unconditionally, failing if the entry is pinned
// (spec.md §4.2).
func (c *Cache) Remove(key objref.CacheKey) (node.Node, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return nil, ErrNotResident
	}
	if e.pinCount > 0 {
		return nil, ErrPinned
	}
	delete(c.entries, key)
	c.clean.Delete(key)
	c.used -= uint64(e.size)
	return e.node, nil
}

// Resize updates key's tracked size after an in-place AddSize mutation,
// keeping the budget accounting accurate (spec.md §4.1: "Size is an
// accumulator the Node may grow by calling add_size(delta)").
func (c *Cache) Resize(key objref.CacheKey) {
	c.mu.Lock()
	e, ok := c.entries[key]
	if !ok {
		c.mu.Unlock()
		return
	}
	newSize := e.node.Size()
	c.used = c.used - uint64(e.size) + uint64(newSize)
	e.size = newSize
	c.mu.Unlock()
	c.Evict()
}

// Evict runs a synchronous eviction pass: unpinned clean entries first,
// least recently used first, then (if still over budget and a write-back
// hook is wired) one dirty entry that no caller has pinned, chosen
// without regard to age, repeated until the budget is satisfied or no
// candidate remains (spec.md §4.2).
func (c *Cache) Evict() {
	for {
		c.mu.Lock()
		if c.used <= c.capacity {
			c.mu.Unlock()
			return
		}
		if key, _, ok := c.clean.PopBack(); ok {
			k := key.(objref.CacheKey)
			e, present := c.entries[k]
			if !present {
				c.mu.Unlock()
				continue
			}
			if e.pinCount > 0 {
				// Pinned: leave it out of the ring and keep going; unpin
				// puts it back once its last reference is released.
				c.mu.Unlock()
				continue
			}
			delete(c.entries, k)
			c.used -= uint64(e.size)
			c.mu.Unlock()
			continue
		}

		key, e, ok := c.oldestDirtyLocked()
		c.mu.Unlock()
		if !ok || c.writeBack == nil {
			return
		}
		if err := c.writeBack(key, e); err != nil {
			return
		}
		// writeBack is expected to drive the entry through
		// MarkWriteback/CompleteWriteback (or Remove) itself; loop to
		// re-evaluate the budget.
	}
}

func (c *Cache) oldestDirtyLocked() (objref.CacheKey, node.Node, bool) {
	var (
		found    bool
		bestKey  objref.CacheKey
		bestNode node.Node
	)
	for k, e := range c.entries {
		if e.state != Modified || e.pinCount > 1 {
			continue
		}
		// Map iteration order is arbitrary; spec.md §9 documents dirty
		// eviction order as approximate and non-deterministic under
		// concurrency, so any single candidate satisfies the contract.
		found = true
		bestKey, bestNode = k, e.node
		break
	}
	return bestKey, bestNode, found
}

// Used returns the current tracked byte usage.
func (c *Cache) Used() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.used
}

// Len returns the number of resident entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Range calls f for every resident entry. f must not call back into the
// cache; Range holds the lock for its duration.
func (c *Cache) Range(f func(key objref.CacheKey, n node.Node, state State)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, e := range c.entries {
		f(k, e.node, e.state)
	}
}

// DropClean evicts every unpinned Clean entry unconditionally, the
// recovered original_source/betree drop_cache self-check hook (used by
// tests to force every subsequent read through the storage pool).
func (c *Cache) DropClean() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, e := range c.entries {
		if e.state == Clean && e.pinCount == 0 {
			delete(c.entries, k)
			c.clean.Delete(k)
			c.used -= uint64(e.size)
		}
	}
}
