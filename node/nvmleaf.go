package node

import (
	"bytes"
	"fmt"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"github.com/strataeng/strata/storagepool"
)

// ErrAttemptedInvalidTransition is returned by Upgrade when at least one
// cell has not yet been fetched (spec.md §4.4: "upgrade() fails with
// AttemptedInvalidTransition if any cell is unfetched").
var ErrAttemptedInvalidTransition = errors.New("node: nvm leaf has unfetched cells")

// ErrAlreadyDeserialized is returned by Upgrade when the leaf has already
// completed the PartiallyLoaded -> Deserialized transition.
var ErrAlreadyDeserialized = errors.New("node: nvm leaf is already deserialized")

type cellStatus uint8

const (
	cellUnfetched cellStatus = iota
	cellFetching
	cellDone
)

// nvmCell is a lazily-populated value slot, the OnceCell<value> of
// spec.md §4.4's PartiallyLoaded state. status lets a concurrent
// prefetcher and a foreground Get agree on who does the work: the first
// caller to see cellUnfetched claims it by setting cellFetching, decodes
// under the cell's own lock, and marks cellDone; everyone else just
// waits on the lock.
type nvmCell struct {
	mu     sync.Mutex
	status cellStatus
	value  []byte
	info   KeyInfo
}

func (c *nvmCell) fetch(decode func() ([]byte, KeyInfo)) ([]byte, KeyInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status == cellDone {
		return c.value, c.info
	}
	c.status = cellFetching
	c.value, c.info = decode()
	c.status = cellDone
	return c.value, c.info
}

func (c *nvmCell) fetched() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status == cellDone
}

// nvmIndexEntry locates one key's cell within the packed buffer.
type nvmIndexEntry struct {
	key    []byte
	valOff uint32
	valLen uint32
	cell   *nvmCell
}

// NVMLeaf is the third leaf variant (spec.md §4.4): a two-phase state
// machine over a packed NVM-resident buffer. While PartiallyLoaded it
// exposes only the key index plus per-key lazy cell fetching; only after
// transitioning to Deserialized does it accept inserts, mirroring the
// teacher's pattern of deferring the cost of full deserialization until
// a node is actually about to be mutated.
type NVMLeaf struct {
	mu sync.RWMutex

	buf   []byte
	index []nvmIndexEntry

	deserialized bool
	owned        []PackedEntry

	storagePref storagepool.StoragePreference
	sysPref     storagepool.StoragePreference
}

// NewNVMLeaf builds a PartiallyLoaded leaf over packed bytes, indexing
// every key's location without fetching any value.
func NewNVMLeaf(buf []byte) (*NVMLeaf, error) {
	if len(buf) < packedHeaderSize {
		return nil, errors.New("node: nvm leaf shorter than header")
	}
	metaLen := readU32(buf[0:4])
	storagePref := storagepool.StoragePreference(buf[8])
	sysPref := storagepool.StoragePreference(buf[9])
	count := readU32(buf[10:14])

	meta := buf[packedHeaderSize:]
	if uint32(len(meta)) < metaLen {
		return nil, errors.New("node: nvm leaf truncated meta region")
	}

	index := make([]nvmIndexEntry, 0, count)
	pos := uint32(0)
	for i := uint32(0); i < count; i++ {
		if pos+12 > metaLen {
			return nil, errors.New("node: nvm leaf meta entry out of bounds")
		}
		keyLen := readU32(meta[pos : pos+4])
		valOff := readU32(meta[pos+4 : pos+8])
		valLen := readU32(meta[pos+8 : pos+12])
		pos += 12
		if pos+keyLen > metaLen {
			return nil, errors.New("node: nvm leaf key out of bounds")
		}
		key := meta[pos : pos+keyLen]
		pos += keyLen
		index = append(index, nvmIndexEntry{key: key, valOff: valOff, valLen: valLen, cell: &nvmCell{}})
	}
	return &NVMLeaf{buf: buf, index: index, storagePref: storagePref, sysPref: sysPref}, nil
}

func (n *NVMLeaf) Kind() Kind { return KindNVMLeaf }

func (n *NVMLeaf) Size() uint32 {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if !n.deserialized {
		return uint32(len(n.buf))
	}
	return (&LeafNode{entries: n.owned}).ActualSize()
}

func (n *NVMLeaf) AddSize(int32) {}

func (n *NVMLeaf) ActualSize() uint32 { return n.Size() }

func (n *NVMLeaf) DebugInfo() string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.deserialized {
		return "nvm-leaf(deserialized)"
	}
	fetched := 0
	for _, e := range n.index {
		if e.cell.fetched() {
			fetched++
		}
	}
	return fmt.Sprintf("nvm-leaf(partially-loaded %d/%d fetched)", fetched, len(n.index))
}

func (n *NVMLeaf) dataRegion() []byte {
	dataStart := packedHeaderSize + int(readU32(n.buf[0:4]))
	return n.buf[dataStart:]
}

// Get fetches key's value, decoding it out of the packed buffer on first
// access and caching the result in its cell thereafter.
func (n *NVMLeaf) Get(key []byte) ([]byte, KeyInfo, bool) {
	n.mu.RLock()
	if n.deserialized {
		owned := n.owned
		n.mu.RUnlock()
		i := sort.Search(len(owned), func(i int) bool { return bytes.Compare(owned[i].Key, key) >= 0 })
		if i >= len(owned) || !bytes.Equal(owned[i].Key, key) {
			return nil, KeyInfo{}, false
		}
		e := owned[i]
		return append([]byte(nil), e.Value...), e.Info, true
	}
	index := n.index
	data := n.dataRegion()
	n.mu.RUnlock()

	i := sort.Search(len(index), func(i int) bool { return bytes.Compare(index[i].key, key) >= 0 })
	if i >= len(index) || !bytes.Equal(index[i].key, key) {
		return nil, KeyInfo{}, false
	}
	entry := index[i]
	value, info := entry.cell.fetch(func() ([]byte, KeyInfo) {
		v := append([]byte(nil), data[entry.valOff:entry.valOff+entry.valLen]...)
		return v, KeyInfo{StoragePreference: storagepool.StoragePreference(data[entry.valOff-1])}
	})
	return value, info, true
}

// Prefetch eagerly fetches every unfetched cell, the unit of work a
// background prefetcher dispatches per leaf.
func (n *NVMLeaf) Prefetch() {
	n.mu.RLock()
	if n.deserialized {
		n.mu.RUnlock()
		return
	}
	index := n.index
	data := n.dataRegion()
	n.mu.RUnlock()
	for _, e := range index {
		e.cell.fetch(func() ([]byte, KeyInfo) {
			v := append([]byte(nil), data[e.valOff:e.valOff+e.valLen]...)
			return v, KeyInfo{StoragePreference: storagepool.StoragePreference(data[e.valOff-1])}
		})
	}
}

// ForceUpgrade fetches every remaining cell and transitions to
// Deserialized unconditionally (spec.md §4.4: "force_upgrade() fetches
// any missing cells and transitions to Deserialized").
func (n *NVMLeaf) ForceUpgrade() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.forceUpgradeLocked()
}

func (n *NVMLeaf) forceUpgradeLocked() {
	if n.deserialized {
		return
	}
	data := n.dataRegion()
	owned := make([]PackedEntry, len(n.index))
	for i, e := range n.index {
		value, info := e.cell.fetch(func() ([]byte, KeyInfo) {
			v := append([]byte(nil), data[e.valOff:e.valOff+e.valLen]...)
			return v, KeyInfo{StoragePreference: storagepool.StoragePreference(data[e.valOff-1])}
		})
		owned[i] = PackedEntry{Key: append([]byte(nil), e.key...), Info: info, Value: value}
	}
	n.owned = owned
	n.deserialized = true
	n.buf = nil
	n.index = nil
}

// Upgrade performs the same transition as ForceUpgrade but refuses to
// paper over missing cells: it fails with ErrAttemptedInvalidTransition
// if any cell was never fetched, and ErrAlreadyDeserialized if the leaf
// had already made the transition (spec.md §4.4).
func (n *NVMLeaf) Upgrade() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.deserialized {
		return ErrAlreadyDeserialized
	}
	for _, e := range n.index {
		if !e.cell.fetched() {
			return ErrAttemptedInvalidTransition
		}
	}
	n.forceUpgradeLocked()
	return nil
}

// Set inserts or overwrites a key's value; only the Deserialized state
// accepts inserts, so Set forces the upgrade first (spec.md §4.4).
func (n *NVMLeaf) Set(key []byte, info KeyInfo, value []byte) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.forceUpgradeLocked()
	i := sort.Search(len(n.owned), func(i int) bool { return bytes.Compare(n.owned[i].Key, key) >= 0 })
	entry := PackedEntry{Key: append([]byte(nil), key...), Info: info, Value: append([]byte(nil), value...)}
	if i < len(n.owned) && bytes.Equal(n.owned[i].Key, key) {
		n.owned[i] = entry
		return
	}
	n.owned = append(n.owned, PackedEntry{})
	copy(n.owned[i+1:], n.owned[i:])
	n.owned[i] = entry
}

// Split forces the Deserialized transition, then splits like
// LeafNode.Split.
func (n *NVMLeaf) Split(minSize, maxSize uint32) (*LeafNode, []byte, error) {
	n.mu.Lock()
	n.forceUpgradeLocked()
	left := &LeafNode{entries: n.owned, storagePref: n.storagePref, sysPref: n.sysPref, prefValid: true}
	n.mu.Unlock()

	right, pivot, err := left.Split(minSize, maxSize)
	if err != nil {
		return nil, nil, err
	}
	n.mu.Lock()
	n.owned = left.entries
	n.mu.Unlock()
	return right, pivot, nil
}

// Entries returns a copy of all entries in key order, forcing the
// Deserialized transition first (used by range queries).
func (n *NVMLeaf) Entries() []PackedEntry {
	n.mu.Lock()
	n.forceUpgradeLocked()
	out := make([]PackedEntry, len(n.owned))
	copy(out, n.owned)
	n.mu.Unlock()
	return out
}

func (n *NVMLeaf) CurrentPreference() (storagepool.StoragePreference, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.storagePref, true
}

func (n *NVMLeaf) Recalculate() storagepool.StoragePreference {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.deserialized {
		return n.storagePref
	}
	pref := storagepool.NoPreference
	for _, e := range n.owned {
		pref = pref.Merge(e.Info.StoragePreference)
	}
	n.storagePref = pref
	return pref
}

// Pack re-serializes the leaf: byte-identical to the source buffer if
// still PartiallyLoaded, or freshly encoded once Deserialized.
func (n *NVMLeaf) Pack() ([]byte, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if !n.deserialized {
		out := make([]byte, len(n.buf))
		copy(out, n.buf)
		return out, nil
	}
	return EncodeLeaf(n.owned, n.storagePref, n.sysPref), nil
}
