package node

import (
	"bytes"
	"fmt"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"github.com/strataeng/strata/storagepool"
)

// LeafNode is an in-memory sorted map from key to (KeyInfo, value),
// "copied on read" (spec.md §4.4): Get returns a copy of the stored
// bytes rather than a reference into internal storage, so callers can't
// observe concurrent mutation.
type LeafNode struct {
	mu      sync.RWMutex
	entries []PackedEntry // sorted by Key; invariant per spec.md §8

	size      uint32
	storagePref storagepool.StoragePreference
	sysPref     storagepool.StoragePreference
	prefValid   bool
}

// NewLeaf builds an empty leaf.
func NewLeaf() *LeafNode {
	return &LeafNode{size: packedHeaderSize, storagePref: storagepool.NoPreference, sysPref: storagepool.NoPreference}
}

func (n *LeafNode) Kind() Kind { return KindLeaf }

func (n *LeafNode) Size() uint32 {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.size
}

func (n *LeafNode) AddSize(delta int32) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.size = uint32(int64(n.size) + int64(delta))
}

func (n *LeafNode) ActualSize() uint32 {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.actualSizeLocked()
}

func (n *LeafNode) actualSizeLocked() uint32 {
	var total uint32 = packedHeaderSize
	for _, e := range n.entries {
		total += 12 + uint32(len(e.Key)) + 1 + uint32(len(e.Value))
	}
	return total
}

func (n *LeafNode) DebugInfo() string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return fmt.Sprintf("leaf(entries=%d)", len(n.entries))
}

func (n *LeafNode) find(key []byte) (int, bool) {
	i := sort.Search(len(n.entries), func(i int) bool {
		return bytes.Compare(n.entries[i].Key, key) >= 0
	})
	return i, i < len(n.entries) && bytes.Equal(n.entries[i].Key, key)
}

// Get returns a copy of the value and KeyInfo stored for key.
func (n *LeafNode) Get(key []byte) (value []byte, info KeyInfo, ok bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	i, found := n.find(key)
	if !found {
		return nil, KeyInfo{}, false
	}
	e := n.entries[i]
	return append([]byte(nil), e.Value...), e.Info, true
}

// Set inserts or overwrites key's value and info (used when applying a
// message action's result, spec.md §4.4 Flush).
func (n *LeafNode) Set(key []byte, info KeyInfo, value []byte) {
	n.mu.Lock()
	defer n.mu.Unlock()
	i, found := n.find(key)
	if found {
		old := n.entries[i]
		n.size -= 12 + uint32(len(old.Key)) + 1 + uint32(len(old.Value))
		n.entries[i] = PackedEntry{Key: old.Key, Info: info, Value: append([]byte(nil), value...)}
		n.size += 12 + uint32(len(n.entries[i].Key)) + 1 + uint32(len(value))
		n.prefValid = false
		return
	}
	entry := PackedEntry{Key: append([]byte(nil), key...), Info: info, Value: append([]byte(nil), value...)}
	n.entries = append(n.entries, PackedEntry{})
	copy(n.entries[i+1:], n.entries[i:])
	n.entries[i] = entry
	n.size += 12 + uint32(len(key)) + 1 + uint32(len(value))
	n.prefValid = false
}

// Delete removes key, reporting whether it was present.
func (n *LeafNode) Delete(key []byte) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	i, found := n.find(key)
	if !found {
		return false
	}
	old := n.entries[i]
	n.size -= 12 + uint32(len(old.Key)) + 1 + uint32(len(old.Value))
	n.entries = append(n.entries[:i], n.entries[i+1:]...)
	n.prefValid = false
	return true
}

// Entries returns a copy of all entries in key order, e.g. for range
// queries or splitting.
func (n *LeafNode) Entries() []PackedEntry {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]PackedEntry, len(n.entries))
	copy(out, n.entries)
	return out
}

// Len is the number of stored entries.
func (n *LeafNode) Len() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.entries)
}

// Split divides this leaf into two, at the first index whose left part
// has size >= minSize, so that both halves fall in [minSize, maxSize]
// when the original exceeded maxSize (spec.md §4.4 step 2; §8 scenario
// 1). Returns the new right leaf and the pivot key (the right leaf's
// first key).
func (n *LeafNode) Split(minSize, maxSize uint32) (right *LeafNode, pivot []byte, err error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if len(n.entries) < 2 {
		return nil, nil, errors.New("node: cannot split a leaf with fewer than 2 entries")
	}

	var running uint32 = packedHeaderSize
	splitAt := -1
	for i, e := range n.entries {
		running += 12 + uint32(len(e.Key)) + 1 + uint32(len(e.Value))
		if running >= minSize {
			splitAt = i + 1
			break
		}
	}
	if splitAt <= 0 || splitAt >= len(n.entries) {
		// Fall back to an even split so both halves stay non-empty.
		splitAt = len(n.entries) / 2
	}

	right = &LeafNode{
		entries:     append([]PackedEntry(nil), n.entries[splitAt:]...),
		storagePref: n.storagePref,
		sysPref:     n.sysPref,
	}
	n.entries = n.entries[:splitAt]
	right.size = right.actualSizeLocked()
	n.size = n.actualSizeLocked()
	pivot = append([]byte(nil), right.entries[0].Key...)
	return right, pivot, nil
}

// Merge appends right's entries after this leaf's, the inverse of Split
// (spec.md §8: "split; merge on a leaf returns it to an equivalent
// state"). Caller must ensure right's keys all sort after this leaf's.
func (n *LeafNode) Merge(right *LeafNode) {
	n.mu.Lock()
	defer n.mu.Unlock()
	right.mu.RLock()
	defer right.mu.RUnlock()
	n.entries = append(n.entries, right.entries...)
	n.size = n.actualSizeLocked()
}

func (n *LeafNode) CurrentPreference() (storagepool.StoragePreference, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if !n.prefValid {
		return 0, false
	}
	return n.storagePref, true
}

func (n *LeafNode) Recalculate() storagepool.StoragePreference {
	n.mu.Lock()
	defer n.mu.Unlock()
	pref := storagepool.NoPreference
	for _, e := range n.entries {
		pref = pref.Merge(e.Info.StoragePreference)
	}
	n.storagePref = pref
	n.prefValid = true
	return pref
}

// Pack serializes the leaf using the bit-exact packed format of
// spec.md §4.4.
func (n *LeafNode) Pack() ([]byte, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return EncodeLeaf(n.entries, n.storagePref, n.sysPref), nil
}

// UnpackLeaf decodes bytes produced by Pack back into a LeafNode.
func UnpackLeaf(data []byte) (*LeafNode, error) {
	entries, storagePref, sysPref, err := DecodeLeaf(data)
	if err != nil {
		return nil, errors.Wrap(err, "node: unpack leaf")
	}
	n := &LeafNode{entries: entries, storagePref: storagePref, sysPref: sysPref, prefValid: true}
	n.size = n.actualSizeLocked()
	return n, nil
}
