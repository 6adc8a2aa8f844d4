package node

import (
	"bytes"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"github.com/strataeng/strata/storagepool"
)

// CopylessLeaf is a read-mostly leaf that views the packed on-disk
// buffer directly instead of materializing a BTreeMap (spec.md §4.4:
// "CopylessLeaf — zero-copy over a packed buffer"). Get returns slices
// aliasing buf; callers must not retain them past the node's lifetime.
// Any mutation upgrades internally into an owned entry list, matching
// the teacher's copy-on-write discipline of only paying the copy cost
// once a reader becomes a writer.
type CopylessLeaf struct {
	mu  sync.RWMutex
	buf []byte // nil once mutated away from the packed view

	// owned holds entries once the leaf has been mutated; buf is then
	// nil and owned is authoritative.
	owned []PackedEntry

	keys    [][]byte // decoded key order, valid while buf != nil
	offsets []int    // position of each key's meta entry, parallel to keys

	storagePref storagepool.StoragePreference
	sysPref     storagepool.StoragePreference
}

// NewCopylessLeaf views the packed bytes produced by EncodeLeaf without
// copying key/value payloads.
func NewCopylessLeaf(buf []byte) (*CopylessLeaf, error) {
	if len(buf) < packedHeaderSize {
		return nil, errors.New("node: copyless leaf shorter than header")
	}
	metaLen := readU32(buf[0:4])
	storagePref := storagepool.StoragePreference(buf[8])
	sysPref := storagepool.StoragePreference(buf[9])
	count := readU32(buf[10:14])

	meta := buf[packedHeaderSize:]
	if uint32(len(meta)) < metaLen {
		return nil, errors.New("node: copyless leaf truncated meta region")
	}

	keys := make([][]byte, 0, count)
	offsets := make([]int, 0, count)
	pos := uint32(0)
	for i := uint32(0); i < count; i++ {
		if pos+12 > metaLen {
			return nil, errors.New("node: copyless leaf meta entry out of bounds")
		}
		keyLen := readU32(meta[pos : pos+4])
		offsets = append(offsets, int(pos))
		pos += 12
		if pos+keyLen > metaLen {
			return nil, errors.New("node: copyless leaf key out of bounds")
		}
		keys = append(keys, meta[pos:pos+keyLen])
		pos += keyLen
	}
	return &CopylessLeaf{buf: buf, keys: keys, offsets: offsets, storagePref: storagePref, sysPref: sysPref}, nil
}

func (n *CopylessLeaf) Kind() Kind { return KindCopylessLeaf }

func (n *CopylessLeaf) Size() uint32 {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.buf != nil {
		return uint32(len(n.buf))
	}
	return (&LeafNode{entries: n.owned}).ActualSize()
}

func (n *CopylessLeaf) AddSize(int32) {} // packed view's size is derived, never adjusted in place

func (n *CopylessLeaf) ActualSize() uint32 { return n.Size() }

func (n *CopylessLeaf) DebugInfo() string { return "copyless-leaf" }

// Get returns a value slice aliasing the packed buffer if still
// unmutated, or a copy from the owned entry list otherwise.
func (n *CopylessLeaf) Get(key []byte) ([]byte, KeyInfo, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	if n.buf != nil {
		i := sort.Search(len(n.keys), func(i int) bool { return bytes.Compare(n.keys[i], key) >= 0 })
		if i >= len(n.keys) || !bytes.Equal(n.keys[i], key) {
			return nil, KeyInfo{}, false
		}
		meta := n.buf[packedHeaderSize:]
		off := n.offsets[i]
		valOff := readU32(meta[off+4 : off+8])
		valLen := readU32(meta[off+8 : off+12])
		dataStart := packedHeaderSize + int(readU32(n.buf[0:4]))
		data := n.buf[dataStart:]
		return data[valOff : valOff+valLen], KeyInfo{StoragePreference: storagepool.StoragePreference(data[valOff-1])}, true
	}

	i := sort.Search(len(n.owned), func(i int) bool { return bytes.Compare(n.owned[i].Key, key) >= 0 })
	if i >= len(n.owned) || !bytes.Equal(n.owned[i].Key, key) {
		return nil, KeyInfo{}, false
	}
	e := n.owned[i]
	return append([]byte(nil), e.Value...), e.Info, true
}

// materialize decodes the packed view into an owned entry list the first
// time a mutation is requested.
func (n *CopylessLeaf) materialize() {
	if n.buf == nil {
		return
	}
	entries, storagePref, sysPref, _ := DecodeLeaf(n.buf)
	n.owned = entries
	n.storagePref = storagePref
	n.sysPref = sysPref
	n.buf = nil
	n.keys = nil
	n.offsets = nil
}

// Set upgrades the leaf to an owned representation on first mutation,
// then behaves like LeafNode.Set.
func (n *CopylessLeaf) Set(key []byte, info KeyInfo, value []byte) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.materialize()
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

func (n *CopylessLeaf) CurrentPreference() (storagepool.StoragePreference, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.storagePref, true
}

// Recalculate rescans entries for an owned leaf; a pristine packed view
// already carries the merged preference written at Pack time, so there
// is nothing to recompute until a mutation forces materialization.
func (n *CopylessLeaf) Recalculate() storagepool.StoragePreference {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.buf != nil {
		return n.storagePref
	}
	pref := storagepool.NoPreference
	for _, e := range n.owned {
		pref = pref.Merge(e.Info.StoragePreference)
	}
	n.storagePref = pref
	return pref
}

// Split divides this leaf the same way LeafNode.Split does, materializing
// the packed view first if needed.
func (n *CopylessLeaf) Split(minSize, maxSize uint32) (*LeafNode, []byte, error) {
	n.mu.Lock()
	n.materialize()
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

// Entries returns a copy of all entries in key order, materializing the
// packed view first if needed (used by range queries, which need direct
// entry access rather than point lookups).
func (n *CopylessLeaf) Entries() []PackedEntry {
	n.mu.Lock()
	n.materialize()
	out := make([]PackedEntry, len(n.owned))
	copy(out, n.owned)
	n.mu.Unlock()
	return out
}

// Pack re-emits the packed format, reusing the untouched buffer
// byte-for-byte when no mutation has occurred.
func (n *CopylessLeaf) Pack() ([]byte, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.buf != nil {
		out := make([]byte, len(n.buf))
		copy(out, n.buf)
		return out, nil
	}
	return EncodeLeaf(n.owned, n.storagePref, n.sysPref), nil
}
