package node

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"github.com/strataeng/strata/objectptr"
	"github.com/strataeng/strata/objref"
	"github.com/strataeng/strata/storagepool"
)

// InternalNode holds ordered pivots with child references and a
// per-child buffered message map (spec.md §3, §4.4). len(Pivots) ==
// len(Children)-1 (spec.md §8 invariant: "pivots are strictly
// increasing and number F-1" for fanout F).
type InternalNode struct {
	mu sync.RWMutex

	pivots   [][]byte
	children []*objref.Ref
	buffers  []*MessageBuffer

	size uint32
	pref storagepool.StoragePreference
	prefValid bool
}

// NewInternalRoot builds a fresh internal node with a single child and
// no pivots — the shape produced when a root overflows and is replaced
// (spec.md §4.4 step 3).
func NewInternalRoot(child *objref.Ref) *InternalNode {
	n := &InternalNode{
		children: []*objref.Ref{child},
		buffers:  []*MessageBuffer{NewMessageBuffer()},
	}
	n.size = n.ActualSize()
	return n
}

func (n *InternalNode) Kind() Kind { return KindInternal }

func (n *InternalNode) Size() uint32 {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.size
}

func (n *InternalNode) AddSize(delta int32) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.size = uint32(int64(n.size) + int64(delta))
}

func (n *InternalNode) ActualSize() uint32 {
	n.mu.RLock()
	defer n.mu.RUnlock()
	var total uint32
	for _, p := range n.pivots {
		total += uint32(len(p))
	}
	total += uint32(len(n.children)) * 16 // approx per-child ref overhead
	for _, b := range n.buffers {
		total += b.Size()
	}
	return total
}

func (n *InternalNode) DebugInfo() string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return fmt.Sprintf("internal(children=%d, size=%d)", len(n.children), n.size)
}

// Fanout returns the number of children.
func (n *InternalNode) Fanout() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.children)
}

// ChildIndex returns the index of the child edge that owns key, i.e. the
// first child whose following pivot is > key.
func (n *InternalNode) ChildIndex(key []byte) int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return sort.Search(len(n.pivots), func(i int) bool {
		return bytes.Compare(n.pivots[i], key) > 0
	})
}

// Child returns the child reference at idx.
func (n *InternalNode) Child(idx int) *objref.Ref {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.children[idx]
}

// Buffer returns the message buffer for the edge at idx.
func (n *InternalNode) Buffer(idx int) *MessageBuffer {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.buffers[idx]
}

// ForEachChild calls f on every child reference in order, short-
// circuiting on error (mirrors original_source/betree's
// Object::for_each_child, used by the DML's post-order write-back walk).
func (n *InternalNode) ForEachChild(f func(*objref.Ref) error) error {
	n.mu.RLock()
	children := append([]*objref.Ref(nil), n.children...)
	n.mu.RUnlock()
	for _, c := range children {
		if err := f(c); err != nil {
			return err
		}
	}
	return nil
}

// Pivots returns a copy of the current pivot keys.
func (n *InternalNode) Pivots() [][]byte {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([][]byte, len(n.pivots))
	copy(out, n.pivots)
	return out
}

// InsertMessage deposits msg for key at the edge addressed by idx,
// invalidating the cached storage preference.
func (n *InternalNode) InsertMessage(idx int, key []byte, info KeyInfo, msg []byte) {
	n.mu.Lock()
	defer n.mu.Unlock()
	before := n.buffers[idx].Size()
	n.buffers[idx].Insert(key, info, msg)
	after := n.buffers[idx].Size()
	n.size += after - before
	n.prefValid = false
}

// BufferHasKey reports whether the edge at idx already buffers key, used
// by the tree's piercing-insert optimization.
func (n *InternalNode) BufferHasKey(idx int, key []byte) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.buffers[idx].Has(key)
}

// SetBufferInfo updates the KeyInfo of an already-buffered key at edge
// idx without adding a message (spec.md §4.4 Apply-with-info).
func (n *InternalNode) SetBufferInfo(idx int, key []byte, info KeyInfo) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.prefValid = false
	return n.buffers[idx].SetInfo(key, info)
}

// ClearBuffer empties the buffer at idx after a flush, adjusting size.
func (n *InternalNode) ClearBuffer(idx int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.size -= n.buffers[idx].Size()
	n.buffers[idx].Clear()
}

// LargestBuffer returns the index of the child edge with the largest
// buffer, used to pick a flush target (spec.md §4.4 Flush).
func (n *InternalNode) LargestBuffer() (idx int, size uint32) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	for i, b := range n.buffers {
		if b.Size() > size {
			size = b.Size()
			idx = i
		}
	}
	return idx, size
}

// SplitAt splits this node at child index mid: the receiver keeps
// children[:mid] and pivots[:mid-1] as its new, smaller self (mutated in
// place, mirroring LeafNode.Split/CopylessLeaf.Split/NVMLeaf.Split so the
// tree can treat every node kind uniformly); the returned right node
// keeps children[mid:] and pivots[mid:], and pivot is the key separating
// them (spec.md §4.4 step 2: "split oversize internal nodes at the
// median pivot, redistributing child edges and buffers").
func (n *InternalNode) SplitAt(mid int) (right *InternalNode, pivot []byte, err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if mid <= 0 || mid >= len(n.children) {
		return nil, nil, errors.Errorf("node: invalid internal split index %d of %d children", mid, len(n.children))
	}
	pivot = n.pivots[mid-1]

	right = &InternalNode{
		pivots:   append([][]byte(nil), n.pivots[mid:]...),
		children: append([]*objref.Ref(nil), n.children[mid:]...),
		buffers:  append([]*MessageBuffer(nil), n.buffers[mid:]...),
	}
	n.pivots = append([][]byte(nil), n.pivots[:mid-1]...)
	n.children = append([]*objref.Ref(nil), n.children[:mid]...)
	n.buffers = append([]*MessageBuffer(nil), n.buffers[:mid]...)

	right.size = right.ActualSizeLocked()
	n.size = n.ActualSizeLocked()
	n.prefValid = false
	return right, pivot, nil
}

// InsertChild splices a new (pivot, child) pair in after position idx —
// used when a child split bubbles a new sibling up to this parent
// (spec.md §4.4 step 3).
func (n *InternalNode) InsertChild(idx int, pivot []byte, child *objref.Ref) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.pivots = append(n.pivots, nil)
	copy(n.pivots[idx+1:], n.pivots[idx:])
	n.pivots[idx] = pivot

	n.children = append(n.children, nil)
	copy(n.children[idx+2:], n.children[idx+1:])
	n.children[idx+1] = child

	n.buffers = append(n.buffers, nil)
	copy(n.buffers[idx+2:], n.buffers[idx+1:])
	n.buffers[idx+1] = NewMessageBuffer()

	n.size = n.ActualSizeLocked()
	n.prefValid = false
}

// ActualSizeLocked recomputes size assuming the caller already holds the
// write lock; avoids the RLock-after-Lock deadlock ActualSize's public
// form would cause when called from within a locked mutator.
func (n *InternalNode) ActualSizeLocked() uint32 {
	var total uint32
	for _, p := range n.pivots {
		total += uint32(len(p))
	}
	total += uint32(len(n.children)) * 16
	for _, b := range n.buffers {
		total += b.Size()
	}
	return total
}

func (n *InternalNode) CurrentPreference() (storagepool.StoragePreference, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if !n.prefValid {
		return 0, false
	}
	return n.pref, true
}

func (n *InternalNode) Recalculate() storagepool.StoragePreference {
	n.mu.Lock()
	defer n.mu.Unlock()
	pref := storagepool.NoPreference
	for _, b := range n.buffers {
		for _, e := range b.Entries() {
			pref = pref.Merge(e.Info.StoragePreference)
		}
	}
	n.pref = pref
	n.prefValid = true
	return pref
}

// Pack serializes the node: child count, pivots, child pointers (every
// child must be Unmodified; spec.md §4.1), and buffer entries. Internal
// nodes are not part of the bit-exact packed leaf format (spec.md §4.4
// only pins the leaf layout); this encoding only needs to round-trip
// with Unpack.
func (n *InternalNode) Pack() ([]byte, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	var buf bytes.Buffer
	writeU32(&buf, uint32(len(n.children)))
	for _, p := range n.pivots {
		writeU32(&buf, uint32(len(p)))
		buf.Write(p)
	}
	for i, c := range n.children {
		ptr, ok := c.EncodedPointer()
		if !ok {
			return nil, errors.Errorf("node: child %d is not Unmodified, cannot pack parent", i)
		}
		buf.Write(ptr)
	}
	for _, b := range n.buffers {
		entries := b.Entries()
		writeU32(&buf, uint32(len(entries)))
		for _, e := range entries {
			writeU32(&buf, uint32(len(e.Key)))
			buf.Write(e.Key)
			buf.WriteByte(byte(e.Info.StoragePreference))
			writeU32(&buf, uint32(len(e.Messages)))
			for _, m := range e.Messages {
				writeU32(&buf, uint32(len(m)))
				buf.Write(m)
			}
		}
	}
	return buf.Bytes(), nil
}

func writeU32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func readU32At(b []byte, off int) uint32 { return binary.LittleEndian.Uint32(b[off : off+4]) }

// UnpackInternal decodes bytes produced by Pack, the inverse transform.
func UnpackInternal(data []byte) (*InternalNode, error) {
	if len(data) < 4 {
		return nil, errors.New("node: internal node truncated")
	}
	pos := 0
	numChildren := int(readU32At(data, pos))
	pos += 4
	if numChildren <= 0 {
		return nil, errors.New("node: internal node with no children")
	}

	pivots := make([][]byte, numChildren-1)
	for i := range pivots {
		if pos+4 > len(data) {
			return nil, errors.New("node: internal node truncated pivot length")
		}
		l := int(readU32At(data, pos))
		pos += 4
		if pos+l > len(data) {
			return nil, errors.New("node: internal node truncated pivot")
		}
		pivots[i] = append([]byte(nil), data[pos:pos+l]...)
		pos += l
	}

	children := make([]*objref.Ref, numChildren)
	for i := range children {
		if pos+objectptr.EncodedSize > len(data) {
			return nil, errors.New("node: internal node truncated child pointer")
		}
		ptr, err := objectptr.Decode(data[pos : pos+objectptr.EncodedSize])
		if err != nil {
			return nil, errors.Wrapf(err, "node: decode child %d", i)
		}
		children[i] = objref.FromPointer(ptr)
		pos += objectptr.EncodedSize
	}

	buffers := make([]*MessageBuffer, numChildren)
	for i := range buffers {
		buf := NewMessageBuffer()
		if pos+4 > len(data) {
			return nil, errors.New("node: internal node truncated buffer entry count")
		}
		numEntries := int(readU32At(data, pos))
		pos += 4
		for j := 0; j < numEntries; j++ {
			if pos+4 > len(data) {
				return nil, errors.New("node: internal node truncated buffer key length")
			}
			keyLen := int(readU32At(data, pos))
			pos += 4
			if pos+keyLen+1 > len(data) {
				return nil, errors.New("node: internal node truncated buffer key")
			}
			key := append([]byte(nil), data[pos:pos+keyLen]...)
			pos += keyLen
			pref := storagepool.StoragePreference(data[pos])
			pos++
			if pos+4 > len(data) {
				return nil, errors.New("node: internal node truncated message count")
			}
			numMsgs := int(readU32At(data, pos))
			pos += 4
			for k := 0; k < numMsgs; k++ {
				if pos+4 > len(data) {
					return nil, errors.New("node: internal node truncated message length")
				}
				msgLen := int(readU32At(data, pos))
				pos += 4
				if pos+msgLen > len(data) {
					return nil, errors.New("node: internal node truncated message")
				}
				msg := append([]byte(nil), data[pos:pos+msgLen]...)
				pos += msgLen
				buf.Insert(key, KeyInfo{StoragePreference: pref}, msg)
			}
		}
		buffers[i] = buf
	}

	n := &InternalNode{pivots: pivots, children: children, buffers: buffers}
	n.size = n.ActualSizeLocked()
	return n, nil
}
