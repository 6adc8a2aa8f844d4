package tree

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/strataeng/strata/dml"
	"github.com/strataeng/strata/node"
	"github.com/strataeng/strata/objref"
	"github.com/strataeng/strata/storagepool"
)

// Tuning parameters (spec.md §4.4 reference values).
const (
	MaxInternalNodeSize uint32 = 4 * 1024 * 1024
	MaxLeafNodeSize     uint32 = 4 * 1024 * 1024
	MinLeafNodeSize     uint32 = 1 * 1024 * 1024
	MinFlushSize        uint32 = 256 * 1024
	MinFanout           int    = 4
	MaxMessageSize      int    = 512 * 1024
)

var (
	ErrEmptyKey      = errors.New("tree: empty key")
	ErrMessageTooBig = errors.New("tree: message exceeds MaxMessageSize")
	ErrInvalidRange  = errors.New("tree: invalid range (lo > hi)")

	errNotALeaf = errors.New("tree: node is not a leaf shape")
)

// Tree is a single B-epsilon tree rooted at an ObjectRef, generic over a
// MessageAction (spec.md §9: "capability parameter", not global dispatch).
// The root is guarded by a read-write lock per spec.md §5's locking
// discipline: Get, Range and ApplyWithInfo take the read lock, Insert
// takes the write lock, and per-node access goes through each
// objref.Ref's own lock.
type Tree struct {
	mu     sync.RWMutex
	dml    *dml.Dml
	root   *objref.Ref
	action MessageAction
}

// New creates an empty tree: a single empty LeafNode installed as the
// root (spec.md §3: "Node is created by the tree (empty leaf, or split
// from an existing node)").
func New(d *dml.Dml, action MessageAction) *Tree {
	root := d.Insert(node.NewLeaf())
	return &Tree{dml: d, root: root, action: action}
}

// Open resumes a tree whose root reference was previously persisted
// (e.g. decoded from a dataset's superblock).
func Open(d *dml.Dml, root *objref.Ref, action MessageAction) *Tree {
	return &Tree{dml: d, root: root, action: action}
}

// Root returns the tree's current root reference, e.g. for WriteBack by
// the caller owning dataset persistence.
func (t *Tree) Root() *objref.Ref {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.root
}

// Get reads key's current value, folding any buffered messages along the
// root-to-leaf path through the tree's MessageAction (spec.md §4.4 Get).
func (t *Tree) Get(key []byte) ([]byte, bool, error) {
	if len(key) == 0 {
		return nil, false, ErrEmptyKey
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.getLocked(key)
}

// getLocked is Get's body, callable by other tree operations (e.g.
// Range) that already hold t.mu.
func (t *Tree) getLocked(key []byte) ([]byte, bool, error) {
	// buffered collects messages encountered walking down from the root,
	// level by level in root-to-leaf (shallow-to-deep) order, each level's
	// oldest-first list appended newest-first; spec.md §4.4 folds oldest
	// first, so the whole list is reversed before folding, which puts the
	// deepest (oldest) level first and each level back in oldest-first
	// order.
	var buffered [][]byte

	ref := t.root
	for {
		r, err := t.dml.Get(ref)
		if err != nil {
			return nil, false, err
		}
		n := r.Node

		internal, ok := n.(*node.InternalNode)
		if !ok {
			value, _, _ := leafGet(n, key)
			r.Release()
			reverse(buffered)
			value = foldMessages(t.action, key, value, buffered)
			return value, value != nil, nil
		}

		idx := internal.ChildIndex(key)
		if entries, found := internal.Buffer(idx).Get(key); found {
			level := append([][]byte(nil), entries[0].Messages...)
			reverse(level)
			buffered = append(buffered, level...)
		}
		child := internal.Child(idx)
		r.Release()
		ref = child
	}
}

func reverse(msgs [][]byte) {
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
}

// ApplyWithInfo atomically updates key's KeyInfo (storage preference
// only, no value change) along the root-to-leaf path, re-hinting storage
// after a migration decision (spec.md §4.4 Apply-with-info).
func (t *Tree) ApplyWithInfo(key []byte, pref storagepool.StoragePreference) error {
	if len(key) == 0 {
		return ErrEmptyKey
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.applyInfoRec(t.root, key, pref)
}
