package tree

import (
	"github.com/strataeng/strata/node"
	"github.com/strataeng/strata/objref"
)

// Insert deposits msg for key with info, running the piercing-insert
// descent and any resulting rebalance (spec.md §4.4 Insert). A single
// tree-wide write lock serializes writers — spec.md Non-goals excuse
// concurrent writers to the same key "without external synchronization",
// and this is the simplest synchronization that satisfies that bar; the
// per-ObjectRef locks (spec.md §5 "crabbing") still guard readers racing
// a writer on any one node.
func (t *Tree) Insert(key []byte, info node.KeyInfo, msg []byte) error {
	if len(key) == 0 {
		return ErrEmptyKey
	}
	if len(msg) > MaxMessageSize {
		return ErrMessageTooBig
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	sibling, pivot, err := t.insertRec(t.root, key, info, msg)
	if err != nil {
		return err
	}
	if sibling != nil {
		newRoot := node.NewInternalRoot(t.root)
		newRoot.InsertChild(0, pivot, sibling)
		t.root = t.dml.Insert(newRoot)
	}
	return nil
}

// insertRec implements spec.md §4.4 Insert step 1 (piercing descent) and
// triggers rebalance (steps 2-3) on the way back up. It returns a new
// sibling reference and separating pivot iff ref's node overflowed and
// had to split; the caller is responsible for splicing that sibling into
// its own parent (or, at the root, building a new root).
func (t *Tree) insertRec(ref *objref.Ref, key []byte, info node.KeyInfo, msg []byte) (sibling *objref.Ref, pivot []byte, err error) {
	r, err := t.dml.GetMut(ref, info)
	if err != nil {
		return nil, nil, err
	}
	n := r.Node

	internal, ok := n.(*node.InternalNode)
	if !ok {
		// Leaf: apply the message directly.
		value, _, _ := leafGet(n, key)
		newValue := t.action.Apply(key, msg, value)
		leafSet(n, key, info, newValue)
		t.dml.Resize(ref)
		r.Release()
		return t.rebalanceLeaf(ref)
	}

	idx := internal.ChildIndex(key)
	child := internal.Child(idx)

	// Piercing stop condition (spec.md §4.4 step 1): the buffer at this
	// edge already holds key, or the child is not already Modified (so
	// descending further would force a fresh copy-on-write just to buffer
	// a message, defeating the point of piercing).
	if internal.BufferHasKey(idx, key) || child.State() != objref.Modified {
		internal.InsertMessage(idx, key, info, msg)
		t.dml.Resize(ref)
		r.Release()
		return t.rebalanceInternal(ref)
	}
	r.Release()

	childSibling, childPivot, err := t.insertRec(child, key, info, msg)
	if err != nil {
		return nil, nil, err
	}
	if childSibling == nil {
		return nil, nil, nil
	}

	r2, err := t.dml.GetMut(ref, info)
	if err != nil {
		return nil, nil, err
	}
	parent := r2.Node.(*node.InternalNode)
	parent.InsertChild(idx, childPivot, childSibling)
	t.dml.Resize(ref)
	r2.Release()
	return t.rebalanceInternal(ref)
}

// rebalanceLeaf splits ref's leaf if it exceeds MaxLeafNodeSize (spec.md
// §4.4 step 2), returning the new right sibling and pivot if so.
func (t *Tree) rebalanceLeaf(ref *objref.Ref) (sibling *objref.Ref, pivot []byte, err error) {
	r, err := t.dml.Get(ref)
	if err != nil {
		return nil, nil, err
	}
	n := r.Node
	if leafSize(n) <= MaxLeafNodeSize {
		r.Release()
		return nil, nil, nil
	}
	right, pivot, err := splitLeaf(n, MinLeafNodeSize, MaxLeafNodeSize)
	r.Release()
	if err != nil {
		return nil, nil, err
	}
	t.dml.Resize(ref)
	return t.dml.Insert(right), pivot, nil
}

// rebalanceInternal shrinks ref's internal node if it exceeds
// MaxInternalNodeSize, first by flushing its largest buffer (spec.md
// §4.4 Flush) and, if that alone does not suffice, by splitting at the
// median child (spec.md §4.4 step 2).
func (t *Tree) rebalanceInternal(ref *objref.Ref) (sibling *objref.Ref, pivot []byte, err error) {
	r, err := t.dml.Get(ref)
	if err != nil {
		return nil, nil, err
	}
	internal := r.Node.(*node.InternalNode)
	r.Release()

	if internal.Size() <= MaxInternalNodeSize {
		return nil, nil, nil
	}

	if idx, bufSize := internal.LargestBuffer(); bufSize >= MinFlushSize {
		if err := t.flushEdge(ref, internal, idx); err != nil {
			return nil, nil, err
		}
		if internal.Size() <= MaxInternalNodeSize {
			return nil, nil, nil
		}
	}

	mid := internal.Fanout() / 2
	if mid == 0 {
		mid = 1
	}
	right, pivot, err := internal.SplitAt(mid)
	if err != nil {
		return nil, nil, err
	}
	t.dml.Resize(ref)
	return t.dml.Insert(right), pivot, nil
}
