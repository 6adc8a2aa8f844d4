package tree

import (
	"github.com/strataeng/strata/node"
	"github.com/strataeng/strata/objref"
)

// flushEdge applies every buffered message at internal's child edge idx
// to that child (spec.md §4.4 Flush): "load the child (via DML get_mut),
// apply the buffered messages to it in order, and clear the edge." If the
// child is a leaf the messages are folded through MessageAction; if
// internal they are redeposited into the child's own buffers at the
// matching edges. The child is rebalanced afterward since flushing can
// push it over its own size budget, and any resulting sibling is spliced
// back into ref.
func (t *Tree) flushEdge(ref *objref.Ref, parent *node.InternalNode, idx int) error {
	entries := parent.Buffer(idx).Entries()
	child := parent.Child(idx)

	cr, err := t.dml.GetMut(child, node.DefaultKeyInfo())
	if err != nil {
		return err
	}
	childNode := cr.Node

	if childInternal, ok := childNode.(*node.InternalNode); ok {
		for _, e := range entries {
			cIdx := childInternal.ChildIndex(e.Key)
			for _, msg := range e.Messages {
				childInternal.InsertMessage(cIdx, e.Key, e.Info, msg)
			}
		}
	} else {
		for _, e := range entries {
			value, _, _ := leafGet(childNode, e.Key)
			newValue := foldMessages(t.action, e.Key, value, e.Messages)
			leafSet(childNode, e.Key, e.Info, newValue)
		}
	}
	t.dml.Resize(child)
	cr.Release()

	parent.ClearBuffer(idx)
	t.dml.Resize(ref)

	sibling, pivot, err := t.rebalanceNode(child)
	if err != nil {
		return err
	}
	if sibling != nil {
		parent.InsertChild(idx, pivot, sibling)
		t.dml.Resize(ref)
	}
	return nil
}

// rebalanceNode dispatches to rebalanceLeaf or rebalanceInternal
// depending on ref's current node shape.
func (t *Tree) rebalanceNode(ref *objref.Ref) (sibling *objref.Ref, pivot []byte, err error) {
	r, err := t.dml.Get(ref)
	if err != nil {
		return nil, nil, err
	}
	_, isInternal := r.Node.(*node.InternalNode)
	r.Release()
	if isInternal {
		return t.rebalanceInternal(ref)
	}
	return t.rebalanceLeaf(ref)
}
