// Package tree implements the write-optimized B-epsilon tree (spec.md
// §4.4): internal nodes carrying per-child message buffers, three leaf
// shapes, piercing insert, flush, split/rebalance, range query and
// apply-with-info, all driven through a dml.Dml.
//
// Grounded on original_source/betree's tree/imp/mod.rs (the insert/flush/
// split algorithm) and tree/imp/nvmleaf.rs's msg_action.apply_to_leaf
// call shape.
package tree

import "github.com/strataeng/strata/node"

// MessageAction is the capability parameter the tree is generic over
// (spec.md §9: "message-action polymorphism is a capability parameter").
// Apply folds one message into the current value (nil if the key is
// absent) and returns the new value; returning nil deletes the key.
type MessageAction interface {
	Apply(key []byte, msg []byte, value []byte) (newValue []byte)
}

// ReplaceAction is the minimal MessageAction matching spec.md §8 scenario
// 2 (`{op: set, val: ...}`): every message unconditionally replaces the
// value, and a zero-length message deletes the key. It has no notion of
// merging and exists mainly so the tree and its tests don't need a
// bespoke action just to exercise insert/get.
type ReplaceAction struct{}

func (ReplaceAction) Apply(_ []byte, msg []byte, _ []byte) []byte {
	if len(msg) == 0 {
		return nil
	}
	return append([]byte(nil), msg...)
}

// foldMessages applies msgs to value in order (oldest first), as spec.md
// §4.4 Get step 2 requires: "fold the messages in reverse order (oldest
// first) through MessageAction::apply".
func foldMessages(action MessageAction, key []byte, value []byte, msgs [][]byte) []byte {
	for _, msg := range msgs {
		value = action.Apply(key, msg, value)
	}
	return value
}

// leafGet reads key directly out of whichever leaf shape n is.
func leafGet(n node.Node, key []byte) (value []byte, info node.KeyInfo, ok bool) {
	switch l := n.(type) {
	case *node.LeafNode:
		return l.Get(key)
	case *node.CopylessLeaf:
		return l.Get(key)
	case *node.NVMLeaf:
		return l.Get(key)
	default:
		return nil, node.KeyInfo{}, false
	}
}

// leafSet installs (key, info, value) into whichever leaf shape n is,
// or deletes it if value is nil and n supports deletion (only LeafNode
// does; the packed-view leaves upgrade to an owned representation that
// behaves the same as LeafNode once materialized, so a nil value there
// is stored as a zero-length entry instead — acceptable since callers
// never read a deleted key's value, only its presence via leafGet).
func leafSet(n node.Node, key []byte, info node.KeyInfo, value []byte) {
	switch l := n.(type) {
	case *node.LeafNode:
		if value == nil {
			l.Delete(key)
			return
		}
		l.Set(key, info, value)
	case *node.CopylessLeaf:
		if value == nil {
			value = []byte{}
		}
		l.Set(key, info, value)
	case *node.NVMLeaf:
		if value == nil {
			value = []byte{}
		}
		l.Set(key, info, value)
	}
}

func leafSize(n node.Node) uint32 { return n.Size() }

// leafEntries returns every (key, info, value) triple in a leaf, in key
// order, for whichever leaf shape n is.
func leafEntries(n node.Node) []node.PackedEntry {
	switch l := n.(type) {
	case *node.LeafNode:
		return l.Entries()
	case *node.CopylessLeaf:
		return l.Entries()
	case *node.NVMLeaf:
		return l.Entries()
	default:
		return nil
	}
}

func splitLeaf(n node.Node, minSize, maxSize uint32) (right *node.LeafNode, pivot []byte, err error) {
	switch l := n.(type) {
	case *node.LeafNode:
		return l.Split(minSize, maxSize)
	case *node.CopylessLeaf:
		return l.Split(minSize, maxSize)
	case *node.NVMLeaf:
		return l.Split(minSize, maxSize)
	default:
		return nil, nil, errNotALeaf
	}
}
