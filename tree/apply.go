package tree

import (
	"github.com/strataeng/strata/node"
	"github.com/strataeng/strata/objref"
	"github.com/strataeng/strata/storagepool"
)

// applyInfoRec walks root-to-leaf updating key's KeyInfo in place (no
// value change), merging pref into whatever is already stored (spec.md
// §4.4 Apply-with-info). It materializes nodes read-only along internal
// hops (no copy-on-write needed just to read a buffer), but the leaf (or
// the internal node owning a matching buffer entry) is fetched mutably
// since its KeyInfo does change.
func (t *Tree) applyInfoRec(ref *objref.Ref, key []byte, pref storagepool.StoragePreference) error {
	r, err := t.dml.Get(ref)
	if err != nil {
		return err
	}
	n := r.Node

	internal, ok := n.(*node.InternalNode)
	if !ok {
		r.Release()
		mr, err := t.dml.GetMut(ref, node.DefaultKeyInfo())
		if err != nil {
			return err
		}
		defer mr.Release()
		value, info, present := leafGet(mr.Node, key)
		if !present {
			return nil
		}
		leafSet(mr.Node, key, info.Merge(node.KeyInfo{StoragePreference: pref}), value)
		t.dml.Resize(ref)
		return nil
	}

	idx := internal.ChildIndex(key)
	if entries, found := internal.Buffer(idx).Get(key); found {
		merged := entries[0].Info.Merge(node.KeyInfo{StoragePreference: pref})
		r.Release()
		mr, err := t.dml.GetMut(ref, node.DefaultKeyInfo())
		if err != nil {
			return err
		}
		defer mr.Release()
		parent := mr.Node.(*node.InternalNode)
		parent.SetBufferInfo(idx, key, merged)
		t.dml.Resize(ref)
		return nil
	}

	child := internal.Child(idx)
	r.Release()
	return t.applyInfoRec(child, key, pref)
}
