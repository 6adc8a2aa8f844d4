package tree

import (
	"bytes"
	"sort"

	"github.com/strataeng/strata/node"
	"github.com/strataeng/strata/objref"
)

// RangeEntry is one resolved (key, value) pair returned by Range.
type RangeEntry struct {
	Key   []byte
	Value []byte
}

// Cursor iterates a Range result in key order.
type Cursor struct {
	entries []RangeEntry
	idx     int
}

// Next returns the next entry, or ok=false once the cursor is exhausted.
func (c *Cursor) Next() (RangeEntry, bool) {
	if c.idx >= len(c.entries) {
		return RangeEntry{}, false
	}
	e := c.entries[c.idx]
	c.idx++
	return e, true
}

// Len reports the total number of entries the cursor will yield.
func (c *Cursor) Len() int { return len(c.entries) }

// Range returns every key in [lo, hi] (inclusive; an empty lo or hi means
// unbounded on that side) with its current value, folding buffered
// messages the same way Get does (spec.md §4.4 Range). Candidate keys are
// gathered from both leaf entries and any buffered messages that fall
// within the range along the walk, deduplicated, then each is resolved
// through getLocked so a key still sitting in a buffer reads the same
// value a Get would return.
func (t *Tree) Range(lo, hi []byte) (*Cursor, error) {
	if len(lo) > 0 && len(hi) > 0 && bytes.Compare(lo, hi) > 0 {
		return nil, ErrInvalidRange
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	seen := make(map[string]struct{})
	var keys [][]byte
	if err := t.collectRange(t.root, lo, hi, seen, &keys); err != nil {
		return nil, err
	}

	sort.Slice(keys, func(i, j int) bool { return bytes.Compare(keys[i], keys[j]) < 0 })

	entries := make([]RangeEntry, 0, len(keys))
	for _, key := range keys {
		value, ok, err := t.getLocked(key)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		entries = append(entries, RangeEntry{Key: key, Value: value})
	}
	return &Cursor{entries: entries}, nil
}

func inRange(key, lo, hi []byte) bool {
	if len(lo) > 0 && bytes.Compare(key, lo) < 0 {
		return false
	}
	if len(hi) > 0 && bytes.Compare(key, hi) > 0 {
		return false
	}
	return true
}

func addCandidate(seen map[string]struct{}, keys *[][]byte, key []byte) {
	s := string(key)
	if _, ok := seen[s]; ok {
		return
	}
	seen[s] = struct{}{}
	*keys = append(*keys, append([]byte(nil), key...))
}

// collectRange walks ref's subtree, adding every key that might fall
// within [lo, hi] to keys (from leaf entries directly, or from buffered
// messages not yet flushed to a leaf).
func (t *Tree) collectRange(ref *objref.Ref, lo, hi []byte, seen map[string]struct{}, keys *[][]byte) error {
	r, err := t.dml.Get(ref)
	if err != nil {
		return err
	}
	n := r.Node

	internal, ok := n.(*node.InternalNode)
	if !ok {
		for _, e := range leafEntries(n) {
			if inRange(e.Key, lo, hi) {
				addCandidate(seen, keys, e.Key)
			}
		}
		r.Release()
		return nil
	}

	start := 0
	end := internal.Fanout() - 1
	if len(lo) > 0 {
		start = internal.ChildIndex(lo)
	}
	if len(hi) > 0 {
		end = internal.ChildIndex(hi)
	}

	children := make([]*objref.Ref, 0, end-start+1)
	for i := start; i <= end && i < internal.Fanout(); i++ {
		for _, e := range internal.Buffer(i).Entries() {
			if inRange(e.Key, lo, hi) {
				addCandidate(seen, keys, e.Key)
			}
		}
		children = append(children, internal.Child(i))
	}
	r.Release()

	for _, child := range children {
		if err := t.collectRange(child, lo, hi, seen, keys); err != nil {
			return err
		}
	}
	return nil
}
