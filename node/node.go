package node

import (
	"github.com/strataeng/strata/storagepool"
)

// Kind tags which of the four node shapes (one internal, three leaf) a
// Node is, since Go has no native sum types (design notes §9: "must not
// use inheritance; model as a tagged variant with explicit transitions
// and compile-time exhaustiveness" — the exhaustiveness is enforced by a
// switch over Kind in every consumer, e.g. dml's decodeObject).
type Kind uint8

const (
	KindInternal Kind = iota
	KindLeaf
	KindCopylessLeaf
	KindNVMLeaf
)

func (k Kind) String() string {
	switch k {
	case KindInternal:
		return "internal"
	case KindLeaf:
		return "leaf"
	case KindCopylessLeaf:
		return "copyless-leaf"
	case KindNVMLeaf:
		return "nvm-leaf"
	default:
		return "invalid"
	}
}

// Node is the object type the DML manages: an internal node with
// per-child message buffers, or one of the three leaf shapes (spec.md
// §3, §4.4). A Node never holds a raw pointer to another Node; internal
// nodes hold *objref.Ref child references, resolved through the DML's
// cache arena (design notes §9).
type Node interface {
	Kind() Kind

	// Size is the accumulator tracking this node's in-memory footprint;
	// testable property (spec.md §8): Size() must equal ActualSize().
	Size() uint32

	// AddSize lets a node grow its size accumulator after an in-place
	// mutation, instead of recomputing from scratch (spec.md §3:
	// "the Node may grow by calling add_size(delta) after in-place
	// mutation").
	AddSize(delta int32)

	// ActualSize recomputes the true in-memory footprint; used to
	// validate the Size accumulator (spec.md §8).
	ActualSize() uint32

	// Pack serializes the node to its on-disk byte representation
	// (spec.md §4.4's packed leaf format; internal nodes use a simpler
	// length-prefixed encoding of pivots/children/buffers).
	Pack() ([]byte, error)

	// DebugInfo is a short human-readable summary for logs/panics.
	DebugInfo() string
}

// HasStoragePreference is implemented by every Node (and by
// objectptr.Pointer) so the DML can merge migration hints into a node's
// effective preference (spec.md §4.3 "Preference propagation").
type HasStoragePreference interface {
	// CurrentPreference returns the cached preference, or (_, false) if
	// it has been invalidated and needs Recalculate.
	CurrentPreference() (storagepool.StoragePreference, bool)
	// Recalculate scans entries and recomputes+caches the preference.
	Recalculate() storagepool.StoragePreference
}

// CorrectPreference returns the cached preference, recalculating if
// necessary (spec.md §4.3).
func CorrectPreference(n HasStoragePreference) storagepool.StoragePreference {
	if p, ok := n.CurrentPreference(); ok {
		return p
	}
	return n.Recalculate()
}
