// Package objref implements ObjectRef, the tagged-union state machine
// described in spec.md §3/§4.1: every child reference inside a Node is
// one of Unmodified(pointer), Modified(cache key) or
// InWriteback(cache key, in-flight pointer). Modeling this as a tagged
// variant (design notes §9) keeps the three states mutually exclusive by
// construction instead of relying on inheritance.
package objref

import (
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/strataeng/strata/objectptr"
)

// CacheKey identifies a live cache entry. Nodes never hold pointers to
// other nodes directly; they hold a CacheKey or an ObjectPointer, and the
// cache arena resolves the CacheKey (design notes §9: "arena+index").
type CacheKey uint64

var nextCacheKey uint64

// NewCacheKey allocates a fresh, process-unique CacheKey.
func NewCacheKey() CacheKey {
	return CacheKey(atomic.AddUint64(&nextCacheKey, 1))
}

// State names which branch of the ObjectRef tagged union is active.
type State uint8

const (
	Unmodified State = iota
	Modified
	InWriteback
)

func (s State) String() string {
	switch s {
	case Unmodified:
		return "unmodified"
	case Modified:
		return "modified"
	case InWriteback:
		return "inwriteback"
	default:
		return "invalid"
	}
}

// ErrWrongState is returned by a transition attempted from the wrong
// source state.
var ErrWrongState = errors.New("objref: operation invalid in current state")

// Ref is a reference to an object managed by the DML: a disk pointer, a
// dirty cache entry, or an in-flight write-back, never more than one at
// once. Every Ref inside a node carries its own lock (spec.md §5:
// "crabbing" — a parent's lock is held while a child's lock is taken).
type Ref struct {
	mu sync.RWMutex

	state State
	ptr   objectptr.Pointer // valid iff state == Unmodified
	key   CacheKey          // valid iff state != Unmodified

	// writebackPtr is the freshly allocated, not-yet-durable pointer for
	// an in-flight write-back; only valid while state == InWriteback.
	// If the ref is stolen back to Modified, this extent must be freed
	// by the caller (spec.md §4.3 "Steal").
	writebackPtr objectptr.Pointer
}

// FromPointer creates a clean Unmodified reference, as happens when
// decoding a pointer out of a parent node (spec.md §3).
func FromPointer(ptr objectptr.Pointer) *Ref {
	return &Ref{state: Unmodified, ptr: ptr}
}

// FromCacheKey creates a dirty Modified reference, as happens when
// insert() installs a freshly built node (spec.md §3, §4.3).
func FromCacheKey(key CacheKey) *Ref {
	return &Ref{state: Modified, key: key}
}

// State returns the current tag under the read lock.
func (r *Ref) State() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// Pointer returns the on-disk pointer and true iff Unmodified.
func (r *Ref) Pointer() (objectptr.Pointer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.state != Unmodified {
		return objectptr.Pointer{}, false
	}
	return r.ptr, true
}

// CacheKey returns the backing cache entry and true iff the ref is
// Modified or InWriteback (i.e. has cache-resident authoritative bytes).
func (r *Ref) CacheKey() (CacheKey, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.state == Unmodified {
		return 0, false
	}
	return r.key, true
}

// EncodedPointer returns the fixed-width pointer encoding iff Unmodified,
// matching spec.md §4.1: "whenever a parent node is written back, every
// child reference must be in Unmodified state and is serialized as its
// pointer."
func (r *Ref) EncodedPointer() ([]byte, bool) {
	ptr, ok := r.Pointer()
	if !ok {
		return nil, false
	}
	return ptr.Encode(), true
}

// MarkModified performs the Unmodified -> Modified copy-on-write
// transition, as when get_mut() is called on a previously clean
// reference. It returns the superseded pointer so the caller (the DML)
// can record it for deferred free (spec.md §4.3).
func (r *Ref) MarkModified(newKey CacheKey) (old objectptr.Pointer, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch r.state {
	case Unmodified:
		old = r.ptr
		r.state = Modified
		r.key = newKey
		r.ptr = objectptr.Pointer{}
		return old, nil
	case Modified:
		// Already mutable; no-op, no pointer superseded.
		return objectptr.Pointer{}, nil
	default:
		return objectptr.Pointer{}, errors.Wrapf(ErrWrongState, "mark modified from %s", r.state)
	}
}

// BeginWriteback performs the Modified -> InWriteback transition once
// the DML has allocated a new extent and is about to issue the write
// (spec.md §4.3).
func (r *Ref) BeginWriteback(newPtr objectptr.Pointer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != Modified {
		return errors.Wrapf(ErrWrongState, "begin writeback from %s", r.state)
	}
	r.state = InWriteback
	r.writebackPtr = newPtr
	return nil
}

// CompleteWriteback performs the InWriteback -> Unmodified transition
// once the write has durably landed, returning the new pointer. Fails
// with ErrWrongState if the ref was stolen in the interim (it will have
// already returned to Modified).
func (r *Ref) CompleteWriteback() (objectptr.Pointer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != InWriteback {
		return objectptr.Pointer{}, errors.Wrapf(ErrWrongState, "complete writeback from %s", r.state)
	}
	r.state = Unmodified
	r.ptr = r.writebackPtr
	r.writebackPtr = objectptr.Pointer{}
	return r.ptr, nil
}

// Steal performs the InWriteback -> Modified transition triggered by a
// concurrent mutator (spec.md §4.3's "Steal"). It returns the freshly
// allocated, now-abandoned pointer so the caller can free it through the
// allocation handler (CopyOnWriteReason::Steal).
func (r *Ref) Steal(keepKey CacheKey) (abandoned objectptr.Pointer, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != InWriteback {
		return objectptr.Pointer{}, errors.Wrapf(ErrWrongState, "steal from %s", r.state)
	}
	abandoned = r.writebackPtr
	r.state = Modified
	r.key = keepKey
	r.writebackPtr = objectptr.Pointer{}
	return abandoned, nil
}

// IsWriteback reports whether the ref is currently mid write-back,
// without needing to know the rest of the state.
func (r *Ref) IsWriteback() bool { return r.State() == InWriteback }
