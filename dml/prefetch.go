package dml

import (
	"sync/atomic"

	"github.com/strataeng/strata/cache"
	"github.com/strataeng/strata/objref"
)

// PrefetchSession is the opaque handle returned by Prefetch and consumed
// by FinishPrefetch (spec.md §4.3).
type PrefetchSession uint64

type prefetchState struct {
	done chan struct{}
	ref  *cache.Ref
	err  error
}

// Prefetch initiates an out-of-order fetch of ref on the bounded
// goroutine pool, returning immediately with a session handle (spec.md
// §4.3). A session is removed from the session table only by
// FinishPrefetch; there is no call to cancel or drop one, and a session
// that is never finished keeps its table entry and its pinned cache
// reference.
func (d *Dml) Prefetch(ref *objref.Ref) PrefetchSession {
	session := PrefetchSession(atomic.AddUint64(&d.nextSession, 1))
	state := &prefetchState{done: make(chan struct{})}

	d.sessionsMu.Lock()
	d.sessions[session] = state
	d.sessionsMu.Unlock()

	err := d.prefetchPool.Submit(func() {
		r, fetchErr := d.Get(ref)
		state.ref, state.err = r, fetchErr
		close(state.done)
	})
	if err != nil {
		state.err = err
		close(state.done)
	}
	return session
}

// FinishPrefetch blocks until session's fetch completes and returns its
// cache reference (spec.md §4.3).
func (d *Dml) FinishPrefetch(session PrefetchSession) (*cache.Ref, error) {
	d.sessionsMu.Lock()
	state, ok := d.sessions[session]
	delete(d.sessions, session)
	d.sessionsMu.Unlock()
	if !ok {
		return nil, ErrUnknownPrefetch
	}
	<-state.done
	return state.ref, state.err
}
