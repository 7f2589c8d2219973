// Package objcore implements the cache entry's lifecycle: the state
// machine an object's body moves through from backend request to
// servable cache hit, and the BusyObjCore rendezvous that lets a fetch
// still in progress be streamed to waiting clients concurrently.
package objcore

import (
	"errors"
	"sync"

	"github.com/varnishcache/cachecore/internal/constants"
	"github.com/varnishcache/cachecore/internal/interfaces"
)

var (
	errCancelled         = errors.New("objcore: fetch cancelled")
	ErrInvalidTransition = errors.New("objcore: invalid state transition")
	ErrNoStevedore       = errors.New("objcore: no stevedore bound")
	ErrLenMissing        = errors.New("objcore: cannot finish an object with no LEN attribute set")
)

// ObjCore is a cache entry. Its body lives in a Stevedore; ObjCore
// itself only tracks identity, lifecycle state, and (while streaming)
// the BusyObjCore rendezvous.
type ObjCore struct {
	mu    sync.Mutex
	cond  *sync.Cond
	state ObjState
	flags Flag

	Hash [32]byte

	Attrs *Attributes

	stevedore interfaces.Stevedore
	boc       *BusyObjCore

	refcnt int32
}

// New creates an ObjCore bound to the given stevedore, in StateInvalid.
func New(hash [32]byte, stevedore interfaces.Stevedore) *ObjCore {
	oc := &ObjCore{
		Hash:      hash,
		Attrs:     NewAttributesWithReserve(constants.DefaultVariableAttrReserve),
		stevedore: stevedore,
		refcnt:    1,
	}
	oc.cond = sync.NewCond(&oc.mu)
	return oc
}

// Ref increments the reference count. Callers holding a cache lookup
// result must Ref before releasing the lookup lock and Unref when done.
func (oc *ObjCore) Ref() {
	oc.mu.Lock()
	oc.refcnt++
	oc.mu.Unlock()
}

// Unref decrements the reference count and reports whether it reached
// zero (the caller is then responsible for freeing storage via
// FreeObj).
func (oc *ObjCore) Unref() bool {
	oc.mu.Lock()
	defer oc.mu.Unlock()
	oc.refcnt--
	return oc.refcnt <= 0
}

// Bind attaches a BusyObjCore to this ObjCore, marking it as actively
// streaming. Must be called while in StatePrepStream or earlier.
func (oc *ObjCore) Bind(boc *BusyObjCore) {
	oc.mu.Lock()
	oc.boc = boc
	oc.mu.Unlock()
}

// BOC returns the bound BusyObjCore, or nil if the object is not
// currently streaming (either finished or never started).
func (oc *ObjCore) BOC() *BusyObjCore {
	oc.mu.Lock()
	defer oc.mu.Unlock()
	return oc.boc
}

// Stevedore returns the storage handle this object is bound to, so
// delivery code can probe for optional capabilities (e.g.
// interfaces.ByteStevedore) without objcore needing to know about
// them.
func (oc *ObjCore) Stevedore() interfaces.Stevedore {
	oc.mu.Lock()
	defer oc.mu.Unlock()
	return oc.stevedore
}

// State returns the current lifecycle state.
func (oc *ObjCore) State() ObjState {
	oc.mu.Lock()
	defer oc.mu.Unlock()
	return oc.state
}

// SetState transitions the object to a new state, enforcing the
// monotonic invariant, and wakes any goroutine blocked in WaitState.
func (oc *ObjCore) SetState(to ObjState) error {
	oc.mu.Lock()
	defer oc.mu.Unlock()

	if !canTransition(oc.state, to) {
		return ErrInvalidTransition
	}
	if to == StateFinished && !oc.Attrs.Has(AttrLen) {
		return ErrLenMissing
	}
	oc.state = to
	if to.Terminal() && oc.boc != nil {
		oc.boc.Finish(nil)
	}
	oc.cond.Broadcast()
	return nil
}

// Fail transitions the object directly to StateFailed from any
// non-terminal state, recording err on the bound BOC if any.
func (oc *ObjCore) Fail(err error) {
	oc.mu.Lock()
	boc := oc.boc
	if !oc.state.Terminal() {
		oc.state = StateFailed
	}
	oc.mu.Unlock()
	if boc != nil {
		boc.Finish(err)
	}
	oc.cond.Broadcast()
}

// WaitState blocks until the object reaches at least `target` or
// StateFailed, whichever comes first, then returns the state observed.
func (oc *ObjCore) WaitState(target ObjState) ObjState {
	oc.mu.Lock()
	defer oc.mu.Unlock()
	for oc.state < target && oc.state != StateFailed {
		oc.cond.Wait()
	}
	return oc.state
}

// Cancel marks any bound BOC cancelled, unsticking a fetcher that is
// throttled waiting on a deliverer that will never show up again.
func (oc *ObjCore) Cancel() {
	oc.mu.Lock()
	oc.flags |= FlagCancel
	boc := oc.boc
	oc.mu.Unlock()
	if boc != nil {
		boc.Cancel()
	}
}

// GetSpace requests storage from the bound stevedore for the next
// chunk of body bytes. hint of 0 asks for the stevedore's default
// chunk size. When a BOC is bound and has a transit buffer, hint is
// clamped to min(hint, transitBuffer): a chunk larger than the transit
// buffer would make the very first Extend call block forever, since no
// deliverer can advance deliveredSoFar until bytes it can see have
// actually landed.
func (oc *ObjCore) GetSpace(hint uint64) ([]byte, error) {
	oc.mu.Lock()
	st := oc.stevedore
	boc := oc.boc
	oc.mu.Unlock()
	if st == nil {
		return nil, ErrNoStevedore
	}
	if boc != nil {
		if tb := boc.TransitBuffer(); tb > 0 && hint > tb {
			hint = tb
		}
	}
	return st.GetSpace(hint)
}

// Extend tells the bound stevedore that `used` more bytes of the last
// GetSpace buffer are now valid body content, and advances the BOC's
// fetchedSoFar counter (blocking on backpressure if a BOC is bound).
func (oc *ObjCore) Extend(used uint64) error {
	oc.mu.Lock()
	st := oc.stevedore
	boc := oc.boc
	oc.mu.Unlock()

	if st == nil {
		return ErrNoStevedore
	}
	if err := st.Extend(used); err != nil {
		return err
	}
	if boc != nil {
		return boc.Extend(used)
	}
	return nil
}

// BocDone finalizes the object once its body is fully fetched:
// transitions to StateFinished, unbinds the BOC, and lets the
// stevedore reclaim any over-allocated tail space.
func (oc *ObjCore) BocDone() error {
	oc.mu.Lock()
	st := oc.stevedore
	boc := oc.boc
	oc.boc = nil
	oc.mu.Unlock()

	if st != nil {
		if err := st.TrimStore(); err != nil {
			return err
		}
	}
	if boc != nil {
		boc.Finish(nil)
	}
	return oc.SetState(StateFinished)
}

// FreeObj releases the object's storage. Must only be called once the
// reference count has reached zero.
func (oc *ObjCore) FreeObj() error {
	oc.mu.Lock()
	st := oc.stevedore
	oc.mu.Unlock()

	if st == nil {
		return nil
	}
	if ds, ok := st.(interfaces.DiscardStevedore); ok {
		return ds.ObjFree()
	}
	return st.Slim()
}
