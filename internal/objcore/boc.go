package objcore

import (
	"sync"
	"time"

	"github.com/varnishcache/cachecore/internal/constants"
)

// BusyObjCore is the fetcher/deliverer rendezvous point for an object
// that is still streaming in. One goroutine (the fetcher) calls Extend
// as backend bytes land in storage; any number of goroutines (the
// deliverers) call WaitExtend to be woken as soon as more bytes are
// available to send to their clients.
//
// The backpressure invariant held at all times is:
//
//	deliveredSoFar <= fetchedSoFar
//	fetchedSoFar - deliveredSoFar <= transitBuffer  (once transitBuffer > 0)
//
// transitBuffer bounds how far the fetcher is allowed to run ahead of
// the slowest attached deliverer so a fast backend and a slow client
// cannot grow the in-memory body without limit. transitBuffer == 0
// disables the limit (legacy "buffer everything" behavior).
type BusyObjCore struct {
	mu   sync.Mutex
	cond *sync.Cond

	fetchedSoFar   uint64
	deliveredSoFar uint64
	transitBuffer  uint64

	flags Flag
	err   error
	done  bool // fetch has reached a terminal outcome (success or failure)
}

// NewBOC creates a BusyObjCore with the given transit buffer size. A
// transitBuffer of 0 means unbounded (no fetcher throttling).
func NewBOC(transitBuffer uint64) *BusyObjCore {
	b := &BusyObjCore{transitBuffer: transitBuffer}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Cancel marks the BOC cancelled and wakes every goroutine blocked in
// Extend or WaitExtend. Used when a client hangs up mid-fetch: the
// fetcher thread otherwise has no reason to notice until it tries to
// write to a dead connection.
func (b *BusyObjCore) Cancel() {
	b.mu.Lock()
	b.flags |= FlagCancel
	b.mu.Unlock()
	b.cond.Broadcast()
}

// Cancelled reports whether Cancel has been called.
func (b *BusyObjCore) Cancelled() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.flags&FlagCancel != 0
}

// Extend records that the fetcher has landed `delta` more bytes in
// storage. If the fetcher has run transitBuffer bytes ahead of the
// slowest deliverer, Extend blocks until a deliverer calls Sent to
// catch up, or the BOC is cancelled. Each single wait is bounded by
// constants.ObjExtendCondwaitTimeout, after which the condition is
// checked again.
//
// The wait loop here is intentionally written as a plain predicate
// loop rather than a single Wait call: a deliverer's Sent call may
// report progress that still leaves the fetcher over the limit (a
// "spurious" wakeup from the fetcher's point of view), and the loop
// must simply re-check and go back to sleep rather than treat every
// wakeup as permission to proceed.
func (b *BusyObjCore) Extend(delta uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for {
		if b.flags&FlagCancel != 0 {
			return errCancelled
		}
		if b.transitBuffer == 0 || b.fetchedSoFar-b.deliveredSoFar+delta <= b.transitBuffer {
			break
		}
		t := time.AfterFunc(constants.ObjExtendCondwaitTimeout, b.cond.Broadcast)
		b.cond.Wait()
		t.Stop()
	}

	b.fetchedSoFar += delta
	b.cond.Broadcast()
	return nil
}

// Finish marks the fetch as complete, successfully or not, and wakes
// every waiter so deliverers stalled on WaitExtend can observe the
// terminal outcome instead of blocking forever.
func (b *BusyObjCore) Finish(err error) {
	b.mu.Lock()
	b.done = true
	b.err = err
	b.mu.Unlock()
	b.cond.Broadcast()
}

// WaitExtend blocks until fetchedSoFar advances past `have`, or the
// fetch reaches a terminal state. It returns the new fetchedSoFar and,
// if the fetch has failed, the failure error.
func (b *BusyObjCore) WaitExtend(have uint64) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for b.fetchedSoFar <= have && !b.done && b.flags&FlagCancel == 0 {
		b.cond.Wait()
	}

	if b.flags&FlagCancel != 0 {
		return b.fetchedSoFar, errCancelled
	}
	if b.done && b.err != nil && b.fetchedSoFar <= have {
		return b.fetchedSoFar, b.err
	}
	return b.fetchedSoFar, nil
}

// Sent records that a deliverer has streamed `upto` bytes out to its
// client, advancing the floor under which the fetcher is throttled.
// Only ever moves deliveredSoFar forward: a slow deliverer reporting a
// smaller upto than another deliverer already reported is a no-op.
func (b *BusyObjCore) Sent(upto uint64) {
	b.mu.Lock()
	if upto > b.deliveredSoFar {
		b.deliveredSoFar = upto
	}
	b.mu.Unlock()
	b.cond.Broadcast()
}

// FetchedSoFar returns the current fetch progress.
func (b *BusyObjCore) FetchedSoFar() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.fetchedSoFar
}

// DeliveredSoFar returns the slowest deliverer's progress.
func (b *BusyObjCore) DeliveredSoFar() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.deliveredSoFar
}

// TransitBuffer returns the configured transit buffer size, 0 meaning
// unbounded. ObjCore.GetSpace clamps its allocation hint to this so a
// single chunk can never itself exceed the backpressure window Extend
// enforces.
func (b *BusyObjCore) TransitBuffer() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.transitBuffer
}

// Done reports whether the fetch has reached a terminal outcome, and
// the error if it failed.
func (b *BusyObjCore) Done() (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.done, b.err
}
