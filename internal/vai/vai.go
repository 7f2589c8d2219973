// Package vai implements the object iterator contract: a lease-based
// protocol for handing out read-only views of a cached object's body
// without copying, used by the delivery path to stream bytes straight
// from a stevedore's backing storage.
//
// The contract generalizes the teacher's io_uring submission/completion
// rendezvous (internal/uring in the source this package is grounded on)
// from a kernel completion queue to an in-process one: a Scarab fills a
// batch of leases, the consumer drains them with Buffer/Return, and a
// blocking Notifier replaces io_uring_enter's wait-for-completion call.
package vai

import (
	"context"
	"errors"
	"sync"

	"github.com/varnishcache/cachecore/internal/constants"
)

// Lease is an opaque handle to one fragment of an object's body. The
// zero Lease is never valid; LeaseNoReturn is a sentinel meaning "this
// fragment requires no Return call" (e.g. it points into the object's
// steady-state storage rather than a transient staging buffer).
type Lease uint64

// LeaseNoReturn marks a lease that must never be passed to Return.
const LeaseNoReturn = Lease(constants.LeaseNoReturn)

var (
	// ErrAgain means no lease is currently available; the caller should
	// wait on the iterator's Notifier and retry.
	ErrAgain = errors.New("vai: no lease available, try again")
	// ErrNoBufs means the iterator's lease table is exhausted.
	ErrNoBufs = errors.New("vai: no buffers available")
	// ErrPipe means the consumer end has gone away (client disconnected
	// mid-delivery) and further leases cannot be delivered anywhere.
	ErrPipe = errors.New("vai: broken pipe")
)

// magicLo and magicHi form the double-magic preamble stamped into every
// Scarab: a corrupted or reused lease table is detected by checking
// both words rather than just one, since a single stray write is
// unlikely to reproduce both.
const (
	magicLo uint32 = 0x5641_4931 // "VAI1"
	magicHi uint32 = 0xA5A5_5A5A
)

// Scaret is one fragment returned by a Lease call: a lease token plus
// the byte slice it refers to. The slice is only valid until Return is
// called (or, for LeaseNoReturn leases, until Fini is called on the
// iterator).
type Scaret struct {
	Lease Lease
	Buf   []byte
}

// Notifier is a blocking readiness signal, the channel-based
// counterpart to waiting on an io_uring completion queue: a producer
// calls Signal whenever new leases become available or the iterator
// reaches EOF/error, and consumers call Wait to block until then.
type Notifier struct {
	mu sync.Mutex
	ch chan struct{}
}

// NewNotifier creates a Notifier with no pending signal.
func NewNotifier() *Notifier {
	return &Notifier{ch: make(chan struct{}, 1)}
}

// Signal wakes one pending Wait, or primes the notifier so the next
// Wait call returns immediately if no one is currently waiting.
func (n *Notifier) Signal() {
	n.mu.Lock()
	defer n.mu.Unlock()
	select {
	case n.ch <- struct{}{}:
	default:
	}
}

// Wait blocks until Signal has been called (at least once since the
// last Wait) or ctx is cancelled.
func (n *Notifier) Wait(ctx context.Context) error {
	select {
	case <-n.ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Scarab is a batch source of leases: it fills the next available
// fragment on demand. Producers (a stevedore's object iterator
// implementation) construct a Scarab; consumers (the delivery path)
// drain it via Handle.
type Scarab interface {
	// Next produces the next fragment, or ErrAgain if the producer has
	// no fragment ready yet (the caller should Wait on Notify and
	// retry), or io.EOF once the object is fully delivered.
	Next() (Scaret, error)
	// Notify returns the Notifier signaled when Next may have new work.
	Notify() *Notifier
}

// Handle is the consumer-facing half of the contract: Lease pulls the
// next fragment (blocking on the Scarab's Notifier across ErrAgain
// retries), Return releases a fragment's underlying storage, and Fini
// tears the whole iteration down early (client disconnected).
type Handle struct {
	mu     sync.Mutex
	scarab Scarab
	outstanding map[Lease]struct{}
	closed bool
}

// NewHandle wraps a Scarab for consumer use.
func NewHandle(s Scarab) *Handle {
	return &Handle{
		scarab:      s,
		outstanding: make(map[Lease]struct{}),
	}
}

// Lease blocks until a fragment is available, returning it. It
// transparently retries on ErrAgain by waiting on the Scarab's
// Notifier, mirroring the blocking-notifier pattern used to wait for
// io_uring completions.
func (h *Handle) Lease(ctx context.Context) (Scaret, error) {
	for {
		h.mu.Lock()
		if h.closed {
			h.mu.Unlock()
			return Scaret{}, ErrPipe
		}
		h.mu.Unlock()

		sc, err := h.scarab.Next()
		if err == nil {
			if sc.Lease != LeaseNoReturn {
				h.mu.Lock()
				h.outstanding[sc.Lease] = struct{}{}
				h.mu.Unlock()
			}
			return sc, nil
		}
		if err != ErrAgain {
			return Scaret{}, err
		}
		if werr := h.scarab.Notify().Wait(ctx); werr != nil {
			return Scaret{}, werr
		}
	}
}

// Return releases a previously leased fragment. Returning
// LeaseNoReturn is a programming error in the caller and is ignored
// rather than panicking, matching the original contract's tolerance
// for a redundant return.
func (h *Handle) Return(l Lease) error {
	if l == LeaseNoReturn {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.outstanding[l]; !ok {
		return ErrNoBufs
	}
	delete(h.outstanding, l)
	return nil
}

// Fini tears down the iteration, returning any leases the caller never
// got to Return (a disconnect mid-stream leaves fragments outstanding;
// Fini is the caller's declaration that it no longer cares).
func (h *Handle) Fini() {
	h.mu.Lock()
	h.closed = true
	h.outstanding = make(map[Lease]struct{})
	h.mu.Unlock()
}
