package objcore

import "fmt"

// ObjState is the lifecycle phase of an ObjCore's body. Transitions are
// monotonically increasing except that Failed is reachable from any
// non-terminal state (a fetch can fail at any point before it finishes).
type ObjState int

const (
	// StateInvalid is the zero state: the ObjCore exists but has no
	// bound storage and no fetch has started.
	StateInvalid ObjState = iota
	// StateReqDone means the backend request/response headers have been
	// received and validated; body fetch has not yet begun.
	StateReqDone
	// StatePrepStream means storage has been allocated and the object
	// is about to start streaming into the cache and out to waiting
	// clients simultaneously.
	StatePrepStream
	// StateStream means body bytes are actively being fetched and
	// delivered; BOC accounting (fetched_so_far/delivered_so_far) is
	// live during this state.
	StateStream
	// StateFinished means the object is complete and immutable; BOC is
	// gone and the object serves purely from storage.
	StateFinished
	// StateFailed is terminal and reachable from any prior state.
	StateFailed
)

func (s ObjState) String() string {
	switch s {
	case StateInvalid:
		return "invalid"
	case StateReqDone:
		return "req_done"
	case StatePrepStream:
		return "prep_stream"
	case StateStream:
		return "stream"
	case StateFinished:
		return "finished"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("objstate(%d)", int(s))
	}
}

// Terminal reports whether s is a state from which no further
// transition is legal.
func (s ObjState) Terminal() bool {
	return s == StateFinished || s == StateFailed
}

// canTransition enforces the monotonic state invariant: the new state
// must be strictly greater than the current one, unless the new state
// is StateFailed (always legal from a non-terminal state) or the
// current state is already terminal (no further transitions at all).
// StateStream is further restricted to only be reachable from
// StatePrepStream, even though any earlier state is numerically less.
func canTransition(from, to ObjState) bool {
	if from.Terminal() {
		return false
	}
	if to == StateFailed {
		return true
	}
	if to == StateStream && from != StatePrepStream {
		return false
	}
	return to > from
}

// Flag holds bit flags tracked alongside an ObjCore's state.
type Flag uint32

const (
	// FlagCancel marks the object's fetch as cancelled. Any goroutine
	// blocked in WaitState/WaitExtend/Extend on this ObjCore wakes
	// immediately and observes the cancellation instead of continuing
	// to wait on backend progress that will never come (client hung up
	// while the backend was still slow).
	FlagCancel Flag = 1 << iota
	// FlagPrivate marks the object as hit-for-pass/uncacheable: it may
	// pass through the streaming machinery but must never be indexed
	// for lookup nor persisted.
	FlagPrivate
)
