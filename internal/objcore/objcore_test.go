package objcore

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeStevedore is a minimal in-memory Stevedore good enough to drive
// the ObjCore/BOC state machine in tests without pulling in a real
// storage backend.
type fakeStevedore struct {
	mu   sync.Mutex
	body []byte
	used uint64
}

func (f *fakeStevedore) Name() string { return "fake" }

func (f *fakeStevedore) GetSpace(hint uint64) ([]byte, error) {
	if hint == 0 {
		hint = 4096
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.body = append(f.body, make([]byte, hint)...)
	return f.body[f.used:], nil
}

func (f *fakeStevedore) Extend(used uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.used += used
	return nil
}

func (f *fakeStevedore) TrimStore() error { return nil }
func (f *fakeStevedore) Slim() error      { return nil }

func (f *fakeStevedore) GetAttr(string) ([]byte, bool) { return nil, false }
func (f *fakeStevedore) SetAttr(string, []byte) error  { return nil }
func (f *fakeStevedore) Touch() error                  { return nil }
func (f *fakeStevedore) Close() error                  { return nil }

func TestStateMachineMonotonic(t *testing.T) {
	oc := New([32]byte{1}, &fakeStevedore{})

	require.NoError(t, oc.SetState(StateReqDone))
	require.NoError(t, oc.SetState(StatePrepStream))
	require.Error(t, oc.SetState(StateReqDone)) // backwards move rejected
	require.NoError(t, oc.SetState(StateStream))
	require.Error(t, oc.SetState(StateFinished)) // LEN not set yet
	require.NoError(t, oc.Attrs.SetU64(AttrLen, 0))
	require.NoError(t, oc.SetState(StateFinished))
	require.Error(t, oc.SetState(StateStream)) // terminal, no further moves
}

func TestFailFromAnyState(t *testing.T) {
	oc := New([32]byte{2}, &fakeStevedore{})
	require.NoError(t, oc.SetState(StateReqDone))
	oc.Fail(errCancelled)
	require.Equal(t, StateFailed, oc.State())
}

// TestStreamingDelivery exercises scenario S1: a fetcher extends the
// BOC while a deliverer concurrently waits for and consumes progress.
func TestStreamingDelivery(t *testing.T) {
	oc := New([32]byte{3}, &fakeStevedore{})
	boc := NewBOC(0) // unbounded, no backpressure
	oc.Bind(boc)
	require.NoError(t, oc.SetState(StateReqDone))
	require.NoError(t, oc.SetState(StatePrepStream))
	require.NoError(t, oc.SetState(StateStream))

	var delivered uint64
	done := make(chan struct{})
	go func() {
		defer close(done)
		have := uint64(0)
		for delivered < 4096 {
			got, err := boc.WaitExtend(have)
			require.NoError(t, err)
			have = got
			delivered = got
			boc.Sent(got)
		}
	}()

	require.NoError(t, oc.Extend(2048))
	require.NoError(t, oc.Extend(2048))
	require.NoError(t, oc.Attrs.SetU64(AttrLen, 4096))
	require.NoError(t, oc.BocDone())

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("deliverer never observed full fetch")
	}
	require.Equal(t, uint64(4096), delivered)
	require.Equal(t, StateFinished, oc.State())
}

// TestBackpressureThrottlesFetcher exercises scenario S2: a fetcher
// running transitBuffer bytes ahead of delivery must block in Extend
// until the deliverer catches up.
func TestBackpressureThrottlesFetcher(t *testing.T) {
	boc := NewBOC(1024)

	require.NoError(t, boc.Extend(1024)) // exactly at the limit, should not block

	extended := make(chan error, 1)
	go func() {
		extended <- boc.Extend(1) // now over the limit: must block
	}()

	select {
	case <-extended:
		t.Fatal("Extend should have blocked once over transitBuffer")
	case <-time.After(50 * time.Millisecond):
	}

	boc.Sent(512) // deliverer catches up, freeing room

	select {
	case err := <-extended:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Extend never unblocked after Sent")
	}
}

// TestCancelUnsticksThrottledFetch exercises scenario S3: cancelling a
// BOC wakes a fetcher stuck in Extend waiting on backpressure.
func TestCancelUnsticksThrottledFetch(t *testing.T) {
	boc := NewBOC(1)
	require.NoError(t, boc.Extend(1)) // at the limit

	extended := make(chan error, 1)
	go func() {
		extended <- boc.Extend(1)
	}()

	time.Sleep(20 * time.Millisecond)
	boc.Cancel()

	select {
	case err := <-extended:
		require.ErrorIs(t, err, errCancelled)
	case <-time.After(time.Second):
		t.Fatal("Cancel did not unstick a throttled Extend")
	}
}

func TestWaitStateObservesFailure(t *testing.T) {
	oc := New([32]byte{4}, &fakeStevedore{})
	require.NoError(t, oc.SetState(StateReqDone))

	go func() {
		time.Sleep(10 * time.Millisecond)
		oc.Fail(errCancelled)
	}()

	got := oc.WaitState(StateFinished)
	require.Equal(t, StateFailed, got)
}

func TestRefCounting(t *testing.T) {
	oc := New([32]byte{5}, &fakeStevedore{})
	oc.Ref()
	require.False(t, oc.Unref())
	require.True(t, oc.Unref())
}
