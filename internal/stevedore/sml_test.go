package stevedore

import (
	"errors"
	"testing"
)

func simpleAlloc(n uint64) ([]byte, error) {
	return make([]byte, n), nil
}

func TestChunkListGetSpaceExtend(t *testing.T) {
	cl := NewChunkList(simpleAlloc)

	buf, err := cl.GetSpace(1024)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(buf) != 1024 {
		t.Fatalf("expected 1024 byte chunk, got %d", len(buf))
	}

	copy(buf, []byte("hello"))
	if err := cl.Extend(5); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cl.Len() != 5 {
		t.Fatalf("expected len 5, got %d", cl.Len())
	}
	if string(cl.Bytes()) != "hello" {
		t.Fatalf("expected hello, got %q", cl.Bytes())
	}
}

func TestChunkListExtendOverrun(t *testing.T) {
	cl := NewChunkList(simpleAlloc)
	cl.GetSpace(10)
	if err := cl.Extend(11); err == nil {
		t.Fatal("expected overrun error")
	}
}

func TestChunkListTrimStore(t *testing.T) {
	cl := NewChunkList(simpleAlloc)
	cl.GetSpace(4096)
	cl.Extend(10)

	if err := cl.TrimStore(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	cl.mu.Lock()
	got := len(cl.chunks[0].Buf)
	cl.mu.Unlock()
	if got != 10 {
		t.Fatalf("expected trimmed chunk len 10, got %d", got)
	}
}

func TestChunkListTrimStoreSkipsSmallWaste(t *testing.T) {
	cl := NewChunkList(simpleAlloc)
	cl.GetSpace(600)
	cl.Extend(500) // 100 bytes waste, below TrimWasteThreshold

	if err := cl.TrimStore(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	cl.mu.Lock()
	got := len(cl.chunks[0].Buf)
	cl.mu.Unlock()
	if got != 600 {
		t.Fatalf("expected untouched chunk len 600, got %d", got)
	}
}

func TestChunkListSlim(t *testing.T) {
	cl := NewChunkList(simpleAlloc)
	cl.GetSpace(10)
	cl.SetAttr("vary", []byte("Accept-Encoding"))

	if err := cl.Slim(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cl.Len() != 0 {
		t.Fatalf("expected 0 length after slim, got %d", cl.Len())
	}
	v, ok := cl.GetAttr("vary")
	if !ok || string(v) != "Accept-Encoding" {
		t.Fatal("expected attribute to survive Slim")
	}
}

func TestChunkListHalvingFallback(t *testing.T) {
	calls := 0
	alloc := func(n uint64) ([]byte, error) {
		calls++
		if n > 8192 {
			return nil, errors.New("out of memory")
		}
		return make([]byte, n), nil
	}
	cl := NewChunkList(alloc)

	buf, err := cl.GetSpace(65536)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(buf) > 8192 {
		t.Fatalf("expected halved allocation <= 8192, got %d", len(buf))
	}
	if calls < 2 {
		t.Fatalf("expected halving to retry at least twice, got %d calls", calls)
	}
}

func TestChunkListHalvingGivesUpAtFloor(t *testing.T) {
	alloc := func(n uint64) ([]byte, error) {
		return nil, errors.New("always fails")
	}
	cl := NewChunkList(alloc)

	_, err := cl.GetSpace(65536)
	if !errors.Is(err, ErrAllocFailed) {
		t.Fatalf("expected ErrAllocFailed, got %v", err)
	}
}
