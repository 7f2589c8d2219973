package stevedore

import (
	"errors"
	"sync"
)

// ErrAllocFailed is returned by an Allocator when it cannot satisfy a
// request even after SML's halving fallback.
var ErrAllocFailed = errors.New("sml: allocation failed")

// Allocator is the low-level "give me n bytes" primitive a concrete
// storage engine (malloc, umem) supplies; SML builds chunk-list
// bookkeeping, trimming, and slimming on top of it.
type Allocator func(n uint64) ([]byte, error)

// Chunk is one fixed-origin allocation backing part of an object's
// body. SML chains chunks rather than reallocating the whole body on
// every GetSpace call.
type Chunk struct {
	Buf  []byte
	Used uint64
}

// ChunkList is the shared body-storage bookkeeping used by the malloc
// and umem stevedores: a list of Chunks plus the object's
// attribute map. It is not itself a Stevedore; concrete engines embed
// it and supply an Allocator.
type ChunkList struct {
	mu     sync.Mutex
	alloc  Allocator
	chunks []*Chunk

	attrs map[string][]byte
}

// NewChunkList creates an empty chunk list backed by alloc.
func NewChunkList(alloc Allocator) *ChunkList {
	return &ChunkList{
		alloc: alloc,
		attrs: make(map[string][]byte),
	}
}

// minHalvingFloor bounds GetSpace's fallback behavior: when the
// allocator can't satisfy the requested size, GetSpace halves the
// request and retries down to this floor before giving up. Mirrors the
// original storage engine's "less memory than asked for is fine, zero
// is not" allocation policy.
const minHalvingFloor = 4096

// GetSpace appends a new chunk of up to `hint` bytes (0 means "use
// whatever default the caller already applied") and returns it for the
// caller to fill. If the allocator fails at the requested size, GetSpace
// halves the request and retries until minHalvingFloor, returning
// whatever it could get; only a failure at the floor is reported as
// ErrAllocFailed.
func (c *ChunkList) GetSpace(hint uint64) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	req := hint
	for {
		buf, err := c.alloc(req)
		if err == nil {
			ch := &Chunk{Buf: buf}
			c.chunks = append(c.chunks, ch)
			return ch.Buf, nil
		}
		if req <= minHalvingFloor {
			return nil, ErrAllocFailed
		}
		req /= 2
	}
}

// Extend marks `used` more bytes of the most recently allocated chunk
// as valid body content.
func (c *ChunkList) Extend(used uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.chunks) == 0 {
		return errors.New("sml: Extend with no chunk allocated")
	}
	last := c.chunks[len(c.chunks)-1]
	if last.Used+used > uint64(len(last.Buf)) {
		return errors.New("sml: Extend overruns allocated chunk")
	}
	last.Used += used
	return nil
}

// TrimWasteThreshold bytes or fewer of unused tail space in the last
// chunk are left alone rather than compacted; below this, a trim isn't
// worth the copy.
const TrimWasteThreshold = 512

// TrimStore compacts the tail chunk down to its used length when the
// wasted space exceeds TrimWasteThreshold, freeing the rest back to the
// allocator's bookkeeping (the slice is simply re-sliced; Go's GC
// reclaims the backing array once nothing else references it).
func (c *ChunkList) TrimStore() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.chunks) == 0 {
		return nil
	}
	last := c.chunks[len(c.chunks)-1]
	waste := uint64(len(last.Buf)) - last.Used
	if waste <= TrimWasteThreshold {
		return nil
	}
	last.Buf = last.Buf[:last.Used]
	return nil
}

// Slim releases all body chunks, keeping attributes (an object slimmed
// for LRU pressure still needs to answer GetAttr for hash-table
// bookkeeping).
func (c *ChunkList) Slim() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.chunks = nil
	return nil
}

// GetAttr returns a stored attribute.
func (c *ChunkList) GetAttr(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.attrs[key]
	return v, ok
}

// SetAttr stores an attribute.
func (c *ChunkList) SetAttr(key string, val []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attrs[key] = val
	return nil
}

// Len returns the total used body length across all chunks.
func (c *ChunkList) Len() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	var n uint64
	for _, ch := range c.chunks {
		n += ch.Used
	}
	return n
}

// Bytes copies the full body out as a contiguous slice. Used by the
// simple in-memory stevedores; the file stevedore reads its chunks
// directly off the mmap instead.
func (c *ChunkList) Bytes() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]byte, 0, c.lenLocked())
	for _, ch := range c.chunks {
		out = append(out, ch.Buf[:ch.Used]...)
	}
	return out
}

func (c *ChunkList) lenLocked() uint64 {
	var n uint64
	for _, ch := range c.chunks {
		n += ch.Used
	}
	return n
}
