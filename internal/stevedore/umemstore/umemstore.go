// Package umemstore implements the umem stevedore: like memstore, but
// allocations are rounded up to one of a fixed set of slab-class sizes
// so same-sized objects reuse freed slabs instead of going back to the
// Go allocator, trading a little internal fragmentation for fewer GC
// allocations under heavy churn.
package umemstore

import (
	"sync"
	"sync/atomic"

	"github.com/varnishcache/cachecore/internal/stevedore"
)

// slabClasses are the allocation size classes, doubling from 4KB to
// 1MB. A request is rounded up to the smallest class that fits.
var slabClasses = []uint64{
	4 << 10, 8 << 10, 16 << 10, 32 << 10, 64 << 10,
	128 << 10, 256 << 10, 512 << 10, 1 << 20,
}

func classFor(n uint64) uint64 {
	for _, c := range slabClasses {
		if n <= c {
			return c
		}
	}
	return n // larger than the biggest class: allocate exactly
}

// Store is a slab-backed stevedore with one free-list per size class.
type Store struct {
	name string

	mu        sync.Mutex
	freeLists map[uint64][][]byte

	allocated atomic.Uint64 // cumulative bytes allocated from the runtime
	reused    atomic.Uint64 // cumulative bytes served from a free list
}

// New creates an empty umem stevedore.
func New(name string) *Store {
	return &Store{
		name:      name,
		freeLists: make(map[uint64][][]byte),
	}
}

func (s *Store) Name() string { return s.name }

// Object is one object's body living in this store.
type Object struct {
	owner *Store
	store *stevedore.ChunkList
	slabs [][]byte // every slab handed to store, at full class capacity
}

// NewObject creates a new object bound to this store.
func (s *Store) NewObject() *Object {
	obj := &Object{owner: s}
	obj.store = stevedore.NewChunkList(obj.alloc)
	return obj
}

func (o *Object) alloc(n uint64) ([]byte, error) {
	class := classFor(n)
	s := o.owner

	var buf []byte
	s.mu.Lock()
	if list := s.freeLists[class]; len(list) > 0 {
		buf = list[len(list)-1]
		s.freeLists[class] = list[:len(list)-1]
		s.mu.Unlock()
		s.reused.Add(class)
	} else {
		s.mu.Unlock()
		s.allocated.Add(class)
		buf = make([]byte, class)
	}
	o.slabs = append(o.slabs, buf)
	return buf[:n], nil
}

// release returns a chunk's backing array to its size class's free
// list for reuse by a future allocation of the same class.
func (o *Object) release(buf []byte) {
	class := classFor(uint64(cap(buf)))
	full := buf[:cap(buf)]
	o.owner.mu.Lock()
	o.owner.freeLists[class] = append(o.owner.freeLists[class], full)
	o.owner.mu.Unlock()
}

func (o *Object) GetSpace(hint uint64) ([]byte, error) { return o.store.GetSpace(hint) }
func (o *Object) Extend(used uint64) error             { return o.store.Extend(used) }
func (o *Object) TrimStore() error                     { return o.store.TrimStore() }
func (o *Object) GetAttr(key string) ([]byte, bool)    { return o.store.GetAttr(key) }
func (o *Object) SetAttr(key string, val []byte) error { return o.store.SetAttr(key, val) }
func (o *Object) Touch() error                         { return nil }
func (o *Object) Close() error                         { return o.ObjFree() }
func (o *Object) Name() string                         { return o.owner.name }

// Bytes returns the object's body as a single contiguous slice,
// concatenating chunks if more than one was allocated.
func (o *Object) Bytes() []byte { return o.store.Bytes() }

// Slim releases the chunks to the store's free lists, keeping
// attributes, so a subsequent allocation of the same size class is
// served without a runtime allocation.
func (o *Object) Slim() error {
	o.releaseChunks()
	return o.store.Slim()
}

// releaseChunks hands the object's body back to the store's free
// lists instead of letting it go to the GC, so a same-size-class
// allocation right behind it is served without touching the runtime
// allocator.
func (o *Object) releaseChunks() {
	for _, slab := range o.slabs {
		o.release(slab)
	}
	o.slabs = nil
}

// ObjFree fully releases the object, same as Slim for this engine.
func (o *Object) ObjFree() error { return o.Slim() }

// Stats reports cumulative allocation vs. reuse, useful for judging
// whether the slab classes are well chosen for the workload.
type Stats struct {
	Allocated uint64
	Reused    uint64
}

func (s *Store) Stats() Stats {
	return Stats{Allocated: s.allocated.Load(), Reused: s.reused.Load()}
}

var _ stevedore.DiscardStevedore = (*Object)(nil)
