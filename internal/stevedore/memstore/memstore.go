// Package memstore implements the malloc stevedore: object bodies live
// in plain Go heap allocations up to a configured byte cap, with
// allocation failure handled by the shared sml halving fallback and
// LRU nuking.
package memstore

import (
	"sync"
	"sync/atomic"

	"github.com/varnishcache/cachecore/internal/stevedore"
)

// Counters mirrors the malloc stevedore's VSC-equivalent counter set:
// request/failure/byte totals plus gauges for current allocation and
// space reserved but not yet used.
type Counters struct {
	CReq   atomic.Uint64 // total GetSpace requests
	CFail  atomic.Uint64 // requests that hit ErrAllocFailed
	CBytes atomic.Uint64 // cumulative bytes allocated
	CFreed atomic.Uint64 // cumulative bytes freed (Slim/ObjFree)

	GAlloc atomic.Int64 // current number of live allocations
	GBytes atomic.Int64 // current bytes in use
	GSpace atomic.Int64 // reserved-but-unused gauge; this engine never updates it, so it stays 0
}

// Store is a malloc-backed stevedore. It enforces a byte cap across all
// objects it holds; once the cap is reached, GetSpace nukes
// least-recently-used objects until space frees up or none remain.
type Store struct {
	name string
	cap  uint64

	mu       sync.Mutex
	used     uint64
	counters Counters
	lru      *stevedore.LRU
}

// New creates a malloc stevedore with the given byte cap. cap == 0
// means unbounded.
func New(name string, cap uint64) *Store {
	return &Store{
		name: name,
		cap:  cap,
		lru:  stevedore.NewLRU(),
	}
}

// Object is one object's body + attributes living in this store. It
// implements stevedore.Nukeable so the store's LRU can evict it.
type Object struct {
	store *stevedore.ChunkList
	owner *Store
	size  *uint64
}

func (s *Store) Name() string { return s.name }

// NewObject registers a new object with this store and returns its
// per-object storage handle (this is the stevedore.Stevedore
// implementation an ObjCore binds to).
func (s *Store) NewObject(key interface{}) *Object {
	var size uint64
	obj := &Object{
		store: stevedore.NewChunkList(s.allocator(&size)),
		owner: s,
		size:  &size,
	}
	s.lru.Touch(key, obj)
	return obj
}

func (s *Store) allocator(size *uint64) stevedore.Allocator {
	return func(n uint64) ([]byte, error) {
		s.mu.Lock()
		defer s.mu.Unlock()

		s.counters.CReq.Add(1)

		if s.cap > 0 && s.used+n > s.cap {
			// Try to nuke our way to enough space before failing; the
			// caller's ChunkList halving loop will retry at smaller
			// sizes too, so this is best-effort, not exhaustive.
			// The store mutex is released around Nuke because the
			// victim's ObjFree takes it again to return its bytes.
			for s.cap > 0 && s.used+n > s.cap {
				s.mu.Unlock()
				freed, err := s.lru.Nuke()
				s.mu.Lock()
				if !freed || err != nil {
					break
				}
			}
		}
		if s.cap > 0 && s.used+n > s.cap {
			s.counters.CFail.Add(1)
			return nil, stevedore.ErrAllocFailed
		}

		s.used += n
		*size += n
		s.counters.CBytes.Add(n)
		s.counters.GAlloc.Add(1)
		s.counters.GBytes.Add(int64(n))
		return make([]byte, n), nil
	}
}

func (o *Object) GetSpace(hint uint64) ([]byte, error)  { return o.store.GetSpace(hint) }
func (o *Object) Extend(used uint64) error              { return o.store.Extend(used) }
func (o *Object) TrimStore() error                      { return o.store.TrimStore() }
func (o *Object) GetAttr(key string) ([]byte, bool)     { return o.store.GetAttr(key) }
func (o *Object) SetAttr(key string, val []byte) error  { return o.store.SetAttr(key, val) }
func (o *Object) Touch() error                          { return nil }
func (o *Object) Close() error                          { return o.Slim() }

// Bytes returns the object's body as a single contiguous slice,
// concatenating chunks if more than one was allocated.
func (o *Object) Bytes() []byte { return o.store.Bytes() }

func (o *Object) Slim() error {
	o.owner.mu.Lock()
	o.owner.used -= *o.size
	o.owner.counters.CFreed.Add(*o.size)
	o.owner.counters.GAlloc.Add(-1)
	o.owner.counters.GBytes.Add(-int64(*o.size))
	*o.size = 0
	o.owner.mu.Unlock()
	return o.store.Slim()
}

// ObjFree fully releases the object, same as Slim for this engine
// since malloc storage has no separate "freed but indexed" state.
func (o *Object) ObjFree() error { return o.Slim() }

// Name exposes the owning store's name for diagnostics.
func (o *Object) Name() string { return o.owner.name }

// Snapshot is a point-in-time copy of Counters as plain values (atomic
// fields cannot be copied while live).
type Snapshot struct {
	CReq, CFail, CBytes, CFreed uint64
	GAlloc, GBytes, GSpace     int64
}

// Stats returns a snapshot of the store's counters.
func (s *Store) Stats() Snapshot {
	return Snapshot{
		CReq:   s.counters.CReq.Load(),
		CFail:  s.counters.CFail.Load(),
		CBytes: s.counters.CBytes.Load(),
		CFreed: s.counters.CFreed.Load(),
		GAlloc: s.counters.GAlloc.Load(),
		GBytes: s.counters.GBytes.Load(),
		GSpace: s.counters.GSpace.Load(),
	}
}

var _ stevedore.DiscardStevedore = (*Object)(nil)
