package filestore

import (
	"sync"

	"github.com/varnishcache/cachecore/internal/constants"
)

// extent is one allocated page-range backing part of an object's body,
// along with how many of its bytes are currently in use.
type extent struct {
	offset uint64
	pages  uint64
	used   uint64
}

// Object is one cached object's body living in a file store: a list
// of mmap'd extents, each allocated from the store's free-list
// buckets and released back to them on Slim/ObjFree.
type Object struct {
	owner *Store

	mu      sync.Mutex
	extents []extent
	attrs   map[string][]byte
}

// NewObject creates a new object bound to this store.
func (s *Store) NewObject() *Object {
	return &Object{owner: s, attrs: make(map[string][]byte)}
}

func (o *Object) Name() string { return o.owner.name }

func (o *Object) GetSpace(hint uint64) ([]byte, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if n := len(o.extents); n > 0 {
		last := &o.extents[n-1]
		capacity := last.pages * pageSize
		if last.used < capacity {
			return o.owner.mapping[last.offset+last.used : last.offset+capacity], nil
		}
	}

	if hint == 0 {
		hint = pageSize
	}
	off, err := o.owner.alloc(hint)
	if err != nil {
		return nil, err
	}
	pages := roundUp(hint, pageSize) / pageSize
	o.extents = append(o.extents, extent{offset: off, pages: pages})
	last := &o.extents[len(o.extents)-1]
	return o.owner.mapping[last.offset : last.offset+last.pages*pageSize], nil
}

func (o *Object) Extend(used uint64) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.extents) == 0 {
		return nil
	}
	o.extents[len(o.extents)-1].used += used
	return nil
}

// TrimStore shrinks the final extent's free-list residual back to the
// store when the waste is at least the shared trim threshold; smaller
// waste is left in place to avoid excessive bucket churn.
func (o *Object) TrimStore() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.extents) == 0 {
		return nil
	}
	last := &o.extents[len(o.extents)-1]
	wastedBytes := last.pages*pageSize - last.used
	if wastedBytes < uint64(constants.TrimWasteThreshold) {
		return nil
	}
	usedPages := roundUp(last.used, pageSize) / pageSize
	if usedPages >= last.pages {
		return nil
	}
	freedPages := last.pages - usedPages
	o.owner.free(last.offset+usedPages*pageSize, freedPages)
	last.pages = usedPages
	return nil
}

// Slim releases every extent back to the store's free lists, keeping
// attributes but dropping the body entirely.
func (o *Object) Slim() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, e := range o.extents {
		o.owner.free(e.offset, e.pages)
	}
	o.extents = nil
	return nil
}

func (o *Object) ObjFree() error { return o.Slim() }
func (o *Object) Close() error   { return o.Slim() }
func (o *Object) Touch() error   { return nil }

func (o *Object) GetAttr(key string) ([]byte, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	v, ok := o.attrs[key]
	return v, ok
}

func (o *Object) SetAttr(key string, val []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.attrs[key] = val
	return nil
}

// Bytes returns the object's body as a single contiguous slice,
// copying across extents if the body spans more than one.
func (o *Object) Bytes() []byte {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.extents) == 1 {
		e := o.extents[0]
		return o.owner.mapping[e.offset : e.offset+e.used]
	}
	var total uint64
	for _, e := range o.extents {
		total += e.used
	}
	out := make([]byte, 0, total)
	for _, e := range o.extents {
		out = append(out, o.owner.mapping[e.offset:e.offset+e.used]...)
	}
	return out
}
