package persist

import (
	"sync"

	"github.com/varnishcache/cachecore/internal/interfaces"
)

// SiloObject is one object's body and attributes living in a
// persistent silo. Unlike the in-memory stevedores, space is not
// returned piecemeal from a free list: the whole body is buffered in
// memory during fetch and committed to the silo's current segment in
// one shot on TrimStore, mirroring the original's "object grows from
// the segment bottom, index grows from the top" discipline without
// requiring every incremental GetSpace call to touch the mapping.
type SiloObject struct {
	owner *Silo
	key   string

	mu      sync.Mutex
	body    []byte
	used    uint64
	ttl     float64
	ban     float64
	attrs   map[string][]byte
	seg     *segment
	bodyOff uint64
	synced  bool
}

// NewObject creates a new object bound to this silo, keyed by its
// cache hash so the committed index entry can be found again.
func (s *Silo) NewObject(key string) *SiloObject {
	return &SiloObject{owner: s, key: key, attrs: make(map[string][]byte)}
}

func (o *SiloObject) Name() string { return "persistent" }

func (o *SiloObject) GetSpace(hint uint64) ([]byte, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if hint == 0 {
		hint = 4096
	}
	o.body = append(o.body, make([]byte, hint)...)
	return o.body[o.used:], nil
}

func (o *SiloObject) Extend(used uint64) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.used += used
	return nil
}

// TrimStore commits the buffered body to the silo's current segment,
// allocating space from the bottom-up body allocator and recording
// the object's index entry for the next segment-table flush.
func (o *SiloObject) TrimStore() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.body = o.body[:o.used]

	off, seg, err := o.owner.allocateBody(o.used)
	if err != nil {
		return err
	}
	copy(o.owner.mapped[off:off+o.used], o.body)
	o.seg = seg
	o.bodyOff = off

	hash := hashKey(o.key)
	o.owner.commitObject(seg, hash, off, o.used, o.ttl, o.ban)
	o.synced = true
	return nil
}

// Slim drops the in-memory body copy once it has been committed,
// keeping only the on-disk location; a subsequent read re-maps it
// from the silo file directly.
func (o *SiloObject) Slim() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.synced {
		return nil
	}
	o.body = nil
	return nil
}

// ObjFree marks the object's slot as free within its segment,
// decrementing the segment's live-object count so a future
// housekeeping pass can reclaim the segment once it empties out.
func (o *SiloObject) ObjFree() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.seg == nil {
		return nil
	}
	o.owner.mu.Lock()
	hash := hashKey(o.key)
	if _, ok := o.seg.objects[hash]; ok {
		delete(o.seg.objects, hash)
		o.seg.nobj--
	}
	o.owner.mu.Unlock()
	o.body = nil
	return nil
}

func (o *SiloObject) Close() error { return o.Slim() }
func (o *SiloObject) Touch() error { return nil }

func (o *SiloObject) GetAttr(key string) ([]byte, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	v, ok := o.attrs[key]
	return v, ok
}

func (o *SiloObject) SetAttr(key string, val []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	switch key {
	case "ttl":
		if len(val) == 8 {
			o.ttl = float64frombits(beUint64(val))
		}
	case "ban":
		if len(val) == 8 {
			o.ban = float64frombits(beUint64(val))
		}
	}
	o.attrs[key] = val
	return nil
}

// Bytes returns the object's body, reading it back from the mapped
// silo file if the in-memory copy has been slimmed away.
func (o *SiloObject) Bytes() []byte {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.body != nil {
		return o.body
	}
	if o.seg == nil {
		return nil
	}
	return o.owner.mapped[o.bodyOff : o.bodyOff+o.used]
}

func beUint64(b []byte) uint64 {
	var v uint64
	for _, c := range b {
		v = v<<8 | uint64(c)
	}
	return v
}

var _ interfaces.DiscardStevedore = (*SiloObject)(nil)
