// Package synth implements the synthetic body stevedore: a trivial
// storage engine for bodies the cache core generates itself (error
// pages, ESI-assembled fragments) rather than receives from a backend
// fetch. There is no LRU pressure or allocation cap: synthetic bodies
// are short-lived and sized by the caller up front.
package synth

import (
	"sync"

	"github.com/varnishcache/cachecore/internal/stevedore"
)

const name = "synth"

// Object is a synthetic body. Unlike the fetched-body stevedores it is
// normally filled with a single GetSpace/Extend pair sized exactly to
// the content (SetBody), but still supports the general GetSpace/Extend
// contract so it can back the same delivery path as any other
// stevedore.
type Object struct {
	mu   sync.Mutex
	body []byte
	used uint64

	attrs map[string][]byte
}

// New creates an empty synthetic body object.
func New() *Object {
	return &Object{attrs: make(map[string][]byte)}
}

// SetBody replaces the object's entire body in one call, the common
// case for a synthetic response (the caller already has the full
// rendered bytes, e.g. a VCL-equivalent error page template).
func (o *Object) SetBody(b []byte) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.body = append([]byte(nil), b...)
	o.used = uint64(len(b))
}

func (o *Object) Name() string { return name }

func (o *Object) GetSpace(hint uint64) ([]byte, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if hint == 0 {
		hint = 4096
	}
	o.body = append(o.body, make([]byte, hint)...)
	return o.body[o.used:], nil
}

func (o *Object) Extend(used uint64) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.used += used
	return nil
}

func (o *Object) TrimStore() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.body = o.body[:o.used]
	return nil
}

func (o *Object) Slim() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.body = nil
	o.used = 0
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

// Bytes returns the object's current body.
func (o *Object) Bytes() []byte {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.body[:o.used]
}

var _ stevedore.DiscardStevedore = (*Object)(nil)
