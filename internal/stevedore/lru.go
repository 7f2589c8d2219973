package stevedore

import (
	"container/list"
	"sync"
)

// Nukeable is the minimal surface an object must expose to be a
// candidate for LRU eviction when a stevedore is under space pressure.
type Nukeable interface {
	// ObjFree releases the object's storage.
	ObjFree() error
}

// LRU tracks object recency for a single stevedore and selects
// eviction candidates when GetSpace fails due to exhaustion. It is
// deliberately simple (a doubly linked list plus a map) rather than a
// generic cache library, because the eviction policy here is driven
// entirely by storage pressure, not by a TTL or hit-rate goal.
type LRU struct {
	mu      sync.Mutex
	entries *list.List
	index   map[interface{}]*list.Element
}

type lruEntry struct {
	key interface{}
	obj Nukeable
}

// NewLRU creates an empty LRU tracker.
func NewLRU() *LRU {
	return &LRU{
		entries: list.New(),
		index:   make(map[interface{}]*list.Element),
	}
}

// Touch marks key as most recently used, inserting it if new.
func (l *LRU) Touch(key interface{}, obj Nukeable) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if el, ok := l.index[key]; ok {
		l.entries.MoveToFront(el)
		return
	}
	el := l.entries.PushFront(&lruEntry{key: key, obj: obj})
	l.index[key] = el
}

// Remove drops key from tracking without nuking it (the object was
// freed through some other path, e.g. a ban or natural expiry).
func (l *LRU) Remove(key interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if el, ok := l.index[key]; ok {
		l.entries.Remove(el)
		delete(l.index, key)
	}
}

// Nuke evicts the single least-recently-used object, calling its
// ObjFree, and reports whether an object was found to evict.
func (l *LRU) Nuke() (bool, error) {
	l.mu.Lock()
	el := l.entries.Back()
	if el == nil {
		l.mu.Unlock()
		return false, nil
	}
	entry := el.Value.(*lruEntry)
	l.entries.Remove(el)
	delete(l.index, entry.key)
	l.mu.Unlock()

	return true, entry.obj.ObjFree()
}

// Len returns the number of tracked objects.
func (l *LRU) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.entries.Len()
}
