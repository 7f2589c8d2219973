package cachecore

import (
	"sync"

	"github.com/varnishcache/cachecore/internal/interfaces"
)

// MockStevedore provides an in-memory implementation of
// interfaces.Stevedore (plus DiscardStevedore and ByteStevedore) for
// unit tests that need a cache entry's storage without any of the
// concrete engines' allocator bookkeeping. It tracks method call
// counts for verification, the same convention the teacher's
// MockBackend uses.
type MockStevedore struct {
	mu sync.Mutex

	body   []byte
	used   int
	attrs  map[string][]byte
	closed bool
	freed  bool

	getSpaceCalls int
	extendCalls   int
	touchCalls    int
}

// NewMockStevedore creates an empty mock storage handle.
func NewMockStevedore() *MockStevedore {
	return &MockStevedore{attrs: make(map[string][]byte)}
}

func (m *MockStevedore) Name() string { return "mock" }

// GetSpace grows the backing slice to hold hint bytes (or a fixed
// default if hint is 0) past the committed body and returns that
// uncommitted tail for the caller to fill in.
func (m *MockStevedore) GetSpace(hint uint64) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.getSpaceCalls++
	if hint == 0 {
		hint = 4096
	}
	m.body = append(m.body[:m.used], make([]byte, hint)...)
	return m.body[m.used:], nil
}

// Extend commits used more bytes of the tail GetSpace handed out.
func (m *MockStevedore) Extend(used uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.extendCalls++
	m.used += int(used)
	return nil
}

func (m *MockStevedore) TrimStore() error { return nil }

func (m *MockStevedore) Slim() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.body = nil
	m.used = 0
	return nil
}

func (m *MockStevedore) ObjFree() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.body = nil
	m.used = 0
	m.freed = true
	return nil
}

func (m *MockStevedore) GetAttr(key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.attrs[key]
	return v, ok
}

func (m *MockStevedore) SetAttr(key string, val []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attrs[key] = val
	return nil
}

func (m *MockStevedore) Touch() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.touchCalls++
	return nil
}

func (m *MockStevedore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Bytes implements interfaces.ByteStevedore, returning the committed
// body only.
func (m *MockStevedore) Bytes() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.body[:m.used]
}

// IsClosed reports whether Close has been called.
func (m *MockStevedore) IsClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// IsFreed reports whether ObjFree has been called.
func (m *MockStevedore) IsFreed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.freed
}

// CallCounts returns the number of times each tracked method has been
// called, for test assertions.
func (m *MockStevedore) CallCounts() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return map[string]int{
		"get_space": m.getSpaceCalls,
		"extend":    m.extendCalls,
		"touch":     m.touchCalls,
	}
}

// Compile-time interface checks
var (
	_ interfaces.Stevedore        = (*MockStevedore)(nil)
	_ interfaces.DiscardStevedore = (*MockStevedore)(nil)
	_ interfaces.ByteStevedore    = (*MockStevedore)(nil)
)
