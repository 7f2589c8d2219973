// Package stevedore defines the storage backend contract (the "trait"
// every cache storage engine implements) and sml, a set of helpers
// shared by storage engines that keep an object's body as a linked
// list of fixed-origin chunks (malloc and umem use it; the file
// stevedore keeps its own extent list and the persistent silo its own
// ring allocator).
package stevedore

import "github.com/varnishcache/cachecore/internal/interfaces"

// Reserved is the name reserved for the built-in transient (non-cached,
// request-lifetime) storage engine. A configured stevedore must not use
// this name.
const Reserved = "Transient"

// Stevedore is the storage backend contract. It is the same shape as
// interfaces.Stevedore; restated here as the package's primary export
// so storage engine packages can `var _ stevedore.Stevedore = (*T)(nil)`
// without importing the interfaces package directly.
type Stevedore = interfaces.Stevedore

// DiscardStevedore is restated from interfaces for the same reason.
type DiscardStevedore = interfaces.DiscardStevedore
