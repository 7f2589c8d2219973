package constants

import "time"

// Storage allocation defaults (component C: malloc/file/umem stevedores).
const (
	// DefaultChunkSize is the default body chunk size requested from the
	// allocator when a caller asks for "default" space (sz == 0).
	DefaultChunkSize = 128 * 1024

	// DefaultMaxChunkSize caps a single chunk allocation regardless of hint.
	DefaultMaxChunkSize = 1 << 20

	// TrimWasteThreshold is the minimum wasted tail bytes that triggers a
	// compacting reallocation in trimstore; below this the waste is kept.
	TrimWasteThreshold = 512

	// NBucket is the number of free-list buckets in the file stevedore,
	// indexed by size/pagesize and saturating at NBucket-1.
	NBucket = 33

	// MinPages is the minimum usable file size in pages (128 * 4KB = 512KB).
	MinPages = 128
)

// Persistent silo defaults (component D).
const (
	// SignSpace is the fixed overhead of a signed block: the smp_sign
	// header (ident[8] + unique uint32 + mapped/length uint64) plus a
	// trailing 32-byte SHA-256 digest.
	SignSpace = (8 + 4 + 8 + 8) + 32

	// FreeReserveSegments is the multiple of the aim segment length kept
	// as headroom between the tail of used space and the head of the ring.
	FreeReserveSegments = 10

	// HousekeepingInterval is how often the silo thread wakes to check for
	// emptied segments at the tail of the ring.
	HousekeepingInterval = 1142 * time.Millisecond // "pi - 2" per spec note, rounded

	// IdentMagic is the human-readable identification string stamped into
	// every silo's smp_ident.
	IdentMagic = "Varnish Persistent Storage Silo"

	// ByteOrderSentinel detects a silo mapped with the wrong endianness.
	ByteOrderSentinel = 0x12345678
)

// Object / BOC defaults (component E).
const (
	// DefaultFetchChunkSize is the stevedore's default allocation size
	// when ObjGetSpace is asked for a default-sized buffer.
	DefaultFetchChunkSize = DefaultChunkSize

	// DefaultLeaseCapacity bounds a single vai_lease scarab fill.
	DefaultLeaseCapacity = 64

	// LeaseNoReturn is the sentinel lease token for fragment-leases that
	// must never be fed back to vai_return (see spec.md §4.4).
	LeaseNoReturn = ^uint64(0)

	// ObjExtendCondwaitTimeout bounds the fetcher backpressure wait so
	// the intentionally racy "spurious progress" loop cannot deadlock.
	ObjExtendCondwaitTimeout = 250 * time.Millisecond

	// DefaultVariableAttrReserve bounds the combined size of an object's
	// variable attributes (Vary, Headers), mirroring the preallocated
	// variable-attribute space in the object header chunk. 0 disables
	// the check.
	DefaultVariableAttrReserve = 64 * 1024
)

// Backend connection pool / probe defaults (components G, H).
const (
	// DefaultMaxConn is the default per-backend connection cap.
	DefaultMaxConn = 0 // 0 == unlimited

	// DefaultSaintModeThreshold is the default trouble-list size at which
	// a backend is considered unhealthy for a given object, even with
	// healthy == true. 0 disables saint mode.
	DefaultSaintModeThreshold = 0

	// DefaultProbeTimeout / DefaultProbeInterval / DefaultProbeWindow /
	// DefaultProbeThreshold mirror varnishd's built-in probe defaults.
	DefaultProbeTimeout    = 2 * time.Second
	DefaultProbeInterval   = 5 * time.Second
	DefaultProbeWindow     = 8
	DefaultProbeThreshold  = 3
	DefaultProbeInitial    = DefaultProbeThreshold - 1
	ProbeResponseReadLimit = 128
)

// DNS director cache defaults (component I).
const (
	DefaultDNSCacheSize = 1024
	DefaultDNSTTL       = 30 * time.Second
)

// RFC2616 classifier defaults (component J).
const (
	DefaultClockSkew = 10 * time.Second
	DefaultTTL       = 120 * time.Second
)
