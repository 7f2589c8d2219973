package objcore

import (
	"encoding/binary"
	"errors"
	"math"
	"sync"
)

// AttrKey identifies one of the fixed, well-known attribute slots an
// ObjCore carries. Variable-size attributes (Vary, Headers) and
// auxiliary attributes (ESI data) are keyed by string instead; see
// SetVariable/SetAux.
type AttrKey int

const (
	// AttrLen is the object's total body length, 8 bytes big-endian.
	// FINISHED requires this attribute be set.
	AttrLen AttrKey = iota
	// AttrVXID is the transaction id that created the object, 4 bytes
	// big-endian.
	AttrVXID
	// AttrFlags is a 1-byte bitfield of object-level flags.
	AttrFlags
	// AttrGZipBits is 32 bytes of gzip framing metadata.
	AttrGZipBits
	// AttrLastModified is the object's Last-Modified time, 8 bytes
	// big-endian (unix nanoseconds, or a float64 bit pattern via
	// SetDouble/GetDouble).
	AttrLastModified
	numFixedAttrs
)

// fixedAttrSize is the wire size of each fixed-slot attribute. The
// typed accessors (SetU32/SetU64/SetDouble) use it to reject a
// slot/width mismatch instead of silently storing the wrong byte count.
var fixedAttrSize = [numFixedAttrs]int{
	AttrLen:          8,
	AttrVXID:         4,
	AttrFlags:        1,
	AttrGZipBits:     32,
	AttrLastModified: 8,
}

// fixedAttrName names each fixed slot for the stevedore.GetAttr fallback
// ObjHasAttr uses against resurrected persistent objects.
var fixedAttrName = [numFixedAttrs]string{
	AttrLen:          "len",
	AttrVXID:         "vxid",
	AttrFlags:        "flags",
	AttrGZipBits:     "gzipbits",
	AttrLastModified: "lastmodified",
}

// Well-known variable attribute keys.
const (
	AttrVary    = "vary"
	AttrHeaders = "headers"
)

var (
	// ErrAttrWrongSize is returned when a typed accessor's value does
	// not match its slot's fixed wire size.
	ErrAttrWrongSize = errors.New("objcore: attribute value has the wrong size for its slot")
	// ErrAttrNotPresent is returned by Copy when the source attribute
	// has never been set.
	ErrAttrNotPresent = errors.New("objcore: attribute not present")
	// ErrAttrLengthChanged is returned when a variable attribute is
	// re-set with a different length than its first value.
	ErrAttrLengthChanged = errors.New("objcore: variable attribute re-set with a different length")
	// ErrAttrReserveFull is returned when setting a variable attribute
	// would exceed the configured variable-attribute reserve.
	ErrAttrReserveFull = errors.New("objcore: variable attribute reserve exhausted")
)

// Attributes holds an ObjCore's metadata: a small fixed-size array for
// the well-known slots, a map for variable attributes (set at most
// once each, within a combined byte reserve), and a map for auxiliary
// attributes that may be absent entirely (oa_present bitfield
// semantics: missing is a valid state distinct from empty).
type Attributes struct {
	mu sync.RWMutex

	fixed   [numFixedAttrs][]byte
	present [numFixedAttrs]bool

	variable        map[string][]byte
	variableReserve int // 0 means unbounded
	variableUsed    int

	aux map[string][]byte
}

// NewAttributes creates an empty attribute set with no variable-attribute
// reserve limit. Use NewAttributesWithReserve to bound it.
func NewAttributes() *Attributes {
	return &Attributes{
		variable: make(map[string][]byte),
		aux:      make(map[string][]byte),
	}
}

// NewAttributesWithReserve creates an empty attribute set whose combined
// variable-attribute bytes may not exceed reserve.
func NewAttributesWithReserve(reserve int) *Attributes {
	a := NewAttributes()
	a.variableReserve = reserve
	return a
}

// Has reports whether a fixed-slot attribute has been set.
func (a *Attributes) Has(key AttrKey) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.present[key]
}

// Get returns a fixed-slot attribute and whether it is present. Per
// oa_present bitfield semantics, an attribute that was never set is
// reported absent rather than as a zero-length value.
func (a *Attributes) Get(key AttrKey) ([]byte, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if !a.present[key] {
		return nil, false
	}
	return a.fixed[key], true
}

// Set stores a fixed-slot attribute, overwriting any previous value.
// Returns ErrAttrWrongSize if val does not match the slot's wire size.
func (a *Attributes) Set(key AttrKey, val []byte) error {
	if len(val) != fixedAttrSize[key] {
		return ErrAttrWrongSize
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.fixed[key] = val
	a.present[key] = true
	return nil
}

// Copy copies a fixed attribute from a (the source) to dst, the
// ObjCopyAttr shortcut: get from src, set on dst. Returns
// ErrAttrNotPresent if a has no value for key.
func (a *Attributes) Copy(dst *Attributes, key AttrKey) error {
	v, ok := a.Get(key)
	if !ok {
		return ErrAttrNotPresent
	}
	return dst.Set(key, v)
}

// SetFlag sets or clears one bit of the 1-byte AttrFlags slot,
// initializing it to all-zero on first use.
func (a *Attributes) SetFlag(bit uint8, set bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	var b byte
	if a.present[AttrFlags] {
		b = a.fixed[AttrFlags][0]
	}
	if set {
		b |= 1 << bit
	} else {
		b &^= 1 << bit
	}
	a.fixed[AttrFlags] = []byte{b}
	a.present[AttrFlags] = true
	return nil
}

// HasFlag reports whether the given bit of AttrFlags is set.
func (a *Attributes) HasFlag(bit uint8) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if !a.present[AttrFlags] {
		return false
	}
	return a.fixed[AttrFlags][0]&(1<<bit) != 0
}

// SetU32 stores a uint32 fixed attribute in big-endian wire order.
func (a *Attributes) SetU32(key AttrKey, v uint32) error {
	if fixedAttrSize[key] != 4 {
		return ErrAttrWrongSize
	}
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return a.Set(key, b)
}

// GetU32 decodes a uint32 fixed attribute.
func (a *Attributes) GetU32(key AttrKey) (uint32, bool) {
	v, ok := a.Get(key)
	if !ok || len(v) < 4 {
		return 0, false
	}
	return binary.BigEndian.Uint32(v), true
}

// SetU64 stores a uint64 fixed attribute in big-endian wire order.
func (a *Attributes) SetU64(key AttrKey, v uint64) error {
	if fixedAttrSize[key] != 8 {
		return ErrAttrWrongSize
	}
	return a.Set(key, MarshalFixedUint64(v))
}

// GetU64 decodes a uint64 fixed attribute.
func (a *Attributes) GetU64(key AttrKey) (uint64, bool) {
	v, ok := a.Get(key)
	if !ok {
		return 0, false
	}
	return UnmarshalFixedUint64(v)
}

// SetDouble stores a float64 fixed attribute by bitwise copy to a u64,
// then big-endian encoding, so the binary form stays endian-agnostic
// across a persisted silo moved between architectures.
func (a *Attributes) SetDouble(key AttrKey, v float64) error {
	return a.SetU64(key, math.Float64bits(v))
}

// GetDouble decodes a float64 fixed attribute stored via SetDouble.
func (a *Attributes) GetDouble(key AttrKey) (float64, bool) {
	bits, ok := a.GetU64(key)
	if !ok {
		return 0, false
	}
	return math.Float64frombits(bits), true
}

// SetVariable stores a variable attribute under a well-known string key
// (AttrVary, AttrHeaders, or a caller-defined one). A variable attribute
// may be set only once; re-setting it with a different length returns
// ErrAttrLengthChanged, matching the "set once, equal-length overwrite
// only" rule the header chunk's reserve enforces. Setting past the
// configured reserve returns ErrAttrReserveFull.
func (a *Attributes) SetVariable(key string, val []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if existing, ok := a.variable[key]; ok {
		if len(existing) != len(val) {
			return ErrAttrLengthChanged
		}
		a.variable[key] = val
		return nil
	}
	if a.variableReserve > 0 && a.variableUsed+len(val) > a.variableReserve {
		return ErrAttrReserveFull
	}
	a.variable[key] = val
	a.variableUsed += len(val)
	return nil
}

// GetVariable returns a variable attribute and whether it is present.
func (a *Attributes) GetVariable(key string) ([]byte, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	v, ok := a.variable[key]
	return v, ok
}

// SetAux stores an auxiliary attribute (cheap to omit, e.g. a stevedore
// private blob); unlike variable attributes these are not copied when
// an object is re-homed between stevedores.
func (a *Attributes) SetAux(key string, val []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.aux[key] = val
}

// GetAux returns an auxiliary attribute and whether it is present.
func (a *Attributes) GetAux(key string) ([]byte, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	v, ok := a.aux[key]
	return v, ok
}

// MarshalFixedUint64 encodes a uint64 fixed attribute in big-endian, the
// wire order used by the persistent silo so a silo built on one
// architecture can be mapped and read correctly on another.
func MarshalFixedUint64(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

// UnmarshalFixedUint64 decodes a big-endian uint64 fixed attribute. ok
// is false if b is short.
func UnmarshalFixedUint64(b []byte) (uint64, bool) {
	if len(b) < 8 {
		return 0, false
	}
	return binary.BigEndian.Uint64(b), true
}

// ObjHasAttr reports whether oc carries a fixed attribute, consulting
// oa_present first and falling back to the bound stevedore's GetAttr
// for resurrected persistent objects whose in-memory present bit was
// never populated.
func ObjHasAttr(oc *ObjCore, key AttrKey) bool {
	if oc.Attrs.Has(key) {
		return true
	}
	st := oc.Stevedore()
	if st == nil {
		return false
	}
	_, ok := st.GetAttr(fixedAttrName[key])
	return ok
}

// ObjCopyAttr copies a fixed attribute from src to dst. Returns
// ErrAttrNotPresent if src has no value for key.
func ObjCopyAttr(dst, src *ObjCore, key AttrKey) error {
	return src.Attrs.Copy(dst.Attrs, key)
}
