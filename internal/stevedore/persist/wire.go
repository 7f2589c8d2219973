// Package persist implements the persistent silo: a stevedore that
// keeps an object's body and index in a single backing file so the
// cache survives a restart. The on-disk layout is a direct port of the
// silo geometry described in the retrieval pack's original_source
// (struct smp_ident / smp_sign / smp_segptr / smp_object), re-expressed
// as explicit big-endian marshal/unmarshal functions instead of C
// struct overlays, since Go has no portable equivalent of mapping a
// struct directly onto a byte range.
package persist

import (
	"encoding/binary"
	"errors"
	"math"
)

func float64bits(f float64) uint64     { return math.Float64bits(f) }
func float64frombits(u uint64) float64 { return math.Float64frombits(u) }

// identMagic is the human-readable identification string stamped into
// every silo so people and programs can tell what a file or device
// contains, exactly as the original's SMP_IDENT_STRING.
const identMagic = "Varnish Persistent Storage Silo"

// byteOrderSentinel detects a silo mapped with the wrong endianness:
// stored as 0x12345678, a mismatch on read means the bytes were
// produced on a different-endian host.
const byteOrderSentinel uint32 = 0x12345678

const identVersion = 1

// stuff[] slot indices, carried byte-for-byte from persistent.h even
// though the distilled design only describes them in prose.
const (
	stuffBan1 = 0
	stuffBan2 = 1
	stuffSeg1 = 2
	stuffSeg2 = 3
	stuffSpc  = 4
	stuffEnd  = 5
)

// identSize is the encoded size of Ident: ident[32] + byte_order +
// size + major + minor + unique + mediasize + granularity + stuff[6].
const identSize = 32 + 4 + 4 + 4 + 4 + 4 + 8 + 4 + 6*8

// signSize is the encoded size of a Sign header: ident[8] + unique +
// mapped + length.
const signSize = 8 + 4 + 8 + 8

// shaLen is the length of the trailing SHA-256 digest appended after
// every signed block.
const shaLen = 32

// SignSpace is the total on-disk overhead of one signed block: header
// plus trailing digest.
const SignSpace = signSize + shaLen

// segPtrSize is the encoded size of one SegPtr (offset + length).
const segPtrSize = 8 + 8

// Ident is the silo's identification block, written once at creation
// time in the first sector and never modified afterward.
type Ident struct {
	Ident        [32]byte
	ByteOrder    uint32
	Size         uint32
	MajorVersion uint32
	MinorVersion uint32
	Unique       uint32
	MediaSize    uint64
	Granularity  uint32
	Stuff        [6]uint64
}

// NewIdent builds an Ident for a freshly created silo of the given
// media size and granularity, with a caller-supplied unique value
// (grounded on google/uuid in the caller, not here, to keep this
// package free of identity-generation policy).
func NewIdent(unique uint32, mediaSize uint64, granularity uint32) Ident {
	var id Ident
	copy(id.Ident[:], identMagic)
	id.ByteOrder = byteOrderSentinel
	id.Size = identSize
	id.MajorVersion = identVersion
	id.MinorVersion = 0
	id.Unique = unique
	id.MediaSize = mediaSize
	id.Granularity = granularity
	return id
}

// Marshal encodes id in the silo's fixed big-endian wire format.
func (id Ident) Marshal() []byte {
	b := make([]byte, identSize)
	copy(b[0:32], id.Ident[:])
	binary.BigEndian.PutUint32(b[32:36], id.ByteOrder)
	binary.BigEndian.PutUint32(b[36:40], id.Size)
	binary.BigEndian.PutUint32(b[40:44], id.MajorVersion)
	binary.BigEndian.PutUint32(b[44:48], id.MinorVersion)
	binary.BigEndian.PutUint32(b[48:52], id.Unique)
	binary.BigEndian.PutUint64(b[52:60], id.MediaSize)
	binary.BigEndian.PutUint32(b[60:64], id.Granularity)
	for i, v := range id.Stuff {
		off := 64 + i*8
		binary.BigEndian.PutUint64(b[off:off+8], v)
	}
	return b
}

// ErrBadIdent is returned by UnmarshalIdent when the buffer is too
// short or the byte-order sentinel does not match, meaning the silo
// was produced on a different-endian host or is not a silo at all.
var ErrBadIdent = errors.New("persist: bad silo identification block")

// UnmarshalIdent decodes an Ident from its wire format.
func UnmarshalIdent(b []byte) (Ident, error) {
	var id Ident
	if len(b) < identSize {
		return id, ErrBadIdent
	}
	copy(id.Ident[:], b[0:32])
	id.ByteOrder = binary.BigEndian.Uint32(b[32:36])
	if id.ByteOrder != byteOrderSentinel {
		return id, ErrBadIdent
	}
	id.Size = binary.BigEndian.Uint32(b[36:40])
	id.MajorVersion = binary.BigEndian.Uint32(b[40:44])
	id.MinorVersion = binary.BigEndian.Uint32(b[44:48])
	id.Unique = binary.BigEndian.Uint32(b[48:52])
	id.MediaSize = binary.BigEndian.Uint64(b[52:60])
	id.Granularity = binary.BigEndian.Uint32(b[60:64])
	for i := range id.Stuff {
		off := 64 + i*8
		id.Stuff[i] = binary.BigEndian.Uint64(b[off : off+8])
	}
	return id, nil
}

// SegPtr points to one segment's location and length within the silo.
type SegPtr struct {
	Offset uint64
	Length uint64
}

// Marshal encodes a SegPtr in big-endian.
func (p SegPtr) Marshal() []byte {
	b := make([]byte, segPtrSize)
	binary.BigEndian.PutUint64(b[0:8], p.Offset)
	binary.BigEndian.PutUint64(b[8:16], p.Length)
	return b
}

// UnmarshalSegPtr decodes a SegPtr from its wire format.
func UnmarshalSegPtr(b []byte) (SegPtr, error) {
	var p SegPtr
	if len(b) < segPtrSize {
		return p, errors.New("persist: short segptr buffer")
	}
	p.Offset = binary.BigEndian.Uint64(b[0:8])
	p.Length = binary.BigEndian.Uint64(b[8:16])
	return p, nil
}

// objectSize is the encoded size of one Object index entry: hash[32] +
// ttl (float64) + ban (float64) + handle index/gen + body offset +
// length.
const objectSize = 32 + 8 + 8 + 8 + 8 + 8

// Object is one entry in a segment's object index: the original's
// smp_object with `struct object *ptr` replaced by a persist.Handle (a
// (segment, slot) pair resolved through the handle table instead of a
// raw pointer, since nothing in this silo format survives a process
// restart as a live pointer anyway).
type Object struct {
	Hash    [32]byte
	TTL     float64
	Ban     float64
	Handle  uint64 // opaque handle.Handle-equivalent, encoded as two uint32 halves
	BodyOff uint64 // absolute silo offset of the object's body
	Length  uint64
}

// Marshal encodes an Object in big-endian.
func (o Object) Marshal() []byte {
	b := make([]byte, objectSize)
	copy(b[0:32], o.Hash[:])
	binary.BigEndian.PutUint64(b[32:40], float64bits(o.TTL))
	binary.BigEndian.PutUint64(b[40:48], float64bits(o.Ban))
	binary.BigEndian.PutUint64(b[48:56], o.Handle)
	binary.BigEndian.PutUint64(b[56:64], o.BodyOff)
	binary.BigEndian.PutUint64(b[64:72], o.Length)
	return b
}

// UnmarshalObject decodes an Object from its wire format.
func UnmarshalObject(b []byte) (Object, error) {
	var o Object
	if len(b) < objectSize {
		return o, errors.New("persist: short object buffer")
	}
	copy(o.Hash[:], b[0:32])
	o.TTL = float64frombits(binary.BigEndian.Uint64(b[32:40]))
	o.Ban = float64frombits(binary.BigEndian.Uint64(b[40:48]))
	o.Handle = binary.BigEndian.Uint64(b[48:56])
	o.BodyOff = binary.BigEndian.Uint64(b[56:64])
	o.Length = binary.BigEndian.Uint64(b[64:72])
	return o, nil
}
