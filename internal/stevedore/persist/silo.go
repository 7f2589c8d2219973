package persist

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/varnishcache/cachecore/internal/constants"
)

// Config parameters a silo is created or opened with, the persistent
// counterpart of cachecore.Params: a plain struct with a
// DefaultConfig constructor, since nothing in the retrieval pack
// reaches for a config-file library for a component this narrow.
type Config struct {
	Path                string
	MediaSize           uint64
	Granularity         uint32
	AimSegLen           uint64
	FreeReserveSegments int
	HousekeepingInterval time.Duration
	BanSlotCapacity     uint64
	SegSlotCapacity     uint64
}

// DefaultConfig fills in the silo tunables the teacher's
// DefaultParams-style constructors always provide: segment aim size,
// free-space reserve, and housekeeping cadence.
func DefaultConfig(path string, mediaSize uint64) Config {
	return Config{
		Path:                 path,
		MediaSize:            mediaSize,
		Granularity:          4096,
		AimSegLen:            mediaSize / 8,
		FreeReserveSegments:  constants.FreeReserveSegments,
		HousekeepingInterval: constants.HousekeepingInterval,
		BanSlotCapacity:      1 << 20,
		SegSlotCapacity:      1 << 20,
	}
}

// region is a fixed byte range within the mapped silo file.
type region struct {
	offset uint64
	length uint64
}

// segment is one entry in the silo's segment ring: a contiguous span
// of the SPC region holding object bodies (growing up from the
// bottom) and their index (growing down from the top), mirroring the
// original's smp_seg geometry.
type segment struct {
	off, length uint64
	bottom      uint64 // bytes consumed by bodies, from the segment base
	top         uint64 // bytes consumed by the index, from the segment end
	nalloc      int
	nobj        int
	objects     map[[32]byte]objRecord
}

type objRecord struct {
	bodyOff uint64
	length  uint64
	ttl     float64
	ban     float64
}

func (s *segment) bodyCapacity() uint64 {
	overhead := uint64(2 * SignSpace)
	if s.length <= overhead {
		return 0
	}
	return s.length - overhead - s.top
}

// ErrNoSpace means the silo has no segment able to hold a new object
// and no further segment can be opened within the free-space reserve.
var ErrNoSpace = errors.New("persist: silo out of segment space")

// Silo is a persistent stevedore instance mapped to one backing file.
type Silo struct {
	cfg    Config
	file   *os.File
	mapped []byte
	unique uint32

	identRegion region
	banSlots    [2]region
	segSlots    [2]region
	spcBase     uint64
	spcEnd      uint64

	mu         sync.Mutex
	banJournal []byte
	segments   []*segment // ring order, oldest first
	current    *segment

	closeCh chan struct{}
	wg      sync.WaitGroup
}

func layout(cfg Config) (ident, ban1, ban2, seg1, seg2 region, spcBase uint64) {
	ident = region{offset: 0, length: uint64(SignSpace + identSize)}
	ban1 = region{offset: ident.offset + ident.length, length: SignSpace + cfg.BanSlotCapacity}
	ban2 = region{offset: ban1.offset + ban1.length, length: ban1.length}
	seg1 = region{offset: ban2.offset + ban2.length, length: SignSpace + cfg.SegSlotCapacity}
	seg2 = region{offset: seg1.offset + seg1.length, length: seg1.length}
	spcBase = seg2.offset + seg2.length
	return
}

// CreateSilo creates and initializes a brand new silo file: writes the
// ident block, empty ban journal, and empty segment table, each
// wrapped in a signed block per the double-buffering rule.
func CreateSilo(cfg Config) (*Silo, error) {
	f, err := os.OpenFile(cfg.Path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, err
	}
	if err := f.Truncate(int64(cfg.MediaSize)); err != nil {
		f.Close()
		return nil, err
	}

	identRegion, ban1, ban2, seg1, seg2, spcBase := layout(cfg)
	unique := uuid.New().ID()

	s := &Silo{
		cfg:         cfg,
		file:        f,
		unique:      unique,
		identRegion: identRegion,
		banSlots:    [2]region{ban1, ban2},
		segSlots:    [2]region{seg1, seg2},
		spcBase:     spcBase,
		spcEnd:      cfg.MediaSize,
		closeCh:     make(chan struct{}),
	}

	mapping, err := unix.Mmap(int(f.Fd()), 0, int(cfg.MediaSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, err
	}
	s.mapped = mapping

	id := NewIdent(unique, cfg.MediaSize, cfg.Granularity)
	id.Stuff[stuffBan1] = ban1.offset
	id.Stuff[stuffBan2] = ban2.offset
	id.Stuff[stuffSeg1] = seg1.offset
	id.Stuff[stuffSeg2] = seg2.offset
	id.Stuff[stuffSpc] = spcBase
	id.Stuff[stuffEnd] = cfg.MediaSize

	s.writeSigned(identRegion, "IDENT", id.Marshal())
	s.banJournal = nil
	s.writeBanSlots()
	s.writeSegSlots()
	if err := s.sync(); err != nil {
		return nil, err
	}

	s.startHousekeeping()
	return s, nil
}

// OpenSilo opens an existing silo, validating its identification block
// and recovering the ban journal and segment ring via the
// dual-signed-slot rule: slot 1 is tried first, slot 2 second, and
// whichever is valid repairs the other.
func OpenSilo(cfg Config) (*Silo, error) {
	f, err := os.OpenFile(cfg.Path, os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	mediaSize := uint64(fi.Size())

	mapping, err := unix.Mmap(int(f.Fd()), 0, int(mediaSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, err
	}

	identRegion := region{offset: 0, length: uint64(SignSpace + identSize)}
	_, _, _, payload, err := VerifySign(mapping[identRegion.offset : identRegion.offset+identRegion.length])
	if err != nil {
		unix.Munmap(mapping)
		f.Close()
		return nil, err
	}
	id, err := UnmarshalIdent(payload)
	if err != nil {
		unix.Munmap(mapping)
		f.Close()
		return nil, err
	}

	s := &Silo{
		cfg:         cfg,
		file:        f,
		mapped:      mapping,
		unique:      id.Unique,
		identRegion: identRegion,
		banSlots: [2]region{
			{offset: id.Stuff[stuffBan1], length: SignSpace + cfg.BanSlotCapacity},
			{offset: id.Stuff[stuffBan2], length: SignSpace + cfg.BanSlotCapacity},
		},
		segSlots: [2]region{
			{offset: id.Stuff[stuffSeg1], length: SignSpace + cfg.SegSlotCapacity},
			{offset: id.Stuff[stuffSeg2], length: SignSpace + cfg.SegSlotCapacity},
		},
		spcBase: id.Stuff[stuffSpc],
		spcEnd:  id.Stuff[stuffEnd],
		closeCh: make(chan struct{}),
	}

	if err := s.recoverBans(); err != nil {
		unix.Munmap(mapping)
		f.Close()
		return nil, err
	}
	if err := s.recoverSegments(); err != nil {
		unix.Munmap(mapping)
		f.Close()
		return nil, err
	}

	s.startHousekeeping()
	return s, nil
}

// recoverBans reads the ban journal from whichever slot validates,
// repairing the other slot in place if only one is good.
func (s *Silo) recoverBans() error {
	data0, ok0 := s.readSigned(s.banSlots[0])
	data1, ok1 := s.readSigned(s.banSlots[1])
	switch {
	case ok0 && ok1:
		s.banJournal = data0
	case ok0 && !ok1:
		s.banJournal = data0
		s.writeSlot(s.banSlots[1], "BAN2", data0)
	case !ok0 && ok1:
		s.banJournal = data1
		s.writeSlot(s.banSlots[0], "BAN1", data1)
	default:
		return errors.New("persist: both ban journal slots corrupt")
	}
	return nil
}

// recoverSegments reads the segment table from whichever slot
// validates and rebuilds the in-memory ring, applying the
// free-reserve recovery discipline: if the gap between the last used
// segment and the next write point is short of the reserve, the
// oldest segments are dropped until it is not.
func (s *Silo) recoverSegments() error {
	data0, ok0 := s.readSigned(s.segSlots[0])
	data1, ok1 := s.readSigned(s.segSlots[1])
	var table []SegPtr
	var err error
	switch {
	case ok0 && ok1:
		table, err = unmarshalSegTable(data0)
	case ok0 && !ok1:
		table, err = unmarshalSegTable(data0)
		if err == nil {
			s.writeSlot(s.segSlots[1], "SEG2", data0)
		}
	case !ok0 && ok1:
		table, err = unmarshalSegTable(data1)
		if err == nil {
			s.writeSlot(s.segSlots[0], "SEG1", data1)
		}
	default:
		return errors.New("persist: both segment table slots corrupt")
	}
	if err != nil {
		return err
	}

	for _, p := range table {
		seg := &segment{off: p.Offset, length: p.Length}
		s.loadSegmentObjects(seg)
		s.segments = append(s.segments, seg)
	}

	reserve := uint64(s.cfg.FreeReserveSegments) * s.cfg.AimSegLen
	for s.gapToHead() < reserve && len(s.segments) > 0 {
		s.segments = s.segments[1:]
	}
	return nil
}

// gapToHead is the free space between the end of the last segment in
// the ring and the start of the silo's SPC region (or the first
// segment, if the ring wraps), used to decide whether the free
// reserve is satisfied.
func (s *Silo) gapToHead() uint64 {
	if len(s.segments) == 0 {
		return s.spcEnd - s.spcBase
	}
	last := s.segments[len(s.segments)-1]
	tail := last.off + last.length
	if tail >= s.spcEnd {
		return s.segments[0].off - s.spcBase
	}
	return s.spcEnd - tail
}

// loadSegmentObjects walks a recovered segment's index in reverse,
// skipping objects whose stored expiry has already passed, and
// reconstructs the nalloc/nobj counters for surviving entries. Bodies
// are not read back here; a consistency check against their recorded
// length happens lazily, the first time the object is fetched.
func (s *Silo) loadSegmentObjects(seg *segment) {
	seg.objects = make(map[[32]byte]objRecord)
	idxStart := seg.off + seg.length - uint64(SignSpace)
	for off := idxStart; off > seg.off+uint64(SignSpace)+objectSize; off -= objectSize {
		raw := s.mapped[off-objectSize : off]
		obj, err := UnmarshalObject(raw)
		if err != nil {
			continue
		}
		if obj.Length == 0 {
			continue
		}
		if isExpired(obj.TTL) {
			continue
		}
		seg.objects[obj.Hash] = objRecord{bodyOff: obj.BodyOff, length: obj.Length, ttl: obj.TTL, ban: obj.Ban}
		seg.nalloc++
		seg.nobj++
		seg.top += objectSize
		seg.bottom += obj.Length
	}
}

// isExpired reports whether an absolute expiry time has passed.
// Negative values encode a grace period rather than an expiry and are
// never treated as expired here.
func isExpired(ttl float64) bool {
	if ttl < 0 {
		return false
	}
	return ttl < float64(time.Now().Unix())
}

func unmarshalSegTable(b []byte) ([]SegPtr, error) {
	if len(b) < 4 {
		return nil, errors.New("persist: short segment table")
	}
	n := binary.BigEndian.Uint32(b[:4])
	out := make([]SegPtr, 0, n)
	off := 4
	for i := uint32(0); i < n; i++ {
		if off+int(segPtrSize) > len(b) {
			return nil, errors.New("persist: truncated segment table")
		}
		p, err := UnmarshalSegPtr(b[off : off+int(segPtrSize)])
		if err != nil {
			return nil, err
		}
		out = append(out, p)
		off += int(segPtrSize)
	}
	return out, nil
}

func marshalSegTable(segs []*segment) []byte {
	b := make([]byte, 4, 4+len(segs)*int(segPtrSize))
	binary.BigEndian.PutUint32(b[:4], uint32(len(segs)))
	for _, seg := range segs {
		b = append(b, SegPtr{Offset: seg.off, Length: seg.length}.Marshal()...)
	}
	return b
}

func (s *Silo) writeSigned(r region, tag string, payload []byte) {
	block := SignBlock(tag, s.unique, r.offset, payload)
	copy(s.mapped[r.offset:r.offset+r.length], block)
}

func (s *Silo) writeSlot(r region, tag string, payload []byte) {
	s.writeSigned(r, tag, payload)
}

func (s *Silo) readSigned(r region) ([]byte, bool) {
	_, _, _, payload, err := VerifySign(s.mapped[r.offset : r.offset+r.length])
	if err != nil {
		return nil, false
	}
	return payload, true
}

// writeBanSlots commits the in-memory ban journal to both slots,
// slot 1 first then slot 2, syncing between them so a crash leaves at
// most one slot in a torn state.
func (s *Silo) writeBanSlots() {
	s.writeSlot(s.banSlots[0], "BAN1", s.banJournal)
	unix.Msync(s.sliceFor(s.banSlots[0]), unix.MS_SYNC)
	s.writeSlot(s.banSlots[1], "BAN2", s.banJournal)
	unix.Msync(s.sliceFor(s.banSlots[1]), unix.MS_SYNC)
}

func (s *Silo) writeSegSlots() {
	table := marshalSegTable(s.segments)
	s.writeSlot(s.segSlots[0], "SEG1", table)
	unix.Msync(s.sliceFor(s.segSlots[0]), unix.MS_SYNC)
	s.writeSlot(s.segSlots[1], "SEG2", table)
	unix.Msync(s.sliceFor(s.segSlots[1]), unix.MS_SYNC)
}

func (s *Silo) sliceFor(r region) []byte {
	return s.mapped[r.offset : r.offset+r.length]
}

func (s *Silo) sync() error {
	return unix.Msync(s.mapped, unix.MS_SYNC)
}

// BanAppend appends a new ban record to the journal (BI_NEW), written
// to both signed slots. The hash folding the original performs
// incrementally is approximated here by re-signing the full journal
// on every append, which is observably equivalent (same bytes, same
// digest) at the cost of re-hashing bytes already hashed before.
func (s *Silo) BanAppend(rec []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if uint64(len(s.banJournal)+len(rec)) > s.cfg.BanSlotCapacity {
		return errors.New("persist: ban journal full")
	}
	s.banJournal = append(s.banJournal, rec...)
	s.writeBanSlots()
	return nil
}

// BanExport bulk-replaces the ban journal with a fresh, already
// lurker-compacted set of records, used after ban-list compaction
// instead of the incremental append path.
func (s *Silo) BanExport(records []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if uint64(len(records)) > s.cfg.BanSlotCapacity {
		return errors.New("persist: ban export exceeds slot capacity")
	}
	s.banJournal = append([]byte(nil), records...)
	s.writeBanSlots()
	return nil
}

// BanJournal returns a copy of the current ban journal bytes.
func (s *Silo) BanJournal() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.banJournal...)
}

// openSegment opens a new current segment at the end of the ring,
// dropping oldest segments from the front if the free-space reserve
// would otherwise be violated, per the recovery/allocation discipline.
func (s *Silo) openSegment() error {
	reserve := uint64(s.cfg.FreeReserveSegments) * s.cfg.AimSegLen
	for s.gapToHead() < reserve+s.cfg.AimSegLen && len(s.segments) > 0 {
		s.segments = s.segments[1:]
	}

	var off uint64
	if len(s.segments) == 0 {
		off = s.spcBase
	} else {
		last := s.segments[len(s.segments)-1]
		off = last.off + last.length
	}
	if off+s.cfg.AimSegLen > s.spcEnd {
		if len(s.segments) == 0 {
			return ErrNoSpace
		}
		off = s.spcBase
	}

	seg := &segment{off: off, length: s.cfg.AimSegLen, objects: make(map[[32]byte]objRecord)}
	s.segments = append(s.segments, seg)
	s.current = seg
	return nil
}

// closeSegment finalizes the current segment: an empty segment is
// deleted outright, otherwise its object index is flushed and the
// segment table is rewritten to both slots.
func (s *Silo) closeSegment() {
	if s.current == nil {
		return
	}
	if s.current.nalloc == 0 {
		s.removeSegment(s.current)
	} else {
		s.flushSegmentIndex(s.current)
	}
	s.current = nil
	s.writeSegSlots()
}

func (s *Silo) removeSegment(target *segment) {
	out := s.segments[:0]
	for _, seg := range s.segments {
		if seg != target {
			out = append(out, seg)
		}
	}
	s.segments = out
}

func (s *Silo) flushSegmentIndex(seg *segment) {
	idxEnd := seg.off + seg.length - uint64(SignSpace)
	off := idxEnd
	hashes := make([][32]byte, 0, len(seg.objects))
	for h := range seg.objects {
		hashes = append(hashes, h)
	}
	sort.Slice(hashes, func(i, j int) bool { return string(hashes[i][:]) < string(hashes[j][:]) })
	for _, h := range hashes {
		rec := seg.objects[h]
		off -= objectSize
		obj := Object{Hash: h, TTL: rec.ttl, Ban: rec.ban, BodyOff: rec.bodyOff, Length: rec.length}
		copy(s.mapped[off:off+objectSize], obj.Marshal())
	}
}

// allocateBody reserves n bytes from the current segment's bottom-up
// body region, opening a new segment if the current one (or none)
// cannot hold it.
func (s *Silo) allocateBody(n uint64) (off uint64, seg *segment, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current == nil || s.current.bottom+n > s.current.bodyCapacity() {
		if s.current != nil {
			s.closeSegment()
		}
		if err := s.openSegment(); err != nil {
			return 0, nil, err
		}
	}
	seg = s.current
	off = seg.off + seg.bottom
	seg.bottom += n
	return off, seg, nil
}

// commitObject records a completed object's index entry against its
// owning segment, called once the object's body has been fully
// written and the caller is ready to make it durable.
func (s *Silo) commitObject(seg *segment, hash [32]byte, bodyOff, length uint64, ttl, ban float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seg.objects[hash] = objRecord{bodyOff: bodyOff, length: length, ttl: ttl, ban: ban}
	seg.nalloc++
	seg.nobj++
	seg.top += objectSize
}

// startHousekeeping launches the periodic maintenance goroutine: every
// HousekeepingInterval it drops the oldest non-current segment once
// its object count reaches zero, rewriting the segment table so the
// space is reclaimed for new segments.
func (s *Silo) startHousekeeping() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.cfg.HousekeepingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-s.closeCh:
				return
			case <-ticker.C:
				s.houseKeep()
			}
		}
	}()
}

func (s *Silo) houseKeep() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.segments) == 0 {
		return
	}
	oldest := s.segments[0]
	if oldest == s.current {
		return
	}
	if oldest.nobj != 0 {
		return
	}
	s.removeSegment(oldest)
	s.writeSegSlots()
}

// Close drains the housekeeping goroutine, closes the current
// segment, writes the final segment and ban tables, and unmaps the
// silo file.
func (s *Silo) Close() error {
	close(s.closeCh)
	s.wg.Wait()

	s.mu.Lock()
	s.closeSegment()
	s.mu.Unlock()

	if err := s.sync(); err != nil {
		return err
	}
	if err := unix.Munmap(s.mapped); err != nil {
		return err
	}
	return s.file.Close()
}

// Name satisfies stevedore.Stevedore.
func (s *Silo) Name() string { return "persistent" }

func hashKey(key string) [32]byte {
	return sha256.Sum256([]byte(key))
}
