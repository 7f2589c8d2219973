// Package filestore implements the file stevedore: a single mmap'd
// file partitioned into free-list buckets indexed by size, with
// best-fit allocation, split-on-allocate and merge-on-free. This is
// the storage engine used when the cache is sized larger than
// comfortably fits in the Go heap but a full persistent silo (with its
// segment ring and crash recovery) is more machinery than the workload
// needs.
package filestore

import (
	"errors"
	"os"
	"sort"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/varnishcache/cachecore/internal/constants"
	"github.com/varnishcache/cachecore/internal/interfaces"
)

// ErrTooSmall is returned by New when the requested size is below the
// minimum usable size (MinPages × pagesize), matching the original's
// "startup aborts" behavior as a returned error instead of a process
// exit.
var ErrTooSmall = errors.New("filestore: requested size below minimum usable size")

// ErrAllocFailed is returned when no bucket can satisfy an allocation.
var ErrAllocFailed = errors.New("filestore: no free chunk large enough")

const pageSize = 4096

// bucketFor maps a page count to its free-list bucket, saturating at
// NBucket-1 exactly as the original's "min(sz/pagesize, NBUCKET-1)".
func bucketFor(pages uint64) int {
	if pages >= constants.NBucket {
		return constants.NBucket - 1
	}
	return int(pages)
}

// freeChunk is one free extent, tracked both by its owning bucket and
// in address order for merge checks.
type freeChunk struct {
	offset uint64
	pages  uint64
}

// Store is a single mmap'd file carved into allocatable extents.
type Store struct {
	name string
	file *os.File

	mu      sync.Mutex
	mapping []byte
	size    uint64

	buckets [][]*freeChunk // indexed 0..NBucket-1
	byAddr  []*freeChunk   // all free chunks, sorted by offset

	segCount   uint64 // g_smf
	fragCount  uint64 // g_smf_frag: allocations served from a non-last bucket
	largeCount uint64 // g_smf_large: allocations served from the last bucket
}

// New opens (creating if needed) a file-backed store of at least the
// requested size, rounded up to the page granularity, and mmaps it
// MAP_SHARED. Minimum usable size is MinPages × pagesize.
func New(name, path string, size uint64) (*Store, error) {
	minSize := uint64(constants.MinPages) * pageSize
	if size < minSize {
		return nil, ErrTooSmall
	}
	size = roundUp(size, pageSize)

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, err
	}
	if err := f.Truncate(int64(size)); err != nil {
		f.Close()
		return nil, err
	}

	mapping, err := mmapWithFallback(f, size)
	if err != nil {
		f.Close()
		return nil, err
	}

	unix.Madvise(mapping, unix.MADV_NORMAL)

	s := &Store{
		name:    name,
		file:    f,
		mapping: mapping,
		size:    size,
		buckets: make([][]*freeChunk, constants.NBucket),
	}
	s.addFree(&freeChunk{offset: 0, pages: size / pageSize})
	return s, nil
}

// mmapWithFallback mmaps the file, recursively halving the requested
// window on failure until it succeeds or drops below the minimum
// usable size, matching the original's power-of-two fallback carve.
func mmapWithFallback(f *os.File, size uint64) ([]byte, error) {
	minSize := uint64(constants.MinPages) * pageSize
	for try := size; try >= minSize; try /= 2 {
		m, err := unix.Mmap(int(f.Fd()), 0, int(try), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
		if err == nil {
			return m, nil
		}
	}
	return nil, errors.New("filestore: mmap failed even at minimum window size")
}

func roundUp(n, granularity uint64) uint64 {
	if n%granularity == 0 {
		return n
	}
	return (n/granularity + 1) * granularity
}

func (s *Store) Name() string { return s.name }

// addFree inserts a free chunk into its bucket and the address-ordered
// index, attempting to merge with neighbors first.
func (s *Store) addFree(c *freeChunk) {
	s.mergeAndInsert(c)
}

func (s *Store) mergeAndInsert(c *freeChunk) {
	idx := sort.Search(len(s.byAddr), func(i int) bool { return s.byAddr[i].offset >= c.offset })

	if idx < len(s.byAddr) && s.byAddr[idx].offset == c.offset+c.pages*pageSize {
		next := s.byAddr[idx]
		s.removeFromBucket(next)
		s.byAddr = append(s.byAddr[:idx], s.byAddr[idx+1:]...)
		c.pages += next.pages
	}
	if idx > 0 && s.byAddr[idx-1].offset+s.byAddr[idx-1].pages*pageSize == c.offset {
		prev := s.byAddr[idx-1]
		s.removeFromBucket(prev)
		s.byAddr = append(s.byAddr[:idx-1], s.byAddr[idx:]...)
		c.offset = prev.offset
		c.pages += prev.pages
		idx--
	}

	s.byAddr = append(s.byAddr, nil)
	copy(s.byAddr[idx+1:], s.byAddr[idx:])
	s.byAddr[idx] = c

	b := bucketFor(c.pages)
	s.buckets[b] = append(s.buckets[b], c)
}

func (s *Store) removeFromBucket(c *freeChunk) {
	b := bucketFor(c.pages)
	list := s.buckets[b]
	for i, e := range list {
		if e == c {
			s.buckets[b] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

func (s *Store) removeFromAddr(c *freeChunk) {
	for i, e := range s.byAddr {
		if e == c {
			s.byAddr = append(s.byAddr[:i], s.byAddr[i+1:]...)
			return
		}
	}
}

// alloc reserves sz bytes (rounded up to pagesize), returning the byte
// offset of the start of the reservation. Bucket scan: if the target
// bucket is below the last one, take the head of the first non-empty
// bucket at or above it; otherwise scan the last bucket linearly for
// the first big-enough entry. A chunk larger than needed is split and
// the residual returned to its bucket.
func (s *Store) alloc(sz uint64) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pages := roundUp(sz, pageSize) / pageSize
	b := bucketFor(pages)

	var found *freeChunk
	if b < constants.NBucket-1 {
		for i := b; i < constants.NBucket-1 && found == nil; i++ {
			if len(s.buckets[i]) > 0 {
				found = s.buckets[i][0]
			}
		}
		if found == nil {
			found = s.firstFit(s.buckets[constants.NBucket-1], pages)
		}
	} else {
		found = s.firstFit(s.buckets[constants.NBucket-1], pages)
	}
	if found == nil {
		return 0, ErrAllocFailed
	}

	s.removeFromBucket(found)
	s.removeFromAddr(found)

	off := found.offset
	if found.pages > pages {
		residual := &freeChunk{offset: found.offset + pages*pageSize, pages: found.pages - pages}
		s.mergeAndInsert(residual)
	}

	s.segCount++
	if b < constants.NBucket-1 {
		s.fragCount++
	} else {
		s.largeCount++
	}
	return off, nil
}

func (s *Store) firstFit(bucket []*freeChunk, pages uint64) *freeChunk {
	for _, c := range bucket {
		if c.pages >= pages {
			return c
		}
	}
	return nil
}

func (s *Store) free(off, pages uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addFree(&freeChunk{offset: off, pages: pages})
	if s.segCount > 0 {
		s.segCount--
	}
}

// Counters reports the original's g_smf/g_smf_frag/g_smf_large triple.
type Counters struct {
	Segments    uint64
	FragAllocs  uint64
	LargeAllocs uint64
}

func (s *Store) Counters() Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Counters{Segments: s.segCount, FragAllocs: s.fragCount, LargeAllocs: s.largeCount}
}

// Close unmaps the file and closes the descriptor.
func (s *Store) Close() error {
	s.mu.Lock()
	mapping := s.mapping
	s.mapping = nil
	s.mu.Unlock()
	if mapping != nil {
		if err := unix.Munmap(mapping); err != nil {
			return err
		}
	}
	return s.file.Close()
}

var _ interfaces.DiscardStevedore = (*Object)(nil)
