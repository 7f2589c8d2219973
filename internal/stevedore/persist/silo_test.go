package persist

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) Config {
	return Config{
		Path:                 filepath.Join(t.TempDir(), "silo.dat"),
		MediaSize:            2 << 20,
		Granularity:          4096,
		AimSegLen:            64 << 10,
		FreeReserveSegments:  1,
		HousekeepingInterval: 20 * time.Millisecond,
		BanSlotCapacity:      4096,
		SegSlotCapacity:      4096,
	}
}

func TestCreateWriteReadRoundTrip(t *testing.T) {
	cfg := testConfig(t)
	silo, err := CreateSilo(cfg)
	require.NoError(t, err)

	obj := silo.NewObject("hash-1")
	buf, err := obj.GetSpace(5)
	require.NoError(t, err)
	copy(buf, []byte("hello"))
	require.NoError(t, obj.Extend(5))
	require.NoError(t, obj.TrimStore())

	require.Equal(t, "hello", string(obj.Bytes()))
	require.NoError(t, silo.Close())
}

func TestSiloSurvivesCloseAndReopen(t *testing.T) {
	cfg := testConfig(t)
	silo, err := CreateSilo(cfg)
	require.NoError(t, err)

	obj := silo.NewObject("hash-2")
	obj.ttl = float64(time.Now().Add(time.Hour).Unix()) // unexpired, so reopen loads it
	buf, _ := obj.GetSpace(7)
	copy(buf, []byte("payload"))
	require.NoError(t, obj.Extend(7))
	require.NoError(t, obj.TrimStore())
	require.NoError(t, silo.Close())

	reopened, err := OpenSilo(cfg)
	require.NoError(t, err)
	defer reopened.Close()

	require.Len(t, reopened.segments, 1)
	seg := reopened.segments[0]
	require.Equal(t, 1, seg.nobj)

	hash := hashKey("hash-2")
	rec, ok := seg.objects[hash]
	require.True(t, ok)
	require.Equal(t, "payload", string(reopened.mapped[rec.bodyOff:rec.bodyOff+rec.length]))
}

func TestBanAppendAndExportRoundTrip(t *testing.T) {
	cfg := testConfig(t)
	silo, err := CreateSilo(cfg)
	require.NoError(t, err)
	defer silo.Close()

	require.NoError(t, silo.BanAppend(EncodeBanRecord(999, []byte("req.url ~ /a"))))
	require.NoError(t, silo.BanAppend(EncodeBanRecord(1000, []byte("req.url ~ /b"))))

	records, err := DecodeBanJournal(silo.BanJournal())
	require.NoError(t, err)
	require.Len(t, records, 2)

	compacted, err := CompactBanJournal(silo.BanJournal(), 999.5)
	require.NoError(t, err)
	require.NoError(t, silo.BanExport(compacted))

	records, err = DecodeBanJournal(silo.BanJournal())
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, "req.url ~ /b", string(records[0].Expr))
}

func TestHousekeepingDropsEmptyOldestSegment(t *testing.T) {
	cfg := testConfig(t)
	silo, err := CreateSilo(cfg)
	require.NoError(t, err)
	defer silo.Close()

	obj := silo.NewObject("hash-3")
	buf, _ := obj.GetSpace(4)
	copy(buf, []byte("data"))
	require.NoError(t, obj.Extend(4))
	require.NoError(t, obj.TrimStore())

	silo.mu.Lock()
	firstSeg := silo.current
	silo.mu.Unlock()
	require.NoError(t, obj.ObjFree())

	// Force a new current segment so firstSeg is no longer writable.
	silo.mu.Lock()
	silo.closeSegment()
	require.NoError(t, silo.openSegment())
	silo.mu.Unlock()

	require.Eventually(t, func() bool {
		silo.mu.Lock()
		defer silo.mu.Unlock()
		for _, seg := range silo.segments {
			if seg == firstSeg {
				return false
			}
		}
		return true
	}, time.Second, 10*time.Millisecond)
}
