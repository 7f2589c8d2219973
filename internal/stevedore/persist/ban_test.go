package persist

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeBanJournal(t *testing.T) {
	var journal []byte
	journal = append(journal, EncodeBanRecord(100, []byte("req.url ~ /foo"))...)
	journal = append(journal, EncodeBanRecord(200, []byte("req.url ~ /bar"))...)

	records, err := DecodeBanJournal(journal)
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, float64(100), records[0].Expiry)
	require.Equal(t, "req.url ~ /foo", string(records[0].Expr))
	require.Equal(t, "req.url ~ /bar", string(records[1].Expr))
}

func TestCompactBanJournalDropsExpired(t *testing.T) {
	var journal []byte
	journal = append(journal, EncodeBanRecord(50, []byte("old"))...)
	journal = append(journal, EncodeBanRecord(500, []byte("fresh"))...)

	compacted, err := CompactBanJournal(journal, 100)
	require.NoError(t, err)

	records, err := DecodeBanJournal(compacted)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, "fresh", string(records[0].Expr))
}

func TestDecodeBanJournalRejectsTruncated(t *testing.T) {
	_, err := DecodeBanJournal([]byte{1, 2, 3})
	require.Error(t, err)
}
