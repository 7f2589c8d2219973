package persist

import "encoding/binary"

// banHeaderSize is the encoded size of a ban record's header: expiry
// (the time the ban takes effect, float64) plus the 4-byte length of
// the match expression that follows it. Parsing VCL-like ban expressions is out of scope here;
// the expression is carried as opaque bytes supplied by the caller.
const banHeaderSize = 8 + 4

// EncodeBanRecord encodes one ban entry for appending to the journal.
func EncodeBanRecord(expiry float64, expr []byte) []byte {
	b := make([]byte, banHeaderSize+len(expr))
	binary.BigEndian.PutUint64(b[0:8], float64bits(expiry))
	binary.BigEndian.PutUint32(b[8:12], uint32(len(expr)))
	copy(b[12:], expr)
	return b
}

// BanRecord is one decoded ban journal entry.
type BanRecord struct {
	Expiry float64
	Expr   []byte
}

// DecodeBanJournal splits a raw journal buffer back into individual
// records, used both for `debug.persistent dump` and for recomputing
// a bulk export after lurker compaction.
func DecodeBanJournal(journal []byte) ([]BanRecord, error) {
	var out []BanRecord
	off := 0
	for off < len(journal) {
		if off+banHeaderSize > len(journal) {
			return nil, errBanTruncated
		}
		expiry := float64frombits(binary.BigEndian.Uint64(journal[off : off+8]))
		n := binary.BigEndian.Uint32(journal[off+8 : off+12])
		off += banHeaderSize
		if off+int(n) > len(journal) {
			return nil, errBanTruncated
		}
		out = append(out, BanRecord{Expiry: expiry, Expr: journal[off : off+int(n)]})
		off += int(n)
	}
	return out, nil
}

var errBanTruncated = errBanTruncatedErr{}

type errBanTruncatedErr struct{}

func (errBanTruncatedErr) Error() string { return "persist: truncated ban journal record" }

// CompactBanJournal drops every record whose Expiry has already
// passed relative to now, producing the bytes for a bulk BanExport
// call after a lurker compaction pass.
func CompactBanJournal(journal []byte, now float64) ([]byte, error) {
	records, err := DecodeBanJournal(journal)
	if err != nil {
		return nil, err
	}
	var out []byte
	for _, r := range records {
		if r.Expiry < now {
			continue
		}
		out = append(out, EncodeBanRecord(r.Expiry, r.Expr)...)
	}
	return out, nil
}
