package persist

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSignAndVerifyRoundTrip(t *testing.T) {
	block := SignBlock("IDENT", 42, 0, []byte("hello silo"))
	tag, unique, mapped, payload, err := VerifySign(block)
	require.NoError(t, err)
	require.Equal(t, "IDENT", tag)
	require.EqualValues(t, 42, unique)
	require.EqualValues(t, 0, mapped)
	require.Equal(t, "hello silo", string(payload))
}

func TestVerifySignDetectsCorruption(t *testing.T) {
	block := SignBlock("SEG1", 1, 100, []byte("segment table bytes"))
	block[signSize+2] ^= 0xFF // corrupt one payload byte
	_, _, _, _, err := VerifySign(block)
	require.ErrorIs(t, err, ErrSignMismatch)
}

func TestVerifySignRejectsTruncatedBlock(t *testing.T) {
	block := SignBlock("BAN1", 1, 0, []byte("x"))
	_, _, _, _, err := VerifySign(block[:signSize+1])
	require.Error(t, err)
}

func TestIdentMarshalRoundTrip(t *testing.T) {
	id := NewIdent(7, 1<<20, 4096)
	id.Stuff[stuffSpc] = 12345
	b := id.Marshal()
	got, err := UnmarshalIdent(b)
	require.NoError(t, err)
	require.Equal(t, id.Unique, got.Unique)
	require.Equal(t, id.MediaSize, got.MediaSize)
	require.Equal(t, id.Stuff[stuffSpc], got.Stuff[stuffSpc])
}

func TestUnmarshalIdentRejectsBadByteOrder(t *testing.T) {
	id := NewIdent(1, 1024, 4096)
	b := id.Marshal()
	b[32] ^= 0xFF
	_, err := UnmarshalIdent(b)
	require.ErrorIs(t, err, ErrBadIdent)
}
