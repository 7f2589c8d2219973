package rfc2616

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func hdr(pairs ...string) http.Header {
	h := make(http.Header)
	for i := 0; i+1 < len(pairs); i += 2 {
		h.Set(pairs[i], pairs[i+1])
	}
	return h
}

func TestSMaxAgeBeatsMaxAge(t *testing.T) {
	now := time.Now()
	h := hdr("Cache-Control", "max-age=10, s-maxage=60")
	in := ParseInputs(200, h, now)
	require.True(t, in.HasMaxAge)
	require.Equal(t, 60*time.Second, in.MaxAge)
}

func TestMaxAgeFallsBackWhenNoSMaxAge(t *testing.T) {
	now := time.Now()
	h := hdr("Cache-Control", "max-age=42")
	in := ParseInputs(200, h, now)
	require.True(t, in.HasMaxAge)
	require.Equal(t, 42*time.Second, in.MaxAge)
}

func TestTTLFromMaxAgeMinusAge(t *testing.T) {
	in := Inputs{Status: 200, HasMaxAge: true, MaxAge: 100 * time.Second, Age: 30 * time.Second}
	require.Equal(t, 70*time.Second, TTL(in))
}

func TestTTLFromMaxAgeNeverNegative(t *testing.T) {
	in := Inputs{Status: 200, HasMaxAge: true, MaxAge: 10 * time.Second, Age: 100 * time.Second}
	require.Equal(t, time.Duration(0), TTL(in))
}

func TestTTLUncacheableStatus(t *testing.T) {
	in := Inputs{Status: 500, HasMaxAge: true, MaxAge: time.Minute}
	require.Equal(t, time.Duration(-1), TTL(in))
}

func TestTTLExpiresBeforeDateIsZero(t *testing.T) {
	now := time.Now()
	in := Inputs{
		Status:  200,
		Date:    now,
		Expires: now.Add(-time.Hour),
		Now:     now,
	}
	require.Equal(t, time.Duration(0), TTL(in))
}

func TestTTLWithinClockSkewUsesExpiresMinusNow(t *testing.T) {
	now := time.Now()
	in := Inputs{
		Status:    200,
		Date:      now.Add(-1 * time.Second), // within default 10s skew
		Expires:   now.Add(30 * time.Second),
		Now:       now,
		ClockSkew: 10 * time.Second,
	}
	require.Equal(t, 30*time.Second, TTL(in))
}

func TestTTLOutsideClockSkewUsesExpiresMinusDate(t *testing.T) {
	now := time.Now()
	in := Inputs{
		Status:    200,
		Date:      now.Add(-time.Hour), // well outside 10s skew
		Expires:   now.Add(-time.Hour).Add(30 * time.Second),
		Now:       now,
		ClockSkew: 10 * time.Second,
	}
	require.Equal(t, 30*time.Second, TTL(in))
}

func TestTTLNoExpiresNoMaxAgeIsUncacheable(t *testing.T) {
	in := Inputs{Status: 200}
	require.Equal(t, time.Duration(-1), TTL(in))
}

func TestClassifyBodyHeadIsNone(t *testing.T) {
	require.Equal(t, BodyNone, ClassifyBody(true, 200, "HTTP/1.1", hdr(), true))
}

func TestClassifyBodyStatusCodesWithNoBody(t *testing.T) {
	for _, status := range []int{100, 204, 304} {
		require.Equal(t, BodyNone, ClassifyBody(false, status, "HTTP/1.1", hdr(), true))
	}
}

func TestClassifyBodyChunked(t *testing.T) {
	h := hdr("Transfer-Encoding", "chunked")
	require.Equal(t, BodyChunked, ClassifyBody(false, 200, "HTTP/1.1", h, true))
}

func TestClassifyBodyUnknownTransferEncodingIsError(t *testing.T) {
	h := hdr("Transfer-Encoding", "gzip")
	require.Equal(t, BodyError, ClassifyBody(false, 200, "HTTP/1.1", h, true))
}

func TestClassifyBodyContentLength(t *testing.T) {
	h := hdr("Content-Length", "123")
	require.Equal(t, BodyLength, ClassifyBody(false, 200, "HTTP/1.1", h, true))
}

func TestClassifyBodyHTTP10IsEOF(t *testing.T) {
	require.Equal(t, BodyEOF, ClassifyBody(false, 200, "HTTP/1.0", hdr(), true))
}

func TestClassifyBodyConnectionCloseIsEOF(t *testing.T) {
	require.Equal(t, BodyEOF, ClassifyBody(false, 200, "HTTP/1.1", hdr(), false))
}

func TestClassifyBodyKeepAliveNoLengthNoTEIsZero(t *testing.T) {
	require.Equal(t, BodyZero, ClassifyBody(false, 200, "HTTP/1.1", hdr(), true))
}
