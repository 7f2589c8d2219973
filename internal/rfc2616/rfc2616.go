// Package rfc2616 implements the defensive, clock-skew-tolerant TTL
// computation and response body-mode classification applied to every
// backend response before it is cached.
package rfc2616

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/varnishcache/cachecore/internal/constants"
)

// cacheableStatus is the fixed set of status codes a positive TTL may
// ever be computed for; every other code is uncacheable (TTL -1).
var cacheableStatus = map[int]bool{
	200: true, 203: true, 300: true, 301: true,
	302: true, 307: true, 404: true, 410: true,
}

// Inputs are the parsed response fields the TTL computation needs,
// gathered up front so the computation itself is a pure function
// (and so SLT_TTL-style logging can print exactly what fed the
// decision).
type Inputs struct {
	Status    int
	Date      time.Time // response's own Date header, zero if absent
	Expires   time.Time // zero if absent
	Age       time.Duration
	MaxAge    time.Duration
	HasMaxAge bool
	Now       time.Time
	ClockSkew time.Duration
}

// ParseInputs extracts Inputs from a response's headers and status,
// given the time the response was received. The Cache-Control
// directives are scanned for s-maxage first; only when none is found
// is a second scan made for max-age, so s-maxage wins whenever both
// are present, whatever their order.
func ParseInputs(status int, header http.Header, now time.Time) Inputs {
	in := Inputs{Status: status, Now: now, ClockSkew: constants.DefaultClockSkew}

	if d := header.Get("Date"); d != "" {
		if t, err := http.ParseTime(d); err == nil {
			in.Date = t
		}
	}
	if e := header.Get("Expires"); e != "" {
		if t, err := http.ParseTime(e); err == nil {
			in.Expires = t
		}
	}
	if a := header.Get("Age"); a != "" {
		if secs, err := strconv.ParseFloat(a, 64); err == nil && secs >= 0 {
			in.Age = time.Duration(secs * float64(time.Second))
		}
	}

	for _, directive := range strings.Split(header.Get("Cache-Control"), ",") {
		directive = strings.TrimSpace(directive)
		if secs, ok := maxAgeValue(directive, "s-maxage"); ok {
			in.MaxAge, in.HasMaxAge = secs, true
			break
		}
	}
	if !in.HasMaxAge {
		for _, directive := range strings.Split(header.Get("Cache-Control"), ",") {
			directive = strings.TrimSpace(directive)
			if secs, ok := maxAgeValue(directive, "max-age"); ok {
				in.MaxAge, in.HasMaxAge = secs, true
				break
			}
		}
	}
	return in
}

func maxAgeValue(directive, name string) (time.Duration, bool) {
	lower := strings.ToLower(directive)
	if !strings.HasPrefix(lower, name) {
		return 0, false
	}
	rest := strings.TrimSpace(directive[len(name):])
	if !strings.HasPrefix(rest, "=") {
		return 0, false
	}
	v := strings.TrimSpace(rest[1:])
	secs, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, false
	}
	return time.Duration(secs * float64(time.Second)), true
}

// TTL computes a cache TTL from Inputs, resilient to clock skew
// between this host and the origin:
//
//   - Only the fixed cacheableStatus set ever yields a positive TTL;
//     every other status is uncacheable (-1).
//   - max-age (s-maxage preferred, see ParseInputs) present: ttl =
//     max(0, max_age - age).
//   - Else if Expires < Date: ttl = 0.
//   - Else if |Date - now| < clock_skew: ttl = max(0, Expires - now).
//   - Else: ttl = Expires - Date (relative, skew-tolerant).
func TTL(in Inputs) time.Duration {
	if !cacheableStatus[in.Status] {
		return -1
	}

	if in.HasMaxAge {
		ttl := in.MaxAge - in.Age
		if ttl < 0 {
			ttl = 0
		}
		return ttl
	}

	if !in.Expires.IsZero() && !in.Date.IsZero() && in.Expires.Before(in.Date) {
		return 0
	}

	if !in.Expires.IsZero() {
		if !in.Date.IsZero() && absDuration(in.Date.Sub(in.Now)) < in.ClockSkew {
			ttl := in.Expires.Sub(in.Now)
			if ttl < 0 {
				ttl = 0
			}
			return ttl
		}
		if !in.Date.IsZero() {
			return in.Expires.Sub(in.Date)
		}
	}

	return -1
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

// BodyMode classifies how a response body should be read, in exact
// priority order.
type BodyMode int

const (
	BodyNone BodyMode = iota
	BodyChunked
	BodyError
	BodyLength
	BodyEOF
	BodyZero
)

func (m BodyMode) String() string {
	switch m {
	case BodyNone:
		return "none"
	case BodyChunked:
		return "chunked"
	case BodyError:
		return "error"
	case BodyLength:
		return "length"
	case BodyEOF:
		return "eof"
	case BodyZero:
		return "zero"
	default:
		return "unknown"
	}
}

// ClassifyBody determines the body mode for a response, given whether
// the originating request was a HEAD, the response status, its
// protocol ("HTTP/1.0" or "HTTP/1.1"), and whether the connection is
// being kept alive.
func ClassifyBody(isHead bool, status int, proto string, header http.Header, keepAlive bool) BodyMode {
	if isHead {
		return BodyNone
	}
	if status/100 == 1 || status == 204 || status == 304 {
		return BodyNone
	}

	te := strings.ToLower(header.Get("Transfer-Encoding"))
	if te != "" {
		if te == "chunked" {
			return BodyChunked
		}
		return BodyError
	}

	if header.Get("Content-Length") != "" {
		return BodyLength
	}

	if proto == "HTTP/1.0" || !keepAlive {
		return BodyEOF
	}

	if proto == "HTTP/1.1" && keepAlive {
		return BodyZero
	}

	return BodyEOF
}
