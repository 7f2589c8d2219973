package director

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"math/rand"
	"time"

	"github.com/dgryski/go-rendezvous"

	"github.com/varnishcache/cachecore/internal/backend"
)

// Criteria selects how Weighted picks a seed value per request.
type Criteria int

const (
	// CriteriaRandom draws a fresh uniform seed per request.
	CriteriaRandom Criteria = iota
	// CriteriaHash derives the seed from the request's content digest.
	CriteriaHash
	// CriteriaClient derives the seed from a client identity.
	CriteriaClient
)

type candidate struct {
	name string
	pool *backend.Pool
}

// Weighted implements the random/hash/client director family: random
// uses a weight-weighted cumulative distribution over a fresh random
// seed; hash and client use rendezvous (highest-random-weight) hashing
// over the request's digest or client identity, so the same digest
// reliably maps to the same backend as long as it stays in the
// candidate set (minimal disruption on membership change, unlike a
// naive modulo).
type Weighted struct {
	PoolName   string
	Criteria   Criteria
	Retries    int
	candidates []candidate
	weights    []float64
	rdv        *rendezvous.Rendezvous
}

// NewWeighted builds a Weighted director. pools and weights must be
// parallel slices. Retries defaults to len(pools) when 0, the same
// default the original uses (re-hash up to nhosts times on failure).
func NewWeighted(name string, criteria Criteria, pools []*backend.Pool, weights []float64, retries int) *Weighted {
	w := &Weighted{PoolName: name, Criteria: criteria, Retries: retries}
	if w.Retries == 0 {
		w.Retries = len(pools)
	}
	names := make([]string, len(pools))
	for i, p := range pools {
		w.candidates = append(w.candidates, candidate{name: p.Name, pool: p})
		names[i] = p.Name
	}
	w.weights = append([]float64(nil), weights...)
	w.rdv = rendezvous.New(names, hashString)
	return w
}

// hashString is the single-argument Hasher rendezvous.New requires; it
// is applied to both node names (at construction) and lookup keys (at
// Lookup time), so any per-request variation has to live in the key
// passed to Lookup, not in this function. See seedKey/pickRendezvous.
func hashString(s string) uint64 {
	sum := sha256.Sum256([]byte(s))
	return binary.BigEndian.Uint64(sum[:8])
}

func (w *Weighted) Name() string { return w.PoolName }

func (w *Weighted) Healthy(now time.Time) bool {
	for _, c := range w.candidates {
		if c.pool.Healthy(now, 0) {
			return true
		}
	}
	return false
}

func (w *Weighted) poolByName(name string) *backend.Pool {
	for _, c := range w.candidates {
		if c.name == name {
			return c.pool
		}
	}
	return nil
}

func (w *Weighted) GetConn(ctx context.Context, now time.Time, seed Seed) (*backend.Conn, *backend.Pool, error) {
	target := digestTarget(seed.Digest)

	for attempt := 0; attempt < w.Retries; attempt++ {
		var p *backend.Pool
		switch w.Criteria {
		case CriteriaRandom:
			p = w.pickWeighted(rand.Float64(), now, target)
		case CriteriaHash:
			p = w.pickRendezvous(seedKey(seed.Digest[:], attempt))
		case CriteriaClient:
			p = w.pickRendezvous(seedKey([]byte(seed.Client), attempt))
		}
		if p == nil || !p.Healthy(now, target) {
			continue
		}
		c, err := p.GetConn(ctx, now, target)
		if err != nil {
			continue
		}
		return c, p, nil
	}
	return nil, nil, ErrNoHealthyBackend
}

func seedKey(base []byte, attempt int) string {
	if attempt == 0 {
		return string(base)
	}
	h := sha256.Sum256(append(append([]byte(nil), base...), byte(attempt)))
	return string(h[:])
}

func (w *Weighted) pickRendezvous(key string) *backend.Pool {
	name := w.rdv.Lookup(key)
	return w.poolByName(name)
}

// pickWeighted selects the unique healthy candidate whose
// weight-weighted cumulative distribution, built over the candidates
// healthy for digest at now, contains u (u in [0,1)). It returns nil
// when no candidate is healthy.
func (w *Weighted) pickWeighted(u float64, now time.Time, digest uint64) *backend.Pool {
	var healthy []int
	var total float64
	for i, c := range w.candidates {
		if c.pool.Healthy(now, digest) {
			healthy = append(healthy, i)
			total += w.weights[i]
		}
	}
	if len(healthy) == 0 {
		return nil
	}
	if total <= 0 {
		return w.candidates[healthy[0]].pool
	}
	target := u * total
	var acc float64
	for _, i := range healthy {
		acc += w.weights[i]
		if target < acc {
			return w.candidates[i].pool
		}
	}
	return w.candidates[healthy[len(healthy)-1]].pool
}
