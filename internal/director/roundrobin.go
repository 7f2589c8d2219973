package director

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/varnishcache/cachecore/internal/backend"
)

// RoundRobin rotates through a fixed list of backends. next_host is a
// plain atomic counter: a torn read under concurrent increments is
// tolerable because it is merely a hint about where to start scanning
// for the first healthy backend, not a correctness-critical index.
type RoundRobin struct {
	PoolName string
	Pools    []*backend.Pool
	next     atomic.Uint64
}

func NewRoundRobin(name string, pools []*backend.Pool) *RoundRobin {
	return &RoundRobin{PoolName: name, Pools: pools}
}

func (r *RoundRobin) Name() string { return r.PoolName }

func (r *RoundRobin) Healthy(now time.Time) bool {
	for _, p := range r.Pools {
		if p.Healthy(now, 0) {
			return true
		}
	}
	return false
}

func (r *RoundRobin) GetConn(ctx context.Context, now time.Time, seed Seed) (*backend.Conn, *backend.Pool, error) {
	n := uint64(len(r.Pools))
	if n == 0 {
		return nil, nil, ErrNoHealthyBackend
	}
	start := r.next.Add(1) % n
	target := digestTarget(seed.Digest)
	for i := uint64(0); i < n; i++ {
		p := r.Pools[(start+i)%n]
		if !p.Healthy(now, target) {
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
