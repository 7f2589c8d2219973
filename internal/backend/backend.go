// Package backend implements the backend connection pool: a
// per-backend set of reusable connections, a saint-mode trouble list,
// and the health/max_conn gating that decides whether a new
// connection may be opened at all.
package backend

import (
	"context"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/varnishcache/cachecore/internal/constants"
)

// trouble is one saint-mode entry: a backend is temporarily
// considered unhealthy for a specific target (an object's digest or
// objhead identity) until Timeout passes.
type trouble struct {
	target  uint64
	timeout time.Time
}

// Conn is one pooled connection plus the trace identifier stamped on
// it when it was opened, used in structured log lines.
type Conn struct {
	NetConn net.Conn
	TraceID uuid.UUID
	opened  time.Time
}

// Pool is one backend's connection pool: a free list of idle
// connections, a saint-mode trouble list, and health/capacity state.
// Every field below is guarded by mu; there is no global lock shared
// across pools.
type Pool struct {
	Name    string
	Dial    func(ctx context.Context, network, addr string) (net.Conn, error)
	Addr    string
	Network string

	MaxConn            int
	SaintModeThreshold int

	mu          sync.Mutex
	connlist    []*Conn
	troublelist []trouble // insertion-sorted by Timeout, earliest first
	nConn       int
	refcount    int
	healthy     bool
}

// New creates a backend pool dialing addr over network (e.g. "tcp").
// Health starts true, as a freshly configured backend is assumed
// reachable until a probe says otherwise.
func New(name, network, addr string) *Pool {
	return &Pool{
		Name:               name,
		Network:            network,
		Addr:               addr,
		Dial:               defaultDial,
		MaxConn:            constants.DefaultMaxConn,
		SaintModeThreshold: constants.DefaultSaintModeThreshold,
		healthy:            true,
	}
}

func defaultDial(ctx context.Context, network, addr string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, network, addr)
}

// SetHealthy updates the backend's health flag, normally called by the
// probe engine after a state transition.
func (p *Pool) SetHealthy(healthy bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.healthy = healthy
}

// Healthy reports whether the backend is currently eligible for new
// connections: it must be marked healthy, and if saint mode is
// enabled, the target must not appear in (and the trouble list must
// not be saturated for) the trouble list.
func (p *Pool) Healthy(now time.Time, target uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.healthyLocked(now, target)
}

func (p *Pool) healthyLocked(now time.Time, target uint64) bool {
	if !p.healthy {
		return false
	}
	if p.SaintModeThreshold <= 0 {
		return true
	}

	p.expireTroubleLocked(now)

	for _, tr := range p.troublelist {
		if tr.target == target {
			return false
		}
	}
	return len(p.troublelist) < p.SaintModeThreshold
}

// expireTroubleLocked removes at most one stale entry per call,
// mirroring the original's "scan removes one expired entry per call"
// discipline rather than a full sweep.
func (p *Pool) expireTroubleLocked(now time.Time) {
	if len(p.troublelist) > 0 && p.troublelist[0].timeout.Before(now) {
		p.troublelist = p.troublelist[1:]
	}
}

// SaintMode records a trouble entry for target, expiring at
// now+dur, inserted in expiry order so expiry scanning can stop at
// the first non-stale entry.
func (p *Pool) SaintMode(now time.Time, target uint64, dur time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	entry := trouble{target: target, timeout: now.Add(dur)}
	idx := sort.Search(len(p.troublelist), func(i int) bool {
		return p.troublelist[i].timeout.After(entry.timeout)
	})
	p.troublelist = append(p.troublelist, trouble{})
	copy(p.troublelist[idx+1:], p.troublelist[idx:])
	p.troublelist[idx] = entry
}

// GetConn returns a reusable connection for target, or dials a new one
// subject to health and max_conn gating. The returned connection's
// liveness is not re-verified here (that is the caller's zero-timeout
// poll, not expressible portably without platform-specific syscalls);
// a peer-closed connection surfaces as a read/write error on first
// use, at which point the caller should CloseConn and retry.
func (p *Pool) GetConn(ctx context.Context, now time.Time, target uint64) (*Conn, error) {
	p.mu.Lock()
	if n := len(p.connlist); n > 0 {
		c := p.connlist[n-1]
		p.connlist = p.connlist[:n-1]
		p.refcount++
		p.mu.Unlock()
		return c, nil
	}
	if !p.healthyLocked(now, target) {
		p.mu.Unlock()
		return nil, ErrUnhealthy
	}
	if p.MaxConn > 0 && p.nConn >= p.MaxConn {
		p.mu.Unlock()
		return nil, ErrMaxConn
	}
	p.nConn++
	p.refcount++
	p.mu.Unlock()

	nc, err := p.Dial(ctx, p.Network, p.Addr)
	if err != nil {
		p.mu.Lock()
		p.nConn--
		p.refcount--
		p.mu.Unlock()
		return nil, err
	}
	return &Conn{NetConn: nc, TraceID: uuid.New(), opened: now}, nil
}

// RecycleConn returns a connection to the pool's free list for reuse,
// dropping the caller's reference.
func (p *Pool) RecycleConn(c *Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connlist = append(p.connlist, c)
	p.refcount--
}

// CloseConn closes a connection outright, dropping one reference and
// one connection-count slot.
func (p *Pool) CloseConn(c *Conn) error {
	p.mu.Lock()
	p.refcount--
	p.nConn--
	p.mu.Unlock()
	return c.NetConn.Close()
}

// Stats reports a snapshot of pool occupancy, used for debug tooling.
type Stats struct {
	Idle        int
	Active      int
	TroubleList int
	Healthy     bool
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Idle:        len(p.connlist),
		Active:      p.refcount - len(p.connlist),
		TroubleList: len(p.troublelist),
		Healthy:     p.healthy,
	}
}
