// Package director implements backend selection policies: a director
// picks which backend.Pool a request's connection comes from, given
// the current health of each candidate.
package director

import (
	"context"
	"time"

	"github.com/varnishcache/cachecore/internal/backend"
)

// Director is the common selection contract every policy implements.
type Director interface {
	Name() string
	GetConn(ctx context.Context, now time.Time, seed Seed) (*backend.Conn, *backend.Pool, error)
	Healthy(now time.Time) bool
}

// Seed carries whatever a policy needs to make its pick: the
// request's content digest (for hash), a client identity (for
// client), or nothing at all (simple/round-robin/random).
type Seed struct {
	Digest [32]byte
	Client string
}

// ErrNoHealthyBackend is returned when every candidate backend is
// unhealthy.
var ErrNoHealthyBackend = directorError("director: no healthy backend available")

type directorError string

func (e directorError) Error() string { return string(e) }

// Simple wraps a single backend pool, with no selection logic beyond
// delegating straight through.
type Simple struct {
	PoolName string
	Pool     *backend.Pool
}

func NewSimple(pool *backend.Pool) *Simple {
	return &Simple{PoolName: pool.Name, Pool: pool}
}

func (s *Simple) Name() string { return s.PoolName }

func (s *Simple) Healthy(now time.Time) bool {
	return s.Pool.Healthy(now, 0)
}

func (s *Simple) GetConn(ctx context.Context, now time.Time, seed Seed) (*backend.Conn, *backend.Pool, error) {
	target := digestTarget(seed.Digest)
	c, err := s.Pool.GetConn(ctx, now, target)
	if err != nil {
		return nil, nil, err
	}
	return c, s.Pool, nil
}

func digestTarget(digest [32]byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v = v<<8 | uint64(digest[i])
	}
	return v
}
