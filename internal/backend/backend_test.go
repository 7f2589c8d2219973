package backend

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func fakePool(t *testing.T) (*Pool, net.Listener) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			c.Close()
		}
	}()
	p := New("b0", "tcp", ln.Addr().String())
	t.Cleanup(func() { ln.Close() })
	return p, ln
}

func TestGetConnDialsAndRecycles(t *testing.T) {
	p, _ := fakePool(t)
	now := time.Now()

	c, err := p.GetConn(context.Background(), now, 1)
	require.NoError(t, err)
	require.NotNil(t, c.NetConn)

	p.RecycleConn(c)
	require.Equal(t, 1, p.Stats().Idle)

	c2, err := p.GetConn(context.Background(), now, 1)
	require.NoError(t, err)
	require.Same(t, c, c2)
}

func TestGetConnRespectsMaxConn(t *testing.T) {
	p, _ := fakePool(t)
	p.MaxConn = 1
	now := time.Now()

	_, err := p.GetConn(context.Background(), now, 1)
	require.NoError(t, err)

	_, err = p.GetConn(context.Background(), now, 1)
	require.ErrorIs(t, err, ErrMaxConn)
}

func TestGetConnFailsWhenUnhealthy(t *testing.T) {
	p, _ := fakePool(t)
	p.SetHealthy(false)

	_, err := p.GetConn(context.Background(), time.Now(), 1)
	require.ErrorIs(t, err, ErrUnhealthy)
}

func TestSaintModeBlacklistsTargetUntilExpiry(t *testing.T) {
	p, _ := fakePool(t)
	p.SaintModeThreshold = 1
	now := time.Now()

	p.SaintMode(now, 42, 10*time.Millisecond)
	require.False(t, p.Healthy(now, 42))

	later := now.Add(20 * time.Millisecond)
	require.True(t, p.Healthy(later, 42))
}

func TestSaintModeThresholdBlocksNewTargets(t *testing.T) {
	p, _ := fakePool(t)
	p.SaintModeThreshold = 1
	now := time.Now()

	p.SaintMode(now, 1, time.Minute)
	require.False(t, p.Healthy(now, 2))
}

func TestSaintModeInsertionOrderByExpiry(t *testing.T) {
	p, _ := fakePool(t)
	now := time.Now()

	p.SaintMode(now, 1, 30*time.Millisecond)
	p.SaintMode(now, 2, 10*time.Millisecond)
	p.SaintMode(now, 3, 20*time.Millisecond)

	require.Equal(t, uint64(2), p.troublelist[0].target)
	require.Equal(t, uint64(3), p.troublelist[1].target)
	require.Equal(t, uint64(1), p.troublelist[2].target)
}

func TestCloseConnDropsCounters(t *testing.T) {
	p, _ := fakePool(t)
	c, err := p.GetConn(context.Background(), time.Now(), 1)
	require.NoError(t, err)

	require.NoError(t, p.CloseConn(c))
	stats := p.Stats()
	require.Equal(t, 0, stats.Active)
	require.Equal(t, 0, stats.Idle)
}
