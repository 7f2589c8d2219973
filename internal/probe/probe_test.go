package probe

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func listenerDialer(t *testing.T, status int) (Dialer, func(ok bool)) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	var respond func(ok bool)
	respondCh := make(chan bool, 16)
	respond = func(ok bool) { respondCh <- ok }

	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				buf := make([]byte, 512)
				c.Read(buf)
				ok := <-respondCh
				code := status
				if !ok {
					code = 500
				}
				c.Write([]byte("HTTP/1.1 " + itoa(code) + " x\r\n\r\n"))
			}(c)
		}
	}()

	dial := func(ctx context.Context) (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, "tcp", ln.Addr().String())
	}
	return dial, respond
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var b []byte
	for n > 0 {
		b = append([]byte{byte('0' + n%10)}, b...)
		n /= 10
	}
	return string(b)
}

func TestProbeBecomesHealthyAfterThresholdGoodPolls(t *testing.T) {
	dial, respond := listenerDialer(t, 200)
	cfg := Config{
		Interval: 5 * time.Millisecond, Timeout: time.Second,
		Window: 4, Threshold: 2, Initial: 0, ExpStatus: 200,
		Request: []byte("GET / HTTP/1.1\r\n\r\n"),
	}

	transitions := make(chan bool, 8)
	target := New(cfg, dial, func(h bool) { transitions <- h })
	require.False(t, target.Healthy())

	target.Start()
	defer target.Stop()

	respond(true)
	respond(true)

	require.Eventually(t, func() bool { return target.Healthy() }, time.Second, 5*time.Millisecond)
	select {
	case h := <-transitions:
		require.True(t, h)
	case <-time.After(time.Second):
		t.Fatal("expected a healthy transition")
	}
}

func TestProbeStartsWarmedUpWithInitial(t *testing.T) {
	dial, _ := listenerDialer(t, 200)
	cfg := Config{
		Interval: time.Hour, Timeout: time.Second,
		Window: 4, Threshold: 3, Initial: 3, ExpStatus: 200,
		Request: []byte("GET / HTTP/1.1\r\n\r\n"),
	}
	target := New(cfg, dial, nil)
	require.True(t, target.Healthy())
}

func TestProbeFailsOnUnexpectedStatus(t *testing.T) {
	dial, respond := listenerDialer(t, 503)
	cfg := Config{
		Interval: 5 * time.Millisecond, Timeout: time.Second,
		Window: 2, Threshold: 1, Initial: 1, ExpStatus: 200,
		Request: []byte("GET / HTTP/1.1\r\n\r\n"),
	}
	target := New(cfg, dial, nil)
	require.True(t, target.Healthy())

	target.Start()
	defer target.Stop()
	// The listener answers 503 either way. Two polls are needed: after
	// the first failure the Initial happy bit is still inside the
	// 2-poll window.
	respond(true)
	respond(true)

	require.Eventually(t, func() bool { return !target.Healthy() }, time.Second, 5*time.Millisecond)
}
