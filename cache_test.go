package cachecore

import (
	"bufio"
	"bytes"
	"context"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/varnishcache/cachecore/internal/backend"
	"github.com/varnishcache/cachecore/internal/director"
	"github.com/varnishcache/cachecore/internal/interfaces"
)

// canned starts a TCP listener that replies to every request it
// receives with a fixed raw HTTP response, then closes the
// connection, mirroring the director package's listeningPool test
// helper.
func canned(t *testing.T, response string) *backend.Pool {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				if _, err := http.ReadRequest(bufio.NewReader(c)); err != nil {
					return
				}
				c.Write([]byte(response))
			}(conn)
		}
	}()
	t.Cleanup(func() { ln.Close() })
	return backend.New("origin", "tcp", ln.Addr().String())
}

func mockStevedores() map[string]StevedoreFactory {
	return map[string]StevedoreFactory{
		"mock": func(hash [32]byte) (interfaces.Stevedore, error) {
			return NewMockStevedore(), nil
		},
	}
}

func TestFetchCachesAndLookupHits(t *testing.T) {
	pool := canned(t, "HTTP/1.1 200 OK\r\nContent-Length: 5\r\nCache-Control: max-age=60\r\n\r\nhello")
	params := DefaultParams()
	params.Stevedores = mockStevedores()
	params.Directors = []director.Director{director.NewSimple(pool)}
	c, err := Open(params)
	require.NoError(t, err)
	defer c.Close()

	hash := HashKey("/hello")
	oc, err := c.Fetch(context.Background(), FetchRequest{Hash: hash, Path: "/hello", Host: "example.test"})
	require.NoError(t, err)
	require.NotNil(t, oc)

	var buf bytes.Buffer
	n, err := c.Deliver(context.Background(), oc, &buf)
	require.NoError(t, err)
	require.Equal(t, uint64(5), n)
	require.Equal(t, "hello", buf.String())

	found, ok := c.Lookup(hash, time.Now())
	require.True(t, ok)
	require.Same(t, oc, found)
}

func TestFetchUncacheableResponseIsNotIndexed(t *testing.T) {
	pool := canned(t, "HTTP/1.1 200 OK\r\nContent-Length: 5\r\n\r\nhello")
	params := DefaultParams()
	params.Stevedores = mockStevedores()
	params.Directors = []director.Director{director.NewSimple(pool)}
	c, err := Open(params)
	require.NoError(t, err)
	defer c.Close()

	hash := HashKey("/nocache")
	oc, err := c.Fetch(context.Background(), FetchRequest{Hash: hash, Path: "/nocache", Host: "example.test"})
	require.NoError(t, err)
	require.NotNil(t, oc)

	_, ok := c.Lookup(hash, time.Now())
	require.False(t, ok, "uncacheable response must not be indexed")
}

func TestBanForcesMiss(t *testing.T) {
	pool := canned(t, "HTTP/1.1 200 OK\r\nContent-Length: 2\r\nCache-Control: max-age=300\r\n\r\nhi")
	params := DefaultParams()
	params.Stevedores = mockStevedores()
	params.Directors = []director.Director{director.NewSimple(pool)}
	c, err := Open(params)
	require.NoError(t, err)
	defer c.Close()

	hash := HashKey("/banme")
	_, err = c.Fetch(context.Background(), FetchRequest{Hash: hash, Path: "/banme", Host: "example.test"})
	require.NoError(t, err)

	_, ok := c.Lookup(hash, time.Now())
	require.True(t, ok)

	c.Ban(hash)
	_, ok = c.Lookup(hash, time.Now())
	require.False(t, ok)
}

func TestFetchUnknownStevedoreErrors(t *testing.T) {
	pool := canned(t, "HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nhi")
	params := DefaultParams()
	params.Stevedores = mockStevedores()
	params.Directors = []director.Director{director.NewSimple(pool)}
	c, err := Open(params)
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Fetch(context.Background(), FetchRequest{
		Hash:          HashKey("/x"),
		StevedoreName: "does-not-exist",
		Path:          "/x",
		Host:          "example.test",
	})
	require.Error(t, err)
	require.True(t, IsCode(err, ErrCodeInvalidParameters))
}
