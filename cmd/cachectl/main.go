// Command cachectl is a small illustrative client for the cache core:
// it opens a Cache backed by an in-memory stevedore and a single
// backend pool, fetches one path through it, and prints what happened.
// It exists to exercise the package from the outside, not as a
// production cache server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	cachecore "github.com/varnishcache/cachecore"
	"github.com/varnishcache/cachecore/internal/backend"
	"github.com/varnishcache/cachecore/internal/director"
	"github.com/varnishcache/cachecore/internal/interfaces"
	"github.com/varnishcache/cachecore/internal/logging"
	"github.com/varnishcache/cachecore/internal/objcore"
	"github.com/varnishcache/cachecore/internal/probe"
	"github.com/varnishcache/cachecore/internal/stevedore/memstore"
)

func main() {
	var (
		addr    = flag.String("backend", "127.0.0.1:8080", "backend host:port to fetch from")
		path    = flag.String("path", "/", "request path")
		host    = flag.String("host", "localhost", "Host header to send")
		verbose = flag.Bool("v", false, "verbose logging")
		memCap  = flag.String("mem-cap", "64M", "malloc stevedore byte cap (e.g. 64M, 1G)")
	)
	flag.Parse()

	logConfig := logging.DefaultConfig()
	if *verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	capBytes, err := parseSize(*memCap)
	if err != nil {
		log.Fatalf("invalid -mem-cap %q: %v", *memCap, err)
	}

	store := memstore.New("mock", uint64(capBytes))
	pool := backend.New("origin", "tcp", *addr)

	params := cachecore.DefaultParams()
	params.Logger = logger
	params.Stevedores = map[string]cachecore.StevedoreFactory{
		"mock": func(hash [32]byte) (interfaces.Stevedore, error) {
			return store.NewObject(hash), nil
		},
	}
	params.Directors = []director.Director{director.NewSimple(pool)}
	probeReq := []byte("HEAD / HTTP/1.1\r\nHost: " + *host + "\r\nConnection: close\r\n\r\n")
	params.Backends = []cachecore.BackendConfig{
		{Pool: pool, ProbeConfig: probe.DefaultConfig(probeReq)},
	}

	cache, err := cachecore.Open(params)
	if err != nil {
		logger.Error("failed to open cache", "error", err)
		os.Exit(1)
	}
	defer cache.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	hash := cachecore.HashKey(*path)
	if oc, hit := cache.Lookup(hash, time.Now()); hit {
		logger.Info("cache hit", "path", *path)
		deliver(ctx, cache, oc)
		return
	}

	logger.Info("cache miss, fetching", "backend", *addr, "path", *path)
	oc, err := cache.Fetch(ctx, cachecore.FetchRequest{
		Hash: hash,
		Path: *path,
		Host: *host,
	})
	if err != nil {
		logger.Error("fetch failed", "error", err)
		os.Exit(1)
	}
	deliver(ctx, cache, oc)
}

func deliver(ctx context.Context, cache *cachecore.Cache, oc *objcore.ObjCore) {
	n, err := cache.Deliver(ctx, oc, os.Stdout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "\ndeliver error: %v\n", err)
		return
	}
	fmt.Fprintf(os.Stderr, "\n(%d bytes delivered)\n", n)
}

// parseSize parses a size string like "64M", "1G", "512K".
func parseSize(s string) (int64, error) {
	s = strings.ToUpper(s)

	var multiplier int64 = 1
	var numStr string
	switch {
	case strings.HasSuffix(s, "K"):
		multiplier = 1024
		numStr = strings.TrimSuffix(s, "K")
	case strings.HasSuffix(s, "M"):
		multiplier = 1024 * 1024
		numStr = strings.TrimSuffix(s, "M")
	case strings.HasSuffix(s, "G"):
		multiplier = 1024 * 1024 * 1024
		numStr = strings.TrimSuffix(s, "G")
	default:
		numStr = s
	}

	var num int64
	if _, err := fmt.Sscanf(numStr, "%d", &num); err != nil {
		return 0, err
	}
	return num * multiplier, nil
}
