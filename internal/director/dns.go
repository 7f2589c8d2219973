package director

import (
	"context"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/varnishcache/cachecore/internal/backend"
	"github.com/varnishcache/cachecore/internal/constants"
)

// dnsEntry is one cached hostname's resolved backend list.
type dnsEntry struct {
	pools   []*backend.Pool
	expires time.Time
	touched time.Time
}

// DNS derives the target hostname from a request's Host header
// (optionally with a configured suffix appended, port stripped), and
// resolves it to whichever configured backends match one of its
// addresses. Resolutions are cached with a TTL in a bounded,
// readers-writer-locked map; readers try a cache hit under the read
// lock, and on a miss resolve without holding the lock, then take the
// write lock only to evict and insert.
type DNS struct {
	PoolName string
	Suffix   string
	TTL      time.Duration
	MaxCache int
	Resolve  func(host string) ([]net.IP, error)
	Pools    []*backend.Pool // configured backends, matched against resolved IPs

	mu    sync.RWMutex
	cache map[string]*dnsEntry
}

// NewDNS creates a DNS director over the given configured backend
// pools, each of which must expose its resolvable address via Addr.
func NewDNS(name string, pools []*backend.Pool) *DNS {
	return &DNS{
		PoolName: name,
		TTL:      constants.DefaultDNSTTL,
		MaxCache: constants.DefaultDNSCacheSize,
		Resolve:  net.LookupIP,
		Pools:    pools,
		cache:    make(map[string]*dnsEntry),
	}
}

func (d *DNS) Name() string { return d.PoolName }

// hostFromHeader strips a port and appends the configured suffix, the
// same normalization the original performs before a cache lookup.
func (d *DNS) hostFromHeader(hostHeader string) string {
	host := hostHeader
	if h, _, err := net.SplitHostPort(hostHeader); err == nil {
		host = h
	}
	if d.Suffix != "" && !strings.HasSuffix(host, d.Suffix) {
		host += d.Suffix
	}
	return host
}

func (d *DNS) lookupCache(host string) (*dnsEntry, bool) {
	d.mu.RLock()
	e, ok := d.cache[host]
	d.mu.RUnlock()
	if !ok || time.Now().After(e.expires) {
		return nil, false
	}
	return e, true
}

func (d *DNS) resolveAndCache(host string) (*dnsEntry, error) {
	ips, err := d.Resolve(host)
	if err != nil {
		return nil, err
	}

	var matched []*backend.Pool
	for _, p := range d.Pools {
		h, _, err := net.SplitHostPort(p.Addr)
		if err != nil {
			h = p.Addr
		}
		for _, ip := range ips {
			if ip.String() == h || h == host {
				matched = append(matched, p)
				break
			}
		}
	}

	e := &dnsEntry{pools: matched, expires: time.Now().Add(d.TTL), touched: time.Now()}

	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.cache) >= d.MaxCache {
		d.evictOldestLocked()
	}
	d.cache[host] = e
	return e, nil
}

// evictOldestLocked drops the cache entry with the oldest touched
// time. touched is set when an entry is resolved and is not updated on
// cache hits, so this is the oldest-inserted entry. Called with the
// write lock already held and the cache at capacity.
func (d *DNS) evictOldestLocked() {
	var oldestKey string
	var oldest time.Time
	first := true
	for k, e := range d.cache {
		if first || e.touched.Before(oldest) {
			oldestKey, oldest, first = k, e.touched, false
		}
	}
	if !first {
		delete(d.cache, oldestKey)
	}
}

func (d *DNS) candidatesFor(hostHeader string) ([]*backend.Pool, error) {
	host := d.hostFromHeader(hostHeader)
	if e, ok := d.lookupCache(host); ok {
		return e.pools, nil
	}
	e, err := d.resolveAndCache(host)
	if err != nil {
		return nil, err
	}
	return e.pools, nil
}

func (d *DNS) Healthy(now time.Time) bool {
	for _, p := range d.Pools {
		if p.Healthy(now, 0) {
			return true
		}
	}
	return false
}

// GetConn resolves seed.Client as the Host header value, then picks
// the first healthy backend among the matching set.
func (d *DNS) GetConn(ctx context.Context, now time.Time, seed Seed) (*backend.Conn, *backend.Pool, error) {
	candidates, err := d.candidatesFor(seed.Client)
	if err != nil {
		return nil, nil, err
	}
	target := digestTarget(seed.Digest)
	for _, p := range candidates {
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
