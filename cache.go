// Package cachecore provides the main API for an embeddable HTTP
// object cache: object lifecycle and body streaming, pluggable storage
// backends, backend director/probe selection, and RFC2616 TTL/body-mode
// classification.
package cachecore

import (
	"bufio"
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/varnishcache/cachecore/internal/backend"
	"github.com/varnishcache/cachecore/internal/constants"
	"github.com/varnishcache/cachecore/internal/director"
	"github.com/varnishcache/cachecore/internal/interfaces"
	"github.com/varnishcache/cachecore/internal/objcore"
	"github.com/varnishcache/cachecore/internal/objevent"
	"github.com/varnishcache/cachecore/internal/probe"
	"github.com/varnishcache/cachecore/internal/rfc2616"
	"github.com/varnishcache/cachecore/internal/stevedore"
)

// Logger is defined in internal/interfaces and restated here so
// callers configuring a Cache never need to import the internal
// package directly. Observer is declared in metrics.go alongside its
// default implementations.
type Logger = interfaces.Logger

// StevedoreFactory creates a fresh per-object storage handle bound to
// one named storage engine. Concrete engines (memstore, umemstore,
// filestore, persist) each expose their own NewObject-style
// constructor on their shared Store/Silo; the factory closes over that
// constructor so Cache never needs to know which concrete engine it is
// talking to.
type StevedoreFactory func(hash [32]byte) (interfaces.Stevedore, error)

// BackendConfig describes one backend pool and the probe that watches
// it.
type BackendConfig struct {
	Pool        *backend.Pool
	ProbeConfig probe.Config // zero value means: use probe.DefaultConfig
}

// Params configures a Cache. At least one stevedore factory must be
// registered; everything else has a usable zero value or default.
type Params struct {
	// Stevedores maps a storage engine name to its per-object factory.
	// stevedore.Reserved ("Transient") is conventionally backed by an
	// unbounded in-memory engine (memstore/umemstore), but Cache does
	// not enforce that; it only requires the name to be registered if
	// any Fetch call asks for it.
	Stevedores map[string]StevedoreFactory

	// DefaultStevedore names the entry in Stevedores used when a Fetch
	// call does not specify one.
	DefaultStevedore string

	// Backends lists every backend pool and its probe configuration.
	Backends []BackendConfig

	// Directors lists every configured director policy, keyed by its
	// own Name().
	Directors []director.Director

	// DefaultDirector names the entry in Directors used when a Fetch
	// call does not specify one.
	DefaultDirector string

	// TransitBufferBytes bounds how far a fetch may run ahead of the
	// slowest attached deliverer; 0 leaves the fetch unthrottled.
	TransitBufferBytes uint64

	Logger   Logger
	Observer Observer
}

// DefaultParams returns a Params with no stevedores, backends, or
// directors configured; callers fill those in before calling Open.
func DefaultParams() Params {
	return Params{
		Stevedores: make(map[string]StevedoreFactory),
	}
}

// entry is the registry's bookkeeping for one cached object: its
// ObjCore plus the cache-policy metadata (TTL deadline, storage engine
// of record) that lives above the object-lifecycle layer.
type entry struct {
	oc            *objcore.ObjCore
	stevedoreName string
	expires       time.Time
}

func (e *entry) expired(now time.Time) bool {
	return !e.expires.IsZero() && now.After(e.expires)
}

// Cache is an embeddable object cache: a hash-keyed registry of
// ObjCores, a set of named storage engines, a set of backend
// directors with their probes running, and the glue that turns a
// Fetch into a streamed, TTL-classified cache entry.
type Cache struct {
	mu      sync.RWMutex
	objects map[[32]byte]*entry

	stevedores       map[string]StevedoreFactory
	defaultStevedore string

	directors       map[string]director.Director
	defaultDirector string
	backends        []*backend.Pool
	probes          []*probe.Target

	events   *objevent.Bus
	metrics  *Metrics
	observer Observer
	logger   Logger

	transitBuffer uint64
}

// Open builds a Cache from Params, starting a probe loop for every
// configured backend. The returned Cache must be closed with Close
// once no longer needed, to stop those probe goroutines.
func Open(params Params) (*Cache, error) {
	if len(params.Stevedores) == 0 {
		return nil, NewError("cache.Open", ErrCodeInvalidParameters, "no stevedores configured")
	}

	directors := make(map[string]director.Director, len(params.Directors))
	for _, d := range params.Directors {
		directors[d.Name()] = d
	}

	defaultDirector := params.DefaultDirector
	if defaultDirector == "" && len(params.Directors) == 1 {
		defaultDirector = params.Directors[0].Name()
	}

	defaultStevedore := params.DefaultStevedore
	if defaultStevedore == "" {
		if _, ok := params.Stevedores[stevedore.Reserved]; ok {
			defaultStevedore = stevedore.Reserved
		} else if len(params.Stevedores) == 1 {
			for name := range params.Stevedores {
				defaultStevedore = name
			}
		}
	}

	c := &Cache{
		objects:          make(map[[32]byte]*entry),
		stevedores:       params.Stevedores,
		defaultStevedore: defaultStevedore,
		directors:        directors,
		defaultDirector:  defaultDirector,
		events:           objevent.New(),
		metrics:          NewMetrics(),
		observer:         params.Observer,
		logger:           params.Logger,
		transitBuffer:    params.TransitBufferBytes,
	}
	if c.observer == nil {
		c.observer = NewMetricsObserver(c.metrics)
	}

	for _, bc := range params.Backends {
		pool := bc.Pool
		c.backends = append(c.backends, pool)

		cfg := bc.ProbeConfig
		if cfg.Request == nil {
			cfg = probe.DefaultConfig([]byte("HEAD / HTTP/1.1\r\nHost: " + pool.Name + "\r\nConnection: close\r\n\r\n"))
		}
		dial := func(ctx context.Context) (net.Conn, error) {
			return pool.Dial(ctx, pool.Network, pool.Addr)
		}
		target := probe.New(cfg, dial, func(healthy bool) {
			pool.SetHealthy(healthy)
			if c.observer != nil {
				c.observer.ObserveProbeTransition(healthy)
			}
			if c.logger != nil {
				c.logger.Printf("backend %s transitioned healthy=%v", pool.Name, healthy)
			}
		})
		target.Start()
		c.probes = append(c.probes, target)
	}

	return c, nil
}

// Close stops every running probe. Registered storage engines and
// backend connection pools are owned by the caller and are not closed
// here, since a factory's backing Store may be shared across more
// than one Cache in tests.
func (c *Cache) Close() error {
	for _, t := range c.probes {
		t.Stop()
	}
	c.metrics.Stop()
	return nil
}

// Events returns the object lifecycle event bus, so callers can
// subscribe to ban/TTL-change/insert notifications.
func (c *Cache) Events() *objevent.Bus { return c.events }

// Metrics returns the Cache's metrics instance.
func (c *Cache) Metrics() *Metrics { return c.metrics }

// HashKey computes the object hash a Cache uses to index entries, from
// a cache key string (typically method + scheme + host + URL + Vary
// axes, assembled by the caller).
func HashKey(key string) [32]byte {
	return sha256.Sum256([]byte(key))
}

// Lookup finds a live, unexpired entry for hash and Refs its ObjCore
// on the caller's behalf. The caller must Unref when done.
func (c *Cache) Lookup(hash [32]byte, now time.Time) (*objcore.ObjCore, bool) {
	c.mu.RLock()
	e, ok := c.objects[hash]
	c.mu.RUnlock()
	if !ok || e.expired(now) {
		return nil, false
	}
	e.oc.Ref()
	return e.oc, true
}

// FetchRequest describes one backend round-trip to populate a cache
// entry.
type FetchRequest struct {
	Hash          [32]byte
	StevedoreName string // empty uses Params.DefaultStevedore
	DirectorName  string // empty uses Params.DefaultDirector
	Seed          director.Seed
	Method        string // GET, HEAD, ...; empty defaults to GET
	Path          string
	Host          string
}

// Fetch performs one backend request, classifies and streams the
// response body into a new cache entry, and indexes it for Lookup
// (unless the response is uncacheable, in which case the returned
// ObjCore is still usable for delivery but is never indexed). The
// caller owns exactly one reference to the returned ObjCore.
func (c *Cache) Fetch(ctx context.Context, req FetchRequest) (*objcore.ObjCore, error) {
	start := time.Now()

	stevedoreName := req.StevedoreName
	if stevedoreName == "" {
		stevedoreName = c.defaultStevedore
	}
	factory, ok := c.stevedores[stevedoreName]
	if !ok {
		return nil, NewStevedoreError("Fetch", stevedoreName, ErrCodeInvalidParameters, "unknown stevedore")
	}

	directorName := req.DirectorName
	if directorName == "" {
		directorName = c.defaultDirector
	}
	d, ok := c.directors[directorName]
	if !ok {
		return nil, NewError("Fetch", ErrCodeInvalidParameters, "unknown director: "+directorName)
	}

	st, err := factory(req.Hash)
	if err != nil {
		return nil, WrapError("Fetch", err)
	}

	oc := objcore.New(req.Hash, st)
	boc := objcore.NewBOC(c.transitBuffer)
	oc.Bind(boc)
	if err := oc.SetState(objcore.StateReqDone); err != nil {
		return nil, WrapError("Fetch", err)
	}

	conn, pool, err := d.GetConn(ctx, start, req.Seed)
	if err != nil {
		oc.Fail(err)
		c.observer.ObserveFetch(0, uint64(time.Since(start)), false)
		return oc, WrapError("Fetch", err)
	}

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	if _, err := fmt.Fprintf(conn.NetConn, "%s %s HTTP/1.1\r\nHost: %s\r\nConnection: close\r\n\r\n", method, req.Path, req.Host); err != nil {
		pool.CloseConn(conn)
		oc.Fail(err)
		c.observer.ObserveFetch(0, uint64(time.Since(start)), false)
		return oc, WrapError("Fetch", err)
	}

	br := bufio.NewReader(conn.NetConn)
	resp, err := http.ReadResponse(br, &http.Request{Method: method})
	if err != nil {
		pool.CloseConn(conn)
		oc.Fail(err)
		c.observer.ObserveFetch(0, uint64(time.Since(start)), false)
		return oc, WrapError("Fetch", err)
	}
	defer resp.Body.Close()

	now := time.Now()
	ttlIn := rfc2616.ParseInputs(resp.StatusCode, resp.Header, now)
	ttl := rfc2616.TTL(ttlIn)
	bodyMode := rfc2616.ClassifyBody(method == http.MethodHead, resp.StatusCode, resp.Proto, resp.Header, false)

	if err := oc.Attrs.SetVariable(objcore.AttrHeaders, marshalHeader(resp.Header)); err != nil {
		pool.CloseConn(conn)
		oc.Fail(err)
		return oc, WrapError("Fetch", err)
	}

	if err := oc.SetState(objcore.StatePrepStream); err != nil {
		pool.CloseConn(conn)
		oc.Fail(err)
		return oc, WrapError("Fetch", err)
	}
	if err := oc.SetState(objcore.StateStream); err != nil {
		pool.CloseConn(conn)
		oc.Fail(err)
		return oc, WrapError("Fetch", err)
	}

	var total uint64
	if bodyMode != rfc2616.BodyNone {
		total, err = streamBody(oc, resp.Body)
	}
	pool.CloseConn(conn)

	if err != nil {
		oc.Fail(err)
		c.observer.ObserveFetch(total, uint64(time.Since(start)), false)
		return oc, WrapError("Fetch", err)
	}

	if err := oc.Attrs.SetU64(objcore.AttrLen, total); err != nil {
		oc.Fail(err)
		c.observer.ObserveFetch(total, uint64(time.Since(start)), false)
		return oc, WrapError("Fetch", err)
	}

	if err := oc.BocDone(); err != nil {
		oc.Fail(err)
		c.observer.ObserveFetch(total, uint64(time.Since(start)), false)
		return oc, WrapError("Fetch", err)
	}

	c.observer.ObserveFetch(total, uint64(time.Since(start)), true)

	if ttl > 0 {
		e := &entry{oc: oc, stevedoreName: stevedoreName, expires: now.Add(ttl)}
		c.mu.Lock()
		c.objects[req.Hash] = e
		c.mu.Unlock()
		c.events.Publish(objevent.Insert, req.Hash)
		c.events.Publish(objevent.TTLChg, req.Hash)
	}

	return oc, nil
}

// streamBody pulls resp.Body into oc's bound stevedore in
// constants.DefaultFetchChunkSize pieces, advancing the BOC after each
// one so deliverers streaming concurrently can observe progress.
func streamBody(oc *objcore.ObjCore, body io.Reader) (uint64, error) {
	var total uint64
	for {
		buf, err := oc.GetSpace(constants.DefaultFetchChunkSize)
		if err != nil {
			return total, err
		}
		n, rerr := body.Read(buf)
		if n > 0 {
			if err := oc.Extend(uint64(n)); err != nil {
				return total, err
			}
			total += uint64(n)
		}
		if rerr == io.EOF {
			return total, nil
		}
		if rerr != nil {
			return total, rerr
		}
	}
}

func marshalHeader(h http.Header) []byte {
	var buf []byte
	for k, vs := range h {
		for _, v := range vs {
			buf = append(buf, []byte(k+": "+v+"\r\n")...)
		}
	}
	return buf
}

// Deliver streams oc's body to w. Objects still in StateStream are
// delivered as their bytes land, via the BOC's backpressure protocol;
// finished objects are read straight from the bound stevedore's
// storage if it implements ByteStevedore.
func (c *Cache) Deliver(ctx context.Context, oc *objcore.ObjCore, w io.Writer) (uint64, error) {
	boc := oc.BOC()
	if boc == nil {
		bs, ok := oc.Stevedore().(interfaces.ByteStevedore)
		if !ok {
			return 0, NewObjError("Deliver", fmt.Sprintf("%x", oc.Hash), ErrCodeNotImplemented, "stevedore does not support direct delivery")
		}
		n, err := w.Write(bs.Bytes())
		return uint64(n), err
	}

	var delivered uint64
	for {
		select {
		case <-ctx.Done():
			return delivered, ctx.Err()
		default:
		}

		fetched, err := boc.WaitExtend(delivered)
		if err != nil {
			return delivered, err
		}
		if fetched == delivered {
			done, ferr := boc.Done()
			if done {
				return delivered, ferr
			}
			continue
		}

		bs, ok := oc.Stevedore().(interfaces.ByteStevedore)
		if !ok {
			return delivered, NewObjError("Deliver", fmt.Sprintf("%x", oc.Hash), ErrCodeNotImplemented, "stevedore does not support direct delivery")
		}
		body := bs.Bytes()
		if uint64(len(body)) < fetched {
			fetched = uint64(len(body))
		}
		n, err := w.Write(body[delivered:fetched])
		delivered += uint64(n)
		boc.Sent(delivered)
		c.observer.ObserveDeliver(uint64(n), 0, err == nil)
		if err != nil {
			return delivered, err
		}
		if done, ferr := boc.Done(); done && delivered >= fetched {
			return delivered, ferr
		}
	}
}

// Ban marks every indexed entry whose hash equals target as expired
// immediately, without removing it from the registry (a banned object
// becomes a forced miss on next Lookup; callers needing disk-level ban
// compaction use the persistent silo's own ban journal directly).
func (c *Cache) Ban(target [32]byte) {
	c.mu.Lock()
	if e, ok := c.objects[target]; ok {
		e.expires = time.Unix(0, 0)
	}
	c.mu.Unlock()
	c.events.Publish(objevent.BanChg, target)
	c.observer.ObserveBanPublish()
}
