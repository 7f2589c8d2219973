package cachecore

import (
	"sync/atomic"
	"time"
)

// LatencyBuckets defines the latency histogram buckets in nanoseconds.
// Buckets cover from 1us to 10s with logarithmic spacing.
var LatencyBuckets = []uint64{
	1_000,          // 1us
	10_000,         // 10us
	100_000,        // 100us
	1_000_000,      // 1ms
	10_000_000,     // 10ms
	100_000_000,    // 100ms
	1_000_000_000,  // 1s
	10_000_000_000, // 10s
}

const numLatencyBuckets = 8

// Metrics tracks performance and operational statistics for a Cache.
type Metrics struct {
	// Fetch/deliver operation counters
	FetchOps   atomic.Uint64
	DeliverOps atomic.Uint64
	NukeOps    atomic.Uint64
	BanOps     atomic.Uint64

	// Byte counters
	FetchBytes   atomic.Uint64
	DeliverBytes atomic.Uint64

	// Error counters
	FetchErrors   atomic.Uint64
	DeliverErrors atomic.Uint64
	NukeErrors    atomic.Uint64

	// Probe health transitions
	ProbeHealthyTransitions atomic.Uint64
	ProbeSickTransitions    atomic.Uint64

	// Queue statistics (BOC transit_buffer occupancy samples)
	QueueDepthTotal atomic.Uint64
	QueueDepthCount atomic.Uint64
	MaxQueueDepth   atomic.Uint32

	// Performance tracking
	TotalLatencyNs atomic.Uint64
	OpCount        atomic.Uint64

	// Latency histogram buckets (cumulative counts).
	// Each bucket[i] contains the count of operations with latency <= LatencyBuckets[i]
	LatencyBuckets [numLatencyBuckets]atomic.Uint64

	StartTime atomic.Int64
	StopTime  atomic.Int64
}

// NewMetrics creates a new metrics instance.
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// RecordFetch records a backend fetch operation (body bytes pulled into the BOC).
func (m *Metrics) RecordFetch(bytes uint64, latencyNs uint64, success bool) {
	m.FetchOps.Add(1)
	if success {
		m.FetchBytes.Add(bytes)
	} else {
		m.FetchErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

// RecordDeliver records a client delivery operation (body bytes streamed out).
func (m *Metrics) RecordDeliver(bytes uint64, latencyNs uint64, success bool) {
	m.DeliverOps.Add(1)
	if success {
		m.DeliverBytes.Add(bytes)
	} else {
		m.DeliverErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

// RecordNuke records an LRU eviction triggered by a failed GetSpace.
func (m *Metrics) RecordNuke(success bool) {
	m.NukeOps.Add(1)
	if !success {
		m.NukeErrors.Add(1)
	}
}

// RecordBanPublish records one ban published through Cache.Ban.
func (m *Metrics) RecordBanPublish() {
	m.BanOps.Add(1)
}

// RecordProbeTransition records a backend health state change.
func (m *Metrics) RecordProbeTransition(healthy bool) {
	if healthy {
		m.ProbeHealthyTransitions.Add(1)
	} else {
		m.ProbeSickTransitions.Add(1)
	}
}

// RecordQueueDepth records current BOC transit_buffer occupancy for statistics.
func (m *Metrics) RecordQueueDepth(depth uint32) {
	m.QueueDepthTotal.Add(uint64(depth))
	m.QueueDepthCount.Add(1)

	for {
		current := m.MaxQueueDepth.Load()
		if depth <= current {
			break
		}
		if m.MaxQueueDepth.CompareAndSwap(current, depth) {
			break
		}
	}
}

// recordLatency records operation latency and updates the histogram.
func (m *Metrics) recordLatency(latencyNs uint64) {
	m.TotalLatencyNs.Add(latencyNs)
	m.OpCount.Add(1)

	for i, bucket := range LatencyBuckets {
		if latencyNs <= bucket {
			m.LatencyBuckets[i].Add(1)
		}
	}
}

// Stop marks the cache as stopped.
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// MetricsSnapshot is a point-in-time snapshot of Metrics.
type MetricsSnapshot struct {
	FetchOps   uint64
	DeliverOps uint64
	NukeOps    uint64
	BanOps     uint64

	FetchBytes   uint64
	DeliverBytes uint64

	FetchErrors   uint64
	DeliverErrors uint64
	NukeErrors    uint64

	ProbeHealthyTransitions uint64
	ProbeSickTransitions    uint64

	AvgQueueDepth float64
	MaxQueueDepth uint32

	AvgLatencyNs uint64
	UptimeNs     uint64

	LatencyP50Ns  uint64
	LatencyP99Ns  uint64
	LatencyP999Ns uint64

	LatencyHistogram [numLatencyBuckets]uint64

	FetchRate    float64 // fetch ops per second
	DeliverRate  float64 // deliver ops per second
	FetchBandwidth   float64
	DeliverBandwidth float64
	TotalOps     uint64
	TotalBytes   uint64
	ErrorRate    float64
}

// Snapshot creates a point-in-time snapshot of metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		FetchOps:                m.FetchOps.Load(),
		DeliverOps:              m.DeliverOps.Load(),
		NukeOps:                 m.NukeOps.Load(),
		BanOps:                  m.BanOps.Load(),
		FetchBytes:              m.FetchBytes.Load(),
		DeliverBytes:            m.DeliverBytes.Load(),
		FetchErrors:             m.FetchErrors.Load(),
		DeliverErrors:           m.DeliverErrors.Load(),
		NukeErrors:              m.NukeErrors.Load(),
		ProbeHealthyTransitions: m.ProbeHealthyTransitions.Load(),
		ProbeSickTransitions:    m.ProbeSickTransitions.Load(),
		MaxQueueDepth:           m.MaxQueueDepth.Load(),
	}

	snap.TotalOps = snap.FetchOps + snap.DeliverOps + snap.NukeOps + snap.BanOps
	snap.TotalBytes = snap.FetchBytes + snap.DeliverBytes

	queueDepthTotal := m.QueueDepthTotal.Load()
	queueDepthCount := m.QueueDepthCount.Load()
	if queueDepthCount > 0 {
		snap.AvgQueueDepth = float64(queueDepthTotal) / float64(queueDepthCount)
	}

	totalLatencyNs := m.TotalLatencyNs.Load()
	opCount := m.OpCount.Load()
	if opCount > 0 {
		snap.AvgLatencyNs = totalLatencyNs / opCount
	}

	startTime := m.StartTime.Load()
	stopTime := m.StopTime.Load()
	if stopTime > 0 {
		snap.UptimeNs = uint64(stopTime - startTime)
	} else {
		snap.UptimeNs = uint64(time.Now().UnixNano() - startTime)
	}

	if snap.UptimeNs > 0 {
		uptimeSeconds := float64(snap.UptimeNs) / 1e9
		snap.FetchRate = float64(snap.FetchOps) / uptimeSeconds
		snap.DeliverRate = float64(snap.DeliverOps) / uptimeSeconds
		snap.FetchBandwidth = float64(snap.FetchBytes) / uptimeSeconds
		snap.DeliverBandwidth = float64(snap.DeliverBytes) / uptimeSeconds
	}

	totalErrors := snap.FetchErrors + snap.DeliverErrors + snap.NukeErrors
	if snap.TotalOps > 0 {
		snap.ErrorRate = float64(totalErrors) / float64(snap.TotalOps) * 100.0
	}

	for i := 0; i < numLatencyBuckets; i++ {
		snap.LatencyHistogram[i] = m.LatencyBuckets[i].Load()
	}

	if opCount > 0 {
		snap.LatencyP50Ns = m.calculatePercentile(0.50)
		snap.LatencyP99Ns = m.calculatePercentile(0.99)
		snap.LatencyP999Ns = m.calculatePercentile(0.999)
	}

	return snap
}

// calculatePercentile estimates the latency at the given percentile (0.0-1.0)
// using linear interpolation between histogram buckets.
func (m *Metrics) calculatePercentile(percentile float64) uint64 {
	totalOps := m.OpCount.Load()
	if totalOps == 0 {
		return 0
	}

	targetCount := uint64(float64(totalOps) * percentile)

	prevBucket := uint64(0)
	for i, bucket := range LatencyBuckets {
		bucketCount := m.LatencyBuckets[i].Load()
		if bucketCount >= targetCount {
			prevCount := uint64(0)
			if i > 0 {
				prevCount = m.LatencyBuckets[i-1].Load()
			}
			if bucketCount == prevCount {
				return bucket
			}
			fraction := float64(targetCount-prevCount) / float64(bucketCount-prevCount)
			return prevBucket + uint64(fraction*float64(bucket-prevBucket))
		}
		prevBucket = bucket
	}

	return LatencyBuckets[numLatencyBuckets-1]
}

// Reset resets all metrics counters. Useful for testing.
func (m *Metrics) Reset() {
	m.FetchOps.Store(0)
	m.DeliverOps.Store(0)
	m.NukeOps.Store(0)
	m.BanOps.Store(0)
	m.FetchBytes.Store(0)
	m.DeliverBytes.Store(0)
	m.FetchErrors.Store(0)
	m.DeliverErrors.Store(0)
	m.NukeErrors.Store(0)
	m.ProbeHealthyTransitions.Store(0)
	m.ProbeSickTransitions.Store(0)
	m.QueueDepthTotal.Store(0)
	m.QueueDepthCount.Store(0)
	m.MaxQueueDepth.Store(0)
	m.TotalLatencyNs.Store(0)
	m.OpCount.Store(0)
	for i := 0; i < numLatencyBuckets; i++ {
		m.LatencyBuckets[i].Store(0)
	}
	m.StartTime.Store(time.Now().UnixNano())
	m.StopTime.Store(0)
}

// Observer allows pluggable metrics collection.
type Observer interface {
	ObserveFetch(bytes uint64, latencyNs uint64, success bool)
	ObserveDeliver(bytes uint64, latencyNs uint64, success bool)
	ObserveNuke(success bool)
	ObserveBanPublish()
	ObserveProbeTransition(healthy bool)
	ObserveQueueDepth(depth uint32)
}

// NoOpObserver is a no-op implementation of Observer.
type NoOpObserver struct{}

func (NoOpObserver) ObserveFetch(uint64, uint64, bool)   {}
func (NoOpObserver) ObserveDeliver(uint64, uint64, bool) {}
func (NoOpObserver) ObserveNuke(bool)                    {}
func (NoOpObserver) ObserveBanPublish()                  {}
func (NoOpObserver) ObserveProbeTransition(bool)         {}
func (NoOpObserver) ObserveQueueDepth(uint32)            {}

// MetricsObserver implements Observer using the built-in Metrics.
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver creates an observer that records to the given metrics.
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveFetch(bytes uint64, latencyNs uint64, success bool) {
	o.metrics.RecordFetch(bytes, latencyNs, success)
}

func (o *MetricsObserver) ObserveDeliver(bytes uint64, latencyNs uint64, success bool) {
	o.metrics.RecordDeliver(bytes, latencyNs, success)
}

func (o *MetricsObserver) ObserveNuke(success bool) {
	o.metrics.RecordNuke(success)
}

func (o *MetricsObserver) ObserveBanPublish() {
	o.metrics.RecordBanPublish()
}

func (o *MetricsObserver) ObserveProbeTransition(healthy bool) {
	o.metrics.RecordProbeTransition(healthy)
}

func (o *MetricsObserver) ObserveQueueDepth(depth uint32) {
	o.metrics.RecordQueueDepth(depth)
}

// Compile-time interface checks
var _ Observer = (*MetricsObserver)(nil)
var _ Observer = (*NoOpObserver)(nil)
