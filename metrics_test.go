package cachecore

import (
	"testing"
	"time"
)

func TestMetrics(t *testing.T) {
	m := NewMetrics()

	snap := m.Snapshot()
	if snap.TotalOps != 0 {
		t.Errorf("Expected 0 initial ops, got %d", snap.TotalOps)
	}

	m.RecordFetch(1024, 1000000, true)
	m.RecordDeliver(2048, 2000000, true)
	m.RecordFetch(512, 500000, false)

	snap = m.Snapshot()

	if snap.FetchOps != 2 {
		t.Errorf("Expected 2 fetch ops, got %d", snap.FetchOps)
	}
	if snap.DeliverOps != 1 {
		t.Errorf("Expected 1 deliver op, got %d", snap.DeliverOps)
	}

	if snap.FetchBytes != 1024 {
		t.Errorf("Expected 1024 fetch bytes, got %d", snap.FetchBytes)
	}
	if snap.DeliverBytes != 2048 {
		t.Errorf("Expected 2048 deliver bytes, got %d", snap.DeliverBytes)
	}

	if snap.FetchErrors != 1 {
		t.Errorf("Expected 1 fetch error, got %d", snap.FetchErrors)
	}
	if snap.DeliverErrors != 0 {
		t.Errorf("Expected 0 deliver errors, got %d", snap.DeliverErrors)
	}

	expectedErrorRate := float64(1) / float64(3) * 100.0
	if snap.ErrorRate < expectedErrorRate-0.1 || snap.ErrorRate > expectedErrorRate+0.1 {
		t.Errorf("Expected error rate ~%.1f%%, got %.1f%%", expectedErrorRate, snap.ErrorRate)
	}
}

func TestMetricsQueueDepth(t *testing.T) {
	m := NewMetrics()

	m.RecordQueueDepth(10)
	m.RecordQueueDepth(20)
	m.RecordQueueDepth(15)

	snap := m.Snapshot()

	if snap.MaxQueueDepth != 20 {
		t.Errorf("Expected max queue depth 20, got %d", snap.MaxQueueDepth)
	}

	expectedAvg := float64(10+20+15) / 3.0
	if snap.AvgQueueDepth < expectedAvg-0.1 || snap.AvgQueueDepth > expectedAvg+0.1 {
		t.Errorf("Expected avg queue depth %.1f, got %.1f", expectedAvg, snap.AvgQueueDepth)
	}
}

func TestMetricsLatency(t *testing.T) {
	m := NewMetrics()

	m.RecordFetch(1024, 1000000, true)  // 1ms
	m.RecordDeliver(1024, 2000000, true) // 2ms

	snap := m.Snapshot()

	expectedAvgNs := uint64(1500000)
	if snap.AvgLatencyNs != expectedAvgNs {
		t.Errorf("Expected avg latency %d ns, got %d ns", expectedAvgNs, snap.AvgLatencyNs)
	}
}

func TestMetricsUptime(t *testing.T) {
	m := NewMetrics()

	time.Sleep(10 * time.Millisecond)

	snap := m.Snapshot()

	if snap.UptimeNs < 10*1000000 {
		t.Errorf("Expected uptime >= 10ms, got %d ns", snap.UptimeNs)
	}

	m.Stop()
	time.Sleep(5 * time.Millisecond)

	snap2 := m.Snapshot()

	if snap2.UptimeNs > snap.UptimeNs+2*1000000 {
		t.Errorf("Uptime increased too much after stop: %d -> %d", snap.UptimeNs, snap2.UptimeNs)
	}
}

func TestMetricsReset(t *testing.T) {
	m := NewMetrics()

	m.RecordFetch(1024, 1000000, true)
	m.RecordDeliver(2048, 2000000, true)
	m.RecordQueueDepth(10)

	snap := m.Snapshot()
	if snap.TotalOps == 0 {
		t.Error("Expected some operations before reset")
	}

	m.Reset()

	snap = m.Snapshot()
	if snap.TotalOps != 0 {
		t.Errorf("Expected 0 ops after reset, got %d", snap.TotalOps)
	}
	if snap.TotalBytes != 0 {
		t.Errorf("Expected 0 bytes after reset, got %d", snap.TotalBytes)
	}
	if snap.MaxQueueDepth != 0 {
		t.Errorf("Expected 0 max queue depth after reset, got %d", snap.MaxQueueDepth)
	}
}

func TestObserver(t *testing.T) {
	observer := &NoOpObserver{}
	observer.ObserveFetch(1024, 1000000, true)
	observer.ObserveDeliver(1024, 1000000, true)
	observer.ObserveNuke(true)
	observer.ObserveBanPublish()
	observer.ObserveProbeTransition(true)
	observer.ObserveQueueDepth(10)

	m := NewMetrics()
	metricsObserver := NewMetricsObserver(m)

	metricsObserver.ObserveFetch(1024, 1000000, true)
	metricsObserver.ObserveDeliver(2048, 2000000, true)

	snap := m.Snapshot()
	if snap.FetchOps != 1 {
		t.Errorf("Expected 1 fetch op from observer, got %d", snap.FetchOps)
	}
	if snap.DeliverOps != 1 {
		t.Errorf("Expected 1 deliver op from observer, got %d", snap.DeliverOps)
	}
	if snap.FetchBytes != 1024 {
		t.Errorf("Expected 1024 fetch bytes from observer, got %d", snap.FetchBytes)
	}
	if snap.DeliverBytes != 2048 {
		t.Errorf("Expected 2048 deliver bytes from observer, got %d", snap.DeliverBytes)
	}
}

func TestMetricsRates(t *testing.T) {
	m := NewMetrics()

	startTime := time.Now()
	m.StartTime.Store(startTime.UnixNano())

	m.RecordFetch(1024, 1000000, true)
	m.RecordDeliver(2048, 2000000, true)

	stopTime := startTime.Add(1 * time.Second)
	m.StopTime.Store(stopTime.UnixNano())

	snap := m.Snapshot()

	if snap.FetchRate < 0.9 || snap.FetchRate > 1.1 {
		t.Errorf("Expected FetchRate ~1.0, got %.2f", snap.FetchRate)
	}
	if snap.DeliverRate < 0.9 || snap.DeliverRate > 1.1 {
		t.Errorf("Expected DeliverRate ~1.0, got %.2f", snap.DeliverRate)
	}

	if snap.FetchBandwidth < 1000 || snap.FetchBandwidth > 1050 {
		t.Errorf("Expected FetchBandwidth ~1024, got %.2f", snap.FetchBandwidth)
	}
	if snap.DeliverBandwidth < 2000 || snap.DeliverBandwidth > 2100 {
		t.Errorf("Expected DeliverBandwidth ~2048, got %.2f", snap.DeliverBandwidth)
	}
}

func TestMetricsHistogram(t *testing.T) {
	m := NewMetrics()

	for i := 0; i < 50; i++ {
		m.RecordFetch(1024, 500_000, true) // 500us
	}
	for i := 0; i < 49; i++ {
		m.RecordDeliver(1024, 5_000_000, true) // 5ms
	}
	m.RecordDeliver(1024, 50_000_000, true) // 50ms (P99)

	snap := m.Snapshot()

	if snap.TotalOps != 100 {
		t.Errorf("Expected 100 total ops, got %d", snap.TotalOps)
	}

	if snap.LatencyP50Ns < 100_000 || snap.LatencyP50Ns > 1_000_000 {
		t.Errorf("Expected P50 in 100us-1ms range, got %d ns", snap.LatencyP50Ns)
	}

	if snap.LatencyP99Ns < 5_000_000 || snap.LatencyP99Ns > 100_000_000 {
		t.Errorf("Expected P99 in 5ms-100ms range, got %d ns", snap.LatencyP99Ns)
	}

	totalInBuckets := uint64(0)
	for i := 0; i < len(snap.LatencyHistogram); i++ {
		totalInBuckets += snap.LatencyHistogram[i]
	}
	if totalInBuckets == 0 {
		t.Error("Expected histogram buckets to be populated")
	}
}
