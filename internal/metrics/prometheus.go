// Package metrics provides a Prometheus-backed implementation of the
// root package's Observer interface, as an alternative to the
// built-in atomic-counter Metrics/MetricsObserver pair.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusObserver records the same fetch/deliver/nuke/ban/probe
// events the root package's MetricsObserver does, as Prometheus
// counters, histograms, and gauges instead of atomic fields.
type PrometheusObserver struct {
	fetchTotal   *prometheus.CounterVec
	fetchBytes   prometheus.Counter
	fetchLatency prometheus.Histogram

	deliverTotal   *prometheus.CounterVec
	deliverBytes   prometheus.Counter
	deliverLatency prometheus.Histogram

	nukeTotal      *prometheus.CounterVec
	banPublishes   prometheus.Counter
	probeHealthy   prometheus.Counter
	probeSick      prometheus.Counter
	queueDepth     prometheus.Gauge
}

// NewPrometheusObserver creates and registers a PrometheusObserver
// against reg. Pass prometheus.DefaultRegisterer to use the global
// registry.
func NewPrometheusObserver(reg prometheus.Registerer) *PrometheusObserver {
	o := &PrometheusObserver{
		fetchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cachecore_fetch_total",
			Help: "Total backend fetch operations, labeled by outcome.",
		}, []string{"outcome"}),
		fetchBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cachecore_fetch_bytes_total",
			Help: "Total body bytes pulled from backends.",
		}),
		fetchLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "cachecore_fetch_latency_seconds",
			Help:    "Backend fetch latency.",
			Buckets: prometheus.DefBuckets,
		}),
		deliverTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cachecore_deliver_total",
			Help: "Total client delivery operations, labeled by outcome.",
		}, []string{"outcome"}),
		deliverBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cachecore_deliver_bytes_total",
			Help: "Total body bytes streamed to clients.",
		}),
		deliverLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "cachecore_deliver_latency_seconds",
			Help:    "Client delivery latency.",
			Buckets: prometheus.DefBuckets,
		}),
		nukeTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cachecore_nuke_total",
			Help: "Total LRU eviction attempts, labeled by outcome.",
		}, []string{"outcome"}),
		banPublishes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cachecore_ban_publish_total",
			Help: "Total ban-list publish events.",
		}),
		probeHealthy: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cachecore_probe_healthy_total",
			Help: "Total backend probe transitions to healthy.",
		}),
		probeSick: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cachecore_probe_sick_total",
			Help: "Total backend probe transitions to sick.",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cachecore_boc_queue_depth",
			Help: "Most recently observed busy-object transit buffer occupancy.",
		}),
	}

	reg.MustRegister(
		o.fetchTotal, o.fetchBytes, o.fetchLatency,
		o.deliverTotal, o.deliverBytes, o.deliverLatency,
		o.nukeTotal, o.banPublishes, o.probeHealthy, o.probeSick, o.queueDepth,
	)
	return o
}

func outcome(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

func (o *PrometheusObserver) ObserveFetch(bytes uint64, latencyNs uint64, success bool) {
	o.fetchTotal.WithLabelValues(outcome(success)).Inc()
	if success {
		o.fetchBytes.Add(float64(bytes))
	}
	o.fetchLatency.Observe(time.Duration(latencyNs).Seconds())
}

func (o *PrometheusObserver) ObserveDeliver(bytes uint64, latencyNs uint64, success bool) {
	o.deliverTotal.WithLabelValues(outcome(success)).Inc()
	if success {
		o.deliverBytes.Add(float64(bytes))
	}
	o.deliverLatency.Observe(time.Duration(latencyNs).Seconds())
}

func (o *PrometheusObserver) ObserveNuke(success bool) {
	o.nukeTotal.WithLabelValues(outcome(success)).Inc()
}

func (o *PrometheusObserver) ObserveBanPublish() {
	o.banPublishes.Inc()
}

func (o *PrometheusObserver) ObserveProbeTransition(healthy bool) {
	if healthy {
		o.probeHealthy.Inc()
	} else {
		o.probeSick.Inc()
	}
}

func (o *PrometheusObserver) ObserveQueueDepth(depth uint32) {
	o.queueDepth.Set(float64(depth))
}

// Handler returns the promhttp handler serving this observer's
// registry in the text exposition format, for mounting at /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
