package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestPrometheusObserverRecordsFetchAndDeliver(t *testing.T) {
	reg := prometheus.NewRegistry()
	o := NewPrometheusObserver(reg)

	o.ObserveFetch(1024, 5_000_000, true)
	o.ObserveFetch(0, 1_000_000, false)
	o.ObserveDeliver(512, 2_000_000, true)

	require.Equal(t, float64(1024), testutil.ToFloat64(o.fetchBytes))
	require.Equal(t, float64(512), testutil.ToFloat64(o.deliverBytes))
	require.Equal(t, float64(1), testutil.ToFloat64(o.fetchTotal.WithLabelValues("success")))
	require.Equal(t, float64(1), testutil.ToFloat64(o.fetchTotal.WithLabelValues("error")))
}

func TestPrometheusObserverProbeTransitions(t *testing.T) {
	reg := prometheus.NewRegistry()
	o := NewPrometheusObserver(reg)

	o.ObserveProbeTransition(true)
	o.ObserveProbeTransition(true)
	o.ObserveProbeTransition(false)

	require.Equal(t, float64(2), testutil.ToFloat64(o.probeHealthy))
	require.Equal(t, float64(1), testutil.ToFloat64(o.probeSick))
}

func TestPrometheusObserverQueueDepthAndBan(t *testing.T) {
	reg := prometheus.NewRegistry()
	o := NewPrometheusObserver(reg)

	o.ObserveQueueDepth(7)
	o.ObserveBanPublish()
	o.ObserveBanPublish()

	require.Equal(t, float64(7), testutil.ToFloat64(o.queueDepth))
	require.Equal(t, float64(2), testutil.ToFloat64(o.banPublishes))
}
