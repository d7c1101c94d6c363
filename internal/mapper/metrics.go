package mapper

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes the mapper's operational counters and gauges.
type Metrics struct {
	NodesTracked  prometheus.Gauge
	NodesDirect   prometheus.Gauge
	NodesIndirect prometheus.Gauge
	QueueSize     prometheus.Gauge
	PendingProbes prometheus.Gauge

	TraceroutesSent       prometheus.Counter
	TraceroutesSuccessful prometheus.Counter
	TraceroutesFailed     prometheus.Counter
	TraceroutesTimeout    prometheus.Counter
	DirectNodesSkipped    prometheus.Counter
	FilteredNodesSkipped  prometheus.Counter

	EffectiveRate prometheus.Gauge
	EmergencyStop prometheus.Gauge
	Congested     prometheus.Gauge
	QuietHours    prometheus.Gauge

	ResponseTime prometheus.Histogram
}

func newMetrics() *Metrics {
	return &Metrics{
		NodesTracked: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "meshmap_nodes_tracked",
			Help: "Number of nodes currently tracked",
		}),
		NodesDirect: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "meshmap_nodes_direct",
			Help: "Number of tracked nodes classified as direct",
		}),
		NodesIndirect: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "meshmap_nodes_indirect",
			Help: "Number of tracked nodes classified as indirect",
		}),
		QueueSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "meshmap_queue_size",
			Help: "Number of queued traceroute requests",
		}),
		PendingProbes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "meshmap_pending_probes",
			Help: "Number of in-flight probe correlations",
		}),
		TraceroutesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meshmap_traceroutes_sent_total",
			Help: "Count of probes handed to the message router",
		}),
		TraceroutesSuccessful: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meshmap_traceroutes_successful_total",
			Help: "Count of matched probe responses",
		}),
		TraceroutesFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meshmap_traceroutes_failed_total",
			Help: "Count of failed probes, including timeouts and send failures",
		}),
		TraceroutesTimeout: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meshmap_traceroutes_timeout_total",
			Help: "Count of probes that expired without a response",
		}),
		DirectNodesSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meshmap_direct_nodes_skipped_total",
			Help: "Count of queued requests canceled by an indirect-to-direct transition",
		}),
		FilteredNodesSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meshmap_filtered_nodes_skipped_total",
			Help: "Count of enqueue attempts rejected by trace filters",
		}),
		EffectiveRate: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "meshmap_effective_rate_per_minute",
			Help: "Current effective probe rate after health throttling",
		}),
		EmergencyStop: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "meshmap_emergency_stop",
			Help: "1 while the emergency-stop latch is engaged",
		}),
		Congested: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "meshmap_congested",
			Help: "1 while congestion throttling is active",
		}),
		QuietHours: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "meshmap_quiet_hours",
			Help: "1 while inside the configured quiet-hours interval",
		}),
		ResponseTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "meshmap_probe_response_seconds",
			Help:    "Round-trip time of matched probe responses",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
		}),
	}
}

// Register registers every collector with the given registerer.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		m.NodesTracked, m.NodesDirect, m.NodesIndirect, m.QueueSize, m.PendingProbes,
		m.TraceroutesSent, m.TraceroutesSuccessful, m.TraceroutesFailed, m.TraceroutesTimeout,
		m.DirectNodesSkipped, m.FilteredNodesSkipped,
		m.EffectiveRate, m.EmergencyStop, m.Congested, m.QuietHours,
		m.ResponseTime,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func boolGauge(v bool) float64 {
	if v {
		return 1
	}
	return 0
}
