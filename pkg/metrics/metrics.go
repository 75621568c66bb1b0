// Package metrics exposes the engine's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector bundles the engine's Prometheus metrics.
type Collector struct {
	signalsAppended  *prometheus.CounterVec
	appendFailures   prometheus.Counter
	sequencesStarted prometheus.Counter
	sequencesCancel  prometheus.Counter
	subscriberDrops  prometheus.Counter
	subscribers      prometheus.Gauge
	recoveredFirings prometheus.Counter
	appendLatency    prometheus.Histogram
}

// NewCollector creates and registers the collector on the given registerer.
// Tests pass a private registry; the server passes the default one.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		signalsAppended: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "raceline_signals_appended_total",
			Help: "Signals appended to the ledger, by kind and source",
		}, []string{"kind", "source"}),
		appendFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "raceline_append_failures_total",
			Help: "Ledger appends that failed after validation",
		}),
		sequencesStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "raceline_sequences_started_total",
			Help: "Starting sequences scheduled",
		}),
		sequencesCancel: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "raceline_sequences_cancelled_total",
			Help: "Starting sequences cancelled or superseded by an override",
		}),
		subscriberDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "raceline_subscriber_drops_total",
			Help: "Subscribers dropped for queue overflow",
		}),
		subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "raceline_subscribers",
			Help: "Currently connected signal stream subscribers",
		}),
		recoveredFirings: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "raceline_recovered_firings_total",
			Help: "Past-due scheduled firings appended during restart recovery",
		}),
		appendLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "raceline_append_latency_seconds",
			Help:    "Latency of the append-derive-publish path",
			Buckets: prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		c.signalsAppended,
		c.appendFailures,
		c.sequencesStarted,
		c.sequencesCancel,
		c.subscriberDrops,
		c.subscribers,
		c.recoveredFirings,
		c.appendLatency,
	)
	return c
}

// RecordAppend counts a successful append.
func (c *Collector) RecordAppend(kind, source string, latencySeconds float64) {
	if c == nil {
		return
	}
	c.signalsAppended.WithLabelValues(kind, source).Inc()
	c.appendLatency.Observe(latencySeconds)
}

// RecordAppendFailure counts a storage-side append failure.
func (c *Collector) RecordAppendFailure() {
	if c == nil {
		return
	}
	c.appendFailures.Inc()
}

// RecordSequenceStarted counts a scheduled starting sequence.
func (c *Collector) RecordSequenceStarted() {
	if c == nil {
		return
	}
	c.sequencesStarted.Inc()
}

// RecordSequenceCancelled counts a cancelled or superseded sequence.
func (c *Collector) RecordSequenceCancelled() {
	if c == nil {
		return
	}
	c.sequencesCancel.Inc()
}

// RecordSubscriberDrop counts a slow-consumer disconnect.
func (c *Collector) RecordSubscriberDrop() {
	if c == nil {
		return
	}
	c.subscriberDrops.Inc()
}

// SubscriberConnected tracks the live subscriber gauge.
func (c *Collector) SubscriberConnected() {
	if c == nil {
		return
	}
	c.subscribers.Inc()
}

// SubscriberDisconnected tracks the live subscriber gauge.
func (c *Collector) SubscriberDisconnected() {
	if c == nil {
		return
	}
	c.subscribers.Dec()
}

// RecordRecoveredFiring counts a past-due firing appended during recovery.
func (c *Collector) RecordRecoveredFiring() {
	if c == nil {
		return
	}
	c.recoveredFirings.Inc()
}
