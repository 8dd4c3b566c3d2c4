// Package metrics exposes the broker's runtime counters via
// prometheus/client_golang (SPEC_FULL's domain-stack wiring for session
// and runtime metrics), surfaced from an optional /metrics endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// Registry bundles the broker-wide metric instruments. One Registry is
// created at boot and shared read-only by every session (the instruments
// themselves are concurrency-safe; nothing about a session mutates the
// Registry's shape at runtime).
type Registry struct {
	VisitorsConnected  prometheus.Gauge
	SessionsActive     prometheus.Gauge
	BytesForwarded     *prometheus.CounterVec
	CompressionRatio   prometheus.Histogram
	VisitorDisconnects *prometheus.CounterVec
}

// New builds a Registry and registers every instrument with reg.
func New(reg prometheus.Registerer) *Registry {
	m := &Registry{
		VisitorsConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "fluxus",
			Name:      "visitors_connected",
			Help:      "Number of visitor sockets currently proxied across all sessions.",
		}),
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "fluxus",
			Name:      "sessions_active",
			Help:      "Number of agent control connections currently open.",
		}),
		BytesForwarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fluxus",
			Name:      "bytes_forwarded_total",
			Help:      "Bytes forwarded between visitors and agents.",
		}, []string{"direction"}),
		CompressionRatio: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "fluxus",
			Name:      "compression_ratio",
			Help:      "compressed_len / original_len for every Forward payload that was actually compressed.",
			Buckets:   prometheus.LinearBuckets(0.1, 0.1, 9),
		}),
		VisitorDisconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fluxus",
			Name:      "visitor_disconnects_total",
			Help:      "Visitor socket disconnects, by visitor.DisconnectReason.",
		}, []string{"reason"}),
	}
	reg.MustRegister(m.VisitorsConnected, m.SessionsActive, m.BytesForwarded, m.CompressionRatio, m.VisitorDisconnects)
	return m
}

// Snapshot is a point-in-time read of the broker's live counters, used by
// the debug /status endpoint (cmd/broker) to report state as JSON without
// standing up a Prometheus text-format scrape.
type Snapshot struct {
	SessionsActive     float64            `json:"sessions_active"`
	VisitorsConnected  float64            `json:"visitors_connected"`
	BytesForwarded     map[string]float64 `json:"bytes_forwarded"`
	VisitorDisconnects map[string]float64 `json:"visitor_disconnects"`
}

func readGauge(g prometheus.Gauge) float64 {
	var out dto.Metric
	g.Write(&out)
	return out.GetGauge().GetValue()
}

func readCounter(c prometheus.Counter) float64 {
	var out dto.Metric
	c.Write(&out)
	return out.GetCounter().GetValue()
}

// disconnectReasons lists every label Observed by ObserveDisconnect, kept in
// sync with visitor.DisconnectReason's String values.
var disconnectReasons = []string{"peer_closed", "local_eof", "local_error"}

// Snapshot reads every instrument's current value.
func (m *Registry) Snapshot() Snapshot {
	disconnects := make(map[string]float64, len(disconnectReasons))
	for _, reason := range disconnectReasons {
		disconnects[reason] = readCounter(m.VisitorDisconnects.WithLabelValues(reason))
	}
	return Snapshot{
		SessionsActive:    readGauge(m.SessionsActive),
		VisitorsConnected: readGauge(m.VisitorsConnected),
		BytesForwarded: map[string]float64{
			"to_visitor": readCounter(m.BytesForwarded.WithLabelValues("to_visitor")),
			"to_agent":   readCounter(m.BytesForwarded.WithLabelValues("to_agent")),
		},
		VisitorDisconnects: disconnects,
	}
}

// ObserveDisconnect records one visitor socket's disconnect reason (the
// string form of a visitor.DisconnectReason).
func (m *Registry) ObserveDisconnect(reason string) {
	m.VisitorDisconnects.WithLabelValues(reason).Inc()
}

// ObserveForward records one Forward frame's size in the given direction
// ("to_visitor" or "to_agent"), and its compression ratio if it was
// compressed.
func (m *Registry) ObserveForward(direction string, rawLen int, compressed bool, compressedLen int) {
	m.BytesForwarded.WithLabelValues(direction).Add(float64(rawLen))
	if compressed && rawLen > 0 {
		m.CompressionRatio.Observe(float64(compressedLen) / float64(rawLen))
	}
}
