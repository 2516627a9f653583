package node

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metrics groups the service's Prometheus instrumentation, grounded on
// the funder collector's metrics package: domain gauges/counters plus an
// errors counter keyed by a short error-type label.
type metrics struct {
	peersConnected   prometheus.Gauge
	packetsSent      *prometheus.CounterVec
	packetsReceived  *prometheus.CounterVec
	packetsRejected  prometheus.Counter
	bytesQueued      prometheus.Gauge
	errors           *prometheus.CounterVec
	simultaneousWins prometheus.Counter
}

const (
	errTypeRelayExhausted = "relay_exhausted"
	errTypeTunnelWrite    = "tunnel_write"
	errTypePrecondition   = "precondition"
)

func newMetrics(reg prometheus.Registerer) *metrics {
	f := promauto.With(reg)
	return &metrics{
		peersConnected: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "signalnode",
			Name:      "peers_connected",
			Help:      "Number of peers currently in the Connected state.",
		}),
		packetsSent: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "signalnode",
			Name:      "packets_sent_total",
			Help:      "Packets written to a tunnel, by type.",
		}, []string{"type"}),
		packetsReceived: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "signalnode",
			Name:      "packets_received_total",
			Help:      "Valid packets accepted by the codec, by type.",
		}, []string{"type"}),
		packetsRejected: f.NewCounter(prometheus.CounterOpts{
			Namespace: "signalnode",
			Name:      "packets_rejected_total",
			Help:      "Packets dropped by the codec boundary (malformed, stale, bad signature, wrong network).",
		}),
		bytesQueued: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "signalnode",
			Name:      "outbox_bytes_queued",
			Help:      "Total bytes currently buffered across all outbox queues.",
		}),
		errors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "signalnode",
			Name:      "errors_total",
			Help:      "Errors encountered, by type.",
		}, []string{"type"}),
		simultaneousWins: f.NewCounter(prometheus.CounterOpts{
			Namespace: "signalnode",
			Name:      "simultaneous_connect_restarts_total",
			Help:      "Times this node was the lexicographically-smaller side that restarted a simultaneous-connect race.",
		}),
	}
}
