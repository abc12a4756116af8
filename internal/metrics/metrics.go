package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Drop reasons, used as the "reason" label of messages_dropped_total.
const (
	DropReasonMalformed     = "malformed"
	DropReasonUnknownTarget = "unknown_target"
	DropReasonWriteFailed   = "write_failed"
	DropReasonRateLimited   = "rate_limited"
)

const namespace = "sigrelay"

// Relay holds the relay's Prometheus collectors.
//
// All methods are safe to call on a nil *Relay, which records nothing.
type Relay struct {
	connections prometheus.Counter
	clients     prometheus.Gauge
	forwarded   *prometheus.CounterVec
	dropped     *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
// A nil reg leaves them unregistered.
func New(reg prometheus.Registerer) *Relay {
	f := promauto.With(reg)
	return &Relay{
		connections: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Signaling channels that completed the handshake.",
		}),
		clients: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "clients_registered",
			Help:      "Clients currently holding an identifier.",
		}),
		forwarded: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_forwarded_total",
			Help:      "Messages delivered to their target.",
		}, []string{"kind"}),
		dropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_dropped_total",
			Help:      "Inbound messages discarded by the relay.",
		}, []string{"reason"}),
	}
}

func (m *Relay) Connected() {
	if m == nil {
		return
	}
	m.connections.Inc()
	m.clients.Inc()
}

func (m *Relay) Disconnected() {
	if m == nil {
		return
	}
	m.clients.Dec()
}

func (m *Relay) Forwarded(kind string) {
	if m == nil {
		return
	}
	m.forwarded.WithLabelValues(kind).Inc()
}

func (m *Relay) Dropped(reason string) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(reason).Inc()
}
