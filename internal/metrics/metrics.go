// Package metrics holds the Prometheus collectors for the bridge. All methods
// are safe on a nil *Metrics so components can run uninstrumented.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "scenebridge"

// Exchange directions.
const (
	Outbound = "outbound"
	Inbound  = "inbound"
)

type Metrics struct {
	framesRead        prometheus.Counter
	framesWritten     prometheus.Counter
	frameErrors       *prometheus.CounterVec
	activeConnections prometheus.Gauge
	pendingExchanges  prometheus.Gauge
	exchanges         *prometheus.CounterVec
	exchangeDuration  *prometheus.HistogramVec
	resolutions       *prometheus.CounterVec
	sentences         *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		framesRead: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_read_total",
			Help:      "Frames decoded from client connections.",
		}),
		framesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_written_total",
			Help:      "Frames written to client connections.",
		}),
		frameErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frame_errors_total",
			Help:      "Messages rejected while decoding, by kind.",
		}, []string{"kind"}),
		activeConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_connections",
			Help:      "Currently open client connections.",
		}),
		pendingExchanges: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_exchanges",
			Help:      "Outbound exchanges awaiting a response.",
		}),
		exchanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "exchanges_total",
			Help:      "Completed exchanges by direction and outcome.",
		}, []string{"direction", "outcome"}),
		exchangeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "exchange_duration_seconds",
			Help:      "Exchange latency by direction.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}, []string{"direction"}),
		resolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mesh_resolutions_total",
			Help:      "Mesh provider resolutions by provider and outcome.",
		}, []string{"provider", "outcome"}),
		sentences: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sentences_total",
			Help:      "Executed sentences by terminal status.",
		}, []string{"status"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.framesRead, m.framesWritten, m.frameErrors,
			m.activeConnections, m.pendingExchanges,
			m.exchanges, m.exchangeDuration,
			m.resolutions, m.sentences,
		)
	}
	return m
}

func (m *Metrics) FrameRead() {
	if m != nil {
		m.framesRead.Inc()
	}
}

func (m *Metrics) FrameWritten() {
	if m != nil {
		m.framesWritten.Inc()
	}
}

// FrameError counts a rejected message; kind is framing, invalid_json,
// malformed or unmatched.
func (m *Metrics) FrameError(kind string) {
	if m != nil {
		m.frameErrors.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) ConnOpened() {
	if m != nil {
		m.activeConnections.Inc()
	}
}

func (m *Metrics) ConnClosed() {
	if m != nil {
		m.activeConnections.Dec()
	}
}

func (m *Metrics) ExchangeStarted(direction string) {
	if m != nil && direction == Outbound {
		m.pendingExchanges.Inc()
	}
}

// ExchangeFinished records the outcome of an exchange that took seconds.
func (m *Metrics) ExchangeFinished(direction, outcome string, seconds float64) {
	if m == nil {
		return
	}
	if direction == Outbound {
		m.pendingExchanges.Dec()
	}
	m.exchanges.WithLabelValues(direction, outcome).Inc()
	m.exchangeDuration.WithLabelValues(direction).Observe(seconds)
}

func (m *Metrics) Resolution(provider, outcome string) {
	if m != nil {
		m.resolutions.WithLabelValues(provider, outcome).Inc()
	}
}

func (m *Metrics) Sentence(status string) {
	if m != nil {
		m.sentences.WithLabelValues(status).Inc()
	}
}
