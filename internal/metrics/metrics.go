// Package metrics exposes Prometheus collectors for the realtime core.
//
// All recording methods are safe on a nil *Metrics so components can run
// without instrumentation in tests.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "gochat"

// Delivery outcomes used as the "outcome" label.
const (
	OutcomeDelivered = "delivered"
	OutcomeFailed    = "failed"
	OutcomeOffline   = "offline"
)

// Metrics groups the collectors registered for one process.
type Metrics struct {
	// Connections is the number of registered live connections.
	Connections prometheus.Gauge

	// OnlineUsers is the size of the online set.
	OnlineUsers prometheus.Gauge

	// PresenceBroadcasts counts full online-set broadcasts.
	PresenceBroadcasts prometheus.Counter

	// Pushes counts per-connection pushes.
	// Labels: kind (presence|message|typing), outcome (delivered|failed)
	Pushes *prometheus.CounterVec

	// Messages counts routed message events.
	// Labels: outcome (delivered|offline|failed)
	Messages *prometheus.CounterVec

	// AuthFailures counts rejected connection attempts.
	AuthFailures prometheus.Counter

	// ConnectionDuration measures connection lifetime in seconds.
	ConnectionDuration prometheus.Histogram
}

// New creates the collectors and registers them with reg. Passing a fresh
// prometheus.NewRegistry() keeps tests isolated from the default registry.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Connections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Number of live websocket connections registered",
		}),
		OnlineUsers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "online_users",
			Help:      "Number of users with at least one live connection",
		}),
		PresenceBroadcasts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "presence_broadcasts_total",
			Help:      "Total number of online-set broadcasts",
		}),
		Pushes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pushes_total",
			Help:      "Total number of frames pushed to connections by kind and outcome",
		}, []string{"kind", "outcome"}),
		Messages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Total number of message events routed by outcome",
		}, []string{"outcome"}),
		AuthFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_failures_total",
			Help:      "Total number of rejected connection attempts",
		}),
		ConnectionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "connection_duration_seconds",
			Help:      "Lifetime of websocket connections in seconds",
			Buckets:   []float64{1, 10, 60, 300, 1800, 3600, 14400, 86400},
		}),
	}
}

// SetPresence records the registry sizes.
func (m *Metrics) SetPresence(connections, users int) {
	if m == nil {
		return
	}
	m.Connections.Set(float64(connections))
	m.OnlineUsers.Set(float64(users))
}

// Broadcast records one presence broadcast.
func (m *Metrics) Broadcast() {
	if m == nil {
		return
	}
	m.PresenceBroadcasts.Inc()
}

// Push records the outcome of a single push.
func (m *Metrics) Push(kind string, err error) {
	if m == nil {
		return
	}
	outcome := OutcomeDelivered
	if err != nil {
		outcome = OutcomeFailed
	}
	m.Pushes.WithLabelValues(kind, outcome).Inc()
}

// Message records how a routed message ended up.
func (m *Metrics) Message(outcome string) {
	if m == nil {
		return
	}
	m.Messages.WithLabelValues(outcome).Inc()
}

// AuthFailure records a rejected connection attempt.
func (m *Metrics) AuthFailure() {
	if m == nil {
		return
	}
	m.AuthFailures.Inc()
}

// ConnectionClosed records the lifetime of a closed connection.
func (m *Metrics) ConnectionClosed(seconds float64) {
	if m == nil {
		return
	}
	m.ConnectionDuration.Observe(seconds)
}
