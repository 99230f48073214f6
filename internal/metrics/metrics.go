// ABOUTME: Prometheus instruments for the event bus, streams, security gate and HTTP layer
// ABOUTME: All recording methods tolerate a nil *Metrics so callers never need to check

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "coven_board"

// Metrics holds all Prometheus metrics for coven-board.
type Metrics struct {
	// Event bus
	EventsPublished *prometheus.CounterVec
	EventsDropped   prometheus.Counter
	PublishFailures prometheus.Counter
	Subscribers     prometheus.Gauge

	// Streams
	StreamConnections prometheus.Counter
	StreamResyncs     prometheus.Counter
	StreamHeartbeats  prometheus.Counter

	// Security gate
	CSRFRejections *prometheus.CounterVec
	AuthFailures   *prometheus.CounterVec
	RateLimited    prometheus.Counter

	// Mutations
	Mutations *prometheus.CounterVec

	// HTTP
	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec
}

// New creates a Metrics instance with every metric registered on reg.
// Tests pass prometheus.NewRegistry() to stay isolated.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		EventsPublished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "bus",
				Name:      "events_published_total",
				Help:      "Domain events published on the bus, by kind.",
			},
			[]string{"kind"},
		),
		EventsDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "events_dropped_total",
			Help:      "Events lagging subscribers skipped because the ring wrapped.",
		}),
		PublishFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "publish_failures_total",
			Help:      "Publishes that failed after a committed mutation.",
		}),
		Subscribers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "subscribers",
			Help:      "Currently registered bus subscribers.",
		}),

		StreamConnections: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "connections_total",
			Help:      "Event streams opened.",
		}),
		StreamResyncs: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "resyncs_total",
			Help:      "Resync signals sent to lagging streams.",
		}),
		StreamHeartbeats: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "heartbeats_total",
			Help:      "Keep-alive frames written.",
		}),

		CSRFRejections: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "gate",
				Name:      "csrf_rejections_total",
				Help:      "Unsafe requests rejected by CSRF verification.",
			},
			[]string{"reason"},
		),
		AuthFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "gate",
				Name:      "auth_failures_total",
				Help:      "Failed logins and rejected sessions.",
			},
			[]string{"reason"},
		),
		RateLimited: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gate",
			Name:      "rate_limited_total",
			Help:      "Requests refused by the login rate limiter.",
		}),

		Mutations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "board",
				Name:      "mutations_total",
				Help:      "Mutation attempts by operation and outcome.",
			},
			[]string{"op", "outcome"},
		),

		HTTPRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total number of HTTP requests processed.",
			},
			[]string{"method", "route", "status"},
		),
		HTTPDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "HTTP request duration in seconds.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "route", "status"},
		),
	}
}

// EventPublished records one publish of the given kind.
func (m *Metrics) EventPublished(kind string) {
	if m == nil {
		return
	}
	m.EventsPublished.WithLabelValues(kind).Inc()
}

// EventsMissed records events a lagging subscriber skipped.
func (m *Metrics) EventsMissed(n uint64) {
	if m == nil {
		return
	}
	m.EventsDropped.Add(float64(n))
}

// PublishFailed records a publish that returned an error.
func (m *Metrics) PublishFailed() {
	if m == nil {
		return
	}
	m.PublishFailures.Inc()
}

// SetSubscribers records the current subscriber count.
func (m *Metrics) SetSubscribers(n int) {
	if m == nil {
		return
	}
	m.Subscribers.Set(float64(n))
}

// StreamOpened records a new event stream.
func (m *Metrics) StreamOpened() {
	if m == nil {
		return
	}
	m.StreamConnections.Inc()
}

// ResyncSent records a resync frame.
func (m *Metrics) ResyncSent() {
	if m == nil {
		return
	}
	m.StreamResyncs.Inc()
}

// HeartbeatSent records a keep-alive frame.
func (m *Metrics) HeartbeatSent() {
	if m == nil {
		return
	}
	m.StreamHeartbeats.Inc()
}

// CSRFRejected records a CSRF failure; reason is "missing", "invalid" or "source".
func (m *Metrics) CSRFRejected(reason string) {
	if m == nil {
		return
	}
	m.CSRFRejections.WithLabelValues(reason).Inc()
}

// AuthFailed records a login or session failure.
func (m *Metrics) AuthFailed(reason string) {
	if m == nil {
		return
	}
	m.AuthFailures.WithLabelValues(reason).Inc()
}

// RateLimitHit records a request refused by a rate limiter.
func (m *Metrics) RateLimitHit() {
	if m == nil {
		return
	}
	m.RateLimited.Inc()
}

// Mutation records the outcome of a board mutation.
func (m *Metrics) Mutation(op, outcome string) {
	if m == nil {
		return
	}
	m.Mutations.WithLabelValues(op, outcome).Inc()
}
