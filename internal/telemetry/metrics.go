package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/wa-bridge/statussync/internal/session"
)

type Metrics struct {
	transitions     *prometheus.CounterVec
	rejected        *prometheus.CounterVec
	removals        prometheus.Counter
	subscribers     prometheus.Gauge
	streams         *prometheus.CounterVec
	droppedPushes   prometheus.Counter
	requestDuration *prometheus.HistogramVec
}

func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registerer)

	return &Metrics{
		transitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "statussync_transitions_total",
				Help: "Accepted session state transitions",
			},
			[]string{"from", "to"},
		),
		rejected: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "statussync_transitions_rejected_total",
				Help: "Transition requests rejected by the state machine",
			},
			[]string{"reason"},
		),
		removals: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "statussync_sessions_removed_total",
				Help: "Sessions forgotten",
			},
		),
		subscribers: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "statussync_stream_subscribers",
				Help: "Currently registered stream subscribers",
			},
		),
		streams: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "statussync_streams_opened_total",
				Help: "Stream connections accepted",
			},
			[]string{"transport"},
		),
		droppedPushes: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "statussync_pushes_dropped_total",
				Help: "Pushes that removed a subscriber because its buffer was full or closed",
			},
		),
		requestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "statussync_http_request_duration_seconds",
				Help:    "Duration of non-streaming HTTP requests",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
			},
			[]string{"route", "code"},
		),
	}
}

func (m *Metrics) SessionChanged(d session.Delta) {
	m.transitions.WithLabelValues(d.Previous.String(), d.Current.String()).Inc()
}

func (m *Metrics) SessionRemoved(string, string, time.Time) {
	m.removals.Inc()
}

// ObserveRejected counts a request the store refused; reason is
// "no_change", "invalid_transition" or "not_found".
func (m *Metrics) ObserveRejected(reason string) {
	m.rejected.WithLabelValues(reason).Inc()
}

func (m *Metrics) SubscriberAdded()   { m.subscribers.Inc() }
func (m *Metrics) SubscriberRemoved() { m.subscribers.Dec() }
func (m *Metrics) PushDropped()       { m.droppedPushes.Inc() }

func (m *Metrics) StreamOpened(transport string) {
	m.streams.WithLabelValues(transport).Inc()
}

func (m *Metrics) ObserveRequest(route string, code int, d time.Duration) {
	m.requestDuration.WithLabelValues(route, statusClass(code)).Observe(d.Seconds())
}

func statusClass(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}

var _ session.Observer = (*Metrics)(nil)
