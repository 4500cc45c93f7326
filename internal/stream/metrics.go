package stream

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts connection-level activity. Pass a nil registerer to keep the
// metrics private to the manager (useful in tests).
type Metrics struct {
	Connects       prometheus.Counter
	Reconnects     prometheus.Counter
	EventsReceived prometheus.Counter
	Errors         *prometheus.CounterVec
}

// NewMetrics registers the stream metrics against reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)
	return &Metrics{
		Connects: factory.NewCounter(prometheus.CounterOpts{
			Name: "stream_connects_total",
			Help: "Successful event feed connections.",
		}),
		Reconnects: factory.NewCounter(prometheus.CounterOpts{
			Name: "stream_reconnects_total",
			Help: "Automatic reconnect attempts after a retryable failure.",
		}),
		EventsReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "stream_events_received_total",
			Help: "Raw events delivered from the feed.",
		}),
		Errors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "stream_errors_total",
			Help: "Stream failures by classification code.",
		}, []string{"code"}),
	}
}
