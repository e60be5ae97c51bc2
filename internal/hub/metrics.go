package hub

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the hub's prometheus collectors.
type Metrics struct {
	Subscribers    prometheus.Gauge
	EventsTotal    *prometheus.CounterVec
	DroppedClients prometheus.Counter
	HookPosts      *prometheus.CounterVec
}

// NewMetrics builds and registers the hub collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "orgx",
			Subsystem: "hub",
			Name:      "subscribers",
			Help:      "Connected SSE subscribers.",
		}),
		EventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "orgx",
			Subsystem: "hub",
			Name:      "events_total",
			Help:      "Events broadcast to subscribers, by type.",
		}, []string{"type"}),
		DroppedClients: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "orgx",
			Subsystem: "hub",
			Name:      "dropped_clients_total",
			Help:      "Subscribers dropped for sustained backpressure.",
		}),
		HookPosts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "orgx",
			Subsystem: "hub",
			Name:      "hook_posts_total",
			Help:      "Runtime hook POSTs received, by outcome.",
		}, []string{"outcome"}),
	}
	if reg != nil {
		reg.MustRegister(m.Subscribers, m.EventsTotal, m.DroppedClients, m.HookPosts)
	}
	return m
}
