package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ovs_tunnel_agent"

// Result label values
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

// Metrics holds the agent's collectors
type Metrics struct {
	CommandsTotal      *prometheus.CounterVec
	CommandDuration    *prometheus.HistogramVec
	QueueDepth         prometheus.Gauge
	PeerResubscribes   prometheus.Counter
	PeerNotifications  prometheus.Counter
	DeviceEvents       *prometheus.CounterVec
	DeviceResubscribes prometheus.Counter

	registry *prometheus.Registry
}

// New creates the collectors and registers them on a private registry
func New() *Metrics {
	m := &Metrics{
		CommandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Commands executed, by command kind and result.",
		}, []string{"command", "result"}),
		CommandDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "command_duration_seconds",
			Help:      "Command execution time.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"command"}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Commands waiting in the queue.",
		}),
		PeerResubscribes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "peer_resubscribes_total",
			Help:      "Times the peer notification subscription was re-established after a failure.",
		}),
		PeerNotifications: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "peer_notifications_total",
			Help:      "Peer notifications received.",
		}),
		DeviceEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "device_events_total",
			Help:      "Device add/remove events turned into commands.",
		}, []string{"action"}),
		DeviceResubscribes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "device_resubscribes_total",
			Help:      "Times the netlink link subscription was re-established.",
		}),
		registry: prometheus.NewRegistry(),
	}

	m.registry.MustRegister(
		m.CommandsTotal,
		m.CommandDuration,
		m.QueueDepth,
		m.PeerResubscribes,
		m.PeerNotifications,
		m.DeviceEvents,
		m.DeviceResubscribes,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the registry holding the agent's collectors
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the collectors in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
