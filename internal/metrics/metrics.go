// Package metrics exposes master state as Prometheus metrics. Values are
// driven by the event bus, so nothing in the control path calls into it.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/smazurov/thriftpool/internal/events"
)

const namespace = "thriftpool"

// Subscriber is the part of the event bus the metrics listen on.
type Subscriber interface {
	Subscribe(handler any) func()
}

// Metrics holds the master's collectors.
type Metrics struct {
	workersActive   prometheus.Gauge
	listenersActive prometheus.Gauge
	spawns          prometheus.Counter
	exits           *prometheus.CounterVec
	channelFailures prometheus.Counter
	broadcasts      *prometheus.CounterVec
	configReloads   prometheus.Counter
}

// New registers the collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		workersActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "workers_active",
			Help:      "Workers with a live control channel",
		}),
		listenersActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "listeners_active",
			Help:      "Open listening sockets",
		}),
		spawns: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_spawns_total",
			Help:      "Worker processes configured after spawn",
		}),
		exits: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_exits_total",
			Help:      "Worker exits observed while serving, by exit code",
		}, []string{"code"}),
		channelFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "channel_failures_total",
			Help:      "Control channels dropped after a protocol error",
		}),
		broadcasts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcasts_total",
			Help:      "Calls broadcast to the workers, by method",
		}, []string{"method"}),
		configReloads: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "config_reloads_total",
			Help:      "Configuration reloads applied",
		}),
	}
}

// Attach updates the collectors from bus events until the returned function
// is called.
func (m *Metrics) Attach(bus Subscriber) func() {
	unsubs := []func(){
		bus.Subscribe(func(events.ListenerStartedEvent) { m.listenersActive.Inc() }),
		bus.Subscribe(func(events.ListenerStoppedEvent) { m.listenersActive.Dec() }),
		bus.Subscribe(func(events.WorkerSpawnedEvent) {
			m.spawns.Inc()
			m.workersActive.Inc()
		}),
		bus.Subscribe(func(e events.WorkerExitedEvent) {
			m.exits.WithLabelValues(exitCode(e.ExitCode)).Inc()
			m.workersActive.Dec()
		}),
		bus.Subscribe(func(events.ChannelFailedEvent) { m.channelFailures.Inc() }),
		bus.Subscribe(func(e events.CallBroadcastEvent) { m.broadcasts.WithLabelValues(e.Method).Inc() }),
		bus.Subscribe(func(events.ConfigReloadedEvent) { m.configReloads.Inc() }),
	}
	return func() {
		for _, unsub := range unsubs {
			unsub()
		}
	}
}

// Handler serves the metrics gathered by g in the text exposition format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
