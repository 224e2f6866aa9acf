// Package metrics exposes ingestion counters in Prometheus format.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "dustrak"

// Metrics holds the service collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	MessagesReceived *prometheus.CounterVec
	MessagesDecoded  *prometheus.CounterVec
	MessagesDropped  *prometheus.CounterVec
	StoreErrors      *prometheus.CounterVec
	Alerts           prometheus.Counter
	ControlCommands  *prometheus.CounterVec
	SourceConnected  *prometheus.GaugeVec
	Reconnects       *prometheus.CounterVec
	Viewers          prometheus.Gauge
	FanoutDropped    prometheus.Counter
}

// New creates the collectors and registers them with Go runtime metrics on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		MessagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mqtt",
			Name:      "messages_received_total",
			Help:      "MQTT messages received per data source.",
		}, []string{"source"}),
		MessagesDecoded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "messages_decoded_total",
			Help:      "Messages decoded per wire format.",
		}, []string{"format"}),
		MessagesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "messages_dropped_total",
			Help:      "Messages dropped before persistence, by reason.",
		}, []string{"reason"}),
		StoreErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "errors_total",
			Help:      "Store operations that failed, by operation.",
		}, []string{"op"}),
		Alerts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "control",
			Name:      "alerts_total",
			Help:      "Threshold alerts raised.",
		}),
		ControlCommands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "control",
			Name:      "commands_total",
			Help:      "Control messages published, by command.",
		}, []string{"command"}),
		SourceConnected: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "mqtt",
			Name:      "connected",
			Help:      "1 while the data source connection is up.",
		}, []string{"source"}),
		Reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mqtt",
			Name:      "reconnects_total",
			Help:      "Reconnect attempts per data source.",
		}, []string{"source"}),
		Viewers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "fanout",
			Name:      "viewers",
			Help:      "Connected live viewers.",
		}),
		FanoutDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fanout",
			Name:      "dropped_total",
			Help:      "Updates dropped because the hub or a viewer was full.",
		}),
	}

	m.registry.MustRegister(
		m.MessagesReceived,
		m.MessagesDecoded,
		m.MessagesDropped,
		m.StoreErrors,
		m.Alerts,
		m.ControlCommands,
		m.SourceConnected,
		m.Reconnects,
		m.Viewers,
		m.FanoutDropped,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the underlying Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

func source(id int64) string { return strconv.FormatInt(id, 10) }

func (m *Metrics) Received(sourceID int64) {
	if m != nil {
		m.MessagesReceived.WithLabelValues(source(sourceID)).Inc()
	}
}

func (m *Metrics) Decoded(format string) {
	if m != nil {
		m.MessagesDecoded.WithLabelValues(format).Inc()
	}
}

func (m *Metrics) Dropped(reason string) {
	if m != nil {
		m.MessagesDropped.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) StoreError(op string) {
	if m != nil {
		m.StoreErrors.WithLabelValues(op).Inc()
	}
}

func (m *Metrics) Alert() {
	if m != nil {
		m.Alerts.Inc()
	}
}

func (m *Metrics) Command(command string) {
	if m != nil {
		m.ControlCommands.WithLabelValues(command).Inc()
	}
}

func (m *Metrics) Connected(sourceID int64, up bool) {
	if m == nil {
		return
	}
	v := 0.0
	if up {
		v = 1
	}
	m.SourceConnected.WithLabelValues(source(sourceID)).Set(v)
}

// Forget removes the per-source series of a deleted data source.
func (m *Metrics) Forget(sourceID int64) {
	if m == nil {
		return
	}
	m.SourceConnected.DeleteLabelValues(source(sourceID))
	m.MessagesReceived.DeleteLabelValues(source(sourceID))
	m.Reconnects.DeleteLabelValues(source(sourceID))
}

func (m *Metrics) Reconnect(sourceID int64) {
	if m != nil {
		m.Reconnects.WithLabelValues(source(sourceID)).Inc()
	}
}

func (m *Metrics) SetViewers(n int) {
	if m != nil {
		m.Viewers.Set(float64(n))
	}
}

func (m *Metrics) FanoutDrop() {
	if m != nil {
		m.FanoutDropped.Inc()
	}
}
