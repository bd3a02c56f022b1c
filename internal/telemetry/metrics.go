// internal/telemetry/metrics.go
package telemetry

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsSink turns events into Prometheus series.
type MetricsSink struct {
	registry *prometheus.Registry

	EventsTotal  *prometheus.CounterVec
	TabsOpened   *prometheus.CounterVec
	WindowsOpen  prometheus.Gauge
	PortsOpen    prometheus.Gauge
	WindowResize prometheus.Counter
}

// NewMetricsSink registers the shell metrics on a private registry.
func NewMetricsSink() *MetricsSink {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &MetricsSink{
		registry: reg,
		EventsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "browsershell_events_total",
				Help: "Shell events by kind",
			},
			[]string{"kind"},
		),
		TabsOpened: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "browsershell_tabs_opened_total",
				Help: "Tabs opened by source",
			},
			[]string{"source"},
		),
		WindowsOpen: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "browsershell_windows_open",
				Help: "Number of open windows",
			},
		),
		PortsOpen: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "browsershell_extension_ports_open",
				Help: "Number of connected extension ports",
			},
		),
		WindowResize: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "browsershell_window_resizes_total",
				Help: "Window resize events",
			},
		),
	}
}

// Registry exposes the registry for scraping.
func (m *MetricsSink) Registry() *prometheus.Registry { return m.registry }

// Handler serves the metrics in the Prometheus text format.
func (m *MetricsSink) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *MetricsSink) Name() string { return "metrics" }

func (m *MetricsSink) Write(_ context.Context, events []Event) error {
	for _, ev := range events {
		m.EventsTotal.WithLabelValues(string(ev.Kind)).Inc()
		switch ev.Kind {
		case KindWindowOpened, KindWindowClosed:
			m.WindowsOpen.Set(float64(ev.Count))
		case KindWindowResized:
			m.WindowResize.Inc()
		case KindTabOpened:
			m.TabsOpened.WithLabelValues(ev.Source).Inc()
		case KindPortConnected, KindPortDisconnected:
			m.PortsOpen.Set(float64(ev.Count))
		}
	}
	return nil
}
