// Package metrics exposes prometheus instrumentation for the robot-server
// and the hub. All Record methods are nil-safe so components can run
// uninstrumented in tests.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics contains all pluvio metrics, registered on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	// Serial link metrics
	FramesDecoded prometheus.Counter
	DecodeErrors  prometheus.Counter
	FramesSent    prometheus.Counter
	LinkOpen      prometheus.Gauge

	// Control metrics
	Commands        *prometheus.CounterVec
	CommandDuration prometheus.Histogram

	// Telemetry metrics
	Broadcasts       prometheus.Counter
	TelemetryClients prometheus.Gauge
	SlowClientDrops  prometheus.Counter

	// Hub metrics
	Polls         *prometheus.CounterVec
	RobotsOnline  prometheus.Gauge
	RoutedCmds    *prometheus.CounterVec
	RelayRestarts prometheus.Counter
}

// New creates a Metrics instance with its own registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		FramesDecoded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pluvio",
			Subsystem: "serial",
			Name:      "frames_decoded_total",
			Help:      "Total controller frames decoded successfully",
		}),
		DecodeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pluvio",
			Subsystem: "serial",
			Name:      "decode_errors_total",
			Help:      "Total controller frames rejected by the codec",
		}),
		FramesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pluvio",
			Subsystem: "serial",
			Name:      "frames_sent_total",
			Help:      "Total command frames written to the link",
		}),
		LinkOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pluvio",
			Subsystem: "serial",
			Name:      "link_open",
			Help:      "Serial link state (0=closed, 1=open)",
		}),

		Commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pluvio",
			Subsystem: "control",
			Name:      "commands_total",
			Help:      "Total command envelopes applied",
		}, []string{"status"}),
		CommandDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "pluvio",
			Subsystem: "control",
			Name:      "command_duration_seconds",
			Help:      "Command apply duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}),

		Broadcasts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pluvio",
			Subsystem: "telemetry",
			Name:      "broadcasts_total",
			Help:      "Total telemetry snapshots broadcast",
		}),
		TelemetryClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pluvio",
			Subsystem: "telemetry",
			Name:      "clients",
			Help:      "Connected telemetry clients",
		}),
		SlowClientDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pluvio",
			Subsystem: "telemetry",
			Name:      "slow_client_drops_total",
			Help:      "Clients dropped for not keeping up with the broadcast",
		}),

		Polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pluvio",
			Subsystem: "hub",
			Name:      "polls_total",
			Help:      "Total robot status polls",
		}, []string{"status"}),
		RobotsOnline: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pluvio",
			Subsystem: "hub",
			Name:      "robots_online",
			Help:      "Registered robots currently online",
		}),
		RoutedCmds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pluvio",
			Subsystem: "hub",
			Name:      "routed_commands_total",
			Help:      "Commands routed to robots",
		}, []string{"status"}),
		RelayRestarts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pluvio",
			Subsystem: "hub",
			Name:      "relay_restarts_total",
			Help:      "Telemetry relay restarts caused by active robot switches",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		m.FramesDecoded, m.DecodeErrors, m.FramesSent, m.LinkOpen,
		m.Commands, m.CommandDuration,
		m.Broadcasts, m.TelemetryClients, m.SlowClientDrops,
		m.Polls, m.RobotsOnline, m.RoutedCmds, m.RelayRestarts,
	)
	return m
}

// Handler returns the prometheus scrape handler for this registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordFrameDecoded counts one good controller frame.
func (m *Metrics) RecordFrameDecoded() {
	if m == nil {
		return
	}
	m.FramesDecoded.Inc()
}

// RecordDecodeError counts one rejected controller frame.
func (m *Metrics) RecordDecodeError() {
	if m == nil {
		return
	}
	m.DecodeErrors.Inc()
}

// RecordFrameSent counts one command frame written to the link.
func (m *Metrics) RecordFrameSent() {
	if m == nil {
		return
	}
	m.FramesSent.Inc()
}

// RecordLinkOpen updates the link state gauge.
func (m *Metrics) RecordLinkOpen(open bool) {
	if m == nil {
		return
	}
	if open {
		m.LinkOpen.Set(1)
	} else {
		m.LinkOpen.Set(0)
	}
}

// RecordCommand counts one applied envelope and its duration.
func (m *Metrics) RecordCommand(status string, d time.Duration) {
	if m == nil {
		return
	}
	m.Commands.WithLabelValues(status).Inc()
	m.CommandDuration.Observe(d.Seconds())
}

// RecordBroadcast counts one telemetry broadcast.
func (m *Metrics) RecordBroadcast() {
	if m == nil {
		return
	}
	m.Broadcasts.Inc()
}

// SetTelemetryClients updates the connected client gauge.
func (m *Metrics) SetTelemetryClients(n int) {
	if m == nil {
		return
	}
	m.TelemetryClients.Set(float64(n))
}

// RecordSlowClientDrop counts one dropped telemetry client.
func (m *Metrics) RecordSlowClientDrop() {
	if m == nil {
		return
	}
	m.SlowClientDrops.Inc()
}

// RecordPoll counts one hub poll result.
func (m *Metrics) RecordPoll(ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.Polls.WithLabelValues("ok").Inc()
	} else {
		m.Polls.WithLabelValues("error").Inc()
	}
}

// SetRobotsOnline updates the online robot gauge.
func (m *Metrics) SetRobotsOnline(n int) {
	if m == nil {
		return
	}
	m.RobotsOnline.Set(float64(n))
}

// RecordRoutedCommand counts one routed command.
func (m *Metrics) RecordRoutedCommand(status string) {
	if m == nil {
		return
	}
	m.RoutedCmds.WithLabelValues(status).Inc()
}

// RecordRelayRestart counts one telemetry relay restart.
func (m *Metrics) RecordRelayRestart() {
	if m == nil {
		return
	}
	m.RelayRestarts.Inc()
}
