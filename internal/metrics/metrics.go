// Package metrics exposes Prometheus counters for session lifecycle and
// reporting activity.
//
// A nil *Metrics is valid and records nothing, so callers never need to
// check whether metrics are enabled.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Report kinds used as the "kind" label.
const (
	KindLogin     = "login"
	KindUptime    = "uptime"
	KindBandwidth = "bandwidth"
)

// Metrics is the set of collectors owned by one runner.
type Metrics struct {
	registry *prometheus.Registry

	sessionsStarted prometheus.Counter
	sessionsEnded   *prometheus.CounterVec
	running         prometheus.Gauge
	stopTimeouts    prometheus.Counter
	reports         *prometheus.CounterVec
	liveConnects    prometheus.Counter
	liveMessages    prometheus.Counter
}

// New registers the collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		sessionsStarted: f.NewCounter(prometheus.CounterOpts{
			Name: "meshclient_sessions_started_total",
			Help: "Sessions that confirmed they were running",
		}),
		sessionsEnded: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "meshclient_sessions_ended_total",
				Help: "Sessions that reached a terminal state, by status and failure reason",
			},
			[]string{"status", "reason"},
		),
		running: f.NewGauge(prometheus.GaugeOpts{
			Name: "meshclient_session_running",
			Help: "1 while a session is running, 0 otherwise",
		}),
		stopTimeouts: f.NewCounter(prometheus.CounterOpts{
			Name: "meshclient_stop_timeouts_total",
			Help: "Stops abandoned because the worker did not acknowledge in time",
		}),
		reports: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "meshclient_reports_total",
				Help: "Calls to the remote service by kind and result",
			},
			[]string{"kind", "result"}, // result: "ok", "error"
		),
		liveConnects: f.NewCounter(prometheus.CounterOpts{
			Name: "meshclient_live_channel_connects_total",
			Help: "Successful live channel dials",
		}),
		liveMessages: f.NewCounter(prometheus.CounterOpts{
			Name: "meshclient_live_channel_messages_total",
			Help: "Messages received on the live channel",
		}),
	}
}

// Registry returns the registry the collectors live on, or nil.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// SessionStarted records a session entering the running state.
func (m *Metrics) SessionStarted() {
	if m == nil {
		return
	}
	m.sessionsStarted.Inc()
	m.running.Set(1)
}

// SessionEnded records a terminal transition. reason is "none" for clean
// stops.
func (m *Metrics) SessionEnded(status, reason string) {
	if m == nil {
		return
	}
	m.sessionsEnded.WithLabelValues(status, reason).Inc()
	m.running.Set(0)
}

// StopTimedOut records an abandoned stop.
func (m *Metrics) StopTimedOut() {
	if m == nil {
		return
	}
	m.stopTimeouts.Inc()
}

// RecordReport records the outcome of one remote call.
func (m *Metrics) RecordReport(kind string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.reports.WithLabelValues(kind, result).Inc()
}

// LiveConnected records a live channel dial.
func (m *Metrics) LiveConnected() {
	if m == nil {
		return
	}
	m.liveConnects.Inc()
}

// LiveMessage records a live channel message.
func (m *Metrics) LiveMessage() {
	if m == nil {
		return
	}
	m.liveMessages.Inc()
}
