package ovsdbmetrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// -------------------------------------------------------------------------
// Prometheus Metric Constants
// -------------------------------------------------------------------------

const (
	namespace = "ovsdb_server"
	subsystem = "session"
)

// Label names for session/remote metrics.
const (
	labelRemote = "remote"
	labelDB     = "db"
	labelMethod = "method"
)

// -------------------------------------------------------------------------
// Collector — Prometheus ovsdb-server Metrics
// -------------------------------------------------------------------------

// Collector holds all ovsdb-server Prometheus metrics.
//
//   - Sessions tracks currently connected sessions per remote.
//   - Message counters track RPC volume per remote and method.
//   - Monitor update counters track notify volume per database.
//   - Lock gauges track the waiter queue depth by state.
//   - Backlog tracks per-remote outbound queue bytes, the input to the
//     backpressure heuristic (spec.md §4.G step 4).
//   - Reconnects counts forced and probe-missed reconnections per remote.
type Collector struct {
	// Sessions tracks the number of currently connected sessions per remote.
	Sessions *prometheus.GaugeVec

	// MessagesSent counts outbound JSON-RPC messages per remote and method.
	MessagesSent *prometheus.CounterVec

	// MessagesReceived counts inbound JSON-RPC messages per remote and method.
	MessagesReceived *prometheus.CounterVec

	// MonitorUpdates counts `update` notifications sent, per database.
	MonitorUpdates *prometheus.CounterVec

	// LocksHeld, LocksWaiting, LocksLost track waiter queue depth by state,
	// process-wide (lockmgr.Manager.Status).
	LocksHeld    prometheus.Gauge
	LocksWaiting prometheus.Gauge
	LocksLost    prometheus.Gauge

	// BacklogBytes tracks current outbound backlog per remote, the signal
	// the backpressure heuristic in internal/session acts on.
	BacklogBytes *prometheus.GaugeVec

	// Reconnects counts forced and probe-missed reconnections per remote.
	Reconnects *prometheus.CounterVec
}

// NewCollector creates a Collector with all ovsdb-server metrics registered
// against the provided prometheus.Registerer. If reg is nil,
// prometheus.DefaultRegisterer is used.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()

	reg.MustRegister(
		c.Sessions,
		c.MessagesSent,
		c.MessagesReceived,
		c.MonitorUpdates,
		c.LocksHeld,
		c.LocksWaiting,
		c.LocksLost,
		c.BacklogBytes,
		c.Reconnects,
	)

	return c
}

// newMetrics creates all Prometheus metric vectors without registering them.
func newMetrics() *Collector {
	remoteLabels := []string{labelRemote}
	messageLabels := []string{labelRemote, labelMethod}
	dbLabels := []string{labelDB}

	return &Collector{
		Sessions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "connections",
			Help:      "Number of currently connected sessions per remote.",
		}, remoteLabels),

		MessagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "messages_sent_total",
			Help:      "Total JSON-RPC messages sent per remote and method.",
		}, messageLabels),

		MessagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "messages_received_total",
			Help:      "Total JSON-RPC messages received per remote and method.",
		}, messageLabels),

		MonitorUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "updates_total",
			Help:      "Total `update` notifications sent, per database.",
		}, dbLabels),

		LocksHeld: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "lock",
			Name:      "held",
			Help:      "Number of lock waiters currently holding ownership.",
		}),

		LocksWaiting: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "lock",
			Name:      "waiting",
			Help:      "Number of lock waiters queued behind an owner.",
		}),

		LocksLost: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "lock",
			Name:      "lost",
			Help:      "Number of lock waiters demoted by a steal.",
		}),

		BacklogBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "backlog_bytes",
			Help:      "Current outbound message backlog per remote, in bytes.",
		}, remoteLabels),

		Reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "reconnects_total",
			Help:      "Total forced or probe-missed reconnections per remote.",
		}, remoteLabels),
	}
}

// -------------------------------------------------------------------------
// Session Lifecycle
// -------------------------------------------------------------------------

// RegisterSession increments the active sessions gauge for remote.
func (c *Collector) RegisterSession(remote string) {
	c.Sessions.WithLabelValues(remote).Inc()
}

// UnregisterSession decrements the active sessions gauge for remote.
func (c *Collector) UnregisterSession(remote string) {
	c.Sessions.WithLabelValues(remote).Dec()
}

// -------------------------------------------------------------------------
// Message Counters
// -------------------------------------------------------------------------

// IncMessagesSent increments the sent-messages counter for remote/method.
func (c *Collector) IncMessagesSent(remote, method string) {
	c.MessagesSent.WithLabelValues(remote, method).Inc()
}

// IncMessagesReceived increments the received-messages counter for remote/method.
func (c *Collector) IncMessagesReceived(remote, method string) {
	c.MessagesReceived.WithLabelValues(remote, method).Inc()
}

// IncMonitorUpdates increments the monitor-update counter for db.
func (c *Collector) IncMonitorUpdates(db string) {
	c.MonitorUpdates.WithLabelValues(db).Inc()
}

// -------------------------------------------------------------------------
// Locks
// -------------------------------------------------------------------------

// SetLockStatus sets the held/waiting/lost gauges from a lockmgr.Manager
// Status() snapshot.
func (c *Collector) SetLockStatus(held, waiting, lost int) {
	c.LocksHeld.Set(float64(held))
	c.LocksWaiting.Set(float64(waiting))
	c.LocksLost.Set(float64(lost))
}

// -------------------------------------------------------------------------
// Backlog and Reconnects
// -------------------------------------------------------------------------

// SetBacklog sets the current outbound backlog gauge for remote.
func (c *Collector) SetBacklog(remote string, backlog int) {
	c.BacklogBytes.WithLabelValues(remote).Set(float64(backlog))
}

// IncReconnects increments the reconnect counter for remote.
func (c *Collector) IncReconnects(remote string) {
	c.Reconnects.WithLabelValues(remote).Inc()
}
