// Package metrics defines the Prometheus metrics of Prism.  Each service
// consumes its metrics through a narrow interface defined next to the
// service; this package holds the implementations backed by a shared
// [prometheus.Registerer].
package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// namespace is the common namespace of all Prism metrics.
const namespace = "prism"

// Metric subsystems.
const (
	subsystemDNSSync = "dnssync"
	subsystemMonitor = "monitor"
	subsystemRegSvc  = "regsvc"
)

// Sync counts DNS reconcile outcomes.
type Sync struct {
	// ops is the counter of reconcile attempts by intent kind and result.
	ops *prometheus.CounterVec
}

// NewSync registers the DNS reconciler metrics in reg and returns them.
func NewSync(reg prometheus.Registerer) (m *Sync) {
	return &Sync{
		ops: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemDNSSync,
			Name:      "ops_total",
			Help:      "Total number of DNS reconcile attempts by kind and result.",
		}, []string{"kind", "result"}),
	}
}

// ObserveSync records the outcome of one reconcile attempt.
func (m *Sync) ObserveSync(_ context.Context, kind, result string) {
	m.ops.WithLabelValues(kind, result).Inc()
}

// RegSvc tracks the TCP registration service.
type RegSvc struct {
	// activeConns is the gauge of currently open client connections.
	activeConns prometheus.Gauge

	// requests is the counter of processed requests by action and result.
	requests *prometheus.CounterVec
}

// NewRegSvc registers the registration service metrics in reg and returns
// them.
func NewRegSvc(reg prometheus.Registerer) (m *RegSvc) {
	return &RegSvc{
		activeConns: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemRegSvc,
			Name:      "active_connections",
			Help:      "Number of currently open client connections.",
		}),
		requests: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemRegSvc,
			Name:      "requests_total",
			Help:      "Total number of processed requests by action and result.",
		}, []string{"action", "result"}),
	}
}

// ObserveConnOpen records an accepted client connection.
func (m *RegSvc) ObserveConnOpen(_ context.Context) {
	m.activeConns.Inc()
}

// ObserveConnClose records a closed client connection.
func (m *RegSvc) ObserveConnClose(_ context.Context) {
	m.activeConns.Dec()
}

// ObserveRequest records one processed request.  result is either "ok" or an
// error code.
func (m *RegSvc) ObserveRequest(_ context.Context, action, result string) {
	m.requests.WithLabelValues(action, result).Inc()
}

// Monitor tracks the heartbeat monitor.
type Monitor struct {
	// offline is the counter of hosts transitioned offline by timeout.
	offline prometheus.Counter
}

// NewMonitor registers the heartbeat monitor metrics in reg and returns
// them.
func NewMonitor(reg prometheus.Registerer) (m *Monitor) {
	return &Monitor{
		offline: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemMonitor,
			Name:      "offline_total",
			Help:      "Total number of hosts transitioned offline by timeout.",
		}),
	}
}

// ObserveOffline records n hosts transitioned offline in one sweep.
func (m *Monitor) ObserveOffline(_ context.Context, n int) {
	m.offline.Add(float64(n))
}
