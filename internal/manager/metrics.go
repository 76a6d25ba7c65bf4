package manager

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/candyconnect/candyconnect-core/internal/protocol"
	"github.com/candyconnect/candyconnect-core/internal/status"
)

// Metrics are the manager's Prometheus collectors. A nil *Metrics records
// nothing.
type Metrics struct {
	up          *prometheus.GaugeVec
	connections *prometheus.GaugeVec
	traffic     *prometheus.GaugeVec
	operations  *prometheus.CounterVec
	corrections *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		up: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "candyconnect_core_up",
			Help: "1 if the protocol core was running at the last reconciliation.",
		}, []string{"protocol"}),
		connections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "candyconnect_core_active_connections",
			Help: "Active client connections at the last reconciliation.",
		}, []string{"protocol"}),
		traffic: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "candyconnect_core_traffic_bytes",
			Help: "Last polled byte counters of the protocol core.",
		}, []string{"protocol", "direction"}),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "candyconnect_lifecycle_operations_total",
			Help: "Lifecycle operations by protocol, operation and result.",
		}, []string{"protocol", "op", "result"}),
		corrections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "candyconnect_reconciliation_corrections_total",
			Help: "Running statuses corrected to stopped because the daemon was gone.",
		}, []string{"protocol"}),
	}
	reg.MustRegister(m.up, m.connections, m.traffic, m.operations, m.corrections)
	return m
}

func (m *Metrics) observeCore(info CoreInfo) {
	if m == nil {
		return
	}
	up := 0.0
	if info.Status == status.StateRunning {
		up = 1
	}
	m.up.WithLabelValues(string(info.ID)).Set(up)
	m.connections.WithLabelValues(string(info.ID)).Set(float64(info.ActiveConnections))
}

func (m *Metrics) observeTraffic(id protocol.ID, s status.TrafficSample) {
	if m == nil {
		return
	}
	m.traffic.WithLabelValues(string(id), "in").Set(float64(s.BytesIn))
	m.traffic.WithLabelValues(string(id), "out").Set(float64(s.BytesOut))
}

func (m *Metrics) observeOperation(id protocol.ID, op Op, err error) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(string(id), string(op), result(err)).Inc()
}

func (m *Metrics) observeCorrection(id protocol.ID) {
	if m == nil {
		return
	}
	m.corrections.WithLabelValues(string(id)).Inc()
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
