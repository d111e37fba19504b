package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the node's Prometheus collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	// Connection metrics
	Handshakes        *prometheus.CounterVec
	ActiveConnections *prometheus.GaugeVec
	RetryQueueLength  prometheus.Gauge
	ProtocolErrors    *prometheus.CounterVec

	// Transfer metrics
	BlocksReceived  prometheus.Counter
	BytesReceived   prometheus.Counter
	BlocksServed    prometheus.Counter
	Transfers       *prometheus.CounterVec
	ActiveTransfers prometheus.Gauge

	// Background work
	PoolTasks  *prometheus.CounterVec
	SyncPasses *prometheus.CounterVec

	// HTTP metrics
	HTTPRequestsTotal *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with registry
func NewMetrics(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		Handshakes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "meshsync_handshakes_total",
				Help: "Handshakes by direction and outcome",
			},
			[]string{"direction", "result"},
		),
		ActiveConnections: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "meshsync_active_connections",
				Help: "Established peer connections",
			},
			[]string{"direction"},
		),
		RetryQueueLength: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "meshsync_retry_queue_length",
				Help: "Peers waiting in the outgoing retry queue",
			},
		),
		ProtocolErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "meshsync_protocol_violations_total",
				Help: "Connections aborted for protocol violations",
			},
			[]string{"direction"},
		),
		BlocksReceived: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "meshsync_blocks_received_total",
				Help: "Blocks written to staging files",
			},
		),
		BytesReceived: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "meshsync_bytes_received_total",
				Help: "Bytes written to staging files",
			},
		),
		BlocksServed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "meshsync_blocks_served_total",
				Help: "Blocks sent in reply to peer requests",
			},
		),
		Transfers: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "meshsync_transfers_total",
				Help: "Finished transfer sessions by result",
			},
			[]string{"result"},
		),
		ActiveTransfers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "meshsync_active_transfers",
				Help: "Transfer sessions in progress",
			},
		),
		PoolTasks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "meshsync_pool_tasks_total",
				Help: "Tasks executed by the worker pool",
			},
			[]string{"priority"},
		),
		SyncPasses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "meshsync_sync_passes_total",
				Help: "Scheduler iterations by outcome",
			},
			[]string{"status"},
		),
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "meshsync_http_requests_total",
				Help: "Management API requests",
			},
			[]string{"method", "status"},
		),
	}

	registry.MustRegister(
		m.Handshakes,
		m.ActiveConnections,
		m.RetryQueueLength,
		m.ProtocolErrors,
		m.BlocksReceived,
		m.BytesReceived,
		m.BlocksServed,
		m.Transfers,
		m.ActiveTransfers,
		m.PoolTasks,
		m.SyncPasses,
		m.HTTPRequestsTotal,
	)

	return m
}

func (m *Metrics) RecordHandshake(direction, result string) {
	if m == nil {
		return
	}
	m.Handshakes.WithLabelValues(direction, result).Inc()
}

func (m *Metrics) ConnectionOpened(direction string) {
	if m == nil {
		return
	}
	m.ActiveConnections.WithLabelValues(direction).Inc()
}

func (m *Metrics) ConnectionClosed(direction string) {
	if m == nil {
		return
	}
	m.ActiveConnections.WithLabelValues(direction).Dec()
}

func (m *Metrics) SetRetryQueueLength(n int) {
	if m == nil {
		return
	}
	m.RetryQueueLength.Set(float64(n))
}

func (m *Metrics) RecordProtocolViolation(direction string) {
	if m == nil {
		return
	}
	m.ProtocolErrors.WithLabelValues(direction).Inc()
}

func (m *Metrics) RecordBlockReceived(n int) {
	if m == nil {
		return
	}
	m.BlocksReceived.Inc()
	m.BytesReceived.Add(float64(n))
}

func (m *Metrics) RecordBlockServed() {
	if m == nil {
		return
	}
	m.BlocksServed.Inc()
}

func (m *Metrics) TransferStarted() {
	if m == nil {
		return
	}
	m.ActiveTransfers.Inc()
}

func (m *Metrics) TransferFinished(result string) {
	if m == nil {
		return
	}
	m.ActiveTransfers.Dec()
	m.Transfers.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordPoolTask(priority string) {
	if m == nil {
		return
	}
	m.PoolTasks.WithLabelValues(priority).Inc()
}

func (m *Metrics) RecordSyncPass(status string) {
	if m == nil {
		return
	}
	m.SyncPasses.WithLabelValues(status).Inc()
}

func (m *Metrics) RecordHTTPRequest(method, status string) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, status).Inc()
}
