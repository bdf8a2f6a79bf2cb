// Package metrics wires Prometheus collectors for the worker process.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every Prometheus collector the worker registers.
type Metrics struct {
	WorkflowExecutionsTotal   *prometheus.CounterVec
	WorkflowExecutionDuration *prometheus.HistogramVec
	WorkflowExecutionsActive  *prometheus.GaugeVec

	NodeExecutionsTotal   *prometheus.CounterVec
	NodeExecutionDuration *prometheus.HistogramVec

	BreakerStateTransitionsTotal *prometheus.CounterVec
	BreakerRejectionsTotal       *prometheus.CounterVec

	QuotaExceededTotal *prometheus.CounterVec

	MessagesReceivedTotal     prometheus.Counter
	MessagesProcessedTotal    *prometheus.CounterVec
	MessagesRetriedTotal      prometheus.Counter
	MessagesDeadLetteredTotal prometheus.Counter

	QueueDepth    *prometheus.GaugeVec
	ActiveWorkers prometheus.Gauge

	DBConnectionsOpen  *prometheus.GaugeVec
	DBConnectionsIdle  *prometheus.GaugeVec
	DBConnectionsInUse *prometheus.GaugeVec
	DBQueryDuration    *prometheus.HistogramVec
	DBQueriesTotal     *prometheus.CounterVec

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// New creates a Metrics instance with all collectors initialized but not
// yet registered.
func New() *Metrics {
	return &Metrics{
		WorkflowExecutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flowmesh_workflow_executions_total",
				Help: "Total number of workflow executions by trigger type and terminal status",
			},
			[]string{"user_id", "workflow_id", "trigger_type", "status"},
		),
		WorkflowExecutionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "flowmesh_workflow_execution_duration_seconds",
				Help:    "Workflow execution duration in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600},
			},
			[]string{"workflow_id", "trigger_type"},
		),
		WorkflowExecutionsActive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "flowmesh_workflow_executions_active",
				Help: "Number of workflow executions currently running on this worker",
			},
			[]string{"workflow_id"},
		),
		NodeExecutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flowmesh_node_executions_total",
				Help: "Total number of node executions by block type and outcome",
			},
			[]string{"block_type", "status"},
		),
		NodeExecutionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "flowmesh_node_execution_duration_seconds",
				Help:    "Node execution duration in seconds, including retries",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"block_type"},
		),
		BreakerStateTransitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flowmesh_breaker_state_transitions_total",
				Help: "Total number of circuit breaker state transitions by scope and new state",
			},
			[]string{"scope", "state"},
		),
		BreakerRejectionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flowmesh_breaker_rejections_total",
				Help: "Total number of executions rejected at admission by an open circuit",
			},
			[]string{"scope"},
		),
		QuotaExceededTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flowmesh_quota_exceeded_total",
				Help: "Total number of executions rejected for exceeding the monthly quota",
			},
			[]string{"user_id"},
		),
		MessagesReceivedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "flowmesh_queue_messages_received_total",
				Help: "Total number of messages pulled off the main queue",
			},
		),
		MessagesProcessedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flowmesh_queue_messages_processed_total",
				Help: "Total number of messages processed to completion, by success",
			},
			[]string{"status"},
		),
		MessagesRetriedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "flowmesh_queue_messages_retried_total",
				Help: "Total number of messages republished to the retry queue",
			},
		),
		MessagesDeadLetteredTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "flowmesh_queue_messages_dead_lettered_total",
				Help: "Total number of messages published to the dead-letter queue",
			},
		),
		QueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "flowmesh_queue_depth",
				Help: "Approximate depth of a logical queue, as last observed",
			},
			[]string{"queue"},
		),
		ActiveWorkers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "flowmesh_active_workers",
				Help: "Number of worker goroutines currently processing a message",
			},
		),
		DBConnectionsOpen: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "flowmesh_db_connections_open",
				Help: "Number of open database connections",
			},
			[]string{"pool"},
		),
		DBConnectionsIdle: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "flowmesh_db_connections_idle",
				Help: "Number of idle database connections",
			},
			[]string{"pool"},
		),
		DBConnectionsInUse: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "flowmesh_db_connections_in_use",
				Help: "Number of database connections currently in use",
			},
			[]string{"pool"},
		),
		DBQueryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "flowmesh_db_query_duration_seconds",
				Help:    "Database query duration in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5},
			},
			[]string{"operation", "table"},
		),
		DBQueriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flowmesh_db_queries_total",
				Help: "Total number of database queries by operation, table, and status",
			},
			[]string{"operation", "table", "status"},
		),
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flowmesh_http_requests_total",
				Help: "Total number of HTTP requests served by the worker's health/metrics listener",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "flowmesh_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
	}
}

// Register registers every collector with registry, stopping at the first
// failure.
func (m *Metrics) Register(registry *prometheus.Registry) error {
	collectors := []prometheus.Collector{
		m.WorkflowExecutionsTotal,
		m.WorkflowExecutionDuration,
		m.WorkflowExecutionsActive,
		m.NodeExecutionsTotal,
		m.NodeExecutionDuration,
		m.BreakerStateTransitionsTotal,
		m.BreakerRejectionsTotal,
		m.QuotaExceededTotal,
		m.MessagesReceivedTotal,
		m.MessagesProcessedTotal,
		m.MessagesRetriedTotal,
		m.MessagesDeadLetteredTotal,
		m.QueueDepth,
		m.ActiveWorkers,
		m.DBConnectionsOpen,
		m.DBConnectionsIdle,
		m.DBConnectionsInUse,
		m.DBQueryDuration,
		m.DBQueriesTotal,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
	}
	for _, c := range collectors {
		if err := registry.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// RecordWorkflowExecution records a terminal workflow outcome and its
// total duration.
func (m *Metrics) RecordWorkflowExecution(userID, workflowID, triggerType, status string, durationSeconds float64) {
	m.WorkflowExecutionsTotal.WithLabelValues(userID, workflowID, triggerType, status).Inc()
	m.WorkflowExecutionDuration.WithLabelValues(workflowID, triggerType).Observe(durationSeconds)
}

// IncActiveWorkflowExecutions increments the in-flight execution gauge.
func (m *Metrics) IncActiveWorkflowExecutions(workflowID string) {
	m.WorkflowExecutionsActive.WithLabelValues(workflowID).Inc()
}

// DecActiveWorkflowExecutions decrements the in-flight execution gauge.
func (m *Metrics) DecActiveWorkflowExecutions(workflowID string) {
	m.WorkflowExecutionsActive.WithLabelValues(workflowID).Dec()
}

// RecordNodeExecution records one node's outcome and duration.
func (m *Metrics) RecordNodeExecution(blockType, status string, durationSeconds float64) {
	m.NodeExecutionsTotal.WithLabelValues(blockType, status).Inc()
	m.NodeExecutionDuration.WithLabelValues(blockType).Observe(durationSeconds)
}

// RecordBreakerTransition records a circuit breaker moving into a new state
// for the given scope ("node", "user", "workflow", "global").
func (m *Metrics) RecordBreakerTransition(scope, state string) {
	m.BreakerStateTransitionsTotal.WithLabelValues(scope, state).Inc()
}

// RecordBreakerRejection records an execution blocked at admission.
func (m *Metrics) RecordBreakerRejection(scope string) {
	m.BreakerRejectionsTotal.WithLabelValues(scope).Inc()
}

// RecordQuotaExceeded records a message failed non-retryably for exceeding
// a user's monthly execution quota.
func (m *Metrics) RecordQuotaExceeded(userID string) {
	m.QuotaExceededTotal.WithLabelValues(userID).Inc()
}

// RecordMessageReceived implements queue.Metrics.
func (m *Metrics) RecordMessageReceived() {
	m.MessagesReceivedTotal.Inc()
}

// RecordMessageProcessed implements queue.Metrics.
func (m *Metrics) RecordMessageProcessed(success bool) {
	status := "success"
	if !success {
		status = "failure"
	}
	m.MessagesProcessedTotal.WithLabelValues(status).Inc()
}

// RecordMessageRetried implements queue.Metrics.
func (m *Metrics) RecordMessageRetried() {
	m.MessagesRetriedTotal.Inc()
}

// RecordMessageDeadLettered implements queue.Metrics.
func (m *Metrics) RecordMessageDeadLettered() {
	m.MessagesDeadLetteredTotal.Inc()
}

// SetQueueDepth records an out-of-band queue depth observation.
func (m *Metrics) SetQueueDepth(queue string, depth float64) {
	m.QueueDepth.WithLabelValues(queue).Set(depth)
}

// SetActiveWorkers sets the number of worker goroutines currently busy.
func (m *Metrics) SetActiveWorkers(count float64) {
	m.ActiveWorkers.Set(count)
}

// SetDBConnectionPoolStats records a database/sql.DBStats snapshot.
func (m *Metrics) SetDBConnectionPoolStats(pool string, open, idle, inUse int) {
	m.DBConnectionsOpen.WithLabelValues(pool).Set(float64(open))
	m.DBConnectionsIdle.WithLabelValues(pool).Set(float64(idle))
	m.DBConnectionsInUse.WithLabelValues(pool).Set(float64(inUse))
}

// RecordDBQuery records one database round trip.
func (m *Metrics) RecordDBQuery(operation, table, status string, durationSeconds float64) {
	m.DBQueriesTotal.WithLabelValues(operation, table, status).Inc()
	m.DBQueryDuration.WithLabelValues(operation, table).Observe(durationSeconds)
}

// RecordHTTPRequest records one request served by the health/metrics
// listener.
func (m *Metrics) RecordHTTPRequest(method, path, status string, durationSeconds float64) {
	m.HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path).Observe(durationSeconds)
}
