package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics owns every Prometheus collector. Components receive it explicitly
// and treat a nil *Metrics as disabled where noted.
type Metrics struct {
	// Solana RPC Metrics
	solanaRPCCallsTotal        *prometheus.CounterVec
	solanaRPCCallDuration      *prometheus.HistogramVec
	solanaRPCRateLimitHits     *prometheus.CounterVec
	solanaRPCLimiterWait       *prometheus.HistogramVec
	solanaRPCSignaturesPerCall *prometheus.HistogramVec

	// Submission pipeline metrics
	pipelineUnitTransitions *prometheus.CounterVec
	pipelineConfirmWait     *prometheus.HistogramVec
	operationsTotal         *prometheus.CounterVec
	operationDuration       *prometheus.HistogramVec
	operationsRejected      *prometheus.CounterVec

	// Read-side metrics
	holdingsItemsTotal *prometheus.CounterVec
	historyItemsTotal  *prometheus.CounterVec
	notificationsTotal *prometheus.CounterVec

	// Workflow Metrics
	snapshotWorkflowDuration        *prometheus.HistogramVec
	snapshotWorkflowExecutionsTotal *prometheus.CounterVec
	snapshotActivityDuration        *prometheus.HistogramVec

	// Database Metrics
	dbQueryDuration   *prometheus.HistogramVec
	dbOperationsTotal *prometheus.CounterVec

	// HTTP Metrics
	httpRequestDuration  *prometheus.HistogramVec
	httpRequestsTotal    *prometheus.CounterVec
	sseActiveConnections *prometheus.GaugeVec
	sseEventsSent        *prometheus.CounterVec

	// NATS Metrics
	natsMessagesPublished *prometheus.CounterVec
	natsPublishDuration   *prometheus.HistogramVec
}

const namespace = "tokendesk"

// collectors builds vectors under one namespace and registerer.
type collectors struct {
	factory promauto.Factory
}

func (c collectors) counter(subsystem, name, help string, labels ...string) *prometheus.CounterVec {
	return c.factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	}, labels)
}

func (c collectors) histogram(subsystem, name, help string, buckets []float64, labels ...string) *prometheus.HistogramVec {
	return c.factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
		Buckets:   buckets,
	}, labels)
}

func (c collectors) gauge(subsystem, name, help string, labels ...string) *prometheus.GaugeVec {
	return c.factory.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	}, labels)
}

var (
	rpcBuckets       = []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	waitBuckets      = []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 2.5, 5}
	countBuckets     = []float64{1, 5, 10, 25, 50, 100, 250, 1000}
	confirmBuckets   = []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 90}
	operationBuckets = []float64{1, 2, 5, 10, 20, 30, 60, 120, 180}
	workflowBuckets  = []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120}
	activityBuckets  = []float64{0.1, 0.5, 1, 2.5, 5, 10, 30}
	dbBuckets        = []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1}
	httpBuckets      = []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 30, 120}
	natsBuckets      = []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5}
)

// NewMetrics registers every collector with registry, or with
// prometheus.DefaultRegisterer when registry is nil.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	c := collectors{factory: promauto.With(registry)}

	return &Metrics{
		solanaRPCCallsTotal:        c.counter("solana", "rpc_calls_total", "Solana RPC calls by method and status.", "method", "status", "endpoint"),
		solanaRPCCallDuration:      c.histogram("solana", "rpc_call_duration_seconds", "Solana RPC call latency.", rpcBuckets, "method", "endpoint"),
		solanaRPCRateLimitHits:     c.counter("solana", "rpc_rate_limit_hits_total", "RPC responses rejected with HTTP 429.", "endpoint"),
		solanaRPCLimiterWait:       c.histogram("solana", "rpc_limiter_wait_seconds", "Time spent waiting on the client-side rate limiter.", waitBuckets, "endpoint"),
		solanaRPCSignaturesPerCall: c.histogram("solana", "rpc_signatures_per_call", "Signatures returned per signature listing.", countBuckets, "endpoint"),

		pipelineUnitTransitions: c.counter("pipeline", "unit_transitions_total", "Transaction unit state transitions.", "unit", "state"),
		pipelineConfirmWait:     c.histogram("pipeline", "confirmation_wait_seconds", "Time from submission to a final unit status.", confirmBuckets, "unit", "outcome"),
		operationsTotal:         c.counter("token", "operations_total", "Token writes by intent and final status.", "intent", "status"),
		operationDuration:       c.histogram("token", "operation_duration_seconds", "Token write duration from build to final confirmation.", operationBuckets, "intent"),
		operationsRejected:      c.counter("token", "operations_rejected_total", "Token writes rejected before building.", "intent", "reason"),

		holdingsItemsTotal: c.counter("read", "holdings_items_total", "Token accounts processed while listing holdings.", "status"),
		historyItemsTotal:  c.counter("read", "history_items_total", "Signatures processed while reconstructing history.", "status"),
		notificationsTotal: c.counter("read", "notifications_total", "User notifications raised.", "type"),

		snapshotWorkflowDuration:        c.histogram("snapshot", "workflow_duration_seconds", "Wallet snapshot workflow duration.", workflowBuckets, "wallet_address", "status"),
		snapshotWorkflowExecutionsTotal: c.counter("snapshot", "workflow_executions_total", "Wallet snapshot workflow executions.", "wallet_address", "status"),
		snapshotActivityDuration:        c.histogram("snapshot", "activity_duration_seconds", "Snapshot activity duration.", activityBuckets, "activity", "wallet_address"),

		dbQueryDuration:   c.histogram("db", "query_duration_seconds", "Database query latency.", dbBuckets, "operation", "table"),
		dbOperationsTotal: c.counter("db", "operations_total", "Database operations by outcome.", "operation", "status"),

		httpRequestDuration:  c.histogram("http", "request_duration_seconds", "HTTP request latency.", httpBuckets, "handler", "method", "status"),
		httpRequestsTotal:    c.counter("http", "requests_total", "HTTP requests by route and status class.", "handler", "method", "status"),
		sseActiveConnections: c.gauge("http", "sse_active_connections", "Open SSE connections.", "stream"),
		sseEventsSent:        c.counter("http", "sse_events_sent_total", "Events written to SSE clients.", "stream", "event_type"),

		natsMessagesPublished: c.counter("nats", "messages_published_total", "Messages published to NATS.", "subject", "status"),
		natsPublishDuration:   c.histogram("nats", "publish_duration_seconds", "NATS publish latency.", natsBuckets, "subject"),
	}
}

// Solana RPC metric helpers

// RecordRPCCall records a Solana RPC call with duration.
func (m *Metrics) RecordRPCCall(method, status, endpoint string, duration float64) {
	m.solanaRPCCallsTotal.WithLabelValues(method, status, endpoint).Inc()
	m.solanaRPCCallDuration.WithLabelValues(method, endpoint).Observe(duration)
}

// RecordRateLimitHit records a rate limit hit (429 error).
func (m *Metrics) RecordRateLimitHit(endpoint string) {
	m.solanaRPCRateLimitHits.WithLabelValues(endpoint).Inc()
}

// RecordLimiterWait records how long a call waited on the local rate limiter.
func (m *Metrics) RecordLimiterWait(endpoint string, duration float64) {
	m.solanaRPCLimiterWait.WithLabelValues(endpoint).Observe(duration)
}

// RecordRPCSignaturesPerCall records the number of signatures fetched.
func (m *Metrics) RecordRPCSignaturesPerCall(endpoint string, count float64) {
	m.solanaRPCSignaturesPerCall.WithLabelValues(endpoint).Observe(count)
}

// Pipeline metric helpers

// RecordUnitTransition records a transaction unit entering a state.
func (m *Metrics) RecordUnitTransition(unit, state string) {
	m.pipelineUnitTransitions.WithLabelValues(unit, state).Inc()
}

// RecordConfirmationWait records the time spent awaiting confirmation.
func (m *Metrics) RecordConfirmationWait(unit, outcome string, duration float64) {
	m.pipelineConfirmWait.WithLabelValues(unit, outcome).Observe(duration)
}

// RecordOperation records a completed write operation.
func (m *Metrics) RecordOperation(intent, status string, duration float64) {
	m.operationsTotal.WithLabelValues(intent, status).Inc()
	m.operationDuration.WithLabelValues(intent).Observe(duration)
}

// RecordOperationRejected records a write rejected before a plan was built.
func (m *Metrics) RecordOperationRejected(intent, reason string) {
	m.operationsRejected.WithLabelValues(intent, reason).Inc()
}

// Read-side metric helpers

// RecordHoldingItems records token accounts processed by status.
func (m *Metrics) RecordHoldingItems(status string, count int) {
	m.holdingsItemsTotal.WithLabelValues(status).Add(float64(count))
}

// RecordHistoryItems records signatures processed by status.
func (m *Metrics) RecordHistoryItems(status string, count int) {
	m.historyItemsTotal.WithLabelValues(status).Add(float64(count))
}

// RecordNotification records a user notification.
func (m *Metrics) RecordNotification(notificationType string) {
	m.notificationsTotal.WithLabelValues(notificationType).Inc()
}

// Workflow metric helpers

// RecordWorkflowDuration records workflow execution duration.
func (m *Metrics) RecordWorkflowDuration(walletAddress, status string, duration float64) {
	m.snapshotWorkflowDuration.WithLabelValues(walletAddress, status).Observe(duration)
	m.snapshotWorkflowExecutionsTotal.WithLabelValues(walletAddress, status).Inc()
}

// RecordActivityDuration records activity execution duration.
func (m *Metrics) RecordActivityDuration(activity, walletAddress string, duration float64) {
	m.snapshotActivityDuration.WithLabelValues(activity, walletAddress).Observe(duration)
}

// Database metric helpers

// RecordDBQuery records a database query with duration.
func (m *Metrics) RecordDBQuery(operation, table string, duration float64, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.dbQueryDuration.WithLabelValues(operation, table).Observe(duration)
	m.dbOperationsTotal.WithLabelValues(operation, status).Inc()
}

// HTTP metric helpers

// RecordHTTPRequest records an HTTP request with duration.
func (m *Metrics) RecordHTTPRequest(handler, method string, statusCode int, duration float64) {
	status := statusCodeToString(statusCode)
	m.httpRequestDuration.WithLabelValues(handler, method, status).Observe(duration)
	m.httpRequestsTotal.WithLabelValues(handler, method, status).Inc()
}

// RecordSSEConnectionChange records a change in SSE connection count.
func (m *Metrics) RecordSSEConnectionChange(stream string, delta float64) {
	m.sseActiveConnections.WithLabelValues(stream).Add(delta)
}

// RecordSSEEventSent records an SSE event being sent.
func (m *Metrics) RecordSSEEventSent(stream, eventType string) {
	m.sseEventsSent.WithLabelValues(stream, eventType).Inc()
}

// NATS metric helpers

// RecordNATSPublish records a NATS publish operation.
func (m *Metrics) RecordNATSPublish(subject, status string, duration float64) {
	m.natsMessagesPublished.WithLabelValues(subject, status).Inc()
	m.natsPublishDuration.WithLabelValues(subject).Observe(duration)
}

// Helper functions

func statusCodeToString(code int) string {
	// Group status codes by class
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500 && code < 600:
		return "5xx"
	default:
		return "unknown"
	}
}
