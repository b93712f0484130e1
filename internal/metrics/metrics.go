package metrics

import (
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics (ops surface: /health, /version, /metrics)
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guardrail_http_requests_total",
			Help: "Total number of HTTP requests processed",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "guardrail_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// MCP session metrics
	MCPSessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "guardrail_mcp_sessions_active",
			Help: "Number of currently active MCP SSE sessions",
		},
	)

	MCPSessionsCreatedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "guardrail_mcp_sessions_created_total",
			Help: "Total number of MCP sessions created",
		},
	)

	MCPSessionsExpiredTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "guardrail_mcp_sessions_expired_total",
			Help: "Total number of MCP sessions reaped for inactivity",
		},
	)

	// Pipeline metrics: one counter per enforcement stage outcome
	PipelineOutcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guardrail_pipeline_outcomes_total",
			Help: "Tool-call pipeline outcomes by tool and stage",
		},
		[]string{"tool", "stage", "outcome"},
	)

	PipelineDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "guardrail_pipeline_duration_seconds",
			Help:    "End-to-end tool-call pipeline duration",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"tool"},
	)

	QuotaDenialsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guardrail_quota_denials_total",
			Help: "Total number of requests denied by quota enforcement",
		},
		[]string{"tenant", "reason"},
	)

	SQLValidationTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guardrail_sql_validation_total",
			Help: "Total number of static SQL validation outcomes",
		},
		[]string{"outcome"},
	)

	// Audit metrics
	AuditEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guardrail_audit_events_total",
			Help: "Total number of audit events emitted",
		},
		[]string{"type", "severity"},
	)

	AuditEmitFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "guardrail_audit_emit_failures_total",
			Help: "Total number of audit emit failures (these deny the triggering request)",
		},
	)

	// Circuit breaker metrics
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "guardrail_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"breaker"},
	)

	CircuitBreakerFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guardrail_circuit_breaker_failures_total",
			Help: "Total number of circuit breaker failures",
		},
		[]string{"breaker"},
	)

	CircuitBreakerSuccesses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guardrail_circuit_breaker_successes_total",
			Help: "Total number of circuit breaker successes",
		},
		[]string{"breaker"},
	)

	// Health metrics
	HealthCheckDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "guardrail_health_check_duration_seconds",
			Help:    "Health check duration in seconds",
			Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 3},
		},
		[]string{"component"},
	)

	HealthCheckFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guardrail_health_check_failures_total",
			Help: "Total number of health check failures",
		},
		[]string{"component"},
	)

	// Cache metrics
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guardrail_cache_hits_total",
			Help: "Total number of cache hits",
		},
		[]string{"cache"},
	)

	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guardrail_cache_misses_total",
			Help: "Total number of cache misses",
		},
		[]string{"cache"},
	)

	CacheErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guardrail_cache_errors_total",
			Help: "Total number of cache errors",
		},
		[]string{"cache"},
	)

	// Database metrics
	DBConnectionsOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "guardrail_db_connections_open",
			Help: "Number of open database connections",
		},
	)

	DBConnectionsInUse = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "guardrail_db_connections_in_use",
			Help: "Number of database connections currently in use",
		},
	)

	DBConnectionsIdle = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "guardrail_db_connections_idle",
			Help: "Number of idle database connections",
		},
	)

	DBWaitDurationSeconds = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "guardrail_db_wait_duration_seconds_total",
			Help: "Cumulative time spent waiting for a database connection",
		},
	)

	DBWaitCount = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "guardrail_db_wait_count_total",
			Help: "Cumulative number of times a database connection wait occurred",
		},
	)

	DBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "guardrail_db_query_duration_seconds",
			Help:    "Database query duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation", "table"},
	)

	PanicsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guardrail_panics_total",
			Help: "Total number of recovered panics by HTTP path",
		},
		[]string{"path"},
	)
)

// PrometheusMiddleware records HTTP request count and latency for the
// ops surface.
func PrometheusMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			duration := time.Since(start).Seconds()

			path := c.Path()
			method := c.Request().Method
			status := strconv.Itoa(c.Response().Status)

			HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
			HTTPRequestDuration.WithLabelValues(method, path).Observe(duration)

			return err
		}
	}
}

func IncrementActiveSessions() {
	MCPSessionsActive.Inc()
	MCPSessionsCreatedTotal.Inc()
}

func DecrementActiveSessions() {
	MCPSessionsActive.Dec()
}

func RecordSessionExpired() {
	MCPSessionsActive.Dec()
	MCPSessionsExpiredTotal.Inc()
}

// RecordPipelineOutcome records the outcome of a single enforcement stage
// for a tool call (e.g. stage="authorization", outcome="denied").
func RecordPipelineOutcome(tool, stage, outcome string) {
	PipelineOutcomesTotal.WithLabelValues(tool, stage, outcome).Inc()
}

func RecordPipelineDuration(tool string, duration time.Duration) {
	PipelineDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

func RecordQuotaDenial(tenant, reason string) {
	QuotaDenialsTotal.WithLabelValues(tenant, reason).Inc()
}

func RecordSQLValidation(outcome string) {
	SQLValidationTotal.WithLabelValues(outcome).Inc()
}

func RecordAuditEvent(eventType, severity string) {
	AuditEventsTotal.WithLabelValues(eventType, severity).Inc()
}

func RecordAuditEmitFailure() {
	AuditEmitFailuresTotal.Inc()
}

func RecordCircuitBreakerState(breaker string, state float64) {
	CircuitBreakerState.WithLabelValues(breaker).Set(state)
}

func RecordCircuitBreakerFailure(breaker string) {
	CircuitBreakerFailures.WithLabelValues(breaker).Inc()
}

func RecordCircuitBreakerSuccess(breaker string) {
	CircuitBreakerSuccesses.WithLabelValues(breaker).Inc()
}

func RecordHealthCheck(component string, duration time.Duration, success bool) {
	HealthCheckDuration.WithLabelValues(component).Observe(duration.Seconds())
	if !success {
		HealthCheckFailures.WithLabelValues(component).Inc()
	}
}

func RecordCacheHit(cache string)   { CacheHits.WithLabelValues(cache).Inc() }
func RecordCacheMiss(cache string)  { CacheMisses.WithLabelValues(cache).Inc() }
func RecordCacheError(cache string) { CacheErrors.WithLabelValues(cache).Inc() }

// DBStats mirrors the subset of sql.DBStats the connection-pool collector
// cares about, avoiding a database/sql import in this package.
type DBStats struct {
	Open         int
	InUse        int
	Idle         int
	WaitDuration time.Duration
	WaitCount    int64
}

// RecordDBStats updates the connection-pool gauges from a periodic poll.
func RecordDBStats(stats DBStats) {
	DBConnectionsOpen.Set(float64(stats.Open))
	DBConnectionsInUse.Set(float64(stats.InUse))
	DBConnectionsIdle.Set(float64(stats.Idle))
	DBWaitDurationSeconds.Set(stats.WaitDuration.Seconds())
	DBWaitCount.Set(float64(stats.WaitCount))
}

// RecordDBQuery records the duration of a single database operation.
func RecordDBQuery(operation, table string, duration time.Duration) {
	DBQueryDuration.WithLabelValues(operation, table).Observe(duration.Seconds())
}

// RecordPanic records a recovered panic at the given HTTP path.
func RecordPanic(path string) {
	PanicsTotal.WithLabelValues(path).Inc()
}
