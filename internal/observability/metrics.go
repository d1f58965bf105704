package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	activeSessions      prometheus.Gauge
	sessionLoadDuration prometheus.Histogram
	sessionSaveDuration prometheus.Histogram
	sessionsEvicted     prometheus.Counter

	toolExecutionTotal    *prometheus.CounterVec
	toolExecutionDuration *prometheus.HistogramVec
	toolErrorsTotal       *prometheus.CounterVec
	permissionDenied      *prometheus.CounterVec

	agentTurnTotal    *prometheus.CounterVec
	agentTurnDuration *prometheus.HistogramVec
	agentErrorsTotal  *prometheus.CounterVec

	runTotal    *prometheus.CounterVec
	roundsTotal prometheus.Counter

	sinkMessagesTotal *prometheus.CounterVec
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			activeSessions: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "tandem_active_sessions",
					Help: "Sessions currently held in memory.",
				},
			),
			sessionLoadDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "tandem_session_load_duration_seconds",
					Help:    "Session event log replay duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			sessionSaveDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "tandem_session_append_duration_seconds",
					Help:    "Session event append duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			sessionsEvicted: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "tandem_sessions_evicted_total",
					Help: "Idle sessions evicted from memory.",
				},
			),
			toolExecutionTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tandem_tool_execution_total",
					Help: "Total tool executions by tool and status.",
				},
				[]string{"tool", "status"},
			),
			toolExecutionDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "tandem_tool_execution_duration_seconds",
					Help:    "Tool execution duration in seconds by tool.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"tool"},
			),
			toolErrorsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tandem_tool_errors_total",
					Help: "Total tool execution errors by tool.",
				},
				[]string{"tool"},
			),
			permissionDenied: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tandem_permission_denied_total",
					Help: "Tool calls rejected by the permission policy.",
				},
				[]string{"tool"},
			),
			agentTurnTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tandem_agent_turn_total",
					Help: "Model turns by backend, role and status.",
				},
				[]string{"backend", "role", "status"},
			),
			agentTurnDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "tandem_agent_turn_duration_seconds",
					Help:    "Model turn duration in seconds by backend and role.",
					Buckets: []float64{0.5, 1, 2, 5, 10, 20, 40, 80, 160},
				},
				[]string{"backend", "role"},
			),
			agentErrorsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tandem_agent_errors_total",
					Help: "Model errors by backend and kind.",
				},
				[]string{"backend", "kind"},
			),
			runTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tandem_run_total",
					Help: "Orchestrator runs by outcome.",
				},
				[]string{"outcome"},
			),
			roundsTotal: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "tandem_rounds_total",
					Help: "Completed instructor rounds.",
				},
			),
			sinkMessagesTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tandem_sink_messages_total",
					Help: "Protocol messages emitted by runs, by kind.",
				},
				[]string{"kind"},
			),
		}

		prometheus.MustRegister(
			m.activeSessions,
			m.sessionLoadDuration,
			m.sessionSaveDuration,
			m.sessionsEvicted,
			m.toolExecutionTotal,
			m.toolExecutionDuration,
			m.toolErrorsTotal,
			m.permissionDenied,
			m.agentTurnTotal,
			m.agentTurnDuration,
			m.agentErrorsTotal,
			m.runTotal,
			m.roundsTotal,
			m.sinkMessagesTotal,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

func SetActiveSessions(count int) {
	getMetrics().activeSessions.Set(float64(count))
}

func RecordSessionLoad(duration time.Duration) {
	getMetrics().sessionLoadDuration.Observe(duration.Seconds())
}

func RecordSessionSave(duration time.Duration) {
	getMetrics().sessionSaveDuration.Observe(duration.Seconds())
}

func RecordSessionsEvicted(count int) {
	getMetrics().sessionsEvicted.Add(float64(count))
}

func RecordToolExecution(tool string, duration time.Duration, success bool) {
	m := getMetrics()
	m.toolExecutionTotal.WithLabelValues(tool, statusLabel(success)).Inc()
	m.toolExecutionDuration.WithLabelValues(tool).Observe(duration.Seconds())
	if !success {
		m.toolErrorsTotal.WithLabelValues(tool).Inc()
	}
}

func RecordPermissionDenied(tool string) {
	getMetrics().permissionDenied.WithLabelValues(tool).Inc()
}

func RecordAgentTurn(backend, role string, duration time.Duration, success bool) {
	m := getMetrics()
	m.agentTurnTotal.WithLabelValues(backend, role, statusLabel(success)).Inc()
	m.agentTurnDuration.WithLabelValues(backend, role).Observe(duration.Seconds())
}

func RecordAgentError(backend, kind string) {
	getMetrics().agentErrorsTotal.WithLabelValues(backend, kind).Inc()
}

func RecordRun(outcome string) {
	getMetrics().runTotal.WithLabelValues(outcome).Inc()
}

func RecordRound() {
	getMetrics().roundsTotal.Inc()
}

func RecordSinkMessage(kind string) {
	getMetrics().sinkMessagesTotal.WithLabelValues(kind).Inc()
}
