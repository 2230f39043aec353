package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors of the runtime. A nil *Metrics is
// valid and records nothing, so call sites never need nil checks wrapped in
// conditionals beyond the receiver.
type Metrics struct {
	registry *prometheus.Registry

	TurnsTotal     *prometheus.CounterVec
	TurnDuration   *prometheus.HistogramVec
	LLMCallsTotal  *prometheus.CounterVec
	LLMDuration    prometheus.Histogram
	LLMTokens      *prometheus.CounterVec
	ToolCallsTotal *prometheus.CounterVec
	ToolDuration   *prometheus.HistogramVec
	ActiveSessions prometheus.Gauge
	HTTPRequests   *prometheus.CounterVec
	HTTPDuration   *prometheus.HistogramVec
}

// NewMetrics builds and registers all collectors on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		TurnsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "maestro_turns_total",
			Help: "Completed chat turns by agent and outcome.",
		}, []string{"agent_id", "outcome"}),
		TurnDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "maestro_turn_duration_seconds",
			Help:    "Chat turn duration in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"agent_id"}),
		LLMCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "maestro_llm_calls_total",
			Help: "LLM requests by model and outcome.",
		}, []string{"model", "outcome"}),
		LLMDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "maestro_llm_request_duration_seconds",
			Help:    "LLM request duration in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		LLMTokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "maestro_llm_tokens_total",
			Help: "Tokens exchanged with the LLM by direction.",
		}, []string{"direction"}),
		ToolCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "maestro_tool_calls_total",
			Help: "Tool invocations by tool and outcome.",
		}, []string{"tool", "outcome"}),
		ToolDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "maestro_tool_execution_duration_seconds",
			Help:    "Tool execution duration in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		}, []string{"tool"}),
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "maestro_active_sessions",
			Help: "Sessions with an in-flight streaming turn.",
		}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "maestro_http_requests_total",
			Help: "HTTP requests by route, method and status.",
		}, []string{"route", "method", "status"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "maestro_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route", "method"}),
	}

	reg.MustRegister(
		m.TurnsTotal, m.TurnDuration,
		m.LLMCallsTotal, m.LLMDuration, m.LLMTokens,
		m.ToolCallsTotal, m.ToolDuration,
		m.ActiveSessions,
		m.HTTPRequests, m.HTTPDuration,
	)
	return m
}

// Handler serves the /metrics endpoint for this registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordTurn records one finished chat turn.
func (m *Metrics) RecordTurn(agentID, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.TurnsTotal.WithLabelValues(agentID, outcome).Inc()
	m.TurnDuration.WithLabelValues(agentID).Observe(duration.Seconds())
}

// RecordLLMCall records one LLM request.
func (m *Metrics) RecordLLMCall(model string, duration time.Duration, inputTokens, outputTokens int, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.LLMCallsTotal.WithLabelValues(model, outcome).Inc()
	m.LLMDuration.Observe(duration.Seconds())
	if inputTokens > 0 {
		m.LLMTokens.WithLabelValues("input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		m.LLMTokens.WithLabelValues("output").Add(float64(outputTokens))
	}
}

// RecordToolCall records one tool invocation.
func (m *Metrics) RecordToolCall(toolName string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.ToolCallsTotal.WithLabelValues(toolName, outcome).Inc()
	m.ToolDuration.WithLabelValues(toolName).Observe(duration.Seconds())
}

// ActiveSessionsInc marks one more in-flight streaming turn.
func (m *Metrics) ActiveSessionsInc() {
	if m == nil {
		return
	}
	m.ActiveSessions.Inc()
}

// ActiveSessionsDec marks one in-flight streaming turn as finished.
func (m *Metrics) ActiveSessionsDec() {
	if m == nil {
		return
	}
	m.ActiveSessions.Dec()
}

// Middleware instruments HTTP handlers with request counters and latency.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		route := r.URL.Path
		m.HTTPRequests.WithLabelValues(route, r.Method, strconv.Itoa(sw.status)).Inc()
		m.HTTPDuration.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// Flush forwards to the underlying writer so SSE streaming keeps working
// behind the middleware.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
