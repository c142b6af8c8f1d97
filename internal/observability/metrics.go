package observability

import (
	"runtime"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects the hub's Prometheus metrics and keeps cheap atomic
// counters for the admin stats snapshot.
//
// Registered metric families:
//   - agenthub_turns_total{status}
//   - agenthub_llm_request_duration_seconds{provider,model}
//   - agenthub_llm_requests_total{provider,model,status}
//   - agenthub_llm_tokens_total{provider,model,type}
//   - agenthub_tool_executions_total{tool,status}
//   - agenthub_tool_execution_duration_seconds{tool}
//   - agenthub_scheduler_fires_total{type}
//   - agenthub_write_throughs_total{kind}
//   - agenthub_push_notifications_total{outcome}
//   - agenthub_fanout_drops_total
//   - agenthub_connected_clients
//   - agenthub_runners
//   - agenthub_errors_total{component,error_type}
type Metrics struct {
	TurnCounter        *prometheus.CounterVec
	LLMRequestDuration *prometheus.HistogramVec
	LLMRequestCounter  *prometheus.CounterVec
	LLMTokensUsed      *prometheus.CounterVec
	ToolExecutions     *prometheus.CounterVec
	ToolDuration       *prometheus.HistogramVec
	SchedulerFires     *prometheus.CounterVec
	WriteThroughs      *prometheus.CounterVec
	PushNotifications  *prometheus.CounterVec
	FanoutDrops        prometheus.Counter
	ConnectedClients   prometheus.Gauge
	Runners            prometheus.Gauge
	ErrorCounter       *prometheus.CounterVec

	startedAt time.Time

	turns          atomic.Int64
	toolCalls      atomic.Int64
	schedulerFires atomic.Int64
	fanoutDrops    atomic.Int64
	pushSent       atomic.Int64
	authFailures   atomic.Int64
}

// NewMetrics creates and registers all hub metrics on the given registerer.
// Pass prometheus.DefaultRegisterer in production and a fresh registry in
// tests to avoid duplicate-registration panics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		startedAt: time.Now(),

		TurnCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agenthub_turns_total",
				Help: "Total agent turns by completion status",
			},
			[]string{"status"},
		),
		LLMRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agenthub_llm_request_duration_seconds",
				Help:    "Duration of LLM requests in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"provider", "model"},
		),
		LLMRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agenthub_llm_requests_total",
				Help: "Total LLM requests by provider, model, and status",
			},
			[]string{"provider", "model", "status"},
		),
		LLMTokensUsed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agenthub_llm_tokens_total",
				Help: "Total tokens consumed by provider, model, and type",
			},
			[]string{"provider", "model", "type"},
		),
		ToolExecutions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agenthub_tool_executions_total",
				Help: "Total tool executions by tool name and status",
			},
			[]string{"tool", "status"},
		),
		ToolDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agenthub_tool_execution_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool"},
		),
		SchedulerFires: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agenthub_scheduler_fires_total",
				Help: "Total scheduler trigger firings by entry type",
			},
			[]string{"type"},
		),
		WriteThroughs: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agenthub_write_throughs_total",
				Help: "Total client write-through updates by kind",
			},
			[]string{"kind"},
		),
		PushNotifications: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agenthub_push_notifications_total",
				Help: "Push notification decisions by outcome",
			},
			[]string{"outcome"},
		),
		FanoutDrops: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "agenthub_fanout_drops_total",
				Help: "Clients disconnected because their send buffer overflowed",
			},
		),
		ConnectedClients: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "agenthub_connected_clients",
				Help: "Currently connected WebSocket clients",
			},
		),
		Runners: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "agenthub_runners",
				Help: "Currently registered agent runners",
			},
		),
		ErrorCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agenthub_errors_total",
				Help: "Total errors by component and error type",
			},
			[]string{"component", "error_type"},
		),
	}
}

// RecordTurn counts one completed turn attempt.
func (m *Metrics) RecordTurn(status string) {
	m.TurnCounter.WithLabelValues(status).Inc()
	m.turns.Add(1)
}

// RecordLLMRequest records one adapter round trip.
func (m *Metrics) RecordLLMRequest(provider, model, status string, seconds float64, inputTokens, outputTokens int) {
	m.LLMRequestCounter.WithLabelValues(provider, model, status).Inc()
	m.LLMRequestDuration.WithLabelValues(provider, model).Observe(seconds)
	if inputTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "output").Add(float64(outputTokens))
	}
}

// RecordToolExecution records one pipeline dispatch.
func (m *Metrics) RecordToolExecution(tool, status string, seconds float64) {
	m.ToolExecutions.WithLabelValues(tool, status).Inc()
	m.ToolDuration.WithLabelValues(tool).Observe(seconds)
	m.toolCalls.Add(1)
}

// RecordSchedulerFire counts one trigger firing ("cron" or "event").
func (m *Metrics) RecordSchedulerFire(kind string) {
	m.SchedulerFires.WithLabelValues(kind).Inc()
	m.schedulerFires.Add(1)
}

// RecordWriteThrough counts one applied write-through ("state", "dom", "file").
func (m *Metrics) RecordWriteThrough(kind string) {
	m.WriteThroughs.WithLabelValues(kind).Inc()
}

// RecordPush counts one push decision ("delivered", "suppressed", "failed").
func (m *Metrics) RecordPush(outcome string) {
	m.PushNotifications.WithLabelValues(outcome).Inc()
	if outcome == "delivered" {
		m.pushSent.Add(1)
	}
}

// RecordFanoutDrop counts one slow-client disconnect.
func (m *Metrics) RecordFanoutDrop() {
	m.FanoutDrops.Inc()
	m.fanoutDrops.Add(1)
}

// RecordError counts one taxonomy error.
func (m *Metrics) RecordError(component, errorType string) {
	m.ErrorCounter.WithLabelValues(component, errorType).Inc()
}

// RecordAuthFailure counts one failed authentication attempt.
func (m *Metrics) RecordAuthFailure() {
	m.authFailures.Add(1)
	m.RecordError("hub", "auth_failed")
}

// StatsSnapshot is the admin get_stats payload.
type StatsSnapshot struct {
	UptimeSeconds  int64 `json:"uptimeSeconds"`
	Turns          int64 `json:"turns"`
	ToolCalls      int64 `json:"toolCalls"`
	SchedulerFires int64 `json:"schedulerFires"`
	FanoutDrops    int64 `json:"fanoutDrops"`
	PushSent       int64 `json:"pushSent"`
	AuthFailures   int64 `json:"authFailures"`
	Goroutines     int   `json:"goroutines"`
	HeapBytes      int64 `json:"heapBytes"`
}

// Snapshot returns current stats for the admin plane.
func (m *Metrics) Snapshot() StatsSnapshot {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	return StatsSnapshot{
		UptimeSeconds:  int64(time.Since(m.startedAt).Seconds()),
		Turns:          m.turns.Load(),
		ToolCalls:      m.toolCalls.Load(),
		SchedulerFires: m.schedulerFires.Load(),
		FanoutDrops:    m.fanoutDrops.Load(),
		PushSent:       m.pushSent.Load(),
		AuthFailures:   m.authFailures.Load(),
		Goroutines:     runtime.NumGoroutine(),
		HeapBytes:      int64(mem.HeapAlloc),
	}
}
