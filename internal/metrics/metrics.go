package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "docpilot"

// Histogram bucket definitions.
var (
	// Model call duration: 100ms to 5min.
	llmDurationBuckets = []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300}

	// Tool duration: 10ms to 2min.
	toolDurationBuckets = []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 5, 10, 30, 60, 120}
)

// Tool call status labels.
const (
	ToolSuccess     = "success"
	ToolError       = "error"
	ToolUnreachable = "unreachable"
	ToolInvalidArgs = "invalid_args"
)

// Collector holds the Prometheus metrics of the agent. A nil *Collector is
// valid and records nothing.
type Collector struct {
	registry *prometheus.Registry

	RunsTotal       *prometheus.CounterVec
	IterationsTotal prometheus.Counter
	Processing      prometheus.Gauge

	LLMRequestsTotal   *prometheus.CounterVec
	LLMRequestDuration *prometheus.HistogramVec
	LLMTokensTotal     *prometheus.CounterVec

	ToolCallsTotal *prometheus.CounterVec
	ToolDuration   *prometheus.HistogramVec

	CostTotal *prometheus.CounterVec
}

// NewCollector creates a registry with Go runtime collectors and registers
// all metrics on it.
func NewCollector() *Collector {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(registry)

	return &Collector{
		registry: registry,

		RunsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "agent",
				Name:      "runs_total",
				Help:      "Total number of agent runs by outcome.",
			},
			[]string{"outcome"},
		),
		IterationsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "agent",
				Name:      "iterations_total",
				Help:      "Total number of loop iterations executed.",
			},
		),
		Processing: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "agent",
				Name:      "processing",
				Help:      "1 while a run is active.",
			},
		),

		LLMRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "llm",
				Name:      "requests_total",
				Help:      "Total number of model calls.",
			},
			[]string{"model", "kind", "status"},
		),
		LLMRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "llm",
				Name:      "request_duration_seconds",
				Help:      "Duration of model calls in seconds.",
				Buckets:   llmDurationBuckets,
			},
			[]string{"model", "kind"},
		),
		LLMTokensTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "llm",
				Name:      "tokens_total",
				Help:      "Total number of billed tokens by class.",
			},
			[]string{"model", "type"},
		),

		ToolCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "tool",
				Name:      "calls_total",
				Help:      "Total number of tool calls.",
			},
			[]string{"tool", "status"},
		),
		ToolDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "tool",
				Name:      "duration_seconds",
				Help:      "Duration of tool calls in seconds.",
				Buckets:   toolDurationBuckets,
			},
			[]string{"tool"},
		),

		CostTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cost_total",
				Help:      "Accumulated model cost in USD by kind.",
			},
			[]string{"kind"},
		),
	}
}

// Registry exposes the underlying registry for gathering.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

func (c *Collector) RunStarted() {
	if c == nil {
		return
	}
	c.Processing.Set(1)
}

func (c *Collector) RunFinished(outcome string) {
	if c == nil {
		return
	}
	c.Processing.Set(0)
	c.RunsTotal.WithLabelValues(outcome).Inc()
}

func (c *Collector) IncIteration() {
	if c == nil {
		return
	}
	c.IterationsTotal.Inc()
}

// ObserveModelCall records one model call. status is "success" or "error".
func (c *Collector) ObserveModelCall(model, kind, status string, d time.Duration) {
	if c == nil {
		return
	}
	c.LLMRequestsTotal.WithLabelValues(model, kind, status).Inc()
	c.LLMRequestDuration.WithLabelValues(model, kind).Observe(d.Seconds())
}

func (c *Collector) AddTokens(model, tokenType string, n int64) {
	if c == nil || n <= 0 {
		return
	}
	c.LLMTokensTotal.WithLabelValues(model, tokenType).Add(float64(n))
}

func (c *Collector) ObserveToolCall(tool, status string, d time.Duration) {
	if c == nil {
		return
	}
	c.ToolCallsTotal.WithLabelValues(tool, status).Inc()
	c.ToolDuration.WithLabelValues(tool).Observe(d.Seconds())
}

func (c *Collector) AddCost(kind string, cost float64) {
	if c == nil || cost <= 0 {
		return
	}
	c.CostTotal.WithLabelValues(kind).Add(cost)
}
