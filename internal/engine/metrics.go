package engine

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sony/gobreaker"

	"github.com/rendis/agentflow/pkg/schema"
)

const metricsNamespace = "agentflow"

// Metrics holds the engine's Prometheus collectors. A nil *Metrics is a
// valid no-op.
type Metrics struct {
	executionsStarted  prometheus.Counter
	executionsFinished *prometheus.CounterVec
	stepDuration       *prometheus.HistogramVec
	stepRetries        *prometheus.CounterVec
	bottlenecks        prometheus.Counter
	activeExecutions   prometheus.Gauge
	pausedExecutions   prometheus.Gauge
	hitlOutcomes       *prometheus.CounterVec
	breakerState       *prometheus.GaugeVec
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		executionsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "executions_started_total",
			Help:      "Total number of workflow executions started",
		}),
		executionsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "executions_finished_total",
			Help:      "Total number of workflow executions reaching a terminal status",
		}, []string{"status"}),
		stepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "step_duration_seconds",
			Help:      "Duration of step execution in seconds",
			Buckets:   []float64{.005, .025, .1, .5, 1, 5, 15, 30, 60, 300},
		}, []string{"node_type", "status"}),
		stepRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "step_retries_total",
			Help:      "Total number of step retry attempts",
		}, []string{"node_type"}),
		bottlenecks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "step_bottlenecks_total",
			Help:      "Total number of steps exceeding the bottleneck threshold",
		}),
		activeExecutions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "executions_active",
			Help:      "Executions currently running in this process",
		}),
		pausedExecutions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "executions_paused",
			Help:      "Executions currently paused in this process",
		}),
		hitlOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "hitl_outcomes_total",
			Help:      "Human-in-the-loop request outcomes observed by executions",
		}, []string{"outcome"}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "circuit_breaker_state",
			Help:      "Collaborator circuit state (0 closed, 1 half-open, 2 open)",
		}, []string{"breaker"}),
	}
	if reg == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{
		m.executionsStarted, m.executionsFinished, m.stepDuration, m.stepRetries,
		m.bottlenecks, m.activeExecutions, m.pausedExecutions, m.hitlOutcomes, m.breakerState,
	} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register engine metrics: %w", err)
		}
	}
	return m, nil
}

func (m *Metrics) executionStarted() {
	if m == nil {
		return
	}
	m.executionsStarted.Inc()
	m.activeExecutions.Inc()
}

// transition keeps the active/paused gauges in line with a status change.
func (m *Metrics) transition(from, to schema.ExecutionStatus) {
	if m == nil {
		return
	}
	switch from {
	case schema.ExecutionRunning:
		m.activeExecutions.Dec()
	case schema.ExecutionPaused:
		m.pausedExecutions.Dec()
	}
	switch to {
	case schema.ExecutionRunning:
		m.activeExecutions.Inc()
	case schema.ExecutionPaused:
		m.pausedExecutions.Inc()
	default:
		m.executionsFinished.WithLabelValues(string(to)).Inc()
	}
}

// adopted accounts for an execution taken over from the store.
func (m *Metrics) adopted(status schema.ExecutionStatus) {
	if m == nil {
		return
	}
	switch status {
	case schema.ExecutionRunning:
		m.activeExecutions.Inc()
	case schema.ExecutionPaused:
		m.pausedExecutions.Inc()
	}
}

// released reverses adopted when ownership could not be taken after all.
func (m *Metrics) released(status schema.ExecutionStatus) {
	if m == nil {
		return
	}
	switch status {
	case schema.ExecutionRunning:
		m.activeExecutions.Dec()
	case schema.ExecutionPaused:
		m.pausedExecutions.Dec()
	}
}

func (m *Metrics) stepFinished(nodeType schema.NodeType, status schema.StepStatus, d time.Duration) {
	if m == nil {
		return
	}
	m.stepDuration.WithLabelValues(string(nodeType), string(status)).Observe(d.Seconds())
}

func (m *Metrics) stepRetried(nodeType schema.NodeType) {
	if m == nil {
		return
	}
	m.stepRetries.WithLabelValues(string(nodeType)).Inc()
}

func (m *Metrics) bottleneck() {
	if m == nil {
		return
	}
	m.bottlenecks.Inc()
}

func (m *Metrics) hitlOutcome(status schema.HITLStatus) {
	if m == nil {
		return
	}
	m.hitlOutcomes.WithLabelValues(string(status)).Inc()
}

func (m *Metrics) breakerChanged(name string, _, to gobreaker.State) {
	if m == nil {
		return
	}
	var v float64
	switch to {
	case gobreaker.StateHalfOpen:
		v = 1
	case gobreaker.StateOpen:
		v = 2
	}
	m.breakerState.WithLabelValues(name).Set(v)
}
