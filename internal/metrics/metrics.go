// Package metrics exposes orchestration telemetry to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/nidhogg/nuka-conductor/internal/orchestrator"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "conductor"

// Metrics implements orchestrator.Metrics on a private registry.
//
// Metrics:
//   - conductor_graph_cache_events_total{event} - hit, miss, rebuild, evict, expire
//   - conductor_graphs - cached workflow instances
//   - conductor_turns_total{outcome}
//   - conductor_turn_duration_seconds{outcome}
//   - conductor_tasks_total{agent,status}
//   - conductor_task_duration_seconds{agent}
//   - conductor_completions_total{node,result}
//   - conductor_completion_tokens_total{node}
//   - conductor_cost_total
type Metrics struct {
	reg *prometheus.Registry

	cacheEvents  *prometheus.CounterVec
	graphs       prometheus.Gauge
	turns        *prometheus.CounterVec
	turnDuration *prometheus.HistogramVec
	tasks        *prometheus.CounterVec
	taskDuration *prometheus.HistogramVec
	completions  *prometheus.CounterVec
	tokens       *prometheus.CounterVec
	cost         prometheus.Counter
}

var _ orchestrator.Metrics = (*Metrics)(nil)

// New registers the collectors, plus Go runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		reg: reg,
		cacheEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "graph_cache_events_total",
			Help:      "Workflow cache lookups and removals by kind",
		}, []string{"event"}),
		graphs: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "graphs",
			Help:      "Workflow instances currently cached",
		}),
		turns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Turns processed by outcome",
		}, []string{"outcome"}),
		turnDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_duration_seconds",
			Help:      "Wall time of one turn",
			Buckets:   []float64{.1, .5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"outcome"}),
		tasks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_total",
			Help:      "Finished tasks by agent and status",
		}, []string{"agent", "status"}),
		taskDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "Agent execution time per task",
			Buckets:   prometheus.ExponentialBuckets(0.25, 2, 10),
		}, []string{"agent"}),
		completions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "completions_total",
			Help:      "Language-model calls by workflow node and result",
		}, []string{"node", "result"}),
		tokens: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "completion_tokens_total",
			Help:      "Tokens consumed by workflow node",
		}, []string{"node"}),
		cost: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cost_total",
			Help:      "Estimated spend across all calls",
		}),
	}
}

func (m *Metrics) GraphCache(event string) { m.cacheEvents.WithLabelValues(event).Inc() }

func (m *Metrics) Graphs(n int) { m.graphs.Set(float64(n)) }

func (m *Metrics) Turn(outcome orchestrator.Outcome, d time.Duration) {
	m.turns.WithLabelValues(string(outcome)).Inc()
	m.turnDuration.WithLabelValues(string(outcome)).Observe(d.Seconds())
}

func (m *Metrics) Task(agentID string, status orchestrator.TaskStatus, d time.Duration) {
	m.tasks.WithLabelValues(agentID, string(status)).Inc()
	m.taskDuration.WithLabelValues(agentID).Observe(d.Seconds())
}

func (m *Metrics) Completion(node string, tokens int, cost float64, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.completions.WithLabelValues(node, result).Inc()
	if tokens > 0 {
		m.tokens.WithLabelValues(node).Add(float64(tokens))
	}
	if cost > 0 {
		m.cost.Add(cost)
	}
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}
