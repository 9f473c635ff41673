// Package metrics exposes prometheus instrumentation for the core.
//
// All observation methods are nil-safe so components can be built without
// metrics (tests, embedded use) and the call sites stay unconditional.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every collector the core reports.
type Metrics struct {
	eventsEmitted    *prometheus.CounterVec
	handlerErrors    prometheus.Counter
	stateMutations   *prometheus.CounterVec
	middlewareErrors prometheus.Counter
	commands         *prometheus.CounterVec
	commandDuration  *prometheus.HistogramVec
	effectErrors     *prometheus.CounterVec
	syncBatches      *prometheus.CounterVec
	syncItemsFailed  prometheus.Counter
	syncQueueDepth   prometheus.Gauge
	validationCache  *prometheus.CounterVec
}

// New registers the collectors with reg. Pass prometheus.NewRegistry() in
// tests; registering twice on the same registry panics.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		eventsEmitted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "floorstate_events_emitted_total",
			Help: "Events emitted on the bus, by event name",
		}, []string{"event"}),
		handlerErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "floorstate_event_handler_errors_total",
			Help: "Event handlers that returned an error or panicked",
		}),
		stateMutations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "floorstate_state_mutations_total",
			Help: "Applied state store mutations, by source",
		}, []string{"source"}),
		middlewareErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "floorstate_state_middleware_errors_total",
			Help: "Middleware failures that fell back to the original value",
		}),
		commands: f.NewCounterVec(prometheus.CounterOpts{
			Name: "floorstate_commands_total",
			Help: "Command executions, by command and status",
		}, []string{"command", "status"}),
		commandDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "floorstate_command_duration_seconds",
			Help:    "Command execution latency",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"command"}),
		effectErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "floorstate_command_effect_errors_total",
			Help: "Command effects that failed",
		}, []string{"command"}),
		syncBatches: f.NewCounterVec(prometheus.CounterOpts{
			Name: "floorstate_sync_batches_total",
			Help: "Outbound sync batches, by result",
		}, []string{"result"}),
		syncItemsFailed: f.NewCounter(prometheus.CounterOpts{
			Name: "floorstate_sync_items_failed_total",
			Help: "Sync items that exhausted their retries",
		}),
		syncQueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Name: "floorstate_sync_queue_depth",
			Help: "Items currently held in the sync queue",
		}),
		validationCache: f.NewCounterVec(prometheus.CounterOpts{
			Name: "floorstate_validation_cache_total",
			Help: "Validation cache lookups, by outcome",
		}, []string{"outcome"}),
	}
}

// EventEmitted counts one emission of name.
func (m *Metrics) EventEmitted(name string) {
	if m == nil {
		return
	}
	m.eventsEmitted.WithLabelValues(name).Inc()
}

// HandlerFailed counts a failed event handler.
func (m *Metrics) HandlerFailed() {
	if m == nil {
		return
	}
	m.handlerErrors.Inc()
}

// Mutation counts an applied state write.
func (m *Metrics) Mutation(source string) {
	if m == nil {
		return
	}
	m.stateMutations.WithLabelValues(source).Inc()
}

// MiddlewareFailed counts a middleware fallback.
func (m *Metrics) MiddlewareFailed() {
	if m == nil {
		return
	}
	m.middlewareErrors.Inc()
}

// Command records one finished command execution.
func (m *Metrics) Command(name, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(name, status).Inc()
	m.commandDuration.WithLabelValues(name).Observe(d.Seconds())
}

// EffectFailed counts a failed effect of command name.
func (m *Metrics) EffectFailed(name string) {
	if m == nil {
		return
	}
	m.effectErrors.WithLabelValues(name).Inc()
}

// Batch records the outcome of one outbound sync call.
func (m *Metrics) Batch(ok bool) {
	if m == nil {
		return
	}
	result := "success"
	if !ok {
		result = "failure"
	}
	m.syncBatches.WithLabelValues(result).Inc()
}

// ItemsFailed counts sync items marked permanently failed.
func (m *Metrics) ItemsFailed(n int) {
	if m == nil {
		return
	}
	m.syncItemsFailed.Add(float64(n))
}

// QueueDepth sets the current sync queue size.
func (m *Metrics) QueueDepth(n int) {
	if m == nil {
		return
	}
	m.syncQueueDepth.Set(float64(n))
}

// ValidationCache records a cache hit or miss.
func (m *Metrics) ValidationCache(hit bool) {
	if m == nil {
		return
	}
	outcome := "miss"
	if hit {
		outcome = "hit"
	}
	m.validationCache.WithLabelValues(outcome).Inc()
}
