package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/openfroyo/flowplane/pkg/engine"
)

// Metrics provides Prometheus metrics for the control plane. It implements
// engine.MetricsRecorder. A disabled Metrics accepts every call and records
// nothing.
type Metrics struct {
	config MetricsConfig

	eventsReceived   *prometheus.CounterVec
	eventsFailed     *prometheus.CounterVec
	nodeEvaluations  *prometheus.CounterVec
	actionDispatches *prometheus.CounterVec
	actionDuration   *prometheus.HistogramVec
	expressionErrors *prometheus.CounterVec
	stateUpdates     *prometheus.CounterVec
	hooks            *prometheus.CounterVec
	activeNodes      prometheus.Gauge

	messagesConsumed *prometheus.CounterVec
	eventsArchived   *prometheus.CounterVec
	errorsByCode     *prometheus.CounterVec

	registry *prometheus.Registry
}

var _ engine.MetricsRecorder = (*Metrics)(nil)

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}
	counter := func(name, help string, labels ...string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help}, labels)
	}

	registry := prometheus.NewRegistry()
	m := &Metrics{
		config:   cfg,
		registry: registry,

		eventsReceived:   counter("events_received_total", "Total number of events received by the control plane", "type"),
		eventsFailed:     counter("events_failed_total", "Events whose processing failed before node evaluation", "type"),
		nodeEvaluations:  counter("node_evaluations_total", "Node evaluations by outcome", "outcome"),
		actionDispatches: counter("action_dispatches_total", "Action dispatches by task type, action and outcome", "task_type", "action", "outcome"),
		actionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "action_dispatch_duration_seconds",
				Help:      "Duration of executor action calls in seconds",
				Buckets:   buckets,
			},
			[]string{"task_type", "action"},
		),
		expressionErrors: counter("expression_errors_total", "Expression evaluation failures", "kind"),
		stateUpdates:     counter("state_updates_total", "Node state persistence attempts by outcome", "outcome"),
		hooks:            counter("hooks_total", "Alert and skip hook invocations", "hook"),
		activeNodes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_nodes",
			Help:      "Number of active nodes in the last snapshot",
		}),
		messagesConsumed: counter("messages_consumed_total", "Stream messages consumed by outcome", "outcome"),
		eventsArchived:   counter("events_archived_total", "Events written to the object archive by outcome", "outcome"),
		errorsByCode:     counter("errors_by_code_total", "Errors by error class and code", "class", "code"),
	}

	registry.MustRegister(
		m.eventsReceived,
		m.eventsFailed,
		m.nodeEvaluations,
		m.actionDispatches,
		m.actionDuration,
		m.expressionErrors,
		m.stateUpdates,
		m.hooks,
		m.activeNodes,
		m.messagesConsumed,
		m.eventsArchived,
		m.errorsByCode,
	)
	return m, nil
}

// RecordEventReceived counts an incoming event.
func (m *Metrics) RecordEventReceived(eventType string) {
	if m == nil || m.eventsReceived == nil {
		return
	}
	m.eventsReceived.WithLabelValues(eventType).Inc()
}

// RecordEventFailed counts an event that could not be processed.
func (m *Metrics) RecordEventFailed(eventType string) {
	if m == nil || m.eventsFailed == nil {
		return
	}
	m.eventsFailed.WithLabelValues(eventType).Inc()
}

// RecordNodeEvaluation counts a node evaluation outcome.
func (m *Metrics) RecordNodeEvaluation(outcome string) {
	if m == nil || m.nodeEvaluations == nil {
		return
	}
	m.nodeEvaluations.WithLabelValues(outcome).Inc()
}

// RecordActionDispatch counts a dispatch and observes its duration when the
// executor was reached.
func (m *Metrics) RecordActionDispatch(taskType, action, outcome string, d time.Duration) {
	if m == nil || m.actionDispatches == nil {
		return
	}
	m.actionDispatches.WithLabelValues(taskType, action, outcome).Inc()
	if d > 0 {
		m.actionDuration.WithLabelValues(taskType, action).Observe(d.Seconds())
	}
}

// RecordExpressionError counts an expression failure.
func (m *Metrics) RecordExpressionError(kind string) {
	if m == nil || m.expressionErrors == nil {
		return
	}
	m.expressionErrors.WithLabelValues(kind).Inc()
}

// RecordStateUpdate counts a node state persistence attempt.
func (m *Metrics) RecordStateUpdate(outcome string) {
	if m == nil || m.stateUpdates == nil {
		return
	}
	m.stateUpdates.WithLabelValues(outcome).Inc()
}

// RecordHook counts an alert or skip hook.
func (m *Metrics) RecordHook(hook string) {
	if m == nil || m.hooks == nil {
		return
	}
	m.hooks.WithLabelValues(hook).Inc()
}

// SetActiveNodes sets the active node gauge.
func (m *Metrics) SetActiveNodes(n int) {
	if m == nil || m.activeNodes == nil {
		return
	}
	m.activeNodes.Set(float64(n))
}

// RecordMessageConsumed counts a consumed stream message (ack, nak, term).
func (m *Metrics) RecordMessageConsumed(outcome string) {
	if m == nil || m.messagesConsumed == nil {
		return
	}
	m.messagesConsumed.WithLabelValues(outcome).Inc()
}

// RecordEventArchived counts an archive write.
func (m *Metrics) RecordEventArchived(outcome string) {
	if m == nil || m.eventsArchived == nil {
		return
	}
	m.eventsArchived.WithLabelValues(outcome).Inc()
}

// RecordError counts a classified error.
func (m *Metrics) RecordError(err error) {
	if m == nil || m.errorsByCode == nil || err == nil {
		return
	}
	var ee *engine.EngineError
	if !errors.As(err, &ee) {
		m.errorsByCode.WithLabelValues("unclassified", "").Inc()
		return
	}
	m.errorsByCode.WithLabelValues(string(ee.Class), ee.Code).Inc()
}

// Registry returns the metrics registry, or nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer serves the metrics endpoint until ctx is done.
func (m *Metrics) StartMetricsServer(ctx context.Context, logger zerolog.Logger) error {
	if !m.config.Enabled {
		return nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	go func() {
		logger.Info().Str("addr", server.Addr).Str("path", path).Msg("Metrics server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("Metrics server failed")
		}
	}()
	return nil
}
