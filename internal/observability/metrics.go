package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	ActiveSessions    prometheus.Gauge
	SessionEvents     *prometheus.CounterVec
	TurnOutcomes      *prometheus.CounterVec
	WSMessages        *prometheus.CounterVec
	WSWriteErrors     prometheus.Counter
	GeneratorErrors   *prometheus.CounterVec
	GenerationLatency prometheus.Histogram
	QueueDepth        prometheus.Histogram

	turnStages *turnStageWindow
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ActiveSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of story sessions that are not closed.",
		}),
		SessionEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session lifecycle events by type.",
		}, []string{"event"}),
		TurnOutcomes: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turn_outcomes_total",
			Help:      "Turn submissions by outcome.",
		}, []string{"outcome"}),
		WSMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		WSWriteErrors: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_write_errors_total",
			Help:      "WebSocket write failures.",
		}),
		GeneratorErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "generator_errors_total",
			Help:      "Story generator errors by provider and code.",
		}, []string{"provider", "code"}),
		GenerationLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "generation_latency_ms",
			Help:      "Scene generation latency in milliseconds.",
			Buckets:   []float64{250, 500, 1000, 2000, 4000, 8000, 15000, 30000},
		}),
		QueueDepth: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Queued actions in a session observed when a submission queues.",
			Buckets:   []float64{1, 2, 3, 4, 6, 8, 12, 16},
		}),
		turnStages: newTurnStageWindow(256),
	}
}

func (m *Metrics) ObserveSessionEvent(event string) {
	m.SessionEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) ObserveTurnOutcome(outcome string) {
	m.TurnOutcomes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveWSMessage(direction, messageType string) {
	m.WSMessages.WithLabelValues(direction, messageType).Inc()
}

func (m *Metrics) ObserveWSWriteError() {
	m.WSWriteErrors.Inc()
}

func (m *Metrics) ObserveGeneratorError(provider, code string) {
	m.GeneratorErrors.WithLabelValues(provider, code).Inc()
}

func (m *Metrics) ObserveQueueDepth(n int) {
	m.QueueDepth.Observe(float64(n))
}

func (m *Metrics) ObserveGenerationLatency(d time.Duration) {
	m.GenerationLatency.Observe(float64(d.Milliseconds()))
	m.turnStages.Observe(StageGeneration, float64(d.Milliseconds()))
}

func (m *Metrics) ObserveTurnStage(stage string, d time.Duration) {
	m.turnStages.Observe(stage, float64(d.Milliseconds()))
}

func (m *Metrics) ObserveTurnIndicator(name string) {
	m.turnStages.ObserveIndicator(name)
}

func (m *Metrics) SetActiveSessions(n int) {
	m.ActiveSessions.Set(float64(n))
}

func (m *Metrics) SnapshotTurnStages() TurnStageSnapshot {
	return m.turnStages.Snapshot()
}

func (m *Metrics) ResetTurnStages() {
	m.turnStages.Reset()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
