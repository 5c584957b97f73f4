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
	ActiveSessions       prometheus.Gauge
	SessionEvents        *prometheus.CounterVec
	AudioFrames          *prometheus.CounterVec
	BargeIns             prometheus.Counter
	ModelEvents          *prometheus.CounterVec
	ToolCalls            *prometheus.CounterVec
	TranscriptFlushes    *prometheus.CounterVec
	WebhookEvents        *prometheus.CounterVec
	PostProcessTriggers  *prometheus.CounterVec
	CollaboratorLatency  *prometheus.HistogramVec
	LifecycleTransitions *prometheus.CounterVec
}

// NewMetrics registers instruments on the default Prometheus registry.
func NewMetrics(namespace string) *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer, namespace)
}

// NewMetricsWith registers instruments on reg. Tests pass a fresh registry so
// repeated construction does not collide.
func NewMetricsWith(reg prometheus.Registerer, namespace string) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of live media-streaming sessions.",
		}),
		SessionEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session events by type.",
		}, []string{"event"}),
		AudioFrames: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_frames_total",
			Help:      "Audio frames by direction and outcome.",
		}, []string{"direction", "outcome"}),
		BargeIns: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "barge_ins_total",
			Help:      "Assistant responses interrupted by caller speech.",
		}),
		ModelEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "model_events_total",
			Help:      "Realtime model events by type.",
		}, []string{"type"}),
		ToolCalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "Tool invocations by tool and outcome.",
		}, []string{"tool", "outcome"}),
		TranscriptFlushes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcript_flushes_total",
			Help:      "Transcript persistence attempts by kind and outcome.",
		}, []string{"kind", "outcome"}),
		WebhookEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_events_total",
			Help:      "Call lifecycle events received by type.",
		}, []string{"type"}),
		PostProcessTriggers: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "post_process_triggers_total",
			Help:      "Post-processing trigger calls by outcome.",
		}, []string{"outcome"}),
		CollaboratorLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "collaborator_request_ms",
			Help:      "Latency of outbound collaborator HTTP calls in milliseconds.",
			Buckets:   []float64{10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		}, []string{"service", "operation"}),
		LifecycleTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lifecycle_transitions_total",
			Help:      "Meeting lifecycle state transitions by target state.",
		}, []string{"state"}),
	}
}

func (m *Metrics) ObserveCollaborator(service, operation string, d time.Duration) {
	m.CollaboratorLatency.WithLabelValues(service, operation).Observe(float64(d.Milliseconds()))
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
