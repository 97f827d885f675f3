package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Latency stages recorded by the relay and the credential endpoints.
const (
	StageCredentialMint     = "credential_mint"
	StageUpstreamConnect    = "upstream_connect"
	StageCommitToFirstAudio = "commit_to_first_audio"
	StageCommitToFirstText  = "commit_to_first_text"
	StageTurnTotal          = "turn_total"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	ActiveSessions    prometheus.Gauge
	SessionEvents     *prometheus.CounterVec
	WSMessages        *prometheus.CounterVec
	OutboundMessages  *prometheus.CounterVec
	ProviderErrors    *prometheus.CounterVec
	CredentialMints   *prometheus.CounterVec
	FirstAudioLatency prometheus.Histogram

	gatherer prometheus.Gatherer
	stages   *latencyWindow
}

// NewMetrics registers instruments on the default Prometheus registry.
func NewMetrics(namespace string) *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer, prometheus.DefaultGatherer, namespace)
}

func NewMetricsWith(reg prometheus.Registerer, gatherer prometheus.Gatherer, namespace string) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of relay sessions not yet closed.",
		}),
		SessionEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session lifecycle events and dropped intents by type.",
		}, []string{"event"}),
		WSMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "Local websocket messages by direction and type.",
		}, []string{"direction", "type"}),
		OutboundMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbound_messages_total",
			Help:      "Outbound notification delivery results by type.",
		}, []string{"type", "result"}),
		ProviderErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_errors_total",
			Help:      "Provider errors by provider and code.",
		}, []string{"provider", "code"}),
		CredentialMints: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credential_mints_total",
			Help:      "Ephemeral credential requests by result.",
		}, []string{"result"}),
		FirstAudioLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "first_audio_latency_ms",
			Help:      "Latency from commit to first assistant audio chunk in milliseconds.",
			Buckets:   []float64{100, 200, 300, 500, 700, 900, 1200, 2000, 4000},
		}),
		gatherer: gatherer,
		stages:   newLatencyWindow(256),
	}
}

func (m *Metrics) ObserveFirstAudioLatency(d time.Duration) {
	m.FirstAudioLatency.Observe(float64(d.Milliseconds()))
	m.ObserveStage(StageCommitToFirstAudio, d)
}

func (m *Metrics) ObserveOutboundMessage(msgType, result string) {
	m.OutboundMessages.WithLabelValues(msgType, result).Inc()
}

func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	m.stages.Observe(stage, float64(d.Microseconds())/1000)
}

// ObserveIndicator counts a notable non-latency event in the rolling window.
func (m *Metrics) ObserveIndicator(name string) {
	m.stages.ObserveIndicator(name)
}

func (m *Metrics) SnapshotStages() LatencySnapshot {
	return m.stages.Snapshot()
}

// Handler serves the registry the metrics were created on.
func (m *Metrics) Handler() http.Handler {
	if m.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
