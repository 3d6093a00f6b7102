package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	Classifications  *prometheus.CounterVec
	Probes           *prometheus.CounterVec
	ProbeLatency     prometheus.Histogram
	VoiceTransitions *prometheus.CounterVec
	VoiceInterrupts  *prometheus.CounterVec
	WSMessages       *prometheus.CounterVec
	ActiveBridges    prometheus.Gauge
	TranscriptErrors *prometheus.CounterVec

	latency *latencyWindow
}

// NewMetrics registers the instruments on reg, or on the default registry when
// reg is nil.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		Classifications: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "activity_classifications_total",
			Help:      "Session activity classifications by status and source.",
		}, []string{"status", "source"}),
		Probes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "activity_probes_total",
			Help:      "Live session probes by outcome.",
		}, []string{"outcome"}),
		ProbeLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "activity_probe_latency_ms",
			Help:      "Live probe duration in milliseconds.",
			Buckets:   []float64{25, 50, 100, 200, 400, 700, 1000, 1500, 2000},
		}),
		VoiceTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "voice_transitions_total",
			Help:      "Voice controller state transitions.",
		}, []string{"from", "to"}),
		VoiceInterrupts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "voice_interruptions_total",
			Help:      "Stop-word interruptions by the state they interrupted.",
		}, []string{"state"}),
		WSMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		ActiveBridges: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "voice_bridges_active",
			Help:      "Number of connected voice bridge devices.",
		}),
		TranscriptErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcript_store_errors_total",
			Help:      "Transcript store failures by operation.",
		}, []string{"op"}),
		latency: newLatencyWindow(256),
	}
}

func (m *Metrics) ObserveClassification(status, source string) {
	if m == nil {
		return
	}
	m.Classifications.WithLabelValues(status, source).Inc()
}

func (m *Metrics) ObserveProbe(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.Probes.WithLabelValues(outcome).Inc()
	ms := float64(d.Microseconds()) / 1000
	m.ProbeLatency.Observe(ms)
	m.latency.Observe(StageProbe, ms)
}

func (m *Metrics) ObserveVoiceTransition(from, to string) {
	if m == nil {
		return
	}
	m.VoiceTransitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) ObserveInterrupt(state string) {
	if m == nil {
		return
	}
	m.VoiceInterrupts.WithLabelValues(state).Inc()
}

// ObserveStage records a voice turn timing into the rolling latency window.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.latency.Observe(stage, float64(d.Microseconds())/1000)
}

func (m *Metrics) ObserveWSMessage(direction, msgType string) {
	if m == nil {
		return
	}
	m.WSMessages.WithLabelValues(direction, msgType).Inc()
}

func (m *Metrics) BridgeConnected() {
	if m == nil {
		return
	}
	m.ActiveBridges.Inc()
}

func (m *Metrics) BridgeDisconnected() {
	if m == nil {
		return
	}
	m.ActiveBridges.Dec()
}

func (m *Metrics) ObserveTranscriptError(op string) {
	if m == nil {
		return
	}
	m.TranscriptErrors.WithLabelValues(op).Inc()
}

// LatencySnapshot summarizes recent probe and voice turn timings.
func (m *Metrics) LatencySnapshot() LatencySnapshot {
	if m == nil {
		return LatencySnapshot{GeneratedAt: time.Now().UTC()}
	}
	return m.latency.Snapshot()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// HandlerFor serves the registry the metrics were registered on.
func HandlerFor(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
