// Package metrics holds the Prometheus collectors for stream sessions.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	// Session metrics
	SessionsStarted  prometheus.Counter
	SessionsFinished *prometheus.CounterVec
	SessionState     *prometheus.GaugeVec
	SessionDuration  prometheus.Histogram

	// Chunk metrics
	ChunksSent    prometheus.Counter
	ChunksDropped prometheus.Counter
	ChunkBytes    prometheus.Histogram
	ChunkSeconds  prometheus.Histogram

	// Analyzer metrics
	PartialResults  prometheus.Counter
	EffectiveScore  prometheus.Histogram
	Verdicts        *prometheus.CounterVec
	AnalyzerErrors  prometheus.Counter
	ProtocolErrors  prometheus.Counter
	FinalizeLatency prometheus.Histogram
}

var states = []string{"idle", "connecting", "streaming", "stopping", "finalizing", "closed", "errored"}

// New creates every collector on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	f := promauto.With(reg)

	m := &Metrics{
		registry: reg,

		SessionsStarted: f.NewCounter(prometheus.CounterOpts{
			Name: "callshield_sessions_started_total",
			Help: "Stream sessions started",
		}),
		SessionsFinished: f.NewCounterVec(prometheus.CounterOpts{
			Name: "callshield_sessions_finished_total",
			Help: "Stream sessions by terminal outcome",
		}, []string{"outcome"}),
		SessionState: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "callshield_session_state",
			Help: "1 for the state the current session is in",
		}, []string{"state"}),
		SessionDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "callshield_session_duration_seconds",
			Help:    "Wall time from start to terminal state",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~1h
		}),

		ChunksSent: f.NewCounter(prometheus.CounterOpts{
			Name: "callshield_chunks_sent_total",
			Help: "WAV chunks written to the analyzer",
		}),
		ChunksDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "callshield_chunks_dropped_total",
			Help: "Chunks discarded because the stream was not open",
		}),
		ChunkBytes: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "callshield_chunk_bytes",
			Help:    "Size of sent WAV chunks",
			Buckets: prometheus.ExponentialBuckets(1024, 2, 10), // 1KB to ~512KB
		}),
		ChunkSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "callshield_chunk_audio_seconds",
			Help:    "Audio duration of sent chunks",
			Buckets: prometheus.LinearBuckets(0.5, 0.5, 12),
		}),

		PartialResults: f.NewCounter(prometheus.CounterOpts{
			Name: "callshield_partial_results_total",
			Help: "partial_result events received",
		}),
		EffectiveScore: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "callshield_effective_score",
			Help:    "Effective score after each partial result",
			Buckets: prometheus.LinearBuckets(0, 0.1, 11),
		}),
		Verdicts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "callshield_final_verdicts_total",
			Help: "Final verdicts by value",
		}, []string{"verdict"}),
		AnalyzerErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "callshield_analyzer_errors_total",
			Help: "error events reported by the analyzer",
		}),
		ProtocolErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "callshield_protocol_errors_total",
			Help: "Inbound frames that could not be decoded",
		}),
		FinalizeLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "callshield_finalize_latency_seconds",
			Help:    "Time from end_stream to final_result",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms to ~25s
		}),
	}
	return m
}

// Handler serves this registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// The methods below accept a nil receiver so callers can run unmetered.

func (m *Metrics) RecordSessionStarted() {
	if m == nil {
		return
	}
	m.SessionsStarted.Inc()
}

func (m *Metrics) RecordSessionFinished(outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.SessionsFinished.WithLabelValues(outcome).Inc()
	m.SessionDuration.Observe(seconds)
}

// SetState marks state as current and clears the others.
func (m *Metrics) SetState(state string) {
	if m == nil {
		return
	}
	for _, s := range states {
		v := 0.0
		if s == state {
			v = 1
		}
		m.SessionState.WithLabelValues(s).Set(v)
	}
}

func (m *Metrics) RecordChunkSent(bytes int, seconds float64) {
	if m == nil {
		return
	}
	m.ChunksSent.Inc()
	m.ChunkBytes.Observe(float64(bytes))
	m.ChunkSeconds.Observe(seconds)
}

func (m *Metrics) RecordChunkDropped() {
	if m == nil {
		return
	}
	m.ChunksDropped.Inc()
}

func (m *Metrics) RecordPartial(effective float64) {
	if m == nil {
		return
	}
	m.PartialResults.Inc()
	m.EffectiveScore.Observe(effective)
}

func (m *Metrics) RecordFinal(verdict string, latencySeconds float64) {
	if m == nil {
		return
	}
	m.Verdicts.WithLabelValues(verdict).Inc()
	m.FinalizeLatency.Observe(latencySeconds)
}

func (m *Metrics) RecordAnalyzerError() {
	if m == nil {
		return
	}
	m.AnalyzerErrors.Inc()
}

func (m *Metrics) RecordProtocolError() {
	if m == nil {
		return
	}
	m.ProtocolErrors.Inc()
}
