package monitoring

import (
	"time"

	"chatcall/internal/core/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MediaStats is the subset of transport counters exported as gauges.
type MediaStats interface {
	Snapshot() (audioBytes, videoBytes, plis uint64)
}

type PrometheusCollector struct {
	registry *prometheus.Registry

	// Counters
	callsStartedTotal   *prometheus.CounterVec
	callsEndedTotal     *prometheus.CounterVec
	candidatesSent      *prometheus.CounterVec
	candidatesApplied   *prometheus.CounterVec
	recordWriteFailures *prometheus.CounterVec
	protocolViolations  *prometheus.CounterVec
	incomingCallsTotal  prometheus.Counter

	callsActive prometheus.Gauge

	// Histograms
	callSetupDuration *prometheus.HistogramVec
	callDuration      prometheus.Histogram
}

// NewPrometheusCollector registers every series on a private registry so
// several collectors can coexist in one process.
func NewPrometheusCollector(stats MediaStats) *PrometheusCollector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	factory := promauto.With(reg)

	p := &PrometheusCollector{
		registry: reg,

		callsStartedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chatcall_calls_started_total",
			Help: "Total number of calls started, by role and call type",
		}, []string{"role", "call_type"}),

		callsEndedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chatcall_calls_ended_total",
			Help: "Total number of calls ended, by role and reason",
		}, []string{"role", "reason"}),

		candidatesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chatcall_ice_candidates_sent_total",
			Help: "Local ICE candidates appended to the rendezvous store",
		}, []string{"role"}),

		candidatesApplied: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chatcall_ice_candidates_applied_total",
			Help: "Remote ICE candidates applied to the peer connection",
		}, []string{"role", "buffered"}),

		recordWriteFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chatcall_record_write_failures_total",
			Help: "Failed rendezvous store writes, by record kind",
		}, []string{"kind"}),

		protocolViolations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chatcall_protocol_violations_total",
			Help: "Signaling protocol violations observed",
		}, []string{"role"}),

		incomingCallsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "chatcall_incoming_calls_total",
			Help: "Incoming call notifications raised",
		}),

		callsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "chatcall_calls_active",
			Help: "Calls currently holding a session",
		}),

		callSetupDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "chatcall_call_setup_duration_seconds",
			Help:    "Time from call start to a connected transport",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		}, []string{"role"}),

		callDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "chatcall_call_duration_seconds",
			Help:    "Duration of calls from start to teardown",
			Buckets: []float64{1, 5, 15, 30, 60, 300, 900, 1800, 3600},
		}),
	}

	if stats != nil {
		factory.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "chatcall_media_received_bytes_audio",
			Help: "Audio payload bytes received from remote tracks",
		}, func() float64 {
			audio, _, _ := stats.Snapshot()
			return float64(audio)
		})
		factory.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "chatcall_media_received_bytes_video",
			Help: "Video payload bytes received from remote tracks",
		}, func() float64 {
			_, video, _ := stats.Snapshot()
			return float64(video)
		})
		factory.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "chatcall_media_plis_sent",
			Help: "Picture loss indications sent for remote video",
		}, func() float64 {
			_, _, plis := stats.Snapshot()
			return float64(plis)
		})
	}

	return p
}

// Registry exposes the collector's registry to the /metrics handler.
func (p *PrometheusCollector) Registry() *prometheus.Registry {
	return p.registry
}

func (p *PrometheusCollector) CallStarted(role domain.Role, callType domain.CallType) {
	p.callsStartedTotal.WithLabelValues(string(role), string(callType)).Inc()
	p.callsActive.Inc()
}

func (p *PrometheusCollector) CallConnected(role domain.Role, setup time.Duration) {
	p.callSetupDuration.WithLabelValues(string(role)).Observe(setup.Seconds())
}

func (p *PrometheusCollector) CallEnded(role domain.Role, reason domain.EndReason, duration time.Duration) {
	p.callsEndedTotal.WithLabelValues(string(role), string(reason)).Inc()
	p.callsActive.Dec()
	p.callDuration.Observe(duration.Seconds())
}

func (p *PrometheusCollector) CandidateSent(role domain.Role) {
	p.candidatesSent.WithLabelValues(string(role)).Inc()
}

func (p *PrometheusCollector) CandidateApplied(role domain.Role, buffered bool) {
	label := "false"
	if buffered {
		label = "true"
	}
	p.candidatesApplied.WithLabelValues(string(role), label).Inc()
}

func (p *PrometheusCollector) RecordWriteFailed(kind string) {
	p.recordWriteFailures.WithLabelValues(kind).Inc()
}

func (p *PrometheusCollector) ProtocolViolation(role domain.Role) {
	p.protocolViolations.WithLabelValues(string(role)).Inc()
}

func (p *PrometheusCollector) IncomingCall() {
	p.incomingCallsTotal.Inc()
}
