package monitoring

import (
	"time"

	"rillcast/internal/core/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusCollector records broadcast, signaling and recording metrics.
// A nil collector is valid and records nothing.
type PrometheusCollector struct {
	streamsLive    prometheus.Gauge
	sessionsActive *prometheus.GaugeVec
	streamViewers  *prometheus.GaugeVec

	eventsPublished *prometheus.CounterVec
	eventsConsumed  *prometheus.CounterVec
	signalingErrors *prometheus.CounterVec

	negotiationFailures *prometheus.CounterVec
	iceRestarts         prometheus.Counter
	reoffers            prometheus.Counter
	linkSetupDuration   prometheus.Histogram

	chunksRecorded  prometheus.Counter
	chunksEvicted   prometheus.Counter
	recordingErrors *prometheus.CounterVec
	segmentDuration prometheus.Histogram
	bufferedSeconds *prometheus.GaugeVec

	storeCircuit prometheus.Gauge
}

// NewPrometheusCollector registers every metric with reg.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	factory := promauto.With(reg)
	return &PrometheusCollector{
		streamsLive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "rillcast_streams_live",
			Help: "Number of broadcasts currently live on this node",
		}),
		sessionsActive: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "rillcast_sessions_active",
			Help: "Open stream sessions by role",
		}, []string{"role"}),
		streamViewers: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "rillcast_stream_viewers",
			Help: "Last observed viewer count per stream",
		}, []string{"stream_id"}),

		eventsPublished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rillcast_signaling_events_published_total",
			Help: "Signaling events appended to mailboxes",
		}, []string{"type"}),
		eventsConsumed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rillcast_signaling_events_consumed_total",
			Help: "Signaling events taken from mailboxes",
		}, []string{"type"}),
		signalingErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rillcast_signaling_errors_total",
			Help: "Failed signaling store operations",
		}, []string{"operation"}),

		negotiationFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rillcast_negotiation_failures_total",
			Help: "Peer link negotiation failures by reason",
		}, []string{"reason"}),
		iceRestarts: factory.NewCounter(prometheus.CounterOpts{
			Name: "rillcast_ice_restarts_total",
			Help: "ICE restarts initiated by broadcasters",
		}),
		reoffers: factory.NewCounter(prometheus.CounterOpts{
			Name: "rillcast_reoffers_total",
			Help: "Offers re-sent after going unanswered",
		}),
		linkSetupDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "rillcast_link_setup_duration_seconds",
			Help:    "Time from first offer to ICE connected",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		}),

		chunksRecorded: factory.NewCounter(prometheus.CounterOpts{
			Name: "rillcast_chunks_recorded_total",
			Help: "Chunks appended to rolling buffers",
		}),
		chunksEvicted: factory.NewCounter(prometheus.CounterOpts{
			Name: "rillcast_chunks_evicted_total",
			Help: "Chunks evicted from rolling buffers",
		}),
		recordingErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rillcast_recording_errors_total",
			Help: "Segment capture, encode, append or eviction failures",
		}, []string{"stage"}),
		segmentDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "rillcast_segment_record_duration_seconds",
			Help:    "Time spent persisting one segment",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5},
		}),
		bufferedSeconds: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "rillcast_buffered_seconds",
			Help: "Seconds of media retained per stream",
		}, []string{"stream_id"}),
		storeCircuit: factory.NewGauge(prometheus.GaugeOpts{
			Name: "rillcast_store_circuit_state",
			Help: "Shared store circuit breaker state (0 closed, 1 open, 2 half-open)",
		}),
	}
}

func (p *PrometheusCollector) RecordStreamStarted(streamID domain.StreamID) {
	if p == nil {
		return
	}
	p.streamsLive.Inc()
}

// RecordStreamEnded drops the per-stream series.
func (p *PrometheusCollector) RecordStreamEnded(streamID domain.StreamID) {
	if p == nil {
		return
	}
	p.streamsLive.Dec()
	p.streamViewers.DeleteLabelValues(string(streamID))
	p.bufferedSeconds.DeleteLabelValues(string(streamID))
}

func (p *PrometheusCollector) RecordSessionOpened(role domain.Role) {
	if p == nil {
		return
	}
	p.sessionsActive.WithLabelValues(string(role)).Inc()
}

func (p *PrometheusCollector) RecordSessionClosed(role domain.Role) {
	if p == nil {
		return
	}
	p.sessionsActive.WithLabelValues(string(role)).Dec()
}

func (p *PrometheusCollector) SetViewerCount(streamID domain.StreamID, count int64) {
	if p == nil {
		return
	}
	p.streamViewers.WithLabelValues(string(streamID)).Set(float64(count))
}

func (p *PrometheusCollector) RecordEventPublished(t domain.EventType) {
	if p == nil {
		return
	}
	p.eventsPublished.WithLabelValues(string(t)).Inc()
}

func (p *PrometheusCollector) RecordEventConsumed(t domain.EventType) {
	if p == nil {
		return
	}
	p.eventsConsumed.WithLabelValues(string(t)).Inc()
}

func (p *PrometheusCollector) RecordSignalingError(operation string) {
	if p == nil {
		return
	}
	p.signalingErrors.WithLabelValues(operation).Inc()
}

func (p *PrometheusCollector) RecordNegotiationFailure(reason string) {
	if p == nil {
		return
	}
	p.negotiationFailures.WithLabelValues(reason).Inc()
}

func (p *PrometheusCollector) RecordICERestart() {
	if p == nil {
		return
	}
	p.iceRestarts.Inc()
}

func (p *PrometheusCollector) RecordReoffer() {
	if p == nil {
		return
	}
	p.reoffers.Inc()
}

func (p *PrometheusCollector) RecordLinkConnected(setup time.Duration) {
	if p == nil {
		return
	}
	p.linkSetupDuration.Observe(setup.Seconds())
}

func (p *PrometheusCollector) RecordChunkRecorded(took time.Duration) {
	if p == nil {
		return
	}
	p.chunksRecorded.Inc()
	p.segmentDuration.Observe(took.Seconds())
}

func (p *PrometheusCollector) RecordChunkEvicted() {
	if p == nil {
		return
	}
	p.chunksEvicted.Inc()
}

func (p *PrometheusCollector) RecordRecordingError(stage string) {
	if p == nil {
		return
	}
	p.recordingErrors.WithLabelValues(stage).Inc()
}

func (p *PrometheusCollector) SetBufferedSeconds(streamID domain.StreamID, seconds float64) {
	if p == nil {
		return
	}
	p.bufferedSeconds.WithLabelValues(string(streamID)).Set(seconds)
}

func (p *PrometheusCollector) SetStoreCircuitState(state int) {
	if p == nil {
		return
	}
	p.storeCircuit.Set(float64(state))
}
