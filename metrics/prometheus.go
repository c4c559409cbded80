package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the voice engine
type Metrics struct {
	// Capture metrics
	FramesCaptured prometheus.Counter
	FramesSent     prometheus.Counter
	FramesDropped  prometheus.Counter
	SendErrors     prometheus.Counter
	QueueDepth     prometheus.Gauge

	// Playback metrics
	BuffersScheduled prometheus.Counter
	BuffersCancelled prometheus.Counter
	DecodeErrors     prometheus.Counter
	PlaybackLag      prometheus.Histogram

	// Session metrics
	ActiveSessions   prometheus.Gauge
	StateTransitions *prometheus.CounterVec
	OpenFailures     *prometheus.CounterVec
}

// Default is registered with the global Prometheus registry
var Default = New(prometheus.DefaultRegisterer)

// New creates and registers all metrics with reg
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		FramesCaptured: factory.NewCounter(prometheus.CounterOpts{
			Name: "voicelive_capture_frames_total",
			Help: "Total number of fixed-size microphone frames encoded",
		}),
		FramesSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "voicelive_capture_frames_sent_total",
			Help: "Total number of frames handed to the remote channel",
		}),
		FramesDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "voicelive_capture_frames_dropped_total",
			Help: "Total number of frames dropped from a full outbound queue",
		}),
		SendErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "voicelive_capture_send_errors_total",
			Help: "Total number of failed outbound sends",
		}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "voicelive_capture_queue_depth",
			Help: "Current number of frames waiting in the outbound queue",
		}),

		BuffersScheduled: factory.NewCounter(prometheus.CounterOpts{
			Name: "voicelive_playback_buffers_scheduled_total",
			Help: "Total number of audio deltas scheduled for playback",
		}),
		BuffersCancelled: factory.NewCounter(prometheus.CounterOpts{
			Name: "voicelive_playback_buffers_cancelled_total",
			Help: "Total number of scheduled buffers stopped before completion",
		}),
		DecodeErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "voicelive_playback_decode_errors_total",
			Help: "Total number of malformed inbound audio deltas",
		}),
		PlaybackLag: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "voicelive_playback_lag_seconds",
			Help:    "Delay between delta arrival and its scheduled start",
			Buckets: []float64{0, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}),

		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "voicelive_active_sessions",
			Help: "Current number of open voice sessions",
		}),
		StateTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voicelive_session_transitions_total",
			Help: "Total number of session state transitions by target state",
		}, []string{"state"}),
		OpenFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voicelive_session_open_failures_total",
			Help: "Total number of failed session opens by cause",
		}, []string{"cause"}),
	}
}
