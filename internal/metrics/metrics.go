package metrics

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics
type Metrics struct {
	// Line stream counters
	LinesRead        atomic.Uint64
	FramesDecoded    atomic.Uint64
	FramesDelivered  atomic.Uint64
	FramesDropped    atomic.Uint64 // decoded but not delivered because of a stop request
	FramesOutOfOrder atomic.Uint64
	DecodeErrors     atomic.Uint64
	ImagesDelivered  atomic.Uint64

	// Detection log
	DetectionsLogged atomic.Uint64
	LogWriteErrors   atomic.Uint64

	// Session outcomes
	SessionsStarted   atomic.Uint64
	SessionsCompleted atomic.Uint64
	SessionsFailed    atomic.Uint64
	SessionsCancelled atomic.Uint64
	LaunchFailures    atomic.Uint64

	// Current state
	WorkerRunning  atomic.Uint64 // 0 = idle, 1 = worker alive
	LastFrameIndex atomic.Int64

	// Web monitor clients
	StreamClients atomic.Int64
	EventClients  atomic.Int64

	sessionDuration prometheus.Histogram

	registry *prometheus.Registry
}

// New creates a new Metrics instance with Prometheus collectors
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		sessionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "detector_session_duration_seconds",
			Help:    "Wall-clock duration of finished sessions",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8),
		}),
	}

	m.registerPrometheusMetrics()

	return m
}

func (m *Metrics) registerPrometheusMetrics() {
	counters := []struct {
		name, help string
		v          *atomic.Uint64
	}{
		{"detector_lines_read_total", "Lines read from worker stdout", &m.LinesRead},
		{"detector_frames_decoded_total", "Lines decoded into frames", &m.FramesDecoded},
		{"detector_frames_delivered_total", "Frames delivered to the UI sink", &m.FramesDelivered},
		{"detector_frames_dropped_total", "Decoded frames discarded after a stop request", &m.FramesDropped},
		{"detector_frames_out_of_order_total", "Frames discarded because their index went backwards", &m.FramesOutOfOrder},
		{"detector_decode_errors_total", "Malformed protocol lines skipped", &m.DecodeErrors},
		{"detector_images_delivered_total", "Preview images handed to the UI sink", &m.ImagesDelivered},
		{"detector_detections_logged_total", "Rows appended to detection logs", &m.DetectionsLogged},
		{"detector_log_write_errors_total", "Detection log failures that disabled logging for a session", &m.LogWriteErrors},
		{"detector_sessions_started_total", "Sessions whose worker launched", &m.SessionsStarted},
		{"detector_sessions_completed_total", "Sessions that reached end of stream", &m.SessionsCompleted},
		{"detector_sessions_failed_total", "Sessions ended by a worker failure", &m.SessionsFailed},
		{"detector_sessions_cancelled_total", "Sessions ended by a stop request", &m.SessionsCancelled},
		{"detector_launch_failures_total", "Worker launch attempts that failed", &m.LaunchFailures},
	}
	for _, c := range counters {
		v := c.v
		m.registry.MustRegister(prometheus.NewCounterFunc(
			prometheus.CounterOpts{Name: c.name, Help: c.help},
			func() float64 { return float64(v.Load()) },
		))
	}

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "detector_worker_running",
			Help: "Worker process alive (0=idle, 1=running)",
		},
		func() float64 { return float64(m.WorkerRunning.Load()) },
	))

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "detector_last_frame_index",
			Help: "Index of the last delivered frame",
		},
		func() float64 { return float64(m.LastFrameIndex.Load()) },
	))

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "detector_stream_clients",
			Help: "Connected MJPEG preview clients",
		},
		func() float64 { return float64(m.StreamClients.Load()) },
	))

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "detector_event_clients",
			Help: "Connected detection event stream clients",
		},
		func() float64 { return float64(m.EventClients.Load()) },
	))

	m.registry.MustRegister(m.sessionDuration)
}

// ObserveSession records the duration of a finished session
func (m *Metrics) ObserveSession(d time.Duration) {
	m.sessionDuration.Observe(d.Seconds())
}

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// StartServer starts the metrics HTTP server
func (m *Metrics) StartServer(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	return http.ListenAndServe(addr, mux)
}
