package webmonitor

import (
	"sync"
	"time"

	"github.com/EduardoBidese/YoloOnnxForms/internal/logger"
	"github.com/EduardoBidese/YoloOnnxForms/internal/metrics"
	"github.com/EduardoBidese/YoloOnnxForms/internal/preview"
	"github.com/EduardoBidese/YoloOnnxForms/internal/session"
)

// Monitor is the browser-facing session sink. Calls from the delivery
// goroutine never block on clients: images go through a one-slot mailbox
// that the monitor drains at its own pace, events fan out through
// non-blocking queues.
type Monitor struct {
	startTime   time.Time
	normalizer  preview.Normalizer
	historySize int
	now         func() time.Time

	frames *FrameBroadcaster
	events *DetectionBroadcaster

	pending chan []byte
	stop    chan struct{}
	done    chan struct{}
	once    sync.Once

	mu             sync.Mutex
	image          []byte
	status         string
	notice         string
	history        []DetectionEvent // newest first
	last           *ResultView
	imagesShown    uint64
	imagesReplaced uint64
	imagesRejected uint64
	eventsTotal    uint64
	started        bool
}

// NewMonitor creates a Monitor. m may be nil.
func NewMonitor(cfg Config, m *metrics.Metrics) *Monitor {
	cfg = cfg.withDefaults()
	if m == nil {
		m = metrics.New()
	}
	return &Monitor{
		startTime:   time.Now(),
		normalizer:  preview.Normalizer{MaxWidth: cfg.PreviewMaxWidth, Quality: cfg.PreviewQuality},
		historySize: cfg.HistorySize,
		now:         time.Now,
		frames:      NewFrameBroadcaster(&m.StreamClients),
		events:      NewDetectionBroadcaster(cfg.EventBuffer, &m.EventClients),
		pending:     make(chan []byte, 1),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
		status:      "Idle",
	}
}

// Start begins draining the image mailbox.
func (m *Monitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return
	}
	m.started = true
	go m.run()
}

// Stop halts the monitor and disconnects every client.
func (m *Monitor) Stop() {
	m.once.Do(func() {
		close(m.stop)
		m.mu.Lock()
		started := m.started
		m.mu.Unlock()
		if started {
			<-m.done
		}
		m.frames.Close()
		m.events.Close()
	})
}

// Done is closed when Stop is called. Long-lived handlers select on it so
// they end before the HTTP server shuts down.
func (m *Monitor) Done() <-chan struct{} {
	return m.stop
}

// ShowImage posts img for display, replacing any image not yet picked up.
func (m *Monitor) ShowImage(img []byte) {
	select {
	case m.pending <- img:
		return
	default:
	}
	select {
	case <-m.pending:
		m.mu.Lock()
		m.imagesReplaced++
		m.mu.Unlock()
	default:
	}
	select {
	case m.pending <- img:
	default:
	}
}

// AddEvent records a new detection and pushes it to event clients.
func (m *Monitor) AddEvent(ev session.Event) {
	view := newDetectionEvent(ev, m.now())

	m.mu.Lock()
	m.eventsTotal++
	m.history = append([]DetectionEvent{view}, m.history...)
	if len(m.history) > m.historySize {
		m.history = m.history[:m.historySize]
	}
	m.mu.Unlock()

	serialized, err := serializeEvent(view)
	if err != nil {
		logger.Error("Monitor", "Failed to serialize detection event: %v", err)
		return
	}
	m.events.Broadcast(serialized)
}

// SetStatus replaces the status line.
func (m *Monitor) SetStatus(status string) {
	m.mu.Lock()
	m.status = status
	m.mu.Unlock()
}

// SessionEnded keeps the result of the last session and its failure
// notice, if any.
func (m *Monitor) SessionEnded(r session.Result) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.last = newResultView(r)
	m.notice = r.Notice()
	if m.notice != "" {
		logger.Warn("Monitor", "%s", m.notice)
	}
}

// Subscribe registers an MJPEG client.
func (m *Monitor) Subscribe() (int, <-chan []byte) { return m.frames.Subscribe() }

// Unsubscribe removes an MJPEG client.
func (m *Monitor) Unsubscribe(id int) { m.frames.Unsubscribe(id) }

// SubscribeEvents registers a detection event client.
func (m *Monitor) SubscribeEvents() (int, <-chan *SerializedEvent) { return m.events.Subscribe() }

// UnsubscribeEvents removes a detection event client.
func (m *Monitor) UnsubscribeEvents(id int) { m.events.Unsubscribe(id) }

// LatestImage returns the image currently on display, or nil.
func (m *Monitor) LatestImage() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.image
}

// Snapshot returns monitor statistics, the detection history (newest
// first) and the last session result.
func (m *Monitor) Snapshot() (MonitorStats, []DetectionEvent, *ResultView) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := MonitorStats{
		Status:         m.status,
		Notice:         m.notice,
		HasImage:       m.image != nil,
		ImagesShown:    m.imagesShown,
		ImagesReplaced: m.imagesReplaced,
		ImagesRejected: m.imagesRejected,
		EventsTotal:    m.eventsTotal,
		StreamClients:  m.frames.ClientCount(),
		EventClients:   m.events.ClientCount(),
		UptimeSeconds:  time.Since(m.startTime).Seconds(),
	}
	history := make([]DetectionEvent, len(m.history))
	copy(history, m.history)
	return stats, history, m.last
}

func (m *Monitor) run() {
	defer close(m.done)
	for {
		select {
		case <-m.stop:
			return
		case img := <-m.pending:
			m.present(img)
		}
	}
}

func (m *Monitor) present(img []byte) {
	jpeg, err := m.normalizer.JPEG(img)
	if err != nil {
		m.mu.Lock()
		m.imagesRejected++
		m.mu.Unlock()
		logger.Debug("Monitor", "Dropping preview image: %v", err)
		return
	}

	m.mu.Lock()
	m.image = jpeg
	m.imagesShown++
	m.mu.Unlock()

	if n := m.frames.Broadcast(jpeg); n > 0 {
		logger.Debug("Monitor", "Superseded %d unread frames", n)
	}
}
