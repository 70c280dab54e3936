package webmonitor

import (
	"encoding/base64"
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/EduardoBidese/YoloOnnxForms/internal/logger"
)

// FrameBroadcaster fans preview JPEGs out to MJPEG clients. Each client
// holds at most one pending frame; a newer frame replaces an unread one.
type FrameBroadcaster struct {
	mu      sync.Mutex
	clients map[int]chan []byte
	nextID  int
	gauge   *atomic.Int64
	closed  bool
}

// NewFrameBroadcaster creates a broadcaster. gauge, when non-nil, tracks
// the number of connected clients.
func NewFrameBroadcaster(gauge *atomic.Int64) *FrameBroadcaster {
	return &FrameBroadcaster{
		clients: make(map[int]chan []byte),
		gauge:   gauge,
	}
}

// Subscribe adds a new client and returns a channel for receiving frames.
// The channel is closed when the broadcaster is closed.
func (fb *FrameBroadcaster) Subscribe() (int, <-chan []byte) {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	id := fb.nextID
	fb.nextID++
	ch := make(chan []byte, 1)
	if fb.closed {
		close(ch)
		return id, ch
	}
	fb.clients[id] = ch
	fb.adjust(1)

	logger.Debug("FrameBroadcaster", "Client #%d subscribed (total clients: %d)", id, len(fb.clients))
	return id, ch
}

// Unsubscribe removes a client.
func (fb *FrameBroadcaster) Unsubscribe(id int) {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	if ch, ok := fb.clients[id]; ok {
		close(ch)
		delete(fb.clients, id)
		fb.adjust(-1)
		logger.Debug("FrameBroadcaster", "Client #%d unsubscribed (remaining clients: %d)", id, len(fb.clients))
	}
}

// Broadcast hands frame to every client without blocking.
func (fb *FrameBroadcaster) Broadcast(frame []byte) (replaced int) {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	for _, ch := range fb.clients {
		select {
		case ch <- frame:
			continue
		default:
		}
		// Client is behind: drop its stale frame in favor of this one.
		select {
		case <-ch:
			replaced++
		default:
		}
		select {
		case ch <- frame:
		default:
		}
	}
	return replaced
}

// ClientCount returns the number of connected clients.
func (fb *FrameBroadcaster) ClientCount() int {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	return len(fb.clients)
}

// Close disconnects every client.
func (fb *FrameBroadcaster) Close() {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	if fb.closed {
		return
	}
	fb.closed = true
	for id, ch := range fb.clients {
		close(ch)
		delete(fb.clients, id)
		fb.adjust(-1)
	}
}

func (fb *FrameBroadcaster) adjust(delta int64) {
	if fb.gauge != nil {
		fb.gauge.Add(delta)
	}
}

// SerializedEvent holds a detection event pre-encoded in both formats so
// every client gets the one it asked for without re-encoding.
type SerializedEvent struct {
	JSONData     []byte
	ProtobufData string // base64 of the protobuf message
}

func serializeEvent(ev DetectionEvent) (*SerializedEvent, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	return &SerializedEvent{
		JSONData:     data,
		ProtobufData: base64.StdEncoding.EncodeToString(marshalDetectionEvent(ev)),
	}, nil
}

// DetectionBroadcaster fans detection events out to SSE clients. Events
// are never dropped silently: a client whose queue fills up is
// disconnected so it can reconnect and resync from /api/status.
type DetectionBroadcaster struct {
	mu      sync.Mutex
	clients map[int]chan *SerializedEvent
	nextID  int
	buffer  int
	gauge   *atomic.Int64
	closed  bool
}

// NewDetectionBroadcaster creates a broadcaster with a per-client queue
// of buffer events.
func NewDetectionBroadcaster(buffer int, gauge *atomic.Int64) *DetectionBroadcaster {
	if buffer <= 0 {
		buffer = 1
	}
	return &DetectionBroadcaster{
		clients: make(map[int]chan *SerializedEvent),
		buffer:  buffer,
		gauge:   gauge,
	}
}

// Subscribe adds a new client and returns its event channel. The channel
// is closed when the client is dropped or the broadcaster is closed.
func (db *DetectionBroadcaster) Subscribe() (int, <-chan *SerializedEvent) {
	db.mu.Lock()
	defer db.mu.Unlock()

	id := db.nextID
	db.nextID++
	ch := make(chan *SerializedEvent, db.buffer)
	if db.closed {
		close(ch)
		return id, ch
	}
	db.clients[id] = ch
	db.adjust(1)

	logger.Debug("DetectionBroadcaster", "Client #%d subscribed (total clients: %d)", id, len(db.clients))
	return id, ch
}

// Unsubscribe removes a client. Removing a client that was already
// dropped is a no-op.
func (db *DetectionBroadcaster) Unsubscribe(id int) {
	db.mu.Lock()
	defer db.mu.Unlock()

	if ch, ok := db.clients[id]; ok {
		close(ch)
		delete(db.clients, id)
		db.adjust(-1)
		logger.Debug("DetectionBroadcaster", "Client #%d unsubscribed (remaining clients: %d)", id, len(db.clients))
	}
}

// Broadcast queues ev for every client without blocking.
func (db *DetectionBroadcaster) Broadcast(ev *SerializedEvent) {
	db.mu.Lock()
	defer db.mu.Unlock()

	for id, ch := range db.clients {
		select {
		case ch <- ev:
		default:
			close(ch)
			delete(db.clients, id)
			db.adjust(-1)
			logger.Warn("DetectionBroadcaster", "Client #%d fell %d events behind, disconnecting", id, db.buffer)
		}
	}
}

// ClientCount returns the number of connected clients.
func (db *DetectionBroadcaster) ClientCount() int {
	db.mu.Lock()
	defer db.mu.Unlock()
	return len(db.clients)
}

// Close disconnects every client.
func (db *DetectionBroadcaster) Close() {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.closed {
		return
	}
	db.closed = true
	for id, ch := range db.clients {
		close(ch)
		delete(db.clients, id)
		db.adjust(-1)
	}
}

func (db *DetectionBroadcaster) adjust(delta int64) {
	if db.gauge != nil {
		db.gauge.Add(delta)
	}
}
