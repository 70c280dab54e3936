package webmonitor

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/EduardoBidese/YoloOnnxForms/internal/logger"
	"github.com/EduardoBidese/YoloOnnxForms/internal/preview"
	"github.com/EduardoBidese/YoloOnnxForms/internal/session"
	"github.com/EduardoBidese/YoloOnnxForms/internal/supervisor"
)

// Controller is the session control surface the server drives.
type Controller interface {
	Start(src session.Source, confidence float64) error
	Stop() session.Result
	Status() session.Status
}

// Server serves the detection monitor endpoints.
type Server struct {
	cfg         Config
	monitor     *Monitor
	control     Controller
	placeholder []byte
}

// NewServer returns a configured monitor server.
func NewServer(cfg Config, monitor *Monitor, control Controller) (*Server, error) {
	cfg = cfg.withDefaults()
	placeholder, err := preview.Placeholder(640, 480, cfg.PlaceholderCaption)
	if err != nil {
		return nil, fmt.Errorf("render placeholder: %w", err)
	}
	return &Server{
		cfg:         cfg,
		monitor:     monitor,
		control:     control,
		placeholder: placeholder,
	}, nil
}

// Handler exposes the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/", s.handleIndex)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/stream", s.handleStream)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/status/stream", s.handleStatusStream)
	mux.HandleFunc("/api/detections/stream", s.handleDetectionsStream)
	mux.HandleFunc("/api/session", s.handleSession)
	mux.HandleFunc("/api/session/start", s.handleSessionStart)
	mux.HandleFunc("/api/session/stop", s.handleSessionStop)

	return mux
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(indexHTML))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	id, frameCh := s.monitor.Subscribe()
	defer s.monitor.Unsubscribe(id)

	first := s.monitor.LatestImage()
	if first == nil {
		first = s.placeholder
	}
	streamMJPEGFromChannel(r.Context(), w, first, frameCh, s.cfg.KeepaliveInterval)
}

func (s *Server) statusPayload() map[string]any {
	stats, history, last := s.monitor.Snapshot()
	return map[string]any{
		"monitor":           stats,
		"session":           newSessionView(s.control.Status()),
		"last_result":       last,
		"detection_history": history,
		"timestamp":         float64(time.Now().Unix()),
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.statusPayload())
}

func (s *Server) handleStatusStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ticker := time.NewTicker(s.cfg.StatusInterval)
	defer ticker.Stop()

	for {
		if err := writeSSE(w, s.statusPayload()); err != nil {
			return
		}
		flusher.Flush()

		select {
		case <-r.Context().Done():
			return
		case <-s.monitor.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Server) handleDetectionsStream(w http.ResponseWriter, r *http.Request) {
	id, eventCh := s.monitor.SubscribeEvents()
	defer s.monitor.UnsubscribeEvents(id)

	accept := r.Header.Get("Accept")
	useProtobuf := strings.Contains(accept, "application/protobuf") ||
		strings.Contains(accept, "application/x-protobuf")

	streamDetectionEventsFromChannel(r.Context(), w, eventCh, useProtobuf, s.cfg.KeepaliveInterval)
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, newSessionView(s.control.Status()))
}

// startRequest carries the source text and the confidence either as the
// text typed in the form ("0,60") or as a number.
type startRequest struct {
	Source     string          `json:"source"`
	Confidence json.RawMessage `json:"confidence"`
}

func (req startRequest) confidence() (float64, error) {
	raw := strings.TrimSpace(string(req.Confidence))
	if raw == "" || raw == "null" {
		return session.DefaultConfidence, nil
	}
	var text string
	if err := json.Unmarshal(req.Confidence, &text); err == nil {
		return session.ParseConfidence(text), nil
	}
	var v float64
	if err := json.Unmarshal(req.Confidence, &v); err != nil {
		return 0, fmt.Errorf("%w: %s", session.ErrInvalidConfidence, raw)
	}
	return v, nil
}

func (s *Server) handleSessionStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 64*1024))
	if err != nil {
		writeJSONWithStatus(w, map[string]any{"error": "Invalid request body"}, http.StatusBadRequest)
		return
	}
	var req startRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeJSONWithStatus(w, map[string]any{"error": "Invalid request body"}, http.StatusBadRequest)
		return
	}

	src, err := session.ParseSource(req.Source)
	if err != nil {
		writeJSONWithStatus(w, map[string]any{"error": err.Error()}, http.StatusBadRequest)
		return
	}
	conf, err := req.confidence()
	if err != nil {
		writeJSONWithStatus(w, map[string]any{"error": err.Error()}, http.StatusBadRequest)
		return
	}

	if err := s.control.Start(src, conf); err != nil {
		writeJSONWithStatus(w, map[string]any{"error": err.Error()}, startErrorStatus(err))
		return
	}

	logger.Info("WebMonitor", "Session started on %s (conf=%s)", src.Label(), session.FormatConfidence(conf))
	writeJSON(w, map[string]any{
		"status":     "streaming",
		"confidence": conf,
		"session":    newSessionView(s.control.Status()),
	})
}

func startErrorStatus(err error) int {
	var launchErr *supervisor.LaunchError
	switch {
	case errors.Is(err, session.ErrInvalidSource), errors.Is(err, session.ErrInvalidConfidence):
		return http.StatusBadRequest
	case errors.As(err, &launchErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleSessionStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	res := s.control.Stop()
	writeJSON(w, map[string]any{
		"status":     "stopped",
		"result":     newResultView(res),
		"stopped_at": float64(time.Now().Unix()),
	})
}

func writeJSON(w http.ResponseWriter, payload any) {
	writeJSONWithStatus(w, payload, http.StatusOK)
}

func writeJSONWithStatus(w http.ResponseWriter, payload any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		_, _ = fmt.Fprintf(w, `{"error":"%s"}`, err.Error())
	}
}
