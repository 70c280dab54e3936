package webmonitor

import (
	"strconv"
	"time"

	"github.com/EduardoBidese/YoloOnnxForms/internal/session"
)

// BoundingBox is a detection box in source-frame pixels.
type BoundingBox struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

// Detection is the JSON shape of one tracked object.
type Detection struct {
	TrackID int         `json:"track_id"`
	ClassID int         `json:"class_id"`
	Score   float64     `json:"score"`
	BBox    BoundingBox `json:"bbox"`
	IsNew   bool        `json:"is_new"`
}

// DetectionEvent is the payload for /api/detections/stream.
type DetectionEvent struct {
	SessionID   string    `json:"session_id"`
	Source      string    `json:"source"`
	FrameIndex  int64     `json:"frame_index"`
	TimeSeconds float64   `json:"time_seconds"`
	Line        string    `json:"line"`
	Detection   Detection `json:"detection"`
	ReceivedAt  time.Time `json:"received_at"`
}

// MonitorStats summarizes what the monitor has shown.
type MonitorStats struct {
	Status         string  `json:"status"`
	Notice         string  `json:"notice,omitempty"`
	HasImage       bool    `json:"has_image"`
	ImagesShown    uint64  `json:"images_shown"`
	ImagesReplaced uint64  `json:"images_replaced"`
	ImagesRejected uint64  `json:"images_rejected"`
	EventsTotal    uint64  `json:"events_total"`
	StreamClients  int     `json:"stream_clients"`
	EventClients   int     `json:"event_clients"`
	UptimeSeconds  float64 `json:"uptime_seconds"`
}

// ResultView is the JSON shape of a finished session.
type ResultView struct {
	SessionID       string         `json:"session_id"`
	Source          string         `json:"source"`
	State           string         `json:"state"`
	LogPath         string         `json:"log_path,omitempty"`
	ExitCode        int            `json:"exit_code"`
	Error           string         `json:"error,omitempty"`
	LogError        string         `json:"log_error,omitempty"`
	Frames          int            `json:"frames"`
	DecodeErrors    int            `json:"decode_errors"`
	TotalDetections int            `json:"total_detections"`
	ClassCounts     map[string]int `json:"class_counts"`
	StartedAt       time.Time      `json:"started_at"`
	EndedAt         time.Time      `json:"ended_at"`
}

// SessionView is the JSON shape of the controller status.
type SessionView struct {
	State     string      `json:"state"`
	SessionID string      `json:"session_id,omitempty"`
	Source    string      `json:"source,omitempty"`
	LogPath   string      `json:"log_path,omitempty"`
	StartedAt *time.Time  `json:"started_at,omitempty"`
	Last      *ResultView `json:"last,omitempty"`
}

func newDetectionEvent(ev session.Event, at time.Time) DetectionEvent {
	d := ev.Detection
	return DetectionEvent{
		SessionID:   ev.SessionID,
		Source:      ev.Source,
		FrameIndex:  ev.FrameIndex,
		TimeSeconds: ev.TimeSeconds,
		Line:        ev.Line,
		Detection: Detection{
			TrackID: d.TrackID,
			ClassID: d.ClassID,
			Score:   d.Score,
			BBox:    BoundingBox{X: d.X, Y: d.Y, W: d.W, H: d.H},
			IsNew:   d.IsNew,
		},
		ReceivedAt: at,
	}
}

func newResultView(r session.Result) *ResultView {
	if r.State == session.StateIdle {
		return nil
	}
	counts := make(map[string]int, len(r.ClassCounts))
	for id, n := range r.ClassCounts {
		counts[strconv.Itoa(id)] = n
	}
	v := &ResultView{
		SessionID:       r.SessionID,
		Source:          r.Source,
		State:           r.State.String(),
		LogPath:         r.LogPath,
		ExitCode:        r.ExitCode,
		Frames:          r.Frames,
		DecodeErrors:    r.DecodeErrors,
		TotalDetections: r.TotalDetections,
		ClassCounts:     counts,
		StartedAt:       r.StartedAt,
		EndedAt:         r.EndedAt,
	}
	if r.Err != nil {
		v.Error = r.Err.Error()
	}
	if r.LogErr != nil {
		v.LogError = r.LogErr.Error()
	}
	return v
}

func newSessionView(st session.Status) SessionView {
	v := SessionView{
		State:     st.State.String(),
		SessionID: st.SessionID,
		Source:    st.Source,
		LogPath:   st.LogPath,
		Last:      newResultView(st.Last),
	}
	if !st.StartedAt.IsZero() {
		t := st.StartedAt
		v.StartedAt = &t
	}
	return v
}
