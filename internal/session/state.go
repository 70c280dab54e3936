package session

import (
	"fmt"
	"strings"
	"time"
)

// State is the controller lifecycle state.
type State int

const (
	StateIdle State = iota
	StateStarting
	StateStreaming
	StateCompleted
	StateFailed
	StateCancelled
)

var stateNames = map[State]string{
	StateIdle:      "idle",
	StateStarting:  "starting",
	StateStreaming: "streaming",
	StateCompleted: "completed",
	StateFailed:    "failed",
	StateCancelled: "cancelled",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Result describes a finished session. The zero Result (StateIdle) means
// no session ran.
type Result struct {
	SessionID       string      `json:"session_id"`
	Source          string      `json:"source"`
	LogPath         string      `json:"log_path,omitempty"`
	State           State       `json:"state"`
	ExitCode        int         `json:"exit_code"`
	Err             error       `json:"-"` // launch or worker failure
	LogErr          error       `json:"-"` // first detection log failure
	Frames          int         `json:"frames"`
	DecodeErrors    int         `json:"decode_errors"`
	TotalDetections int         `json:"total_detections"`
	ClassCounts     map[int]int `json:"class_counts"`
	StartedAt       time.Time   `json:"started_at"`
	EndedAt         time.Time   `json:"ended_at"`
}

// Notice is the single user-facing message for a failed session.
func (r Result) Notice() string {
	if r.State != StateFailed || r.Err == nil {
		return ""
	}
	return fmt.Sprintf("Session %s failed: %s", r.Source, strings.TrimSpace(r.Err.Error()))
}

// Status is a point-in-time view of the controller.
type Status struct {
	State     State     `json:"state"`
	SessionID string    `json:"session_id,omitempty"`
	Source    string    `json:"source,omitempty"`
	LogPath   string    `json:"log_path,omitempty"`
	StartedAt time.Time `json:"started_at,omitempty"`
	Last      Result    `json:"last"`
}
