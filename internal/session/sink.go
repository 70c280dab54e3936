package session

import (
	"fmt"
	"strings"

	"github.com/EduardoBidese/YoloOnnxForms/pkg/types"
)

// Sink displays session output. Calls arrive from the delivery goroutine,
// never concurrently for one session; implementations marshal to their
// own thread if they need to.
type Sink interface {
	// ShowImage replaces the displayed preview. The sink owns img from
	// here on and drops its reference to the previous image.
	ShowImage(img []byte)
	// AddEvent reports a detection that first became valid.
	AddEvent(ev Event)
	// SetStatus replaces the one-line status summary.
	SetStatus(status string)
}

// ResultNotifier is implemented by sinks that want the end-of-session
// result.
type ResultNotifier interface {
	SessionEnded(r Result)
}

// Event is a new detection as forwarded to the sink.
type Event struct {
	SessionID   string          `json:"session_id"`
	Source      string          `json:"source"`
	FrameIndex  int64           `json:"frame_index"`
	TimeSeconds float64         `json:"time_seconds"`
	Detection   types.Detection `json:"detection"`
	Line        string          `json:"line"`
}

// FormatEvent renders "[t=0.0s F0] Track 1 | Class 2 | Score 0.91".
func FormatEvent(f *types.Frame, d types.Detection) string {
	return fmt.Sprintf("[t=%.1fs F%d] Track %d | Class %d | Score %.2f",
		f.TimeSeconds, f.Index, d.TrackID, d.ClassID, d.Score)
}

// FormatStatus renders "Frame 3 (t=0.1s) | T1-C2(0.91)  T4-C0(0.40)".
func FormatStatus(f *types.Frame) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Frame %d (t=%.1fs) | ", f.Index, f.TimeSeconds)
	if len(f.Detections) == 0 {
		b.WriteString("no detections")
		return b.String()
	}
	for i, d := range f.Detections {
		if i > 0 {
			b.WriteString("  ")
		}
		fmt.Fprintf(&b, "T%d-C%d(%.2f)", d.TrackID, d.ClassID, d.Score)
	}
	return b.String()
}

type discardSink struct{}

func (discardSink) ShowImage([]byte) {}
func (discardSink) AddEvent(Event) {}
func (discardSink) SetStatus(string) {}
