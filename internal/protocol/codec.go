// Package protocol converts between worker output lines and frames.
//
// Each line written by the worker on stdout is one JSON object:
//
//	{"frame_index":12,"time_seconds":0.4,"image":"<base64 jpeg>",
//	 "detections":[{"track_id":1,"class_id":2,"score":0.91,
//	                "x":10,"y":10,"w":20,"h":20,"is_new":true}]}
//
// frame_index, time_seconds and detections are required, image is optional.
package protocol

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/EduardoBidese/YoloOnnxForms/pkg/types"
)

// ErrBlankLine is returned for empty or whitespace-only lines. Callers skip
// these without counting them as errors.
var ErrBlankLine = errors.New("protocol: blank line")

// DecodeError describes a line that could not be turned into a frame.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol: %s: %v", e.Reason, e.Err)
	}
	return "protocol: " + e.Reason
}

func (e *DecodeError) Unwrap() error { return e.Err }

type wireDetection struct {
	TrackID *int     `json:"track_id"`
	ClassID *int     `json:"class_id"`
	Score   *float64 `json:"score"`
	X       *float64 `json:"x"`
	Y       *float64 `json:"y"`
	W       *float64 `json:"w"`
	H       *float64 `json:"h"`
	IsNew   *bool    `json:"is_new"`
}

type wireFrame struct {
	FrameIndex  *int64           `json:"frame_index"`
	TimeSeconds *float64         `json:"time_seconds"`
	Image       *string          `json:"image"`
	Detections  *[]wireDetection `json:"detections"`
}

// Decode parses one output line. Surrounding whitespace is ignored.
func Decode(line string) (types.Frame, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return types.Frame{}, ErrBlankLine
	}

	var w wireFrame
	if err := json.Unmarshal([]byte(line), &w); err != nil {
		return types.Frame{}, &DecodeError{Reason: "invalid record", Err: err}
	}

	switch {
	case w.FrameIndex == nil:
		return types.Frame{}, &DecodeError{Reason: "missing frame_index"}
	case w.TimeSeconds == nil:
		return types.Frame{}, &DecodeError{Reason: "missing time_seconds"}
	case w.Detections == nil:
		return types.Frame{}, &DecodeError{Reason: "missing detections"}
	}

	f := types.Frame{
		Index:       *w.FrameIndex,
		TimeSeconds: *w.TimeSeconds,
		Detections:  make([]types.Detection, 0, len(*w.Detections)),
	}

	for i, wd := range *w.Detections {
		d, err := wd.detection()
		if err != nil {
			return types.Frame{}, &DecodeError{Reason: fmt.Sprintf("detection %d", i), Err: err}
		}
		f.Detections = append(f.Detections, d)
	}

	if w.Image != nil && *w.Image != "" {
		img, err := base64.StdEncoding.DecodeString(*w.Image)
		if err != nil {
			return types.Frame{}, &DecodeError{Reason: "invalid image payload", Err: err}
		}
		f.Image = img
	}

	return f, nil
}

func (wd wireDetection) detection() (types.Detection, error) {
	var missing []string
	check := func(name string, ok bool) {
		if !ok {
			missing = append(missing, name)
		}
	}
	check("track_id", wd.TrackID != nil)
	check("class_id", wd.ClassID != nil)
	check("score", wd.Score != nil)
	check("x", wd.X != nil)
	check("y", wd.Y != nil)
	check("w", wd.W != nil)
	check("h", wd.H != nil)
	check("is_new", wd.IsNew != nil)
	if len(missing) > 0 {
		return types.Detection{}, fmt.Errorf("missing %s", strings.Join(missing, ", "))
	}

	return types.Detection{
		TrackID: *wd.TrackID,
		ClassID: *wd.ClassID,
		Score:   *wd.Score,
		X:       *wd.X,
		Y:       *wd.Y,
		W:       *wd.W,
		H:       *wd.H,
		IsNew:   *wd.IsNew,
	}, nil
}

type outDetection struct {
	TrackID int     `json:"track_id"`
	ClassID int     `json:"class_id"`
	Score   float64 `json:"score"`
	X       float64 `json:"x"`
	Y       float64 `json:"y"`
	W       float64 `json:"w"`
	H       float64 `json:"h"`
	IsNew   bool    `json:"is_new"`
}

type outFrame struct {
	FrameIndex  int64          `json:"frame_index"`
	TimeSeconds float64        `json:"time_seconds"`
	Detections  []outDetection `json:"detections"`
	Image       string         `json:"image,omitempty"`
}

// Encode renders a frame as one line without the trailing newline.
// Decode(Encode(f)) reproduces f.
func Encode(f types.Frame) (string, error) {
	out := outFrame{
		FrameIndex:  f.Index,
		TimeSeconds: f.TimeSeconds,
		Detections:  make([]outDetection, 0, len(f.Detections)),
	}
	for _, d := range f.Detections {
		out.Detections = append(out.Detections, outDetection(d))
	}
	if len(f.Image) > 0 {
		out.Image = base64.StdEncoding.EncodeToString(f.Image)
	}

	data, err := json.Marshal(out)
	if err != nil {
		return "", fmt.Errorf("encode frame %d: %w", f.Index, err)
	}
	return string(data), nil
}
