package types

// Detection is one tracked object instance reported by the worker for a frame.
type Detection struct {
	TrackID int     // Tracker identity, stable across frames until the track is lost
	ClassID int     // Model class index
	Score   float64 // Confidence in [0, 1]
	X       float64 // Bounding box origin and size in source-frame pixels
	Y       float64
	W       float64
	H       float64
	IsNew   bool // True only on the frame where the track first becomes valid
}

// Frame is one line of worker output after decoding.
type Frame struct {
	Index       int64       // Producer-assigned, never decreases within a session
	TimeSeconds float64     // Producer clock
	Image       []byte      // Preview image bytes, nil when the line carried none
	Detections  []Detection // Never nil after decoding, may be empty
}

// NewDetections returns the detections that first became valid on this frame.
func (f *Frame) NewDetections() []Detection {
	var out []Detection
	for _, d := range f.Detections {
		if d.IsNew {
			out = append(out, d)
		}
	}
	return out
}
