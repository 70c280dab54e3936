package session

import (
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"strconv"
	"strings"
)

// DefaultConfidence is used when a threshold cannot be parsed.
const DefaultConfidence = 0.25

var (
	ErrInvalidSource     = errors.New("session: invalid source")
	ErrInvalidConfidence = errors.New("session: confidence must be in (0, 1]")
)

// Source is what the worker analyses: a video file or a camera index.
type Source struct {
	Path     string
	Camera   int
	IsCamera bool
}

// FileSource returns a video file source.
func FileSource(path string) Source {
	return Source{Path: path}
}

// CameraSource returns a capture device source.
func CameraSource(index int) Source {
	return Source{Camera: index, IsCamera: true}
}

// ParseSource treats an all-digit string as a camera index and anything
// else as a file path.
func ParseSource(s string) (Source, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Source{}, fmt.Errorf("%w: empty", ErrInvalidSource)
	}
	if strings.Trim(s, "0123456789") == "" {
		idx, err := strconv.Atoi(s)
		if err != nil {
			return Source{}, fmt.Errorf("%w: camera index %q: %v", ErrInvalidSource, s, err)
		}
		return CameraSource(idx), nil
	}
	return FileSource(s), nil
}

// Label tags log rows and events: "video:<file name>" or "camera:<index>".
func (s Source) Label() string {
	if s.IsCamera {
		return "camera:" + strconv.Itoa(s.Camera)
	}
	return "video:" + filepath.Base(s.Path)
}

// Arg is the value passed to the worker's --video flag.
func (s Source) Arg() string {
	if s.IsCamera {
		return strconv.Itoa(s.Camera)
	}
	return s.Path
}

func (s Source) validate() error {
	switch {
	case s.IsCamera && s.Camera < 0:
		return fmt.Errorf("%w: camera index %d", ErrInvalidSource, s.Camera)
	case !s.IsCamera && strings.TrimSpace(s.Path) == "":
		return fmt.Errorf("%w: empty path", ErrInvalidSource)
	}
	return nil
}

// ParseConfidence reads a threshold typed by a user. A comma is accepted
// as the decimal separator and text that is not a number yields
// DefaultConfidence. Numbers are returned as typed, so an out-of-range
// value is rejected by Start rather than replaced.
func ParseConfidence(text string) float64 {
	t := strings.ReplaceAll(strings.TrimSpace(text), ",", ".")
	v, err := strconv.ParseFloat(t, 64)
	if err != nil || math.IsNaN(v) {
		return DefaultConfidence
	}
	return v
}

// FormatConfidence renders a threshold with '.' as the decimal point.
func FormatConfidence(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func validConfidence(v float64) bool {
	return !math.IsNaN(v) && v > 0 && v <= 1
}
