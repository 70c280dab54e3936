package session

import (
	"time"

	"github.com/google/uuid"
)

// Session is one run of the worker against one source. It is owned by the
// delivery goroutine of that run.
type Session struct {
	ID              string
	Source          Source
	LogPath         string
	StartedAt       time.Time
	ClassCounts     map[int]int
	TotalDetections int
}

func newSession(src Source, logPath string, at time.Time) *Session {
	return &Session{
		ID:          uuid.NewString(),
		Source:      src,
		LogPath:     logPath,
		StartedAt:   at,
		ClassCounts: make(map[int]int),
	}
}

func (s *Session) count(classID int) {
	s.ClassCounts[classID]++
	s.TotalDetections++
}

func (s *Session) result() Result {
	counts := make(map[int]int, len(s.ClassCounts))
	for k, v := range s.ClassCounts {
		counts[k] = v
	}
	return Result{
		SessionID:       s.ID,
		Source:          s.Source.Label(),
		LogPath:         s.LogPath,
		TotalDetections: s.TotalDetections,
		ClassCounts:     counts,
		StartedAt:       s.StartedAt,
	}
}
