// Package supervisor runs the external detection worker and exposes its
// stdout as a stream of lines.
package supervisor

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	// ErrCancelled is returned by Start when Cancel already ran.
	ErrCancelled = errors.New("supervisor: cancelled before start")

	// ErrAlreadyStarted is returned by a second Start on the same producer.
	ErrAlreadyStarted = errors.New("supervisor: already started")
)

// Command describes how to launch the worker.
type Command struct {
	Path string
	Args []string
	Dir  string   // working directory, empty for the current one
	Env  []string // nil inherits the parent environment
}

func (c Command) String() string {
	parts := make([]string, 0, len(c.Args)+1)
	for _, s := range append([]string{c.Path}, c.Args...) {
		if s == "" || strings.ContainsAny(s, " \t\"'") {
			s = strconv.Quote(s)
		}
		parts = append(parts, s)
	}
	return strings.Join(parts, " ")
}

// LaunchError means the worker never started.
type LaunchError struct {
	Command string
	Err     error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("failed to start worker %s: %v", e.Command, e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }

// ExitError means the worker exited unsuccessfully without being cancelled.
// Stderr holds the tail of its diagnostic output.
type ExitError struct {
	Code   int
	Stderr string
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("worker exited with code %d", e.Code)
	if s := strings.TrimSpace(e.Stderr); s != "" {
		msg += ": " + s
	}
	return msg
}
