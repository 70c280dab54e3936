package supervisor

import (
	"bufio"
	"context"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Replay produces lines from a reader instead of a live worker, typically a
// recorded stdout capture. It behaves like Process: it is started once,
// its Lines channel closes at end of input or on Cancel, and Wait reports
// the configured exit status.
type Replay struct {
	ExitCode  int           // reported by Wait when not cancelled
	Stderr    string        // diagnostic text attached to a non-zero exit
	Interval  time.Duration // delay before each line, zero for none
	HoldOpen  bool          // keep the stream open after the last line until Cancel
	LaunchErr error         // makes Start fail with a *LaunchError

	src        io.Reader
	lines      chan string
	done       chan struct{}
	finished   chan struct{}
	started    atomic.Bool
	cancelled  atomic.Bool
	cancelOnce sync.Once
}

// NewReplay creates a producer over src. If src is an io.Closer it is
// closed by Cancel.
func NewReplay(src io.Reader) *Replay {
	return &Replay{
		src:      src,
		lines:    make(chan string),
		done:     make(chan struct{}),
		finished: make(chan struct{}),
	}
}

// ReplayLines creates a producer over fixed lines.
func ReplayLines(lines ...string) *Replay {
	var b strings.Builder
	for _, l := range lines {
		b.WriteString(l)
		b.WriteByte('\n')
	}
	return NewReplay(strings.NewReader(b.String()))
}

// Start begins producing lines. The command is only used in errors.
func (r *Replay) Start(ctx context.Context, c Command) error {
	if !r.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	if r.cancelled.Load() {
		r.finish()
		return ErrCancelled
	}
	if r.LaunchErr != nil {
		r.finish()
		return &LaunchError{Command: c.String(), Err: r.LaunchErr}
	}

	go r.run()
	go func() {
		select {
		case <-ctx.Done():
			r.Cancel()
		case <-r.finished:
		}
	}()
	return nil
}

func (r *Replay) finish() {
	close(r.lines)
	close(r.finished)
}

func (r *Replay) run() {
	defer r.finish()

	br := bufio.NewReaderSize(r.src, readBufferSize)
	for {
		if r.cancelled.Load() {
			return
		}

		line, err := br.ReadString('\n')
		if line != "" && (err == nil || err == io.EOF) {
			if !r.pace() || !r.forward(strings.TrimRight(line, "\r\n")) {
				return
			}
		}
		if err != nil {
			break
		}
	}

	if r.HoldOpen {
		<-r.done
	}
}

func (r *Replay) pace() bool {
	if r.Interval <= 0 {
		return true
	}
	t := time.NewTimer(r.Interval)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-r.done:
		return false
	}
}

func (r *Replay) forward(line string) bool {
	if r.cancelled.Load() {
		return false
	}
	select {
	case r.lines <- line:
		return true
	case <-r.done:
		return false
	}
}

// Lines returns the replayed lines.
func (r *Replay) Lines() <-chan string {
	return r.lines
}

// Cancel stops the replay. It is idempotent.
func (r *Replay) Cancel() {
	r.cancelOnce.Do(func() {
		r.cancelled.Store(true)
		close(r.done)
		if c, ok := r.src.(io.Closer); ok {
			c.Close()
		}
	})
}

// Wait blocks until the replay has finished.
func (r *Replay) Wait() (int, error) {
	<-r.finished
	if r.cancelled.Load() {
		return -1, nil
	}
	if r.ExitCode != 0 {
		return r.ExitCode, &ExitError{Code: r.ExitCode, Stderr: r.Stderr}
	}
	return 0, nil
}
