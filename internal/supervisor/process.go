package supervisor

import (
	"bufio"
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/EduardoBidese/YoloOnnxForms/internal/logger"
)

// DefaultGracePeriod bounds how long a cancelled worker gets to exit before
// it is killed.
const DefaultGracePeriod = 2 * time.Second

// Frames with an embedded preview can be a few hundred KB per line.
const readBufferSize = 256 * 1024

// Process supervises one run of the worker. It is not restartable: create a
// new Process for every run.
type Process struct {
	// GracePeriod overrides DefaultGracePeriod when positive. It bounds the
	// wait after a termination request and the post-exit drain of idle pipes.
	GracePeriod time.Duration

	mu       sync.Mutex
	cmd      *exec.Cmd
	stdout   *os.File
	stderr   *os.File
	started  bool
	exitCode int
	waitErr  error

	lines     chan string
	done      chan struct{} // closed by Cancel
	exited    chan struct{} // closed once the process has been reaped
	abandoned chan struct{} // closed if a killed process could not be reaped
	released  chan struct{} // closed once pipes are closed
	readDone  chan struct{}
	errDone   chan struct{}

	cancelled   atomic.Bool
	cancelOnce  sync.Once
	releaseOnce sync.Once
	stderrTail  *tail
}

// NewProcess creates an idle supervisor.
func NewProcess() *Process {
	return &Process{
		exitCode:   -1,
		lines:      make(chan string),
		done:       make(chan struct{}),
		exited:     make(chan struct{}),
		abandoned:  make(chan struct{}),
		released:   make(chan struct{}),
		readDone:   make(chan struct{}),
		errDone:    make(chan struct{}),
		stderrTail: newTail(tailMaxLines, tailMaxBytes),
	}
}

// Start launches the worker with stdout and stderr on private pipes and
// stdin on the null device. Cancelling ctx is equivalent to calling Cancel.
func (p *Process) Start(ctx context.Context, c Command) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return ErrAlreadyStarted
	}
	p.started = true

	if p.cancelled.Load() {
		p.abort()
		return ErrCancelled
	}

	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		p.abort()
		return &LaunchError{Command: c.String(), Err: err}
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		stdoutR.Close()
		stdoutW.Close()
		p.abort()
		return &LaunchError{Command: c.String(), Err: err}
	}

	cmd := exec.Command(c.Path, c.Args...)
	cmd.Dir = c.Dir
	cmd.Env = c.Env
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW
	configureCommand(cmd)

	err = cmd.Start()

	// The child holds its own copies of the write ends.
	stdoutW.Close()
	stderrW.Close()

	if err != nil {
		stdoutR.Close()
		stderrR.Close()
		p.abort()
		return &LaunchError{Command: c.String(), Err: err}
	}

	p.cmd = cmd
	p.stdout = stdoutR
	p.stderr = stderrR

	logger.Info("Supervisor", "Worker started (pid %d): %s", cmd.Process.Pid, c)

	go p.readLines()
	go p.drainStderr()
	go p.waitProcess()
	go p.watch(ctx)

	return nil
}

// abort finishes a Process that never launched. Caller holds p.mu.
func (p *Process) abort() {
	close(p.lines)
	close(p.readDone)
	close(p.errDone)
	close(p.exited)
	p.release()
}

// Lines returns the worker's stdout, one line per value without the line
// terminator. The channel is closed at end of output or after Cancel.
func (p *Process) Lines() <-chan string {
	return p.lines
}

// Cancel stops forwarding lines, asks the worker to terminate, kills it
// after the grace period and closes the pipes. It may be called at any
// time and more than once.
func (p *Process) Cancel() {
	p.cancelOnce.Do(func() {
		p.cancelled.Store(true)
		close(p.done)

		p.mu.Lock()
		cmd := p.cmd
		p.mu.Unlock()

		if cmd == nil {
			// Not launched. A later Start returns ErrCancelled.
			return
		}

		p.terminate(cmd)
		p.release()
	})
}

// Wait blocks until the worker has exited and its output has been read,
// then returns the exit code. The error is an *ExitError when the worker
// failed on its own; after Cancel it is always nil.
func (p *Process) Wait() (int, error) {
	select {
	case <-p.exited:
	case <-p.abandoned:
	}
	<-p.readDone
	<-p.errDone
	p.release()

	p.mu.Lock()
	code, waitErr := p.exitCode, p.waitErr
	p.mu.Unlock()

	if p.cancelled.Load() {
		return code, nil
	}
	if code != 0 || waitErr != nil {
		return code, &ExitError{Code: code, Stderr: p.stderrTail.String()}
	}
	return 0, nil
}

// Stderr returns the retained tail of the worker's stderr.
func (p *Process) Stderr() string {
	return p.stderrTail.String()
}

func (p *Process) grace() time.Duration {
	if p.GracePeriod > 0 {
		return p.GracePeriod
	}
	return DefaultGracePeriod
}

func (p *Process) watch(ctx context.Context) {
	select {
	case <-ctx.Done():
		p.Cancel()
	case <-p.released:
	}
}

func (p *Process) readLines() {
	defer close(p.readDone)
	defer close(p.lines)

	r := bufio.NewReaderSize(p.stdout, readBufferSize)
	for {
		if p.cancelled.Load() {
			return
		}

		line, err := r.ReadString('\n')
		if line != "" && (err == nil || err == io.EOF) {
			if !p.forward(strings.TrimRight(line, "\r\n")) {
				return
			}
			p.extendDrain(p.stdout)
		}
		if err != nil {
			p.readFailed("stdout", err)
			return
		}
	}
}

func (p *Process) forward(line string) bool {
	if p.cancelled.Load() {
		return false
	}
	select {
	case p.lines <- line:
		return true
	case <-p.done:
		return false
	}
}

// drainStderr keeps stderr flowing so the worker never stalls on a full
// pipe. Lines are logged and the last few are retained for ExitError.
func (p *Process) drainStderr() {
	defer close(p.errDone)

	r := bufio.NewReader(p.stderr)
	for {
		line, err := r.ReadString('\n')
		if line = strings.TrimRight(line, "\r\n"); line != "" {
			p.stderrTail.add(line)
			logger.Log(logger.WorkerLevel(line), "Worker", "%s", line)
			p.extendDrain(p.stderr)
		}
		if err != nil {
			p.readFailed("stderr", err)
			return
		}
	}
}

func (p *Process) readFailed(stream string, err error) {
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, os.ErrClosed), p.cancelled.Load():
	case errors.Is(err, os.ErrDeadlineExceeded):
		logger.Warn("Supervisor", "Worker %s still open %v after exit, a child process may hold it", stream, p.grace())
	default:
		logger.Warn("Supervisor", "Worker %s read failed: %v", stream, err)
	}
}

// extendDrain keeps the post-exit read deadline relative to the last
// output seen, so a slow consumer never cuts off buffered lines.
func (p *Process) extendDrain(f *os.File) {
	select {
	case <-p.exited:
		f.SetReadDeadline(time.Now().Add(p.grace()))
	default:
	}
}

func (p *Process) waitProcess() {
	err := p.cmd.Wait()

	code := -1
	if p.cmd.ProcessState != nil {
		code = p.cmd.ProcessState.ExitCode()
	}

	p.mu.Lock()
	p.exitCode = code
	p.waitErr = err
	p.mu.Unlock()

	// Unsupported on some platforms, in which case reads run to EOF.
	deadline := time.Now().Add(p.grace())
	p.stdout.SetReadDeadline(deadline)
	p.stderr.SetReadDeadline(deadline)

	close(p.exited)

	logger.Debug("Supervisor", "Worker pid %d exited with code %d", p.cmd.Process.Pid, code)
}

func (p *Process) terminate(cmd *exec.Cmd) {
	select {
	case <-p.exited:
		return
	default:
	}

	pid := cmd.Process.Pid
	grace := p.grace()
	logger.Info("Supervisor", "Stopping worker (pid %d)", pid)

	if err := signalTerminate(cmd.Process); err != nil && !errors.Is(err, os.ErrProcessDone) {
		logger.Warn("Supervisor", "Termination request to pid %d failed: %v", pid, err)
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-p.exited:
		return
	case <-timer.C:
	}

	logger.Warn("Supervisor", "Worker pid %d did not exit within %v, killing", pid, grace)
	if err := signalKill(cmd.Process); err != nil && !errors.Is(err, os.ErrProcessDone) {
		logger.Error("Supervisor", "Kill pid %d failed: %v", pid, err)
	}

	timer.Reset(grace)
	select {
	case <-p.exited:
	case <-timer.C:
		logger.Error("Supervisor", "Worker pid %d could not be reaped, abandoning it", pid)
		close(p.abandoned)
	}
}

// release closes the read ends of both pipes, which unblocks the readers.
func (p *Process) release() {
	p.releaseOnce.Do(func() {
		if p.stdout != nil {
			p.stdout.Close()
		}
		if p.stderr != nil {
			p.stderr.Close()
		}
		close(p.released)
	})
}
