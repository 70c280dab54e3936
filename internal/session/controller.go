// Package session runs detection sessions: it starts the worker, decodes
// its output, feeds the UI sink and the detection log, and tears
// everything down when the stream ends or a stop is requested.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/EduardoBidese/YoloOnnxForms/internal/logger"
	"github.com/EduardoBidese/YoloOnnxForms/internal/metrics"
	"github.com/EduardoBidese/YoloOnnxForms/internal/protocol"
	"github.com/EduardoBidese/YoloOnnxForms/internal/recorder"
	"github.com/EduardoBidese/YoloOnnxForms/internal/supervisor"
	"github.com/EduardoBidese/YoloOnnxForms/pkg/types"
)

// Worker is one run of a line producer. *supervisor.Process and
// *supervisor.Replay implement it.
type Worker interface {
	Start(ctx context.Context, c supervisor.Command) error
	Lines() <-chan string
	Cancel()
	Wait() (int, error)
}

// WorkerFactory returns a fresh, unstarted Worker.
type WorkerFactory func() Worker

// ProcessWorkers returns a factory of subprocess supervisors.
func ProcessWorkers(grace time.Duration) WorkerFactory {
	return func() Worker {
		p := supervisor.NewProcess()
		p.GracePeriod = grace
		return p
	}
}

// Controller owns at most one active session.
type Controller struct {
	cfg       Config
	sink      Sink
	newWorker WorkerFactory
	metrics   *metrics.Metrics
	now       func() time.Time

	opMu sync.Mutex // serializes Start and Stop

	mu     sync.Mutex
	state  State
	active *run
	last   Result
}

// NewController creates an idle controller. A nil sink discards output and
// a nil m gets a private metrics set.
func NewController(cfg Config, sink Sink, newWorker WorkerFactory, m *metrics.Metrics) *Controller {
	if sink == nil {
		sink = discardSink{}
	}
	if m == nil {
		m = metrics.New()
	}
	return &Controller{
		cfg:       cfg,
		sink:      sink,
		newWorker: newWorker,
		metrics:   m,
		now:       time.Now,
	}
}

const (
	runActive int32 = iota
	runStopping
	runEnding
)

// run is the per-session plumbing: worker → decode → frames → deliver.
type run struct {
	c       *Controller
	session *Session
	worker  Worker
	rec     *recorder.Recorder
	ctx     context.Context
	cancel  context.CancelFunc
	phase   atomic.Int32 // runActive until Stop or the end of the stream claims it

	frames    chan types.Frame
	delivered chan struct{}
	done      chan struct{}

	// Written by decode, read by finish after frames is closed.
	decodeErrors int
	lastIndex    int64
	haveIndex    bool

	// Written by deliver, read by finish after delivered is closed.
	frameCount int
	logErr     error

	result Result // set before done is closed
}

// Start begins a session. An active session is stopped and fully joined
// first. Start returns once the worker has launched; streaming continues
// in the background.
func (c *Controller) Start(src Source, confidence float64) error {
	if err := src.validate(); err != nil {
		return err
	}
	if !validConfidence(confidence) {
		return fmt.Errorf("%w: got %v", ErrInvalidConfidence, confidence)
	}

	c.opMu.Lock()
	defer c.opMu.Unlock()

	if prev := c.stopActive(); prev.State != StateIdle {
		logger.Info("Session", "Session %s replaced (%s)", prev.SessionID, prev.State)
	}

	c.setState(StateStarting)

	startedAt := c.now()
	sess := newSession(src, recorder.NextPath(c.cfg.LogsDir, startedAt), startedAt)

	var logErr error
	rec, err := recorder.Open(sess.LogPath)
	if err != nil {
		logErr = err
		c.metrics.LogWriteErrors.Add(1)
		logger.Warn("Session", "Detection log disabled for session %s: %v", sess.ID, err)
		sess.LogPath = ""
	}

	ctx, cancel := context.WithCancel(context.Background())
	worker := c.newWorker()

	if err := worker.Start(ctx, c.cfg.Command(src, confidence)); err != nil {
		cancel()
		if rec != nil {
			if derr := rec.Discard(); derr != nil {
				logger.Warn("Session", "Failed to remove log %s: %v", rec.Path(), derr)
			}
		}
		c.metrics.LaunchFailures.Add(1)

		res := sess.result()
		res.LogPath = ""
		res.State = StateFailed
		res.ExitCode = -1
		res.Err = err
		res.LogErr = logErr
		res.EndedAt = c.now()

		logger.Error("Session", "Worker launch failed: %v", err)
		c.sink.SetStatus(res.Notice())
		c.notify(res)

		c.mu.Lock()
		c.last = res
		c.state = StateIdle
		c.mu.Unlock()
		return err
	}

	r := &run{
		c:         c,
		session:   sess,
		worker:    worker,
		rec:       rec,
		ctx:       ctx,
		cancel:    cancel,
		frames:    make(chan types.Frame, max(c.cfg.FrameBuffer, 0)),
		delivered: make(chan struct{}),
		done:      make(chan struct{}),
		logErr:    logErr,
	}

	c.mu.Lock()
	c.active = r
	c.state = StateStreaming
	c.mu.Unlock()

	c.metrics.SessionsStarted.Add(1)
	c.metrics.WorkerRunning.Store(1)

	status := "Running " + src.Label()
	if rec != nil {
		status += " | log: " + sess.LogPath
		logger.Info("Session", "Session %s started on %s, logging to %s", sess.ID, src.Label(), sess.LogPath)
	} else {
		status += " | log disabled: " + logErr.Error()
		logger.Info("Session", "Session %s started on %s without a log", sess.ID, src.Label())
	}
	c.sink.SetStatus(status)

	go r.decode()
	go r.deliver()
	go c.finish(r)

	return nil
}

// Stop cancels the active session and waits until it has been torn down.
// With no active session it does nothing and returns the zero Result.
func (c *Controller) Stop() Result {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	return c.stopActive()
}

// stopActive requires c.opMu.
func (c *Controller) stopActive() Result {
	c.mu.Lock()
	r := c.active
	c.mu.Unlock()

	if r == nil {
		return Result{}
	}

	if !r.phase.CompareAndSwap(runActive, runStopping) {
		// The stream already ended on its own; the worker is being reaped.
		select {
		case <-r.done:
		case <-time.After(c.cfg.GracePeriod):
			logger.Warn("Session", "Session %s ended but its worker is still running, cancelling", r.session.ID)
			r.worker.Cancel()
			<-r.done
		}
		return r.result
	}

	logger.Info("Session", "Stopping session %s", r.session.ID)
	r.cancel()
	r.worker.Cancel()
	<-r.done
	return r.result
}

// Wait blocks until the active session ends and returns its result. When
// idle it returns the last result immediately.
func (c *Controller) Wait(ctx context.Context) (Result, error) {
	c.mu.Lock()
	r, last := c.active, c.last
	c.mu.Unlock()

	if r == nil {
		return last, nil
	}
	select {
	case <-r.done:
		return r.result, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Status returns the current state with the active session, if any.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := Status{State: c.state, Last: c.last}
	if r := c.active; r != nil {
		st.SessionID = r.session.ID
		st.Source = r.session.Source.Label()
		st.LogPath = r.session.LogPath
		st.StartedAt = r.session.StartedAt
	}
	return st
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Controller) notify(res Result) {
	if n, ok := c.sink.(ResultNotifier); ok {
		n.SessionEnded(res)
	}
}

// decode turns lines into frames. It keeps draining the line channel after
// a stop so the producer is never left blocked.
func (r *run) decode() {
	defer close(r.frames)

	m := r.c.metrics
	for line := range r.worker.Lines() {
		if r.ctx.Err() != nil {
			continue
		}
		m.LinesRead.Add(1)

		f, err := protocol.Decode(line)
		if errors.Is(err, protocol.ErrBlankLine) {
			continue
		}
		if err != nil {
			r.decodeErrors++
			m.DecodeErrors.Add(1)
			logger.Debug("Session", "Skipping line: %v", err)
			continue
		}

		if r.haveIndex && f.Index < r.lastIndex {
			m.FramesOutOfOrder.Add(1)
			logger.Warn("Session", "Dropping frame %d received after frame %d", f.Index, r.lastIndex)
			continue
		}
		r.lastIndex, r.haveIndex = f.Index, true
		m.FramesDecoded.Add(1)

		select {
		case r.frames <- f:
		case <-r.ctx.Done():
			m.FramesDropped.Add(1)
		}
	}
}

// deliver hands frames to the sink and the log in decode order. No frame
// starts delivery once the stop request is visible.
func (r *run) deliver() {
	defer close(r.delivered)

	for f := range r.frames {
		if r.ctx.Err() != nil {
			r.c.metrics.FramesDropped.Add(1)
			continue
		}
		r.deliverFrame(&f)
	}
}

func (r *run) deliverFrame(f *types.Frame) {
	c := r.c

	if len(f.Image) > 0 {
		c.sink.ShowImage(f.Image)
		f.Image = nil
		c.metrics.ImagesDelivered.Add(1)
	}

	for _, d := range f.Detections {
		if !d.IsNew {
			continue
		}
		r.session.count(d.ClassID)
		r.logDetection(f, d)
		c.sink.AddEvent(Event{
			SessionID:   r.session.ID,
			Source:      r.session.Source.Label(),
			FrameIndex:  f.Index,
			TimeSeconds: f.TimeSeconds,
			Detection:   d,
			Line:        FormatEvent(f, d),
		})
	}

	c.sink.SetStatus(FormatStatus(f))

	r.frameCount++
	c.metrics.FramesDelivered.Add(1)
	c.metrics.LastFrameIndex.Store(f.Index)
}

func (r *run) logDetection(f *types.Frame, d types.Detection) {
	if r.rec == nil {
		return
	}

	err := r.rec.Append(recorder.Record{
		Time:        r.c.now(),
		Source:      r.session.Source.Label(),
		FrameIndex:  f.Index,
		TimeSeconds: f.TimeSeconds,
		Detection:   d,
	})
	if err == nil {
		r.c.metrics.DetectionsLogged.Add(1)
		return
	}
	r.disableLog(err)
}

// disableLog stops logging for the rest of the session. Streaming goes on.
func (r *run) disableLog(err error) {
	if r.logErr == nil {
		r.logErr = err
	}
	r.rec.Close()
	r.rec = nil

	r.c.metrics.LogWriteErrors.Add(1)
	logger.Warn("Session", "Detection log disabled for session %s: %v", r.session.ID, err)
	r.c.sink.SetStatus("Detection log disabled: " + err.Error())
}

// finish waits for the stream to end, reaps the worker, writes the summary
// and returns the controller to idle.
func (c *Controller) finish(r *run) {
	<-r.delivered
	ended := r.phase.CompareAndSwap(runActive, runEnding)
	code, err := r.worker.Wait()
	c.metrics.WorkerRunning.Store(0)

	res := r.session.result()
	res.ExitCode = code
	res.Frames = r.frameCount
	res.DecodeErrors = r.decodeErrors

	switch {
	case !ended:
		res.State = StateCancelled
		c.metrics.SessionsCancelled.Add(1)
	case err != nil:
		res.State = StateFailed
		res.Err = err
		c.metrics.SessionsFailed.Add(1)
	default:
		res.State = StateCompleted
		c.metrics.SessionsCompleted.Add(1)
	}
	c.setState(res.State)

	if r.rec != nil {
		if err := r.rec.WriteSummary(res.Source, res.TotalDetections, res.ClassCounts); err != nil {
			r.disableLog(err)
		} else if err := r.rec.Close(); err != nil {
			logger.Warn("Session", "Closing log %s: %v", r.session.LogPath, err)
		}
	}
	res.LogErr = r.logErr
	res.EndedAt = c.now()
	c.metrics.ObserveSession(res.EndedAt.Sub(res.StartedAt))

	switch res.State {
	case StateFailed:
		logger.Error("Session", "Session %s failed: %v", res.SessionID, res.Err)
		c.sink.SetStatus(res.Notice())
	default:
		logger.Info("Session", "Session %s %s: %d frames, %d detections, exit code %d",
			res.SessionID, res.State, res.Frames, res.TotalDetections, res.ExitCode)
	}
	c.notify(res)

	r.result = res
	r.cancel()

	c.mu.Lock()
	if c.active == r {
		c.active = nil
	}
	c.last = res
	c.state = StateIdle
	c.mu.Unlock()

	close(r.done)
}
