package session

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/EduardoBidese/YoloOnnxForms/internal/protocol"
	"github.com/EduardoBidese/YoloOnnxForms/internal/recorder"
	"github.com/EduardoBidese/YoloOnnxForms/internal/supervisor"
	"github.com/EduardoBidese/YoloOnnxForms/pkg/types"
)

const (
	scenarioLine0 = `{"frame_index":0,"time_seconds":0.0,"detections":[{"track_id":1,"class_id":2,"score":0.91,"x":10,"y":10,"w":20,"h":20,"is_new":true}]}`
	scenarioLine1 = `{"frame_index":1,"time_seconds":0.033,"detections":[]}`
)

// recordingSink remembers every call in order.
type recordingSink struct {
	mu       sync.Mutex
	calls    []string
	images   [][]byte
	events   []Event
	statuses []string
	results  []Result
}

func (s *recordingSink) ShowImage(img []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, "image")
	s.images = append(s.images, img)
}

func (s *recordingSink) AddEvent(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, "event")
	s.events = append(s.events, ev)
}

func (s *recordingSink) SetStatus(status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, "status")
	s.statuses = append(s.statuses, status)
}

func (s *recordingSink) SessionEnded(r Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, r)
}

func (s *recordingSink) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func (s *recordingSink) hasStatus(prefix string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range s.statuses {
		if strings.HasPrefix(st, prefix) {
			return true
		}
	}
	return false
}

// countingWorker tracks how many workers are alive at once.
type countingWorker struct {
	*supervisor.Replay
	live, peak *atomic.Int32
}

func (w *countingWorker) Start(ctx context.Context, c supervisor.Command) error {
	n := w.live.Add(1)
	for {
		p := w.peak.Load()
		if n <= p || w.peak.CompareAndSwap(p, n) {
			break
		}
	}
	if err := w.Replay.Start(ctx, c); err != nil {
		w.live.Add(-1)
		return err
	}
	return nil
}

func (w *countingWorker) Wait() (int, error) {
	code, err := w.Replay.Wait()
	w.live.Add(-1)
	return code, err
}

func newTestController(t *testing.T, sink Sink, workers ...Worker) (*Controller, string) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.LogsDir = filepath.Join(t.TempDir(), "Logs")

	var mu sync.Mutex
	next := 0
	factory := func() Worker {
		mu.Lock()
		defer mu.Unlock()
		if next >= len(workers) {
			t.Errorf("unexpected worker request %d", next)
			return supervisor.ReplayLines()
		}
		w := workers[next]
		next++
		return w
	}
	return NewController(cfg, sink, factory, nil), cfg.LogsDir
}

func waitResult(t *testing.T, c *Controller) Result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	res, err := c.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	return res
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func readLog(t *testing.T, path string) (rows []string, summary []string) {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	lines := strings.Split(string(data), "\n")
	if lines[0] != recorder.Header {
		t.Fatalf("header = %q", lines[0])
	}
	for _, l := range lines[1:] {
		switch {
		case strings.HasPrefix(l, "#"):
			summary = append(summary, l)
		case l != "":
			rows = append(rows, l)
		}
	}
	return rows, summary
}

func TestSessionCompletes(t *testing.T) {
	sink := &recordingSink{}
	c, _ := newTestController(t, sink, supervisor.ReplayLines(scenarioLine0, scenarioLine1))

	if err := c.Start(FileSource("/data/belt.mp4"), 0.6); err != nil {
		t.Fatalf("Start: %v", err)
	}
	res := waitResult(t, c)

	if res.State != StateCompleted || res.Err != nil {
		t.Fatalf("result = %+v, want completed", res)
	}
	if res.Frames != 2 || res.TotalDetections != 1 || res.ClassCounts[2] != 1 {
		t.Fatalf("counters = frames %d total %d counts %v", res.Frames, res.TotalDetections, res.ClassCounts)
	}
	if c.State() != StateIdle {
		t.Fatalf("state = %v, want idle", c.State())
	}

	rows, summary := readLog(t, res.LogPath)
	if len(rows) != 1 || !strings.HasSuffix(rows[0], ";video:belt.mp4;0;0;1;2;0.91;10;10;20;20;1") {
		t.Fatalf("rows = %q", rows)
	}
	want := []string{"# ---- RESUMO ----", "# source=video:belt.mp4", "# total_pecas=1", "# class_2=1"}
	if strings.Join(summary, "\n") != strings.Join(want, "\n") {
		t.Fatalf("summary = %q, want %q", summary, want)
	}

	if len(sink.events) != 1 || sink.events[0].Line != "[t=0.0s F0] Track 1 | Class 2 | Score 0.91" {
		t.Fatalf("events = %+v", sink.events)
	}
	if !sink.hasStatus("Frame 1 (t=0.0s) | no detections") {
		t.Fatalf("statuses = %q", sink.statuses)
	}
	if len(sink.results) != 1 || sink.results[0].State != StateCompleted {
		t.Fatalf("notified results = %+v", sink.results)
	}
}

func TestSessionWorkerFailure(t *testing.T) {
	w := supervisor.ReplayLines()
	w.ExitCode = 1
	w.Stderr = "model not found"

	sink := &recordingSink{}
	c, _ := newTestController(t, sink, w)
	if err := c.Start(CameraSource(0), 0.5); err != nil {
		t.Fatalf("Start: %v", err)
	}
	res := waitResult(t, c)

	if res.State != StateFailed || res.ExitCode != 1 {
		t.Fatalf("result = %+v, want failed with code 1", res)
	}
	var ee *supervisor.ExitError
	if !errors.As(res.Err, &ee) || ee.Code != 1 || !strings.Contains(res.Err.Error(), "model not found") {
		t.Fatalf("Err = %v", res.Err)
	}
	if !strings.Contains(res.Notice(), "model not found") {
		t.Fatalf("Notice = %q", res.Notice())
	}
	if !sink.hasStatus("Session camera:0 failed") {
		t.Fatalf("no failure notice in %q", sink.statuses)
	}

	_, summary := readLog(t, res.LogPath)
	if len(summary) != 3 || summary[2] != "# total_pecas=0" {
		t.Fatalf("summary = %q", summary)
	}
}

func TestStopMidStream(t *testing.T) {
	var lines []string
	for i := 0; i < 500; i++ {
		lines = append(lines, fmt.Sprintf(`{"frame_index":%d,"time_seconds":%d,"detections":[{"track_id":%d,"class_id":1,"score":0.5,"x":0,"y":0,"w":1,"h":1,"is_new":true}]}`, i, i, i))
	}
	w := supervisor.ReplayLines(lines...)
	w.Interval = 2 * time.Millisecond
	w.HoldOpen = true
	w.ExitCode = 137

	sink := &recordingSink{}
	c, _ := newTestController(t, sink, w)
	if err := c.Start(FileSource("a.mp4"), 0.6); err != nil {
		t.Fatalf("Start: %v", err)
	}
	eventually(t, "first frame", func() bool { return sink.hasStatus("Frame 0 ") })

	res := c.Stop()
	if res.State != StateCancelled || res.Err != nil {
		t.Fatalf("Stop result = %+v, want cancelled without error", res)
	}
	if res.Frames >= len(lines) {
		t.Fatalf("all %d frames delivered despite Stop", res.Frames)
	}
	if c.State() != StateIdle {
		t.Fatalf("state = %v", c.State())
	}

	after := sink.callCount()
	time.Sleep(50 * time.Millisecond)
	if n := sink.callCount(); n != after {
		t.Fatalf("sink received %d calls after Stop returned", n-after)
	}

	rows, summary := readLog(t, res.LogPath)
	if len(rows) != res.TotalDetections {
		t.Fatalf("%d rows for %d detections", len(rows), res.TotalDetections)
	}
	if summary[2] != fmt.Sprintf("# total_pecas=%d", res.TotalDetections) {
		t.Fatalf("summary = %q", summary)
	}
}

func TestStopWhenIdle(t *testing.T) {
	sink := &recordingSink{}
	c, _ := newTestController(t, sink)

	res := c.Stop()
	if res.State != StateIdle || res.SessionID != "" {
		t.Fatalf("Stop on idle controller = %+v", res)
	}
	if c.State() != StateIdle || sink.callCount() != 0 {
		t.Fatalf("state %v, %d sink calls", c.State(), sink.callCount())
	}
}

// gatedWorker holds Wait until released, leaving a window after the
// stream has ended in which the session is not yet finished.
type gatedWorker struct {
	*supervisor.Replay
	waiting chan struct{}
	release chan struct{}
}

func (w *gatedWorker) Wait() (int, error) {
	close(w.waiting)
	<-w.release
	return w.Replay.Wait()
}

func TestStopAfterStreamEndKeepsCompletion(t *testing.T) {
	w := &gatedWorker{
		Replay:  supervisor.ReplayLines(scenarioLine0, scenarioLine1),
		waiting: make(chan struct{}),
		release: make(chan struct{}),
	}

	sink := &recordingSink{}
	c, _ := newTestController(t, sink, w)
	if err := c.Start(FileSource("a.mp4"), 0.6); err != nil {
		t.Fatalf("Start: %v", err)
	}

	select {
	case <-w.waiting:
	case <-time.After(5 * time.Second):
		t.Fatal("worker was never reaped")
	}

	stopped := make(chan Result, 1)
	go func() { stopped <- c.Stop() }()
	time.Sleep(50 * time.Millisecond)
	close(w.release)

	var res Result
	select {
	case res = <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return")
	}
	if res.State != StateCompleted || res.Frames != 2 {
		t.Fatalf("Stop result = %+v, want the completed session", res)
	}
	if len(sink.results) != 1 || sink.results[0].State != StateCompleted {
		t.Fatalf("results = %+v", sink.results)
	}
}

func TestStartReplacesActiveSession(t *testing.T) {
	var live, peak atomic.Int32
	a := supervisor.ReplayLines(scenarioLine0)
	a.HoldOpen = true
	b := supervisor.ReplayLines(scenarioLine0, scenarioLine1)

	sink := &recordingSink{}
	c, _ := newTestController(t, sink,
		&countingWorker{Replay: a, live: &live, peak: &peak},
		&countingWorker{Replay: b, live: &live, peak: &peak},
	)

	if err := c.Start(FileSource("a.mp4"), 0.6); err != nil {
		t.Fatalf("Start A: %v", err)
	}
	eventually(t, "session A frame", func() bool { return sink.hasStatus("Frame 0 ") })

	if err := c.Start(FileSource("b.mp4"), 0.6); err != nil {
		t.Fatalf("Start B: %v", err)
	}
	res := waitResult(t, c)

	if res.State != StateCompleted || res.Source != "video:b.mp4" {
		t.Fatalf("B result = %+v", res)
	}
	if p := peak.Load(); p != 1 {
		t.Fatalf("peak live workers = %d, want 1", p)
	}
	if len(sink.results) != 2 || sink.results[0].State != StateCancelled || sink.results[0].Source != "video:a.mp4" {
		t.Fatalf("results = %+v", sink.results)
	}
	if sink.results[0].LogPath == res.LogPath {
		t.Fatalf("both sessions wrote %s", res.LogPath)
	}
	if _, summary := readLog(t, sink.results[0].LogPath); len(summary) == 0 {
		t.Fatal("replaced session has no summary")
	}
}

func TestMalformedLinesAreSkipped(t *testing.T) {
	w := supervisor.ReplayLines(
		scenarioLine0,
		"Loading model...",
		"",
		`{"frame_index":1,"time_seconds":0.03,"detections":[{"track_id":5,"class_id":0,"score":0.7,"x":1,"y":2,"w":3,"h":4,"is_new":true}]}`,
		`{"frame_index":2,"time_seconds":0.06,"detections":[{"track_id"`,
		`{"frame_index":3,"time_seconds":0.1,"detections":[],"image":"%%%"}`,
		`{"frame_index":4,"time_seconds":0.13,"detections":[]}`,
	)
	c, _ := newTestController(t, nil, w)
	if err := c.Start(FileSource("x.mp4"), 0.6); err != nil {
		t.Fatalf("Start: %v", err)
	}
	res := waitResult(t, c)

	if res.Frames != 3 || res.DecodeErrors != 3 {
		t.Fatalf("frames %d decode errors %d, want 3 and 3", res.Frames, res.DecodeErrors)
	}
	if res.State != StateCompleted {
		t.Fatalf("state = %v", res.State)
	}
	if res.TotalDetections != 2 || res.ClassCounts[0] != 1 || res.ClassCounts[2] != 1 {
		t.Fatalf("counts = %v total %d", res.ClassCounts, res.TotalDetections)
	}
}

func TestBackwardsFrameIsDropped(t *testing.T) {
	frame := func(i int) string {
		return fmt.Sprintf(`{"frame_index":%d,"time_seconds":0,"detections":[]}`, i)
	}
	sink := &recordingSink{}
	c, _ := newTestController(t, sink, supervisor.ReplayLines(frame(0), frame(2), frame(1), frame(2), frame(5)))
	if err := c.Start(FileSource("x.mp4"), 0.6); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if res := waitResult(t, c); res.Frames != 4 {
		t.Fatalf("frames = %d, want 4", res.Frames)
	}
	for _, st := range sink.statuses {
		if strings.HasPrefix(st, "Frame 1 ") {
			t.Fatalf("backwards frame delivered: %q", st)
		}
	}
}

func TestDeliveryOrderWithinFrame(t *testing.T) {
	line := `{"frame_index":0,"time_seconds":0,"image":"/9j/2w==","detections":[` +
		`{"track_id":1,"class_id":0,"score":0.9,"x":0,"y":0,"w":1,"h":1,"is_new":true},` +
		`{"track_id":2,"class_id":0,"score":0.8,"x":0,"y":0,"w":1,"h":1,"is_new":false}]}`
	sink := &recordingSink{}
	c, _ := newTestController(t, sink, supervisor.ReplayLines(line))
	if err := c.Start(FileSource("x.mp4"), 0.6); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitResult(t, c)

	// The first status is the "Running" banner from Start.
	got := strings.Join(sink.calls[1:], ",")
	if got != "image,event,status" {
		t.Fatalf("calls = %s, want image,event,status", got)
	}
	if sink.statuses[1] != "Frame 0 (t=0.0s) | T1-C0(0.90)  T2-C0(0.80)" {
		t.Fatalf("status = %q", sink.statuses[1])
	}
	if len(sink.images) != 1 || len(sink.images[0]) != 4 {
		t.Fatalf("images = %v", sink.images)
	}
}

func TestLaunchFailureLeavesNoLog(t *testing.T) {
	w := supervisor.ReplayLines(scenarioLine0)
	w.LaunchErr = os.ErrNotExist

	sink := &recordingSink{}
	c, logsDir := newTestController(t, sink, w)
	err := c.Start(FileSource("x.mp4"), 0.6)

	var le *supervisor.LaunchError
	if !errors.As(err, &le) {
		t.Fatalf("Start err = %v, want *LaunchError", err)
	}
	if c.State() != StateIdle {
		t.Fatalf("state = %v", c.State())
	}
	entries, _ := os.ReadDir(logsDir)
	if len(entries) != 0 {
		t.Fatalf("logs left behind: %v", entries)
	}
	if st := c.Status(); st.Last.State != StateFailed || !errors.Is(st.Last.Err, os.ErrNotExist) {
		t.Fatalf("last result = %+v", st.Last)
	}
	if len(sink.results) != 1 {
		t.Fatalf("results = %+v", sink.results)
	}
}

func TestLogFailureKeepsStreaming(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "not-a-dir")
	if err := os.WriteFile(blocker, nil, 0o644); err != nil {
		t.Fatal(err)
	}

	sink := &recordingSink{}
	c, _ := newTestController(t, sink, supervisor.ReplayLines(scenarioLine0, scenarioLine1))
	c.cfg.LogsDir = blocker

	if err := c.Start(FileSource("x.mp4"), 0.6); err != nil {
		t.Fatalf("Start: %v", err)
	}
	res := waitResult(t, c)

	if res.State != StateCompleted || res.LogErr == nil || res.LogPath != "" {
		t.Fatalf("result = %+v, want completed with a log error", res)
	}
	if res.TotalDetections != 1 || len(sink.events) != 1 {
		t.Fatalf("detections not delivered: total %d events %d", res.TotalDetections, len(sink.events))
	}
	if !sink.hasStatus("Running video:x.mp4 | log disabled") {
		t.Fatalf("statuses = %q", sink.statuses)
	}
}

func TestCountsMatchLog(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	var (
		lines   []string
		newDets int
	)
	for i := 0; i < 60; i++ {
		f := types.Frame{Index: int64(i), TimeSeconds: float64(i) / 30, Detections: []types.Detection{}}
		for j := rng.Intn(4); j > 0; j-- {
			d := types.Detection{TrackID: rng.Intn(50), ClassID: rng.Intn(5), Score: 0.5, W: 1, H: 1, IsNew: rng.Intn(2) == 0}
			if d.IsNew {
				newDets++
			}
			f.Detections = append(f.Detections, d)
		}
		line, err := protocol.Encode(f)
		if err != nil {
			t.Fatal(err)
		}
		lines = append(lines, line)
	}

	c, _ := newTestController(t, nil, supervisor.ReplayLines(lines...))
	if err := c.Start(CameraSource(2), 0.6); err != nil {
		t.Fatalf("Start: %v", err)
	}
	res := waitResult(t, c)

	rows, summary := readLog(t, res.LogPath)
	if len(rows) != newDets || res.TotalDetections != newDets {
		t.Fatalf("rows %d total %d, want %d", len(rows), res.TotalDetections, newDets)
	}

	sum := 0
	for _, l := range summary[3:] {
		var id, n int
		if _, err := fmt.Sscanf(l, "# class_%d=%d", &id, &n); err != nil {
			t.Fatalf("summary line %q: %v", l, err)
		}
		sum += n
	}
	if sum != newDets || summary[2] != fmt.Sprintf("# total_pecas=%d", newDets) {
		t.Fatalf("class sum %d, summary %q, want %d", sum, summary, newDets)
	}
}

func TestStartValidation(t *testing.T) {
	c, _ := newTestController(t, nil)
	if err := c.Start(FileSource(" "), 0.5); !errors.Is(err, ErrInvalidSource) {
		t.Fatalf("empty path err = %v", err)
	}
	if err := c.Start(CameraSource(0), 1.5); !errors.Is(err, ErrInvalidConfidence) {
		t.Fatalf("confidence 1.5 err = %v", err)
	}
	if c.State() != StateIdle {
		t.Fatalf("state = %v", c.State())
	}
}

func TestWaitIdleReturnsLast(t *testing.T) {
	c, _ := newTestController(t, nil, supervisor.ReplayLines(scenarioLine1))
	if res := waitResult(t, c); res.State != StateIdle {
		t.Fatalf("Wait before any session = %+v", res)
	}
	if err := c.Start(FileSource("x.mp4"), 0.6); err != nil {
		t.Fatal(err)
	}
	first := waitResult(t, c)
	if again := waitResult(t, c); again.SessionID != first.SessionID {
		t.Fatalf("Wait when idle returned %s, want %s", again.SessionID, first.SessionID)
	}
}
