package webmonitor

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/EduardoBidese/YoloOnnxForms/internal/metrics"
	"github.com/EduardoBidese/YoloOnnxForms/internal/preview"
	"github.com/EduardoBidese/YoloOnnxForms/internal/session"
	"github.com/EduardoBidese/YoloOnnxForms/pkg/types"
)

func eventually(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out: %s", msg)
}

func testJPEG(t *testing.T, caption string) []byte {
	t.Helper()
	data, err := preview.Placeholder(160, 120, caption)
	if err != nil {
		t.Fatalf("Placeholder: %v", err)
	}
	return data
}

func TestMonitorCoalescesPendingImages(t *testing.T) {
	mon := NewMonitor(DefaultConfig(), metrics.New())
	defer mon.Stop()

	first, second, third := testJPEG(t, "1"), testJPEG(t, "2"), testJPEG(t, "3")
	mon.ShowImage(first)
	mon.ShowImage(second)
	mon.ShowImage(third)

	stats, _, _ := mon.Snapshot()
	if stats.ImagesReplaced != 2 {
		t.Fatalf("ImagesReplaced = %d, want 2", stats.ImagesReplaced)
	}

	mon.Start()
	eventually(t, 2*time.Second, func() bool { return mon.LatestImage() != nil }, "image shown")

	if !bytes.Equal(mon.LatestImage(), third) {
		t.Fatal("latest image is not the newest one posted")
	}
	stats, _, _ = mon.Snapshot()
	if stats.ImagesShown != 1 || !stats.HasImage {
		t.Fatalf("stats = %+v, want one image shown", stats)
	}
}

func TestMonitorRejectsUndecodableImage(t *testing.T) {
	mon := NewMonitor(DefaultConfig(), nil)
	mon.Start()
	defer mon.Stop()

	mon.ShowImage([]byte("not an image"))
	eventually(t, 2*time.Second, func() bool {
		stats, _, _ := mon.Snapshot()
		return stats.ImagesRejected == 1
	}, "image rejected")

	if mon.LatestImage() != nil {
		t.Fatal("rejected image must not replace the preview")
	}
}

func TestMonitorHistoryNewestFirst(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HistorySize = 2
	mon := NewMonitor(cfg, nil)
	defer mon.Stop()

	for i := 1; i <= 3; i++ {
		mon.AddEvent(session.Event{
			SessionID:  "s",
			FrameIndex: int64(i),
			Detection:  types.Detection{TrackID: i, IsNew: true},
		})
	}

	stats, history, _ := mon.Snapshot()
	if stats.EventsTotal != 3 {
		t.Fatalf("EventsTotal = %d, want 3", stats.EventsTotal)
	}
	if len(history) != 2 || history[0].FrameIndex != 3 || history[1].FrameIndex != 2 {
		t.Fatalf("history = %+v, want frames 3 then 2", history)
	}
}

func TestMonitorEventFanout(t *testing.T) {
	mon := NewMonitor(DefaultConfig(), nil)
	defer mon.Stop()

	_, ch := mon.SubscribeEvents()
	mon.AddEvent(session.Event{SessionID: "s", FrameIndex: 4, Line: "line"})

	select {
	case ev := <-ch:
		if !bytes.Contains(ev.JSONData, []byte(`"frame_index":4`)) {
			t.Fatalf("json = %s", ev.JSONData)
		}
		if ev.ProtobufData == "" {
			t.Fatal("protobuf payload missing")
		}
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}
}

func TestMonitorSessionEnded(t *testing.T) {
	mon := NewMonitor(DefaultConfig(), nil)
	defer mon.Stop()

	mon.SetStatus("Frame 2 (t=0.1s) | no detections")
	mon.SessionEnded(session.Result{
		SessionID:   "s",
		Source:      "video:a.mp4",
		State:       session.StateFailed,
		ExitCode:    2,
		Err:         errors.New("worker exited with code 2: boom"),
		ClassCounts: map[int]int{1: 3},
	})

	stats, _, last := mon.Snapshot()
	if stats.Status != "Frame 2 (t=0.1s) | no detections" {
		t.Fatalf("status = %q", stats.Status)
	}
	if stats.Notice != "Session video:a.mp4 failed: worker exited with code 2: boom" {
		t.Fatalf("notice = %q", stats.Notice)
	}
	if last == nil || last.State != "failed" || last.ClassCounts["1"] != 3 {
		t.Fatalf("last = %+v", last)
	}

	mon.SessionEnded(session.Result{SessionID: "t", State: session.StateCompleted})
	stats, _, _ = mon.Snapshot()
	if stats.Notice != "" {
		t.Fatalf("notice after success = %q, want cleared", stats.Notice)
	}
}

func TestMonitorStopDisconnectsClients(t *testing.T) {
	m := metrics.New()
	mon := NewMonitor(DefaultConfig(), m)
	mon.Start()

	_, frames := mon.Subscribe()
	_, events := mon.SubscribeEvents()
	if m.StreamClients.Load() != 1 || m.EventClients.Load() != 1 {
		t.Fatalf("gauges = %d/%d, want 1/1", m.StreamClients.Load(), m.EventClients.Load())
	}

	mon.Stop()
	mon.Stop()

	if _, ok := <-frames; ok {
		t.Fatal("frame channel open after Stop")
	}
	if _, ok := <-events; ok {
		t.Fatal("event channel open after Stop")
	}
	if m.StreamClients.Load() != 0 || m.EventClients.Load() != 0 {
		t.Fatal("gauges not reset after Stop")
	}
}
