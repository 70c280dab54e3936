// Command replay runs a recorded worker stdout capture through the session
// controller, producing the same detection log a live session would.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/EduardoBidese/YoloOnnxForms/internal/logger"
	"github.com/EduardoBidese/YoloOnnxForms/internal/metrics"
	"github.com/EduardoBidese/YoloOnnxForms/internal/session"
	"github.com/EduardoBidese/YoloOnnxForms/internal/supervisor"
)

// consoleSink prints sink output through the logger.
type consoleSink struct {
	images int
}

func (c *consoleSink) ShowImage(img []byte) { c.images++ }

func (c *consoleSink) AddEvent(ev session.Event) {
	logger.Info("Event", "%s", ev.Line)
}

func (c *consoleSink) SetStatus(status string) {
	logger.Debug("Status", "%s", status)
}

func main() {
	var (
		input    = flag.String("input", "", "Recorded protocol stream, one JSON frame per line (required)")
		source   = flag.String("source", "", "Source the recording was made from, used for labels")
		logsDir  = flag.String("logs", "Logs", "Detection log directory")
		interval = flag.Duration("interval", 0, "Delay between lines, e.g. 33ms to pace like a live worker")
		logLevel = flag.String("log-level", "info", "Log level (debug, info, warn, error, silent)")
		logColor = flag.Bool("log-color", true, "Enable colored log output")
	)
	flag.Parse()

	level, err := logger.ParseLevel(*logLevel)
	if err != nil {
		log.Fatalf("Invalid log level: %v", err)
	}
	logger.Init(level, os.Stderr, *logColor)

	if *input == "" {
		flag.Usage()
		os.Exit(2)
	}

	label := *source
	if label == "" {
		label = *input
	}
	src, err := session.ParseSource(label)
	if err != nil {
		log.Fatalf("Invalid source: %v", err)
	}

	f, err := os.Open(*input)
	if err != nil {
		log.Fatalf("Failed to open input: %v", err)
	}
	defer f.Close()

	cfg := session.DefaultConfig()
	cfg.LogsDir = *logsDir

	sink := &consoleSink{}
	workers := func() session.Worker {
		r := supervisor.NewReplay(f)
		r.Interval = *interval
		return r
	}
	ctrl := session.NewController(cfg, sink, workers, metrics.New())

	if err := ctrl.Start(src, session.DefaultConfidence); err != nil {
		log.Fatalf("Failed to start replay: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	res, err := ctrl.Wait(ctx)
	if err != nil {
		logger.Warn("Main", "Interrupted, stopping replay")
		res = ctrl.Stop()
	}

	printSummary(res, sink.images)
	if res.State == session.StateFailed {
		os.Exit(1)
	}
}

func printSummary(res session.Result, images int) {
	fmt.Printf("session:    %s\n", res.SessionID)
	fmt.Printf("source:     %s\n", res.Source)
	fmt.Printf("state:      %s\n", res.State)
	fmt.Printf("log:        %s\n", res.LogPath)
	fmt.Printf("frames:     %d (%d images, %d malformed lines)\n", res.Frames, images, res.DecodeErrors)
	fmt.Printf("detections: %d\n", res.TotalDetections)

	ids := make([]int, 0, len(res.ClassCounts))
	for id := range res.ClassCounts {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		fmt.Printf("  class %d: %d\n", id, res.ClassCounts[id])
	}
	if res.Err != nil {
		fmt.Printf("error:      %v\n", res.Err)
	}
	if res.LogErr != nil {
		fmt.Printf("log error:  %v\n", res.LogErr)
	}
	fmt.Printf("duration:   %s\n", res.EndedAt.Sub(res.StartedAt).Round(time.Millisecond))
}
