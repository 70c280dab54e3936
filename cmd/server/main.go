package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	_ "net/http/pprof" // Enable pprof
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/EduardoBidese/YoloOnnxForms/internal/logger"
	"github.com/EduardoBidese/YoloOnnxForms/internal/metrics"
	"github.com/EduardoBidese/YoloOnnxForms/internal/session"
	"github.com/EduardoBidese/YoloOnnxForms/internal/webmonitor"
)

var (
	// Command-line flags
	httpAddr    = flag.String("http", ":8080", "Web monitor address")
	metricsAddr = flag.String("metrics", ":9090", "Metrics server address")
	pprofAddr   = flag.String("pprof", "", "pprof server address (empty disables)")
	workerPath  = flag.String("worker", "python", "Worker executable")
	workerArgs  = flag.String("worker-args", "-u Python/process_video_stream.py", "Arguments placed before the generated worker flags")
	workDir     = flag.String("workdir", "", "Worker working directory")
	modelPath   = flag.String("model", "Models/best.pt", "Model file passed to the worker")
	settings    = flag.String("settings", "", "Detection settings file passed to the worker")
	logsDir     = flag.String("logs", "Logs", "Detection log directory")
	source      = flag.String("source", "", "Start a session on this video path or camera index at launch")
	confidence  = flag.String("conf", "0.60", "Confidence threshold for -source")
	grace       = flag.Duration("grace", 2*time.Second, "Wait before killing a worker that ignores termination")
	logLevel    = flag.String("log-level", "info", "Log level (debug, info, warn, error, silent)")
	logColor    = flag.Bool("log-color", true, "Enable colored log output")
)

// Server wires the session controller to the web monitor.
type Server struct {
	metrics    *metrics.Metrics
	monitor    *webmonitor.Monitor
	controller *session.Controller
	httpServer *http.Server
}

func main() {
	flag.Parse()

	// Initialize logger
	level, err := logger.ParseLevel(*logLevel)
	if err != nil {
		log.Fatalf("Invalid log level: %v", err)
	}
	logger.Init(level, os.Stderr, *logColor)

	logger.Info("Main", "Detection monitor starting...")
	logger.Info("Main", "Log level: %s", level)

	srv, err := NewServer()
	if err != nil {
		log.Fatalf("Failed to create server: %v", err)
	}

	srv.Start()

	if *source != "" {
		if err := srv.startSource(*source, *confidence); err != nil {
			logger.Error("Main", "Initial session failed: %v", err)
		}
	}

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("Main", "Shutting down...")

	if err := srv.Shutdown(); err != nil {
		logger.Error("Main", "Error during shutdown: %v", err)
	}

	logger.Info("Main", "Server stopped")
}

// NewServer creates the controller, monitor and HTTP server from flags.
func NewServer() (*Server, error) {
	m := metrics.New()

	cfg := session.DefaultConfig()
	cfg.WorkerPath = *workerPath
	cfg.WorkerArgs = strings.Fields(*workerArgs)
	cfg.WorkDir = *workDir
	cfg.ModelPath = *modelPath
	cfg.SettingsPath = *settings
	cfg.LogsDir = *logsDir
	cfg.GracePeriod = *grace

	monCfg := webmonitor.DefaultConfig()
	monCfg.Addr = *httpAddr

	monitor := webmonitor.NewMonitor(monCfg, m)
	controller := session.NewController(cfg, monitor, session.ProcessWorkers(cfg.GracePeriod), m)

	web, err := webmonitor.NewServer(monCfg, monitor, controller)
	if err != nil {
		return nil, err
	}

	httpServer := &http.Server{
		Addr:    monCfg.Addr,
		Handler: web.Handler(),
	}
	httpServer.RegisterOnShutdown(monitor.Stop)

	return &Server{
		metrics:    m,
		monitor:    monitor,
		controller: controller,
		httpServer: httpServer,
	}, nil
}

// Start starts the HTTP servers and the monitor.
func (s *Server) Start() {
	logger.Info("Main", "Starting detection monitor...")
	logger.Info("Main", "  Web monitor: %s", *httpAddr)
	logger.Info("Main", "  Metrics server: %s", *metricsAddr)
	logger.Info("Main", "  Worker: %s %s", *workerPath, *workerArgs)
	logger.Info("Main", "  Logs: %s", *logsDir)

	s.monitor.Start()

	if *pprofAddr != "" {
		go func() {
			logger.Info("Main", "Starting pprof server on %s", *pprofAddr)
			if err := http.ListenAndServe(*pprofAddr, nil); err != nil {
				logger.Warn("Main", "pprof server error: %v", err)
			}
		}()
	}

	go func() {
		logger.Info("Main", "Starting metrics server on %s", *metricsAddr)
		if err := s.metrics.StartServer(*metricsAddr); err != nil {
			logger.Warn("Main", "Metrics server error: %v", err)
		}
	}()

	go func() {
		logger.Info("Main", "Starting HTTP server on %s", *httpAddr)
		if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("Main", "HTTP server error: %v", err)
		}
	}()
}

func (s *Server) startSource(text, conf string) error {
	src, err := session.ParseSource(text)
	if err != nil {
		return err
	}
	return s.controller.Start(src, session.ParseConfidence(conf))
}

// Shutdown stops the active session before the HTTP server goes away.
func (s *Server) Shutdown() error {
	if res := s.controller.Stop(); res.State != session.StateIdle {
		logger.Info("Main", "Session %s ended (%s, %d detections)", res.SessionID, res.State, res.TotalDetections)
	}

	// Long-lived streams never finish on their own; Stop closes them.
	s.monitor.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}
