package session

import (
	"time"

	"github.com/EduardoBidese/YoloOnnxForms/internal/supervisor"
)

// Config holds worker invocation and logging settings.
type Config struct {
	WorkerPath   string
	WorkerArgs   []string // placed before the generated flags
	WorkDir      string
	ModelPath    string
	SettingsPath string // optional detection settings file for --settings
	LogsDir      string
	FrameBuffer  int           // decoded frames queued ahead of delivery
	GracePeriod  time.Duration // termination wait after a stop request
}

// DefaultConfig returns the default configuration
func DefaultConfig() Config {
	return Config{
		WorkerPath:  "python",
		WorkerArgs:  []string{"-u", "Python/process_video_stream.py"},
		ModelPath:   "Models/best.pt",
		LogsDir:     "Logs",
		FrameBuffer: 4,
		GracePeriod: supervisor.DefaultGracePeriod,
	}
}

// Command builds the worker command line for one session.
func (c Config) Command(src Source, confidence float64) supervisor.Command {
	args := make([]string, 0, len(c.WorkerArgs)+8)
	args = append(args, c.WorkerArgs...)
	args = append(args,
		"--model", c.ModelPath,
		"--video", src.Arg(),
		"--conf", FormatConfidence(confidence),
	)
	if c.SettingsPath != "" {
		args = append(args, "--settings", c.SettingsPath)
	}

	return supervisor.Command{
		Path: c.WorkerPath,
		Args: args,
		Dir:  c.WorkDir,
	}
}
