package recorder

import (
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/EduardoBidese/YoloOnnxForms/pkg/types"
)

const (
	// Header names every field of a data row, in row order.
	Header = "datetime;source;frame_index;time_seconds;track_id;class_id;score;x;y;w;h;is_new"

	// TimeLayout renders the wall-clock datetime column.
	TimeLayout = "2006-01-02 15:04:05.000"

	// SummaryMarker opens the trailing summary block. Every summary line
	// starts with '#' so readers can tell it apart from data rows.
	SummaryMarker = "# ---- RESUMO ----"
)

// ErrClosed is returned by writes after Close.
var ErrClosed = errors.New("recorder: closed")

// WriteError reports a failed write. The recorder stops writing after the
// first one; later calls return the same error.
type WriteError struct {
	Path string
	Err  error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("detection log %s: %v", e.Path, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// Record is one detection event row.
type Record struct {
	Time        time.Time
	Source      string
	FrameIndex  int64
	TimeSeconds float64
	Detection   types.Detection
}

// Recorder writes one session's detection log. All writes are serialized.
type Recorder struct {
	mu       sync.Mutex
	file     *os.File
	w        *csv.Writer
	path     string
	rows     uint64
	openedAt time.Time
	err      error
}

// Open creates the log at path, replacing any existing file, and writes
// the header row. Missing parent directories are created.
func Open(path string) (*Recorder, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create file: %w", err)
	}

	if _, err := file.WriteString(Header + "\n"); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to write header: %w", err)
	}

	w := csv.NewWriter(file)
	w.Comma = ';'

	return &Recorder{
		file:     file,
		w:        w,
		path:     path,
		openedAt: time.Now(),
	}, nil
}

// NextPath returns log_YYYYMMDD_HHMMSS.csv under dir, adding a numeric
// suffix when a log for the same second already exists.
func NextPath(dir string, t time.Time) string {
	base := "log_" + t.Format("20060102_150405")
	path := filepath.Join(dir, base+".csv")
	for i := 2; fileExists(path); i++ {
		path = filepath.Join(dir, fmt.Sprintf("%s_%d.csv", base, i))
	}
	return path
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Append writes one data row.
func (r *Recorder) Append(rec Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.writable(); err != nil {
		return err
	}

	d := rec.Detection
	row := []string{
		rec.Time.Format(TimeLayout),
		rec.Source,
		strconv.FormatInt(rec.FrameIndex, 10),
		formatFloat(rec.TimeSeconds),
		strconv.Itoa(d.TrackID),
		strconv.Itoa(d.ClassID),
		formatFloat(d.Score),
		formatFloat(d.X),
		formatFloat(d.Y),
		formatFloat(d.W),
		formatFloat(d.H),
		formatBool(d.IsNew),
	}

	if err := r.w.Write(row); err != nil {
		return r.fail(err)
	}
	r.w.Flush()
	if err := r.w.Error(); err != nil {
		return r.fail(err)
	}

	r.rows++
	return nil
}

// WriteSummary appends the summary block: the source label, the total
// and one line per class in ascending class id order, then a blank line.
func (r *Recorder) WriteSummary(source string, total int, counts map[int]int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.writable(); err != nil {
		return err
	}

	ids := make([]int, 0, len(counts))
	for id := range counts {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	buf := make([]byte, 0, 128)
	buf = append(buf, SummaryMarker+"\n"...)
	buf = append(buf, "# source="+source+"\n"...)
	buf = append(buf, "# total_pecas="+strconv.Itoa(total)+"\n"...)
	for _, id := range ids {
		buf = append(buf, fmt.Sprintf("# class_%d=%d\n", id, counts[id])...)
	}
	buf = append(buf, '\n')

	if _, err := r.file.Write(buf); err != nil {
		return r.fail(err)
	}
	return nil
}

// Close syncs and closes the file. It is safe to call more than once.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closeLocked()
}

// Discard closes the log and removes it from disk.
func (r *Recorder) Discard() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closeLocked()
	if err := os.Remove(r.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove log: %w", err)
	}
	return nil
}

// Path returns the destination file path.
func (r *Recorder) Path() string {
	return r.path
}

// GetStatus returns the current log status
func (r *Recorder) GetStatus() Status {
	r.mu.Lock()
	defer r.mu.Unlock()

	status := Status{
		Path:     r.path,
		Open:     r.file != nil,
		Rows:     r.rows,
		OpenedAt: r.openedAt,
	}
	if r.err != nil {
		status.Error = r.err.Error()
	}
	return status
}

func (r *Recorder) writable() error {
	if r.err != nil {
		return r.err
	}
	if r.file == nil {
		return ErrClosed
	}
	return nil
}

// fail records the first write error and closes the file.
func (r *Recorder) fail(err error) error {
	r.err = &WriteError{Path: r.path, Err: err}
	r.closeLocked()
	return r.err
}

func (r *Recorder) closeLocked() error {
	if r.file == nil {
		return nil
	}
	file := r.file
	r.file = nil

	if err := file.Sync(); err != nil {
		file.Close()
		return fmt.Errorf("failed to sync file: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("failed to close file: %w", err)
	}
	return nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func formatBool(v bool) string {
	if v {
		return "1"
	}
	return "0"
}

// Status holds the current log status
type Status struct {
	Path     string    `json:"path"`
	Open     bool      `json:"open"`
	Rows     uint64    `json:"rows"`
	OpenedAt time.Time `json:"opened_at"`
	Error    string    `json:"error,omitempty"`
}
