package supervisor

import (
	"strings"
	"sync"
	"unicode/utf8"
)

const (
	tailMaxLines = 64
	tailMaxBytes = 16 * 1024
)

// tail keeps the most recent stderr lines within a line and byte budget.
type tail struct {
	mu       sync.Mutex
	lines    []string
	size     int
	maxLines int
	maxBytes int
}

func newTail(maxLines, maxBytes int) *tail {
	return &tail{maxLines: maxLines, maxBytes: maxBytes}
}

func (t *tail) add(line string) {
	if len(line) > t.maxBytes {
		cut := len(line) - t.maxBytes
		for cut < len(line) && !utf8.RuneStart(line[cut]) {
			cut++
		}
		line = line[cut:]
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.lines = append(t.lines, line)
	t.size += len(line)
	for len(t.lines) > t.maxLines || t.size > t.maxBytes {
		t.size -= len(t.lines[0])
		t.lines = t.lines[1:]
	}
}

func (t *tail) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.Join(t.lines, "\n")
}
