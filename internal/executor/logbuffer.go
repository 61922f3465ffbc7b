package executor

import (
	"fmt"
	"strings"
	"sync"
)

// logBuffer keeps the first limit bytes of combined process output and counts
// the rest.
type logBuffer struct {
	mu      sync.Mutex
	buf     []byte
	limit   int
	dropped int64
}

func newLogBuffer(limit int) *logBuffer {
	return &logBuffer{limit: limit, buf: make([]byte, 0, min(limit, 64*1024))}
}

func (b *logBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	room := b.limit - len(b.buf)
	if room > len(p) {
		room = len(p)
	}
	if room > 0 {
		b.buf = append(b.buf, p[:room]...)
	}
	b.dropped += int64(len(p) - max(room, 0))
	return len(p), nil
}

// Truncated reports whether output was dropped.
func (b *logBuffer) Truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped > 0
}

// String returns the kept output as valid UTF-8, with a marker when truncated.
func (b *logBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := strings.ToValidUTF8(string(b.buf), "�")
	if b.dropped > 0 {
		s += fmt.Sprintf("\n[docfleet: log truncated, %d bytes omitted]\n", b.dropped)
	}
	return s
}

// appendLine adds an orchestrator note that bypasses the limit.
func (b *logBuffer) appendLine(format string, args ...any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, fmt.Sprintf("\n[docfleet: "+format+"]\n", args...)...)
}
