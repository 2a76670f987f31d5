package settings

import (
	"sync"
	"time"

	"go.uber.org/zap/zapcore"
)

// LogEntry is one captured hub log line.
type LogEntry struct {
	Time    time.Time `json:"time"`
	Level   string    `json:"level"`
	Message string    `json:"message"`
	Logger  string    `json:"logger,omitempty"`
}

// LogRing is a fixed-size in-memory ring of recent log entries. It
// implements zapcore.Core so it can be registered as a logger sink.
type LogRing struct {
	mu      sync.Mutex
	entries []LogEntry
	next    int
	full    bool
}

// NewLogRing creates a ring holding up to capacity entries.
func NewLogRing(capacity int) *LogRing {
	if capacity <= 0 {
		capacity = 2000
	}
	return &LogRing{entries: make([]LogEntry, capacity)}
}

func (r *LogRing) Enabled(level zapcore.Level) bool { return level >= zapcore.InfoLevel }

func (r *LogRing) With(fields []zapcore.Field) zapcore.Core { return r }

func (r *LogRing) Check(entry zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if r.Enabled(entry.Level) {
		return ce.AddCore(entry, r)
	}
	return ce
}

func (r *LogRing) Write(entry zapcore.Entry, fields []zapcore.Field) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[r.next] = LogEntry{
		Time:    entry.Time,
		Level:   entry.Level.String(),
		Message: entry.Message,
		Logger:  entry.LoggerName,
	}
	r.next++
	if r.next == len(r.entries) {
		r.next = 0
		r.full = true
	}
	return nil
}

func (r *LogRing) Sync() error { return nil }

// Tail returns the most recent n entries, oldest first.
func (r *LogRing) Tail(n int) []LogEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	size := r.next
	if r.full {
		size = len(r.entries)
	}
	if n <= 0 || n > size {
		n = size
	}

	out := make([]LogEntry, 0, n)
	start := r.next - n
	if start < 0 {
		start += len(r.entries)
	}
	for i := 0; i < n; i++ {
		out = append(out, r.entries[(start+i)%len(r.entries)])
	}
	return out
}
