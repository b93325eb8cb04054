package logger

import (
	"encoding/json"
	"strings"
	"sync"
	"time"
)

// DefaultBufferSize is the number of recent entries kept for /api/v1/logs
const DefaultBufferSize = 5000

// LogEntry represents a single captured log entry
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Component string    `json:"component,omitempty"`
	Host      string    `json:"host,omitempty"`
	Message   string    `json:"message"`
	Error     string    `json:"error,omitempty"`
	Caller    string    `json:"caller,omitempty"`
}

// Query filters LogBuffer.Recent. Zero values disable a filter.
type Query struct {
	Limit     int
	Level     string // minimum level: debug, info, warn, error
	Component string
	Host      string
	Since     time.Time
}

// LogBuffer is a circular buffer that stores recent log entries
type LogBuffer struct {
	mu       sync.RWMutex
	entries  []LogEntry
	size     int
	writePos int
	count    int
}

var (
	globalBuffer *LogBuffer
	bufferOnce   sync.Once
)

// GetBuffer returns the process-wide log buffer
func GetBuffer() *LogBuffer {
	bufferOnce.Do(func() {
		globalBuffer = NewLogBuffer(DefaultBufferSize)
	})
	return globalBuffer
}

// NewLogBuffer creates a new log buffer with specified capacity
func NewLogBuffer(size int) *LogBuffer {
	if size <= 0 {
		size = DefaultBufferSize
	}
	return &LogBuffer{
		entries: make([]LogEntry, size),
		size:    size,
	}
}

// Add adds a log entry to the buffer
func (b *LogBuffer) Add(entry LogEntry) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.entries[b.writePos] = entry
	b.writePos = (b.writePos + 1) % b.size
	if b.count < b.size {
		b.count++
	}
}

// Recent returns matching entries, newest first.
func (b *LogBuffer) Recent(q Query) []LogEntry {
	b.mu.RLock()
	defer b.mu.RUnlock()

	limit := q.Limit
	if limit <= 0 || limit > b.count {
		limit = b.count
	}
	minLevel := levelRank(q.Level)

	result := make([]LogEntry, 0, limit)
	for i := 0; i < b.count && len(result) < limit; i++ {
		entry := b.entries[(b.writePos-1-i+b.size)%b.size]

		if !q.Since.IsZero() && entry.Timestamp.Before(q.Since) {
			continue
		}
		if q.Level != "" && levelRank(entry.Level) < minLevel {
			continue
		}
		if q.Component != "" && entry.Component != q.Component {
			continue
		}
		if q.Host != "" && entry.Host != q.Host {
			continue
		}
		result = append(result, entry)
	}

	return result
}

func levelRank(level string) int {
	switch strings.ToUpper(level) {
	case "TRACE":
		return -1
	case "DEBUG":
		return 0
	case "INFO":
		return 1
	case "WARN", "WARNING":
		return 2
	case "ERROR":
		return 3
	case "FATAL", "PANIC":
		return 4
	default:
		return 1
	}
}

// Count returns the current number of entries in the buffer
func (b *LogBuffer) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.count
}

// LogBufferWriter decodes zerolog JSON lines into a LogBuffer.
type LogBufferWriter struct {
	buffer *LogBuffer
}

// NewLogBufferWriter creates a writer that captures logs to buffer
func NewLogBufferWriter(buffer *LogBuffer) *LogBufferWriter {
	return &LogBufferWriter{buffer: buffer}
}

// Write implements io.Writer. Lines that are not JSON objects are dropped.
func (w *LogBufferWriter) Write(p []byte) (int, error) {
	if entry, ok := parseLogLine(p); ok {
		w.buffer.Add(entry)
	}
	return len(p), nil
}

type rawEntry struct {
	Level     string `json:"level"`
	Time      string `json:"time"`
	Component string `json:"component"`
	Host      string `json:"host"`
	Message   string `json:"message"`
	Error     string `json:"error"`
	Caller    string `json:"caller"`
}

func parseLogLine(line []byte) (LogEntry, bool) {
	var raw rawEntry
	if err := json.Unmarshal(line, &raw); err != nil {
		return LogEntry{}, false
	}
	if raw.Level == "" && raw.Message == "" {
		return LogEntry{}, false
	}

	entry := LogEntry{
		Timestamp: time.Now(),
		Level:     strings.ToUpper(raw.Level),
		Component: raw.Component,
		Host:      raw.Host,
		Message:   raw.Message,
		Error:     raw.Error,
		Caller:    raw.Caller,
	}
	if t, err := time.Parse(time.RFC3339, raw.Time); err == nil {
		entry.Timestamp = t
	}
	return entry, true
}
