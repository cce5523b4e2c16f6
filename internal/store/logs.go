package store

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/harrison/foreman/internal/models"
)

// ExecutionLog appends structured lines to an attempt's raw log file and
// mirrors them in memory so the engine can slice per-attempt output by
// offset. Lines are `ISO8601 | phase | type | message`; multiline
// messages are split so every physical line carries the prefix.
type ExecutionLog struct {
	path string

	mu     sync.Mutex
	file   *os.File
	buffer strings.Builder
}

// OpenExecutionLog opens (or creates) the raw log file for one attempt.
func (s *Store) OpenExecutionLog(planID, nodeID string, attempt int) (*ExecutionLog, error) {
	path := s.LogPath(planID, nodeID, attempt)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("store: create log dir: %w", err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("store: open log %s: %w", path, err)
	}
	return &ExecutionLog{path: path, file: file}, nil
}

// Path returns the log file's location.
func (l *ExecutionLog) Path() string {
	return l.path
}

// Append writes one message under the given phase and type. Newlines in
// the message produce one log line each.
func (l *ExecutionLog) Append(phase models.ExecutionPhase, typ, message string) {
	timestamp := time.Now().UTC().Format(time.RFC3339)
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, part := range strings.Split(message, "\n") {
		line := fmt.Sprintf("%s | %s | %s | %s\n", timestamp, phase, typ, part)
		l.buffer.WriteString(line)
		if l.file != nil {
			// Log writes are best-effort; the in-memory mirror stays
			// authoritative if the disk write fails.
			_, _ = l.file.WriteString(line)
		}
	}
}

// Contents returns everything appended so far.
func (l *ExecutionLog) Contents() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.buffer.String()
}

// Len returns the in-memory log length in bytes, used to mark the start
// of an attempt's log slice.
func (l *ExecutionLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.buffer.Len()
}

// Slice returns the log contents from the given byte offset.
func (l *ExecutionLog) Slice(offset int) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	contents := l.buffer.String()
	if offset < 0 || offset > len(contents) {
		return contents
	}
	return contents[offset:]
}

// Close flushes and closes the underlying file.
func (l *ExecutionLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}
