// Package logger provides console logging for plan execution. Output is
// level-filtered and colorized when the destination is a terminal;
// implementations are safe for concurrent use.
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
)

// Log levels, in increasing severity.
const (
	LevelDebug = iota
	LevelInfo
	LevelWarn
	LevelError
)

// ParseLevel maps a level name to its constant. Unknown names map to info.
func ParseLevel(name string) int {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// Console writes level-filtered, optionally colorized log lines.
type Console struct {
	mu     sync.Mutex
	out    io.Writer
	level  int
	color  bool
	prefix string
}

// NewConsole creates a Console writing to stderr at the given level.
// Color is enabled only when stderr is a terminal.
func NewConsole(level int) *Console {
	return &Console{
		out:   os.Stderr,
		level: level,
		color: isatty.IsTerminal(os.Stderr.Fd()),
	}
}

// NewConsoleWriter creates a Console writing to w without color, for
// tests and non-terminal destinations.
func NewConsoleWriter(w io.Writer, level int) *Console {
	return &Console{out: w, level: level}
}

// WithPrefix returns a child logger whose lines carry the component
// prefix. The child shares the parent's writer and level.
func (c *Console) WithPrefix(prefix string) *Console {
	return &Console{
		out:    c.out,
		level:  c.level,
		color:  c.color,
		prefix: prefix,
	}
}

// Debugf logs at debug level.
func (c *Console) Debugf(format string, args ...interface{}) {
	c.logf(LevelDebug, format, args...)
}

// Infof logs at info level.
func (c *Console) Infof(format string, args ...interface{}) {
	c.logf(LevelInfo, format, args...)
}

// Warnf logs at warn level.
func (c *Console) Warnf(format string, args ...interface{}) {
	c.logf(LevelWarn, format, args...)
}

// Errorf logs at error level.
func (c *Console) Errorf(format string, args ...interface{}) {
	c.logf(LevelError, format, args...)
}

var levelPainters = map[int]*color.Color{
	LevelDebug: color.New(color.FgHiBlack),
	LevelInfo:  color.New(color.FgCyan),
	LevelWarn:  color.New(color.FgYellow),
	LevelError: color.New(color.FgRed, color.Bold),
}

var levelNames = map[int]string{
	LevelDebug: "DEBUG",
	LevelInfo:  "INFO",
	LevelWarn:  "WARN",
	LevelError: "ERROR",
}

func (c *Console) logf(level int, format string, args ...interface{}) {
	if c == nil || level < c.level {
		return
	}
	label := levelNames[level]
	if c.color {
		if painter, ok := levelPainters[level]; ok {
			label = painter.Sprint(label)
		}
	}
	message := fmt.Sprintf(format, args...)
	if c.prefix != "" {
		message = c.prefix + ": " + message
	}
	timestamp := time.Now().Format("15:04:05")

	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, "%s %-5s %s\n", timestamp, label, message)
}
