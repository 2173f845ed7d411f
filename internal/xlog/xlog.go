// Package xlog is the small leveled logger this daemon borrows from the
// hvisor-tool C implementation's log.h (log_trace/log_debug/log_info/
// log_warn/log_error), instead of a single undifferentiated log.Printf
// stream.
package xlog

import (
	"fmt"
	"io"
	"log"
	"os"
	"sync"
)

type Level int

const (
	LevelTrace Level = iota
	LevelDebug
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelTrace:
		return "TRACE"
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "?"
	}
}

// Logger is a minimal leveled wrapper around log.Logger. Build one with New;
// the zero value has no underlying log.Logger and cannot log. The default
// logger logs at LevelWarn to os.Stderr.
type Logger struct {
	mu  sync.Mutex
	min Level
	l   *log.Logger
}

var std = New(LevelWarn, os.Stderr)

// Default returns the process-wide logger, matching the teacher's pattern of
// a single package-level logging entry point.
func Default() *Logger { return std }

// SetLevel adjusts the minimum level logged by the default logger.
func SetLevel(lvl Level) { std.SetLevel(lvl) }

// AddFile mirrors log_add_fp(log_file, LOG_WARN): tee output to an
// additional sink (typically a log.txt file). The sink has no level of its
// own: both writers share the default logger's single minimum level, which
// AddFile lowers to lvl if lvl is below it (for stderr as well) and leaves
// unchanged otherwise.
func AddFile(w io.Writer, lvl Level) {
	std.mu.Lock()
	defer std.mu.Unlock()

	mw := io.MultiWriter(std.l.Writer(), w)
	std.l.SetOutput(mw)

	if lvl < std.min {
		std.min = lvl
	}
}

func New(min Level, w io.Writer) *Logger {
	return &Logger{min: min, l: log.New(w, "", log.LstdFlags)}
}

func (lg *Logger) SetLevel(lvl Level) {
	lg.mu.Lock()
	defer lg.mu.Unlock()
	lg.min = lvl
}

func (lg *Logger) logf(lvl Level, format string, args ...interface{}) {
	lg.mu.Lock()
	defer lg.mu.Unlock()

	if lvl < lg.min {
		return
	}

	lg.l.Output(3, fmt.Sprintf("[%s] %s", lvl, fmt.Sprintf(format, args...))) //nolint:errcheck
}

func (lg *Logger) Trace(format string, args ...interface{}) { lg.logf(LevelTrace, format, args...) }
func (lg *Logger) Debug(format string, args ...interface{}) { lg.logf(LevelDebug, format, args...) }
func (lg *Logger) Info(format string, args ...interface{})  { lg.logf(LevelInfo, format, args...) }
func (lg *Logger) Warn(format string, args ...interface{})  { lg.logf(LevelWarn, format, args...) }
func (lg *Logger) Error(format string, args ...interface{}) { lg.logf(LevelError, format, args...) }

// ParseLevel maps the config package's --log-level enum values onto a
// Level, defaulting to LevelInfo for anything unrecognized.
func ParseLevel(s string) Level {
	switch s {
	case "trace":
		return LevelTrace
	case "debug":
		return LevelDebug
	case "info":
		return LevelInfo
	case "warn":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

func Trace(format string, args ...interface{}) { std.Trace(format, args...) }
func Debug(format string, args ...interface{}) { std.Debug(format, args...) }
func Info(format string, args ...interface{})  { std.Info(format, args...) }
func Warn(format string, args ...interface{})  { std.Warn(format, args...) }
func Error(format string, args ...interface{}) { std.Error(format, args...) }
