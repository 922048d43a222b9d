package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Level is the minimum severity a Logger writes.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// String returns the tag used in formatted entries.
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return fmt.Sprintf("LEVEL(%d)", int(l))
	}
}

// ParseLevel converts a configuration value such as "info" into a Level.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug, nil
	case "", "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	default:
		return LevelInfo, fmt.Errorf("invalid log level %q (must be debug, info, warn or error)", s)
	}
}

// Logger provides leveled logging for shale components.
//
// When a log directory has been configured all components of one process
// write to <dir>/<run-id>-shale.log; otherwise entries go to stderr.
type Logger struct {
	runID     string
	component string
	file      *os.File
	logger    *log.Logger
	level     Level
	mu        sync.Mutex
	logPath   string
	closeOnce sync.Once
}

var (
	runID     string
	runIDOnce sync.Once

	configMu sync.RWMutex
	logDir   string
	minLevel = LevelInfo
)

func getRunID() string {
	runIDOnce.Do(func() {
		runID = uuid.New().String()
	})
	return runID
}

// Configure sets the directory and minimum level used by loggers created
// afterwards. An empty dir selects stderr.
func Configure(dir string, level Level) error {
	if dir != "" {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return fmt.Errorf("failed to create log directory: %w", err)
		}
	}

	configMu.Lock()
	defer configMu.Unlock()
	logDir = dir
	minLevel = level
	return nil
}

// NewLogger creates a logger for a specific component.
//
// If the log file cannot be opened it returns a stderr logger along with the
// error, so callers can warn and carry on.
func NewLogger(component string) (*Logger, error) {
	configMu.RLock()
	dir, level := logDir, minLevel
	configMu.RUnlock()

	if dir == "" {
		return NewWithWriter(component, os.Stderr, level), nil
	}

	logPath := filepath.Join(dir, fmt.Sprintf("%s-shale.log", getRunID()))

	// Append mode: every component shares the run's file.
	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		err = fmt.Errorf("failed to open log file: %w", err)
		return newFallbackLogger(component, level, err), err
	}

	return &Logger{
		runID:     getRunID(),
		component: component,
		file:      file,
		logger:    log.New(file, "", 0),
		level:     level,
		logPath:   logPath,
	}, nil
}

// NewWithWriter creates a logger writing to w. Tests pass io.Discard or a
// buffer here.
func NewWithWriter(component string, w io.Writer, level Level) *Logger {
	return &Logger{
		runID:     getRunID(),
		component: component,
		logger:    log.New(w, "", 0),
		level:     level,
	}
}

func newFallbackLogger(component string, level Level, err error) *Logger {
	l := NewWithWriter(component, os.Stderr, level)
	l.Warnf("failed to initialize file logging: %v; falling back to stderr", err)
	return l
}

// With returns a logger for a sub-component sharing the same output.
func (l *Logger) With(component string) *Logger {
	return &Logger{
		runID:     l.runID,
		component: l.component + "." + component,
		logger:    l.logger,
		level:     l.level,
		logPath:   l.logPath,
	}
}

func (l *Logger) formatLogEntry(level Level, message string) string {
	timestamp := time.Now().Format("2006-01-02 15:04:05.000")
	return fmt.Sprintf("[%s] [%s] [%s] %s", timestamp, l.component, level, message)
}

func (l *Logger) logf(level Level, format string, v ...interface{}) {
	if level < l.level {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.logger.Println(l.formatLogEntry(level, fmt.Sprintf(format, v...)))
}

// Debugf logs a debug-level message
func (l *Logger) Debugf(format string, v ...interface{}) { l.logf(LevelDebug, format, v...) }

// Infof logs an info-level message
func (l *Logger) Infof(format string, v ...interface{}) { l.logf(LevelInfo, format, v...) }

// Warnf logs a warning-level message
func (l *Logger) Warnf(format string, v ...interface{}) { l.logf(LevelWarn, format, v...) }

// Errorf logs an error-level message
func (l *Logger) Errorf(format string, v ...interface{}) { l.logf(LevelError, format, v...) }

// Printf logs at info level so the logger satisfies printf-style interfaces.
func (l *Logger) Printf(format string, v ...interface{}) { l.logf(LevelInfo, format, v...) }

// Writer returns an io.Writer that writes to this logger's destination.
func (l *Logger) Writer() io.Writer {
	return l.logger.Writer()
}

// StdLogger adapts the logger for APIs that want a *log.Logger, such as
// http.Server.ErrorLog.
func (l *Logger) StdLogger() *log.Logger {
	return log.New(l.Writer(), fmt.Sprintf("[%s] ", l.component), log.LstdFlags)
}

// RunID returns the identifier shared by every logger of this process.
func (l *Logger) RunID() string {
	return l.runID
}

// LogPath returns the path to the log file, or "" for writer loggers.
func (l *Logger) LogPath() string {
	return l.logPath
}

// Close closes the log file. Safe to call multiple times.
func (l *Logger) Close() error {
	var err error
	l.closeOnce.Do(func() {
		if l.file != nil {
			err = l.file.Close()
		}
	})
	return err
}

// GetRunID returns the current process-wide run ID.
func GetRunID() string {
	return getRunID()
}
