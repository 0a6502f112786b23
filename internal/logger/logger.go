package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/lmittmann/tint"
)

// Logger provides leveled logging for the CLI and the watch servers.
// It wraps slog so command output and server logs share one format.
type Logger struct {
	level slog.Level
	log   *slog.Logger
}

// New creates a logger writing to w at the given level name
// (DEBUG, INFO, WARNING or ERROR; unknown names fall back to INFO).
func New(w io.Writer, level string) *Logger {
	lvl := parseLevel(level)
	handler := tint.NewHandler(w, &tint.Options{
		Level:      lvl,
		TimeFormat: "15:04:05.000",
	})
	return &Logger{
		level: lvl,
		log:   slog.New(handler),
	}
}

// Default returns a logger writing to stderr, honoring LAMBDEV_LOG_LEVEL.
func Default() *Logger {
	level := os.Getenv("LAMBDEV_LOG_LEVEL")
	if level == "" {
		level = "INFO"
	}
	return New(os.Stderr, level)
}

func parseLevel(level string) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "DEBUG", "TRACE":
		return slog.LevelDebug
	case "WARNING", "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Debug logs debug messages (only if debug mode is enabled).
func (l *Logger) Debug(format string, args ...interface{}) {
	l.log.Debug(fmt.Sprintf(format, args...))
}

// Info logs info messages.
func (l *Logger) Info(format string, args ...interface{}) {
	l.log.Info(fmt.Sprintf(format, args...))
}

// Warning logs warning messages.
func (l *Logger) Warning(format string, args ...interface{}) {
	l.log.Warn(fmt.Sprintf(format, args...))
}

// Error logs error messages.
func (l *Logger) Error(format string, args ...interface{}) {
	l.log.Error(fmt.Sprintf(format, args...))
}

// Printf provides standard log.Printf behavior for compatibility.
func (l *Logger) Printf(format string, args ...interface{}) {
	l.Info(format, args...)
}

// IsDebugEnabled returns true if debug logging is enabled.
func (l *Logger) IsDebugEnabled() bool {
	return l.level <= slog.LevelDebug
}

// SetGinMode sets Gin's mode based on the log level.
func (l *Logger) SetGinMode() {
	if l.IsDebugEnabled() {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
}

// LogLevel returns the current log level name.
func (l *Logger) LogLevel() string {
	switch l.level {
	case slog.LevelDebug:
		return "DEBUG"
	case slog.LevelWarn:
		return "WARNING"
	case slog.LevelError:
		return "ERROR"
	default:
		return "INFO"
	}
}
