package rtrelay

import (
	"context"
	"io"
	"log"
	"log/slog"
	"os"
	"sort"
	"strings"
)

// LogLevel represents the severity level of a log message
type LogLevel int

const (
	// LogLevelDebug logs everything including per-chunk detail
	LogLevelDebug LogLevel = iota
	// LogLevelInfo logs informational messages and above
	LogLevelInfo
	// LogLevelWarn logs warnings and above
	LogLevelWarn
	// LogLevelError logs only errors
	LogLevelError
	// LogLevelOff disables all logging
	LogLevelOff
)

func (l LogLevel) String() string {
	switch l {
	case LogLevelDebug:
		return "DEBUG"
	case LogLevelInfo:
		return "INFO"
	case LogLevelWarn:
		return "WARN"
	case LogLevelError:
		return "ERROR"
	case LogLevelOff:
		return "OFF"
	default:
		return "UNKNOWN"
	}
}

func (l LogLevel) slogLevel() slog.Level {
	switch l {
	case LogLevelDebug:
		return slog.LevelDebug
	case LogLevelWarn:
		return slog.LevelWarn
	case LogLevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ParseLogLevel converts a string to LogLevel. Unknown values map to Info.
func ParseLogLevel(level string) LogLevel {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "DEBUG":
		return LogLevelDebug
	case "INFO":
		return LogLevelInfo
	case "WARN", "WARNING":
		return LogLevelWarn
	case "ERROR":
		return LogLevelError
	case "OFF":
		return LogLevelOff
	default:
		return LogLevelInfo
	}
}

// Logger is a leveled event logger on top of log/slog. Every record is an
// event name plus a field map. A nil *Logger discards everything, so
// components can hold one unconditionally.
type Logger struct {
	level  LogLevel
	slog   *slog.Logger
	fields map[string]any
}

// NewHandler returns a slog handler writing to w. format is "json" or "text".
func NewHandler(format string, w io.Writer) slog.Handler {
	opts := &slog.HandlerOptions{Level: slog.LevelDebug}
	if strings.EqualFold(format, "json") {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// NewLogger creates a text logger on stderr.
func NewLogger(level LogLevel) *Logger {
	return NewLoggerWithHandler(level, NewHandler("text", os.Stderr))
}

// NewLoggerWithHandler creates a logger that writes through h.
func NewLoggerWithHandler(level LogLevel, h slog.Handler) *Logger {
	return &Logger{
		level: level,
		slog:  slog.New(h).With("component", "rtrelay"),
	}
}

// NewLoggerFromEnv creates a logger configured by RTRELAY_LOG_LEVEL and
// RTRELAY_LOG_FORMAT.
func NewLoggerFromEnv() *Logger {
	return NewLoggerWithHandler(
		ParseLogLevel(os.Getenv("RTRELAY_LOG_LEVEL")),
		NewHandler(os.Getenv("RTRELAY_LOG_FORMAT"), os.Stderr),
	)
}

// Level returns the minimum level that is written.
func (l *Logger) Level() LogLevel {
	if l == nil {
		return LogLevelOff
	}
	return l.level
}

// With returns a logger that adds fields to every record.
func (l *Logger) With(fields map[string]any) *Logger {
	if l == nil {
		return nil
	}
	return &Logger{
		level:  l.level,
		slog:   l.slog,
		fields: l.merge(fields),
	}
}

// StdLogger adapts the logger for APIs that want a *log.Logger, such as
// http.Server.ErrorLog.
func (l *Logger) StdLogger() *log.Logger {
	if l == nil {
		return log.New(io.Discard, "", 0)
	}
	return slog.NewLogLogger(l.slog.Handler(), slog.LevelError)
}

func (l *Logger) Debug(event string, fields map[string]any) { l.log(LogLevelDebug, event, fields) }
func (l *Logger) Info(event string, fields map[string]any)  { l.log(LogLevelInfo, event, fields) }
func (l *Logger) Warn(event string, fields map[string]any)  { l.log(LogLevelWarn, event, fields) }
func (l *Logger) Error(event string, fields map[string]any) { l.log(LogLevelError, event, fields) }

func (l *Logger) log(level LogLevel, event string, fields map[string]any) {
	if l == nil || l.level == LogLevelOff || level < l.level {
		return
	}
	merged := l.merge(fields)
	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	attrs := make([]slog.Attr, 0, len(keys))
	for _, k := range keys {
		v := merged[k]
		if err, ok := v.(error); ok {
			v = err.Error()
		}
		attrs = append(attrs, slog.Any(k, v))
	}
	l.slog.LogAttrs(context.Background(), level.slogLevel(), event, attrs...)
}

func (l *Logger) merge(fields map[string]any) map[string]any {
	merged := make(map[string]any, len(l.fields)+len(fields))
	for k, v := range l.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return merged
}
