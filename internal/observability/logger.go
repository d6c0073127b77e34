// Package observability carries AgentCom's ambient logging, metrics,
// and tracing. The logger is deliberately hand-rolled rather than
// backed by a third-party structured-logging library, mirroring the
// teacher's own pkg/observability/logger.go.
package observability

import (
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
)

// LogLevel orders log severities.
type LogLevel int

const (
	LogLevelDebug LogLevel = iota
	LogLevelInfo
	LogLevelWarn
	LogLevelError
	LogLevelFatal
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
	case LogLevelFatal:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

// Fields is a structured-logging key/value bag.
type Fields map[string]any

// Logger is the interface every component depends on for ambient
// logging. Production code takes a Logger, never *StandardLogger
// directly, so tests can substitute NoopLogger.
type Logger interface {
	Debug(msg string, fields Fields)
	Info(msg string, fields Fields)
	Warn(msg string, fields Fields)
	Error(msg string, fields Fields)
	Fatal(msg string, fields Fields)
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
	With(fields Fields) Logger
}

// StandardLogger writes leveled, field-annotated lines to stderr via
// the standard library logger.
type StandardLogger struct {
	prefix  string
	level   LogLevel
	base    *log.Logger
	fixed   Fields
}

// NewLogger returns a StandardLogger writing to os.Stderr tagged with
// prefix (typically the binary or component name).
func NewLogger(prefix string) *StandardLogger {
	return &StandardLogger{
		prefix: prefix,
		level:  LogLevelDebug,
		base:   log.New(os.Stderr, "", log.LstdFlags|log.Lmicroseconds),
	}
}

// SetLevel adjusts the minimum level that is actually written.
func (l *StandardLogger) SetLevel(lvl LogLevel) { l.level = lvl }

func (l *StandardLogger) With(fields Fields) Logger {
	merged := make(Fields, len(l.fixed)+len(fields))
	for k, v := range l.fixed {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return &StandardLogger{prefix: l.prefix, level: l.level, base: l.base, fixed: merged}
}

func (l *StandardLogger) log(lvl LogLevel, msg string, fields Fields) {
	if lvl < l.level {
		return
	}
	all := make(Fields, len(l.fixed)+len(fields))
	for k, v := range l.fixed {
		all[k] = v
	}
	for k, v := range fields {
		all[k] = v
	}
	l.base.Printf("[%s] %s: %s%s", lvl, l.prefix, msg, formatFields(all))
	if lvl == LogLevelFatal {
		os.Exit(1)
	}
}

func formatFields(f Fields) string {
	if len(f) == 0 {
		return ""
	}
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(" ")
	for i, k := range keys {
		if i > 0 {
			b.WriteString(" ")
		}
		fmt.Fprintf(&b, "%s=%v", k, f[k])
	}
	return b.String()
}

func (l *StandardLogger) Debug(msg string, fields Fields) { l.log(LogLevelDebug, msg, fields) }
func (l *StandardLogger) Info(msg string, fields Fields)  { l.log(LogLevelInfo, msg, fields) }
func (l *StandardLogger) Warn(msg string, fields Fields)  { l.log(LogLevelWarn, msg, fields) }
func (l *StandardLogger) Error(msg string, fields Fields) { l.log(LogLevelError, msg, fields) }
func (l *StandardLogger) Fatal(msg string, fields Fields) { l.log(LogLevelFatal, msg, fields) }

func (l *StandardLogger) Debugf(format string, args ...any) { l.Debug(fmt.Sprintf(format, args...), nil) }
func (l *StandardLogger) Infof(format string, args ...any)  { l.Info(fmt.Sprintf(format, args...), nil) }
func (l *StandardLogger) Warnf(format string, args ...any)  { l.Warn(fmt.Sprintf(format, args...), nil) }
func (l *StandardLogger) Errorf(format string, args ...any) { l.Error(fmt.Sprintf(format, args...), nil) }

// NoopLogger discards everything; used in tests that don't assert on
// log output.
type NoopLogger struct{}

func NewNoopLogger() *NoopLogger { return &NoopLogger{} }

func (NoopLogger) Debug(string, Fields) {}
func (NoopLogger) Info(string, Fields)  {}
func (NoopLogger) Warn(string, Fields)  {}
func (NoopLogger) Error(string, Fields) {}
func (NoopLogger) Fatal(string, Fields) {}
func (NoopLogger) Debugf(string, ...any) {}
func (NoopLogger) Infof(string, ...any)  {}
func (NoopLogger) Warnf(string, ...any)  {}
func (NoopLogger) Errorf(string, ...any) {}
func (n NoopLogger) With(Fields) Logger  { return n }
