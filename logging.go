// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package vnc

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"strings"
)

// Field is a structured logging key-value pair.
type Field struct {
	Key   string
	Value interface{}
}

// Logger is the structured logger used by the endpoints and the bridge.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)

	// With returns a logger that prepends fields to every message.
	With(fields ...Field) Logger
}

// NoOpLogger discards all log messages.
type NoOpLogger struct{}

func (l *NoOpLogger) Debug(msg string, fields ...Field) {}
func (l *NoOpLogger) Info(msg string, fields ...Field)  {}
func (l *NoOpLogger) Warn(msg string, fields ...Field)  {}
func (l *NoOpLogger) Error(msg string, fields ...Field) {}

// With returns the receiver; there is nothing to annotate.
func (l *NoOpLogger) With(fields ...Field) Logger {
	return l
}

// StandardLogger writes "LEVEL msg key=value" lines through the standard
// library log package.
type StandardLogger struct {
	// Logger is the underlying standard library logger. Defaults to stderr.
	Logger *log.Logger

	// MinLevel suppresses messages below this level. Nil logs everything.
	MinLevel slog.Leveler

	contextFields []Field
}

func (l *StandardLogger) ensureLogger() *log.Logger {
	if l.Logger == nil {
		l.Logger = log.New(os.Stderr, "VNC: ", log.LstdFlags|log.Lmicroseconds)
	}
	return l.Logger
}

func (l *StandardLogger) output(level slog.Level, tag, msg string, fields []Field) {
	if l.MinLevel != nil && level < l.MinLevel.Level() {
		return
	}

	var b strings.Builder
	b.WriteString(tag)
	b.WriteByte(' ')
	b.WriteString(msg)
	for _, field := range l.contextFields {
		b.WriteString(" " + field.Key + "=" + formatFieldValue(field.Value))
	}
	for _, field := range fields {
		b.WriteString(" " + field.Key + "=" + formatFieldValue(field.Value))
	}
	l.ensureLogger().Print(b.String())
}

// formatFieldValue quotes strings containing whitespace and all errors.
func formatFieldValue(value interface{}) string {
	switch v := value.(type) {
	case string:
		if strings.ContainsAny(v, " \t\r\n") {
			return `"` + v + `"`
		}
		return v
	case error:
		return `"` + v.Error() + `"`
	default:
		return fmt.Sprintf("%v", v)
	}
}

func (l *StandardLogger) Debug(msg string, fields ...Field) {
	l.output(slog.LevelDebug, "[DEBUG]", msg, fields)
}

func (l *StandardLogger) Info(msg string, fields ...Field) {
	l.output(slog.LevelInfo, "[INFO]", msg, fields)
}

func (l *StandardLogger) Warn(msg string, fields ...Field) {
	l.output(slog.LevelWarn, "[WARN]", msg, fields)
}

func (l *StandardLogger) Error(msg string, fields ...Field) {
	l.output(slog.LevelError, "[ERROR]", msg, fields)
}

// With returns a StandardLogger sharing the same output with extra context fields.
func (l *StandardLogger) With(fields ...Field) Logger {
	merged := make([]Field, 0, len(l.contextFields)+len(fields))
	merged = append(merged, l.contextFields...)
	merged = append(merged, fields...)

	return &StandardLogger{
		Logger:        l.ensureLogger(),
		MinLevel:      l.MinLevel,
		contextFields: merged,
	}
}

// SlogLogger adapts a *slog.Logger to the Logger interface.
type SlogLogger struct {
	L *slog.Logger
}

// NewSlogLogger wraps l. A nil l uses slog.Default().
func NewSlogLogger(l *slog.Logger) *SlogLogger {
	if l == nil {
		l = slog.Default()
	}
	return &SlogLogger{L: l}
}

func (s *SlogLogger) log(level slog.Level, msg string, fields []Field) {
	if !s.L.Enabled(context.Background(), level) {
		return
	}
	attrs := make([]slog.Attr, 0, len(fields))
	for _, f := range fields {
		attrs = append(attrs, slog.Any(f.Key, f.Value))
	}
	s.L.LogAttrs(context.Background(), level, msg, attrs...)
}

func (s *SlogLogger) Debug(msg string, fields ...Field) { s.log(slog.LevelDebug, msg, fields) }
func (s *SlogLogger) Info(msg string, fields ...Field)  { s.log(slog.LevelInfo, msg, fields) }
func (s *SlogLogger) Warn(msg string, fields ...Field)  { s.log(slog.LevelWarn, msg, fields) }
func (s *SlogLogger) Error(msg string, fields ...Field) { s.log(slog.LevelError, msg, fields) }

// With returns a SlogLogger whose records carry fields.
func (s *SlogLogger) With(fields ...Field) Logger {
	args := make([]any, 0, len(fields)*2)
	for _, f := range fields {
		args = append(args, f.Key, f.Value)
	}
	return &SlogLogger{L: s.L.With(args...)}
}

// ParseLevel maps "debug", "info", "warn" and "error" to slog levels.
// Unknown names map to info.
func ParseLevel(name string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
