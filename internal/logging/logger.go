package logging

import (
	"fmt"
	"log/slog"
	"reflect"
)

// Logger defines a minimal, printf-style logging contract.
//
// Components depend on this interface rather than a concrete backend so they
// can be exercised in tests without log output.
type Logger interface {
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// Nop returns a logger that discards all output.
func Nop() Logger {
	return nopLogger{}
}

// IsNil reports whether logger is nil or wraps a nil pointer receiver.
func IsNil(logger Logger) bool {
	if logger == nil {
		return true
	}
	val := reflect.ValueOf(logger)
	switch val.Kind() {
	case reflect.Ptr, reflect.Interface, reflect.Slice, reflect.Map, reflect.Func:
		return val.IsNil()
	default:
		return false
	}
}

// OrNop returns logger when non-nil, otherwise a no-op logger.
func OrNop(logger Logger) Logger {
	if IsNil(logger) {
		return Nop()
	}
	return logger
}

type slogLogger struct {
	inner *slog.Logger
}

func (l *slogLogger) Debug(format string, args ...any) {
	l.inner.Debug(fmt.Sprintf(format, args...))
}

func (l *slogLogger) Info(format string, args ...any) {
	l.inner.Info(fmt.Sprintf(format, args...))
}

func (l *slogLogger) Warn(format string, args ...any) {
	l.inner.Warn(fmt.Sprintf(format, args...))
}

func (l *slogLogger) Error(format string, args ...any) {
	l.inner.Error(fmt.Sprintf(format, args...))
}

// NewComponentLogger returns the default application logger scoped to a
// component, backed by the process-wide slog handler.
func NewComponentLogger(component string) Logger {
	return &slogLogger{inner: slog.Default().With("component", component)}
}

// FromSlog adapts an explicit slog logger, preserving printf-style call sites.
func FromSlog(logger *slog.Logger) Logger {
	if logger == nil {
		return Nop()
	}
	return &slogLogger{inner: logger}
}
