// Package log is the process-wide structured logger. It wraps zerolog so the
// rest of the module logs through a small set of package functions.
package log

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

type Logger struct {
	zl zerolog.Logger
}

var std atomic.Pointer[Logger]

func init() {
	std.Store(New(os.Stdout, os.Getenv("LOG_LEVEL")))
}

// New builds a logger writing to w. A console writer is used when
// ENVIRONMENT=local. Unknown levels fall back to info.
func New(w io.Writer, level string) *Logger {
	if w == nil {
		w = os.Stdout
	}
	if strings.EqualFold(os.Getenv("ENVIRONMENT"), "local") {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.DateTime}
	}
	return &Logger{
		zl: zerolog.New(w).Level(ParseLevel(level)).With().Timestamp().Logger(),
	}
}

func ParseLevel(level string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}

// Init replaces the package logger.
func Init(w io.Writer, level string) {
	std.Store(New(w, level))
}

func Default() *Logger {
	return std.Load()
}

// Zerolog exposes the underlying logger for code that wants the event API.
func (l *Logger) Zerolog() *zerolog.Logger {
	return &l.zl
}

// With returns a child logger carrying fields on every entry.
func (l *Logger) With(fields map[string]any) *Logger {
	return &Logger{zl: l.zl.With().Fields(fields).Logger()}
}

// WithContext stores l in ctx for FromContext.
func (l *Logger) WithContext(ctx context.Context) context.Context {
	return l.zl.WithContext(ctx)
}

// FromContext returns the logger stored in ctx, or the package logger.
func FromContext(ctx context.Context) *Logger {
	if ctx != nil {
		if zl := zerolog.Ctx(ctx); zl != nil && zl.GetLevel() != zerolog.Disabled {
			return &Logger{zl: *zl}
		}
	}
	return Default()
}

func (l *Logger) Debugf(s string, v ...any) { l.zl.Debug().Msg(fmt.Sprintf(s, v...)) }
func (l *Logger) Infof(s string, v ...any)  { l.zl.Info().Msg(fmt.Sprintf(s, v...)) }
func (l *Logger) Warnf(s string, v ...any)  { l.zl.Warn().Msg(fmt.Sprintf(s, v...)) }
func (l *Logger) Errorf(s string, v ...any) { l.zl.Error().Msg(fmt.Sprintf(s, v...)) }

func (l *Logger) DebugFields(msg string, fields map[string]any) {
	l.zl.Debug().Fields(fields).Msg(msg)
}

func (l *Logger) InfoFields(msg string, fields map[string]any) {
	l.zl.Info().Fields(fields).Msg(msg)
}

func (l *Logger) WarnFields(msg string, fields map[string]any) {
	l.zl.Warn().Fields(fields).Msg(msg)
}

func (l *Logger) ErrorFields(msg string, err error, fields map[string]any) {
	l.zl.Error().Err(err).Fields(fields).Msg(msg)
}

func Debug(v ...any) {
	Default().zl.Debug().Msg(fmt.Sprint(v...))
}

func Debugf(s string, v ...any) {
	Default().Debugf(s, v...)
}

func Info(v ...any) {
	Default().zl.Info().Msg(fmt.Sprint(v...))
}

func Infof(s string, v ...any) {
	Default().Infof(s, v...)
}

func Warn(v ...any) {
	Default().zl.Warn().Msg(fmt.Sprint(v...))
}

func Warnf(s string, v ...any) {
	Default().Warnf(s, v...)
}

func Error(v ...any) {
	Default().zl.Error().Msg(fmt.Sprint(v...))
}

func Errorf(s string, v ...any) {
	Default().Errorf(s, v...)
}

// DebugFields logs a debug level message with structured fields
func DebugFields(msg string, fields map[string]any) {
	Default().DebugFields(msg, fields)
}

// InfoFields logs an info level message with structured fields
func InfoFields(msg string, fields map[string]any) {
	Default().InfoFields(msg, fields)
}

func WarnFields(msg string, fields map[string]any) {
	Default().WarnFields(msg, fields)
}

// ErrorFields logs an error level message with err and structured fields
func ErrorFields(msg string, err error, fields map[string]any) {
	Default().ErrorFields(msg, err, fields)
}

func Fatalf(s string, v ...any) {
	Default().zl.Fatal().Msg(fmt.Sprintf(s, v...))
}
