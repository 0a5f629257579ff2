// Package sandwichlog wraps zerolog into the structured log event shape the
// core emits: {source, level, message, data}. It mirrors how
// TheRockettek/Sandwich-Producer threads a *zerolog.Logger through Manager
// and Session, generalized so every package logs through one abstract sink
// instead of each owning its own zerolog.Logger field.
package sandwichlog

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Source identifies which subsystem emitted a log event.
type Source string

// Sources recognized by the core, per §6 of the specification.
const (
	SourceGateway Source = "GATEWAY"
	SourceAPI     Source = "API"
	SourceClient  Source = "CLIENT"
	SourceRPC     Source = "RPC"
)

// Logger emits structured log events on an abstract sink. The zero value
// discards every event; construct with New or NewConsole to get output.
type Logger struct {
	zl zerolog.Logger
}

// New wraps an existing zerolog.Logger.
func New(zl zerolog.Logger) Logger {
	return Logger{zl: zl}
}

// NewConsole builds a human-readable console logger, the same shape as the
// teacher's package-level zlog in main.go.
func NewConsole(w io.Writer) Logger {
	if w == nil {
		w = os.Stdout
	}
	zl := zerolog.New(zerolog.ConsoleWriter{
		Out:        w,
		TimeFormat: time.Stamp,
	}).With().Timestamp().Logger()
	return Logger{zl: zl}
}

// With returns a logger that always attaches source as a field, so callers
// within a package don't have to repeat it on every call.
func (l Logger) With(source Source) SourceLogger {
	return SourceLogger{l: l, source: source}
}

// Data is a free-form attachment for a log event's optional data field.
type Data map[string]interface{}

func (l Logger) event(source Source, e *zerolog.Event, msg string, data Data) {
	e = e.Str("source", string(source))
	for k, v := range data {
		e = e.Interface(k, v)
	}
	e.Msg(msg)
}

// Debug emits a DEBUG level event.
func (l Logger) Debug(source Source, msg string, data Data) {
	l.event(source, l.zl.Debug(), msg, data)
}

// Info emits an INFO level event.
func (l Logger) Info(source Source, msg string, data Data) {
	l.event(source, l.zl.Info(), msg, data)
}

// Warning emits a WARNING level event.
func (l Logger) Warning(source Source, msg string, data Data) {
	l.event(source, l.zl.Warn(), msg, data)
}

// Error emits an ERROR level event. err, if non-nil, is attached.
func (l Logger) Error(source Source, msg string, err error, data Data) {
	e := l.zl.Error()
	if err != nil {
		e = e.Err(err)
	}
	l.event(source, e, msg, data)
}

// Fatal emits a FATAL level event without terminating the process — callers
// decide whether a FATAL condition should also stop the program. This
// diverges from zerolog's own Fatal (which calls os.Exit) because the
// specification treats FATAL as a log level, not a control-flow primitive.
func (l Logger) Fatal(source Source, msg string, err error, data Data) {
	e := l.zl.WithLevel(zerolog.FatalLevel)
	if err != nil {
		e = e.Err(err)
	}
	l.event(source, e, msg, data)
}

// SourceLogger is a Logger pinned to one Source.
type SourceLogger struct {
	l      Logger
	source Source
}

func (s SourceLogger) Debug(msg string, data Data)            { s.l.Debug(s.source, msg, data) }
func (s SourceLogger) Info(msg string, data Data)              { s.l.Info(s.source, msg, data) }
func (s SourceLogger) Warning(msg string, data Data)           { s.l.Warning(s.source, msg, data) }
func (s SourceLogger) Error(msg string, err error, data Data)  { s.l.Error(s.source, msg, err, data) }
func (s SourceLogger) Fatal(msg string, err error, data Data)  { s.l.Fatal(s.source, msg, err, data) }
