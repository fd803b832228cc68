// Package xlog is the leveled logger shared by every actor in the MPRPC
// core (Connection, Pool, Service, Relay). It follows minilog's discipline
// -- a small level set, a cheap WillLog guard so callers can skip
// formatting expensive debug output -- but is backed by zap's sugared
// logger instead of a hand-rolled ring buffer.
package xlog

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Level mirrors minilog's Debug/Info/Warn/Error/Fatal ladder.
type Level int8

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
	FATAL
)

func (l Level) zapLevel() zapcore.Level {
	switch l {
	case DEBUG:
		return zapcore.DebugLevel
	case INFO:
		return zapcore.InfoLevel
	case WARN:
		return zapcore.WarnLevel
	case ERROR:
		return zapcore.ErrorLevel
	default:
		return zapcore.FatalLevel
	}
}

// Logger wraps a zap.SugaredLogger with a named-field convention so every
// log line carries the actor that emitted it (connection id, pool name,
// relay session, ...).
type Logger struct {
	sugar *zap.SugaredLogger
	level Level
}

// New builds a Logger at the given level, writing structured JSON in
// production-style configuration. Pass level=DEBUG during development to
// see per-packet tracing.
func New(level Level) *Logger {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(level.zapLevel())
	base, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		base = zap.NewNop()
	}
	return &Logger{sugar: base.Sugar(), level: level}
}

// Nop returns a Logger that discards everything; useful as a Config
// default so callers never need a nil check.
func Nop() *Logger {
	return &Logger{sugar: zap.NewNop().Sugar(), level: FATAL}
}

// With returns a child logger that always attaches the given key/value
// pairs, mirroring minilog's per-component name prefix.
func (l *Logger) With(kv ...interface{}) *Logger {
	return &Logger{sugar: l.sugar.With(kv...), level: l.level}
}

// WillLog reports whether a message at level would actually be emitted,
// so callers can skip building expensive debug payloads -- the same
// discipline minilog's WillLog enforces.
func (l *Logger) WillLog(level Level) bool {
	return l != nil && level >= l.level
}

func (l *Logger) Debug(msg string, kv ...interface{}) {
	if l.WillLog(DEBUG) {
		l.sugar.Debugw(msg, kv...)
	}
}

func (l *Logger) Info(msg string, kv ...interface{}) {
	if l.WillLog(INFO) {
		l.sugar.Infow(msg, kv...)
	}
}

func (l *Logger) Warn(msg string, kv ...interface{}) {
	if l.WillLog(WARN) {
		l.sugar.Warnw(msg, kv...)
	}
}

func (l *Logger) Error(msg string, kv ...interface{}) {
	if l.WillLog(ERROR) {
		l.sugar.Errorw(msg, kv...)
	}
}

// Sync flushes any buffered log entries.
func (l *Logger) Sync() error {
	return l.sugar.Sync()
}
