// Package logging wraps go.uber.org/zap behind the small Logger interface
// the teacher defines in pkg/orchestrator/types.go, so call sites across the
// broker stay decoupled from the concrete logging library.
package logging

import (
	"go.uber.org/zap"
)

// Logger is the call-site-facing logging contract, shaped like the
// teacher's Logger/NoOpLogger.
type Logger interface {
	Debug(msg string, args ...interface{})
	Info(msg string, args ...interface{})
	Warn(msg string, args ...interface{})
	Error(msg string, args ...interface{})
}

// NoOpLogger discards everything; used in tests and as a safe zero value.
type NoOpLogger struct{}

func (NoOpLogger) Debug(string, ...interface{}) {}
func (NoOpLogger) Info(string, ...interface{})  {}
func (NoOpLogger) Warn(string, ...interface{})  {}
func (NoOpLogger) Error(string, ...interface{}) {}

// zapLogger adapts a *zap.SugaredLogger to the Logger interface.
type zapLogger struct {
	s *zap.SugaredLogger
}

func (z *zapLogger) Debug(msg string, args ...interface{}) { z.s.Debugw(msg, args...) }
func (z *zapLogger) Info(msg string, args ...interface{})  { z.s.Infow(msg, args...) }
func (z *zapLogger) Warn(msg string, args ...interface{})  { z.s.Warnw(msg, args...) }
func (z *zapLogger) Error(msg string, args ...interface{}) { z.s.Errorw(msg, args...) }

// NewProduction builds a Logger backed by zap's production JSON encoder
// config, appropriate for a long-running server process.
func NewProduction() (Logger, func() error, error) {
	base, err := zap.NewProduction()
	if err != nil {
		return nil, nil, err
	}
	return &zapLogger{s: base.Sugar()}, base.Sync, nil
}

// NewDevelopment builds a Logger backed by zap's human-readable console
// encoder, for local runs.
func NewDevelopment() (Logger, func() error, error) {
	base, err := zap.NewDevelopment()
	if err != nil {
		return nil, nil, err
	}
	return &zapLogger{s: base.Sugar()}, base.Sync, nil
}
