package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Level is the severity passed to a Sink.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Sink receives log entries from the agent, for example to show them in a
// host application. err and stack may be empty.
type Sink interface {
	Log(level Level, message string, err error, stack string)
}

// SinkFunc adapts a function to a Sink.
type SinkFunc func(level Level, message string, err error, stack string)

// Log implements Sink.
func (f SinkFunc) Log(level Level, message string, err error, stack string) {
	f(level, message, err, stack)
}

// sinkCore is a zapcore.Core that forwards entries to a Sink.
type sinkCore struct {
	zapcore.LevelEnabler
	sink   Sink
	fields []zapcore.Field
}

// NewSinkCore returns a core forwarding entries at or above enab to sink.
func NewSinkCore(sink Sink, enab zapcore.LevelEnabler) zapcore.Core {
	return &sinkCore{LevelEnabler: enab, sink: sink}
}

// Tee returns l extended to also write to sink.
func Tee(l *zap.Logger, sink Sink, enab zapcore.LevelEnabler) *zap.Logger {
	if sink == nil {
		return l
	}
	sc := NewSinkCore(sink, enab)
	return l.WithOptions(zap.WrapCore(func(c zapcore.Core) zapcore.Core {
		return zapcore.NewTee(c, sc)
	}))
}

func (c *sinkCore) With(fields []zapcore.Field) zapcore.Core {
	merged := make([]zapcore.Field, 0, len(c.fields)+len(fields))
	merged = append(merged, c.fields...)
	merged = append(merged, fields...)
	return &sinkCore{LevelEnabler: c.LevelEnabler, sink: c.sink, fields: merged}
}

func (c *sinkCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

func (c *sinkCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	enc := zapcore.NewMapObjectEncoder()
	var err error
	for _, f := range append(c.fields[:len(c.fields):len(c.fields)], fields...) {
		if f.Type == zapcore.ErrorType {
			if e, ok := f.Interface.(error); ok {
				err = e
				continue
			}
		}
		f.AddTo(enc)
	}

	msg := ent.Message
	if len(enc.Fields) > 0 {
		msg = fmt.Sprintf("%s %v", msg, enc.Fields)
	}
	c.sink.Log(toLevel(ent.Level), msg, err, ent.Stack)
	return nil
}

func (c *sinkCore) Sync() error {
	return nil
}

func toLevel(l zapcore.Level) Level {
	switch {
	case l >= zapcore.ErrorLevel:
		return LevelError
	case l == zapcore.WarnLevel:
		return LevelWarn
	case l == zapcore.DebugLevel:
		return LevelDebug
	default:
		return LevelInfo
	}
}
