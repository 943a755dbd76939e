package logging

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type entry struct {
	level Level
	msg   string
	err   error
	stack string
}

type memorySink struct {
	mu      sync.Mutex
	entries []entry
}

func (m *memorySink) Log(level Level, message string, err error, stack string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entry{level, message, err, stack})
}

func TestTee_ForwardsToSink(t *testing.T) {
	sink := &memorySink{}
	logger := Tee(zap.NewNop(), sink, zapcore.InfoLevel)

	boom := errors.New("boom")
	logger.Debug("hidden")
	logger.Info("connected", zap.String("status", "connected"))
	logger.With(zap.String("req_id", "r1")).Error("upload failed", zap.Error(boom))

	require.Len(t, sink.entries, 2)
	assert.Equal(t, LevelInfo, sink.entries[0].level)
	assert.Contains(t, sink.entries[0].msg, "connected")
	assert.Contains(t, sink.entries[0].msg, "status")

	assert.Equal(t, LevelError, sink.entries[1].level)
	assert.Equal(t, boom, sink.entries[1].err)
	assert.Contains(t, sink.entries[1].msg, "r1")
	assert.NotContains(t, sink.entries[1].msg, "boom")
}

func TestTee_NilSink(t *testing.T) {
	base := zap.NewNop()
	assert.Same(t, base, Tee(base, nil, zapcore.InfoLevel))
}

func TestSinkFunc(t *testing.T) {
	var got Level
	var sink Sink = SinkFunc(func(level Level, _ string, _ error, _ string) { got = level })
	sink.Log(LevelWarn, "w", nil, "")
	assert.Equal(t, LevelWarn, got)
}

func TestNew_UnknownLevel(t *testing.T) {
	l, err := New(Config{Level: "chatty", Format: "json"})
	require.NoError(t, err)
	assert.True(t, l.Core().Enabled(zapcore.InfoLevel))
	assert.False(t, l.Core().Enabled(zapcore.DebugLevel))
}
