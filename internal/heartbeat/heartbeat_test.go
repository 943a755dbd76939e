package heartbeat

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/standardbeagle/fileagent/internal/protocol"
)

type fakeSender struct {
	mu   sync.Mutex
	sent []protocol.Envelope
	err  error
}

func (s *fakeSender) SendMessage(env protocol.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, env)
	return s.err
}

func (s *fakeSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

func (s *fakeSender) first() protocol.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sent[0]
}

func TestScheduler_SendsHeartbeats(t *testing.T) {
	sender := &fakeSender{}
	s := New(Config{
		Sender:    sender,
		Interval:  5 * time.Millisecond,
		DeviceID:  "dev-1",
		Collector: StaticCollector{Payload: protocol.HeartbeatPayload{CPUPercent: 12.5, MemoryMB: 64, DiskFreeGB: 100}},
	})
	s.Start()
	defer s.Stop()

	require.Eventually(t, func() bool { return sender.count() >= 3 }, time.Second, time.Millisecond)

	env := sender.first()
	assert.Equal(t, protocol.KindHeartbeat, env.Type)
	assert.Equal(t, "dev-1", env.DeviceID)
	assert.NotEmpty(t, env.ReqID)

	var p protocol.HeartbeatPayload
	require.NoError(t, env.DecodePayload(&p))
	assert.Equal(t, 12.5, p.CPUPercent)
	assert.Equal(t, int64(64), p.MemoryMB)
	assert.Equal(t, int64(100), p.DiskFreeGB)
}

func TestScheduler_DefaultCollectorReportsZeros(t *testing.T) {
	sender := &fakeSender{}
	s := New(Config{Sender: sender, Interval: 5 * time.Millisecond})
	s.Start()
	defer s.Stop()

	require.Eventually(t, func() bool { return sender.count() >= 1 }, time.Second, time.Millisecond)
	assert.JSONEq(t, `{"cpu_percent":0,"memory_mb":0,"disk_free_gb":0}`, string(sender.first().Payload))
}

func TestScheduler_StartStopIdempotent(t *testing.T) {
	var collects atomic.Int32
	sender := &fakeSender{}
	s := New(Config{
		Sender:   sender,
		Interval: 20 * time.Millisecond,
		Collector: CollectorFunc(func(context.Context) (protocol.HeartbeatPayload, error) {
			collects.Add(1)
			return protocol.HeartbeatPayload{}, nil
		}),
	})

	s.Stop()
	assert.False(t, s.Running())

	s.Start()
	s.Start()
	assert.True(t, s.Running())

	time.Sleep(110 * time.Millisecond)
	s.Stop()
	s.Stop()
	assert.False(t, s.Running())

	n := collects.Load()
	assert.GreaterOrEqual(t, n, int32(1))
	assert.LessOrEqual(t, n, int32(7), "a second Start must not double the rate")
	assert.Equal(t, int(n), sender.count(), "one send per collection")

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, n, collects.Load(), "no ticks after Stop")
}

func TestScheduler_FailuresSwallowed(t *testing.T) {
	sender := &fakeSender{err: errors.New("not connected")}
	s := New(Config{
		Sender:   sender,
		Interval: 5 * time.Millisecond,
		Collector: CollectorFunc(func(context.Context) (protocol.HeartbeatPayload, error) {
			return protocol.HeartbeatPayload{}, errors.New("collector broke")
		}),
	})
	s.Start()

	require.Eventually(t, func() bool { return sender.count() >= 3 }, time.Second, time.Millisecond)
	s.Stop()
}

func TestSystemCollector(t *testing.T) {
	c := NewSystemCollector(t.TempDir())

	first, err := c.Collect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0.0, first.CPUPercent)
	assert.Greater(t, first.MemoryMB, int64(0))
	assert.GreaterOrEqual(t, first.DiskFreeGB, int64(0))

	second, err := c.Collect(context.Background())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, second.CPUPercent, 0.0)
	assert.LessOrEqual(t, second.CPUPercent, 100.0)
}
