// Package heartbeat periodically reports health metrics to the server.
package heartbeat

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/standardbeagle/fileagent/internal/logging"
	"github.com/standardbeagle/fileagent/internal/metrics"
	"github.com/standardbeagle/fileagent/internal/protocol"
)

// DefaultInterval is used when Config.Interval is not positive.
const DefaultInterval = 30 * time.Second

// Sender transmits envelopes to the server.
type Sender interface {
	SendMessage(env protocol.Envelope) error
}

// Collector gathers the metrics for one heartbeat.
type Collector interface {
	Collect(ctx context.Context) (protocol.HeartbeatPayload, error)
}

// CollectorFunc adapts a function to Collector.
type CollectorFunc func(ctx context.Context) (protocol.HeartbeatPayload, error)

// Collect implements Collector.
func (f CollectorFunc) Collect(ctx context.Context) (protocol.HeartbeatPayload, error) {
	return f(ctx)
}

// StaticCollector always reports the same payload. The zero value reports
// zeros.
type StaticCollector struct {
	Payload protocol.HeartbeatPayload
}

// Collect implements Collector.
func (c StaticCollector) Collect(context.Context) (protocol.HeartbeatPayload, error) {
	return c.Payload, nil
}

// Config configures a Scheduler.
type Config struct {
	Sender    Sender
	Collector Collector
	Interval  time.Duration
	DeviceID  string
	Logger    *zap.Logger
}

// Scheduler sends one heartbeat per interval while started.
type Scheduler struct {
	sender    Sender
	collector Collector
	interval  time.Duration
	deviceID  string
	log       *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a stopped scheduler.
func New(cfg Config) *Scheduler {
	collector := cfg.Collector
	if collector == nil {
		collector = StaticCollector{}
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Scheduler{
		sender:    cfg.Sender,
		collector: collector,
		interval:  interval,
		deviceID:  cfg.DeviceID,
		log:       logging.OrNop(cfg.Logger).Named("heartbeat"),
	}
}

// Start begins sending heartbeats. Starting a started scheduler is a no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.loop(ctx, s.done)
}

// Stop cancels the scheduled tick and waits for an in-flight beat. It is
// idempotent.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Running reports whether the scheduler is started.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.beat(ctx)
		}
	}
}

// beat performs one collection and one send. Failures are counted and
// logged at debug level only.
func (s *Scheduler) beat(ctx context.Context) {
	payload, err := s.collector.Collect(ctx)
	if err != nil {
		metrics.RecordHeartbeatFailure()
		s.log.Debug("collect failed", zap.Error(err))
		payload = protocol.HeartbeatPayload{}
	}

	env, err := protocol.New(protocol.KindHeartbeat, uuid.NewString(), s.deviceID, payload)
	if err != nil {
		metrics.RecordHeartbeatFailure()
		s.log.Debug("encode failed", zap.Error(err))
		return
	}
	if s.sender == nil {
		return
	}
	if err := s.sender.SendMessage(env); err != nil {
		metrics.RecordHeartbeatFailure()
		s.log.Debug("send failed", zap.Error(err))
	}
}
