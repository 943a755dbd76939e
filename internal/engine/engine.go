// Package engine owns the connection to the control server: the status
// state machine, the hello handshake, the reconnection policy and inbound
// dispatch.
package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/standardbeagle/fileagent/internal/events"
	"github.com/standardbeagle/fileagent/internal/logging"
	"github.com/standardbeagle/fileagent/internal/metrics"
	"github.com/standardbeagle/fileagent/internal/protocol"
	"github.com/standardbeagle/fileagent/internal/transport"
)

var (
	// ErrNotConnected is returned by SendMessage unless the engine is connected.
	ErrNotConnected = errors.New("not connected")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("engine closed")
)

// UnlimitedAttempts disables the reconnect limit.
const UnlimitedAttempts = -1

// DefaultHandshakeTimeout bounds the wait for hello_ack after the transport
// opens.
const DefaultHandshakeTimeout = 30 * time.Second

// Config configures an Engine.
type Config struct {
	URL         string
	EnrollToken string
	DeviceID    string
	DeviceName  string
	Platform    string
	Version     string
	Roots       []protocol.AllowedRoot

	// ReconnectDelay is the fixed delay before each reconnect attempt.
	ReconnectDelay time.Duration

	// MaxReconnectAttempts bounds consecutive reconnect attempts.
	// UnlimitedAttempts retries forever.
	MaxReconnectAttempts int

	// HandshakeTimeout is how long a new transport may stay unacknowledged
	// before it is dropped and a reconnect is scheduled.
	HandshakeTimeout time.Duration

	Dialer transport.Dialer
	Logger *zap.Logger
}

// Engine maintains a single logical connection to the control server.
type Engine struct {
	cfg    Config
	dialer transport.Dialer
	log    *zap.Logger

	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu         sync.Mutex
	status     Status
	conn       transport.Conn
	gen        uint64
	attempts   int
	timer      *time.Timer
	timerID    uint64
	ackTimer   *time.Timer
	dialCancel context.CancelFunc
	deviceName string
	disposed   bool

	statuses *events.Broadcaster[Status]
	messages *events.Broadcaster[protocol.Envelope]
	errs     *events.Broadcaster[string]
}

// New creates an engine in the disconnected state.
func New(cfg Config) *Engine {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 5 * time.Second
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = transport.NewDialer()
	}
	ctx, cancel := context.WithCancel(context.Background())

	e := &Engine{
		cfg:        cfg,
		dialer:     dialer,
		log:        logging.OrNop(cfg.Logger).Named("engine"),
		baseCtx:    ctx,
		baseCancel: cancel,
		status:     StatusDisconnected,
		deviceName: cfg.DeviceName,
		statuses:   events.NewBroadcaster[Status](),
		messages:   events.NewBroadcaster[protocol.Envelope](),
		errs:       events.NewBroadcaster[string](),
	}
	metrics.SetStatus(string(StatusDisconnected))
	return e
}

// DeviceID returns the device id announced in the handshake.
func (e *Engine) DeviceID() string {
	return e.cfg.DeviceID
}

// DeviceName returns the current display name.
func (e *Engine) DeviceName() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.deviceName
}

// Status returns the current connection status.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// Attempts returns the number of reconnect attempts since the last
// successful handshake.
func (e *Engine) Attempts() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.attempts
}

// SubscribeStatus registers fn for status transitions.
func (e *Engine) SubscribeStatus(fn func(Status)) (unsubscribe func()) {
	return e.statuses.Subscribe(fn)
}

// SubscribeMessages registers fn for inbound envelopes other than
// hello_ack and error.
func (e *Engine) SubscribeMessages(fn func(protocol.Envelope)) (unsubscribe func()) {
	return e.messages.Subscribe(fn)
}

// SubscribeErrors registers fn for error notifications.
func (e *Engine) SubscribeErrors(fn func(string)) (unsubscribe func()) {
	return e.errs.Subscribe(fn)
}

// Connect opens the transport and sends the handshake. The engine becomes
// connected only once the server acknowledges the handshake. Connect is a
// no-op while connecting or connected. Dial failures are handed to the
// reconnection policy and also returned.
func (e *Engine) Connect(ctx context.Context) error {
	return e.connect(ctx, 0, false)
}

// connect dials a new transport. A timer-driven call only proceeds while
// timerID is still the pending timer.
func (e *Engine) connect(ctx context.Context, timerID uint64, timed bool) error {
	e.mu.Lock()
	if e.disposed {
		e.mu.Unlock()
		return ErrClosed
	}
	if timed && (timerID != e.timerID || e.timer == nil) {
		e.mu.Unlock()
		return nil
	}
	if e.status == StatusConnected || e.status == StatusConnecting {
		e.mu.Unlock()
		return nil
	}
	e.stopTimerLocked()
	e.gen++
	gen := e.gen
	dialCtx, cancel := context.WithCancel(ctx)
	e.dialCancel = cancel
	e.setStatusLocked(StatusConnecting)
	e.mu.Unlock()

	defer cancel()

	header := http.Header{}
	if e.cfg.EnrollToken != "" {
		header.Set("Authorization", "Bearer "+e.cfg.EnrollToken)
	}

	e.log.Debug("dialing", zap.String("url", e.cfg.URL))
	conn, err := e.dialer.Dial(dialCtx, e.cfg.URL, header)

	e.mu.Lock()
	if gen != e.gen || e.disposed {
		disposed := e.disposed
		e.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		if disposed {
			return ErrClosed
		}
		return context.Canceled
	}
	e.dialCancel = nil
	if err != nil {
		e.log.Warn("connect failed", zap.Error(err))
		e.errs.Publish(fmt.Sprintf("connect failed: %v", err))
		e.scheduleReconnectLocked()
		e.mu.Unlock()
		return err
	}
	e.conn = conn
	e.ackTimer = time.AfterFunc(e.cfg.HandshakeTimeout, func() {
		e.handshakeExpired(gen)
	})
	hello, err := e.helloLocked()
	e.mu.Unlock()

	if err != nil {
		e.drop(gen, err)
		return err
	}

	go e.readLoop(gen, conn)

	// The guard in SendMessage does not apply: status is still connecting.
	if err := e.write(conn, hello); err != nil {
		e.drop(gen, err)
		return err
	}
	return nil
}

// Disconnect cancels any pending reconnect, closes the transport and moves
// to disconnected without scheduling a reconnect.
func (e *Engine) Disconnect() {
	e.mu.Lock()
	if e.disposed {
		e.mu.Unlock()
		return
	}
	e.stopTimerLocked()
	conn := e.detachLocked()
	e.setStatusLocked(StatusDisconnected)
	e.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
}

// ResetReconnectAttempts clears the attempt counter, allowing Connect to
// leave the failed state.
func (e *Engine) ResetReconnectAttempts() {
	e.mu.Lock()
	e.attempts = 0
	e.mu.Unlock()
}

// SendMessage transmits env. It fails with ErrNotConnected, without
// touching the transport, unless the status is exactly connected.
func (e *Engine) SendMessage(env protocol.Envelope) error {
	e.mu.Lock()
	if e.disposed {
		e.mu.Unlock()
		return ErrClosed
	}
	if e.status != StatusConnected || e.conn == nil {
		e.mu.Unlock()
		return ErrNotConnected
	}
	conn := e.conn
	e.mu.Unlock()

	if env.DeviceID == "" {
		env.DeviceID = e.cfg.DeviceID
	}
	return e.write(conn, env)
}

// Rename changes the display name. While connected the handshake is
// re-sent so the server learns the new name.
func (e *Engine) Rename(name string) error {
	e.mu.Lock()
	if e.disposed {
		e.mu.Unlock()
		return ErrClosed
	}
	e.deviceName = name
	if e.status != StatusConnected || e.conn == nil {
		e.mu.Unlock()
		return nil
	}
	conn := e.conn
	hello, err := e.helloLocked()
	e.mu.Unlock()

	if err != nil {
		return err
	}
	e.log.Info("re-sending handshake after rename", zap.String("device_name", name))
	return e.write(conn, hello)
}

// Close tears the engine down: the pending timer is cancelled, then the
// transport is closed, then the event sequences are closed. No events are
// delivered afterwards.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.disposed {
		e.mu.Unlock()
		return nil
	}
	e.disposed = true
	e.stopTimerLocked()
	conn := e.detachLocked()
	e.mu.Unlock()

	e.baseCancel()
	if conn != nil {
		_ = conn.Close()
	}

	e.statuses.Close()
	e.messages.Close()
	e.errs.Close()
	return nil
}

// detachLocked invalidates the current generation and returns the
// transport for the caller to close.
func (e *Engine) detachLocked() transport.Conn {
	e.gen++
	e.stopAckTimerLocked()
	if e.dialCancel != nil {
		e.dialCancel()
		e.dialCancel = nil
	}
	conn := e.conn
	e.conn = nil
	return conn
}

func (e *Engine) helloLocked() (protocol.Envelope, error) {
	roots := e.cfg.Roots
	if roots == nil {
		roots = []protocol.AllowedRoot{}
	}
	return protocol.New(protocol.KindHello, uuid.NewString(), e.cfg.DeviceID, protocol.HelloPayload{
		EnrollToken:  e.cfg.EnrollToken,
		DeviceID:     e.cfg.DeviceID,
		DeviceName:   e.deviceName,
		Platform:     e.cfg.Platform,
		Version:      e.cfg.Version,
		AllowedRoots: roots,
	})
}

func (e *Engine) write(conn transport.Conn, env protocol.Envelope) error {
	data, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	if err := conn.WriteMessage(data); err != nil {
		return fmt.Errorf("send %s: %w", env.Type, err)
	}
	metrics.RecordSent(env.Type.String())
	return nil
}

func (e *Engine) readLoop(gen uint64, conn transport.Conn) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			e.drop(gen, err)
			return
		}
		e.handleFrame(gen, data)
	}
}

func (e *Engine) handleFrame(gen uint64, data []byte) {
	env, err := protocol.Decode(data)
	if err != nil {
		metrics.RecordDecodeError()
		e.log.Warn("undecodable message", zap.Error(err))
		e.publishError(gen, fmt.Sprintf("invalid message: %v", err))
		return
	}
	metrics.RecordReceived(env.Type.String())

	switch env.Type {
	case protocol.KindHelloAck:
		e.handleHelloAck(gen, env)
	case protocol.KindError:
		var p protocol.ErrorPayload
		if err := env.DecodePayload(&p); err != nil {
			e.publishError(gen, fmt.Sprintf("invalid error message: %v", err))
			return
		}
		e.log.Warn("server error", zap.String("req_id", env.ReqID), zap.String("code", string(p.Code)), zap.String("message", p.Message))
		e.publishError(gen, fmt.Sprintf("server error %s: %s", p.Code, p.Message))
	default:
		e.mu.Lock()
		if gen == e.gen && !e.disposed {
			e.messages.Publish(env)
		}
		e.mu.Unlock()
	}
}

// handleHelloAck completes or rejects the handshake. An acknowledgment that
// cannot be decoded counts as a rejection.
func (e *Engine) handleHelloAck(gen uint64, env protocol.Envelope) {
	var ack protocol.HelloAckPayload
	if err := env.DecodePayload(&ack); err != nil {
		ack = protocol.HelloAckPayload{Message: fmt.Sprintf("invalid handshake acknowledgment: %v", err)}
	}
	metrics.RecordHandshake(ack.Success)

	e.mu.Lock()
	if gen != e.gen || e.disposed {
		e.mu.Unlock()
		return
	}
	if ack.Success {
		e.stopAckTimerLocked()
		e.attempts = 0
		e.setStatusLocked(StatusConnected)
		e.mu.Unlock()
		return
	}

	msg := ack.Message
	if msg == "" {
		msg = "handshake rejected"
	}
	e.log.Warn("handshake rejected", zap.String("message", msg))
	e.abortLocked(msg)
}

// handshakeExpired drops a transport of gen that is still waiting for its
// acknowledgment.
func (e *Engine) handshakeExpired(gen uint64) {
	e.mu.Lock()
	if gen != e.gen || e.disposed || e.status != StatusConnecting {
		e.mu.Unlock()
		return
	}
	e.ackTimer = nil
	metrics.RecordHandshake(false)
	e.log.Warn("handshake timed out", zap.Duration("timeout", e.cfg.HandshakeTimeout))
	e.abortLocked(fmt.Sprintf("handshake timed out after %s", e.cfg.HandshakeTimeout))
}

// abortLocked reports msg, closes the current transport and schedules a
// reconnect. It releases e.mu.
func (e *Engine) abortLocked(msg string) {
	e.errs.Publish(msg)
	conn := e.detachLocked()
	e.scheduleReconnectLocked()
	e.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
}

// drop handles the loss of the transport belonging to gen.
func (e *Engine) drop(gen uint64, cause error) {
	e.mu.Lock()
	if gen != e.gen || e.disposed {
		e.mu.Unlock()
		return
	}
	conn := e.detachLocked()
	if cause != nil && !transport.IsNormalClose(cause) {
		e.log.Warn("connection lost", zap.Error(cause))
		e.errs.Publish(fmt.Sprintf("connection lost: %v", cause))
	} else {
		e.log.Info("connection closed by server")
	}
	e.scheduleReconnectLocked()
	e.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
}

func (e *Engine) publishError(gen uint64, msg string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if gen == e.gen && !e.disposed {
		e.errs.Publish(msg)
	}
}

func (e *Engine) scheduleReconnectLocked() {
	limit := e.cfg.MaxReconnectAttempts
	if limit != UnlimitedAttempts && e.attempts >= limit {
		e.log.Error("reconnect attempts exhausted", zap.Int("attempt", e.attempts))
		e.stopTimerLocked()
		e.setStatusLocked(StatusFailed)
		return
	}

	e.attempts++
	metrics.RecordReconnectAttempt()
	e.setStatusLocked(StatusReconnecting)
	e.stopTimerLocked()

	e.timerID++
	id := e.timerID
	e.log.Info("reconnect scheduled", zap.Int("attempt", e.attempts), zap.Duration("delay", e.cfg.ReconnectDelay))
	e.timer = time.AfterFunc(e.cfg.ReconnectDelay, func() {
		e.fireReconnect(id)
	})
}

func (e *Engine) fireReconnect(id uint64) {
	_ = e.connect(e.baseCtx, id, true)
}

func (e *Engine) stopTimerLocked() {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.timerID++
}

func (e *Engine) stopAckTimerLocked() {
	if e.ackTimer != nil {
		e.ackTimer.Stop()
		e.ackTimer = nil
	}
}

func (e *Engine) setStatusLocked(s Status) {
	if e.status == s {
		return
	}
	e.log.Debug("status", zap.String("status", string(s)), zap.String("previous", string(e.status)))
	e.status = s
	metrics.SetStatus(string(s))
	e.statuses.Publish(s)
}
