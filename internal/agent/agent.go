// Package agent wires the connection engine, command router and heartbeat
// scheduler into a single runnable agent.
package agent

import (
	"context"
	"errors"
	"net/http"
	"runtime"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/standardbeagle/fileagent/internal/config"
	"github.com/standardbeagle/fileagent/internal/engine"
	"github.com/standardbeagle/fileagent/internal/fileops"
	"github.com/standardbeagle/fileagent/internal/heartbeat"
	"github.com/standardbeagle/fileagent/internal/identity"
	"github.com/standardbeagle/fileagent/internal/logging"
	"github.com/standardbeagle/fileagent/internal/protocol"
	"github.com/standardbeagle/fileagent/internal/router"
	"github.com/standardbeagle/fileagent/internal/transport"
)

// ErrStopped is returned when starting a stopped agent.
var ErrStopped = errors.New("agent stopped")

// Renamer persists display name changes.
type Renamer interface {
	SetDeviceName(name string) error
}

// Options configures an Agent. Config and Identity are required.
type Options struct {
	Config   *config.Config
	Identity identity.Provider
	Version  string

	// Optional collaborators.
	Dialer     transport.Dialer
	Collector  heartbeat.Collector
	HTTPClient *http.Client
	Logger     *zap.Logger
	LogSink    logging.Sink
}

// Agent is the composition root.
type Agent struct {
	identity  identity.Provider
	engine    *engine.Engine
	router    *router.Router
	heartbeat *heartbeat.Scheduler
	log       *zap.Logger

	mu          sync.Mutex
	started     bool
	stopped     bool
	unsubStatus func()
}

// New builds an agent from opts without connecting.
func New(opts Options) (*Agent, error) {
	if opts.Config == nil {
		return nil, errors.New("config is required")
	}
	if opts.Identity == nil {
		return nil, errors.New("identity provider is required")
	}
	cfg := opts.Config

	log := logging.OrNop(opts.Logger)
	if opts.LogSink != nil {
		log = logging.Tee(log, opts.LogSink, zapcore.DebugLevel)
	}
	log = log.With(zap.String("device_id", opts.Identity.DeviceID()))

	roots := cfg.AllowedRoots()

	eng := engine.New(engine.Config{
		URL:                  cfg.Server,
		EnrollToken:          cfg.EnrollToken,
		DeviceID:             opts.Identity.DeviceID(),
		DeviceName:           opts.Identity.DeviceName(),
		Platform:             runtime.GOOS,
		Version:              opts.Version,
		Roots:                roots,
		ReconnectDelay:       cfg.ReconnectDelay,
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
		HandshakeTimeout:     cfg.HandshakeTimeout,
		Dialer:               opts.Dialer,
		Logger:               log,
	})

	rt := router.New(router.Config{
		Files:         fileops.New(cfg.TempDir),
		Sender:        eng,
		Roots:         roots,
		DeviceID:      opts.Identity.DeviceID(),
		HTTPClient:    opts.HTTPClient,
		UploadTimeout: cfg.Upload.Timeout,
		ChunkSize:     cfg.Upload.ChunkSize,
		FallbackLimit: cfg.Upload.FallbackLimit,
		Logger:        log,
	})

	collector := opts.Collector
	if collector == nil {
		diskPath := ""
		if len(roots) > 0 {
			diskPath = roots[0].AbsPath
		}
		collector = heartbeat.NewSystemCollector(diskPath)
	}
	hb := heartbeat.New(heartbeat.Config{
		Sender:    eng,
		Collector: collector,
		Interval:  cfg.HeartbeatInterval,
		DeviceID:  opts.Identity.DeviceID(),
		Logger:    log,
	})

	return &Agent{
		identity:  opts.Identity,
		engine:    eng,
		router:    rt,
		heartbeat: hb,
		log:       log.Named("agent"),
	}, nil
}

// Start attaches the router and connects. Heartbeats run while the
// engine is connected. Connection failures are retried by the engine and
// reported through OnError and OnStatus rather than returned.
func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return ErrStopped
	}
	if a.started {
		a.mu.Unlock()
		return nil
	}
	a.started = true
	a.router.Attach(a.engine)
	a.unsubStatus = a.engine.SubscribeStatus(a.onStatus)
	a.mu.Unlock()

	a.log.Info("starting", zap.String("device_name", a.engine.DeviceName()))
	if err := a.engine.Connect(ctx); errors.Is(err, engine.ErrClosed) {
		return ErrStopped
	}
	return nil
}

func (a *Agent) onStatus(s engine.Status) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopped {
		return
	}
	a.log.Info("connection status", zap.String("status", string(s)))
	if s == engine.StatusConnected {
		a.heartbeat.Start()
	} else {
		a.heartbeat.Stop()
	}
}

// Stop shuts the agent down: heartbeats first, then the router, then the
// engine (timers, transport, event sequences).
func (a *Agent) Stop() {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return
	}
	a.stopped = true
	unsub := a.unsubStatus
	a.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	a.heartbeat.Stop()
	a.router.Close()
	_ = a.engine.Close()
	a.log.Info("stopped")
	_ = a.log.Sync()
}

// Status returns the connection status.
func (a *Agent) Status() engine.Status {
	return a.engine.Status()
}

// DeviceID returns the device id.
func (a *Agent) DeviceID() string {
	return a.identity.DeviceID()
}

// OnStatus registers fn for connection status changes.
func (a *Agent) OnStatus(fn func(engine.Status)) (unsubscribe func()) {
	return a.engine.SubscribeStatus(fn)
}

// OnMessage registers fn for inbound server requests.
func (a *Agent) OnMessage(fn func(protocol.Envelope)) (unsubscribe func()) {
	return a.engine.SubscribeMessages(fn)
}

// OnError registers fn for error notifications.
func (a *Agent) OnError(fn func(string)) (unsubscribe func()) {
	return a.engine.SubscribeErrors(fn)
}

// Rename persists the new display name, when the identity provider
// supports it, and announces it to the server.
func (a *Agent) Rename(name string) error {
	if r, ok := a.identity.(Renamer); ok {
		if err := r.SetDeviceName(name); err != nil {
			return err
		}
		name = a.identity.DeviceName()
	}
	return a.engine.Rename(name)
}

// Reconnect clears the attempt counter and connects again, leaving the
// failed state.
func (a *Agent) Reconnect(ctx context.Context) error {
	a.engine.ResetReconnectAttempts()
	return a.engine.Connect(ctx)
}
