// Package router dispatches server requests to the file operations and
// sends the responses back over the connection.
package router

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/standardbeagle/fileagent/internal/fileops"
	"github.com/standardbeagle/fileagent/internal/logging"
	"github.com/standardbeagle/fileagent/internal/metrics"
	"github.com/standardbeagle/fileagent/internal/protocol"
)

// Defaults for the upload path.
const (
	DefaultChunkSize     = 64 * 1024
	DefaultFallbackLimit = 10 * 1024 * 1024
)

// Sender transmits envelopes to the server.
type Sender interface {
	SendMessage(env protocol.Envelope) error
}

// Source delivers inbound envelopes in arrival order.
type Source interface {
	SubscribeMessages(fn func(protocol.Envelope)) (unsubscribe func())
}

// Config configures a Router.
type Config struct {
	Files    *fileops.Service
	Sender   Sender
	Roots    []protocol.AllowedRoot
	DeviceID string

	// HTTPClient performs upload PUTs. Defaults to a client without a
	// timeout.
	HTTPClient *http.Client

	// UploadTimeout bounds a single HTTP upload. Zero means no limit.
	UploadTimeout time.Duration

	// ChunkSize bounds each read from the file during HTTP uploads.
	ChunkSize int

	// FallbackLimit is the largest file embedded in a websocket response.
	FallbackLimit int64

	Logger *zap.Logger
}

type handlerFunc func(ctx context.Context, env protocol.Envelope) error

// Router validates and executes server requests.
type Router struct {
	files    *fileops.Service
	sender   Sender
	roots    []string
	deviceID string
	client   *http.Client
	timeout  time.Duration
	chunk    int
	limit    int64
	log      *zap.Logger
	handlers map[protocol.Kind]handlerFunc

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	unsubscribe func()
}

// New creates a router. The whitelist is fixed for its lifetime.
func New(cfg Config) *Router {
	files := cfg.Files
	if files == nil {
		files = fileops.New("")
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	chunk := cfg.ChunkSize
	if chunk <= 0 {
		chunk = DefaultChunkSize
	}
	limit := cfg.FallbackLimit
	if limit <= 0 {
		limit = DefaultFallbackLimit
	}

	roots := make([]string, 0, len(cfg.Roots))
	for _, root := range cfg.Roots {
		roots = append(roots, root.AbsPath)
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Router{
		files:    files,
		sender:   cfg.Sender,
		roots:    roots,
		deviceID: cfg.DeviceID,
		client:   client,
		timeout:  cfg.UploadTimeout,
		chunk:    chunk,
		limit:    limit,
		log:      logging.OrNop(cfg.Logger).Named("router"),
		ctx:      ctx,
		cancel:   cancel,
	}
	r.handlers = map[protocol.Kind]handlerFunc{
		protocol.KindListReq:     r.handleList,
		protocol.KindDeleteReq:   r.handleDelete,
		protocol.KindZipReq:      r.handleZip,
		protocol.KindCompressReq: r.handleCompress,
		protocol.KindFileInfoReq: r.handleFileInfo,
		protocol.KindUploadReq:   r.handleUpload,
	}
	return r
}

// Attach subscribes the router to src. Only one source is attached at a
// time; attaching again replaces the previous subscription.
func (r *Router) Attach(src Source) {
	unsub := src.SubscribeMessages(r.Handle)

	r.mu.Lock()
	prev := r.unsubscribe
	r.unsubscribe = unsub
	r.mu.Unlock()

	if prev != nil {
		prev()
	}
}

// Close detaches the router and aborts in-flight uploads.
func (r *Router) Close() {
	r.mu.Lock()
	unsub := r.unsubscribe
	r.unsubscribe = nil
	r.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	r.cancel()
}

// Handle dispatches a single inbound envelope. Kinds without a handler are
// ignored. Handler failures and panics become error envelopes carrying the
// request's req_id.
func (r *Router) Handle(env protocol.Envelope) {
	h, ok := r.handlers[env.Type]
	if !ok {
		r.log.Debug("ignoring message", zap.String("type", env.Type.String()), zap.String("req_id", env.ReqID))
		return
	}

	start := time.Now()
	err := r.invoke(h, env)
	result := "ok"
	if err != nil {
		result = "error"
		r.fail(env, err)
	}
	metrics.RecordRequest(env.Type.String(), result, time.Since(start))
}

func (r *Router) invoke(h handlerFunc, env protocol.Envelope) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("handler panic",
				zap.String("type", env.Type.String()),
				zap.String("req_id", env.ReqID),
				zap.Any("panic", rec),
				zap.String("stack", string(debug.Stack())))
			err = fmt.Errorf("internal error: %v", rec)
		}
	}()
	return h(r.ctx, env)
}

// fail sends the error envelope for a failed request.
func (r *Router) fail(env protocol.Envelope, err error) {
	var reqErr *RequestError
	if !errors.As(err, &reqErr) {
		reqErr = &RequestError{Code: protocol.ErrInternal, Message: err.Error()}
	}
	r.log.Warn("request failed",
		zap.String("type", env.Type.String()),
		zap.String("req_id", env.ReqID),
		zap.String("code", string(reqErr.Code)),
		zap.String("path", reqErr.Path),
		zap.String("error", reqErr.Message))
	r.send(protocol.NewError(env.ReqID, r.deviceID, reqErr.Code, reqErr.Message, reqErr.Path))
}

// respond sends the success response for req.
func (r *Router) respond(req protocol.Envelope, payload any) error {
	kind, ok := req.Type.Response()
	if !ok {
		return fmt.Errorf("no response kind for %s", req.Type)
	}
	env, err := protocol.New(kind, req.ReqID, r.deviceID, payload)
	if err != nil {
		return err
	}
	r.send(env)
	return nil
}

// send transmits env. Failures are logged and dropped.
func (r *Router) send(env protocol.Envelope) {
	if r.sender == nil {
		return
	}
	if err := r.sender.SendMessage(env); err != nil {
		r.log.Warn("send failed", zap.String("type", env.Type.String()), zap.String("req_id", env.ReqID), zap.Error(err))
	}
}

// validatePath decodes the request path and applies the traversal and
// whitelist checks, in that order.
func (r *Router) validatePath(path string) error {
	if path == "" {
		return requestErr(protocol.ErrInvalidRequest, "", "path is required")
	}
	if fileops.ContainsTraversal(path) {
		return requestErr(protocol.ErrPathOutsideWhitelist, "", "Path traversal detected")
	}
	if !r.files.IsAllowed(path, r.roots) {
		return requestErr(protocol.ErrPathOutsideWhitelist, path, "Path is outside the allowed directories")
	}
	return nil
}

func decodeRequest(env protocol.Envelope, v any) error {
	if err := env.DecodePayload(v); err != nil {
		return requestErr(protocol.ErrInvalidRequest, "", "invalid %s payload: %v", env.Type, err)
	}
	return nil
}
