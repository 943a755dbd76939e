package router

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"io/fs"
	"math"
	"net/http"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/standardbeagle/fileagent/internal/fileops"
	"github.com/standardbeagle/fileagent/internal/metrics"
	"github.com/standardbeagle/fileagent/internal/protocol"
)

const (
	progressByteStep    = 1 << 20
	progressPercentStep = 5
	maxErrorBody        = 4096
)

func (r *Router) handleUpload(ctx context.Context, env protocol.Envelope) error {
	var req protocol.UploadRequest
	if err := decodeRequest(env, &req); err != nil {
		return err
	}
	if err := r.validatePath(req.Path); err != nil {
		return err
	}

	meta, err := r.files.Metadata(req.Path)
	if err != nil {
		switch {
		case errors.Is(err, fs.ErrNotExist):
			return requestErr(protocol.ErrFileNotFound, req.Path, "File not found")
		case errors.Is(err, fileops.ErrIsDirectory):
			return requestErr(protocol.ErrInvalidRequest, req.Path, "Path is a directory, compress it first")
		}
		return err
	}

	var resp protocol.UploadResponse
	if req.UploadURL != "" {
		resp, err = r.uploadHTTP(ctx, env.ReqID, req, meta)
	} else {
		resp, err = r.uploadInline(req, meta)
	}
	if err != nil {
		return err
	}
	if err := r.respond(env, resp); err != nil {
		return err
	}

	if req.CleanupAfter {
		if err := r.files.CleanupTemp(req.Path); err != nil {
			r.log.Warn("cleanup failed", zap.String("req_id", env.ReqID), zap.String("path", req.Path), zap.Error(err))
		}
	}
	return nil
}

// uploadInline embeds the file content in the response.
func (r *Router) uploadInline(req protocol.UploadRequest, meta protocol.FileMetadata) (protocol.UploadResponse, error) {
	if meta.Size > r.limit {
		metrics.RecordUpload(protocol.UploadMethodWebSocket, false)
		return protocol.UploadResponse{}, requestErr(protocol.ErrFileTooLarge, req.Path,
			"File is %d bytes, larger than the %d byte websocket limit; provide upload_url for HTTP upload", meta.Size, r.limit)
	}

	data, err := r.files.ReadAll(req.Path)
	if err != nil {
		metrics.RecordUpload(protocol.UploadMethodWebSocket, false)
		return protocol.UploadResponse{}, err
	}
	metrics.RecordUpload(protocol.UploadMethodWebSocket, true)
	metrics.AddUploadBytes(protocol.UploadMethodWebSocket, int64(len(data)))

	return protocol.UploadResponse{
		FileMetadata: meta,
		Uploaded:     true,
		UploadMethod: protocol.UploadMethodWebSocket,
		Content:      base64.StdEncoding.EncodeToString(data),
		Encoding:     "base64",
	}, nil
}

// uploadHTTP streams the file to the upload URL with a single PUT,
// reporting progress along the way.
func (r *Router) uploadHTTP(ctx context.Context, reqID string, req protocol.UploadRequest, meta protocol.FileMetadata) (protocol.UploadResponse, error) {
	f, err := r.files.Open(req.Path)
	if err != nil {
		return protocol.UploadResponse{}, err
	}
	defer f.Close()

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	progress := &progressTracker{
		total: meta.Size,
		emit: func(p protocol.ProgressPayload) {
			p.ReqID = reqID
			env, err := protocol.New(protocol.KindProgress, reqID, r.deviceID, p)
			if err == nil {
				r.send(env)
			}
		},
	}
	progress.start()

	var body io.Reader = http.NoBody
	if meta.Size > 0 {
		body = &chunkReader{r: f, chunk: r.chunk, onRead: progress.advance}
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPut, req.UploadURL, body)
	if err != nil {
		return protocol.UploadResponse{}, requestErr(protocol.ErrHTTPUploadFailed, req.Path, "invalid upload_url: %v", err)
	}
	httpReq.ContentLength = meta.Size
	httpReq.Header.Set("Content-Type", "application/octet-stream")

	r.log.Info("http upload started", zap.String("req_id", reqID), zap.String("path", req.Path), zap.Int64("size", meta.Size))
	resp, err := r.client.Do(httpReq)
	if err != nil {
		progress.stop()
		metrics.RecordUpload(protocol.UploadMethodHTTP, false)
		return protocol.UploadResponse{}, requestErr(protocol.ErrHTTPUploadFailed, req.Path, "upload request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		progress.stop()
		metrics.RecordUpload(protocol.UploadMethodHTTP, false)
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return protocol.UploadResponse{}, requestErr(protocol.ErrHTTPUploadFailed, req.Path,
			"upload failed with status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))

	progress.complete()
	metrics.RecordUpload(protocol.UploadMethodHTTP, true)
	metrics.AddUploadBytes(protocol.UploadMethodHTTP, meta.Size)
	r.log.Info("http upload completed", zap.String("req_id", reqID), zap.String("path", req.Path), zap.Int("status", resp.StatusCode))

	return protocol.UploadResponse{
		FileMetadata: meta,
		Uploaded:     true,
		UploadMethod: protocol.UploadMethodHTTP,
	}, nil
}

// chunkReader caps each read at chunk bytes and reports progress.
type chunkReader struct {
	r      io.Reader
	chunk  int
	onRead func(n int)
}

func (c *chunkReader) Read(p []byte) (int, error) {
	if len(p) > c.chunk {
		p = p[:c.chunk]
	}
	n, err := c.r.Read(p)
	if n > 0 && c.onRead != nil {
		c.onRead(n)
	}
	return n, err
}

// progressTracker emits progress at 0%, whenever a megabyte or five
// percentage points have accumulated since the last report, and at 100%.
// Reads happen on the HTTP transport goroutine.
type progressTracker struct {
	total int64
	emit  func(protocol.ProgressPayload)

	mu          sync.Mutex
	sent        int64
	lastBytes   int64
	lastPercent int
	stopped     bool
}

func (t *progressTracker) start() {
	t.emit(protocol.ProgressPayload{TotalBytes: t.total, Status: protocol.ProgressStarted})
}

func (t *progressTracker) advance(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	t.sent += int64(n)
	percent := t.percent()
	if t.sent-t.lastBytes < progressByteStep && percent-t.lastPercent < progressPercentStep {
		return
	}
	t.lastBytes = t.sent
	t.lastPercent = percent
	t.emit(protocol.ProgressPayload{
		UploadedBytes: t.sent,
		TotalBytes:    t.total,
		Percent:       percent,
		Status:        protocol.ProgressUploading,
	})
}

func (t *progressTracker) stop() {
	t.mu.Lock()
	t.stopped = true
	t.mu.Unlock()
}

func (t *progressTracker) complete() {
	t.mu.Lock()
	t.stopped = true
	t.mu.Unlock()
	t.emit(protocol.ProgressPayload{
		UploadedBytes: t.total,
		TotalBytes:    t.total,
		Percent:       100,
		Status:        protocol.ProgressCompleted,
	})
}

func (t *progressTracker) percent() int {
	if t.total <= 0 {
		return 100
	}
	p := int(math.Round(float64(t.sent) * 100 / float64(t.total)))
	if p > 100 {
		return 100
	}
	return p
}
