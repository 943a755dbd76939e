package router

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/standardbeagle/fileagent/internal/fileops"
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
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, env)
	return nil
}

func (s *fakeSender) all() []protocol.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.Envelope(nil), s.sent...)
}

func (s *fakeSender) ofKind(kind protocol.Kind) []protocol.Envelope {
	var out []protocol.Envelope
	for _, env := range s.all() {
		if env.Type == kind {
			out = append(out, env)
		}
	}
	return out
}

type fixture struct {
	root   string
	temp   string
	sender *fakeSender
	router *Router
}

func newFixture(t *testing.T, opts ...func(*Config)) *fixture {
	t.Helper()
	f := &fixture{
		root:   t.TempDir(),
		temp:   t.TempDir(),
		sender: &fakeSender{},
	}
	cfg := Config{
		Files:    fileops.New(f.temp),
		Sender:   f.sender,
		Roots:    []protocol.AllowedRoot{{RootID: "data", Name: "Data", AbsPath: f.root}},
		DeviceID: "dev-1",
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	f.router = New(cfg)
	t.Cleanup(f.router.Close)
	return f
}

func (f *fixture) request(t *testing.T, kind protocol.Kind, reqID string, payload any) {
	t.Helper()
	env, err := protocol.New(kind, reqID, "server", payload)
	require.NoError(t, err)
	f.router.Handle(env)
}

func (f *fixture) write(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(f.root, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, data, 0644))
	return path
}

func requireError(t *testing.T, env protocol.Envelope, reqID string, code protocol.ErrorCode) protocol.ErrorPayload {
	t.Helper()
	require.Equal(t, protocol.KindError, env.Type)
	assert.Equal(t, reqID, env.ReqID)
	var p protocol.ErrorPayload
	require.NoError(t, env.DecodePayload(&p))
	assert.Equal(t, code, p.Code)
	assert.Equal(t, reqID, p.ReqID)
	return p
}

func TestList_MissingDirectoryYieldsEmptyEntries(t *testing.T) {
	f := newFixture(t)
	missing := filepath.Join(f.root, "nope")

	f.request(t, protocol.KindListReq, "r1", protocol.PathRequest{Path: missing})

	sent := f.sender.all()
	require.Len(t, sent, 1)
	assert.Equal(t, protocol.KindListResp, sent[0].Type)
	assert.Equal(t, "r1", sent[0].ReqID)
	assert.Contains(t, string(sent[0].Payload), `"entries":[]`)

	var resp protocol.ListResponse
	require.NoError(t, sent[0].DecodePayload(&resp))
	assert.Equal(t, missing, resp.Path)
	assert.Empty(t, resp.Entries)
}

func TestList_Entries(t *testing.T) {
	f := newFixture(t)
	f.write(t, "b.txt", []byte("b"))
	f.write(t, "sub/a.txt", []byte("a"))

	f.request(t, protocol.KindListReq, "r1", protocol.PathRequest{Path: f.root})

	sent := f.sender.ofKind(protocol.KindListResp)
	require.Len(t, sent, 1)
	var resp protocol.ListResponse
	require.NoError(t, sent[0].DecodePayload(&resp))
	require.Len(t, resp.Entries, 2)
	assert.Equal(t, "sub", resp.Entries[0].Name)
	assert.True(t, resp.Entries[0].IsDir)
	assert.Equal(t, "b.txt", resp.Entries[1].Name)
}

func TestDelete_OutsideWhitelist(t *testing.T) {
	f := newFixture(t)
	outside := filepath.Join(t.TempDir(), "passwd")
	require.NoError(t, os.WriteFile(outside, []byte("root:x:0:0"), 0644))

	for _, path := range []string{"/etc/passwd", outside} {
		f.request(t, protocol.KindDeleteReq, "r-del", protocol.PathRequest{Path: path})
	}

	sent := f.sender.all()
	require.Len(t, sent, 2)
	p := requireError(t, sent[1], "r-del", protocol.ErrPathOutsideWhitelist)
	assert.Equal(t, outside, p.Path)
	assert.FileExists(t, outside)
}

func TestDelete_InsideRoot(t *testing.T) {
	f := newFixture(t)
	path := f.write(t, "old.log", []byte("x"))

	f.request(t, protocol.KindDeleteReq, "r1", protocol.PathRequest{Path: path})
	f.request(t, protocol.KindDeleteReq, "r2", protocol.PathRequest{Path: path})

	sent := f.sender.ofKind(protocol.KindDeleteResp)
	require.Len(t, sent, 2)

	var first, second protocol.DeleteResponse
	require.NoError(t, sent[0].DecodePayload(&first))
	require.NoError(t, sent[1].DecodePayload(&second))
	assert.True(t, first.Success)
	assert.Equal(t, msgDeleted, first.Message)
	assert.False(t, second.Success)
	assert.Equal(t, msgDeleteFailed, second.Message)
	assert.NoFileExists(t, path)
}

func TestTraversalRejectedBeforeWhitelist(t *testing.T) {
	f := newFixture(t)
	sneaky := f.root + "/sub/../file.txt"
	f.write(t, "file.txt", []byte("x"))

	f.request(t, protocol.KindDeleteReq, "r1", protocol.PathRequest{Path: sneaky})

	sent := f.sender.all()
	require.Len(t, sent, 1)
	p := requireError(t, sent[0], "r1", protocol.ErrPathOutsideWhitelist)
	assert.Equal(t, "Path traversal detected", p.Message)
	assert.FileExists(t, filepath.Join(f.root, "file.txt"))
}

func TestZip_NotImplemented(t *testing.T) {
	f := newFixture(t)
	f.request(t, protocol.KindZipReq, "z1", protocol.PathRequest{Path: "/anything"})

	sent := f.sender.all()
	require.Len(t, sent, 1)
	requireError(t, sent[0], "z1", protocol.ErrNotImplemented)
}

func TestInvalidPayload(t *testing.T) {
	f := newFixture(t)
	f.router.Handle(protocol.Envelope{
		Type:    protocol.KindListReq,
		ReqID:   "bad",
		Payload: []byte(`{"path":5}`),
	})
	f.request(t, protocol.KindListReq, "empty", protocol.PathRequest{})

	sent := f.sender.all()
	require.Len(t, sent, 2)
	requireError(t, sent[0], "bad", protocol.ErrInvalidRequest)
	requireError(t, sent[1], "empty", protocol.ErrInvalidRequest)
}

func TestUnhandledKindsIgnored(t *testing.T) {
	f := newFixture(t)
	f.request(t, protocol.KindHeartbeat, "h1", protocol.HeartbeatPayload{})
	f.request(t, protocol.KindListResp, "l1", nil)

	assert.Empty(t, f.sender.all())
}

func TestHandlerPanicBecomesInternalError(t *testing.T) {
	f := newFixture(t)
	f.router.handlers[protocol.KindListReq] = func(context.Context, protocol.Envelope) error {
		panic("boom")
	}

	f.request(t, protocol.KindListReq, "p1", protocol.PathRequest{Path: f.root})
	f.request(t, protocol.KindZipReq, "z1", nil)

	sent := f.sender.all()
	require.Len(t, sent, 2)
	p := requireError(t, sent[0], "p1", protocol.ErrInternal)
	assert.Contains(t, p.Message, "boom")
	requireError(t, sent[1], "z1", protocol.ErrNotImplemented)
}

func TestSendFailureIsDropped(t *testing.T) {
	f := newFixture(t)
	f.sender.err = errors.New("not connected")

	assert.NotPanics(t, func() {
		f.request(t, protocol.KindListReq, "r1", protocol.PathRequest{Path: f.root})
	})
}

func TestFileInfo(t *testing.T) {
	f := newFixture(t)
	path := f.write(t, "info.txt", []byte("hello"))

	f.request(t, protocol.KindFileInfoReq, "i1", protocol.PathRequest{Path: path})
	f.request(t, protocol.KindFileInfoReq, "i2", protocol.PathRequest{Path: filepath.Join(f.root, "gone")})

	sent := f.sender.ofKind(protocol.KindFileInfoResp)
	require.Len(t, sent, 2)

	var found, missing protocol.ProbeResult
	require.NoError(t, sent[0].DecodePayload(&found))
	require.NoError(t, sent[1].DecodePayload(&missing))
	assert.True(t, found.Exists)
	assert.Equal(t, int64(5), found.Size)
	assert.False(t, missing.Exists)
	assert.NotContains(t, string(sent[0].Payload), "sha256")
}

func TestCompressThenUploadWithCleanup(t *testing.T) {
	f := newFixture(t)
	f.write(t, "logs/app.log", []byte("line one\nline two\n"))

	f.request(t, protocol.KindCompressReq, "c1", protocol.PathRequest{Path: filepath.Join(f.root, "logs")})

	compressed := f.sender.ofKind(protocol.KindCompressResp)
	require.Len(t, compressed, 1)
	var archive protocol.CompressResult
	require.NoError(t, compressed[0].DecodePayload(&archive))
	assert.Equal(t, "logs.zip", archive.ZipName)
	require.FileExists(t, archive.ZipPath)

	// The archive lives outside every root but is still uploadable.
	f.request(t, protocol.KindUploadReq, "u1", protocol.UploadRequest{Path: archive.ZipPath, CleanupAfter: true})

	uploads := f.sender.ofKind(protocol.KindUploadResp)
	require.Len(t, uploads, 1)
	var resp protocol.UploadResponse
	require.NoError(t, uploads[0].DecodePayload(&resp))
	assert.True(t, resp.Uploaded)
	assert.Equal(t, protocol.UploadMethodWebSocket, resp.UploadMethod)
	assert.Equal(t, "base64", resp.Encoding)
	assert.Equal(t, archive.Size, resp.Size)
	assert.Len(t, resp.SHA256, 64)

	content, err := base64.StdEncoding.DecodeString(resp.Content)
	require.NoError(t, err)
	assert.Equal(t, archive.Size, int64(len(content)))

	assert.NoFileExists(t, archive.ZipPath)
	assert.NoDirExists(t, filepath.Dir(archive.ZipPath))
}

func TestUpload_CleanupNotAppliedInsideRoot(t *testing.T) {
	f := newFixture(t)
	path := f.write(t, "keep.txt", []byte("keep me"))

	f.request(t, protocol.KindUploadReq, "u1", protocol.UploadRequest{Path: path, CleanupAfter: true})

	require.Len(t, f.sender.ofKind(protocol.KindUploadResp), 1)
	assert.FileExists(t, path)
}

func TestUpload_FileNotFound(t *testing.T) {
	f := newFixture(t)
	f.request(t, protocol.KindUploadReq, "u1", protocol.UploadRequest{Path: filepath.Join(f.root, "missing.bin")})

	sent := f.sender.all()
	require.Len(t, sent, 1)
	requireError(t, sent[0], "u1", protocol.ErrFileNotFound)
}

func TestUpload_FileTooLarge(t *testing.T) {
	f := newFixture(t)
	path := filepath.Join(f.root, "big.bin")
	fh, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, fh.Truncate(DefaultFallbackLimit+1))
	require.NoError(t, fh.Close())

	f.request(t, protocol.KindUploadReq, "u1", protocol.UploadRequest{Path: path})

	sent := f.sender.all()
	require.Len(t, sent, 1)
	p := requireError(t, sent[0], "u1", protocol.ErrFileTooLarge)
	assert.Contains(t, p.Message, "upload_url")
	assert.NotContains(t, string(sent[0].Payload), "content")
}

func TestUpload_FallbackAtLimit(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.FallbackLimit = 8 })
	path := f.write(t, "eight.bin", []byte("12345678"))

	f.request(t, protocol.KindUploadReq, "u1", protocol.UploadRequest{Path: path})

	uploads := f.sender.ofKind(protocol.KindUploadResp)
	require.Len(t, uploads, 1)
	var resp protocol.UploadResponse
	require.NoError(t, uploads[0].DecodePayload(&resp))
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("12345678")), resp.Content)
}

type capturedPut struct {
	method        string
	contentType   string
	contentLength int64
	body          []byte
}

func uploadServer(t *testing.T, status int, reply string) (*httptest.Server, *capturedPut) {
	t.Helper()
	got := &capturedPut{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got.method = r.Method
		got.contentType = r.Header.Get("Content-Type")
		got.contentLength = r.ContentLength
		got.body, _ = io.ReadAll(r.Body)
		w.WriteHeader(status)
		_, _ = io.WriteString(w, reply)
	}))
	t.Cleanup(srv.Close)
	return srv, got
}

func TestUpload_HTTPStreamsWithProgress(t *testing.T) {
	f := newFixture(t)
	data := bytes.Repeat([]byte("0123456789abcdef"), 3*1024*1024/16)
	path := f.write(t, "big.log", data)
	srv, got := uploadServer(t, http.StatusCreated, "")

	f.request(t, protocol.KindUploadReq, "u1", protocol.UploadRequest{Path: path, UploadURL: srv.URL + "/put"})

	assert.Equal(t, http.MethodPut, got.method)
	assert.Equal(t, "application/octet-stream", got.contentType)
	assert.Equal(t, int64(len(data)), got.contentLength)
	assert.True(t, bytes.Equal(data, got.body))

	sent := f.sender.all()
	require.GreaterOrEqual(t, len(sent), 4)

	var progress []protocol.ProgressPayload
	for _, env := range sent[:len(sent)-1] {
		require.Equal(t, protocol.KindProgress, env.Type)
		assert.Equal(t, "u1", env.ReqID)
		var p protocol.ProgressPayload
		require.NoError(t, env.DecodePayload(&p))
		progress = append(progress, p)
	}
	first, last := progress[0], progress[len(progress)-1]
	assert.Equal(t, 0, first.Percent)
	assert.Equal(t, protocol.ProgressStarted, first.Status)
	assert.Equal(t, 100, last.Percent)
	assert.Equal(t, protocol.ProgressCompleted, last.Status)
	assert.Equal(t, int64(len(data)), last.UploadedBytes)
	// A 3 MiB file crosses 5 percent well before 1 MiB, so every intermediate
	// report is driven by the percent threshold.
	chunkPercent := int(float64(DefaultChunkSize)*100/float64(len(data))) + 1
	for i := 1; i < len(progress); i++ {
		assert.GreaterOrEqual(t, progress[i].UploadedBytes, progress[i-1].UploadedBytes)
		step := progress[i].UploadedBytes - progress[i-1].UploadedBytes
		assert.LessOrEqual(t, step, int64(1<<20+DefaultChunkSize), "at least one report per megabyte")
		if progress[i].Status == protocol.ProgressUploading {
			gap := progress[i].Percent - progress[i-1].Percent
			assert.GreaterOrEqual(t, gap, progressPercentStep, "report %d", i)
			assert.LessOrEqual(t, gap, progressPercentStep+chunkPercent, "report %d", i)
		}
	}

	final := sent[len(sent)-1]
	require.Equal(t, protocol.KindUploadResp, final.Type)
	var resp protocol.UploadResponse
	require.NoError(t, final.DecodePayload(&resp))
	assert.True(t, resp.Uploaded)
	assert.Equal(t, protocol.UploadMethodHTTP, resp.UploadMethod)
	assert.Empty(t, resp.Content)
	assert.NotContains(t, string(final.Payload), `"content"`)
}

func TestProgressTracker_Thresholds(t *testing.T) {
	collect := func(total int64, chunk, chunks int) []protocol.ProgressPayload {
		var got []protocol.ProgressPayload
		tr := &progressTracker{total: total, emit: func(p protocol.ProgressPayload) { got = append(got, p) }}
		for i := 0; i < chunks; i++ {
			tr.advance(chunk)
		}
		return got
	}

	t.Run("every five percent", func(t *testing.T) {
		got := collect(1000, 10, 100)
		require.Len(t, got, 20)
		for i, p := range got {
			assert.Equal(t, (i+1)*5, p.Percent)
			assert.Equal(t, int64((i+1)*50), p.UploadedBytes)
		}
	})

	t.Run("every megabyte", func(t *testing.T) {
		// 5 percent of 100 MiB is 5 MiB, so the byte threshold fires first.
		got := collect(100<<20, 64<<10, 1600)
		require.Len(t, got, 100)
		for i, p := range got {
			assert.Equal(t, int64(i+1)<<20, p.UploadedBytes)
			assert.Equal(t, protocol.ProgressUploading, p.Status)
		}
	})

	t.Run("nothing after stop", func(t *testing.T) {
		var got []protocol.ProgressPayload
		tr := &progressTracker{total: 100, emit: func(p protocol.ProgressPayload) { got = append(got, p) }}
		tr.stop()
		tr.advance(100)
		assert.Empty(t, got)
	})
}

func TestUpload_HTTPNon2xx(t *testing.T) {
	f := newFixture(t)
	path := f.write(t, "report.csv", []byte("a,b,c\n"))
	srv, _ := uploadServer(t, http.StatusForbidden, "signature expired")

	f.request(t, protocol.KindUploadReq, "u1", protocol.UploadRequest{Path: path, UploadURL: srv.URL})

	sent := f.sender.all()
	require.GreaterOrEqual(t, len(sent), 2)

	require.Equal(t, protocol.KindProgress, sent[0].Type)
	var start protocol.ProgressPayload
	require.NoError(t, sent[0].DecodePayload(&start))
	assert.Equal(t, 0, start.Percent)

	p := requireError(t, sent[len(sent)-1], "u1", protocol.ErrHTTPUploadFailed)
	assert.Contains(t, p.Message, "403")
	assert.Contains(t, p.Message, "signature expired")
	assert.Empty(t, f.sender.ofKind(protocol.KindUploadResp))
}

func TestUpload_EmptyFileOverHTTP(t *testing.T) {
	f := newFixture(t)
	path := f.write(t, "empty.txt", nil)
	srv, got := uploadServer(t, http.StatusOK, "")

	f.request(t, protocol.KindUploadReq, "u1", protocol.UploadRequest{Path: path, UploadURL: srv.URL})

	assert.Equal(t, int64(0), got.contentLength)
	assert.Empty(t, got.body)
	require.Len(t, f.sender.ofKind(protocol.KindUploadResp), 1)
}

type fakeSource struct {
	mu  sync.Mutex
	fns []func(protocol.Envelope)
}

func (s *fakeSource) SubscribeMessages(fn func(protocol.Envelope)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := len(s.fns)
	s.fns = append(s.fns, fn)
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.fns[idx] = nil
	}
}

func (s *fakeSource) deliver(env protocol.Envelope) {
	s.mu.Lock()
	fns := append(([]func(protocol.Envelope))(nil), s.fns...)
	s.mu.Unlock()
	for _, fn := range fns {
		if fn != nil {
			fn(env)
		}
	}
}

func TestAttachAndClose(t *testing.T) {
	f := newFixture(t)
	src := &fakeSource{}
	f.router.Attach(src)

	env, err := protocol.New(protocol.KindZipReq, "z1", "", nil)
	require.NoError(t, err)

	src.deliver(env)
	require.Len(t, f.sender.all(), 1)

	f.router.Close()
	src.deliver(env)
	assert.Len(t, f.sender.all(), 1)
}
