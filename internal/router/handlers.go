package router

import (
	"context"

	"go.uber.org/zap"

	"github.com/standardbeagle/fileagent/internal/protocol"
)

const (
	msgDeleted      = "Deleted successfully"
	msgDeleteFailed = "Delete failed: path does not exist or could not be removed"
)

func (r *Router) handleList(_ context.Context, env protocol.Envelope) error {
	var req protocol.PathRequest
	if err := decodeRequest(env, &req); err != nil {
		return err
	}
	if err := r.validatePath(req.Path); err != nil {
		return err
	}

	entries, err := r.files.List(req.Path)
	if err != nil {
		return requestErr(protocol.ErrListFailed, req.Path, "%v", err)
	}
	return r.respond(env, protocol.ListResponse{Path: req.Path, Entries: entries})
}

func (r *Router) handleDelete(_ context.Context, env protocol.Envelope) error {
	var req protocol.PathRequest
	if err := decodeRequest(env, &req); err != nil {
		return err
	}
	if err := r.validatePath(req.Path); err != nil {
		return err
	}

	resp := protocol.DeleteResponse{Path: req.Path, Message: msgDeleteFailed}
	if r.files.Delete(req.Path) {
		resp.Success = true
		resp.Message = msgDeleted
	}
	r.log.Info("delete", zap.String("req_id", env.ReqID), zap.String("path", req.Path), zap.Bool("success", resp.Success))
	return r.respond(env, resp)
}

// handleZip is reserved; compress_req replaces it.
func (r *Router) handleZip(_ context.Context, _ protocol.Envelope) error {
	return requestErr(protocol.ErrNotImplemented, "", "zip_req is not implemented, use compress_req")
}

func (r *Router) handleCompress(_ context.Context, env protocol.Envelope) error {
	var req protocol.PathRequest
	if err := decodeRequest(env, &req); err != nil {
		return err
	}
	if err := r.validatePath(req.Path); err != nil {
		return err
	}

	result, err := r.files.Compress(req.Path)
	if err != nil {
		return requestErr(protocol.ErrCompressFailed, req.Path, "%v", err)
	}
	r.log.Info("compressed",
		zap.String("req_id", env.ReqID),
		zap.String("path", req.Path),
		zap.String("zip_path", result.ZipPath),
		zap.Int64("size", result.Size))
	return r.respond(env, result)
}

func (r *Router) handleFileInfo(_ context.Context, env protocol.Envelope) error {
	var req protocol.PathRequest
	if err := decodeRequest(env, &req); err != nil {
		return err
	}
	if err := r.validatePath(req.Path); err != nil {
		return err
	}

	info, err := r.files.Probe(req.Path)
	if err != nil {
		return err
	}
	return r.respond(env, info)
}
