package protocol

// ErrorCode is a stable error code carried in error envelopes.
type ErrorCode string

const (
	ErrPathOutsideWhitelist ErrorCode = "PATH_OUTSIDE_WHITELIST"
	ErrInternal             ErrorCode = "INTERNAL_ERROR"
	ErrNotImplemented       ErrorCode = "NOT_IMPLEMENTED"
	ErrHTTPUploadFailed     ErrorCode = "HTTP_UPLOAD_FAILED"
	ErrFileTooLarge         ErrorCode = "FILE_TOO_LARGE"
	ErrInvalidRequest       ErrorCode = "INVALID_REQUEST"
	ErrFileNotFound         ErrorCode = "FILE_NOT_FOUND"
	ErrCompressFailed       ErrorCode = "COMPRESS_FAILED"
	ErrListFailed           ErrorCode = "LIST_FAILED"
)
