package router

import (
	"fmt"

	"github.com/standardbeagle/fileagent/internal/protocol"
)

// RequestError is a handler failure reported to the server as an error
// envelope.
type RequestError struct {
	Code    protocol.ErrorCode
	Message string
	Path    string
}

func (e *RequestError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Path)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func requestErr(code protocol.ErrorCode, path, format string, args ...any) *RequestError {
	return &RequestError{Code: code, Message: fmt.Sprintf(format, args...), Path: path}
}
