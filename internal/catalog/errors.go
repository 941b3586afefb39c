package catalog

import (
	"context"
	"errors"

	"github.com/heimdex/heimdex-clipper/internal/convert"
	"github.com/heimdex/heimdex-clipper/internal/export"
	"github.com/heimdex/heimdex-clipper/internal/marker"
	"github.com/heimdex/heimdex-clipper/internal/transcode"
	"github.com/heimdex/heimdex-clipper/internal/upload"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrUploadsDisabled = errors.New("uploads are disabled")
)

// Error codes reported to API clients and stored with failed exports.
const (
	CodeBufferTimeout      = "BUFFER_TIMEOUT"
	CodeNoBufferedData     = "NO_BUFFERED_DATA"
	CodeNoSourceFile       = "NO_SOURCE_FILE"
	CodeBinaryNotFound     = "BINARY_NOT_FOUND"
	CodeProcessExitNonZero = "PROCESS_EXIT_NON_ZERO"
	CodeProbeParseError    = "PROBE_PARSE_ERROR"
	CodeClipTooShort       = "CLIP_TOO_SHORT"
	CodeNoSession          = "NO_SESSION"
	CodeInvalidRequest     = "INVALID_REQUEST"
	CodeNotFound           = "NOT_FOUND"
	CodeUploadsDisabled    = "UPLOADS_DISABLED"
	CodeQueueClosed        = "QUEUE_CLOSED"
	CodeCancelled          = "CANCELLED"
	CodeInternal           = "INTERNAL_ERROR"
)

// ErrorCode classifies err for clients. Unknown errors are CodeInternal.
func ErrorCode(err error) string {
	var exitErr *transcode.ExitError
	var probeErr *transcode.ProbeParseError

	switch {
	case err == nil:
		return ""
	case errors.Is(err, marker.ErrBufferTimeout):
		return CodeBufferTimeout
	case errors.Is(err, export.ErrNoBufferedData):
		return CodeNoBufferedData
	case errors.Is(err, upload.ErrNoSourceFile):
		return CodeNoSourceFile
	case errors.Is(err, transcode.ErrBinaryNotFound):
		return CodeBinaryNotFound
	case errors.As(err, &exitErr):
		return CodeProcessExitNonZero
	case errors.As(err, &probeErr):
		return CodeProbeParseError
	case errors.Is(err, marker.ErrClipTooShort):
		return CodeClipTooShort
	case errors.Is(err, marker.ErrNoSession):
		return CodeNoSession
	case errors.Is(err, export.ErrInvalidRequest), errors.Is(err, export.ErrInvalidOutputDir):
		return CodeInvalidRequest
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrUploadsDisabled):
		return CodeUploadsDisabled
	case errors.Is(err, convert.ErrQueueClosed):
		return CodeQueueClosed
	case errors.Is(err, context.Canceled):
		return CodeCancelled
	default:
		return CodeInternal
	}
}
