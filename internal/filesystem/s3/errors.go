package s3

import (
	"fmt"

	"github.com/nucleus/segpush/internal/filesystem"
)

const (
	CodeEndpointUnreachable = "E_ENDPOINT_UNREACHABLE"
	CodeAuthInvalid         = "E_AUTH_INVALID"
	CodeBucketNotFound      = "E_BUCKET_NOT_FOUND"
	CodeObjectNotFound      = "E_OBJECT_NOT_FOUND"
	CodePermissionDenied    = "E_PERMISSION_DENIED"
	CodeTimeout             = "E_TIMEOUT"
	CodeWriteFailed         = "E_WRITE_FAILED"
	CodeReadFailed          = "E_READ_FAILED"
	CodeInvalidURI          = "E_INVALID_URI"
)

// Error wraps object-store failures with retryability hints.
type Error struct {
	Code      string
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	}
	return e.Code
}

func (e *Error) Unwrap() error         { return e.Err }
func (e *Error) CodeValue() string     { return e.Code }
func (e *Error) RetryableStatus() bool { return e.Retryable }

// Is lets missing objects match filesystem.ErrNotFound.
func (e *Error) Is(target error) bool {
	return target == filesystem.ErrNotFound && (e.Code == CodeObjectNotFound || e.Code == CodeBucketNotFound)
}

func wrapError(code string, retryable bool, err error) *Error {
	if err == nil {
		return &Error{Code: code, Retryable: retryable}
	}
	return &Error{Code: code, Retryable: retryable, Err: err}
}
