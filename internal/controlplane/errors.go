package controlplane

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

const (
	CodeNetwork        = "E_NETWORK"
	CodeTimeout        = "E_TIMEOUT"
	CodeServer         = "E_HTTP_5XX"
	CodeRateLimited    = "E_RATE_LIMITED"
	CodeAuthInvalid    = "E_AUTH_INVALID"
	CodeNotFound       = "E_NOT_FOUND"
	CodeConflict       = "E_CONFLICT"
	CodeRejected       = "E_REJECTED"
	CodeRequestInvalid = "E_REQUEST_INVALID"
	CodeDecode         = "E_DECODE"
)

// Error is a classified control-plane failure.
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

func wrapError(code string, retryable bool, err error) *Error {
	return &Error{Code: code, Retryable: retryable, Err: err}
}

// HTTPError represents an HTTP error response.
type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

// IsRateLimited returns true if this is a rate limit error.
func (e *HTTPError) IsRateLimited() bool {
	return e.StatusCode == http.StatusTooManyRequests
}

// IsServerError returns true if this is a server error.
func (e *HTTPError) IsServerError() bool {
	return e.StatusCode >= 500
}

func classifyHTTP(e *HTTPError) *Error {
	switch {
	case e.IsRateLimited():
		return wrapError(CodeRateLimited, true, e)
	case e.IsServerError():
		return wrapError(CodeServer, true, e)
	case e.StatusCode == http.StatusRequestTimeout:
		return wrapError(CodeTimeout, true, e)
	case e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden:
		return wrapError(CodeAuthInvalid, false, e)
	case e.StatusCode == http.StatusNotFound:
		return wrapError(CodeNotFound, false, e)
	case e.StatusCode == http.StatusConflict:
		return wrapError(CodeConflict, false, e)
	}
	return wrapError(CodeRejected, false, e)
}

// classifyTransport maps errors from http.Client.Do. Cancellation passes
// through untouched so the retry loop sees it as fatal.
func classifyTransport(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return wrapError(CodeTimeout, true, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return wrapError(CodeTimeout, true, err)
	}
	return wrapError(CodeNetwork, true, err)
}

// StatusCode extracts the HTTP status from a classified error, or 0.
func StatusCode(err error) int {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode
	}
	return 0
}
