package matrix

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Standard Matrix error codes mxgate reacts to. Anything else passes
// through untouched.
const (
	ErrCodeForbidden     = "M_FORBIDDEN"
	ErrCodeUnknownToken  = "M_UNKNOWN_TOKEN"
	ErrCodeMissingToken  = "M_MISSING_TOKEN"
	ErrCodeNotFound      = "M_NOT_FOUND"
	ErrCodeLimitExceeded = "M_LIMIT_EXCEEDED"
	ErrCodeUnknown       = "M_UNKNOWN"
	ErrCodeTooLarge      = "M_TOO_LARGE"
)

// MatrixError is the uniform error shape every Matrix endpoint returns.
type MatrixError struct {
	Code         string `json:"errcode"`
	Message      string `json:"error"`
	RetryAfterMS int64  `json:"retry_after_ms,omitempty"`
	StatusCode   int    `json:"-"`
}

func (e *MatrixError) Error() string {
	return fmt.Sprintf("matrix: %s (%d): %s", e.Code, e.StatusCode, e.Message)
}

// IsMatrixError reports whether err is a MatrixError with the given code.
func IsMatrixError(err error, code string) bool {
	var matrixErr *MatrixError
	if !errors.As(err, &matrixErr) {
		return false
	}
	return matrixErr.Code == code
}

// AsMatrixError unwraps err to a MatrixError when present.
func AsMatrixError(err error) (*MatrixError, bool) {
	var matrixErr *MatrixError
	if errors.As(err, &matrixErr) {
		return matrixErr, true
	}
	return nil, false
}

// IsAuthError reports whether err means the access token is no longer
// valid. These failures are never retried: the session is gone until
// the user logs in again.
func IsAuthError(err error) bool {
	matrixErr, ok := AsMatrixError(err)
	if !ok {
		return false
	}
	switch matrixErr.Code {
	case ErrCodeUnknownToken, ErrCodeMissingToken:
		return true
	}
	return matrixErr.StatusCode == http.StatusUnauthorized
}

// IsNotFound reports whether err identifies a missing room, event, or
// media item.
func IsNotFound(err error) bool {
	matrixErr, ok := AsMatrixError(err)
	if !ok {
		return false
	}
	return matrixErr.Code == ErrCodeNotFound || matrixErr.StatusCode == http.StatusNotFound
}

// RetryAfter extracts the server-requested pause from a rate limit
// error. The second return is false when err is not a rate limit.
func RetryAfter(err error) (time.Duration, bool) {
	matrixErr, ok := AsMatrixError(err)
	if !ok {
		return 0, false
	}
	if matrixErr.Code != ErrCodeLimitExceeded && matrixErr.StatusCode != http.StatusTooManyRequests {
		return 0, false
	}
	return time.Duration(matrixErr.RetryAfterMS) * time.Millisecond, true
}

// IsRetryable reports whether err is worth another attempt: transport
// failures, rate limits, and homeserver 5xx responses. Auth failures
// and other 4xx responses are final.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	matrixErr, ok := AsMatrixError(err)
	if !ok {
		// Transport-level failure. Context cancellation is final.
		return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
	}
	if matrixErr.StatusCode == http.StatusTooManyRequests || matrixErr.Code == ErrCodeLimitExceeded {
		return true
	}
	return matrixErr.StatusCode >= 500
}
