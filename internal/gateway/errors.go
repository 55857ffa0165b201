package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"mxgate/internal/matrix"
)

// Sentinel errors classifying every failure the control plane reports.
// Wrap tags errors with one of these markers; Kind recovers the stable
// label that crosses the wire and drives CLI exit codes and hints.
var (
	ErrAlreadyRunning     = errors.New("daemon already running")
	ErrNotRunning         = errors.New("daemon not running")
	ErrDaemonUnavailable  = errors.New("daemon unavailable")
	ErrAuthRequired       = errors.New("authentication required")
	ErrBackendUnavailable = errors.New("backend unavailable")
	ErrOverloaded         = errors.New("request queue full")
	ErrBadRequest         = errors.New("bad request")
	ErrUnsupported        = errors.New("unsupported operation")
	ErrNotFound           = errors.New("not found")
)

// Kind labels carried in control-plane faults. They are part of the
// wire contract: clients rebuild typed errors from them.
const (
	KindAlreadyRunning     = "AlreadyRunning"
	KindNotRunning         = "NotRunning"
	KindDaemonUnavailable  = "DaemonUnavailable"
	KindAuthRequired       = "AuthRequired"
	KindBackendUnavailable = "BackendUnavailable"
	KindOverloaded         = "Overloaded"
	KindBadRequest         = "BadRequest"
	KindUnsupported        = "UnsupportedOperation"
	KindNotFound           = "NotFound"
	KindInternal           = "Internal"
)

var kindMarkers = map[string]error{
	KindAlreadyRunning:     ErrAlreadyRunning,
	KindNotRunning:         ErrNotRunning,
	KindDaemonUnavailable:  ErrDaemonUnavailable,
	KindAuthRequired:       ErrAuthRequired,
	KindBackendUnavailable: ErrBackendUnavailable,
	KindOverloaded:         ErrOverloaded,
	KindBadRequest:         ErrBadRequest,
	KindUnsupported:        ErrUnsupported,
	KindNotFound:           ErrNotFound,
}

// Wrap builds an error message that includes component context while
// tagging it with the provided marker for later classification. The
// marker should be one of the exported sentinel errors above.
func Wrap(marker error, component, operation, message string, err error) error {
	detail := buildDetail(component, operation, message)
	if marker == nil {
		marker = ErrBadRequest
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

// Kind maps an error to its taxonomy label. Unclassified errors report
// as Internal so clients always have something to act on.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrAlreadyRunning):
		return KindAlreadyRunning
	case errors.Is(err, ErrNotRunning):
		return KindNotRunning
	case errors.Is(err, ErrDaemonUnavailable):
		return KindDaemonUnavailable
	case errors.Is(err, ErrAuthRequired):
		return KindAuthRequired
	case errors.Is(err, ErrBackendUnavailable):
		return KindBackendUnavailable
	case errors.Is(err, ErrOverloaded):
		return KindOverloaded
	case errors.Is(err, ErrBadRequest):
		return KindBadRequest
	case errors.Is(err, ErrUnsupported):
		return KindUnsupported
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	}
	return KindInternal
}

// FromKind rebuilds a typed error from a wire fault. The message keeps
// whatever detail the daemon attached; the marker restores errors.Is
// classification on the client side.
func FromKind(kind, message string) error {
	marker, ok := kindMarkers[kind]
	if !ok {
		if message == "" {
			message = "daemon reported an unclassified failure"
		}
		return errors.New(message)
	}
	message = strings.TrimSpace(strings.TrimPrefix(message, marker.Error()))
	message = strings.TrimSpace(strings.TrimPrefix(message, ":"))
	if message == "" {
		return marker
	}
	return fmt.Errorf("%w: %s", marker, message)
}

// Hint returns the follow-up action for a failure, or empty when none
// applies. CLI surfaces print it under the error message.
func Hint(err error) string {
	switch {
	case errors.Is(err, ErrAuthRequired):
		return "log in with: mxgate login"
	case errors.Is(err, ErrDaemonUnavailable), errors.Is(err, ErrNotRunning):
		return "start the daemon with: mxgate daemon start"
	case errors.Is(err, ErrOverloaded):
		return "the daemon is busy; check progress with: mxgate daemon status"
	}
	return ""
}

// WrapBackend tags a Matrix client failure with the taxonomy marker it
// maps to. Retries already happened inside the client, so anything
// still transient here is a backend outage. The bot channel shares this
// mapping so both channels fail with the same kinds.
func WrapBackend(operation string, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, context.Canceled):
		return err
	case matrix.IsAuthError(err):
		return Wrap(ErrAuthRequired, "backend", operation, "homeserver rejected the access token", err)
	case matrix.IsNotFound(err):
		return Wrap(ErrNotFound, "backend", operation, "", err)
	case errors.Is(err, context.DeadlineExceeded):
		return Wrap(ErrBackendUnavailable, "backend", operation, "request deadline exceeded", err)
	}
	if matrixErr, ok := matrix.AsMatrixError(err); ok {
		if matrixErr.StatusCode >= 400 && matrixErr.StatusCode < 500 && matrixErr.StatusCode != http.StatusTooManyRequests {
			// The homeserver refused the request outright; its message
			// travels to the caller verbatim.
			return Wrap(ErrBadRequest, "backend", operation, matrixErr.Message, err)
		}
	}
	return Wrap(ErrBackendUnavailable, "backend", operation, "", err)
}

func buildDetail(component, operation, message string) string {
	parts := make([]string, 0, 3)
	if component = strings.TrimSpace(component); component != "" {
		parts = append(parts, component)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "gateway failure"
	}
	return strings.Join(parts, ": ")
}
