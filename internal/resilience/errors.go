package resilience

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
)

// UnreadableImageError means the source file could not be opened or its
// container was not recognized. It is never retried.
type UnreadableImageError struct {
	Path string
	Err  error
}

func (e *UnreadableImageError) Error() string {
	return fmt.Sprintf("unreadable image %s: %v", e.Path, e.Err)
}

func (e *UnreadableImageError) Unwrap() error { return e.Err }

// ConversionError reports a codec or I/O failure while writing one derived
// format. Stage names the format ("ome-tiff" or "ome-zarr"). Whether the
// failure is retryable depends on Cause and is decided by the caller.
type ConversionError struct {
	Stage string
	Path  string
	Cause error
}

func (e *ConversionError) Error() string {
	return fmt.Sprintf("convert %s to %s: %v", e.Path, e.Stage, e.Cause)
}

func (e *ConversionError) Unwrap() error { return e.Cause }

// ExternalCallError is a failed call to a third-party service. Status is
// the HTTP status, or 0 when no response was received.
type ExternalCallError struct {
	Service string
	Status  int
	Err     error
}

func (e *ExternalCallError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("%s call failed: %v", e.Service, e.Err)
	}
	return fmt.Sprintf("%s call failed (status %d): %v", e.Service, e.Status, e.Err)
}

func (e *ExternalCallError) Unwrap() error { return e.Err }

// Retryable reports whether the call may succeed if repeated: no response,
// a transient status, an open breaker, or a deadline. Any other status,
// including a 2xx whose body could not be used, is permanent.
func (e *ExternalCallError) Retryable() bool {
	if errors.Is(e.Err, ErrCircuitOpen) || errors.Is(e.Err, context.DeadlineExceeded) {
		return true
	}
	return e.Status == 0 || IsTransientHTTPStatus(e.Status)
}

// PersistenceError wraps a catalog write failure. The store being briefly
// unavailable is the expected cause, so it is always retryable.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

var transientPatterns = []string{
	"connection reset by peer",
	"broken pipe",
	"temporary failure in name resolution",
	"tls handshake timeout",
	"i/o timeout",
	"server closed idle connection",
	"database is locked",
}

// IsTransient reports whether err (or anything in its chain) is worth
// retrying at the call site: retryable ExternalCallErrors, network
// timeouts and resets.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var ece *ExternalCallError
	if errors.As(err, &ece) {
		return ece.Retryable()
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// IsTransientHTTPStatus reports whether an HTTP status is worth retrying:
// request timeout, rate limiting, or a temporary server failure.
func IsTransientHTTPStatus(statusCode int) bool {
	switch statusCode {
	case 408, 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// IsPermanent reports whether a stage failure must wait for an operator
// rather than the retry sweep. Conversion errors are not classified here.
func IsPermanent(err error) bool {
	var uie *UnreadableImageError
	if errors.As(err, &uie) {
		return true
	}
	var ece *ExternalCallError
	if errors.As(err, &ece) {
		return !ece.Retryable()
	}
	return false
}
