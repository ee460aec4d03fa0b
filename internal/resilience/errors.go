// Package resilience provides retry and circuit-breaker support for the
// portal, downloader, and persistence steps of the ingestion pipeline.
package resilience

import (
	"errors"
	"net"
	"strings"
	"syscall"

	"github.com/sinodata/fundreports/internal/model"
)

// TransientError wraps an error that is safe to retry (e.g. 429, 5xx,
// network timeout), optionally carrying the HTTP status that caused it.
type TransientError struct {
	Err        error
	StatusCode int
}

func (e *TransientError) Error() string {
	return e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// NewTransientError wraps an error as transient with an optional HTTP status code.
func NewTransientError(err error, statusCode int) *TransientError {
	return &TransientError{Err: err, StatusCode: statusCode}
}

// IsTransient reports whether the error is safe to retry: an explicit
// TransientError, a retryable pipeline error kind (network, timeout, portal,
// database transport), or a recognizable transport-level failure.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var te *TransientError
	if errors.As(err, &te) {
		return true
	}

	switch model.KindOf(err) {
	case model.ErrKindNetwork, model.ErrKindTimeout, model.ErrKindPortal, model.ErrKindDBTransport:
		return true
	case model.ErrKindValidation, model.ErrKindHTTP, model.ErrKindFormat,
		model.ErrKindParse, model.ErrKindDBConstraint, model.ErrKindCancelled:
		return false
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

	// String-based heuristics for wrapped errors from HTTP clients.
	msg := strings.ToLower(err.Error())
	transientPatterns := []string{
		"connection reset by peer",
		"broken pipe",
		"temporary failure in name resolution",
		"no such host",
		"tls handshake timeout",
		"i/o timeout",
		"server closed idle connection",
		"transport connection broken",
	}
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}

	return false
}

// IsTransientHTTPStatus reports whether the HTTP status code indicates a
// transient server-side issue that is safe to retry.
func IsTransientHTTPStatus(statusCode int) bool {
	switch statusCode {
	case 408, // Request Timeout
		429, // Too Many Requests
		500, // Internal Server Error
		502, // Bad Gateway
		503, // Service Unavailable
		504: // Gateway Timeout
		return true
	default:
		return false
	}
}
