package model

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrorKind classifies pipeline failures for retry policy and task reporting.
type ErrorKind string

const (
	ErrKindValidation   ErrorKind = "VALIDATION"
	ErrKindPortal       ErrorKind = "PORTAL"
	ErrKindHTTP         ErrorKind = "HTTP"
	ErrKindNetwork      ErrorKind = "NETWORK"
	ErrKindTimeout      ErrorKind = "TIMEOUT"
	ErrKindIO           ErrorKind = "IO"
	ErrKindFormat       ErrorKind = "FORMAT"
	ErrKindParse        ErrorKind = "PARSE"
	ErrKindDBTransport  ErrorKind = "DB_TRANSPORT"
	ErrKindDBConstraint ErrorKind = "DB_CONSTRAINT"
	ErrKindCancelled    ErrorKind = "CANCELLED"
	ErrKindUnknown      ErrorKind = "UNKNOWN"
)

// PipelineError tags an error with its kind so the orchestrator can apply the
// right retry policy and record a structured ItemError.
type PipelineError struct {
	Kind ErrorKind
	Err  error
}

func (e *PipelineError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *PipelineError) Unwrap() error {
	return e.Err
}

// WrapKind tags err with the given kind. Returns nil for a nil err.
func WrapKind(kind ErrorKind, err error) error {
	if err == nil {
		return nil
	}
	return &PipelineError{Kind: kind, Err: err}
}

// KindOf extracts the error kind from err's chain, falling back to transport
// heuristics for untagged errors.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrKindTimeout
	}
	if errors.Is(err, context.Canceled) {
		return ErrKindCancelled
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return ErrKindTimeout
		}
		return ErrKindNetwork
	}
	return ErrKindUnknown
}

// PortalError reports a non-2xx or malformed response from the disclosure
// portal, with a short body snippet for diagnostics.
type PortalError struct {
	Status  int
	Snippet string
}

func (e *PortalError) Error() string {
	return fmt.Sprintf("portal returned status %d: %s", e.Status, e.Snippet)
}
