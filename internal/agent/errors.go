package agent

import (
	"errors"
	"fmt"
)

// ErrorKind categorizes collector failures for the controller.
type ErrorKind int

const (
	// ErrKindOther covers registration failures of any cause.
	ErrKindOther ErrorKind = iota
	// ErrKindTransient covers heartbeat failures that should be retried with backoff.
	ErrKindTransient
	// ErrKindUnauthorized means the collector rejected the token (HTTP 401).
	ErrKindUnauthorized
)

func (k ErrorKind) String() string {
	switch k {
	case ErrKindTransient:
		return "transient"
	case ErrKindUnauthorized:
		return "unauthorized"
	default:
		return "other"
	}
}

// ClientError is a typed error returned by Client operations.
type ClientError struct {
	Kind       ErrorKind
	Op         string
	StatusCode int
	Message    string
	Cause      error
}

func (e *ClientError) Error() string {
	msg := e.Op + ": " + e.Message
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.StatusCode)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

func (e *ClientError) Unwrap() error {
	return e.Cause
}

func newClientError(kind ErrorKind, op string, status int, message string, cause error) *ClientError {
	return &ClientError{
		Kind:       kind,
		Op:         op,
		StatusCode: status,
		Message:    message,
		Cause:      cause,
	}
}

// KindOf returns the kind of a ClientError anywhere in err's chain.
// Errors that are not ClientErrors are reported as ErrKindOther.
func KindOf(err error) ErrorKind {
	var ce *ClientError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return ErrKindOther
}

// IsUnauthorized reports whether err signals an invalidated token.
func IsUnauthorized(err error) bool {
	return err != nil && KindOf(err) == ErrKindUnauthorized
}
