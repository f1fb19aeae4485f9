// Package apierr defines the failure taxonomy shared by the transport, the
// sync engine and the read-through cache. Remote failures are either
// transient (ErrNetwork, retried) or business rejections (ErrRejected, never
// retried). Use errors.Is to classify.
package apierr

import (
	"errors"
	"fmt"
)

// Sentinel errors for remote call classification.
var (
	ErrNetwork  = errors.New("network error")
	ErrRejected = errors.New("rejected by server")
	// ErrOffline marks a network failure caused by detected loss of
	// connectivity. It always matches ErrNetwork as well.
	ErrOffline = errors.New("offline")
)

// NetworkError wraps a transient failure: transport errors, timeouts,
// throttling and 5xx responses.
type NetworkError struct {
	Op      string
	Offline bool
	Err     error
}

func (e *NetworkError) Error() string {
	if e.Offline {
		return fmt.Sprintf("%s: offline: %v", e.Op, e.Err)
	}

	return fmt.Sprintf("%s: network error: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// Is makes every NetworkError match ErrNetwork, and offline ones ErrOffline.
func (e *NetworkError) Is(target error) bool {
	switch target {
	case ErrNetwork:
		return true
	case ErrOffline:
		return e.Offline
	default:
		return false
	}
}

// RejectedError wraps a remote business rejection. StatusCode is the HTTP
// status when the rejection came from an HTTP response, zero otherwise.
type RejectedError struct {
	Op         string
	StatusCode int
	Message    string
}

func (e *RejectedError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: rejected (HTTP %d): %s", e.Op, e.StatusCode, e.Message)
	}

	return fmt.Sprintf("%s: rejected: %s", e.Op, e.Message)
}

func (e *RejectedError) Is(target error) bool {
	return target == ErrRejected
}

// Network returns a NetworkError for op wrapping err.
func Network(op string, err error) error {
	return &NetworkError{Op: op, Err: err}
}

// Offline returns a NetworkError for op that is known to be caused by
// missing connectivity.
func Offline(op string, err error) error {
	if err == nil {
		err = ErrOffline
	}

	return &NetworkError{Op: op, Offline: true, Err: err}
}

// Rejected returns a RejectedError for op.
func Rejected(op string, statusCode int, message string) error {
	return &RejectedError{Op: op, StatusCode: statusCode, Message: message}
}

// IsTransient reports whether err should be retried later.
func IsTransient(err error) bool {
	return errors.Is(err, ErrNetwork)
}
