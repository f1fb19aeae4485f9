package store

import (
	"errors"
	"fmt"
)

// Sentinel errors. Every persistence failure matches ErrStore; callers must
// treat a write that returned an ErrStore as not committed.
var (
	ErrStore    = errors.New("store: persistence failed")
	ErrNotFound = errors.New("store: not found")
)

// Error wraps a failed store operation with the operation name.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("store: %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports ErrStore for every store Error so callers can classify without
// caring about the underlying driver error.
func (e *Error) Is(target error) bool {
	return target == ErrStore
}

func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}

	return &Error{Op: op, Err: err}
}
