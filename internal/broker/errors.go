package broker

import (
	"errors"
	"fmt"
)

// Sentinel errors. ErrAuthExpired is returned by a call whose credentials
// were refused, and by Do once a refresh episode has failed.
var (
	ErrAuthExpired = errors.New("broker: authentication expired")
	ErrNotLoggedIn = errors.New("broker: not logged in")
)

// AuthError reports a failed refresh episode. It matches ErrAuthExpired and
// unwraps to the refresher's error.
type AuthError struct {
	Op  string
	Err error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("broker: %s: authentication expired: %v", e.Op, e.Err)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

func (e *AuthError) Is(target error) bool {
	return target == ErrAuthExpired
}
