package errors

import (
	stderrors "errors"
	"fmt"
)

var (
	ErrWorkerPanic        = fmt.Errorf("worker panic")
	ErrEmptyWords         = fmt.Errorf("no words have been found")
	ErrUserAlreadyExists  = fmt.Errorf("user already exists")
	ErrUserNotFound       = fmt.Errorf("user not found")
	ErrInvalidCredentials = fmt.Errorf("invalid username or password")
	ErrInvalidUsername    = fmt.Errorf("invalid username")
	ErrInvalidPassword    = fmt.Errorf("invalid password")
	ErrInvalidRoomName    = fmt.Errorf("invalid room name")
	ErrRoomNotFound       = fmt.Errorf("room not found")
	ErrRoomDestroyed      = fmt.Errorf("room has been destroyed")
	ErrMalformedPayload   = fmt.Errorf("malformed bus payload")
	ErrSubscriptionClosed = fmt.Errorf("subscription closed")
	ErrSessionClosed      = fmt.Errorf("session closed")
	ErrInvalidHelpTable   = fmt.Errorf("command table does not match help table")
	ErrUnknownBackend     = fmt.Errorf("unknown store backend")
)

// Is lets callers importing this package match sentinels without the standard library alias.
func Is(err, target error) bool {
	return stderrors.Is(err, target)
}
