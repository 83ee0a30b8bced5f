package coordinator

import (
	"errors"
	"fmt"
)

// LoopError stops Run. It carries the message that could not be handled.
type LoopError struct {
	// Code identifies the error category.
	Code LoopErrorCode

	// Message is a human-readable description.
	Message string

	// Kind is the kind of server message being handled.
	Kind MessageKind

	// ServerID is the subscription the message was about, if any.
	ServerID string

	// Err is the underlying error.
	Err error
}

// LoopErrorCode categorizes loop errors.
type LoopErrorCode string

const (
	// ErrCodeDesync indicates the server sent a message for a subscription
	// the manager does not know.
	ErrCodeDesync LoopErrorCode = "DESYNC"
)

// Error implements the error interface.
func (e *LoopError) Error() string {
	if e.ServerID != "" {
		return fmt.Sprintf("%s: %s (kind=%s, server_id=%s)", e.Code, e.Message, e.Kind, e.ServerID)
	}
	return fmt.Sprintf("%s: %s (kind=%s)", e.Code, e.Message, e.Kind)
}

// Unwrap returns the underlying error.
func (e *LoopError) Unwrap() error {
	return e.Err
}

// IsDesyncError returns true if err is a LoopError for a desynchronized
// subscription. Uses errors.As to handle wrapped errors.
func IsDesyncError(err error) bool {
	var le *LoopError
	if errors.As(err, &le) {
		return le.Code == ErrCodeDesync
	}
	return false
}

func newDesyncError(kind MessageKind, serverID string, err error) *LoopError {
	return &LoopError{
		Code:     ErrCodeDesync,
		Message:  "message for an unknown subscription",
		Kind:     kind,
		ServerID: serverID,
		Err:      err,
	}
}
