package subscription

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownSubscription is matched by protocol errors about a server id
	// the manager does not know.
	ErrUnknownSubscription = errors.New("unknown subscription")

	// ErrSyncFailed rejects an attempt abandoned without a specific reason.
	ErrSyncFailed = errors.New("subscription request failed")

	// ErrReset rejects attempts that were pending when the state was reset
	// or replaced.
	ErrReset = errors.New("subscription state was reset")

	// ErrUnsubscribed rejects an attempt whose subscription was removed
	// before its completion settled.
	ErrUnsubscribed = errors.New("subscription was removed before it settled")

	// ErrSuperseded rejects an attempt replaced by a new request with the
	// same full key.
	ErrSuperseded = errors.New("subscription attempt was replaced")

	// ErrInvalidState is returned by Initialize for a snapshot that breaks
	// the manager's invariants.
	ErrInvalidState = errors.New("invalid subscription state")
)

// ProtocolError reports that the coordinator and the manager disagree about
// which subscriptions exist. It is not recoverable locally.
type ProtocolError struct {
	// Code identifies the error category.
	Code ProtocolErrorCode

	// Message is a human-readable description.
	Message string

	// ServerID is the id the event was reported for.
	ServerID string

	// Op is the manager operation that detected the error.
	Op string
}

// ProtocolErrorCode categorizes protocol errors.
type ProtocolErrorCode string

const (
	// ErrCodeUnknownSubscription indicates an event for an unknown server id.
	ErrCodeUnknownSubscription ProtocolErrorCode = "UNKNOWN_SUBSCRIPTION"
)

// Error implements the error interface.
func (e *ProtocolError) Error() string {
	if e.ServerID != "" {
		return fmt.Sprintf("%s: %s: %s (server_id=%s)", e.Op, e.Code, e.Message, e.ServerID)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Code, e.Message)
}

// Is makes errors.Is(err, ErrUnknownSubscription) match.
func (e *ProtocolError) Is(target error) bool {
	return target == ErrUnknownSubscription && e.Code == ErrCodeUnknownSubscription
}

// IsProtocolError returns true if err is or wraps a ProtocolError.
func IsProtocolError(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}

func newUnknownSubscriptionError(op, serverID string) *ProtocolError {
	return &ProtocolError{
		Code:     ErrCodeUnknownSubscription,
		Message:  "data received for an unknown subscription",
		ServerID: serverID,
		Op:       op,
	}
}
