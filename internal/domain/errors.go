package domain

import (
	"errors"
	"fmt"
)

// ErrNotConnected is returned when a frame is offered to a connection that is not open.
var ErrNotConnected = errors.New("not connected")

// ValidationError rejects a message before any network interaction.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid message: %s: %s", e.Field, e.Reason)
}

// ConnectivityError is reported once reconnection attempts are exhausted.
type ConnectivityError struct {
	Conversation string
	Attempts     int
	Err          error
}

func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("conversation %s: connection failed after %d attempts: %v", e.Conversation, e.Attempts, e.Err)
}

func (e *ConnectivityError) Unwrap() error { return e.Err }

// RejectedError records a frame the relay refused to accept.
type RejectedError struct {
	CorrelationToken string
	Reason           string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("message %s rejected: %s", e.CorrelationToken, e.Reason)
}

// MalformedFrameError wraps inbound data that could not be decoded.
type MalformedFrameError struct {
	Err error
}

func (e *MalformedFrameError) Error() string {
	return fmt.Sprintf("malformed frame: %v", e.Err)
}

func (e *MalformedFrameError) Unwrap() error { return e.Err }
