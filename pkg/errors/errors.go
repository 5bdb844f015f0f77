package errors

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidStateTransition indicates that an operation is illegal for the
	// node's current lifecycle state (e.g. a write after completion)
	ErrInvalidStateTransition = errors.New("invalid state transition")

	// ErrDuplicateConsumer indicates that a consumer was registered twice on
	// the same producer node
	ErrDuplicateConsumer = errors.New("duplicate consumer")

	// ErrUnknownNode indicates a lookup of an instance that does not exist or
	// has already been torn down
	ErrUnknownNode = errors.New("unknown node")

	// ErrGraphConstruction indicates a cyclic or otherwise malformed physical
	// dataflow graph
	ErrGraphConstruction = errors.New("graph construction failed")

	// ErrResourceUnavailable indicates that a node manager declined a
	// reservation during submission
	ErrResourceUnavailable = errors.New("resource unavailable")

	// ErrDeliveryFailed indicates that an event could not be delivered to a
	// remote consumer after bounded retry
	ErrDeliveryFailed = errors.New("event delivery failed")

	// ErrNodeFailed indicates an operation attempted on a node that is
	// already in the ERROR state
	ErrNodeFailed = errors.New("node is in error state")

	// ErrInvalidDescriptor indicates a read with a descriptor that was never
	// opened or has already been closed
	ErrInvalidDescriptor = errors.New("invalid read descriptor")
)

// Error represents a structured engine error
type Error struct {
	// Code is a machine-readable error code
	Code string

	// Message is a human-readable error message
	Message string

	// Err is the underlying error, if any
	Err error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates a new engine error
func NewError(code, message string, err error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// IsInvalidStateTransition checks if an error is a state-machine violation
func IsInvalidStateTransition(err error) bool {
	return errors.Is(err, ErrInvalidStateTransition)
}

// IsUnknownNode checks if an error is an unknown-node lookup failure
func IsUnknownNode(err error) bool {
	return errors.Is(err, ErrUnknownNode)
}

// IsResourceUnavailable checks if an error is a declined reservation
func IsResourceUnavailable(err error) bool {
	return errors.Is(err, ErrResourceUnavailable)
}
