package contracts

import (
	"errors"
	"fmt"
	"time"
)

var (
	// Store errors
	ErrNotConnected = errors.New("eventq: store not connected")
	ErrStoreClosed  = errors.New("eventq: store is closed")
	ErrNoMessage    = errors.New("eventq: no message available")

	// Envelope errors
	ErrMissingID          = errors.New("eventq: envelope has no id")
	ErrNegativeRetryCount = errors.New("eventq: envelope has a negative retry count")
	ErrInvalidTopic       = errors.New("eventq: topic name cannot be empty")

	// Handler errors
	ErrHandlerPanic = errors.New("eventq: handler panicked")
)

// ConnectionError reports that the backing store could not be reached
type ConnectionError struct {
	Op        string    // Operation that failed
	Addr      string    // Store address (sanitized)
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
}

func (e *ConnectionError) Error() string {
	if e.Addr != "" {
		return fmt.Sprintf("eventq connection error: %s on %s: %v", e.Op, e.Addr, e.Err)
	}
	return fmt.Sprintf("eventq connection error: %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// HandlerError wraps a business failure returned by a consumer handler
type HandlerError struct {
	Topic     string
	MessageID string
	Attempt   int // Retry count of the envelope when the handler ran
	Err       error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("eventq handler error: message %s on %s (attempt %d): %v",
		e.MessageID, e.Topic, e.Attempt+1, e.Err)
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}

// SerializationError reports a payload or envelope that cannot be encoded or decoded
type SerializationError struct {
	Topic     string
	MessageID string
	Err       error
	Timestamp time.Time
}

func (e *SerializationError) Error() string {
	switch {
	case e.MessageID != "":
		return fmt.Sprintf("eventq serialization error: message %s: %v", e.MessageID, e.Err)
	case e.Topic != "":
		return fmt.Sprintf("eventq serialization error: topic %s: %v", e.Topic, e.Err)
	default:
		return fmt.Sprintf("eventq serialization error: %v", e.Err)
	}
}

func (e *SerializationError) Unwrap() error {
	return e.Err
}

// ShutdownError reports an operation attempted after the component was closed
type ShutdownError struct {
	Op string
}

func (e *ShutdownError) Error() string {
	return fmt.Sprintf("eventq: %s attempted after shutdown", e.Op)
}

func (e *ShutdownError) Is(target error) bool {
	return target == ErrStoreClosed
}

// IsConnectionError reports whether err is or wraps a ConnectionError
func IsConnectionError(err error) bool {
	var connErr *ConnectionError
	return errors.As(err, &connErr)
}

// IsShutdown reports whether err is or wraps a ShutdownError
func IsShutdown(err error) bool {
	var shutdownErr *ShutdownError
	return errors.As(err, &shutdownErr)
}

// IsSerializationError reports whether err is or wraps a SerializationError
func IsSerializationError(err error) bool {
	var serErr *SerializationError
	return errors.As(err, &serErr)
}

// IsRetryable determines if the caller may retry the failed operation
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	switch {
	case IsShutdown(err):
		return false
	case IsSerializationError(err):
		return false
	case errors.Is(err, ErrInvalidTopic):
		return false
	}

	return true
}
