package reliability

import (
	"errors"
	"fmt"
)

var (
	// Dead letter errors
	ErrNoRedriver        = errors.New("dlq: no redriver configured")
	ErrInvalidDeadLetter = errors.New("dlq: dead letter cannot be decoded")
)

// DLQError represents a dead-letter operation error
type DLQError struct {
	Topic     string
	MessageID string
	Op        string
	Err       error
}

func (e *DLQError) Error() string {
	if e.MessageID != "" {
		return fmt.Sprintf("dlq error: %s failed for message %s on topic %s: %v",
			e.Op, e.MessageID, e.Topic, e.Err)
	}
	return fmt.Sprintf("dlq error: %s failed on topic %s: %v", e.Op, e.Topic, e.Err)
}

func (e *DLQError) Unwrap() error {
	return e.Err
}
