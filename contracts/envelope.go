package contracts

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Envelope wraps a payload with its delivery metadata
type Envelope struct {
	ID          string
	CreatedAt   time.Time
	Payload     json.RawMessage
	Options     EnvelopeOptions
	RetryCount  int
	LastError   string
	LastErrorAt *time.Time
}

// EnvelopeOptions records how the envelope was published
type EnvelopeOptions struct {
	Delay      time.Duration
	IsRetry    bool
	OriginalID string
}

// wireEnvelope is the JSON layout shared with the billing services
type wireEnvelope struct {
	ID          string          `json:"id"`
	Timestamp   time.Time       `json:"timestamp"`
	Data        json.RawMessage `json:"data"`
	Options     wireOptions     `json:"options"`
	RetryCount  int             `json:"retryCount"`
	LastError   string          `json:"lastError,omitempty"`
	LastErrorAt *time.Time      `json:"lastErrorAt,omitempty"`
}

type wireOptions struct {
	Delay      int64  `json:"delay,omitempty"` // milliseconds
	IsRetry    bool   `json:"isRetry,omitempty"`
	OriginalID string `json:"originalId,omitempty"`
}

// NewEnvelope creates an envelope with a fresh id and a zero retry count
func NewEnvelope(payload json.RawMessage, createdAt time.Time) *Envelope {
	return &Envelope{
		ID:        uuid.NewString(),
		CreatedAt: createdAt.UTC(),
		Payload:   payload,
	}
}

// Decode unmarshals the payload into v
func (e *Envelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return errors.New("envelope has no payload")
	}
	return json.Unmarshal(e.Payload, v)
}

// Clone returns a deep copy of the envelope
func (e *Envelope) Clone() *Envelope {
	c := *e
	c.Payload = append(json.RawMessage(nil), e.Payload...)
	if e.LastErrorAt != nil {
		at := *e.LastErrorAt
		c.LastErrorAt = &at
	}
	return &c
}

// RecordFailure increments the retry count and stores the failure
func (e *Envelope) RecordFailure(err error, at time.Time) {
	e.RetryCount++
	e.LastError = err.Error()
	failedAt := at.UTC()
	e.LastErrorAt = &failedAt
}

// MarshalJSON implements json.Marshaler
func (e Envelope) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireEnvelope{
		ID:        e.ID,
		Timestamp: e.CreatedAt,
		Data:      e.Payload,
		Options: wireOptions{
			Delay:      e.Options.Delay.Milliseconds(),
			IsRetry:    e.Options.IsRetry,
			OriginalID: e.Options.OriginalID,
		},
		RetryCount:  e.RetryCount,
		LastError:   e.LastError,
		LastErrorAt: e.LastErrorAt,
	})
}

// UnmarshalJSON implements json.Unmarshaler
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var w wireEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	*e = Envelope{
		ID:        w.ID,
		CreatedAt: w.Timestamp,
		Payload:   w.Data,
		Options: EnvelopeOptions{
			Delay:      time.Duration(w.Options.Delay) * time.Millisecond,
			IsRetry:    w.Options.IsRetry,
			OriginalID: w.Options.OriginalID,
		},
		RetryCount:  w.RetryCount,
		LastError:   w.LastError,
		LastErrorAt: w.LastErrorAt,
	}
	return nil
}

// Encode serializes an envelope for the backing store
func Encode(e *Envelope) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, &SerializationError{MessageID: e.ID, Err: err, Timestamp: time.Now()}
	}
	return data, nil
}

// Decode parses an envelope read from the backing store
func Decode(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, &SerializationError{Err: err, Timestamp: time.Now()}
	}
	if e.ID == "" {
		return nil, &SerializationError{Err: ErrMissingID, Timestamp: time.Now()}
	}
	if e.RetryCount < 0 {
		return nil, &SerializationError{MessageID: e.ID, Err: ErrNegativeRetryCount, Timestamp: time.Now()}
	}
	return &e, nil
}
