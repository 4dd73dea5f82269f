// Package contracts defines the data carried by the queue and the errors
// shared by every layer of eventq.
//
// This package contains:
//   - Envelope: a payload plus its delivery metadata (id, timestamps, retry count, error history)
//   - TopicKeys: the names of the ready list, delayed set and dead-letter list of a topic
//   - Billing event types and queue names used by the billing services
//   - The error taxonomy: ConnectionError, HandlerError, SerializationError, ShutdownError
//
// Envelopes are encoded as JSON and stay wire-compatible with the billing
// services that already read and write the same keys.
package contracts
