// Package reliability provides the retry and dead-letter building blocks of eventq.
//
// This package implements:
//   - Retry Policies: exponential backoff (delay(n) = base * 2^n) for handler
//     failures and a fixed pause for transport failures
//   - Permanent errors: handlers wrap an error with Permanent to skip retries
//   - Dead Letter Tool: operator-driven draining and redriving of dead letters
//
// Dead letters are never re-enqueued automatically; the tool only acts when
// an operator calls it.
package reliability
