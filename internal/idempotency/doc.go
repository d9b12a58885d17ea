// Package idempotency deduplicates concurrent or retried message
// submissions with a distributed claim ticket keyed by the client-assigned
// message ID.
package idempotency
