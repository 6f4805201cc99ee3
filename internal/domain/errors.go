// Package domain contains the request, response and status types shared by
// the retry queue and its collaborators.
package domain

import "errors"

// Sentinel errors for common failure cases.
// These allow callers to check error types without coupling to the queue internals.
var (
	// ErrQueueClosed indicates the retry queue has been torn down.
	ErrQueueClosed = errors.New("retry queue closed")

	// ErrNotRetryable indicates the status must be surfaced without queueing.
	ErrNotRetryable = errors.New("status is not retryable")

	// ErrInvalidSpec indicates a malformed retry specification.
	ErrInvalidSpec = errors.New("invalid retry spec")

	// ErrNilRequest indicates a nil payload was handed to the queue.
	ErrNilRequest = errors.New("nil request")

	// ErrNoServer indicates no server currently owns the request's key.
	ErrNoServer = errors.New("no server for key")
)
