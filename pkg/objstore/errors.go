package objstore

import "errors"

// Sentinel errors returned by Store implementations. Backend failures are
// classified into these so callers can branch with errors.Is without
// importing backend SDK error types.
var (
	// ErrNotFound indicates the key does not exist in the probed tier
	// (or, for tier-scanning reads, in any tier).
	ErrNotFound = errors.New("object not found")

	// ErrUnreachable indicates the storage backend could not be reached
	// or kept failing transiently after retries were exhausted.
	// Retryable at the job layer.
	ErrUnreachable = errors.New("object storage unreachable")

	// ErrAccessDenied indicates the backend rejected the credentials or
	// the operation. Not retryable.
	ErrAccessDenied = errors.New("object storage access denied")

	// ErrTooLarge indicates the payload exceeds what the backend or the
	// store configuration accepts. Not retryable.
	ErrTooLarge = errors.New("object too large")

	// ErrInvalidTier indicates an unknown storage tier was requested.
	ErrInvalidTier = errors.New("invalid storage tier")
)
