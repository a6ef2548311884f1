package s3

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/forgevault/forgevault/pkg/objstore"
)

// retryConfig holds the retry behavior for transient S3 failures.
type retryConfig struct {
	maxRetries        int
	initialBackoff    time.Duration
	maxBackoff        time.Duration
	backoffMultiplier float64
}

// backoffFor computes the exponential backoff before the given retry
// attempt (attempt 1 waits initialBackoff), capped at maxBackoff.
func (r retryConfig) backoffFor(attempt int) time.Duration {
	backoff := r.initialBackoff
	for i := 1; i < attempt; i++ {
		backoff = time.Duration(float64(backoff) * r.backoffMultiplier)
		if backoff >= r.maxBackoff {
			return r.maxBackoff
		}
	}
	if backoff > r.maxBackoff {
		return r.maxBackoff
	}
	return backoff
}

// isRetryableError determines whether an S3 operation error is worth
// retrying. Throttling, internal service errors, and network timeouts
// are transient; validation, authorization, and not-found errors are
// permanent and retrying them only burns the backoff budget.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}

	// Context cancellation is the caller giving up, never retryable.
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "Throttling", "ThrottlingException", "RequestThrottled",
			"SlowDown", "ProvisionedThroughputExceededException":
			return true
		case "InternalError", "ServiceUnavailable",
			"ServiceException", "InternalServiceException":
			return true
		case "NoSuchKey", "NotFound", "NoSuchBucket",
			"AccessDenied", "Forbidden",
			"InvalidRange", "InvalidRequest", "EntityTooLarge":
			return false
		}
	}

	// Some transports surface connection failures as plain errors.
	msg := err.Error()
	for _, fragment := range []string{
		"connection reset",
		"connection refused",
		"i/o timeout",
		"temporary failure",
		"503",
		"500",
	} {
		if strings.Contains(msg, fragment) {
			return true
		}
	}

	return false
}

// isNotFoundError determines whether an error indicates a missing object
// or bucket.
func isNotFoundError(err error) bool {
	if err == nil {
		return false
	}

	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return true
	}
	var notFound *types.NotFound
	if errors.As(err, &notFound) {
		return true
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound", "NoSuchBucket", "404":
			return true
		}
	}

	// HeadObject reports missing keys as a bare 404 without a typed
	// error on some S3-compatible backends.
	return strings.Contains(err.Error(), "StatusCode: 404")
}

// isAccessDeniedError determines whether an error indicates rejected
// credentials or an unauthorized operation.
func isAccessDeniedError(err error) bool {
	if err == nil {
		return false
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "AccessDenied", "Forbidden",
			"InvalidAccessKeyId", "SignatureDoesNotMatch":
			return true
		}
	}
	return strings.Contains(err.Error(), "StatusCode: 403")
}

// isTooLargeError determines whether the backend rejected a payload for
// exceeding its size limits.
func isTooLargeError(err error) bool {
	if err == nil {
		return false
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "EntityTooLarge", "MaxMessageLengthExceeded":
			return true
		}
	}
	return false
}

// classifyError maps a backend error onto the objstore sentinel errors,
// preserving the original as wrapped context. Applied once per operation
// after retries are exhausted, so errors.Is works uniformly for callers.
func classifyError(err error, key string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		return err
	case isNotFoundError(err):
		return fmt.Errorf("%w: %s", objstore.ErrNotFound, key)
	case isAccessDeniedError(err):
		return fmt.Errorf("%w: %s: %v", objstore.ErrAccessDenied, key, err)
	case isTooLargeError(err):
		return fmt.Errorf("%w: %s: %v", objstore.ErrTooLarge, key, err)
	case isRetryableError(err):
		// Still failing after retries means the backend is effectively
		// unreachable for us.
		return fmt.Errorf("%w: %s: %v", objstore.ErrUnreachable, key, err)
	default:
		return fmt.Errorf("storage operation failed for %s: %w", key, err)
	}
}
