package s3

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/forgevault/forgevault/pkg/objstore"
)

// timeoutError simulates a net.Error timeout.
type timeoutError struct{}

func (timeoutError) Error() string   { return "dial tcp: i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

func apiError(code string) error {
	return &smithy.GenericAPIError{Code: code, Message: code}
}

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"context canceled", context.Canceled, false},
		{"deadline exceeded", context.DeadlineExceeded, false},
		{"network timeout", timeoutError{}, true},
		{"throttling", apiError("Throttling"), true},
		{"slow down", apiError("SlowDown"), true},
		{"request throttled", apiError("RequestThrottled"), true},
		{"internal error", apiError("InternalError"), true},
		{"service unavailable", apiError("ServiceUnavailable"), true},
		{"no such key", apiError("NoSuchKey"), false},
		{"access denied", apiError("AccessDenied"), false},
		{"invalid range", apiError("InvalidRange"), false},
		{"entity too large", apiError("EntityTooLarge"), false},
		{"connection reset message", errors.New("read: connection reset by peer"), true},
		{"connection refused message", errors.New("dial: connection refused"), true},
		{"plain 503 message", errors.New("http status 503"), true},
		{"unrelated error", errors.New("something else broke"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isRetryableError(tt.err); got != tt.want {
				t.Errorf("isRetryableError(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestIsNotFoundError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"typed NoSuchKey", &types.NoSuchKey{}, true},
		{"typed NotFound", &types.NotFound{}, true},
		{"code NoSuchKey", apiError("NoSuchKey"), true},
		{"code NoSuchBucket", apiError("NoSuchBucket"), true},
		{"head 404 message", fmt.Errorf("operation error S3: HeadObject, https response error StatusCode: 404, RequestID: x"), true},
		{"access denied", apiError("AccessDenied"), false},
		{"wrapped typed", fmt.Errorf("get: %w", &types.NoSuchKey{}), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isNotFoundError(tt.err); got != tt.want {
				t.Errorf("isNotFoundError(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestIsAccessDeniedError(t *testing.T) {
	if !isAccessDeniedError(apiError("AccessDenied")) {
		t.Error("AccessDenied should classify as access denied")
	}
	if !isAccessDeniedError(apiError("SignatureDoesNotMatch")) {
		t.Error("SignatureDoesNotMatch should classify as access denied")
	}
	if isAccessDeniedError(apiError("NoSuchKey")) {
		t.Error("NoSuchKey should not classify as access denied")
	}
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"not found", apiError("NoSuchKey"), objstore.ErrNotFound},
		{"access denied", apiError("AccessDenied"), objstore.ErrAccessDenied},
		{"too large", apiError("EntityTooLarge"), objstore.ErrTooLarge},
		{"transient after retries", apiError("SlowDown"), objstore.ErrUnreachable},
		{"network timeout", timeoutError{}, objstore.ErrUnreachable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classifyError(tt.err, "some/key")
			if !errors.Is(got, tt.want) {
				t.Errorf("classifyError(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}

	if err := classifyError(nil, "k"); err != nil {
		t.Errorf("classifyError(nil) = %v, want nil", err)
	}

	// Context errors pass through so errors.Is(err, context.Canceled)
	// keeps working for callers.
	if err := classifyError(context.Canceled, "k"); !errors.Is(err, context.Canceled) {
		t.Errorf("classifyError(canceled) = %v, want context.Canceled", err)
	}
}

func TestBackoffFor(t *testing.T) {
	r := retryConfig{
		maxRetries:        5,
		initialBackoff:    100 * time.Millisecond,
		maxBackoff:        2 * time.Second,
		backoffMultiplier: 2.0,
	}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{4, 800 * time.Millisecond},
		{5, 1600 * time.Millisecond},
		{6, 2 * time.Second},
		{10, 2 * time.Second},
	}
	for _, tt := range tests {
		if got := r.backoffFor(tt.attempt); got != tt.want {
			t.Errorf("backoffFor(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}
