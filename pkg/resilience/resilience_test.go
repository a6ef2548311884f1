package resilience

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/forgevault/forgevault/pkg/collab/kernel"
	"github.com/forgevault/forgevault/pkg/objstore"
)

var errBoom = errors.New("boom")

func failN(n int) func(ctx context.Context) error {
	calls := 0
	return func(ctx context.Context) error {
		calls++
		if calls <= n {
			return Transient(errBoom)
		}
		return nil
	}
}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond}
	if err := Retry(context.Background(), policy, "test", failN(2)); err != nil {
		t.Fatalf("Retry failed: %v", err)
	}
}

func TestRetryExhaustionReturnsLastError(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond}
	err := Retry(context.Background(), policy, "test", failN(10))
	if !errors.Is(err, errBoom) {
		t.Fatalf("Retry = %v, want the last transient cause", err)
	}
}

func TestRetryDoesNotRetryNonTransient(t *testing.T) {
	calls := 0
	policy := RetryPolicy{MaxAttempts: 5, BaseDelay: time.Millisecond}
	err := Retry(context.Background(), policy, "test", func(ctx context.Context) error {
		calls++
		return &InputError{Code: "invalid_params", Detail: "no dimensions"}
	})
	if calls != 1 {
		t.Errorf("non-transient error was tried %d times, want 1", calls)
	}
	var ie *InputError
	if !errors.As(err, &ie) {
		t.Errorf("Retry = %v, want the input error", err)
	}
}

func TestRetryHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	policy := RetryPolicy{MaxAttempts: 10, BaseDelay: 50 * time.Millisecond}
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	err := Retry(ctx, policy, "test", func(ctx context.Context) error {
		return Transient(errBoom)
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Retry = %v, want context.Canceled", err)
	}
}

func TestRetryDelayIsCappedAndGrows(t *testing.T) {
	policy := RetryPolicy{
		BaseDelay:  time.Second,
		MaxDelay:   5 * time.Second,
		Multiplier: 2,
		Jitter:     0,
	}.withDefaults()
	policy.Jitter = 0

	if d := policy.Delay(1); d != time.Second {
		t.Errorf("Delay(1) = %v, want 1s", d)
	}
	if d := policy.Delay(2); d != 2*time.Second {
		t.Errorf("Delay(2) = %v, want 2s", d)
	}
	if d := policy.Delay(10); d != 5*time.Second {
		t.Errorf("Delay(10) = %v, want the 5s cap", d)
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		want Class
	}{
		{Transient(errBoom), ClassTransient},
		{fmt.Errorf("wrapped: %w", objstore.ErrUnreachable), ClassTransient},
		{fmt.Errorf("open doc: %w", kernel.ErrDocumentLockTimeout), ClassTransient},
		{&SecurityError{Code: "blocked_call", Detail: "eval"}, ClassSecurity},
		{&InputError{Code: "unsupported_format", Detail: "obj"}, ClassInput},
		{errBoom, ClassTerminal},
		{context.Canceled, ClassTerminal},
	}
	for _, tc := range cases {
		if got := Classify(tc.err); got != tc.want {
			t.Errorf("Classify(%v) = %s, want %s", tc.err, got, tc.want)
		}
	}
}

func breakerConfig() BreakerConfig {
	return BreakerConfig{
		ConsecutiveFailures: 3,
		WindowSize:          8,
		FailureRate:         0.5,
		RecoveryTimeout:     80 * time.Millisecond,
		BackoffMultiplier:   2,
		HalfOpenSuccesses:   2,
	}
}

func TestBreakerOpensOnConsecutiveFailures(t *testing.T) {
	ctx := context.Background()
	b := NewBreaker("test", breakerConfig())

	fail := func(ctx context.Context) error { return errBoom }
	for i := 0; i < 3; i++ {
		if err := b.Execute(ctx, fail); !errors.Is(err, errBoom) {
			t.Fatalf("call %d = %v, want errBoom", i, err)
		}
	}
	if b.State() != "open" {
		t.Fatalf("state after 3 consecutive failures = %s, want open", b.State())
	}

	called := false
	err := b.Execute(ctx, func(ctx context.Context) error {
		called = true
		return nil
	})
	if !errors.Is(err, ErrBreakerOpen) {
		t.Fatalf("Execute while open = %v, want ErrBreakerOpen", err)
	}
	if called {
		t.Error("open breaker still invoked the function")
	}
}

func TestBreakerOpensOnFailureRate(t *testing.T) {
	ctx := context.Background()
	cfg := breakerConfig()
	cfg.ConsecutiveFailures = 100 // rate rule must fire first
	b := NewBreaker("test", cfg)

	// Alternating outcomes never build a consecutive run; at the 4th
	// sample (window/2) the rate reaches 0.5.
	outcomes := []error{nil, errBoom, nil, errBoom}
	for _, want := range outcomes {
		b.Execute(ctx, func(ctx context.Context) error { return want })
	}
	if b.State() != "open" {
		t.Fatalf("state after 50%% failures over window/2 samples = %s, want open", b.State())
	}
}

func TestBreakerHalfOpenThenCloses(t *testing.T) {
	ctx := context.Background()
	b := NewBreaker("test", breakerConfig())

	for i := 0; i < 3; i++ {
		b.Execute(ctx, func(ctx context.Context) error { return errBoom })
	}
	if b.State() != "open" {
		t.Fatalf("state = %s, want open", b.State())
	}

	time.Sleep(100 * time.Millisecond)

	ok := func(ctx context.Context) error { return nil }
	if err := b.Execute(ctx, ok); err != nil {
		t.Fatalf("first half-open probe failed: %v", err)
	}
	if b.State() != "half-open" {
		t.Fatalf("state after one probe success = %s, want half-open", b.State())
	}
	if err := b.Execute(ctx, ok); err != nil {
		t.Fatalf("second half-open probe failed: %v", err)
	}
	if b.State() != "closed" {
		t.Fatalf("state after %d probe successes = %s, want closed", 2, b.State())
	}
}

func TestBreakerProbeFailureExtendsRecoveryTimeout(t *testing.T) {
	ctx := context.Background()
	b := NewBreaker("test", breakerConfig())

	for i := 0; i < 3; i++ {
		b.Execute(ctx, func(ctx context.Context) error { return errBoom })
	}

	// Failed probe: open again, next probe gated at 2x the base.
	time.Sleep(100 * time.Millisecond)
	if err := b.Execute(ctx, func(ctx context.Context) error { return errBoom }); !errors.Is(err, errBoom) {
		t.Fatalf("probe = %v, want errBoom", err)
	}
	if b.State() != "open" {
		t.Fatalf("state after failed probe = %s, want open", b.State())
	}

	// Past the base timeout but inside the extended gate: still open,
	// and the function is never invoked.
	time.Sleep(100 * time.Millisecond)
	called := false
	err := b.Execute(ctx, func(ctx context.Context) error {
		called = true
		return nil
	})
	if !errors.Is(err, ErrBreakerOpen) || called {
		t.Fatalf("extended gate did not hold: err=%v called=%v", err, called)
	}

	// Past the extended gate the probe flows again.
	time.Sleep(100 * time.Millisecond)
	if err := b.Execute(ctx, func(ctx context.Context) error { return nil }); err != nil {
		t.Fatalf("probe after extended gate = %v, want success", err)
	}
	if b.State() != "half-open" {
		t.Fatalf("state = %s, want half-open", b.State())
	}
}

func TestBreakerSetNames(t *testing.T) {
	set := NewBreakerSet(BreakerConfig{})
	if set.Storage.Name() != "storage" || set.AI.Name() != "ai-provider" || set.Solver.Name() != "solver" {
		t.Errorf("breaker set names = %s/%s/%s",
			set.Storage.Name(), set.AI.Name(), set.Solver.Name())
	}
}
