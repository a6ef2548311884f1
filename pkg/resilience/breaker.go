package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/forgevault/forgevault/internal/logger"
)

// ErrBreakerOpen is returned while a breaker rejects calls.
var ErrBreakerOpen = errors.New("circuit breaker is open")

// BreakerConfig parametrizes one circuit breaker. Zero values select the
// defaults noted per field.
type BreakerConfig struct {
	// ConsecutiveFailures opens the breaker when reached. Default: 5.
	ConsecutiveFailures uint32

	// WindowSize is the closed-state sample window. The failure-rate
	// trip needs at least WindowSize/2 samples. Default: 20.
	WindowSize uint32

	// FailureRate in [0,1] opens the breaker once enough samples
	// exist. Default: 0.5.
	FailureRate float64

	// WindowInterval is the closed-state counter reset period
	// bounding the sliding window in time. Default: 60s.
	WindowInterval time.Duration

	// RecoveryTimeout is the base open period before a half-open
	// probe. Default: 30s.
	RecoveryTimeout time.Duration

	// BackoffMultiplier grows the open period after each failed
	// half-open probe. Default: 2.
	BackoffMultiplier float64

	// MaxRecoveryTimeout caps the grown open period. Default: 10m.
	MaxRecoveryTimeout time.Duration

	// HalfOpenSuccesses is the number of consecutive half-open
	// successes that close the breaker. Default: 2.
	HalfOpenSuccesses uint32
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.ConsecutiveFailures == 0 {
		c.ConsecutiveFailures = 5
	}
	if c.WindowSize == 0 {
		c.WindowSize = 20
	}
	if c.FailureRate <= 0 || c.FailureRate > 1 {
		c.FailureRate = 0.5
	}
	if c.WindowInterval <= 0 {
		c.WindowInterval = 60 * time.Second
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = 30 * time.Second
	}
	if c.BackoffMultiplier < 1 {
		c.BackoffMultiplier = 2
	}
	if c.MaxRecoveryTimeout <= 0 {
		c.MaxRecoveryTimeout = 10 * time.Minute
	}
	if c.HalfOpenSuccesses == 0 {
		c.HalfOpenSuccesses = 2
	}
	return c
}

// Breaker guards calls to one unreliable dependency.
//
// The underlying state machine is gobreaker's: closed until the trip
// policy fires (consecutive failures, or failure rate over the sample
// window), open for the recovery timeout, half-open until the
// configured successes close it again. On top of that, a failed
// half-open probe extends the next open period by the backoff
// multiplier; gobreaker's own recovery timeout is fixed, so the
// extension is enforced by a time gate in front of it. A half-open
// success that closes the breaker resets the extension.
type Breaker struct {
	name string
	cfg  BreakerConfig
	cb   *gobreaker.CircuitBreaker

	mu          sync.Mutex
	openedAt    time.Time
	probeFails  int
	nextProbeAt time.Time
}

// NewBreaker creates a named circuit breaker.
func NewBreaker(name string, cfg BreakerConfig) *Breaker {
	cfg = cfg.withDefaults()
	b := &Breaker{name: name, cfg: cfg}

	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.HalfOpenSuccesses,
		Interval:    cfg.WindowInterval,
		Timeout:     cfg.RecoveryTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.ConsecutiveFailures >= cfg.ConsecutiveFailures {
				return true
			}
			if counts.Requests >= cfg.WindowSize/2 && counts.Requests > 0 {
				rate := float64(counts.TotalFailures) / float64(counts.Requests)
				return rate >= cfg.FailureRate
			}
			return false
		},
		OnStateChange: b.onStateChange,
	})
	return b
}

// onStateChange tracks probe failures to grow the open period. Called
// by gobreaker inside its own lock; only wrapper fields are touched.
func (b *Breaker) onStateChange(name string, from, to gobreaker.State) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch {
	case to == gobreaker.StateOpen:
		if from == gobreaker.StateHalfOpen {
			b.probeFails++
		}
		b.openedAt = time.Now()
		b.nextProbeAt = b.openedAt.Add(b.recoveryTimeoutLocked())
	case to == gobreaker.StateClosed:
		b.probeFails = 0
		b.nextProbeAt = time.Time{}
	}

	logger.Info("Circuit breaker state changed",
		"breaker", name,
		"from", from.String(),
		"to", to.String())
}

// recoveryTimeoutLocked returns the current open period: the base
// timeout grown by the backoff multiplier per failed probe, capped.
func (b *Breaker) recoveryTimeoutLocked() time.Duration {
	timeout := b.cfg.RecoveryTimeout
	for i := 0; i < b.probeFails; i++ {
		timeout = time.Duration(float64(timeout) * b.cfg.BackoffMultiplier)
		if timeout >= b.cfg.MaxRecoveryTimeout {
			return b.cfg.MaxRecoveryTimeout
		}
	}
	return timeout
}

// Execute runs fn under the breaker. While the breaker is open (or its
// extended backoff gate has not elapsed) ErrBreakerOpen is returned
// without invoking fn.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	// The backoff gate extends the open period beyond gobreaker's own
	// fixed timeout: while it holds, no call reaches the inner breaker,
	// so no early half-open probe can happen.
	b.mu.Lock()
	gated := !b.nextProbeAt.IsZero() && time.Now().Before(b.nextProbeAt)
	b.mu.Unlock()
	if gated {
		return ErrBreakerOpen
	}

	_, err := b.cb.Execute(func() (any, error) {
		return nil, fn(ctx)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrBreakerOpen
	}
	return err
}

// State returns the breaker state as gobreaker reports it: "closed",
// "half-open", or "open". The backoff gate only ever extends "open".
func (b *Breaker) State() string {
	return b.cb.State().String()
}

// Counts exposes gobreaker's request counters for metrics.
func (b *Breaker) Counts() gobreaker.Counts {
	return b.cb.Counts()
}

// Name returns the breaker's name.
func (b *Breaker) Name() string {
	return b.name
}

// BreakerSet is the fixed set of breakers guarding the external
// collaborators, constructed once at startup and injected.
type BreakerSet struct {
	Storage *Breaker
	AI      *Breaker
	Solver  *Breaker
}

// NewBreakerSet creates the collaborator breakers from one config.
func NewBreakerSet(cfg BreakerConfig) *BreakerSet {
	return &BreakerSet{
		Storage: NewBreaker("storage", cfg),
		AI:      NewBreaker("ai-provider", cfg),
		Solver:  NewBreaker("solver", cfg),
	}
}
