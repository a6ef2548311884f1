package fleet

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the lock key only when the caller still owns
// it, so an expired lock re-acquired by someone else is never released
// out from under them.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// Lock is a held distributed lock. Release it exactly once.
type Lock struct {
	c     *Coordinator
	key   string
	token string
}

// Name returns the lock's key.
func (l *Lock) Name() string { return l.key }

// AcquireLock takes the named lock with the given expiry, failing
// immediately with ErrLockHeld when another holder has it. A zero ttl
// uses the configured default.
func (c *Coordinator) AcquireLock(ctx context.Context, name string, ttl time.Duration) (*Lock, error) {
	if ttl <= 0 {
		ttl = c.cfg.LockTimeout
	}
	key := Key("locks", "mutex", name)
	token := uuid.NewString()

	var acquired bool
	err := c.withRetry(ctx, "lock", func() error {
		ok, err := c.client.SetNX(ctx, key, token, ttl).Result()
		if err != nil {
			return err
		}
		acquired = ok
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !acquired {
		return nil, ErrLockHeld
	}
	return &Lock{c: c, key: key, token: token}, nil
}

// WaitLock retries acquisition with linear backoff until the lock is
// taken, the wait budget is spent, or ctx is done.
func (c *Coordinator) WaitLock(ctx context.Context, name string, ttl, maxWait time.Duration) (*Lock, error) {
	deadline := time.Now().Add(maxWait)
	backoff := c.cfg.RetryBackoff

	for attempt := 1; ; attempt++ {
		lock, err := c.AcquireLock(ctx, name, ttl)
		if err == nil {
			return lock, nil
		}
		if !errors.Is(err, ErrLockHeld) {
			return nil, err
		}
		wait := backoff * time.Duration(attempt)
		if time.Now().Add(wait).After(deadline) {
			return nil, fmt.Errorf("lock %q: wait budget exhausted: %w", name, ErrLockHeld)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
}

// Release frees the lock if this holder still owns it. Releasing a
// lock that already expired is not an error.
func (l *Lock) Release(ctx context.Context) error {
	return l.c.withRetry(ctx, "unlock", func() error {
		return releaseScript.Run(ctx, l.c.client, []string{l.key}, l.token).Err()
	})
}

// WithLock runs fn while holding the named lock, releasing it on the
// way out even when fn fails.
func (c *Coordinator) WithLock(ctx context.Context, name string, ttl time.Duration, fn func(ctx context.Context) error) error {
	lock, err := c.AcquireLock(ctx, name, ttl)
	if err != nil {
		return err
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = lock.Release(releaseCtx)
	}()
	return fn(ctx)
}
