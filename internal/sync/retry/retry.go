// Package retry runs an operation with bounded attempts and capped exponential backoff.
package retry

import (
	"context"
	"time"

	apperrors "github.com/kimhsiao/bounceback/backend/internal/errors"
	"github.com/kimhsiao/bounceback/backend/internal/logging"
)

// Policy bounds a retry loop.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultPolicy is used when a zero Policy is supplied.
var DefaultPolicy = Policy{
	MaxAttempts: 3,
	BaseDelay:   time.Second,
	MaxDelay:    30 * time.Second,
}

func (p Policy) normalized() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultPolicy.MaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultPolicy.BaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultPolicy.MaxDelay
	}
	return p
}

// Backoff returns the delay before attempt n+1 after n failures: BaseDelay * 2^(n-1), capped at MaxDelay.
func (p Policy) Backoff(failures int) time.Duration {
	p = p.normalized()
	if failures < 1 {
		failures = 1
	}
	if failures > 32 {
		return p.MaxDelay
	}
	d := p.BaseDelay << uint(failures-1)
	if d <= 0 || d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// sleep is replaced in tests.
var sleep = func(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Do calls fn until it succeeds, returns a non-retryable error, or the policy
// runs out of attempts. The last error is returned.
func Do(ctx context.Context, p Policy, name string, fn func(ctx context.Context) error) error {
	p = p.normalized()

	var err error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if !apperrors.IsRetryable(err) || attempt == p.MaxAttempts {
			return err
		}

		delay := p.Backoff(attempt)
		logging.Warn("Retrying after failure", map[string]interface{}{
			"operation": name,
			"attempt":   attempt,
			"delay_ms":  delay.Milliseconds(),
		})
		if serr := sleep(ctx, delay); serr != nil {
			return err
		}
	}
	return err
}
