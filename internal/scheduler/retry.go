package scheduler

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
)

// RetryPolicy bounds how often a retryable enrollment failure is repeated.
// The delay after attempt n is BaseDelay * 2^(n-1), capped at MaxDelay.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: time.Minute}
}

// Validate rejects a policy whose cap would flatten the backoff before the
// last retry, so every configured wait is strictly longer than the previous.
func (p RetryPolicy) Validate() error {
	if p.MaxAttempts < 1 {
		return errors.New("retry: max attempts must be >= 1")
	}
	if p.MaxAttempts == 1 {
		return nil
	}
	if p.BaseDelay <= 0 {
		return errors.New("retry: base delay must be > 0")
	}
	if p.MaxDelay < p.BaseDelay {
		return errors.New("retry: max delay must be >= base delay")
	}
	if last := p.uncapped(p.MaxAttempts - 1); last > p.MaxDelay {
		return errors.Newf("retry: delay before attempt %d would be %s, above max delay %s",
			p.MaxAttempts, last, p.MaxDelay)
	}
	return nil
}

// Delay returns the wait after the given (1-based) failed attempt.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	d := p.uncapped(attempt)
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

func (p RetryPolicy) uncapped(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		if d > time.Duration(1<<62)/2 {
			return time.Duration(1 << 62)
		}
		d *= 2
	}
	return d
}

type sleepFunc func(ctx context.Context, d time.Duration) error

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Do calls fn until it succeeds, returns an error retryable rejects, or the
// attempt budget is spent. Cancelling ctx prevents further attempts; it is
// not passed to fn, which controls its own call context. It returns the
// number of attempts made and the last error.
func (p RetryPolicy) Do(ctx context.Context, sleep sleepFunc, retryable func(error) bool, fn func(attempt int) error) (int, error) {
	if sleep == nil {
		sleep = sleepCtx
	}
	limit := p.MaxAttempts
	if limit < 1 {
		limit = 1
	}
	for attempt := 1; ; attempt++ {
		err := fn(attempt)
		if err == nil {
			return attempt, nil
		}
		if attempt >= limit || !retryable(err) || ctx.Err() != nil {
			return attempt, err
		}
		if serr := sleep(ctx, p.Delay(attempt)); serr != nil {
			return attempt, err
		}
	}
}
