package cronsched

import (
	"context"
	"time"

	"github.com/brewva/brewva/internal/config"
)

// RetryConfig bounds retries of a single cron/heartbeat enqueue attempt
// with exponential backoff, rebuilt from the teacher's
// CronConfig.ToRetryConfig() contract (MaxRetries, BaseDelay, MaxDelay).
type RetryConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// DefaultRetryConfig matches the retry values of config.Default()'s
// CronConfig.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxRetries: 3, BaseDelay: 2 * time.Second, MaxDelay: 30 * time.Second}
}

// retryConfigFrom parses a config.CronConfig's duration strings into a
// RetryConfig, falling back to DefaultRetryConfig for anything unset or
// unparseable.
func retryConfigFrom(cc config.CronConfig) RetryConfig {
	rc := DefaultRetryConfig()
	if cc.MaxRetries > 0 {
		rc.MaxRetries = cc.MaxRetries
	}
	if d, err := time.ParseDuration(cc.RetryBaseDelay); err == nil && d > 0 {
		rc.BaseDelay = d
	}
	if d, err := time.ParseDuration(cc.RetryMaxDelay); err == nil && d > 0 {
		rc.MaxDelay = d
	}
	return rc
}

// backoff returns the delay before retry attempt n (1-based), doubling
// BaseDelay each attempt and capping at MaxDelay.
func (rc RetryConfig) backoff(attempt int) time.Duration {
	d := rc.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= rc.MaxDelay {
			return rc.MaxDelay
		}
	}
	return d
}

// do runs fn, retrying up to MaxRetries times with backoff between
// attempts, stopping early if ctx is canceled.
func (rc RetryConfig) do(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 1; attempt <= rc.MaxRetries+1; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempt > rc.MaxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(rc.backoff(attempt)):
		}
	}
	return err
}
