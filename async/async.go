// Package async provides functionality for interacting with async operations
package async

import (
	"time"

	pkgerrors "github.com/pkg/errors"
)

// Retry retries the given function until it doesn't fail. It doubles the
// period between attempts each time.
func Retry(attempts int, sleep time.Duration, fn func() error) error {
	start := time.Now()
	if err := innerRetry(attempts, sleep, fn); err != nil {
		return pkgerrors.Wrapf(err,
			"failed after %d attempts and %s total duration",
			attempts, time.Since(start))
	}
	return nil
}

func innerRetry(attempts int, sleep time.Duration, fn func() error) error {
	if err := fn(); err != nil {
		if attempts > 1 {
			time.Sleep(sleep)
			return innerRetry(attempts-1, 2*sleep, fn)
		}
		return err
	}
	return nil
}

// RetryNoBackoff retries the given function until it doesn't fail. It keeps
// the amount of time between attempts constant.
func RetryNoBackoff(attempts int, sleep time.Duration, fn func() error) error {
	start := time.Now()
	if err := innerRetryNoBackoff(attempts, sleep, fn); err != nil {
		return pkgerrors.Wrapf(err,
			"failed after %d attempts and %s total duration",
			attempts, time.Since(start))
	}
	return nil
}

func innerRetryNoBackoff(attempts int, sleep time.Duration, fn func() error) error {
	if err := fn(); err != nil {
		if attempts > 1 {
			time.Sleep(sleep)
			return innerRetryNoBackoff(attempts-1, sleep, fn)
		}
		return err
	}
	return nil
}
