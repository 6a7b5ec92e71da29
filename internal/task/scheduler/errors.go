package scheduler

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrJobNotFound      = errors.New("job not found")
	ErrInvalidSchedule  = errors.New("invalid schedule")
	ErrJobTimeout       = errors.New("job timed out")
	ErrJobExecution     = errors.New("job execution failed")
	ErrRetriesExhausted = errors.New("job retries exhausted")
)

// NoRetry marks a job error as permanent: the job goes straight to Failed.
//
//	return scheduler.NoRetry(fmt.Errorf("bad symbol list: %w", err))
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return noRetryError{err: err}
}

// IsNoRetry reports whether err is wrapped with NoRetry.
func IsNoRetry(err error) bool {
	var e noRetryError
	return errors.As(err, &e)
}

type noRetryError struct{ err error }

func (e noRetryError) Error() string { return fmt.Sprintf("no-retry: %v", e.err) }
func (e noRetryError) Unwrap() error { return e.err }

// retryDelay returns base * 2^(attempt-1), saturating instead of overflowing.
func retryDelay(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = time.Minute
	}
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		if d > (1<<62)/2 {
			return 1 << 62
		}
		d *= 2
	}
	return d
}
