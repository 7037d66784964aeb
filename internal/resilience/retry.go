package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrAttemptsExhausted is returned by Run when every scheduled attempt failed.
var ErrAttemptsExhausted = errors.New("retry attempts exhausted")

// Schedule describes a bounded retry loop with a two-tier backoff: the first
// FastAttempts failures are followed by FastBackoff, every later failure by
// SlowBackoff.
type Schedule struct {
	MaxAttempts  int           // Total number of attempts, including the first
	FastAttempts int           // Attempts followed by the short backoff
	FastBackoff  time.Duration // Backoff after an early failure
	SlowBackoff  time.Duration // Backoff after a late failure
}

// DefaultDialSchedule returns the schedule used to reach downstream processors:
// 10 attempts, 200ms between the first five, 1s thereafter.
func DefaultDialSchedule() Schedule {
	return Schedule{
		MaxAttempts:  10,
		FastAttempts: 5,
		FastBackoff:  200 * time.Millisecond,
		SlowBackoff:  1 * time.Second,
	}
}

// Delay returns the backoff after the given failed attempt (1-based). No delay
// follows the final attempt.
func (s Schedule) Delay(attempt int) time.Duration {
	if attempt >= s.MaxAttempts {
		return 0
	}
	if attempt <= s.FastAttempts {
		return s.FastBackoff
	}
	return s.SlowBackoff
}

// Offsets returns the start time of every attempt relative to the first one,
// assuming each attempt itself takes no time.
func (s Schedule) Offsets() []time.Duration {
	offsets := make([]time.Duration, 0, s.MaxAttempts)
	var at time.Duration
	for attempt := 1; attempt <= s.MaxAttempts; attempt++ {
		offsets = append(offsets, at)
		at += s.Delay(attempt)
	}
	return offsets
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// ContextSleep is the real-clock SleepFunc.
func ContextSleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// PermanentError stops a retry loop immediately.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// Run calls fn with attempt numbers 1..MaxAttempts until it succeeds, sleeping
// per the schedule between failures. It returns nil on success, the wrapped
// error of a permanent failure, ctx.Err() when cancelled and otherwise an
// ErrAttemptsExhausted-wrapped error carrying the last failure.
func Run(ctx context.Context, s Schedule, sleep SleepFunc, fn func(attempt int) error) error {
	if sleep == nil {
		sleep = ContextSleep
	}
	if s.MaxAttempts < 1 {
		s.MaxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= s.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn(attempt)
		if err == nil {
			return nil
		}
		lastErr = err

		var perm *PermanentError
		if errors.As(err, &perm) {
			return perm.Err
		}

		if attempt < s.MaxAttempts {
			if err := sleep(ctx, s.Delay(attempt)); err != nil {
				return err
			}
		}
	}

	return fmt.Errorf("%w after %d attempts: %v", ErrAttemptsExhausted, s.MaxAttempts, lastErr)
}
