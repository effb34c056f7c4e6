// Package utils holds small helpers shared across the daemon and the
// cli: retrying with backoff and time range validation.
package utils

import (
	"context"
	"errors"
	"time"
)

var (
	errZeroRange = errors.New("start time equals end time, not " +
		"allowed")
	errEndBeforeStart = errors.New("end time is before start time")
	errFutureRange    = errors.New("time range in future")
)

const (
	// retryBaseDelay is the first pause between retry attempts.
	retryBaseDelay = time.Second

	// retryMaxDelay caps the doubling backoff.
	retryMaxDelay = time.Minute

	// retryMaxAttempts bounds how often an operation is tried before
	// its last error is returned.
	retryMaxAttempts = 20
)

// Retry calls op until it succeeds, backing off between attempts with a
// doubling delay. The last error is returned once the attempts are
// spent; a cancelled context ends the retries early.
func Retry(ctx context.Context, op func() error) error {
	delay := retryBaseDelay

	var lastErr error
	for attempt := 0; attempt < retryMaxAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}

		delay *= 2
		if delay > retryMaxDelay {
			delay = retryMaxDelay
		}
	}

	return lastErr
}

// ValidateRangeOption is an additional check that can be applied when
// validating time ranges.
type ValidateRangeOption func(startTime, endTime time.Time) error

// DisallowZeroRange is an additional check for validating time ranges which
// disallows the start time and end time to be equal.
func DisallowZeroRange(startTime, endTime time.Time) error {
	if startTime.Equal(endTime) {
		return errZeroRange
	}

	return nil
}

// DisallowFutureRange is an additional check for validating time ranges which
// disallows ranges which are in the future.
func DisallowFutureRange(startTime, endTime time.Time) error {
	now := time.Now()

	if startTime.After(now) {
		return errFutureRange
	}

	if endTime.After(now) {
		return errFutureRange
	}

	return nil
}

// ValidateTimeRange checks that a start time is before an end time. It takes
// an optional set of additional checks, and will fail if any of them error.
func ValidateTimeRange(startTime, endTime time.Time,
	checks ...ValidateRangeOption) error {

	if endTime.Before(startTime) {
		return errEndBeforeStart
	}

	for _, check := range checks {
		if err := check(startTime, endTime); err != nil {
			return err
		}
	}

	return nil
}
