// Package retries implements bounded retry with exponential backoff for
// transient AWS faults.
package retries

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/aws/smithy-go"
)

const (
	DefaultAttempts  = 3
	DefaultBaseDelay = 100 * time.Millisecond

	HealthAttempts  = 2
	HealthBaseDelay = 50 * time.Millisecond
)

// Retry runs fn up to attempts times, sleeping baseDelay*2^n with jitter
// between tries. It stops early when fn succeeds, when isRetriable reports
// the error as permanent, or when ctx is done.
func Retry(ctx context.Context, attempts int, baseDelay time.Duration, fn func() error, isRetriable func(error) bool) error {
	var err error

	for attempt := 0; attempt < attempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}

		if !isRetriable(err) {
			return err
		}

		if attempt == attempts-1 {
			break
		}

		delay := baseDelay << attempt
		delay += time.Duration(rand.Int63n(int64(baseDelay)))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}

	return err
}

// IsRetriableDbError classifies DynamoDB errors. Conditional-check failures
// are decisions, not faults, and must never be retried.
func IsRetriableDbError(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}

	switch apiErr.ErrorCode() {
	case "ProvisionedThroughputExceededException",
		"ThrottlingException",
		"RequestLimitExceeded",
		"InternalServerError",
		"ServiceUnavailable":
		return true
	}
	return false
}

// IsRetriableStorageError classifies S3 errors.
func IsRetriableStorageError(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}

	switch apiErr.ErrorCode() {
	case "SlowDown", "InternalError", "ServiceUnavailable", "RequestTimeout":
		return true
	}
	return false
}
