package source

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"reposter/internal/retry"
)

// pollRetryDelay is the flat wait between fetch attempts. Destinations use
// the same policy shape with their own delay.
const pollRetryDelay = 2 * time.Second

// statusError is an upstream HTTP failure.
type statusError struct {
	Status int
	Body   string
}

func (e *statusError) Error() string {
	return "upstream status " + strconv.Itoa(e.Status) + ": " + e.Body
}

func retryable(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		return se.Status == http.StatusTooManyRequests || se.Status >= 500
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// withRetry runs fn under a flat-delay retry.Policy. Failures that
// retryable rejects end the loop at once.
func withRetry(ctx context.Context, attempts int, sleep func(context.Context, time.Duration) error, fn func(ctx context.Context) error) error {
	p := retry.Policy{MaxAttempts: attempts, Delay: pollRetryDelay, Sleep: sleep}
	return p.Do(ctx, func(ctx context.Context, _ int) error {
		err := fn(ctx)
		if err != nil && !retryable(err) {
			return retry.Permanent(err)
		}
		return err
	}).Err
}
