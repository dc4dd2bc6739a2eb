// Package retry runs an operation under a flat-delay, bounded-attempt policy.
package retry

import (
	"context"
	"time"
)

// Policy retries an operation up to MaxAttempts times with a fixed Delay
// between attempts. The delay does not grow.
type Policy struct {
	MaxAttempts int
	Delay       time.Duration

	// Sleep replaces the real wait; tests pass a no-op. It must return
	// ctx.Err() when ctx ends first.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Result reports how a Do call went.
type Result struct {
	Attempts int
	Err      error // last error, nil on success
}

func (p Policy) attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// Do calls op until it succeeds, the attempts are used up, op reports a
// Permanent error, or ctx ends. The attempt number (1-based) is passed to op.
func (p Policy) Do(ctx context.Context, op func(ctx context.Context, attempt int) error) Result {
	sleep := p.Sleep
	if sleep == nil {
		sleep = Sleep
	}
	limit := p.attempts()

	var res Result
	for attempt := 1; attempt <= limit; attempt++ {
		res.Attempts = attempt
		res.Err = op(ctx, attempt)
		if res.Err == nil {
			return res
		}
		if isPermanent(res.Err) || attempt == limit {
			break
		}
		if err := sleep(ctx, p.Delay); err != nil {
			break
		}
	}
	res.Err = unwrapPermanent(res.Err)
	return res
}

// Sleep waits d, returning early with ctx.Err() if ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type permanent struct{ err error }

func (p permanent) Error() string { return p.err.Error() }
func (p permanent) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying (a 4xx from a destination, say).
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanent{err: err}
}

func isPermanent(err error) bool {
	_, ok := err.(permanent)
	return ok
}

func unwrapPermanent(err error) error {
	if p, ok := err.(permanent); ok {
		return p.err
	}
	return err
}
