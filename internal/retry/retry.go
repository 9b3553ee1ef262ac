// Package retry runs an operation a bounded number of times with a linearly
// growing pause between attempts.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// ErrIncomplete is returned when every attempt produced a result that the
// completeness predicate rejected.
var ErrIncomplete = errors.New("retry: result incomplete after final attempt")

type Policy struct {
	// MaxAttempts counts the first try. Values below 1 are treated as 1.
	MaxAttempts int
	// Step is multiplied by the attempt index to get the pause after that
	// attempt: Step, 2*Step, 3*Step...
	Step time.Duration
}

// Linear implements backoff.BackOff as attempt × step.
type Linear struct {
	Step time.Duration
	n    int64
}

func (l *Linear) NextBackOff() time.Duration {
	l.n++
	return time.Duration(l.n) * l.Step
}

func (l *Linear) Reset() { l.n = 0 }

// Do calls op until it returns a nil error and a result accepted by complete,
// every attempt is used, or ctx ends. The last result and the number of
// attempts made are always returned. A nil complete accepts every result.
//
// An error wrapped with backoff.Permanent stops the loop immediately.
func Do[T any](ctx context.Context, p Policy, op func(ctx context.Context, attempt int) (T, error), complete func(T) bool) (T, int, error) {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var (
		last T
		n    int
	)
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		n++
		res, err := op(ctx, n)
		last = res
		if err != nil {
			return struct{}{}, err
		}
		if complete != nil && !complete(res) {
			return struct{}{}, ErrIncomplete
		}
		return struct{}{}, nil
	},
		backoff.WithBackOff(&Linear{Step: p.Step}),
		backoff.WithMaxTries(uint(attempts)),
		backoff.WithMaxElapsedTime(0),
	)
	return last, n, err
}

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	return backoff.Permanent(err)
}
