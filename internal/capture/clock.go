package capture

import (
	"context"
	"time"
)

// Clock is the time source for polling and cadence waits.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func RealClock() Clock {
	return realClock{}
}

func (realClock) Now() time.Time {
	return time.Now()
}

func (realClock) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}

// Sleep waits d on clock or returns early with the context error.
func Sleep(ctx context.Context, clock Clock, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-clock.After(d):
		return nil
	}
}

// WaitFor sleeps poll, then runs check, until check reports done or an
// error, the budget is spent, or ctx ends. Exhausting the budget returns
// ErrTimeout. The deadline is checked once per iteration.
func WaitFor(ctx context.Context, clock Clock, budget, poll time.Duration, check func() (bool, error)) error {
	deadline := clock.Now().Add(budget)
	for {
		if err := Sleep(ctx, clock, poll); err != nil {
			return err
		}
		done, err := check()
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		if !clock.Now().Before(deadline) {
			return ErrTimeout
		}
	}
}
