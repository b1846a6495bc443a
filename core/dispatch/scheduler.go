package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrPollTimeout is returned when the poll policy expires before the awaited
// condition holds.
var ErrPollTimeout = errors.New("dispatch: poll timeout expired")

// Clock abstracts time for the poll loop so tests can substitute a fake.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// RealClock returns the wall clock.
func RealClock() Clock { return realClock{} }

// Poller is the scheduler for blocking waits on remote state. Interval grows
// by Backoff up to MaxInterval; Timeout zero means wait forever.
type Poller struct {
	Interval    time.Duration
	MaxInterval time.Duration
	Timeout     time.Duration
	Backoff     float64
	Clock       Clock
}

// Wait calls cond until it reports done, sleeping between calls per the poll
// policy. Errors from cond abort the wait immediately.
func (p Poller) Wait(ctx context.Context, cond func(context.Context) (bool, error)) error {
	clock := p.Clock
	if clock == nil {
		clock = RealClock()
	}
	interval := p.Interval
	if interval <= 0 {
		interval = time.Second
	}
	backoff := p.Backoff
	if backoff < 1 {
		backoff = 1
	}

	var deadline time.Time
	if p.Timeout > 0 {
		deadline = clock.Now().Add(p.Timeout)
	}

	for {
		done, err := cond(ctx)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		if !deadline.IsZero() && !clock.Now().Before(deadline) {
			return fmt.Errorf("%w after %s", ErrPollTimeout, p.Timeout)
		}
		if err := clock.Sleep(ctx, interval); err != nil {
			return err
		}
		interval = time.Duration(float64(interval) * backoff)
		if p.MaxInterval > 0 && interval > p.MaxInterval {
			interval = p.MaxInterval
		}
	}
}
