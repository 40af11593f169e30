// Package repeater resends an action a fixed number of times.
//
// RF receivers can silently miss a transmission and never acknowledge one,
// so the only lever for delivery odds is redundancy. Repeat is blind: it does
// not know whether any attempt was received.
package repeater

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrInvalidTries = errors.New("repeater: tries must be >= 1")
	ErrInvalidSleep = errors.New("repeater: sleep must be >= 0")
)

// Clock suspends the calling goroutine. Tests inject a fake to observe sleeps.
type Clock interface {
	Sleep(ctx context.Context, d time.Duration) error
}

// RealClock sleeps on a timer and wakes early if ctx is done.
type RealClock struct{}

func (RealClock) Sleep(ctx context.Context, d time.Duration) error {
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

// Repeater runs actions through a Clock.
type Repeater struct {
	clock Clock
}

func New(clock Clock) *Repeater {
	if clock == nil {
		clock = RealClock{}
	}
	return &Repeater{clock: clock}
}

// Repeat invokes fn exactly tries times on the calling goroutine, sleeping
// between attempts but never after the last one.
//
// An error from fn ends the sequence and is returned as-is together with the
// number of attempts made (including the failing one). A ctx cancellation
// during a sleep ends the sequence with ctx.Err().
func (r *Repeater) Repeat(ctx context.Context, tries int, sleep time.Duration, fn func() error) (int, error) {
	if tries < 1 {
		return 0, fmt.Errorf("%w (got %d)", ErrInvalidTries, tries)
	}
	if sleep < 0 {
		return 0, fmt.Errorf("%w (got %s)", ErrInvalidSleep, sleep)
	}
	if fn == nil {
		return 0, errors.New("repeater: action is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	for i := 1; i <= tries; i++ {
		if err := fn(); err != nil {
			return i, err
		}
		if i == tries {
			break
		}
		if err := r.clock.Sleep(ctx, sleep); err != nil {
			return i, err
		}
	}
	return tries, nil
}

// Repeat runs fn with the real clock.
func Repeat(ctx context.Context, tries int, sleep time.Duration, fn func() error) (int, error) {
	return New(RealClock{}).Repeat(ctx, tries, sleep, fn)
}
