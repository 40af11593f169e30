package hub

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

// Throttle spaces transmissions on the shared RF channel. It blocks the
// caller (the dispatch loop) until the limiter admits the next send.
type Throttle struct {
	ctx     context.Context
	next    Hub
	limiter *rate.Limiter
}

func NewThrottle(ctx context.Context, next Hub, perSec float64, burst int) *Throttle {
	if ctx == nil {
		ctx = context.Background()
	}
	if burst <= 0 {
		burst = 1
	}
	return &Throttle{ctx: ctx, next: next, limiter: rate.NewLimiter(rate.Limit(perSec), burst)}
}

func (t *Throttle) wait() error {
	if err := t.limiter.Wait(t.ctx); err != nil {
		return fmt.Errorf("hub throttle: %w", err)
	}
	return nil
}

func (t *Throttle) TurnOn(deviceID int) error {
	if err := t.wait(); err != nil {
		return err
	}
	return t.next.TurnOn(deviceID)
}

func (t *Throttle) TurnOff(deviceID int) error {
	if err := t.wait(); err != nil {
		return err
	}
	return t.next.TurnOff(deviceID)
}

func (t *Throttle) Dim(deviceID, level int) error {
	if err := t.wait(); err != nil {
		return err
	}
	return t.next.Dim(deviceID, level)
}
