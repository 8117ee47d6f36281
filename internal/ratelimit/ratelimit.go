// Package ratelimit wraps golang.org/x/time/rate with the single
// construction shape this repo needs: a token-bucket limiter whose burst
// equals its rate, shared by the wire write queue's backpressure valve
// (internal/wire) and the per-buddy presence subscription pacer
// (internal/subscribe).
package ratelimit

import (
	"context"

	"golang.org/x/time/rate"
)

// New constructs a limiter admitting at most perSecond events per second,
// with a burst capacity of perSecond so an idle limiter can still absorb a
// short burst up to the steady-state rate.
func New(perSecond int) *rate.Limiter {
	if perSecond <= 0 {
		perSecond = 1
	}
	return rate.NewLimiter(rate.Limit(perSecond), perSecond)
}

// Wait blocks until the limiter admits one event or ctx is done.
func Wait(ctx context.Context, l *rate.Limiter) error {
	return l.Wait(ctx)
}
