// ratelimit.go implements the dual rate limiter for the Binance.US REST API.
//
// Binance.US enforces two independent limits: a request-weight budget per
// minute (1200 by default) and an order-placement rate per second
// (10 by default). Per §4.1 these are modeled bit-exactly rather than with
// a smooth continuous refill:
//
//   - The weight reservoir refills in full at the minute boundary, not
//     continuously — a call that would exceed the remaining reservoir
//     suspends until the boundary rather than trickling in partial tokens.
//   - Each limiter bounds the number of concurrently in-flight requests
//     (General: 5, Order: 1) and enforces a minimum gap between the start
//     of consecutive requests (General: 50ms, Order: 100ms).
//   - On a 429 or venue code -1003, the general limiter halts for 60s —
//     queued callers keep waiting rather than being dropped.
package exchange

import (
	"context"
	"sync"
	"time"
)

// Limiter is a weight reservoir that refills in full at fixed window
// boundaries, bounds concurrent in-flight requests, enforces a minimum gap
// between request starts, and can be halted for a fixed duration on a
// venue-signaled backoff condition (429 / -1003).
//
// WaitN must be paired with a call to Done once the request it gated has
// completed; Done releases the in-flight slot WaitN acquired.
type Limiter struct {
	mu        sync.Mutex
	capacity  float64
	tokens    float64
	window    time.Duration
	windowEnd time.Time
	minGap    time.Duration
	lastStart time.Time
	haltUntil time.Time
	inFlight  chan struct{}
}

// NewLimiter creates a Limiter with the given weight reservoir capacity,
// refill window, max concurrent in-flight requests, and minimum gap between
// request starts.
func NewLimiter(capacity float64, window time.Duration, maxInFlight int, minGap time.Duration) *Limiter {
	return &Limiter{
		capacity: capacity,
		tokens:   capacity,
		window:   window,
		minGap:   minGap,
		inFlight: make(chan struct{}, maxInFlight),
	}
}

// Wait blocks until one weight unit is available or ctx is cancelled.
func (l *Limiter) Wait(ctx context.Context) error {
	return l.WaitN(ctx, 1)
}

// WaitN blocks until n weight units are available, a halt has cleared, an
// in-flight slot has opened up, and the minimum inter-request gap has
// elapsed, or ctx is cancelled. The caller must call Done once the gated
// request completes.
func (l *Limiter) WaitN(ctx context.Context, n float64) error {
	select {
	case l.inFlight <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	for {
		l.mu.Lock()
		now := time.Now()

		if l.windowEnd.IsZero() || !now.Before(l.windowEnd) {
			l.tokens = l.capacity
			l.windowEnd = now.Add(l.window)
		}

		wait := time.Duration(0)
		switch {
		case now.Before(l.haltUntil):
			wait = l.haltUntil.Sub(now)
		case l.tokens < n:
			wait = l.windowEnd.Sub(now)
		case !l.lastStart.IsZero() && now.Sub(l.lastStart) < l.minGap:
			wait = l.minGap - now.Sub(l.lastStart)
		}

		if wait <= 0 {
			l.tokens -= n
			l.lastStart = now
			l.mu.Unlock()
			return nil
		}
		l.mu.Unlock()

		select {
		case <-ctx.Done():
			<-l.inFlight
			return ctx.Err()
		case <-time.After(wait):
			// retry
		}
	}
}

// Done releases the in-flight slot acquired by a prior WaitN/Wait call. It
// must be called exactly once per successful Wait/WaitN, after the gated
// request completes.
func (l *Limiter) Done() {
	<-l.inFlight
}

// Halt suspends all weight consumption until d has elapsed, extending (never
// shortening) any halt already in effect. Queued callers already blocked in
// WaitN continue waiting; none are dropped.
func (l *Limiter) Halt(d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	until := time.Now().Add(d)
	if until.After(l.haltUntil) {
		l.haltUntil = until
	}
}

// RateLimiter groups the two Binance.US rate reservoirs. Every REST call
// must call General.WaitN(ctx, weight) before the request and General.Done()
// after it completes; order-placement calls additionally wrap with
// Order.Wait/Order.Done.
type RateLimiter struct {
	General *Limiter // request-weight budget: 1200/min, max 5 in-flight, 50ms min gap
	Order   *Limiter // order-placement rate: 10/sec, max 1 in-flight, 100ms min gap
}

// NewRateLimiter creates rate limiters tuned to Binance.US's published
// limits and §4.1's bit-exact reservoir/in-flight/min-gap model.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		General: NewLimiter(1200, time.Minute, 5, 50*time.Millisecond),
		Order:   NewLimiter(10, time.Second, 1, 100*time.Millisecond),
	}
}
