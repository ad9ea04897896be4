package telegram

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter gates the frequency of requests to the Telegram API.
// All outbound calls pass through a token bucket plus a minimum
// inter-request spacing; a FLOOD_WAIT holds the whole gate.
type RateLimiter struct {
	limiter     *rate.Limiter
	minInterval time.Duration

	mu             sync.Mutex
	lastRequest    time.Time
	floodWaitUntil time.Time
}

// NewRateLimiter creates a rate limiter for Telegram.
// rps - requests per second (1-2 for safe browsing, 15-20 for scraping)
// minInterval - hard floor between any two requests
func NewRateLimiter(rps float64, burst int, minInterval time.Duration) *RateLimiter {
	return &RateLimiter{
		limiter:     rate.NewLimiter(rate.Limit(rps), burst),
		minInterval: minInterval,
	}
}

// DefaultRateLimiter returns a limiter with conservative settings.
func DefaultRateLimiter() *RateLimiter {
	return NewRateLimiter(2.0, 1, 100*time.Millisecond)
}

// Wait blocks until the next request is allowed.
func (r *RateLimiter) Wait(ctx context.Context) error {
	for {
		r.mu.Lock()
		waitUntil := r.floodWaitUntil
		r.mu.Unlock()

		if !time.Now().Before(waitUntil) {
			break
		}
		select {
		case <-time.After(time.Until(waitUntil)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if err := r.limiter.Wait(ctx); err != nil {
		return err
	}

	// enforce minimum spacing on top of the bucket
	r.mu.Lock()
	since := time.Since(r.lastRequest)
	var sleep time.Duration
	if since < r.minInterval {
		sleep = r.minInterval - since
	}
	r.lastRequest = time.Now().Add(sleep)
	r.mu.Unlock()

	if sleep > 0 {
		select {
		case <-time.After(sleep):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// SetFloodWait holds the gate for the server-requested cooldown plus
// jitter, so resumed traffic does not hit the limit wall again at once.
func (r *RateLimiter) SetFloodWait(d time.Duration) {
	jitter := time.Duration(rand.Int63n(int64(5 * time.Second)))
	r.mu.Lock()
	defer r.mu.Unlock()

	until := time.Now().Add(d + jitter)
	if until.After(r.floodWaitUntil) {
		r.floodWaitUntil = until
	}
}

// FloodWaitRemaining returns how long the gate is still held, or 0.
func (r *RateLimiter) FloodWaitRemaining() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d := time.Until(r.floodWaitUntil); d > 0 {
		return d
	}
	return 0
}
