package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/rescale/rescale-upload/internal/logging"
)

// RateLimiter limits how often a class of requests is sent.
// It allows bursts up to burst, then refills at perSecond tokens per second.
type RateLimiter struct {
	lim *rate.Limiter
	log *logging.Logger

	mu           sync.Mutex
	lastWarnTime time.Time
}

// NewRateLimiter creates a new rate limiter. The bucket starts full.
//
// Parameters:
//   - perSecond: Rate at which tokens are added (e.g., 3.0 for 3 requests/second)
//   - burst: Maximum tokens that can accumulate (allows brief bursts)
func NewRateLimiter(perSecond float64, burst int, log *logging.Logger) *RateLimiter {
	if log == nil {
		log = logging.Nop()
	}
	return &RateLimiter{
		lim: rate.NewLimiter(rate.Limit(perSecond), burst),
		log: log,
	}
}

// NewControlCallLimiter creates the limiter used for initiate/complete/abort calls.
func NewControlCallLimiter(log *logging.Logger) *RateLimiter {
	return NewRateLimiter(ControlCallsPerSec, ControlCallBurst, log)
}

// Wait blocks until a token is available or ctx is done.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	r := rl.lim.Reserve()
	if !r.OK() {
		return rl.lim.Wait(ctx)
	}
	delay := r.Delay()
	if delay == 0 {
		return nil
	}

	if delay > WarnWaitThreshold {
		rl.mu.Lock()
		if time.Since(rl.lastWarnTime) > WarnInterval {
			rl.log.Warn().Dur("wait", delay).Msg("Rate limited, waiting for request capacity")
			rl.lastWarnTime = time.Now()
		}
		rl.mu.Unlock()
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		r.Cancel()
		return ctx.Err()
	}
}

// Allow reports whether a request may be sent now, consuming a token if so.
func (rl *RateLimiter) Allow() bool {
	return rl.lim.Allow()
}

// Tokens returns the number of tokens currently available.
func (rl *RateLimiter) Tokens() float64 {
	return rl.lim.Tokens()
}
