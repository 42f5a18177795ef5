// Package retry runs remote operations with bounded attempts, exponential
// backoff with jitter, and a per-attempt timeout.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/rescale/rescale-upload/internal/cloud/storage"
	"github.com/rescale/rescale-upload/internal/constants"
)

// Policy holds retry parameters.
type Policy struct {
	// MaxAttempts is the total number of tries, including the first (default: 3)
	MaxAttempts int
	// InitialInterval is the delay before the first retry (default: 500ms)
	InitialInterval time.Duration
	// Multiplier grows the delay after each retry (default: 2)
	Multiplier float64
	// MaxInterval caps the delay between retries (default: 8s)
	MaxInterval time.Duration
	// RandomizationFactor spreads delays by +/- this fraction (default: 0.5)
	RandomizationFactor float64
	// AttemptTimeout bounds a single attempt. Zero means no per-attempt limit.
	AttemptTimeout time.Duration
}

// DefaultPolicy returns a Policy with sensible defaults
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:         constants.MaxAttempts,
		InitialInterval:     constants.RetryInitialDelay,
		Multiplier:          constants.RetryMultiplier,
		MaxInterval:         constants.RetryMaxDelay,
		RandomizationFactor: constants.RetryJitter,
		AttemptTimeout:      constants.PartAttemptTimeout,
	}
}

// Validate reports policies that cannot run.
func (p Policy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("%w: max attempts must be at least 1, got %d", storage.ErrInvalidConfiguration, p.MaxAttempts)
	}
	if p.InitialInterval < 0 || p.MaxInterval < 0 || p.AttemptTimeout < 0 {
		return fmt.Errorf("%w: retry intervals must not be negative", storage.ErrInvalidConfiguration)
	}
	if p.RandomizationFactor < 0 || p.RandomizationFactor > 1 {
		return fmt.Errorf("%w: randomization factor must be in [0, 1], got %v", storage.ErrInvalidConfiguration, p.RandomizationFactor)
	}
	return nil
}

// Controller executes operations under a Policy.
// A Controller is stateless between calls and safe for concurrent use.
type Controller struct {
	policy Policy

	// OnRetry is an optional callback invoked before each retry attempt.
	// attempt is the 1-based number of the attempt that failed.
	OnRetry func(op string, attempt int, err error, wait time.Duration)
}

// NewController creates a controller for policy.
func NewController(policy Policy) *Controller {
	return &Controller{policy: policy}
}

// Policy returns the controller's policy.
func (c *Controller) Policy() Policy {
	return c.policy
}

func (c *Controller) newBackOff(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = c.policy.InitialInterval
	eb.Multiplier = c.policy.Multiplier
	eb.MaxInterval = c.policy.MaxInterval
	eb.RandomizationFactor = c.policy.RandomizationFactor
	eb.MaxElapsedTime = 0
	if eb.Multiplier < 1 {
		eb.Multiplier = 1
	}

	maxAttempts := c.policy.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return backoff.WithContext(backoff.WithMaxRetries(eb, uint64(maxAttempts-1)), ctx)
}

// Attempt runs fn until it succeeds, fails fatally, or the policy's attempts
// are used up.
//
// Results:
//   - nil on success
//   - the parent context's error when ctx is done
//   - local fatal errors (file unavailable, ledger write) unchanged
//   - *storage.RemoteRejectedError for any other fatal error
//   - *storage.RemoteTransientError once every attempt failed retryably
func (c *Controller) Attempt(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	attempts := 0
	operation := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		attempts++

		attemptCtx, cancel := ctx, context.CancelFunc(func() {})
		if c.policy.AttemptTimeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, c.policy.AttemptTimeout)
		}
		err := fn(attemptCtx)
		cancel()

		if err != nil && ctx.Err() != nil {
			// The parent went away mid-attempt; whatever fn returned is moot.
			return backoff.Permanent(ctx.Err())
		}
		switch Classify(err) {
		case Success:
			return nil
		case Retryable:
			return err
		default:
			return backoff.Permanent(err)
		}
	}

	notify := func(err error, wait time.Duration) {
		if c.OnRetry != nil {
			c.OnRetry(op, attempts, err, wait)
		}
	}

	err := backoff.RetryNotify(operation, c.newBackOff(ctx), notify)
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}

	switch Classify(err) {
	case Retryable:
		return &storage.RemoteTransientError{Attempts: attempts, Err: fmt.Errorf("%s: %w", op, err)}
	case Canceled:
		return err
	}
	if isLocal(err) {
		return err
	}
	return &storage.RemoteRejectedError{Err: fmt.Errorf("%s: %w", op, err)}
}

func isLocal(err error) bool {
	return errors.Is(err, storage.ErrFileUnavailable) ||
		errors.Is(err, storage.ErrInvalidConfiguration) ||
		errors.Is(err, storage.ErrLedgerWrite)
}
