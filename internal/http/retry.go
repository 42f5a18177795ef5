package http

import (
	"context"
	"math/rand"
	nethttp "net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/rescale/rescale-upload/internal/logging"
)

// RetryOptions configures the transport-level retries of a control-call client.
type RetryOptions struct {
	// MaxRetries is the number of extra tries after a connection failure (default: 2)
	MaxRetries int
	// InitialDelay is the base delay for exponential backoff (default: 200ms)
	InitialDelay time.Duration
	// MaxDelay is the maximum delay between retries (default: 2s)
	MaxDelay time.Duration
}

// DefaultRetryOptions returns RetryOptions with sensible defaults
func DefaultRetryOptions() RetryOptions {
	return RetryOptions{
		MaxRetries:   2,
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     2 * time.Second,
	}
}

// retryLogger implements the retryablehttp.LeveledLogger interface on top of
// the zerolog logger. Info and debug chatter is dropped.
type retryLogger struct {
	log *logging.Logger
}

func (l retryLogger) Error(msg string, keysAndValues ...interface{}) {
	l.log.Error().Fields(keysAndValues).Msg(msg)
}

func (l retryLogger) Info(msg string, keysAndValues ...interface{}) {}

func (l retryLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.log.Debug().Fields(keysAndValues).Msg(msg)
}

func (l retryLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.log.Warn().Fields(keysAndValues).Msg(msg)
}

// NewRetryableClient wraps base so requests that never got a response are
// retried a few times. Responses are never retried here: status handling
// belongs to the caller's retry controller, which counts attempts per part.
func NewRetryableClient(base *nethttp.Client, opts RetryOptions, log *logging.Logger) *retryablehttp.Client {
	if log == nil {
		log = logging.Nop()
	}
	client := retryablehttp.NewClient()
	client.HTTPClient = base
	client.RetryMax = opts.MaxRetries
	client.RetryWaitMin = opts.InitialDelay
	client.RetryWaitMax = opts.MaxDelay
	client.Logger = retryLogger{log: log}
	client.CheckRetry = CheckConnectionRetry
	client.Backoff = FullJitterBackoff
	// Hand the last response or error back instead of retryablehttp's summary error
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler
	return client
}

// CheckConnectionRetry retries only when no response was received and the
// caller has not given up.
func CheckConnectionRetry(ctx context.Context, resp *nethttp.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if resp != nil || err == nil {
		return false, nil
	}
	return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
}

// FullJitterBackoff adapts CalculateBackoff to retryablehttp.Backoff.
func FullJitterBackoff(min, max time.Duration, attemptNum int, resp *nethttp.Response) time.Duration {
	return CalculateBackoff(attemptNum+1, min, max)
}

// CalculateBackoff returns exponential backoff duration with full jitter
// Full jitter prevents thundering herd problem when many clients retry simultaneously
//
// Formula: random(0, min(maxDelay, initialDelay * 2^attempt))
func CalculateBackoff(attempt int, initialDelay, maxDelay time.Duration) time.Duration {
	if attempt <= 0 || initialDelay <= 0 {
		return 0
	}

	base := initialDelay
	for i := 0; i < attempt && base < maxDelay; i++ {
		base *= 2
	}
	if base > maxDelay {
		base = maxDelay
	}

	return time.Duration(rand.Int63n(int64(base)))
}
