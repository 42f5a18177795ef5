package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"testing"
	"time"

	"github.com/rescale/rescale-upload/internal/cloud/storage"
)

func fastPolicy(attempts int) Policy {
	return Policy{
		MaxAttempts:         attempts,
		InitialInterval:     time.Millisecond,
		Multiplier:          2,
		MaxInterval:         5 * time.Millisecond,
		RandomizationFactor: 0.5,
		AttemptTimeout:      time.Second,
	}
}

// TestAttempt_Success verifies basic success case returns nil on first attempt.
func TestAttempt_Success(t *testing.T) {
	c := NewController(fastPolicy(3))

	calls := 0
	err := c.Attempt(context.Background(), "op", func(ctx context.Context) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("expected nil error, got: %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestAttempt_RetryableExhaustsExactlyMaxAttempts(t *testing.T) {
	for _, n := range []int{1, 3, 5} {
		t.Run(fmt.Sprintf("max=%d", n), func(t *testing.T) {
			c := NewController(fastPolicy(n))
			var retries []int
			c.OnRetry = func(op string, attempt int, err error, wait time.Duration) {
				retries = append(retries, attempt)
			}

			calls := 0
			err := c.Attempt(context.Background(), "UploadPart", func(ctx context.Context) error {
				calls++
				return storage.StatusError("UploadPart", 503, "")
			})

			if calls != n {
				t.Errorf("expected exactly %d calls, got %d", n, calls)
			}
			if len(retries) != n-1 {
				t.Errorf("expected %d retry notifications, got %d", n-1, len(retries))
			}
			if !errors.Is(err, storage.ErrRemoteTransient) {
				t.Fatalf("expected ErrRemoteTransient, got %v", err)
			}
			var te *storage.RemoteTransientError
			if !errors.As(err, &te) || te.Attempts != n {
				t.Errorf("expected Attempts=%d, got %+v", n, te)
			}
			if storage.StatusCode(err) != 503 {
				t.Errorf("expected last status 503 to be preserved, got %d", storage.StatusCode(err))
			}
		})
	}
}

func TestAttempt_RecoversAfterTransientFailures(t *testing.T) {
	c := NewController(fastPolicy(3))

	calls := 0
	err := c.Attempt(context.Background(), "op", func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return syscall.ECONNRESET
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success on third attempt, got %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

// TestAttempt_FatalError verifies no retry on fatal errors.
func TestAttempt_FatalError(t *testing.T) {
	c := NewController(fastPolicy(5))

	calls := 0
	err := c.Attempt(context.Background(), "CompleteMultipart", func(ctx context.Context) error {
		calls++
		return storage.StatusError("CompleteMultipart", 400, "InvalidPartOrder")
	})
	if calls != 1 {
		t.Errorf("expected 1 call (no retry on fatal), got %d", calls)
	}
	if !errors.Is(err, storage.ErrRemoteRejected) {
		t.Errorf("expected ErrRemoteRejected, got %v", err)
	}
}

func TestAttempt_LocalFatalErrorsPassThrough(t *testing.T) {
	c := NewController(fastPolicy(5))

	for _, sentinel := range []error{storage.ErrFileUnavailable, storage.ErrLedgerWrite} {
		calls := 0
		err := c.Attempt(context.Background(), "op", func(ctx context.Context) error {
			calls++
			return fmt.Errorf("chunk 2: %w", sentinel)
		})
		if calls != 1 {
			t.Errorf("%v: expected 1 call, got %d", sentinel, calls)
		}
		if !errors.Is(err, sentinel) || errors.Is(err, storage.ErrRemoteRejected) {
			t.Errorf("expected bare %v, got %v", sentinel, err)
		}
	}
}

// TestAttempt_ContextCancelledDuringSleep verifies retry returns quickly when context cancelled.
func TestAttempt_ContextCancelledDuringSleep(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	policy := fastPolicy(5)
	policy.InitialInterval = 5 * time.Second
	policy.MaxInterval = 30 * time.Second
	c := NewController(policy)

	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	err := c.Attempt(ctx, "op", func(ctx context.Context) error {
		return errors.New("connection reset by peer")
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Attempt took %v after cancellation", elapsed)
	}
}

func TestAttempt_PerAttemptTimeoutIsRetried(t *testing.T) {
	policy := fastPolicy(2)
	policy.AttemptTimeout = 20 * time.Millisecond
	c := NewController(policy)

	calls := 0
	err := c.Attempt(context.Background(), "op", func(ctx context.Context) error {
		calls++
		<-ctx.Done()
		return ctx.Err()
	})
	if calls != 2 {
		t.Errorf("expected a hung attempt to be retried, got %d calls", calls)
	}
	if !errors.Is(err, storage.ErrRemoteTransient) {
		t.Errorf("expected ErrRemoteTransient, got %v", err)
	}
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "dial tcp: i/o deadline" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

var _ net.Error = timeoutErr{}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Class
	}{
		{"nil", nil, Success},
		{"canceled", context.Canceled, Canceled},
		{"deadline", context.DeadlineExceeded, Retryable},
		{"5xx", storage.StatusError("UploadPart", 502, ""), Retryable},
		{"408", storage.StatusError("UploadPart", 408, ""), Retryable},
		{"429", storage.StatusError("UploadPart", 429, ""), Retryable},
		{"400", storage.StatusError("UploadPart", 400, ""), Fatal},
		{"403", storage.StatusError("UploadPart", 403, ""), Fatal},
		{"404", storage.StatusError("UploadPart", 404, ""), Fatal},
		{"net timeout", timeoutErr{}, Retryable},
		{"econnreset", fmt.Errorf("write: %w", syscall.ECONNRESET), Retryable},
		{"econnrefused", syscall.ECONNREFUSED, Retryable},
		{"epipe", syscall.EPIPE, Retryable},
		{"unexpected eof", io.ErrUnexpectedEOF, Retryable},
		{"file unavailable", storage.ErrFileUnavailable, Fatal},
		{"invalid config", storage.ErrInvalidConfiguration, Fatal},
		{"ledger", storage.ErrLedgerWrite, Fatal},
		{"message slowdown", errors.New("SlowDown: please reduce your request rate"), Retryable},
		{"message reset", errors.New("read tcp 10.0.0.1: connection reset by peer"), Retryable},
		{"message expired token", errors.New("ExpiredToken: the token has expired"), Fatal},
		{"unknown", errors.New("something odd"), Fatal},
		{"message status", errors.New("upload failed: status 503"), Retryable},
		{"message status code", errors.New("StatusCode: 429, RequestID: abc"), Retryable},
		{"message http line", errors.New("unexpected response HTTP/1.1 502"), Retryable},
		{"message reason phrase", errors.New("504 Gateway Timeout"), Retryable},
		{"message part number", errors.New("part 500 of /data/run_503.bin was rejected"), Fatal},
		{"message status 404", errors.New("status 404"), Fatal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestPolicy_Validate(t *testing.T) {
	if err := DefaultPolicy().Validate(); err != nil {
		t.Errorf("default policy invalid: %v", err)
	}
	bad := DefaultPolicy()
	bad.MaxAttempts = 0
	if err := bad.Validate(); !errors.Is(err, storage.ErrInvalidConfiguration) {
		t.Errorf("expected ErrInvalidConfiguration, got %v", err)
	}
}
