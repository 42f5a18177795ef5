package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"
)

// TestNewRateLimiterStartsFull verifies the bucket starts at full capacity.
func TestNewRateLimiterStartsFull(t *testing.T) {
	rl := NewRateLimiter(1.0, 10, nil)
	if tokens := rl.Tokens(); tokens < 9.9 {
		t.Errorf("expected ~10 tokens, got %.2f", tokens)
	}
}

// TestAllowConsumesToken verifies token consumption.
func TestAllowConsumesToken(t *testing.T) {
	rl := NewRateLimiter(1.0, 5, nil)

	for i := 0; i < 5; i++ {
		if !rl.Allow() {
			t.Fatalf("Allow() failed on attempt %d", i+1)
		}
	}

	// 6th should fail (bucket exhausted, no time for refill)
	if rl.Allow() {
		t.Error("Allow() should fail when bucket is empty")
	}
}

// TestTokenRefill verifies tokens refill over time.
func TestTokenRefill(t *testing.T) {
	rl := NewRateLimiter(10.0, 10, nil)

	for i := 0; i < 10; i++ {
		rl.Allow()
	}

	time.Sleep(200 * time.Millisecond) // Should refill ~2 tokens

	tokens := rl.Tokens()
	if tokens < 1.5 || tokens > 3.0 {
		t.Errorf("expected ~2 tokens after 200ms at 10/sec, got %.2f", tokens)
	}
}

// TestWaitBlocksUntilTokenAvailable verifies Wait blocks and then succeeds.
func TestWaitBlocksUntilTokenAvailable(t *testing.T) {
	rl := NewRateLimiter(10.0, 1, nil)
	rl.Allow()

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	start := time.Now()
	if err := rl.Wait(ctx); err != nil {
		t.Fatalf("Wait() returned error: %v", err)
	}
	elapsed := time.Since(start)

	// Should have waited ~100ms (1 token / 10 tokens/sec)
	if elapsed < 50*time.Millisecond || elapsed > 300*time.Millisecond {
		t.Errorf("Wait() took %v, expected ~100ms", elapsed)
	}
}

// TestWaitRespectsContextCancellation verifies Wait returns on context cancel
// and gives the reserved token back.
func TestWaitRespectsContextCancellation(t *testing.T) {
	rl := NewRateLimiter(0.1, 1, nil)
	rl.Allow()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if err := rl.Wait(ctx); err != context.DeadlineExceeded {
		t.Errorf("Wait() error = %v, want context.DeadlineExceeded", err)
	}
	if tokens := rl.Tokens(); tokens < -0.1 {
		t.Errorf("canceled wait kept its reservation, tokens = %.2f", tokens)
	}
}

// TestConcurrentWaiters verifies concurrent callers share one budget.
func TestConcurrentWaiters(t *testing.T) {
	rl := NewRateLimiter(50.0, 5, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	start := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := rl.Wait(ctx); err != nil {
				t.Errorf("Wait() returned error: %v", err)
			}
		}()
	}
	wg.Wait()

	// 5 burst tokens, then 5 more at 50/sec
	if elapsed := time.Since(start); elapsed < 60*time.Millisecond {
		t.Errorf("10 waits finished in %v, expected at least ~100ms", elapsed)
	}
}
