package client

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestDefaultRetryConfig(t *testing.T) {
	config := DefaultRetryConfig()

	if config.MaxRetries != 5 {
		t.Errorf("MaxRetries = %d, want 5", config.MaxRetries)
	}
	if config.BaseDelay != 1*time.Second {
		t.Errorf("BaseDelay = %v, want 1s", config.BaseDelay)
	}
	if config.MaxJitter != 10*time.Second {
		t.Errorf("MaxJitter = %v, want 10s", config.MaxJitter)
	}
}

func TestBackoff_Exponential(t *testing.T) {
	config := RetryConfig{BaseDelay: time.Second}

	tests := []struct {
		retry int
		want  time.Duration
	}{
		{0, 1 * time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 16 * time.Second},
	}

	for _, tt := range tests {
		if got := config.Backoff(tt.retry); got != tt.want {
			t.Errorf("Backoff(%d) = %v, want %v", tt.retry, got, tt.want)
		}
	}
}

func TestBackoff_JitterBounds(t *testing.T) {
	config := RetryConfig{BaseDelay: time.Second, MaxJitter: 10 * time.Second}

	for i := 0; i < 200; i++ {
		got := config.Backoff(1)
		if got < 2*time.Second || got >= 12*time.Second {
			t.Fatalf("Backoff(1) = %v, want within [2s, 12s)", got)
		}
	}
}

func TestBackoff_CappedExponent(t *testing.T) {
	config := RetryConfig{BaseDelay: time.Millisecond}
	if config.Backoff(100) != config.Backoff(maxShift) {
		t.Error("exponent should be capped")
	}
}

func TestRetryWithBackoff_Success(t *testing.T) {
	callCount := 0
	err := retryWithBackoff(context.Background(), RetryConfig{MaxRetries: 3}, zerolog.Nop(),
		func(attempt int) (ErrorClass, error) {
			callCount++
			return "", nil
		})

	if err != nil {
		t.Errorf("Expected no error, got %v", err)
	}
	if callCount != 1 {
		t.Errorf("Expected 1 call, got %d", callCount)
	}
}

func TestRetryWithBackoff_SuccessAfterRetry(t *testing.T) {
	callCount := 0
	err := retryWithBackoff(context.Background(), RetryConfig{MaxRetries: 3, BaseDelay: time.Millisecond}, zerolog.Nop(),
		func(attempt int) (ErrorClass, error) {
			callCount++
			if attempt != callCount-1 {
				t.Errorf("attempt = %d, want %d", attempt, callCount-1)
			}
			if callCount < 3 {
				return ErrorClassServer, errors.New("temporary error")
			}
			return "", nil
		})

	if err != nil {
		t.Errorf("Expected no error, got %v", err)
	}
	if callCount != 3 {
		t.Errorf("Expected 3 calls, got %d", callCount)
	}
}

func TestRetryWithBackoff_Exhausted(t *testing.T) {
	testErr := errors.New("persistent error")
	callCount := 0
	err := retryWithBackoff(context.Background(), RetryConfig{MaxRetries: 2, BaseDelay: time.Millisecond}, zerolog.Nop(),
		func(attempt int) (ErrorClass, error) {
			callCount++
			return ErrorClassServer, testErr
		})

	if !errors.Is(err, ErrRetryExhausted) {
		t.Errorf("Expected ErrRetryExhausted, got %v", err)
	}
	if !errors.Is(err, testErr) {
		t.Errorf("Expected the last error to be wrapped, got %v", err)
	}
	if callCount != 3 {
		t.Errorf("Expected 3 calls (1 + 2 retries), got %d", callCount)
	}
}

func TestRetryWithBackoff_ZeroRetries(t *testing.T) {
	callCount := 0
	err := retryWithBackoff(context.Background(), RetryConfig{}, zerolog.Nop(),
		func(attempt int) (ErrorClass, error) {
			callCount++
			return ErrorClassNetwork, errors.New("down")
		})

	if !errors.Is(err, ErrRetryExhausted) {
		t.Errorf("Expected ErrRetryExhausted, got %v", err)
	}
	if callCount != 1 {
		t.Errorf("Expected 1 call, got %d", callCount)
	}
}

func TestRetryWithBackoff_PermanentStops(t *testing.T) {
	testErr := errors.New("bad request shape")
	callCount := 0
	err := retryWithBackoff(context.Background(), RetryConfig{MaxRetries: 5, BaseDelay: time.Millisecond}, zerolog.Nop(),
		func(attempt int) (ErrorClass, error) {
			callCount++
			return "", permanent(testErr)
		})

	if err != testErr {
		t.Errorf("Expected the unwrapped permanent error, got %v", err)
	}
	if callCount != 1 {
		t.Errorf("Expected 1 call, got %d", callCount)
	}
}

func TestRetryWithBackoff_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	callCount := 0
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	err := retryWithBackoff(ctx, RetryConfig{MaxRetries: 5, BaseDelay: 10 * time.Second}, zerolog.Nop(),
		func(attempt int) (ErrorClass, error) {
			callCount++
			return ErrorClassServer, errors.New("server error")
		})

	if !errors.Is(err, ErrContextCancelled) {
		t.Errorf("Expected ErrContextCancelled, got %v", err)
	}
	if callCount != 1 {
		t.Errorf("Expected 1 call before cancellation, got %d", callCount)
	}
}

func TestRetryWithBackoff_ContextCancelledImmediately(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := retryWithBackoff(ctx, RetryConfig{MaxRetries: 5, BaseDelay: time.Second}, zerolog.Nop(),
		func(attempt int) (ErrorClass, error) {
			return ErrorClassNetwork, ctx.Err()
		})

	if !errors.Is(err, ErrContextCancelled) {
		t.Errorf("Expected ErrContextCancelled, got %v", err)
	}
}
