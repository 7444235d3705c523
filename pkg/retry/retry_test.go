package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	s3errors "github.com/s3ql-go/s3ql/pkg/errors"
)

func TestRetryerSuccess(t *testing.T) {
	config := DefaultConfig()
	config.MaxAttempts = 3
	retryer := New(config)

	attempts := 0
	err := retryer.Do(func() error {
		attempts++
		return nil
	})

	if err != nil {
		t.Errorf("Expected nil error, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("Expected 1 attempt, got %d", attempts)
	}
}

func TestRetryerRetriesTransientBackend(t *testing.T) {
	config := DefaultConfig()
	config.MaxAttempts = 3
	config.InitialDelay = 5 * time.Millisecond
	config.Jitter = false
	retryer := New(config)

	attempts := 0
	err := retryer.Do(func() error {
		attempts++
		if attempts < 3 {
			return s3errors.New(s3errors.ErrCodeTransientBackend, "backend", "Get", "throttled")
		}
		return nil
	})

	if err != nil {
		t.Errorf("Expected eventual success, got %v", err)
	}
	if attempts != 3 {
		t.Errorf("Expected 3 attempts, got %d", attempts)
	}
}

func TestRetryerDoesNotRetryNonRetryable(t *testing.T) {
	config := DefaultConfig()
	config.MaxAttempts = 5
	retryer := New(config)

	attempts := 0
	testErr := s3errors.New(s3errors.ErrCodeInvalidArgument, "dispatcher", "Rename", "into own descendant")
	err := retryer.Do(func() error {
		attempts++
		return testErr
	})

	if !errors.Is(err, testErr) {
		t.Errorf("Expected the invalid-argument error to surface unwrapped, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("Expected exactly 1 attempt for a non-retryable error, got %d", attempts)
	}
}

func TestRetryerExhaustsMaxAttempts(t *testing.T) {
	config := DefaultConfig()
	config.MaxAttempts = 3
	config.InitialDelay = 1 * time.Millisecond
	config.Jitter = false
	retryer := New(config)

	attempts := 0
	err := retryer.Do(func() error {
		attempts++
		return s3errors.New(s3errors.ErrCodeTransientBackend, "backend", "Put", "still throttled")
	})

	if err == nil {
		t.Fatal("Expected an error after exhausting retries")
	}
	if attempts != 3 {
		t.Errorf("Expected 3 attempts, got %d", attempts)
	}
}

func TestRetryerRespectsContextCancellation(t *testing.T) {
	config := DefaultConfig()
	config.MaxAttempts = 10
	config.InitialDelay = 50 * time.Millisecond
	config.Jitter = false
	retryer := New(config)

	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := retryer.DoWithContext(ctx, func(ctx context.Context) error {
		attempts++
		return s3errors.New(s3errors.ErrCodeTransientBackend, "backend", "Get", "throttled")
	})

	if err == nil {
		t.Fatal("Expected an error after context cancellation")
	}
	if attempts >= 10 {
		t.Errorf("Expected cancellation to cut retries short, got %d attempts", attempts)
	}
}

func TestCalculateDelayRespectsMaxDelay(t *testing.T) {
	config := DefaultConfig()
	config.InitialDelay = 1 * time.Second
	config.MaxDelay = 2 * time.Second
	config.Multiplier = 10
	config.Jitter = false
	retryer := New(config)

	delay := retryer.calculateDelay(5)
	if delay > config.MaxDelay {
		t.Errorf("calculateDelay(5) = %v, want <= %v", delay, config.MaxDelay)
	}
}

func TestOnRetryCallback(t *testing.T) {
	config := DefaultConfig()
	config.MaxAttempts = 3
	config.InitialDelay = 1 * time.Millisecond
	config.Jitter = false

	var calls int
	config.OnRetry = func(attempt int, err error, delay time.Duration) {
		calls++
	}
	retryer := New(config)

	attempts := 0
	_ = retryer.Do(func() error {
		attempts++
		return s3errors.New(s3errors.ErrCodeTransientBackend, "backend", "Get", "throttled")
	})

	if calls != 2 {
		t.Errorf("Expected OnRetry called twice (between 3 attempts), got %d", calls)
	}
}
