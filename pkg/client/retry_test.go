package client

import (
	"context"
	"errors"
	"testing"
	"time"
)

// fastPolicy returns a policy with millisecond backoffs so tests stay quick.
func fastPolicy(attempts int) RetryPolicy {
	return func(ErrorClass) RetryConfig {
		return RetryConfig{
			MaxAttempts:       attempts,
			InitialBackoff:    10 * time.Millisecond,
			MaxBackoff:        50 * time.Millisecond,
			BackoffMultiplier: 2.0,
		}
	}
}

func TestDefaultRetryConfig(t *testing.T) {
	config := DefaultRetryConfig()

	if config.MaxAttempts != 3 {
		t.Errorf("MaxAttempts = %d, want 3", config.MaxAttempts)
	}
	if config.InitialBackoff != 1*time.Second {
		t.Errorf("InitialBackoff = %v, want 1s", config.InitialBackoff)
	}
	if config.MaxBackoff != 30*time.Second {
		t.Errorf("MaxBackoff = %v, want 30s", config.MaxBackoff)
	}
	if config.BackoffMultiplier != 2.0 {
		t.Errorf("BackoffMultiplier = %v, want 2.0", config.BackoffMultiplier)
	}
}

func TestRetryConfigForErrorClass(t *testing.T) {
	tests := []struct {
		name             string
		errorClass       ErrorClass
		expectedInitial  time.Duration
		expectedMax      time.Duration
		expectedAttempts int
	}{
		{
			name:             "server error config",
			errorClass:       ErrorClassServer,
			expectedInitial:  1 * time.Second,
			expectedMax:      10 * time.Second,
			expectedAttempts: 3,
		},
		{
			name:             "rate limit config",
			errorClass:       ErrorClassRateLimit,
			expectedInitial:  200 * time.Millisecond,
			expectedMax:      30 * time.Second,
			expectedAttempts: 6,
		},
		{
			name:             "network error config",
			errorClass:       ErrorClassNetwork,
			expectedInitial:  2 * time.Second,
			expectedMax:      30 * time.Second,
			expectedAttempts: 3,
		},
		{
			name:             "unknown error class uses default",
			errorClass:       "",
			expectedInitial:  1 * time.Second,
			expectedMax:      30 * time.Second,
			expectedAttempts: 3,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := RetryConfigForErrorClass(tt.errorClass)

			if config.InitialBackoff != tt.expectedInitial {
				t.Errorf("InitialBackoff = %v, want %v", config.InitialBackoff, tt.expectedInitial)
			}
			if config.MaxBackoff != tt.expectedMax {
				t.Errorf("MaxBackoff = %v, want %v", config.MaxBackoff, tt.expectedMax)
			}
			if config.MaxAttempts != tt.expectedAttempts {
				t.Errorf("MaxAttempts = %d, want %d", config.MaxAttempts, tt.expectedAttempts)
			}
		})
	}
}

func TestRetryConfig_BackoffFor(t *testing.T) {
	config := RetryConfig{
		InitialBackoff:    200 * time.Millisecond,
		MaxBackoff:        1 * time.Second,
		BackoffMultiplier: 2.0,
	}

	tests := []struct {
		failures int
		want     time.Duration
	}{
		{failures: 1, want: 200 * time.Millisecond},
		{failures: 2, want: 400 * time.Millisecond},
		{failures: 3, want: 800 * time.Millisecond},
		{failures: 4, want: 1 * time.Second},
		{failures: 10, want: 1 * time.Second},
	}

	for _, tt := range tests {
		if got := config.backoffFor(tt.failures); got != tt.want {
			t.Errorf("backoffFor(%d) = %v, want %v", tt.failures, got, tt.want)
		}
	}
}

func TestRetryWithBackoff_Success(t *testing.T) {
	callCount := 0
	err := retryWithBackoff(context.Background(), fastPolicy(3), func() error {
		callCount++
		return nil
	}, func(error) ErrorClass { return ErrorClassServer })

	if err != nil {
		t.Errorf("Expected no error, got %v", err)
	}
	if callCount != 1 {
		t.Errorf("Expected 1 call, got %d", callCount)
	}
}

func TestRetryWithBackoff_SuccessAfterRetries(t *testing.T) {
	callCount := 0
	err := retryWithBackoff(context.Background(), fastPolicy(3), func() error {
		callCount++
		if callCount < 3 {
			return errors.New("temporary error")
		}
		return nil
	}, func(error) ErrorClass { return ErrorClassServer })

	if err != nil {
		t.Errorf("Expected no error, got %v", err)
	}
	if callCount != 3 {
		t.Errorf("Expected 3 calls, got %d", callCount)
	}
}

func TestRetryWithBackoff_MaxAttemptsExhausted(t *testing.T) {
	callCount := 0
	testErr := errors.New("persistent error")

	err := retryWithBackoff(context.Background(), fastPolicy(4), func() error {
		callCount++
		return testErr
	}, func(error) ErrorClass { return ErrorClassServer })

	if !errors.Is(err, ErrRetryExhausted) {
		t.Errorf("Expected ErrRetryExhausted, got %v", err)
	}
	if !errors.Is(err, testErr) {
		t.Errorf("Expected last error to be wrapped, got %v", err)
	}
	if callCount != 4 {
		t.Errorf("Expected 4 calls (MaxAttempts), got %d", callCount)
	}
}

func TestRetryWithBackoff_ClientErrorNoRetry(t *testing.T) {
	callCount := 0
	testErr := errors.New("client error")

	err := retryWithBackoff(context.Background(), fastPolicy(3), func() error {
		callCount++
		return testErr
	}, func(error) ErrorClass { return ErrorClassClient })

	if callCount != 1 {
		t.Errorf("Expected 1 call (no retry for client errors), got %d", callCount)
	}
	if errors.Is(err, ErrRetryExhausted) {
		t.Error("Should not return ErrRetryExhausted for client errors")
	}
	if !errors.Is(err, testErr) {
		t.Errorf("Expected original error, got %v", err)
	}
}

func TestRetryWithBackoff_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	callCount := 0
	slow := func(ErrorClass) RetryConfig {
		return RetryConfig{MaxAttempts: 5, InitialBackoff: time.Second, BackoffMultiplier: 2}
	}

	err := retryWithBackoff(ctx, slow, func() error {
		callCount++
		if callCount == 1 {
			cancel()
		}
		return errors.New("error")
	}, func(error) ErrorClass { return ErrorClassServer })

	if !errors.Is(err, ErrContextCancelled) {
		t.Errorf("Expected ErrContextCancelled, got %v", err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled to be wrapped, got %v", err)
	}
	if callCount != 1 {
		t.Errorf("Expected 1 call before cancellation, got %d", callCount)
	}
}

func TestRetryWithBackoff_ClassSelectsPolicy(t *testing.T) {
	seen := map[ErrorClass]int{}
	policy := func(class ErrorClass) RetryConfig {
		seen[class]++
		attempts := 2
		if class == ErrorClassRateLimit {
			attempts = 6
		}
		return RetryConfig{MaxAttempts: attempts, InitialBackoff: time.Millisecond, BackoffMultiplier: 1}
	}

	callCount := 0
	_ = retryWithBackoff(context.Background(), policy, func() error {
		callCount++
		return errors.New("429")
	}, func(error) ErrorClass { return ErrorClassRateLimit })

	if callCount != 6 {
		t.Errorf("Expected 6 calls for rate limit policy, got %d", callCount)
	}
	if seen[ErrorClassRateLimit] == 0 || seen[ErrorClassServer] != 0 {
		t.Errorf("policy consulted with %v", seen)
	}
}

func TestRetryWithBackoff_Jitter(t *testing.T) {
	policy := func(ErrorClass) RetryConfig {
		return RetryConfig{MaxAttempts: 2, InitialBackoff: 50 * time.Millisecond, BackoffMultiplier: 2}
	}

	for i := 0; i < 5; i++ {
		var first, second time.Time
		calls := 0
		_ = retryWithBackoff(context.Background(), policy, func() error {
			calls++
			if calls == 1 {
				first = time.Now()
				return errors.New("error")
			}
			second = time.Now()
			return nil
		}, func(error) ErrorClass { return ErrorClassServer })

		// ±20% around 50ms, with scheduling slack on the upper bound.
		if d := second.Sub(first); d < 40*time.Millisecond || d > 150*time.Millisecond {
			t.Errorf("Delay %v outside jitter range", d)
		}
	}
}

func TestRetryWithBackoff_NilPolicyUsesDefaults(t *testing.T) {
	callCount := 0
	err := retryWithBackoff(context.Background(), nil, func() error {
		callCount++
		return errors.New("not found")
	}, func(error) ErrorClass { return ErrorClassClient })

	if err == nil || callCount != 1 {
		t.Errorf("err = %v, calls = %d; want error after 1 call", err, callCount)
	}
}
