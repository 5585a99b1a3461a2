package resilience

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/yangfei222666-9/aios/core"
)

// RetryableSignatures is the conservative default retry policy:
// only these error_signature values are retried; everything else
// (permission_denied, runtime_error:*, other, test_error) fails terminally
// on first occurrence rather than burning retry budget on a signature that
// won't resolve itself.
var RetryableSignatures = map[string]bool{
	core.SigTimeout:      true,
	core.SigAPIRateLimit: true,
	core.SigTransient:    true,
	core.SigWorkerLost:   true,
}

// IsRetryableSignature reports whether sig should be retried per policy.
func IsRetryableSignature(sig string) bool {
	return RetryableSignatures[sig]
}

// RetryConfig configures retry behavior
type RetryConfig struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	JitterEnabled bool
}

// DefaultRetryConfig provides sensible defaults
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  100 * time.Millisecond,
		MaxDelay:      5 * time.Second,
		BackoffFactor: 2.0,
		JitterEnabled: true,
	}
}

// Retry executes a function with retry logic
func Retry(ctx context.Context, config *RetryConfig, fn func() error) error {
	if config == nil {
		config = DefaultRetryConfig()
	}
	
	var lastErr error
	delay := config.InitialDelay
	
	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		// Check context
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		
		// Try the function
		if err := fn(); err == nil {
			return nil
		} else {
			lastErr = err
		}
		
		// Don't sleep after the last attempt
		if attempt == config.MaxAttempts {
			break
		}
		
		// Calculate next delay with exponential backoff
		if attempt > 1 {
			delay = time.Duration(float64(delay) * config.BackoffFactor)
			if delay > config.MaxDelay {
				delay = config.MaxDelay
			}
		}
		
		// Add jitter if enabled to prevent synchronized retries
		// across multiple clients (thundering herd mitigation)
		if config.JitterEnabled {
			jitter := time.Duration(float64(delay) * 0.1 * math.Sin(float64(attempt)))
			delay += jitter
		}
		
		// Sleep with context cancellation
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	
	return fmt.Errorf("max retry attempts (%d) exceeded for %v: %w", config.MaxAttempts, lastErr, core.ErrTransient)
}

// RetryWithBreaker combines retry logic with a keyed CircuitBreaker: each
// attempt checks should_execute(key) before calling fn, and records the
// outcome against the same key.
func RetryWithBreaker(ctx context.Context, config *RetryConfig, mgr *Manager, key string, fn func() error) error {
	return Retry(ctx, config, func() error {
		if !mgr.ShouldExecute(key) {
			return core.ErrBreakerOpen
		}

		err := fn()
		if err != nil {
			mgr.RecordFailure(key, classifyForRetry(err))
			return err
		}

		mgr.RecordSuccess(key)
		return nil
	})
}

// classifyForRetry maps a generic error to the closest error_signature when
// the caller hasn't already classified it. Callers that know the signature
// should use Manager.RecordFailure directly instead of going through Retry.
func classifyForRetry(err error) string {
	switch {
	case err == core.ErrTimeout:
		return core.SigTimeout
	case err == core.ErrAPIRateLimit:
		return core.SigAPIRateLimit
	case err == core.ErrWorkerLost:
		return core.SigWorkerLost
	default:
		return core.SigTransient
	}
}