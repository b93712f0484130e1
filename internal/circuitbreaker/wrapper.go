package circuitbreaker

import (
	"context"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
)

// execute runs operation under breaker, racing it against ctx cancellation.
// A nil breaker means circuit breaking is disabled for this manager and the
// operation runs directly.
func execute(ctx context.Context, breaker *gobreaker.CircuitBreaker, operation func() error) error {
	if breaker == nil {
		return operation()
	}

	_, err := breaker.Execute(func() (interface{}, error) {
		done := make(chan error, 1)
		go func() {
			done <- operation()
		}()

		select {
		case err := <-done:
			return nil, err
		case <-ctx.Done():
			return nil, fmt.Errorf("operation cancelled: %w", ctx.Err())
		}
	})
	return err
}

// ExecuteDB runs a database operation with circuit breaker protection. If
// the circuit is open, it returns an error immediately without attempting
// the operation.
func (m *Manager) ExecuteDB(ctx context.Context, operation func() error) error {
	return execute(ctx, m.DBBreaker, operation)
}

// ExecuteRedis runs a Redis operation with circuit breaker protection
func (m *Manager) ExecuteRedis(ctx context.Context, operation func() error) error {
	return execute(ctx, m.RedisBreaker, operation)
}

// ExecuteWithRetry runs an operation with circuit breaker and retry logic.
// It retries transient failures up to maxRetries with a linearly growing
// backoff (100ms, 200ms, ...),
// but never retries a request that tripped an open circuit.
func ExecuteWithRetry(ctx context.Context, breaker *gobreaker.CircuitBreaker, maxRetries int, operation func() error) error {
	var lastErr error

	for attempt := 0; attempt < maxRetries; attempt++ {
		err := execute(ctx, breaker, operation)
		if err == nil {
			return nil
		}

		lastErr = err

		if err == gobreaker.ErrOpenState {
			return fmt.Errorf("circuit breaker is open: %w", err)
		}

		if ctx.Err() != nil {
			return fmt.Errorf("operation cancelled: %w", ctx.Err())
		}

		if attempt < maxRetries-1 {
			backoff := time.Duration(attempt+1) * 100 * time.Millisecond
			select {
			case <-time.After(backoff):
				continue
			case <-ctx.Done():
				return fmt.Errorf("operation cancelled during retry: %w", ctx.Err())
			}
		}
	}

	return fmt.Errorf("operation failed after %d attempts: %w", maxRetries, lastErr)
}
