package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/basekick-labs/xenrrd/internal/circuitbreaker"
	"github.com/rs/zerolog"
)

// ResilientBackend wraps a storage backend with circuit breaker and retry logic
type ResilientBackend struct {
	backend Backend
	cb      *circuitbreaker.CircuitBreaker
	logger  zerolog.Logger

	maxRetries    int
	retryDelay    time.Duration
	retryMaxDelay time.Duration
}

// ResilientConfig holds configuration for the resilient backend
type ResilientConfig struct {
	// Circuit breaker settings
	MaxFailures int
	Cooldown    time.Duration

	// Retry settings
	MaxRetries    int
	RetryDelay    time.Duration
	RetryMaxDelay time.Duration
}

// DefaultResilientConfig returns default resilient backend configuration
func DefaultResilientConfig() *ResilientConfig {
	return &ResilientConfig{
		MaxFailures:   5,
		Cooldown:      30 * time.Second,
		MaxRetries:    3,
		RetryDelay:    100 * time.Millisecond,
		RetryMaxDelay: 5 * time.Second,
	}
}

// NewResilientBackend creates a new resilient storage backend
func NewResilientBackend(backend Backend, cfg *ResilientConfig, logger zerolog.Logger) *ResilientBackend {
	if cfg == nil {
		cfg = DefaultResilientConfig()
	}

	cb := circuitbreaker.New(&circuitbreaker.Config{
		Name:        "storage-" + backend.Type(),
		MaxFailures: cfg.MaxFailures,
		Cooldown:    cfg.Cooldown,
		IsFailure:   isStorageFailure,
	}, logger)

	return &ResilientBackend{
		backend:       backend,
		cb:            cb,
		logger:        logger.With().Str("component", "resilient-storage").Logger(),
		maxRetries:    cfg.MaxRetries,
		retryDelay:    cfg.RetryDelay,
		retryMaxDelay: cfg.RetryMaxDelay,
	}
}

// A missing object says nothing about the backend's health.
func isStorageFailure(err error) bool {
	return err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, ErrNotFound)
}

// do runs fn through the breaker, retrying with exponential backoff until it
// succeeds, the circuit opens, the object is missing or ctx ends.
func (r *ResilientBackend) do(ctx context.Context, op, path string, fn func() error) error {
	var lastErr error

	for attempt := 0; attempt <= r.maxRetries; attempt++ {
		err := r.cb.Execute(fn)
		if err == nil {
			return nil
		}
		lastErr = err

		if errors.Is(err, circuitbreaker.ErrCircuitOpen) {
			r.logger.Warn().Str("op", op).Str("path", path).Msg("Storage call rejected, circuit breaker open")
			return err
		}
		if errors.Is(err, ErrNotFound) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if attempt == r.maxRetries {
			break
		}

		delay := min(r.retryDelay*time.Duration(1<<uint(attempt)), r.retryMaxDelay)
		r.logger.Warn().
			Err(err).
			Str("op", op).
			Str("path", path).
			Int("attempt", attempt+1).
			Int("max_retries", r.maxRetries).
			Dur("retry_delay", delay).
			Msg("Storage call failed, retrying")

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}

	return fmt.Errorf("storage %s failed after %d retries: %w", op, r.maxRetries, lastErr)
}

// Write writes data to the storage backend with resilience
func (r *ResilientBackend) Write(ctx context.Context, path string, data []byte) error {
	return r.do(ctx, "write", path, func() error {
		return r.backend.Write(ctx, path, data)
	})
}

// Read reads data from the storage backend with resilience
func (r *ResilientBackend) Read(ctx context.Context, path string) ([]byte, error) {
	var data []byte
	err := r.do(ctx, "read", path, func() error {
		var readErr error
		data, readErr = r.backend.Read(ctx, path)
		return readErr
	})
	return data, err
}

// ListObjects lists objects in the storage backend
func (r *ResilientBackend) ListObjects(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	var objects []ObjectInfo
	err := r.do(ctx, "list", prefix, func() error {
		var listErr error
		objects, listErr = r.backend.ListObjects(ctx, prefix)
		return listErr
	})
	return objects, err
}

// Delete deletes an object from the storage backend
func (r *ResilientBackend) Delete(ctx context.Context, path string) error {
	return r.do(ctx, "delete", path, func() error {
		return r.backend.Delete(ctx, path)
	})
}

// DeleteBatch uses the wrapped backend's batch delete when it has one and
// falls back to deleting one object at a time.
func (r *ResilientBackend) DeleteBatch(ctx context.Context, paths []string) error {
	if len(paths) == 0 {
		return nil
	}
	if bd, ok := r.backend.(BatchDeleter); ok {
		return r.do(ctx, "delete_batch", paths[0], func() error {
			return bd.DeleteBatch(ctx, paths)
		})
	}

	var errs []error
	for _, path := range paths {
		if err := r.Delete(ctx, path); err != nil {
			errs = append(errs, err)
			if ctx.Err() != nil || errors.Is(err, circuitbreaker.ErrCircuitOpen) {
				break
			}
		}
	}
	return errors.Join(errs...)
}

// Close closes the underlying storage backend
func (r *ResilientBackend) Close() error {
	return r.backend.Close()
}

// Type returns the wrapped backend's type
func (r *ResilientBackend) Type() string {
	return r.backend.Type()
}

// CircuitBreakerStats returns circuit breaker statistics
func (r *ResilientBackend) CircuitBreakerStats() circuitbreaker.Stats {
	return r.cb.Stats()
}

// Unwrap returns the wrapped backend
func (r *ResilientBackend) Unwrap() Backend {
	return r.backend
}
