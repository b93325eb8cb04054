// Package shutdown stops the collector's components in a fixed order when the
// process receives SIGINT/SIGTERM.
package shutdown

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

// Shutdownable is an interface for components that can be shut down gracefully
type Shutdownable interface {
	Close() error
}

// ShutdownFunc is a function that performs cleanup during shutdown
type ShutdownFunc func(ctx context.Context) error

// Priorities for the collector's components. Lower shuts down first.
const (
	PriorityHTTPServer = 10 // Stop serving status requests
	PriorityPoller     = 20 // Stop starting new cycles
	PriorityWriter     = 30 // Flush buffered points
	PriorityJanitor    = 40 // Stop the capture janitor
	PriorityState      = 50 // Close the cursor store
	PriorityXAPI       = 60 // Log out of the pool master
	PriorityStorage    = 70 // Storage backends last
)

// Coordinator manages graceful shutdown of all components
type Coordinator struct {
	timeout time.Duration
	logger  zerolog.Logger

	mu    sync.Mutex
	steps []step

	shutdownOnce sync.Once
	triggerOnce  sync.Once
	shutdownCh   chan struct{}
	shutdownErr  error
}

// step is either a component or a hook; both share one ordering
type step struct {
	name     string
	priority int
	seq      int
	run      ShutdownFunc
}

// New creates a new shutdown coordinator
func New(timeout time.Duration, logger zerolog.Logger) *Coordinator {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Coordinator{
		timeout:    timeout,
		logger:     logger.With().Str("component", "shutdown").Logger(),
		shutdownCh: make(chan struct{}),
	}
}

// Register registers a component for graceful shutdown.
// Priority determines shutdown order (lower = shutdown first).
func (c *Coordinator) Register(name string, component Shutdownable, priority int) {
	c.add(name, priority, func(context.Context) error { return component.Close() })
}

// RegisterHook registers a shutdown hook function. Hooks and components with
// equal priority run in registration order.
func (c *Coordinator) RegisterHook(name string, hook ShutdownFunc, priority int) {
	c.add(name, priority, hook)
}

func (c *Coordinator) add(name string, priority int, run ShutdownFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.steps = append(c.steps, step{name: name, priority: priority, seq: len(c.steps), run: run})

	c.logger.Debug().
		Str("name", name).
		Int("priority", priority).
		Msg("Registered for shutdown")
}

// Done is closed once shutdown has been triggered
func (c *Coordinator) Done() <-chan struct{} {
	return c.shutdownCh
}

// WaitForSignal blocks until a shutdown signal arrives, TriggerShutdown is
// called or ctx is cancelled.
func (c *Coordinator) WaitForSignal(ctx context.Context) os.Signal {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		c.logger.Info().
			Str("signal", sig.String()).
			Msg("Received shutdown signal")
		return sig
	case <-c.shutdownCh:
		return syscall.SIGTERM
	case <-ctx.Done():
		return syscall.SIGTERM
	}
}

// Shutdown runs every registered step once, in priority order, within the
// configured timeout. Steps left when the timeout expires are skipped.
func (c *Coordinator) Shutdown() error {
	c.shutdownOnce.Do(func() {
		c.triggerOnce.Do(func() {
			close(c.shutdownCh)
		})

		c.mu.Lock()
		steps := make([]step, len(c.steps))
		copy(steps, c.steps)
		c.mu.Unlock()

		sort.Slice(steps, func(i, j int) bool {
			if steps[i].priority != steps[j].priority {
				return steps[i].priority < steps[j].priority
			}
			return steps[i].seq < steps[j].seq
		})

		c.logger.Info().
			Dur("timeout", c.timeout).
			Int("steps", len(steps)).
			Msg("Starting graceful shutdown")

		ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
		defer cancel()

		start := time.Now()
		var errs []error
		for _, s := range steps {
			if ctx.Err() != nil {
				c.logger.Warn().
					Str("step", s.name).
					Msg("Shutdown timeout reached, skipping remaining steps")
				errs = append(errs, ctx.Err())
				break
			}

			t0 := time.Now()
			if err := s.run(ctx); err != nil {
				c.logger.Error().
					Err(err).
					Str("step", s.name).
					Msg("Shutdown step failed")
				errs = append(errs, err)
				continue
			}
			c.logger.Debug().
				Str("step", s.name).
				Dur("duration", time.Since(t0)).
				Msg("Shutdown step complete")
		}

		c.shutdownErr = errors.Join(errs...)
		c.logger.Info().
			Dur("duration", time.Since(start)).
			Msg("Graceful shutdown complete")
	})

	return c.shutdownErr
}

// TriggerShutdown triggers a shutdown programmatically
// This is safe to call from multiple goroutines concurrently
func (c *Coordinator) TriggerShutdown() {
	c.triggerOnce.Do(func() {
		c.logger.Info().Msg("Programmatic shutdown triggered")
		close(c.shutdownCh)
	})
}
