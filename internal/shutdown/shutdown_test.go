package shutdown

import (
	"context"
	"errors"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// mockShutdownable is a test implementation of Shutdownable
type mockShutdownable struct {
	name     string
	order    *[]string
	closeErr error
	delay    time.Duration
}

func (m *mockShutdownable) Close() error {
	if m.delay > 0 {
		time.Sleep(m.delay)
	}
	*m.order = append(*m.order, m.name)
	return m.closeErr
}

func newTestCoordinator() *Coordinator {
	return New(5*time.Second, zerolog.Nop())
}

func TestNew_DefaultTimeout(t *testing.T) {
	c := New(0, zerolog.Nop())
	if c.timeout != 30*time.Second {
		t.Errorf("timeout = %v, want 30s", c.timeout)
	}
}

func TestShutdown_PriorityOrderAcrossHooksAndComponents(t *testing.T) {
	c := newTestCoordinator()
	var order []string

	c.Register("storage", &mockShutdownable{name: "storage", order: &order}, PriorityStorage)
	c.RegisterHook("writer", func(ctx context.Context) error {
		order = append(order, "writer")
		return nil
	}, PriorityWriter)
	c.Register("state", &mockShutdownable{name: "state", order: &order}, PriorityState)
	c.RegisterHook("http", func(ctx context.Context) error {
		order = append(order, "http")
		return nil
	}, PriorityHTTPServer)
	c.RegisterHook("poller", func(ctx context.Context) error {
		order = append(order, "poller")
		return nil
	}, PriorityPoller)
	c.Register("janitor", &mockShutdownable{name: "janitor", order: &order}, PriorityJanitor)

	if err := c.Shutdown(); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	want := []string{"http", "poller", "writer", "janitor", "state", "storage"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("order[%d] = %s, want %s", i, order[i], want[i])
		}
	}
}

func TestShutdown_EqualPriorityKeepsRegistrationOrder(t *testing.T) {
	c := newTestCoordinator()
	var order []string

	for _, name := range []string{"a", "b", "c"} {
		c.Register(name, &mockShutdownable{name: name, order: &order}, 10)
	}
	_ = c.Shutdown()

	if len(order) != 3 || order[0] != "a" || order[1] != "b" || order[2] != "c" {
		t.Errorf("order = %v, want [a b c]", order)
	}
}

func TestShutdown_ContinuesAfterErrors(t *testing.T) {
	c := newTestCoordinator()
	var order []string
	errFirst := errors.New("first failed")
	errSecond := errors.New("second failed")

	c.Register("first", &mockShutdownable{name: "first", order: &order, closeErr: errFirst}, 1)
	c.Register("second", &mockShutdownable{name: "second", order: &order, closeErr: errSecond}, 2)
	c.Register("third", &mockShutdownable{name: "third", order: &order}, 3)

	err := c.Shutdown()
	if !errors.Is(err, errFirst) || !errors.Is(err, errSecond) {
		t.Errorf("Shutdown() error = %v, want both step errors", err)
	}
	if len(order) != 3 {
		t.Errorf("order = %v, want all three steps run", order)
	}
}

func TestShutdown_TimeoutSkipsRemaining(t *testing.T) {
	c := New(50*time.Millisecond, zerolog.Nop())
	var order []string

	c.Register("slow", &mockShutdownable{name: "slow", order: &order, delay: 100 * time.Millisecond}, 1)
	c.Register("skipped", &mockShutdownable{name: "skipped", order: &order}, 2)

	err := c.Shutdown()
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Shutdown() error = %v, want deadline exceeded", err)
	}
	if len(order) != 1 || order[0] != "slow" {
		t.Errorf("order = %v, want only [slow]", order)
	}
}

func TestShutdown_HookReceivesDeadline(t *testing.T) {
	c := newTestCoordinator()
	var hasDeadline bool

	c.RegisterHook("hook", func(ctx context.Context) error {
		_, hasDeadline = ctx.Deadline()
		return nil
	}, 1)
	_ = c.Shutdown()

	if !hasDeadline {
		t.Error("hook context has no deadline")
	}
}

func TestShutdown_RunsOnce(t *testing.T) {
	c := newTestCoordinator()
	var order []string
	c.Register("once", &mockShutdownable{name: "once", order: &order}, 1)

	var wg sync.WaitGroup
	var mu sync.Mutex
	results := 0
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = c.Shutdown()
			mu.Lock()
			results++
			mu.Unlock()
		}()
	}
	wg.Wait()

	if len(order) != 1 {
		t.Errorf("component closed %d times, want 1", len(order))
	}
	if results != 5 {
		t.Errorf("Shutdown returned %d times, want 5", results)
	}
}

func TestTriggerShutdown_UnblocksWait(t *testing.T) {
	c := newTestCoordinator()

	done := make(chan struct{})
	go func() {
		if sig := c.WaitForSignal(context.Background()); sig != syscall.SIGTERM {
			t.Errorf("WaitForSignal() = %v, want SIGTERM", sig)
		}
		close(done)
	}()

	c.TriggerShutdown()
	c.TriggerShutdown() // second call is a no-op

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("WaitForSignal did not return after TriggerShutdown")
	}

	select {
	case <-c.Done():
	default:
		t.Error("Done() not closed after TriggerShutdown")
	}

	// Shutdown after TriggerShutdown must not panic on the closed channel
	if err := c.Shutdown(); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}
}

func TestWaitForSignal_ContextCancelled(t *testing.T) {
	c := newTestCoordinator()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if sig := c.WaitForSignal(ctx); sig != syscall.SIGTERM {
		t.Errorf("WaitForSignal() = %v, want SIGTERM", sig)
	}
}
