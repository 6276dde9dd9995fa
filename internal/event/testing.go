package event

import (
	"sync"
	"testing"
	"time"
)

// Collector stores values received from callbacks or subscriptions so
// tests can assert on them after the fact.
type Collector[T any] struct {
	mu     sync.Mutex
	events []T
}

func NewCollector[T any]() *Collector[T] {
	return &Collector[T]{}
}

func (c *Collector[T]) Collect(value T) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.events = append(c.events, value)
	c.mu.Unlock()
}

func (c *Collector[T]) Events() []T {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	snapshot := make([]T, len(c.events))
	copy(snapshot, c.events)
	return snapshot
}

func (c *Collector[T]) Len() int {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

// ReceiveWithTimeout waits for a single value or fails the test.
func ReceiveWithTimeout[T any](t *testing.T, ch <-chan T, timeout time.Duration) T {
	t.Helper()
	select {
	case value, ok := <-ch:
		if !ok {
			t.Fatal("event channel closed")
		}
		return value
	case <-time.After(timeout):
		t.Fatalf("timed out waiting for event after %s", timeout)
	}
	var zero T
	return zero
}
