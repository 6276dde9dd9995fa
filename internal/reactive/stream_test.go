package reactive

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"specview/internal/event"
)

func TestStreamEmitsFirstResult(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cell := NewCell[string](nil)
	cell.Set("hello")

	stream := Stream(ctx, func(ctx context.Context) (string, error) {
		return cell.Read(ctx)
	})

	result := event.ReceiveWithTimeout(t, stream, 2*time.Second)
	if result.Err != nil {
		t.Fatalf("first emission: %v", result.Err)
	}
	if result.Value != "hello" {
		t.Fatalf("expected hello, got %q", result.Value)
	}
}

func TestStreamFollowsInvalidation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cell := NewCell[int](nil)
	cell.Set(1)

	stream := Stream(ctx, func(ctx context.Context) (string, error) {
		value, err := cell.Read(ctx)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("value-%d", value), nil
	})

	first := event.ReceiveWithTimeout(t, stream, 2*time.Second)
	if first.Value != "value-1" {
		t.Fatalf("expected value-1, got %q", first.Value)
	}

	cell.Set(2)

	second := event.ReceiveWithTimeout(t, stream, 2*time.Second)
	if second.Value != "value-2" {
		t.Fatalf("expected value-2, got %q", second.Value)
	}
}

func TestStreamCoalescesBurstInvalidations(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var runs atomic.Int64
	var once sync.Once
	firstRead := make(chan struct{})
	cell := NewCell[int](nil)
	cell.Set(1)

	stream := Stream(ctx, func(ctx context.Context) (int, error) {
		runs.Add(1)
		value, err := cell.Read(ctx)
		once.Do(func() { close(firstRead) })
		return value, err
	})

	// After the first read the stream is parked on the unbuffered emit
	// until we receive, so the whole burst lands before any waiter is
	// armed and must collapse into a single re-run.
	<-firstRead
	for i := 0; i < 5; i++ {
		cell.Invalidate()
	}
	cell.Set(9)

	first := event.ReceiveWithTimeout(t, stream, 2*time.Second)
	if first.Err != nil {
		t.Fatalf("first emission: %v", first.Err)
	}
	if first.Value != 1 {
		t.Fatalf("expected first run to see 1, got %d", first.Value)
	}

	second := event.ReceiveWithTimeout(t, stream, 2*time.Second)
	if second.Value != 9 {
		t.Fatalf("expected coalesced re-run to see 9, got %d", second.Value)
	}
	if got := runs.Load(); got != 2 {
		t.Fatalf("expected exactly 2 runs, got %d", got)
	}

	select {
	case extra := <-stream:
		t.Fatalf("unexpected third emission %v", extra)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestStreamErrorTerminates(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	boom := errors.New("compute failed")
	cell := NewCell[int](nil)
	cell.Set(1)

	stream := Stream(ctx, func(ctx context.Context) (int, error) {
		value, err := cell.Read(ctx)
		if err != nil {
			return 0, err
		}
		if value > 1 {
			return 0, boom
		}
		return value, nil
	})

	first := event.ReceiveWithTimeout(t, stream, 2*time.Second)
	if first.Err != nil {
		t.Fatalf("first emission: %v", first.Err)
	}

	cell.Set(2)

	second := event.ReceiveWithTimeout(t, stream, 2*time.Second)
	if !errors.Is(second.Err, boom) {
		t.Fatalf("expected terminating error, got %v", second.Err)
	}

	select {
	case _, open := <-stream:
		if open {
			t.Fatal("expected closed channel after error emission")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for stream close")
	}

	// A later invalidation must not revive the stream.
	cell.Set(3)
	select {
	case _, open := <-stream:
		if open {
			t.Fatal("stream emitted after termination")
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("stream channel should stay closed")
	}
}

func TestStreamCancelStopsEmissions(t *testing.T) {
	defer goleak.VerifyNone(t)

	ctx, cancel := context.WithCancel(context.Background())

	cell := NewCell[int](nil)
	cell.Set(1)

	stream := Stream(ctx, func(ctx context.Context) (int, error) {
		return cell.Read(ctx)
	})

	first := event.ReceiveWithTimeout(t, stream, 2*time.Second)
	if first.Value != 1 {
		t.Fatalf("expected 1, got %d", first.Value)
	}

	cancel()

	select {
	case _, open := <-stream:
		if open {
			t.Fatal("expected close without emission after cancel")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for stream close")
	}

	// Waiters must be deregistered so later invalidations are no-ops.
	waitFor(t, 2*time.Second, func() bool {
		cell.mu.Lock()
		defer cell.mu.Unlock()
		return len(cell.waiters) == 0
	})
	cell.Invalidate()
}

func TestStreamEmptyDepsEmitsOnceAndParks(t *testing.T) {
	defer goleak.VerifyNone(t)

	ctx, cancel := context.WithCancel(context.Background())

	stream := Stream(ctx, func(ctx context.Context) (string, error) {
		return "constant", nil
	})

	first := event.ReceiveWithTimeout(t, stream, 2*time.Second)
	if first.Value != "constant" {
		t.Fatalf("expected constant, got %q", first.Value)
	}

	select {
	case extra := <-stream:
		t.Fatalf("unexpected second emission %v", extra)
	case <-time.After(100 * time.Millisecond):
	}

	cancel()

	select {
	case _, open := <-stream:
		if open {
			t.Fatal("expected closed channel after cancel")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for stream close")
	}
}

func waitFor(t *testing.T, timeout time.Duration, check func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if check() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}
