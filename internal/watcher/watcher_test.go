package watcher

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/goleak"

	"specview/internal/event"
)

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

func newTestWatcher(t *testing.T, root string, opts Options) *Watcher {
	t.Helper()
	opts.Root = root
	if opts.Debounce == 0 {
		opts.Debounce = 30 * time.Millisecond
	}
	w, err := New(opts)
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}
	t.Cleanup(func() { _ = w.Close() })
	return w
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestInitIsIdempotentAndConcurrent(t *testing.T) {
	defer goleak.VerifyNone(t)

	root := t.TempDir()
	w := newTestWatcher(t, root, Options{})

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			errs[slot] = w.Init(context.Background())
		}(i)
	}
	wg.Wait()
	for slot, err := range errs {
		if err != nil {
			t.Fatalf("concurrent init %d: %v", slot, err)
		}
	}
	if got := w.Status().State; got != StateInitialized {
		t.Fatalf("expected initialized, got %s", got)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if got := w.Status().State; got != StateUninitialized {
		t.Fatalf("expected uninitialized after close, got %s", got)
	}
}

func TestSubscribeSyncRequiresInit(t *testing.T) {
	root := t.TempDir()
	w := newTestWatcher(t, root, Options{})

	_, _, err := w.SubscribeSync(root, func([]Event) {}, SubscribeOptions{})
	if !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized, got %v", err)
	}
}

func TestSubscriptionMatchRules(t *testing.T) {
	base := filepath.Join(string(filepath.Separator), "a")
	children := &Subscription{Path: base, WatchChildren: true}
	direct := &Subscription{Path: base}

	cases := []struct {
		path           string
		wantChildren   bool
		wantDirectOnly bool
	}{
		{base, true, true},
		{filepath.Join(base, "b.txt"), true, true},
		{filepath.Join(base, "b", "c.txt"), true, false},
		{filepath.Join(string(filepath.Separator), "ab"), false, false},
	}
	for _, tc := range cases {
		if got := children.matches(tc.path); got != tc.wantChildren {
			t.Errorf("watchChildren match for %s: got %v, want %v", tc.path, got, tc.wantChildren)
		}
		if got := direct.matches(tc.path); got != tc.wantDirectOnly {
			t.Errorf("direct match for %s: got %v, want %v", tc.path, got, tc.wantDirectOnly)
		}
	}
}

func TestDeliversDebouncedBatch(t *testing.T) {
	root := t.TempDir()
	w := newTestWatcher(t, root, Options{})

	batches := make(chan []Event, 4)
	_, cancel, err := w.Subscribe(context.Background(), root, func(events []Event) {
		batches <- events
	}, SubscribeOptions{WatchChildren: true})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()

	target := filepath.Join(root, "f.txt")
	writeFile(t, target, "1")

	select {
	case batch := <-batches:
		found := false
		for _, event := range batch {
			if event.Path == target {
				found = true
			}
		}
		if !found {
			t.Fatalf("batch %v missing event for %s", batch, target)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for debounced batch")
	}
}

func TestDebounceCoalescesBurst(t *testing.T) {
	root := t.TempDir()
	w := newTestWatcher(t, root, Options{Debounce: 60 * time.Millisecond})

	var flushes atomic.Int64
	_, cancel, err := w.Subscribe(context.Background(), root, func([]Event) {
		flushes.Add(1)
	}, SubscribeOptions{WatchChildren: true})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()

	target := filepath.Join(root, "burst.txt")
	for i := 0; i < 5; i++ {
		writeFile(t, target, "x")
		time.Sleep(2 * time.Millisecond)
	}

	waitFor(t, 2*time.Second, func() bool { return flushes.Load() >= 1 })
	time.Sleep(150 * time.Millisecond)
	if got := flushes.Load(); got != 1 {
		t.Fatalf("expected one coalesced delivery, got %d", got)
	}
}

func TestNonChildrenSubscriptionScope(t *testing.T) {
	root := t.TempDir()
	sub := filepath.Join(root, "sub")
	if err := os.Mkdir(sub, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	w := newTestWatcher(t, root, Options{})

	seen := event.NewCollector[string]()
	_, cancel, err := w.Subscribe(context.Background(), root, func(events []Event) {
		for _, ev := range events {
			seen.Collect(ev.Path)
		}
	}, SubscribeOptions{})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()

	direct := filepath.Join(root, "direct.txt")
	nested := filepath.Join(sub, "nested.txt")
	writeFile(t, direct, "1")
	writeFile(t, nested, "1")

	waitFor(t, 2*time.Second, func() bool {
		for _, path := range seen.Events() {
			if path == direct {
				return true
			}
		}
		return false
	})
	time.Sleep(100 * time.Millisecond)

	for _, path := range seen.Events() {
		if path == nested {
			t.Fatalf("non-children subscription received nested event %s", path)
		}
	}
}

func TestNewDirectoryGetsWatched(t *testing.T) {
	root := t.TempDir()
	w := newTestWatcher(t, root, Options{})

	batches := make(chan []Event, 8)
	_, cancel, err := w.Subscribe(context.Background(), root, func(events []Event) {
		batches <- events
	}, SubscribeOptions{WatchChildren: true})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()

	sub := filepath.Join(root, "later")
	if err := os.Mkdir(sub, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool {
		w.mu.Lock()
		defer w.mu.Unlock()
		_, ok := w.watchedDirs[sub]
		return ok
	})

	target := filepath.Join(sub, "deep.txt")
	writeFile(t, target, "1")

	deadline := time.After(2 * time.Second)
	for {
		select {
		case batch := <-batches:
			for _, event := range batch {
				if event.Path == target {
					return
				}
			}
		case <-deadline:
			t.Fatal("timed out waiting for event from new directory")
		}
	}
}

func TestIgnoredPathsFiltered(t *testing.T) {
	root := t.TempDir()
	gitDir := filepath.Join(root, ".git")
	if err := os.Mkdir(gitDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	w := newTestWatcher(t, root, Options{})

	seen := event.NewCollector[string]()
	_, cancel, err := w.Subscribe(context.Background(), root, func(events []Event) {
		for _, ev := range events {
			seen.Collect(ev.Path)
		}
	}, SubscribeOptions{WatchChildren: true})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()

	writeFile(t, filepath.Join(gitDir, "HEAD"), "ref: refs/heads/main")
	marker := filepath.Join(root, "visible.txt")
	writeFile(t, marker, "1")

	waitFor(t, 2*time.Second, func() bool {
		for _, path := range seen.Events() {
			if path == marker {
				return true
			}
		}
		return false
	})

	for _, path := range seen.Events() {
		if filepath.Dir(path) == gitDir || path == gitDir {
			t.Fatalf("ignored path delivered: %s", path)
		}
	}
}

func TestPanickingSubscriberIsIsolated(t *testing.T) {
	root := t.TempDir()
	w := newTestWatcher(t, root, Options{})

	delivered := make(chan []Event, 4)
	_, cancelBad, err := w.Subscribe(context.Background(), root, func([]Event) {
		panic("subscriber exploded")
	}, SubscribeOptions{WatchChildren: true})
	if err != nil {
		t.Fatalf("subscribe bad: %v", err)
	}
	defer cancelBad()

	_, cancelGood, err := w.Subscribe(context.Background(), root, func(events []Event) {
		delivered <- events
	}, SubscribeOptions{WatchChildren: true})
	if err != nil {
		t.Fatalf("subscribe good: %v", err)
	}
	defer cancelGood()

	writeFile(t, filepath.Join(root, "f.txt"), "1")

	select {
	case <-delivered:
	case <-time.After(2 * time.Second):
		t.Fatal("healthy subscriber starved by panicking one")
	}
}

func TestSubscriptionCancelIsIdempotent(t *testing.T) {
	root := t.TempDir()
	w := newTestWatcher(t, root, Options{})

	_, cancel, err := w.Subscribe(context.Background(), root, func([]Event) {}, SubscribeOptions{})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if got := w.Status().Subscriptions; got != 1 {
		t.Fatalf("expected 1 subscription, got %d", got)
	}
	cancel()
	cancel()
	if got := w.Status().Subscriptions; got != 0 {
		t.Fatalf("expected 0 subscriptions after cancel, got %d", got)
	}
}

func TestCloseClearsSubscriptionsAndTimers(t *testing.T) {
	defer goleak.VerifyNone(t)

	root := t.TempDir()
	w := newTestWatcher(t, root, Options{Debounce: 500 * time.Millisecond})

	var calls atomic.Int64
	_, _, err := w.Subscribe(context.Background(), root, func([]Event) {
		calls.Add(1)
	}, SubscribeOptions{WatchChildren: true})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	// Land an event inside the debounce window, then close before it
	// can flush; the pending timer must die with the watcher.
	writeFile(t, filepath.Join(root, "f.txt"), "1")
	waitFor(t, 2*time.Second, func() bool { return w.Status().Pending > 0 })

	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	time.Sleep(600 * time.Millisecond)
	if got := calls.Load(); got != 0 {
		t.Fatalf("flush fired after close: %d calls", got)
	}
	status := w.Status()
	if status.State != StateUninitialized || status.Subscriptions != 0 || status.Pending != 0 {
		t.Fatalf("close left state behind: %+v", status)
	}
}

func TestOverflowSignalsDropEvents(t *testing.T) {
	root := t.TempDir()

	failures := make(chan Failure, 1)
	w := newTestWatcher(t, root, Options{
		OnFailure: func(kind Failure, err error) {
			failures <- kind
		},
	})
	if err := w.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}

	w.handleError(fsnotify.ErrEventOverflow)

	select {
	case kind := <-failures:
		if kind != FailureDropEvents {
			t.Fatalf("expected drop-events, got %s", kind)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for failure signal")
	}

	// The gate is one-shot per epoch: a second error must not re-signal.
	w.handleError(errors.New("another error"))
	select {
	case kind := <-failures:
		t.Fatalf("unexpected second failure signal %s", kind)
	case <-time.After(100 * time.Millisecond):
	}
}
