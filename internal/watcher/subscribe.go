package watcher

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"specview/internal/fsutil"
)

// Handler receives one debounced batch of events matching the
// subscription. It runs on the flush goroutine, so it should hand
// heavy work off rather than block the batch.
type Handler func([]Event)

// SubscribeOptions tunes how a subscription matches event paths.
type SubscribeOptions struct {
	// WatchChildren extends the match to every path under the
	// subscription path, at any depth. Without it a subscription sees
	// its own path and direct children only, which is the shape
	// directory-listing observers want.
	WatchChildren bool
}

// Subscription identifies one registered handler. The ID is unique per
// registration and Path is the normalized absolute path observed.
type Subscription struct {
	ID            uuid.UUID
	Path          string
	WatchChildren bool
	handler       Handler
}

// matches reports whether an event at path belongs to this
// subscription's batch.
func (sub *Subscription) matches(path string) bool {
	if path == sub.Path {
		return true
	}
	if sub.WatchChildren {
		return fsutil.Within(sub.Path, path)
	}
	return fsutil.IsChild(sub.Path, path)
}

// Subscribe registers handler for events on path, initializing the
// watcher first if it is not running. The path does not need to exist
// yet. The returned cancel removes the subscription and is safe to
// call more than once.
func (watcher *Watcher) Subscribe(ctx context.Context, path string, handler Handler, opts SubscribeOptions) (*Subscription, func(), error) {
	if watcher == nil {
		return nil, nil, errors.New("nil watcher")
	}
	if err := watcher.Init(ctx); err != nil {
		return nil, nil, err
	}
	return watcher.register(path, handler, opts)
}

// SubscribeSync is Subscribe without the implicit initialization. It
// returns ErrNotInitialized when the watcher is not running.
func (watcher *Watcher) SubscribeSync(path string, handler Handler, opts SubscribeOptions) (*Subscription, func(), error) {
	if watcher == nil {
		return nil, nil, errors.New("nil watcher")
	}
	return watcher.register(path, handler, opts)
}

func (watcher *Watcher) register(path string, handler Handler, opts SubscribeOptions) (*Subscription, func(), error) {
	if handler == nil {
		return nil, nil, errors.New("nil subscription handler")
	}
	normalized, err := fsutil.Normalize(path)
	if err != nil {
		return nil, nil, fmt.Errorf("normalize subscription path: %w", err)
	}

	sub := &Subscription{
		ID:            uuid.New(),
		Path:          normalized,
		WatchChildren: opts.WatchChildren,
		handler:       handler,
	}

	watcher.mu.Lock()
	if watcher.state != StateInitialized {
		watcher.mu.Unlock()
		return nil, nil, ErrNotInitialized
	}
	watcher.subscriptions[sub.ID] = sub
	watcher.mu.Unlock()

	cancel := func() {
		watcher.mu.Lock()
		delete(watcher.subscriptions, sub.ID)
		watcher.mu.Unlock()
	}
	return sub, cancel, nil
}
