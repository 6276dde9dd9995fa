package watchpool

import (
	"context"
	"errors"

	"specview/internal/watcher"
)

// Handle is a capability to subscribe against one root's watcher as it
// existed at Acquire time. Subscriptions made through a handle belong
// to that generation; after a reinitialization they are void and a
// fresh handle must be acquired.
type Handle struct {
	root       string
	generation uint64
	watcher    *watcher.Watcher
}

// Root returns the resolved root directory the handle covers.
func (handle *Handle) Root() string {
	if handle == nil {
		return ""
	}
	return handle.root
}

// Generation returns the watcher epoch the handle was acquired under.
func (handle *Handle) Generation() uint64 {
	if handle == nil {
		return 0
	}
	return handle.generation
}

// Subscribe registers handler on the handle's watcher, initializing it
// if needed.
func (handle *Handle) Subscribe(ctx context.Context, path string, handler watcher.Handler, opts watcher.SubscribeOptions) (*watcher.Subscription, func(), error) {
	if handle == nil || handle.watcher == nil {
		return nil, nil, errors.New("nil watcher handle")
	}
	return handle.watcher.Subscribe(ctx, path, handler, opts)
}

// SubscribeSync registers handler without implicit initialization,
// failing fast when the watcher is not running.
func (handle *Handle) SubscribeSync(path string, handler watcher.Handler, opts watcher.SubscribeOptions) (*watcher.Subscription, func(), error) {
	if handle == nil || handle.watcher == nil {
		return nil, nil, errors.New("nil watcher handle")
	}
	return handle.watcher.SubscribeSync(path, handler, opts)
}
