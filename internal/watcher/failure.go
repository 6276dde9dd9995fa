package watcher

import (
	"errors"
	"os"

	"github.com/fsnotify/fsnotify"
)

// handleError classifies a hard error from the OS layer. Overflow means
// the kernel queue dropped events; any other error with a missing root
// means the tree itself is gone.
func (watcher *Watcher) handleError(err error) {
	if err == nil {
		return
	}
	if errors.Is(err, fsnotify.ErrEventOverflow) {
		watcher.signalFailure(FailureDropEvents, err)
		return
	}
	if _, statErr := os.Stat(watcher.root); statErr != nil && os.IsNotExist(statErr) {
		watcher.signalFailure(FailureRootMissing, err)
		return
	}
	watcher.signalFailure(FailureWatcherError, err)
}

// signalFailure reports at most one failure per epoch. The handler runs
// on its own goroutine so it can call Close or Init on this watcher
// without deadlocking the event loop, and the one-shot gate keeps an
// error burst from triggering a cascade of recoveries.
func (watcher *Watcher) signalFailure(kind Failure, err error) {
	if !watcher.failed.CompareAndSwap(false, true) {
		return
	}
	watcher.logger.Warn("watcher failure", map[string]string{
		"root":  watcher.root,
		"kind":  string(kind),
		"error": err.Error(),
	})
	handler := watcher.onFailure
	if handler == nil {
		return
	}
	go handler(kind, err)
}
