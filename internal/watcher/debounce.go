package watcher

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"specview/internal/logging"
)

// handleRawEvent normalizes one raw fsnotify event, applies the ignore
// rules, grows the watch set when directories appear, and arms or
// re-arms the single debounce timer.
func (watcher *Watcher) handleRawEvent(raw fsnotify.Event) {
	watcher.registry.IncWatchEventSeen()

	kind, ok := normalizeOp(raw.Op)
	if !ok {
		watcher.registry.IncWatchEventIgnored()
		return
	}
	path := filepath.Clean(raw.Name)
	if watcher.ignored(path) {
		watcher.registry.IncWatchEventIgnored()
		return
	}

	switch kind {
	case KindCreate:
		watcher.maybeWatchSubtree(path)
	case KindDelete:
		if path == watcher.root {
			watcher.signalFailure(FailureRootMissing, fmt.Errorf("watch root %s removed", watcher.root))
		}
		watcher.forgetWatch(path)
	}

	event := Event{Kind: kind, Path: path, Timestamp: time.Now()}

	watcher.mu.Lock()
	if watcher.state != StateInitialized {
		watcher.mu.Unlock()
		return
	}
	if len(watcher.pending) >= maxPendingEvents {
		watcher.mu.Unlock()
		watcher.signalFailure(FailureDropEvents, fmt.Errorf("pending buffer full at %d events", maxPendingEvents))
		return
	}
	watcher.pending = append(watcher.pending, event)
	if watcher.timer == nil {
		watcher.timer = time.AfterFunc(watcher.debounce, watcher.flushPending)
	} else {
		watcher.timer.Reset(watcher.debounce)
	}
	watcher.mu.Unlock()
}

// maybeWatchSubtree registers watches on a newly created directory and
// every non-ignored directory beneath it. A single create event is all
// the kernel reports for a populated tree moved into place, so the walk
// is what keeps deeper changes visible afterwards.
func (watcher *Watcher) maybeWatchSubtree(path string) {
	info, err := os.Lstat(path)
	if err != nil || !info.IsDir() {
		return
	}
	_ = filepath.WalkDir(path, func(dir string, entry fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return nil
		}
		if !entry.IsDir() {
			return nil
		}
		if dir != path && watcher.ignored(dir) {
			return fs.SkipDir
		}
		watcher.addWatch(dir)
		return nil
	})
}

func (watcher *Watcher) addWatch(dir string) {
	watcher.mu.Lock()
	defer watcher.mu.Unlock()
	if watcher.state != StateInitialized || watcher.fsw == nil {
		return
	}
	if _, ok := watcher.watchedDirs[dir]; ok {
		return
	}
	if err := watcher.fsw.Add(dir); err != nil {
		watcher.logger.Warn("failed to watch new directory", map[string]string{
			"dir":   dir,
			"error": err.Error(),
		})
		return
	}
	watcher.watchedDirs[dir] = struct{}{}
}

// forgetWatch drops our bookkeeping for a deleted directory. The OS
// releases its side of the watch with the inode, so there is nothing
// to remove from fsnotify.
func (watcher *Watcher) forgetWatch(path string) {
	watcher.mu.Lock()
	defer watcher.mu.Unlock()
	delete(watcher.watchedDirs, path)
}

// flushPending delivers the batched events to every matching
// subscriber. It runs on the debounce timer goroutine; Close joins
// in-flight flushes through flushWG before returning.
func (watcher *Watcher) flushPending() {
	watcher.mu.Lock()
	if watcher.state != StateInitialized || len(watcher.pending) == 0 {
		watcher.timer = nil
		watcher.mu.Unlock()
		return
	}
	batch := watcher.pending
	watcher.pending = nil
	watcher.timer = nil
	subs := make([]*Subscription, 0, len(watcher.subscriptions))
	for _, sub := range watcher.subscriptions {
		subs = append(subs, sub)
	}
	watcher.flushWG.Add(1)
	watcher.mu.Unlock()
	defer watcher.flushWG.Done()

	watcher.registry.IncWatchFlush()

	delivered := 0
	for _, sub := range subs {
		matched := make([]Event, 0, len(batch))
		for _, event := range batch {
			if sub.matches(event.Path) {
				matched = append(matched, event)
			}
		}
		if len(matched) == 0 {
			continue
		}
		watcher.deliver(sub, matched)
		delivered += len(matched)
	}
	watcher.registry.AddWatchDeliveries(delivered)

	if watcher.logger.Enabled(logging.LevelDebug) {
		watcher.logger.Debug("flushed watch events", map[string]string{
			"root":      watcher.root,
			"batch":     fmt.Sprintf("%d", len(batch)),
			"delivered": fmt.Sprintf("%d", delivered),
		})
	}
}

// deliver invokes one subscriber, containing any panic so the rest of
// the batch still goes out.
func (watcher *Watcher) deliver(sub *Subscription, events []Event) {
	defer func() {
		if r := recover(); r != nil {
			watcher.logger.Error("subscriber panicked", map[string]string{
				"subscription": sub.ID.String(),
				"path":         sub.Path,
				"panic":        fmt.Sprint(r),
			})
		}
	}()
	sub.handler(events)
}
