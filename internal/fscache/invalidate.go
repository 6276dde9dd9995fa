package fscache

import (
	"fmt"

	"specview/internal/fsutil"
	"specview/internal/logging"
	"specview/internal/watcher"
)

// applyEvents is the subscription handler for one cached path. The
// subscription is non-children, so the batch holds events for the path
// itself and its direct children only.
//
// An event on the path invalidates every operation cell for it. A
// create or delete of a direct child changes what a listing of the path
// contains, so it additionally invalidates the listing cell; an update
// to a child's content does not, since the set of names is unchanged
// (the child's own cells are covered by the child's own subscription).
func (cache *Cache) applyEvents(path string, events []watcher.Event) {
	cache.mu.Lock()
	state := cache.paths[path]
	if state == nil {
		cache.mu.Unlock()
		return
	}

	self := false
	childSet := false
	for _, event := range events {
		if event.Path == path {
			self = true
			continue
		}
		if event.Kind != watcher.KindUpdate && fsutil.IsChild(path, event.Path) {
			childSet = true
		}
	}

	var invalidated int
	if self {
		invalidated += invalidateAll(state)
	} else if childSet {
		if state.listing != nil {
			state.listing.Invalidate()
			invalidated++
		}
	}
	cache.mu.Unlock()

	for i := 0; i < invalidated; i++ {
		cache.registry.IncCellInvalidated()
	}
	if invalidated > 0 && cache.logger.Enabled(logging.LevelDebug) {
		cache.logger.Debug("invalidated cells", map[string]string{
			"path":  path,
			"cells": fmt.Sprintf("%d", invalidated),
		})
	}
}

// invalidateAll drops every populated cell of a path and reports how
// many were invalidated. Callers hold cache.mu.
func invalidateAll(state *pathState) int {
	count := 0
	if state.file != nil {
		state.file.Invalidate()
		count++
	}
	if state.listing != nil {
		state.listing.Invalidate()
		count++
	}
	if state.exists != nil {
		state.exists.Invalidate()
		count++
	}
	if state.info != nil {
		state.info.Invalidate()
		count++
	}
	return count
}

// InvalidateRoot invalidates every cell whose path is root or sits
// beneath it. It backs watcher reinitialization, where event coverage
// during the gap cannot be guaranteed and all cached state under the
// root is suspect.
func (cache *Cache) InvalidateRoot(root string) {
	if cache == nil {
		return
	}
	normalized, err := fsutil.Normalize(root)
	if err != nil {
		return
	}

	cache.mu.Lock()
	total := 0
	for path, state := range cache.paths {
		if !fsutil.Within(normalized, path) {
			continue
		}
		total += invalidateAll(state)
	}
	cache.mu.Unlock()

	for i := 0; i < total; i++ {
		cache.registry.IncCellInvalidated()
	}
	cache.logger.Info("invalidated cached state under root", map[string]string{
		"root":  normalized,
		"cells": fmt.Sprintf("%d", total),
	})
}

// handleReinit services a pool reinitialization: old subscriptions are
// void, so every path under the root is resubscribed against the new
// watcher generation, and all cells under the root are invalidated.
func (cache *Cache) handleReinit(root string) {
	cache.mu.Lock()
	var stale []*pathState
	for path, state := range cache.paths {
		if !fsutil.Within(root, path) {
			continue
		}
		if state.cancelWatch != nil {
			state.cancelWatch()
		}
		state.watched = false
		state.cancelWatch = nil
		stale = append(stale, state)
	}
	cache.mu.Unlock()

	for _, state := range stale {
		cache.ensureWatched(state)
	}
	cache.InvalidateRoot(root)
}

// ClearCache discards every cell while leaving watch subscriptions in
// place: the next read of any path re-hits disk and watching continues.
// Cells are invalidated before being dropped so in-flight tracked
// computations holding the old cells re-run instead of waiting on
// orphans.
func (cache *Cache) ClearCache() {
	if cache == nil {
		return
	}
	cache.mu.Lock()
	total := 0
	for _, state := range cache.paths {
		total += invalidateAll(state)
		state.file = nil
		state.listing = nil
		state.exists = nil
		state.info = nil
	}
	cache.mu.Unlock()

	for i := 0; i < total; i++ {
		cache.registry.IncCellInvalidated()
	}
}

// CacheSize reports the number of live cells across all paths and
// operations, for diagnostics and tests.
func (cache *Cache) CacheSize() int {
	if cache == nil {
		return 0
	}
	cache.mu.Lock()
	defer cache.mu.Unlock()
	size := 0
	for _, state := range cache.paths {
		if state.file != nil {
			size++
		}
		if state.listing != nil {
			size++
		}
		if state.exists != nil {
			size++
		}
		if state.info != nil {
			size++
		}
	}
	return size
}

// Close cancels every watch subscription and the pool reinit hook. The
// cache remains usable for unwatched reads afterwards.
func (cache *Cache) Close() {
	if cache == nil {
		return
	}
	cache.mu.Lock()
	cancelHook := cache.cancelHook
	cache.cancelHook = nil
	var cancels []func()
	for _, state := range cache.paths {
		if state.cancelWatch != nil {
			cancels = append(cancels, state.cancelWatch)
		}
		state.watched = false
		state.cancelWatch = nil
	}
	cache.mu.Unlock()

	if cancelHook != nil {
		cancelHook()
	}
	for _, cancel := range cancels {
		cancel()
	}
}
