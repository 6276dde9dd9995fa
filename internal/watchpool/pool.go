package watchpool

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"specview/internal/event"
	"specview/internal/fsutil"
	"specview/internal/logging"
	"specview/internal/metrics"
	"specview/internal/watcher"
)

// Reason classifies why a watcher entry was (re)initialized.
type Reason string

const (
	ReasonDropEvents   Reason = "drop-events"
	ReasonWatcherError Reason = "watcher-error"
	ReasonRootMissing  Reason = "missing-project-directory"
	ReasonRootReplaced Reason = "project-directory-replaced"
	ReasonManual       Reason = "manual"
)

var (
	// ErrNoWatcher is returned by Acquire when no initialized watcher
	// governs the requested path. Callers degrade to unwatched reads.
	ErrNoWatcher = errors.New("no initialized watcher for path")

	// ErrPoolClosed is returned once CloseAll has run.
	ErrPoolClosed = errors.New("watcher pool closed")
)

// ReinitHook is notified after a root's watcher was replaced. All
// subscriptions issued against the previous generation are void; the
// hook must resubscribe and treat cached state under root as suspect.
type ReinitHook func(root string, generation uint64, reason Reason)

// Options configures a Pool. Watcher-level knobs are shared by every
// entry the pool creates.
type Options struct {
	// Debounce is passed through to each project watcher. Zero selects
	// the watcher default.
	Debounce time.Duration

	// IgnoreGlobs is passed through to each project watcher. Nil selects
	// the watcher defaults.
	IgnoreGlobs []string

	Logger   *logging.Logger
	Registry *metrics.Registry
}

// entry is the per-root record: the active watcher (or none, after an
// init failure), the generation, and the recovery bookkeeping. Fields
// are guarded by the pool mutex; reinitMu additionally serializes whole
// reinitializations so two racing recoveries cannot each start a
// watcher and strand one.
type entry struct {
	reinitMu     sync.Mutex
	requested    string
	resolved     string
	watcher      *watcher.Watcher
	generation   uint64
	reinits      int
	lastReason   Reason
	reasonCounts map[Reason]int
	initErr      error
}

// Pool maintains one project watcher per root directory and bridges
// watcher failures into generation-bumping reinitializations.
type Pool struct {
	debounce    time.Duration
	ignoreGlobs []string
	logger      *logging.Logger
	registry    *metrics.Registry
	bus         *event.Bus[PoolEvent]

	mu      sync.Mutex
	entries map[string]*entry
	hooks   map[uuid.UUID]ReinitHook
	closed  bool
}

// NewPool constructs an empty pool. The bus it owns is closed by
// CloseAll or by ctx.
func NewPool(ctx context.Context, opts Options) *Pool {
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewLoggerWithOutput(nil, logging.LevelInfo, nil)
	}
	registry := opts.Registry
	if registry == nil {
		registry = metrics.Default
	}
	return &Pool{
		debounce:    opts.Debounce,
		ignoreGlobs: opts.IgnoreGlobs,
		logger:      logger,
		registry:    registry,
		bus: event.NewBus[PoolEvent](ctx, event.BusOptions{
			Name:     "watchpool",
			Registry: registry,
		}),
		entries: make(map[string]*entry),
		hooks:   make(map[uuid.UUID]ReinitHook),
	}
}

// Init creates or refreshes the entry for rootDir. Entries are keyed by
// the requested path; when the requested path now resolves to a
// different directory than the active entry covers (a repointed
// symlink), the old watcher is closed and replaced under reason
// project-directory-replaced. Initializing the same resolved root twice
// is a no-op.
//
// A failed initialization (missing root, OS watch limit) is recorded on
// the entry and returned; Acquire keeps failing for that root until a
// later Init or Reinit succeeds.
func (pool *Pool) Init(ctx context.Context, rootDir string) error {
	if pool == nil {
		return errors.New("nil pool")
	}
	requested, err := filepath.Abs(rootDir)
	if err != nil {
		return fmt.Errorf("absolutize pool root: %w", err)
	}
	requested = filepath.Clean(requested)
	resolved, err := fsutil.Normalize(requested)
	if err != nil {
		return fmt.Errorf("normalize pool root: %w", err)
	}

	pool.mu.Lock()
	if pool.closed {
		pool.mu.Unlock()
		return ErrPoolClosed
	}
	existing := pool.entries[requested]
	var live *watcher.Watcher
	replaced := false
	if existing != nil {
		if existing.resolved == resolved && existing.initErr == nil {
			live = existing.watcher
		}
		replaced = existing.resolved != resolved
	}
	pool.mu.Unlock()

	if existing != nil {
		if live != nil {
			// Same resolved root with a live watcher: idempotent.
			return live.Init(ctx)
		}
		// A repointed symlink means the requested root now names a
		// different directory; the old watcher covers the wrong tree.
		reason := ReasonManual
		if replaced {
			reason = ReasonRootReplaced
		}
		return pool.reinitEntry(ctx, existing, resolved, reason)
	}

	ent := &entry{
		requested:    requested,
		resolved:     resolved,
		reasonCounts: make(map[Reason]int),
	}
	pool.mu.Lock()
	if pool.closed {
		pool.mu.Unlock()
		return ErrPoolClosed
	}
	if pool.entries[requested] != nil {
		pool.mu.Unlock()
		return pool.Init(ctx, requested)
	}
	pool.entries[requested] = ent
	pool.mu.Unlock()

	return pool.startWatcher(ctx, ent)
}

// startWatcher builds and initializes a fresh watcher for ent, bumping
// the generation. Failures are recorded on the entry; the generation
// bump happens regardless so observers never see a reused epoch.
func (pool *Pool) startWatcher(ctx context.Context, ent *entry) error {
	pool.mu.Lock()
	ent.generation++
	generation := ent.generation
	root := ent.resolved
	pool.mu.Unlock()

	w, err := watcher.New(watcher.Options{
		Root:        root,
		Debounce:    pool.debounce,
		IgnoreGlobs: pool.ignoreGlobs,
		Logger:      pool.logger,
		Registry:    pool.registry,
		OnFailure: func(kind watcher.Failure, cause error) {
			pool.handleFailure(root, generation, kind, cause)
		},
	})
	if err == nil {
		err = w.Init(ctx)
	}

	pool.mu.Lock()
	if err == nil && pool.closed {
		pool.mu.Unlock()
		_ = w.Close()
		return ErrPoolClosed
	}
	if err != nil {
		ent.watcher = nil
		ent.initErr = err
	} else {
		ent.watcher = w
		ent.initErr = nil
	}
	pool.mu.Unlock()

	if err != nil {
		pool.logger.Warn("watcher init failed", map[string]string{
			"root":  root,
			"error": err.Error(),
		})
		pool.bus.Publish(PoolEvent{
			Kind:       PoolEventInitFailed,
			Root:       root,
			Generation: generation,
			Error:      err.Error(),
			At:         time.Now(),
		})
		return err
	}
	return nil
}

// Reinit replaces the watcher for root under the given reason: the old
// watcher is closed, the generation advances, reinit hooks fire, and a
// pool event is published. Callers that observed an older generation
// must resubscribe.
func (pool *Pool) Reinit(ctx context.Context, root string, reason Reason) error {
	if pool == nil {
		return errors.New("nil pool")
	}
	normalized, err := fsutil.Normalize(root)
	if err != nil {
		return fmt.Errorf("normalize pool root: %w", err)
	}

	pool.mu.Lock()
	if pool.closed {
		pool.mu.Unlock()
		return ErrPoolClosed
	}
	ent := pool.lookupLocked(normalized)
	pool.mu.Unlock()
	if ent == nil {
		return fmt.Errorf("reinit %s: no pool entry", normalized)
	}
	return pool.reinitEntry(ctx, ent, normalized, reason)
}

// reinitEntry closes ent's current watcher, starts a replacement
// covering resolved, and notifies hooks and the bus. Reinitializations
// of one entry run strictly one at a time; a failure-driven recovery
// racing a manual reinit queues behind it and replaces its watcher in
// turn.
func (pool *Pool) reinitEntry(ctx context.Context, ent *entry, resolved string, reason Reason) error {
	ent.reinitMu.Lock()
	defer ent.reinitMu.Unlock()

	pool.mu.Lock()
	if pool.closed {
		pool.mu.Unlock()
		return ErrPoolClosed
	}
	ent.reinits++
	ent.lastReason = reason
	ent.reasonCounts[reason]++
	ent.resolved = resolved
	old := ent.watcher
	ent.watcher = nil
	pool.mu.Unlock()

	pool.registry.IncPoolReinit(string(reason))
	if old != nil {
		if closeErr := old.Close(); closeErr != nil {
			pool.logger.Warn("failed to close watcher during reinit", map[string]string{
				"root":  resolved,
				"error": closeErr.Error(),
			})
		}
	}

	initErr := pool.startWatcher(ctx, ent)

	pool.mu.Lock()
	generation := ent.generation
	hooks := make([]ReinitHook, 0, len(pool.hooks))
	for _, hook := range pool.hooks {
		hooks = append(hooks, hook)
	}
	pool.mu.Unlock()

	// Hooks fire even when the replacement watcher failed to come up:
	// coverage during the gap is gone either way, so cached state under
	// the root must be flushed.
	for _, hook := range hooks {
		hook(resolved, generation, reason)
	}

	pool.logger.Info("watcher reinitialized", map[string]string{
		"root":       resolved,
		"generation": fmt.Sprintf("%d", generation),
		"reason":     string(reason),
	})
	pool.bus.Publish(PoolEvent{
		Kind:       PoolEventReinitialized,
		Root:       resolved,
		Generation: generation,
		Reason:     reason,
		At:         time.Now(),
	})
	return initErr
}

// handleFailure is the OnFailure bridge from a project watcher. It runs
// on the watcher's failure goroutine; a stale generation means a newer
// watcher already replaced the failing one and the signal is dropped.
func (pool *Pool) handleFailure(root string, generation uint64, kind watcher.Failure, cause error) {
	pool.mu.Lock()
	ent := pool.lookupLocked(root)
	stale := ent == nil || ent.generation != generation
	closed := pool.closed
	pool.mu.Unlock()
	if stale || closed {
		return
	}

	reason := ReasonWatcherError
	switch kind {
	case watcher.FailureDropEvents:
		reason = ReasonDropEvents
	case watcher.FailureRootMissing:
		reason = ReasonRootMissing
	}
	pool.logger.Warn("watcher failure, reinitializing", map[string]string{
		"root":   root,
		"reason": string(reason),
		"error":  cause.Error(),
	})
	if err := pool.Reinit(context.Background(), root, reason); err != nil {
		pool.logger.Error("reinit after failure did not recover", map[string]string{
			"root":  root,
			"error": err.Error(),
		})
	}
}

// lookupLocked finds the entry whose requested or resolved root matches.
func (pool *Pool) lookupLocked(root string) *entry {
	if ent, ok := pool.entries[root]; ok {
		return ent
	}
	for _, ent := range pool.entries {
		if ent.resolved == root {
			return ent
		}
	}
	return nil
}

// Acquire resolves which watcher governs path and returns a handle the
// cache subscribes through. The governing entry is the one with the
// longest resolved root containing path. ErrNoWatcher is returned when
// no entry contains the path or the entry's watcher is down; callers
// fall back to unwatched one-shot reads.
func (pool *Pool) Acquire(path string) (*Handle, error) {
	if pool == nil {
		return nil, errors.New("nil pool")
	}
	normalized, err := fsutil.Normalize(path)
	if err != nil {
		return nil, fmt.Errorf("normalize acquire path: %w", err)
	}

	pool.mu.Lock()
	defer pool.mu.Unlock()
	if pool.closed {
		return nil, ErrPoolClosed
	}
	var best *entry
	for _, ent := range pool.entries {
		if !fsutil.Within(ent.resolved, normalized) {
			continue
		}
		if best == nil || len(ent.resolved) > len(best.resolved) {
			best = ent
		}
	}
	if best == nil || best.watcher == nil {
		return nil, ErrNoWatcher
	}
	return &Handle{
		root:       best.resolved,
		generation: best.generation,
		watcher:    best.watcher,
	}, nil
}

// OnReinit registers a hook invoked after every reinitialization. The
// returned cancel removes the registration and is safe to call twice.
func (pool *Pool) OnReinit(hook ReinitHook) func() {
	if pool == nil || hook == nil {
		return func() {}
	}
	id := uuid.New()
	pool.mu.Lock()
	pool.hooks[id] = hook
	pool.mu.Unlock()
	return func() {
		pool.mu.Lock()
		delete(pool.hooks, id)
		pool.mu.Unlock()
	}
}

// Events returns the pool's observational event bus. Subscribers see
// reinitializations and init failures; nothing in the cache logic
// consumes this.
func (pool *Pool) Events() *event.Bus[PoolEvent] {
	if pool == nil {
		return nil
	}
	return pool.bus
}

// CloseAll tears down every entry concurrently. Entries survive with
// their counters for post-mortem status, but their watchers are gone
// and the pool rejects further Init, Reinit, and Acquire calls.
func (pool *Pool) CloseAll() error {
	if pool == nil {
		return nil
	}
	pool.mu.Lock()
	if pool.closed {
		pool.mu.Unlock()
		return nil
	}
	pool.closed = true
	watchers := make([]*watcher.Watcher, 0, len(pool.entries))
	for _, ent := range pool.entries {
		if ent.watcher != nil {
			watchers = append(watchers, ent.watcher)
			ent.watcher = nil
		}
	}
	pool.mu.Unlock()

	var group errgroup.Group
	for _, w := range watchers {
		group.Go(w.Close)
	}
	err := group.Wait()
	pool.bus.Close()
	pool.logger.Info("watcher pool closed", map[string]string{
		"entries": fmt.Sprintf("%d", len(watchers)),
	})
	return err
}
