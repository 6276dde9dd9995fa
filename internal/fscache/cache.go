package fscache

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"
	"syscall"
	"time"

	"specview/internal/fsutil"
	"specview/internal/logging"
	"specview/internal/metrics"
	"specview/internal/reactive"
	"specview/internal/watcher"
	"specview/internal/watchpool"
)

const (
	opReadFile = "readFile"
	opReadDir  = "readDir"
	opExists   = "exists"
	opStat     = "stat"
)

// Options configures a Cache. A nil Pool yields a cache that always
// serves unwatched reads; everything stays correct, nothing refreshes.
type Options struct {
	Pool     *watchpool.Pool
	Logger   *logging.Logger
	Registry *metrics.Registry
}

// pathState carries the cells and the watch subscription for one
// normalized path. Cells are created lazily per operation; the
// subscription is created once, on the first cell, and survives
// ClearCache.
type pathState struct {
	path        string
	file        *reactive.Cell[File]
	listing     *reactive.Cell[Listing]
	exists      *reactive.Cell[bool]
	info        *reactive.Cell[Info]
	watched     bool
	cancelWatch func()
	generation  uint64
	degradedLog bool
}

// Cache maps (path, operation) pairs onto invalidatable cells, running
// the real filesystem I/O as each cell's compute function. Construct
// with New; the zero value is not usable.
type Cache struct {
	pool     *watchpool.Pool
	logger   *logging.Logger
	registry *metrics.Registry

	// I/O seams, swapped by tests to count real reads.
	readFileFn func(string) ([]byte, error)
	readDirFn  func(string) ([]os.DirEntry, error)
	statFn     func(string) (os.FileInfo, error)

	mu         sync.Mutex
	paths      map[string]*pathState
	cancelHook func()
}

// New builds a cache bound to pool. A reinitialization of any pool root
// voids watch coverage for that whole subtree, so the cache hooks pool
// reinits to invalidate every cell under the root and resubscribe.
func New(opts Options) *Cache {
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewLoggerWithOutput(nil, logging.LevelInfo, nil)
	}
	registry := opts.Registry
	if registry == nil {
		registry = metrics.Default
	}
	cache := &Cache{
		pool:       opts.Pool,
		logger:     logger,
		registry:   registry,
		readFileFn: os.ReadFile,
		readDirFn:  os.ReadDir,
		statFn:     os.Stat,
		paths:      make(map[string]*pathState),
	}
	if opts.Pool != nil {
		cache.cancelHook = opts.Pool.OnReinit(func(root string, generation uint64, reason watchpool.Reason) {
			cache.handleReinit(root)
		})
	}
	return cache
}

// ReadFile returns the contents of path as text, with Exists false for
// a missing file. Inside a tracked computation the underlying cell is
// recorded as a dependency.
func (cache *Cache) ReadFile(ctx context.Context, path string) (File, error) {
	state, err := cache.statePath(ctx, path)
	if err != nil {
		return File{}, err
	}
	cache.mu.Lock()
	cell := state.file
	if cell == nil {
		target := state.path
		cell = reactive.NewCell(func() (File, error) {
			return cache.loadFile(target)
		})
		state.file = cell
		cache.registry.IncCellCreated()
	}
	cache.mu.Unlock()
	return readCell(ctx, cache.registry, opReadFile, cell)
}

// ReadDir returns the immediate entries of path ordered by name, with
// Exists false for a missing directory.
func (cache *Cache) ReadDir(ctx context.Context, path string) (Listing, error) {
	state, err := cache.statePath(ctx, path)
	if err != nil {
		return Listing{}, err
	}
	cache.mu.Lock()
	cell := state.listing
	if cell == nil {
		target := state.path
		cell = reactive.NewCell(func() (Listing, error) {
			return cache.loadListing(target)
		})
		state.listing = cell
		cache.registry.IncCellCreated()
	}
	cache.mu.Unlock()
	return readCell(ctx, cache.registry, opReadDir, cell)
}

// Exists reports whether path exists.
func (cache *Cache) Exists(ctx context.Context, path string) (bool, error) {
	state, err := cache.statePath(ctx, path)
	if err != nil {
		return false, err
	}
	cache.mu.Lock()
	cell := state.exists
	if cell == nil {
		target := state.path
		cell = reactive.NewCell(func() (bool, error) {
			return cache.loadExists(target)
		})
		state.exists = cell
		cache.registry.IncCellCreated()
	}
	cache.mu.Unlock()
	return readCell(ctx, cache.registry, opExists, cell)
}

// Stat returns metadata for path, with Exists false when it is missing.
func (cache *Cache) Stat(ctx context.Context, path string) (Info, error) {
	state, err := cache.statePath(ctx, path)
	if err != nil {
		return Info{}, err
	}
	cache.mu.Lock()
	cell := state.info
	if cell == nil {
		target := state.path
		cell = reactive.NewCell(func() (Info, error) {
			return cache.loadInfo(target)
		})
		state.info = cell
		cache.registry.IncCellCreated()
	}
	cache.mu.Unlock()
	return readCell(ctx, cache.registry, opStat, cell)
}

// readCell times one cell read and records it under op.
func readCell[T any](ctx context.Context, registry *metrics.Registry, op string, cell *reactive.Cell[T]) (T, error) {
	start := time.Now()
	hit := cell.Has()
	value, err := cell.Read(ctx)
	registry.RecordRead(op, time.Since(start), err, hit)
	return value, err
}

// statePath normalizes path, finds or creates its state, and makes sure
// a watch subscription exists when a pool watcher governs the path.
func (cache *Cache) statePath(ctx context.Context, path string) (*pathState, error) {
	if cache == nil {
		return nil, errors.New("nil cache")
	}
	normalized, err := fsutil.Normalize(path)
	if err != nil {
		return nil, fmt.Errorf("normalize cache path: %w", err)
	}

	cache.mu.Lock()
	state, ok := cache.paths[normalized]
	if !ok {
		state = &pathState{path: normalized}
		cache.paths[normalized] = state
	}
	watched := state.watched
	cache.mu.Unlock()

	if !watched {
		cache.ensureWatched(state)
	}
	return state, nil
}

// ensureWatched subscribes the path on its governing watcher. When no
// initialized watcher covers the path the cache stays in unwatched
// mode, logged once per path; later reads retry, so a pool that comes
// up afterwards upgrades the path to live.
func (cache *Cache) ensureWatched(state *pathState) {
	if cache.pool == nil {
		return
	}
	handle, err := cache.pool.Acquire(state.path)
	if err != nil {
		cache.mu.Lock()
		logged := state.degradedLog
		state.degradedLog = true
		cache.mu.Unlock()
		if !logged {
			cache.logger.Debug("path unwatched, serving one-shot reads", map[string]string{
				"path":  state.path,
				"error": err.Error(),
			})
		}
		return
	}

	target := state.path
	_, cancel, err := handle.SubscribeSync(target, func(events []watcher.Event) {
		cache.applyEvents(target, events)
	}, watcher.SubscribeOptions{})
	if err != nil {
		cache.logger.Warn("subscribe failed, serving one-shot reads", map[string]string{
			"path":  target,
			"error": err.Error(),
		})
		return
	}

	cache.mu.Lock()
	if state.watched {
		// Another reader raced the subscription in; keep the first.
		cache.mu.Unlock()
		cancel()
		return
	}
	state.watched = true
	state.cancelWatch = cancel
	state.generation = handle.Generation()
	state.degradedLog = false
	cache.mu.Unlock()
}

func (cache *Cache) loadFile(path string) (File, error) {
	data, err := cache.readFileFn(path)
	if err != nil {
		if isMissing(err) {
			return File{}, nil
		}
		return File{}, fmt.Errorf("read %s: %w", path, err)
	}
	return File{Exists: true, Text: string(data)}, nil
}

func (cache *Cache) loadListing(path string) (Listing, error) {
	dirEntries, err := cache.readDirFn(path)
	if err != nil {
		if isMissing(err) {
			return Listing{}, nil
		}
		return Listing{}, fmt.Errorf("list %s: %w", path, err)
	}
	entries := make([]Entry, 0, len(dirEntries))
	for _, entry := range dirEntries {
		entries = append(entries, Entry{Name: entry.Name(), Kind: entryKind(entry.IsDir())})
	}
	return Listing{Exists: true, Entries: entries}, nil
}

func (cache *Cache) loadExists(path string) (bool, error) {
	_, err := cache.statFn(path)
	if err != nil {
		if isMissing(err) {
			return false, nil
		}
		return false, fmt.Errorf("stat %s: %w", path, err)
	}
	return true, nil
}

func (cache *Cache) loadInfo(path string) (Info, error) {
	fi, err := cache.statFn(path)
	if err != nil {
		if isMissing(err) {
			return Info{}, nil
		}
		return Info{}, fmt.Errorf("stat %s: %w", path, err)
	}
	return infoFrom(fi), nil
}

// isMissing treats both a missing tail and a file-where-directory-was
// as absence; anything else is a real I/O failure.
func isMissing(err error) bool {
	return errors.Is(err, fs.ErrNotExist) || errors.Is(err, syscall.ENOTDIR)
}
