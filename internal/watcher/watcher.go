package watcher

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"specview/internal/fsutil"
	"specview/internal/logging"
	"specview/internal/metrics"
)

// State is the lifecycle phase of a Watcher.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateInitializing  State = "initializing"
	StateInitialized   State = "initialized"
)

const (
	// DefaultDebounce is the quiet period after the last raw event
	// before the pending batch flushes to subscribers.
	DefaultDebounce = 50 * time.Millisecond

	// maxPendingEvents bounds the batch buffer. Overflow counts as
	// dropped coverage and triggers FailureDropEvents.
	maxPendingEvents = 4096
)

var (
	// ErrNotInitialized is returned by operations that require a running
	// watcher, such as SubscribeSync.
	ErrNotInitialized = errors.New("watcher not initialized")

	// ErrClosedDuringInit is returned from Init when Close was called
	// while initialization was still in flight.
	ErrClosedDuringInit = errors.New("watcher closed during initialization")
)

// Options configures a Watcher. Root is required; everything else has
// a usable default.
type Options struct {
	// Root is the directory tree to watch. It must exist and be a
	// directory; symlinks in the path are resolved up front.
	Root string

	// Debounce is the quiet period before flushing batched events.
	// Zero or negative selects DefaultDebounce.
	Debounce time.Duration

	// IgnoreGlobs filters events and skips directories during the
	// initial walk. Nil selects DefaultIgnoreGlobs; an empty non-nil
	// slice disables filtering.
	IgnoreGlobs []string

	Logger   *logging.Logger
	Registry *metrics.Registry

	// OnFailure receives unrecoverable conditions. It is called at most
	// once per epoch, from its own goroutine, so it may safely call
	// Close or re-Init on this watcher.
	OnFailure func(Failure, error)
}

// Status is a point-in-time snapshot of a watcher's state.
type Status struct {
	State         State
	Subscriptions int
	WatchedDirs   int
	Pending       int
}

// Watcher watches one directory tree and fans debounced events out to
// subscribers. The zero value is not usable; construct with New.
type Watcher struct {
	root        string
	debounce    time.Duration
	ignoreGlobs []string
	logger      *logging.Logger
	registry    *metrics.Registry
	onFailure   func(Failure, error)

	initGroup singleflight.Group

	mu             sync.Mutex
	state          State
	closeAfterInit bool
	fsw            *fsnotify.Watcher
	subscriptions  map[uuid.UUID]*Subscription
	watchedDirs    map[string]struct{}
	pending        []Event
	timer          *time.Timer
	done           chan struct{}
	loopDone       chan struct{}

	// failed gates OnFailure to one dispatch per epoch.
	failed atomic.Bool

	// flushWG tracks in-flight flush deliveries so Close can join them.
	flushWG sync.WaitGroup
}

// New validates the root and returns an uninitialized watcher. No OS
// resources are held until Init.
func New(opts Options) (*Watcher, error) {
	root, err := fsutil.Normalize(opts.Root)
	if err != nil {
		return nil, fmt.Errorf("normalize watch root: %w", err)
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("stat watch root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("watch root %s is not a directory", root)
	}

	debounce := opts.Debounce
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	globs := opts.IgnoreGlobs
	if globs == nil {
		globs = DefaultIgnoreGlobs
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewLoggerWithOutput(nil, logging.LevelInfo, nil)
	}
	registry := opts.Registry
	if registry == nil {
		registry = metrics.Default
	}

	return &Watcher{
		root:          root,
		debounce:      debounce,
		ignoreGlobs:   globs,
		logger:        logger,
		registry:      registry,
		onFailure:     opts.OnFailure,
		state:         StateUninitialized,
		subscriptions: make(map[uuid.UUID]*Subscription),
	}, nil
}

// Root returns the normalized root directory this watcher covers.
func (watcher *Watcher) Root() string {
	if watcher == nil {
		return ""
	}
	return watcher.root
}

// Status reports the current lifecycle state and counters.
func (watcher *Watcher) Status() Status {
	if watcher == nil {
		return Status{State: StateUninitialized}
	}
	watcher.mu.Lock()
	defer watcher.mu.Unlock()
	return Status{
		State:         watcher.state,
		Subscriptions: len(watcher.subscriptions),
		WatchedDirs:   len(watcher.watchedDirs),
		Pending:       len(watcher.pending),
	}
}

// Init starts the watcher: it walks the tree, registers OS watches on
// every non-ignored directory, and launches the event loop. Concurrent
// callers collapse onto a single initialization; calling Init on an
// already initialized watcher is a no-op.
func (watcher *Watcher) Init(ctx context.Context) error {
	if watcher == nil {
		return errors.New("nil watcher")
	}
	_, err, _ := watcher.initGroup.Do("init", func() (any, error) {
		return nil, watcher.initialize(ctx)
	})
	return err
}

func (watcher *Watcher) initialize(ctx context.Context) error {
	watcher.mu.Lock()
	if watcher.state != StateUninitialized {
		watcher.mu.Unlock()
		return nil
	}
	watcher.state = StateInitializing
	watcher.closeAfterInit = false
	watcher.mu.Unlock()

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		watcher.abortInit()
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}

	dirs, err := watcher.collectDirs(ctx)
	if err != nil {
		fsw.Close()
		watcher.abortInit()
		return fmt.Errorf("walk watch root: %w", err)
	}

	watched := make(map[string]struct{}, len(dirs))
	for _, dir := range dirs {
		if err := fsw.Add(dir); err != nil {
			if dir == watcher.root {
				fsw.Close()
				watcher.abortInit()
				return fmt.Errorf("watch root: %w", err)
			}
			// A subdirectory that cannot be watched degrades coverage
			// but does not fail initialization.
			watcher.logger.Warn("failed to watch directory", map[string]string{
				"dir":   dir,
				"error": err.Error(),
			})
			continue
		}
		watched[dir] = struct{}{}
	}

	done := make(chan struct{})
	loopDone := make(chan struct{})

	watcher.mu.Lock()
	if watcher.closeAfterInit {
		watcher.closeAfterInit = false
		watcher.state = StateUninitialized
		watcher.mu.Unlock()
		fsw.Close()
		return ErrClosedDuringInit
	}
	watcher.fsw = fsw
	watcher.watchedDirs = watched
	watcher.pending = nil
	watcher.done = done
	watcher.loopDone = loopDone
	watcher.failed.Store(false)
	watcher.state = StateInitialized
	watcher.mu.Unlock()

	go watcher.loop(fsw, done, loopDone)

	watcher.logger.Info("watcher initialized", map[string]string{
		"root": watcher.root,
		"dirs": fmt.Sprintf("%d", len(watched)),
	})
	return nil
}

func (watcher *Watcher) abortInit() {
	watcher.mu.Lock()
	watcher.state = StateUninitialized
	watcher.closeAfterInit = false
	watcher.mu.Unlock()
}

// collectDirs walks the root and returns every non-ignored directory.
// Symlinked directories already visited under another name are skipped
// so cycles cannot loop the walk, and unreadable subtrees are skipped
// rather than failing the whole initialization.
func (watcher *Watcher) collectDirs(ctx context.Context) ([]string, error) {
	visited := make(map[string]struct{})
	var dirs []string
	err := filepath.WalkDir(watcher.root, func(path string, entry fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if path == watcher.root {
				return walkErr
			}
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if !entry.IsDir() {
			return nil
		}
		if path != watcher.root && watcher.ignored(path) {
			return fs.SkipDir
		}
		if resolved, err := filepath.EvalSymlinks(path); err == nil {
			if _, seen := visited[resolved]; seen {
				return fs.SkipDir
			}
			visited[resolved] = struct{}{}
		}
		dirs = append(dirs, path)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return dirs, nil
}

// loop drains raw fsnotify traffic for one epoch. The channels are
// pinned as arguments so a concurrent Close cannot swap them out from
// under a running iteration.
func (watcher *Watcher) loop(fsw *fsnotify.Watcher, done <-chan struct{}, loopDone chan<- struct{}) {
	defer close(loopDone)
	for {
		select {
		case <-done:
			return
		case raw, ok := <-fsw.Events:
			if !ok {
				return
			}
			watcher.handleRawEvent(raw)
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			watcher.handleError(err)
		}
	}
}

// Close cancels the debounce timer, releases the OS watch, clears all
// subscriptions and pending events, and returns the watcher to the
// uninitialized state. In-flight subscriber deliveries are joined
// before Close returns. Closing an uninitialized watcher is a no-op.
func (watcher *Watcher) Close() error {
	if watcher == nil {
		return nil
	}
	watcher.mu.Lock()
	switch watcher.state {
	case StateUninitialized:
		watcher.mu.Unlock()
		return nil
	case StateInitializing:
		watcher.closeAfterInit = true
		watcher.mu.Unlock()
		return nil
	}
	if watcher.timer != nil {
		watcher.timer.Stop()
		watcher.timer = nil
	}
	fsw := watcher.fsw
	done := watcher.done
	loopDone := watcher.loopDone
	watcher.fsw = nil
	watcher.done = nil
	watcher.loopDone = nil
	watcher.pending = nil
	watcher.subscriptions = make(map[uuid.UUID]*Subscription)
	watcher.watchedDirs = nil
	watcher.state = StateUninitialized
	watcher.mu.Unlock()

	close(done)
	err := fsw.Close()
	<-loopDone
	watcher.flushWG.Wait()

	watcher.logger.Info("watcher closed", map[string]string{"root": watcher.root})
	return err
}
