package reactive

import (
	"context"
	"sync"
)

// dep is the identity a tracked run records: a version-bearing source of
// values that can signal waiters when its version moves.
type dep interface {
	Version() uint64
	addWaiter(ch chan struct{}) uint64
	removeWaiter(token uint64)
}

// source carries the version counter and the one-shot waiter registry
// shared by every cell. Waiter channels have capacity one and are
// notified without blocking, so a burst of invalidations collapses into
// a single pending wakeup.
type source struct {
	mu         sync.Mutex
	version    uint64
	waiters    map[uint64]chan struct{}
	nextWaiter uint64
}

// Version returns the current version. It starts at zero and moves only
// on Invalidate or Set.
func (s *source) Version() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

func (s *source) addWaiter(ch chan struct{}) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.waiters == nil {
		s.waiters = make(map[uint64]chan struct{})
	}
	s.nextWaiter++
	token := s.nextWaiter
	s.waiters[token] = ch
	return token
}

func (s *source) removeWaiter(token uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.waiters, token)
}

// bumpLocked advances the version and pokes every waiter. Callers hold mu.
func (s *source) bumpLocked() {
	s.version++
	for _, ch := range s.waiters {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Cell is an invalidatable unit of cached state. The value is produced
// lazily by the compute function and served from memory until the cell
// is invalidated or overwritten.
//
// A nil compute function makes the zero value the initial content; Set
// replaces it.
type Cell[T any] struct {
	source
	compute func() (T, error)
	value   T
	valid   bool
}

func NewCell[T any](compute func() (T, error)) *Cell[T] {
	return &Cell[T]{compute: compute}
}

// Read returns the cell's value, running compute on a miss. The read is
// recorded into the tracking collector carried by ctx, if any. A failed
// compute caches nothing and returns the error; the attempt is still
// recorded so a tracked run goes stale when the cell is next
// invalidated.
//
// Racing first reads may each run compute; the first to finish stores
// and the rest serve the stored value.
func (c *Cell[T]) Read(ctx context.Context) (T, error) {
	c.mu.Lock()
	if c.valid {
		value := c.value
		version := c.version
		c.mu.Unlock()
		record(ctx, c, version)
		return value, nil
	}
	version := c.version
	compute := c.compute
	c.mu.Unlock()

	record(ctx, c, version)

	if compute == nil {
		var zero T
		return zero, nil
	}

	value, err := compute()
	if err != nil {
		var zero T
		return zero, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.valid {
		return c.value, nil
	}
	if c.version == version {
		// Store only when no invalidation raced the compute; a stale
		// result is returned to the caller but never cached as fresh.
		c.value = value
		c.valid = true
	}
	return value, nil
}

// Invalidate drops the cached value and advances the version. Nothing is
// recomputed until the next Read.
func (c *Cell[T]) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	var zero T
	c.value = zero
	c.valid = false
	c.bumpLocked()
}

// Set stores a value directly, bypassing compute, and advances the
// version.
func (c *Cell[T]) Set(value T) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.value = value
	c.valid = true
	c.bumpLocked()
}

// Has reports whether the cell currently holds a value.
func (c *Cell[T]) Has() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.valid
}

// record registers a read with the collector on ctx, if one is present.
func record(ctx context.Context, d dep, version uint64) {
	if ctx == nil {
		return
	}
	col, ok := ctx.Value(collectorKey{}).(*collector)
	if !ok || col == nil {
		return
	}
	col.observe(d, version)
}
