package reactive

import (
	"context"
	"sync"

	"specview/internal/metrics"
)

type collectorKey struct{}

type registryKey struct{}

// WithRegistry returns a context whose tracked runs and stream
// emissions are counted in registry. Without it, counts land in
// metrics.Default.
func WithRegistry(ctx context.Context, registry *metrics.Registry) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if registry == nil {
		return ctx
	}
	return context.WithValue(ctx, registryKey{}, registry)
}

func registryFrom(ctx context.Context) *metrics.Registry {
	if ctx != nil {
		if registry, ok := ctx.Value(registryKey{}).(*metrics.Registry); ok && registry != nil {
			return registry
		}
	}
	return metrics.Default
}

// collector accumulates the cells a logical task reads. It rides the
// context, so the recording survives whatever goroutine or call
// structure the task uses, as long as ctx is forwarded.
type collector struct {
	mu   sync.Mutex
	deps map[dep]uint64
}

// observe records a read. The first observation of a cell wins: when a
// cell is invalidated mid-run and read again, the older version stays
// recorded, the set reports stale, and the run is redone.
func (c *collector) observe(d dep, version uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, seen := c.deps[d]; seen {
		return
	}
	c.deps[d] = version
}

func (c *collector) snapshot() map[dep]uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	deps := make(map[dep]uint64, len(c.deps))
	for d, version := range c.deps {
		deps[d] = version
	}
	return deps
}

// Track runs fn with a fresh dependency collector injected into its
// context and returns the result together with the set of cells fn
// read. Nested Track calls collect into their own set; inner reads do
// not leak into the outer run.
func Track[T any](ctx context.Context, fn func(context.Context) (T, error)) (T, *Deps, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	col := &collector{deps: make(map[dep]uint64)}
	value, err := fn(context.WithValue(ctx, collectorKey{}, col))
	registryFrom(ctx).IncTrackedRun()
	return value, &Deps{deps: col.snapshot()}, err
}

// Deps is the dependency set of one tracked run: each cell read, at the
// version observed.
type Deps struct {
	deps map[dep]uint64
}

// Size returns the number of distinct cells in the set.
func (d *Deps) Size() int {
	if d == nil {
		return 0
	}
	return len(d.deps)
}

// Stale reports whether any member's current version differs from the
// recorded one.
func (d *Deps) Stale() bool {
	if d == nil {
		return false
	}
	for src, version := range d.deps {
		if src.Version() != version {
			return true
		}
	}
	return false
}

// watch registers ch as a waiter on every member and returns an
// idempotent cancel that removes the registrations. An empty set
// registers nothing; ch then never fires.
func (d *Deps) watch(ch chan struct{}) func() {
	if d == nil || len(d.deps) == 0 {
		return func() {}
	}
	type registration struct {
		src   dep
		token uint64
	}
	registrations := make([]registration, 0, len(d.deps))
	for src := range d.deps {
		registrations = append(registrations, registration{src: src, token: src.addWaiter(ch)})
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			for _, reg := range registrations {
				reg.src.removeWaiter(reg.token)
			}
		})
	}
}
