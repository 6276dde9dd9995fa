package watchpool

import (
	"sort"
	"time"

	"specview/internal/watcher"
)

// PoolEventKind classifies an observational pool event.
type PoolEventKind string

const (
	PoolEventReinitialized PoolEventKind = "reinitialized"
	PoolEventInitFailed    PoolEventKind = "init-failed"
)

// PoolEvent is published on the pool bus when a root's watcher changes
// epoch. It is telemetry only; cache invalidation rides the hook path.
type PoolEvent struct {
	Kind       PoolEventKind
	Root       string
	Generation uint64
	Reason     Reason
	Error      string
	At         time.Time
}

// Type implements event.Event for per-type bus accounting.
func (e PoolEvent) Type() string { return string(e.Kind) }

// Timestamp implements event.Event.
func (e PoolEvent) Timestamp() time.Time { return e.At }

// Status is a read-only snapshot of one pool entry.
type Status struct {
	Root          string
	Initialized   bool
	Generation    uint64
	Reinits       int
	LastReason    Reason
	ReasonCounts  map[Reason]int
	Subscriptions int
	InitError     string
}

// Status reports the entry covering root, or a zero snapshot when the
// root is unknown.
func (pool *Pool) Status(root string) Status {
	if pool == nil {
		return Status{}
	}
	pool.mu.Lock()
	ent := pool.lookupLocked(root)
	if ent == nil {
		pool.mu.Unlock()
		return Status{Root: root}
	}
	status := pool.statusLocked(ent)
	pool.mu.Unlock()
	return status
}

// StatusAll reports every entry, ordered by root for stable output.
func (pool *Pool) StatusAll() []Status {
	if pool == nil {
		return nil
	}
	pool.mu.Lock()
	statuses := make([]Status, 0, len(pool.entries))
	for _, ent := range pool.entries {
		statuses = append(statuses, pool.statusLocked(ent))
	}
	pool.mu.Unlock()
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].Root < statuses[j].Root })
	return statuses
}

func (pool *Pool) statusLocked(ent *entry) Status {
	status := Status{
		Root:         ent.resolved,
		Generation:   ent.generation,
		Reinits:      ent.reinits,
		LastReason:   ent.lastReason,
		ReasonCounts: make(map[Reason]int, len(ent.reasonCounts)),
	}
	for reason, count := range ent.reasonCounts {
		status.ReasonCounts[reason] = count
	}
	if ent.initErr != nil {
		status.InitError = ent.initErr.Error()
	}
	if ent.watcher != nil {
		ws := ent.watcher.Status()
		status.Initialized = ws.State == watcher.StateInitialized
		status.Subscriptions = ws.Subscriptions
	}
	return status
}
