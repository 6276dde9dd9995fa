// Package watchpool owns the lifecycle of project watchers, one per
// watched root directory. It turns watcher failures into
// reinitializations with a fresh generation, keeps per-reason recovery
// counters for diagnostics, and notifies registered hooks so caches can
// flush state whose watch coverage can no longer be guaranteed.
package watchpool
