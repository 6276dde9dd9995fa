package watcher

import (
	"time"

	"github.com/fsnotify/fsnotify"
)

// Kind classifies a normalized filesystem event.
type Kind string

const (
	KindCreate Kind = "create"
	KindUpdate Kind = "update"
	KindDelete Kind = "delete"
)

// Event is one normalized filesystem change. Path is absolute; renames
// surface as deletes of the old path and chmod-only noise is dropped
// before it reaches subscribers.
type Event struct {
	Kind      Kind
	Path      string
	Timestamp time.Time
}

// Failure classifies an unrecoverable condition the watcher reports to
// its OnFailure handler. The handler owns the recovery decision.
type Failure string

const (
	// FailureDropEvents means events were lost (kernel queue overflow or
	// pending-buffer overrun) and coverage since the last flush cannot
	// be guaranteed.
	FailureDropEvents Failure = "drop-events"
	// FailureWatcherError is any other hard error from the OS layer.
	FailureWatcherError Failure = "watcher-error"
	// FailureRootMissing means the watched root directory itself is gone.
	FailureRootMissing Failure = "root-missing"
)

// normalizeOp maps a raw fsnotify op onto an event kind. The second
// return is false for ops that carry no content signal (chmod).
func normalizeOp(op fsnotify.Op) (Kind, bool) {
	switch {
	case op.Has(fsnotify.Create):
		return KindCreate, true
	case op.Has(fsnotify.Write):
		return KindUpdate, true
	case op.Has(fsnotify.Remove), op.Has(fsnotify.Rename):
		return KindDelete, true
	default:
		return "", false
	}
}
