// Package watcher turns raw fsnotify traffic on a directory tree into
// debounced, per-path subscriptions.
//
// A Watcher is reusable: Init brings it up, Close returns it to the
// uninitialized state, and a later Init starts a fresh epoch with no
// subscriptions or pending events carried over. Delivery is
// best-effort under load; unrecoverable conditions surface once per
// epoch through OnFailure and the handler owns the recovery decision.
package watcher
