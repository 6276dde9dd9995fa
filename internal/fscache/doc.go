// Package fscache is a path-keyed cache of file reads, listings, stats,
// and existence checks, backed by invalidatable cells. Reads performed
// inside a tracked computation are recorded as dependencies, and the
// first read of any path asks the watcher pool to keep that path live:
// filesystem changes invalidate the right cells and tracked consumers
// recompute. When no watcher governs a path the cache degrades to
// unwatched reads, which are correct at read time but never refresh.
package fscache
