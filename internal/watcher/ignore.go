package watcher

import (
	"path/filepath"

	"github.com/bmatcuk/doublestar/v4"
)

// DefaultIgnoreGlobs matches the directories and files that churn
// constantly without carrying project content. Globs are matched
// against the slash-separated path relative to the watch root, so
// "**/.git" and "**/.git/**" together cover the directory itself and
// everything under it at any depth.
var DefaultIgnoreGlobs = []string{
	"**/.git", "**/.git/**",
	"**/.hg", "**/.hg/**",
	"**/.svn", "**/.svn/**",
	"**/node_modules", "**/node_modules/**",
	"**/vendor", "**/vendor/**",
	"**/.DS_Store",
	"**/Thumbs.db",
	"**/desktop.ini",
}

// ignored reports whether path falls under any of the watcher's ignore
// globs. Paths outside the root never match and are kept.
func (watcher *Watcher) ignored(path string) bool {
	rel, err := filepath.Rel(watcher.root, path)
	if err != nil {
		return false
	}
	rel = filepath.ToSlash(rel)
	for _, glob := range watcher.ignoreGlobs {
		if ok, err := doublestar.Match(glob, rel); err == nil && ok {
			return true
		}
	}
	return false
}
