package fsutil

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"syscall"
)

// Normalize returns the canonical form of a path: absolute, cleaned, with
// symlinks resolved. Two spellings of the same file normalize to the same
// string, so cache keys and subscription paths compare with ==.
//
// The path does not have to exist. Symlinks are resolved on the deepest
// existing ancestor and the missing tail is rejoined unchanged.
func Normalize(pathValue string) (string, error) {
	if strings.TrimSpace(pathValue) == "" {
		pathValue = "."
	}
	abs, err := filepath.Abs(pathValue)
	if err != nil {
		return "", err
	}

	resolved, err := filepath.EvalSymlinks(abs)
	if err == nil {
		return resolved, nil
	}
	if !isMissing(err) {
		return "", err
	}

	// Walk up until an existing ancestor resolves, then rejoin the tail.
	tail := ""
	current := abs
	for {
		parent := filepath.Dir(current)
		if parent == current {
			return abs, nil
		}
		tail = filepath.Join(filepath.Base(current), tail)
		current = parent

		resolved, err := filepath.EvalSymlinks(current)
		if err == nil {
			return filepath.Join(resolved, tail), nil
		}
		if !isMissing(err) {
			return "", err
		}
	}
}

// isMissing matches the two errno shapes a dangling path produces: the
// tail does not exist, or an ancestor turned out to be a regular file.
func isMissing(err error) bool {
	return errors.Is(err, fs.ErrNotExist) || errors.Is(err, syscall.ENOTDIR)
}

// Within reports whether child equals parent or sits underneath it. Both
// paths are compared as given; normalize first when spellings may differ.
func Within(parent, child string) bool {
	parentPath := filepath.Clean(parent)
	childPath := filepath.Clean(child)
	rel, err := filepath.Rel(parentPath, childPath)
	if err != nil {
		return false
	}
	if rel == "." {
		return true
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
		return false
	}
	return !filepath.IsAbs(rel)
}

// IsChild reports whether child is an immediate child of parent.
func IsChild(parent, child string) bool {
	parentPath := filepath.Clean(parent)
	childPath := filepath.Clean(child)
	return childPath != parentPath && filepath.Dir(childPath) == parentPath
}
