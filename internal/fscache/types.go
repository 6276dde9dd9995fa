package fscache

import (
	"os"
	"time"
)

// Kind distinguishes files from directories in listings and stats.
type Kind string

const (
	KindFile Kind = "file"
	KindDir  Kind = "dir"
)

// File is the result of ReadFile. A missing file is a valid value with
// Exists false, never an error.
type File struct {
	Exists bool
	Text   string
}

// Entry is one immediate member of a directory listing.
type Entry struct {
	Name string
	Kind Kind
}

// Listing is the result of ReadDir: the immediate entries of a
// directory ordered by name, or Exists false when the directory is
// missing.
type Listing struct {
	Exists  bool
	Entries []Entry
}

// Info is the result of Stat.
type Info struct {
	Exists  bool
	Size    int64
	ModTime time.Time
	Kind    Kind
}

func entryKind(isDir bool) Kind {
	if isDir {
		return KindDir
	}
	return KindFile
}

func infoFrom(fi os.FileInfo) Info {
	return Info{
		Exists:  true,
		Size:    fi.Size(),
		ModTime: fi.ModTime(),
		Kind:    entryKind(fi.IsDir()),
	}
}
