// Package store provides the filesystem-like boundary the data store appends
// WARC bytes through: create/append/seek/read/unlink/rename over a byte
// stream keyed by an opaque path. Unlike a plain key-value store, paths here
// form a directory hierarchy (collections, AUs, tmp, sealed) and files are
// appended to repeatedly before being sealed, so the interface exposes
// append and rename rather than a single atomic Create.
package store

import (
	"errors"
	"io"
)

// ErrNotExist is returned when an operation targets a path that does not
// exist in the filesystem.
var ErrNotExist = errors.New("store: path does not exist")

// ErrExist is returned by Rename when the destination path is already
// occupied.
var ErrExist = errors.New("store: path already exists")

// ReaderAt is a random-access byte source, satisfied by the on-disk,
// in-memory and S3 readers of this package (a bare *os.File has no Size
// method and does not satisfy it).
type ReaderAt interface {
	io.ReaderAt
	io.Closer
	// Size returns the current length of the underlying object.
	Size() (int64, error)
}

// AppendCloser is a byte sink opened in append mode: writes always land at
// the current end of the file, regardless of concurrent readers.
type AppendCloser interface {
	io.Writer
	io.Closer
}

// Info describes an aggregate view of available capacity under one base
// path, used by the repository facade's storage-info query (SPEC_FULL.md
// §4.7.1).
type Info struct {
	Total       uint64
	Used        uint64
	Available   uint64
	PercentUsed float64
}

// Filesystem is the boundary interface the data store and temp WARC pool are
// built on. A Filesystem is rooted at one base path; the data store may hold
// several, one per configured base_paths entry.
type Filesystem interface {
	// OpenRead opens path for random-access reading.
	OpenRead(path string) (ReaderAt, error)

	// OpenAppend opens path for appending, creating it (and any missing
	// parent directories) if it does not already exist.
	OpenAppend(path string) (AppendCloser, error)

	// Size returns the current length of path, or ErrNotExist.
	Size(path string) (int64, error)

	// Rename moves oldpath to newpath atomically. newpath must not already
	// exist.
	Rename(oldpath, newpath string) error

	// Remove deletes path. It is not an error if path does not exist.
	Remove(path string) error

	// Truncate shortens path to size, discarding everything after it. Used
	// to cut a torn tail left by a crash mid-append back to the last good
	// record boundary. size must not exceed the current length.
	Truncate(path string, size int64) error

	// List returns every path under dir, recursively, as a channel that is
	// closed once the scan completes.
	List(dir string) <-chan string

	// Info reports aggregate capacity for this filesystem's base path.
	Info() (Info, error)

	// Root returns the base path this Filesystem is rooted at. Storage URLs
	// identify their base path by its index ("b<N>"), not by this value.
	Root() string
}
