package store

import (
	"io"
	"log"
	"os"
	"path/filepath"
	"syscall"

	"github.com/edsrzf/mmap-go"
	raven "github.com/getsentry/raven-go"
)

// osFilesystem is the default on-disk Filesystem implementation. It is
// intentionally thin: directories are created on demand and every operation
// maps onto the matching os package call, with unexpected I/O errors
// reported to Sentry the same way the bundle store reports them.
type osFilesystem struct {
	root string
}

// NewOSFilesystem returns a Filesystem rooted at root. root is created if it
// does not already exist.
func NewOSFilesystem(root string) (Filesystem, error) {
	if err := os.MkdirAll(root, 0775); err != nil {
		return nil, err
	}
	return &osFilesystem{root: root}, nil
}

func (fs *osFilesystem) Root() string { return fs.root }

func (fs *osFilesystem) abs(path string) string {
	return filepath.Join(fs.root, path)
}

// OpenRead memory-maps path for random access: artifact reads and fixity
// scans issue many small ReadAt calls into one file, and mmap avoids paying
// a syscall per call the way repeated pread would. Zero-length files fall
// back to a plain *os.File, since mapping an empty file fails on most
// platforms.
func (fs *osFilesystem) OpenRead(path string) (ReaderAt, error) {
	f, err := os.Open(fs.abs(path))
	if os.IsNotExist(err) {
		return nil, ErrNotExist
	}
	if err != nil {
		fs.reportError(err)
		return nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		fs.reportError(err)
		return nil, err
	}
	if fi.Size() == 0 {
		return &osReaderAt{f}, nil
	}
	m, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		f.Close()
		fs.reportError(err)
		return nil, err
	}
	return &mmapReaderAt{data: m, f: f}, nil
}

func (fs *osFilesystem) OpenAppend(path string) (AppendCloser, error) {
	full := fs.abs(path)
	if err := os.MkdirAll(filepath.Dir(full), 0775); err != nil {
		fs.reportError(err)
		return nil, err
	}
	f, err := os.OpenFile(full, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0664)
	if err != nil {
		fs.reportError(err)
		return nil, err
	}
	return f, nil
}

func (fs *osFilesystem) Size(path string) (int64, error) {
	fi, err := os.Stat(fs.abs(path))
	if os.IsNotExist(err) {
		return 0, ErrNotExist
	}
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

func (fs *osFilesystem) Rename(oldpath, newpath string) error {
	newfull := fs.abs(newpath)
	if _, err := os.Stat(newfull); err == nil {
		return ErrExist
	}
	if err := os.MkdirAll(filepath.Dir(newfull), 0775); err != nil {
		fs.reportError(err)
		return err
	}
	err := os.Rename(fs.abs(oldpath), newfull)
	if err != nil {
		fs.reportError(err)
	}
	return err
}

func (fs *osFilesystem) Remove(path string) error {
	err := os.Remove(fs.abs(path))
	if err != nil && os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		fs.reportError(err)
	}
	return err
}

// Truncate shortens path to size, used to cut a torn tail left by a crash
// mid-append back to the last good record boundary.
func (fs *osFilesystem) Truncate(path string, size int64) error {
	err := os.Truncate(fs.abs(path), size)
	if os.IsNotExist(err) {
		return ErrNotExist
	}
	if err != nil {
		fs.reportError(err)
	}
	return err
}

// List performs a depth-first walk of dir, emitting paths relative to the
// filesystem root. Only directories and file stats are touched, mirroring
// the bundle store's walkTree so a tape-backed filesystem is never forced
// to open a file just to enumerate it.
func (fs *osFilesystem) List(dir string) <-chan string {
	out := make(chan string)
	go func() {
		defer close(out)
		fs.walk(out, fs.abs(dir))
	}()
	return out
}

func (fs *osFilesystem) walk(out chan<- string, dir string) {
	f, err := os.Open(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Println("store: list:", err)
			fs.reportError(err)
		}
		return
	}
	defer f.Close()
	for {
		entries, err := f.Readdir(256)
		if err == io.EOF {
			return
		}
		if err != nil {
			log.Println("store: list:", err)
			fs.reportError(err)
			return
		}
		for _, e := range entries {
			full := filepath.Join(dir, e.Name())
			if e.IsDir() {
				fs.walk(out, full)
				continue
			}
			rel, err := filepath.Rel(fs.root, full)
			if err != nil {
				continue
			}
			out <- rel
		}
	}
}

func (fs *osFilesystem) Info() (Info, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(fs.root, &stat); err != nil {
		return Info{}, err
	}
	total := stat.Blocks * uint64(stat.Bsize)
	available := stat.Bavail * uint64(stat.Bsize)
	used := total - stat.Bfree*uint64(stat.Bsize)
	var pct float64
	if total > 0 {
		pct = 100 * float64(used) / float64(total)
	}
	return Info{Total: total, Used: used, Available: available, PercentUsed: pct}, nil
}

func (fs *osFilesystem) reportError(err error) {
	raven.CaptureError(err, map[string]string{"root": fs.root})
}

type osReaderAt struct {
	*os.File
}

func (r *osReaderAt) Size() (int64, error) {
	fi, err := r.File.Stat()
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

// mmapReaderAt serves ReadAt out of a read-only memory mapping taken at
// open time; it reflects the file's length as of then, not any later
// append, matching the snapshot-read contract OpenRead documents.
type mmapReaderAt struct {
	data mmap.MMap
	f    *os.File
}

func (r *mmapReaderAt) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off >= int64(len(r.data)) {
		return 0, io.EOF
	}
	n := copy(p, r.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (r *mmapReaderAt) Size() (int64, error) { return int64(len(r.data)), nil }

func (r *mmapReaderAt) Close() error {
	err := r.data.Unmap()
	if cerr := r.f.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}
