// Package warcpool manages the pool of temp WARC files that artifact writes
// are appended to before their AU's journal commits them. It picks, for
// each write, whichever pooled file wastes the least space in its last
// block once the new bytes land, creating a fresh file only when nothing
// pooled fits.
package warcpool

import (
	"sync"

	"github.com/google/uuid"

	"github.com/ndlib/lockssrepo/layout"
	"github.com/ndlib/lockssrepo/model"
)

// Pool tracks temp WARC files available for appends and which ones are
// currently checked out to a writer. A Pool is safe for concurrent use.
type Pool struct {
	blockSize    int64
	thresholdLen int64
	compressed   bool
	extension    string

	mu   sync.Mutex
	all  map[string]*model.WarcFile
	used map[string]bool
}

// Options configures a new Pool.
type Options struct {
	// BlockSize is the underlying storage's block size, used to estimate
	// last-block waste when choosing among candidate files.
	BlockSize int64
	// ThresholdLen is the maximum length a temp WARC may reach; a file
	// that would exceed it for a given write is not considered.
	ThresholdLen int64
	Compressed   bool
}

// New creates an empty pool.
func New(opts Options) *Pool {
	ext := ".warc"
	if opts.Compressed {
		ext = ".warc.gz"
	}
	return &Pool{
		blockSize:    opts.BlockSize,
		thresholdLen: opts.ThresholdLen,
		compressed:   opts.Compressed,
		extension:    ext,
		all:          make(map[string]*model.WarcFile),
		used:         make(map[string]bool),
	}
}

// Add registers an existing temp WARC (e.g. one discovered on startup) with
// the pool so it becomes a candidate for future writes.
func (p *Pool) Add(wf *model.WarcFile) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.all[wf.Path] = wf
}

// Checkout returns a temp WARC with enough headroom for bytesExpected more
// bytes, preferring whichever candidate leaves the least free space in its
// final block, and marks it in-use. The caller must call Return when done
// writing to it. Checkout creates a new, empty WarcFile if no pooled file
// has room.
func (p *Pool) Checkout(bytesExpected int64) *model.WarcFile {
	p.mu.Lock()
	defer p.mu.Unlock()

	var best *model.WarcFile
	var bestWaste int64 = -1
	for path, wf := range p.all {
		if p.used[path] {
			continue
		}
		if wf.Compressed != p.compressed {
			continue
		}
		if wf.Length+bytesExpected > p.thresholdLen {
			continue
		}
		waste := bytesUsedLastBlock(wf.Length+bytesExpected, p.blockSize)
		if waste > bestWaste {
			best = wf
			bestWaste = waste
		}
	}

	if best == nil {
		best = &model.WarcFile{
			Path:       layout.TmpWarcPath(uuid.New().String() + p.extension),
			Length:     0,
			Compressed: p.compressed,
		}
		p.all[best.Path] = best
	}

	p.used[best.Path] = true
	return best
}

// bytesUsedLastBlock computes the bytes occupied in the last block assuming
// every prior block is maximally filled.
func bytesUsedLastBlock(size, blockSize int64) int64 {
	if blockSize <= 0 {
		return size
	}
	return ((size - 1) % blockSize) + 1
}

// Return releases a checked-out WarcFile back to the pool, updating its
// recorded length so future Checkout calls see the new size. grew is the
// number of bytes appended during this checkout.
func (p *Pool) Return(wf *model.WarcFile, grew int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if existing, ok := p.all[wf.Path]; ok {
		existing.Length += grew
	}
	delete(p.used, wf.Path)
}

// InUse reports whether the temp WARC at path is currently checked out.
func (p *Pool) InUse(path string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.used[path]
}

// InPool reports whether the temp WARC at path is a member of this pool.
func (p *Pool) InPool(path string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.all[path]
	return ok
}

// Lookup returns the WarcFile registered at path, or nil if none.
func (p *Pool) Lookup(path string) *model.WarcFile {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.all[path]
}

// Remove drops the temp WARC at path from the pool (e.g. after its bytes
// have been committed into a permanent WARC) and returns it, or nil if it
// was not a member.
func (p *Pool) Remove(path string) *model.WarcFile {
	p.mu.Lock()
	defer p.mu.Unlock()
	wf, ok := p.all[path]
	if !ok {
		return nil
	}
	delete(p.all, path)
	delete(p.used, path)
	return wf
}

// Stats summarizes the pool's current allocation, the same aggregate the
// Java original logs for diagnostics.
type Stats struct {
	Files           int
	BytesUsed       int64
	BlocksAllocated int64
}

// Stats computes a snapshot of the pool's current allocation.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	var s Stats
	for _, wf := range p.all {
		s.Files++
		s.BytesUsed += wf.Length
		if p.blockSize > 0 {
			s.BlocksAllocated += (wf.Length + p.blockSize - 1) / p.blockSize
		}
	}
	return s
}
