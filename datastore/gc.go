package datastore

import (
	"github.com/facebookgo/stats"

	"github.com/ndlib/lockssrepo/layout"
	"github.com/ndlib/lockssrepo/model"
	"github.com/ndlib/lockssrepo/warcrecord"
)

// runGC is the background loop started by InitDataStore, paced by
// opts.GCInterval, the same periodic-background-goroutine shape the
// reference cache's expiration loop uses.
func (s *Store) runGC() {
	defer close(s.gcDone)
	if s.opts.GCInterval <= 0 {
		return
	}
	t := s.clk.Ticker(s.opts.GCInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			s.GCSweepOnce()
		case <-s.gcStop:
			return
		}
	}
}

// GCSweepOnce runs one pass of temp WARC garbage collection: any temp WARC
// not currently checked out whose every record is COPIED, EXPIRED, or
// DELETED is unlinked and dropped from its pool (SPEC_FULL.md §4.4,
// garbage_collect_temp_warcs).
func (s *Store) GCSweepOnce() {
	timer := stats.BumpTime(s.Stats, "datastore.gc.sweep")
	defer timer.End()
	for _, b := range s.bases {
		for p := range b.fs.List(layout.TmpDir) {
			if !hasWarcExtension(p) || b.pool.InUse(p) {
				continue
			}
			reclaimable, err := s.isReclaimable(b, p)
			if err != nil || !reclaimable {
				continue
			}
			b.pool.Remove(p)
			b.fs.Remove(p)
			stats.BumpSum(s.Stats, "datastore.gc.files_removed", 1)
		}
	}
}

// isReclaimable reports whether every artifact record in the temp WARC at
// path has left the UNCOMMITTED/COMMITTED states: either it is no longer
// indexed at all (DELETED or EXPIRED), or it is indexed but committed with
// its storage URL pointing somewhere other than this file (COPIED).
func (s *Store) isReclaimable(b *baseStore, path string) (bool, error) {
	r, err := b.fs.OpenRead(path)
	if err != nil {
		return false, model.WrapIoError("datastore: opening temp warc for gc scan", err)
	}
	defer r.Close()

	size, err := r.Size()
	if err != nil {
		return false, model.WrapIoError("datastore: statting temp warc for gc scan", err)
	}

	var offset int64
	for offset < size {
		parsed, err := warcrecord.ParseAt(r, offset)
		if err != nil {
			if warcrecord.IsMalformed(err) {
				break
			}
			return false, model.WrapIoError("datastore: parsing temp warc for gc scan", err)
		}
		if parsed.Type == warcrecord.TypeResponse {
			existing, err := s.idx.GetArtifactByID(parsed.Response.ArtifactID)
			switch {
			case model.IsNotFound(err):
				// DELETED or EXPIRED: reclaimable.
			case err != nil:
				return false, err
			case !existing.Committed:
				return false, nil // still UNCOMMITTED
			default:
				su, err := parseStorageURL(existing.StorageUrl)
				if err != nil {
					return false, err
				}
				if su.path == path {
					return false, nil // still COMMITTED, copy pending
				}
			}
		}
		offset = parsed.PayloadOffset + parsed.ContentLength + 4
	}
	return true, nil
}
