package datastore

import (
	"path"

	"github.com/ndlib/lockssrepo/journal"
	"github.com/ndlib/lockssrepo/layout"
	"github.com/ndlib/lockssrepo/model"
	"github.com/ndlib/lockssrepo/warcrecord"
)

// RebuildIndex enumerates every permanent, sealed, and temp WARC under
// every base path, re-inserting a descriptor for each artifact record
// found, then replays every per-AU journal to restore committed/deleted
// state. It is the disaster-recovery entry point named in SPEC_FULL.md
// §4.4.
func (s *Store) RebuildIndex() error {
	if s.idx == nil {
		return model.NewIllegalState("datastore: rebuild requires an index")
	}
	for bi, b := range s.bases {
		for _, dir := range []string{layout.CollectionsDir, layout.SealedDir, layout.TmpDir} {
			for p := range b.fs.List(dir) {
				if !hasWarcExtension(p) || path.Base(p) == layout.JournalName {
					continue
				}
				if err := s.reindexWarcFile(bi, b, p); err != nil {
					return err
				}
			}
		}
	}
	for _, b := range s.bases {
		for p := range b.fs.List(layout.CollectionsDir) {
			if path.Base(p) != layout.JournalName {
				continue
			}
			if err := s.applyJournalFile(b, p); err != nil {
				return err
			}
		}
	}
	return nil
}

// reindexWarcFile scans every response record in one WARC file and inserts
// an uncommitted descriptor for each into the index.
func (s *Store) reindexWarcFile(bi int, b *baseStore, warcPath string) error {
	r, err := b.fs.OpenRead(warcPath)
	if err != nil {
		return model.WrapIoError("datastore: opening warc for rebuild", err)
	}
	defer r.Close()

	size, err := r.Size()
	if err != nil {
		return model.WrapIoError("datastore: statting warc during rebuild", err)
	}

	var offset int64
	for offset < size {
		parsed, err := warcrecord.ParseAt(r, offset)
		if err != nil {
			if warcrecord.IsMalformed(err) {
				// A torn tail at end-of-file: cut the garbage off the file
				// itself so a later append lands at a clean record boundary,
				// not after it.
				if terr := b.fs.Truncate(warcPath, offset); terr != nil {
					return model.WrapIoError("datastore: truncating torn tail during rebuild", terr)
				}
				break
			}
			return model.WrapIoError("datastore: parsing warc during rebuild", err)
		}
		if parsed.Type == warcrecord.TypeResponse {
			rh := parsed.Response
			data := &model.ArtifactData{
				Identifier:    model.ArtifactIdentifier{ID: rh.ArtifactID, Collection: rh.Collection, Auid: rh.Auid, Uri: rh.Uri, Version: rh.Version},
				ContentLength: rh.Length,
			}
			if _, err := s.idx.IndexArtifact(data); err == nil {
				url := encodeStorageURL(bi, warcPath, offset, rh.Length)
				s.idx.UpdateStorageUrl(rh.ArtifactID, url)
			}
		}
		offset = parsed.PayloadOffset + parsed.ContentLength + 4
	}
	return nil
}

// applyJournalFile folds one AU's journal into the index's committed/deleted
// flags; journal.Replay already truncates a torn tail to the last complete
// record.
func (s *Store) applyJournalFile(b *baseStore, journalPath string) error {
	j := journal.Open(b.fs, journalPath)
	states, err := j.Replay()
	if err != nil {
		return err
	}
	for id, meta := range states {
		if meta.Deleted {
			s.idx.DeleteArtifact(id)
			continue
		}
		if meta.Committed {
			s.idx.CommitArtifact(id)
			if meta.StorageUrlOverride != "" {
				s.idx.UpdateStorageUrl(id, meta.StorageUrlOverride)
			}
		}
	}
	return nil
}
