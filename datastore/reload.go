package datastore

import (
	"github.com/ndlib/lockssrepo/layout"
	"github.com/ndlib/lockssrepo/model"
	"github.com/ndlib/lockssrepo/warcrecord"
)

// reloadBase registers every temp WARC under b's temp directory with its
// pool and classifies each record found in them per SPEC_FULL.md §4.4.3's
// table.
func (s *Store) reloadBase(bi int, b *baseStore) error {
	journalCache := make(map[string]map[string]model.RepositoryArtifactMetadata)

	for p := range b.fs.List(layout.TmpDir) {
		if !hasWarcExtension(p) {
			continue
		}
		// Classify before registering with the pool: a torn tail found here
		// truncates the file on disk, so the pool must see the post-truncate
		// length, not whatever garbage the crash left on the end.
		if err := s.classifyTempWarc(bi, b, p, journalCache); err != nil {
			return err
		}
		size, err := b.fs.Size(p)
		if err != nil {
			continue
		}
		b.pool.Add(&model.WarcFile{
			Path:       p,
			Length:     size,
			Compressed: isCompressedPath(p),
		})
	}
	return nil
}

func hasWarcExtension(p string) bool {
	return stringsHasSuffix(p, ".warc") || stringsHasSuffix(p, ".warc.gz")
}

func isCompressedPath(p string) bool {
	return stringsHasSuffix(p, ".warc.gz")
}

func stringsHasSuffix(s, suffix string) bool {
	return len(s) >= len(suffix) && s[len(s)-len(suffix):] == suffix
}

// classifyTempWarc scans one temp WARC's response records and re-classifies
// each per the artifact state machine, using the owning AU's journal to
// distinguish a genuinely new record from one whose index entry was lost.
func (s *Store) classifyTempWarc(bi int, b *baseStore, path string, journalCache map[string]map[string]model.RepositoryArtifactMetadata) error {
	r, err := b.fs.OpenRead(path)
	if err != nil {
		return model.WrapIoError("datastore: opening temp warc for reload", err)
	}
	defer r.Close()

	size, err := r.Size()
	if err != nil {
		return model.WrapIoError("datastore: statting temp warc during reload", err)
	}

	var offset int64
	for offset < size {
		parsed, err := warcrecord.ParseAt(r, offset)
		if err != nil {
			if warcrecord.IsMalformed(err) {
				// Torn tail from an interrupted write: cut it off so the pool
				// registers the file at its last good record boundary rather
				// than handing out space that overlaps the garbage.
				if terr := b.fs.Truncate(path, offset); terr != nil {
					return model.WrapIoError("datastore: truncating torn tail during reload", terr)
				}
				break
			}
			return model.WrapIoError("datastore: parsing temp warc during reload", err)
		}
		if parsed.Type == warcrecord.TypeResponse {
			if err := s.classifyRecord(bi, path, offset, parsed, journalCache); err != nil {
				return err
			}
		}
		offset = parsed.PayloadOffset + parsed.ContentLength + 4
	}
	return nil
}

func (s *Store) classifyRecord(bi int, path string, offset int64, parsed *warcrecord.Parsed, journalCache map[string]map[string]model.RepositoryArtifactMetadata) error {
	rh := parsed.Response
	meta, hasMeta := s.journalState(rh.Collection, rh.Auid, journalCache)[rh.ArtifactID]

	existing, err := s.idx.GetArtifactByID(rh.ArtifactID)
	switch {
	case model.IsNotFound(err):
		switch {
		case hasMeta && meta.Deleted:
			// DELETED: nothing indexes this any more; leave for GC.
			return nil
		case hasMeta && meta.Committed && meta.StorageUrlOverride != "":
			// COPIED: the journal records the permanent location. Index the
			// artifact there; this temp record is stale, a GC candidate.
			data := &model.ArtifactData{
				Identifier:    model.ArtifactIdentifier{ID: rh.ArtifactID, Collection: rh.Collection, Auid: rh.Auid, Uri: rh.Uri, Version: rh.Version},
				ContentLength: rh.Length,
				StorageUrl:    meta.StorageUrlOverride,
			}
			if _, err := s.idx.IndexArtifact(data); err != nil {
				return err
			}
			_, err := s.idx.CommitArtifact(rh.ArtifactID)
			return err
		case hasMeta && meta.Committed:
			// Crash between the journal write and the index insert for a
			// brand new artifact. Recreate the index entry as committed
			// and resubmit its copy.
			data := &model.ArtifactData{
				Identifier:    model.ArtifactIdentifier{ID: rh.ArtifactID, Collection: rh.Collection, Auid: rh.Auid, Uri: rh.Uri, Version: rh.Version},
				ContentLength: rh.Length,
			}
			added, err := s.idx.IndexArtifact(data)
			if err != nil {
				return err
			}
			added.StorageUrl = encodeStorageURL(bi, path, offset, rh.Length)
			if _, err := s.idx.UpdateStorageUrl(rh.ArtifactID, added.StorageUrl); err != nil {
				return err
			}
			if _, err := s.idx.CommitArtifact(rh.ArtifactID); err != nil {
				return err
			}
			s.resubmitCopy(added)
			return nil
		default:
			// NOT_INDEXED: nothing has told the index about this yet.
			data := &model.ArtifactData{
				Identifier:    model.ArtifactIdentifier{ID: rh.ArtifactID, Collection: rh.Collection, Auid: rh.Auid, Uri: rh.Uri, Version: rh.Version},
				ContentLength: rh.Length,
			}
			_, err := s.idx.IndexArtifact(data)
			if err != nil {
				return err
			}
			_, err = s.idx.UpdateStorageUrl(rh.ArtifactID, encodeStorageURL(bi, path, offset, rh.Length))
			return err
		}
	case err != nil:
		return err
	default:
		if !existing.Committed {
			if parsed.Date.Before(s.clk.Now().Add(-s.opts.UncommittedExpiration)) {
				// EXPIRED: drop from the index; the record becomes a GC
				// candidate.
				_, err := s.idx.DeleteArtifact(rh.ArtifactID)
				return err
			}
			return nil // still plain UNCOMMITTED
		}
		su, err := parseStorageURL(existing.StorageUrl)
		if err != nil {
			return err
		}
		if su.path == path {
			// COMMITTED but the copy never finished; resubmit it.
			s.resubmitCopy(existing)
		}
		// else COPIED: this record is stale, a GC candidate.
		return nil
	}
}

// journalState returns (and caches) the replayed journal for (collection,
// auid), so classifying many records from the same AU only replays once.
func (s *Store) journalState(collection, auid string, cache map[string]map[string]model.RepositoryArtifactMetadata) map[string]model.RepositoryArtifactMetadata {
	key := auKey(collection, auid)
	if m, ok := cache[key]; ok {
		return m
	}
	m, err := s.journalFor(collection, auid).Replay()
	if err != nil {
		m = map[string]model.RepositoryArtifactMetadata{}
	}
	cache[key] = m
	return m
}

// resubmitCopy re-drives a commit whose journal entry exists but whose copy
// never completed, the crash-recovery path SPEC_FULL.md §4.4.5 requires.
func (s *Store) resubmitCopy(artifact *model.Artifact) {
	s.commitWG.Add(1)
	go func() {
		defer s.commitWG.Done()
		s.commitGate.Enter()
		defer s.commitGate.Leave()
		s.moveToPermanentStorage(artifact)
	}()
}
