// Package journal implements the per-AU repository metadata journal
// (SPEC_FULL.md §4.5): an append-only WARC-framed file of warcinfo records,
// each carrying one artifact's committed/deleted state, replayed
// last-write-wins to recover an AU's metadata after a restart.
package journal

import (
	"io"
	"sync"

	"github.com/ndlib/lockssrepo/model"
	"github.com/ndlib/lockssrepo/store"
	"github.com/ndlib/lockssrepo/warcrecord"
)

// Journal is one AU's metadata journal file. A Journal is safe for
// concurrent use; all appends and replays go through a single per-file
// lock, matching one writer goroutine per AU in the data store above it.
type Journal struct {
	fs   store.Filesystem
	path string

	mu sync.Mutex
}

// Open returns a handle to the journal file at path, creating nothing yet;
// the file is created lazily on the first Append.
func Open(fs store.Filesystem, path string) *Journal {
	return &Journal{fs: fs, path: path}
}

// Append writes one metadata record to the journal, recording the current
// state of the named artifact. It is the only mutation this package
// performs; there is no in-place update, only further appends, so Replay
// always sees every state an artifact ever passed through.
func (j *Journal) Append(meta model.RepositoryArtifactMetadata) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	payload, err := warcrecord.EncodeJournalFields(warcrecord.JournalFields{
		ArtifactID:         meta.ArtifactID,
		Committed:          meta.Committed,
		Deleted:            meta.Deleted,
		StorageUrlOverride: meta.StorageUrlOverride,
	})
	if err != nil {
		return model.WrapIoError("journal: encoding record", err)
	}

	w, err := j.fs.OpenAppend(j.path)
	if err != nil {
		return model.WrapIoError("journal: opening for append", err)
	}
	defer w.Close()

	if _, err := warcrecord.WriteWarcinfo(w, payload); err != nil {
		return model.WrapIoError("journal: writing record", err)
	}
	return nil
}

// Replay reads the journal from the start and returns the last recorded
// state of every artifact ID mentioned in it, applying records in file
// order so a later record always overrides an earlier one for the same ID.
func (j *Journal) Replay() (map[string]model.RepositoryArtifactMetadata, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	result := make(map[string]model.RepositoryArtifactMetadata)

	r, err := j.fs.OpenRead(j.path)
	if err != nil {
		if err == store.ErrNotExist {
			return result, nil
		}
		return nil, model.WrapIoError("journal: opening for replay", err)
	}
	defer r.Close()

	size, err := r.Size()
	if err != nil {
		return nil, model.WrapIoError("journal: stat during replay", err)
	}

	var offset int64
	for offset < size {
		parsed, err := warcrecord.ParseAt(r, offset)
		if err != nil {
			if warcrecord.IsMalformed(err) {
				// Truncated trailing record from an interrupted append: cut
				// it off the file so the next Append lands at a clean record
				// boundary instead of after the garbage.
				if terr := j.fs.Truncate(j.path, offset); terr != nil {
					return nil, model.WrapIoError("journal: truncating torn tail", terr)
				}
				break
			}
			return nil, model.WrapIoError("journal: parsing record", err)
		}

		payload := make([]byte, parsed.ContentLength)
		if _, err := readFull(r, payload, parsed.PayloadOffset); err != nil {
			if terr := j.fs.Truncate(j.path, offset); terr != nil {
				return nil, model.WrapIoError("journal: truncating torn tail", terr)
			}
			break
		}

		fields, err := warcrecord.DecodeJournalFields(payload)
		if err != nil {
			return nil, err
		}
		result[fields.ArtifactID] = model.RepositoryArtifactMetadata{
			ArtifactID:         fields.ArtifactID,
			Committed:          fields.Committed,
			Deleted:            fields.Deleted,
			StorageUrlOverride: fields.StorageUrlOverride,
		}

		// Advance past this record's trailing blank line (\r\n\r\n).
		offset = parsed.PayloadOffset + parsed.ContentLength + 4
	}
	return result, nil
}

func readFull(r store.ReaderAt, buf []byte, offset int64) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.ReadAt(buf[total:], offset+int64(total))
		total += n
		if err != nil {
			if err == io.EOF && total == len(buf) {
				return total, nil
			}
			return total, err
		}
	}
	return total, nil
}
