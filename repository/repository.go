// Package repository implements the facade that orchestrates the artifact
// index and the WARC data store so the invariants of a versioned artifact
// repository hold across both (SPEC_FULL.md §4.7): assigning versions on
// add, sequencing the journal write before the copy on commit, and keeping
// delete's two steps in the right order. It is the direct analogue of
// items.Store, generalized from one BundleStore to an index/data-store pair.
package repository

import (
	"context"
	"time"

	"github.com/ndlib/lockssrepo/clock"
	"github.com/ndlib/lockssrepo/datastore"
	"github.com/ndlib/lockssrepo/index"
	"github.com/ndlib/lockssrepo/model"
	"github.com/ndlib/lockssrepo/store"
)

// Repository is the boundary type embedding hosts drive: add, commit,
// delete, and look up artifacts without knowing how the index and data
// store cooperate to do it.
type Repository struct {
	ds  *datastore.Store
	idx index.ArtifactIndex
	clk clock.Clock
}

// New builds a Repository over an already-constructed data store and index.
// Callers must call ds.InitDataStore before passing it in.
func New(ds *datastore.Store, idx index.ArtifactIndex, clk clock.Clock) *Repository {
	return &Repository{ds: ds, idx: idx, clk: clk}
}

// AddArtifactData stamps the next version onto data's identifier (1 + the
// highest existing version of the same (collection, auid, uri), including
// uncommitted ones), writes it into the data store, then indexes it. If
// indexing fails after the store write, the bytes are left unreferenced for
// the next GC sweep to reclaim rather than retried.
func (r *Repository) AddArtifactData(data *model.ArtifactData) (*model.Artifact, error) {
	if data == nil {
		return nil, model.NewInvalidArgument("repository: artifact data must not be nil")
	}
	id := data.Identifier
	version, err := r.nextVersion(id.Collection, id.Auid, id.Uri)
	if err != nil {
		return nil, err
	}
	data.Identifier.Version = version

	added, err := r.ds.AddArtifactData(data)
	if err != nil {
		return nil, err
	}
	indexed, err := r.idx.IndexArtifact(&model.ArtifactData{
		Identifier:    added.Identifier,
		ContentLength: added.ContentLength,
		ContentDigest: added.ContentDigest,
		OriginDate:    added.CollectionDate,
		StorageUrl:    added.StorageUrl,
	})
	if err != nil {
		return nil, err
	}
	return indexed, nil
}

func (r *Repository) nextVersion(collection, auid, uri string) (int, error) {
	latest, err := r.idx.GetLatestArtifact(collection, auid, uri, true)
	if model.IsNotFound(err) {
		return 1, nil
	}
	if err != nil {
		return 0, err
	}
	return latest.Identifier.Version + 1, nil
}

// CommitArtifactData marks id committed in the index, submits the copy to
// permanent storage, and blocks until that copy lands (or fails), updating
// the index's storage URL to match. It returns the post-copy descriptor, or
// nil if a concurrent delete won the race.
func (r *Repository) CommitArtifactData(id string) (*model.Artifact, error) {
	artifact, err := r.idx.GetArtifactByID(id)
	if err != nil {
		return nil, err
	}
	if !artifact.Committed {
		artifact, err = r.idx.CommitArtifact(id)
		if err != nil {
			return nil, err
		}
	}
	return r.ds.CommitArtifactData(artifact).Wait(context.Background())
}

// DeleteArtifactData removes id from the data store's bookkeeping (its
// on-disk bytes are reclaimed later by GC) and then from the index.
func (r *Repository) DeleteArtifactData(id string) error {
	artifact, err := r.idx.GetArtifactByID(id)
	if err != nil {
		return err
	}
	if err := r.ds.DeleteArtifactData(artifact); err != nil {
		return err
	}
	_, err = r.idx.DeleteArtifact(id)
	return err
}

// GetArtifactData opens the content behind a descriptor obtained from one
// of the lookup methods below.
func (r *Repository) GetArtifactData(artifact *model.Artifact) (*model.ArtifactData, error) {
	return r.ds.GetArtifactData(artifact)
}

// GetLatestArtifact, GetArtifactVersion, and the enumeration methods below
// are straight delegations to the index; the facade adds nothing to a pure
// lookup.

func (r *Repository) GetLatestArtifact(collection, auid, uri string, includeUncommitted bool) (*model.Artifact, error) {
	return r.idx.GetLatestArtifact(collection, auid, uri, includeUncommitted)
}

func (r *Repository) GetArtifactVersion(collection, auid, uri string, version int, includeUncommitted bool) (*model.Artifact, error) {
	return r.idx.GetArtifactVersion(collection, auid, uri, version, includeUncommitted)
}

func (r *Repository) GetAllArtifactVersions(collection, auid, uri string, includeUncommitted bool) (*index.Iterator, error) {
	return r.idx.GetAllArtifactVersions(collection, auid, uri, includeUncommitted)
}

func (r *Repository) GetArtifactsWithPrefix(collection, auid, prefix string, latestOnly, includeUncommitted bool) (*index.Iterator, error) {
	if latestOnly {
		return r.idx.GetLatestArtifactsWithPrefix(collection, auid, prefix, includeUncommitted)
	}
	return r.idx.GetAllArtifactsWithPrefix(collection, auid, prefix, includeUncommitted)
}

func (r *Repository) AuSize(collection, auid string) (uint64, error) {
	return r.idx.AuSize(collection, auid)
}

// IsReady reports the readiness condition of SPEC_FULL.md §5: the data
// store has finished its reload and started GC, and the index reports
// ready.
func (r *Repository) IsReady() bool {
	return r.ds.Ready() && r.idx.Ready()
}

// WaitReady blocks until IsReady holds or deadline elapses, retrying with
// exponential backoff capped at one second, per SPEC_FULL.md §5's readiness
// wait contract.
func (r *Repository) WaitReady(deadline time.Duration) error {
	const maxBackoff = time.Second
	deadlineAt := r.clk.Now().Add(deadline)
	backoff := 10 * time.Millisecond
	for {
		if r.IsReady() {
			return nil
		}
		if r.clk.Now().After(deadlineAt) {
			return model.NewIllegalState("repository: not ready before deadline")
		}
		<-r.clk.After(backoff)
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// StorageInfo reports aggregate capacity across every configured base path.
func (r *Repository) StorageInfo() (store.Info, error) {
	return r.ds.StorageInfo()
}

// RebuildIndex re-derives the index from scratch by rescanning every WARC
// file and replaying every AU's journal; see (*datastore.Store).RebuildIndex.
func (r *Repository) RebuildIndex() error {
	return r.ds.RebuildIndex()
}
