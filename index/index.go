// Package index defines the ArtifactIndex contract (SPEC_FULL.md §4.6) and
// provides two implementations: an in-memory map (volatile.go) grounded on
// the reference VolatileArtifactIndex, and a persisted SQL-backed one
// (sql.go) for deployments that need the index to survive a restart
// without a full rebuild.
package index

import "github.com/ndlib/lockssrepo/model"

// Iterator yields Artifacts one at a time. It is finite and
// non-restartable: once exhausted, a new call to the producing method is
// required to see the same artifacts again.
type Iterator struct {
	items []*model.Artifact
	pos   int
}

// NewIterator wraps a pre-computed, already-ordered slice.
func NewIterator(items []*model.Artifact) *Iterator {
	return &Iterator{items: items}
}

// Next returns the next artifact, or (nil, false) once exhausted.
func (it *Iterator) Next() (*model.Artifact, bool) {
	if it.pos >= len(it.items) {
		return nil, false
	}
	a := it.items[it.pos]
	it.pos++
	return a, true
}

// ArtifactIndex is the capability set the repository facade drives. Every
// enumeration method returns artifacts ordered per SPEC_FULL.md §4.6: within
// one AU, URL ascending then version descending; across all AUs of a
// collection, URL ascending, then origin date ascending, then AU id
// ascending, then version descending.
type ArtifactIndex interface {
	// IndexArtifact inserts data's descriptor into the index as uncommitted.
	IndexArtifact(data *model.ArtifactData) (*model.Artifact, error)

	// GetArtifactByID returns the indexed descriptor for id, or a NotFound
	// error if no such artifact is indexed.
	GetArtifactByID(id string) (*model.Artifact, error)

	// CommitArtifact marks id committed and returns its updated descriptor.
	CommitArtifact(id string) (*model.Artifact, error)

	// DeleteArtifact removes id from the index, reporting whether it was
	// present.
	DeleteArtifact(id string) (bool, error)

	// UpdateStorageUrl rewrites id's storage URL, e.g. once a background
	// copy moves its bytes out of a temp WARC.
	UpdateStorageUrl(id, url string) (*model.Artifact, error)

	// CollectionIDs lists the collections with at least one committed
	// artifact.
	CollectionIDs() ([]string, error)

	// AuIDs lists the AUs within collection that have at least one
	// committed artifact.
	AuIDs(collection string) ([]string, error)

	// GetArtifactVersion returns one specific version of (collection, auid,
	// uri), or a NotFound error if none matches (subject to
	// includeUncommitted).
	GetArtifactVersion(collection, auid, uri string, version int, includeUncommitted bool) (*model.Artifact, error)

	// GetLatestArtifact returns the highest-version match for (collection,
	// auid, uri).
	GetLatestArtifact(collection, auid, uri string, includeUncommitted bool) (*model.Artifact, error)

	// GetAllArtifactVersions returns every version of (collection, auid,
	// uri), version descending.
	GetAllArtifactVersions(collection, auid, uri string, includeUncommitted bool) (*Iterator, error)

	// GetLatestArtifactsWithPrefix returns, for each distinct URL under
	// prefix in the AU, its latest matching version.
	GetLatestArtifactsWithPrefix(collection, auid, prefix string, includeUncommitted bool) (*Iterator, error)

	// GetAllArtifactsWithPrefix returns every version of every URL under
	// prefix in the AU.
	GetAllArtifactsWithPrefix(collection, auid, prefix string, includeUncommitted bool) (*Iterator, error)

	// GetLatestArtifactsInCollectionWithPrefix is GetLatestArtifactsWithPrefix
	// without an AU restriction, spanning every AU in collection.
	GetLatestArtifactsInCollectionWithPrefix(collection, prefix string, includeUncommitted bool) (*Iterator, error)

	// GetAllArtifactsInCollectionWithPrefix is GetAllArtifactsWithPrefix
	// without an AU restriction.
	GetAllArtifactsInCollectionWithPrefix(collection, prefix string, includeUncommitted bool) (*Iterator, error)

	// AuSize sums content_length over the latest committed version of each
	// URL in the AU.
	AuSize(collection, auid string) (uint64, error)

	// Ready reports whether this index has finished any startup work
	// (rebuild, schema migration) and is safe to query.
	Ready() bool
}
