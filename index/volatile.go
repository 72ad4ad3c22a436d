package index

import (
	"sort"
	"strings"
	"sync"

	"github.com/ndlib/lockssrepo/model"
)

// Volatile is an in-memory ArtifactIndex, not persisted across restarts.
// On startup the data store's temp-WARC reload re-adds the records it finds
// in temp WARCs; everything else comes back only through an explicit
// RebuildIndex, which rescans the WARC files and journals. Grounded on
// the reference VolatileArtifactIndex: a single map keyed by artifact id,
// guarded here by a RWMutex instead of the reference's ad-hoc
// synchronized blocks.
type Volatile struct {
	mu   sync.RWMutex
	byID map[string]*model.Artifact
}

// NewVolatile returns an empty in-memory index.
func NewVolatile() *Volatile {
	return &Volatile{byID: make(map[string]*model.Artifact)}
}

func (v *Volatile) Ready() bool { return true }

func (v *Volatile) IndexArtifact(data *model.ArtifactData) (*model.Artifact, error) {
	if data == nil {
		return nil, model.NewInvalidArgument("index: nil artifact data")
	}
	if err := data.Identifier.Validate(); err != nil {
		return nil, model.NewInvalidArgument("index: " + err.Error())
	}
	a := &model.Artifact{
		Identifier:    data.Identifier,
		Committed:     false,
		StorageUrl:    data.StorageUrl,
		ContentLength: data.ContentLength,
		ContentDigest: data.ContentDigest,
		CollectionDate: data.OriginDate,
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	v.byID[a.Identifier.ID] = a
	return a, nil
}

func (v *Volatile) GetArtifactByID(id string) (*model.Artifact, error) {
	if id == "" {
		return nil, model.NewInvalidArgument("index: empty id")
	}
	v.mu.RLock()
	defer v.mu.RUnlock()
	a, ok := v.byID[id]
	if !ok {
		return nil, model.NewNotFound("index: no artifact with id " + id)
	}
	return a, nil
}

func (v *Volatile) CommitArtifact(id string) (*model.Artifact, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	a, ok := v.byID[id]
	if !ok {
		return nil, model.NewNotFound("index: no artifact with id " + id)
	}
	a.Committed = true
	return a, nil
}

func (v *Volatile) DeleteArtifact(id string) (bool, error) {
	if id == "" {
		return false, model.NewInvalidArgument("index: empty id")
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	_, ok := v.byID[id]
	delete(v.byID, id)
	return ok, nil
}

func (v *Volatile) UpdateStorageUrl(id, url string) (*model.Artifact, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	a, ok := v.byID[id]
	if !ok {
		return nil, model.NewNotFound("index: no artifact with id " + id)
	}
	a.StorageUrl = url
	return a, nil
}

func (v *Volatile) CollectionIDs() ([]string, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	seen := map[string]bool{}
	for _, a := range v.byID {
		if a.Committed {
			seen[a.Identifier.Collection] = true
		}
	}
	return sortedKeys(seen), nil
}

func (v *Volatile) AuIDs(collection string) ([]string, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	seen := map[string]bool{}
	for _, a := range v.byID {
		if a.Committed && a.Identifier.Collection == collection {
			seen[a.Identifier.Auid] = true
		}
	}
	return sortedKeys(seen), nil
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (v *Volatile) GetArtifactVersion(collection, auid, uri string, version int, includeUncommitted bool) (*model.Artifact, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	for _, a := range v.byID {
		if matchesAU(a, collection, auid, includeUncommitted) && a.Identifier.Uri == uri && a.Identifier.Version == version {
			return a, nil
		}
	}
	return nil, model.NewNotFound("index: no matching version")
}

func (v *Volatile) GetLatestArtifact(collection, auid, uri string, includeUncommitted bool) (*model.Artifact, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	var best *model.Artifact
	for _, a := range v.byID {
		if matchesAU(a, collection, auid, includeUncommitted) && a.Identifier.Uri == uri {
			if best == nil || a.Identifier.Version > best.Identifier.Version {
				best = a
			}
		}
	}
	if best == nil {
		return nil, model.NewNotFound("index: no matching artifact")
	}
	return best, nil
}

func (v *Volatile) GetAllArtifactVersions(collection, auid, uri string, includeUncommitted bool) (*Iterator, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	var out []*model.Artifact
	for _, a := range v.byID {
		if matchesAU(a, collection, auid, includeUncommitted) && a.Identifier.Uri == uri {
			out = append(out, a)
		}
	}
	sortByVersionDesc(out)
	return NewIterator(out), nil
}

func (v *Volatile) GetLatestArtifactsWithPrefix(collection, auid, prefix string, includeUncommitted bool) (*Iterator, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	latest := map[string]*model.Artifact{}
	for _, a := range v.byID {
		if matchesAU(a, collection, auid, includeUncommitted) && strings.HasPrefix(a.Identifier.Uri, prefix) {
			cur := latest[a.Identifier.Uri]
			if cur == nil || a.Identifier.Version > cur.Identifier.Version {
				latest[a.Identifier.Uri] = a
			}
		}
	}
	return NewIterator(sortByUrlThenVersionDesc(values(latest))), nil
}

func (v *Volatile) GetAllArtifactsWithPrefix(collection, auid, prefix string, includeUncommitted bool) (*Iterator, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	var out []*model.Artifact
	for _, a := range v.byID {
		if matchesAU(a, collection, auid, includeUncommitted) && strings.HasPrefix(a.Identifier.Uri, prefix) {
			out = append(out, a)
		}
	}
	return NewIterator(sortByUrlThenVersionDesc(out)), nil
}

func (v *Volatile) GetLatestArtifactsInCollectionWithPrefix(collection, prefix string, includeUncommitted bool) (*Iterator, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	type key struct{ auid, uri string }
	latest := map[key]*model.Artifact{}
	for _, a := range v.byID {
		if matchesCollection(a, collection, includeUncommitted) && strings.HasPrefix(a.Identifier.Uri, prefix) {
			k := key{a.Identifier.Auid, a.Identifier.Uri}
			cur := latest[k]
			if cur == nil || a.Identifier.Version > cur.Identifier.Version {
				latest[k] = a
			}
		}
	}
	out := make([]*model.Artifact, 0, len(latest))
	for _, a := range latest {
		out = append(out, a)
	}
	return NewIterator(sortAllAUs(out)), nil
}

func (v *Volatile) GetAllArtifactsInCollectionWithPrefix(collection, prefix string, includeUncommitted bool) (*Iterator, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	var out []*model.Artifact
	for _, a := range v.byID {
		if matchesCollection(a, collection, includeUncommitted) && strings.HasPrefix(a.Identifier.Uri, prefix) {
			out = append(out, a)
		}
	}
	return NewIterator(sortAllAUs(out)), nil
}

func (v *Volatile) AuSize(collection, auid string) (uint64, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	latest := map[string]*model.Artifact{}
	for _, a := range v.byID {
		if a.Committed && a.Identifier.Collection == collection && a.Identifier.Auid == auid {
			cur := latest[a.Identifier.Uri]
			if cur == nil || a.Identifier.Version > cur.Identifier.Version {
				latest[a.Identifier.Uri] = a
			}
		}
	}
	var total uint64
	for _, a := range latest {
		total += uint64(a.ContentLength)
	}
	return total, nil
}

func matchesAU(a *model.Artifact, collection, auid string, includeUncommitted bool) bool {
	if a.Identifier.Collection != collection || a.Identifier.Auid != auid {
		return false
	}
	return includeUncommitted || a.Committed
}

func matchesCollection(a *model.Artifact, collection string, includeUncommitted bool) bool {
	if a.Identifier.Collection != collection {
		return false
	}
	return includeUncommitted || a.Committed
}

func values(m map[string]*model.Artifact) []*model.Artifact {
	out := make([]*model.Artifact, 0, len(m))
	for _, a := range m {
		out = append(out, a)
	}
	return out
}

func sortByVersionDesc(items []*model.Artifact) []*model.Artifact {
	sort.Slice(items, func(i, j int) bool {
		return items[i].Identifier.Version > items[j].Identifier.Version
	})
	return items
}

// sortByUrlThenVersionDesc is the within-AU ordering contract: URL
// ascending, then version descending.
func sortByUrlThenVersionDesc(items []*model.Artifact) []*model.Artifact {
	sort.Slice(items, func(i, j int) bool {
		if items[i].Identifier.Uri != items[j].Identifier.Uri {
			return items[i].Identifier.Uri < items[j].Identifier.Uri
		}
		return items[i].Identifier.Version > items[j].Identifier.Version
	})
	return items
}

// sortAllAUs is the across-AUs ordering contract: URL ascending, then
// origin date ascending, then AU id ascending, then version descending.
func sortAllAUs(items []*model.Artifact) []*model.Artifact {
	sort.Slice(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if a.Identifier.Uri != b.Identifier.Uri {
			return a.Identifier.Uri < b.Identifier.Uri
		}
		if !a.CollectionDate.Equal(b.CollectionDate) {
			return a.CollectionDate.Before(b.CollectionDate)
		}
		if a.Identifier.Auid != b.Identifier.Auid {
			return a.Identifier.Auid < b.Identifier.Auid
		}
		return a.Identifier.Version > b.Identifier.Version
	})
	return items
}
