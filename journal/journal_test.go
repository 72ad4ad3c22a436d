package journal

import (
	"testing"

	"github.com/ndlib/lockssrepo/model"
	"github.com/ndlib/lockssrepo/store"
)

func TestAppendAndReplay(t *testing.T) {
	fs := store.NewMemFilesystem("/base")
	j := Open(fs, "collections/c1/au-x/lockss-repo.warc")

	if err := j.Append(model.RepositoryArtifactMetadata{ArtifactID: "a1", Committed: true}); err != nil {
		t.Fatalf("Append a1: %v", err)
	}
	if err := j.Append(model.RepositoryArtifactMetadata{ArtifactID: "a2", Committed: true}); err != nil {
		t.Fatalf("Append a2: %v", err)
	}
	// a1 is later deleted; this should override the earlier record on replay.
	if err := j.Append(model.RepositoryArtifactMetadata{ArtifactID: "a1", Committed: true, Deleted: true}); err != nil {
		t.Fatalf("Append a1 delete: %v", err)
	}

	metas, err := j.Replay()
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if len(metas) != 2 {
		t.Fatalf("Replay returned %d entries, want 2", len(metas))
	}
	if !metas["a1"].Deleted {
		t.Error("a1 should be marked deleted after replay (last-write-wins)")
	}
	if metas["a2"].Deleted {
		t.Error("a2 should not be marked deleted")
	}
}

func TestReplayMissingJournalIsEmptyNotError(t *testing.T) {
	fs := store.NewMemFilesystem("/base")
	j := Open(fs, "collections/c1/au-y/lockss-repo.warc")

	metas, err := j.Replay()
	if err != nil {
		t.Fatalf("Replay on missing journal: %v", err)
	}
	if len(metas) != 0 {
		t.Errorf("Replay on missing journal returned %d entries, want 0", len(metas))
	}
}

func TestReplayPreservesStorageUrlOverride(t *testing.T) {
	fs := store.NewMemFilesystem("/base")
	j := Open(fs, "collections/c1/au-z/lockss-repo.warc")

	if err := j.Append(model.RepositoryArtifactMetadata{
		ArtifactID:         "a3",
		Committed:          true,
		StorageUrlOverride: "file:///base/sealed/x.warc?offset=10&length=20",
	}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	metas, err := j.Replay()
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if metas["a3"].StorageUrlOverride == "" {
		t.Error("StorageUrlOverride lost on replay")
	}
}
