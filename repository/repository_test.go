package repository

import (
	"io"
	"io/ioutil"
	"strings"
	"testing"
	"time"

	"github.com/ndlib/lockssrepo/clock"
	"github.com/ndlib/lockssrepo/datastore"
	"github.com/ndlib/lockssrepo/index"
	"github.com/ndlib/lockssrepo/model"
	"github.com/ndlib/lockssrepo/store"
)

func streamFor(s string) model.Stream {
	return model.NewStream(func() (io.ReadCloser, error) {
		return ioutil.NopCloser(strings.NewReader(s)), nil
	})
}

func newTestRepository(t *testing.T) *Repository {
	t.Helper()
	fs := store.NewMemFilesystem("/base")
	idx := index.NewVolatile()
	clk := clock.New()
	ds := datastore.New([]store.Filesystem{fs}, idx, clk, datastore.DefaultOptions())
	if err := ds.InitDataStore(); err != nil {
		t.Fatalf("InitDataStore: %v", err)
	}
	return New(ds, idx, clk)
}

// TestAddStampsSequentialVersions checks that successive adds of the same
// (collection, auid, uri) are stamped 1, 2, 3, ... regardless of what the
// caller put in Identifier.Version.
func TestAddStampsSequentialVersions(t *testing.T) {
	r := newTestRepository(t)

	var got []int
	for i := 0; i < 3; i++ {
		a, err := r.AddArtifactData(&model.ArtifactData{
			Identifier: model.ArtifactIdentifier{Collection: "c1", Auid: "a1", Uri: "http://h/p"},
			Payload:    streamFor("body"),
		})
		if err != nil {
			t.Fatalf("AddArtifactData #%d: %v", i, err)
		}
		got = append(got, a.Identifier.Version)
	}
	want := []int{1, 2, 3}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("version[%d] = %d, want %d", i, got[i], want[i])
		}
	}
}

// TestCommitUpdatesIndexAndMovesBytes exercises the full add -> commit ->
// get path through the facade, checking the final descriptor is committed
// and its storage URL no longer points into the temp area.
func TestCommitUpdatesIndexAndMovesBytes(t *testing.T) {
	r := newTestRepository(t)

	added, err := r.AddArtifactData(&model.ArtifactData{
		Identifier: model.ArtifactIdentifier{Collection: "c1", Auid: "a1", Uri: "http://h/p"},
		Payload:    streamFor("hello world"),
	})
	if err != nil {
		t.Fatalf("AddArtifactData: %v", err)
	}

	committed, err := r.CommitArtifactData(added.Identifier.ID)
	if err != nil {
		t.Fatalf("CommitArtifactData: %v", err)
	}
	if committed == nil {
		t.Fatal("commit returned a nil descriptor")
	}
	if !committed.Committed {
		t.Error("descriptor not marked committed")
	}

	data, err := r.GetArtifactData(committed)
	if err != nil {
		t.Fatalf("GetArtifactData: %v", err)
	}
	body, err := data.Payload.Open()
	if err != nil {
		t.Fatalf("Payload.Open: %v", err)
	}
	defer body.Close()
	b, err := ioutil.ReadAll(body)
	if err != nil {
		t.Fatalf("reading payload: %v", err)
	}
	if string(b) != "hello world" {
		t.Errorf("payload = %q, want %q", string(b), "hello world")
	}
}

// TestDeleteRemovesFromIndex checks a deleted artifact is no longer
// resolvable through the index.
func TestDeleteRemovesFromIndex(t *testing.T) {
	r := newTestRepository(t)

	added, err := r.AddArtifactData(&model.ArtifactData{
		Identifier: model.ArtifactIdentifier{Collection: "c1", Auid: "a1", Uri: "http://h/p"},
		Payload:    streamFor("gone soon"),
	})
	if err != nil {
		t.Fatalf("AddArtifactData: %v", err)
	}

	if err := r.DeleteArtifactData(added.Identifier.ID); err != nil {
		t.Fatalf("DeleteArtifactData: %v", err)
	}

	if _, err := r.GetLatestArtifact("c1", "a1", "http://h/p", true); !model.IsNotFound(err) {
		t.Errorf("expected NotFound after delete, got %v", err)
	}
}

// TestWaitReadyReturnsImmediatelyWhenReady checks the fast path: a store
// that is already ready does not wait at all.
func TestWaitReadyReturnsImmediatelyWhenReady(t *testing.T) {
	r := newTestRepository(t)
	if err := r.WaitReady(time.Second); err != nil {
		t.Fatalf("WaitReady: %v", err)
	}
}

// TestStorageInfoReportsCapacity checks storage_info delegates to the
// underlying base filesystems and reflects written bytes.
func TestStorageInfoReportsCapacity(t *testing.T) {
	r := newTestRepository(t)
	before, err := r.StorageInfo()
	if err != nil {
		t.Fatalf("StorageInfo: %v", err)
	}

	if _, err := r.AddArtifactData(&model.ArtifactData{
		Identifier: model.ArtifactIdentifier{Collection: "c1", Auid: "a1", Uri: "http://h/p"},
		Payload:    streamFor("some bytes to take up space"),
	}); err != nil {
		t.Fatalf("AddArtifactData: %v", err)
	}

	after, err := r.StorageInfo()
	if err != nil {
		t.Fatalf("StorageInfo: %v", err)
	}
	if after.Used <= before.Used {
		t.Errorf("Used did not grow: before=%d after=%d", before.Used, after.Used)
	}
}
