package datastore

import (
	"context"
	"io"
	"io/ioutil"
	"strings"
	"testing"
	"time"

	"github.com/ndlib/lockssrepo/clock"
	"github.com/ndlib/lockssrepo/index"
	"github.com/ndlib/lockssrepo/layout"
	"github.com/ndlib/lockssrepo/model"
	"github.com/ndlib/lockssrepo/store"
)

func streamFor(s string) model.Stream {
	return model.NewStream(func() (io.ReadCloser, error) {
		return ioutil.NopCloser(strings.NewReader(s)), nil
	})
}

func newTestStore(t *testing.T, opts Options) (*Store, store.Filesystem, index.ArtifactIndex) {
	t.Helper()
	fs := store.NewMemFilesystem("/base")
	idx := index.NewVolatile()
	s := New([]store.Filesystem{fs}, idx, clock.New(), opts)
	if err := s.InitDataStore(); err != nil {
		t.Fatalf("InitDataStore: %v", err)
	}
	return s, fs, idx
}

func readAll(t *testing.T, data *model.ArtifactData) string {
	t.Helper()
	r, err := data.Payload.Open()
	if err != nil {
		t.Fatalf("Payload.Open: %v", err)
	}
	defer r.Close()
	b, err := ioutil.ReadAll(r)
	if err != nil {
		t.Fatalf("reading payload: %v", err)
	}
	return string(b)
}

// TestAddCommitGetRoundTrip mirrors the round-trip scenario: add, commit,
// get must return the exact bytes written, with a digest that matches, and
// a storage URL that no longer points into the temp area.
func TestAddCommitGetRoundTrip(t *testing.T) {
	s, _, idx := newTestStore(t, DefaultOptions())

	added, err := s.AddArtifactData(&model.ArtifactData{
		Identifier: model.ArtifactIdentifier{Collection: "c1", Auid: "a1", Uri: "http://h/p", Version: 1},
		Payload:    streamFor("content string 1"),
	})
	if err != nil {
		t.Fatalf("AddArtifactData: %v", err)
	}
	if _, err := idx.IndexArtifact(&model.ArtifactData{Identifier: added.Identifier, ContentLength: added.ContentLength, ContentDigest: added.ContentDigest, StorageUrl: added.StorageUrl}); err != nil {
		t.Fatalf("IndexArtifact: %v", err)
	}
	if added.ContentLength != 16 {
		t.Errorf("ContentLength = %d, want 16", added.ContentLength)
	}
	if added.Identifier.ID == "" {
		t.Fatal("AddArtifactData did not assign an id")
	}

	f := s.CommitArtifactData(added)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	committed, err := f.Wait(ctx)
	if err != nil {
		t.Fatalf("commit future: %v", err)
	}
	if isTempPath(mustParse(t, committed.StorageUrl).path) {
		t.Error("storage url still points into temp area after commit")
	}

	data, err := s.GetArtifactData(committed)
	if err != nil {
		t.Fatalf("GetArtifactData: %v", err)
	}
	if got := readAll(t, data); got != "content string 1" {
		t.Errorf("payload = %q, want %q", got, "content string 1")
	}
	if data.ContentDigest != added.ContentDigest {
		t.Errorf("digest changed across commit: %s vs %s", data.ContentDigest, added.ContentDigest)
	}
}

func mustParse(t *testing.T, raw string) storageURL {
	t.Helper()
	su, err := parseStorageURL(raw)
	if err != nil {
		t.Fatalf("parseStorageURL(%q): %v", raw, err)
	}
	return su
}

// TestCommitIsIdempotent exercises re-commit: a second commit of the
// already-permanent descriptor must be a no-op, not a duplicate copy.
func TestCommitIsIdempotent(t *testing.T) {
	s, fs, idx := newTestStore(t, DefaultOptions())

	added, err := s.AddArtifactData(&model.ArtifactData{
		Identifier: model.ArtifactIdentifier{Collection: "c1", Auid: "a1", Uri: "http://h/p", Version: 1},
		Payload:    streamFor("hello"),
	})
	if err != nil {
		t.Fatalf("AddArtifactData: %v", err)
	}
	if _, err := idx.IndexArtifact(&model.ArtifactData{Identifier: added.Identifier, ContentLength: added.ContentLength, ContentDigest: added.ContentDigest, StorageUrl: added.StorageUrl}); err != nil {
		t.Fatalf("IndexArtifact: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	first, err := s.CommitArtifactData(added).Wait(ctx)
	if err != nil {
		t.Fatalf("first commit: %v", err)
	}

	sizeBefore, _ := fs.Size(mustParse(t, first.StorageUrl).path)

	second, err := s.CommitArtifactData(first).Wait(ctx)
	if err != nil {
		t.Fatalf("second commit: %v", err)
	}
	if second.StorageUrl != first.StorageUrl {
		t.Errorf("re-commit changed storage url: %s -> %s", first.StorageUrl, second.StorageUrl)
	}
	sizeAfter, _ := fs.Size(mustParse(t, first.StorageUrl).path)
	if sizeAfter != sizeBefore {
		t.Errorf("re-commit duplicated bytes: size %d -> %d", sizeBefore, sizeAfter)
	}
}

// TestSealsActiveWarcOnThreshold forces a seal by using a tiny threshold,
// then checks a sealed file appears under the sealed directory.
func TestSealsActiveWarcOnThreshold(t *testing.T) {
	opts := DefaultOptions()
	opts.ThresholdWarcSize = 1
	s, fs, _ := newTestStore(t, opts)

	for i := 0; i < 3; i++ {
		added, err := s.AddArtifactData(&model.ArtifactData{
			Identifier: model.ArtifactIdentifier{Collection: "c1", Auid: "a1", Uri: "http://h/p", Version: i + 1},
			Payload:    streamFor("some payload bytes"),
		})
		if err != nil {
			t.Fatalf("AddArtifactData: %v", err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		_, err = s.CommitArtifactData(added).Wait(ctx)
		cancel()
		if err != nil {
			t.Fatalf("commit: %v", err)
		}
	}

	var sealedCount int
	for range fs.List(layout.SealedDir) {
		sealedCount++
	}
	if sealedCount == 0 {
		t.Error("expected at least one sealed warc with a 1-byte threshold")
	}
}

// TestDeleteThenCommitResultsInNilDescriptor checks that a delete racing a
// commit lets the deletion win, per the commit-on-deleted-artifact rule.
func TestDeleteThenCommitResultsInNilDescriptor(t *testing.T) {
	s, _, idx := newTestStore(t, DefaultOptions())

	added, err := s.AddArtifactData(&model.ArtifactData{
		Identifier: model.ArtifactIdentifier{Collection: "c1", Auid: "a1", Uri: "http://h/p", Version: 1},
		Payload:    streamFor("x"),
	})
	if err != nil {
		t.Fatalf("AddArtifactData: %v", err)
	}
	if _, err := idx.IndexArtifact(&model.ArtifactData{Identifier: added.Identifier, ContentLength: added.ContentLength}); err != nil {
		t.Fatalf("IndexArtifact: %v", err)
	}
	if _, err := idx.DeleteArtifact(added.Identifier.ID); err != nil {
		t.Fatalf("DeleteArtifact: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	result, err := s.CommitArtifactData(added).Wait(ctx)
	if err != nil {
		t.Fatalf("commit after delete: %v", err)
	}
	if result != nil {
		t.Errorf("expected nil descriptor when deletion wins, got %+v", result)
	}
}

// TestReloadRecoversUncommittedRecord simulates a restart: a temp WARC with
// a record that was never indexed (e.g. the process died right after
// AddArtifactData) must come back as an uncommitted index entry on reload.
func TestReloadRecoversUncommittedRecord(t *testing.T) {
	fs := store.NewMemFilesystem("/base")
	idxA := index.NewVolatile()
	storeA := New([]store.Filesystem{fs}, idxA, clock.New(), DefaultOptions())
	if err := storeA.InitDataStore(); err != nil {
		t.Fatalf("InitDataStore: %v", err)
	}

	added, err := storeA.AddArtifactData(&model.ArtifactData{
		Identifier: model.ArtifactIdentifier{Collection: "c1", Auid: "a1", Uri: "http://h/p", Version: 1},
		Payload:    streamFor("recovered"),
	})
	if err != nil {
		t.Fatalf("AddArtifactData: %v", err)
	}

	// idxA never learns about this artifact; simulate the crash by
	// starting a fresh store and index over the same filesystem.
	idxB := index.NewVolatile()
	storeB := New([]store.Filesystem{fs}, idxB, clock.New(), DefaultOptions())
	if err := storeB.InitDataStore(); err != nil {
		t.Fatalf("InitDataStore (reload): %v", err)
	}

	got, err := idxB.GetArtifactByID(added.Identifier.ID)
	if err != nil {
		t.Fatalf("GetArtifactByID after reload: %v", err)
	}
	if got.Committed {
		t.Error("recovered record should be UNCOMMITTED, not committed")
	}
}

// TestGCSweepRemovesCopiedRecord checks that once a record has been copied
// to permanent storage, GC reclaims the temp WARC that held it.
func TestGCSweepRemovesCopiedRecord(t *testing.T) {
	s, fs, idx := newTestStore(t, DefaultOptions())

	added, err := s.AddArtifactData(&model.ArtifactData{
		Identifier: model.ArtifactIdentifier{Collection: "c1", Auid: "a1", Uri: "http://h/p", Version: 1},
		Payload:    streamFor("gc me"),
	})
	if err != nil {
		t.Fatalf("AddArtifactData: %v", err)
	}
	if _, err := idx.IndexArtifact(&model.ArtifactData{Identifier: added.Identifier, ContentLength: added.ContentLength, ContentDigest: added.ContentDigest, StorageUrl: added.StorageUrl}); err != nil {
		t.Fatalf("IndexArtifact: %v", err)
	}
	if _, err := idx.CommitArtifact(added.Identifier.ID); err != nil {
		t.Fatalf("CommitArtifact: %v", err)
	}
	tempPath := mustParse(t, added.StorageUrl).path

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	_, err = s.CommitArtifactData(added).Wait(ctx)
	cancel()
	if err != nil {
		t.Fatalf("commit: %v", err)
	}

	s.GCSweepOnce()

	if _, err := fs.Size(tempPath); err != store.ErrNotExist {
		t.Errorf("expected temp warc to be gc'd, got err=%v", err)
	}
}

// TestGCSweepKeepsUncommittedRecord checks GC never reclaims a temp WARC
// that still holds an uncommitted (or committed-but-not-yet-copied) record.
func TestGCSweepKeepsUncommittedRecord(t *testing.T) {
	s, fs, idx := newTestStore(t, DefaultOptions())

	added, err := s.AddArtifactData(&model.ArtifactData{
		Identifier: model.ArtifactIdentifier{Collection: "c1", Auid: "a1", Uri: "http://h/p", Version: 1},
		Payload:    streamFor("keep me"),
	})
	if err != nil {
		t.Fatalf("AddArtifactData: %v", err)
	}
	if _, err := idx.IndexArtifact(&model.ArtifactData{Identifier: added.Identifier, ContentLength: added.ContentLength}); err != nil {
		t.Fatalf("IndexArtifact: %v", err)
	}
	tempPath := mustParse(t, added.StorageUrl).path

	s.GCSweepOnce()

	if _, err := fs.Size(tempPath); err != nil {
		t.Errorf("uncommitted record's temp warc was reclaimed: %v", err)
	}
}

// TestVerifyFixityDetectsMismatch checks that a digest mismatch introduced
// after ingest is reported by VerifyFixity.
func TestVerifyFixityDetectsMismatch(t *testing.T) {
	s, fs, idx := newTestStore(t, DefaultOptions())

	added, err := s.AddArtifactData(&model.ArtifactData{
		Identifier: model.ArtifactIdentifier{Collection: "c1", Auid: "a1", Uri: "http://h/p", Version: 1},
		Payload:    streamFor("original bytes"),
	})
	if err != nil {
		t.Fatalf("AddArtifactData: %v", err)
	}
	added.ContentDigest = "sha256:0000000000000000000000000000000000000000000000000000000000000"
	if _, err := idx.IndexArtifact(&model.ArtifactData{Identifier: added.Identifier, ContentLength: added.ContentLength, ContentDigest: added.ContentDigest}); err != nil {
		t.Fatalf("IndexArtifact: %v", err)
	}
	if _, err := idx.CommitArtifact(added.Identifier.ID); err != nil {
		t.Fatalf("CommitArtifact: %v", err)
	}
	if _, err := idx.UpdateStorageUrl(added.Identifier.ID, added.StorageUrl); err != nil {
		t.Fatalf("UpdateStorageUrl: %v", err)
	}
	_ = fs

	results := s.VerifyFixity(1 << 30)
	var got FixityResult
	for r := range results {
		got = r
	}
	if got.ArtifactID != added.Identifier.ID {
		t.Fatalf("no fixity result for the artifact, got %+v", got)
	}
	if got.Ok {
		t.Error("expected fixity mismatch to be flagged")
	}
}
