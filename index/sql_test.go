package index

import (
	"testing"

	"github.com/ndlib/lockssrepo/model"
)

func openTestSQL(t *testing.T) *SQL {
	t.Helper()
	s, err := OpenSQL("ql", "memory")
	if err != nil {
		t.Fatalf("OpenSQL: %v", err)
	}
	return s
}

func TestSQLIndexAndGet(t *testing.T) {
	s := openTestSQL(t)
	data := &model.ArtifactData{
		Identifier:    model.ArtifactIdentifier{ID: "id1", Collection: "c1", Auid: "a1", Uri: "http://h/p", Version: 1},
		ContentLength: 11,
	}
	if _, err := s.IndexArtifact(data); err != nil {
		t.Fatalf("IndexArtifact: %v", err)
	}

	got, err := s.GetArtifactByID("id1")
	if err != nil {
		t.Fatalf("GetArtifactByID: %v", err)
	}
	if got.Identifier.Uri != "http://h/p" || got.Committed {
		t.Errorf("got %+v", got)
	}

	if _, err := s.GetArtifactByID("missing"); !model.IsNotFound(err) {
		t.Errorf("expected NotFound, got %v", err)
	}
}

func TestSQLCommitAndDelete(t *testing.T) {
	s := openTestSQL(t)
	data := &model.ArtifactData{
		Identifier: model.ArtifactIdentifier{ID: "id2", Collection: "c1", Auid: "a1", Uri: "http://h/q", Version: 1},
	}
	if _, err := s.IndexArtifact(data); err != nil {
		t.Fatalf("IndexArtifact: %v", err)
	}

	a, err := s.CommitArtifact("id2")
	if err != nil || !a.Committed {
		t.Fatalf("CommitArtifact: %v %+v", err, a)
	}

	ok, err := s.DeleteArtifact("id2")
	if err != nil || !ok {
		t.Fatalf("DeleteArtifact: %v %v", err, ok)
	}
	if _, err := s.GetArtifactByID("id2"); !model.IsNotFound(err) {
		t.Error("artifact should be gone after delete")
	}
}

func TestSQLVersioningAndAuSize(t *testing.T) {
	s := openTestSQL(t)
	for i, length := range []int64{10, 20, 30} {
		data := &model.ArtifactData{
			Identifier:    model.ArtifactIdentifier{ID: "v" + string(rune('1'+i)), Collection: "c2", Auid: "a2", Uri: "http://h/u1", Version: i + 1},
			ContentLength: length,
		}
		if _, err := s.IndexArtifact(data); err != nil {
			t.Fatalf("IndexArtifact: %v", err)
		}
	}
	s.CommitArtifact("v1")
	s.CommitArtifact("v3")
	// v2 left uncommitted.

	latest, err := s.GetLatestArtifact("c2", "a2", "http://h/u1", false)
	if err != nil {
		t.Fatalf("GetLatestArtifact: %v", err)
	}
	if latest.Identifier.Version != 3 {
		t.Errorf("latest version = %d, want 3", latest.Identifier.Version)
	}

	size, err := s.AuSize("c2", "a2")
	if err != nil {
		t.Fatalf("AuSize: %v", err)
	}
	if size != 30 {
		t.Errorf("AuSize = %d, want 30", size)
	}
}
