package model

import (
	"io"
	"testing"
)

func TestArtifactIdentifierValidate(t *testing.T) {
	var table = []struct {
		id      ArtifactIdentifier
		wantErr bool
	}{
		{ArtifactIdentifier{ID: "x", Collection: "c", Auid: "a", Uri: "u", Version: 1}, false},
		{ArtifactIdentifier{ID: "", Collection: "c", Auid: "a", Uri: "u", Version: 1}, true},
		{ArtifactIdentifier{ID: "x", Collection: "", Auid: "a", Uri: "u", Version: 1}, true},
		{ArtifactIdentifier{ID: "x", Collection: "c", Auid: "", Uri: "u", Version: 1}, true},
		{ArtifactIdentifier{ID: "x", Collection: "c", Auid: "a", Uri: "", Version: 1}, true},
		{ArtifactIdentifier{ID: "x", Collection: "c", Auid: "a", Uri: "u", Version: 0}, true},
	}
	for _, e := range table {
		err := e.id.Validate()
		if (err != nil) != e.wantErr {
			t.Errorf("Validate(%+v) = %v, wantErr %v", e.id, err, e.wantErr)
		}
	}
}

type nopCloser struct{}

func (nopCloser) Read(p []byte) (int, error) { return 0, nil }
func (nopCloser) Close() error               { return nil }

func TestStreamOpenTwiceFails(t *testing.T) {
	s := NewStream(func() (io.ReadCloser, error) { return nopCloser{}, nil })
	if _, err := s.Open(); err != nil {
		t.Fatalf("first Open: %v", err)
	}
	if _, err := s.Open(); err != ErrStreamAlreadyConsumed {
		t.Errorf("second Open = %v, want ErrStreamAlreadyConsumed", err)
	}
}

func TestParseStorageUrlRoundTrip(t *testing.T) {
	var table = []struct {
		raw     string
		wantErr bool
	}{
		{"volatile:///tmp/warcs/x.warc?offset=10&length=20", false},
		{"file:///base/sealed/x.warc", false},
		{"not a url", true},
		{"file:///base/x?offset=10", true},
		{"://broken", true},
	}
	for _, e := range table {
		u, err := ParseStorageUrl(e.raw)
		if (err != nil) != e.wantErr {
			t.Errorf("ParseStorageUrl(%q) err = %v, wantErr %v", e.raw, err, e.wantErr)
			continue
		}
		if err != nil {
			if !IsInvalidArgument(err) {
				t.Errorf("ParseStorageUrl(%q) error kind not InvalidArgument: %v", e.raw, err)
			}
			continue
		}
		_ = u
	}
}

func TestNewStorageUrlString(t *testing.T) {
	u := NewStorageUrl("volatile", "/tmp/warcs/a.warc", 5, 10)
	round, err := ParseStorageUrl(u.String())
	if err != nil {
		t.Fatalf("ParseStorageUrl(%q): %v", u.String(), err)
	}
	if round.Offset != 5 || round.Length != 10 || round.Path != "/tmp/warcs/a.warc" {
		t.Errorf("round trip = %+v, want offset=5 length=10 path=/tmp/warcs/a.warc", round)
	}
}
