package warcrecord

import (
	"bytes"
	"strings"
	"testing"
)

type sliceReaderAt []byte

func (s sliceReaderAt) ReadAt(p []byte, off int64) (int, error) {
	if off >= int64(len(s)) {
		return 0, errEOF
	}
	n := copy(p, s[off:])
	if n < len(p) {
		return n, errEOF
	}
	return n, nil
}

type eofError struct{}

func (eofError) Error() string { return "EOF" }

var errEOF = eofError{}

func TestWriteAndParseResponse(t *testing.T) {
	var table = []struct {
		payload string
	}{
		{"hello world"},
		{""},
		{strings.Repeat("x", 5000)},
	}

	for _, e := range table {
		var buf bytes.Buffer
		rh := ResponseHeader{
			ArtifactID: "art-1",
			Collection: "c1",
			Auid:       "a1",
			Uri:        "http://h/p",
			Version:    1,
			Length:     int64(len(e.payload)),
		}
		n, err := WriteResponse(&buf, rh, strings.NewReader(e.payload), int64(len(e.payload)))
		if err != nil {
			t.Fatalf("WriteResponse: %v", err)
		}
		if n != int64(buf.Len()) {
			t.Errorf("WriteResponse returned %d, buffer has %d bytes", n, buf.Len())
		}

		parsed, err := ParseAt(sliceReaderAt(buf.Bytes()), 0)
		if err != nil {
			t.Fatalf("ParseAt: %v", err)
		}
		if parsed.Type != TypeResponse {
			t.Errorf("Type = %q, want response", parsed.Type)
		}
		if parsed.Response.ArtifactID != "art-1" || parsed.Response.Uri != "http://h/p" {
			t.Errorf("Response header mismatch: %+v", parsed.Response)
		}
		if parsed.ContentLength != int64(len(e.payload)) {
			t.Errorf("ContentLength = %d, want %d", parsed.ContentLength, len(e.payload))
		}

		sr := bytes.NewBuffer(nil)
		section := make([]byte, parsed.ContentLength)
		nn, err := sliceReaderAt(buf.Bytes()).ReadAt(section, parsed.PayloadOffset)
		if err != nil && nn != len(section) {
			t.Fatalf("reading payload: %v", err)
		}
		sr.Write(section)
		if sr.String() != e.payload {
			t.Errorf("payload = %q, want %q", sr.String(), e.payload)
		}
	}
}

func TestParseAtRejectsBadVersionLine(t *testing.T) {
	if _, err := ParseAt(sliceReaderAt([]byte("GARBAGE\r\n\r\n")), 0); err == nil {
		t.Error("expected malformed error for bad version line")
	} else if !IsMalformed(err) {
		t.Errorf("error %v not classified as malformed", err)
	}
}

func TestJournalFieldsRoundTrip(t *testing.T) {
	f := JournalFields{ArtifactID: "abc", Committed: true, Deleted: false}
	payload, err := EncodeJournalFields(f)
	if err != nil {
		t.Fatalf("EncodeJournalFields: %v", err)
	}
	got, err := DecodeJournalFields(payload)
	if err != nil {
		t.Fatalf("DecodeJournalFields: %v", err)
	}
	if got != f {
		t.Errorf("got %+v, want %+v", got, f)
	}
}

func TestDecodeJournalFieldsToleratesExtraKeys(t *testing.T) {
	payload := []byte(`{"artifact-id":"abc","committed":true,"deleted":false,"future-field":42}`)
	got, err := DecodeJournalFields(payload)
	if err != nil {
		t.Fatalf("DecodeJournalFields: %v", err)
	}
	if got.ArtifactID != "abc" || !got.Committed {
		t.Errorf("got %+v", got)
	}
}
