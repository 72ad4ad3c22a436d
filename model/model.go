// Package model holds the value objects shared across the storage engine,
// index, and facade: identifiers, descriptors, and the small state machine
// an artifact moves through between ingest and being copied into permanent
// storage. None of these types touch disk or the network themselves.
package model

import (
	"fmt"
	"io"
	"time"
)

// State is the lifecycle position of one artifact, independent of whichever
// component (index, data store) is asking.
type State int

const (
	// NotIndexed means a WARC record exists on disk but nothing has told
	// the index about it yet (only seen during temp-WARC reload).
	NotIndexed State = iota
	// Uncommitted means the artifact was added but never committed.
	Uncommitted
	// Committed means the artifact has a committed=true journal entry and
	// its bytes may still live in a temp WARC awaiting the copy worker.
	Committed
	// Copied means the artifact's bytes have been moved to permanent
	// storage and its storage URL reflects that.
	Copied
	// Expired means the artifact stayed Uncommitted past its TTL.
	Expired
	// Deleted means a deleted=true journal entry is authoritative for this
	// artifact.
	Deleted
)

func (s State) String() string {
	switch s {
	case NotIndexed:
		return "NOT_INDEXED"
	case Uncommitted:
		return "UNCOMMITTED"
	case Committed:
		return "COMMITTED"
	case Copied:
		return "COPIED"
	case Expired:
		return "EXPIRED"
	case Deleted:
		return "DELETED"
	default:
		return "UNKNOWN"
	}
}

// ArtifactIdentifier is the identity tuple of one artifact. id is assigned
// once, on first ingest, and never changes; (Collection, Auid, Uri, Version)
// is the naming tuple consumers address artifacts by.
type ArtifactIdentifier struct {
	ID         string
	Collection string
	Auid       string
	Uri        string
	Version    int
}

// Validate enforces the non-empty/positive constraints the original model's
// constructor enforces (no null/empty id, collection, auid, uri; version and
// committed must be present).
func (id ArtifactIdentifier) Validate() error {
	switch {
	case id.ID == "":
		return fmt.Errorf("model: artifact id must not be empty")
	case id.Collection == "":
		return fmt.Errorf("model: collection must not be empty")
	case id.Auid == "":
		return fmt.Errorf("model: auid must not be empty")
	case id.Uri == "":
		return fmt.Errorf("model: uri must not be empty")
	case id.Version <= 0:
		return fmt.Errorf("model: version must be positive, got %d", id.Version)
	}
	return nil
}

// ArtifactData is the ingestible/readable artifact: identity, the captured
// HTTP response status line and headers, and a single-consumption payload.
// Once persisted, StorageUrl and OriginDate are set.
type ArtifactData struct {
	Identifier ArtifactIdentifier

	StatusLine string
	Headers    map[string][]string

	// Payload is consumed at most once; see Stream.
	Payload Stream

	ContentLength int64
	// ContentDigest is "algorithm:hex", e.g. "sha256:deadbeef...".
	ContentDigest string

	OriginDate time.Time
	StorageUrl string
}

// ErrStreamAlreadyConsumed is returned by Stream.Open when the stream has
// already been read once.
var ErrStreamAlreadyConsumed = fmt.Errorf("model: stream already consumed")

// Stream is a single-use lazy byte sequence: the payload of an ArtifactData
// as read back from storage. Open may be called exactly once; subsequent
// calls fail with ErrStreamAlreadyConsumed. This mirrors the "mutable
// single-use stream" boundary interfaces like the reference codebase's
// bundle readers expose.
type Stream interface {
	Open() (io.ReadCloser, error)
}

// onceStream wraps a factory function so Open enforces at-most-once
// semantics regardless of what produces the underlying reader.
type onceStream struct {
	open     func() (io.ReadCloser, error)
	consumed bool
}

// NewStream adapts an open function into a Stream with at-most-once
// semantics.
func NewStream(open func() (io.ReadCloser, error)) Stream {
	return &onceStream{open: open}
}

func (s *onceStream) Open() (io.ReadCloser, error) {
	if s.consumed {
		return nil, ErrStreamAlreadyConsumed
	}
	s.consumed = true
	return s.open()
}

// Artifact is the index-side descriptor returned by lookups.
type Artifact struct {
	Identifier    ArtifactIdentifier
	Committed     bool
	StorageUrl    string
	ContentLength int64
	ContentDigest string
	CollectionDate time.Time
}

// NewArtifact builds a descriptor, validating the same non-empty/positive
// constraints the original model enforces at construction time.
func NewArtifact(id ArtifactIdentifier, committed bool, storageUrl string) (*Artifact, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}
	if storageUrl == "" {
		return nil, fmt.Errorf("model: storage url must not be empty")
	}
	return &Artifact{Identifier: id, Committed: committed, StorageUrl: storageUrl}, nil
}

// RepositoryArtifactMetadata is the journaled state for one artifact. The
// authoritative value for an id is whichever entry was appended last.
type RepositoryArtifactMetadata struct {
	ArtifactID        string
	Committed         bool
	Deleted           bool
	StorageUrlOverride string
}

// WarcFile is a temp-pool entry: a path, its current length, and whether it
// is gzip-compressed. Permanent WARCs are not tracked by this type.
type WarcFile struct {
	Path       string
	Length     int64
	Compressed bool
}
