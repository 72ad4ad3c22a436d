// Package datastore implements the WARC artifact data store (SPEC_FULL.md
// §4.4): the engine that writes artifact payloads into temp WARCs, copies
// committed ones into per-AU permanent WARCs under a bounded worker pool,
// and recovers both the temp pool and the index from whatever is on disk
// after a restart. It is the direct analogue of the reference
// VolatileWarcArtifactDataStore/ArtifactDataStore pair, generalized from a
// single in-memory store to one or more on-disk (or S3-backed) base paths.
package datastore

import (
	"bytes"
	"encoding/hex"
	"errors"
	"hash/fnv"
	"io"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/facebookgo/stats"
	"github.com/google/uuid"

	"github.com/ndlib/lockssrepo/clock"
	"github.com/ndlib/lockssrepo/index"
	"github.com/ndlib/lockssrepo/journal"
	"github.com/ndlib/lockssrepo/layout"
	"github.com/ndlib/lockssrepo/model"
	"github.com/ndlib/lockssrepo/store"
	"github.com/ndlib/lockssrepo/util"
	"github.com/ndlib/lockssrepo/warcpool"
	"github.com/ndlib/lockssrepo/warcrecord"
)

var errFixityStopped = errors.New("datastore: fixity check stopped")

// recordOverhead is a conservative estimate of a response record's header
// block size, added to a payload's length when asking the temp pool for a
// file with enough room; the pool re-derives the real waste once bytes
// actually land, via Return.
const recordOverhead = 512

// Options configures a Store's sealing, expiration, and worker behavior;
// see SPEC_FULL.md §6's configuration table.
type Options struct {
	BlockSize             int64
	ThresholdWarcSize     int64
	UncommittedExpiration time.Duration
	UseCompression        bool
	CommitWorkerCount     int
	GCInterval            time.Duration
}

// DefaultOptions returns the defaults named in SPEC_FULL.md §6.
func DefaultOptions() Options {
	return Options{
		BlockSize:             4096,
		ThresholdWarcSize:     1 << 30,
		UncommittedExpiration: 7 * 24 * time.Hour,
		UseCompression:        false,
		CommitWorkerCount:     4,
		GCInterval:            time.Hour,
	}
}

// baseStore pairs one configured base path's Filesystem with its own temp
// WARC pool; SPEC_FULL.md's multi-disk support (§9 Open Question 3) scopes
// pool selection per base path rather than sharing one pool globally.
type baseStore struct {
	fs   store.Filesystem
	pool *warcpool.Pool
}

// activeWarc tracks one AU's current (unsealed) permanent WARC.
type activeWarc struct {
	path    string
	length  int64
	opensAt time.Time
}

// Store is the WARC artifact data store. A Store is safe for concurrent use.
type Store struct {
	bases []*baseStore
	idx   index.ArtifactIndex
	clk   clock.Clock
	opts  Options

	// Stats receives commit-worker-pool and GC counters if set. Nil (the
	// default) is safe: every bump below goes through stats.BumpSum/BumpTime,
	// which no-op on a nil Client.
	Stats stats.Client

	journalsMu sync.Mutex
	journals   map[string]*journal.Journal

	auLocksMu sync.Mutex
	auLocks   map[string]*sync.Mutex

	activeMu sync.Mutex
	active   map[string]*activeWarc

	commitGate util.Gate
	commitWG   sync.WaitGroup

	gcStop chan struct{}
	gcDone chan struct{}

	fixityStop chan struct{}
	onFixity   func(FixityResult)
	onFixityMu sync.Mutex

	readyMu sync.Mutex
	ready   bool
}

// New builds a Store over the given base filesystems. InitDataStore must be
// called before any other method.
func New(bases []store.Filesystem, idx index.ArtifactIndex, clk clock.Clock, opts Options) *Store {
	s := &Store{
		idx:        idx,
		clk:        clk,
		opts:       opts,
		journals:   make(map[string]*journal.Journal),
		auLocks:    make(map[string]*sync.Mutex),
		active:     make(map[string]*activeWarc),
		commitGate: util.NewGate(maxInt(opts.CommitWorkerCount, 1)),
		gcStop:     make(chan struct{}),
		gcDone:     make(chan struct{}),
		fixityStop: make(chan struct{}),
	}
	for _, fs := range bases {
		s.bases = append(s.bases, &baseStore{
			fs: fs,
			pool: warcpool.New(warcpool.Options{
				BlockSize:    opts.BlockSize,
				ThresholdLen: opts.ThresholdWarcSize,
				Compressed:   opts.UseCompression,
			}),
		})
	}
	return s
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// InitDataStore discovers the configured base paths, reloads every temp
// WARC found under them (§4.4.3), and starts the background GC loop.
func (s *Store) InitDataStore() error {
	for bi, b := range s.bases {
		if err := s.reloadBase(bi, b); err != nil {
			return err
		}
	}
	go s.runGC()
	s.readyMu.Lock()
	s.ready = true
	s.readyMu.Unlock()
	return nil
}

// ShutdownDataStore stops the background GC loop and waits for any commit
// copies already in flight to finish.
func (s *Store) ShutdownDataStore() {
	close(s.gcStop)
	<-s.gcDone
	s.commitWG.Wait()
}

// Ready reports whether this store has finished its startup reload and GC
// launch, the data-store half of SPEC_FULL.md §5's readiness condition.
func (s *Store) Ready() bool {
	s.readyMu.Lock()
	defer s.readyMu.Unlock()
	return s.ready
}

// OnFixityResult registers a hook invoked with every result VerifyFixity
// produces, in addition to delivering it on the returned channel.
func (s *Store) OnFixityResult(fn func(FixityResult)) {
	s.onFixityMu.Lock()
	s.onFixity = fn
	s.onFixityMu.Unlock()
}

func (s *Store) baseFor(auid string) int {
	if len(s.bases) == 1 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(auid))
	return int(h.Sum32() % uint32(len(s.bases)))
}

func auKey(collection, auid string) string {
	return collection + "/" + auid
}

func (s *Store) auLock(collection, auid string) *sync.Mutex {
	key := auKey(collection, auid)
	s.auLocksMu.Lock()
	defer s.auLocksMu.Unlock()
	l, ok := s.auLocks[key]
	if !ok {
		l = &sync.Mutex{}
		s.auLocks[key] = l
	}
	return l
}

func (s *Store) journalFor(collection, auid string) *journal.Journal {
	key := auKey(collection, auid)
	s.journalsMu.Lock()
	defer s.journalsMu.Unlock()
	j, ok := s.journals[key]
	if !ok {
		bi := s.baseFor(auid)
		j = journal.Open(s.bases[bi].fs, layout.JournalPath(collection, auid))
		s.journals[key] = j
	}
	return j
}

// AddArtifactData writes data's payload into a pooled temp WARC and returns
// the resulting descriptor (SPEC_FULL.md §4.4.1). Version is expected to
// already be stamped onto data.Identifier by the caller (the repository
// facade); this store assigns only the artifact id.
func (s *Store) AddArtifactData(data *model.ArtifactData) (*model.Artifact, error) {
	if data == nil {
		return nil, model.NewInvalidArgument("datastore: artifact data must not be nil")
	}
	id := data.Identifier
	if id.Collection == "" || id.Auid == "" || id.Uri == "" || id.Version <= 0 {
		return nil, model.NewInvalidArgument("datastore: artifact identifier missing collection, auid, uri, or version")
	}
	if data.Payload == nil {
		return nil, model.NewInvalidArgument("datastore: artifact data must carry a payload")
	}

	payload, err := data.Payload.Open()
	if err != nil {
		return nil, model.WrapIoError("datastore: opening payload", err)
	}
	defer payload.Close()

	var buf bytes.Buffer
	hw := util.NewHashWriter(&buf)
	n, err := io.Copy(hw, payload)
	if err != nil {
		return nil, model.WrapIoError("datastore: reading payload", err)
	}
	digest, _ := hw.CheckSHA256(nil)
	contentDigest := "sha256:" + hex.EncodeToString(digest)

	id.ID = uuid.New().String()

	bi := s.baseFor(id.Auid)
	b := s.bases[bi]
	wf := b.pool.Checkout(n + recordOverhead)

	offset, err := fsSize(b.fs, wf.Path)
	if err != nil {
		b.pool.Return(wf, 0)
		return nil, model.WrapIoError("datastore: statting temp warc", err)
	}

	w, err := b.fs.OpenAppend(wf.Path)
	if err != nil {
		b.pool.Return(wf, 0)
		return nil, model.WrapIoError("datastore: opening temp warc for append", err)
	}
	written, writeErr := warcrecord.WriteResponse(w, warcrecord.ResponseHeader{
		ArtifactID: id.ID,
		Collection: id.Collection,
		Auid:       id.Auid,
		Uri:        id.Uri,
		Version:    id.Version,
		Length:     n,
	}, &buf, n)
	closeErr := w.Close()
	b.pool.Return(wf, written)
	if writeErr != nil {
		return nil, model.WrapIoError("datastore: writing artifact record", writeErr)
	}
	if closeErr != nil {
		return nil, model.WrapIoError("datastore: closing temp warc", closeErr)
	}

	storageUrl := encodeStorageURL(bi, wf.Path, offset, n)
	return &model.Artifact{
		Identifier:     id,
		Committed:      false,
		StorageUrl:     storageUrl,
		ContentLength:  n,
		ContentDigest:  contentDigest,
		CollectionDate: s.clk.Now(),
	}, nil
}

// fsSize stats path, treating a not-yet-existing file as length zero (a
// temp WARC the pool just minted has nothing on disk yet).
func fsSize(fs store.Filesystem, path string) (int64, error) {
	size, err := fs.Size(path)
	if err == store.ErrNotExist {
		return 0, nil
	}
	return size, err
}

// GetArtifactData opens artifact's storage URL, parses the record at its
// recorded offset, and exposes the payload as a single-consumption stream.
func (s *Store) GetArtifactData(artifact *model.Artifact) (*model.ArtifactData, error) {
	if artifact == nil {
		return nil, model.NewInvalidArgument("datastore: artifact must not be nil")
	}
	su, err := parseStorageURL(artifact.StorageUrl)
	if err != nil {
		return nil, err
	}
	if su.baseIndex < 0 || su.baseIndex >= len(s.bases) {
		return nil, model.NewInvalidArgument("datastore: storage url references unknown base path")
	}
	b := s.bases[su.baseIndex]

	r, err := b.fs.OpenRead(su.path)
	if err != nil {
		if err == store.ErrNotExist {
			return nil, model.NewNotFound("datastore: storage url does not resolve: " + artifact.StorageUrl)
		}
		return nil, model.WrapIoError("datastore: opening artifact storage", err)
	}

	parsed, err := warcrecord.ParseAt(r, su.offset)
	if err != nil {
		r.Close()
		if warcrecord.IsMalformed(err) {
			return nil, model.NewMalformedRecord(err.Error())
		}
		return nil, model.WrapIoError("datastore: parsing artifact record", err)
	}

	payloadOffset, payloadLen := parsed.PayloadOffset, parsed.ContentLength
	stream := model.NewStream(func() (io.ReadCloser, error) {
		return &sectionReadCloser{
			SectionReader: io.NewSectionReader(r, payloadOffset, payloadLen),
			closer:        r,
		}, nil
	})

	return &model.ArtifactData{
		Identifier:    artifact.Identifier,
		Payload:       stream,
		ContentLength: artifact.ContentLength,
		ContentDigest: artifact.ContentDigest,
		OriginDate:    parsed.Date,
		StorageUrl:    artifact.StorageUrl,
	}, nil
}

type sectionReadCloser struct {
	*io.SectionReader
	closer io.Closer
}

func (s *sectionReadCloser) Close() error { return s.closer.Close() }

// CommitArtifactData writes a committed journal entry synchronously and
// schedules the copy to permanent storage on the bounded worker pool,
// returning a Future that completes once the copy is durable.
func (s *Store) CommitArtifactData(artifact *model.Artifact) *Future {
	f := newFuture()
	if artifact == nil {
		f.complete(nil, model.NewInvalidArgument("datastore: artifact must not be nil"))
		return f
	}

	j := s.journalFor(artifact.Identifier.Collection, artifact.Identifier.Auid)
	if err := j.Append(model.RepositoryArtifactMetadata{
		ArtifactID: artifact.Identifier.ID,
		Committed:  true,
		Deleted:    false,
	}); err != nil {
		f.complete(nil, err)
		return f
	}

	if su, err := parseStorageURL(artifact.StorageUrl); err == nil && !isTempPath(su.path) {
		// Already moved to permanent storage by a prior commit; re-commit
		// is a no-op that returns the current descriptor.
		f.complete(artifact, nil)
		return f
	}

	s.commitWG.Add(1)
	go func() {
		defer s.commitWG.Done()
		s.commitGate.Enter()
		defer s.commitGate.Leave()
		timer := stats.BumpTime(s.Stats, "datastore.commit.copy")
		updated, err := s.moveToPermanentStorage(artifact)
		timer.End()
		if err != nil {
			stats.BumpSum(s.Stats, "datastore.commit.errors", 1)
		} else {
			stats.BumpSum(s.Stats, "datastore.commit.copied", 1)
		}
		f.complete(updated, err)
	}()
	return f
}

// DeleteArtifactData writes a deleted journal entry. The on-disk record is
// left untouched; it is reclaimed the next time its temp WARC is GC-ed.
func (s *Store) DeleteArtifactData(artifact *model.Artifact) error {
	if artifact == nil {
		return model.NewInvalidArgument("datastore: artifact must not be nil")
	}
	j := s.journalFor(artifact.Identifier.Collection, artifact.Identifier.Auid)
	return j.Append(model.RepositoryArtifactMetadata{
		ArtifactID: artifact.Identifier.ID,
		Committed:  false,
		Deleted:    true,
	})
}

// moveToPermanentStorage is the copy routine §4.4.2 submits to the commit
// worker pool: read the record from its current storage URL, append it to
// the AU's active permanent WARC under that AU's writer lock, sealing first
// if the threshold would be exceeded, then point the index at the new
// location.
func (s *Store) moveToPermanentStorage(artifact *model.Artifact) (*model.Artifact, error) {
	collection, auid := artifact.Identifier.Collection, artifact.Identifier.Auid

	su, err := parseStorageURL(artifact.StorageUrl)
	if err != nil {
		return nil, err
	}
	if su.baseIndex < 0 || su.baseIndex >= len(s.bases) {
		return nil, model.NewInvalidArgument("datastore: storage url references unknown base path")
	}
	b := s.bases[su.baseIndex]

	lock := s.auLock(collection, auid)
	lock.Lock()
	defer lock.Unlock()

	r, err := b.fs.OpenRead(su.path)
	if err != nil {
		if err == store.ErrNotExist {
			return nil, model.NewNotFound("datastore: commit source missing: " + artifact.StorageUrl)
		}
		return nil, model.WrapIoError("datastore: opening commit source", err)
	}
	defer r.Close()

	parsed, err := warcrecord.ParseAt(r, su.offset)
	if err != nil {
		if warcrecord.IsMalformed(err) {
			return nil, model.NewMalformedRecord(err.Error())
		}
		return nil, model.WrapIoError("datastore: parsing commit source record", err)
	}
	recordLen := parsed.PayloadOffset + parsed.ContentLength + 4 - su.offset

	active, err := s.activeFor(b, collection, auid)
	if err != nil {
		return nil, err
	}
	if s.opts.ThresholdWarcSize > 0 && active.length+recordLen > s.opts.ThresholdWarcSize {
		if err := s.sealActiveLocked(b, collection, auid, active); err != nil {
			return nil, err
		}
	}

	w, err := b.fs.OpenAppend(active.path)
	if err != nil {
		return nil, model.WrapIoError("datastore: opening active warc for append", err)
	}
	newOffset := active.length
	written, err := io.Copy(w, io.NewSectionReader(r, su.offset, recordLen))
	closeErr := w.Close()
	if err != nil {
		return nil, model.WrapIoError("datastore: copying record to permanent storage", err)
	}
	if closeErr != nil {
		return nil, model.WrapIoError("datastore: closing active warc", closeErr)
	}
	active.length += written
	stats.BumpSum(s.Stats, "datastore.commit.bytes_copied", float64(written))

	newStorageUrl := encodeStorageURL(su.baseIndex, active.path, newOffset, parsed.ContentLength)
	updated, err := s.idx.UpdateStorageUrl(artifact.Identifier.ID, newStorageUrl)
	if err != nil {
		if model.IsNotFound(err) {
			// Deletion won the race; the copy already happened but nothing
			// references it any more. Leave the bytes for GC.
			return nil, nil
		}
		return nil, err
	}

	j := s.journalFor(collection, auid)
	if err := j.Append(model.RepositoryArtifactMetadata{
		ArtifactID:         artifact.Identifier.ID,
		Committed:          true,
		Deleted:            false,
		StorageUrlOverride: newStorageUrl,
	}); err != nil {
		return nil, err
	}

	return updated, nil
}

// activeFor returns the AU's current active WARC, discovering one already
// on disk (left over from a previous run) before minting a new one.
func (s *Store) activeFor(b *baseStore, collection, auid string) (*activeWarc, error) {
	key := auKey(collection, auid)
	s.activeMu.Lock()
	defer s.activeMu.Unlock()
	if a, ok := s.active[key]; ok {
		return a, nil
	}
	a, err := findActiveWarc(b, collection, auid)
	if err != nil {
		return nil, err
	}
	if a == nil {
		a = &activeWarc{path: layout.ActiveWarcPath(collection, auid, s.clk.Now()), opensAt: s.clk.Now()}
	}
	s.active[key] = a
	return a, nil
}

func findActiveWarc(b *baseStore, collection, auid string) (*activeWarc, error) {
	dir := layout.AuDir(collection, auid)
	for p := range b.fs.List(dir) {
		if !isWarcRecordFile(p) {
			continue
		}
		size, err := b.fs.Size(p)
		if err != nil {
			continue
		}
		return &activeWarc{path: p, length: size}, nil
	}
	return nil, nil
}

// SealActiveWarc renames auid's active permanent WARC into the sealed
// directory if it has content, and resets the AU so the next write opens a
// fresh active WARC. It is idempotent on an already-empty active WARC.
func (s *Store) SealActiveWarc(collection, auid string) error {
	bi := s.baseFor(auid)
	b := s.bases[bi]
	lock := s.auLock(collection, auid)
	lock.Lock()
	defer lock.Unlock()
	active, err := s.activeFor(b, collection, auid)
	if err != nil {
		return err
	}
	return s.sealActiveLocked(b, collection, auid, active)
}

// sealActiveLocked assumes the caller holds the AU's writer lock.
func (s *Store) sealActiveLocked(b *baseStore, collection, auid string, active *activeWarc) error {
	if active.length == 0 {
		active.path = layout.ActiveWarcPath(collection, auid, s.clk.Now())
		active.opensAt = s.clk.Now()
		return nil
	}
	sealed := layout.SealedWarcPath(collection, auid, s.clk.Now())
	if err := b.fs.Rename(active.path, sealed); err != nil {
		return model.WrapIoError("datastore: sealing active warc", err)
	}
	active.path = layout.ActiveWarcPath(collection, auid, s.clk.Now())
	active.length = 0
	active.opensAt = s.clk.Now()
	return nil
}

// StorageInfo aggregates capacity across every configured base path, the
// data-store half of the repository facade's storage_info query (SPEC_FULL.md
// §4.7.1).
func (s *Store) StorageInfo() (store.Info, error) {
	var total store.Info
	for _, b := range s.bases {
		info, err := b.fs.Info()
		if err != nil {
			return store.Info{}, model.WrapIoError("datastore: querying base path capacity", err)
		}
		total.Total += info.Total
		total.Used += info.Used
		total.Available += info.Available
	}
	if total.Total > 0 {
		total.PercentUsed = 100 * float64(total.Used) / float64(total.Total)
	}
	return total, nil
}

func isTempPath(p string) bool {
	return strings.HasPrefix(p, layout.TmpDir+"/")
}

func isWarcRecordFile(p string) bool {
	base := path.Base(p)
	if base == layout.JournalName {
		return false
	}
	return strings.HasSuffix(base, ".warc") || strings.HasSuffix(base, ".warc.gz")
}
