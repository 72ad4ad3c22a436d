package datastore

import (
	"encoding/hex"
	"io"
	"io/ioutil"
	"time"

	"github.com/ndlib/lockssrepo/model"
	"github.com/ndlib/lockssrepo/util"
)

// stoppableRateReader paces reads to a util.RateCounter, the same one the
// reference fixity checker uses, but also aborts early if stop is closed —
// util.RateCounter.Wrap has no way to observe a second cancellation signal,
// so this reimplements its Read using the counter's Use/OK directly.
type stoppableRateReader struct {
	reader io.Reader
	rate   *util.RateCounter
	stop   <-chan struct{}
}

func (rr *stoppableRateReader) Read(p []byte) (int, error) {
	select {
	case <-rr.rate.OK():
	case <-rr.stop:
		return 0, errFixityStopped
	}
	n, err := rr.reader.Read(p)
	rr.rate.Use(int64(n))
	return n, err
}

// FixityResult is one artifact's fixity check outcome (SPEC_FULL.md
// §4.4.6). Results are not persisted by this package; the embedding host
// consumes them from the channel VerifyFixity returns or from the
// OnFixityResult hook.
type FixityResult struct {
	ArtifactID     string
	CheckedAt      time.Time
	Ok             bool
	ExpectedDigest string
	ActualDigest   string
}

// StopFixity halts any in-progress VerifyFixity scan for the lifetime of
// this Store. It is not resumable; a new Store is needed to scan again.
func (s *Store) StopFixity() {
	close(s.fixityStop)
}

// VerifyFixity walks every committed artifact of every AU of every
// collection the index knows about, re-reading its payload through the
// same codec GetArtifactData uses, recomputing its digest, and comparing it
// to the digest recorded at ingest. Reads are paced to rateLimit
// bytes/second so a full scan does not saturate disk I/O.
func (s *Store) VerifyFixity(rateLimit int64) <-chan FixityResult {
	out := make(chan FixityResult)
	go func() {
		defer close(out)
		rate := util.NewRateCounter(float64(rateLimit))
		defer rate.Stop()

		collections, err := s.idx.CollectionIDs()
		if err != nil {
			return
		}
		for _, coll := range collections {
			aus, err := s.idx.AuIDs(coll)
			if err != nil {
				continue
			}
			for _, auid := range aus {
				if !s.scanAuFixity(coll, auid, rate, out) {
					return
				}
			}
		}
	}()
	return out
}

// scanAuFixity checks every committed artifact of one AU, returning false
// if the scan was stopped mid-way.
func (s *Store) scanAuFixity(collection, auid string, rate *util.RateCounter, out chan<- FixityResult) bool {
	it, err := s.idx.GetAllArtifactsWithPrefix(collection, auid, "", false)
	if err != nil {
		return true
	}
	for {
		a, ok := it.Next()
		if !ok {
			return true
		}
		select {
		case <-s.fixityStop:
			return false
		default:
		}
		res := s.checkFixity(a, rate)
		s.onFixityMu.Lock()
		hook := s.onFixity
		s.onFixityMu.Unlock()
		if hook != nil {
			hook(res)
		}
		select {
		case out <- res:
		case <-s.fixityStop:
			return false
		}
	}
}

func (s *Store) checkFixity(a *model.Artifact, rate *util.RateCounter) FixityResult {
	res := FixityResult{
		ArtifactID:     a.Identifier.ID,
		CheckedAt:      s.clk.Now(),
		ExpectedDigest: a.ContentDigest,
	}
	data, err := s.GetArtifactData(a)
	if err != nil {
		return res
	}
	payload, err := data.Payload.Open()
	if err != nil {
		return res
	}
	defer payload.Close()

	rr := &stoppableRateReader{reader: payload, rate: rate, stop: s.fixityStop}
	hw := util.NewHashWriter(ioutil.Discard)
	if _, err := io.Copy(hw, rr); err != nil && err != errFixityStopped {
		return res
	}
	digest, _ := hw.CheckSHA256(nil)
	res.ActualDigest = "sha256:" + hex.EncodeToString(digest)
	res.Ok = res.ActualDigest == res.ExpectedDigest
	return res
}
