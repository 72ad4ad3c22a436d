package warcpool

import (
	"strings"
	"testing"

	"github.com/ndlib/lockssrepo/model"
)

func TestCheckoutCreatesNewFileWhenPoolEmpty(t *testing.T) {
	p := New(Options{BlockSize: 1024, ThresholdLen: 1 << 20})
	wf := p.Checkout(100)
	if wf == nil {
		t.Fatal("Checkout returned nil")
	}
	if !strings.HasSuffix(wf.Path, ".warc") {
		t.Errorf("Path = %q, want .warc suffix", wf.Path)
	}
	if !p.InUse(wf.Path) {
		t.Error("checked-out file should be marked in use")
	}
}

func TestCheckoutPrefersBestFit(t *testing.T) {
	p := New(Options{BlockSize: 100, ThresholdLen: 1000})

	a := &model.WarcFile{Path: "tmp/warcs/a.warc", Length: 10}
	b := &model.WarcFile{Path: "tmp/warcs/b.warc", Length: 80}
	p.Add(a)
	p.Add(b)

	// A write of 15 bytes: a -> length 25 (waste 75), b -> length 95 (waste 5).
	// b is the tighter fit and should be chosen.
	got := p.Checkout(15)
	if got.Path != b.Path {
		t.Errorf("Checkout chose %q, want %q (best fit)", got.Path, b.Path)
	}
}

func TestCheckoutSkipsInUseAndOverThreshold(t *testing.T) {
	p := New(Options{BlockSize: 100, ThresholdLen: 100})

	small := &model.WarcFile{Path: "tmp/warcs/small.warc", Length: 10}
	big := &model.WarcFile{Path: "tmp/warcs/big.warc", Length: 95}
	p.Add(small)
	p.Add(big)

	// big + 20 exceeds threshold of 100, so only small is eligible.
	first := p.Checkout(20)
	if first.Path != small.Path {
		t.Fatalf("Checkout chose %q, want %q", first.Path, small.Path)
	}

	// small is now in use; nothing else fits 20 more bytes under threshold
	// (big would be 115 > 100), so a new file must be created.
	second := p.Checkout(20)
	if second.Path == small.Path || second.Path == big.Path {
		t.Errorf("Checkout should have created a new file, got %q", second.Path)
	}
}

func TestReturnUpdatesLengthAndFreesSlot(t *testing.T) {
	p := New(Options{BlockSize: 100, ThresholdLen: 1000})
	wf := p.Checkout(10)
	p.Return(wf, 10)

	if p.InUse(wf.Path) {
		t.Error("file should no longer be in use after Return")
	}
	got := p.Lookup(wf.Path)
	if got.Length != 10 {
		t.Errorf("Length after Return = %d, want 10", got.Length)
	}
}

func TestRemoveDropsFromPool(t *testing.T) {
	p := New(Options{BlockSize: 100, ThresholdLen: 1000})
	wf := p.Checkout(10)
	p.Return(wf, 10)

	removed := p.Remove(wf.Path)
	if removed == nil || removed.Path != wf.Path {
		t.Fatalf("Remove returned %+v", removed)
	}
	if p.InPool(wf.Path) {
		t.Error("file should no longer be in pool after Remove")
	}
	if p.Remove(wf.Path) != nil {
		t.Error("second Remove should return nil")
	}
}

func TestStatsAggregates(t *testing.T) {
	p := New(Options{BlockSize: 100, ThresholdLen: 1000})
	a := p.Checkout(50)
	p.Return(a, 50)
	b := p.Checkout(30)
	p.Return(b, 30)

	// The second checkout reuses the returned file (50+30 <= 1000), so the
	// pool holds one file carrying all 80 bytes.
	s := p.Stats()
	if s.Files != 1 {
		t.Errorf("Files = %d, want 1", s.Files)
	}
	if s.BytesUsed != 80 {
		t.Errorf("BytesUsed = %d, want 80", s.BytesUsed)
	}
}
