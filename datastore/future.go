package datastore

import (
	"context"

	"github.com/ndlib/lockssrepo/model"
)

// Future is the pending result of an asynchronous commit, per SPEC_FULL.md
// §4.4's "commit_artifact_data returns a future of Artifact". A Future may
// be waited on more than once and from more than one goroutine; every
// waiter sees the same completed result.
type Future struct {
	done     chan struct{}
	artifact *model.Artifact
	err      error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func (f *Future) complete(a *model.Artifact, err error) {
	f.artifact, f.err = a, err
	close(f.done)
}

// Wait blocks until the future completes or ctx is done, whichever comes
// first. Timing out does not cancel the underlying copy; it keeps running
// and will complete (or be re-driven by reload on crash) independently.
func (f *Future) Wait(ctx context.Context) (*model.Artifact, error) {
	select {
	case <-f.done:
		return f.artifact, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
