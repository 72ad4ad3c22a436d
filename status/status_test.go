package status

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ndlib/lockssrepo/clock"
	"github.com/ndlib/lockssrepo/datastore"
	"github.com/ndlib/lockssrepo/index"
	"github.com/ndlib/lockssrepo/repository"
	"github.com/ndlib/lockssrepo/store"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	fs := store.NewMemFilesystem("/base")
	idx := index.NewVolatile()
	clk := clock.New()
	ds := datastore.New([]store.Filesystem{fs}, idx, clk, datastore.DefaultOptions())
	if err := ds.InitDataStore(); err != nil {
		t.Fatalf("InitDataStore: %v", err)
	}
	repo := repository.New(ds, idx, clk)
	return &Server{Repo: repo, Addr: ":0"}
}

func TestLivenessAlwaysOk(t *testing.T) {
	s := newTestServer(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/healthz", nil)
	s.addRoutes().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestReadinessOkOnceStoreIsReady(t *testing.T) {
	s := newTestServer(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/readyz", nil)
	s.addRoutes().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d, body=%s", rec.Code, http.StatusOK, rec.Body.String())
	}
}

func TestStorageReportsJSON(t *testing.T) {
	s := newTestServer(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/storage", nil)
	s.addRoutes().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body=%s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q", ct)
	}
}
