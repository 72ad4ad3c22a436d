package main

import (
	"flag"
	"fmt"
	"log"
	"strings"

	"github.com/ndlib/lockssrepo/clock"
	"github.com/ndlib/lockssrepo/config"
	"github.com/ndlib/lockssrepo/datastore"
	"github.com/ndlib/lockssrepo/index"
	"github.com/ndlib/lockssrepo/repository"
	"github.com/ndlib/lockssrepo/status"
	"github.com/ndlib/lockssrepo/store"
)

func main() {
	var configPath = flag.String("c", "repod.toml", "location of the configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal(err)
	}

	var bases []store.Filesystem
	for _, p := range cfg.BasePaths {
		fs, err := openLocation(p)
		if err != nil {
			log.Fatal(err)
		}
		bases = append(bases, fs)
	}

	idx, err := openIndex(cfg.IndexBackend, cfg.IndexDSN)
	if err != nil {
		log.Fatal(err)
	}

	clk := clock.New()
	ds := datastore.New(bases, idx, clk, cfg.DatastoreOptions())
	fmt.Printf("Loading base paths %v\n", cfg.BasePaths)
	if err := ds.InitDataStore(); err != nil {
		log.Fatal(err)
	}

	if cfg.FixityEnabled {
		ds.OnFixityResult(func(r datastore.FixityResult) {
			if !r.Ok {
				log.Printf("fixity mismatch: artifact %s expected %s got %s", r.ArtifactID, r.ExpectedDigest, r.ActualDigest)
			}
		})
		go func() {
			for {
				for range ds.VerifyFixity(cfg.FixityRateLimit) {
				}
			}
		}()
	}

	repo := repository.New(ds, idx, clk)

	if cfg.StatusAddr == "" {
		log.Println("status_addr not set, status HTTP surface disabled")
		select {}
	}

	log.Println("Listening on", cfg.StatusAddr)
	s := &status.Server{Repo: repo, Addr: cfg.StatusAddr}
	if err := s.Run(); err != nil {
		log.Fatal(err)
	}
}

// openIndex selects a volatile or SQL-backed index per cfg.IndexBackend,
// inferring the SQL dialect from index_dsn's scheme, e.g. "mysql://..." vs
// a bare path or "memory" for the embedded ql engine.
func openIndex(backend, dsn string) (index.ArtifactIndex, error) {
	if backend == "volatile" {
		return index.NewVolatile(), nil
	}
	if strings.HasPrefix(dsn, "mysql://") {
		return index.OpenSQL("mysql", strings.TrimPrefix(dsn, "mysql://"))
	}
	return index.OpenSQL("ql", dsn)
}
