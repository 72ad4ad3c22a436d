// Package config loads and validates the repository's TOML configuration
// file (SPEC_FULL.md §6's configuration table), the ambient concern the
// teacher's go.mod carries a TOML library for but never shows a concrete
// loader of; this package gives that dependency a home.
package config

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/ndlib/lockssrepo/datastore"
)

// Config is the on-disk shape of the repository's configuration file.
// Durations are expressed in milliseconds in the file, matching §6's
// "TTL in milliseconds" phrasing for uncommitted_artifact_expiration.
type Config struct {
	BasePaths []string `toml:"base_paths"`

	ThresholdWarcSize             int64 `toml:"threshold_warc_size"`
	UncommittedArtifactExpiration int64 `toml:"uncommitted_artifact_expiration"`
	UseWarcCompression            bool  `toml:"use_warc_compression"`
	BlockSize                     int64 `toml:"block_size"`
	CommitWorkerCount             int   `toml:"commit_worker_count"`
	GCInterval                    int64 `toml:"gc_interval"`

	IndexBackend string `toml:"index_backend"`
	IndexDSN     string `toml:"index_dsn"`

	FixityEnabled   bool  `toml:"fixity_enabled"`
	FixityRateLimit int64 `toml:"fixity_rate_limit"`

	StatusAddr string `toml:"status_addr"`
}

// Default returns the configuration named by SPEC_FULL.md §6: a single
// ./data base path, 1 GiB sealing threshold, a one week uncommitted TTL, no
// compression, a 4 KiB block size, 4 commit workers, hourly GC, a volatile
// index, fixity disabled, and no status HTTP surface.
func Default() Config {
	opts := datastore.DefaultOptions()
	return Config{
		BasePaths:                      []string{"./data"},
		ThresholdWarcSize:              opts.ThresholdWarcSize,
		UncommittedArtifactExpiration:  opts.UncommittedExpiration.Milliseconds(),
		UseWarcCompression:             opts.UseCompression,
		BlockSize:                      opts.BlockSize,
		CommitWorkerCount:              opts.CommitWorkerCount,
		GCInterval:                     opts.GCInterval.Milliseconds(),
		IndexBackend:                   "volatile",
		FixityEnabled:                  false,
		FixityRateLimit:                10 << 20,
		StatusAddr:                     "",
	}
}

// Load reads and decodes the TOML file at path over the defaults, so a
// config file only needs to name the settings it wants to override, then
// validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: decoding %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate enforces the constraints the data store and index assume hold:
// at least one base path, a non-negative sealing threshold, a positive
// worker count and block size, and a recognized index backend.
func (c Config) Validate() error {
	if len(c.BasePaths) == 0 {
		return fmt.Errorf("config: base_paths must name at least one directory")
	}
	if c.ThresholdWarcSize < 0 {
		return fmt.Errorf("config: threshold_warc_size must not be negative")
	}
	if c.BlockSize <= 0 {
		return fmt.Errorf("config: block_size must be positive")
	}
	if c.CommitWorkerCount <= 0 {
		return fmt.Errorf("config: commit_worker_count must be positive")
	}
	switch c.IndexBackend {
	case "volatile", "sql":
	default:
		return fmt.Errorf("config: index_backend must be %q or %q, got %q", "volatile", "sql", c.IndexBackend)
	}
	if c.IndexBackend == "sql" && c.IndexDSN == "" {
		return fmt.Errorf("config: index_dsn is required when index_backend is \"sql\"")
	}
	return nil
}

// DatastoreOptions converts the milliseconds-based durations in the file to
// the time.Duration fields datastore.Options expects.
func (c Config) DatastoreOptions() datastore.Options {
	return datastore.Options{
		BlockSize:             c.BlockSize,
		ThresholdWarcSize:     c.ThresholdWarcSize,
		UncommittedExpiration: time.Duration(c.UncommittedArtifactExpiration) * time.Millisecond,
		UseCompression:        c.UseWarcCompression,
		CommitWorkerCount:     c.CommitWorkerCount,
		GCInterval:            time.Duration(c.GCInterval) * time.Millisecond,
	}
}
