// Package layout computes the deterministic paths the data store reads and
// writes under a base path: temp WARCs, per-AU active WARCs, the per-AU
// journal, and sealed WARCs. None of it touches a filesystem; it only
// builds path strings, the way the bundle store's sugar/desugar and
// itemSubdir helpers build object keys from identity tuples.
package layout

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"path"
	"time"
)

const (
	// TmpDir is the subdirectory under a base path holding pooled temp
	// WARCs awaiting commit.
	TmpDir = "tmp/warcs"
	// CollectionsDir is the subdirectory holding per-collection,
	// per-AU permanent storage.
	CollectionsDir = "collections"
	// SealedDir is the subdirectory holding sealed (size-threshold-closed)
	// permanent WARCs.
	SealedDir = "sealed"
	// JournalName is the fixed filename of a per-AU metadata journal.
	JournalName = "lockss-repo.warc"
)

// AuMD5 returns the lowercase hex MD5 of an AU identifier, used to keep AU
// directory names filesystem-safe and fixed-length regardless of how the
// embedding host names its AUs.
func AuMD5(auid string) string {
	sum := md5.Sum([]byte(auid))
	return hex.EncodeToString(sum[:])
}

// Timestamp renders t as yyyyMMddHHmmssSSS in UTC, the format embedded in
// permanent and sealed WARC file names.
func Timestamp(t time.Time) string {
	u := t.UTC()
	return fmt.Sprintf("%04d%02d%02d%02d%02d%02d%03d",
		u.Year(), u.Month(), u.Day(), u.Hour(), u.Minute(), u.Second(), u.Nanosecond()/1e6)
}

// TmpWarcPath returns the path (relative to a base path) of a temp WARC
// file with the given filename (caller supplies a UUID-derived name).
func TmpWarcPath(filename string) string {
	return path.Join(TmpDir, filename)
}

// AuDir returns the directory (relative to a base path) holding a
// collection/AU's permanent storage: journal and active WARC.
func AuDir(collection, auid string) string {
	return path.Join(CollectionsDir, collection, "au-"+AuMD5(auid))
}

// JournalPath returns the path of a collection/AU's metadata journal.
func JournalPath(collection, auid string) string {
	return path.Join(AuDir(collection, auid), JournalName)
}

// ActiveWarcPath returns the path of a collection/AU's active (non-sealed)
// WARC at the given creation timestamp.
func ActiveWarcPath(collection, auid string, created time.Time) string {
	return path.Join(AuDir(collection, auid), fmt.Sprintf("artifacts_%s.warc", Timestamp(created)))
}

// SealedWarcPath returns the path a just-sealed active WARC is renamed to.
func SealedWarcPath(collection, auid string, sealedAt time.Time) string {
	return path.Join(SealedDir, fmt.Sprintf("%s_au-%s_%sartifacts.warc", collection, AuMD5(auid), Timestamp(sealedAt)))
}
