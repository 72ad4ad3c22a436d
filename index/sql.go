package index

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/migration"
	_ "github.com/cznic/ql/driver"
	_ "github.com/go-sql-driver/mysql"
	"github.com/golang/groupcache/singleflight"

	"github.com/ndlib/lockssrepo/model"
)

// SQL is an ArtifactIndex backed by an embedded or networked SQL database
// (SPEC_FULL.md §4.6.1), for deployments that want the index to survive a
// restart without replaying every AU's journal. It satisfies the identical
// ArtifactIndex contract as Volatile; callers pick one or the other through
// config, grounded on the teacher's own qlCache/msqlCache split over a
// shared dbVersion migration helper.
type SQL struct {
	db      *sql.DB
	backend string // "ql" or "mysql"
	ready   bool
	lookups singleflight.Group
}

var qlVersioning = dbVersion{
	GetSQL:    `SELECT max(version) FROM migration_version`,
	SetSQL:    `INSERT INTO migration_version VALUES (?1, now())`,
	CreateSQL: `CREATE TABLE migration_version (version int, applied time)`,
}

var mysqlVersioning = dbVersion{
	GetSQL:    `SELECT max(version) FROM migration_version`,
	SetSQL:    `INSERT INTO migration_version (version, applied) VALUES (?, now())`,
	CreateSQL: `CREATE TABLE migration_version (version INTEGER, applied DATETIME)`,
}

var qlMigrations = []migration.Migrator{qlSchema1}
var mysqlMigrations = []migration.Migrator{mysqlSchema1}

func qlSchema1(tx migration.LimitedTx) error {
	_, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS artifacts (
			id string,
			collection string,
			auid string,
			uri string,
			version int,
			committed bool,
			storage_url string,
			content_length int64,
			content_digest string,
			collection_date time
		);
		CREATE INDEX IF NOT EXISTS artifactid ON artifacts (id);
		CREATE INDEX IF NOT EXISTS artifactau ON artifacts (collection, auid);
		CREATE INDEX IF NOT EXISTS artifacturi ON artifacts (uri);
	`)
	return err
}

func mysqlSchema1(tx migration.LimitedTx) error {
	_, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS artifacts (
			id VARCHAR(255) PRIMARY KEY,
			collection VARCHAR(255),
			auid VARCHAR(255),
			uri VARCHAR(1024),
			version INTEGER,
			committed BOOLEAN,
			storage_url VARCHAR(1024),
			content_length BIGINT,
			content_digest VARCHAR(255),
			collection_date DATETIME
		);
		CREATE INDEX artifactau ON artifacts (collection, auid);
		CREATE INDEX artifacturi ON artifacts (uri(255));
	`)
	return err
}

// OpenSQL opens (creating and migrating if necessary) a SQL-backed index.
// backend is "ql" for the embedded engine (dsn "memory" keeps everything
// in process memory, any other string is a file path) or "mysql" for a
// networked database addressed by dsn.
func OpenSQL(backend, dsn string) (*SQL, error) {
	switch backend {
	case "ql":
		driverDSN := dsn
		driverName := "ql"
		if dsn == "memory" {
			driverName = "ql-mem"
			driverDSN = "mem.db"
		}
		db, err := migration.OpenWith(driverName, driverDSN, qlMigrations, qlVersioning.Get, qlVersioning.Set)
		if err != nil {
			return nil, model.WrapIoError("index: opening ql index", err)
		}
		return &SQL{db: db, backend: "ql", ready: true}, nil
	case "mysql":
		db, err := migration.OpenWith("mysql", dsn, mysqlMigrations, mysqlVersioning.Get, mysqlVersioning.Set)
		if err != nil {
			return nil, model.WrapIoError("index: opening mysql index", err)
		}
		return &SQL{db: db, backend: "mysql", ready: true}, nil
	default:
		return nil, model.NewInvalidArgument("index: unknown sql backend " + backend)
	}
}

func (s *SQL) Ready() bool { return s.ready }

// ph returns the i'th placeholder in this backend's dialect: ql uses
// positional ?N, mysql uses plain ?.
func (s *SQL) ph(i int) string {
	if s.backend == "mysql" {
		return "?"
	}
	return fmt.Sprintf("?%d", i)
}

func (s *SQL) IndexArtifact(data *model.ArtifactData) (*model.Artifact, error) {
	if data == nil {
		return nil, model.NewInvalidArgument("index: nil artifact data")
	}
	if err := data.Identifier.Validate(); err != nil {
		return nil, model.NewInvalidArgument("index: " + err.Error())
	}
	a := &model.Artifact{
		Identifier:     data.Identifier,
		Committed:      false,
		StorageUrl:     data.StorageUrl,
		ContentLength:  data.ContentLength,
		ContentDigest:  data.ContentDigest,
		CollectionDate: data.OriginDate,
	}
	query := fmt.Sprintf(
		`INSERT INTO artifacts (id, collection, auid, uri, version, committed, storage_url, content_length, content_digest, collection_date) VALUES (%s,%s,%s,%s,%s,%s,%s,%s,%s,%s)`,
		s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5), s.ph(6), s.ph(7), s.ph(8), s.ph(9), s.ph(10))
	if _, err := s.exec(query, a.Identifier.ID, a.Identifier.Collection, a.Identifier.Auid, a.Identifier.Uri,
		a.Identifier.Version, a.Committed, a.StorageUrl, a.ContentLength, a.ContentDigest, a.CollectionDate); err != nil {
		return nil, model.WrapIoError("index: inserting artifact", err)
	}
	return a, nil
}

// GetArtifactByID looks up one artifact by id. Concurrent calls for the same
// id are coalesced through s.lookups, so a burst of callers asking for the
// artifact a commit just touched share one query instead of each issuing
// their own, mirroring the teacher's item-load coalescing.
func (s *SQL) GetArtifactByID(id string) (*model.Artifact, error) {
	v, err := s.lookups.Do(id, func() (interface{}, error) {
		query := fmt.Sprintf(`SELECT id, collection, auid, uri, version, committed, storage_url, content_length, content_digest, collection_date FROM artifacts WHERE id == %s`, s.ph(1))
		return s.scanOne(s.db.QueryRow(query, id))
	})
	if err != nil {
		return nil, err
	}
	return v.(*model.Artifact), nil
}

func (s *SQL) CommitArtifact(id string) (*model.Artifact, error) {
	query := fmt.Sprintf(`UPDATE artifacts SET committed = true WHERE id == %s`, s.ph(1))
	if _, err := s.exec(query, id); err != nil {
		return nil, model.WrapIoError("index: committing artifact", err)
	}
	return s.GetArtifactByID(id)
}

func (s *SQL) DeleteArtifact(id string) (bool, error) {
	query := fmt.Sprintf(`DELETE FROM artifacts WHERE id == %s`, s.ph(1))
	result, err := s.exec(query, id)
	if err != nil {
		return false, model.WrapIoError("index: deleting artifact", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, model.WrapIoError("index: checking delete result", err)
	}
	return n > 0, nil
}

func (s *SQL) UpdateStorageUrl(id, url string) (*model.Artifact, error) {
	query := fmt.Sprintf(`UPDATE artifacts SET storage_url = %s WHERE id == %s`, s.ph(1), s.ph(2))
	if _, err := s.exec(query, url, id); err != nil {
		return nil, model.WrapIoError("index: updating storage url", err)
	}
	return s.GetArtifactByID(id)
}

func (s *SQL) CollectionIDs() ([]string, error) {
	rows, err := s.db.Query(`SELECT DISTINCT collection FROM artifacts WHERE committed == true ORDER BY collection`)
	if err != nil {
		return nil, model.WrapIoError("index: listing collections", err)
	}
	defer rows.Close()
	return scanStrings(rows)
}

func (s *SQL) AuIDs(collection string) ([]string, error) {
	query := fmt.Sprintf(`SELECT DISTINCT auid FROM artifacts WHERE committed == true AND collection == %s ORDER BY auid`, s.ph(1))
	rows, err := s.db.Query(query, collection)
	if err != nil {
		return nil, model.WrapIoError("index: listing AUs", err)
	}
	defer rows.Close()
	return scanStrings(rows)
}

func (s *SQL) GetArtifactVersion(collection, auid, uri string, version int, includeUncommitted bool) (*model.Artifact, error) {
	query := fmt.Sprintf(`SELECT id, collection, auid, uri, version, committed, storage_url, content_length, content_digest, collection_date
		FROM artifacts WHERE collection == %s AND auid == %s AND uri == %s AND version == %s`,
		s.ph(1), s.ph(2), s.ph(3), s.ph(4))
	query += s.committedClause(includeUncommitted)
	return s.scanOne(s.db.QueryRow(query, collection, auid, uri, version))
}

func (s *SQL) GetLatestArtifact(collection, auid, uri string, includeUncommitted bool) (*model.Artifact, error) {
	query := fmt.Sprintf(`SELECT id, collection, auid, uri, version, committed, storage_url, content_length, content_digest, collection_date
		FROM artifacts WHERE collection == %s AND auid == %s AND uri == %s`, s.ph(1), s.ph(2), s.ph(3))
	query += s.committedClause(includeUncommitted)
	query += ` ORDER BY version DESC LIMIT 1`
	return s.scanOne(s.db.QueryRow(query, collection, auid, uri))
}

func (s *SQL) GetAllArtifactVersions(collection, auid, uri string, includeUncommitted bool) (*Iterator, error) {
	query := fmt.Sprintf(`SELECT id, collection, auid, uri, version, committed, storage_url, content_length, content_digest, collection_date
		FROM artifacts WHERE collection == %s AND auid == %s AND uri == %s`, s.ph(1), s.ph(2), s.ph(3))
	query += s.committedClause(includeUncommitted)
	query += ` ORDER BY uri ASC, version DESC`
	return s.queryIterator(query, collection, auid, uri)
}

func (s *SQL) GetLatestArtifactsWithPrefix(collection, auid, prefix string, includeUncommitted bool) (*Iterator, error) {
	all, err := s.GetAllArtifactsWithPrefix(collection, auid, prefix, includeUncommitted)
	if err != nil {
		return nil, err
	}
	return collapseLatestPerUri(all), nil
}

func (s *SQL) GetAllArtifactsWithPrefix(collection, auid, prefix string, includeUncommitted bool) (*Iterator, error) {
	query := fmt.Sprintf(`SELECT id, collection, auid, uri, version, committed, storage_url, content_length, content_digest, collection_date
		FROM artifacts WHERE collection == %s AND auid == %s AND uri LIKE %s ESCAPE '\'`, s.ph(1), s.ph(2), s.ph(3))
	query += s.committedClause(includeUncommitted)
	query += ` ORDER BY uri ASC, version DESC`
	return s.queryIterator(query, collection, auid, escapeLike(prefix)+"%")
}

func (s *SQL) GetLatestArtifactsInCollectionWithPrefix(collection, prefix string, includeUncommitted bool) (*Iterator, error) {
	all, err := s.GetAllArtifactsInCollectionWithPrefix(collection, prefix, includeUncommitted)
	if err != nil {
		return nil, err
	}
	return collapseLatestPerAUUri(all), nil
}

func (s *SQL) GetAllArtifactsInCollectionWithPrefix(collection, prefix string, includeUncommitted bool) (*Iterator, error) {
	query := fmt.Sprintf(`SELECT id, collection, auid, uri, version, committed, storage_url, content_length, content_digest, collection_date
		FROM artifacts WHERE collection == %s AND uri LIKE %s ESCAPE '\'`, s.ph(1), s.ph(2))
	query += s.committedClause(includeUncommitted)
	query += ` ORDER BY uri ASC, collection_date ASC, auid ASC, version DESC`
	return s.queryIterator(query, collection, escapeLike(prefix)+"%")
}

// escapeLike escapes the LIKE metacharacters % and _, and the escape
// character itself, in s, so a prefix-match query treats them as literal
// bytes instead of wildcards. Every LIKE query pairs this with an
// ESCAPE '\' clause.
func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

func (s *SQL) AuSize(collection, auid string) (uint64, error) {
	query := fmt.Sprintf(`SELECT id, collection, auid, uri, version, committed, storage_url, content_length, content_digest, collection_date
		FROM artifacts WHERE collection == %s AND auid == %s`, s.ph(1), s.ph(2))
	query += s.committedClause(false)
	it, err := s.queryIterator(query, collection, auid)
	if err != nil {
		return 0, err
	}
	latest := map[string]*model.Artifact{}
	for a, ok := it.Next(); ok; a, ok = it.Next() {
		cur := latest[a.Identifier.Uri]
		if cur == nil || a.Identifier.Version > cur.Identifier.Version {
			latest[a.Identifier.Uri] = a
		}
	}
	var total uint64
	for _, a := range latest {
		total += uint64(a.ContentLength)
	}
	return total, nil
}

func (s *SQL) committedClause(includeUncommitted bool) string {
	if includeUncommitted {
		return ""
	}
	return ` AND committed == true`
}

func (s *SQL) exec(query string, args ...interface{}) (sql.Result, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	result, err := tx.Exec(query, args...)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	return result, tx.Commit()
}

func (s *SQL) scanOne(row *sql.Row) (*model.Artifact, error) {
	a, err := scanArtifact(row)
	if err == sql.ErrNoRows {
		return nil, model.NewNotFound("index: no matching artifact")
	}
	if err != nil {
		return nil, model.WrapIoError("index: scanning artifact", err)
	}
	return a, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanArtifact(row rowScanner) (*model.Artifact, error) {
	a := &model.Artifact{}
	var collectionDate time.Time
	err := row.Scan(&a.Identifier.ID, &a.Identifier.Collection, &a.Identifier.Auid, &a.Identifier.Uri,
		&a.Identifier.Version, &a.Committed, &a.StorageUrl, &a.ContentLength, &a.ContentDigest, &collectionDate)
	if err != nil {
		return nil, err
	}
	a.CollectionDate = collectionDate
	return a, nil
}

func (s *SQL) queryIterator(query string, args ...interface{}) (*Iterator, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, model.WrapIoError("index: querying artifacts", err)
	}
	defer rows.Close()
	var out []*model.Artifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, model.WrapIoError("index: scanning artifact row", err)
		}
		out = append(out, a)
	}
	return NewIterator(out), rows.Err()
}

func scanStrings(rows *sql.Rows) ([]string, error) {
	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, model.WrapIoError("index: scanning row", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func collapseLatestPerUri(all *Iterator) *Iterator {
	latest := map[string]*model.Artifact{}
	for a, ok := all.Next(); ok; a, ok = all.Next() {
		cur := latest[a.Identifier.Uri]
		if cur == nil || a.Identifier.Version > cur.Identifier.Version {
			latest[a.Identifier.Uri] = a
		}
	}
	return NewIterator(sortByUrlThenVersionDesc(values(latest)))
}

func collapseLatestPerAUUri(all *Iterator) *Iterator {
	type key struct{ auid, uri string }
	latest := map[key]*model.Artifact{}
	for a, ok := all.Next(); ok; a, ok = all.Next() {
		k := key{a.Identifier.Auid, a.Identifier.Uri}
		cur := latest[k]
		if cur == nil || a.Identifier.Version > cur.Identifier.Version {
			latest[k] = a
		}
	}
	out := make([]*model.Artifact, 0, len(latest))
	for _, a := range latest {
		out = append(out, a)
	}
	return NewIterator(sortAllAUs(out))
}
