package index

import (
	"fmt"
	"log"
	"sync/atomic"

	"github.com/BurntSushi/migration"
	_ "github.com/cznic/ql/driver"
)

// This file contains the QL dialect of the SQL index. QL is an embedded
// database, and this is intended to be used only in development and tests.

var qlMigrations = []migration.Migrator{
	qlschema1,
}

var qlVersioning = dbVersion{
	GetSQL:    `SELECT max(version) FROM migration_version`,
	SetSQL:    `INSERT INTO migration_version VALUES (?1, now())`,
	CreateSQL: `CREATE TABLE migration_version (version int, applied time)`,
}

var qlDialect = &dialect{
	name: "ql",
	maxVersion: `SELECT max(version) FROM artifacts
		WHERE collection == ?1 && auid == ?2 && urihash == ?3`,
	insert: `INSERT INTO artifacts VALUES (?1, ?2, ?3, ?4, ?5, ?6, ?7, ?8, ?9)`,
	update: `UPDATE artifacts SET committed = ?1, deleted = ?2, value = ?3
		WHERE collection == ?4 && auid == ?5 && urihash == ?6 && version == ?7`,
	get: `SELECT value FROM artifacts
		WHERE collection == ?1 && auid == ?2 && urihash == ?3 && version == ?4`,
	versions: `SELECT value, version FROM artifacts
		WHERE collection == ?1 && auid == ?2 && urihash == ?3 && version < ?4
			&& committed == true && deleted == false
		ORDER BY version DESC
		LIMIT %d`,
	urisFrom: `SELECT DISTINCT sortkey, uri FROM artifacts
		WHERE collection == ?1 && auid == ?2 && sortkey >= ?3
		ORDER BY sortkey
		LIMIT %d`,
	urisAfter: `SELECT DISTINCT sortkey, uri FROM artifacts
		WHERE collection == ?1 && auid == ?2 && sortkey > ?3
		ORDER BY sortkey
		LIMIT %d`,
	collections: `SELECT DISTINCT collection FROM artifacts ORDER BY collection`,
	aus:         `SELECT DISTINCT auid FROM artifacts WHERE collection == ?1 ORDER BY auid`,
	auGet:       `SELECT value FROM aus WHERE collection == ?1 && auid == ?2`,
	auUpdate:    `UPDATE aus SET value = ?1 WHERE collection == ?2 && auid == ?3`,
	auInsert:    `INSERT INTO aus VALUES (?2, ?3, ?1)`,
}

// each in-memory database gets its own name, since the driver shares
// databases opened with the same name
var qlMemCount int64

// NewQL opens the QL database in the given file, creating it if needed. The
// filename "memory" means to keep everything in memory.
func NewQL(filename string) (*SQL, error) {
	driver := "ql"
	if filename == "memory" {
		driver = "ql-mem"
		filename = fmt.Sprintf("mem%d.db", atomic.AddInt64(&qlMemCount, 1))
	}
	db, err := migration.OpenWith(
		driver,
		filename,
		qlMigrations,
		qlVersioning.Get,
		qlVersioning.Set)
	if err != nil {
		log.Printf("Open QL: %s", err.Error())
		return nil, err
	}
	return &SQL{db: db, q: qlDialect}, nil
}

func qlschema1(tx migration.LimitedTx) error {
	var s = []string{
		`CREATE TABLE IF NOT EXISTS artifacts (
			collection string,
			auid string,
			urihash string,
			uri string,
			sortkey string,
			version int,
			committed bool,
			deleted bool,
			value blob
		)`,
		`CREATE INDEX IF NOT EXISTS artifactshash ON artifacts (urihash)`,
		`CREATE INDEX IF NOT EXISTS artifactssortkey ON artifacts (sortkey)`,
		`CREATE TABLE IF NOT EXISTS aus (
			collection string,
			auid string,
			value blob
		)`,
	}
	return execlist(tx, s)
}
