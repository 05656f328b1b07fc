package index

import (
	"log"
	"strings"

	"github.com/BurntSushi/migration"
	_ "github.com/go-sql-driver/mysql"
)

// This file contains the MySQL dialect of the SQL index.

// List of migrations to perform. Add new ones to the end.
// DO NOT change the order of items already in this list.
var mysqlMigrations = []migration.Migrator{
	mysqlschema1,
}

// Adapt the schema versioning for MySQL

var mysqlVersioning = dbVersion{
	GetSQL:    `SELECT max(version) FROM migration_version`,
	SetSQL:    `INSERT INTO migration_version (version, applied) VALUES (?, now())`,
	CreateSQL: `CREATE TABLE migration_version (version INTEGER, applied datetime)`,
}

var mysqlDialect = &dialect{
	name: "mysql",
	maxVersion: `SELECT max(version) FROM artifacts
		WHERE collection = ? AND auid = ? AND urihash = ?
		FOR UPDATE`,
	insert: `INSERT INTO artifacts
		(collection, auid, urihash, uri, sortkey, version, committed, deleted, value)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
	update: `UPDATE artifacts SET committed = ?, deleted = ?, value = ?
		WHERE collection = ? AND auid = ? AND urihash = ? AND version = ?`,
	get: `SELECT value FROM artifacts
		WHERE collection = ? AND auid = ? AND urihash = ? AND version = ?`,
	versions: `SELECT value, version FROM artifacts
		WHERE collection = ? AND auid = ? AND urihash = ? AND version < ?
			AND committed AND NOT deleted
		ORDER BY version DESC
		LIMIT %d`,
	urisFrom: `SELECT DISTINCT sortkey, uri FROM artifacts
		WHERE collection = ? AND auid = ? AND sortkey >= ?
		ORDER BY sortkey
		LIMIT %d`,
	urisAfter: `SELECT DISTINCT sortkey, uri FROM artifacts
		WHERE collection = ? AND auid = ? AND sortkey > ?
		ORDER BY sortkey
		LIMIT %d`,
	collections: `SELECT DISTINCT collection FROM artifacts ORDER BY collection`,
	aus:         `SELECT DISTINCT auid FROM artifacts WHERE collection = ? ORDER BY auid`,
	auGet:       `SELECT value FROM aus WHERE collection = ? AND auid = ?`,
	auUpdate: `INSERT INTO aus (value, collection, auid) VALUES (?, ?, ?)
		ON DUPLICATE KEY UPDATE value = VALUES(value)`,
}

// NewMySQL connects to a MySQL database, bringing its schema up to date.
// The dial string is in the form used by github.com/go-sql-driver/mysql.
func NewMySQL(dial string) (*SQL, error) {
	// make UPDATE report matched rows, not changed rows
	if !strings.Contains(dial, "clientFoundRows") {
		if strings.Contains(dial, "?") {
			dial += "&clientFoundRows=true"
		} else {
			dial += "?clientFoundRows=true"
		}
	}
	db, err := migration.OpenWith(
		"mysql",
		dial,
		mysqlMigrations,
		mysqlVersioning.Get,
		mysqlVersioning.Set)
	if err != nil {
		log.Printf("Open Mysql: %s", err.Error())
		return nil, err
	}
	return &SQL{db: db, q: mysqlDialect}, nil
}

// database migrations. each one is a go function. Add them to the
// list mysqlMigrations at top of this file for them to be run.

func mysqlschema1(tx migration.LimitedTx) error {
	var s = []string{
		`CREATE TABLE IF NOT EXISTS artifacts (
		id bigint PRIMARY KEY AUTO_INCREMENT,
		collection varchar(191) NOT NULL,
		auid varchar(191) NOT NULL,
		urihash char(64) NOT NULL,
		uri text NOT NULL,
		sortkey varchar(8192) CHARACTER SET ascii COLLATE ascii_bin NOT NULL,
		version int NOT NULL,
		committed bool NOT NULL,
		deleted bool NOT NULL,
		value longtext NOT NULL,
		UNIQUE INDEX artifacts_version (collection, auid, urihash, version),
		INDEX artifacts_sortkey (collection, auid, sortkey(1000)))`,

		`CREATE TABLE IF NOT EXISTS aus (
		id int PRIMARY KEY AUTO_INCREMENT,
		collection varchar(191) NOT NULL,
		auid varchar(191) NOT NULL,
		value text,
		UNIQUE INDEX aus_auid (collection, auid))`,
	}
	return execlist(tx, s)
}
