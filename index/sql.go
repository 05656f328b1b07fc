package index

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"sync"

	"github.com/BurntSushi/migration"
	"github.com/pkg/errors"

	"github.com/ndlib/arcrepo/artifact"
)

// SQL is an artifact.Index kept in a relational database. Each record is a
// row holding the JSON encoded artifact next to the columns used to find it.
//
// The sortkey column holds the hex encoding of artifact.SortKey(uri). Hex
// encoding keeps byte order, so ordering by sortkey is URI order, and the
// column is a plain string in every dialect.
type SQL struct {
	db *sql.DB
	q  *dialect

	// m serializes version allocation within this process. The database
	// transaction protects against other processes.
	m sync.Mutex
}

var _ artifact.Index = &SQL{}

// dialect holds the statements for one database.
//
// Statements whose parameter order is not noted take them in the order of the
// comment. Limits are formatted into the text with %d.
type dialect struct {
	name        string
	maxVersion  string // collection, auid, urihash
	insert      string // collection, auid, urihash, uri, sortkey, version, committed, deleted, value
	update      string // committed, deleted, value, collection, auid, urihash, version
	get         string // collection, auid, urihash, version
	versions    string // collection, auid, urihash, before; %d limit. selects value, version
	urisFrom    string // collection, auid, sortkey; %d limit. selects sortkey, uri
	urisAfter   string // collection, auid, sortkey; %d limit. selects sortkey, uri
	collections string
	aus         string // collection
	auGet       string // collection, auid
	auUpdate    string // value, collection, auid
	auInsert    string // value, collection, auid. empty if auUpdate is an upsert
}

func uriHash(uri string) string {
	h := sha256.Sum256([]byte(uri))
	return hex.EncodeToString(h[:])
}

func hexSortKey(uri string) string {
	return hex.EncodeToString(artifact.SortKey(uri))
}

// Close implements artifact.Index.
func (s *SQL) Close() error {
	return s.db.Close()
}

// performTx runs f inside a transaction, committing if f returns nil.
func (s *SQL) performTx(f func(tx *sql.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	err = f(tx)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// Insert implements artifact.Index.
func (s *SQL) Insert(a *artifact.Artifact) (int, error) {
	s.m.Lock()
	defer s.m.Unlock()
	var version int
	h := uriHash(a.URI)
	err := s.performTx(func(tx *sql.Tx) error {
		var max sql.NullInt64
		err := tx.QueryRow(s.q.maxVersion, a.Collection, a.AUID, h).Scan(&max)
		if err != nil && err != sql.ErrNoRows {
			return err
		}
		rec := *a
		rec.Version = int(max.Int64) + 1
		value, err := json.Marshal(&rec)
		if err != nil {
			return err
		}
		_, err = tx.Exec(s.q.insert, a.Collection, a.AUID, h, a.URI, hexSortKey(a.URI),
			rec.Version, rec.Committed, rec.Deleted, value)
		version = rec.Version
		return err
	})
	if err != nil {
		return 0, errors.Wrapf(err, "%s insert", s.q.name)
	}
	return version, nil
}

// Update implements artifact.Index.
func (s *SQL) Update(a *artifact.Artifact) error {
	value, err := json.Marshal(a)
	if err != nil {
		return err
	}
	return s.performTx(func(tx *sql.Tx) error {
		result, err := tx.Exec(s.q.update, a.Committed, a.Deleted, value,
			a.Collection, a.AUID, uriHash(a.URI), a.Version)
		if err != nil {
			return err
		}
		nrows, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if nrows == 0 {
			return artifact.ErrNotFound
		}
		return nil
	})
}

func decodeArtifact(value []byte) (*artifact.Artifact, error) {
	a := new(artifact.Artifact)
	if err := json.Unmarshal(value, a); err != nil {
		return nil, err
	}
	return a, nil
}

// Get implements artifact.Index.
func (s *SQL) Get(id artifact.Identifier) (*artifact.Artifact, error) {
	var value []byte
	err := s.db.QueryRow(s.q.get, id.Collection, id.AUID, uriHash(id.URI), id.Version).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	return decodeArtifact(value)
}

// Latest implements artifact.Index.
func (s *SQL) Latest(collection, auid, uri string) (*artifact.Artifact, error) {
	result, err := s.Versions(collection, auid, uri, 0, 1)
	if len(result) == 0 {
		return nil, err
	}
	return result[0], err
}

func sqlLimit(limit int) int {
	if limit <= 0 {
		return math.MaxInt32
	}
	return limit
}

// Versions implements artifact.Index.
func (s *SQL) Versions(collection, auid, uri string, before, limit int) ([]*artifact.Artifact, error) {
	if before <= 0 {
		before = math.MaxInt32
	}
	query := fmt.Sprintf(s.q.versions, sqlLimit(limit))
	rows, err := s.db.Query(query, collection, auid, uriHash(uri), before)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var result []*artifact.Artifact
	for rows.Next() {
		var value []byte
		var version int64
		if err := rows.Scan(&value, &version); err != nil {
			return result, err
		}
		a, err := decodeArtifact(value)
		if err != nil {
			return result, err
		}
		result = append(result, a)
	}
	return result, rows.Err()
}

// URIs implements artifact.Index.
func (s *SQL) URIs(collection, auid, prefix, after string, limit int) ([]string, error) {
	pkey := hexSortKey(prefix)
	query, start := s.q.urisFrom, pkey
	if akey := hexSortKey(after); after != "" && akey >= pkey {
		query, start = s.q.urisAfter, akey
	}
	rows, err := s.db.Query(fmt.Sprintf(query, sqlLimit(limit)), collection, auid, start)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var result []string
	for rows.Next() {
		var key, uri string
		if err := rows.Scan(&key, &uri); err != nil {
			return result, err
		}
		if len(key) < len(pkey) || key[:len(pkey)] != pkey {
			break
		}
		result = append(result, uri)
	}
	return result, rows.Err()
}

func (s *SQL) strings(query string, args ...interface{}) ([]string, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var result []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return result, err
		}
		result = append(result, v)
	}
	return result, rows.Err()
}

// Collections implements artifact.Index.
func (s *SQL) Collections() ([]string, error) {
	return s.strings(s.q.collections)
}

// AUs implements artifact.Index.
func (s *SQL) AUs(collection string) ([]string, error) {
	return s.strings(s.q.aus, collection)
}

// AUState implements artifact.Index.
func (s *SQL) AUState(collection, auid string) (*artifact.AUState, error) {
	st := new(artifact.AUState)
	var value []byte
	err := s.db.QueryRow(s.q.auGet, collection, auid).Scan(&value)
	if err == sql.ErrNoRows {
		return st, nil
	} else if err != nil {
		return nil, err
	}
	err = json.Unmarshal(value, st)
	return st, err
}

// SetAUState implements artifact.Index.
func (s *SQL) SetAUState(collection, auid string, state *artifact.AUState) error {
	value, err := json.Marshal(state)
	if err != nil {
		return err
	}
	return s.performTx(func(tx *sql.Tx) error {
		result, err := tx.Exec(s.q.auUpdate, value, collection, auid)
		if err != nil {
			return err
		}
		nrows, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if nrows == 0 && s.q.auInsert != "" {
			// record didn't exist. create it
			_, err = tx.Exec(s.q.auInsert, value, collection, auid)
		}
		return err
	})
}

// we need to adapt the migration version functions to work with MySQL and QL
// This code is slightly modified from github.com/BurntSushi/migration

type dbVersion struct {
	// SQL to get the version of this db, returns one row and one column
	GetSQL string
	// SQL to insert a new version of this db. takes one parameter, the new
	// version
	SetSQL string
	// the SQL to create the version table for this db
	CreateSQL string
}

func (d dbVersion) Get(tx migration.LimitedTx) (int, error) {
	v, err := d.get(tx)
	if err != nil {
		// we assume error means there is no migration table
		log.Println(err.Error())
		return 0, nil
	}
	return v, nil
}

func (d dbVersion) Set(tx migration.LimitedTx, version int) error {
	if err := d.set(tx, version); err != nil {
		if err := d.createTable(tx); err != nil {
			return err
		}
		return d.set(tx, version)
	}
	return nil
}

func (d dbVersion) get(tx migration.LimitedTx) (int, error) {
	var version sql.NullInt64
	r := tx.QueryRow(d.GetSQL)
	if err := r.Scan(&version); err != nil {
		return 0, err
	}
	return int(version.Int64), nil
}

func (d dbVersion) set(tx migration.LimitedTx, version int) error {
	_, err := tx.Exec(d.SetSQL, version)
	return err
}

func (d dbVersion) createTable(tx migration.LimitedTx) error {
	_, err := tx.Exec(d.CreateSQL)
	if err == nil {
		err = d.set(tx, 0)
	}
	return err
}

// execlist exec's each item in the list, return if there is an error.
// Used to work around mysql driver not handling compound exec statements.
func execlist(tx migration.LimitedTx, stms []string) error {
	var err error
	for _, s := range stms {
		_, err = tx.Exec(s)
		if err != nil {
			break
		}
	}
	return err
}
