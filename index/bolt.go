package index

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"time"

	"github.com/boltdb/bolt"
	"github.com/pkg/errors"

	"github.com/ndlib/arcrepo/artifact"
)

// Bolt is an artifact.Index kept in a BoltDB file.
//
// Records live in nested buckets: artifacts / collection / AU / URI, where
// the URI bucket is keyed by artifact.SortKey so a cursor over an AU bucket
// visits URIs in order. Inside a URI bucket the keys are big endian version
// numbers. The bucket's sequence is the version counter, so allocating a
// version and saving its record happen in the same transaction.
type Bolt struct {
	db   *bolt.DB
	Path string
}

var (
	_ artifact.Index = &Bolt{}

	bucketArtifacts = []byte("artifacts")
	bucketAUs       = []byte("aus")
)

const (
	// fileMode sets permissions so owner can read and write
	fileMode = 0600

	defaultTimeout = 1 * time.Second
)

// NewBolt opens, creating if needed, the BoltDB index at path.
func NewBolt(path string) (*Bolt, error) {
	db, err := bolt.Open(path, fileMode, &bolt.Options{Timeout: defaultTimeout})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketArtifacts); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketAUs)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Bolt{db: db, Path: path}, nil
}

// Close implements artifact.Index.
func (b *Bolt) Close() error {
	return b.db.Close()
}

func versionKey(v int) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], uint64(v))
	return k[:]
}

// auBucket returns the bucket for an AU, or nil.
func auBucket(tx *bolt.Tx, collection, auid string) *bolt.Bucket {
	c := tx.Bucket(bucketArtifacts).Bucket([]byte(collection))
	if c == nil {
		return nil
	}
	return c.Bucket([]byte(auid))
}

func uriBucket(tx *bolt.Tx, collection, auid, uri string) *bolt.Bucket {
	au := auBucket(tx, collection, auid)
	if au == nil {
		return nil
	}
	return au.Bucket(artifact.SortKey(uri))
}

// Insert implements artifact.Index.
func (b *Bolt) Insert(a *artifact.Artifact) (int, error) {
	var version int
	err := b.db.Update(func(tx *bolt.Tx) error {
		c, err := tx.Bucket(bucketArtifacts).CreateBucketIfNotExists([]byte(a.Collection))
		if err != nil {
			return err
		}
		au, err := c.CreateBucketIfNotExists([]byte(a.AUID))
		if err != nil {
			return err
		}
		ub, err := au.CreateBucketIfNotExists(artifact.SortKey(a.URI))
		if err != nil {
			return err
		}
		seq, err := ub.NextSequence()
		if err != nil {
			return err
		}
		rec := *a
		rec.Version = int(seq)
		value, err := json.Marshal(&rec)
		if err != nil {
			return err
		}
		version = rec.Version
		return ub.Put(versionKey(version), value)
	})
	if err != nil {
		return 0, errors.Wrap(err, "bolt insert")
	}
	return version, nil
}

// Update implements artifact.Index.
func (b *Bolt) Update(a *artifact.Artifact) error {
	value, err := json.Marshal(a)
	if err != nil {
		return err
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		ub := uriBucket(tx, a.Collection, a.AUID, a.URI)
		if ub == nil || ub.Get(versionKey(a.Version)) == nil {
			return artifact.ErrNotFound
		}
		return ub.Put(versionKey(a.Version), value)
	})
}

// Get implements artifact.Index.
func (b *Bolt) Get(id artifact.Identifier) (*artifact.Artifact, error) {
	var result *artifact.Artifact
	err := b.db.View(func(tx *bolt.Tx) error {
		ub := uriBucket(tx, id.Collection, id.AUID, id.URI)
		if ub == nil || id.Version <= 0 {
			return nil
		}
		v := ub.Get(versionKey(id.Version))
		if v == nil {
			return nil
		}
		result = new(artifact.Artifact)
		return json.Unmarshal(v, result)
	})
	return result, err
}

// Latest implements artifact.Index.
func (b *Bolt) Latest(collection, auid, uri string) (*artifact.Artifact, error) {
	result, err := b.Versions(collection, auid, uri, 0, 1)
	if len(result) == 0 {
		return nil, err
	}
	return result[0], err
}

// Versions implements artifact.Index.
func (b *Bolt) Versions(collection, auid, uri string, before, limit int) ([]*artifact.Artifact, error) {
	var result []*artifact.Artifact
	err := b.db.View(func(tx *bolt.Tx) error {
		ub := uriBucket(tx, collection, auid, uri)
		if ub == nil {
			return nil
		}
		cur := ub.Cursor()
		var k, v []byte
		if before > 0 {
			k, _ = cur.Seek(versionKey(before))
		}
		if k == nil {
			k, v = cur.Last()
		} else {
			k, v = cur.Prev()
		}
		for ; k != nil; k, v = cur.Prev() {
			if limit > 0 && len(result) >= limit {
				break
			}
			a := new(artifact.Artifact)
			if err := json.Unmarshal(v, a); err != nil {
				return err
			}
			if a.Committed && !a.Deleted {
				result = append(result, a)
			}
		}
		return nil
	})
	return result, err
}

// URIs implements artifact.Index.
func (b *Bolt) URIs(collection, auid, prefix, after string, limit int) ([]string, error) {
	var result []string
	pkey := artifact.SortKey(prefix)
	akey := artifact.SortKey(after)
	start := pkey
	if bytes.Compare(akey, start) >= 0 {
		start = akey
	}
	err := b.db.View(func(tx *bolt.Tx) error {
		au := auBucket(tx, collection, auid)
		if au == nil {
			return nil
		}
		cur := au.Cursor()
		for k, v := cur.Seek(start); k != nil; k, v = cur.Next() {
			if !bytes.HasPrefix(k, pkey) {
				break
			}
			if v != nil || (after != "" && bytes.Equal(k, akey)) {
				continue
			}
			if limit > 0 && len(result) >= limit {
				break
			}
			result = append(result, artifact.URIFromSortKey(k))
		}
		return nil
	})
	return result, err
}

// Collections implements artifact.Index.
func (b *Bolt) Collections() ([]string, error) {
	var result []string
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketArtifacts).ForEach(func(k, v []byte) error {
			if v == nil {
				result = append(result, string(k))
			}
			return nil
		})
	})
	return result, err
}

// AUs implements artifact.Index.
func (b *Bolt) AUs(collection string) ([]string, error) {
	var result []string
	err := b.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketArtifacts).Bucket([]byte(collection))
		if c == nil {
			return nil
		}
		return c.ForEach(func(k, v []byte) error {
			if v == nil {
				result = append(result, string(k))
			}
			return nil
		})
	})
	return result, err
}

func auKey(collection, auid string) []byte {
	return []byte(collection + "\x00" + auid)
}

// AUState implements artifact.Index.
func (b *Bolt) AUState(collection, auid string) (*artifact.AUState, error) {
	st := new(artifact.AUState)
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketAUs).Get(auKey(collection, auid))
		if v == nil {
			return nil
		}
		return json.Unmarshal(v, st)
	})
	return st, err
}

// SetAUState implements artifact.Index.
func (b *Bolt) SetAUState(collection, auid string, state *artifact.AUState) error {
	value, err := json.Marshal(state)
	if err != nil {
		return err
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAUs).Put(auKey(collection, auid), value)
	})
}
