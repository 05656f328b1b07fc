// Package artifact implements a versioned artifact repository.
//
// Every fetched version of a URI is kept as its own artifact, named by the
// collection, the archival unit (AU), the URI, and a version number. Version
// numbers start at 1 and only ever increase for a given URI. They are never
// reused, even after the artifact holding one is deleted.
//
// Writing is done in two phases. Add streams the content into the content
// store and records an uncommitted version. Commit makes that version visible
// to lookups of the latest version. An uncommitted version can still be read
// by asking for it explicitly.
//
// The repository is split between a store.Store, which holds the content
// bytes under opaque keys, and an Index, which holds the artifact records
// and allocates version numbers. Content is first written under a pending key
// and renamed to a permanent key when it is committed.
package artifact

import (
	"crypto/rand"
	"encoding/hex"
	"hash/fnv"
	"io"
	"log"
	"sort"
	"strings"
	"sync"

	"github.com/facebookgo/clock"
	raven "github.com/getsentry/raven-go"
	"github.com/opencontainers/go-digest"
	"github.com/pkg/errors"

	"github.com/ndlib/arcrepo/store"
	"github.com/ndlib/arcrepo/util"
)

// Repository is a versioned artifact store. It is safe to use from many
// goroutines. Reads never wait on writers.
type Repository struct {
	index   Index
	content store.Store

	// Algorithm is the digest computed over content as it is added. If it
	// is empty no digest is kept and no Checksum property is reported.
	Algorithm digest.Algorithm

	// Clock gives the creation and last content change times.
	Clock clock.Clock

	// locks serialize commit and delete on the same URI
	locks [lockStripes]sync.Mutex

	// aum serializes read-modify-write of AU state
	aum sync.Mutex
}

const lockStripes = 64

// Prefixes of StorageURL values and content keys.
const (
	pendingScheme = "pending:"
	contentScheme = "content:"
	pendingPrefix = "p"
	contentPrefix = "c"
)

// NewRepository returns a repository keeping records in index and content in
// content. It computes SHA-256 digests by default.
func NewRepository(index Index, content store.Store) *Repository {
	return &Repository{
		index:     index,
		content:   content,
		Algorithm: digest.SHA256,
		Clock:     clock.New(),
	}
}

// Close closes the index.
func (r *Repository) Close() error {
	return r.index.Close()
}

func (r *Repository) lock(id Identifier) *sync.Mutex {
	h := fnv.New32a()
	io.WriteString(h, id.Collection)
	h.Write([]byte{0})
	io.WriteString(h, id.AUID)
	h.Write([]byte{0})
	io.WriteString(h, id.URI)
	return &r.locks[h.Sum32()%lockStripes]
}

// Add stores the content of d as a new, uncommitted version of its URI. The
// version in d is ignored. The content stream of d is consumed.
//
// If the content cannot be read or saved, nothing is recorded and no version
// number is used up. Failures reading d are returned as they are; failures
// of the repository itself are returned as a *RepositoryError.
func (r *Repository) Add(d *Data) (*Artifact, error) {
	id := d.Identifier.Latest()
	if err := id.validate(); err != nil {
		return nil, errors.Wrap(err, id.String())
	}
	body, err := d.Open()
	if err != nil {
		return nil, err
	}
	defer body.Close()

	pending := pendingPrefix + newKey()
	w, err := r.content.Create(pending)
	if err != nil {
		return nil, repoError("add", id, err)
	}
	var dw *util.DigestWriter
	var dest io.Writer = w
	if r.Algorithm != "" {
		dw = util.NewDigestWriter(w, r.Algorithm)
		dest = dw
	}
	src := &errorReader{r: body}
	n, err := io.Copy(dest, src)
	cerr := w.Close()
	if err == nil {
		err = cerr
	}
	if err != nil {
		r.content.Delete(pending)
		if src.err != nil {
			return nil, errors.Wrapf(src.err, "reading content for %s", id)
		}
		return nil, repoError("add", id, err)
	}

	now := r.Clock.Now()
	a := &Artifact{
		Identifier:    id,
		ContentLength: n,
		StorageURL:    pendingScheme + pending,
		FetchTime:     d.FetchTime,
		Created:       now,
		Header:        d.Header.Clone(),
		Status:        d.Status,
	}
	if dw != nil {
		a.ContentDigest = dw.Digest()
	}
	if a.FetchTime.IsZero() {
		a.FetchTime = now
	}
	v, err := r.index.Insert(a)
	if err != nil {
		r.content.Delete(pending)
		return nil, repoError("add", id, err)
	}
	a.Version = v
	return a.Copy(), nil
}

// Commit makes the version named by a visible to lookups of the latest
// version. It returns the committed artifact, whose StorageURL differs from
// the uncommitted one. Committing a version which does not exist or was
// deleted returns ErrNotFound. Committing a version twice returns
// ErrInvalidState.
func (r *Repository) Commit(a *Artifact) (*Artifact, error) {
	if a == nil || a.Version <= 0 {
		return nil, ErrBadIdentifier
	}
	id := a.Identifier
	m := r.lock(id)
	m.Lock()
	defer m.Unlock()

	rec, err := r.index.Get(id)
	if err != nil {
		return nil, repoError("commit", id, err)
	}
	if rec == nil || rec.Deleted {
		return nil, errors.Wrap(ErrNotFound, id.String())
	}
	if rec.Committed {
		return nil, errors.Wrapf(ErrInvalidState, "%s already committed", id)
	}
	pending := strings.TrimPrefix(rec.StorageURL, pendingScheme)
	final := contentPrefix + strings.TrimPrefix(pending, pendingPrefix)
	err = store.Rename(r.content, pending, final)
	if err != nil {
		return nil, repoError("commit", id, err)
	}
	rec.Committed = true
	rec.StorageURL = contentScheme + final
	err = r.index.Update(rec)
	if err != nil {
		// put the content back so the pending version is still whole
		if err2 := store.Rename(r.content, final, pending); err2 != nil {
			log.Printf("commit %s: restoring pending content: %s", id, err2)
			raven.CaptureError(err2, map[string]string{"artifact": id.String()})
		}
		return nil, repoError("commit", id, err)
	}

	err = r.UpdateAUState(id.Collection, id.AUID, func(st *AUState) {
		st.LastContentChange = r.Clock.Now()
	})
	if err != nil {
		log.Printf("commit %s: updating AU state: %s", id, err)
	}
	return rec.Copy(), nil
}

// Delete marks the version named by a as deleted. Its number is not reused
// and other versions are not affected. Deleting a version which does not
// exist or was already deleted returns ErrNotFound.
func (r *Repository) Delete(a *Artifact) error {
	if a == nil || a.Version <= 0 {
		return ErrBadIdentifier
	}
	id := a.Identifier
	m := r.lock(id)
	m.Lock()
	defer m.Unlock()

	rec, err := r.index.Get(id)
	if err != nil {
		return repoError("delete", id, err)
	}
	if rec == nil || rec.Deleted {
		return errors.Wrap(ErrNotFound, id.String())
	}
	rec.Deleted = true
	err = r.index.Update(rec)
	if err != nil {
		return repoError("delete", id, err)
	}
	// the record is the source of truth, so leftover bytes are only waste
	err = r.content.Delete(storageKey(rec.StorageURL))
	if err != nil {
		log.Printf("delete %s: removing content: %s", id, err)
		raven.CaptureError(err, map[string]string{"artifact": id.String()})
	}
	return nil
}

// Artifact returns the highest committed version of uri, or nil if there is
// none.
func (r *Repository) Artifact(collection, auid, uri string) (*Artifact, error) {
	return r.index.Latest(collection, auid, uri)
}

// ArtifactVersion returns the given version of uri. Uncommitted versions are
// only returned if includeUncommitted is set. It returns nil if there is no
// such version or it was deleted.
func (r *Repository) ArtifactVersion(collection, auid, uri string, version int, includeUncommitted bool) (*Artifact, error) {
	if version <= 0 {
		return nil, nil
	}
	rec, err := r.index.Get(Identifier{collection, auid, uri, version})
	if err != nil || rec == nil {
		return nil, err
	}
	if rec.Deleted || (!rec.Committed && !includeUncommitted) {
		return nil, nil
	}
	return rec, nil
}

// ArtifactData opens the content of a. Every call returns a new Data with
// its own stream. If a was obtained before it was committed, the committed
// content is returned. It returns ErrNotFound if a was deleted.
func (r *Repository) ArtifactData(a *Artifact) (*Data, error) {
	if a == nil || a.Version <= 0 {
		return nil, ErrBadIdentifier
	}
	rec, err := r.index.Get(a.Identifier)
	if err != nil {
		return nil, err
	}
	if rec == nil || rec.Deleted {
		return nil, errors.Wrap(ErrNotFound, a.Identifier.String())
	}
	rac, size, err := r.OpenContent(rec)
	if err != nil {
		return nil, err
	}
	d := NewData(rec.Identifier, rec.Header.Clone(), rec.Status, store.NewReadCloser(rac))
	d.FetchTime = rec.FetchTime
	d.Length = size
	d.Digest = rec.ContentDigest
	return d, nil
}

// OpenContent opens the content of a for random access. It returns
// ErrNotFound if a was deleted. The caller must close the reader.
func (r *Repository) OpenContent(a *Artifact) (store.ReadAtCloser, int64, error) {
	if a == nil || a.Version <= 0 {
		return nil, 0, ErrBadIdentifier
	}
	// a commit may move the content between reading the record and
	// opening it, so try a second time
	var err error
	for try := 0; try < 2; try++ {
		var rec *Artifact
		rec, err = r.index.Get(a.Identifier)
		if err != nil {
			return nil, 0, err
		}
		if rec == nil || rec.Deleted {
			return nil, 0, errors.Wrap(ErrNotFound, a.Identifier.String())
		}
		var rac store.ReadAtCloser
		var size int64
		rac, size, err = r.content.Open(storageKey(rec.StorageURL))
		if errors.Is(err, store.ErrNotExist) {
			continue
		}
		return rac, size, err
	}
	return nil, 0, errors.Wrapf(err, "opening content of %s", a.Identifier)
}

// Artifacts iterates over the latest committed version of every URI in the
// AU, in plain lexicographic order of the URIs. The URI list is read when
// the first artifact is asked for.
func (r *Repository) Artifacts(collection, auid string) *Iterator {
	var uris []string
	var listed bool
	return &Iterator{fill: func() ([]*Artifact, bool, error) {
		if !listed {
			listed = true
			var err error
			uris, err = r.allURIs(collection, auid)
			if err != nil {
				return nil, true, err
			}
			sort.Strings(uris)
		}
		var page []*Artifact
		for len(uris) > 0 && len(page) < pageSize {
			uri := uris[0]
			uris = uris[1:]
			a, err := r.index.Latest(collection, auid, uri)
			if err != nil {
				return page, true, err
			}
			if a != nil {
				page = append(page, a)
			}
		}
		return page, len(uris) == 0, nil
	}}
}

func (r *Repository) allURIs(collection, auid string) ([]string, error) {
	var result []string
	var after string
	for {
		uris, err := r.index.URIs(collection, auid, "", after, pageSize)
		if err != nil {
			return nil, err
		}
		result = append(result, uris...)
		if len(uris) < pageSize {
			return result, nil
		}
		after = uris[len(uris)-1]
	}
}

// ArtifactsWithPrefix iterates over the latest committed version of every
// URI in the AU which begins with prefix, in the tree order of CompareURLs:
// a URI comes right before the URIs below it. With an empty prefix this
// walks the whole AU.
func (r *Repository) ArtifactsWithPrefix(collection, auid, prefix string) *Iterator {
	var after string
	var exhausted bool
	return &Iterator{fill: func() ([]*Artifact, bool, error) {
		if exhausted {
			return nil, true, nil
		}
		uris, err := r.index.URIs(collection, auid, prefix, after, pageSize)
		if err != nil {
			return nil, true, err
		}
		exhausted = len(uris) < pageSize
		var page []*Artifact
		for _, uri := range uris {
			after = uri
			a, err := r.index.Latest(collection, auid, uri)
			if err != nil {
				return page, true, err
			}
			if a != nil {
				page = append(page, a)
			}
		}
		return page, exhausted, nil
	}}
}

// ArtifactsAllVersions iterates over every committed version of uri, newest
// first.
func (r *Repository) ArtifactsAllVersions(collection, auid, uri string) *Iterator {
	return r.versions(collection, auid, uri, 0)
}

// Versions returns at most limit committed versions of uri, newest first.
func (r *Repository) Versions(collection, auid, uri string, limit int) ([]*Artifact, error) {
	it := r.versions(collection, auid, uri, limit)
	defer it.Close()
	var result []*Artifact
	for it.Next() {
		result = append(result, it.Artifact())
	}
	return result, it.Err()
}

func (r *Repository) versions(collection, auid, uri string, limit int) *Iterator {
	var before, seen int
	var exhausted bool
	return &Iterator{fill: func() ([]*Artifact, bool, error) {
		n := pageSize
		if limit > 0 && limit-seen < n {
			n = limit - seen
		}
		if exhausted || n <= 0 {
			return nil, true, nil
		}
		page, err := r.index.Versions(collection, auid, uri, before, n)
		if err != nil {
			return nil, true, err
		}
		seen += len(page)
		exhausted = len(page) < n
		if len(page) > 0 {
			before = page[len(page)-1].Version
		}
		return page, exhausted, nil
	}}
}

// Collections returns the names of all collections.
func (r *Repository) Collections() ([]string, error) {
	return r.index.Collections()
}

// AUs returns the ids of the AUs in a collection.
func (r *Repository) AUs(collection string) ([]string, error) {
	return r.index.AUs(collection)
}

// AUState returns the saved state of an AU.
func (r *Repository) AUState(collection, auid string) (*AUState, error) {
	return r.index.AUState(collection, auid)
}

// UpdateAUState applies f to the saved state of an AU and saves the result.
func (r *Repository) UpdateAUState(collection, auid string, f func(*AUState)) error {
	r.aum.Lock()
	defer r.aum.Unlock()
	st, err := r.index.AUState(collection, auid)
	if err != nil {
		return err
	}
	if st == nil {
		st = new(AUState)
	}
	f(st)
	return r.index.SetAUState(collection, auid, st)
}

// the number of records fetched from the index at a time by iterators
const pageSize = 100

// storageKey turns a StorageURL back into a content key.
func storageKey(storageURL string) string {
	if strings.HasPrefix(storageURL, pendingScheme) {
		return storageURL[len(pendingScheme):]
	}
	return strings.TrimPrefix(storageURL, contentScheme)
}

// newKey returns a random hex string to use in a content key.
func newKey() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(err)
	}
	return hex.EncodeToString(b[:])
}

// errorReader remembers a read error so it can be told apart from a write
// error returned by io.Copy.
type errorReader struct {
	r   io.Reader
	err error
}

func (e *errorReader) Read(p []byte) (int, error) {
	n, err := e.r.Read(p)
	if err != nil && err != io.EOF {
		e.err = err
	}
	return n, err
}
