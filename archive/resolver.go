package archive

import (
	"bytes"
	"fmt"
	"io"
	"log"
	"strings"

	"github.com/golang/groupcache/singleflight"
	"github.com/klauspost/compress/gzip"
	"github.com/opencontainers/go-digest"
	"github.com/pkg/errors"

	"github.com/ndlib/arcrepo/artifact"
	"github.com/ndlib/arcrepo/blobcache"
)

// ErrSpillTooLarge means a compressed container needed random access, but
// the spill cache could not hold it and it is too large to keep in memory.
var ErrSpillTooLarge = errors.New("container too large to spill")

// Resolver opens archive members stored in a repository.
//
// Compressed bytes which must be read randomly, such as the tar inside a
// tgz file or a deflated zip inside a zip, are decompressed into Cache.
// Concurrent requests for the same bytes only decompress them once. If the
// cache cannot hold an item, up to MaxMemorySpill bytes are kept in memory
// instead.
type Resolver struct {
	Repo           *artifact.Repository
	Cache          blobcache.Cache
	Mime           MimeMap
	MaxMemorySpill int64

	group singleflight.Group
}

// NewResolver returns a Resolver reading from repo. cache may be nil.
func NewResolver(repo *artifact.Repository, cache blobcache.Cache) *Resolver {
	if cache == nil {
		cache = blobcache.EmptyCache{}
	}
	return &Resolver{
		Repo:           repo,
		Cache:          cache,
		MaxMemorySpill: 32 << 20,
	}
}

// Archive is an opened host container.
type Archive struct {
	Host    *artifact.Artifact
	r       *Resolver
	c       container
	key     string
	closers []io.Closer
}

// Open opens the content of host as a container. It returns an error
// wrapping ErrNotContainer if host is not in a recognized format.
func (r *Resolver) Open(host *artifact.Artifact) (*Archive, error) {
	ra, size, closers, err := r.hostBytes(host)
	if err != nil {
		return nil, err
	}
	key := hostKey(host)
	c, more, err := r.openContainer(key, host.URI, ra, size)
	closers = append(closers, more...)
	if err != nil {
		closeAll(closers)
		return nil, err
	}
	return &Archive{Host: host, r: r, c: c, key: key, closers: closers}, nil
}

// Entries lists the files in the container in the order they are stored.
// Files inside nested containers are not included.
func (a *Archive) Entries() []Entry {
	return a.c.entries()
}

// Close releases the host content.
func (a *Archive) Close() error {
	err := closeAll(a.closers)
	a.closers = nil
	return err
}

// Member resolves a member path inside this archive. The path may cross
// into nested containers, using either "/" or "!/" between the levels.
// The returned Member must be closed, and is only valid until the Archive
// is closed.
func (a *Archive) Member(memberPath string) (*Member, error) {
	m := &Member{Host: a.Host.URI, Path: memberPath}
	c := a.c
	key := a.key
	rest := cleanName(strings.Replace(memberPath, Separator, "/", -1))
	for rest != "" {
		if e, ok := c.lookup(rest); ok {
			name := rest
			m.Entry = e
			m.Type = a.r.Mime.TypeOf(name)
			m.open = func() (io.ReadCloser, error) { return c.open(name) }
			return m, nil
		}
		// descend into the longest prefix which is a file
		next := ""
		for i := len(rest); i > 0; {
			i = strings.LastIndex(rest[:i], "/")
			if i <= 0 {
				break
			}
			if _, ok := c.lookup(rest[:i]); ok {
				next = rest[:i]
				break
			}
		}
		if next == "" {
			break
		}
		key = spillKey(key, next)
		ra, size, closer, err := a.r.memberBytes(c, key, next)
		if err != nil {
			m.Close()
			return nil, err
		}
		if closer != nil {
			m.closers = append(m.closers, closer)
		}
		inner, more, err := a.r.openContainer(key, next, ra, size)
		m.closers = append(m.closers, more...)
		if errors.Is(err, ErrNotContainer) {
			break
		} else if err != nil {
			m.Close()
			return nil, err
		}
		c = inner
		rest = rest[len(next)+1:]
	}
	m.Close()
	return &Member{Host: a.Host.URI, Path: memberPath}, nil
}

// Resolve finds memberPath inside host. A nil or deleted host, a host which
// is not a container, or a missing member all give a Member without
// content and a nil error. The Member must be closed.
func (r *Resolver) Resolve(host *artifact.Artifact, memberPath string) (*Member, error) {
	if host == nil || host.Deleted {
		m := &Member{Path: memberPath}
		if host != nil {
			m.Host = host.URI
		}
		return m, nil
	}
	a, err := r.Open(host)
	if errors.Is(err, ErrNotContainer) || errors.Is(err, artifact.ErrNotFound) {
		return &Member{Host: host.URI, Path: memberPath}, nil
	} else if err != nil {
		return nil, err
	}
	m, err := a.Member(memberPath)
	if err != nil || !m.HasContent() {
		a.Close()
		return m, err
	}
	// the member now owns the host
	m.closers = append(a.closers, m.closers...)
	a.closers = nil
	return m, nil
}

// Members lists the entries of host in container order. If host is not a
// container the list is empty.
func (r *Resolver) Members(host *artifact.Artifact) ([]Entry, error) {
	a, err := r.Open(host)
	if errors.Is(err, ErrNotContainer) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	defer a.Close()
	return a.Entries(), nil
}

// hostBytes opens the content of host. If host is the .zip file of a split
// archive the segments are joined.
func (r *Resolver) hostBytes(host *artifact.Artifact) (io.ReaderAt, int64, []io.Closer, error) {
	rac, size, err := r.Repo.OpenContent(host)
	if err != nil {
		return nil, 0, nil, err
	}
	closers := []io.Closer{rac}
	u := host.URI
	if len(u) < 4 || !strings.EqualFold(u[len(u)-4:], ".zip") {
		return rac, size, closers, nil
	}
	var parts []io.ReaderAt
	var sizes []int64
	for i := 1; i < 100; i++ {
		name := fmt.Sprintf("%s.%c%02d", u[:len(u)-4], u[len(u)-3], i)
		seg, err := r.Repo.Artifact(host.Collection, host.AUID, name)
		if err != nil {
			closeAll(closers)
			return nil, 0, nil, err
		}
		if seg == nil {
			break
		}
		srac, ssize, err := r.Repo.OpenContent(seg)
		if err != nil {
			closeAll(closers)
			return nil, 0, nil, err
		}
		closers = append(closers, srac)
		parts = append(parts, srac)
		sizes = append(sizes, ssize)
	}
	if len(parts) == 0 {
		return rac, size, closers, nil
	}
	ra, total, err := joinSplitZip(append(parts, rac), append(sizes, size))
	if err != nil {
		closeAll(closers)
		return nil, 0, nil, err
	}
	return ra, total, closers, nil
}

// openContainer recognizes the format of the given bytes and opens them.
// Any closers returned must be closed along with the container.
func (r *Resolver) openContainer(key, name string, ra io.ReaderAt, size int64) (container, []io.Closer, error) {
	head := make([]byte, headSize)
	n, err := ra.ReadAt(head, 0)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return nil, nil, err
	}
	head = head[:n]
	switch Detect(name, head) {
	case Zip:
		c, err := newZip(ra, size)
		return c, nil, err
	case Tar:
		c, err := newTar(ra, size)
		return c, nil, err
	case Gzip:
		return r.openGzip(key, name, ra, size)
	}
	return nil, nil, ErrNotContainer
}

// openGzip decompresses a gzip file. The result is a tar container if the
// content is a tar file, otherwise a container holding the single file.
func (r *Resolver) openGzip(key, name string, ra io.ReaderAt, size int64) (container, []io.Closer, error) {
	gz, err := gzip.NewReader(io.NewSectionReader(ra, 0, size))
	if err != nil {
		return nil, nil, errors.Wrap(ErrNotContainer, err.Error())
	}
	modTime := gz.ModTime
	gz.Close()
	key = spillKey(key, "!gunzip")
	plain, plainSize, closer, err := r.spill(key, func() (io.ReadCloser, error) {
		return gzip.NewReader(io.NewSectionReader(ra, 0, size))
	})
	if err != nil {
		return nil, nil, err
	}
	var closers []io.Closer
	if closer != nil {
		closers = append(closers, closer)
	}
	inner := gunzippedName(name)
	head := make([]byte, headSize)
	n, _ := plain.ReadAt(head, 0)
	if isTarHeader(head[:n]) || strings.HasSuffix(strings.ToLower(inner), ".tar") {
		c, err := newTar(plain, plainSize)
		if err == nil {
			return c, closers, nil
		}
	}
	return &singleContainer{
		e:  Entry{Name: inner, Size: plainSize, ModTime: modTime},
		ra: plain,
	}, closers, nil
}

// memberBytes gives random access to a member of c, spilling it into the
// cache if it is compressed.
func (r *Resolver) memberBytes(c container, key, name string) (io.ReaderAt, int64, io.Closer, error) {
	if sr := c.section(name); sr != nil {
		return sr, sr.Size(), nil, nil
	}
	return r.spill(key, func() (io.ReadCloser, error) { return c.open(name) })
}

// spill copies the stream from open into the cache under key and returns a
// reader for the cached copy.
func (r *Resolver) spill(key string, open func() (io.ReadCloser, error)) (io.ReaderAt, int64, io.Closer, error) {
	rac, size, err := r.Cache.Get(key)
	if err != nil {
		return nil, 0, nil, err
	}
	if rac != nil {
		return rac, size, rac, nil
	}
	_, err = r.group.Do(key, func() (interface{}, error) {
		if r.Cache.Contains(key) {
			return nil, nil
		}
		return nil, r.fill(key, open)
	})
	if err != nil && !errors.Is(err, blobcache.ErrCacheFull) {
		return nil, 0, nil, err
	}
	if err == nil {
		rac, size, err = r.Cache.Get(key)
		if err != nil {
			return nil, 0, nil, err
		}
		if rac != nil {
			return rac, size, rac, nil
		}
	}
	// the cache would not keep it
	src, err := open()
	if err != nil {
		return nil, 0, nil, err
	}
	defer src.Close()
	b, err := io.ReadAll(io.LimitReader(src, r.MaxMemorySpill+1))
	if err != nil {
		return nil, 0, nil, err
	}
	if int64(len(b)) > r.MaxMemorySpill {
		return nil, 0, nil, ErrSpillTooLarge
	}
	return bytes.NewReader(b), int64(len(b)), nil, nil
}

func (r *Resolver) fill(key string, open func() (io.ReadCloser, error)) error {
	src, err := open()
	if err != nil {
		return err
	}
	defer src.Close()
	w, err := r.Cache.Put(key)
	if err != nil {
		return err
	}
	_, err = io.Copy(w, src)
	err2 := w.Close()
	if err == nil {
		err = err2
	}
	if err != nil && !errors.Is(err, blobcache.ErrCacheFull) {
		log.Printf("archive: spilling %s: %s", key, err)
	}
	return err
}

// hostKey identifies the bytes of host for the spill cache.
func hostKey(host *artifact.Artifact) string {
	if host.ContentDigest != "" {
		return host.ContentDigest.String()
	}
	return host.StorageURL
}

func spillKey(parent, name string) string {
	return digest.FromString(parent + "\x00" + name).Encoded()
}

func closeAll(closers []io.Closer) error {
	var err error
	for i := len(closers) - 1; i >= 0; i-- {
		if e := closers[i].Close(); e != nil && err == nil {
			err = e
		}
	}
	return err
}
