// Package cachedurl presents the artifacts of an archival unit as a tree of
// URLs for reading, auditing and hashing.
//
// A CachedURL is one readable URL. It is one of three kinds: the latest
// version of a URI, a specific version of a URI, or a member of an archive
// file. All three are read the same way. Operations a kind cannot support,
// such as asking for the versions of an archive member, fail with
// ErrUnsupported.
//
// A Set is the tree view over part or all of an archival unit. The tree is
// never stored; its internal nodes are made up on the fly from the sorted
// list of URIs in the repository.
package cachedurl

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/ndlib/arcrepo/archive"
	"github.com/ndlib/arcrepo/artifact"
)

// ErrUnsupported is returned for operations a kind of CachedURL does not
// have, e.g. taking a member of an archive member.
var ErrUnsupported = fmt.Errorf("operation not supported for this url: %w", artifact.ErrInvalidState)

// A CachedURL is one readable URL in an archival unit.
type CachedURL interface {
	URL() string
	// Artifact is the stored artifact behind this URL. For archive members
	// it is the host artifact.
	Artifact() *artifact.Artifact
	HasContent() bool
	// Open returns a new stream over the content.
	Open() (io.ReadCloser, error)
	ContentSize() int64
	ContentType() string
	// Properties are the read headers: Length, Node-Url, Last-Modified,
	// and when known Checksum and Content-Type.
	Properties() http.Header
	// Version is the artifact version, or 0 if there is no content.
	Version() int

	Member(path string) (CachedURL, error)
	CuVersion(version int) (CachedURL, error)
	Versions(limit int) ([]CachedURL, error)

	Close() error
}

var (
	_ CachedURL = &Plain{}
	_ CachedURL = &Pinned{}
	_ CachedURL = &Member{}
)

// Plain is the latest committed version of a URI.
type Plain struct {
	set *Set
	uri string
	a   *artifact.Artifact // nil if there is no committed version
}

// Get returns the latest version of uri in the set's archival unit. It is not
// an error if uri has no content.
func (s *Set) Get(uri string) (*Plain, error) {
	a, err := s.Repo.Artifact(s.Collection, s.AUID, uri)
	if err != nil {
		return nil, err
	}
	return &Plain{set: s, uri: uri, a: a}, nil
}

// Lookup is Get, except a virtual URL of the form host!/path gives the
// archive member.
func (s *Set) Lookup(url string) (CachedURL, error) {
	host, path, ok := archive.SplitMemberURL(url)
	p, err := s.Get(host)
	if err != nil {
		return nil, err
	}
	if !ok {
		return p, nil
	}
	return p.Member(path)
}

func (p *Plain) URL() string                  { return p.uri }
func (p *Plain) Artifact() *artifact.Artifact { return p.a }
func (p *Plain) HasContent() bool             { return p.a != nil }
func (p *Plain) Close() error                 { return nil }

func (p *Plain) Open() (io.ReadCloser, error) {
	return openArtifact(p.set.Repo, p.a)
}

func (p *Plain) ContentSize() int64 {
	if p.a == nil {
		return 0
	}
	return p.a.ContentLength
}

func (p *Plain) ContentType() string {
	if p.a == nil {
		return ""
	}
	return p.a.ContentType()
}

func (p *Plain) Properties() http.Header {
	if p.a == nil {
		return nil
	}
	return p.a.Properties()
}

func (p *Plain) Version() int {
	if p.a == nil {
		return 0
	}
	return p.a.Version
}

// Member resolves a member of this URL's content, which should be an
// archive file.
func (p *Plain) Member(path string) (CachedURL, error) {
	return p.set.member(p.a, p.uri, path)
}

// CuVersion returns the given version of this URI. The result has no content
// if the version does not exist.
func (p *Plain) CuVersion(version int) (CachedURL, error) {
	a, err := p.set.Repo.ArtifactVersion(p.set.Collection, p.set.AUID, p.uri, version, false)
	if err != nil {
		return nil, err
	}
	return &Pinned{Plain{set: p.set, uri: p.uri, a: a}}, nil
}

// Versions lists up to limit committed versions of this URI, newest first.
// A limit of 0 means no limit.
func (p *Plain) Versions(limit int) ([]CachedURL, error) {
	list, err := p.set.Repo.Versions(p.set.Collection, p.set.AUID, p.uri, limit)
	if err != nil {
		return nil, err
	}
	var result []CachedURL
	for _, a := range list {
		result = append(result, &Pinned{Plain{set: p.set, uri: p.uri, a: a}})
	}
	return result, nil
}

// Pinned is a specific version of a URI. It cannot navigate to other
// versions.
type Pinned struct {
	Plain
}

func (p *Pinned) CuVersion(version int) (CachedURL, error) {
	return nil, ErrUnsupported
}

func (p *Pinned) Versions(limit int) ([]CachedURL, error) {
	return nil, ErrUnsupported
}

// Member is a file inside an archive file. It has the versions of its host
// only, so it rejects version navigation, and it cannot have members itself.
type Member struct {
	host *artifact.Artifact
	m    *archive.Member
}

func (s *Set) member(host *artifact.Artifact, hostURI, path string) (CachedURL, error) {
	if s.Resolver == nil || host == nil {
		return &Member{host: host, m: &archive.Member{Host: hostURI, Path: path}}, nil
	}
	m, err := s.Resolver.Resolve(host, path)
	if err != nil {
		return nil, err
	}
	return &Member{host: host, m: m}, nil
}

func (m *Member) URL() string                  { return m.m.URL() }
func (m *Member) Artifact() *artifact.Artifact { return m.host }
func (m *Member) HasContent() bool             { return m.m.HasContent() }
func (m *Member) Open() (io.ReadCloser, error) { return m.m.Open() }
func (m *Member) ContentType() string          { return m.m.ContentType() }
func (m *Member) Close() error                 { return m.m.Close() }

func (m *Member) ContentSize() int64 {
	if !m.HasContent() {
		return 0
	}
	return m.m.Size
}

// Properties of a member describe the member, not the host. Last-Modified
// is the member's own time, or the epoch when the archive has none.
func (m *Member) Properties() http.Header {
	if !m.HasContent() {
		return nil
	}
	return memberProperties(m.URL(), m.m.Entry, m.m.Type)
}

func memberProperties(url string, e archive.Entry, mimeType string) http.Header {
	p := make(http.Header)
	p.Set(artifact.PropLength, strconv.FormatInt(e.Size, 10))
	p.Set(artifact.PropNodeURL, url)
	mod := e.ModTime
	if mod.IsZero() {
		mod = time.Unix(0, 0)
	}
	p.Set(artifact.PropLastModified, mod.UTC().Format(http.TimeFormat))
	if mimeType != "" {
		p.Set(artifact.PropContentType, mimeType)
	}
	return p
}

func (m *Member) Version() int {
	if m.host == nil {
		return 0
	}
	return m.host.Version
}

func (m *Member) Member(path string) (CachedURL, error) {
	return nil, ErrUnsupported
}

func (m *Member) CuVersion(version int) (CachedURL, error) {
	return nil, ErrUnsupported
}

func (m *Member) Versions(limit int) ([]CachedURL, error) {
	return nil, ErrUnsupported
}

func openArtifact(repo *artifact.Repository, a *artifact.Artifact) (io.ReadCloser, error) {
	if a == nil {
		return nil, artifact.ErrNotFound
	}
	d, err := repo.ArtifactData(a)
	if err != nil {
		return nil, err
	}
	return d.Open()
}
