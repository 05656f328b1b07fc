// Package archive gives read access to the members of container files kept
// in an artifact repository. Zip, split zip, tar, gzip and gzipped tar
// files are understood, and member paths may descend into containers held
// inside other containers, e.g. "outer.tgz" with member path
// "inner.zip/file.txt".
//
// Members are addressed with a virtual URL made from the host URI, the
// separator "!/" and the member path:
//
//	http://example.org/data.zip!/docs/readme.txt
//
// A Resolver never returns an error for something which is not there. Asking
// for a member of a missing host, a missing member, or a member of a host
// which is not a container all give a Member whose HasContent() is false.
package archive

import (
	"io"
	"path"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Separator joins a host URI and a member path in a virtual URL.
const Separator = "!/"

var (
	// ErrNoContent is returned by Member.Open when the member does not
	// exist.
	ErrNoContent = errors.New("archive member has no content")

	// ErrNotContainer means the bytes are not in a recognized container
	// format.
	ErrNotContainer = errors.New("not a container")
)

// MemberURL returns the virtual URL for the member path inside host.
func MemberURL(host, member string) string {
	return host + Separator + strings.TrimPrefix(member, "/")
}

// SplitMemberURL splits a virtual URL at the first separator. If u does not
// name an archive member, ok is false and host is u.
func SplitMemberURL(u string) (host, member string, ok bool) {
	i := strings.Index(u, Separator)
	if i < 0 {
		return u, "", false
	}
	return u[:i], u[i+len(Separator):], true
}

// An Entry describes one file inside a container.
type Entry struct {
	Name    string // path inside the container, without a leading slash
	Size    int64
	ModTime time.Time
}

// Member is the view of a single resolved archive member. The zero Member
// (and any member which could not be found) has no content.
type Member struct {
	Entry
	Host string // URI of the outermost container
	Path string // the member path as given to Resolve
	Type string // MIME type inferred from the member name; may be empty

	open    func() (io.ReadCloser, error)
	closers []io.Closer
}

// HasContent returns true if the member exists.
func (m *Member) HasContent() bool {
	return m != nil && m.open != nil
}

// ContentType returns the inferred MIME type, or "" if none is known.
func (m *Member) ContentType() string {
	return m.Type
}

// URL returns the virtual URL of this member.
func (m *Member) URL() string {
	return MemberURL(m.Host, m.Path)
}

// Open returns a new stream of the member's bytes. It may be called more
// than once. Each stream must be closed, and the Member itself must be closed
// once no more streams are needed.
func (m *Member) Open() (io.ReadCloser, error) {
	if !m.HasContent() {
		return nil, ErrNoContent
	}
	return m.open()
}

// Close releases the containers opened to resolve this member. Streams
// returned by Open must not be used afterwards.
func (m *Member) Close() error {
	if m == nil {
		return nil
	}
	var err error
	// close innermost first
	for i := len(m.closers) - 1; i >= 0; i-- {
		if e := m.closers[i].Close(); e != nil && err == nil {
			err = e
		}
	}
	m.closers = nil
	return err
}

// MimeMap maps lower case file extensions (with the dot) to MIME types.
type MimeMap map[string]string

// DefaultMimeMap is a small map of common web types.
var DefaultMimeMap = MimeMap{
	".html": "text/html",
	".htm":  "text/html",
	".txt":  "text/plain",
	".css":  "text/css",
	".js":   "application/javascript",
	".json": "application/json",
	".xml":  "application/xml",
	".pdf":  "application/pdf",
	".gif":  "image/gif",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".zip":  "application/zip",
	".tar":  "application/x-tar",
	".gz":   "application/gzip",
	".tgz":  "application/gzip",
}

// TypeOf returns the MIME type for name's extension, or "" if there is none.
// A nil map knows no types.
func (mm MimeMap) TypeOf(name string) string {
	if mm == nil {
		return ""
	}
	return mm[strings.ToLower(path.Ext(name))]
}

// cleanName normalizes a member name so "./a/b", "/a/b" and "a/b" match.
func cleanName(name string) string {
	name = strings.TrimPrefix(name, "/")
	for strings.HasPrefix(name, "./") {
		name = name[2:]
	}
	return name
}
