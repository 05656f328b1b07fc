package artifact

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/opencontainers/go-digest"
)

// StatusLine is the response status recorded when the content was fetched.
type StatusLine struct {
	Protocol string
	Code     int
	Reason   string
}

func (s StatusLine) String() string {
	return strings.TrimSpace(s.Protocol + " " + strconv.Itoa(s.Code) + " " + s.Reason)
}

// An Artifact is the record of one stored version. Artifacts returned by the
// repository are copies and may be kept by the caller.
type Artifact struct {
	Identifier
	ContentLength int64
	ContentDigest digest.Digest `json:",omitempty"`
	Committed     bool
	Deleted       bool `json:",omitempty"`
	// StorageURL locates the content bytes. It is "pending:<key>" while
	// uncommitted and "content:<key>" afterwards.
	StorageURL string
	FetchTime  time.Time
	Created    time.Time
	Header     http.Header
	Status     StatusLine
}

// Header names used by the repository.
const (
	HeaderContentType     = "Content-Type"
	HeaderContentLength   = "Content-Length"
	HeaderContentEncoding = "Content-Encoding"
	HeaderLastModified    = "Last-Modified"

	// HeaderRedirectChain lists the URLs a fetch passed through before
	// reaching the stored one, separated by spaces.
	HeaderRedirectChain = "X-Redirect-Chain"

	// OverridePrefix marks a header which takes precedence over the
	// standard header of the same name.
	OverridePrefix = "X-Override-"
)

// Names of the read properties.
const (
	PropLength       = "Length"
	PropNodeURL      = "Node-Url"
	PropLastModified = "Last-Modified"
	PropChecksum     = "Checksum"
	PropContentType  = "Content-Type"
)

// HeaderValue returns the value of the named header. An "X-Override-" header
// of the same name is preferred when both are present.
func HeaderValue(h http.Header, name string) string {
	if v := h.Get(OverridePrefix + name); v != "" {
		return v
	}
	return h.Get(name)
}

// Copy returns a deep copy of a.
func (a *Artifact) Copy() *Artifact {
	if a == nil {
		return nil
	}
	b := *a
	b.Header = a.Header.Clone()
	return &b
}

// ContentType returns the content type recorded for a, honoring overrides.
func (a *Artifact) ContentType() string {
	return HeaderValue(a.Header, HeaderContentType)
}

// LastModified returns the origin's Last-Modified time if it was given and
// parses, otherwise the fetch time.
func (a *Artifact) LastModified() time.Time {
	if v := HeaderValue(a.Header, HeaderLastModified); v != "" {
		if t, err := http.ParseTime(v); err == nil {
			return t
		}
	}
	return a.FetchTime
}

// Properties returns the properties reported with the content of a.
// Last-Modified is always present. Checksum is present when a digest was
// computed.
func (a *Artifact) Properties() http.Header {
	p := make(http.Header)
	p.Set(PropLength, strconv.FormatInt(a.ContentLength, 10))
	p.Set(PropNodeURL, a.URI)
	p.Set(PropLastModified, a.LastModified().UTC().Format(http.TimeFormat))
	if a.ContentDigest != "" {
		p.Set(PropChecksum, FormatChecksum(a.ContentDigest))
	}
	if ct := a.ContentType(); ct != "" {
		p.Set(PropContentType, ct)
	}
	return p
}

var checksumNames = map[digest.Algorithm]string{
	digest.SHA256: "SHA-256",
	digest.SHA384: "SHA-384",
	digest.SHA512: "SHA-512",
}

// FormatChecksum renders d as "<ALGO>:<hex>", e.g. "SHA-256:ab12...".
func FormatChecksum(d digest.Digest) string {
	name, ok := checksumNames[d.Algorithm()]
	if !ok {
		name = strings.ToUpper(d.Algorithm().String())
	}
	return name + ":" + d.Encoded()
}

// RedirectChain returns the URLs listed in the redirect chain header.
func RedirectChain(h http.Header) []string {
	return strings.Fields(h.Get(HeaderRedirectChain))
}
