package cachedurl

import (
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	raven "github.com/getsentry/raven-go"
	"github.com/pkg/errors"

	"github.com/ndlib/arcrepo/archive"
	"github.com/ndlib/arcrepo/artifact"
)

// Options change what an iterator visits.
type Options struct {
	// Prune skips every URL beginning with one of these prefixes.
	Prune []string

	// Exclude skips the URLs of the artifacts it returns true for.
	Exclude func(*artifact.Artifact) bool

	// ExcludeNewerThan, if set, skips URLs whose content was fetched after
	// it.
	ExcludeNewerThan time.Time

	// MemberCutoff, if set, skips the members of archives fetched after
	// it. The archive itself is still visited.
	MemberCutoff time.Time
}

// NodeKind is the kind of a Node.
type NodeKind int

const (
	// Internal nodes stand for a URL prefix ending in a slash with stored
	// URLs below it. They have no content unless the prefix is itself
	// stored, in which case the node is a Leaf.
	Internal NodeKind = iota
	// Leaf nodes are stored URLs.
	Leaf
	// MemberNode nodes are files inside an archive.
	MemberNode
)

func (k NodeKind) String() string {
	switch k {
	case Internal:
		return "internal"
	case Leaf:
		return "leaf"
	case MemberNode:
		return "member"
	}
	return "unknown"
}

// A Node is one step of an iteration.
type Node struct {
	Kind     NodeKind
	URL      string
	Artifact *artifact.Artifact // the leaf, or the archive holding a member
	Entry    archive.Entry      // for members

	set *Set
	arc *archive.Archive
}

// HasContent returns true for leaves and members.
func (n Node) HasContent() bool {
	return n.Kind != Internal
}

// Size returns the length of the content.
func (n Node) Size() int64 {
	switch n.Kind {
	case Leaf:
		return n.Artifact.ContentLength
	case MemberNode:
		return n.Entry.Size
	}
	return 0
}

// Properties returns the read headers for the node's content.
func (n Node) Properties() http.Header {
	switch n.Kind {
	case Leaf:
		return n.Artifact.Properties()
	case MemberNode:
		var mimeType string
		if n.set.Resolver != nil {
			mimeType = n.set.Resolver.Mime.TypeOf(n.Entry.Name)
		}
		return memberProperties(n.URL, n.Entry, mimeType)
	}
	return nil
}

// Open returns the content of a leaf or member. The stream of a member may
// only be read until the iterator moves past the archive's members.
func (n Node) Open() (io.ReadCloser, error) {
	switch n.Kind {
	case Leaf:
		return openArtifact(n.set.Repo, n.Artifact)
	case MemberNode:
		m, err := n.arc.Member(n.Entry.Name)
		if err != nil {
			return nil, err
		}
		rc, err := m.Open()
		if err != nil {
			m.Close()
			return nil, err
		}
		return &memberReader{ReadCloser: rc, m: m}, nil
	}
	return nil, artifact.ErrNotFound
}

type memberReader struct {
	io.ReadCloser
	m *archive.Member
}

func (r *memberReader) Close() error {
	err := r.ReadCloser.Close()
	r.m.Close()
	return err
}

// Iterator is a lazy walk over a Set. Artifacts are read from the
// repository a page at a time, and an archive is only open while its
// members are being visited.
type Iterator struct {
	set     *Set
	opts    Options
	leaves  bool
	members bool

	src    *artifact.Iterator // nil for single node sets
	single bool               // the single node has been read

	queue  []Node
	prev   string // the last leaf visited
	arc    *archive.Archive
	node   Node
	err    error
	closed bool
}

func (s *Set) newIterator(opts Options, leaves, members bool) *Iterator {
	it := &Iterator{set: s, opts: opts, leaves: leaves, members: members}
	switch s.Spec.Kind {
	case AU:
		it.src = s.Repo.ArtifactsWithPrefix(s.Collection, s.AUID, "")
	case Range:
		it.src = s.Repo.ArtifactsWithPrefix(s.Collection, s.AUID, s.Spec.URL)
	}
	return it
}

// Next advances to the next node. It returns false at the end of the walk or
// on an error.
func (it *Iterator) Next() bool {
	for len(it.queue) == 0 {
		if it.closed || it.err != nil {
			return false
		}
		// the previous archive's members have all been visited
		it.release()
		a := it.nextArtifact()
		if a == nil {
			return false
		}
		it.visit(a)
	}
	it.node = it.queue[0]
	it.queue = it.queue[1:]
	return true
}

// Node returns the current node.
func (it *Iterator) Node() Node {
	return it.node
}

// Err returns the error which ended the walk, if any.
func (it *Iterator) Err() error {
	return it.err
}

// Close ends the walk and releases any open archive.
func (it *Iterator) Close() error {
	it.closed = true
	it.queue = nil
	it.release()
	if it.src != nil {
		it.src.Close()
	}
	return nil
}

func (it *Iterator) release() {
	if it.arc != nil {
		it.arc.Close()
		it.arc = nil
	}
}

// nextArtifact returns the next artifact which passes the options, or nil.
func (it *Iterator) nextArtifact() *artifact.Artifact {
	for {
		var a *artifact.Artifact
		if it.src == nil {
			if it.single {
				return nil
			}
			it.single = true
			a, it.err = it.set.Repo.Artifact(it.set.Collection, it.set.AUID, it.set.Spec.URL)
			if a == nil {
				return nil
			}
		} else {
			if !it.src.Next() {
				it.err = it.src.Err()
				return nil
			}
			a = it.src.Artifact()
		}
		if !it.set.Spec.Matches(a.URI) || it.pruned(a.URI) || it.excluded(a) {
			continue
		}
		return a
	}
}

func (it *Iterator) pruned(u string) bool {
	for _, p := range it.opts.Prune {
		if strings.HasPrefix(u, p) {
			return true
		}
	}
	return false
}

func (it *Iterator) excluded(a *artifact.Artifact) bool {
	if !it.opts.ExcludeNewerThan.IsZero() && fetchTime(a).After(it.opts.ExcludeNewerThan) {
		return true
	}
	return it.opts.Exclude != nil && it.opts.Exclude(a)
}

// visit queues the nodes for one stored URL.
func (it *Iterator) visit(a *artifact.Artifact) {
	if it.leaves {
		base := ""
		if it.set.Spec.Kind != AU {
			base = it.set.Spec.URL
		}
		for _, d := range dirPrefixes(a.URI, base) {
			if d == a.URI || strings.HasPrefix(it.prev, d) {
				continue
			}
			it.queue = append(it.queue, Node{Kind: Internal, URL: d, set: it.set})
		}
		it.queue = append(it.queue, Node{Kind: Leaf, URL: a.URI, Artifact: a, set: it.set})
		it.prev = a.URI
	}
	if !it.members || it.set.Resolver == nil {
		return
	}
	if !it.opts.MemberCutoff.IsZero() && fetchTime(a).After(it.opts.MemberCutoff) {
		return
	}
	arc, err := it.set.Resolver.Open(a)
	if errors.Is(err, archive.ErrNotContainer) || errors.Is(err, artifact.ErrNotFound) {
		return
	} else if err != nil {
		log.Printf("cachedurl: opening archive %s: %s", a.URI, err)
		raven.CaptureError(err, map[string]string{"uri": a.URI})
		it.err = err
		return
	}
	n := len(it.queue)
	for _, e := range arc.Entries() {
		u := archive.MemberURL(a.URI, e.Name)
		if it.pruned(u) {
			continue
		}
		it.queue = append(it.queue, Node{
			Kind:     MemberNode,
			URL:      u,
			Artifact: a,
			Entry:    e,
			set:      it.set,
			arc:      arc,
		})
	}
	if len(it.queue) == n {
		arc.Close()
		return
	}
	it.arc = arc
}

// dirPrefixes lists the prefixes of u ending in a slash which are longer
// than base, shortest first. The scheme's slashes and anything after a
// query or fragment marker are ignored.
func dirPrefixes(u, base string) []string {
	start := 0
	if i := strings.Index(u, "://"); i >= 0 {
		start = i + 3
	}
	var result []string
	for i := start; i < len(u); i++ {
		c := u[i]
		if c == '?' || c == '#' {
			break
		}
		if c == '/' && i+1 > len(base) {
			result = append(result, u[:i+1])
		}
	}
	return result
}

func fetchTime(a *artifact.Artifact) time.Time {
	if a.FetchTime.IsZero() {
		return a.Created
	}
	return a.FetchTime
}
