package cachedurl

import (
	"strings"

	"github.com/ndlib/arcrepo/artifact"
)

// SpecKind says which part of an archival unit a Spec covers.
type SpecKind int

const (
	// AU covers the whole archival unit.
	AU SpecKind = iota
	// SingleNode covers one URL and its archive members.
	SingleNode
	// Range covers every URL beginning with a prefix, optionally limited
	// to the part of the URL after the prefix being between Lower and
	// Upper.
	Range
)

func (k SpecKind) String() string {
	switch k {
	case AU:
		return "au"
	case SingleNode:
		return "node"
	case Range:
		return "range"
	}
	return "unknown"
}

// A Spec selects part of an archival unit.
//
// A bounded Range does not include the prefix URL itself. Bounds are
// inclusive, and Upper includes everything beginning with Upper.
type Spec struct {
	Kind  SpecKind
	URL   string
	Lower string
	Upper string
}

// AUSpec covers an entire archival unit.
func AUSpec() Spec { return Spec{Kind: AU} }

// NodeSpec covers the single URL u.
func NodeSpec(u string) Spec { return Spec{Kind: SingleNode, URL: u} }

// PrefixSpec covers every URL beginning with prefix.
func PrefixSpec(prefix string) Spec { return Spec{Kind: Range, URL: prefix} }

// RangeSpec covers the URLs beginning with prefix whose remainder is between
// lower and upper.
func RangeSpec(prefix, lower, upper string) Spec {
	return Spec{Kind: Range, URL: prefix, Lower: lower, Upper: upper}
}

func (s Spec) bounded() bool {
	return s.Kind == Range && (s.Lower != "" || s.Upper != "")
}

// Matches returns true if the URL u is inside s.
func (s Spec) Matches(u string) bool {
	switch s.Kind {
	case AU:
		return true
	case SingleNode:
		return u == s.URL
	}
	if !strings.HasPrefix(u, s.URL) {
		return false
	}
	if !s.bounded() {
		return true
	}
	rest := u[len(s.URL):]
	if rest == "" {
		return false
	}
	if s.Lower != "" && artifact.CompareURLs(rest, s.Lower) < 0 {
		return false
	}
	if s.Upper != "" && artifact.CompareURLs(rest, s.Upper) > 0 && !strings.HasPrefix(rest, s.Upper) {
		return false
	}
	return true
}

// subsumes returns true if every URL in o is also in s.
func (s Spec) subsumes(o Spec) bool {
	switch {
	case s.Kind == AU:
		return true
	case o.Kind == AU:
		return false
	case s.Kind == SingleNode:
		return o.Kind == SingleNode && o.URL == s.URL
	case o.Kind == Range && s.bounded():
		return o.URL != s.URL && s.Matches(o.URL) && s.Matches(o.URL+"\xff")
	}
	return s.Matches(o.URL)
}

// disjoint reports whether two specs rooted at the same URL share no URLs.
func (s Spec) disjoint(o Spec) bool {
	switch {
	case s.Kind == SingleNode && o.Kind == SingleNode:
		return false
	case s.Kind == SingleNode:
		return o.bounded()
	case o.Kind == SingleNode:
		return s.bounded()
	case !s.bounded() || !o.bounded():
		return false
	}
	// two bounded ranges overlap when each starts before the other ends
	if s.Upper != "" && o.Lower != "" && artifact.CompareURLs(s.Upper, o.Lower) < 0 && !strings.HasPrefix(o.Lower, s.Upper) {
		return true
	}
	if o.Upper != "" && s.Lower != "" && artifact.CompareURLs(o.Upper, s.Lower) < 0 && !strings.HasPrefix(s.Lower, o.Upper) {
		return true
	}
	return false
}

// Relation is how two sets are placed relative to each other in the URL
// tree.
type Relation int

const (
	// NoRelation means the sets share nothing.
	NoRelation Relation = iota
	// Above means the first set contains the second.
	Above
	// Below means the first set is contained in the second.
	Below
	// SameLevelOverlap means both are rooted at the same URL and share
	// some URLs.
	SameLevelOverlap
	// SameLevelNoOverlap means both are rooted at the same URL but share
	// no URLs.
	SameLevelNoOverlap
)

func (r Relation) String() string {
	switch r {
	case Above:
		return "above"
	case Below:
		return "below"
	case SameLevelOverlap:
		return "same level overlap"
	case SameLevelNoOverlap:
		return "same level no overlap"
	}
	return "no relation"
}

// Compare places two sets relative to each other. Sets of different
// archival units have no relation. The hash scheduler uses this to keep
// two hashes from running over the same part of the tree.
func Compare(a, b *Set) Relation {
	if a.Collection != b.Collection || a.AUID != b.AUID {
		return NoRelation
	}
	s1, s2 := a.Spec, b.Spec
	if s1.Kind == AU || s2.Kind == AU {
		switch {
		case s1 == s2:
			return SameLevelOverlap
		case s1.Kind == AU:
			return Above
		}
		return Below
	}
	u1, u2 := withSlash(s1.URL), withSlash(s2.URL)
	if u1 == u2 {
		if s1.disjoint(s2) {
			return SameLevelNoOverlap
		}
		return SameLevelOverlap
	}
	switch {
	case s1.subsumes(s2):
		return Above
	case s2.subsumes(s1):
		return Below
	case s2.Kind == SingleNode && strings.HasPrefix(u1, u2):
		// a node's own content sits beside the sets below it
		return SameLevelNoOverlap
	case s1.Kind == SingleNode && strings.HasPrefix(u2, u1):
		return SameLevelNoOverlap
	}
	return NoRelation
}

func withSlash(u string) string {
	if strings.HasSuffix(u, "/") {
		return u
	}
	return u + "/"
}
