package cachedurl

import (
	"github.com/facebookgo/clock"

	"github.com/ndlib/arcrepo/archive"
	"github.com/ndlib/arcrepo/artifact"
)

// Set is the tree view over the part of an archival unit chosen by Spec.
// If Resolver is nil archive files are not opened, and their members are
// neither listed nor readable.
type Set struct {
	Repo       *artifact.Repository
	Resolver   *archive.Resolver
	Collection string
	AUID       string
	Spec       Spec
	Clock      clock.Clock

	// Padding is the fraction added to the stored average hash duration
	// when estimating the next one.
	Padding float64

	// HashSpeed is the number of bytes per second used to estimate hash
	// durations from content sizes.
	HashSpeed int64
}

const (
	// DefaultPadding is the default value for Set.Padding.
	DefaultPadding = 0.10

	// DefaultHashSpeed is the default value for Set.HashSpeed.
	DefaultHashSpeed = 10 << 20
)

// NewSet returns the set for spec over the given AU.
func NewSet(repo *artifact.Repository, resolver *archive.Resolver, collection, auid string, spec Spec) *Set {
	return &Set{
		Repo:       repo,
		Resolver:   resolver,
		Collection: collection,
		AUID:       auid,
		Spec:       spec,
		Clock:      clock.New(),
		Padding:    DefaultPadding,
		HashSpeed:  DefaultHashSpeed,
	}
}

// Sub returns a set over a different part of the same AU, sharing this
// set's settings.
func (s *Set) Sub(spec Spec) *Set {
	t := *s
	t.Spec = spec
	return &t
}

// ContentHashIterator walks the set in URL order. Each URL is preceded by
// the internal nodes above it which have not been visited yet, and followed
// by its archive members, if it is an archive. The iterator must be closed.
// Calling ContentHashIterator again starts a new walk.
func (s *Set) ContentHashIterator(opts Options) *Iterator {
	return s.newIterator(opts, true, true)
}

// ArchiveMemberIterator is ContentHashIterator restricted to archive
// members.
func (s *Set) ArchiveMemberIterator(opts Options) *Iterator {
	return s.newIterator(opts, false, true)
}

// ContentSize adds up the sizes of the latest content of every URL in the
// set.
func (s *Set) ContentSize() (int64, error) {
	it := s.newIterator(Options{}, true, false)
	defer it.Close()
	var total int64
	for it.Next() {
		if n := it.Node(); n.Kind == Leaf {
			total += n.Artifact.ContentLength
		}
	}
	return total, it.Err()
}
