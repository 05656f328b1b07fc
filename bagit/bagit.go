// Package bagit implements enough of the BagIt specification to export an
// archival unit as a single zip file and to check such an export later. The
// zip files it creates do not use compression. Manifests may use any digest
// algorithm registered with go-digest; SHA-256 is the default.
//
// Specific items not implemented are fetch files and holey bags. It doesn't
// preserve the order of the tags in the bag-info.txt file, nor multiple
// occurrences of a tag.
//
// Checksums are generated for each file as a bag is written. They are only
// calculated again when a bag is explicitly verified, never when reading
// content from a bag.
//
// The interface is designed to mirror the archive/zip interface as much as
// possible.
//
// The BagIt spec can be found at https://tools.ietf.org/html/rfc8493.
package bagit

import (
	"github.com/opencontainers/go-digest"
	"github.com/pkg/errors"
)

// Bag represents a single BagIt file.
type Bag struct {
	// the bag's name, which is the directory this bag unserializes into.
	// includes the trailing slash, e.g. "ex-bag/"
	dirname string

	// for each file in this bag, the checksums we expect for it.
	// payload files begin with "data/". Tag and control files don't.
	manifest map[string]Checksum

	// list of tags to be saved in the bag-info.txt file. The key is the
	// tag name, and the value is the content to save for that tag.
	// content strings are not wrapped at column 79 in this implementation.
	tags map[string]string
}

// Checksum holds the digests known for a given file, one per algorithm.
type Checksum []digest.Digest

// Get returns the digest using alg, or "" if there is none.
func (c Checksum) Get(alg digest.Algorithm) digest.Digest {
	for _, d := range c {
		if d.Algorithm() == alg {
			return d
		}
	}
	return ""
}

const (
	// Version is the version of the BagIt specification this package implements.
	Version = "1.0"
)

var (
	// ErrNotFound means a stream inside a zip file with the given name
	// could not be found.
	ErrNotFound = errors.New("stream not found")

	// ErrChecksum means a file did not match its manifest entry.
	ErrChecksum = errors.New("checksum mismatch")

	// ErrUnlisted means a payload file is missing from every manifest.
	ErrUnlisted = errors.New("payload file not in manifest")
)

func newBag() Bag {
	return Bag{
		manifest: make(map[string]Checksum),
		tags:     make(map[string]string),
	}
}
