package artifact

import (
	"fmt"
	"strings"
)

// Identifier names one stored artifact. A zero Version means "the latest
// committed version" when reading and "assign the next version" when adding.
type Identifier struct {
	Collection string
	AUID       string
	URI        string
	Version    int
}

func (id Identifier) String() string {
	if id.Version == 0 {
		return fmt.Sprintf("%s/%s/%s", id.Collection, id.AUID, id.URI)
	}
	return fmt.Sprintf("%s/%s/%s@%d", id.Collection, id.AUID, id.URI, id.Version)
}

// Latest returns a copy of id with the version cleared.
func (id Identifier) Latest() Identifier {
	id.Version = 0
	return id
}

// validate checks the parts of id which are used as index keys.
func (id Identifier) validate() error {
	switch {
	case id.Collection == "":
		return ErrBadIdentifier
	case id.AUID == "":
		return ErrBadIdentifier
	case id.URI == "":
		return ErrBadIdentifier
	case id.Version < 0:
		return ErrBadIdentifier
	case strings.ContainsRune(id.Collection, 0), strings.ContainsRune(id.AUID, 0):
		return ErrBadIdentifier
	}
	return nil
}

// SortKey maps a URI to a byte string whose plain byte ordering is the
// preorder ordering of URIs: '/' sorts below every other byte, so a node
// comes right before its descendants and every subtree is contiguous.
// The mapping is one to one and keeps prefixes, so SortKey(p) is a prefix
// of SortKey(u) exactly when p is a prefix of u.
func SortKey(uri string) []byte {
	key := make([]byte, len(uri))
	for i := 0; i < len(uri); i++ {
		b := uri[i]
		switch {
		case b == '/':
			key[i] = 0
		case b < '/':
			key[i] = b + 1
		default:
			key[i] = b
		}
	}
	return key
}

// URIFromSortKey inverts SortKey.
func URIFromSortKey(key []byte) string {
	uri := make([]byte, len(key))
	for i, b := range key {
		switch {
		case b == 0:
			uri[i] = '/'
		case b <= '/':
			uri[i] = b - 1
		default:
			uri[i] = b
		}
	}
	return string(uri)
}

// CompareURLs orders two URIs in preorder. It returns -1, 0, or 1.
func CompareURLs(a, b string) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		x, y := a[i], b[i]
		if x == y {
			continue
		}
		if x == '/' {
			return -1
		}
		if y == '/' {
			return 1
		}
		if x < y {
			return -1
		}
		return 1
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	}
	return 0
}
