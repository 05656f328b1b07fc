// Package index provides implementations of artifact.Index.
//
// Memory keeps everything in maps and is meant for tests and short lived
// repositories. Bolt keeps the index in a single BoltDB file. SQL keeps it in
// MySQL, or in an embedded QL database for development.
package index

import (
	"sort"
	"strings"
	"sync"

	"github.com/ndlib/arcrepo/artifact"
)

// Memory is an in-memory artifact.Index.
type Memory struct {
	m     sync.RWMutex
	colls map[string]map[string]*memAU
	aus   map[string]artifact.AUState // keyed by collection + "\x00" + auid
}

type memAU struct {
	uris     []string                        // sorted by artifact.CompareURLs
	versions map[string][]*artifact.Artifact // version v is at index v-1
}

var _ artifact.Index = &Memory{}

// NewMemory returns an empty index.
func NewMemory() *Memory {
	return &Memory{
		colls: make(map[string]map[string]*memAU),
		aus:   make(map[string]artifact.AUState),
	}
}

func (mi *Memory) au(collection, auid string, create bool) *memAU {
	c := mi.colls[collection]
	if c == nil {
		if !create {
			return nil
		}
		c = make(map[string]*memAU)
		mi.colls[collection] = c
	}
	a := c[auid]
	if a == nil && create {
		a = &memAU{versions: make(map[string][]*artifact.Artifact)}
		c[auid] = a
	}
	return a
}

// Insert implements artifact.Index.
func (mi *Memory) Insert(a *artifact.Artifact) (int, error) {
	mi.m.Lock()
	defer mi.m.Unlock()
	au := mi.au(a.Collection, a.AUID, true)
	vs, ok := au.versions[a.URI]
	if !ok {
		i := sort.Search(len(au.uris), func(i int) bool {
			return artifact.CompareURLs(au.uris[i], a.URI) >= 0
		})
		au.uris = append(au.uris, "")
		copy(au.uris[i+1:], au.uris[i:])
		au.uris[i] = a.URI
	}
	rec := a.Copy()
	rec.Version = len(vs) + 1
	au.versions[a.URI] = append(vs, rec)
	return rec.Version, nil
}

// Update implements artifact.Index.
func (mi *Memory) Update(a *artifact.Artifact) error {
	mi.m.Lock()
	defer mi.m.Unlock()
	au := mi.au(a.Collection, a.AUID, false)
	if au == nil {
		return artifact.ErrNotFound
	}
	vs := au.versions[a.URI]
	if a.Version <= 0 || a.Version > len(vs) {
		return artifact.ErrNotFound
	}
	vs[a.Version-1] = a.Copy()
	return nil
}

// Get implements artifact.Index.
func (mi *Memory) Get(id artifact.Identifier) (*artifact.Artifact, error) {
	mi.m.RLock()
	defer mi.m.RUnlock()
	au := mi.au(id.Collection, id.AUID, false)
	if au == nil {
		return nil, nil
	}
	vs := au.versions[id.URI]
	if id.Version <= 0 || id.Version > len(vs) {
		return nil, nil
	}
	return vs[id.Version-1].Copy(), nil
}

// Latest implements artifact.Index.
func (mi *Memory) Latest(collection, auid, uri string) (*artifact.Artifact, error) {
	result, err := mi.Versions(collection, auid, uri, 0, 1)
	if len(result) == 0 {
		return nil, err
	}
	return result[0], err
}

// Versions implements artifact.Index.
func (mi *Memory) Versions(collection, auid, uri string, before, limit int) ([]*artifact.Artifact, error) {
	mi.m.RLock()
	defer mi.m.RUnlock()
	au := mi.au(collection, auid, false)
	if au == nil {
		return nil, nil
	}
	vs := au.versions[uri]
	i := len(vs)
	if before > 0 && before-1 < i {
		i = before - 1
	}
	var result []*artifact.Artifact
	for i--; i >= 0; i-- {
		if limit > 0 && len(result) >= limit {
			break
		}
		if vs[i].Committed && !vs[i].Deleted {
			result = append(result, vs[i].Copy())
		}
	}
	return result, nil
}

// URIs implements artifact.Index.
func (mi *Memory) URIs(collection, auid, prefix, after string, limit int) ([]string, error) {
	mi.m.RLock()
	defer mi.m.RUnlock()
	au := mi.au(collection, auid, false)
	if au == nil {
		return nil, nil
	}
	start := prefix
	if artifact.CompareURLs(after, start) >= 0 {
		start = after
	}
	i := sort.Search(len(au.uris), func(i int) bool {
		return artifact.CompareURLs(au.uris[i], start) >= 0
	})
	var result []string
	for ; i < len(au.uris); i++ {
		u := au.uris[i]
		if u == after {
			continue
		}
		if !strings.HasPrefix(u, prefix) {
			break
		}
		if limit > 0 && len(result) >= limit {
			break
		}
		result = append(result, u)
	}
	return result, nil
}

// Collections implements artifact.Index.
func (mi *Memory) Collections() ([]string, error) {
	mi.m.RLock()
	defer mi.m.RUnlock()
	var result []string
	for c := range mi.colls {
		result = append(result, c)
	}
	sort.Strings(result)
	return result, nil
}

// AUs implements artifact.Index.
func (mi *Memory) AUs(collection string) ([]string, error) {
	mi.m.RLock()
	defer mi.m.RUnlock()
	var result []string
	for a := range mi.colls[collection] {
		result = append(result, a)
	}
	sort.Strings(result)
	return result, nil
}

// AUState implements artifact.Index.
func (mi *Memory) AUState(collection, auid string) (*artifact.AUState, error) {
	mi.m.RLock()
	defer mi.m.RUnlock()
	st := mi.aus[collection+"\x00"+auid]
	return &st, nil
}

// SetAUState implements artifact.Index.
func (mi *Memory) SetAUState(collection, auid string, state *artifact.AUState) error {
	mi.m.Lock()
	defer mi.m.Unlock()
	mi.aus[collection+"\x00"+auid] = *state
	return nil
}

// Close implements artifact.Index.
func (mi *Memory) Close() error {
	return nil
}
