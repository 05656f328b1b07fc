// Package locate finds the archival unit a URL belongs to.
//
// Each AU is configured with the URL stems it collects. A URL belongs to the
// AU with the longest stem it starts with. AUs may also be configured to
// treat some file types as archives, in which case a URL of the form
// "<host>!/<member>" names a member of the stored host file.
//
// Lookups are remembered in a Recent cache supplied by the caller. Changing
// an AU's configuration drops the cached lookups for that AU.
package locate

import (
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/ndlib/arcrepo/archive"
)

// AU is the configuration of one archival unit.
type AU struct {
	Collection string
	AUID       string
	Stems      []string
	// ArchiveTypes lists the file extensions, such as ".zip", whose members
	// may be addressed. If empty no URL names a member.
	ArchiveTypes []string
}

func (au AU) isArchive(host string) bool {
	ext := strings.ToLower(path.Ext(host))
	if ext == "" {
		return false
	}
	for _, t := range au.ArchiveTypes {
		if strings.ToLower(t) == ext {
			return true
		}
	}
	return false
}

// Location is where a URL is stored.
type Location struct {
	Collection string
	AUID       string
	// Host is the URL of the stored artifact.
	Host string
	// Member is the path inside Host, or empty if the URL names Host itself.
	Member string
}

// Locator maps URLs to AUs.
type Locator struct {
	recent *Recent

	m   sync.RWMutex
	aus map[string]AU
}

// New returns a Locator caching lookups in recent. If recent is nil lookups
// are not cached.
func New(recent *Recent) *Locator {
	return &Locator{
		recent: recent,
		aus:    make(map[string]AU),
	}
}

// Configure adds or replaces the configuration of an AU.
func (l *Locator) Configure(au AU) {
	l.m.Lock()
	old, existed := l.aus[au.AUID]
	l.aus[au.AUID] = au
	l.m.Unlock()
	if l.recent == nil {
		return
	}
	l.recent.Invalidate(au.AUID)
	// new stems may claim urls cached under other AUs
	if !existed || !sameStrings(old.Stems, au.Stems) {
		l.recent.Clear()
	}
}

// Remove forgets an AU.
func (l *Locator) Remove(auid string) {
	l.m.Lock()
	delete(l.aus, auid)
	l.m.Unlock()
	if l.recent != nil {
		l.recent.Invalidate(auid)
	}
}

// AUs returns the configured AUs ordered by AUID.
func (l *Locator) AUs() []AU {
	l.m.RLock()
	defer l.m.RUnlock()
	var result []AU
	for _, au := range l.aus {
		result = append(result, au)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].AUID < result[j].AUID })
	return result
}

// Locate returns where url is stored. The second return is false if no AU
// collects url.
func (l *Locator) Locate(url string) (Location, bool) {
	if l.recent != nil {
		if loc, ok := l.recent.Get(url); ok {
			return loc, true
		}
	}
	l.m.RLock()
	au, ok := l.find(url)
	l.m.RUnlock()
	if !ok {
		return Location{}, false
	}
	loc := Location{Collection: au.Collection, AUID: au.AUID, Host: url}
	if host, member, ok := archive.SplitMemberURL(url); ok && au.isArchive(host) {
		loc.Host = host
		loc.Member = member
	}
	if l.recent != nil {
		l.recent.Put(url, loc)
	}
	return loc, true
}

// find returns the AU with the longest stem matching url. Ties go to the
// smallest AUID. l.m must be held.
func (l *Locator) find(url string) (AU, bool) {
	var best AU
	bestLen := -1
	for _, au := range l.aus {
		for _, stem := range au.Stems {
			if !hasStem(url, stem) {
				continue
			}
			if len(stem) > bestLen || (len(stem) == bestLen && au.AUID < best.AUID) {
				best = au
				bestLen = len(stem)
			}
		}
	}
	return best, bestLen >= 0
}

// hasStem compares the scheme and host of url and stem without regard to
// case.
func hasStem(url, stem string) bool {
	if len(url) < len(stem) {
		return false
	}
	n := strings.Index(stem, "://")
	if n < 0 {
		return strings.HasPrefix(url, stem)
	}
	end := strings.IndexByte(stem[n+3:], '/')
	if end < 0 {
		end = len(stem)
	} else {
		end += n + 3
	}
	return strings.EqualFold(url[:end], stem[:end]) && url[end:len(stem)] == stem[end:]
}

func sameStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
