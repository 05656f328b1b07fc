package locate

import (
	"sync"

	"github.com/golang/groupcache/lru"
)

// Recent remembers the most recent URL lookups. It is owned by whoever
// creates it and handed to the Locator, which invalidates the entries of an
// AU when its configuration changes. It is safe for concurrent use.
type Recent struct {
	m     sync.Mutex
	c     *lru.Cache
	byAU  map[string]map[string]struct{} // auid -> urls
	hits  int64
	total int64
}

// NewRecent returns a cache holding at most max lookups.
func NewRecent(max int) *Recent {
	r := &Recent{
		c:    lru.New(max),
		byAU: make(map[string]map[string]struct{}),
	}
	r.c.OnEvicted = r.evicted
	return r
}

// Get returns the cached location of url.
func (r *Recent) Get(url string) (Location, bool) {
	r.m.Lock()
	defer r.m.Unlock()
	r.total++
	v, ok := r.c.Get(url)
	if !ok {
		return Location{}, false
	}
	r.hits++
	return v.(Location), true
}

// Put caches the location of url.
func (r *Recent) Put(url string, loc Location) {
	r.m.Lock()
	defer r.m.Unlock()
	r.c.Remove(url)
	r.c.Add(url, loc)
	urls := r.byAU[loc.AUID]
	if urls == nil {
		urls = make(map[string]struct{})
		r.byAU[loc.AUID] = urls
	}
	urls[url] = struct{}{}
}

// Invalidate drops every cached lookup which resolved to auid.
func (r *Recent) Invalidate(auid string) {
	r.m.Lock()
	defer r.m.Unlock()
	for url := range r.byAU[auid] {
		r.c.Remove(url)
	}
	delete(r.byAU, auid)
}

// Clear drops everything.
func (r *Recent) Clear() {
	r.m.Lock()
	defer r.m.Unlock()
	r.c.Clear()
	r.byAU = make(map[string]map[string]struct{})
}

// Len returns the number of cached lookups.
func (r *Recent) Len() int {
	r.m.Lock()
	defer r.m.Unlock()
	return r.c.Len()
}

// HitRate returns the fraction of Get calls which were answered from the
// cache.
func (r *Recent) HitRate() float64 {
	r.m.Lock()
	defer r.m.Unlock()
	if r.total == 0 {
		return 0
	}
	return float64(r.hits) / float64(r.total)
}

// evicted is called with r.m held.
func (r *Recent) evicted(key lru.Key, value interface{}) {
	url := key.(string)
	auid := value.(Location).AUID
	urls := r.byAU[auid]
	delete(urls, url)
	if len(urls) == 0 {
		delete(r.byAU, auid)
	}
}
