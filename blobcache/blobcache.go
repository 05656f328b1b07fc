// Package blobcache implements a simple cache. It is backed by a store, so it
// can be entirely in memory or disk-backed.
//
// The archive resolver uses it to hold decompressed copies of container
// bytes which need random access, such as a tar inside a gzip stream or a
// deflated zip member that is itself a zip file.
//
// While the cached contents are kept in the store, the list recording usage
// information is kept only in memory. On startup the items in the store are
// enumerated and taken to populate the cache list in an undetermined order.
//
// The cache uses an LRU item replacement policy.
package blobcache

import (
	"container/list"
	"io"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/ndlib/arcrepo/store"
)

// Cache is the interface the archive resolver uses to spill content.
type Cache interface {
	Contains(id string) bool
	Get(id string) (store.ReadAtCloser, int64, error)
	Put(id string) (io.WriteCloser, error)
}

// LRU is a size bounded cache evicting the least recently used items first.
type LRU struct {
	// this is the place where cached items are stored
	s store.Store

	m sync.RWMutex // protects everything below

	// total size used to store items in cache.
	size int64

	maxSize int64 // The maximum amount of space we may use

	// front of list is MRU, tail is LRU.
	lru   *list.List // list of cache contents
	index map[string]*list.Element
}

type entry struct {
	id   string
	size int64
}

var (
	_ Cache = &LRU{}
	_ Cache = EmptyCache{}

	// ErrCacheFull means an item is larger than the entire cache.
	ErrCacheFull = errors.New("Cache is full and no more items can be removed")
)

// NewLRU creates and initializes a new cache structure. The given store
// may already have items in it. Call Scan() either inline or in a goroutine
// to scan the store and add the items inside it to the LRU list.
func NewLRU(s store.Store, maxSize int64) *LRU {
	return &LRU{
		s:       s,
		maxSize: maxSize,
		lru:     list.New(),
		index:   make(map[string]*list.Element),
	}
}

// Scan enumerates the items in the given store and adds them to the cache.
// Blocks until it is completely finished. Items too large to fit are deleted.
func (t *LRU) Scan() {
	for key := range t.s.List() {
		if strings.HasPrefix(key, stagingPrefix) {
			t.s.Delete(key)
			continue
		}
		if t.Contains(key) {
			continue
		}
		rc, size, err := t.s.Open(key)
		if err != nil {
			continue
		}
		rc.Close()
		err = t.reserve(size)
		if err != nil {
			// this item is too big for the cache.
			t.s.Delete(key)
			continue
		}
		t.linkEntry(entry{id: key, size: size})
	}
}

// Contains returns true if the given item is in the cache. It does not
// update the LRU status, and does not guarantee the item will be in the
// cache when Get() is called.
func (t *LRU) Contains(id string) bool {
	t.m.RLock()
	_, ok := t.index[id]
	t.m.RUnlock()
	return ok
}

// Get returns a reader for the given item. The LRU list is updated. If the
// item is not in the cache nil is returned for the ReadAtCloser. (NOTE: it is
// not an error for an item to not be in the cache. Check the ReadAtCloser to
// see.)
func (t *LRU) Get(id string) (store.ReadAtCloser, int64, error) {
	t.m.Lock()
	e, ok := t.index[id]
	if ok {
		t.lru.MoveToFront(e)
	}
	t.m.Unlock()
	if !ok {
		return nil, 0, nil
	}
	rac, size, err := t.s.Open(id)
	if errors.Is(err, store.ErrNotExist) {
		// evicted between the lookup and the open
		return nil, 0, nil
	}
	return rac, size, err
}

// Put returns a WriteCloser which saves writes to it in the cache under the
// provided id key. Items are evicted from the cache as content is written to
// the Writer. The item is not formally added to the cache until the Writer is
// closed.
//
// Only one writer to a given id can be active at a time. Subsequent Puts
// will return an error. Also, once an item is in the cache, Puts for it will
// return store.ErrKeyExists (until the item is evicted.)
func (t *LRU) Put(id string) (io.WriteCloser, error) {
	if t.Contains(id) {
		return nil, store.ErrKeyExists
	}
	w, err := t.s.Create(stagingPrefix + id)
	if err != nil {
		return nil, err
	}
	return &spillWriter{lru: t, id: id, w: w}, nil
}

// Size returns the number of bytes held by the cache.
func (t *LRU) Size() int64 {
	t.m.RLock()
	defer t.m.RUnlock()
	return t.size
}

// linkEntry adds the given entry into our LRU list.
func (t *LRU) linkEntry(entry entry) {
	t.m.Lock()
	defer t.m.Unlock()
	t.index[entry.id] = t.lru.PushFront(entry)
}

// reserve space for the passed in size, evicting items if necessary to stay
// under maxSize. Size can be negative to cancel a previous reservation.
// Nothing is reserved if there is an error.
func (t *LRU) reserve(size int64) error {
	t.m.Lock()
	defer t.m.Unlock()

	t.size += size
	for t.size > t.maxSize {
		// LRU eviction
		e := t.lru.Back()
		if e == nil {
			t.size -= size
			return ErrCacheFull
		}
		entry := t.lru.Remove(e).(entry)
		delete(t.index, entry.id)
		err := t.s.Delete(entry.id)
		if err != nil {
			t.size -= size
			return err
		}
		t.size -= entry.size
	}
	return nil
}
