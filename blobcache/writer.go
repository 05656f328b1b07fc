package blobcache

import (
	"io"

	"github.com/ndlib/arcrepo/store"
)

// stagingPrefix marks items still being written. An item is renamed to its
// id once it is complete, so a reader never sees a partial spill. Scan
// deletes staged items left behind by an interrupted fill.
const stagingPrefix = "~"

// A spillWriter copies one item into the cache. Space is reserved as the
// bytes arrive, and handed back if the item is dropped.
type spillWriter struct {
	lru     *LRU
	id      string
	w       io.WriteCloser
	written int64
	err     error // first failure, the item is dropped on Close
}

func (sw *spillWriter) Write(p []byte) (int, error) {
	if sw.err != nil {
		return 0, sw.err
	}
	if err := sw.lru.reserve(int64(len(p))); err != nil {
		sw.err = err
		return 0, err
	}
	n, err := sw.w.Write(p)
	sw.written += int64(n)
	if n < len(p) {
		sw.lru.reserve(int64(n - len(p)))
	}
	if err != nil {
		sw.err = err
	}
	return n, err
}

func (sw *spillWriter) Close() error {
	staged := stagingPrefix + sw.id
	err := sw.w.Close()
	if sw.err != nil {
		err = sw.err
	}
	if err == nil {
		err = store.Rename(sw.lru.s, staged, sw.id)
	}
	if err != nil {
		sw.lru.s.Delete(staged)
		sw.lru.reserve(-sw.written)
		return err
	}
	sw.lru.linkEntry(entry{id: sw.id, size: sw.written})
	return nil
}
