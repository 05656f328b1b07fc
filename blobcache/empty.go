package blobcache

import (
	"io"

	"github.com/ndlib/arcrepo/store"
)

// EmptyCache holds nothing. Every Put fails with ErrCacheFull, which tells
// the archive resolver to keep a spilled container in memory instead.
type EmptyCache struct{}

func (EmptyCache) Contains(id string) bool { return false }

func (EmptyCache) Get(id string) (store.ReadAtCloser, int64, error) { return nil, 0, nil }

func (EmptyCache) Put(id string) (io.WriteCloser, error) { return nil, ErrCacheFull }
