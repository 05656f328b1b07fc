package store

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
)

// Memory implements a simple in-memory version of a store. It is intended
// mainly for testing.
type Memory struct {
	m     sync.RWMutex
	store map[string]*buf
}

var (
	// ensure Memory satisfies the Store interface
	_ Store   = &Memory{}
	_ Renamer = &Memory{}
)

// NewMemory returns a new, empty memory store.
func NewMemory() *Memory {
	return &Memory{store: make(map[string]*buf)}
}

// List returns a channel giving the id for every item in the store.
// The keys are snapshotted when List is called.
func (ms *Memory) List() <-chan string {
	ms.m.RLock()
	keys := make([]string, 0, len(ms.store))
	for k := range ms.store {
		keys = append(keys, k)
	}
	ms.m.RUnlock()
	c := make(chan string)
	go func() {
		for _, k := range keys {
			c <- k
		}
		close(c)
	}()
	return c
}

// ListPrefix returns all the key entries which begin with the given prefix.
// They are returned in sorted order.
func (ms *Memory) ListPrefix(prefix string) ([]string, error) {
	var result []string
	ms.m.RLock()
	for k := range ms.store {
		if strings.HasPrefix(k, prefix) {
			result = append(result, k)
		}
	}
	ms.m.RUnlock()
	sort.Strings(result)
	return result, nil
}

// Open returns a ReadAtCloser and the size of the given blob. It blocks
// while the key is still being written.
func (ms *Memory) Open(key string) (ReadAtCloser, int64, error) {
	ms.m.RLock()
	v, ok := ms.store[key]
	ms.m.RUnlock()
	if !ok {
		return nil, 0, fmt.Errorf("No item %s: %w", key, ErrNotExist)
	}
	v.m.RLock()
	return &bufReader{b: v}, int64(len(v.b)), nil
}

// A buf is locked for writing from Create until the writer is closed.
type buf struct {
	m sync.RWMutex
	b []byte
}

// bufReader holds a read lock on its buf until Close is called.
type bufReader struct {
	b      *buf
	closed bool
}

func (r *bufReader) Close() error {
	if !r.closed {
		r.closed = true
		r.b.m.RUnlock()
	}
	return nil
}

func (r *bufReader) ReadAt(p []byte, off int64) (int, error) {
	if off >= int64(len(r.b.b)) {
		return 0, io.EOF
	}
	n := copy(p, r.b.b[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

type bufWriter struct {
	b      *buf
	closed bool
}

func (w *bufWriter) Write(p []byte) (int, error) {
	if w.closed {
		return 0, fmt.Errorf("write on closed buffer")
	}
	w.b.b = append(w.b.b, p...)
	return len(p), nil
}

func (w *bufWriter) Close() error {
	if !w.closed {
		w.closed = true
		w.b.m.Unlock()
	}
	return nil
}

// Create makes a new entry in the store, and returns a writer to save data
// into it. It is an error to create a key which already exists.
func (ms *Memory) Create(key string) (io.WriteCloser, error) {
	r := &buf{}
	r.m.Lock()
	ms.m.Lock()
	defer ms.m.Unlock()
	if _, ok := ms.store[key]; ok {
		r.m.Unlock()
		return nil, ErrKeyExists
	}
	ms.store[key] = r
	return &bufWriter{b: r}, nil
}

// Delete the given key from the store. It is not an error if the item does
// not exist in the store.
func (ms *Memory) Delete(key string) error {
	ms.m.Lock()
	delete(ms.store, key)
	ms.m.Unlock()
	return nil
}

// Rename moves the content at oldkey to newkey.
func (ms *Memory) Rename(oldkey, newkey string) error {
	ms.m.Lock()
	defer ms.m.Unlock()
	v, ok := ms.store[oldkey]
	if !ok {
		return fmt.Errorf("No item %s: %w", oldkey, ErrNotExist)
	}
	if _, ok := ms.store[newkey]; ok {
		return ErrKeyExists
	}
	ms.store[newkey] = v
	delete(ms.store, oldkey)
	return nil
}

// Dump writes a listing of the contents of the store to the given writer.
// This is intended for testing and debugging.
func (ms *Memory) Dump(w io.Writer) {
	ms.m.RLock()
	for k, v := range ms.store {
		s := v.b
		if len(s) > 300 {
			s = s[:50]
		}
		fmt.Fprintf(w, "%s: %s\n", k, string(s))
	}
	ms.m.RUnlock()
}
