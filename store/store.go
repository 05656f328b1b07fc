// Package store provides a simple, goroutine safe key-value interface. Instead
// of values being an opaque array of bytes, though, they are a stream. This
// approach allows large artifacts to be stored easily.
//
// The artifact repository keeps every content stream in a Store, first under
// a pending key while the version is uncommitted and then, at commit time,
// under its permanent key. Moving between the two is done with Rename, which
// stores may implement natively.
//
// Probably the most important implementation is the FileSystem. The other
// stores are useful for testing or other specialized situations.
package store

import (
	"io"

	"github.com/pkg/errors"
)

// ReadAtCloser combines the io.ReaderAt and io.Closer interfaces.
type ReadAtCloser interface {
	io.ReaderAt
	io.Closer
}

// Store defines the basic stream based key-value store.
// Items are immutable once stored, but they may be deleted and then replaced
// with a new value.
//
// Since the FileSystem store uses the key as file names, keys should not
// contain forbidden filesystem characters, such as '/'.
//
// Open() returns a ReadAtCloser instead of a ReadCloser since container
// formats such as zip need random access.
type Store interface {
	ROStore
	Create(key string) (io.WriteCloser, error)
	Delete(key string) error
}

// ROStore is the read-only pieces of a Store. It allows one to list contents,
// and to retrieve data.
type ROStore interface {
	List() <-chan string
	ListPrefix(prefix string) ([]string, error)
	Open(key string) (ReadAtCloser, int64, error)
}

// A Renamer can move content from one key to another without copying it.
// The target key must not already exist.
type Renamer interface {
	Rename(oldkey, newkey string) error
}

var (
	// ErrKeyExists indicates an attempt to create a key which already exists
	ErrKeyExists = errors.New("Key already exists")

	// ErrNotExist indicates the given key is not in the store
	ErrNotExist = errors.New("Key does not exist")
)

// Rename moves the content at oldkey to newkey. If s implements Renamer that
// is used, otherwise the content is copied to newkey and oldkey is deleted.
func Rename(s Store, oldkey, newkey string) error {
	if r, ok := s.(Renamer); ok {
		return r.Rename(oldkey, newkey)
	}
	return copyRename(s, oldkey, newkey)
}

// copyRename streams oldkey into newkey and then deletes oldkey.
// If the copy fails, newkey is removed and oldkey is left untouched.
func copyRename(s Store, oldkey, newkey string) error {
	src, size, err := s.Open(oldkey)
	if err != nil {
		return err
	}
	defer src.Close()
	w, err := s.Create(newkey)
	if err != nil {
		return err
	}
	n, err := io.Copy(w, NewReader(src))
	err2 := w.Close()
	if err == nil {
		err = err2
	}
	if err == nil && n != size {
		err = errors.Errorf("rename %s: copied %d bytes, expected %d", oldkey, n, size)
	}
	if err != nil {
		s.Delete(newkey)
		return err
	}
	return s.Delete(oldkey)
}

// NewReader converts a ReaderAt into a io.Reader. It is here as a utility to
// help work with the ReadAtCloser returned by Open.
func NewReader(r io.ReaderAt) io.Reader {
	return &reader{r: r}
}

type reader struct {
	r   io.ReaderAt
	off int64
}

func (r *reader) Read(p []byte) (n int, err error) {
	n, err = r.r.ReadAt(p, r.off)
	r.off += int64(n)
	if err == io.EOF && n > 0 {
		// reading less than a full buffer is not an error for
		// an io.Reader
		err = nil
	}
	return
}

// NewReadCloser wraps a ReadAtCloser into an io.ReadCloser which reads
// the stream from the beginning. Closing it closes rac.
func NewReadCloser(rac ReadAtCloser) io.ReadCloser {
	return readCloser{Reader: NewReader(rac), c: rac}
}

type readCloser struct {
	io.Reader
	c io.Closer
}

func (r readCloser) Close() error { return r.c.Close() }
