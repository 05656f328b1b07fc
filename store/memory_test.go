package store_test

import (
	"errors"
	"io"
	"io/ioutil"
	"os"
	"testing"

	"github.com/ndlib/arcrepo/store"
	"github.com/ndlib/arcrepo/store/storetest"
)

func TestMemoryConformance(t *testing.T) {
	storetest.Conformance(t, store.NewMemory())
}

func TestMemoryStress(t *testing.T) {
	if testing.Short() {
		t.Skip("stress test")
	}
	storetest.Stress(t, store.NewMemory(), 50*1000*1000)
}

func TestFileSystemConformance(t *testing.T) {
	for _, mapped := range []bool{false, true} {
		dir, err := ioutil.TempDir("", "fsstore")
		if err != nil {
			t.Fatal(err)
		}
		s := store.NewFileSystem(dir)
		s.Mmap = mapped
		storetest.Conformance(t, s)
		os.RemoveAll(dir)
	}
}

// copyStore hides the native Rename of the wrapped store.
type copyStore struct{ store.Store }

func TestCopyRename(t *testing.T) {
	m := store.NewMemory()
	s := copyStore{m}
	storetest.Conformance(t, s)

	put(t, s, "a", "some content")
	err := store.Rename(s, "a", "b")
	if err != nil {
		t.Fatalf("Received %v, expected nil", err)
	}
	_, _, err = m.Open("a")
	if !errors.Is(err, store.ErrNotExist) {
		t.Errorf("Received %v, expected %v", err, store.ErrNotExist)
	}
	rac, size, err := m.Open("b")
	if err != nil {
		t.Fatal(err)
	}
	rac.Close()
	if size != 12 {
		t.Errorf("Received %d, expected 12", size)
	}
}

func put(t *testing.T, s store.Store, key, data string) {
	w, err := s.Create(key)
	if err != nil {
		t.Fatalf("Couldn't make %s, %s", key, err)
	}
	io.WriteString(w, data)
	if err = w.Close(); err != nil {
		t.Fatalf("Couldn't make %s, %s", key, err)
	}
}
