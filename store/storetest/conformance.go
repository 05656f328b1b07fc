package storetest

import (
	"errors"
	"io"
	"io/ioutil"
	"testing"

	"github.com/ndlib/arcrepo/store"
)

// Conformance checks the behavior the artifact repository depends on:
// create-once keys, sized random access reads, prefix listing, renaming, and
// forgiving deletes. The store should be empty when passed in.
func Conformance(t *testing.T, s store.Store) {
	write(t, s, "pabc", "pending content")
	write(t, s, "pabd", "")
	write(t, s, "cabc", "committed content")

	if _, err := s.Create("pabc"); err != store.ErrKeyExists {
		t.Errorf("Create existing: Received %v, expected %v", err, store.ErrKeyExists)
	}

	expect(t, s, "pabc", "pending content")
	expect(t, s, "pabd", "")

	rac, size, err := s.Open("cabc")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	buf := make([]byte, 7)
	n, err := rac.ReadAt(buf, 10)
	if n != 7 || string(buf[:n]) != "content" {
		t.Errorf("ReadAt: Received %q, %v, expected %q", buf[:n], err, "content")
	}
	n, err = rac.ReadAt(buf, size)
	if n != 0 || err != io.EOF {
		t.Errorf("ReadAt end: Received %d, %v, expected 0, EOF", n, err)
	}
	rac.Close()

	keys, err := s.ListPrefix("p")
	if err != nil {
		t.Errorf("ListPrefix: %v", err)
	}
	if len(keys) != 2 {
		t.Errorf("ListPrefix: Received %v, expected 2 keys", keys)
	}

	var all int
	for range s.List() {
		all++
	}
	if all != 3 {
		t.Errorf("List: Received %d keys, expected 3", all)
	}

	if err := store.Rename(s, "pabc", "cabc"); err == nil {
		t.Errorf("Rename onto existing key: Received nil, expected error")
	}
	expect(t, s, "pabc", "pending content")

	if err := store.Rename(s, "pabc", "cxyz"); err != nil {
		t.Fatalf("Rename: %v", err)
	}
	expect(t, s, "cxyz", "pending content")
	if _, _, err := s.Open("pabc"); err == nil {
		t.Errorf("Open renamed key: Received nil, expected error")
	} else if !errors.Is(err, store.ErrNotExist) {
		t.Errorf("Open renamed key: Received %v, expected %v", err, store.ErrNotExist)
	}

	for _, key := range []string{"pabd", "cabc", "cxyz", "never-created"} {
		if err := s.Delete(key); err != nil {
			t.Errorf("Delete %s: %v", key, err)
		}
	}
	keys, _ = s.ListPrefix("")
	if len(keys) != 0 {
		t.Errorf("after Delete: Received %v, expected none", keys)
	}
}

func write(t *testing.T, s store.Store, key, data string) {
	w, err := s.Create(key)
	if err != nil {
		t.Fatalf("Create %s: %v", key, err)
	}
	if _, err = io.WriteString(w, data); err != nil {
		t.Fatalf("Write %s: %v", key, err)
	}
	if err = w.Close(); err != nil {
		t.Fatalf("Close %s: %v", key, err)
	}
}

func expect(t *testing.T, s store.Store, key, data string) {
	rac, size, err := s.Open(key)
	if err != nil {
		t.Errorf("Open %s: %v", key, err)
		return
	}
	defer rac.Close()
	if size != int64(len(data)) {
		t.Errorf("Open %s: Received size %d, expected %d", key, size, len(data))
	}
	b, err := ioutil.ReadAll(store.NewReader(rac))
	if err != nil {
		t.Errorf("Read %s: %v", key, err)
	}
	if string(b) != data {
		t.Errorf("Read %s: Received %q, expected %q", key, b, data)
	}
}
