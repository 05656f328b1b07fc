package blobcache

import (
	"fmt"
	"testing"

	"github.com/ndlib/arcrepo/store"
)

func TestEviction(t *testing.T) {
	cache := NewLRU(store.NewMemory(), 100)
	// "hello world" is 11 bytes. so 10 should cause a cache eviction
	for i := 0; i < 10; i++ {
		key := fmt.Sprintf("hello-%d", i)
		w, err := cache.Put(key)
		if err != nil {
			t.Fatalf("received %s", err.Error())
		}
		w.Write([]byte("hello world"))
		w.Close()
	}

	// see if one was evicted. This does not assume an eviction strategy.
	var nEvicted int
	for i := 0; i < 10; i++ {
		key := fmt.Sprintf("hello-%d", i)
		r, size, err := cache.Get(key)
		if err != nil {
			t.Fatalf("received %s", err.Error())
		}
		if r == nil {
			nEvicted++
			continue
		}
		if size != 11 {
			t.Errorf("Received size %d, expected %d", size, 11)
		}
		r.Close()
	}
	t.Logf("nEvicted = %d", nEvicted)
	if nEvicted == 0 {
		t.Errorf("No items evicted")
	}
}

func TestTooLargeItem(t *testing.T) {
	cache := NewLRU(store.NewMemory(), 100)
	key := "qwerty"
	w, err := cache.Put(key)
	if err != nil {
		t.Fatalf("received %s", err.Error())
	}
	// write this in pieces. should error on last one
	for i := 0; i < 10; i++ {
		_, err = w.Write([]byte("hello world"))
		if err != nil {
			t.Logf("Received error %s", err.Error())
			break
		}
	}
	if err != ErrCacheFull {
		t.Errorf("Did not receive ErrCacheFull")
	}
	err = w.Close()
	if err != ErrCacheFull {
		t.Errorf("Close: Received %v, expected %v", err, ErrCacheFull)
	}
	if cache.Contains(key) {
		t.Errorf("Contains(%s) = true, expected false", key)
	}
	size := cache.Size()
	if size != 0 {
		t.Errorf("Cache size is %d. Expected %d", size, 0)
	}
}

func TestScan(t *testing.T) {
	mem := store.NewMemory()

	// populate the store
	var table = []struct {
		key, contents string
	}{
		{"qwerty", "1234567890"},
		{"asdf", "1234567890-="},
		{"zxcv", "abcdefghijklmnopqrstuvwxyz"},
	}

	for _, elem := range table {
		w, err := mem.Create(elem.key)
		if err != nil {
			t.Fatal(err)
		}
		w.Write([]byte(elem.contents))
		w.Close()
	}

	// now set up the cache and scan it
	cache := NewLRU(mem, 100)
	cache.Scan()

	for _, elem := range table {
		r, _, _ := cache.Get(elem.key)
		if r == nil {
			t.Logf("key %s: nil", elem.key)
			continue
		}
		r.Close()
	}

	if cache.Size() != 48 {
		t.Errorf("Received size %d, expected %d", cache.Size(), 48)
	}

	// now set up a small cache and scan that
	cache = NewLRU(mem, 15)
	cache.Scan()

	var found int
	for _, elem := range table {
		r, _, _ := cache.Get(elem.key)
		if r == nil {
			t.Logf("key %s: nil", elem.key)
			continue
		}
		found++
		r.Close()
	}
	// zxcv never fits, and the others evict each other
	if found > 1 {
		t.Errorf("Received %d items, expected at most %d", found, 1)
	}
	if cache.Contains("zxcv") {
		t.Errorf("Contains(zxcv) = true, expected false")
	}
}

func TestLRUOrder(t *testing.T) {
	cache := NewLRU(store.NewMemory(), 30)
	for _, key := range []string{"a", "b", "c"} {
		w, _ := cache.Put(key)
		w.Write([]byte("0123456789"))
		w.Close()
	}
	// touch "a" so "b" is least recently used
	r, _, _ := cache.Get("a")
	r.Close()
	w, _ := cache.Put("d")
	w.Write([]byte("0123456789"))
	w.Close()

	var table = []struct {
		key     string
		present bool
	}{
		{"a", true},
		{"b", false},
		{"c", true},
		{"d", true},
	}
	for _, tab := range table {
		if cache.Contains(tab.key) != tab.present {
			t.Errorf("Contains(%s): Received %v, expected %v", tab.key, !tab.present, tab.present)
		}
	}
}

func TestEmptyCache(t *testing.T) {
	var c Cache = EmptyCache{}
	_, err := c.Put("x")
	if err != ErrCacheFull {
		t.Errorf("Received %v, expected %v", err, ErrCacheFull)
	}
	if c.Contains("x") {
		t.Errorf("EmptyCache contains item")
	}
	r, _, _ := c.Get("x")
	if r != nil {
		t.Errorf("EmptyCache returned a reader")
	}
}

func TestStagedPut(t *testing.T) {
	mem := store.NewMemory()
	cache := NewLRU(mem, 100)
	w, err := cache.Put("item")
	if err != nil {
		t.Fatal(err)
	}
	w.Write([]byte("partial"))
	// not visible until closed
	if cache.Contains("item") {
		t.Errorf("Contains(item) = true before Close")
	}
	r, _, _ := cache.Get("item")
	if r != nil {
		t.Errorf("Get returned a partial item")
	}
	if cache.Size() != 7 {
		t.Errorf("Received size %d, expected %d", cache.Size(), 7)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	keys, _ := mem.ListPrefix("")
	if len(keys) != 1 || keys[0] != "item" {
		t.Errorf("Received keys %v, expected [item]", keys)
	}
	_, err = cache.Put("item")
	if err != store.ErrKeyExists {
		t.Errorf("Received %v, expected %v", err, store.ErrKeyExists)
	}

	// a fill interrupted by a crash is cleaned up by the next Scan
	leftover, _ := mem.Create(stagingPrefix + "other")
	leftover.Write([]byte("junk"))
	leftover.Close()
	cache = NewLRU(mem, 100)
	cache.Scan()
	if cache.Size() != 7 {
		t.Errorf("Received size %d, expected %d", cache.Size(), 7)
	}
	keys, _ = mem.ListPrefix(stagingPrefix)
	if len(keys) != 0 {
		t.Errorf("Received staged keys %v, expected none", keys)
	}
}
