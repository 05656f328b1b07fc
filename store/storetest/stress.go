package storetest

import (
	"io"
	"math"
	"math/rand"
	"strconv"
	"sync"
	"testing"

	digest "github.com/opencontainers/go-digest"

	"github.com/ndlib/arcrepo/store"
)

// A stressItem is a stream written by Stress, along with what it should
// read back as.
type stressItem struct {
	pending string
	content string
	size    int64
	digest  digest.Digest
}

// Stress runs the lifecycle the artifact repository puts streams through
// from many goroutines at once: a stream is written under a pending key,
// verified, renamed to its content key, verified again, and finally deleted.
// Some streams are read several times before being deleted. Streams are
// written until their sizes add up to totalsize (1GB if 0).
//
// It is most useful when run with the race detector.
func Stress(t *testing.T, s store.Store, totalsize int64) {
	if totalsize == 0 {
		totalsize = 1000 * 1000 * 1000
	}
	sizes := make(chan int64)
	committed := make(chan stressItem, 1000)
	done := make(chan struct{})
	var writers, readers sync.WaitGroup

	for i := 0; i < 5; i++ {
		writers.Add(1)
		go func(w int) {
			defer writers.Done()
			stressWriter(t, s, w, sizes, committed)
		}(i)
	}
	for i := 0; i < 10; i++ {
		readers.Add(1)
		go func() {
			defer readers.Done()
			stressReader(t, s, committed, done)
		}()
	}

	for totalsize > 0 {
		// sizes from 1 byte to a few hundred MB, uniform in log scale
		size := int64(math.Exp(20 * rand.Float64()))
		sizes <- size
		totalsize -= size
	}
	close(sizes)
	writers.Wait()
	close(done)
	readers.Wait()
}

func stressWriter(t *testing.T, s store.Store, w int, sizes <-chan int64, out chan<- stressItem) {
	seed := make([]byte, 64*1024)
	for n := 0; ; n++ {
		size, ok := <-sizes
		if !ok {
			return
		}
		rand.Read(seed)
		name := strconv.Itoa(w) + "-" + strconv.Itoa(n)
		item := stressItem{
			pending: "p" + name,
			content: "c" + name,
			size:    size,
		}
		wc, err := s.Create(item.pending)
		if err != nil {
			t.Error(item.pending, err)
			continue
		}
		digester := digest.Canonical.Digester()
		written, err := io.Copy(io.MultiWriter(wc, digester.Hash()), &repeatReader{data: seed, n: size})
		if err != nil {
			t.Error(item.pending, err)
		}
		if written != size {
			t.Errorf("%s: Received %d bytes, expected %d", item.pending, written, size)
		}
		if err = wc.Close(); err != nil {
			t.Error(item.pending, err)
			continue
		}
		item.digest = digester.Digest()
		if !verify(t, s, item.pending, item) {
			continue
		}
		if err = store.Rename(s, item.pending, item.content); err != nil {
			t.Error(item.pending, err)
			continue
		}
		if _, _, err = s.Open(item.pending); err == nil {
			t.Errorf("%s: still present after rename", item.pending)
		}
		out <- item
	}
}

func stressReader(t *testing.T, s store.Store, in chan stressItem, done <-chan struct{}) {
	for {
		var item stressItem
		select {
		case <-done:
			return
		case item = <-in:
		}
		if !verify(t, s, item.content, item) {
			continue
		}
		if rand.Intn(2) == 0 {
			// read it again later
			in <- item
			continue
		}
		if err := s.Delete(item.content); err != nil {
			t.Error(item.content, err)
		}
	}
}

// verify reads key and checks it against the size and digest of item.
func verify(t *testing.T, s store.Store, key string, item stressItem) bool {
	rac, size, err := s.Open(key)
	if err != nil {
		t.Error(key, err)
		return false
	}
	defer rac.Close()
	if size != item.size {
		t.Errorf("%s: Received size %d, expected %d", key, size, item.size)
		return false
	}
	verifier := item.digest.Verifier()
	n, err := io.Copy(verifier, store.NewReader(rac))
	if err != nil {
		t.Error(key, err)
		return false
	}
	if n != size || !verifier.Verified() {
		t.Errorf("%s: content does not match %s", key, item.digest)
		return false
	}
	return true
}

// repeatReader yields n bytes by repeating data.
type repeatReader struct {
	n    int64
	data []byte
}

func (r *repeatReader) Read(p []byte) (int, error) {
	if r.n <= 0 {
		return 0, io.EOF
	}
	total := 0
	for len(p) > 0 && r.n > 0 {
		chunk := r.data
		if r.n < int64(len(chunk)) {
			chunk = chunk[:r.n]
		}
		n := copy(p, chunk)
		p = p[n:]
		r.n -= int64(n)
		total += n
	}
	return total, nil
}
