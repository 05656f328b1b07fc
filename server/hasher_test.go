package server

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/facebookgo/clock"
	"github.com/julienschmidt/httprouter"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/ndlib/arcrepo/artifact"
	"github.com/ndlib/arcrepo/cachedurl"
	"github.com/ndlib/arcrepo/index"
	"github.com/ndlib/arcrepo/store"
)

func newHashServer(t *testing.T) (*RESTServer, *store.Memory, *clock.Mock) {
	c := clock.NewMock()
	c.Add(time.Date(2020, 5, 1, 0, 0, 0, 0, time.UTC).Sub(c.Now()))
	mem := store.NewMemory()
	repo := artifact.NewRepository(index.NewMemory(), mem)
	repo.Clock = c
	s := &RESTServer{
		Repo:     repo,
		Clock:    c,
		HashRate: 1000000,
	}
	s.setup()
	return s, mem, c
}

func addContent(t *testing.T, s *RESTServer, au, uri, text string) *artifact.Artifact {
	id := artifact.Identifier{Collection: "c", AUID: au, URI: uri}
	d := artifact.NewData(id, nil, artifact.StatusLine{Protocol: "HTTP/1.1", Code: 200, Reason: "OK"}, strings.NewReader(text))
	a, err := s.Repo.Add(d)
	require.NoError(t, err)
	a, err = s.Repo.Commit(a)
	require.NoError(t, err)
	return a
}

func TestHasherNext(t *testing.T) {
	s, _, c := newHashServer(t)
	h := newHasher(s)
	defer h.rate.Stop()

	coll, au := h.next()
	if au != "" {
		t.Errorf("Received %v, expected nothing to hash", au)
	}

	addContent(t, s, "au1", "http://example.org/1", "one")
	addContent(t, s, "au2", "http://example.org/2", "two")

	coll, au = h.next()
	if coll != "c" || au != "au1" {
		t.Errorf("Received %v/%v, expected %v", coll, au, "c/au1")
	}
	h.hashAU(coll, au)
	st, err := s.Repo.AUState("c", "au1")
	require.NoError(t, err)
	require.NotNil(t, st)
	if !st.LastHash.Equal(c.Now()) {
		t.Errorf("Received %v, expected %v", st.LastHash, c.Now())
	}

	_, au = h.next()
	if au != "au2" {
		t.Errorf("Received %v, expected %v", au, "au2")
	}
	h.hashAU("c", au)
	_, au = h.next()
	if au != "" {
		t.Errorf("Received %v, expected nothing to hash", au)
	}

	// once both are due the one hashed longest ago goes first
	c.Add(time.Hour)
	h.hashAU("c", "au2")
	c.Add(minDurationHash + time.Hour)
	_, au = h.next()
	if au != "au1" {
		t.Errorf("Received %v, expected %v", au, "au1")
	}

	// a recent failed attempt is skipped
	h.attempted["c/au1"] = c.Now()
	_, au = h.next()
	if au != "au2" {
		t.Errorf("Received %v, expected %v", au, "au2")
	}
	c.Add(retryDurationHash)
	_, au = h.next()
	if au != "au1" {
		t.Errorf("Received %v, expected %v", au, "au1")
	}

	status := h.status()
	if status.Hashed != 3 || status.Mismatches != 0 {
		t.Errorf("Received %+v, expected 3 hashed", status)
	}
}

func TestHasherMismatch(t *testing.T) {
	s, mem, _ := newHashServer(t)
	h := newHasher(s)
	defer h.rate.Stop()

	a := addContent(t, s, "bad", "http://example.org/flip", "original")
	addContent(t, s, "bad", "http://example.org/fine", "fine")

	key := strings.TrimPrefix(a.StorageURL, "content:")
	require.NoError(t, mem.Delete(key))
	w, err := mem.Create(key)
	require.NoError(t, err)
	w.Write([]byte("0riginal"))
	require.NoError(t, w.Close())

	h.hashAU("c", "bad")
	status := h.status()
	if status.Mismatches != 1 {
		t.Errorf("Received %v, expected %v", status.Mismatches, 1)
	}
	// the hash still finished
	if status.Hashed != 1 {
		t.Errorf("Received %v, expected %v", status.Hashed, 1)
	}
}

func TestHashWalkTimeout(t *testing.T) {
	s, _, c := newHashServer(t)
	addContent(t, s, "slow", "http://example.org/slow", "slow")

	set := cachedurl.NewSet(s.Repo, s.Resolver, "c", "slow", cachedurl.AUSpec())
	set.Clock = c
	var seen int
	err := hashWalk(set, cachedurl.Options{}, s.Repo.Algorithm, nil, c, c.Now().Add(-time.Second), func(hashResult) {
		seen++
	})
	if !errors.Is(err, cachedurl.ErrHashTimeout) {
		t.Errorf("Received %v, expected %v", err, cachedurl.ErrHashTimeout)
	}
	if seen != 0 {
		t.Errorf("Received %v, expected %v", seen, 0)
	}

	err = hashWalk(set, cachedurl.Options{}, s.Repo.Algorithm, nil, c, time.Time{}, func(r hashResult) {
		seen++
		if r.Err != nil {
			t.Errorf("%s: %s", r.URL, r.Err)
		}
	})
	require.NoError(t, err)
	if seen == 0 {
		t.Errorf("No nodes were hashed")
	}
}

func TestHasherRun(t *testing.T) {
	s, _, _ := newHashServer(t)
	addContent(t, s, "run1", "http://example.org/1", "one")
	addContent(t, s, "run2", "http://example.org/2", "two")

	s.StartHasher()
	for i := 0; i < 100 && s.hasher.status().Hashed < 2; i++ {
		time.Sleep(10 * time.Millisecond)
	}
	s.StopHasher()
	if n := s.hasher.status().Hashed; n != 2 {
		t.Errorf("Received %v, expected %v", n, 2)
	}
}

func TestSetHasherHandler(t *testing.T) {
	s, _, _ := newHashServer(t)
	s.hasher = newHasher(s)
	defer s.hasher.rate.Stop()

	var table = []struct {
		status  string
		code    int
		enabled bool
	}{
		{"off", 201, false},
		{"on", 201, true},
		{"sideways", 400, true},
	}
	for _, row := range table {
		w := httptest.NewRecorder()
		r := httptest.NewRequest("PUT", "/admin/hasher/"+row.status, nil)
		s.SetHasherHandler(w, r, httprouter.Params{{Key: "status", Value: row.status}})
		if w.Code != row.code {
			t.Errorf("%s: Received %v, expected %v", row.status, w.Code, row.code)
		}
		if s.hasher.isEnabled() != row.enabled {
			t.Errorf("%s: Received %v, expected %v", row.status, s.hasher.isEnabled(), row.enabled)
		}
	}
}
