package cachedurl

import (
	"archive/tar"
	"bytes"
	"errors"
	"io/ioutil"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/facebookgo/clock"
	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/require"

	"github.com/ndlib/arcrepo/archive"
	"github.com/ndlib/arcrepo/artifact"
	"github.com/ndlib/arcrepo/index"
	"github.com/ndlib/arcrepo/store"
)

var (
	memberTime = time.Date(2015, 1, 2, 3, 4, 6, 0, time.UTC)
	baseTime   = time.Date(2019, 1, 1, 0, 0, 0, 0, time.UTC)
)

func newSet(t *testing.T) *Set {
	repo := artifact.NewRepository(index.NewMemory(), store.NewMemory())
	r := archive.NewResolver(repo, nil)
	r.Mime = archive.DefaultMimeMap
	s := NewSet(repo, r, "coll", "au1", AUSpec())
	c := clock.NewMock()
	c.Add(baseTime.Sub(c.Now()))
	s.Clock = c
	return s
}

func put(t *testing.T, s *Set, uri string, content []byte, fetched time.Time) *artifact.Artifact {
	id := artifact.Identifier{Collection: s.Collection, AUID: s.AUID, URI: uri}
	h := make(http.Header)
	h.Set("Last-Modified", "Mon, 01 Jan 2018 00:00:00 GMT")
	d := artifact.NewData(id, h, artifact.StatusLine{Protocol: "HTTP/1.1", Code: 200, Reason: "OK"}, bytes.NewReader(content))
	d.FetchTime = fetched
	a, err := s.Repo.Add(d)
	require.NoError(t, err)
	a, err = s.Repo.Commit(a)
	require.NoError(t, err)
	return a
}

func makeZip(t *testing.T, files ...string) []byte {
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for i := 0; i < len(files); i += 2 {
		f, err := w.CreateHeader(&zip.FileHeader{Name: files[i], Method: zip.Deflate, Modified: memberTime})
		require.NoError(t, err)
		_, err = f.Write([]byte(files[i+1]))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func makeTar(t *testing.T, files ...string) []byte {
	var buf bytes.Buffer
	w := tar.NewWriter(&buf)
	for i := 0; i < len(files); i += 2 {
		require.NoError(t, w.WriteHeader(&tar.Header{
			Name:     files[i],
			Mode:     0644,
			Size:     int64(len(files[i+1])),
			ModTime:  memberTime,
			Typeflag: tar.TypeReg,
		}))
		_, err := w.Write([]byte(files[i+1]))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func read(t *testing.T, cu CachedURL) string {
	rc, err := cu.Open()
	require.NoError(t, err)
	defer rc.Close()
	b, err := ioutil.ReadAll(rc)
	require.NoError(t, err)
	return string(b)
}

func TestPlainAndVersions(t *testing.T) {
	s := newSet(t)
	put(t, s, "http://x.org/p", []byte("one"), baseTime)
	put(t, s, "http://x.org/p", []byte("two!"), baseTime)

	p, err := s.Get("http://x.org/p")
	require.NoError(t, err)
	require.True(t, p.HasContent())
	require.Equal(t, 2, p.Version())
	require.Equal(t, int64(4), p.ContentSize())
	require.Equal(t, "two!", read(t, p))
	require.Equal(t, "4", p.Properties().Get(artifact.PropLength))

	versions, err := p.Versions(0)
	require.NoError(t, err)
	require.Len(t, versions, 2)
	require.Equal(t, 2, versions[0].Version())
	require.Equal(t, "one", read(t, versions[1]))

	v1, err := p.CuVersion(1)
	require.NoError(t, err)
	require.Equal(t, "one", read(t, v1))
	_, err = v1.CuVersion(2)
	require.Equal(t, ErrUnsupported, err)
	_, err = v1.Versions(0)
	require.Equal(t, ErrUnsupported, err)

	v9, err := p.CuVersion(9)
	require.NoError(t, err)
	require.False(t, v9.HasContent())

	missing, err := s.Get("http://x.org/nothing")
	require.NoError(t, err)
	require.False(t, missing.HasContent())
	require.Nil(t, missing.Properties())
}

func TestMemberCachedURL(t *testing.T) {
	s := newSet(t)
	host := put(t, s, "http://x.org/a.zip", makeZip(t, "a/b.html", "<p>b</p>"), baseTime)

	cu, err := s.Lookup("http://x.org/a.zip!/a/b.html")
	require.NoError(t, err)
	defer cu.Close()
	require.True(t, cu.HasContent())
	require.Equal(t, "<p>b</p>", read(t, cu))
	require.Equal(t, int64(8), cu.ContentSize())
	require.Equal(t, "text/html", cu.ContentType())
	require.Equal(t, host.Version, cu.Version())
	require.Equal(t, host.URI, cu.Artifact().URI)

	props := cu.Properties()
	require.Equal(t, "8", props.Get(artifact.PropLength))
	require.Equal(t, "http://x.org/a.zip!/a/b.html", props.Get(artifact.PropNodeURL))
	require.Equal(t, memberTime.Format(http.TimeFormat), props.Get(artifact.PropLastModified))
	require.NotEqual(t, host.Properties().Get(artifact.PropLastModified), props.Get(artifact.PropLastModified))

	_, err = cu.Member("x")
	require.Equal(t, ErrUnsupported, err)
	require.True(t, errors.Is(err, artifact.ErrInvalidState))
	_, err = cu.CuVersion(1)
	require.Equal(t, ErrUnsupported, err)
	_, err = cu.Versions(0)
	require.Equal(t, ErrUnsupported, err)

	missing, err := s.Lookup("http://x.org/a.zip!/missing.html")
	require.NoError(t, err)
	require.False(t, missing.HasContent())
	rc, err := missing.Open()
	require.Nil(t, rc)
	require.Error(t, err)
}

func TestMemberWithoutTime(t *testing.T) {
	s := newSet(t)
	host := put(t, s, "http://x.org/t.tar", makeTar(t, "f", "x"), baseTime)
	p, err := s.Get(host.URI)
	require.NoError(t, err)
	m, err := p.Member("f")
	require.NoError(t, err)
	defer m.Close()
	require.Equal(t, memberTime.Format(http.TimeFormat), m.Properties().Get(artifact.PropLastModified))

	e := archive.Entry{Name: "f", Size: 1}
	props := memberProperties("u", e, "")
	require.Equal(t, time.Unix(0, 0).UTC().Format(http.TimeFormat), props.Get(artifact.PropLastModified))
	require.Equal(t, "", props.Get(artifact.PropContentType))
}

func TestDirPrefixes(t *testing.T) {
	var tests = []struct {
		u, base string
		result  string
	}{
		{"http://x.org/a/b", "", "http://x.org/ http://x.org/a/"},
		{"http://x.org/a/b", "http://x.org/", "http://x.org/a/"},
		{"http://x.org/a/", "", "http://x.org/ http://x.org/a/"},
		{"http://x.org/a?q=/b", "", "http://x.org/"},
		{"a/b", "", "a/"},
	}
	for _, test := range tests {
		result := strings.Join(dirPrefixes(test.u, test.base), " ")
		if result != test.result {
			t.Errorf("Received %q, expected %q", result, test.result)
		}
	}
}

func TestSpecMatches(t *testing.T) {
	var tests = []struct {
		spec   Spec
		u      string
		result bool
	}{
		{AUSpec(), "anything", true},
		{NodeSpec("http://x/a"), "http://x/a", true},
		{NodeSpec("http://x/a"), "http://x/a/b", false},
		{PrefixSpec("http://x/a/"), "http://x/a/", true},
		{PrefixSpec("http://x/a/"), "http://x/a/b", true},
		{PrefixSpec("http://x/a/"), "http://x/b", false},
		{RangeSpec("http://x/a/", "c", "f"), "http://x/a/", false},
		{RangeSpec("http://x/a/", "c", "f"), "http://x/a/b", false},
		{RangeSpec("http://x/a/", "c", "f"), "http://x/a/c", true},
		{RangeSpec("http://x/a/", "c", "f"), "http://x/a/d/e", true},
		{RangeSpec("http://x/a/", "c", "f"), "http://x/a/f", true},
		{RangeSpec("http://x/a/", "c", "f"), "http://x/a/fz", true},
		{RangeSpec("http://x/a/", "c", "f"), "http://x/a/g", false},
		{RangeSpec("http://x/a/", "", "f"), "http://x/a/a", true},
	}
	for _, test := range tests {
		result := test.spec.Matches(test.u)
		if result != test.result {
			t.Errorf("%+v Matches(%q) received %v, expected %v", test.spec, test.u, result, test.result)
		}
	}
}

func TestCompare(t *testing.T) {
	set := func(spec Spec) *Set { return &Set{Collection: "c", AUID: "au", Spec: spec} }
	other := &Set{Collection: "c", AUID: "other", Spec: AUSpec()}
	var tests = []struct {
		a, b   *Set
		result Relation
	}{
		{set(AUSpec()), set(AUSpec()), SameLevelOverlap},
		{set(AUSpec()), set(PrefixSpec("http://x/a")), Above},
		{set(PrefixSpec("http://x/a")), set(AUSpec()), Below},
		{set(AUSpec()), other, NoRelation},
		{set(PrefixSpec("http://x/a")), set(PrefixSpec("http://x/a/")), SameLevelOverlap},
		{set(PrefixSpec("http://x/a/")), set(NodeSpec("http://x/a/b")), Above},
		{set(NodeSpec("http://x/a/b")), set(PrefixSpec("http://x/a/")), Below},
		{set(RangeSpec("http://x/a/", "a", "m")), set(RangeSpec("http://x/a/", "n", "z")), SameLevelNoOverlap},
		{set(RangeSpec("http://x/a/", "a", "m")), set(RangeSpec("http://x/a/", "k", "z")), SameLevelOverlap},
		{set(NodeSpec("http://x/a/")), set(RangeSpec("http://x/a/", "a", "m")), SameLevelNoOverlap},
		{set(NodeSpec("http://x/a/")), set(PrefixSpec("http://x/a/")), SameLevelOverlap},
		{set(NodeSpec("http://x/a")), set(NodeSpec("http://x/a")), SameLevelOverlap},
		{set(PrefixSpec("http://x/a/")), set(PrefixSpec("http://x/b/")), NoRelation},
		{set(RangeSpec("http://x/a/", "a", "m")), set(NodeSpec("http://x/a/c")), Above},
		{set(RangeSpec("http://x/a/", "a", "m")), set(NodeSpec("http://x/a/q")), NoRelation},
		{set(RangeSpec("http://x/a/", "a", "m")), set(PrefixSpec("http://x/a/b/")), Above},
		{set(PrefixSpec("http://x/a/b/")), set(RangeSpec("http://x/a/", "a", "m")), Below},
		// a node beside a set further down its own directory
		{set(NodeSpec("http://x/a/")), set(PrefixSpec("http://x/a/b")), SameLevelNoOverlap},
		{set(PrefixSpec("http://x/a/b")), set(NodeSpec("http://x/a/")), SameLevelNoOverlap},
		{set(NodeSpec("http://x/a")), set(NodeSpec("http://x/a/b")), SameLevelNoOverlap},
		{set(NodeSpec("http://x/a")), set(PrefixSpec("http://x/ab")), NoRelation},
	}
	for i, test := range tests {
		result := Compare(test.a, test.b)
		if result != test.result {
			t.Errorf("%d: Received %v, expected %v", i, result, test.result)
		}
	}
}
