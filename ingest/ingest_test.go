package ingest

import (
	"bytes"
	"context"
	"errors"
	"io"
	"io/ioutil"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/facebookgo/clock"
	"github.com/stretchr/testify/require"

	"github.com/ndlib/arcrepo/artifact"
	"github.com/ndlib/arcrepo/index"
	"github.com/ndlib/arcrepo/store"
)

var fetchTime = time.Date(2020, 5, 1, 12, 0, 0, 0, time.UTC)

// counter records stats bumps.
type counter struct {
	m    sync.Mutex
	sums map[string]float64
}

func (c *counter) BumpAvg(key string, val float64)       {}
func (c *counter) BumpHistogram(key string, val float64) {}
func (c *counter) BumpTime(key string) interface {
	End()
} {
	return nopEnd{}
}
func (c *counter) BumpSum(key string, val float64) {
	c.m.Lock()
	defer c.m.Unlock()
	if c.sums == nil {
		c.sums = make(map[string]float64)
	}
	c.sums[key] += val
}

func (c *counter) get(key string) float64 {
	c.m.Lock()
	defer c.m.Unlock()
	return c.sums[key]
}

type nopEnd struct{}

func (nopEnd) End() {}

func newCacher() (*Cacher, *counter) {
	repo := artifact.NewRepository(index.NewMemory(), store.NewMemory())
	c := NewCacher(repo, "coll", "au1")
	mc := clock.NewMock()
	mc.Add(fetchTime.Sub(mc.Now()))
	c.Clock = mc
	repo.Clock = mc
	s := &counter{}
	c.Stats = s
	return c, s
}

func fetch(url, body string) *Fetch {
	h := make(http.Header)
	h.Set("Content-Type", "text/html")
	return &Fetch{
		URL:    url,
		Header: h,
		Status: artifact.StatusLine{Protocol: "HTTP/1.1", Code: 200, Reason: "OK"},
		Body:   strings.NewReader(body),
	}
}

func content(t *testing.T, c *Cacher, a *artifact.Artifact) string {
	d, err := c.Repo.ArtifactData(a)
	require.NoError(t, err)
	rc, err := d.Open()
	require.NoError(t, err)
	defer rc.Close()
	b, err := ioutil.ReadAll(rc)
	require.NoError(t, err)
	return string(b)
}

func TestStoreCommits(t *testing.T) {
	c, s := newCacher()
	res, err := c.Store(context.Background(), fetch("http://x.org/a", "hello"))
	require.NoError(t, err)
	require.Equal(t, Committed, res.State)
	require.True(t, res.Artifact.Committed)
	require.Equal(t, 1, res.Artifact.Version)
	require.True(t, res.Artifact.FetchTime.Equal(fetchTime))
	require.Equal(t, float64(1), s.get("ingest.committed"))

	a, err := c.Repo.Artifact("coll", "au1", "http://x.org/a")
	require.NoError(t, err)
	require.Equal(t, "hello", content(t, c, a))
	require.Empty(t, a.Header.Get(artifact.HeaderRedirectChain))

	st, err := c.Repo.AUState("coll", "au1")
	require.NoError(t, err)
	require.True(t, st.LastContentChange.Equal(fetchTime))
}

func TestRedirectFanOut(t *testing.T) {
	c, _ := newCacher()
	var calls []string
	var chain []string
	c.Validator = ValidatorFunc(func(a *artifact.Artifact, r io.Reader) error {
		calls = append(calls, a.URI)
		chain = artifact.RedirectChain(a.Header)
		b, err := ioutil.ReadAll(r)
		require.NoError(t, err)
		require.Equal(t, "moved content", string(b))
		return nil
	})
	f := fetch("http://x.org/A", "moved content")
	f.Redirects = []string{"http://x.org/B"}
	res, err := c.Store(context.Background(), f)
	require.NoError(t, err)
	require.Equal(t, Committed, res.State)
	require.Equal(t, []string{"http://x.org/B"}, calls)
	require.Equal(t, []string{"http://x.org/A"}, chain)
	require.Equal(t, "http://x.org/B", res.Artifact.URI)
	require.Len(t, res.Redirects, 1)

	a, err := c.Repo.Artifact("coll", "au1", "http://x.org/A")
	require.NoError(t, err)
	b, err := c.Repo.Artifact("coll", "au1", "http://x.org/B")
	require.NoError(t, err)
	require.NotNil(t, a)
	require.NotNil(t, b)
	require.Equal(t, content(t, c, b), content(t, c, a))
	require.Equal(t, b.ContentDigest, a.ContentDigest)
	require.Equal(t, "text/html", a.ContentType())
	require.Equal(t, "http://x.org/A", b.Header.Get(artifact.HeaderRedirectChain))
}

func TestRedirectChain(t *testing.T) {
	f := &Fetch{URL: "1", Redirects: []string{"2", "3"}}
	require.Equal(t, "3", f.FinalURL())
	require.Equal(t, []string{"1", "2"}, f.chain())
	f = &Fetch{URL: "1"}
	require.Equal(t, "1", f.FinalURL())
	require.Nil(t, f.chain())
}

func TestEmptyContentWarns(t *testing.T) {
	c, _ := newCacher()
	res, err := c.Store(context.Background(), fetch("http://x.org/empty", ""))
	require.NoError(t, err)
	require.Equal(t, WarnedCommitted, res.State)
	var verr *ValidationError
	require.True(t, errors.As(res.Warning, &verr))
	require.Equal(t, Warn, verr.Disposition)
	require.True(t, errors.Is(res.Warning, ErrEmptyContent))
	require.True(t, res.Artifact.Committed)
}

func TestSizeMismatch(t *testing.T) {
	c, s := newCacher()
	f := fetch("http://x.org/short", "12345")
	f.Header.Set("Content-Length", "10")
	res, err := c.Store(context.Background(), f)
	require.Error(t, err)
	require.Equal(t, Rejected, res.State)
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	require.True(t, verr.Retryable())
	require.True(t, IsSizeMismatch(err))
	require.Equal(t, float64(1), s.get("ingest.size_mismatch"))

	a, err := c.Repo.ArtifactVersion("coll", "au1", "http://x.org/short", 1, true)
	require.NoError(t, err)
	require.Nil(t, a)

	// accepted mismatches are still reported
	c.Results.Override("lenient", IsSizeMismatch, Accept)
	f = fetch("http://x.org/short", "12345")
	f.Header.Set("Content-Length", "10")
	res, err = c.Store(context.Background(), f)
	require.NoError(t, err)
	require.Equal(t, Committed, res.State)
	require.Equal(t, 2, res.Artifact.Version)
	require.Equal(t, float64(2), s.get("ingest.size_mismatch"))
}

func TestSizeMismatchOverride(t *testing.T) {
	var table = []struct {
		length   string
		override string
		state    State
	}{
		{"10", "5", Committed},
		{"5", "10", Rejected},
		{"5", "", Committed},
	}
	for _, row := range table {
		c, s := newCacher()
		f := fetch("http://x.org/o", "12345")
		f.Header.Set("Content-Length", row.length)
		if row.override != "" {
			f.Header.Set("X-Override-Content-Length", row.override)
		}
		res, _ := c.Store(context.Background(), f)
		if res.State != row.state {
			t.Errorf("Received %v, expected %v", res.State, row.state)
		}
		mismatches := float64(0)
		if row.state == Rejected {
			mismatches = 1
		}
		if s.get("ingest.size_mismatch") != mismatches {
			t.Errorf("Received %v, expected %v", s.get("ingest.size_mismatch"), mismatches)
		}
	}
}

func TestResultMapLookup(t *testing.T) {
	errOther := errors.New("other")
	mismatch := &SizeMismatchError{Declared: 10, Actual: 0}
	overridden := DefaultResultMap()
	overridden.Override("mismatch first", IsSizeMismatch, Reject)
	var tests = []struct {
		m        *ResultMap
		problems []error
		label    string
		d        Disposition
	}{
		{DefaultResultMap(), nil, "ok", Accept},
		{DefaultResultMap(), []error{ErrEmptyContent}, "empty content", Warn},
		{DefaultResultMap(), []error{mismatch}, "size mismatch", RetrySameURL},
		{DefaultResultMap(), []error{mismatch, ErrEmptyContent}, "empty content", Warn},
		{DefaultResultMap(), []error{errOther}, "unmapped", Reject},
		{DefaultResultMap(), []error{errOther, mismatch}, "size mismatch", RetrySameURL},
		{overridden, []error{mismatch, ErrEmptyContent}, "mismatch first", Reject},
		{overridden, []error{ErrEmptyContent}, "empty content", Warn},
	}
	for i, test := range tests {
		rule, _ := test.m.Lookup(test.problems)
		if rule.Label != test.label || rule.Disposition != test.d {
			t.Errorf("%d: Received %s (%v), expected %s (%v)", i, rule.Label, rule.Disposition, test.label, test.d)
		}
	}

	m := DefaultResultMap()
	m.Add("other", Is(errOther), Accept)
	rule, p := m.Lookup([]error{errOther})
	require.Equal(t, "other", rule.Label)
	require.Equal(t, errOther, p)
}

func TestValidatorDispositions(t *testing.T) {
	errBad := errors.New("bad page")
	c, _ := newCacher()
	c.Validator = ValidatorFunc(func(a *artifact.Artifact, r io.Reader) error {
		return errBad
	})

	// unmapped problems are rejected and discarded
	res, err := c.Store(context.Background(), fetch("http://x.org/p", "page"))
	require.True(t, errors.Is(err, errBad))
	require.Equal(t, Rejected, res.State)
	require.Nil(t, res.Artifact)
	a, _ := c.Repo.ArtifactVersion("coll", "au1", "http://x.org/p", 1, true)
	require.Nil(t, a)

	c.Results.Override("bad", Is(errBad), RejectKeep)
	res, err = c.Store(context.Background(), fetch("http://x.org/p", "page"))
	require.Error(t, err)
	require.True(t, res.Kept)
	require.Equal(t, 2, res.Artifact.Version)
	a, _ = c.Repo.ArtifactVersion("coll", "au1", "http://x.org/p", 2, true)
	require.NotNil(t, a)
	require.False(t, a.Committed)
	latest, _ := c.Repo.Artifact("coll", "au1", "http://x.org/p")
	require.Nil(t, latest)
}

type failReader struct {
	n int
}

func (f *failReader) Read(p []byte) (int, error) {
	if f.n <= 0 {
		return 0, errors.New("connection reset")
	}
	n := copy(p, bytes.Repeat([]byte("x"), f.n))
	f.n -= n
	return n, nil
}

func TestTransportError(t *testing.T) {
	c, s := newCacher()
	f := fetch("http://x.org/t", "")
	f.Body = &failReader{n: 10}
	res, err := c.Store(context.Background(), f)
	var terr *TransportError
	require.True(t, errors.As(err, &terr))
	require.True(t, terr.Retryable())
	require.Equal(t, Streaming, res.State)
	require.Equal(t, float64(1), s.get("ingest.transport_error"))
	a, _ := c.Repo.ArtifactVersion("coll", "au1", "http://x.org/t", 1, true)
	require.Nil(t, a)

	// the failed fetch used no version
	res, err = c.Store(context.Background(), fetch("http://x.org/t", "ok"))
	require.NoError(t, err)
	require.Equal(t, 1, res.Artifact.Version)
}

func TestCancelled(t *testing.T) {
	c, _ := newCacher()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Store(ctx, fetch("http://x.org/c", "data"))
	var terr *TransportError
	require.True(t, errors.As(err, &terr))
	require.True(t, errors.Is(err, context.Canceled))

	// cancelled part way through the body
	ctx, cancel = context.WithCancel(context.Background())
	f := fetch("http://x.org/c", "")
	f.Body = io.MultiReader(strings.NewReader("first"), readerFunc(func(p []byte) (int, error) {
		cancel()
		return 0, nil
	}), strings.NewReader("second"))
	_, err = c.Store(ctx, f)
	require.True(t, errors.Is(err, context.Canceled))
	a, _ := c.Repo.ArtifactVersion("coll", "au1", "http://x.org/c", 1, true)
	require.Nil(t, a)
}

type readerFunc func(p []byte) (int, error)

func (f readerFunc) Read(p []byte) (int, error) { return f(p) }

func TestBadIdentifier(t *testing.T) {
	c, _ := newCacher()
	_, err := c.Store(context.Background(), fetch("", "data"))
	require.True(t, errors.Is(err, artifact.ErrBadIdentifier))
	var terr *TransportError
	require.False(t, errors.As(err, &terr))
}
