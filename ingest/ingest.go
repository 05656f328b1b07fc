// Package ingest stores fetched content into an artifact repository.
//
// A Cacher takes one fetch, possibly reached through redirects, streams it
// into the repository as an uncommitted version of the final URL, validates
// it, and then either commits it or throws it away according to a ResultMap.
// After the final URL is committed every URL of the redirect chain is stored
// and committed with the same bytes.
package ingest

import (
	"context"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/facebookgo/clock"
	"github.com/facebookgo/stats"
	raven "github.com/getsentry/raven-go"
	"github.com/pkg/errors"

	"github.com/ndlib/arcrepo/artifact"
)

// State is the progress of a single Store call.
type State int

const (
	New State = iota
	Streaming
	Validating
	Committed
	Rejected
	WarnedCommitted
)

func (s State) String() string {
	switch s {
	case New:
		return "new"
	case Streaming:
		return "streaming"
	case Validating:
		return "validating"
	case Committed:
		return "committed"
	case Rejected:
		return "rejected"
	case WarnedCommitted:
		return "committed with warning"
	}
	return "unknown"
}

// Fetch is the outcome of fetching one URL.
type Fetch struct {
	URL string
	// Redirects lists the URLs followed after URL, in order. The content
	// was served by the last one.
	Redirects []string
	Header    http.Header
	Status    artifact.StatusLine
	Body      io.Reader
	// FetchTime defaults to the time Store is called.
	FetchTime time.Time
}

// FinalURL is the URL which served the content.
func (f *Fetch) FinalURL() string {
	if len(f.Redirects) > 0 {
		return f.Redirects[len(f.Redirects)-1]
	}
	return f.URL
}

// chain returns every URL before the final one.
func (f *Fetch) chain() []string {
	if len(f.Redirects) == 0 {
		return nil
	}
	result := []string{f.URL}
	return append(result, f.Redirects[:len(f.Redirects)-1]...)
}

// Result describes what Store did.
type Result struct {
	State State
	// Artifact is the version stored for the final URL. It is nil if the
	// version was discarded.
	Artifact *artifact.Artifact
	// Redirects holds the versions stored for the earlier URLs.
	Redirects []*artifact.Artifact
	// Warning is set when the content was committed with a warning.
	Warning error
	// Kept is true if rejected content was left as an uncommitted version.
	Kept bool
}

// Cacher stores fetches for one AU.
type Cacher struct {
	Repo       *artifact.Repository
	Collection string
	AUID       string

	// Validator is optional.
	Validator Validator
	Results   *ResultMap
	// Stats is optional. Counters are named "ingest.<something>".
	Stats stats.Client
	Clock clock.Clock
}

// NewCacher returns a Cacher using the default result map.
func NewCacher(repo *artifact.Repository, collection, auid string) *Cacher {
	return &Cacher{
		Repo:       repo,
		Collection: collection,
		AUID:       auid,
		Results:    DefaultResultMap(),
		Clock:      clock.New(),
	}
}

// Store saves the content of f. Content which fails validation is handled by
// the disposition of the first matching rule in c.Results. A rejection
// returns a *ValidationError along with the result.
//
// Errors reading the body, including ctx being cancelled, are returned as a
// *TransportError and leave nothing stored. Repository failures are returned
// as an *artifact.RepositoryError.
//
// If storing an earlier URL of the redirect chain fails, the final URL stays
// committed and the error is returned with a result holding the redirects
// stored so far.
func (c *Cacher) Store(ctx context.Context, f *Fetch) (*Result, error) {
	res := &Result{State: New}
	final := f.FinalURL()
	start := c.Clock.Now()
	defer func() {
		stats.BumpHistogram(c.Stats, "ingest.store_ms", float64(c.Clock.Now().Sub(start)/time.Millisecond))
	}()

	if err := ctx.Err(); err != nil {
		stats.BumpSum(c.Stats, "ingest.transport_error", 1)
		return res, &TransportError{URL: final, Err: err}
	}

	header := f.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	earlier := f.chain()
	if len(earlier) > 0 {
		header.Set(artifact.HeaderRedirectChain, strings.Join(earlier, " "))
	}
	fetched := f.FetchTime
	if fetched.IsZero() {
		fetched = start
	}

	res.State = Streaming
	id := artifact.Identifier{Collection: c.Collection, AUID: c.AUID, URI: final}
	d := artifact.NewData(id, header, f.Status, newCtxReader(ctx, f.Body))
	d.FetchTime = fetched
	a, err := c.Repo.Add(d)
	if err != nil {
		return res, c.addError(final, err)
	}

	res.State = Validating
	problems := c.validate(a)
	rule, problem := c.Results.Lookup(problems)
	var verr *ValidationError
	if problem != nil {
		verr = &ValidationError{
			URL:         final,
			Label:       rule.Label,
			Disposition: rule.Disposition,
			Err:         problem,
		}
	}

	switch rule.Disposition {
	case Reject, RetrySameURL:
		res.State = Rejected
		stats.BumpSum(c.Stats, "ingest.rejected", 1)
		if err := c.Repo.Delete(a); err != nil {
			log.Printf("ingest %s: discarding rejected version: %s", final, err)
			raven.CaptureError(err, map[string]string{"url": final})
		}
		return res, verr
	case RejectKeep:
		res.State = Rejected
		res.Artifact = a
		res.Kept = true
		stats.BumpSum(c.Stats, "ingest.rejected", 1)
		return res, verr
	}

	committed, err := c.Repo.Commit(a)
	if err != nil {
		return res, err
	}
	res.Artifact = committed
	res.State = Committed
	if rule.Disposition == Warn {
		res.State = WarnedCommitted
		res.Warning = verr
		log.Printf("ingest %s: committed with warning: %s", final, verr)
	}
	stats.BumpSum(c.Stats, "ingest.committed", 1)

	for _, u := range earlier {
		r, err := c.storeCopy(committed, u, f.Header)
		if err != nil {
			log.Printf("ingest %s: storing redirect %s: %s", final, u, err)
			return res, errors.Wrapf(err, "storing redirect %s", u)
		}
		res.Redirects = append(res.Redirects, r)
	}
	return res, nil
}

func (c *Cacher) addError(u string, err error) error {
	var re *artifact.RepositoryError
	if errors.As(err, &re) || errors.Is(err, artifact.ErrBadIdentifier) {
		return err
	}
	stats.BumpSum(c.Stats, "ingest.transport_error", 1)
	return &TransportError{URL: u, Err: errors.Cause(err)}
}

// validate returns the problems with the stored version a.
func (c *Cacher) validate(a *artifact.Artifact) []error {
	var problems []error
	if a.ContentLength == 0 {
		problems = append(problems, ErrEmptyContent)
	}
	if v := artifact.HeaderValue(a.Header, artifact.HeaderContentLength); v != "" {
		declared, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err == nil && declared != a.ContentLength {
			err := &SizeMismatchError{Declared: declared, Actual: a.ContentLength}
			// reported no matter what the result map does with it
			stats.BumpSum(c.Stats, "ingest.size_mismatch", 1)
			log.Printf("ingest %s: %s", a.URI, err)
			raven.CaptureError(err, map[string]string{"url": a.URI, "au": a.AUID})
			problems = append(problems, err)
		}
	}
	if c.Validator == nil {
		return problems
	}
	d, err := c.Repo.ArtifactData(a)
	if err != nil {
		return append(problems, err)
	}
	rc, err := d.Open()
	if err != nil {
		return append(problems, err)
	}
	err = c.Validator.Validate(a, rc)
	rc.Close()
	if err != nil {
		problems = append(problems, err)
	}
	return problems
}

// storeCopy stores and commits the content of src under uri.
func (c *Cacher) storeCopy(src *artifact.Artifact, uri string, header http.Header) (*artifact.Artifact, error) {
	d, err := c.Repo.ArtifactData(src)
	if err != nil {
		return nil, err
	}
	body, err := d.Open()
	if err != nil {
		return nil, err
	}
	id := artifact.Identifier{Collection: c.Collection, AUID: c.AUID, URI: uri}
	nd := artifact.NewData(id, header.Clone(), src.Status, body)
	nd.FetchTime = src.FetchTime
	a, err := c.Repo.Add(nd)
	if err != nil {
		return nil, err
	}
	return c.Repo.Commit(a)
}

// ctxReader fails reads once its context is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func newCtxReader(ctx context.Context, r io.Reader) io.ReadCloser {
	if r == nil {
		r = strings.NewReader("")
	}
	return &ctxReader{ctx: ctx, r: r}
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

func (c *ctxReader) Close() error {
	if rc, ok := c.r.(io.Closer); ok {
		return rc.Close()
	}
	return nil
}
