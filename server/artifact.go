package server

import (
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	raven "github.com/getsentry/raven-go"
	"github.com/julienschmidt/httprouter"
	"github.com/pkg/errors"

	"github.com/ndlib/arcrepo/archive"
	"github.com/ndlib/arcrepo/artifact"
	"github.com/ndlib/arcrepo/cachedurl"
	"github.com/ndlib/arcrepo/ingest"
)

// OriginPrefix marks request headers of an upload which are stored as the
// headers of the artifact, with the prefix removed.
const OriginPrefix = "X-Origin-"

var (
	errMissingURI     = errors.New("missing uri parameter")
	errBadVersion     = errors.New("bad version parameter")
	errStopping       = errors.New("server is stopping")
	errUnknownHashing = errors.New("unknown hasher status")
)

func (s *RESTServer) set(ps httprouter.Params, spec cachedurl.Spec) *cachedurl.Set {
	set := cachedurl.NewSet(s.Repo, s.Resolver, ps.ByName("coll"), ps.ByName("au"), spec)
	set.Clock = s.Clock
	return set
}

// CollectionsHandler handles requests to GET /collection
func (s *RESTServer) CollectionsHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	list, err := s.Repo.Collections()
	if err != nil {
		writeError(w, 500, err)
		return
	}
	writeJSON(w, 200, nonNil(list))
}

// AUsHandler handles requests to GET /collection/:coll/au
func (s *RESTServer) AUsHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	list, err := s.Repo.AUs(ps.ByName("coll"))
	if err != nil {
		writeError(w, 500, err)
		return
	}
	writeJSON(w, 200, nonNil(list))
}

func nonNil(list []string) []string {
	if list == nil {
		return []string{}
	}
	return list
}

// ArtifactsHandler handles requests to GET /collection/:coll/au/:au/artifact
// and lists the latest committed version of each URI, optionally limited to
// URIs starting with the "prefix" parameter.
func (s *RESTServer) ArtifactsHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	coll, au := ps.ByName("coll"), ps.ByName("au")
	it := s.Repo.ArtifactsWithPrefix(coll, au, r.FormValue("prefix"))
	defer it.Close()
	result := []*artifact.Artifact{}
	for it.Next() {
		result = append(result, it.Artifact())
	}
	if err := it.Err(); err != nil {
		writeError(w, 500, err)
		return
	}
	writeJSON(w, 200, result)
}

// VersionsHandler handles requests to GET /collection/:coll/au/:au/versions
func (s *RESTServer) VersionsHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	uri := r.FormValue("uri")
	if uri == "" {
		writeError(w, 400, errMissingURI)
		return
	}
	limit, _ := strconv.Atoi(r.FormValue("limit"))
	list, err := s.Repo.Versions(ps.ByName("coll"), ps.ByName("au"), uri, limit)
	if err != nil {
		writeError(w, 500, err)
		return
	}
	if list == nil {
		list = []*artifact.Artifact{}
	}
	writeJSON(w, 200, list)
}

// ContentHandler handles requests to GET and HEAD
// /collection/:coll/au/:au/content. The "uri" parameter names the URI. The
// optional "version" parameter picks a committed version, and the optional
// "member" parameter a member of an archive file. A member may also be named
// in the uri as "<uri>!/<member>".
//
// The read properties are returned as headers.
func (s *RESTServer) ContentHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	uri := r.FormValue("uri")
	if uri == "" {
		writeError(w, 400, errMissingURI)
		return
	}
	member := r.FormValue("member")
	if member == "" {
		if host, m, ok := archive.SplitMemberURL(uri); ok {
			uri, member = host, m
		}
	}
	p, err := s.set(ps, cachedurl.AUSpec()).Get(uri)
	if err != nil {
		writeError(w, 500, err)
		return
	}
	var cu cachedurl.CachedURL = p
	if v := r.FormValue("version"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, 400, errBadVersion)
			return
		}
		cu, err = p.CuVersion(n)
		if err != nil {
			writeError(w, 500, err)
			return
		}
	}
	if member != "" {
		cu, err = cu.Member(member)
		if err != nil {
			writeError(w, errorStatus(err), err)
			return
		}
	}
	defer cu.Close()
	if !cu.HasContent() {
		writeError(w, 404, artifact.ErrNotFound)
		return
	}

	props := cu.Properties()
	h := w.Header()
	h.Set("Content-Length", strconv.FormatInt(cu.ContentSize(), 10))
	if ct := cu.ContentType(); ct != "" {
		h.Set("Content-Type", ct)
	}
	h.Set("Last-Modified", props.Get(artifact.PropLastModified))
	h.Set("X-Node-Url", props.Get(artifact.PropNodeURL))
	h.Set("X-Version", strconv.Itoa(cu.Version()))
	if c := props.Get(artifact.PropChecksum); c != "" {
		h.Set("X-Checksum", c)
		h.Set("ETag", `"`+cu.Artifact().ContentDigest.Encoded()+`"`)
	}
	if r.Method == "HEAD" {
		return
	}
	rc, err := cu.Open()
	if err != nil {
		log.Printf("GET %s: %s", cu.URL(), err)
		writeError(w, 500, err)
		return
	}
	defer rc.Close()
	n, err := io.Copy(w, rc)
	if err != nil {
		log.Printf("GET %s: copied %d bytes: %s", cu.URL(), n, err)
	}
}

type ingestResponse struct {
	State     string
	Artifact  *artifact.Artifact   `json:",omitempty"`
	Redirects []*artifact.Artifact `json:",omitempty"`
	Warning   string               `json:",omitempty"`
	Kept      bool                 `json:",omitempty"`
	Error     string               `json:",omitempty"`
}

// IngestHandler handles requests to POST /collection/:coll/au/:au/content.
// The request body is the content of the "uri" parameter. Each "redirect"
// parameter, in order, is a URL the fetch was redirected to; the content
// then belongs to the last one. Request headers beginning with "X-Origin-"
// are kept as the artifact's headers. The "status" parameter gives the
// original status code, and "fetched" the RFC 3339 fetch time.
//
// The content is validated and committed. With "commit=false" it is only
// added, without validation, and must be committed with a separate request.
func (s *RESTServer) IngestHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	q := r.URL.Query()
	uri := q.Get("uri")
	if uri == "" {
		writeError(w, 400, errMissingURI)
		return
	}
	if !s.ingests.Enter() {
		writeError(w, 503, errStopping)
		return
	}
	defer s.ingests.Leave()

	status := artifact.StatusLine{Protocol: "HTTP/1.1", Code: 200, Reason: "OK"}
	if v := q.Get("status"); v != "" {
		code, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, 400, errors.Wrap(err, "status parameter"))
			return
		}
		status.Code = code
		status.Reason = http.StatusText(code)
	}
	var fetched time.Time
	if v := q.Get("fetched"); v != "" {
		var err error
		fetched, err = time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, 400, errors.Wrap(err, "fetched parameter"))
			return
		}
	}
	header := originHeader(r.Header)

	coll, au := ps.ByName("coll"), ps.ByName("au")
	if q.Get("commit") == "false" {
		id := artifact.Identifier{Collection: coll, AUID: au, URI: uri}
		d := artifact.NewData(id, header, status, r.Body)
		d.FetchTime = fetched
		a, err := s.Repo.Add(d)
		if err != nil {
			writeError(w, errorStatus(err), err)
			return
		}
		writeJSON(w, 201, a)
		return
	}

	c := &ingest.Cacher{
		Repo:       s.Repo,
		Collection: coll,
		AUID:       au,
		Results:    s.Results,
		Stats:      s.Stats,
		Clock:      s.Clock,
	}
	res, err := c.Store(r.Context(), &ingest.Fetch{
		URL:       uri,
		Redirects: q["redirect"],
		Header:    header,
		Status:    status,
		Body:      r.Body,
		FetchTime: fetched,
	})
	resp := ingestResponse{
		State:     res.State.String(),
		Artifact:  res.Artifact,
		Redirects: res.Redirects,
		Kept:      res.Kept,
	}
	if res.Warning != nil {
		resp.Warning = res.Warning.Error()
	}
	if err != nil {
		resp.Error = err.Error()
		writeJSON(w, errorStatus(err), resp)
		return
	}
	writeJSON(w, 201, resp)
}

// originHeader returns the artifact headers carried by an upload request.
func originHeader(h http.Header) http.Header {
	result := make(http.Header)
	for k, v := range h {
		if strings.HasPrefix(k, OriginPrefix) && len(k) > len(OriginPrefix) {
			result[http.CanonicalHeaderKey(k[len(OriginPrefix):])] = v
		}
	}
	if ct := h.Get("Content-Type"); ct != "" && result.Get("Content-Type") == "" {
		result.Set("Content-Type", ct)
	}
	return result
}

// identifier reads the uri and version parameters of a request naming one
// version.
func identifier(r *http.Request, ps httprouter.Params) (artifact.Identifier, error) {
	id := artifact.Identifier{
		Collection: ps.ByName("coll"),
		AUID:       ps.ByName("au"),
		URI:        r.FormValue("uri"),
	}
	if id.URI == "" {
		return id, errMissingURI
	}
	v, err := strconv.Atoi(r.FormValue("version"))
	if err != nil || v <= 0 {
		return id, errBadVersion
	}
	id.Version = v
	return id, nil
}

// CommitHandler handles requests to POST /collection/:coll/au/:au/commit
func (s *RESTServer) CommitHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id, err := identifier(r, ps)
	if err != nil {
		writeError(w, 400, err)
		return
	}
	a, err := s.Repo.Commit(&artifact.Artifact{Identifier: id})
	if err != nil {
		writeError(w, errorStatus(err), err)
		return
	}
	writeJSON(w, 200, a)
}

// DeleteHandler handles requests to DELETE /collection/:coll/au/:au/content
func (s *RESTServer) DeleteHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id, err := identifier(r, ps)
	if err != nil {
		writeError(w, 400, err)
		return
	}
	err = s.Repo.Delete(&artifact.Artifact{Identifier: id})
	if err != nil {
		writeError(w, errorStatus(err), err)
		return
	}
	w.WriteHeader(204)
}

// errorStatus picks the response code for an error from the repository or
// the ingest pipeline.
func errorStatus(err error) int {
	var verr *ingest.ValidationError
	var terr *ingest.TransportError
	var rerr *artifact.RepositoryError
	switch {
	case errors.As(err, &verr):
		if verr.Retryable() {
			return 503
		}
		return 422
	case errors.As(err, &terr):
		return 400
	case errors.Is(err, artifact.ErrBadIdentifier):
		return 400
	case errors.Is(err, artifact.ErrNotFound):
		return 404
	case errors.Is(err, artifact.ErrInvalidState):
		return 409
	case errors.As(err, &rerr):
		raven.CaptureError(err, map[string]string{"op": rerr.Op, "artifact": rerr.ID.String()})
	}
	return 500
}
