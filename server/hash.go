package server

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/facebookgo/clock"
	"github.com/julienschmidt/httprouter"
	"github.com/opencontainers/go-digest"
	"github.com/pkg/errors"

	"github.com/ndlib/arcrepo/cachedurl"
	"github.com/ndlib/arcrepo/util"
)

// hashResult is the outcome of hashing one node.
type hashResult struct {
	Kind   cachedurl.NodeKind
	URL    string
	Size   int64
	Digest digest.Digest
	Err    error
}

// hashWalk hashes every node of set in order, passing each result to visit.
// Content is read through wrap if it is not nil. A leaf whose stored digest
// uses alg is also checked against it; a mismatch is reported in the result
// and does not stop the walk. The walk fails with cachedurl.ErrHashTimeout
// if it is still going at deadline.
func hashWalk(set *cachedurl.Set, opts cachedurl.Options, alg digest.Algorithm,
	wrap func(io.Reader) io.Reader,
	c clock.Clock, deadline time.Time,
	visit func(hashResult)) error {

	it := set.ContentHashIterator(opts)
	defer it.Close()
	for it.Next() {
		if !deadline.IsZero() && c.Now().After(deadline) {
			return errors.Wrapf(cachedurl.ErrHashTimeout, "hashing %s", set.AUID)
		}
		n := it.Node()
		result := hashResult{Kind: n.Kind, URL: n.URL, Size: n.Size()}
		if !n.HasContent() {
			visit(result)
			continue
		}
		rc, err := n.Open()
		if err != nil {
			result.Err = err
			visit(result)
			continue
		}
		var r io.Reader = rc
		if wrap != nil {
			r = wrap(rc)
		}
		dw := util.NewDigestWriter(nil, alg)
		_, err = io.Copy(dw, r)
		rc.Close()
		if errors.Is(err, util.ErrStopped) {
			return err
		}
		result.Digest = dw.Digest()
		result.Err = err
		if err == nil && n.Kind == cachedurl.Leaf {
			stored := n.Artifact.ContentDigest
			if stored != "" && stored.Algorithm() == alg && stored != result.Digest {
				result.Err = errors.Wrapf(util.ErrDigestMismatch, "stored %s", stored)
			}
		}
		visit(result)
	}
	return it.Err()
}

// HashHandler handles requests to GET /collection/:coll/au/:au/hash. It
// returns one line per node of the AU, or of the part starting with the
// "prefix" parameter, in hashing order:
//
//	<kind> <size> <digest> <url> [<error>]
//
// separated by tabs. Internal nodes have a size of 0 and a digest of "-".
// Archive members are left out if the "members" parameter is "false".
func (s *RESTServer) HashHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	spec := cachedurl.AUSpec()
	if prefix := r.FormValue("prefix"); prefix != "" {
		spec = cachedurl.PrefixSpec(prefix)
	}
	set := s.set(ps, spec)
	if r.FormValue("members") == "false" {
		set.Resolver = nil
	}
	alg := s.Repo.Algorithm
	if alg == "" {
		alg = digest.SHA256
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	err := hashWalk(set, cachedurl.Options{}, alg, nil, s.Clock, time.Time{}, func(h hashResult) {
		d := "-"
		if h.Digest != "" {
			d = h.Digest.String()
		}
		if h.Err != nil {
			fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\n", h.Kind, h.Size, d, h.URL, h.Err)
			return
		}
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", h.Kind, h.Size, d, h.URL)
	})
	if err != nil {
		// the status line is gone, so the error goes in the body
		fmt.Fprintf(w, "error\t%s\n", err)
	}
}
