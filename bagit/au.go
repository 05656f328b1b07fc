package bagit

import (
	"bufio"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/pkg/errors"

	"github.com/ndlib/arcrepo/artifact"
)

// IndexFile is the tag file of an AU export which maps payload files back to
// the artifacts they came from.
const IndexFile = "artifacts.txt"

// An Entry is one line of the index file.
type Entry struct {
	Name        string // payload file, without the "data/" prefix
	Version     int
	FetchTime   time.Time
	ContentType string
	URI         string
}

// WriteAU writes the latest committed version of every URI in an AU to w as
// a bag. Payload files are named after the URIs' hosts and paths; the index
// file keeps the URIs themselves. It returns the number of artifacts written.
func WriteAU(w io.Writer, repo *artifact.Repository, collection, auid string) (int, error) {
	var algs []digest.Algorithm
	if repo.Algorithm != "" {
		algs = append(algs, repo.Algorithm)
	}
	bag := NewWriter(w, collection+"-"+auid, algs...)
	bag.SetTag("External-Identifier", collection+"/"+auid)

	var entries []Entry
	seen := make(map[string]bool)
	it := repo.Artifacts(collection, auid)
	defer it.Close()
	for it.Next() {
		a := it.Artifact()
		name := payloadName(a.URI)
		if seen[name] {
			name += "~" + strconv.Itoa(a.Version)
		}
		seen[name] = true

		d, err := repo.ArtifactData(a)
		if err != nil {
			return len(entries), err
		}
		body, err := d.Open()
		if err != nil {
			d.Close()
			return len(entries), err
		}
		out, err := bag.Create(name)
		if err == nil {
			_, err = io.Copy(out, body)
		}
		body.Close()
		if err != nil {
			return len(entries), errors.Wrap(err, a.URI)
		}
		entries = append(entries, Entry{
			Name:        name,
			Version:     a.Version,
			FetchTime:   a.FetchTime,
			ContentType: artifact.HeaderValue(a.Header, artifact.HeaderContentType),
			URI:         a.URI,
		})
	}
	if err := it.Err(); err != nil {
		return len(entries), err
	}

	out, err := bag.CreateTag(IndexFile)
	if err != nil {
		return len(entries), err
	}
	for _, e := range entries {
		fmt.Fprintf(out, "%s\t%d\t%s\t%s\t%s\n",
			e.Name, e.Version, e.FetchTime.UTC().Format(time.RFC3339), e.ContentType, e.URI)
	}
	return len(entries), bag.Close()
}

// Entries reads the index file of a bag written by WriteAU.
func (r *Reader) Entries() ([]Entry, error) {
	rc, err := r.open(IndexFile)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	var result []Entry
	scanner := bufio.NewScanner(rc)
	for scanner.Scan() {
		pieces := strings.SplitN(scanner.Text(), "\t", 5)
		if len(pieces) != 5 {
			continue
		}
		e := Entry{Name: pieces[0], ContentType: pieces[3], URI: pieces[4]}
		e.Version, err = strconv.Atoi(pieces[1])
		if err != nil {
			return nil, errors.Wrapf(err, "%s: %s", IndexFile, pieces[0])
		}
		e.FetchTime, err = time.Parse(time.RFC3339, pieces[2])
		if err != nil {
			return nil, errors.Wrapf(err, "%s: %s", IndexFile, pieces[0])
		}
		result = append(result, e)
	}
	return result, scanner.Err()
}

// ReadAU adds and commits every artifact listed in the bag to an AU. The
// bag is verified first. Each artifact becomes a new version of its URI. It
// returns the number of artifacts added.
func ReadAU(r *Reader, repo *artifact.Repository, collection, auid string) (int, error) {
	if err := r.Verify(); err != nil {
		return 0, err
	}
	entries, err := r.Entries()
	if err != nil {
		return 0, err
	}
	for i, e := range entries {
		rc, err := r.Open(e.Name)
		if err != nil {
			return i, err
		}
		header := make(http.Header)
		if e.ContentType != "" {
			header.Set(artifact.HeaderContentType, e.ContentType)
		}
		id := artifact.Identifier{Collection: collection, AUID: auid, URI: e.URI}
		status := artifact.StatusLine{Protocol: "HTTP/1.1", Code: 200, Reason: "OK"}
		d := artifact.NewData(id, header, status, rc)
		d.FetchTime = e.FetchTime
		a, err := repo.Add(d)
		rc.Close()
		if err == nil {
			_, err = repo.Commit(a)
		}
		if err != nil {
			return i, errors.Wrap(err, e.URI)
		}
	}
	return len(entries), nil
}

// payloadName turns a URI into a relative file path.
func payloadName(uri string) string {
	u, err := url.Parse(uri)
	if err != nil || u.Host == "" {
		return "other/" + url.PathEscape(uri)
	}
	p := u.EscapedPath()
	dir := p == "" || strings.HasSuffix(p, "/")
	p = path.Clean("/" + p)
	if dir {
		p = path.Join(p, "index")
	}
	name := url.PathEscape(u.Host) + p
	if u.RawQuery != "" {
		name += "%3F" + url.PathEscape(u.RawQuery)
	}
	return name
}
