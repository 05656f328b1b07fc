package artifact

import (
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/opencontainers/go-digest"
)

// Data carries an artifact's identifier, headers, and content. It is handed
// to the repository by Add and returned by ArtifactData.
//
// The content stream belongs to the Data and may be opened only once. A
// second call to Open or OpenDecoded fails with ErrStreamConsumed. To read
// stored content again, ask the repository for a new Data.
type Data struct {
	Identifier
	Header    http.Header
	Status    StatusLine
	FetchTime time.Time

	// Length and Digest are filled in on Data returned by the repository.
	// Length is -1 when unknown.
	Length int64
	Digest digest.Digest

	m        sync.Mutex
	body     io.ReadCloser
	consumed bool
}

// NewData returns a Data for content about to be added. If body is an
// io.ReadCloser it is closed once the content has been read.
func NewData(id Identifier, header http.Header, status StatusLine, body io.Reader) *Data {
	if header == nil {
		header = make(http.Header)
	}
	rc, ok := body.(io.ReadCloser)
	if !ok {
		rc = io.NopCloser(body)
	}
	return &Data{
		Identifier: id,
		Header:     header,
		Status:     status,
		Length:     -1,
		body:       rc,
	}
}

// Open returns the content stream. The caller must close it.
func (d *Data) Open() (io.ReadCloser, error) {
	d.m.Lock()
	defer d.m.Unlock()
	if d.consumed || d.body == nil {
		return nil, ErrStreamConsumed
	}
	d.consumed = true
	return d.body, nil
}

// OpenDecoded is like Open, but undoes a gzip or deflate Content-Encoding.
// Content with any other encoding is returned as stored.
func (d *Data) OpenDecoded() (io.ReadCloser, error) {
	rc, err := d.Open()
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(strings.TrimSpace(HeaderValue(d.Header, HeaderContentEncoding))) {
	case "gzip", "x-gzip":
		zr, err := gzip.NewReader(rc)
		if err != nil {
			rc.Close()
			return nil, err
		}
		return &decoded{Reader: zr, under: rc, dec: zr}, nil
	case "deflate":
		fr := flate.NewReader(rc)
		return &decoded{Reader: fr, under: rc, dec: fr}, nil
	}
	return rc, nil
}

// Consumed reports whether the content stream has been handed out.
func (d *Data) Consumed() bool {
	d.m.Lock()
	defer d.m.Unlock()
	return d.consumed
}

// Close releases the content stream if it was never opened.
func (d *Data) Close() error {
	d.m.Lock()
	defer d.m.Unlock()
	if d.consumed || d.body == nil {
		return nil
	}
	d.consumed = true
	return d.body.Close()
}

type decoded struct {
	io.Reader
	under io.Closer
	dec   io.Closer
}

func (d *decoded) Close() error {
	d.dec.Close()
	return d.under.Close()
}
