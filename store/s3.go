package store

import (
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/aws/aws-sdk-go/service/s3/s3manager/s3manageriface"
	raven "github.com/getsentry/raven-go"
	"github.com/golang/groupcache/lru"
	"github.com/pkg/errors"
)

// S3 keeps content as objects in an S3 bucket, each key stored as the object
// Prefix+key.
//
// The repository writes every stream once under a pending key and then
// renames it to its content key, after which it never changes. So object
// sizes learned from HEAD requests are remembered, and a rename is a server
// side copy followed by a delete of the pending object. Objects are only
// changed through this store; one deleted or replaced behind its back may be
// reported with a stale size.
type S3 struct {
	Bucket string
	Prefix string

	// ReadAhead is the least number of bytes fetched by one ranged GET.
	// Container formats make many small reads close together.
	ReadAhead int64

	svc      s3iface.S3API
	uploader s3manageriface.UploaderAPI

	m     sync.Mutex
	sizes *lru.Cache // key -> int64
}

const (
	defaultReadAhead = 4 << 20

	// the largest object S3 will copy in one CopyObject call
	maxCopySize = 5 << 30

	numCachedSizes = 10000
)

var (
	_ Store   = &S3{}
	_ Renamer = &S3{}
)

// NewS3 returns a store using the given bucket, with every key prefixed by
// prefix. The credentials and endpoint in awsSession are used for all
// requests.
func NewS3(bucket, prefix string, awsSession *session.Session) *S3 {
	svc := s3.New(awsSession)
	return NewS3WithClient(bucket, prefix, svc, s3manager.NewUploaderWithClient(svc))
}

// NewS3WithClient is NewS3 with the S3 client and uploader given explicitly.
func NewS3WithClient(bucket, prefix string, svc s3iface.S3API, uploader s3manageriface.UploaderAPI) *S3 {
	return &S3{
		Bucket:    bucket,
		Prefix:    prefix,
		ReadAhead: defaultReadAhead,
		svc:       svc,
		uploader:  uploader,
		sizes:     lru.New(numCachedSizes),
	}
}

func (s *S3) report(op, key string, err error) {
	log.Println("S3", op, s.Bucket, s.Prefix+key, err)
	raven.CaptureError(err, map[string]string{"Bucket": s.Bucket, "Prefix": s.Prefix, "Key": key, "Op": op})
}

// List returns all the keys under the store's Prefix.
func (s *S3) List() <-chan string {
	out := make(chan string)
	go func() {
		defer close(out)
		err := s.list("", func(key string) { out <- key })
		if err != nil {
			s.report("List", "", err)
		}
	}()
	return out
}

// ListPrefix returns the keys beginning with prefix.
func (s *S3) ListPrefix(prefix string) ([]string, error) {
	var result []string
	err := s.list(prefix, func(key string) { result = append(result, key) })
	if err != nil {
		s.report("ListPrefix", prefix, err)
	}
	return result, err
}

func (s *S3) list(prefix string, f func(key string)) error {
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(s.Bucket),
		Prefix: aws.String(s.Prefix + prefix),
	}
	return s.svc.ListObjectsV2Pages(input, func(page *s3.ListObjectsV2Output, last bool) bool {
		for _, obj := range page.Contents {
			key := strings.TrimPrefix(aws.StringValue(obj.Key), s.Prefix)
			s.remember(key, aws.Int64Value(obj.Size))
			f(key)
		}
		return true
	})
}

// Open returns random access to the object for key. Reads are served from
// ranged GETs of at least ReadAhead bytes.
func (s *S3) Open(key string) (ReadAtCloser, int64, error) {
	size, err := s.stat(key)
	if err != nil {
		return nil, 0, err
	}
	return &s3Object{s: s, key: key, size: size}, size, nil
}

// Create starts an upload to key. The content is streamed to S3 through the
// uploader, which switches to a multipart upload for large objects. The
// object appears once Close returns without error.
func (s *S3) Create(key string) (io.WriteCloser, error) {
	_, err := s.stat(key)
	if err == nil {
		return nil, ErrKeyExists
	}
	if !errors.Is(err, ErrNotExist) {
		return nil, err
	}
	pr, pw := io.Pipe()
	u := &s3Upload{s: s, key: key, pw: pw, done: make(chan error, 1)}
	go func() {
		_, err := s.uploader.Upload(&s3manager.UploadInput{
			Bucket: aws.String(s.Bucket),
			Key:    aws.String(s.Prefix + key),
			Body:   pr,
		})
		// unblock a writer still sending if the upload gave up early
		pr.CloseWithError(err)
		u.done <- err
	}()
	return u, nil
}

// Delete removes the object for key. It is not an error if there is none.
func (s *S3) Delete(key string) error {
	s.forget(key)
	_, err := s.svc.DeleteObject(&s3.DeleteObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(s.Prefix + key),
	})
	if err != nil {
		s.report("Delete", key, err)
	}
	return err
}

// Rename copies oldkey to newkey on the server and then deletes oldkey.
// Objects too large for a single copy request are streamed through this
// process instead.
func (s *S3) Rename(oldkey, newkey string) error {
	size, err := s.stat(oldkey)
	if err != nil {
		return err
	}
	_, err = s.stat(newkey)
	if err == nil {
		return ErrKeyExists
	}
	if !errors.Is(err, ErrNotExist) {
		return err
	}
	if size > maxCopySize {
		return copyRename(s, oldkey, newkey)
	}
	source := url.URL{Path: s.Bucket + "/" + s.Prefix + oldkey}
	_, err = s.svc.CopyObject(&s3.CopyObjectInput{
		Bucket:     aws.String(s.Bucket),
		Key:        aws.String(s.Prefix + newkey),
		CopySource: aws.String(source.EscapedPath()),
	})
	if err != nil {
		s.report("Rename", oldkey, err)
		return err
	}
	s.remember(newkey, size)
	return s.Delete(oldkey)
}

// stat returns the size of the object for key, or an error wrapping
// ErrNotExist. Only sizes of existing objects are remembered.
func (s *S3) stat(key string) (int64, error) {
	s.m.Lock()
	v, ok := s.sizes.Get(key)
	s.m.Unlock()
	if ok {
		return v.(int64), nil
	}
	info, err := s.svc.HeadObject(&s3.HeadObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(s.Prefix + key),
	})
	if err != nil {
		if isNotFound(err) {
			return 0, errors.Wrap(ErrNotExist, key)
		}
		return 0, err
	}
	size := aws.Int64Value(info.ContentLength)
	s.remember(key, size)
	return size, nil
}

func (s *S3) remember(key string, size int64) {
	s.m.Lock()
	s.sizes.Add(key, size)
	s.m.Unlock()
}

func (s *S3) forget(key string) {
	s.m.Lock()
	s.sizes.Remove(key)
	s.m.Unlock()
}

func isNotFound(err error) bool {
	if e, ok := err.(awserr.RequestFailure); ok && e.StatusCode() == http.StatusNotFound {
		return true
	}
	if e, ok := err.(awserr.Error); ok {
		switch e.Code() {
		case s3.ErrCodeNoSuchKey, "NotFound":
			return true
		}
	}
	return false
}

// s3Upload feeds a Create through a pipe to the uploader goroutine.
type s3Upload struct {
	s    *S3
	key  string
	pw   *io.PipeWriter
	done chan error
	err  error
}

func (u *s3Upload) Write(p []byte) (int, error) {
	return u.pw.Write(p)
}

func (u *s3Upload) Close() error {
	if u.done == nil {
		return u.err
	}
	u.pw.Close()
	u.err = <-u.done
	u.done = nil
	if u.err != nil {
		u.s.report("Create", u.key, u.err)
		return u.err
	}
	u.s.forget(u.key)
	return nil
}

// s3Object reads an object with ranged GETs, keeping the last range fetched.
type s3Object struct {
	s    *S3
	key  string
	size int64

	m      sync.Mutex
	window []byte
	start  int64 // offset of window[0]
}

func (o *s3Object) ReadAt(p []byte, off int64) (int, error) {
	if off >= o.size {
		return 0, io.EOF
	}
	want := len(p)
	if rest := o.size - off; int64(want) > rest {
		want = int(rest)
	}
	o.m.Lock()
	defer o.m.Unlock()
	n := 0
	for n < want {
		pos := off + int64(n)
		if pos < o.start || pos >= o.start+int64(len(o.window)) {
			if err := o.fetch(pos, int64(want-n)); err != nil {
				return n, err
			}
		}
		n += copy(p[n:want], o.window[pos-o.start:])
	}
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// fetch replaces the window with the bytes starting at pos, reading at
// least need bytes unless the object ends first.
func (o *s3Object) fetch(pos, need int64) error {
	length := o.s.ReadAhead
	if need > length {
		length = need
	}
	if pos+length > o.size {
		length = o.size - pos
	}
	out, err := o.s.svc.GetObject(&s3.GetObjectInput{
		Bucket: aws.String(o.s.Bucket),
		Key:    aws.String(o.s.Prefix + o.key),
		Range:  aws.String(fmt.Sprintf("bytes=%d-%d", pos, pos+length-1)),
	})
	if err != nil {
		o.s.report("GetObject", o.key, err)
		return err
	}
	defer out.Body.Close()
	buf := make([]byte, length)
	if _, err := io.ReadFull(out.Body, buf); err != nil {
		return errors.Wrapf(err, "reading %s at %d", o.key, pos)
	}
	o.window = buf
	o.start = pos
	return nil
}

func (o *s3Object) Close() error {
	o.m.Lock()
	o.window = nil
	o.m.Unlock()
	return nil
}
