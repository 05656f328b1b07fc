package store_test

import (
	"bytes"
	"fmt"
	"io"
	"io/ioutil"
	"net/url"
	"os"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"

	"github.com/ndlib/arcrepo/store"
	"github.com/ndlib/arcrepo/store/storetest"
)

// fakeS3 keeps objects in memory for a single bucket and counts the requests
// made to it.
type fakeS3 struct {
	s3iface.S3API

	m       sync.Mutex
	objects map[string][]byte
	calls   map[string]int
}

func newFakeS3() *fakeS3 {
	return &fakeS3{
		objects: make(map[string][]byte),
		calls:   make(map[string]int),
	}
}

func (f *fakeS3) count(op string) int {
	f.m.Lock()
	defer f.m.Unlock()
	return f.calls[op]
}

func notFound() error {
	return awserr.NewRequestFailure(awserr.New("NotFound", "Not Found", nil), 404, "")
}

func (f *fakeS3) HeadObject(in *s3.HeadObjectInput) (*s3.HeadObjectOutput, error) {
	f.m.Lock()
	defer f.m.Unlock()
	f.calls["head"]++
	b, ok := f.objects[aws.StringValue(in.Key)]
	if !ok {
		return nil, notFound()
	}
	return &s3.HeadObjectOutput{ContentLength: aws.Int64(int64(len(b)))}, nil
}

func (f *fakeS3) GetObject(in *s3.GetObjectInput) (*s3.GetObjectOutput, error) {
	f.m.Lock()
	defer f.m.Unlock()
	f.calls["get"]++
	b, ok := f.objects[aws.StringValue(in.Key)]
	if !ok {
		return nil, awserr.New(s3.ErrCodeNoSuchKey, "no such key", nil)
	}
	var start, end int
	if _, err := fmt.Sscanf(aws.StringValue(in.Range), "bytes=%d-%d", &start, &end); err != nil {
		return nil, err
	}
	if end >= len(b) {
		end = len(b) - 1
	}
	return &s3.GetObjectOutput{Body: ioutil.NopCloser(bytes.NewReader(b[start : end+1]))}, nil
}

func (f *fakeS3) ListObjectsV2Pages(in *s3.ListObjectsV2Input, fn func(*s3.ListObjectsV2Output, bool) bool) error {
	f.m.Lock()
	var keys []string
	for k := range f.objects {
		if strings.HasPrefix(k, aws.StringValue(in.Prefix)) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	var contents []*s3.Object
	for _, k := range keys {
		contents = append(contents, &s3.Object{Key: aws.String(k), Size: aws.Int64(int64(len(f.objects[k])))})
	}
	f.m.Unlock()
	// two objects to a page
	for len(contents) > 2 {
		if !fn(&s3.ListObjectsV2Output{Contents: contents[:2]}, false) {
			return nil
		}
		contents = contents[2:]
	}
	fn(&s3.ListObjectsV2Output{Contents: contents}, true)
	return nil
}

func (f *fakeS3) DeleteObject(in *s3.DeleteObjectInput) (*s3.DeleteObjectOutput, error) {
	f.m.Lock()
	defer f.m.Unlock()
	f.calls["delete"]++
	delete(f.objects, aws.StringValue(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeS3) CopyObject(in *s3.CopyObjectInput) (*s3.CopyObjectOutput, error) {
	f.m.Lock()
	defer f.m.Unlock()
	f.calls["copy"]++
	source, err := url.PathUnescape(aws.StringValue(in.CopySource))
	if err != nil {
		return nil, err
	}
	// source is bucket/key
	b, ok := f.objects[source[strings.Index(source, "/")+1:]]
	if !ok {
		return nil, awserr.New(s3.ErrCodeNoSuchKey, "no such key", nil)
	}
	f.objects[aws.StringValue(in.Key)] = b
	return &s3.CopyObjectOutput{}, nil
}

// fakeUploader stores uploads into a fakeS3.
type fakeUploader struct {
	f *fakeS3
}

func (u fakeUploader) Upload(in *s3manager.UploadInput, opts ...func(*s3manager.Uploader)) (*s3manager.UploadOutput, error) {
	b, err := ioutil.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	u.f.m.Lock()
	defer u.f.m.Unlock()
	u.f.calls["upload"]++
	u.f.objects[aws.StringValue(in.Key)] = b
	return &s3manager.UploadOutput{}, nil
}

func (u fakeUploader) UploadWithContext(ctx aws.Context, in *s3manager.UploadInput, opts ...func(*s3manager.Uploader)) (*s3manager.UploadOutput, error) {
	return u.Upload(in, opts...)
}

func newFakeStore(prefix string) (*store.S3, *fakeS3) {
	f := newFakeS3()
	return store.NewS3WithClient("bucket", prefix, f, fakeUploader{f}), f
}

func TestS3Conformance(t *testing.T) {
	s, _ := newFakeStore("content/")
	storetest.Conformance(t, s)
}

func TestS3Stress(t *testing.T) {
	if testing.Short() {
		t.Skip("stress test")
	}
	s, _ := newFakeStore("")
	storetest.Stress(t, s, 20*1000*1000)
}

func TestS3Layout(t *testing.T) {
	s, f := newFakeStore("prefix/content/")
	put(t, s, "pabc", "pending stream")

	if _, ok := f.objects["prefix/content/pabc"]; !ok {
		t.Errorf("Received %v, expected key %s", f.objects, "prefix/content/pabc")
	}
	keys, _ := s.ListPrefix("p")
	if len(keys) != 1 || keys[0] != "pabc" {
		t.Errorf("Received %v, expected %v", keys, []string{"pabc"})
	}
}

func TestS3Rename(t *testing.T) {
	s, f := newFakeStore("x/")
	put(t, s, "p a+b", "pending stream")

	err := store.Rename(s, "p a+b", "c a+b")
	if err != nil {
		t.Fatalf("Received %v, expected nil", err)
	}
	if n := f.count("copy"); n != 1 {
		t.Errorf("Received %d copies, expected 1", n)
	}
	if n := f.count("upload"); n != 1 {
		t.Errorf("Received %d uploads, expected 1", n)
	}
	var keys []string
	for k := range f.objects {
		keys = append(keys, k)
	}
	if len(keys) != 1 || keys[0] != "x/c a+b" {
		t.Errorf("Received %v, expected %v", keys, []string{"x/c a+b"})
	}

	// the target must not exist
	put(t, s, "pother", "more")
	err = store.Rename(s, "pother", "c a+b")
	if err != store.ErrKeyExists {
		t.Errorf("Received %v, expected %v", err, store.ErrKeyExists)
	}
	if n := f.count("copy"); n != 1 {
		t.Errorf("Received %d copies, expected 1", n)
	}
}

func TestS3SizeCache(t *testing.T) {
	s, f := newFakeStore("")
	put(t, s, "cabc", "committed")
	heads := f.count("head")

	for i := 0; i < 3; i++ {
		rac, size, err := s.Open("cabc")
		if err != nil {
			t.Fatal(err)
		}
		rac.Close()
		if size != 9 {
			t.Errorf("Received %d, expected 9", size)
		}
	}
	if n := f.count("head"); n != heads+1 {
		t.Errorf("Received %d HEADs, expected %d", n, heads+1)
	}

	// missing keys are asked about every time
	for i := 0; i < 2; i++ {
		s.Open("cmissing")
	}
	if n := f.count("head"); n != heads+3 {
		t.Errorf("Received %d HEADs, expected %d", n, heads+3)
	}

	s.Delete("cabc")
	if _, _, err := s.Open("cabc"); err == nil {
		t.Errorf("Received nil, expected error")
	}
}

func TestS3ReadAhead(t *testing.T) {
	s, f := newFakeStore("")
	s.ReadAhead = 100
	data := strings.Repeat("0123456789", 25)
	put(t, s, "cdata", data)

	rac, _, err := s.Open("cdata")
	if err != nil {
		t.Fatal(err)
	}
	defer rac.Close()
	var tests = []struct {
		off    int64
		length int
		gets   int
	}{
		{0, 10, 1},
		{10, 10, 1},
		{90, 20, 2},
		{95, 10, 3},
		{0, 250, 4},
		{240, 20, 4},
	}
	for _, test := range tests {
		buf := make([]byte, test.length)
		n, err := rac.ReadAt(buf, test.off)
		end := int(test.off) + test.length
		if end > len(data) {
			end = len(data)
		}
		if string(buf[:n]) != data[test.off:end] {
			t.Errorf("%d: Received %q, expected %q", test.off, buf[:n], data[test.off:end])
		}
		if n < test.length && err != io.EOF {
			t.Errorf("%d: Received %v, expected EOF", test.off, err)
		}
		if gets := f.count("get"); gets != test.gets {
			t.Errorf("%d: Received %d GETs, expected %d", test.off, gets, test.gets)
		}
	}
}

// TestS3Minio runs against a local Minio. Set ARCREPO_S3_TEST to run it.
func TestS3Minio(t *testing.T) {
	if os.Getenv("ARCREPO_S3_TEST") == "" {
		t.Skip("ARCREPO_S3_TEST not set")
	}
	sess := session.New(&aws.Config{
		Endpoint:         aws.String("http://localhost:9000"),
		Region:           aws.String("us-east-1"),
		DisableSSL:       aws.Bool(true),
		S3ForcePathStyle: aws.Bool(true),
	})
	storetest.Conformance(t, store.NewS3("zoo", "conformance/", sess))
	storetest.Stress(t, store.NewS3("zoo", "stress/", sess), 0)
}
