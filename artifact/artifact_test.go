package artifact

import (
	"bytes"
	"io/ioutil"
	"net/http"
	"sort"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/opencontainers/go-digest"
)

func TestCompareURLs(t *testing.T) {
	var table = []struct {
		a, b   string
		result int
	}{
		{"", "", 0},
		{"", "a", -1},
		{"a", "a/", -1},
		{"a/", "a-", -1},
		{"a/z", "a-", -1},
		{"a-", "a.", -1},
		{"a.", "a/", 1},
		{"ab", "a/b", 1},
		{"http://x/a", "http://x/a", 0},
	}
	for _, tab := range table {
		result := CompareURLs(tab.a, tab.b)
		if result != tab.result {
			t.Errorf("CompareURLs(%q, %q): Received %d, expected %d", tab.a, tab.b, result, tab.result)
		}
		keys := bytes.Compare(SortKey(tab.a), SortKey(tab.b))
		if keys != tab.result {
			t.Errorf("SortKey(%q) vs SortKey(%q): Received %d, expected %d", tab.a, tab.b, keys, tab.result)
		}
	}
}

func TestSortKeyInverse(t *testing.T) {
	var uris = []string{"", "http://example.com/a/b.html?x=1&y=%20", "\x00\x01./-"}
	for _, u := range uris {
		back := URIFromSortKey(SortKey(u))
		if back != u {
			t.Errorf("Received %q, expected %q", back, u)
		}
	}
	list := []string{"a/b", "a", "a.b", "a/", "a-b", "b"}
	sort.Slice(list, func(i, j int) bool { return CompareURLs(list[i], list[j]) < 0 })
	expected := []string{"a", "a/", "a/b", "a-b", "a.b", "b"}
	for i := range list {
		if list[i] != expected[i] {
			t.Fatalf("Received %v, expected %v", list, expected)
		}
	}
}

func TestHeaderOverride(t *testing.T) {
	h := make(http.Header)
	h.Set("content-type", "text/plain")
	if v := HeaderValue(h, "Content-Type"); v != "text/plain" {
		t.Errorf("Received %q, expected %q", v, "text/plain")
	}
	h.Set("X-Override-Content-Type", "text/html")
	if v := HeaderValue(h, "Content-Type"); v != "text/html" {
		t.Errorf("Received %q, expected %q", v, "text/html")
	}
}

func TestProperties(t *testing.T) {
	fetched := time.Date(2018, 1, 2, 3, 4, 5, 0, time.UTC)
	a := &Artifact{
		Identifier:    Identifier{"c", "au", "http://example.com/dir/", 1},
		ContentLength: 42,
		ContentDigest: digest.FromString("x"),
		FetchTime:     fetched,
		Header:        http.Header{"Content-Type": {"text/html"}},
	}
	p := a.Properties()
	var table = []struct{ name, value string }{
		{PropLength, "42"},
		{PropNodeURL, "http://example.com/dir/"},
		{PropLastModified, "Tue, 02 Jan 2018 03:04:05 GMT"},
		{PropChecksum, "SHA-256:" + digest.FromString("x").Encoded()},
		{PropContentType, "text/html"},
	}
	for _, tab := range table {
		if v := p.Get(tab.name); v != tab.value {
			t.Errorf("%s: Received %q, expected %q", tab.name, v, tab.value)
		}
	}

	// origin Last-Modified wins over the fetch time
	a.Header.Set("Last-Modified", "Mon, 01 Jan 2018 00:00:00 GMT")
	a.ContentDigest = ""
	p = a.Properties()
	if v := p.Get(PropLastModified); v != "Mon, 01 Jan 2018 00:00:00 GMT" {
		t.Errorf("Received %q", v)
	}
	if _, ok := p[PropChecksum]; ok {
		t.Errorf("Checksum present without a digest")
	}
}

func TestOpenDecoded(t *testing.T) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	zw.Write([]byte("plain text"))
	zw.Close()

	h := http.Header{"Content-Encoding": {"gzip"}}
	d := NewData(Identifier{}, h, StatusLine{}, bytes.NewReader(buf.Bytes()))
	rc, err := d.OpenDecoded()
	if err != nil {
		t.Fatal(err)
	}
	b, _ := ioutil.ReadAll(rc)
	rc.Close()
	if string(b) != "plain text" {
		t.Errorf("Received %q, expected %q", b, "plain text")
	}
	if _, err := d.Open(); err != ErrStreamConsumed {
		t.Errorf("Received %v, expected %v", err, ErrStreamConsumed)
	}

	d = NewData(Identifier{}, http.Header{"Content-Encoding": {"identity"}}, StatusLine{}, bytes.NewReader([]byte("raw")))
	rc, _ = d.OpenDecoded()
	b, _ = ioutil.ReadAll(rc)
	if string(b) != "raw" {
		t.Errorf("Received %q, expected %q", b, "raw")
	}
}
