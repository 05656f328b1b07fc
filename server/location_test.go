package server

import (
	"path/filepath"
	"testing"

	"github.com/ndlib/arcrepo/index"
	"github.com/ndlib/arcrepo/store"
)

const (
	typeNil = iota
	typeMemory
	typeFileSystem
	typeS3
)

func TestSplitBucketPrefix(t *testing.T) {
	var table = []struct {
		location string
		addition string
		bucket   string
		prefix   string
	}{
		{"", "", "", ""},
		{"/", "", "", ""},
		{"bucket", "", "bucket", ""},
		{"/bucket", "", "bucket", ""},
		{"/bucket/", "", "bucket", ""},
		{"/bucket/prefix", "", "bucket", "prefix/"},
		{"/bucket/and/a/prefix/", "", "bucket", "and/a/prefix/"},
		{"/bucket", "cache", "bucket", "cache/"},
		{"/bucket/prefix", "cache", "bucket", "prefix/cache/"},
	}
	for _, row := range table {
		bucket, prefix := splitBucketPrefix(row.location, row.addition)
		if bucket != row.bucket || prefix != row.prefix {
			t.Errorf("For %q received (%q, %q), expected (%q, %q)",
				row.location, bucket, prefix, row.bucket, row.prefix)
		}
	}
}

func TestOpenStore(t *testing.T) {
	dir := t.TempDir()
	var table = []struct {
		location string
		typ      int
		bucket   string
		prefix   string
	}{
		{"", typeMemory, "", ""},
		{filepath.Join(dir, "rel/path"), typeFileSystem, "", ""},
		{"file:" + filepath.Join(dir, "file"), typeFileSystem, "", ""},
		{"s3:/bucket", typeS3, "bucket", "content/"},
		{"s3://localhost:9000/bucket/prefix/", typeS3, "bucket", "prefix/content/"},
		{"s3:/", typeNil, "", ""},
		{"ftp://example.org/x", typeNil, "", ""},
	}

	for _, row := range table {
		t.Log(row.location)
		result := OpenStore(row.location, "content", nil)
		switch x := result.(type) {
		case nil:
			if row.typ != typeNil {
				t.Errorf("unexpected received nil")
			}
		case *store.Memory:
			if row.typ != typeMemory {
				t.Errorf("unexpected received %#v", result)
			}
		case *store.FileSystem:
			if row.typ != typeFileSystem {
				t.Errorf("unexpected received %#v", result)
			}
		case *store.S3:
			if row.typ != typeS3 {
				t.Errorf("unexpected received %#v", result)
			}
			if x.Bucket != row.bucket {
				t.Error("expected bucket", row.bucket, "received", x.Bucket)
			}
			if x.Prefix != row.prefix {
				t.Error("expected prefix", row.prefix, "received", x.Prefix)
			}
		default:
			t.Errorf("unexpected received %#v", result)
		}
	}
}

func TestOpenIndex(t *testing.T) {
	dir := t.TempDir()
	var table = []struct {
		location string
		ok       bool
	}{
		{"", true},
		{"memory", true},
		{"bolt:" + filepath.Join(dir, "index.bolt"), true},
		{"ql:memory", true},
		{"ql:" + filepath.Join(dir, "index.ql"), true},
		{"sqlite:index.db", false},
		{"nocolon", false},
	}
	for _, row := range table {
		idx, err := OpenIndex(row.location)
		if (err == nil) != row.ok {
			t.Errorf("%s: Received %v, expected ok = %v", row.location, err, row.ok)
		}
		if err != nil {
			if idx != nil {
				t.Errorf("%s: Received index %#v with an error", row.location, idx)
			}
			continue
		}
		if row.location == "memory" {
			if _, ok := idx.(*index.Memory); !ok {
				t.Errorf("%s: Received %T", row.location, idx)
			}
		}
		idx.Close()
	}
}
