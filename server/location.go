package server

import (
	"log"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/pkg/errors"

	"github.com/ndlib/arcrepo/artifact"
	"github.com/ndlib/arcrepo/index"
	"github.com/ndlib/arcrepo/store"
)

// splitBucketPrefix separates the bucket name from the key prefix of an S3
// location path, appending addition to the prefix. The prefix returned is
// either empty or ends with a slash.
//
//	""                    -> ("", "")
//	"bucket"              -> ("bucket", "")
//	"bucket/and/a/prefix" -> ("bucket", "and/a/prefix/")
func splitBucketPrefix(location string, addition string) (bucket, prefix string) {
	location = strings.TrimPrefix(location, "/")
	if location == "" {
		return "", ""
	}
	bucket, prefix = location, ""
	if i := strings.IndexByte(location, '/'); i >= 0 {
		bucket, prefix = location[:i], location[i+1:]
	}
	if addition != "" {
		prefix = path.Join(prefix, addition)
	}
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return bucket, prefix
}

// OpenStore returns the content store named by location. An empty location
// gives a memory store. A plain path or a "file:" URL gives a file system
// store, creating the directory if needed. An "s3:" URL gives an S3 store;
// "s3:/bucket/prefix" uses the default AWS endpoint and
// "s3://host:port/bucket/prefix" a compatible server. The addition is
// appended to the path or prefix. client, if not nil, is used for S3
// requests. It returns nil if the location cannot be parsed.
func OpenStore(location string, addition string, client *http.Client) store.Store {
	if location == "" {
		return store.NewMemory()
	}
	u, err := url.Parse(location)
	if err != nil {
		log.Println("Problem parsing location", location, err)
		return nil
	}
	switch u.Scheme {
	case "", "file":
		p := u.Path
		if u.Opaque != "" {
			p = u.Opaque
		}
		p = filepath.Join(p, addition)
		os.MkdirAll(p, 0755)
		return store.NewFileSystem(p)
	case "s3":
		conf := &aws.Config{}
		if client != nil {
			conf.HTTPClient = client
		}
		if u.Host != "" {
			conf.Endpoint = aws.String(u.Host)
			conf.Region = aws.String("us-east-1")
			// disable SSL for local development
			if strings.Contains(u.Host, "localhost") {
				conf.DisableSSL = aws.Bool(true)
				conf.S3ForcePathStyle = aws.Bool(true)
			}
		}
		p := u.Path
		if u.Opaque != "" {
			p = u.Opaque
		}
		bucket, prefix := splitBucketPrefix(p, addition)
		if bucket == "" {
			log.Println("Error parsing location, no bucket name", location)
			return nil
		}
		sess, err := session.NewSession(conf)
		if err != nil {
			log.Println("Error creating AWS session", err)
			return nil
		}
		return store.NewS3(bucket, prefix, sess)
	}
	log.Println("Problem parsing location", location)
	return nil
}

// OpenIndex opens the artifact index named by location:
//
//	"" or "memory"     an in-memory index
//	"bolt:<file>"      a BoltDB file
//	"ql:<file>"        a QL database file, or "ql:memory"
//	"mysql:<dial>"     a MySQL database, e.g. "mysql:user:pw@tcp(host:3306)/db"
func OpenIndex(location string) (artifact.Index, error) {
	if location == "" || location == "memory" {
		return index.NewMemory(), nil
	}
	i := strings.IndexByte(location, ':')
	if i < 0 {
		return nil, errors.Errorf("unknown index location %q", location)
	}
	kind, rest := location[:i], location[i+1:]
	var result artifact.Index
	var err error
	switch kind {
	case "bolt":
		var b *index.Bolt
		b, err = index.NewBolt(rest)
		if err == nil {
			result = b
		}
	case "ql":
		var q *index.SQL
		q, err = index.NewQL(rest)
		if err == nil {
			result = q
		}
	case "mysql":
		var m *index.SQL
		m, err = index.NewMySQL(rest)
		if err == nil {
			result = m
		}
	default:
		err = errors.Errorf("unknown index type %q", kind)
	}
	return result, err
}
