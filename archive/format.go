package archive

import (
	"archive/tar"
	"bytes"
	"io"
	"log"
	"path"
	"strings"

	"github.com/klauspost/compress/zip"
	"github.com/pkg/errors"
)

// Format is a container file format.
type Format int

// The recognized container formats. A gzipped tar file is detected as Gzip
// and becomes a tar container once decompressed.
const (
	Unknown Format = iota
	Zip
	Tar
	Gzip
)

func (f Format) String() string {
	switch f {
	case Zip:
		return "zip"
	case Tar:
		return "tar"
	case Gzip:
		return "gzip"
	}
	return "unknown"
}

// number of leading bytes Detect wants to see
const headSize = 512

// Detect guesses the container format of some content from its first bytes.
// If the bytes are not conclusive the extension of name is used.
func Detect(name string, head []byte) Format {
	switch {
	case bytes.HasPrefix(head, []byte("PK\x03\x04")),
		bytes.HasPrefix(head, []byte("PK\x05\x06")),
		bytes.HasPrefix(head, []byte("PK\x07\x08")):
		return Zip
	case bytes.HasPrefix(head, []byte{0x1f, 0x8b}):
		return Gzip
	case isTarHeader(head):
		return Tar
	}
	switch ext := strings.ToLower(path.Ext(baseName(name))); ext {
	case ".zip":
		return Zip
	case ".tar":
		return Tar
	case ".gz", ".tgz":
		return Gzip
	}
	return Unknown
}

func isTarHeader(head []byte) bool {
	return len(head) >= 262 && string(head[257:262]) == "ustar"
}

// baseName returns the last path element of a URI or member name, ignoring
// any query string.
func baseName(u string) string {
	if i := strings.IndexAny(u, "?#"); i >= 0 {
		u = u[:i]
	}
	return path.Base(u)
}

// gunzippedName is the name of the file inside the gzip file called name.
func gunzippedName(name string) string {
	base := baseName(name)
	lower := strings.ToLower(base)
	switch {
	case strings.HasSuffix(lower, ".tgz"):
		return base[:len(base)-4] + ".tar"
	case strings.HasSuffix(lower, ".gz"):
		return base[:len(base)-3]
	}
	return base
}

// A container is an opened archive file.
type container interface {
	// entries lists the files in the order they appear in the container.
	entries() []Entry
	lookup(name string) (Entry, bool)
	// section gives random access to a member stored without compression.
	// It returns nil if the member is compressed.
	section(name string) *io.SectionReader
	open(name string) (io.ReadCloser, error)
}

type zipContainer struct {
	list   []Entry
	byName map[string]*zip.File
	ra     io.ReaderAt
}

func newZip(ra io.ReaderAt, size int64) (*zipContainer, error) {
	zr, err := zip.NewReader(ra, size)
	if err != nil {
		return nil, errors.Wrap(ErrNotContainer, err.Error())
	}
	z := &zipContainer{
		byName: make(map[string]*zip.File),
		ra:     ra,
	}
	for _, f := range zr.File {
		if strings.HasSuffix(f.Name, "/") {
			continue
		}
		name := cleanName(f.Name)
		if _, ok := z.byName[name]; ok {
			continue
		}
		z.byName[name] = f
		z.list = append(z.list, Entry{
			Name:    name,
			Size:    int64(f.UncompressedSize64),
			ModTime: f.Modified,
		})
	}
	return z, nil
}

func (z *zipContainer) entries() []Entry { return z.list }

func (z *zipContainer) lookup(name string) (Entry, bool) {
	f, ok := z.byName[name]
	if !ok {
		return Entry{}, false
	}
	return Entry{Name: name, Size: int64(f.UncompressedSize64), ModTime: f.Modified}, true
}

func (z *zipContainer) section(name string) *io.SectionReader {
	f := z.byName[name]
	if f == nil || f.Method != zip.Store {
		return nil
	}
	off, err := f.DataOffset()
	if err != nil {
		return nil
	}
	return io.NewSectionReader(z.ra, off, int64(f.UncompressedSize64))
}

func (z *zipContainer) open(name string) (io.ReadCloser, error) {
	f := z.byName[name]
	if f == nil {
		return nil, ErrNoContent
	}
	return f.Open()
}

type tarContainer struct {
	list   []Entry
	offset map[string]int64
	index  map[string]int
	ra     io.ReaderAt
}

// newTar reads every header in the tar file and remembers where the content
// of each regular file starts.
func newTar(ra io.ReaderAt, size int64) (*tarContainer, error) {
	t := &tarContainer{
		offset: make(map[string]int64),
		index:  make(map[string]int),
		ra:     ra,
	}
	sr := io.NewSectionReader(ra, 0, size)
	tr := tar.NewReader(sr)
	for {
		h, err := tr.Next()
		if err == io.EOF {
			break
		} else if err != nil {
			if len(t.list) == 0 {
				return nil, errors.Wrap(ErrNotContainer, err.Error())
			}
			// keep what could be read from a truncated file
			log.Println("tar:", err)
			break
		}
		if !h.FileInfo().Mode().IsRegular() ||
			h.Typeflag == tar.TypeGNUSparse ||
			h.PAXRecords["GNU.sparse.major"] != "" {
			continue
		}
		name := cleanName(h.Name)
		if _, ok := t.offset[name]; ok {
			continue
		}
		// the reader is positioned at the start of this entry's content
		off, _ := sr.Seek(0, io.SeekCurrent)
		t.offset[name] = off
		t.index[name] = len(t.list)
		t.list = append(t.list, Entry{Name: name, Size: h.Size, ModTime: h.ModTime})
	}
	return t, nil
}

func (t *tarContainer) entries() []Entry { return t.list }

func (t *tarContainer) lookup(name string) (Entry, bool) {
	i, ok := t.index[name]
	if !ok {
		return Entry{}, false
	}
	return t.list[i], true
}

func (t *tarContainer) section(name string) *io.SectionReader {
	i, ok := t.index[name]
	if !ok {
		return nil
	}
	return io.NewSectionReader(t.ra, t.offset[name], t.list[i].Size)
}

func (t *tarContainer) open(name string) (io.ReadCloser, error) {
	sr := t.section(name)
	if sr == nil {
		return nil, ErrNoContent
	}
	return io.NopCloser(sr), nil
}

// singleContainer holds the one file inside a plain gzip file. The bytes
// are the already decompressed content.
type singleContainer struct {
	e  Entry
	ra io.ReaderAt
}

func (s *singleContainer) entries() []Entry { return []Entry{s.e} }

func (s *singleContainer) lookup(name string) (Entry, bool) {
	return s.e, name == s.e.Name
}

func (s *singleContainer) section(name string) *io.SectionReader {
	if name != s.e.Name {
		return nil
	}
	return io.NewSectionReader(s.ra, 0, s.e.Size)
}

func (s *singleContainer) open(name string) (io.ReadCloser, error) {
	sr := s.section(name)
	if sr == nil {
		return nil, ErrNoContent
	}
	return io.NopCloser(sr), nil
}
