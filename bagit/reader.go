package bagit

import (
	"bufio"
	"io"
	"strings"

	"github.com/klauspost/compress/zip"
	"github.com/opencontainers/go-digest"
	"github.com/pkg/errors"

	"github.com/ndlib/arcrepo/util"
)

// Reader reads a bag written by Writer.
type Reader struct {
	z *zip.Reader
	t Bag
}

// NewReader creates a bag reader which wraps r. It expects a ZIP datastream,
// and uses size to locate the zip manifest block, which is at the end.
//
// The checksums are not checked upon opening. Call Verify() to verify all the
// checksums. Tags are loaded lazily from the tag file.
//
// Closing a reader does not close the underlying ReaderAt.
func NewReader(r io.ReaderAt, size int64) (*Reader, error) {
	in, err := zip.NewReader(r, size)
	if err != nil {
		return nil, err
	}
	result := &Reader{
		z: in,
		t: newBag(),
	}
	if len(in.File) > 0 {
		paths := strings.SplitN(in.File[0].Name, "/", 2)
		if len(paths) == 2 {
			result.t.dirname = paths[0] + "/"
		}
	}
	return result, nil
}

// Name returns the directory name the bag unserializes into.
func (r *Reader) Name() string {
	return strings.TrimSuffix(r.t.dirname, "/")
}

// Open returns a reader for the file having the given name.
// Note, that inside the bag, the file is searched for from the path
// "<bag name>/data/<name>".
func (r *Reader) Open(name string) (io.ReadCloser, error) {
	return r.open("data/" + name)
}

// Files lists the payload files, without the "data/" prefix, in the order
// they appear in the zip file.
func (r *Reader) Files() []string {
	var result []string
	prefix := r.t.dirname + "data/"
	for _, f := range r.z.File {
		if strings.HasPrefix(f.Name, prefix) {
			result = append(result, f.Name[len(prefix):])
		}
	}
	return result
}

// open will open any file, not necessarily one inside the data directory.
func (r *Reader) open(name string) (io.ReadCloser, error) {
	xname := r.t.dirname + name
	for _, f := range r.z.File {
		if f.Name != xname {
			continue
		}
		return f.Open()
	}
	return nil, errors.Wrap(ErrNotFound, name)
}

// Tags returns the contents of the bagit.txt and bag-info.txt files.
func (r *Reader) Tags() (map[string]string, error) {
	if len(r.t.tags) == 0 {
		for _, name := range []string{"bagit.txt", "bag-info.txt"} {
			if err := r.loadtagfile(name); err != nil {
				return nil, err
			}
		}
	}
	return r.t.tags, nil
}

func (r *Reader) loadtagfile(name string) error {
	rc, err := r.open(name)
	if err != nil {
		return err
	}
	defer rc.Close()
	var last string
	scanner := bufio.NewScanner(rc)
	for scanner.Scan() {
		line := scanner.Text()
		// line beginning with white space is a continuation.
		// otherwise split on first colon
		if last != "" && strings.TrimLeft(line, " \t") != line {
			r.t.tags[last] += " " + strings.TrimSpace(line)
			continue
		}
		i := strings.IndexByte(line, ':')
		if i < 0 {
			continue
		}
		last = strings.TrimSpace(line[:i])
		r.t.tags[last] = strings.TrimSpace(line[i+1:])
	}
	return scanner.Err()
}

// Verify checks every file listed in the manifests and tag manifests
// against its digest, and that every payload file is listed. The first
// problem found is returned.
func (r *Reader) Verify() error {
	listed := make(map[string]bool)
	found := false
	for _, f := range r.z.File {
		name := strings.TrimPrefix(f.Name, r.t.dirname)
		var alg string
		switch {
		case strings.HasPrefix(name, "manifest-"):
			alg = name[len("manifest-"):]
		case strings.HasPrefix(name, "tagmanifest-"):
			alg = name[len("tagmanifest-"):]
		default:
			continue
		}
		found = true
		alg = strings.TrimSuffix(alg, ".txt")
		err := r.loadmanifest(name, digest.Algorithm(alg), listed)
		if err != nil {
			return err
		}
	}
	if !found {
		return errors.Wrap(ErrNotFound, "manifest")
	}
	for _, name := range r.Files() {
		if !listed["data/"+name] {
			return errors.Wrap(ErrUnlisted, name)
		}
	}
	return nil
}

func (r *Reader) loadmanifest(name string, alg digest.Algorithm, listed map[string]bool) error {
	if !alg.Available() {
		return errors.Errorf("%s: unsupported algorithm %s", name, alg)
	}
	rc, err := r.open(name)
	if err != nil {
		return err
	}
	defer rc.Close()
	scanner := bufio.NewScanner(rc)
	for scanner.Scan() {
		pieces := strings.SplitN(scanner.Text(), "  ", 2)
		if len(pieces) != 2 {
			continue
		}
		fname := pieces[1]
		listed[fname] = true
		if err := r.check(fname, digest.NewDigestFromEncoded(alg, pieces[0])); err != nil {
			return err
		}
	}
	return scanner.Err()
}

func (r *Reader) check(name string, goal digest.Digest) error {
	rc, err := r.open(name)
	if err != nil {
		return err
	}
	defer rc.Close()
	_, err = util.VerifyStreamHash(rc, goal)
	if errors.Is(err, util.ErrDigestMismatch) {
		return errors.Wrapf(ErrChecksum, "%s: %s", name, err)
	}
	return err
}
