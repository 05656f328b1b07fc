package bagit

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/zip"
	"github.com/opencontainers/go-digest"

	"github.com/ndlib/arcrepo/util"
)

// Writer allows for writing a new bag file. When it is closed, all the
// relevant tag files and manifests will be written out.
type Writer struct {
	z       *zip.Writer // the underlying zip writer
	t       Bag         // our bag structure to track the files
	algs    []digest.Algorithm
	current string               // name of the file being written
	dws     []*util.DigestWriter // digests of the current file
	ns      int                  // number of "streams" (i.e. payload files)
	sz      int64                // size of the payload files, in bytes

	// Now gives the Bagging-Date and the modification times of the files.
	Now func() time.Time
}

// NewWriter creates a new bag writer which will serialize itself to the
// provided io.Writer. Use name to set the directory name the bag will
// unserialize into, as BagIt requires. The manifests use the given
// digest algorithms, or SHA-256 if none are given.
func NewWriter(w io.Writer, name string, algs ...digest.Algorithm) *Writer {
	t := newBag()
	t.dirname = name + "/"
	if len(algs) == 0 {
		algs = []digest.Algorithm{digest.SHA256}
	}
	return &Writer{
		z:    zip.NewWriter(w),
		t:    t,
		algs: algs,
		Now:  time.Now,
	}
}

// Close this Writer and serialize all necessary bookkeeping files. It does
// not close the original io.Writer provided to NewWriter().
func (w *Writer) Close() error {
	w.t.tags["Payload-Oxum"] = fmt.Sprintf("%d.%d", w.sz, w.ns)
	w.t.tags["Bagging-Date"] = w.Now().Format("2006-01-02")
	w.t.tags["Bag-Size"] = humansize(w.sz)

	// If Close() is called after a write error, then this first
	// call will also fail with an error.
	err := w.writeTags()
	if err != nil {
		return err
	}
	err = w.writeManifests()
	if err != nil {
		return err
	}
	return w.z.Close()
}

// SetTag adds the given tag to this bag, and sets it to be equal to content.
// The bag writer will add the tags "Payload-Oxum", "Bagging-Date", and
// "Bag-Size" itself. Other useful tags are listed in the BagIt specification.
func (w *Writer) SetTag(tag, content string) {
	w.t.tags[tag] = content
}

// Create a new file inside this bag. The file will be put inside the "data/"
// directory. The writer returned is valid until the next call to Create or
// Close.
func (w *Writer) Create(name string) (io.Writer, error) {
	w.ns++
	out, err := w.create("data/" + name)
	return &countWriter{
		w:     out,
		count: &w.sz,
	}, err
}

// CreateTag adds a tag file which is listed in the tag manifests. The name
// may not begin with "data/".
func (w *Writer) CreateTag(name string) (io.Writer, error) {
	if strings.HasPrefix(name, "data/") {
		return nil, fmt.Errorf("tag file %s is inside the payload directory", name)
	}
	return w.create(name)
}

// create is for internal use. It allows non-payload files to be written.
func (w *Writer) create(name string) (io.Writer, error) {
	// save checksums in case there is an active writer
	w.Checksum()

	header := zip.FileHeader{
		Name:     w.t.dirname + name,
		Method:   zip.Store,
		Modified: w.Now(),
	}
	out, err := w.z.CreateHeader(&header)
	if err != nil {
		return nil, err
	}

	w.current = name
	w.dws = w.dws[:0]
	writers := []io.Writer{out}
	for _, alg := range w.algs {
		dw := util.NewDigestWriter(nil, alg)
		w.dws = append(w.dws, dw)
		writers = append(writers, dw)
	}
	return io.MultiWriter(writers...), nil
}

// Checksum returns the checksums for what has been written so far to the
// last io.Writer returned by Create().
func (w *Writer) Checksum() Checksum {
	if w.current == "" {
		return nil
	}
	var ck Checksum
	for _, dw := range w.dws {
		ck = append(ck, dw.Digest())
	}
	w.t.manifest[w.current] = ck
	return ck
}

func (w *Writer) writeTags() error {
	// first write bag-it marker file
	out, err := w.create("bagit.txt")
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "BagIt-Version: %s\n", Version)
	fmt.Fprintf(out, "Tag-File-Character-Encoding: UTF-8\n")

	// now write tags file
	out, err = w.create("bag-info.txt")
	if err != nil {
		return err
	}
	var keys []string
	for k := range w.t.tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(out, "%s: %s\n", k, w.t.tags[k])
	}
	return nil
}

func (w *Writer) writeManifests() error {
	// ensure any pending checksum is saved
	w.Checksum()

	for _, alg := range w.algs {
		if err := w.manifest(false, alg); err != nil {
			return err
		}
	}
	// the tag manifests come last so they can list the others
	for _, alg := range w.algs {
		if err := w.manifest(true, alg); err != nil {
			return err
		}
	}
	return nil
}

func (w *Writer) manifest(istag bool, alg digest.Algorithm) error {
	var names []string
	for fname := range w.t.manifest {
		// tag manifests only include files NOT having the prefix "data/"
		// non-tag manifests only include "data/" files
		if istag == strings.HasPrefix(fname, "data/") {
			continue
		}
		if istag && strings.HasPrefix(fname, "tagmanifest-") {
			continue
		}
		names = append(names, fname)
	}
	sort.Strings(names)
	mname := "manifest-" + string(alg) + ".txt"
	if istag {
		mname = "tag" + mname
	}
	out, err := w.create(mname)
	if err != nil {
		return err
	}
	for _, fname := range names {
		d := w.t.manifest[fname].Get(alg)
		if d == "" {
			continue
		}
		// The 2 spaces is to be identical to the GNU md5sum output.
		fmt.Fprintf(out, "%s  %s\n", d.Encoded(), fname)
	}
	return nil
}

// countWriter is an io.Writer that counts the number of bytes written to it.
type countWriter struct {
	w     io.Writer
	count *int64
}

func (w *countWriter) Write(p []byte) (int, error) {
	n, err := w.w.Write(p)
	*w.count += int64(n)
	return n, err
}

// Metric constants for humansize. Lowercased so as to be unexported.
const (
	kb int64 = 1000
	mb       = 1000 * kb
	gb       = 1000 * mb
	tb       = 1000 * gb
)

func humansize(size int64) string {
	var units string
	switch {
	case size < kb:
		units = "Bytes"
	case size < mb:
		size /= kb
		units = "KB"
	case size < gb:
		size /= mb
		units = "MB"
	case size < tb:
		size /= gb
		units = "GB"
	default:
		size /= tb
		units = "TB"
	}
	return fmt.Sprintf("%d %s", size, units)
}
