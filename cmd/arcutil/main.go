package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"text/tabwriter"

	"github.com/opencontainers/go-digest"

	"github.com/ndlib/arcrepo/archive"
	"github.com/ndlib/arcrepo/artifact"
	"github.com/ndlib/arcrepo/bagit"
	"github.com/ndlib/arcrepo/blobcache"
	"github.com/ndlib/arcrepo/cachedurl"
	"github.com/ndlib/arcrepo/ingest"
	"github.com/ndlib/arcrepo/server"
	"github.com/ndlib/arcrepo/util"
)

var (
	contentLoc = flag.String("content", ".", "location of the content store")
	indexLoc   = flag.String("index", "bolt:arcrepo.db", "location of the artifact index")
	usage      = `
arcutil <command> <command arguments>

Possible commands:
    aus

    list <collection> <au> [<prefix>]

    versions <collection> <au> <uri>

    cat <collection> <au> <uri>[!/<member>] [<version>]

    members <collection> <au> <uri>

    add <collection> <au> <uri> <file>

    hash <collection> <au>

    verify <collection> <au>

    export <collection> <au> <bag file>

    import <collection> <au> <bag file>
`
)

var nargs = map[string]int{
	"aus":      0,
	"list":     2,
	"versions": 3,
	"cat":      3,
	"members":  3,
	"add":      4,
	"hash":     2,
	"verify":   2,
	"export":   3,
	"import":   3,
}

func main() {
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		fmt.Println(usage)
		return
	}
	n, ok := nargs[args[0]]
	if !ok || len(args)-1 < n {
		fmt.Println(usage)
		os.Exit(1)
	}

	content := server.OpenStore(*contentLoc, "content", nil)
	if content == nil {
		fmt.Println("Cannot open content store", *contentLoc)
		os.Exit(1)
	}
	idx, err := server.OpenIndex(*indexLoc)
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
	r := artifact.NewRepository(idx, content)
	defer r.Close()

	switch args[0] {
	case "aus":
		err = doaus(r)
	case "list":
		prefix := ""
		if len(args) > 3 {
			prefix = args[3]
		}
		err = dolist(r, args[1], args[2], prefix)
	case "versions":
		err = doversions(r, args[1], args[2], args[3])
	case "cat":
		version := 0
		if len(args) > 4 {
			version, err = strconv.Atoi(args[4])
			if err != nil {
				break
			}
		}
		err = docat(r, args[1], args[2], args[3], version)
	case "members":
		err = domembers(r, args[1], args[2], args[3])
	case "add":
		err = doadd(r, args[1], args[2], args[3], args[4])
	case "hash":
		err = dohash(r, args[1], args[2])
	case "verify":
		err = doverify(r, args[1], args[2])
	case "export":
		err = doexport(r, args[1], args[2], args[3])
	case "import":
		err = doimport(r, args[1], args[2], args[3])
	}
	if err != nil {
		fmt.Println("Error:", err)
		os.Exit(1)
	}
}

func newResolver(r *artifact.Repository) *archive.Resolver {
	res := archive.NewResolver(r, blobcache.EmptyCache{})
	res.Mime = archive.DefaultMimeMap
	return res
}

func doaus(r *artifact.Repository) error {
	colls, err := r.Collections()
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 5, 1, 3, ' ', 0)
	defer w.Flush()
	for _, coll := range colls {
		aus, err := r.AUs(coll)
		if err != nil {
			return err
		}
		for _, au := range aus {
			st, err := r.AUState(coll, au)
			if err != nil {
				return err
			}
			if st == nil {
				st = &artifact.AUState{}
			}
			fmt.Fprintf(w, "%s\t%s\t%v\t%v\t%v\n", coll, au, st.LastContentChange, st.LastHash, st.HashEstimate)
		}
	}
	return nil
}

func dolist(r *artifact.Repository, coll, au, prefix string) error {
	it := r.ArtifactsWithPrefix(coll, au, prefix)
	defer it.Close()
	w := tabwriter.NewWriter(os.Stdout, 5, 1, 3, ' ', 0)
	defer w.Flush()
	for it.Next() {
		a := it.Artifact()
		fmt.Fprintf(w, "%d\t%d\t%s\t%s\n", a.Version, a.ContentLength, a.FetchTime.Format("2006-01-02 15:04:05"), a.URI)
	}
	return it.Err()
}

func doversions(r *artifact.Repository, coll, au, uri string) error {
	list, err := r.Versions(coll, au, uri, 0)
	if err != nil {
		return err
	}
	for _, a := range list {
		fmt.Println("---")
		w := tabwriter.NewWriter(os.Stdout, 5, 1, 3, ' ', 0)
		fmt.Fprintf(w, "Version:\t%d\n", a.Version)
		fmt.Fprintf(w, "Size:\t%d\n", a.ContentLength)
		fmt.Fprintf(w, "Digest:\t%s\n", a.ContentDigest)
		fmt.Fprintf(w, "Status:\t%s\n", a.Status)
		fmt.Fprintf(w, "FetchTime:\t%v\n", a.FetchTime)
		fmt.Fprintf(w, "Created:\t%v\n", a.Created)
		fmt.Fprintf(w, "StorageURL:\t%s\n", a.StorageURL)
		for k, v := range a.Header {
			fmt.Fprintf(w, "%s:\t%v\n", k, v)
		}
		w.Flush()
	}
	return nil
}

func docat(r *artifact.Repository, coll, au, uri string, version int) error {
	set := cachedurl.NewSet(r, newResolver(r), coll, au, cachedurl.AUSpec())
	host, member, isMember := archive.SplitMemberURL(uri)
	p, err := set.Get(host)
	if err != nil {
		return err
	}
	var cu cachedurl.CachedURL = p
	if version > 0 {
		cu, err = p.CuVersion(version)
		if err != nil {
			return err
		}
	}
	if isMember {
		cu, err = cu.Member(member)
		if err != nil {
			return err
		}
	}
	defer cu.Close()
	if !cu.HasContent() {
		return artifact.ErrNotFound
	}
	rc, err := cu.Open()
	if err != nil {
		return err
	}
	defer rc.Close()
	_, err = io.Copy(os.Stdout, rc)
	return err
}

func domembers(r *artifact.Repository, coll, au, uri string) error {
	a, err := r.Artifact(coll, au, uri)
	if err != nil {
		return err
	}
	if a == nil {
		return artifact.ErrNotFound
	}
	entries, err := newResolver(r).Members(a)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 5, 1, 3, ' ', 0)
	defer w.Flush()
	for _, e := range entries {
		fmt.Fprintf(w, "%d\t%s\t%s\n", e.Size, e.ModTime.Format("2006-01-02 15:04:05"), e.Name)
	}
	return nil
}

func doadd(r *artifact.Repository, coll, au, uri, fname string) error {
	in, err := os.Open(fname)
	if err != nil {
		return err
	}
	defer in.Close()
	info, err := in.Stat()
	if err != nil {
		return err
	}
	header := make(http.Header)
	header.Set("Content-Length", strconv.FormatInt(info.Size(), 10))
	header.Set("Last-Modified", info.ModTime().UTC().Format(http.TimeFormat))
	if ct := mime.TypeByExtension(filepath.Ext(fname)); ct != "" {
		header.Set("Content-Type", ct)
	}
	c := ingest.NewCacher(r, coll, au)
	res, err := c.Store(context.Background(), &ingest.Fetch{
		URL:    uri,
		Header: header,
		Status: artifact.StatusLine{Protocol: "HTTP/1.1", Code: 200, Reason: "OK"},
		Body:   in,
	})
	if res != nil && res.Artifact != nil {
		fmt.Printf("%s version %d: %s\n", uri, res.Artifact.Version, res.State)
	}
	if res != nil && res.Warning != nil {
		fmt.Println("Warning:", res.Warning)
	}
	return err
}

func dohash(r *artifact.Repository, coll, au string) error {
	set := cachedurl.NewSet(r, newResolver(r), coll, au, cachedurl.AUSpec())
	it := set.ContentHashIterator(cachedurl.Options{})
	defer it.Close()
	w := tabwriter.NewWriter(os.Stdout, 5, 1, 3, ' ', 0)
	defer w.Flush()
	for it.Next() {
		n := it.Node()
		d := "-"
		if n.HasContent() {
			rc, err := n.Open()
			if err != nil {
				return err
			}
			h, err := digest.SHA256.FromReader(rc)
			rc.Close()
			if err != nil {
				return err
			}
			d = h.String()
		}
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", n.Kind, n.Size(), d, n.URL)
	}
	return it.Err()
}

func doverify(r *artifact.Repository, coll, au string) error {
	it := r.Artifacts(coll, au)
	defer it.Close()
	var bad int
	for it.Next() {
		a := it.Artifact()
		if a.ContentDigest == "" {
			fmt.Println("No digest:", a.URI)
			continue
		}
		d, err := r.ArtifactData(a)
		if err != nil {
			return err
		}
		body, err := d.Open()
		if err != nil {
			d.Close()
			return err
		}
		_, err = util.VerifyStreamHash(body, a.ContentDigest)
		body.Close()
		if err != nil {
			bad++
			fmt.Printf("%s version %d: %s\n", a.URI, a.Version, err)
		}
	}
	if err := it.Err(); err != nil {
		return err
	}
	if bad > 0 {
		return fmt.Errorf("%d artifacts failed verification", bad)
	}
	return nil
}

func doexport(r *artifact.Repository, coll, au, fname string) error {
	out, err := os.Create(fname)
	if err != nil {
		return err
	}
	n, err := bagit.WriteAU(out, r, coll, au)
	cerr := out.Close()
	if err == nil {
		err = cerr
	}
	fmt.Printf("Exported %d artifacts\n", n)
	return err
}

func doimport(r *artifact.Repository, coll, au, fname string) error {
	in, err := os.Open(fname)
	if err != nil {
		return err
	}
	defer in.Close()
	info, err := in.Stat()
	if err != nil {
		return err
	}
	bag, err := bagit.NewReader(in, info.Size())
	if err != nil {
		return err
	}
	n, err := bagit.ReadAU(bag, r, coll, au)
	fmt.Printf("Imported %d artifacts\n", n)
	return err
}
