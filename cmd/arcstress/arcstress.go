package main

// Stress test an arcrepo instance
//
// Each worker ingests a random number of URLs into its own AU, some of them
// through a redirect, and then reads every URL back and checks the digest.
//
// Parameters:
//  n   - The number of goroutines to use. Default is 100
//  z   - The maximum size of upload. Default is 10 MB
//  aus - The number of AUs to create. Default is 1000
//
//  url - the url of the arcrepo instance. Default is http://localhost:14000

import (
	"bytes"
	"flag"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/opencontainers/go-digest"

	"github.com/ndlib/arcrepo/util"
)

var (
	NumGoroutines = flag.Int("n", 100, "number of goroutines")
	MaxUpload     = flag.Int("z", 10, "max file size in MB")
	NumAUs        = flag.Int("aus", 1000, "number of AUs to create")
	urlpath       = flag.String("url", "http://localhost:14000", "base url of service to test")
	apikey        = flag.String("key", "", "X-Api-Key to send")

	pagenames = []string{
		"index.html",
		"about.html",
		"css/site.css",
		"js/site.js",
		"images/logo.png",
		"images/banner.jpg",
		"docs/report.pdf",
		"feed.xml",
		"archive.zip",
		"robots.txt",
	}
)

func main() {
	flag.Parse()
	wg := sync.WaitGroup{}
	gate := util.NewGate(*NumGoroutines)
	for i := 0; i < *NumAUs; i++ {
		au := fmt.Sprintf("au%05dx", i)
		wg.Add(1)
		go func() {
			gate.Enter()
			CreateAU(au)
			gate.Leave()
			wg.Done()
		}()
	}
	wg.Wait()
}

func dumpbody(resp *http.Response) {
	b := new(bytes.Buffer)
	io.Copy(b, resp.Body)
	log.Printf("   > %s", b.String())
}

func do(req *http.Request) (*http.Response, error) {
	if *apikey != "" {
		req.Header.Set("X-Api-Key", *apikey)
	}
	return http.DefaultClient.Do(req)
}

// CreateAU ingests a few URLs into a new AU and reads them back.
func CreateAU(au string) {
	var totalsize int64
	starttime := time.Now()

	log.Printf("Starting uploads for %s", au)
	expected := make(map[string]digest.Digest)
	npages := rand.Intn(len(pagenames)) + 1
	for i := 0; i < npages; i++ {
		uri := "http://" + au + ".example.org/" + pagenames[i]
		var redirect string
		if rand.Intn(4) == 0 {
			redirect = uri
			uri = "http://" + au + ".example.org/go/" + pagenames[i]
		}
		d, size, ok := ingest(au, uri, redirect)
		if !ok {
			return
		}
		totalsize += size
		expected[uri] = d
		if redirect != "" {
			expected[redirect] = d
		}
	}

	runDuration := time.Since(starttime)
	log.Printf("Created %s: %v bytes, %v time, %f MB/s", au, totalsize,
		runDuration,
		float64(totalsize/1000000)/runDuration.Seconds())

	for uri, d := range expected {
		check(au, uri, d)
	}
}

func route(au, op, uri string) string {
	return *urlpath + "/collection/stress/au/" + au + "/" + op + "?uri=" + url.QueryEscape(uri)
}

func ingest(au, uri, redirect string) (digest.Digest, int64, bool) {
	data := randomContent(rand.Intn(*MaxUpload*1000000) + 1)
	target := route(au, "content", uri)
	if redirect != "" {
		target += "&redirect=" + url.QueryEscape(redirect)
	}
	req, _ := http.NewRequest("POST", target, bytes.NewReader(data))
	req.Header.Set("X-Origin-Content-Length", fmt.Sprint(len(data)))
	resp, err := do(req)
	if err != nil {
		log.Println(err)
		return "", 0, false
	}
	defer resp.Body.Close()
	if resp.StatusCode != 201 {
		log.Printf("Received status %d: %s", resp.StatusCode, uri)
		dumpbody(resp)
		return "", 0, false
	}
	return digest.FromBytes(data), int64(len(data)), true
}

func check(au, uri string, goal digest.Digest) {
	req, _ := http.NewRequest("GET", route(au, "content", uri), nil)
	resp, err := do(req)
	if err != nil {
		log.Println(err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		log.Printf("Received status %d reading %s", resp.StatusCode, uri)
		dumpbody(resp)
		return
	}
	_, err = util.VerifyStreamHash(resp.Body, goal)
	if err != nil {
		log.Printf("%s: %s", uri, err)
	}
}

// randomContent returns n bytes of a repeating pattern at a random offset.
func randomContent(n int) []byte {
	start := byte(rand.Intn(256))
	c := make([]byte, n)
	for i := range c {
		c[i] = start
		start++
	}
	return c
}
