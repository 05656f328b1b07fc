// Package server provides the REST interface to an artifact repository.
//
// Besides the routes, a RESTServer runs a background hasher which walks
// every archival unit, checks the stored digests, and keeps the hash
// duration estimates of each AU up to date.
package server

import (
	"log"
	"net/http"
	_ "net/http/pprof" // for pprof server
	"os"
	"path/filepath"

	"github.com/facebookgo/clock"
	"github.com/facebookgo/httpdown"
	"github.com/facebookgo/stats"

	"github.com/ndlib/arcrepo/archive"
	"github.com/ndlib/arcrepo/artifact"
	"github.com/ndlib/arcrepo/blobcache"
	"github.com/ndlib/arcrepo/ingest"
	"github.com/ndlib/arcrepo/locate"
	"github.com/ndlib/arcrepo/store"
	"github.com/ndlib/arcrepo/util"
)

// RESTServer holds the configuration for an arcrepo REST API server.
//
// Set the public fields and then call Run. Run will listen on the given
// port and handle requests. Do not change any fields after calling Run.
type RESTServer struct {
	// Port number to run on. Defaults to 14000.
	PortNumber string
	PProfPort  string

	// Repo is the artifact repository. Run will panic if Repo is nil.
	Repo *artifact.Repository

	// CacheDir is the directory used to spill archive members which need
	// random access. If CacheDir is empty or CacheSize is 0 spilled
	// members are kept in memory.
	CacheDir  string
	CacheSize int64 // in bytes

	// Validator checks the X-Api-Key of each request. If nil every request
	// is allowed.
	Validator TokenValidator

	// Locator answers URL lookups. It is created if nil.
	Locator *locate.Locator

	// MaxIngests bounds the number of uploads stored at once.
	// Defaults to 4.
	MaxIngests int

	// HashRate is the background hashing rate in MB/hour. If it is 0 the
	// hasher is not started.
	HashRate int64

	// --- The following fields are more advanced and only need to be
	// set in special situations. ---

	// Resolver reads archive members. It is created from CacheDir if nil.
	Resolver *archive.Resolver

	// Results decides what happens to uploads with validation problems.
	// Defaults to ingest.DefaultResultMap().
	Results *ingest.ResultMap

	// Stats receives counters. Defaults to the expvar map "arcrepo".
	Stats stats.Client
	Clock clock.Clock

	server  httpdown.Server // used to close our listening socket
	ingests *util.Gate
	hasher  *hasher
}

// DefaultMaxIngests is the default value of RESTServer.MaxIngests.
const DefaultMaxIngests = 4

// Run initializes and starts all the goroutines used by the server. It then
// blocks listening for and handling http requests.
func (s *RESTServer) Run() error {
	log.Println("==========")
	log.Printf("Starting arcrepo server version %s", Version)
	log.Printf("CacheDir = %s", s.CacheDir)
	log.Printf("CacheSize = %d", s.CacheSize)

	s.setup()

	if s.HashRate > 0 {
		s.StartHasher()
	}

	// for pprof
	if s.PProfPort != "" {
		log.Println("Starting PProf on port", s.PProfPort)
		go func() {
			log.Println(http.ListenAndServe(":"+s.PProfPort, nil))
		}()
	}
	if s.PortNumber == "" {
		s.PortNumber = "14000"
	}
	log.Println("Listening on", s.PortNumber)

	h := httpdown.HTTP{}
	var err error
	s.server, err = h.ListenAndServe(&http.Server{
		Addr:    ":" + s.PortNumber,
		Handler: s.addRoutes(),
	})
	if err != nil {
		log.Println(err)
		return err
	}
	return s.server.Wait()
}

// setup fills in the defaults. It is separate from Run so tests may serve
// the routes without listening on a port.
func (s *RESTServer) setup() {
	if s.Repo == nil {
		panic("No repository given. Repo is nil.")
	}
	if s.Validator == nil {
		log.Println("No Validator given")
		s.Validator = NobodyValidator{}
	}
	if s.Locator == nil {
		s.Locator = locate.New(locate.NewRecent(1000))
	}
	if s.Results == nil {
		s.Results = ingest.DefaultResultMap()
	}
	if s.Stats == nil {
		s.Stats = expvarStats{m: serverVars}
	}
	if s.Clock == nil {
		s.Clock = clock.New()
	}
	if s.MaxIngests <= 0 {
		s.MaxIngests = DefaultMaxIngests
	}
	s.ingests = util.NewGate(s.MaxIngests)

	if s.Resolver == nil {
		var cache blobcache.Cache
		if s.CacheDir == "" || s.CacheSize == 0 {
			log.Println("Not using blob cache")
			cache = blobcache.EmptyCache{}
		} else {
			path := filepath.Join(s.CacheDir, "blobcache")
			os.MkdirAll(path, 0755)
			c := blobcache.NewLRU(store.NewFileSystem(path), s.CacheSize)
			go c.Scan()
			cache = c
		}
		s.Resolver = archive.NewResolver(s.Repo, cache)
		s.Resolver.Mime = archive.DefaultMimeMap
	}
}

// Stop will stop the server and return when all the server goroutines have
// exited and the socket closed.
func (s *RESTServer) Stop() error {
	s.StopHasher()
	// wait for the uploads in progress
	s.ingests.Stop()
	return s.server.Stop()
}
