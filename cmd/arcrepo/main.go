// Command arcrepo runs the artifact repository server.
//
// Settings come from an optional TOML configuration file given with -config.
// Command line flags override the file. If the environment variable
// SENTRY_DSN is set, errors are also reported to Sentry.
package main

import (
	"crypto/tls"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/certifi/gocertifi"
	raven "github.com/getsentry/raven-go"

	"github.com/ndlib/arcrepo/server"
)

func main() {
	var (
		configFile = flag.String("config", "", "TOML configuration file")
		port       = flag.String("port", "", "port to listen on")
		pprofPort  = flag.String("pprof", "", "port for the pprof server")
		content    = flag.String("content", "", "location of the content store")
		index      = flag.String("index", "", "location of the artifact index")
		cacheDir   = flag.String("cache-dir", "", "directory for spilled archive members")
		cacheSize  = flag.Int64("cache-size", 0, "size of the member cache in MB")
		tokenFile  = flag.String("tokens", "", "file of user API tokens")
		hashRate   = flag.Int64("hash-rate", 0, "background hashing rate in MB/hour")
		maxIngests = flag.Int("max-ingests", 0, "number of uploads stored at once")
	)
	flag.Parse()

	cfg, err := loadConfig(*configFile)
	if err != nil {
		log.Fatalln(err)
	}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "port":
			cfg.Port = *port
		case "pprof":
			cfg.PProfPort = *pprofPort
		case "content":
			cfg.Content = *content
		case "index":
			cfg.Index = *index
		case "cache-dir":
			cfg.CacheDir = *cacheDir
		case "cache-size":
			cfg.CacheSize = *cacheSize
		case "tokens":
			cfg.TokenFile = *tokenFile
		case "hash-rate":
			cfg.HashRate = *hashRate
		case "max-ingests":
			cfg.MaxIngests = *maxIngests
		}
	})

	client := httpClient()
	if dsn := os.Getenv("SENTRY_DSN"); dsn != "" {
		log.Println("Reporting errors to Sentry")
		if err := raven.SetDSN(dsn); err != nil {
			log.Println("SENTRY_DSN:", err)
		}
		raven.SetRelease(server.Version)
		raven.DefaultClient.Transport = &raven.HTTPTransport{Client: client}
	}

	s, err := cfg.newServer(client)
	if err != nil {
		log.Fatalln(err)
	}
	go signalHandler(s)
	err = s.Run()
	s.Repo.Close()
	if err != nil {
		log.Fatalln(err)
	}
}

// httpClient returns a client trusting the certifi root certificates, for
// hosts whose own root store is out of date. The default client is used if
// the bundle cannot be loaded.
func httpClient() *http.Client {
	roots, err := gocertifi.CACerts()
	if err != nil {
		log.Println("Loading CA bundle:", err)
		return http.DefaultClient
	}
	return &http.Client{
		Transport: &http.Transport{
			Proxy:           http.ProxyFromEnvironment,
			TLSClientConfig: &tls.Config{RootCAs: roots},
		},
	}
}

func signalHandler(s *server.RESTServer) {
	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	sig := <-c
	log.Println("Received signal", sig)
	err := s.Stop()
	if err != nil {
		log.Println(err)
	}
}
