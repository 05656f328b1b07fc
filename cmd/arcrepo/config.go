package main

import (
	"net/http"

	"github.com/BurntSushi/toml"
	"github.com/opencontainers/go-digest"
	"github.com/pkg/errors"

	"github.com/ndlib/arcrepo/artifact"
	"github.com/ndlib/arcrepo/locate"
	"github.com/ndlib/arcrepo/server"
)

// config is the contents of the configuration file. A sample:
//
//	Port      = "14000"
//	Content   = "s3:/my-bucket/arcrepo"
//	Index     = "mysql:user:pw@tcp(localhost:3306)/arcrepo"
//	CacheDir  = "/var/cache/arcrepo"
//	CacheSize = 100000   # in MB
//	TokenFile = "/etc/arcrepo/tokens"
//	HashRate  = 2000     # in MB/hour
//
//	[[AU]]
//	Collection   = "web"
//	AUID         = "example"
//	Stems        = ["http://example.org/"]
//	ArchiveTypes = [".zip", ".warc.gz"]
type config struct {
	Port       string
	PProfPort  string
	Content    string // location of the content store
	Index      string // location of the artifact index
	CacheDir   string
	CacheSize  int64 // in MB
	TokenFile  string
	HashRate   int64 // in MB/hour
	MaxIngests int
	Digest     string
	RecentSize int
	AU         []locate.AU
}

func defaultConfig() *config {
	return &config{
		Port:       "14000",
		Digest:     string(digest.SHA256),
		RecentSize: 1000,
	}
}

// loadConfig reads the named configuration file over the defaults.
func loadConfig(fname string) (*config, error) {
	c := defaultConfig()
	if fname == "" {
		return c, nil
	}
	_, err := toml.DecodeFile(fname, c)
	if err != nil {
		return nil, errors.Wrap(err, fname)
	}
	return c, nil
}

// parseConfig is loadConfig for a configuration held in a string.
func parseConfig(data string) (*config, error) {
	c := defaultConfig()
	_, err := toml.Decode(data, c)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// newServer opens the content store and index and returns a server which is
// ready to Run. client is used for S3 requests and may be nil.
func (c *config) newServer(client *http.Client) (*server.RESTServer, error) {
	alg := digest.Algorithm(c.Digest)
	if !alg.Available() {
		return nil, errors.Errorf("unknown digest %q", c.Digest)
	}
	content := server.OpenStore(c.Content, "content", client)
	if content == nil {
		return nil, errors.Errorf("cannot open content store %q", c.Content)
	}
	idx, err := server.OpenIndex(c.Index)
	if err != nil {
		return nil, errors.Wrap(err, "opening index")
	}
	repo := artifact.NewRepository(idx, content)
	repo.Algorithm = alg

	s := &server.RESTServer{
		PortNumber: c.Port,
		PProfPort:  c.PProfPort,
		Repo:       repo,
		CacheDir:   c.CacheDir,
		CacheSize:  c.CacheSize * 1000000,
		HashRate:   c.HashRate,
		MaxIngests: c.MaxIngests,
		Locator:    locate.New(locate.NewRecent(c.RecentSize)),
	}
	if c.TokenFile != "" {
		s.Validator, err = server.NewListValidatorFile(c.TokenFile)
		if err != nil {
			repo.Close()
			return nil, errors.Wrap(err, "reading tokens")
		}
	}
	for _, au := range c.AU {
		if au.AUID == "" || au.Collection == "" || len(au.Stems) == 0 {
			repo.Close()
			return nil, errors.Errorf("AU %q is missing its AUID, Collection or Stems", au.AUID)
		}
		s.Locator.Configure(au)
	}
	return s, nil
}
