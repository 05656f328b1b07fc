package server

import (
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/facebookgo/stats"
	raven "github.com/getsentry/raven-go"
	"github.com/julienschmidt/httprouter"
	"github.com/opencontainers/go-digest"
	"github.com/pkg/errors"

	"github.com/ndlib/arcrepo/cachedurl"
	"github.com/ndlib/arcrepo/util"
)

var (
	// do not hash an AU more often than this
	minDurationHash = 30 * 24 * time.Hour

	// wait this long before retrying an AU whose hash failed
	retryDurationHash = time.Hour

	// how long to sleep when there is nothing to hash
	idleDurationHash = time.Hour
)

// hasher is the background process which hashes each AU in turn. It reads
// content no faster than its rate counter allows, and gives up on an AU
// once the estimated hash duration has passed.
type hasher struct {
	s    *RESTServer
	rate *util.RateCounter
	stop chan struct{} // close to stop
	done chan struct{} // closed once run returns

	m          sync.Mutex // protects below
	enabled    bool
	current    string
	attempted  map[string]time.Time
	hashed     int64
	mismatches int64
	timeouts   int64
}

// HasherStatus is reported by GET /admin/hasher.
type HasherStatus struct {
	Enabled    bool
	Current    string `json:",omitempty"`
	Hashed     int64
	Mismatches int64
	Timeouts   int64
}

// StartHasher starts a background goroutine hashing AUs at HashRate
// (in MB/hour).
func (s *RESTServer) StartHasher() {
	log.Println("Starting hasher at", s.HashRate, "MB/hour")
	s.hasher = newHasher(s)
	go s.hasher.run()
}

// StopHasher halts the background hasher and waits for it to exit. The
// hasher cannot be restarted once stopped.
func (s *RESTServer) StopHasher() {
	if s.hasher == nil {
		return
	}
	close(s.hasher.stop)
	// makes any read in progress fail
	s.hasher.rate.Stop()
	<-s.hasher.done
}

func newHasher(s *RESTServer) *hasher {
	return &hasher{
		s:         s,
		rate:      util.NewRateCounter(float64(s.HashRate) * 1000000 / 3600),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
		enabled:   true,
		attempted: make(map[string]time.Time),
	}
}

func (h *hasher) run() {
	defer close(h.done)
	for {
		var coll, au string
		if h.isEnabled() {
			coll, au = h.next()
		}
		if au == "" {
			select {
			case <-h.s.Clock.After(idleDurationHash):
			case <-h.stop:
				return
			}
			continue
		}
		h.hashAU(coll, au)
		select {
		case <-h.stop:
			return
		default:
		}
	}
}

func (h *hasher) isEnabled() bool {
	h.m.Lock()
	defer h.m.Unlock()
	return h.enabled
}

func (h *hasher) setEnabled(v bool) {
	h.m.Lock()
	h.enabled = v
	h.m.Unlock()
}

// next returns the AU hashed longest ago, skipping those hashed within
// minDurationHash and those which failed within retryDurationHash. It
// returns empty strings if there is nothing to do.
func (h *hasher) next() (string, string) {
	now := h.s.Clock.Now()
	cutoff := now.Add(-minDurationHash)
	colls, err := h.s.Repo.Collections()
	if err != nil {
		log.Println("hasher:", err)
		return "", ""
	}
	var bestColl, bestAU string
	var bestTime time.Time
	h.m.Lock()
	defer h.m.Unlock()
	for _, coll := range colls {
		aus, err := h.s.Repo.AUs(coll)
		if err != nil {
			log.Println("hasher:", err)
			continue
		}
		for _, au := range aus {
			if t, ok := h.attempted[coll+"/"+au]; ok && now.Sub(t) < retryDurationHash {
				continue
			}
			var last time.Time
			st, err := h.s.Repo.AUState(coll, au)
			if err != nil {
				log.Println("hasher:", err)
				continue
			}
			if st != nil {
				last = st.LastHash
			}
			if !last.Before(cutoff) {
				continue
			}
			if bestAU == "" || last.Before(bestTime) {
				bestColl, bestAU, bestTime = coll, au, last
			}
		}
	}
	return bestColl, bestAU
}

// hashAU hashes one AU and records how long it took.
func (h *hasher) hashAU(coll, au string) {
	s := h.s
	name := coll + "/" + au
	h.m.Lock()
	h.current = name
	h.attempted[name] = s.Clock.Now()
	h.m.Unlock()
	defer func() {
		h.m.Lock()
		h.current = ""
		h.m.Unlock()
	}()

	set := cachedurl.NewSet(s.Repo, s.Resolver, coll, au, cachedurl.AUSpec())
	set.Clock = s.Clock
	estimate, err := set.EstimatedHashDuration()
	if err != nil {
		log.Printf("hasher %s: %s", name, err)
		return
	}
	alg := s.Repo.Algorithm
	if alg == "" {
		alg = digest.SHA256
	}
	start := s.Clock.Now()
	err = hashWalk(set, cachedurl.Options{}, alg, h.rate.Wrap, s.Clock, start.Add(estimate), func(r hashResult) {
		if r.Err == nil {
			return
		}
		if errors.Is(r.Err, util.ErrDigestMismatch) {
			h.m.Lock()
			h.mismatches++
			h.m.Unlock()
			stats.BumpSum(s.Stats, "hasher.mismatch", 1)
		}
		log.Printf("hasher %s: %s: %s", name, r.URL, r.Err)
		raven.CaptureError(r.Err, map[string]string{"url": r.URL, "au": au})
	})
	elapsed := s.Clock.Now().Sub(start)
	if err2 := set.StoreActualHashDuration(elapsed, err); err2 != nil {
		log.Printf("hasher %s: saving duration: %s", name, err2)
	}
	h.m.Lock()
	defer h.m.Unlock()
	switch {
	case err == nil:
		h.hashed++
		delete(h.attempted, name)
		stats.BumpSum(s.Stats, "hasher.hashed", 1)
	case errors.Is(err, cachedurl.ErrHashTimeout):
		h.timeouts++
		stats.BumpSum(s.Stats, "hasher.timeout", 1)
		log.Printf("hasher %s: timed out after %s (estimate %s)", name, elapsed, estimate)
	default:
		log.Printf("hasher %s: %s", name, err)
	}
}

func (h *hasher) status() HasherStatus {
	h.m.Lock()
	defer h.m.Unlock()
	return HasherStatus{
		Enabled:    h.enabled,
		Current:    h.current,
		Hashed:     h.hashed,
		Mismatches: h.mismatches,
		Timeouts:   h.timeouts,
	}
}

// SetHasherHandler handles requests to PUT /admin/hasher/:status
func (s *RESTServer) SetHasherHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	if s.hasher == nil {
		writeError(w, 409, errors.New("hasher is not running"))
		return
	}
	switch status := ps.ByName("status"); status {
	case "on":
		log.Println("Enabling hasher")
		s.hasher.setEnabled(true)
		w.WriteHeader(201)
	case "off":
		log.Println("Disabling hasher")
		s.hasher.setEnabled(false)
		w.WriteHeader(201)
	default:
		log.Println("PUT /admin/hasher: unknown parameter", status)
		writeError(w, 400, errUnknownHashing)
	}
}

// GetHasherHandler handles requests to GET /admin/hasher
func (s *RESTServer) GetHasherHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	if s.hasher == nil {
		fmt.Fprintln(w, "Off")
		return
	}
	writeJSON(w, 200, s.hasher.status())
}
