package server

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/julienschmidt/httprouter"
	"github.com/pkg/errors"

	"github.com/ndlib/arcrepo/locate"
)

// LocateHandler handles requests to GET /url?u=<url>. It returns the AU and
// stored artifact holding the url.
func (s *RESTServer) LocateHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	u := r.FormValue("u")
	if u == "" {
		writeError(w, 400, errors.New("missing u parameter"))
		return
	}
	loc, ok := s.Locator.Locate(u)
	if !ok {
		writeError(w, 404, errors.Errorf("no AU collects %s", u))
		return
	}
	writeJSON(w, 200, loc)
}

// ListAUConfigHandler handles requests to GET /admin/au
func (s *RESTServer) ListAUConfigHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	list := s.Locator.AUs()
	if list == nil {
		list = []locate.AU{}
	}
	writeJSON(w, 200, list)
}

// SetAUConfigHandler handles requests to PUT /admin/au/:au. The body is the
// JSON AU configuration. Cached lookups for the AU are dropped.
func (s *RESTServer) SetAUConfigHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	var au locate.AU
	err := json.NewDecoder(r.Body).Decode(&au)
	if err != nil {
		writeError(w, 400, errors.Wrap(err, "decoding AU configuration"))
		return
	}
	au.AUID = ps.ByName("au")
	if au.Collection == "" || len(au.Stems) == 0 {
		writeError(w, 400, errors.New("AU configuration needs a Collection and Stems"))
		return
	}
	log.Printf("Configuring AU %s by %s", au.AUID, ps.ByName("username"))
	s.Locator.Configure(au)
	w.WriteHeader(204)
}
