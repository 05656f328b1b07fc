package server

import (
	"log"
	"net/http"

	"github.com/julienschmidt/httprouter"

	"github.com/ndlib/arcrepo/bagit"
)

// BagHandler handles requests to GET /collection/:coll/au/:au/bag. It
// streams the latest committed version of every URI in the AU as a BagIt
// zip file.
func (s *RESTServer) BagHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	coll, au := ps.ByName("coll"), ps.ByName("au")
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", `attachment; filename="`+coll+"-"+au+`.zip"`)
	n, err := bagit.WriteAU(w, s.Repo, coll, au)
	if err != nil {
		// the status line is gone, so the zip is left truncated
		log.Printf("bag %s/%s: after %d artifacts: %s", coll, au, n, err)
	}
}
