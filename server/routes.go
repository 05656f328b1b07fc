package server

import (
	"encoding/json"
	"expvar"
	"fmt"
	"log"
	"net/http"

	"github.com/julienschmidt/httprouter"
)

func (s *RESTServer) addRoutes() http.Handler {
	var routes = []struct {
		method  string
		route   string
		role    Role // RoleUnknown means no API key is needed to access
		handler httprouter.Handle
	}{
		{"GET", "/collection", RoleMetadata, s.CollectionsHandler},
		{"GET", "/collection/:coll/au", RoleMetadata, s.AUsHandler},
		{"GET", "/collection/:coll/au/:au/artifact", RoleMetadata, s.ArtifactsHandler},
		{"GET", "/collection/:coll/au/:au/versions", RoleMetadata, s.VersionsHandler},
		{"HEAD", "/collection/:coll/au/:au/content", RoleMetadata, s.ContentHandler},
		{"GET", "/collection/:coll/au/:au/content", RoleRead, s.ContentHandler},
		{"GET", "/collection/:coll/au/:au/hash", RoleRead, s.HashHandler},
		{"GET", "/collection/:coll/au/:au/bag", RoleRead, s.BagHandler},

		{"POST", "/collection/:coll/au/:au/content", RoleWrite, s.IngestHandler},
		{"POST", "/collection/:coll/au/:au/commit", RoleWrite, s.CommitHandler},
		{"DELETE", "/collection/:coll/au/:au/content", RoleWrite, s.DeleteHandler},

		{"GET", "/url", RoleMetadata, s.LocateHandler},

		// admin
		{"GET", "/admin/au", RoleAdmin, s.ListAUConfigHandler},
		{"PUT", "/admin/au/:au", RoleAdmin, s.SetAUConfigHandler},
		{"GET", "/admin/hasher", RoleUnknown, s.GetHasherHandler},
		{"PUT", "/admin/hasher/:status", RoleAdmin, s.SetHasherHandler},

		// other
		{"GET", "/", RoleUnknown, WelcomeHandler},
		{"GET", "/debug/vars", RoleUnknown, VarHandler}, // standard route for expvars data
	}

	r := httprouter.New()
	for _, route := range routes {
		r.Handle(route.method,
			route.route,
			logWrapper(s.authzWrapper(route.handler, route.role)))
	}
	return r
}

// VarHandler adapts the expvar default handler to the httprouter three parameter handler.
func VarHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	// this code is taken from the stdlib expvar package.
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	fmt.Fprintf(w, "{\n")
	first := true
	expvar.Do(func(kv expvar.KeyValue) {
		if !first {
			fmt.Fprintf(w, ",\n")
		}
		first = false
		fmt.Fprintf(w, "%q: %s", kv.Key, kv.Value)
	})
	fmt.Fprintf(w, "\n}\n")
}

// writeJSON writes val as the JSON response body.
func writeJSON(w http.ResponseWriter, status int, val interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	err := json.NewEncoder(w).Encode(val)
	if err != nil {
		log.Println("writing response:", err)
	}
}

// writeError writes a plain text error response.
func writeError(w http.ResponseWriter, status int, err error) {
	w.WriteHeader(status)
	fmt.Fprintln(w, err.Error())
}

// authzWrapper returns a Handler which will first verify the user token as
// having at least the given Role. The user name is added as a parameter
// "username".
func (s *RESTServer) authzWrapper(handler httprouter.Handle, leastRole Role) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		token := r.Header.Get("X-Api-Key")
		user, role, err := s.Validator.TokenValid(token)
		if err != nil {
			w.WriteHeader(500)
			fmt.Fprintln(w, err.Error())
			return
		}

		// is role valid?
		if role < leastRole {
			w.WriteHeader(401)
			fmt.Fprintln(w, "Forbidden")
			return
		}

		// replace any username given in the route
		for i := range ps {
			if ps[i].Key == "username" {
				ps[i].Value = user
				handler(w, r, ps)
				return
			}
		}
		ps = append(ps, httprouter.Param{Key: "username", Value: user})
		handler(w, r, ps)
	}
}

// logWrapper takes a handler and returns a handler which does the same thing,
// after first logging the request URL.
func logWrapper(handler httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		log.Println(r.Method, r.URL)
		handler(w, r, ps)
	}
}
