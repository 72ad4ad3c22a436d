// Package status implements the minimal status/health HTTP surface
// SPEC_FULL.md §6 and §10 name as a boundary interface: liveness,
// readiness, and storage-info only, deliberately not reintroducing the
// excluded REST artifact transport. Grounded on server/routes.go's
// RESTServer/addRoutes/httpdown lifecycle.
package status

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"

	"github.com/facebookgo/httpdown"
	"github.com/julienschmidt/httprouter"

	"github.com/ndlib/lockssrepo/repository"
)

// Server holds the configuration for the status HTTP surface. Set Repo and
// Addr and then call Run.
type Server struct {
	Repo *repository.Repository
	Addr string

	server httpdown.Server
}

// Run starts listening on Addr and blocks handling requests until Stop is
// called or the listener fails.
func (s *Server) Run() error {
	if s.Repo == nil {
		panic("status: no Repository given")
	}
	h := httpdown.HTTP{}
	var err error
	s.server, err = h.ListenAndServe(&http.Server{
		Addr:    s.Addr,
		Handler: s.addRoutes(),
	})
	if err != nil {
		return err
	}
	return s.server.Wait()
}

// Stop closes the listener and waits for in-flight requests to finish.
func (s *Server) Stop() error {
	return s.server.Stop()
}

func (s *Server) addRoutes() http.Handler {
	r := httprouter.New()
	r.GET("/", logWrapper(s.WelcomeHandler))
	r.GET("/healthz", logWrapper(s.LivenessHandler))
	r.GET("/readyz", logWrapper(s.ReadinessHandler))
	r.GET("/storage", logWrapper(s.StorageHandler))
	return r
}

// logWrapper logs the request URL before delegating, the same shape
// server/routes.go wraps every route in.
func logWrapper(handler httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		log.Println(r.Method, r.URL)
		handler(w, r, ps)
	}
}

// WelcomeHandler identifies this as the repository's status surface.
func (s *Server) WelcomeHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	fmt.Fprintln(w, "lockssrepo status surface")
}

// LivenessHandler always reports 200 once the process is up and serving
// HTTP at all; it does not check readiness.
func (s *Server) LivenessHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	w.WriteHeader(http.StatusOK)
}

// ReadinessHandler reports 200 once SPEC_FULL.md §5's readiness condition
// holds, 503 otherwise.
func (s *Server) ReadinessHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	if !s.Repo.IsReady() {
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprintln(w, "not ready")
		return
	}
	w.WriteHeader(http.StatusOK)
}

// StorageHandler reports aggregate capacity across every configured base
// path as JSON.
func (s *Server) StorageHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	info, err := s.Repo.StorageInfo()
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprintln(w, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	json.NewEncoder(w).Encode(info)
}
