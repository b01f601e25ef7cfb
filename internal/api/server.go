// Package api exposes the federated registry's HTTP surface: health,
// reading self's public services, and reading/writing a peer's public
// services (spec §4.6).
package api

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/federator/federator/internal/registry"
)

// Server is the HTTP registry API. Every handler replies 200 OK regardless
// of logical outcome; the body distinguishes success from failure. This is
// a deliberate simplification carried over from spec §4.6/§9 — the client
// is another instance of this system and only logs the body, it does not
// branch on status code.
type Server struct {
	store *registry.Store
	log   *slog.Logger
	mux   *http.ServeMux
}

// New builds the Server and registers its routes.
func New(store *registry.Store, log *slog.Logger) *Server {
	s := &Server{store: store, log: log, mux: http.NewServeMux()}

	s.mux.HandleFunc("GET /health", s.handleHealth)
	// The {hostname} path segment can itself be a URL (self-registration
	// passes "http://gamma:3000" as the segment, spec §8 scenario 4), so a
	// single-segment Go 1.22 wildcard isn't enough — match everything after
	// /api/ with a trailing wildcard and split off "/services" ourselves.
	// ServeMux would still clean "//" out of such a path and redirect, so
	// ServeHTTP dispatches GET and PUT under /api/ on the raw path itself.
	s.mux.HandleFunc("GET /api/{rest...}", s.handleGet)
	s.mux.HandleFunc("PUT /api/{rest...}", s.handlePut)

	return s
}

// ServeHTTP implements http.Handler. GET and PUT under /api/ are dispatched
// on the uncleaned path so a URL-valued hostname segment survives intact;
// everything else goes through the internal mux.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if rest, ok := strings.CutPrefix(r.URL.Path, "/api/"); ok {
		switch r.Method {
		case http.MethodGet:
			r.SetPathValue("rest", rest)
			s.handleGet(w, r)
			return
		case http.MethodPut:
			r.SetPathValue("rest", rest)
			s.handlePut(w, r)
			return
		}
	}
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "OK")
}

// hostnameFromPath splits "{hostname}/services" out of the wildcard match,
// reporting false if the path doesn't end in "/services".
func hostnameFromPath(rest string) (string, bool) {
	hostname, ok := strings.CutSuffix(rest, "/services")
	if !ok || hostname == "" {
		return "", false
	}
	return hostname, true
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	hostname, ok := hostnameFromPath(r.PathValue("rest"))
	if !ok {
		http.NotFound(w, r)
		return
	}

	if hostname == "self" {
		writeJSON(w, s.store.Self().PublicServices())
		return
	}

	peer, ok := s.store.Find(hostname)
	if !ok {
		// Literal body "null", 200 OK — implemented as specified (spec §4.6,
		// §9: a reimplementation MAY return 404, clients are tolerant).
		writeText(w, "null")
		return
	}
	writeJSON(w, peer.PublicServices())
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	hostname, ok := hostnameFromPath(r.PathValue("rest"))
	if !ok {
		http.NotFound(w, r)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		s.log.Error("failed to read PUT body", "hostname", hostname, "error", err)
		writeText(w, "Invalid services")
		return
	}

	if peer, ok := s.store.Find(hostname); ok {
		var services []string
		if err := json.Unmarshal(body, &services); err != nil {
			s.log.Warn("rejected malformed services payload", "hostname", hostname, "error", err)
			writeText(w, "Invalid services")
			return
		}
		peer.ReplacePublic(services)
		s.log.Info("accepted pushed services from peer", "hostname", hostname, "services", services)
		writeText(w, "Success")
		return
	}

	// Unknown hostname: interpret it as a self-registration attempt — if it
	// parses as a peer URL, append a new peer; its public set is taken from
	// the body when the body decodes as a JSON array, and is otherwise left
	// empty (spec §4.6, §7).
	newPeer, err := registry.Parse(hostname)
	if err != nil {
		s.log.Warn("rejected self-registration with invalid url", "hostname", hostname, "error", err)
		writeText(w, "Invalid registry")
		return
	}
	s.store.AddPeer(newPeer)

	var services []string
	if err := json.Unmarshal(body, &services); err == nil {
		newPeer.ReplacePublic(services)
	}

	s.log.Info("registered new peer via self-registration", "hostname", newPeer.Hostname(), "url", newPeer.URL())
	writeText(w, "Success")
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(v)
}

func writeText(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, body)
}
