package server

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// APIServer provides the HTTP admin endpoints.
type APIServer struct {
	srv    *Server
	server *http.Server
	logger *log.Logger
}

// NewAPIServer creates a new HTTP API server.
func NewAPIServer(srv *Server, addr string, logger *log.Logger) *APIServer {
	api := &APIServer{
		srv:    srv,
		logger: logger,
	}

	router := mux.NewRouter()

	// API endpoints
	router.HandleFunc("/api/status", api.handleStatus).Methods(http.MethodGet)
	router.HandleFunc("/api/sessions", api.handleSessions).Methods(http.MethodGet)
	router.HandleFunc("/api/sessions/{id}/kill", api.handleKill).Methods(http.MethodPost)
	router.HandleFunc("/api/history", api.handleHistory).Methods(http.MethodGet)
	router.HandleFunc("/api/policy", api.handlePolicy).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.HandlerFor(srv.Registry(), promhttp.HandlerOpts{})).Methods(http.MethodGet)

	api.server = &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	return api
}

// Handler returns the router serving the API.
func (api *APIServer) Handler() http.Handler {
	return api.server.Handler
}

// ListenAndServe starts the HTTP API server.
func (api *APIServer) ListenAndServe() error {
	api.logger.Printf("HTTP API listening on %s", api.server.Addr)
	return api.server.ListenAndServe()
}

// Shutdown closes the API server.
func (api *APIServer) Shutdown() error {
	return api.server.Close()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// handleStatus returns the current server status.
func (api *APIServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, api.srv.Status())
}

// handleSessions lists the connected sessions.
func (api *APIServer) handleSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, api.srv.Sessions().List())
}

// handleKill disconnects one session.
func (api *APIServer) handleKill(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if !api.srv.Sessions().Kill(id) {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"status": "not_found",
			"id":     id,
		})
		return
	}

	api.logger.Printf("session %s killed via API", id)
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "killed",
		"id":     id,
	})
}

// handleHistory returns the command audit log.
func (api *APIServer) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	entries, err := ReadAuditLog(api.srv.audit.Path(), limit)
	if err != nil {
		api.logger.Printf("read audit log error: %v", err)
		http.Error(w, fmt.Sprintf("Failed to read audit log: %v", err), http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []AuditEntry{}
	}

	writeJSON(w, http.StatusOK, entries)
}

// handlePolicy returns the policy in force.
func (api *APIServer) handlePolicy(w http.ResponseWriter, r *http.Request) {
	policy := api.srv.Policy()
	writeJSON(w, http.StatusOK, struct {
		PolicyConfig
		Verbs []VerbPolicy `json:"verbs"`
	}{policy.Config(), policy.Effective(policyVerbs())})
}
