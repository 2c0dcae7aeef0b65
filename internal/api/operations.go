package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"Conclave/internal/kerr"
	"Conclave/internal/opmon"
)

// handleListOperations handles GET /operations, optionally filtered by
// ?type=group|witness|delegation.
func (s *Server) handleListOperations(w http.ResponseWriter, r *http.Request) {
	kind := opmon.Kind(r.URL.Query().Get("type"))
	if kind != "" && !kind.Valid() {
		writeFailure(w, r, kerr.Malformed("type", "unknown operation kind %q", kind))
		return
	}

	ops, err := s.cfg.Monitor.List(kind)
	if err != nil {
		writeFailure(w, r, err)
		return
	}

	if ops == nil {
		ops = []*opmon.Operation{}
	}

	writeJSON(w, http.StatusOK, ops)
}

// handleGetOperation handles GET /operations/{name} requests.
func (s *Server) handleGetOperation(w http.ResponseWriter, r *http.Request) {
	op, err := s.cfg.Monitor.GetByName(mux.Vars(r)["name"])
	if err != nil {
		writeFailure(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, op)
}

// handleRemoveOperation handles DELETE /operations/{name} requests.
func (s *Server) handleRemoveOperation(w http.ResponseWriter, r *http.Request) {
	key, err := opmon.ParseName(mux.Vars(r)["name"])
	if err != nil {
		writeFailure(w, r, kerr.NotFound("%v", err))
		return
	}

	if err := s.cfg.Monitor.Remove(key); err != nil {
		writeFailure(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
