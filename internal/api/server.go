// Package api is the HTTP boundary of the agent. Handlers parse and check
// requests, call the coordination components and answer either the final
// event (200) or the operation to poll (202).
package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"Conclave/internal/delegation"
	"Conclave/internal/group"
	"Conclave/internal/kel"
	"Conclave/internal/kerr"
	"Conclave/internal/lifecycle"
	"Conclave/internal/logger"
	"Conclave/internal/metrics"
	"Conclave/internal/opmon"
	"Conclave/internal/validate"
	"Conclave/internal/witness"
)

const (
	// maxBodySize is the maximum request body size in bytes.
	maxBodySize = 1 << 20 // 1 MB
)

// Config holds the components the server routes to.
type Config struct {
	Addr      string                 // Addr is the HTTP listen address
	Registry  *kel.Registry          // Registry resolves identifiers
	Lifecycle *lifecycle.Coordinator // Lifecycle runs inception, rotation and interaction
	Groups    *group.Engine          // Groups proposes and joins group conversations
	Monitor   *opmon.Monitor         // Monitor serves operations
	Receipter *witness.Receipter     // Receipter takes witness receipts
	Approver  *delegation.Approver   // Approver takes delegator anchors
	Requests  *delegation.Requests   // Requests lists delegation requests, may be nil
	Validator *validate.Validator    // Validator checks bundles
	Metrics   *metrics.Collector     // Metrics instruments requests, may be nil
}

// Server is the HTTP API server.
type Server struct {
	cfg    Config       // cfg holds the routed components
	server *http.Server // server is the underlying HTTP server
}

// New creates a new HTTP API server.
func New(cfg Config) *Server {
	if cfg.Validator == nil {
		cfg.Validator = validate.New(cfg.Registry)
	}

	return &Server{cfg: cfg}
}

// Handler returns the routed and instrumented handler.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	r.HandleFunc("/identifiers", s.handleIncept).Methods(http.MethodPost)
	r.HandleFunc("/identifiers", s.handleListIdentifiers).Methods(http.MethodGet)
	r.HandleFunc("/identifiers/{name}", s.handleGetIdentifier).Methods(http.MethodGet)
	r.HandleFunc("/identifiers/{name}", s.handleUpdate).Methods(http.MethodPut)
	r.HandleFunc("/identifiers/{name}", s.handleRemove).Methods(http.MethodDelete)
	r.HandleFunc("/identifiers/{name}/multisig/request", s.handlePropose).Methods(http.MethodPost)
	r.HandleFunc("/identifiers/{name}/delegations", s.handleDelegations).Methods(http.MethodGet)

	r.HandleFunc("/multisig/request/{said}", s.handleJoin).Methods(http.MethodGet)

	r.HandleFunc("/operations", s.handleListOperations).Methods(http.MethodGet)
	r.HandleFunc("/operations/{name}", s.handleGetOperation).Methods(http.MethodGet)
	r.HandleFunc("/operations/{name}", s.handleRemoveOperation).Methods(http.MethodDelete)

	r.HandleFunc("/receipts", s.handleReceipt).Methods(http.MethodPost)
	r.HandleFunc("/anchors", s.handleAnchor).Methods(http.MethodPost)
	r.HandleFunc("/anchors/reject", s.handleReject).Methods(http.MethodPost)

	if s.cfg.Metrics == nil {
		return r
	}

	r.Handle("/metrics", s.cfg.Metrics.Handler()).Methods(http.MethodGet)

	return s.cfg.Metrics.Instrument(r)
}

// Start starts the HTTP server in a goroutine.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("http api started", "addr", s.cfg.Addr)

		if err := s.server.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("http server error", "error", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

// handleHealth handles GET /health requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// readBody reads a size-limited request body.
func readBody(r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize+1))
	if err != nil {
		return nil, kerr.Malformed("", "failed to read body")
	}

	if len(body) > maxBodySize {
		return nil, kerr.Malformed("", "body exceeds %d bytes", maxBodySize)
	}

	if len(body) == 0 {
		return nil, kerr.Malformed("", "empty body")
	}

	return body, nil
}

// decode reads the body into v.
func decode(r *http.Request, v any) error {
	body, err := readBody(r)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(body, v); err != nil {
		return kerr.Malformed("", "invalid json: %v", err)
	}

	return nil
}

// writeResult answers 200 with the event when final and 202 with the
// operation otherwise.
func writeResult(w http.ResponseWriter, res *lifecycle.Result) {
	if res.Final() {
		writeJSON(w, http.StatusOK, res.Event)
		return
	}

	writeJSON(w, http.StatusAccepted, res.Operation)
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeFailure maps err to its status and writes the error body. Server
// errors are logged since the client sees only the message.
func writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	status := kerr.Status(err)

	if status == http.StatusInternalServerError {
		logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}

	body := map[string]string{"error": err.Error()}

	if field := kerr.FieldOf(err); field != "" {
		body["field"] = field
	}

	writeJSON(w, status, body)
}
