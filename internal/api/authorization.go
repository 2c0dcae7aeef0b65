package api

import (
	"net/http"

	"Conclave/internal/event"
	"Conclave/internal/kerr"
	"Conclave/internal/opmon"
	"Conclave/internal/witness"
)

// handleReceipt handles POST /receipts, a witness receipt delivered out
// of band.
func (s *Server) handleReceipt(w http.ResponseWriter, r *http.Request) {
	var rc witness.Receipt
	if err := decode(r, &rc); err != nil {
		writeFailure(w, r, err)
		return
	}

	if err := s.cfg.Validator.Struct(&rc); err != nil {
		writeFailure(w, r, err)
		return
	}

	op, err := s.cfg.Receipter.Receipt(r.Context(), rc)
	if err != nil {
		writeFailure(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, op)
}

// anchorBody carries a delegator event that may anchor delegated events.
type anchorBody struct {
	Event map[string]any `json:"event" validate:"required"`
}

// handleAnchor handles POST /anchors and answers the delegation
// operations the event finished.
func (s *Server) handleAnchor(w http.ResponseWriter, r *http.Request) {
	var body anchorBody
	if err := decode(r, &body); err != nil {
		writeFailure(w, r, err)
		return
	}

	if err := s.cfg.Validator.Struct(&body); err != nil {
		writeFailure(w, r, err)
		return
	}

	ev, err := event.FromMap(body.Event)
	if err != nil {
		writeFailure(w, r, kerr.Malformed("event", "%v", err))
		return
	}

	ops, err := s.cfg.Approver.Anchor(r.Context(), ev)
	if err != nil {
		writeFailure(w, r, err)
		return
	}

	if ops == nil {
		ops = []*opmon.Operation{}
	}

	writeJSON(w, http.StatusOK, ops)
}

// rejectBody refuses the delegation of one event.
type rejectBody struct {
	Prefix string `json:"i" validate:"required"`
	Sn     uint64 `json:"s"`
	Reason string `json:"reason"`
}

// handleReject handles POST /anchors/reject, failing the delegation
// operation of the named event.
func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	var body rejectBody
	if err := decode(r, &body); err != nil {
		writeFailure(w, r, err)
		return
	}

	if err := s.cfg.Validator.Struct(&body); err != nil {
		writeFailure(w, r, err)
		return
	}

	op, err := s.cfg.Approver.Reject(body.Prefix, body.Sn, body.Reason)
	if err != nil {
		writeFailure(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, op)
}
