package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/hashicorp/go-multierror"

	"Conclave/internal/event"
	"Conclave/internal/group"
	"Conclave/internal/kerr"
	"Conclave/internal/opmon"
)

// proposeBody is a member's exchange message for its group.
type proposeBody struct {
	Exn        map[string]any `json:"exn" validate:"required"`
	Sigs       []string       `json:"sigs" validate:"required,min=1"`
	Embedded   []string       `json:"embedded,omitempty"`
	Recipients []string       `json:"recipients,omitempty"`
}

// proposalView is the answer to a proposal. Warnings name the members that
// could not be reached.
type proposalView struct {
	Exn       *event.Event     `json:"exn"`
	Seal      event.Seal       `json:"seal"`
	Operation *opmon.Operation `json:"operation,omitempty"`
	Warnings  []string         `json:"warnings,omitempty"`
}

// handlePropose handles POST /identifiers/{name}/multisig/request.
func (s *Server) handlePropose(w http.ResponseWriter, r *http.Request) {
	var body proposeBody
	if err := decode(r, &body); err != nil {
		writeFailure(w, r, err)
		return
	}

	if err := s.cfg.Validator.Struct(&body); err != nil {
		writeFailure(w, r, err)
		return
	}

	exn, err := event.FromMap(body.Exn)
	if err != nil {
		writeFailure(w, r, kerr.Malformed("exn", "%v", err))
		return
	}

	p, err := s.cfg.Groups.Propose(r.Context(), group.ProposeRequest{
		Alias:      mux.Vars(r)["name"],
		Exn:        exn,
		Sigs:       body.Sigs,
		Embedded:   body.Embedded,
		Recipients: body.Recipients,
	})
	if err != nil {
		writeFailure(w, r, err)
		return
	}

	view := proposalView{Exn: p.Exn, Seal: p.Seal, Operation: p.Operation}

	if merr, ok := p.Warnings.(*multierror.Error); ok {
		for _, e := range merr.Errors {
			view.Warnings = append(view.Warnings, e.Error())
		}
	} else if p.Warnings != nil {
		view.Warnings = []string{p.Warnings.Error()}
	}

	writeJSON(w, http.StatusOK, view)
}

// handleJoin handles GET /multisig/request/{said} requests.
func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request) {
	joined, err := s.cfg.Groups.Join(mux.Vars(r)["said"])
	if err != nil {
		writeFailure(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, joined)
}
