package api

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"Conclave/internal/event"
	"Conclave/internal/kel"
	"Conclave/internal/kerr"
	"Conclave/internal/lifecycle"
	"Conclave/internal/validate"
)

// inceptHead carries the fields that select the inception path.
type inceptHead struct {
	Name      string          `json:"name"`
	MemberHab json.RawMessage `json:"memberHab"`
}

// handleIncept handles POST /identifiers. A body naming a memberHab incepts
// a group through the local member.
func (s *Server) handleIncept(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		writeFailure(w, r, err)
		return
	}

	var head inceptHead
	if err := json.Unmarshal(body, &head); err != nil {
		writeFailure(w, r, kerr.Malformed("", "invalid json: %v", err))
		return
	}

	if head.Name == "" {
		writeFailure(w, r, kerr.Missing("name"))
		return
	}

	req, err := s.inceptRequest(head, body)
	if err != nil {
		writeFailure(w, r, err)
		return
	}

	res, err := s.cfg.Lifecycle.Incept(r.Context(), req)
	if err != nil {
		writeFailure(w, r, err)
		return
	}

	writeResult(w, res)
}

// inceptRequest parses the single or group inception bundle of body.
func (s *Server) inceptRequest(head inceptHead, body []byte) (lifecycle.InceptRequest, error) {
	req := lifecycle.InceptRequest{Name: head.Name}

	if len(head.MemberHab) == 0 {
		var b validate.Bundle
		if err := json.Unmarshal(body, &b); err != nil {
			return req, kerr.Malformed("", "invalid json: %v", err)
		}

		ev, _, err := s.cfg.Validator.Parse(&b)
		if err != nil {
			return req, err
		}

		if !ev.Ilk().Inceptive() {
			return req, kerr.Malformed("event", "inception required, got %q", ev.Ilk())
		}

		req.Event, req.Sigs = ev, b.Signatures

		return req, nil
	}

	var g validate.GroupBundle
	if err := json.Unmarshal(body, &g); err != nil {
		return req, kerr.Malformed("", "invalid json: %v", err)
	}

	member, ev, err := s.cfg.Validator.Group(&g)
	if err != nil {
		return req, err
	}

	if !ev.Ilk().Inceptive() {
		return req, kerr.Malformed("event", "inception required, got %q", ev.Ilk())
	}

	req.Event, req.Sigs = ev, g.Signatures
	req.Group = &kel.Group{
		Member:          member.Name,
		MemberPrefix:    member.Prefix,
		SigningMembers:  g.SigningMemberIDs,
		RotationMembers: g.RotationMemberIDs,
	}

	return req, nil
}

// handleListIdentifiers handles GET /identifiers requests.
func (s *Server) handleListIdentifiers(w http.ResponseWriter, r *http.Request) {
	habs, err := s.cfg.Registry.List()
	if err != nil {
		writeFailure(w, r, err)
		return
	}

	if habs == nil {
		habs = []*kel.Hab{}
	}

	writeJSON(w, http.StatusOK, habs)
}

// handleGetIdentifier handles GET /identifiers/{name} requests.
func (s *Server) handleGetIdentifier(w http.ResponseWriter, r *http.Request) {
	hab, err := s.cfg.Registry.ResolveByAlias(mux.Vars(r)["name"])
	if err != nil {
		writeFailure(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, hab)
}

// handleUpdate handles PUT /identifiers/{name}?type=rot|ixn. Without a
// type the event's own ilk decides.
func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	var b validate.Bundle
	if err := decode(r, &b); err != nil {
		writeFailure(w, r, err)
		return
	}

	_, ev, err := s.cfg.Validator.Local(name, &b)
	if err != nil {
		writeFailure(w, r, err)
		return
	}

	kind := r.URL.Query().Get("type")
	if kind == "" {
		kind = "ixn"
		if ev.Ilk().Establishment() {
			kind = "rot"
		}
	}

	var res *lifecycle.Result

	switch kind {
	case "rot":
		res, err = s.cfg.Lifecycle.Rotate(r.Context(), name, ev, b.Signatures)
	case "ixn":
		res, err = s.cfg.Lifecycle.Interact(r.Context(), name, ev, b.Signatures)
	default:
		err = kerr.Malformed("type", "unknown update type %q", kind)
	}

	if err != nil {
		writeFailure(w, r, err)
		return
	}

	writeResult(w, res)
}

// handleRemove handles DELETE /identifiers/{name} requests.
func (s *Server) handleRemove(w http.ResponseWriter, r *http.Request) {
	if _, err := s.cfg.Lifecycle.Remove(mux.Vars(r)["name"]); err != nil {
		writeFailure(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// delegationView is a delegation request as served to the delegator.
type delegationView struct {
	Delegate string       `json:"delegate"`
	Sn       uint64       `json:"sn"`
	Said     string       `json:"said"`
	Event    *event.Event `json:"event"`
	Sigs     []string     `json:"sigs"`
}

// handleDelegations handles GET /identifiers/{name}/delegations, the
// delegated events waiting for the identifier's anchor.
func (s *Server) handleDelegations(w http.ResponseWriter, r *http.Request) {
	hab, err := s.cfg.Registry.ResolveByAlias(mux.Vars(r)["name"])
	if err != nil {
		writeFailure(w, r, err)
		return
	}

	views := []delegationView{}

	if s.cfg.Requests != nil {
		reqs, err := s.cfg.Requests.List(hab.Prefix)
		if err != nil {
			writeFailure(w, r, err)
			return
		}

		for _, req := range reqs {
			ev, err := req.Event()
			if err != nil {
				writeFailure(w, r, err)
				return
			}

			views = append(views, delegationView{Delegate: req.Delegate, Sn: req.Sn, Said: req.Said, Event: ev, Sigs: req.Sigs})
		}
	}

	writeJSON(w, http.StatusOK, views)
}
