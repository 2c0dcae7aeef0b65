// Package validate checks submitted event and signature bundles before any
// state is touched. It parses structure only; signatures are verified by
// the key event log on ingestion.
package validate

import (
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"Conclave/internal/event"
	"Conclave/internal/kel"
	"Conclave/internal/kerr"
)

// Bundle is an event with the signatures of its author.
type Bundle struct {
	Event      map[string]any `json:"event" validate:"required"`
	Signatures []string       `json:"signatures" validate:"required,min=1"`
}

// MemberHab names the local member identifier acting for a group.
type MemberHab struct {
	Name   string `json:"name" validate:"required"`
	Prefix string `json:"prefix,omitempty"`
}

// GroupBundle is a bundle submitted by one member of a group.
type GroupBundle struct {
	Bundle
	MemberHab         *MemberHab `json:"memberHab" validate:"required"`
	MemberKeys        []string   `json:"memberKeys" validate:"required"`
	MemberNextDigests []string   `json:"memberNextDigests" validate:"required"`
	SigningMemberIDs  []string   `json:"signingMemberIds" validate:"required,min=1"`
	RotationMemberIDs []string   `json:"rotationMemberIds" validate:"required"`
}

// Validator checks bundles against the local identifiers.
type Validator struct {
	kel *kel.Registry       // kel resolves local identifiers
	v   *validator.Validate // v runs struct tag rules
}

// New creates a validator resolving identifiers through reg.
func New(reg *kel.Registry) *Validator {
	v := validator.New()

	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}

		return name
	})

	return &Validator{kel: reg, v: v}
}

// Struct runs the tag rules of a request struct, reporting the first
// failing field by its wire name.
func (v *Validator) Struct(req any) error {
	err := v.v.Struct(req)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return kerr.Malformed("", "%v", err)
	}

	first := verrs[0]

	if first.Tag() == "required" {
		return kerr.Missing(first.Field())
	}

	return kerr.Malformed(first.Field(), "failed %q rule", first.Tag())
}

// Parse checks a bundle and returns its event and parsed signatures.
func (v *Validator) Parse(b *Bundle) (*event.Event, []event.Signature, error) {
	if err := v.Struct(b); err != nil {
		return nil, nil, err
	}

	ev, err := event.FromMap(b.Event)
	if err != nil {
		return nil, nil, kerr.Malformed("event", "%v", err)
	}

	if !ev.Ilk().KeyEvent() {
		return nil, nil, kerr.Malformed("event", "ilk %q is not a key event", ev.Ilk())
	}

	if ev.Prefix() == "" {
		return nil, nil, kerr.Malformed("event", "missing prefix")
	}

	if _, err := ev.Sn(); err != nil {
		return nil, nil, kerr.Malformed("event", "%v", err)
	}

	sigs := make([]event.Signature, len(b.Signatures))

	for i, s := range b.Signatures {
		sig, err := event.ParseSignature(s)
		if err != nil {
			return nil, nil, kerr.Malformed("signatures", "signature %d: %v", i, err)
		}

		sigs[i] = sig
	}

	if ev.Ilk().Establishment() {
		if err := event.CheckIndices(sigs, len(ev.Keys())); err != nil {
			return nil, nil, kerr.Malformed("signatures", "%v", err)
		}
	}

	return ev, sigs, nil
}

// Local checks a bundle for an existing local identifier and that the
// event belongs to it.
func (v *Validator) Local(alias string, b *Bundle) (*kel.Hab, *event.Event, error) {
	ev, sigs, err := v.Parse(b)
	if err != nil {
		return nil, nil, err
	}

	hab, err := v.kel.ResolveByAlias(alias)
	if err != nil {
		return nil, nil, err
	}

	if ev.Prefix() != hab.Prefix {
		return nil, nil, kerr.Malformed("event", "prefix %s does not belong to %q", ev.Prefix(), alias)
	}

	if !ev.Ilk().Establishment() {
		if err := event.CheckIndices(sigs, len(hab.Keys)); err != nil {
			return nil, nil, kerr.Malformed("signatures", "%v", err)
		}
	}

	return hab, ev, nil
}

// Group checks a group member bundle. It returns the local member hab and
// the event. The member must be a declared participant whose current keys
// are the member keys of the bundle. For establishment events a signing
// member's key must be among the event keys and a rotation member's next
// digest among the event next digests. An inception must not target a
// prefix that already exists locally.
func (v *Validator) Group(g *GroupBundle) (*kel.Hab, *event.Event, error) {
	if err := v.Struct(g); err != nil {
		return nil, nil, err
	}

	ev, _, err := v.Parse(&g.Bundle)
	if err != nil {
		return nil, nil, err
	}

	mhab, err := v.kel.ResolveByAlias(g.MemberHab.Name)
	if err != nil {
		return nil, nil, err
	}

	if !contains(g.SigningMemberIDs, mhab.Prefix) && !contains(g.RotationMemberIDs, mhab.Prefix) {
		return nil, nil, kerr.Unauthorized("%s is not a participant of the group", mhab.Prefix)
	}

	if !overlaps(mhab.Keys, g.MemberKeys) {
		return nil, nil, kerr.Unauthorized("member keys are not the current keys of %s", mhab.Prefix)
	}

	if ev.Ilk().Establishment() {
		if contains(g.SigningMemberIDs, mhab.Prefix) && !overlaps(g.MemberKeys, ev.Keys()) {
			return nil, nil, kerr.Unauthorized("event keys hold no key of signing member %s", mhab.Prefix)
		}

		if contains(g.RotationMemberIDs, mhab.Prefix) && !overlaps(g.MemberNextDigests, ev.NextDigests()) {
			return nil, nil, kerr.Unauthorized("event next digests hold no digest of rotation member %s", mhab.Prefix)
		}
	}

	if ev.Ilk().Inceptive() {
		existing, err := v.kel.ResolveByPrefix(ev.Prefix())
		if err == nil {
			return nil, nil, kerr.Configuration("group %s already exists locally as %q", ev.Prefix(), existing.Name)
		}

		if !errors.Is(err, kerr.ErrNotFound) {
			return nil, nil, err
		}
	}

	return mhab, ev, nil
}

// contains reports whether list holds s.
func contains(list []string, s string) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}

	return false
}

// overlaps reports whether a and b share an element.
func overlaps(a, b []string) bool {
	for _, x := range a {
		if contains(b, x) {
			return true
		}
	}

	return false
}
