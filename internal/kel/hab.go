package kel

import (
	"fmt"

	"Conclave/internal/event"
)

// Group describes a jointly controlled identifier from the local member's view.
type Group struct {
	Member          string   `json:"member"`          // Member is the alias of the local member hab
	MemberPrefix    string   `json:"memberPrefix"`    // MemberPrefix is the prefix of the local member hab
	SigningMembers  []string `json:"signingMembers"`  // SigningMembers are the prefixes allowed to sign
	RotationMembers []string `json:"rotationMembers"` // RotationMembers are the prefixes allowed in next rotations
}

// Participant reports whether prefix is among the signing or rotation members.
func (g *Group) Participant(prefix string) bool {
	for _, m := range g.SigningMembers {
		if m == prefix {
			return true
		}
	}

	for _, m := range g.RotationMembers {
		if m == prefix {
			return true
		}
	}

	return false
}

// Hab is a locally controlled identifier and its current key state.
// Group, witness and delegation attributes combine freely.
type Hab struct {
	Name             string     `json:"name"`              // Name is the unique local alias
	Prefix           string     `json:"prefix"`            // Prefix is the identifier
	Sn               uint64     `json:"sn"`                // Sn is the last accepted sequence number
	Said             string     `json:"said"`              // Said is the digest of the last accepted event
	Threshold        uint64     `json:"kt"`                // Threshold is the current signing threshold
	Keys             []string   `json:"keys"`              // Keys are the current signing keys
	NextDigests      []string   `json:"nextDigests"`       // NextDigests commit to the next keys
	Witnesses        []string   `json:"witnesses"`         // Witnesses is the current witness list
	WitnessThreshold uint64     `json:"bt"`                // WitnessThreshold is the receipt quorum
	Delegator        string     `json:"delegator"`         // Delegator is the delegating prefix, if any
	Group            *Group     `json:"group,omitempty"`   // Group is set for group identifiers
	LastEst          event.Seal `json:"lastEstablishment"` // LastEst references the last establishment event
	Accepted         bool       `json:"accepted"`          // Accepted is false until inception reaches quorum
}

// IsGroup reports whether the identifier is jointly controlled.
func (h *Hab) IsGroup() bool { return h.Group != nil }

// Delegated reports whether a delegator must approve establishment events.
func (h *Hab) Delegated() bool { return h.Delegator != "" }

// Witnessed reports whether events need witness receipts.
func (h *Hab) Witnessed() bool { return len(h.Witnesses) > 0 }

// ReceiptThreshold returns the number of distinct receipts that finalize
// an event: the witness threshold, at least one.
func (h *Hab) ReceiptThreshold() int {
	if h.WitnessThreshold == 0 {
		return 1
	}

	return int(h.WitnessThreshold)
}

// HasWitness reports whether prefix is in the current witness list.
func (h *Hab) HasWitness(prefix string) bool {
	for _, w := range h.Witnesses {
		if w == prefix {
			return true
		}
	}

	return false
}

// apply advances the key state with an accepted event.
func (h *Hab) apply(ev *event.Event, sn uint64) error {
	ilk := ev.Ilk()

	if ilk.Establishment() {
		kt, err := ev.SigningThreshold()
		if err != nil {
			return err
		}

		bt, err := ev.WitnessThreshold()
		if err != nil {
			return err
		}

		h.Threshold = kt
		h.Keys = ev.Keys()
		h.NextDigests = ev.NextDigests()
		h.WitnessThreshold = bt
		h.LastEst = event.Seal{Prefix: h.Prefix, Sn: sn, Digest: ev.Said()}
	}

	switch ilk {
	case event.Inception, event.DelegatedInception:
		h.Witnesses = ev.Witnesses()
		h.Delegator = ev.Delegator()
	case event.Rotation, event.DelegatedRotation:
		h.Witnesses = rotateWitnesses(h.Witnesses, ev.Cuts(), ev.Adds())
	case event.Interaction:
	default:
		return fmt.Errorf("ilk %q is not a key event", ilk)
	}

	h.Sn = sn
	h.Said = ev.Said()
	h.Accepted = true

	return nil
}

// threshold returns the signing threshold that applies to ev.
func (h *Hab) threshold(ev *event.Event) (uint64, error) {
	if ev.Ilk().Establishment() {
		return ev.SigningThreshold()
	}

	return h.Threshold, nil
}

// rotateWitnesses removes cuts then appends adds not already present.
func rotateWitnesses(current, cuts, adds []string) []string {
	cut := make(map[string]bool, len(cuts))
	for _, c := range cuts {
		cut[c] = true
	}

	out := make([]string, 0, len(current)+len(adds))
	seen := make(map[string]bool)

	for _, w := range current {
		if !cut[w] {
			out = append(out, w)
			seen[w] = true
		}
	}

	for _, a := range adds {
		if !seen[a] {
			out = append(out, a)
			seen[a] = true
		}
	}

	return out
}
