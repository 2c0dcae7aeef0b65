// Package delegation gates delegated events on their delegator. The
// delegate side waits for an anchoring event; the delegator side keeps the
// requests it received and answers them once it anchors the seals.
package delegation

import (
	"context"
	"fmt"

	"Conclave/internal/courier"
	"Conclave/internal/event"
	"Conclave/internal/kel"
	"Conclave/internal/kerr"
	"Conclave/internal/logger"
	"Conclave/internal/opmon"
	"Conclave/internal/pending"
)

// Anchored is the artifact of a finished delegation operation.
type Anchored struct {
	Event  *event.Event `json:"event"`  // Event is the approved delegated event
	Anchor event.Seal   `json:"anchor"` // Anchor references the delegator's anchoring event
}

// Approver opens delegation operations and completes them when the
// delegator's event anchors the delegated event.
type Approver struct {
	kel      *kel.Registry       // kel resolves habs and events
	ops      *opmon.Monitor      // ops tracks delegation operations
	pending  *pending.Registry   // pending is the delegation-pending registry
	dispatch *courier.Dispatcher // dispatch sends requests to delegators, may be nil
}

// New creates an approver.
func New(reg *kel.Registry, mon *opmon.Monitor, pend *pending.Registry, d *courier.Dispatcher) *Approver {
	return &Approver{kel: reg, ops: mon, pending: pend, dispatch: d}
}

// Track opens the delegation operation of an accepted event and sends the
// event to the delegator.
func (a *Approver) Track(_ context.Context, hab *kel.Hab, ev *event.Event) (*opmon.Operation, error) {
	if !hab.Delegated() {
		return nil, kerr.Malformed("name", "%q has no delegator", hab.Name)
	}

	sn, err := ev.Sn()
	if err != nil {
		return nil, kerr.Malformed("event", "%v", err)
	}

	rec, err := a.kel.Event(hab.Prefix, sn)
	if err != nil {
		return nil, err
	}

	if rec.Event.Said() != ev.Said() {
		return nil, kerr.Conflict(hab.Prefix, sn, rec.Event.Said(), ev.Said())
	}

	entry := pending.Entry{
		Prefix: hab.Prefix,
		Sn:     sn,
		Said:   ev.Said(),
		Data:   map[string]string{"delegator": hab.Delegator},
	}

	op, err := a.pending.Open(a.ops, entry, opmon.Metadata{Extra: map[string]string{"delegator": hab.Delegator}})
	if err != nil {
		return nil, fmt.Errorf("open delegation operation:\n%w", err)
	}

	if a.dispatch != nil && !op.Status.Terminal() {
		a.dispatch.Dispatch(courier.Message{
			Source: hab.Prefix,
			Dest:   hab.Delegator,
			Topic:  courier.TopicDelegate,
			Event:  rec.Event,
			Sigs:   rec.Sigs,
		})
	}

	logger.Info("awaiting delegator approval", "prefix", hab.Prefix, "sn", sn, "delegator", hab.Delegator)

	return op, nil
}

// Anchor completes every pending delegation the delegator's event
// approves. A seal approves the pending event of its prefix at its own
// sequence number when the digests match, and every earlier one.
func (a *Approver) Anchor(_ context.Context, delegatorEv *event.Event) ([]*opmon.Operation, error) {
	if err := event.VerifySaid(delegatorEv); err != nil {
		return nil, kerr.Malformed("event", "%v", err)
	}

	asn, err := delegatorEv.Sn()
	if err != nil {
		return nil, kerr.Malformed("event", "%v", err)
	}

	anchor := event.Seal{Prefix: delegatorEv.Prefix(), Sn: asn, Digest: delegatorEv.Said()}

	var finished []*opmon.Operation

	for _, seal := range delegatorEv.Seals() {
		entries, err := a.pending.ForPrefix(seal.Prefix)
		if err != nil {
			return finished, err
		}

		for _, entry := range entries {
			if !approves(seal, entry) {
				continue
			}

			op, err := a.approve(entry, anchor)
			if err != nil {
				return finished, err
			}

			if op != nil {
				finished = append(finished, op)
			}
		}
	}

	return finished, nil
}

// Reject fails the delegation operation of (prefix, sn).
func (a *Approver) Reject(prefix string, sn uint64, reason string) (*opmon.Operation, error) {
	return a.pending.Fail(a.ops, prefix, sn, kerr.Unauthorized("delegation refused: %s", reason))
}

// HandleAnchor is the courier handler for anchoring events sent back by
// delegators.
func (a *Approver) HandleAnchor(ctx context.Context, msg courier.Message) error {
	if msg.Event.Prefix() != msg.Source {
		return kerr.Unauthorized("anchor of %s sent by %s", msg.Event.Prefix(), msg.Source)
	}

	_, err := a.Anchor(ctx, msg.Event)

	return err
}

// approve completes entry when anchor comes from its hab's delegator.
func (a *Approver) approve(entry pending.Entry, anchor event.Seal) (*opmon.Operation, error) {
	hab, err := a.kel.ResolveByPrefix(entry.Prefix)
	if err != nil {
		return nil, err
	}

	if hab.Delegator != anchor.Prefix {
		logger.Warn("anchor from non-delegator ignored", "prefix", entry.Prefix, "anchor", anchor.Prefix)
		return nil, nil
	}

	rec, err := a.kel.Event(entry.Prefix, entry.Sn)
	if err != nil {
		return nil, err
	}

	op, err := a.pending.Complete(a.ops, entry.Prefix, entry.Sn, Anchored{Event: rec.Event, Anchor: anchor})
	if err != nil {
		return nil, err
	}

	logger.Info("delegation approved", "prefix", entry.Prefix, "sn", entry.Sn, "anchor", anchor.Digest)

	return op, nil
}

// approves reports whether seal anchors the pending entry.
func approves(seal event.Seal, entry pending.Entry) bool {
	if seal.Prefix != entry.Prefix || seal.Sn < entry.Sn {
		return false
	}

	return seal.Sn > entry.Sn || seal.Digest == entry.Said
}
