// Package lifecycle decides what follows a locally valid key event: a
// group quorum, delegator approval, witness receipts, or nothing.
package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"Conclave/internal/delegation"
	"Conclave/internal/event"
	"Conclave/internal/group"
	"Conclave/internal/kel"
	"Conclave/internal/kerr"
	"Conclave/internal/logger"
	"Conclave/internal/opmon"
	"Conclave/internal/pending"
	"Conclave/internal/witness"
)

// Result carries either the final event or the operation to poll, never both.
type Result struct {
	Hab       *kel.Hab         `json:"-"`                   // Hab is the identifier after the call
	Event     *event.Event     `json:"event,omitempty"`     // Event is set when no authorization is pending
	Operation *opmon.Operation `json:"operation,omitempty"` // Operation is set otherwise
}

// Final reports whether the event needed no further authorization.
func (r *Result) Final() bool { return r.Operation == nil }

// Config holds the collaborators of a Coordinator.
type Config struct {
	Registry   *kel.Registry        // Registry holds habs and accepts events
	Groups     *group.Engine        // Groups runs group events
	Witness    *witness.Receipter   // Witness collects receipts
	Delegation *delegation.Approver // Delegation waits for delegator anchors
	Requests   *delegation.Requests // Requests answers delegates of local delegators, may be nil
	Monitor    *opmon.Monitor       // Monitor fails operations of removed identifiers
	Pending    *pending.Set         // Pending is cleared on removal
}

// Coordinator is the identifier lifecycle coordinator.
type Coordinator struct {
	kel        *kel.Registry
	groups     *group.Engine
	witness    *witness.Receipter
	delegation *delegation.Approver
	requests   *delegation.Requests
	ops        *opmon.Monitor
	pending    *pending.Set
}

// New creates a coordinator and hooks it behind the group engine so group
// events reaching quorum get the same follow-up.
func New(cfg Config) *Coordinator {
	c := &Coordinator{
		kel:        cfg.Registry,
		groups:     cfg.Groups,
		witness:    cfg.Witness,
		delegation: cfg.Delegation,
		requests:   cfg.Requests,
		ops:        cfg.Monitor,
		pending:    cfg.Pending,
	}

	if c.groups != nil {
		c.groups.OnAccepted(c.followGroup)
	}

	return c
}

// InceptRequest creates an identifier.
type InceptRequest struct {
	Name  string       // Name is the new alias
	Event *event.Event // Event is the inception
	Sigs  []string     // Sigs are the controller signatures
	Group *kel.Group   // Group is set when the local member incepts a group
}

// Incept creates the identifier and returns the inception when final, or
// the operation that authorizes it.
func (c *Coordinator) Incept(ctx context.Context, req InceptRequest) (*Result, error) {
	if req.Group != nil {
		hab, op, err := c.groups.Incept(ctx, req.Name, req.Event, req.Sigs, req.Group)
		if err != nil {
			return nil, err
		}

		return &Result{Hab: hab, Operation: op}, nil
	}

	hab, res, err := c.kel.Incept(req.Name, req.Event, req.Sigs, nil)
	if err != nil {
		return nil, err
	}

	if res.Status != kel.Accepted {
		return nil, c.rollback(req.Name, kerr.Malformed("signatures", "inception not accepted: %s", res.Status))
	}

	out, err := c.follow(ctx, hab, req.Event)
	if err != nil {
		return nil, c.rollback(req.Name, err)
	}

	return out, nil
}

// Rotate applies a rotation to alias.
func (c *Coordinator) Rotate(ctx context.Context, alias string, ev *event.Event, sigs []string) (*Result, error) {
	if ilk := ev.Ilk(); ilk != event.Rotation && ilk != event.DelegatedRotation {
		return nil, kerr.Malformed("event", "rotation required, got %q", ilk)
	}

	return c.update(ctx, alias, ev, sigs)
}

// Interact applies an interaction to alias.
func (c *Coordinator) Interact(ctx context.Context, alias string, ev *event.Event, sigs []string) (*Result, error) {
	if ilk := ev.Ilk(); ilk != event.Interaction {
		return nil, kerr.Malformed("event", "interaction required, got %q", ilk)
	}

	return c.update(ctx, alias, ev, sigs)
}

// Remove deletes alias with every queued authorization of it.
func (c *Coordinator) Remove(alias string) (*kel.Hab, error) {
	hab, err := c.kel.Remove(alias)
	if err != nil {
		return nil, err
	}

	if err := c.abandon(hab); err != nil {
		return hab, err
	}

	if err := c.pending.DropPrefix(hab.Prefix); err != nil {
		return hab, fmt.Errorf("drop pending entries:\n%w", err)
	}

	if err := c.witness.Drop(hab.Prefix); err != nil {
		return hab, fmt.Errorf("drop receipts:\n%w", err)
	}

	if c.requests != nil {
		if err := c.requests.Drop(hab.Prefix); err != nil {
			return hab, fmt.Errorf("drop delegation requests:\n%w", err)
		}
	}

	return hab, nil
}

// abandon fails the pending operations of a removed hab together with
// their pending entries.
func (c *Coordinator) abandon(hab *kel.Hab) error {
	ops, err := c.ops.List("")
	if err != nil {
		return err
	}

	for _, op := range ops {
		if op.Prefix != hab.Prefix || op.Status != opmon.Pending {
			continue
		}

		cause := kerr.NotFound("identifier %q removed", hab.Name)
		if _, err := c.ops.Fail(op.Key(), cause, c.pending.Consume(op.Key())...); err != nil {
			return fmt.Errorf("abandon %s:\n%w", op.Name, err)
		}
	}

	return nil
}

// update offers a rotation or interaction of an existing identifier.
func (c *Coordinator) update(ctx context.Context, alias string, ev *event.Event, sigs []string) (*Result, error) {
	hab, err := c.kel.ResolveByAlias(alias)
	if err != nil {
		return nil, err
	}

	if ev.Prefix() != hab.Prefix {
		return nil, kerr.Malformed("event", "prefix %s does not belong to %q", ev.Prefix(), alias)
	}

	if hab.IsGroup() {
		op, err := c.groups.Submit(ctx, hab, ev, sigs)
		if err != nil {
			return nil, err
		}

		return &Result{Hab: hab, Operation: op}, nil
	}

	sn, err := ev.Sn()
	if err != nil {
		return nil, kerr.Malformed("event", "%v", err)
	}

	if sn > hab.Sn+1 {
		return nil, kerr.Malformed("event", "sequence number %d out of order, next is %d", sn, hab.Sn+1)
	}

	res, err := c.kel.Accept(ev, sigs)
	if err != nil {
		return nil, err
	}

	if res.Status == kel.Escrowed {
		return nil, kerr.Malformed("signatures", "event not accepted")
	}

	hab, err = c.kel.ResolveByPrefix(hab.Prefix)
	if err != nil {
		return nil, err
	}

	if res.Status == kel.Duplicate {
		return c.replayed(hab, ev, sn)
	}

	return c.follow(ctx, hab, ev)
}

// replayed answers a resubmitted event with the operation it already
// opened, whatever its status, or the event itself when none was needed.
func (c *Coordinator) replayed(hab *kel.Hab, ev *event.Event, sn uint64) (*Result, error) {
	var kind opmon.Kind

	switch {
	case hab.Delegated() && ev.Ilk().Establishment():
		kind = opmon.KindDelegation
	case hab.Witnessed():
		kind = opmon.KindWitness
	default:
		return &Result{Hab: hab, Event: ev}, nil
	}

	op, err := c.ops.Get(opmon.Key{Kind: kind, Prefix: hab.Prefix, Sn: sn})
	if errors.Is(err, kerr.ErrNotFound) {
		return &Result{Hab: hab, Event: ev}, nil
	}

	if err != nil {
		return nil, err
	}

	logger.Debug("resubmitted event", "name", hab.Name, "op", op.Name, "status", op.Status)

	return &Result{Hab: hab, Operation: op}, nil
}

// follow opens the one authorization an accepted event still needs, in
// priority order: delegator approval for establishment events, then
// witness receipts. Without either the event is final.
func (c *Coordinator) follow(ctx context.Context, hab *kel.Hab, ev *event.Event) (*Result, error) {
	c.notify(ctx, hab, ev)

	var (
		op  *opmon.Operation
		err error
	)

	switch {
	case hab.Delegated() && ev.Ilk().Establishment():
		op, err = c.delegation.Track(ctx, hab, ev)
	case hab.Witnessed():
		op, err = c.witness.Track(ctx, hab, ev)
	default:
		logger.Info("event final", "name", hab.Name, "prefix", hab.Prefix, "ilk", ev.Ilk())
		return &Result{Hab: hab, Event: ev}, nil
	}

	if err != nil {
		return nil, err
	}

	return &Result{Hab: hab, Operation: op}, nil
}

// followGroup runs after a group event reaches quorum.
func (c *Coordinator) followGroup(ctx context.Context, hab *kel.Hab, ev *event.Event) {
	if _, err := c.follow(ctx, hab, ev); err != nil {
		logger.Error("group event follow-up", "prefix", hab.Prefix, "said", ev.Said(), "error", err)
	}
}

// notify answers delegation requests anchored by a local event.
func (c *Coordinator) notify(ctx context.Context, hab *kel.Hab, ev *event.Event) {
	if c.requests == nil {
		return
	}

	if err := c.requests.Notify(ctx, hab, ev); err != nil {
		logger.Warn("notify delegates", "prefix", hab.Prefix, "error", err)
	}
}

// rollback removes a just incepted alias and returns cause.
func (c *Coordinator) rollback(alias string, cause error) error {
	if _, err := c.Remove(alias); err != nil && !errors.Is(err, kerr.ErrNotFound) {
		logger.Error("rollback inception", "name", alias, "error", err)
	}

	return cause
}
