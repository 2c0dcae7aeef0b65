// Package group coordinates events of jointly controlled identifiers. It
// assembles member contributions into a quorum, forwards proposals between
// members and answers conversation lookups.
package group

import (
	"context"
	"errors"
	"fmt"

	"Conclave/internal/contacts"
	"Conclave/internal/courier"
	"Conclave/internal/event"
	"Conclave/internal/exchange"
	"Conclave/internal/kel"
	"Conclave/internal/kerr"
	"Conclave/internal/logger"
	"Conclave/internal/opmon"
	"Conclave/internal/pending"
)

// defaultFanout bounds concurrent deliveries of one proposal.
const defaultFanout = 8

// AcceptedFunc is called once for every group event applied to the log.
type AcceptedFunc func(ctx context.Context, hab *kel.Hab, ev *event.Event)

// Config holds the collaborators of an Engine.
type Config struct {
	Registry  *kel.Registry      // Registry holds habs and accepts events
	Monitor   *opmon.Monitor     // Monitor tracks group operations
	Pending   *pending.Registry  // Pending is the group-pending registry
	Exchanges *exchange.Store    // Exchanges stores conversation messages
	Contacts  contacts.Directory // Contacts resolves sender aliases, may be nil
	Courier   courier.Courier    // Courier forwards proposals
	Fanout    int                // Fanout bounds concurrent deliveries
}

// Engine is the group coordination engine.
type Engine struct {
	kel       *kel.Registry
	ops       *opmon.Monitor
	pending   *pending.Registry
	exchanges *exchange.Store
	contacts  contacts.Directory
	courier   courier.Courier
	fanout    int

	onAccepted AcceptedFunc // onAccepted follows up applied events, may be nil
}

// New creates an engine.
func New(cfg Config) *Engine {
	fanout := cfg.Fanout
	if fanout <= 0 {
		fanout = defaultFanout
	}

	return &Engine{
		kel:       cfg.Registry,
		ops:       cfg.Monitor,
		pending:   cfg.Pending,
		exchanges: cfg.Exchanges,
		contacts:  cfg.Contacts,
		courier:   cfg.Courier,
		fanout:    fanout,
	}
}

// OnAccepted installs the follow-up run after a group event reaches quorum.
func (e *Engine) OnAccepted(fn AcceptedFunc) {
	e.onAccepted = fn
}

// Incept creates the local group hab from the member's inception
// contribution and opens the group operation for sn 0.
func (e *Engine) Incept(ctx context.Context, name string, ev *event.Event, sigs []string, grp *kel.Group) (*kel.Hab, *opmon.Operation, error) {
	if grp == nil {
		return nil, nil, kerr.Missing("group")
	}

	hab, res, err := e.kel.Incept(name, ev, sigs, grp)
	if err != nil {
		return nil, nil, err
	}

	op, err := e.open(hab.Prefix, 0, ev)
	if err != nil {
		return nil, nil, err
	}

	e.applied(ctx, res)

	op, err = e.settle(hab.Prefix, 0, op)
	if err != nil {
		return nil, nil, err
	}

	return hab, op, nil
}

// Submit offers the local member's contribution to a group event and
// returns the group operation for its sequence number. The operation is
// done as soon as the contribution completes the quorum.
func (e *Engine) Submit(ctx context.Context, hab *kel.Hab, ev *event.Event, sigs []string) (*opmon.Operation, error) {
	if !hab.IsGroup() {
		return nil, kerr.Malformed("name", "%q is not a group identifier", hab.Name)
	}

	if ev.Prefix() != hab.Prefix {
		return nil, kerr.Malformed("event", "prefix %s does not belong to %q", ev.Prefix(), hab.Name)
	}

	sn, err := ev.Sn()
	if err != nil {
		return nil, kerr.Malformed("event", "%v", err)
	}

	if err := e.precheck(hab.Prefix, sn, ev); err != nil {
		return nil, err
	}

	if op, err := e.replayed(hab.Prefix, sn); err != nil || op != nil {
		return op, err
	}

	op, err := e.open(hab.Prefix, sn, ev)
	if err != nil {
		return nil, err
	}

	res, err := e.kel.Accept(ev, sigs)
	if err != nil {
		if errors.Is(err, kerr.ErrConflictingContribution) {
			if _, ferr := e.pending.Fail(e.ops, hab.Prefix, sn, err); ferr != nil {
				logger.Warn("fail conflicting operation", "prefix", hab.Prefix, "sn", sn, "error", ferr)
			}
		}

		return nil, err
	}

	e.applied(ctx, res)

	return e.settle(hab.Prefix, sn, op)
}

// Contribute offers a co-signer's contribution received from sender. An
// inception for a group not yet known locally waits in escrow until the
// local member incepts it.
func (e *Engine) Contribute(ctx context.Context, ev *event.Event, sigs []string, sender string) (kel.Result, error) {
	hab, err := e.kel.ResolveByPrefix(ev.Prefix())

	switch {
	case err == nil:
		if !hab.IsGroup() {
			return kel.Result{}, kerr.Malformed("event", "%s is not a group identifier", hab.Prefix)
		}

		if sender != "" && !hab.Group.Participant(sender) {
			return kel.Result{}, kerr.Unauthorized("%s is not a participant of %s", sender, hab.Prefix)
		}
	case !errors.Is(err, kerr.ErrNotFound):
		return kel.Result{}, err
	}

	res, err := e.kel.Accept(ev, sigs)
	if err != nil {
		return kel.Result{}, err
	}

	logger.Debug("contribution recorded", "prefix", ev.Prefix(), "said", ev.Said(), "sender", sender, "status", res.Status)

	e.applied(ctx, res)

	return res, nil
}

// precheck rejects an event disagreeing with the accepted or pinned
// content of its slot before any operation is opened for it.
func (e *Engine) precheck(prefix string, sn uint64, ev *event.Event) error {
	for _, lookup := range []func(string, uint64) (*kel.Record, error){e.kel.Event, e.kel.Pinned} {
		rec, err := lookup(prefix, sn)
		if errors.Is(err, kerr.ErrNotFound) {
			continue
		}

		if err != nil {
			return err
		}

		if rec.Event.Said() != ev.Said() {
			return kerr.Conflict(prefix, sn, rec.Event.Said(), ev.Said())
		}
	}

	return nil
}

// replayed returns the stored operation of a slot whose event is already
// accepted, or nil when the slot is still open or was never tracked.
// Callers have checked that the accepted event matches.
func (e *Engine) replayed(prefix string, sn uint64) (*opmon.Operation, error) {
	if _, err := e.kel.Event(prefix, sn); err != nil {
		if errors.Is(err, kerr.ErrNotFound) {
			return nil, nil
		}

		return nil, err
	}

	op, err := e.ops.Get(opmon.Key{Kind: opmon.KindGroup, Prefix: prefix, Sn: sn})
	if errors.Is(err, kerr.ErrNotFound) {
		return nil, nil
	}

	if err != nil {
		return nil, err
	}

	logger.Debug("resubmitted group event", "prefix", prefix, "sn", sn, "status", op.Status)

	return op, nil
}

// open registers the group-pending entry and its operation in one batch,
// or returns the operation already pending for the slot.
func (e *Engine) open(prefix string, sn uint64, ev *event.Event) (*opmon.Operation, error) {
	op, err := e.pending.Open(e.ops, pending.Entry{Prefix: prefix, Sn: sn, Said: ev.Said()}, opmon.Metadata{})
	if err != nil {
		return nil, fmt.Errorf("open group operation:\n%w", err)
	}

	if op.Metadata.Said != ev.Said() {
		return nil, kerr.Conflict(prefix, sn, op.Metadata.Said, ev.Said())
	}

	return op, nil
}

// applied finishes the operations of every event the registry applied and
// runs the follow-up.
func (e *Engine) applied(ctx context.Context, res kel.Result) {
	for _, s := range res.Applied {
		rec, err := e.kel.Event(s.Prefix, s.Sn)
		if err != nil {
			logger.Error("load applied event", "prefix", s.Prefix, "sn", s.Sn, "error", err)
			continue
		}

		if _, err := e.resolve(s.Prefix, s.Sn, rec); err != nil && !errors.Is(err, kerr.ErrNotFound) {
			logger.Error("complete group operation", "prefix", s.Prefix, "sn", s.Sn, "error", err)
		}

		logger.Info("group quorum reached", "prefix", s.Prefix, "sn", s.Sn, "said", s.Digest)

		if e.onAccepted == nil {
			continue
		}

		hab, err := e.kel.ResolveByPrefix(s.Prefix)
		if err != nil {
			logger.Error("resolve applied identifier", "prefix", s.Prefix, "error", err)
			continue
		}

		e.onAccepted(ctx, hab, rec.Event)
	}
}

// settle completes op when its event was applied while op was being opened.
func (e *Engine) settle(prefix string, sn uint64, op *opmon.Operation) (*opmon.Operation, error) {
	if op.Status.Terminal() {
		return op, nil
	}

	rec, err := e.kel.Event(prefix, sn)
	if errors.Is(err, kerr.ErrNotFound) {
		return op, nil
	}

	if err != nil {
		return nil, err
	}

	return e.resolve(prefix, sn, rec)
}

// resolve moves the operation of (prefix, sn) to its terminal state given
// the accepted record: done when the operation tracked that content,
// failed as conflicting otherwise.
func (e *Engine) resolve(prefix string, sn uint64, rec *kel.Record) (*opmon.Operation, error) {
	op, err := e.ops.Get(opmon.Key{Kind: opmon.KindGroup, Prefix: prefix, Sn: sn})
	if err != nil {
		return nil, err
	}

	if op.Metadata.Said != "" && op.Metadata.Said != rec.Event.Said() {
		return e.pending.Fail(e.ops, prefix, sn, kerr.Conflict(prefix, sn, rec.Event.Said(), op.Metadata.Said))
	}

	return e.pending.Complete(e.ops, prefix, sn, rec.Event)
}
