package group

import (
	"context"
	"strings"
	"sync"

	"github.com/gammazero/workerpool"
	"github.com/hashicorp/go-multierror"

	"Conclave/internal/courier"
	"Conclave/internal/event"
	"Conclave/internal/exchange"
	"Conclave/internal/kel"
	"Conclave/internal/kerr"
	"Conclave/internal/logger"
	"Conclave/internal/opmon"
)

// routePrefix is the namespace of group conversation routes.
const routePrefix = "/multisig"

// ProposeRequest is a member's signed exchange message for its group.
type ProposeRequest struct {
	Alias      string       // Alias names the local group hab
	Exn        *event.Event // Exn is the exchange message, usually embedding a key event
	Sigs       []string     // Sigs are the member's signatures over Exn
	Embedded   []string     // Embedded are the member's signatures over the embedded event
	Recipients []string     // Recipients overrides the signing members as destinations
}

// Proposal is the outcome of Propose.
type Proposal struct {
	Exn       *event.Event     // Exn is the forwarded message
	Seal      event.Seal       // Seal references the member's last establishment event
	Operation *opmon.Operation // Operation tracks the embedded group event, if any
	Warnings  error            // Warnings aggregates delivery failures, nil when all were delivered
}

// Propose records a member's exchange message locally, contributes its
// embedded group event, and forwards it to the other members. Delivery
// failures do not fail the call; they are returned as warnings.
func (e *Engine) Propose(ctx context.Context, req ProposeRequest) (*Proposal, error) {
	hab, err := e.kel.ResolveByAlias(req.Alias)
	if err != nil {
		return nil, err
	}

	if !hab.IsGroup() {
		return nil, kerr.Malformed("name", "%q is not a group identifier", req.Alias)
	}

	if err := checkExchange(req.Exn, req.Sigs); err != nil {
		return nil, err
	}

	member := hab.Group.MemberPrefix
	if req.Exn.Sender() != member {
		return nil, kerr.Unauthorized("%s is not the local member of %q", req.Exn.Sender(), req.Alias)
	}

	// The seal lets recipients find the keys that signed the message.
	seal, err := e.kel.LastEstablishmentSeal(member)
	if err != nil {
		return nil, err
	}

	op, err := e.local(ctx, hab, req)
	if err != nil {
		return nil, err
	}

	msg := &exchange.Message{Exn: req.Exn, Sigs: req.Sigs, Embedded: req.Embedded, Seal: seal}
	if _, _, err := e.exchanges.Add(msg); err != nil {
		return nil, err
	}

	recipients := req.Recipients
	if len(recipients) == 0 {
		recipients = hab.Group.SigningMembers
	}

	warnings := e.forward(ctx, courier.Message{
		Source:   member,
		Topic:    courier.TopicMultisig,
		Event:    req.Exn,
		Sigs:     req.Sigs,
		Embedded: req.Embedded,
		Seal:     &seal,
	}, others(recipients, member))

	logger.Info("group proposal sent",
		"group", hab.Prefix,
		"route", req.Exn.Route(),
		"recipients", len(recipients),
		"failed", countErrors(warnings),
	)

	return &Proposal{Exn: req.Exn, Seal: seal, Operation: op, Warnings: warnings}, nil
}

// local contributes the embedded key event of the group, when the message
// carries one, and returns its operation.
func (e *Engine) local(ctx context.Context, hab *kel.Hab, req ProposeRequest) (*opmon.Operation, error) {
	emb, err := req.Exn.Embedded()
	if err != nil {
		return nil, kerr.Malformed("exn", "%v", err)
	}

	if emb == nil || emb.Prefix() != hab.Prefix {
		return nil, nil
	}

	if len(req.Embedded) > 0 {
		return e.Submit(ctx, hab, emb, req.Embedded)
	}

	sn, err := emb.Sn()
	if err != nil {
		return nil, kerr.Malformed("exn", "embedded event: %v", err)
	}

	if err := e.precheck(hab.Prefix, sn, emb); err != nil {
		return nil, err
	}

	op, err := e.open(hab.Prefix, sn, emb)
	if err != nil {
		return nil, err
	}

	return e.settle(hab.Prefix, sn, op)
}

// forward delivers msg to every recipient concurrently, at most once each.
func (e *Engine) forward(ctx context.Context, msg courier.Message, recipients []string) error {
	var (
		mu   sync.Mutex
		errs *multierror.Error
	)

	wp := workerpool.New(e.fanout)

	for _, dest := range recipients {
		m := msg
		m.Dest = dest

		wp.Submit(func() {
			if err := e.courier.Deliver(ctx, m); err != nil {
				logger.Warn("proposal not delivered", "dest", m.Dest, "error", err)

				mu.Lock()
				errs = multierror.Append(errs, kerr.Delivery(m.Dest, err))
				mu.Unlock()
			}
		})
	}

	wp.StopWait()

	return errs.ErrorOrNil()
}

// checkExchange checks an exn belongs to the group conversation namespace
// and carries structurally valid signatures.
func checkExchange(exn *event.Event, sigs []string) error {
	if exn == nil {
		return kerr.Missing("exn")
	}

	if exn.Ilk() != event.Exchange {
		return kerr.Malformed("exn", "ilk %q is not an exchange message", exn.Ilk())
	}

	if err := event.VerifySaid(exn); err != nil {
		return kerr.Malformed("exn", "%v", err)
	}

	if !strings.HasPrefix(exn.Route(), routePrefix) {
		return kerr.Malformed("exn", "route %q is not a group route", exn.Route())
	}

	if len(sigs) == 0 {
		return kerr.Missing("sigs")
	}

	for i, s := range sigs {
		if _, err := event.ParseSignature(s); err != nil {
			return kerr.Malformed("sigs", "signature %d: %v", i, err)
		}
	}

	return nil
}

// others returns recipients without self and duplicates, in order.
func others(recipients []string, self string) []string {
	seen := map[string]bool{self: true}
	out := make([]string, 0, len(recipients))

	for _, r := range recipients {
		if seen[r] {
			continue
		}

		seen[r] = true
		out = append(out, r)
	}

	return out
}

// countErrors returns the number of errors aggregated in err.
func countErrors(err error) int {
	if err == nil {
		return 0
	}

	if merr, ok := err.(*multierror.Error); ok {
		return len(merr.Errors)
	}

	return 1
}
