package delegation

import (
	"context"
	"encoding/json"
	"fmt"

	"Conclave/internal/courier"
	"Conclave/internal/event"
	"Conclave/internal/kel"
	"Conclave/internal/kerr"
	"Conclave/internal/logger"
	"Conclave/internal/storage"
)

const requestPrefix = "dr:"

// Request is a delegated event awaiting a local delegator's anchor.
type Request struct {
	Delegator string     `json:"delegator"` // Delegator is the local delegating prefix
	Delegate  string     `json:"delegate"`  // Delegate owns the event
	Sn        uint64     `json:"sn"`        // Sn is the event sequence number
	Said      string     `json:"said"`      // Said is the event digest
	Kind      event.Kind `json:"kind"`      // Kind is the serialization of Raw
	Raw       []byte     `json:"raw"`       // Raw is the delegated event
	Sigs      []string   `json:"sigs"`      // Sigs are the delegate's signatures
}

// Event decodes the delegated event.
func (r *Request) Event() (*event.Event, error) {
	return event.Decode(r.Raw, r.Kind)
}

// Requests is the delegator side: it stores incoming delegation requests
// and notifies delegates once a local event anchors them.
type Requests struct {
	db       *storage.Storage    // db persists requests
	kel      *kel.Registry       // kel resolves local delegators
	dispatch *courier.Dispatcher // dispatch sends anchors to delegates
}

// NewRequests creates the delegator side.
func NewRequests(db *storage.Storage, reg *kel.Registry, d *courier.Dispatcher) *Requests {
	return &Requests{db: db, kel: reg, dispatch: d}
}

// HandleRequest is the courier handler for delegated events sent to a
// local delegator.
func (q *Requests) HandleRequest(_ context.Context, msg courier.Message) error {
	ev := msg.Event

	if !ev.Ilk().Establishment() {
		return kerr.Malformed("event", "ilk %q cannot be delegated", ev.Ilk())
	}

	if err := event.VerifySaid(ev); err != nil {
		return kerr.Malformed("event", "%v", err)
	}

	if ev.Prefix() != msg.Source {
		return kerr.Unauthorized("event of %s sent by %s", ev.Prefix(), msg.Source)
	}

	hab, err := q.kel.ResolveByPrefix(msg.Dest)
	if err != nil {
		return err
	}

	if ev.Ilk().Inceptive() && ev.Delegator() != hab.Prefix {
		return kerr.Unauthorized("%s does not name %s as delegator", ev.Prefix(), hab.Prefix)
	}

	sn, err := ev.Sn()
	if err != nil {
		return kerr.Malformed("event", "%v", err)
	}

	req := Request{
		Delegator: hab.Prefix,
		Delegate:  ev.Prefix(),
		Sn:        sn,
		Said:      ev.Said(),
		Kind:      ev.Kind(),
		Raw:       ev.Raw(),
		Sigs:      msg.Sigs,
	}

	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal delegation request:\n%w", err)
	}

	if err := q.db.Set(requestKey(req.Delegator, req.Delegate, req.Sn), data); err != nil {
		return fmt.Errorf("store delegation request:\n%w", err)
	}

	logger.Info("delegation requested", "delegator", hab.Name, "delegate", req.Delegate, "sn", sn)

	return nil
}

// List returns the open requests addressed to delegator.
func (q *Requests) List(delegator string) ([]Request, error) {
	var out []Request

	err := q.db.IteratePrefix([]byte(requestPrefix+delegator+":"), func(_, value []byte) error {
		var r Request
		if err := json.Unmarshal(value, &r); err != nil {
			return err
		}

		out = append(out, r)

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list delegation requests:\n%w", err)
	}

	return out, nil
}

// Notify answers the requests anchored by a newly accepted event of the
// local delegator hab and removes them.
func (q *Requests) Notify(_ context.Context, hab *kel.Hab, ev *event.Event) error {
	seals := ev.Seals()
	if len(seals) == 0 {
		return nil
	}

	reqs, err := q.List(hab.Prefix)
	if err != nil {
		return err
	}

	sn, err := ev.Sn()
	if err != nil {
		return err
	}

	rec, err := q.kel.Event(hab.Prefix, sn)
	if err != nil {
		return err
	}

	var answered [][]byte

	for _, r := range reqs {
		if !anchors(seals, r) {
			continue
		}

		if q.dispatch != nil {
			q.dispatch.Dispatch(courier.Message{
				Source: hab.Prefix,
				Dest:   r.Delegate,
				Topic:  courier.TopicAnchor,
				Event:  rec.Event,
				Sigs:   rec.Sigs,
			})
		}

		answered = append(answered, requestKey(r.Delegator, r.Delegate, r.Sn))

		logger.Info("delegation anchored", "delegator", hab.Name, "delegate", r.Delegate, "sn", r.Sn)
	}

	if len(answered) == 0 {
		return nil
	}

	return q.db.Write(nil, answered)
}

// Drop deletes the requests addressed to delegator.
func (q *Requests) Drop(delegator string) error {
	return q.db.DeletePrefix([]byte(requestPrefix + delegator + ":"))
}

// anchors reports whether any seal anchors r.
func anchors(seals []event.Seal, r Request) bool {
	for _, s := range seals {
		if s.Prefix != r.Delegate || s.Sn < r.Sn {
			continue
		}

		if s.Sn > r.Sn || s.Digest == r.Said {
			return true
		}
	}

	return false
}

func requestKey(delegator, delegate string, sn uint64) []byte {
	return []byte(fmt.Sprintf("%s%s:%s:%016x", requestPrefix, delegator, delegate, sn))
}
