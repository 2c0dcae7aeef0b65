// Package witness collects witness receipts for locally controlled events
// and provides the witness role that receipts other agents' events.
package witness

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"Conclave/internal/courier"
	"Conclave/internal/event"
	"Conclave/internal/kel"
	"Conclave/internal/kerr"
	"Conclave/internal/keylock"
	"Conclave/internal/logger"
	"Conclave/internal/opmon"
	"Conclave/internal/pending"
	"Conclave/internal/storage"
)

const receiptPrefix = "r:"

// Receipt is one witness acknowledgement of an event.
type Receipt struct {
	Prefix  string `json:"i" validate:"required"`       // Prefix owns the receipted event
	Sn      uint64 `json:"s"`                           // Sn is the receipted sequence number
	Said    string `json:"d" validate:"required"`       // Said is the receipted event digest
	Witness string `json:"witness" validate:"required"` // Witness is the receipting prefix
	Sig     string `json:"sig,omitempty"`               // Sig is the witness signature, if attached
}

// Receipted is the artifact of a finished witness operation.
type Receipted struct {
	Event    *event.Event `json:"event"`    // Event is the finalized event
	Receipts []Receipt    `json:"receipts"` // Receipts reached the witness threshold
}

// Receipter opens witness operations and completes them once enough
// distinct witnesses have receipted the event.
type Receipter struct {
	db       *storage.Storage    // db persists receipts
	kel      *kel.Registry       // kel resolves habs and events
	ops      *opmon.Monitor      // ops tracks witness operations
	pending  *pending.Registry   // pending is the witness-pending registry
	dispatch *courier.Dispatcher // dispatch sends events to witnesses, may be nil
	locks    *keylock.Map        // locks serializes receipts per event
}

// New creates a receipter.
func New(db *storage.Storage, reg *kel.Registry, mon *opmon.Monitor, pend *pending.Registry, d *courier.Dispatcher) *Receipter {
	return &Receipter{db: db, kel: reg, ops: mon, pending: pend, dispatch: d, locks: keylock.New()}
}

// Track opens the witness operation of an accepted event and sends the
// event to every current witness of hab.
func (r *Receipter) Track(_ context.Context, hab *kel.Hab, ev *event.Event) (*opmon.Operation, error) {
	sn, err := ev.Sn()
	if err != nil {
		return nil, kerr.Malformed("event", "%v", err)
	}

	rec, err := r.kel.Event(hab.Prefix, sn)
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
		Data:   map[string]string{"toad": strconv.Itoa(hab.ReceiptThreshold())},
	}

	op, err := r.pending.Open(r.ops, entry, opmon.Metadata{
		Extra: map[string]string{"witnesses": strings.Join(hab.Witnesses, ",")},
	})
	if err != nil {
		return nil, fmt.Errorf("open witness operation:\n%w", err)
	}

	if r.dispatch != nil && !op.Status.Terminal() {
		for _, w := range hab.Witnesses {
			r.dispatch.Dispatch(courier.Message{
				Source: hab.Prefix,
				Dest:   w,
				Topic:  courier.TopicReceipt,
				Event:  rec.Event,
				Sigs:   rec.Sigs,
			})
		}
	}

	logger.Info("awaiting witness receipts", "prefix", hab.Prefix, "sn", sn, "witnesses", len(hab.Witnesses), "toad", hab.ReceiptThreshold())

	return op, nil
}

// Receipt records rc. When the receipts of distinct current witnesses
// reach the threshold the operation completes with the finalized event.
// Receipts for an operation already finished are ignored.
func (r *Receipter) Receipt(_ context.Context, rc Receipt) (*opmon.Operation, error) {
	key := opmon.Key{Kind: opmon.KindWitness, Prefix: rc.Prefix, Sn: rc.Sn}

	unlock := r.locks.Lock(key.Name())
	defer unlock()

	entry, err := r.pending.Get(rc.Prefix, rc.Sn)
	if err != nil {
		return nil, err
	}

	if entry == nil {
		// Either never tracked (NotFound) or already terminal.
		return r.ops.Get(key)
	}

	if entry.Said != rc.Said {
		return nil, kerr.Malformed("d", "receipt for %s, pending event is %s", rc.Said, entry.Said)
	}

	hab, err := r.kel.ResolveByPrefix(rc.Prefix)
	if err != nil {
		return nil, err
	}

	if !hab.HasWitness(rc.Witness) {
		return nil, kerr.Unauthorized("%s is not a witness of %s", rc.Witness, rc.Prefix)
	}

	if rc.Sig != "" {
		if _, err := event.ParseSignature(rc.Sig); err != nil {
			return nil, kerr.Malformed("sig", "%v", err)
		}
	}

	data, err := json.Marshal(rc)
	if err != nil {
		return nil, fmt.Errorf("marshal receipt:\n%w", err)
	}

	if err := r.db.Set(receiptKey(rc.Prefix, rc.Sn, rc.Witness), data); err != nil {
		return nil, fmt.Errorf("store receipt:\n%w", err)
	}

	receipts, err := r.Receipts(rc.Prefix, rc.Sn)
	if err != nil {
		return nil, err
	}

	if len(receipts) < hab.ReceiptThreshold() {
		logger.Debug("receipt recorded", "prefix", rc.Prefix, "sn", rc.Sn, "witness", rc.Witness, "have", len(receipts), "toad", hab.ReceiptThreshold())
		return r.ops.Get(key)
	}

	rec, err := r.kel.Event(rc.Prefix, rc.Sn)
	if err != nil {
		return nil, err
	}

	return r.pending.Complete(r.ops, rc.Prefix, rc.Sn, Receipted{Event: rec.Event, Receipts: receipts})
}

// Receipts returns the stored receipts of (prefix, sn).
func (r *Receipter) Receipts(prefix string, sn uint64) ([]Receipt, error) {
	var out []Receipt

	err := r.db.IteratePrefix(receiptEventPrefix(prefix, sn), func(_, value []byte) error {
		var rc Receipt
		if err := json.Unmarshal(value, &rc); err != nil {
			return err
		}

		out = append(out, rc)

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan receipts:\n%w", err)
	}

	return out, nil
}

// HandleReceipt is the courier handler for receipts returned by witnesses.
func (r *Receipter) HandleReceipt(ctx context.Context, msg courier.Message) error {
	sn, err := msg.Event.Sn()
	if err != nil {
		return kerr.Malformed("event", "%v", err)
	}

	rc := Receipt{Prefix: msg.Event.Prefix(), Sn: sn, Said: msg.Event.Said(), Witness: msg.Source}
	if len(msg.Sigs) > 0 {
		rc.Sig = msg.Sigs[0]
	}

	_, err = r.Receipt(ctx, rc)

	return err
}

// Drop deletes every receipt of prefix.
func (r *Receipter) Drop(prefix string) error {
	return r.db.DeletePrefix([]byte(receiptPrefix + prefix + ":"))
}

func receiptEventPrefix(prefix string, sn uint64) []byte {
	return []byte(fmt.Sprintf("%s%s:%016x:", receiptPrefix, prefix, sn))
}

func receiptKey(prefix string, sn uint64, witness string) []byte {
	return append(receiptEventPrefix(prefix, sn), witness...)
}
