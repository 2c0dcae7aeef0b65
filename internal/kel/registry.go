// Package kel holds the locally controlled identifiers and their key event
// logs. Events for a prefix are accepted strictly in sequence order; group
// events additionally wait in escrow until enough members have signed.
package kel

import (
	"encoding/json"
	"fmt"

	"Conclave/internal/event"
	"Conclave/internal/kerr"
	"Conclave/internal/keylock"
	"Conclave/internal/logger"
	"Conclave/internal/storage"
)

// Status is the outcome of offering an event to the registry.
type Status int

const (
	// Accepted means the offered event was applied to the log.
	Accepted Status = iota
	// Escrowed means the event waits for signatures or for earlier events.
	Escrowed
	// Duplicate means identical content was already accepted.
	Duplicate
)

func (s Status) String() string {
	switch s {
	case Accepted:
		return "accepted"
	case Escrowed:
		return "escrowed"
	default:
		return "duplicate"
	}
}

// Result reports what an Accept call changed.
type Result struct {
	Status  Status       // Status describes the offered event
	Applied []event.Seal // Applied lists every event applied by the call, in order
}

// Verifier checks signatures cryptographically against signing keys.
type Verifier interface {
	Verify(ev *event.Event, sigs []event.Signature, keys []string) error
}

// Record is an event with the signatures attached to it.
type Record struct {
	Event *event.Event // Event is the stored event
	Sigs  []string     // Sigs are the qb64 indexed signatures
}

// storedEvent is the persisted form of a Record.
type storedEvent struct {
	Kind event.Kind `json:"kind"` // Kind is the serialization of Raw
	Raw  []byte     `json:"raw"`  // Raw is the event
	Sigs []string   `json:"sigs"` // Sigs are the attached signatures
}

// Registry stores habs and accepts key events.
type Registry struct {
	db       *storage.Storage // db persists habs, events and escrows
	locks    *keylock.Map     // locks serializes work per prefix and per alias
	verifier Verifier         // verifier is optional
}

// New creates a registry over db.
func New(db *storage.Storage) *Registry {
	return &Registry{db: db, locks: keylock.New()}
}

// SetVerifier installs a cryptographic signature verifier.
func (r *Registry) SetVerifier(v Verifier) {
	r.verifier = v
}

// Incept creates a hab named name from an inception event and offers the
// event to the log. On any failure the hab is removed again.
func (r *Registry) Incept(name string, ev *event.Event, sigs []string, group *Group) (*Hab, Result, error) {
	if name == "" {
		return nil, Result{}, kerr.Missing("name")
	}

	if !ev.Ilk().Inceptive() {
		return nil, Result{}, kerr.Malformed("event", "inception required, got %q", ev.Ilk())
	}

	prefix := ev.Prefix()
	if prefix == "" {
		return nil, Result{}, kerr.Malformed("event", "inception has no prefix")
	}

	unlockName := r.locks.Lock("n:" + name)
	defer unlockName()

	unlockPrefix := r.locks.Lock("p:" + prefix)
	defer unlockPrefix()

	taken, err := r.db.Has(nameKey(name))
	if err != nil {
		return nil, Result{}, fmt.Errorf("check alias:\n%w", err)
	}

	if taken {
		return nil, Result{}, kerr.AliasConflict(name)
	}

	existing, err := r.loadHab(prefix)
	if err != nil {
		return nil, Result{}, err
	}

	if existing != nil {
		return nil, Result{}, kerr.Configuration("prefix %s already exists locally as %q", prefix, existing.Name)
	}

	hab := &Hab{Name: name, Prefix: prefix, Group: group}
	if err := r.saveHab(hab, storage.KeyValue{Key: nameKey(name), Value: []byte(prefix)}); err != nil {
		return nil, Result{}, err
	}

	res, err := r.accept(ev, sigs)
	if err != nil {
		if derr := r.drop(hab); derr != nil {
			logger.Error("rollback inception", "name", name, "prefix", prefix, "error", derr)
		}

		return nil, Result{}, err
	}

	hab, err = r.loadHab(prefix)
	if err != nil {
		return nil, Result{}, err
	}

	logger.Info("identifier incepted", "name", name, "prefix", prefix, "status", res.Status)

	return hab, res, nil
}

// Accept offers a key event with signatures for an existing prefix.
// Inception contributions for an unknown prefix are escrowed until the
// hab is incepted locally.
func (r *Registry) Accept(ev *event.Event, sigs []string) (Result, error) {
	unlock := r.locks.Lock("p:" + ev.Prefix())
	defer unlock()

	return r.accept(ev, sigs)
}

// accept implements Accept with the prefix lock held.
func (r *Registry) accept(ev *event.Event, sigs []string) (Result, error) {
	ilk := ev.Ilk()
	if !ilk.KeyEvent() {
		return Result{}, kerr.Malformed("event", "ilk %q is not a key event", ilk)
	}

	if err := event.VerifySaid(ev); err != nil {
		return Result{}, kerr.Malformed("event", "%v", err)
	}

	sn, err := ev.Sn()
	if err != nil {
		return Result{}, kerr.Malformed("event", "%v", err)
	}

	if ilk.Inceptive() && sn != 0 {
		return Result{}, kerr.Malformed("event", "inception at sn %d", sn)
	}

	if len(sigs) == 0 {
		return Result{}, kerr.Missing("signatures")
	}

	parsed, err := parseSignatures(sigs)
	if err != nil {
		return Result{}, err
	}

	prefix := ev.Prefix()

	hab, err := r.loadHab(prefix)
	if err != nil {
		return Result{}, err
	}

	if hab == nil && !ilk.Inceptive() {
		return Result{}, kerr.NotFound("identifier %s", prefix)
	}

	// Establishment events are signed by the keys they declare.
	keys := ev.Keys()
	if !ilk.Establishment() {
		keys = hab.Keys
	}

	if err := event.CheckIndices(parsed, len(keys)); err != nil {
		return Result{}, kerr.Malformed("signatures", "%v", err)
	}

	if hab == nil {
		if err := r.verify(ev, parsed, keys); err != nil {
			return Result{}, err
		}

		if err := r.escrow(prefix, sn, ev, parsed); err != nil {
			return Result{}, err
		}

		logger.Debug("inception escrowed for unknown prefix", "prefix", prefix)

		return Result{Status: Escrowed}, nil
	}

	if hab.Accepted && sn <= hab.Sn {
		return r.replay(prefix, sn, ev)
	}

	kt, err := hab.threshold(ev)
	if err != nil {
		return Result{}, kerr.Malformed("event", "%v", err)
	}

	if err := r.verify(ev, parsed, keys); err != nil {
		return Result{}, err
	}

	if !hab.IsGroup() && uint64(len(parsed)) < max(kt, 1) {
		return Result{}, kerr.Malformed("signatures", "%d signatures, threshold %d", len(parsed), kt)
	}

	if err := r.escrow(prefix, sn, ev, parsed); err != nil {
		return Result{}, err
	}

	applied, err := r.drain(hab)
	if err != nil {
		return Result{}, err
	}

	res := Result{Status: Escrowed, Applied: applied}

	for _, s := range applied {
		if s.Sn == sn {
			res.Status = Accepted
		}
	}

	return res, nil
}

// replay answers an event for an already accepted sequence number.
func (r *Registry) replay(prefix string, sn uint64, ev *event.Event) (Result, error) {
	rec, err := r.Event(prefix, sn)
	if err != nil {
		return Result{}, err
	}

	if rec.Event.Said() != ev.Said() {
		return Result{}, kerr.Conflict(prefix, sn, rec.Event.Said(), ev.Said())
	}

	return Result{Status: Duplicate}, nil
}

// verify runs the optional verifier.
func (r *Registry) verify(ev *event.Event, sigs []event.Signature, keys []string) error {
	if r.verifier == nil {
		return nil
	}

	if err := r.verifier.Verify(ev, sigs, keys); err != nil {
		return kerr.Malformed("signatures", "%v", err)
	}

	return nil
}

// escrow pins or extends the slot of (prefix, sn).
func (r *Registry) escrow(prefix string, sn uint64, ev *event.Event, sigs []event.Signature) error {
	key := slotKey(prefix, sn)

	sl, err := r.loadSlot(key)
	if err != nil {
		return err
	}

	if sl == nil {
		sl = &slot{Said: ev.Said(), Kind: ev.Kind(), Raw: ev.Raw()}
	} else if sl.Said != ev.Said() {
		return kerr.Conflict(prefix, sn, sl.Said, ev.Said())
	}

	if sl.merge(sigs, len(ev.Keys())) == 0 {
		return nil
	}

	data, err := json.Marshal(sl)
	if err != nil {
		return fmt.Errorf("marshal escrow:\n%w", err)
	}

	return r.db.Set(key, data)
}

// drain applies escrowed events in sequence order while each has reached
// its signing threshold.
func (r *Registry) drain(hab *Hab) ([]event.Seal, error) {
	var applied []event.Seal

	next := uint64(0)
	if hab.Accepted {
		next = hab.Sn + 1
	}

	for {
		key := slotKey(hab.Prefix, next)

		sl, err := r.loadSlot(key)
		if err != nil {
			return applied, err
		}

		if sl == nil {
			return applied, nil
		}

		ev, err := sl.decode()
		if err != nil {
			return applied, fmt.Errorf("decode escrow:\n%w", err)
		}

		kt, err := hab.threshold(ev)
		if err != nil {
			return applied, err
		}

		if uint64(sl.count()) < max(kt, 1) {
			return applied, nil
		}

		if err := hab.apply(ev, next); err != nil {
			return applied, err
		}

		rec, err := json.Marshal(storedEvent{Kind: sl.Kind, Raw: sl.Raw, Sigs: sl.Sigs})
		if err != nil {
			return applied, err
		}

		habData, err := json.Marshal(hab)
		if err != nil {
			return applied, err
		}

		sets := []storage.KeyValue{
			{Key: habKey(hab.Prefix), Value: habData},
			{Key: eventKey(hab.Prefix, next), Value: rec},
		}

		if err := r.db.Write(sets, [][]byte{key}); err != nil {
			return applied, fmt.Errorf("store event:\n%w", err)
		}

		logger.Debug("event accepted", "prefix", hab.Prefix, "sn", next, "ilk", ev.Ilk(), "signers", sl.count())

		applied = append(applied, event.Seal{Prefix: hab.Prefix, Sn: next, Digest: ev.Said()})
		next++
	}
}

// ResolveByAlias returns the hab named alias.
func (r *Registry) ResolveByAlias(alias string) (*Hab, error) {
	prefix, err := r.db.Get(nameKey(alias))
	if err != nil {
		return nil, err
	}

	if prefix == nil {
		return nil, kerr.NotFound("identifier %q", alias)
	}

	return r.ResolveByPrefix(string(prefix))
}

// ResolveByPrefix returns the hab for prefix.
func (r *Registry) ResolveByPrefix(prefix string) (*Hab, error) {
	hab, err := r.loadHab(prefix)
	if err != nil {
		return nil, err
	}

	if hab == nil {
		return nil, kerr.NotFound("identifier %s", prefix)
	}

	return hab, nil
}

// LastEstablishmentSeal references the latest accepted establishment event.
func (r *Registry) LastEstablishmentSeal(prefix string) (event.Seal, error) {
	hab, err := r.ResolveByPrefix(prefix)
	if err != nil {
		return event.Seal{}, err
	}

	if !hab.Accepted {
		return event.Seal{}, kerr.NotFound("no accepted establishment event for %s", prefix)
	}

	return hab.LastEst, nil
}

// List returns every local hab.
func (r *Registry) List() ([]*Hab, error) {
	var habs []*Hab

	err := r.db.IteratePrefix([]byte(habPrefix), func(_, value []byte) error {
		var h Hab
		if err := json.Unmarshal(value, &h); err != nil {
			return err
		}

		habs = append(habs, &h)

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list identifiers:\n%w", err)
	}

	return habs, nil
}

// Event returns the accepted event of prefix at sn.
func (r *Registry) Event(prefix string, sn uint64) (*Record, error) {
	data, err := r.db.Get(eventKey(prefix, sn))
	if err != nil {
		return nil, err
	}

	if data == nil {
		return nil, kerr.NotFound("event %s at sn %d", prefix, sn)
	}

	var se storedEvent
	if err := json.Unmarshal(data, &se); err != nil {
		return nil, fmt.Errorf("decode stored event:\n%w", err)
	}

	ev, err := event.Decode(se.Raw, se.Kind)
	if err != nil {
		return nil, err
	}

	return &Record{Event: ev, Sigs: se.Sigs}, nil
}

// Pinned returns the escrowed, not yet accepted event of prefix at sn.
func (r *Registry) Pinned(prefix string, sn uint64) (*Record, error) {
	sl, err := r.loadSlot(slotKey(prefix, sn))
	if err != nil {
		return nil, err
	}

	if sl == nil {
		return nil, kerr.NotFound("no escrowed event %s at sn %d", prefix, sn)
	}

	ev, err := sl.decode()
	if err != nil {
		return nil, err
	}

	return &Record{Event: ev, Sigs: sl.Sigs}, nil
}

// Remove deletes the hab named alias with its log and escrows.
func (r *Registry) Remove(alias string) (*Hab, error) {
	unlockName := r.locks.Lock("n:" + alias)
	defer unlockName()

	hab, err := r.ResolveByAlias(alias)
	if err != nil {
		return nil, err
	}

	unlockPrefix := r.locks.Lock("p:" + hab.Prefix)
	defer unlockPrefix()

	if err := r.drop(hab); err != nil {
		return nil, err
	}

	logger.Info("identifier removed", "name", alias, "prefix", hab.Prefix)

	return hab, nil
}

// drop deletes every key of hab. Locks must be held.
func (r *Registry) drop(hab *Hab) error {
	for _, p := range []string{eventPrefix(hab.Prefix), slotPrefix(hab.Prefix)} {
		if err := r.db.DeletePrefix([]byte(p)); err != nil {
			return fmt.Errorf("delete %s:\n%w", p, err)
		}
	}

	return r.db.Write(nil, [][]byte{nameKey(hab.Name), habKey(hab.Prefix)})
}

// saveHab persists hab along with extra pairs in one batch.
func (r *Registry) saveHab(hab *Hab, extra ...storage.KeyValue) error {
	data, err := json.Marshal(hab)
	if err != nil {
		return fmt.Errorf("marshal hab:\n%w", err)
	}

	sets := append([]storage.KeyValue{{Key: habKey(hab.Prefix), Value: data}}, extra...)

	return r.db.Write(sets, nil)
}

// loadHab returns the hab for prefix or nil.
func (r *Registry) loadHab(prefix string) (*Hab, error) {
	data, err := r.db.Get(habKey(prefix))
	if err != nil || data == nil {
		return nil, err
	}

	var h Hab
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("decode hab:\n%w", err)
	}

	return &h, nil
}

// loadSlot returns the escrow slot under key or nil.
func (r *Registry) loadSlot(key []byte) (*slot, error) {
	data, err := r.db.Get(key)
	if err != nil || data == nil {
		return nil, err
	}

	var sl slot
	if err := json.Unmarshal(data, &sl); err != nil {
		return nil, fmt.Errorf("decode escrow:\n%w", err)
	}

	return &sl, nil
}

// parseSignatures parses and deduplicates signatures by index.
func parseSignatures(sigs []string) ([]event.Signature, error) {
	seen := make(map[int]bool, len(sigs))
	out := make([]event.Signature, 0, len(sigs))

	for i, s := range sigs {
		sig, err := event.ParseSignature(s)
		if err != nil {
			return nil, kerr.Malformed("signatures", "signature %d: %v", i, err)
		}

		if seen[sig.Index] {
			continue
		}

		seen[sig.Index] = true
		out = append(out, sig)
	}

	return out, nil
}
