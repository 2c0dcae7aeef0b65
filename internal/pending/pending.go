// Package pending holds events that are locally valid but still wait for
// one class of external authorization: group quorum, witness receipts or
// delegator approval. The three registries share one shape.
package pending

import (
	"encoding/json"
	"fmt"

	"Conclave/internal/keylock"
	"Conclave/internal/opmon"
	"Conclave/internal/storage"
)

// Entry is an event awaiting authorization.
type Entry struct {
	Prefix string            `json:"prefix"`         // Prefix owns the event
	Sn     uint64            `json:"sn"`             // Sn is the event sequence number
	Said   string            `json:"said"`           // Said is the event digest
	Data   map[string]string `json:"data,omitempty"` // Data carries registry-specific details
}

// Registry is one pending-work queue.
type Registry struct {
	kind  opmon.Kind       // kind names the queue and its operations
	db    *storage.Storage // db persists entries
	locks *keylock.Map     // locks makes Take exactly-once
}

// New creates the registry of kind over db.
func New(kind opmon.Kind, db *storage.Storage) *Registry {
	return &Registry{kind: kind, db: db, locks: keylock.New()}
}

// Kind returns the registry kind.
func (r *Registry) Kind() opmon.Kind { return r.kind }

// Key returns the storage key of the entry for (prefix, sn).
func (r *Registry) Key(prefix string, sn uint64) []byte {
	return []byte(fmt.Sprintf("%s%016x", r.prefixOf(prefix), sn))
}

// KV returns the storage pair for e, for writing atomically with its operation.
func (r *Registry) KV(e Entry) (storage.KeyValue, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return storage.KeyValue{}, fmt.Errorf("marshal pending entry:\n%w", err)
	}

	return storage.KeyValue{Key: r.Key(e.Prefix, e.Sn), Value: data}, nil
}

// Add stores e on its own.
func (r *Registry) Add(e Entry) error {
	kv, err := r.KV(e)
	if err != nil {
		return err
	}

	return r.db.Set(kv.Key, kv.Value)
}

// Get returns the entry for (prefix, sn) or nil.
func (r *Registry) Get(prefix string, sn uint64) (*Entry, error) {
	data, err := r.db.Get(r.Key(prefix, sn))
	if err != nil || data == nil {
		return nil, err
	}

	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("decode pending entry:\n%w", err)
	}

	return &e, nil
}

// Take removes the entry for (prefix, sn). It reports whether this call
// removed it; concurrent callers see true at most once.
func (r *Registry) Take(prefix string, sn uint64) (*Entry, bool, error) {
	key := r.Key(prefix, sn)

	unlock := r.locks.Lock(string(key))
	defer unlock()

	e, err := r.Get(prefix, sn)
	if err != nil || e == nil {
		return nil, false, err
	}

	if err := r.db.Delete(key); err != nil {
		return nil, false, err
	}

	return e, true, nil
}

// List returns every entry in key order.
func (r *Registry) List() ([]Entry, error) {
	return r.scan("p:" + string(r.kind) + ":")
}

// ForPrefix returns the entries of one prefix in sequence order.
func (r *Registry) ForPrefix(prefix string) ([]Entry, error) {
	return r.scan(r.prefixOf(prefix))
}

// DropPrefix removes every entry of prefix.
func (r *Registry) DropPrefix(prefix string) error {
	return r.db.DeletePrefix([]byte(r.prefixOf(prefix)))
}

// scan decodes entries under a key prefix.
func (r *Registry) scan(prefix string) ([]Entry, error) {
	var entries []Entry

	err := r.db.IteratePrefix([]byte(prefix), func(_, value []byte) error {
		var e Entry
		if err := json.Unmarshal(value, &e); err != nil {
			return err
		}

		entries = append(entries, e)

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s pending:\n%w", r.kind, err)
	}

	return entries, nil
}

// prefixOf returns the key prefix of one identifier's entries.
func (r *Registry) prefixOf(prefix string) string {
	return "p:" + string(r.kind) + ":" + prefix + ":"
}

// Set bundles the three registries the engine consults.
type Set struct {
	Group      *Registry // Group holds events awaiting co-signer quorum
	Witness    *Registry // Witness holds events awaiting receipts
	Delegation *Registry // Delegation holds events awaiting an anchor
}

// NewSet creates the three registries over db.
func NewSet(db *storage.Storage) *Set {
	return &Set{
		Group:      New(opmon.KindGroup, db),
		Witness:    New(opmon.KindWitness, db),
		Delegation: New(opmon.KindDelegation, db),
	}
}

// For returns the registry holding operations of kind.
func (s *Set) For(kind opmon.Kind) *Registry {
	switch kind {
	case opmon.KindGroup:
		return s.Group
	case opmon.KindWitness:
		return s.Witness
	case opmon.KindDelegation:
		return s.Delegation
	default:
		return nil
	}
}

// Consume returns the pending key matching an operation key, for deletion
// in the same batch as the operation's terminal transition.
func (s *Set) Consume(key opmon.Key) [][]byte {
	r := s.For(key.Kind)
	if r == nil {
		return nil
	}

	return [][]byte{r.Key(key.Prefix, key.Sn)}
}

// DropPrefix removes the entries of prefix from every registry.
func (s *Set) DropPrefix(prefix string) error {
	for _, r := range []*Registry{s.Group, s.Witness, s.Delegation} {
		if err := r.DropPrefix(prefix); err != nil {
			return err
		}
	}

	return nil
}

// Open records e and submits its operation in one batch. When a pending
// operation already exists it is returned and e is not rewritten.
func (r *Registry) Open(mon *opmon.Monitor, e Entry, meta opmon.Metadata) (*opmon.Operation, error) {
	kv, err := r.KV(e)
	if err != nil {
		return nil, err
	}

	if meta.Said == "" {
		meta.Said = e.Said
	}

	return mon.Submit(r.opKey(e.Prefix, e.Sn), meta, kv)
}

// Complete finishes the operation of (prefix, sn) and consumes its entry.
func (r *Registry) Complete(mon *opmon.Monitor, prefix string, sn uint64, artifact any) (*opmon.Operation, error) {
	return mon.Complete(r.opKey(prefix, sn), artifact, r.Key(prefix, sn))
}

// Fail fails the operation of (prefix, sn) and consumes its entry.
func (r *Registry) Fail(mon *opmon.Monitor, prefix string, sn uint64, cause error) (*opmon.Operation, error) {
	return mon.Fail(r.opKey(prefix, sn), cause, r.Key(prefix, sn))
}

// opKey returns the operation key paired with (prefix, sn).
func (r *Registry) opKey(prefix string, sn uint64) opmon.Key {
	return opmon.Key{Kind: r.kind, Prefix: prefix, Sn: sn}
}
