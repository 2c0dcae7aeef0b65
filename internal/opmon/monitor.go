// Package opmon tracks long-running operations keyed by (kind, prefix, sn).
//
// Every transition of a key runs inside that key's critical section and is
// written in one storage batch together with the pending entry it creates
// or consumes, so an operation never exists without its pending entry.
package opmon

import (
	"encoding/json"
	"fmt"
	"time"

	"Conclave/internal/kerr"
	"Conclave/internal/keylock"
	"Conclave/internal/logger"
	"Conclave/internal/storage"
)

const keyPrefix = "o:"

// Observer is told about submissions and terminal transitions.
type Observer interface {
	Submitted(kind Kind)
	Finished(kind Kind, status Status)
}

// Monitor is the process-wide operation registry.
type Monitor struct {
	db       *storage.Storage // db persists operations
	locks    *keylock.Map     // locks is the per-key critical section
	now      func() time.Time // now is the clock, replaceable in tests
	observer Observer         // observer may be nil
}

// New creates a monitor over db.
func New(db *storage.Storage) *Monitor {
	return &Monitor{db: db, locks: keylock.New(), now: time.Now}
}

// SetObserver installs an observer of transitions.
func (m *Monitor) SetObserver(o Observer) {
	m.observer = o
}

// SetClock replaces the clock used for timestamps and sweeps.
func (m *Monitor) SetClock(now func() time.Time) {
	m.now = now
}

// Submit returns the pending operation for key, creating it when absent
// or terminal. Extra pairs are written in the same batch as a new
// operation and not at all when an existing pending one is returned.
func (m *Monitor) Submit(key Key, meta Metadata, extra ...storage.KeyValue) (*Operation, error) {
	if !key.Kind.Valid() {
		return nil, fmt.Errorf("unknown operation kind %q", key.Kind)
	}

	unlock := m.locks.Lock(key.Name())
	defer unlock()

	existing, err := m.load(key)
	if err != nil {
		return nil, err
	}

	if existing != nil && existing.Status == Pending {
		return existing, nil
	}

	meta.Sn = key.Sn
	now := m.stamp()

	op := &Operation{
		Name:     key.Name(),
		Kind:     key.Kind,
		Prefix:   key.Prefix,
		Metadata: meta,
		Status:   Pending,
		Created:  now,
		Updated:  now,
	}

	if err := m.store(op, extra, nil); err != nil {
		return nil, fmt.Errorf("submit %s:\n%w", op.Name, err)
	}

	logger.Debug("operation submitted", "name", op.Name)

	if m.observer != nil {
		m.observer.Submitted(key.Kind)
	}

	return op, nil
}

// Complete transitions a pending operation to done with artifact as its
// response, deleting consume keys in the same batch. A terminal operation
// is returned unchanged.
func (m *Monitor) Complete(key Key, artifact any, consume ...[]byte) (*Operation, error) {
	resp, err := json.Marshal(artifact)
	if err != nil {
		return nil, fmt.Errorf("marshal artifact:\n%w", err)
	}

	return m.finish(key, func(op *Operation) {
		op.Status = Done
		op.Response = resp
	}, consume)
}

// Fail transitions a pending operation to failed with the error detail.
// A terminal operation is returned unchanged.
func (m *Monitor) Fail(key Key, cause error, consume ...[]byte) (*Operation, error) {
	detail := &Error{Code: kerr.Status(cause), Message: cause.Error()}

	return m.finish(key, func(op *Operation) {
		op.Status = Failed
		op.Error = detail
	}, consume)
}

// finish applies a terminal transition under the key lock.
func (m *Monitor) finish(key Key, set func(*Operation), consume [][]byte) (*Operation, error) {
	unlock := m.locks.Lock(key.Name())
	defer unlock()

	op, err := m.load(key)
	if err != nil {
		return nil, err
	}

	if op == nil {
		return nil, kerr.NotFound("operation %s", key.Name())
	}

	if op.Status.Terminal() {
		return op, nil
	}

	set(op)
	op.Done = true
	op.Updated = m.stamp()

	if err := m.store(op, nil, consume); err != nil {
		return nil, fmt.Errorf("finish %s:\n%w", op.Name, err)
	}

	logger.Info("operation finished", "name", op.Name, "status", op.Status)

	if m.observer != nil {
		m.observer.Finished(op.Kind, op.Status)
	}

	return op, nil
}

// Get returns the operation for key.
func (m *Monitor) Get(key Key) (*Operation, error) {
	op, err := m.load(key)
	if err != nil {
		return nil, err
	}

	if op == nil {
		return nil, kerr.NotFound("operation %s", key.Name())
	}

	return op, nil
}

// GetByName parses name and returns its operation.
func (m *Monitor) GetByName(name string) (*Operation, error) {
	key, err := ParseName(name)
	if err != nil {
		return nil, kerr.NotFound("%v", err)
	}

	return m.Get(key)
}

// List returns operations, filtered by kind when kind is not empty.
func (m *Monitor) List(kind Kind) ([]*Operation, error) {
	prefix := keyPrefix
	if kind != "" {
		prefix += string(kind) + ":"
	}

	var ops []*Operation

	err := m.db.IteratePrefix([]byte(prefix), func(_, value []byte) error {
		var op Operation
		if err := json.Unmarshal(value, &op); err != nil {
			return err
		}

		ops = append(ops, &op)

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list operations:\n%w", err)
	}

	return ops, nil
}

// Remove deletes an operation regardless of its state.
func (m *Monitor) Remove(key Key) error {
	unlock := m.locks.Lock(key.Name())
	defer unlock()

	op, err := m.load(key)
	if err != nil {
		return err
	}

	if op == nil {
		return kerr.NotFound("operation %s", key.Name())
	}

	return m.db.Delete(storageKey(key))
}

// Sweep fails pending operations created more than timeout before now.
// consume returns the pending entry keys to delete with each failure.
// A zero timeout disables the sweep. Returns the failed operations.
func (m *Monitor) Sweep(timeout time.Duration, consume func(Key) [][]byte) ([]*Operation, error) {
	if timeout <= 0 {
		return nil, nil
	}

	ops, err := m.List("")
	if err != nil {
		return nil, err
	}

	cutoff := m.now().Add(-timeout)

	var failed []*Operation

	for _, op := range ops {
		if op.Status != Pending || op.Created.After(cutoff) {
			continue
		}

		var keys [][]byte
		if consume != nil {
			keys = consume(op.Key())
		}

		cause := fmt.Errorf("pending since %s:\n%w", op.Created.Format(time.RFC3339), kerr.ErrTimeout)

		done, err := m.Fail(op.Key(), cause, keys...)
		if err != nil {
			return failed, err
		}

		if done.Status == Failed && done.Error != nil && done.Error.Code == kerr.Status(kerr.ErrTimeout) {
			failed = append(failed, done)
		}
	}

	if len(failed) > 0 {
		logger.Warn("operations timed out", "count", len(failed))
	}

	return failed, nil
}

// stamp returns the current time as it reads back from storage.
func (m *Monitor) stamp() time.Time {
	return m.now().UTC().Round(0)
}

// load reads the operation for key or nil.
func (m *Monitor) load(key Key) (*Operation, error) {
	data, err := m.db.Get(storageKey(key))
	if err != nil || data == nil {
		return nil, err
	}

	var op Operation
	if err := json.Unmarshal(data, &op); err != nil {
		return nil, fmt.Errorf("decode operation:\n%w", err)
	}

	return &op, nil
}

// store writes op with extra sets and deletes in one batch.
func (m *Monitor) store(op *Operation, extra []storage.KeyValue, deletes [][]byte) error {
	data, err := json.Marshal(op)
	if err != nil {
		return err
	}

	sets := append([]storage.KeyValue{{Key: storageKey(op.Key()), Value: data}}, extra...)

	return m.db.Write(sets, deletes)
}

// storageKey encodes sn as fixed-width hex so one prefix lists in order.
func storageKey(key Key) []byte {
	return []byte(fmt.Sprintf("%s%s:%s:%016x", keyPrefix, key.Kind, key.Prefix, key.Sn))
}
