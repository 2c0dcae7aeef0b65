package keylock

import "sync"

// Map hands out one mutex per key. Entries are reference counted and
// dropped when the last holder unlocks, so the map does not grow with
// the number of keys ever seen.
type Map struct {
	mu    sync.Mutex        // mu protects locks
	locks map[string]*entry // locks holds the entries currently in use
}

// entry is a reference-counted mutex.
type entry struct {
	mu   sync.Mutex // mu is the per-key lock
	refs int        // refs counts holders and waiters
}

// New creates an empty lock map.
func New() *Map {
	return &Map{locks: make(map[string]*entry)}
}

// Lock acquires the lock for key and returns its release function.
func (m *Map) Lock(key string) func() {
	m.mu.Lock()

	e, ok := m.locks[key]
	if !ok {
		e = &entry{}
		m.locks[key] = e
	}

	e.refs++
	m.mu.Unlock()

	e.mu.Lock()

	return func() {
		e.mu.Unlock()

		m.mu.Lock()
		e.refs--

		if e.refs == 0 {
			delete(m.locks, key)
		}

		m.mu.Unlock()
	}
}

// Len returns the number of keys currently locked or awaited.
func (m *Map) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.locks)
}
