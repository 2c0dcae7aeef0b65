package network

import (
	"sync"
	"time"

	"github.com/zeebo/blake3"
)

// defaultDedupWindow is how long a request payload is remembered.
const defaultDedupWindow = time.Minute

// Dedup remembers recently seen payloads by blake3 hash so a redelivered
// request is acknowledged without being handled twice.
type Dedup struct {
	mu     sync.Mutex             // mu protects seen
	seen   map[[32]byte]time.Time // seen maps payload hash to first sight
	window time.Duration          // window is the retention period
	now    func() time.Time       // now is the clock
}

// NewDedup creates a tracker with the given retention window.
func NewDedup(window time.Duration) *Dedup {
	if window <= 0 {
		window = defaultDedupWindow
	}

	return &Dedup{seen: make(map[[32]byte]time.Time), window: window, now: time.Now}
}

// First reports whether data has not been seen within the window and
// records it. Expired entries are pruned on the way.
func (d *Dedup) First(data []byte) bool {
	hash := blake3.Sum256(data)
	now := d.now()

	d.mu.Lock()
	defer d.mu.Unlock()

	if at, ok := d.seen[hash]; ok && now.Sub(at) < d.window {
		return false
	}

	d.seen[hash] = now

	if len(d.seen) > 1024 {
		d.prune(now)
	}

	return true
}

// Forget drops data so a later redelivery is handled again.
func (d *Dedup) Forget(data []byte) {
	hash := blake3.Sum256(data)

	d.mu.Lock()
	delete(d.seen, hash)
	d.mu.Unlock()
}

// Len returns the number of remembered payloads.
func (d *Dedup) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return len(d.seen)
}

// prune drops expired entries. mu must be held.
func (d *Dedup) prune(now time.Time) {
	for h, at := range d.seen {
		if now.Sub(at) >= d.window {
			delete(d.seen, h)
		}
	}
}
