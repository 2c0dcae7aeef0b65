package courier

import (
	"context"
	"fmt"
	"sync"
)

// Loopback delivers in-process to registered inboxes. It round-trips
// every message through the envelope codec so receivers see exactly what
// the network would carry.
type Loopback struct {
	mu      sync.RWMutex      // mu protects inboxes and down
	inboxes map[string]*Inbox // inboxes is keyed by prefix
	down    map[string]int    // down counts deliveries to fail per prefix, -1 fails all
}

// NewLoopback creates an empty loopback.
func NewLoopback() *Loopback {
	return &Loopback{
		inboxes: make(map[string]*Inbox),
		down:    make(map[string]int),
	}
}

// Register routes deliveries for prefix to inbox.
func (l *Loopback) Register(prefix string, inbox *Inbox) {
	l.mu.Lock()
	l.inboxes[prefix] = inbox
	l.mu.Unlock()
}

// FailNext makes the next n deliveries to prefix fail. A negative n fails
// every delivery until Restore.
func (l *Loopback) FailNext(prefix string, n int) {
	l.mu.Lock()
	l.down[prefix] = n
	l.mu.Unlock()
}

// Restore clears injected failures for prefix.
func (l *Loopback) Restore(prefix string) {
	l.mu.Lock()
	delete(l.down, prefix)
	l.mu.Unlock()
}

// Deliver dispatches msg to the destination inbox.
func (l *Loopback) Deliver(ctx context.Context, msg Message) error {
	l.mu.Lock()
	inbox := l.inboxes[msg.Dest]
	n, failing := l.down[msg.Dest]
	if failing && n > 0 {
		l.down[msg.Dest] = n - 1
		if n == 1 {
			delete(l.down, msg.Dest)
		}
	}
	l.mu.Unlock()

	if failing && n != 0 {
		return fmt.Errorf("%s unreachable", msg.Dest)
	}

	if inbox == nil {
		return fmt.Errorf("no route to %s", msg.Dest)
	}

	data, err := encode(msg, idOf(ctx))
	if err != nil {
		return err
	}

	decoded, _, err := decode(data)
	if err != nil {
		return err
	}

	return inbox.Dispatch(ctx, decoded)
}
