// Package courier delivers authorization artifacts (an event with its
// signatures) to named remote participants.
package courier

import (
	"context"
	"fmt"

	"Conclave/internal/event"
)

// Topics used between agents.
const (
	TopicMultisig  = "multisig" // TopicMultisig carries group proposals and contributions
	TopicReceipt   = "receipt"  // TopicReceipt carries events to witnesses for receipting
	TopicReceipted = "rct"      // TopicReceipted carries witness receipts back to the controller
	TopicDelegate  = "delegate" // TopicDelegate carries delegated events to their delegator
	TopicAnchor    = "anchor"   // TopicAnchor carries the delegator's anchoring event to the delegate
)

// Message is one addressed artifact.
type Message struct {
	Source   string       // Source is the sending prefix
	Dest     string       // Dest is the receiving prefix
	Topic    string       // Topic selects the receiving handler
	Event    *event.Event // Event is the artifact
	Sigs     []string     // Sigs are the signatures attached to Event
	Embedded []string     // Embedded are signatures over the key event embedded in an exn
	Seal     *event.Seal  // Seal references the sender's establishment state, if any
}

// Courier delivers messages. Implementations decide redelivery policy.
type Courier interface {
	Deliver(ctx context.Context, msg Message) error
}

// Directory resolves a prefix to a transport address.
type Directory interface {
	Resolve(prefix string) (string, error)
}

// StaticDirectory is a fixed prefix to address map.
type StaticDirectory map[string]string

// Resolve returns the address of prefix.
func (d StaticDirectory) Resolve(prefix string) (string, error) {
	addr, ok := d[prefix]
	if !ok {
		return "", fmt.Errorf("no address for %s", prefix)
	}

	return addr, nil
}
