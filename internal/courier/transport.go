package courier

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"Conclave/internal/network"
)

// Transport delivers messages over QUIC to addresses from a Directory.
// Each call makes one attempt.
type Transport struct {
	node *network.Node // node carries the requests
	dir  Directory     // dir resolves destination prefixes
}

// NewTransport creates a transport over node.
func NewTransport(node *network.Node, dir Directory) *Transport {
	return &Transport{node: node, dir: dir}
}

// Deliver sends msg and waits for the receiver's acknowledgement.
func (t *Transport) Deliver(ctx context.Context, msg Message) error {
	addr, err := t.dir.Resolve(msg.Dest)
	if err != nil {
		return err
	}

	data, err := encode(msg, idOf(ctx))
	if err != nil {
		return err
	}

	peer, err := t.node.PeerFor(ctx, addr)
	if err != nil {
		return fmt.Errorf("connect %s:\n%w", msg.Dest, err)
	}

	if _, err := peer.Request(ctx, data); err != nil {
		return fmt.Errorf("deliver to %s:\n%w", msg.Dest, err)
	}

	return nil
}

type idKey struct{}

// withID pins the envelope id for every attempt made under ctx.
func withID(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, idKey{}, id)
}

// idOf returns the pinned envelope id or a fresh one.
func idOf(ctx context.Context) uuid.UUID {
	if id, ok := ctx.Value(idKey{}).(uuid.UUID); ok {
		return id
	}

	return uuid.New()
}
