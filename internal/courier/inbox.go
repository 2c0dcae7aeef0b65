package courier

import (
	"context"
	"fmt"
	"sync"

	"Conclave/internal/logger"
	"Conclave/internal/network"
)

// Handler processes a delivered message. A returned error is sent back to
// the sender as a delivery failure.
type Handler func(ctx context.Context, msg Message) error

// Inbox dispatches delivered messages by topic.
type Inbox struct {
	mu       sync.RWMutex       // mu protects handlers
	handlers map[string]Handler // handlers maps topic to handler
}

// NewInbox creates an inbox without handlers.
func NewInbox() *Inbox {
	return &Inbox{handlers: make(map[string]Handler)}
}

// Subscribe installs the handler of topic, replacing any previous one.
func (in *Inbox) Subscribe(topic string, h Handler) {
	in.mu.Lock()
	in.handlers[topic] = h
	in.mu.Unlock()
}

// Dispatch routes msg to its topic handler.
func (in *Inbox) Dispatch(ctx context.Context, msg Message) error {
	in.mu.RLock()
	h := in.handlers[msg.Topic]
	in.mu.RUnlock()

	if h == nil {
		return fmt.Errorf("no handler for topic %q", msg.Topic)
	}

	return h(ctx, msg)
}

// Serve answers transport requests carrying envelopes. Install it with
// network.Node.OnRequest.
func (in *Inbox) Serve(p *network.Peer, data []byte) ([]byte, error) {
	msg, id, err := decode(data)
	if err != nil {
		return nil, err
	}

	logger.Debug("message received", "id", id, "topic", msg.Topic, "src", msg.Source, "peer", p.Address())

	if err := in.Dispatch(context.Background(), msg); err != nil {
		return nil, err
	}

	return []byte(id), nil
}
