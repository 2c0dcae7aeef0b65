package network

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"

	"Conclave/internal/logger"
)

const (
	// defaultRequestTimeout bounds a request whose context has no deadline.
	defaultRequestTimeout = 30 * time.Second

	// statusOK and statusError prefix every response frame.
	statusOK    byte = 0
	statusError byte = 1
)

// Peer is a connection to another agent.
type Peer struct {
	publicKey ed25519.PublicKey // publicKey identifies the remote agent
	address   string            // address is the remote address
	conn      *quic.Conn        // conn is the QUIC connection
	node      *Node             // node owns the peer
	closed    atomic.Bool       // closed is set once
}

// PublicKey returns the remote transport key.
func (p *Peer) PublicKey() ed25519.PublicKey {
	return p.publicKey
}

// Address returns the remote address.
func (p *Peer) Address() string {
	return p.address
}

// Request sends data on a new bidirectional stream and waits for the
// answer. A handler error on the remote side is returned as an error.
func (p *Peer) Request(ctx context.Context, data []byte) ([]byte, error) {
	if p.closed.Load() {
		return nil, fmt.Errorf("peer %s is closed", p.address)
	}

	stream, err := p.conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, fmt.Errorf("open stream:\n%w", err)
	}
	defer stream.Close()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(defaultRequestTimeout)
	}
	stream.SetDeadline(deadline)

	if err := writeFrame(stream, data); err != nil {
		return nil, fmt.Errorf("write request:\n%w", err)
	}

	resp, err := readFrame(stream)
	if err != nil {
		return nil, fmt.Errorf("read response:\n%w", err)
	}

	if len(resp) == 0 {
		return nil, fmt.Errorf("empty response")
	}

	if resp[0] == statusError {
		return nil, fmt.Errorf("remote: %s", resp[1:])
	}

	return resp[1:], nil
}

// Close closes the connection.
func (p *Peer) Close() error {
	if p.closed.Swap(true) {
		return nil
	}

	p.node.forget(p)

	return p.conn.CloseWithError(0, "closed")
}

// serve answers incoming streams until the connection ends.
func (p *Peer) serve(ctx context.Context) {
	for {
		stream, err := p.conn.AcceptStream(ctx)
		if err != nil {
			logger.Debug("peer disconnected", "peer", p.address, "error", err)
			p.closed.Store(true)
			p.node.forget(p)

			return
		}

		go p.answer(stream)
	}
}

// answer reads one request frame and writes the status-prefixed response.
func (p *Peer) answer(stream *quic.Stream) {
	defer stream.Close()

	data, err := readFrame(stream)
	if err != nil {
		return
	}

	resp, err := p.node.handle(p, data)

	frame := append([]byte{statusOK}, resp...)
	if err != nil {
		frame = append([]byte{statusError}, err.Error()...)
	}

	if err := writeFrame(stream, frame); err != nil {
		logger.Debug("write response", "peer", p.address, "error", err)
	}
}
