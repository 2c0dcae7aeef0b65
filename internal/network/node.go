// Package network carries agent-to-agent traffic over QUIC. Each agent is
// identified on the wire by an ed25519 key presented in a self-signed
// certificate; requests are length-prefixed frames on bidirectional
// streams and answered on the same stream.
package network

import (
	"context"
	"crypto/ed25519"
	"crypto/tls"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"Conclave/internal/logger"
)

const (
	// alpnProtocol is the ALPN protocol identifier.
	alpnProtocol = "conclave/1"

	// defaultIdleTimeout closes connections without traffic.
	defaultIdleTimeout = 30 * time.Second

	// keepAlivePeriod keeps directory peers connected between deliveries.
	keepAlivePeriod = 10 * time.Second
)

// Duplicate is the response sent for a request already handled within the
// dedup window.
var Duplicate = []byte("dup")

// Handler answers one request from a peer.
type Handler func(p *Peer, data []byte) ([]byte, error)

// Config holds the configuration for a Node.
type Config struct {
	PrivateKey  ed25519.PrivateKey // PrivateKey identifies the agent on the wire
	ListenAddr  string             // ListenAddr is the address to listen on (e.g. ":5631")
	IdleTimeout time.Duration      // IdleTimeout overrides the connection idle timeout
	DedupWindow time.Duration      // DedupWindow overrides how long requests are remembered
}

// Node accepts and dials QUIC connections to other agents.
type Node struct {
	key        ed25519.PrivateKey // key is the agent transport key
	listenAddr string             // listenAddr is the address to listen on
	tlsConfig  *tls.Config        // tlsConfig carries the self-signed certificate
	quicConfig *quic.Config       // quicConfig tunes timeouts

	listener *quic.Listener // listener is set by Start

	mu     sync.RWMutex     // mu protects peers and byAddr
	peers  map[string]*Peer // peers maps public key hex to peer
	byAddr map[string]*Peer // byAddr maps dialed address to peer

	dialMu sync.Mutex // dialMu serializes dials so one address gets one connection

	dedup *Dedup // dedup filters redelivered requests

	handlerMu sync.RWMutex // handlerMu protects handler
	handler   Handler      // handler answers incoming requests

	ctx    context.Context    // ctx is cancelled by Close
	cancel context.CancelFunc // cancel cancels ctx
	wg     sync.WaitGroup     // wg tracks accept and receive loops
}

// NewNode creates a node. Call Start to accept connections.
func NewNode(cfg Config) (*Node, error) {
	if cfg.PrivateKey == nil {
		return nil, fmt.Errorf("private key is required")
	}

	if cfg.ListenAddr == "" {
		return nil, fmt.Errorf("listen address is required")
	}

	tlsConfig, err := newTLSConfig(cfg.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("tls config:\n%w", err)
	}

	idle := cfg.IdleTimeout
	if idle == 0 {
		idle = defaultIdleTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Node{
		key:        cfg.PrivateKey,
		listenAddr: cfg.ListenAddr,
		tlsConfig:  tlsConfig,
		quicConfig: &quic.Config{MaxIdleTimeout: idle, KeepAlivePeriod: keepAlivePeriod},
		peers:      make(map[string]*Peer),
		byAddr:     make(map[string]*Peer),
		dedup:      NewDedup(cfg.DedupWindow),
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

// PublicKey returns the node's transport key.
func (n *Node) PublicKey() ed25519.PublicKey {
	return n.key.Public().(ed25519.PublicKey)
}

// Addr returns the listening address, or "" before Start.
func (n *Node) Addr() string {
	if n.listener == nil {
		return ""
	}

	return n.listener.Addr().String()
}

// OnRequest installs the request handler.
func (n *Node) OnRequest(h Handler) {
	n.handlerMu.Lock()
	n.handler = h
	n.handlerMu.Unlock()
}

// Start listens and accepts connections in the background.
func (n *Node) Start() error {
	listener, err := quic.ListenAddr(n.listenAddr, n.tlsConfig, n.quicConfig)
	if err != nil {
		return fmt.Errorf("listen %s:\n%w", n.listenAddr, err)
	}

	n.listener = listener

	n.wg.Add(1)
	go n.acceptLoop()

	logger.Info("transport listening", "addr", n.Addr())

	return nil
}

// PeerFor returns a live connection to addr, dialing when needed.
func (n *Node) PeerFor(ctx context.Context, addr string) (*Peer, error) {
	n.mu.RLock()
	p := n.byAddr[addr]
	n.mu.RUnlock()

	if p != nil && !p.closed.Load() {
		return p, nil
	}

	n.dialMu.Lock()
	defer n.dialMu.Unlock()

	n.mu.RLock()
	p = n.byAddr[addr]
	n.mu.RUnlock()

	if p != nil && !p.closed.Load() {
		return p, nil
	}

	return n.Connect(ctx, addr)
}

// Connect dials addr and registers the resulting peer.
func (n *Node) Connect(ctx context.Context, addr string) (*Peer, error) {
	conn, err := quic.DialAddr(ctx, addr, n.tlsConfig, n.quicConfig)
	if err != nil {
		return nil, fmt.Errorf("dial %s:\n%w", addr, err)
	}

	p, err := n.register(conn, addr, true)
	if err != nil {
		conn.CloseWithError(1, "setup failed")
		return nil, err
	}

	return p, nil
}

// Peers returns the connected peers.
func (n *Node) Peers() []*Peer {
	n.mu.RLock()
	defer n.mu.RUnlock()

	out := make([]*Peer, 0, len(n.peers))
	for _, p := range n.peers {
		out = append(out, p)
	}

	return out
}

// Close stops accepting, closes every peer and waits for loops to end.
func (n *Node) Close() error {
	n.cancel()

	if n.listener != nil {
		n.listener.Close()
	}

	for _, p := range n.Peers() {
		p.Close()
	}

	n.wg.Wait()

	return nil
}

// acceptLoop registers incoming connections until the listener closes.
func (n *Node) acceptLoop() {
	defer n.wg.Done()

	for {
		conn, err := n.listener.Accept(n.ctx)
		if err != nil {
			return
		}

		if _, err := n.register(conn, conn.RemoteAddr().String(), false); err != nil {
			logger.Debug("rejected connection", "remote", conn.RemoteAddr(), "error", err)
			conn.CloseWithError(1, "setup failed")
		}
	}
}

// register creates a Peer for conn and starts serving its streams.
// Dialed peers are indexed by address for reuse.
func (n *Node) register(conn *quic.Conn, addr string, dialed bool) (*Peer, error) {
	pub, err := peerKey(conn.ConnectionState().TLS)
	if err != nil {
		return nil, fmt.Errorf("peer key:\n%w", err)
	}

	p := &Peer{publicKey: pub, address: addr, conn: conn, node: n}
	id := hex.EncodeToString(pub)

	n.mu.Lock()
	n.peers[id] = p
	if dialed {
		n.byAddr[addr] = p
	}
	n.mu.Unlock()

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		p.serve(n.ctx)
	}()

	logger.Debug("peer connected", "peer", id[:16], "addr", addr)

	return p, nil
}

// forget removes a closed peer from the indexes.
func (n *Node) forget(p *Peer) {
	id := hex.EncodeToString(p.publicKey)

	n.mu.Lock()
	if n.peers[id] == p {
		delete(n.peers, id)
	}
	if n.byAddr[p.address] == p {
		delete(n.byAddr, p.address)
	}
	n.mu.Unlock()
}

// handle answers a request through the installed handler, filtering
// redeliveries.
func (n *Node) handle(p *Peer, data []byte) ([]byte, error) {
	if !n.dedup.First(data) {
		logger.Debug("duplicate request", "peer", p.address, "bytes", len(data))
		return Duplicate, nil
	}

	n.handlerMu.RLock()
	h := n.handler
	n.handlerMu.RUnlock()

	if h == nil {
		n.dedup.Forget(data)
		return nil, fmt.Errorf("no request handler registered")
	}

	resp, err := h(p, data)
	if err != nil {
		n.dedup.Forget(data)
	}

	return resp, err
}
