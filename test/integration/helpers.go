// Package integration runs several agents in one process, connected by the
// loopback courier, and drives group, witness and delegation flows across
// them.
package integration

import (
	"context"
	"crypto/ed25519"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"Conclave/internal/courier"
	"Conclave/internal/delegation"
	"Conclave/internal/event"
	"Conclave/internal/event/eventtest"
	"Conclave/internal/exchange"
	"Conclave/internal/group"
	"Conclave/internal/kel"
	"Conclave/internal/lifecycle"
	"Conclave/internal/metrics"
	"Conclave/internal/opmon"
	"Conclave/internal/pending"
	"Conclave/internal/storage"
	"Conclave/internal/witness"
)

const (
	// waitTimeout bounds how long a test waits for asynchronous delivery.
	waitTimeout = 5 * time.Second

	// waitTick is the polling interval while waiting.
	waitTick = 10 * time.Millisecond
)

// testPolicy retries quickly so injected failures resolve within a test.
var testPolicy = courier.Policy{
	BaseDelay:    5 * time.Millisecond,
	MaxRetries:   3,
	TripAfter:    20,
	OpenInterval: time.Second,
}

// Network connects the agents and witnesses of one test.
type Network struct {
	Loop    *courier.Loopback  // Loop routes deliveries by destination prefix
	Metrics *metrics.Collector // Metrics observes every delivery
	Courier courier.Courier    // Courier retries over Loop
}

// NewNetwork creates an empty network.
func NewNetwork() *Network {
	loop := courier.NewLoopback()
	m := metrics.New()

	return &Network{Loop: loop, Metrics: m, Courier: courier.NewReliable(loop, testPolicy, m)}
}

// Agent is one controller with its own storage and engines.
type Agent struct {
	Name      string
	Registry  *kel.Registry
	Monitor   *opmon.Monitor
	Pending   *pending.Set
	Groups    *group.Engine
	Receipter *witness.Receipter
	Approver  *delegation.Approver
	Requests  *delegation.Requests
	Lifecycle *lifecycle.Coordinator
	Inbox     *courier.Inbox

	net *Network
}

// Agent starts a controller named name on the network.
func (n *Network) Agent(t *testing.T, name string) *Agent {
	t.Helper()

	db := newDB(t)

	ex, err := exchange.New(db)
	require.NoError(t, err)

	d := courier.NewDispatcher(n.Courier, 4)
	t.Cleanup(d.Close)

	a := &Agent{
		Name:     name,
		Registry: kel.New(db),
		Monitor:  opmon.New(db),
		Pending:  pending.NewSet(db),
		Inbox:    courier.NewInbox(),
		net:      n,
	}

	a.Monitor.SetObserver(n.Metrics)
	a.Groups = group.New(group.Config{
		Registry:  a.Registry,
		Monitor:   a.Monitor,
		Pending:   a.Pending.Group,
		Exchanges: ex,
		Courier:   n.Courier,
		Fanout:    2,
	})
	a.Receipter = witness.New(db, a.Registry, a.Monitor, a.Pending.Witness, d)
	a.Approver = delegation.New(a.Registry, a.Monitor, a.Pending.Delegation, d)
	a.Requests = delegation.NewRequests(db, a.Registry, d)
	a.Lifecycle = lifecycle.New(lifecycle.Config{
		Registry:   a.Registry,
		Groups:     a.Groups,
		Witness:    a.Receipter,
		Delegation: a.Approver,
		Requests:   a.Requests,
		Monitor:    a.Monitor,
		Pending:    a.Pending,
	})

	a.Inbox.Subscribe(courier.TopicMultisig, a.Groups.HandleExchange)
	a.Inbox.Subscribe(courier.TopicReceipted, a.Receipter.HandleReceipt)
	a.Inbox.Subscribe(courier.TopicDelegate, a.Requests.HandleRequest)
	a.Inbox.Subscribe(courier.TopicAnchor, a.Approver.HandleAnchor)

	return a
}

// Incept creates a single-signature identifier. The prefix is routed to
// the agent before inception so early replies find it.
func (a *Agent) Incept(t *testing.T, alias string, opts eventtest.Inception) (*lifecycle.Result, *event.Event) {
	t.Helper()

	icp := eventtest.Incept(t, opts)
	a.net.Loop.Register(icp.Prefix(), a.Inbox)

	res, err := a.Lifecycle.Incept(context.Background(), lifecycle.InceptRequest{
		Name:  alias,
		Event: icp,
		Sigs:  eventtest.Sigs(t, 0),
	})
	require.NoError(t, err)

	return res, icp
}

// Member incepts a final, witnessless identifier and returns it.
func (a *Agent) Member(t *testing.T, alias string, seed byte) *kel.Hab {
	t.Helper()

	res, _ := a.Incept(t, alias, eventtest.Inception{Seed: seed})
	require.True(t, res.Final())

	return res.Hab
}

// Op returns the operation of kind for (prefix, sn).
func (a *Agent) Op(t *testing.T, kind opmon.Kind, prefix string, sn uint64) *opmon.Operation {
	t.Helper()

	op, err := a.Monitor.Get(opmon.Key{Kind: kind, Prefix: prefix, Sn: sn})
	require.NoError(t, err)

	return op
}

// AwaitStatus waits until the operation reaches status.
func (a *Agent) AwaitStatus(t *testing.T, kind opmon.Kind, prefix string, sn uint64, status opmon.Status) *opmon.Operation {
	t.Helper()

	key := opmon.Key{Kind: kind, Prefix: prefix, Sn: sn}

	require.Eventually(t, func() bool {
		op, err := a.Monitor.Get(key)
		return err == nil && op.Status == status
	}, waitTimeout, waitTick, "%s on %s never reached %s", key.Name(), a.Name, status)

	return a.Op(t, kind, prefix, sn)
}

// Witness is a witness agent.
type Witness struct {
	Prefix  string
	Service *witness.Service
}

// Witness starts a witness whose key derives from seed.
func (n *Network) Witness(t *testing.T, seed byte) *Witness {
	t.Helper()

	s := make([]byte, ed25519.SeedSize)
	for i := range s {
		s[i] = seed
	}

	key := ed25519.NewKeyFromSeed(s)

	prefix, err := event.EncodeWitness(key.Public().(ed25519.PublicKey))
	require.NoError(t, err)

	d := courier.NewDispatcher(n.Courier, 2)
	t.Cleanup(d.Close)

	svc := witness.NewService(prefix, func(data []byte) []byte {
		return ed25519.Sign(key, data)
	}, newDB(t), d)

	inbox := courier.NewInbox()
	inbox.Subscribe(courier.TopicReceipt, svc.HandleEvent)
	n.Loop.Register(prefix, inbox)

	return &Witness{Prefix: prefix, Service: svc}
}

func newDB(t *testing.T) *storage.Storage {
	t.Helper()

	db, err := storage.NewMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return db
}
