package main

import (
	"crypto/ed25519"
	"fmt"
	"os"

	"Conclave/internal/api"
	"Conclave/internal/contacts"
	"Conclave/internal/courier"
	"Conclave/internal/delegation"
	"Conclave/internal/exchange"
	"Conclave/internal/group"
	"Conclave/internal/kel"
	"Conclave/internal/lifecycle"
	"Conclave/internal/metrics"
	"Conclave/internal/network"
	"Conclave/internal/opmon"
	"Conclave/internal/pending"
	"Conclave/internal/storage"
	"Conclave/internal/witness"
)

// initStorage opens the Pebble store, in memory when configured.
func (a *Agent) initStorage() error {
	if a.cfg.InMemory {
		db, err := storage.NewMemory()
		if err != nil {
			return fmt.Errorf("init storage:\n%w", err)
		}

		a.storage = db

		return nil
	}

	if err := os.MkdirAll(a.cfg.DataPath, 0755); err != nil {
		return fmt.Errorf("create data directory:\n%w", err)
	}

	db, err := storage.New(a.cfg.DataPath + "/db")
	if err != nil {
		return fmt.Errorf("init storage:\n%w", err)
	}

	a.storage = db

	return nil
}

// initRegistries creates the stores every engine shares.
func (a *Agent) initRegistries() error {
	a.registry = kel.New(a.storage)
	a.monitor = opmon.New(a.storage)
	a.pending = pending.NewSet(a.storage)
	a.contacts = contacts.New(a.storage)
	a.metrics = metrics.New()

	a.monitor.SetObserver(a.metrics)

	ex, err := exchange.New(a.storage)
	if err != nil {
		return fmt.Errorf("init exchanges:\n%w", err)
	}

	a.exchanges = ex

	for prefix, alias := range a.cfg.Contacts {
		if err := a.contacts.Set(contacts.Contact{Prefix: prefix, Alias: alias}); err != nil {
			return fmt.Errorf("store contact %s:\n%w", prefix, err)
		}
	}

	return nil
}

// initNetwork creates the QUIC node and the courier stack over it.
func (a *Agent) initNetwork() error {
	node, err := network.NewNode(network.Config{
		PrivateKey: a.cfg.PrivateKey,
		ListenAddr: a.cfg.QUICAddress,
	})
	if err != nil {
		return fmt.Errorf("init network:\n%w", err)
	}

	a.network = node
	a.inbox = courier.NewInbox()

	transport := courier.NewTransport(node, courier.StaticDirectory(a.cfg.Peers))
	a.courier = courier.NewReliable(transport, a.cfg.Delivery, a.metrics)
	a.dispatcher = courier.NewDispatcher(a.courier, a.cfg.Workers)

	return nil
}

// initEngines wires the coordination engines and subscribes them to
// their courier topics.
func (a *Agent) initEngines() error {
	a.groups = group.New(group.Config{
		Registry:  a.registry,
		Monitor:   a.monitor,
		Pending:   a.pending.Group,
		Exchanges: a.exchanges,
		Contacts:  a.contacts,
		Courier:   a.courier,
		Fanout:    a.cfg.Workers,
	})

	a.receipter = witness.New(a.storage, a.registry, a.monitor, a.pending.Witness, a.dispatcher)
	a.approver = delegation.New(a.registry, a.monitor, a.pending.Delegation, a.dispatcher)
	a.requests = delegation.NewRequests(a.storage, a.registry, a.dispatcher)

	a.lifecycle = lifecycle.New(lifecycle.Config{
		Registry:   a.registry,
		Groups:     a.groups,
		Witness:    a.receipter,
		Delegation: a.approver,
		Requests:   a.requests,
		Monitor:    a.monitor,
		Pending:    a.pending,
	})

	a.inbox.Subscribe(courier.TopicMultisig, a.groups.HandleExchange)
	a.inbox.Subscribe(courier.TopicReceipted, a.receipter.HandleReceipt)
	a.inbox.Subscribe(courier.TopicDelegate, a.requests.HandleRequest)
	a.inbox.Subscribe(courier.TopicAnchor, a.approver.HandleAnchor)

	if !a.cfg.Witness {
		return nil
	}

	prefix, err := witnessPrefix(a.cfg.PrivateKey)
	if err != nil {
		return fmt.Errorf("witness prefix:\n%w", err)
	}

	key := a.cfg.PrivateKey
	sign := func(data []byte) []byte { return ed25519.Sign(key, data) }

	a.witness = witness.NewService(prefix, sign, a.storage, a.dispatcher)
	a.inbox.Subscribe(courier.TopicReceipt, a.witness.HandleEvent)

	return nil
}

// initAPI creates the HTTP server over the engines.
func (a *Agent) initAPI() {
	a.api = api.New(api.Config{
		Addr:      a.cfg.HTTPAddress,
		Registry:  a.registry,
		Lifecycle: a.lifecycle,
		Groups:    a.groups,
		Monitor:   a.monitor,
		Receipter: a.receipter,
		Approver:  a.approver,
		Requests:  a.requests,
		Metrics:   a.metrics,
	})
}
