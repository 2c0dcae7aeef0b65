package main

import (
	"crypto/ed25519"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"Conclave/internal/api"
	"Conclave/internal/contacts"
	"Conclave/internal/courier"
	"Conclave/internal/delegation"
	"Conclave/internal/event"
	"Conclave/internal/exchange"
	"Conclave/internal/group"
	"Conclave/internal/kel"
	"Conclave/internal/lifecycle"
	"Conclave/internal/logger"
	"Conclave/internal/metrics"
	"Conclave/internal/network"
	"Conclave/internal/opmon"
	"Conclave/internal/pending"
	"Conclave/internal/storage"
	"Conclave/internal/witness"
)

// Agent is a running Conclave agent.
type Agent struct {
	cfg     *Config
	storage *storage.Storage

	registry  *kel.Registry
	monitor   *opmon.Monitor
	pending   *pending.Set
	exchanges *exchange.Store
	contacts  *contacts.Store
	metrics   *metrics.Collector

	network    *network.Node
	inbox      *courier.Inbox
	courier    courier.Courier
	dispatcher *courier.Dispatcher

	groups    *group.Engine
	receipter *witness.Receipter
	approver  *delegation.Approver
	requests  *delegation.Requests
	witness   *witness.Service // witness is nil unless the witness role is enabled
	lifecycle *lifecycle.Coordinator
	api       *api.Server

	stop chan struct{}  // stop ends background loops
	wg   sync.WaitGroup // wg tracks background loops
}

// NewAgent creates and wires an agent.
func NewAgent(cfg *Config) (*Agent, error) {
	a := &Agent{cfg: cfg, stop: make(chan struct{})}

	if err := a.initStorage(); err != nil {
		return nil, err
	}

	if err := a.initRegistries(); err != nil {
		a.Close()
		return nil, err
	}

	if err := a.initNetwork(); err != nil {
		a.Close()
		return nil, err
	}

	if err := a.initEngines(); err != nil {
		a.Close()
		return nil, err
	}

	a.initAPI()

	return a, nil
}

// Run starts the transport and the API and blocks until a shutdown signal.
func (a *Agent) Run() error {
	if err := a.network.Start(); err != nil {
		a.Close()
		return fmt.Errorf("start network:\n%w", err)
	}

	a.network.OnRequest(a.inbox.Serve)

	if err := a.restorePendingGauge(); err != nil {
		logger.Warn("restore pending gauge", "error", err)
	}

	if err := a.api.Start(); err != nil {
		a.Close()
		return fmt.Errorf("start api:\n%w", err)
	}

	if a.cfg.OperationTimeout > 0 {
		a.wg.Add(1)
		go a.sweepLoop()
	}

	return a.waitForShutdown()
}

// Close releases every component in reverse wiring order.
func (a *Agent) Close() error {
	select {
	case <-a.stop:
	default:
		close(a.stop)
	}

	a.wg.Wait()

	if a.api != nil {
		a.api.Stop()
	}

	// Inbound handlers dispatch replies, so the network stops first.
	if a.network != nil {
		a.network.Close()
	}

	if a.dispatcher != nil {
		a.dispatcher.Close()
	}

	if a.storage != nil {
		a.storage.Close()
	}

	return nil
}

// waitForShutdown blocks until SIGINT or SIGTERM and closes the agent.
func (a *Agent) waitForShutdown() error {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	<-sig

	logger.Info("shutting down")

	return a.Close()
}

// sweepLoop fails operations pending longer than the configured timeout.
func (a *Agent) sweepLoop() {
	defer a.wg.Done()

	ticker := time.NewTicker(a.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-a.stop:
			return
		case <-ticker.C:
			a.sweep()
		}
	}
}

// sweep runs one timeout pass.
func (a *Agent) sweep() {
	start := time.Now()

	failed, err := a.monitor.Sweep(a.cfg.OperationTimeout, a.pending.Consume)
	if err != nil {
		logger.Error("operation sweep", "error", err)
		return
	}

	if len(failed) > 0 {
		logger.Info("operation sweep", "failed", len(failed), logger.Timed(start))
	}
}

// restorePendingGauge counts operations still pending after a restart.
func (a *Agent) restorePendingGauge() error {
	for _, kind := range []opmon.Kind{opmon.KindGroup, opmon.KindWitness, opmon.KindDelegation} {
		ops, err := a.monitor.List(kind)
		if err != nil {
			return err
		}

		n := 0
		for _, op := range ops {
			if op.Status == opmon.Pending {
				n++
			}
		}

		a.metrics.SetPending(kind, n)
	}

	return nil
}

// witnessPrefix derives the witness identifier from the transport key.
func witnessPrefix(priv ed25519.PrivateKey) (string, error) {
	return event.EncodeWitness(priv.Public().(ed25519.PublicKey))
}
