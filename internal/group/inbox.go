package group

import (
	"context"

	"Conclave/internal/courier"
	"Conclave/internal/event"
	"Conclave/internal/exchange"
	"Conclave/internal/kerr"
	"Conclave/internal/logger"
)

// HandleExchange receives a group message forwarded by another member. It
// is installed as the courier handler of the multisig topic. A message
// already stored is acknowledged without further work.
func (e *Engine) HandleExchange(ctx context.Context, msg courier.Message) error {
	exn := msg.Event

	if err := checkExchange(exn, msg.Sigs); err != nil {
		return err
	}

	if exn.Sender() != msg.Source {
		return kerr.Unauthorized("message from %s claims sender %s", msg.Source, exn.Sender())
	}

	var seal event.Seal
	if msg.Seal != nil {
		seal = *msg.Seal
	}

	_, added, err := e.exchanges.Add(&exchange.Message{Exn: exn, Sigs: msg.Sigs, Embedded: msg.Embedded, Seal: seal})
	if err != nil {
		return err
	}

	if !added {
		logger.Debug("group message already stored", "said", exn.Said())
		return nil
	}

	logger.Info("group message received", "said", exn.Said(), "route", exn.Route(), "sender", exn.Sender())

	emb, err := exn.Embedded()
	if err != nil {
		return kerr.Malformed("exn", "%v", err)
	}

	if emb == nil || len(msg.Embedded) == 0 {
		return nil
	}

	if _, err := e.Contribute(ctx, emb, msg.Embedded, exn.Sender()); err != nil {
		logger.Warn("contribution rejected", "prefix", emb.Prefix(), "said", emb.Said(), "sender", exn.Sender(), "error", err)
		return err
	}

	return nil
}
