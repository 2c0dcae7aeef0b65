package witness

import (
	"context"
	"fmt"

	"Conclave/internal/courier"
	"Conclave/internal/event"
	"Conclave/internal/kerr"
	"Conclave/internal/keylock"
	"Conclave/internal/logger"
	"Conclave/internal/storage"
)

const seenPrefix = "w:"

// SignFunc signs data with the witness key.
type SignFunc func(data []byte) []byte

// Service is the witness role: it receipts the first version of every
// event it is sent and refuses duplicitous versions of the same slot.
type Service struct {
	prefix   string              // prefix identifies this witness
	sign     SignFunc            // sign produces Ed25519 signatures
	db       *storage.Storage    // db remembers the first seen digest per slot
	locks    *keylock.Map        // locks serializes slots
	dispatch *courier.Dispatcher // dispatch returns receipts
}

// NewService creates the witness role for prefix.
func NewService(prefix string, sign SignFunc, db *storage.Storage, d *courier.Dispatcher) *Service {
	return &Service{prefix: prefix, sign: sign, db: db, locks: keylock.New(), dispatch: d}
}

// Prefix returns the witness prefix.
func (s *Service) Prefix() string { return s.prefix }

// HandleEvent is the courier handler for events sent to this witness.
func (s *Service) HandleEvent(_ context.Context, msg courier.Message) error {
	ev := msg.Event

	if !ev.Ilk().KeyEvent() {
		return kerr.Malformed("event", "ilk %q is not a key event", ev.Ilk())
	}

	if err := event.VerifySaid(ev); err != nil {
		return kerr.Malformed("event", "%v", err)
	}

	sn, err := ev.Sn()
	if err != nil {
		return kerr.Malformed("event", "%v", err)
	}

	index := indexOf(ev.Witnesses(), s.prefix)
	if ev.Ilk().Inceptive() && index < 0 {
		return kerr.Unauthorized("%s is not a witness of %s", s.prefix, ev.Prefix())
	}

	if index < 0 {
		index = 0
	}

	if err := s.firstSeen(ev.Prefix(), sn, ev.Said()); err != nil {
		return err
	}

	sig, err := event.NewSignature(event.Ed25519, index, s.sign(ev.Raw()))
	if err != nil {
		return fmt.Errorf("sign receipt:\n%w", err)
	}

	s.dispatch.Dispatch(courier.Message{
		Source: s.prefix,
		Dest:   msg.Source,
		Topic:  courier.TopicReceipted,
		Event:  ev,
		Sigs:   []string{sig},
	})

	logger.Info("event receipted", "prefix", ev.Prefix(), "sn", sn, "said", ev.Said())

	return nil
}

// firstSeen records said for the slot or rejects a different digest.
func (s *Service) firstSeen(prefix string, sn uint64, said string) error {
	key := []byte(fmt.Sprintf("%s%s:%016x", seenPrefix, prefix, sn))

	unlock := s.locks.Lock(string(key))
	defer unlock()

	seen, err := s.db.Get(key)
	if err != nil {
		return err
	}

	if seen == nil {
		return s.db.Set(key, []byte(said))
	}

	if string(seen) != said {
		return kerr.Conflict(prefix, sn, string(seen), said)
	}

	return nil
}

func indexOf(list []string, s string) int {
	for i, x := range list {
		if x == s {
			return i
		}
	}

	return -1
}
