// Package exchange is the append-only store of group conversation messages.
// Messages are keyed by their own SAID and indexed by the SAID of their
// embedded section, which correlates every proposal of one conversation.
package exchange

import (
	"encoding/json"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"Conclave/internal/event"
	"Conclave/internal/kerr"
	"Conclave/internal/keylock"
	"Conclave/internal/storage"
)

const (
	messagePrefix = "m:"  // messagePrefix stores messages by SAID
	indexPrefix   = "mi:" // indexPrefix orders messages per conversation

	defaultCacheSize = 1024
)

// Message is a signed exchange message with the seal of its sender's
// establishment state.
type Message struct {
	Exn      *event.Event // Exn is the exchange message
	Sigs     []string     // Sigs are the sender's signatures
	Embedded []string     // Embedded are the sender's signatures over the embedded key event
	Seal     event.Seal   // Seal references the sender's last establishment event
	Received time.Time    // Received is the local arrival time
}

// Sender returns the prefix that sent the message.
func (m *Message) Sender() string { return m.Exn.Sender() }

// storedMessage is the persisted form of a Message.
type storedMessage struct {
	Kind     event.Kind `json:"kind"`
	Raw      []byte     `json:"raw"`
	Sigs     []string   `json:"sigs"`
	Embedded []string   `json:"embedded,omitempty"`
	Seal     event.Seal `json:"seal"`
	Received time.Time  `json:"received"`
}

// Store persists exchange messages.
type Store struct {
	db    *storage.Storage             // db persists messages and the index
	locks *keylock.Map                 // locks orders appends per conversation
	cache *lru.Cache[string, *Message] // cache holds decoded messages by SAID
}

// New creates a store over db.
func New(db *storage.Storage) (*Store, error) {
	cache, err := lru.New[string, *Message](defaultCacheSize)
	if err != nil {
		return nil, fmt.Errorf("create message cache:\n%w", err)
	}

	return &Store{db: db, locks: keylock.New(), cache: cache}, nil
}

// Add appends msg. A message already stored under its SAID is returned
// unchanged and reported as not added.
func (s *Store) Add(msg *Message) (*Message, bool, error) {
	said := msg.Exn.Said()
	if said == "" {
		return nil, false, kerr.Missing("exn.d")
	}

	esaid := msg.Exn.EmbedsSaid()

	unlock := s.locks.Lock(esaid)
	defer unlock()

	existing, err := s.Get(said)
	if err == nil {
		return existing, false, nil
	}

	if msg.Received.IsZero() {
		msg.Received = time.Now().UTC()
	}

	data, err := json.Marshal(storedMessage{
		Kind:     msg.Exn.Kind(),
		Raw:      msg.Exn.Raw(),
		Sigs:     msg.Sigs,
		Embedded: msg.Embedded,
		Seal:     msg.Seal,
		Received: msg.Received,
	})
	if err != nil {
		return nil, false, fmt.Errorf("marshal message:\n%w", err)
	}

	sets := []storage.KeyValue{{Key: messageKey(said), Value: data}}

	if esaid != "" {
		seq, err := s.count(esaid)
		if err != nil {
			return nil, false, err
		}

		sets = append(sets, storage.KeyValue{Key: indexKey(esaid, seq), Value: []byte(said)})
	}

	if err := s.db.Write(sets, nil); err != nil {
		return nil, false, fmt.Errorf("store message:\n%w", err)
	}

	s.cache.Add(said, msg)

	return msg, true, nil
}

// Get returns the message with SAID said.
func (s *Store) Get(said string) (*Message, error) {
	if msg, ok := s.cache.Get(said); ok {
		return msg, nil
	}

	data, err := s.db.Get(messageKey(said))
	if err != nil {
		return nil, err
	}

	if data == nil {
		return nil, kerr.NotFound("exchange message %s", said)
	}

	var sm storedMessage
	if err := json.Unmarshal(data, &sm); err != nil {
		return nil, fmt.Errorf("decode message:\n%w", err)
	}

	exn, err := event.Decode(sm.Raw, sm.Kind)
	if err != nil {
		return nil, err
	}

	msg := &Message{Exn: exn, Sigs: sm.Sigs, Embedded: sm.Embedded, Seal: sm.Seal, Received: sm.Received}
	s.cache.Add(said, msg)

	return msg, nil
}

// MessagesFor returns the messages of a conversation in arrival order.
func (s *Store) MessagesFor(esaid string) ([]*Message, error) {
	var saids []string

	err := s.db.IteratePrefix(indexPrefixOf(esaid), func(_, value []byte) error {
		saids = append(saids, string(value))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan conversation:\n%w", err)
	}

	msgs := make([]*Message, 0, len(saids))

	for _, said := range saids {
		msg, err := s.Get(said)
		if err != nil {
			return nil, err
		}

		msgs = append(msgs, msg)
	}

	return msgs, nil
}

// count returns the number of indexed messages of a conversation.
func (s *Store) count(esaid string) (uint64, error) {
	keys, err := s.db.Keys(indexPrefixOf(esaid))
	if err != nil {
		return 0, err
	}

	return uint64(len(keys)), nil
}

func messageKey(said string) []byte { return []byte(messagePrefix + said) }

func indexPrefixOf(esaid string) []byte { return []byte(indexPrefix + esaid + ":") }

func indexKey(esaid string, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%s:%016x", indexPrefix, esaid, seq))
}
