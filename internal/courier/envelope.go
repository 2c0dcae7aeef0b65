package courier

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"

	"Conclave/internal/event"
)

var (
	encoder *zstd.Encoder
	decoder *zstd.Decoder
)

func init() {
	var err error

	encoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("courier: zstd encoder initialization failed: " + err.Error())
	}

	decoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("courier: zstd decoder initialization failed: " + err.Error())
	}
}

// envelope is the wire form of a Message.
type envelope struct {
	ID       string      `json:"id"`
	Source   string      `json:"src"`
	Dest     string      `json:"dest"`
	Topic    string      `json:"topic"`
	Kind     event.Kind  `json:"kind"`
	Event    []byte      `json:"event"`
	Sigs     []string    `json:"sigs,omitempty"`
	Embedded []string    `json:"embedded,omitempty"`
	Seal     *event.Seal `json:"seal,omitempty"`
}

// encode serializes msg into a compressed envelope with a fresh id.
// The id makes every delivery attempt of one call identical, and two
// calls distinct, for the receiver's redelivery filter.
func encode(msg Message, id uuid.UUID) ([]byte, error) {
	if msg.Event == nil {
		return nil, fmt.Errorf("message has no event")
	}

	data, err := json.Marshal(envelope{
		ID:       id.String(),
		Source:   msg.Source,
		Dest:     msg.Dest,
		Topic:    msg.Topic,
		Kind:     msg.Event.Kind(),
		Event:    msg.Event.Raw(),
		Sigs:     msg.Sigs,
		Embedded: msg.Embedded,
		Seal:     msg.Seal,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal envelope:\n%w", err)
	}

	return encoder.EncodeAll(data, nil), nil
}

// decode parses a compressed envelope.
func decode(data []byte) (Message, string, error) {
	raw, err := decoder.DecodeAll(data, nil)
	if err != nil {
		return Message{}, "", fmt.Errorf("decompress envelope:\n%w", err)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Message{}, "", fmt.Errorf("unmarshal envelope:\n%w", err)
	}

	ev, err := event.Decode(env.Event, env.Kind)
	if err != nil {
		return Message{}, "", fmt.Errorf("decode event:\n%w", err)
	}

	return Message{
		Source:   env.Source,
		Dest:     env.Dest,
		Topic:    env.Topic,
		Event:    ev,
		Sigs:     env.Sigs,
		Embedded: env.Embedded,
		Seal:     env.Seal,
	}, env.ID, nil
}
