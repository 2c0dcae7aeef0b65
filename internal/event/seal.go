package event

import (
	"encoding/json"
	"fmt"
)

// Seal references a specific event by prefix, sequence number and digest.
type Seal struct {
	Prefix string // Prefix is the identifier owning the event
	Sn     uint64 // Sn is the sequence number of the event
	Digest string // Digest is the event SAID
}

// sealJSON is the wire form of a seal.
type sealJSON struct {
	I string `json:"i"`
	S string `json:"s"`
	D string `json:"d"`
}

// MarshalJSON encodes the seal as {"i","s","d"} with a hex sequence number.
func (s Seal) MarshalJSON() ([]byte, error) {
	return json.Marshal(sealJSON{I: s.Prefix, S: Hex(s.Sn), D: s.Digest})
}

// UnmarshalJSON decodes the {"i","s","d"} form.
func (s *Seal) UnmarshalJSON(data []byte) error {
	var w sealJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	sn, err := parseHex(w.S, "s")
	if err != nil {
		return err
	}

	*s = Seal{Prefix: w.I, Sn: sn, Digest: w.D}

	return nil
}

// Map returns the seal as a label map for embedding in events.
func (s Seal) Map() map[string]any {
	return map[string]any{"i": s.Prefix, "s": Hex(s.Sn), "d": s.Digest}
}

// SealFromMap parses an event seal from a decoded label map.
func SealFromMap(m map[string]any) (Seal, error) {
	i, _ := m["i"].(string)
	d, _ := m["d"].(string)

	if i == "" || d == "" {
		return Seal{}, fmt.Errorf("not an event seal")
	}

	sn, err := parseHex(m["s"], "s")
	if err != nil {
		return Seal{}, err
	}

	return Seal{Prefix: i, Sn: sn, Digest: d}, nil
}

// SealOf returns the seal referencing e.
func SealOf(e *Event) (Seal, error) {
	sn, err := e.Sn()
	if err != nil {
		return Seal{}, err
	}

	return Seal{Prefix: e.Prefix(), Sn: sn, Digest: e.Said()}, nil
}
