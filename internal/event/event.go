package event

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Ilk is the type of a key event or exchange message.
type Ilk string

const (
	Inception          Ilk = "icp"
	Rotation           Ilk = "rot"
	Interaction        Ilk = "ixn"
	DelegatedInception Ilk = "dip"
	DelegatedRotation  Ilk = "drt"
	Exchange           Ilk = "exn"
)

// Establishment reports whether the ilk changes key state.
func (i Ilk) Establishment() bool {
	return i == Inception || i == Rotation || i == DelegatedInception || i == DelegatedRotation
}

// Inceptive reports whether the ilk creates an identifier.
func (i Ilk) Inceptive() bool {
	return i == Inception || i == DelegatedInception
}

// KeyEvent reports whether the ilk belongs in a key event log.
func (i Ilk) KeyEvent() bool {
	return i.Establishment() || i == Interaction
}

// Event is an immutable, content-addressed KERI message.
// The decoded field map is never exposed for mutation; accessors copy.
type Event struct {
	kind   Kind           // kind is the serialization of raw
	fields map[string]any // fields is the decoded label map
	raw    []byte         // raw is the serialized form
}

// New serializes fields in the given kind. The "v" size is recomputed
// when a version string is present. Fields are copied.
func New(fields map[string]any, kind Kind) (*Event, error) {
	if len(fields) == 0 {
		return nil, fmt.Errorf("empty event")
	}

	cp := copyFields(fields)

	raw, err := sizeify(cp, kind)
	if err != nil {
		return nil, fmt.Errorf("serialize event:\n%w", err)
	}

	return &Event{kind: kind, fields: cp, raw: raw}, nil
}

// FromMap builds a JSON event from a decoded label map.
func FromMap(fields map[string]any) (*Event, error) {
	return New(fields, JSON)
}

// Decode parses raw bytes of the given kind. An empty kind is detected
// from the first byte.
func Decode(raw []byte, kind Kind) (*Event, error) {
	if kind == "" {
		k, err := Sniff(raw)
		if err != nil {
			return nil, err
		}

		kind = k
	}

	fields, err := unmarshal(raw, kind)
	if err != nil {
		return nil, fmt.Errorf("decode %s event:\n%w", kind, err)
	}

	return &Event{kind: kind, fields: fields, raw: append([]byte(nil), raw...)}, nil
}

// Kind returns the serialization kind.
func (e *Event) Kind() Kind { return e.kind }

// Raw returns a copy of the serialized event.
func (e *Event) Raw() []byte { return append([]byte(nil), e.raw...) }

// Size returns the serialized length.
func (e *Event) Size() int { return len(e.raw) }

// Fields returns a copy of the label map.
func (e *Event) Fields() map[string]any { return copyFields(e.fields) }

// Get returns the raw value of a label.
func (e *Event) Get(label string) (any, bool) {
	v, ok := e.fields[label]
	return v, ok
}

// MarshalJSON renders the event as JSON with canonical label order,
// regardless of its serialization kind.
func (e *Event) MarshalJSON() ([]byte, error) {
	return marshalJSON(e.fields)
}

// Ilk returns the "t" label.
func (e *Event) Ilk() Ilk { return Ilk(e.str("t")) }

// Said returns the "d" label.
func (e *Event) Said() string { return e.str("d") }

// Prefix returns the "i" label: the controlling prefix of a key event,
// the sender of an exchange message.
func (e *Event) Prefix() string { return e.str("i") }

// Sender is an alias of Prefix for exchange messages.
func (e *Event) Sender() string { return e.str("i") }

// Route returns the "r" label of an exchange message.
func (e *Event) Route() string { return e.str("r") }

// Delegator returns the "di" label.
func (e *Event) Delegator() string { return e.str("di") }

// Sn returns the sequence number ("s", hex).
func (e *Event) Sn() (uint64, error) {
	return parseHex(e.fields["s"], "s")
}

// SigningThreshold returns the "kt" label.
func (e *Event) SigningThreshold() (uint64, error) {
	return parseHex(e.fields["kt"], "kt")
}

// NextThreshold returns the "nt" label.
func (e *Event) NextThreshold() (uint64, error) {
	return parseHex(e.fields["nt"], "nt")
}

// WitnessThreshold returns the "bt" label, 0 when absent.
func (e *Event) WitnessThreshold() (uint64, error) {
	if _, ok := e.fields["bt"]; !ok {
		return 0, nil
	}

	return parseHex(e.fields["bt"], "bt")
}

// Keys returns the current signing keys ("k").
func (e *Event) Keys() []string { return strList(e.fields["k"]) }

// NextDigests returns the next key digests ("n").
func (e *Event) NextDigests() []string { return strList(e.fields["n"]) }

// Witnesses returns the inception witness list ("b").
func (e *Event) Witnesses() []string { return strList(e.fields["b"]) }

// Cuts returns the witnesses removed by a rotation ("br").
func (e *Event) Cuts() []string { return strList(e.fields["br"]) }

// Adds returns the witnesses added by a rotation ("ba").
func (e *Event) Adds() []string { return strList(e.fields["ba"]) }

// Payload returns the "a" label of an exchange message as a map.
func (e *Event) Payload() map[string]any {
	m, _ := asMap(e.fields["a"])
	return m
}

// Embeds returns the "e" label of an exchange message as a map.
func (e *Event) Embeds() map[string]any {
	m, _ := asMap(e.fields["e"])
	return m
}

// EmbedsSaid returns the digest of the embedded section ("e.d"), the
// correlating identifier of a group conversation.
func (e *Event) EmbedsSaid() string {
	s, _ := e.Embeds()["d"].(string)
	return s
}

// Embedded returns the key event carried in the "e" section of an
// exchange message, or nil when there is none.
func (e *Event) Embedded() (*Event, error) {
	embeds := e.Embeds()
	if embeds == nil {
		return nil, nil
	}

	for _, label := range []Ilk{Inception, Rotation, Interaction, DelegatedInception, DelegatedRotation} {
		raw, ok := embeds[string(label)]
		if !ok {
			continue
		}

		m, ok := asMap(raw)
		if !ok {
			return nil, fmt.Errorf("embedded %s is not a map", label)
		}

		return New(m, e.kind)
	}

	return nil, nil
}

// Seals returns the event seals listed in the "a" label of a key event.
// Entries that are not event seals are skipped.
func (e *Event) Seals() []Seal {
	list, ok := e.fields["a"].([]any)
	if !ok {
		return nil
	}

	var seals []Seal

	for _, item := range list {
		m, ok := asMap(item)
		if !ok {
			continue
		}

		seal, err := SealFromMap(m)
		if err != nil {
			continue
		}

		seals = append(seals, seal)
	}

	return seals
}

// str returns a string label or "".
func (e *Event) str(label string) string {
	s, _ := e.fields[label].(string)
	return s
}

// parseHex parses a hex string (or integer) label value.
func parseHex(v any, label string) (uint64, error) {
	switch t := v.(type) {
	case string:
		if t == "" {
			return 0, fmt.Errorf("label %q is empty", label)
		}

		n, err := strconv.ParseUint(strings.TrimPrefix(t, "0x"), 16, 64)
		if err != nil {
			return 0, fmt.Errorf("label %q is not hex: %q", label, t)
		}

		return n, nil
	case json.Number:
		n, err := strconv.ParseUint(t.String(), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("label %q is not an unsigned integer", label)
		}

		return n, nil
	case uint64:
		return t, nil
	case int64:
		if t < 0 {
			return 0, fmt.Errorf("label %q is negative", label)
		}
		return uint64(t), nil
	case int:
		if t < 0 {
			return 0, fmt.Errorf("label %q is negative", label)
		}
		return uint64(t), nil
	case nil:
		return 0, fmt.Errorf("label %q missing", label)
	default:
		return 0, fmt.Errorf("label %q has unsupported type %T", label, v)
	}
}

// strList converts a decoded list of strings.
func strList(v any) []string {
	list, ok := v.([]any)
	if !ok {
		if ss, ok := v.([]string); ok {
			return append([]string(nil), ss...)
		}
		return nil
	}

	out := make([]string, 0, len(list))

	for _, item := range list {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}

	return out
}

// asMap normalizes decoded maps (msgpack may yield interface keys).
func asMap(v any) (map[string]any, bool) {
	switch t := v.(type) {
	case map[string]any:
		return t, true
	case map[any]any:
		m := make(map[string]any, len(t))
		for k, val := range t {
			ks, ok := k.(string)
			if !ok {
				return nil, false
			}
			m[ks] = val
		}
		return m, true
	default:
		return nil, false
	}
}

// copyFields shallow-copies a label map.
func copyFields(fields map[string]any) map[string]any {
	cp := make(map[string]any, len(fields))
	for k, v := range fields {
		cp[k] = v
	}

	return cp
}

// Hex formats a sequence number the way KERI labels carry it.
func Hex(n uint64) string {
	return strconv.FormatUint(n, 16)
}
