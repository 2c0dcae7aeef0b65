package event

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"

	"github.com/fxamacker/cbor/v2"
	"github.com/vmihailenco/msgpack/v4"
)

// Kind is the serialization kind of an event.
type Kind string

const (
	JSON Kind = "JSON"
	CBOR Kind = "CBOR"
	MGPK Kind = "MGPK"
)

// labelOrder is the canonical field order for JSON serialization.
// Unknown labels follow in lexicographic order.
var labelOrder = []string{
	"v", "t", "d", "u", "i", "ri", "s", "p", "kt", "k", "nt", "n",
	"bt", "b", "br", "ba", "c", "di", "dt", "r", "q", "a", "e", "rp",
}

var labelRank = func() map[string]int {
	m := make(map[string]int, len(labelOrder))
	for i, l := range labelOrder {
		m[l] = i
	}
	return m
}()

var (
	cborEnc cbor.EncMode
	cborDec cbor.DecMode
)

func init() {
	var err error

	cborEnc, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("event: CBOR encoder initialization failed: " + err.Error())
	}

	cborDec, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("event: CBOR decoder initialization failed: " + err.Error())
	}
}

// orderedLabels returns the labels of fields in canonical order.
func orderedLabels(fields map[string]any) []string {
	labels := make([]string, 0, len(fields))
	for l := range fields {
		labels = append(labels, l)
	}

	sort.Slice(labels, func(i, j int) bool {
		ri, iok := labelRank[labels[i]]
		rj, jok := labelRank[labels[j]]

		switch {
		case iok && jok:
			return ri < rj
		case iok:
			return true
		case jok:
			return false
		default:
			return labels[i] < labels[j]
		}
	})

	return labels
}

// marshal serializes fields in the given kind.
func marshal(fields map[string]any, kind Kind) ([]byte, error) {
	switch kind {
	case JSON:
		return marshalJSON(fields)
	case CBOR:
		return cborEnc.Marshal(fields)
	case MGPK:
		var buf bytes.Buffer

		enc := msgpack.NewEncoder(&buf).SortMapKeys(true)
		if err := enc.Encode(fields); err != nil {
			return nil, err
		}

		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("unsupported serialization kind %q", kind)
	}
}

// marshalJSON writes a JSON object with top-level labels in canonical order.
func marshalJSON(fields map[string]any) ([]byte, error) {
	var buf bytes.Buffer

	buf.WriteByte('{')

	for i, label := range orderedLabels(fields) {
		if i > 0 {
			buf.WriteByte(',')
		}

		k, err := json.Marshal(label)
		if err != nil {
			return nil, err
		}

		v, err := json.Marshal(fields[label])
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", label, err)
		}

		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(v)
	}

	buf.WriteByte('}')

	return buf.Bytes(), nil
}

// unmarshal decodes raw bytes of the given kind into a field map.
func unmarshal(raw []byte, kind Kind) (map[string]any, error) {
	var fields map[string]any

	switch kind {
	case JSON:
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()

		if err := dec.Decode(&fields); err != nil {
			return nil, err
		}
	case CBOR:
		if err := cborDec.Unmarshal(raw, &fields); err != nil {
			return nil, err
		}
	case MGPK:
		if err := msgpack.Unmarshal(raw, &fields); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported serialization kind %q", kind)
	}

	if fields == nil {
		return nil, fmt.Errorf("event is not a map")
	}

	return fields, nil
}

// Sniff guesses the serialization kind from the first byte of raw.
func Sniff(raw []byte) (Kind, error) {
	if len(raw) == 0 {
		return "", fmt.Errorf("empty event")
	}

	b := raw[0]

	switch {
	case b == '{':
		return JSON, nil
	case b >= 0xa0 && b <= 0xbf:
		return CBOR, nil
	case (b >= 0x80 && b <= 0x8f) || b == 0xde || b == 0xdf:
		return MGPK, nil
	default:
		return "", fmt.Errorf("unrecognized serialization (first byte 0x%02x)", b)
	}
}

// versionString formats a KERI version string for kind and size.
// Format: PPPPvvKKKKssssss_ with a 6 hex digit size.
func versionString(proto string, kind Kind, size int) string {
	return fmt.Sprintf("%s%s%06x_", proto, kind, size)
}

// sizeify serializes fields, rewriting the "v" label (if present) so its
// size matches the serialized length. The size field has fixed width, so
// a second pass is enough.
func sizeify(fields map[string]any, kind Kind) ([]byte, error) {
	v, ok := fields["v"].(string)
	if !ok || len(v) < 6 {
		return marshal(fields, kind)
	}

	proto := v[:6]

	fields["v"] = versionString(proto, kind, 0)

	raw, err := marshal(fields, kind)
	if err != nil {
		return nil, err
	}

	fields["v"] = versionString(proto, kind, len(raw))

	return marshal(fields, kind)
}
