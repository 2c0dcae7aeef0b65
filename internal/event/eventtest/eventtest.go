// Package eventtest builds well-formed key events and signatures for tests.
package eventtest

import (
	"testing"

	"github.com/stretchr/testify/require"

	"Conclave/internal/event"
)

// Keys returns n deterministic qb64 keys derived from seed.
func Keys(tb testing.TB, seed byte, n int) []string {
	tb.Helper()

	keys := make([]string, n)

	for i := range keys {
		pub := make([]byte, 32)
		for j := range pub {
			pub[j] = seed + byte(i*32+j)
		}

		k, err := event.EncodeKey(pub)
		require.NoError(tb, err)

		keys[i] = k
	}

	return keys
}

// Sig returns an Ed25519 indexed signature at index. The raw bytes are
// arbitrary; salt varies them.
func Sig(tb testing.TB, index int, salt byte) string {
	tb.Helper()

	raw := make([]byte, 64)
	for i := range raw {
		raw[i] = salt ^ byte(i)
	}

	s, err := event.NewSignature(event.Ed25519, index, raw)
	require.NoError(tb, err)

	return s
}

// Sigs returns one signature per index.
func Sigs(tb testing.TB, indices ...int) []string {
	tb.Helper()

	out := make([]string, len(indices))
	for i, idx := range indices {
		out[i] = Sig(tb, idx, byte(idx))
	}

	return out
}

// Inception configures an inception event.
type Inception struct {
	Keys             []string   // Keys defaults to one key
	Threshold        uint64     // Threshold defaults to 1
	Witnesses        []string   // Witnesses is the backer list
	WitnessThreshold uint64     // WitnessThreshold is bt
	Delegator        string     // Delegator makes the event a dip
	Kind             event.Kind // Kind defaults to JSON
	Seed             byte       // Seed varies the derived keys and prefix
}

// Incept returns a saidified self-addressing inception event.
func Incept(tb testing.TB, opts Inception) *event.Event {
	tb.Helper()

	if opts.Kind == "" {
		opts.Kind = event.JSON
	}

	if len(opts.Keys) == 0 {
		opts.Keys = Keys(tb, opts.Seed, 1)
	}

	if opts.Threshold == 0 {
		opts.Threshold = 1
	}

	ilk := event.Inception
	if opts.Delegator != "" {
		ilk = event.DelegatedInception
	}

	fields := map[string]any{
		"v":  event.Version(opts.Kind),
		"t":  string(ilk),
		"d":  "",
		"i":  "",
		"s":  "0",
		"kt": event.Hex(opts.Threshold),
		"k":  toAny(opts.Keys),
		"nt": event.Hex(opts.Threshold),
		"n":  toAny(nextDigests(opts.Keys)),
		"bt": event.Hex(opts.WitnessThreshold),
		"b":  toAny(opts.Witnesses),
		"c":  []any{},
		"a":  []any{},
	}

	if opts.Delegator != "" {
		fields["di"] = opts.Delegator
	}

	ev, err := event.Saidify(fields, opts.Kind)
	require.NoError(tb, err)

	return ev
}

// Rotation configures a rotation event.
type Rotation struct {
	Keys             []string // Keys are the new signing keys
	Threshold        uint64   // Threshold defaults to 1
	Cuts             []string // Cuts are removed witnesses
	Adds             []string // Adds are added witnesses
	WitnessThreshold uint64   // WitnessThreshold is bt
	Delegated        bool     // Delegated makes the event a drt
}

// Rotate returns a saidified rotation of prefix at sn following prior.
func Rotate(tb testing.TB, prefix string, sn uint64, prior string, opts Rotation) *event.Event {
	tb.Helper()

	if len(opts.Keys) == 0 {
		opts.Keys = Keys(tb, byte(sn)+100, 1)
	}

	if opts.Threshold == 0 {
		opts.Threshold = 1
	}

	ilk := event.Rotation
	if opts.Delegated {
		ilk = event.DelegatedRotation
	}

	ev, err := event.Saidify(map[string]any{
		"v":  event.Version(event.JSON),
		"t":  string(ilk),
		"d":  "",
		"i":  prefix,
		"s":  event.Hex(sn),
		"p":  prior,
		"kt": event.Hex(opts.Threshold),
		"k":  toAny(opts.Keys),
		"nt": event.Hex(opts.Threshold),
		"n":  toAny(nextDigests(opts.Keys)),
		"bt": event.Hex(opts.WitnessThreshold),
		"br": toAny(opts.Cuts),
		"ba": toAny(opts.Adds),
		"a":  []any{},
	}, event.JSON)
	require.NoError(tb, err)

	return ev
}

// Interact returns a saidified interaction of prefix at sn. Data entries
// (seals or arbitrary maps) go in the "a" label.
func Interact(tb testing.TB, prefix string, sn uint64, prior string, data ...map[string]any) *event.Event {
	tb.Helper()

	a := make([]any, len(data))
	for i, d := range data {
		a[i] = d
	}

	ev, err := event.Saidify(map[string]any{
		"v": event.Version(event.JSON),
		"t": string(event.Interaction),
		"d": "",
		"i": prefix,
		"s": event.Hex(sn),
		"p": prior,
		"a": a,
	}, event.JSON)
	require.NoError(tb, err)

	return ev
}

// Exchange returns a saidified exn from sender on route. The embedded
// key event, when given, is carried under its ilk and the embeds section
// gets its own SAID.
func Exchange(tb testing.TB, sender, route string, payload map[string]any, embedded *event.Event) *event.Event {
	tb.Helper()

	if payload == nil {
		payload = map[string]any{}
	}

	fields := map[string]any{
		"v":  event.Version(event.JSON),
		"t":  string(event.Exchange),
		"d":  "",
		"i":  sender,
		"dt": "2026-01-01T00:00:00.000000+00:00",
		"r":  route,
		"q":  map[string]any{},
		"a":  payload,
	}

	if embedded != nil {
		embeds := map[string]any{"d": "", string(embedded.Ilk()): embedded.Fields()}

		said, err := event.ComputeSaid(embeds, event.JSON)
		require.NoError(tb, err)

		embeds["d"] = said
		fields["e"] = embeds
	}

	ev, err := event.Saidify(fields, event.JSON)
	require.NoError(tb, err)

	return ev
}

// nextDigests derives stand-in next key digests from keys.
func nextDigests(keys []string) []string {
	out := make([]string, len(keys))

	for i, k := range keys {
		var d [32]byte
		copy(d[:], k)
		out[i] = event.EncodeDigest(d)
	}

	return out
}

// toAny converts a string list to a label value.
func toAny(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}

	return out
}
