package event

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
)

// Scheme is the signature algorithm of an indexed signature.
type Scheme int

const (
	Ed25519 Scheme = iota
	Secp256k1
)

func (s Scheme) String() string {
	if s == Secp256k1 {
		return "secp256k1"
	}
	return "ed25519"
}

const (
	sigLength = 88 // sigLength is the qb64 length of an indexed signature
	sigRawLen = 64 // sigRawLen is the raw signature length
	b64Chars  = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-_"
)

// sigCodes maps indexed signature codes to scheme and whether the index
// also applies to the prior next keys.
var sigCodes = map[byte]struct {
	scheme Scheme
	both   bool
}{
	'A': {Ed25519, true},
	'B': {Ed25519, false},
	'C': {Secp256k1, true},
	'D': {Secp256k1, false},
}

// Signature is a parsed CESR indexed signature.
type Signature struct {
	Qb64    string // Qb64 is the text encoding
	Scheme  Scheme // Scheme is the signing algorithm
	Index   int    // Index is the position of the signing key
	Current bool   // Current is true when the index only applies to current keys
	Raw     []byte // Raw is the 64-byte signature
}

// ParseSignature structurally parses a qb64 indexed signature.
// No cryptographic verification is performed.
func ParseSignature(qb64 string) (Signature, error) {
	if len(qb64) != sigLength {
		return Signature{}, fmt.Errorf("signature length %d, want %d", len(qb64), sigLength)
	}

	code, ok := sigCodes[qb64[0]]
	if !ok {
		return Signature{}, fmt.Errorf("unsupported signature code %q", qb64[0])
	}

	index := strings.IndexByte(b64Chars, qb64[1])
	if index < 0 {
		return Signature{}, fmt.Errorf("invalid signature index %q", qb64[1])
	}

	decoded, err := base64.RawURLEncoding.DecodeString("AA" + qb64[2:])
	if err != nil {
		return Signature{}, fmt.Errorf("signature is not base64url:\n%w", err)
	}

	if len(decoded) != sigRawLen+2 || decoded[0] != 0 || decoded[1] != 0 {
		return Signature{}, fmt.Errorf("signature has invalid lead bytes")
	}

	raw := decoded[2:]

	if code.scheme == Secp256k1 {
		if err := checkScalars(raw); err != nil {
			return Signature{}, err
		}
	}

	return Signature{
		Qb64:    qb64,
		Scheme:  code.scheme,
		Index:   index,
		Current: !code.both,
		Raw:     raw,
	}, nil
}

// checkScalars verifies r and s of a secp256k1 signature are in [1, N).
func checkScalars(raw []byte) error {
	for i, part := range [][]byte{raw[:32], raw[32:]} {
		var sc btcec.ModNScalar

		if overflow := sc.SetByteSlice(part); overflow {
			return fmt.Errorf("secp256k1 scalar %d overflows curve order", i)
		}

		if sc.IsZero() {
			return fmt.Errorf("secp256k1 scalar %d is zero", i)
		}
	}

	return nil
}

// NewSignature encodes a raw 64-byte signature as a qb64 indexed signature.
func NewSignature(scheme Scheme, index int, raw []byte) (string, error) {
	if len(raw) != sigRawLen {
		return "", fmt.Errorf("raw signature length %d, want %d", len(raw), sigRawLen)
	}

	if index < 0 || index >= len(b64Chars) {
		return "", fmt.Errorf("signature index %d out of range", index)
	}

	code := byte('A')
	if scheme == Secp256k1 {
		code = 'C'
	}

	padded := make([]byte, 2+sigRawLen)
	copy(padded[2:], raw)

	b64 := base64.RawURLEncoding.EncodeToString(padded)

	return string([]byte{code, b64Chars[index]}) + b64[2:], nil
}

// EncodeKey encodes a 32-byte Ed25519 public key as a qb64 verfer.
func EncodeKey(pub []byte) (string, error) {
	if len(pub) != 32 {
		return "", fmt.Errorf("public key length %d, want 32", len(pub))
	}

	return encodeFixed("D", pub), nil
}

// EncodeWitness encodes a 32-byte Ed25519 public key as a
// non-transferable prefix, the form witness identifiers take.
func EncodeWitness(pub []byte) (string, error) {
	if len(pub) != 32 {
		return "", fmt.Errorf("public key length %d, want 32", len(pub))
	}

	return encodeFixed("B", pub), nil
}

// SignatureIndices parses each signature and returns the distinct indices.
func SignatureIndices(sigs []string) ([]int, error) {
	seen := make(map[int]bool, len(sigs))
	out := make([]int, 0, len(sigs))

	for i, s := range sigs {
		sig, err := ParseSignature(s)
		if err != nil {
			return nil, fmt.Errorf("signature %d:\n%w", i, err)
		}

		if seen[sig.Index] {
			continue
		}

		seen[sig.Index] = true
		out = append(out, sig.Index)
	}

	return out, nil
}

// CheckIndices rejects signatures whose index names no key of a list of
// n signing keys.
func CheckIndices(sigs []Signature, n int) error {
	for _, sig := range sigs {
		if sig.Index >= n {
			return fmt.Errorf("signature index %d out of range for %d keys", sig.Index, n)
		}
	}

	return nil
}
