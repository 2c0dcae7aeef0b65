package event

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/zeebo/blake3"
)

// VersionPrefix is the protocol and version prefix of KERI version strings.
const VersionPrefix = "KERI10"

// DigestCode is the CESR code of a Blake3-256 digest.
const DigestCode = "E"

// saidLength is the qb64 length of a Blake3-256 SAID.
const saidLength = 44

// dummy fills SAID labels while the digest is computed.
var dummy = strings.Repeat("#", saidLength)

// Version returns a version string placeholder for kind; New fixes the size.
func Version(kind Kind) string {
	return versionString(VersionPrefix, kind, 0)
}

// selfAddressing reports whether the "i" label must equal the SAID.
func selfAddressing(fields map[string]any) bool {
	ilk, _ := fields["t"].(string)
	if !Ilk(ilk).Inceptive() {
		return false
	}

	i, _ := fields["i"].(string)
	d, _ := fields["d"].(string)

	return i == "" || i == d || i == dummy
}

// ComputeSaid returns the SAID of fields serialized in kind.
// The "d" label, and "i" for self-addressing inceptions, are replaced
// by a fixed-length dummy before hashing.
func ComputeSaid(fields map[string]any, kind Kind) (string, error) {
	cp := copyFields(fields)
	cp["d"] = dummy

	if selfAddressing(fields) {
		cp["i"] = dummy
	}

	raw, err := sizeify(cp, kind)
	if err != nil {
		return "", fmt.Errorf("serialize for digest:\n%w", err)
	}

	return EncodeDigest(blake3.Sum256(raw)), nil
}

// Saidify computes the SAID of fields and returns the serialized event
// with "d" (and "i" when self-addressing) set to it.
func Saidify(fields map[string]any, kind Kind) (*Event, error) {
	said, err := ComputeSaid(fields, kind)
	if err != nil {
		return nil, err
	}

	cp := copyFields(fields)

	if selfAddressing(fields) {
		cp["i"] = said
	}

	cp["d"] = said

	return New(cp, kind)
}

// VerifySaid checks that the declared "d" label matches the content.
func VerifySaid(e *Event) error {
	declared := e.Said()
	if declared == "" {
		return fmt.Errorf("event has no SAID")
	}

	computed, err := ComputeSaid(e.fields, e.kind)
	if err != nil {
		return err
	}

	if computed != declared {
		return fmt.Errorf("SAID mismatch: declared %s, computed %s", declared, computed)
	}

	return nil
}

// EncodeDigest encodes a 32-byte digest as a CESR qb64 Blake3-256 SAID.
func EncodeDigest(digest [32]byte) string {
	return encodeFixed(DigestCode, digest[:])
}

// encodeFixed encodes a 32-byte raw value under a one-character code.
// One zero byte of lead padding makes the base64 length 44; its first
// character is then replaced by the code.
func encodeFixed(code string, raw []byte) string {
	padded := make([]byte, 1+len(raw))
	copy(padded[1:], raw)

	b64 := base64.RawURLEncoding.EncodeToString(padded)

	return code + b64[1:]
}
