package opmon

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Kind is the class of authorization an operation waits for.
type Kind string

const (
	KindGroup      Kind = "group"      // KindGroup waits for a co-signer quorum
	KindWitness    Kind = "witness"    // KindWitness waits for witness receipts
	KindDelegation Kind = "delegation" // KindDelegation waits for a delegator anchor
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	return k == KindGroup || k == KindWitness || k == KindDelegation
}

// Status is the state of an operation.
type Status string

const (
	Pending Status = "pending"
	Done    Status = "done"
	Failed  Status = "failed"
)

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s == Done || s == Failed
}

// Key identifies an operation: one per (kind, prefix, sn).
type Key struct {
	Kind   Kind   // Kind is the authorization class
	Prefix string // Prefix is the identifier the operation concerns
	Sn     uint64 // Sn is the sequence number of the event
}

// Name renders the key as "<kind>.<prefix>.<sn>".
func (k Key) Name() string {
	return fmt.Sprintf("%s.%s.%d", k.Kind, k.Prefix, k.Sn)
}

// ParseName parses a name produced by Key.Name.
func ParseName(name string) (Key, error) {
	first := strings.IndexByte(name, '.')
	last := strings.LastIndexByte(name, '.')

	if first <= 0 || last <= first+1 || last == len(name)-1 {
		return Key{}, fmt.Errorf("invalid operation name %q", name)
	}

	kind := Kind(name[:first])
	if !kind.Valid() {
		return Key{}, fmt.Errorf("unknown operation kind %q", kind)
	}

	sn, err := strconv.ParseUint(name[last+1:], 10, 64)
	if err != nil {
		return Key{}, fmt.Errorf("invalid sequence number in %q", name)
	}

	return Key{Kind: kind, Prefix: name[first+1 : last], Sn: sn}, nil
}

// Metadata describes what an operation concerns.
type Metadata struct {
	Sn    uint64            `json:"sn"`              // Sn is the event sequence number
	Said  string            `json:"said,omitempty"`  // Said is the event digest, when known
	Extra map[string]string `json:"extra,omitempty"` // Extra carries kind-specific details
}

// Error is the failure detail of a failed operation.
type Error struct {
	Code    int    `json:"code"`    // Code is an HTTP-like status code
	Message string `json:"message"` // Message describes the failure
}

// Operation is a pollable unit of asynchronous coordination work.
type Operation struct {
	Name     string          `json:"name"`               // Name is the rendered key
	Kind     Kind            `json:"kind"`               // Kind is the authorization class
	Prefix   string          `json:"prefix"`             // Prefix is the identifier concerned
	Metadata Metadata        `json:"metadata"`           // Metadata describes the event
	Status   Status          `json:"status"`             // Status is pending, done or failed
	Done     bool            `json:"done"`               // Done is true once terminal
	Response json.RawMessage `json:"response,omitempty"` // Response is the finished artifact
	Error    *Error          `json:"error,omitempty"`    // Error is set when failed
	Created  time.Time       `json:"created"`            // Created is the submission time
	Updated  time.Time       `json:"updated"`            // Updated is the last transition time
}

// Key returns the operation key.
func (o *Operation) Key() Key {
	return Key{Kind: o.Kind, Prefix: o.Prefix, Sn: o.Metadata.Sn}
}
