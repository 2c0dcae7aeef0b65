// Package client is a Go client for the agent HTTP API.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"Conclave/internal/event"
	"Conclave/internal/kel"
	"Conclave/internal/opmon"
)

// Client talks to one agent.
type Client struct {
	baseURL string       // baseURL is the agent root, e.g. "http://127.0.0.1:3901"
	http    *http.Client // http sends requests
}

// NewClient creates a client for the agent at addr. A bare host:port is
// given the http scheme.
func NewClient(addr string) *Client {
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}

	return &Client{
		baseURL: strings.TrimRight(addr, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// Result is the answer to an identifier call: the final event or the
// operation to poll.
type Result struct {
	Event     *event.Event     // Event is set when the event needed no further authorization
	Operation *opmon.Operation // Operation is set otherwise
}

// Final reports whether the event is final.
func (r *Result) Final() bool { return r.Operation == nil }

// GroupMember describes the local member and the participants of a group
// inception.
type GroupMember struct {
	MemberName        string   // MemberName is the local member alias
	MemberKeys        []string // MemberKeys are the member's current keys
	MemberNextDigests []string // MemberNextDigests commit to the member's next keys
	SigningMembers    []string // SigningMembers are the signing participant prefixes
	RotationMembers   []string // RotationMembers are the rotation participant prefixes
}

// Health reports whether the agent answers.
func (c *Client) Health(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodGet, "/health", nil, nil)
	return err
}

// Incept creates the identifier name from a signed inception.
func (c *Client) Incept(ctx context.Context, name string, ev *event.Event, sigs []string) (*Result, error) {
	body := map[string]any{"name": name, "event": ev.Fields(), "signatures": sigs}

	return c.result(ctx, http.MethodPost, "/identifiers", body)
}

// InceptGroup creates the group identifier name through a local member.
func (c *Client) InceptGroup(ctx context.Context, name string, ev *event.Event, sigs []string, m GroupMember) (*Result, error) {
	body := map[string]any{
		"name":              name,
		"event":             ev.Fields(),
		"signatures":        sigs,
		"memberHab":         map[string]string{"name": m.MemberName},
		"memberKeys":        nonNil(m.MemberKeys),
		"memberNextDigests": nonNil(m.MemberNextDigests),
		"signingMemberIds":  nonNil(m.SigningMembers),
		"rotationMemberIds": nonNil(m.RotationMembers),
	}

	return c.result(ctx, http.MethodPost, "/identifiers", body)
}

// Rotate submits a rotation of name.
func (c *Client) Rotate(ctx context.Context, name string, ev *event.Event, sigs []string) (*Result, error) {
	return c.update(ctx, name, "rot", ev, sigs)
}

// Interact submits an interaction of name.
func (c *Client) Interact(ctx context.Context, name string, ev *event.Event, sigs []string) (*Result, error) {
	return c.update(ctx, name, "ixn", ev, sigs)
}

func (c *Client) update(ctx context.Context, name, kind string, ev *event.Event, sigs []string) (*Result, error) {
	body := map[string]any{"event": ev.Fields(), "signatures": sigs}

	return c.result(ctx, http.MethodPut, "/identifiers/"+url.PathEscape(name)+"?type="+kind, body)
}

// Identifier returns the identifier name.
func (c *Client) Identifier(ctx context.Context, name string) (*kel.Hab, error) {
	var hab kel.Hab
	if _, err := c.do(ctx, http.MethodGet, "/identifiers/"+url.PathEscape(name), nil, &hab); err != nil {
		return nil, err
	}

	return &hab, nil
}

// Identifiers lists the local identifiers.
func (c *Client) Identifiers(ctx context.Context) ([]*kel.Hab, error) {
	var habs []*kel.Hab
	if _, err := c.do(ctx, http.MethodGet, "/identifiers", nil, &habs); err != nil {
		return nil, err
	}

	return habs, nil
}

// Remove deletes the identifier name and its queued authorizations.
func (c *Client) Remove(ctx context.Context, name string) error {
	_, err := c.do(ctx, http.MethodDelete, "/identifiers/"+url.PathEscape(name), nil, nil)
	return err
}

// result sends an identifier call and decodes a 200 event or 202 operation.
func (c *Client) result(ctx context.Context, method, path string, body any) (*Result, error) {
	var raw json.RawMessage

	status, err := c.do(ctx, method, path, body, &raw)
	if err != nil {
		return nil, err
	}

	if status == http.StatusAccepted {
		var op opmon.Operation
		if err := json.Unmarshal(raw, &op); err != nil {
			return nil, fmt.Errorf("decode operation:\n%w", err)
		}

		return &Result{Operation: &op}, nil
	}

	ev, err := decodeEvent(raw)
	if err != nil {
		return nil, err
	}

	return &Result{Event: ev}, nil
}

// decodeEvent parses a JSON rendered event.
func decodeEvent(raw []byte) (*event.Event, error) {
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("decode event:\n%w", err)
	}

	ev, err := event.FromMap(fields)
	if err != nil {
		return nil, fmt.Errorf("decode event:\n%w", err)
	}

	return ev, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}

	return s
}
