package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/sethvargo/go-retry"

	"Conclave/internal/event"
	"Conclave/internal/opmon"
	"Conclave/internal/witness"
)

// ErrStillPending is returned by Wait when ctx ends before the operation
// finishes.
var ErrStillPending = errors.New("operation still pending")

// Operation returns the operation name.
func (c *Client) Operation(ctx context.Context, name string) (*opmon.Operation, error) {
	var op opmon.Operation
	if _, err := c.do(ctx, http.MethodGet, "/operations/"+url.PathEscape(name), nil, &op); err != nil {
		return nil, err
	}

	return &op, nil
}

// Operations lists operations, all kinds when kind is empty.
func (c *Client) Operations(ctx context.Context, kind opmon.Kind) ([]*opmon.Operation, error) {
	path := "/operations"
	if kind != "" {
		path += "?type=" + url.QueryEscape(string(kind))
	}

	var ops []*opmon.Operation
	if _, err := c.do(ctx, http.MethodGet, path, nil, &ops); err != nil {
		return nil, err
	}

	return ops, nil
}

// RemoveOperation deletes the operation name.
func (c *Client) RemoveOperation(ctx context.Context, name string) error {
	_, err := c.do(ctx, http.MethodDelete, "/operations/"+url.PathEscape(name), nil, nil)
	return err
}

// Wait polls the operation name every interval until it is terminal or
// ctx ends. API errors stop the polling.
func (c *Client) Wait(ctx context.Context, name string, interval time.Duration) (*opmon.Operation, error) {
	backoff, err := retry.NewConstant(interval)
	if err != nil {
		return nil, fmt.Errorf("backoff:\n%w", err)
	}

	var last *opmon.Operation

	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		op, err := c.Operation(ctx, name)
		if err != nil {
			return err
		}

		last = op

		if !op.Status.Terminal() {
			return retry.RetryableError(ErrStillPending)
		}

		return nil
	})
	if err != nil {
		if ctx.Err() != nil && last != nil {
			return last, fmt.Errorf("%s:\n%w", name, ErrStillPending)
		}

		return last, err
	}

	return last, nil
}

// Proposal is the agent's answer to a group proposal.
type Proposal struct {
	Exn       *event.Event     // Exn is the forwarded message
	Seal      event.Seal       // Seal references the member's last establishment event
	Operation *opmon.Operation // Operation tracks the embedded group event, if any
	Warnings  []string         // Warnings name members that could not be reached
}

// Propose sends a member's exchange message for the group name.
func (c *Client) Propose(ctx context.Context, name string, exn *event.Event, sigs, embedded []string) (*Proposal, error) {
	body := map[string]any{"exn": exn.Fields(), "sigs": sigs}
	if len(embedded) > 0 {
		body["embedded"] = embedded
	}

	var resp struct {
		Exn       json.RawMessage  `json:"exn"`
		Seal      json.RawMessage  `json:"seal"`
		Operation *opmon.Operation `json:"operation"`
		Warnings  []string         `json:"warnings"`
	}

	path := "/identifiers/" + url.PathEscape(name) + "/multisig/request"
	if _, err := c.do(ctx, http.MethodPost, path, body, &resp); err != nil {
		return nil, err
	}

	ev, err := decodeEvent(resp.Exn)
	if err != nil {
		return nil, err
	}

	var seal event.Seal
	if err := json.Unmarshal(resp.Seal, &seal); err != nil {
		return nil, fmt.Errorf("decode seal:\n%w", err)
	}

	return &Proposal{Exn: ev, Seal: seal, Operation: resp.Operation, Warnings: resp.Warnings}, nil
}

// JoinedMessage is one message of a group conversation.
type JoinedMessage struct {
	Exn        map[string]any // Exn is the exchange message
	Sigs       []string       // Sigs are the sender's signatures
	GroupName  string         // GroupName is the local group alias
	MemberName string         // MemberName is the local member alias
	Sender     string         // Sender is the contact alias of the sender
}

// Join returns the conversation of the message said.
func (c *Client) Join(ctx context.Context, said string) ([]JoinedMessage, error) {
	var raw []struct {
		Exn        map[string]any `json:"exn"`
		Sigs       []string       `json:"sigs"`
		GroupName  string         `json:"groupName"`
		MemberName string         `json:"memberName"`
		Sender     string         `json:"sender"`
	}

	if _, err := c.do(ctx, http.MethodGet, "/multisig/request/"+url.PathEscape(said), nil, &raw); err != nil {
		return nil, err
	}

	out := make([]JoinedMessage, len(raw))
	for i, m := range raw {
		out[i] = JoinedMessage{Exn: m.Exn, Sigs: m.Sigs, GroupName: m.GroupName, MemberName: m.MemberName, Sender: m.Sender}
	}

	return out, nil
}

// Receipt hands a witness receipt to the agent.
func (c *Client) Receipt(ctx context.Context, rc witness.Receipt) (*opmon.Operation, error) {
	var op opmon.Operation
	if _, err := c.do(ctx, http.MethodPost, "/receipts", rc, &op); err != nil {
		return nil, err
	}

	return &op, nil
}

// Anchor hands a delegator event to the agent and returns the delegation
// operations it finished.
func (c *Client) Anchor(ctx context.Context, ev *event.Event) ([]*opmon.Operation, error) {
	var ops []*opmon.Operation
	if _, err := c.do(ctx, http.MethodPost, "/anchors", map[string]any{"event": ev.Fields()}, &ops); err != nil {
		return nil, err
	}

	return ops, nil
}

// RejectDelegation fails the delegation operation of (prefix, sn).
func (c *Client) RejectDelegation(ctx context.Context, prefix string, sn uint64, reason string) (*opmon.Operation, error) {
	body := map[string]any{"i": prefix, "s": sn, "reason": reason}

	var op opmon.Operation
	if _, err := c.do(ctx, http.MethodPost, "/anchors/reject", body, &op); err != nil {
		return nil, err
	}

	return &op, nil
}
