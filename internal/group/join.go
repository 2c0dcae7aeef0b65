package group

import (
	"strings"

	"Conclave/internal/event"
	"Conclave/internal/exchange"
	"Conclave/internal/kel"
	"Conclave/internal/kerr"
	"Conclave/internal/logger"
)

// annotatedRoutes are the group routes whose messages get the names of
// the local group and member. Inception messages pass through because the
// group may not be local yet.
var annotatedRoutes = map[string]bool{
	"vcp": true,
	"iss": true,
	"rot": true,
	"ixn": true,
	"rpy": true,
	"exn": true,
}

// Joined is one message of a group conversation with its annotations.
type Joined struct {
	Exn        *event.Event `json:"exn"`                  // Exn is the exchanged message
	Sigs       []string     `json:"sigs"`                 // Sigs are the sender's signatures
	Embedded   []string     `json:"embedded,omitempty"`   // Embedded sign the embedded event
	Seal       event.Seal   `json:"seal"`                 // Seal references the sender's keys
	GroupName  string       `json:"groupName,omitempty"`  // GroupName is the local group alias
	MemberName string       `json:"memberName,omitempty"` // MemberName is the local member alias
	Sender     string       `json:"sender,omitempty"`     // Sender is the contact alias of the sender
}

// Join returns every message of the conversation that the message with
// SAID said belongs to, in arrival order.
func (e *Engine) Join(said string) ([]Joined, error) {
	msg, err := e.exchanges.Get(said)
	if err != nil {
		return nil, err
	}

	route := msg.Exn.Route()
	if !strings.HasPrefix(route, routePrefix) {
		return nil, kerr.NotFound("no group conversation with said %s", said)
	}

	if sub(route) != "icp" {
		gid := groupID(msg.Exn)
		if _, err := e.kel.ResolveByPrefix(gid); err != nil {
			return nil, kerr.Malformed("gid", "group request for non-local group %q", gid)
		}
	}

	esaid := msg.Exn.EmbedsSaid()
	if esaid == "" {
		return []Joined{e.annotate(msg)}, nil
	}

	msgs, err := e.exchanges.MessagesFor(esaid)
	if err != nil {
		return nil, err
	}

	out := make([]Joined, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, e.annotate(m))
	}

	return out, nil
}

// annotate attaches the local names to one message, depending on its route.
func (e *Engine) annotate(m *exchange.Message) Joined {
	j := Joined{Exn: m.Exn, Sigs: m.Sigs, Embedded: m.Embedded, Seal: m.Seal}

	route := m.Exn.Route()
	if !strings.HasPrefix(route, routePrefix) || !annotatedRoutes[sub(route)] {
		return j
	}

	ghab, err := e.kel.ResolveByPrefix(groupID(m.Exn))
	if err != nil || !ghab.IsGroup() {
		logger.Debug("conversation message for unknown group", "said", m.Exn.Said(), "route", route)
		return j
	}

	j.GroupName = ghab.Name
	j.MemberName = memberName(ghab)

	if e.contacts == nil {
		return j
	}

	c, err := e.contacts.Get(m.Sender())
	if err != nil {
		logger.Warn("contact lookup", "prefix", m.Sender(), "error", err)
		return j
	}

	if c != nil {
		j.Sender = c.Alias
	}

	return j
}

// sub returns the route segment after the group namespace.
func sub(route string) string {
	rest := strings.TrimPrefix(strings.TrimPrefix(route, routePrefix), "/")
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		rest = rest[:i]
	}

	return rest
}

// groupID returns the group prefix named in the payload ("gid").
func groupID(exn *event.Event) string {
	gid, _ := exn.Payload()["gid"].(string)
	return gid
}

func memberName(ghab *kel.Hab) string {
	return ghab.Group.Member
}
