package integration

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"Conclave/internal/delegation"
	"Conclave/internal/event"
	"Conclave/internal/event/eventtest"
	"Conclave/internal/kel"
	"Conclave/internal/kerr"
	"Conclave/internal/opmon"
)

// awaitRequest waits until dora's agent holds a request from delegate at sn.
func awaitRequest(t *testing.T, dora *Agent, delegator, delegate string, sn uint64) delegation.Request {
	t.Helper()

	var found delegation.Request

	require.Eventually(t, func() bool {
		reqs, err := dora.Requests.List(delegator)
		if err != nil {
			return false
		}

		for _, r := range reqs {
			if r.Delegate == delegate && r.Sn == sn {
				found = r
				return true
			}
		}

		return false
	}, waitTimeout, waitTick)

	return found
}

// anchor has the delegator interact with seals of the requested events.
func anchor(t *testing.T, dora *Agent, hab *kel.Hab, seals ...event.Seal) *event.Event {
	t.Helper()

	data := make([]map[string]any, len(seals))
	for i, s := range seals {
		data[i] = s.Map()
	}

	ixn := eventtest.Interact(t, hab.Prefix, hab.Sn+1, hab.Said, data...)

	res, err := dora.Lifecycle.Interact(context.Background(), hab.Name, ixn, eventtest.Sigs(t, 0))
	require.NoError(t, err)
	require.True(t, res.Final())

	return ixn
}

func TestDelegatedInceptionAcrossAgents(t *testing.T) {
	net := NewNetwork()
	dora := net.Agent(t, "dora")
	dave := net.Agent(t, "dave")

	doraHab := dora.Member(t, "dora", 5)

	res, dip := dave.Incept(t, "dave", eventtest.Inception{Seed: 6, Delegator: doraHab.Prefix})
	require.False(t, res.Final())
	assert.Equal(t, opmon.KindDelegation, res.Operation.Kind)

	req := awaitRequest(t, dora, doraHab.Prefix, dip.Prefix(), 0)
	assert.Equal(t, dip.Said(), req.Said)

	ixn := anchor(t, dora, doraHab, event.Seal{Prefix: dip.Prefix(), Sn: 0, Digest: dip.Said()})

	op := dave.AwaitStatus(t, opmon.KindDelegation, dip.Prefix(), 0, opmon.Done)

	var out struct {
		Anchor event.Seal `json:"anchor"`
	}
	require.NoError(t, json.Unmarshal(op.Response, &out))
	assert.Equal(t, doraHab.Prefix, out.Anchor.Prefix)
	assert.Equal(t, ixn.Said(), out.Anchor.Digest)

	reqs, err := dora.Requests.List(doraHab.Prefix)
	require.NoError(t, err)
	assert.Empty(t, reqs, "answered requests are removed")
}

func TestDelegatedRotationAcrossAgents(t *testing.T) {
	net := NewNetwork()
	dora := net.Agent(t, "dora")
	dave := net.Agent(t, "dave")

	doraHab := dora.Member(t, "dora", 5)

	_, dip := dave.Incept(t, "dave", eventtest.Inception{Seed: 6, Delegator: doraHab.Prefix})
	awaitRequest(t, dora, doraHab.Prefix, dip.Prefix(), 0)
	anchor(t, dora, doraHab, event.Seal{Prefix: dip.Prefix(), Sn: 0, Digest: dip.Said()})
	dave.AwaitStatus(t, opmon.KindDelegation, dip.Prefix(), 0, opmon.Done)

	drt := eventtest.Rotate(t, dip.Prefix(), 1, dip.Said(), eventtest.Rotation{Delegated: true})

	res, err := dave.Lifecycle.Rotate(context.Background(), "dave", drt, eventtest.Sigs(t, 0))
	require.NoError(t, err)
	require.False(t, res.Final())

	awaitRequest(t, dora, doraHab.Prefix, dip.Prefix(), 1)

	doraHab, err = dora.Registry.ResolveByAlias("dora")
	require.NoError(t, err)
	anchor(t, dora, doraHab, event.Seal{Prefix: dip.Prefix(), Sn: 1, Digest: drt.Said()})

	dave.AwaitStatus(t, opmon.KindDelegation, dip.Prefix(), 1, opmon.Done)
}

func TestDelegateInteractionNeedsNoApproval(t *testing.T) {
	net := NewNetwork()
	dora := net.Agent(t, "dora")
	dave := net.Agent(t, "dave")

	doraHab := dora.Member(t, "dora", 5)

	_, dip := dave.Incept(t, "dave", eventtest.Inception{Seed: 6, Delegator: doraHab.Prefix})
	awaitRequest(t, dora, doraHab.Prefix, dip.Prefix(), 0)
	anchor(t, dora, doraHab, event.Seal{Prefix: dip.Prefix(), Sn: 0, Digest: dip.Said()})
	dave.AwaitStatus(t, opmon.KindDelegation, dip.Prefix(), 0, opmon.Done)

	ixn := eventtest.Interact(t, dip.Prefix(), 1, dip.Said())

	res, err := dave.Lifecycle.Interact(context.Background(), "dave", ixn, eventtest.Sigs(t, 0))
	require.NoError(t, err)
	assert.True(t, res.Final())
}

func TestAnchorFromStrangerIgnored(t *testing.T) {
	net := NewNetwork()
	dora := net.Agent(t, "dora")
	dave := net.Agent(t, "dave")
	mallory := net.Agent(t, "mallory")

	doraHab := dora.Member(t, "dora", 5)
	malHab := mallory.Member(t, "mallory", 7)

	_, dip := dave.Incept(t, "dave", eventtest.Inception{Seed: 6, Delegator: doraHab.Prefix})
	awaitRequest(t, dora, doraHab.Prefix, dip.Prefix(), 0)

	// mallory anchors dave's event and pushes it straight to dave.
	ixn := eventtest.Interact(t, malHab.Prefix, 1, malHab.Said, event.Seal{Prefix: dip.Prefix(), Sn: 0, Digest: dip.Said()}.Map())

	finished, err := dave.Approver.Anchor(context.Background(), ixn)
	require.NoError(t, err)
	assert.Empty(t, finished)
	assert.Equal(t, opmon.Pending, dave.Op(t, opmon.KindDelegation, dip.Prefix(), 0).Status)
}

func TestUnreachableDelegatorTimesOut(t *testing.T) {
	net := NewNetwork()
	dora := net.Agent(t, "dora")
	dave := net.Agent(t, "dave")

	doraHab := dora.Member(t, "dora", 5)
	net.Loop.FailNext(doraHab.Prefix, -1)

	_, dip := dave.Incept(t, "dave", eventtest.Inception{Seed: 6, Delegator: doraHab.Prefix})

	later := time.Now().Add(time.Hour)
	dave.Monitor.SetClock(func() time.Time { return later })

	failed, err := dave.Monitor.Sweep(30*time.Minute, dave.Pending.Consume)
	require.NoError(t, err)
	require.Len(t, failed, 1)

	op := dave.Op(t, opmon.KindDelegation, dip.Prefix(), 0)
	assert.Equal(t, opmon.Failed, op.Status)
	assert.Equal(t, kerr.Status(kerr.ErrTimeout), op.Error.Code)

	reqs, err := dora.Requests.List(doraHab.Prefix)
	require.NoError(t, err)
	assert.Empty(t, reqs)
}

func TestDelegatorRefusal(t *testing.T) {
	net := NewNetwork()
	dora := net.Agent(t, "dora")
	dave := net.Agent(t, "dave")

	doraHab := dora.Member(t, "dora", 5)

	_, dip := dave.Incept(t, "dave", eventtest.Inception{Seed: 6, Delegator: doraHab.Prefix})
	awaitRequest(t, dora, doraHab.Prefix, dip.Prefix(), 0)

	op, err := dave.Approver.Reject(dip.Prefix(), 0, "unknown delegate")
	require.NoError(t, err)
	assert.Equal(t, opmon.Failed, op.Status)
	assert.Equal(t, kerr.Status(kerr.ErrUnauthorizedMember), op.Error.Code)

	// a late anchor does not revive the refused operation.
	ixn := anchor(t, dora, doraHab, event.Seal{Prefix: dip.Prefix(), Sn: 0, Digest: dip.Said()})

	_, err = dave.Approver.Anchor(context.Background(), ixn)
	require.NoError(t, err)
	assert.Equal(t, opmon.Failed, dave.Op(t, opmon.KindDelegation, dip.Prefix(), 0).Status)
}
