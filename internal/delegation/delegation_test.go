package delegation

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"Conclave/internal/courier"
	"Conclave/internal/event"
	"Conclave/internal/event/eventtest"
	"Conclave/internal/kel"
	"Conclave/internal/kerr"
	"Conclave/internal/opmon"
	"Conclave/internal/pending"
	"Conclave/internal/storage"
)

type sink struct {
	mu   sync.Mutex
	msgs []courier.Message
}

func (s *sink) Deliver(_ context.Context, msg courier.Message) error {
	s.mu.Lock()
	s.msgs = append(s.msgs, msg)
	s.mu.Unlock()

	return nil
}

func (s *sink) take() []courier.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := s.msgs
	s.msgs = nil

	return out
}

type fixture struct {
	reg      *kel.Registry
	mon      *opmon.Monitor
	sink     *sink
	dispatch *courier.Dispatcher
	approver *Approver
	requests *Requests

	dora *kel.Hab     // dora is the delegator
	dave *kel.Hab     // dave is delegated by dora
	dip  *event.Event // dip is dave's inception
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db, err := storage.NewMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	f := &fixture{reg: kel.New(db), mon: opmon.New(db), sink: &sink{}}
	f.dispatch = courier.NewDispatcher(f.sink, 1)
	t.Cleanup(f.dispatch.Close)

	f.approver = New(f.reg, f.mon, pending.New(opmon.KindDelegation, db), f.dispatch)
	f.requests = NewRequests(db, f.reg, f.dispatch)

	dora, _, err := f.reg.Incept("dora", eventtest.Incept(t, eventtest.Inception{Seed: 20}), eventtest.Sigs(t, 0), nil)
	require.NoError(t, err)

	f.dip = eventtest.Incept(t, eventtest.Inception{Seed: 21, Delegator: dora.Prefix})

	dave, res, err := f.reg.Incept("dave", f.dip, eventtest.Sigs(t, 0), nil)
	require.NoError(t, err)
	require.Equal(t, kel.Accepted, res.Status)
	require.True(t, dave.Delegated())

	f.dora, f.dave = dora, dave

	return f
}

// anchor has dora interact with the given seals and returns the event.
func (f *fixture) anchor(t *testing.T, sn uint64, prior string, seals ...event.Seal) *event.Event {
	t.Helper()

	data := make([]map[string]any, len(seals))
	for i, s := range seals {
		data[i] = s.Map()
	}

	ixn := eventtest.Interact(t, f.dora.Prefix, sn, prior, data...)

	res, err := f.reg.Accept(ixn, eventtest.Sigs(t, 0))
	require.NoError(t, err)
	require.Equal(t, kel.Accepted, res.Status)

	return ixn
}

func (f *fixture) op(t *testing.T, sn uint64) *opmon.Operation {
	t.Helper()

	op, err := f.mon.Get(opmon.Key{Kind: opmon.KindDelegation, Prefix: f.dave.Prefix, Sn: sn})
	require.NoError(t, err)

	return op
}

func TestDelegationRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	op, err := f.approver.Track(ctx, f.dave, f.dip)
	require.NoError(t, err)
	assert.Equal(t, opmon.Pending, op.Status)
	assert.Equal(t, f.dora.Prefix, op.Metadata.Extra["delegator"])

	f.dispatch.Flush()
	sent := f.sink.take()
	require.Len(t, sent, 1)
	assert.Equal(t, courier.TopicDelegate, sent[0].Topic)
	assert.Equal(t, f.dora.Prefix, sent[0].Dest)

	require.NoError(t, f.requests.HandleRequest(ctx, sent[0]))

	reqs, err := f.requests.List(f.dora.Prefix)
	require.NoError(t, err)
	require.Len(t, reqs, 1)
	assert.Equal(t, f.dave.Prefix, reqs[0].Delegate)

	ev, err := reqs[0].Event()
	require.NoError(t, err)
	assert.Equal(t, f.dip.Said(), ev.Said())

	ixn := f.anchor(t, 1, f.dora.Said, event.Seal{Prefix: f.dave.Prefix, Sn: 0, Digest: f.dip.Said()})

	dora, err := f.reg.ResolveByPrefix(f.dora.Prefix)
	require.NoError(t, err)
	require.NoError(t, f.requests.Notify(ctx, dora, ixn))

	reqs, err = f.requests.List(f.dora.Prefix)
	require.NoError(t, err)
	assert.Empty(t, reqs, "answered requests are removed")

	f.dispatch.Flush()
	sent = f.sink.take()
	require.Len(t, sent, 1)
	assert.Equal(t, courier.TopicAnchor, sent[0].Topic)
	assert.Equal(t, f.dave.Prefix, sent[0].Dest)

	require.NoError(t, f.approver.HandleAnchor(ctx, sent[0]))

	done := f.op(t, 0)
	assert.Equal(t, opmon.Done, done.Status)
	assert.Contains(t, string(done.Response), ixn.Said())
}

func TestAnchorDigestMustMatchAtSameSn(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.approver.Track(ctx, f.dave, f.dip)
	require.NoError(t, err)

	wrong := f.anchor(t, 1, f.dora.Said, event.Seal{Prefix: f.dave.Prefix, Sn: 0, Digest: "Enot-the-dip"})

	finished, err := f.approver.Anchor(ctx, wrong)
	require.NoError(t, err)
	assert.Empty(t, finished)
	assert.Equal(t, opmon.Pending, f.op(t, 0).Status)

	later := f.anchor(t, 2, wrong.Said(), event.Seal{Prefix: f.dave.Prefix, Sn: 3, Digest: "Efuture"})

	finished, err = f.approver.Anchor(ctx, later)
	require.NoError(t, err)
	require.Len(t, finished, 1)
	assert.Equal(t, opmon.Done, finished[0].Status)
}

func TestAnchorFromNonDelegatorIgnored(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.approver.Track(ctx, f.dave, f.dip)
	require.NoError(t, err)

	other, _, err := f.reg.Incept("olga", eventtest.Incept(t, eventtest.Inception{Seed: 22}), eventtest.Sigs(t, 0), nil)
	require.NoError(t, err)

	ixn := eventtest.Interact(t, other.Prefix, 1, other.Said, event.Seal{Prefix: f.dave.Prefix, Sn: 0, Digest: f.dip.Said()}.Map())

	finished, err := f.approver.Anchor(ctx, ixn)
	require.NoError(t, err)
	assert.Empty(t, finished)

	err = f.approver.HandleAnchor(ctx, courier.Message{Source: f.dora.Prefix, Event: ixn})
	assert.ErrorIs(t, err, kerr.ErrUnauthorizedMember)
}

func TestRejectFailsOperation(t *testing.T) {
	f := newFixture(t)

	_, err := f.approver.Track(context.Background(), f.dave, f.dip)
	require.NoError(t, err)

	op, err := f.approver.Reject(f.dave.Prefix, 0, "not today")
	require.NoError(t, err)
	assert.Equal(t, opmon.Failed, op.Status)
	require.NotNil(t, op.Error)
	assert.Equal(t, 403, op.Error.Code)

	// A late anchor does not revive a failed operation.
	ixn := f.anchor(t, 1, f.dora.Said, event.Seal{Prefix: f.dave.Prefix, Sn: 0, Digest: f.dip.Said()})

	finished, err := f.approver.Anchor(context.Background(), ixn)
	require.NoError(t, err)
	assert.Empty(t, finished)
	assert.Equal(t, opmon.Failed, f.op(t, 0).Status)
}

func TestTrackRequiresDelegator(t *testing.T) {
	f := newFixture(t)

	icp, err := f.reg.Event(f.dora.Prefix, 0)
	require.NoError(t, err)

	_, err = f.approver.Track(context.Background(), f.dora, icp.Event)
	assert.ErrorIs(t, err, kerr.ErrMalformedRequest)
}

func TestHandleRequestRejects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	err := f.requests.HandleRequest(ctx, courier.Message{Source: f.dave.Prefix, Dest: "Eunknown", Event: f.dip})
	assert.ErrorIs(t, err, kerr.ErrNotFound)

	err = f.requests.HandleRequest(ctx, courier.Message{Source: "Espoof", Dest: f.dora.Prefix, Event: f.dip})
	assert.ErrorIs(t, err, kerr.ErrUnauthorizedMember)

	ixn := eventtest.Interact(t, f.dave.Prefix, 1, f.dip.Said())
	err = f.requests.HandleRequest(ctx, courier.Message{Source: f.dave.Prefix, Dest: f.dora.Prefix, Event: ixn})
	assert.ErrorIs(t, err, kerr.ErrMalformedRequest)

	other := eventtest.Incept(t, eventtest.Inception{Seed: 23, Delegator: "Esomeone"})
	err = f.requests.HandleRequest(ctx, courier.Message{Source: other.Prefix(), Dest: f.dora.Prefix, Event: other})
	assert.ErrorIs(t, err, kerr.ErrUnauthorizedMember)
}
