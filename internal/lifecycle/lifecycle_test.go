package lifecycle

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"Conclave/internal/courier"
	"Conclave/internal/delegation"
	"Conclave/internal/event"
	"Conclave/internal/event/eventtest"
	"Conclave/internal/exchange"
	"Conclave/internal/group"
	"Conclave/internal/kel"
	"Conclave/internal/kerr"
	"Conclave/internal/opmon"
	"Conclave/internal/pending"
	"Conclave/internal/storage"
	"Conclave/internal/witness"
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

type stack struct {
	reg       *kel.Registry
	mon       *opmon.Monitor
	set       *pending.Set
	receipter *witness.Receipter
	approver  *delegation.Approver
	groups    *group.Engine
	coord     *Coordinator
	out       *sink
	d         *courier.Dispatcher
}

func newStack(t *testing.T) *stack {
	t.Helper()

	db, err := storage.NewMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	ex, err := exchange.New(db)
	require.NoError(t, err)

	out := &sink{}
	d := courier.NewDispatcher(out, 2)
	t.Cleanup(d.Close)

	s := &stack{reg: kel.New(db), mon: opmon.New(db), set: pending.NewSet(db), out: out, d: d}
	s.receipter = witness.New(db, s.reg, s.mon, s.set.Witness, d)
	s.approver = delegation.New(s.reg, s.mon, s.set.Delegation, d)
	s.groups = group.New(group.Config{
		Registry:  s.reg,
		Monitor:   s.mon,
		Pending:   s.set.Group,
		Exchanges: ex,
		Courier:   out,
	})

	s.coord = New(Config{
		Registry:   s.reg,
		Groups:     s.groups,
		Witness:    s.receipter,
		Delegation: s.approver,
		Requests:   delegation.NewRequests(db, s.reg, d),
		Monitor:    s.mon,
		Pending:    s.set,
	})

	return s
}

// sent returns how many messages were delivered once the dispatcher is idle.
func (s *stack) sent() int {
	s.d.Flush()

	s.out.mu.Lock()
	defer s.out.mu.Unlock()

	return len(s.out.msgs)
}

func (s *stack) ops(t *testing.T) []*opmon.Operation {
	t.Helper()

	ops, err := s.mon.List("")
	require.NoError(t, err)

	return ops
}

func TestSimpleRotationIsImmediate(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()

	icp := eventtest.Incept(t, eventtest.Inception{Seed: 1})

	res, err := s.coord.Incept(ctx, InceptRequest{Name: "alice", Event: icp, Sigs: eventtest.Sigs(t, 0)})
	require.NoError(t, err)
	require.True(t, res.Final())
	assert.Equal(t, icp.Said(), res.Event.Said())

	rot := eventtest.Rotate(t, icp.Prefix(), 1, icp.Said(), eventtest.Rotation{})

	res, err = s.coord.Rotate(ctx, "alice", rot, eventtest.Sigs(t, 0))
	require.NoError(t, err)
	require.True(t, res.Final())
	assert.Equal(t, rot.Said(), res.Event.Said())
	assert.Equal(t, uint64(1), res.Hab.Sn)

	assert.Empty(t, s.ops(t), "no operation for final events")
}

func TestWitnessedInception(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()

	wits := []string{"BWit1", "BWit2", "BWit3"}
	icp := eventtest.Incept(t, eventtest.Inception{Seed: 2, Witnesses: wits, WitnessThreshold: 2})

	res, err := s.coord.Incept(ctx, InceptRequest{Name: "bob", Event: icp, Sigs: eventtest.Sigs(t, 0)})
	require.NoError(t, err)
	require.False(t, res.Final())
	assert.Nil(t, res.Event)

	op := res.Operation
	assert.Equal(t, opmon.KindWitness, op.Kind)
	assert.Equal(t, icp.Prefix(), op.Prefix)
	assert.Zero(t, op.Metadata.Sn)
	assert.Equal(t, opmon.Pending, op.Status)

	for i, w := range wits {
		got, err := s.receipter.Receipt(ctx, witness.Receipt{Prefix: icp.Prefix(), Sn: 0, Said: icp.Said(), Witness: w})
		require.NoError(t, err)

		if i == 0 {
			assert.Equal(t, opmon.Pending, got.Status)
		} else {
			assert.Equal(t, opmon.Done, got.Status)
		}
	}
}

func TestInceptAliasConflict(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()

	_, err := s.coord.Incept(ctx, InceptRequest{Name: "alice", Event: eventtest.Incept(t, eventtest.Inception{Seed: 1}), Sigs: eventtest.Sigs(t, 0)})
	require.NoError(t, err)

	res, err := s.coord.Incept(ctx, InceptRequest{Name: "alice", Event: eventtest.Incept(t, eventtest.Inception{Seed: 3}), Sigs: eventtest.Sigs(t, 0)})
	assert.ErrorIs(t, err, kerr.ErrAliasConflict)
	assert.Nil(t, res)
}

func TestDelegatorTakesPriorityOverWitnesses(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()

	dip := eventtest.Incept(t, eventtest.Inception{Seed: 4, Delegator: "EDelegator", Witnesses: []string{"BWit1"}, WitnessThreshold: 1})

	res, err := s.coord.Incept(ctx, InceptRequest{Name: "dave", Event: dip, Sigs: eventtest.Sigs(t, 0)})
	require.NoError(t, err)
	require.NotNil(t, res.Operation)
	assert.Equal(t, opmon.KindDelegation, res.Operation.Kind)
	assert.Len(t, s.ops(t), 1)

	// Interactions are not delegated; the witnesses receipt them.
	ixn := eventtest.Interact(t, dip.Prefix(), 1, dip.Said())

	res, err = s.coord.Interact(ctx, "dave", ixn, eventtest.Sigs(t, 0))
	require.NoError(t, err)
	require.NotNil(t, res.Operation)
	assert.Equal(t, opmon.KindWitness, res.Operation.Kind)
	assert.Equal(t, uint64(1), res.Operation.Metadata.Sn)
}

func TestDelegatedInteractionWithoutWitnessesIsFinal(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()

	dip := eventtest.Incept(t, eventtest.Inception{Seed: 5, Delegator: "EDelegator"})

	_, err := s.coord.Incept(ctx, InceptRequest{Name: "dave", Event: dip, Sigs: eventtest.Sigs(t, 0)})
	require.NoError(t, err)

	res, err := s.coord.Interact(ctx, "dave", eventtest.Interact(t, dip.Prefix(), 1, dip.Said()), eventtest.Sigs(t, 0))
	require.NoError(t, err)
	assert.True(t, res.Final())
}

func TestUpdateRejects(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()

	icp := eventtest.Incept(t, eventtest.Inception{Seed: 6})
	_, err := s.coord.Incept(ctx, InceptRequest{Name: "alice", Event: icp, Sigs: eventtest.Sigs(t, 0)})
	require.NoError(t, err)

	ixn := eventtest.Interact(t, icp.Prefix(), 1, icp.Said())

	_, err = s.coord.Rotate(ctx, "alice", ixn, eventtest.Sigs(t, 0))
	assert.ErrorIs(t, err, kerr.ErrMalformedRequest, "interaction on the rotation path")

	_, err = s.coord.Interact(ctx, "nobody", ixn, eventtest.Sigs(t, 0))
	assert.ErrorIs(t, err, kerr.ErrNotFound)

	gap := eventtest.Interact(t, icp.Prefix(), 3, icp.Said())
	_, err = s.coord.Interact(ctx, "alice", gap, eventtest.Sigs(t, 0))
	assert.ErrorIs(t, err, kerr.ErrMalformedRequest)

	foreign := eventtest.Interact(t, "Eforeign", 1, icp.Said())
	_, err = s.coord.Interact(ctx, "alice", foreign, eventtest.Sigs(t, 0))
	assert.ErrorIs(t, err, kerr.ErrMalformedRequest)

	_, err = s.coord.Interact(ctx, "alice", ixn, eventtest.Sigs(t, 0))
	require.NoError(t, err)

	other := eventtest.Interact(t, icp.Prefix(), 1, icp.Said(), map[string]any{"x": "y"})
	_, err = s.coord.Interact(ctx, "alice", other, eventtest.Sigs(t, 0))
	assert.ErrorIs(t, err, kerr.ErrConflictingContribution)
}

func TestGroupQuorumOpensWitnessOperation(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()

	member := eventtest.Incept(t, eventtest.Inception{Seed: 7})
	mres, err := s.coord.Incept(ctx, InceptRequest{Name: "alice", Event: member, Sigs: eventtest.Sigs(t, 0)})
	require.NoError(t, err)

	grp := &kel.Group{Member: "alice", MemberPrefix: mres.Hab.Prefix, SigningMembers: []string{mres.Hab.Prefix, "EBob"}}
	icp := eventtest.Incept(t, eventtest.Inception{Keys: eventtest.Keys(t, 40, 2), Threshold: 2, Witnesses: []string{"BWit1"}, WitnessThreshold: 1})

	res, err := s.coord.Incept(ctx, InceptRequest{Name: "pair", Event: icp, Sigs: eventtest.Sigs(t, 0), Group: grp})
	require.NoError(t, err)
	require.NotNil(t, res.Operation)
	assert.Equal(t, opmon.KindGroup, res.Operation.Kind)
	assert.Equal(t, opmon.Pending, res.Operation.Status)

	_, err = s.groups.Contribute(ctx, icp, eventtest.Sigs(t, 1), "EBob")
	require.NoError(t, err)

	gop, err := s.mon.Get(opmon.Key{Kind: opmon.KindGroup, Prefix: icp.Prefix(), Sn: 0})
	require.NoError(t, err)
	assert.Equal(t, opmon.Done, gop.Status)

	wop, err := s.mon.Get(opmon.Key{Kind: opmon.KindWitness, Prefix: icp.Prefix(), Sn: 0})
	require.NoError(t, err)
	assert.Equal(t, opmon.Pending, wop.Status)

	// Group rotations go through the group engine.
	ixn := eventtest.Interact(t, icp.Prefix(), 1, icp.Said())

	ures, err := s.coord.Interact(ctx, "pair", ixn, eventtest.Sigs(t, 0))
	require.NoError(t, err)
	assert.Equal(t, opmon.KindGroup, ures.Operation.Kind)
	assert.Equal(t, uint64(1), ures.Operation.Metadata.Sn)
}

func TestRemoveAbandonsQueuedWork(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()

	icp := eventtest.Incept(t, eventtest.Inception{Seed: 8, Witnesses: []string{"BWit1", "BWit2"}, WitnessThreshold: 2})

	res, err := s.coord.Incept(ctx, InceptRequest{Name: "bob", Event: icp, Sigs: eventtest.Sigs(t, 0)})
	require.NoError(t, err)

	_, err = s.receipter.Receipt(ctx, witness.Receipt{Prefix: icp.Prefix(), Sn: 0, Said: icp.Said(), Witness: "BWit1"})
	require.NoError(t, err)

	hab, err := s.coord.Remove("bob")
	require.NoError(t, err)
	assert.Equal(t, icp.Prefix(), hab.Prefix)

	_, err = s.reg.ResolveByAlias("bob")
	assert.ErrorIs(t, err, kerr.ErrNotFound)

	entries, err := s.set.Witness.ForPrefix(icp.Prefix())
	require.NoError(t, err)
	assert.Empty(t, entries)

	receipts, err := s.receipter.Receipts(icp.Prefix(), 0)
	require.NoError(t, err)
	assert.Empty(t, receipts)

	op, err := s.mon.Get(res.Operation.Key())
	require.NoError(t, err)
	assert.Equal(t, opmon.Failed, op.Status)
	assert.Equal(t, 404, op.Error.Code)

	// The alias is free again.
	_, err = s.coord.Incept(ctx, InceptRequest{Name: "bob", Event: eventtest.Incept(t, eventtest.Inception{Seed: 9}), Sigs: eventtest.Sigs(t, 0)})
	assert.NoError(t, err)
}

func TestResultCarriesExactlyOne(t *testing.T) {
	final := &Result{Event: &event.Event{}}
	assert.True(t, final.Final())

	waiting := &Result{Operation: &opmon.Operation{}}
	assert.False(t, waiting.Final())
}

func TestResubmittedRotationKeepsDoneOperation(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()

	icp := eventtest.Incept(t, eventtest.Inception{Seed: 4, Witnesses: []string{"BWit1"}, WitnessThreshold: 1})

	res, err := s.coord.Incept(ctx, InceptRequest{Name: "alice", Event: icp, Sigs: eventtest.Sigs(t, 0)})
	require.NoError(t, err)
	require.False(t, res.Final())

	_, err = s.receipter.Receipt(ctx, witness.Receipt{Prefix: icp.Prefix(), Sn: 0, Said: icp.Said(), Witness: "BWit1"})
	require.NoError(t, err)

	rot := eventtest.Rotate(t, icp.Prefix(), 1, icp.Said(), eventtest.Rotation{WitnessThreshold: 1})

	res, err = s.coord.Rotate(ctx, "alice", rot, eventtest.Sigs(t, 0))
	require.NoError(t, err)
	require.False(t, res.Final())

	done, err := s.receipter.Receipt(ctx, witness.Receipt{Prefix: icp.Prefix(), Sn: 1, Said: rot.Said(), Witness: "BWit1"})
	require.NoError(t, err)
	require.Equal(t, opmon.Done, done.Status)

	before := s.sent()

	res, err = s.coord.Rotate(ctx, "alice", rot, eventtest.Sigs(t, 0))
	require.NoError(t, err)
	require.NotNil(t, res.Operation)
	assert.Equal(t, done.Name, res.Operation.Name)
	assert.Equal(t, opmon.Done, res.Operation.Status)
	assert.JSONEq(t, string(done.Response), string(res.Operation.Response))

	assert.Equal(t, before, s.sent(), "a resubmitted event is not sent to witnesses again")

	op, err := s.mon.Get(opmon.Key{Kind: opmon.KindWitness, Prefix: icp.Prefix(), Sn: 1})
	require.NoError(t, err)
	assert.Equal(t, opmon.Done, op.Status)
}

func TestResubmittedFinalInteraction(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()

	icp := eventtest.Incept(t, eventtest.Inception{Seed: 5})

	_, err := s.coord.Incept(ctx, InceptRequest{Name: "alice", Event: icp, Sigs: eventtest.Sigs(t, 0)})
	require.NoError(t, err)

	ixn := eventtest.Interact(t, icp.Prefix(), 1, icp.Said())

	for range 2 {
		res, err := s.coord.Interact(ctx, "alice", ixn, eventtest.Sigs(t, 0))
		require.NoError(t, err)
		require.True(t, res.Final())
		assert.Equal(t, ixn.Said(), res.Event.Said())
	}

	assert.Empty(t, s.ops(t))
}

func TestResubmittedGroupInteraction(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()

	member := eventtest.Incept(t, eventtest.Inception{Seed: 6})
	mres, err := s.coord.Incept(ctx, InceptRequest{Name: "alice", Event: member, Sigs: eventtest.Sigs(t, 0)})
	require.NoError(t, err)

	grp := &kel.Group{Member: "alice", MemberPrefix: mres.Hab.Prefix, SigningMembers: []string{mres.Hab.Prefix, "EBob"}}
	icp := eventtest.Incept(t, eventtest.Inception{Keys: eventtest.Keys(t, 45, 2), Threshold: 2})

	_, err = s.coord.Incept(ctx, InceptRequest{Name: "pair", Event: icp, Sigs: eventtest.Sigs(t, 0), Group: grp})
	require.NoError(t, err)

	_, err = s.groups.Contribute(ctx, icp, eventtest.Sigs(t, 1), "EBob")
	require.NoError(t, err)

	ixn := eventtest.Interact(t, icp.Prefix(), 1, icp.Said())

	_, err = s.coord.Interact(ctx, "pair", ixn, eventtest.Sigs(t, 0))
	require.NoError(t, err)

	_, err = s.groups.Contribute(ctx, ixn, eventtest.Sigs(t, 1), "EBob")
	require.NoError(t, err)

	done, err := s.mon.Get(opmon.Key{Kind: opmon.KindGroup, Prefix: icp.Prefix(), Sn: 1})
	require.NoError(t, err)
	require.Equal(t, opmon.Done, done.Status)

	res, err := s.coord.Interact(ctx, "pair", ixn, eventtest.Sigs(t, 0))
	require.NoError(t, err)
	assert.Equal(t, opmon.Done, res.Operation.Status)
	assert.Equal(t, done.Updated, res.Operation.Updated, "the done operation is returned untouched")
}
